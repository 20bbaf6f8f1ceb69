package tui

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain ensures no goroutines leak across the tui tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
