package store

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain ensures no goroutines leak across the store tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}
