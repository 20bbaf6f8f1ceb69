package oracle

import (
	"context"
	"strings"
	"testing"

	"mendloop/internal/config"
)

func TestFromConfig_OpenAI(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Oracle.APIKey = "test-key"

	o, err := FromConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if o == nil {
		t.Fatalf("FromConfig() = nil oracle")
	}
	if _, ok := o.(*retryOracle); !ok {
		t.Fatalf("FromConfig() = %T, want retry-wrapped provider", o)
	}
}

func TestFromConfig_Anthropic(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Oracle.Provider = "anthropic"
	cfg.Oracle.APIKey = "test-key"
	cfg.Oracle.Model = "claude-sonnet-4-20250514"

	if _, err := FromConfig(context.Background(), cfg); err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
}

func TestFromConfig_UnknownProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Oracle.Provider = "carrier-pigeon"
	cfg.Oracle.APIKey = "test-key"

	_, err := FromConfig(context.Background(), cfg)
	if err == nil {
		t.Fatalf("FromConfig() error = nil, want unknown provider error")
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("error = %v, want provider name in message", err)
	}
}
