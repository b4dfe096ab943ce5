package orders

import (
	"testing"
	"time"
)

func TestLoadReliabilityConfig_Parses(t *testing.T) {
	t.Setenv("SAGA_RETRY_MAX_ATTEMPTS", "4")
	t.Setenv("SAGA_RETRY_BASE_DELAY", "50ms")
	t.Setenv("SAGA_RETRY_MAX_DELAY", "500ms")
	t.Setenv("SAGA_BREAKER_MAX_FAILURES", "2")
	t.Setenv("SAGA_BREAKER_RESET_TIMEOUT", "3s")
	t.Setenv("SAGA_RATE_LIMIT_INTERVAL", "1ms")
	t.Setenv("SAGA_RATE_LIMIT_BURST", "100")

	cfg, err := LoadReliabilityConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := ReliabilityConfig{
		RetryMaxAttempts:    4,
		RetryBaseDelay:      50 * time.Millisecond,
		RetryMaxDelay:       500 * time.Millisecond,
		BreakerMaxFailures:  2,
		BreakerResetTimeout: 3 * time.Second,
		RateLimitInterval:   time.Millisecond,
		RateLimitBurst:      100,
	}
	if cfg != want {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadReliabilityConfig_Defaults(t *testing.T) {
	cfg, err := LoadReliabilityConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg != DefaultReliabilityConfig() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadReliabilityConfig_Rejects(t *testing.T) {
	cases := map[string]string{
		"SAGA_RETRY_MAX_ATTEMPTS": "-1",
		"SAGA_RETRY_BASE_DELAY":   "soon",
		"SAGA_RATE_LIMIT_BURST":   "lots",
		"SAGA_RETRY_MAX_DELAY":    "1ms",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := LoadReliabilityConfig(); err == nil {
				t.Fatalf("expected error for %s=%s", key, val)
			}
		})
	}
}
