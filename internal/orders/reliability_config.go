package orders

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type ReliabilityConfig struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// DefaultReliabilityConfig is used for every key left unset.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		RetryMaxAttempts:    3,
		RetryBaseDelay:      100 * time.Millisecond,
		RetryMaxDelay:       2 * time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 10 * time.Second,
		RateLimitInterval:   10 * time.Millisecond,
		RateLimitBurst:      50,
	}
}

// LoadReliabilityConfig reads SAGA_RETRY_*, SAGA_BREAKER_* and
// SAGA_RATE_LIMIT_* from the environment.
func LoadReliabilityConfig() (ReliabilityConfig, error) {
	cfg := DefaultReliabilityConfig()
	var err error

	if cfg.RetryMaxAttempts, err = optionalInt("SAGA_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = optionalDuration("SAGA_RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = optionalDuration("SAGA_RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = optionalInt("SAGA_BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = optionalDuration("SAGA_BREAKER_RESET_TIMEOUT", cfg.BreakerResetTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = optionalDuration("SAGA_RATE_LIMIT_INTERVAL", cfg.RateLimitInterval); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = optionalInt("SAGA_RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay > 0 && cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return cfg, errors.New("SAGA_RETRY_MAX_DELAY must be >= SAGA_RETRY_BASE_DELAY")
	}

	return cfg, nil
}

func optionalDuration(name string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func optionalInt(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}
