package xtestbus

import (
	"os"
	"strconv"
	"time"
)

// DrainAttemptsEnv overrides the drain attempt budget.
const DrainAttemptsEnv = "XTESTBUS_DRAIN_ATTEMPTS"

// Config controls bus behavior.
type Config struct {
	// DrainAttempts bounds the number of drain passes before a livelock is reported (default: 5).
	DrainAttempts int
	// DrainInitialBackoff is the first poll delay while a processor catches up (default: 25ms).
	DrainInitialBackoff time.Duration
	// DrainMaxBackoff caps the poll delay (default: 200ms).
	DrainMaxBackoff time.Duration
	// ConsumeTimeout bounds a single Consume call; zero disables it.
	ConsumeTimeout time.Duration
	// ObserverWorkers is the number of observer dispatch goroutines (default: 2).
	ObserverWorkers int
	// ObserverBuffer is the observer event queue capacity (default: 1024).
	ObserverBuffer int
}

// DefaultConfig returns the bus defaults.
func DefaultConfig() Config {
	return Config{
		DrainAttempts:       5,
		DrainInitialBackoff: 25 * time.Millisecond,
		DrainMaxBackoff:     200 * time.Millisecond,
		ObserverWorkers:     2,
		ObserverBuffer:      1024,
	}
}

// ConfigFromEnv returns DefaultConfig with environment overrides applied.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv(DrainAttemptsEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DrainAttempts = n
		}
	}
	return cfg
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	def := ConfigFromEnv()
	return Config{
		DrainAttempts:       maxInt(1, getInt("drain_attempts", def.DrainAttempts)),
		DrainInitialBackoff: getDur("drain_initial_backoff", def.DrainInitialBackoff),
		DrainMaxBackoff:     getDur("drain_max_backoff", def.DrainMaxBackoff),
		ConsumeTimeout:      getDur("consume_timeout", def.ConsumeTimeout),
		ObserverWorkers:     maxInt(1, getInt("observer_workers", def.ObserverWorkers)),
		ObserverBuffer:      maxInt(1, getInt("observer_buffer", def.ObserverBuffer)),
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.DrainAttempts < 1 {
		c.DrainAttempts = def.DrainAttempts
	}
	if c.DrainInitialBackoff <= 0 {
		c.DrainInitialBackoff = def.DrainInitialBackoff
	}
	if c.DrainMaxBackoff < c.DrainInitialBackoff {
		c.DrainMaxBackoff = c.DrainInitialBackoff
	}
	if c.ObserverWorkers < 1 {
		c.ObserverWorkers = def.ObserverWorkers
	}
	if c.ObserverBuffer < 1 {
		c.ObserverBuffer = def.ObserverBuffer
	}
	return c
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
