// Package backoff computes deterministic retry delays. Jitter is seeded so
// two processes polling the same resource spread out identically across
// runs, which keeps tests reproducible.
package backoff

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// Config configures retry delays.
type Config struct {
	InitialDelayMS int
	Factor         float64
	MaxDelayMS     int
	Jitter         bool
}

// Default is tuned for lock and claim polling: fast first retry, capped
// well under typical lock timeouts.
func Default() Config {
	return Config{
		InitialDelayMS: 25,
		Factor:         2.0,
		MaxDelayMS:     500,
		Jitter:         true,
	}
}

// DelayForAttempt returns the delay before retry number attempt (1-indexed).
func DelayForAttempt(attempt int, cfg Config, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	factor := cfg.Factor
	if factor <= 0 {
		factor = 1.0
	}

	baseMS := float64(cfg.InitialDelayMS) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}

	// Jitter applies after capping, scaling into [0.5, 1.5).
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(seed, attempt)
	}

	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string, attempt int) float64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(attempt))
	sum := sha256.Sum256(append([]byte(seed), buf[:]...))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
