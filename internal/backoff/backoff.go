package backoff

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/blake3"

	"foreman/internal/policy"
)

// Config configures wait delays between polls of external state.
type Config struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

func FromPolicy(cfg policy.Config) Config {
	return Config{
		InitialDelayMS: cfg.Backoff.InitialDelayMS,
		BackoffFactor:  cfg.Backoff.BackoffFactor,
		MaxDelayMS:     cfg.Backoff.MaxDelayMS,
		Jitter:         cfg.Backoff.Jitter,
	}
}

// DelayForAttempt returns initial * factor^(attempt-1), capped at MaxDelayMS.
// attempt is 1-indexed. Jitter is derived from seed so the same attempt for
// the same story always waits the same amount.
func DelayForAttempt(attempt int, cfg Config, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	factor := cfg.BackoffFactor
	if factor <= 0 {
		factor = 1
	}

	baseMS := float64(cfg.InitialDelayMS) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}

	if cfg.Jitter {
		// [0.5, 1.5]
		baseMS *= 0.5 + jitterUnit(fmt.Sprintf("%s:%d", seed, attempt))
	}
	if cfg.MaxDelayMS > 0 && cfg.Jitter {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

// Cumulative sums the delays of attempts 1..attempts.
func Cumulative(attempts int, cfg Config, seed string) time.Duration {
	var total time.Duration
	for i := 1; i <= attempts; i++ {
		total += DelayForAttempt(i, cfg, seed)
	}
	return total
}

func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
