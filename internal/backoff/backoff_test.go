package backoff

import (
	"testing"
	"time"

	"foreman/internal/policy"
)

func TestDelayForAttemptExponentialAndCapped(t *testing.T) {
	cfg := Config{InitialDelayMS: 50, BackoffFactor: 10.0, MaxDelayMS: 200}
	if got := DelayForAttempt(1, cfg, "seed"); got != 50*time.Millisecond {
		t.Fatalf("attempt 1: got %v want %v", got, 50*time.Millisecond)
	}
	if got := DelayForAttempt(2, cfg, "seed"); got != 200*time.Millisecond {
		t.Fatalf("attempt 2: got %v want %v", got, 200*time.Millisecond)
	}
	if got := DelayForAttempt(0, cfg, "seed"); got != 50*time.Millisecond {
		t.Fatalf("attempt 0 should clamp to the first attempt, got %v", got)
	}
}

func TestDelayForAttemptJitterDeterministicAndBounded(t *testing.T) {
	cfg := Config{InitialDelayMS: 100, BackoffFactor: 1.0, MaxDelayMS: 1000, Jitter: true}
	first := DelayForAttempt(1, cfg, "sess-1:E1/S1")
	again := DelayForAttempt(1, cfg, "sess-1:E1/S1")
	if first != again {
		t.Fatalf("expected deterministic delay for same seed: %v vs %v", first, again)
	}
	if first < 50*time.Millisecond || first > 150*time.Millisecond {
		t.Fatalf("delay out of jitter range: %v", first)
	}
}

func TestJitterNeverExceedsCap(t *testing.T) {
	cfg := Config{InitialDelayMS: 1000, BackoffFactor: 2.0, MaxDelayMS: 1000, Jitter: true}
	for attempt := 1; attempt <= 20; attempt++ {
		if got := DelayForAttempt(attempt, cfg, "seed"); got > time.Second {
			t.Fatalf("attempt %d: %v exceeds cap", attempt, got)
		}
	}
}

func TestCumulative(t *testing.T) {
	cfg := Config{InitialDelayMS: 10, BackoffFactor: 2.0, MaxDelayMS: 1000}
	if got := Cumulative(3, cfg, "seed"); got != 70*time.Millisecond {
		t.Fatalf("expected 10+20+40ms, got %v", got)
	}
}

func TestFromPolicy(t *testing.T) {
	cfg := FromPolicy(policy.Default())
	if cfg.InitialDelayMS != 5000 || cfg.MaxDelayMS != 300000 {
		t.Fatalf("unexpected backoff config %+v", cfg)
	}
}
