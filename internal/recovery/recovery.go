package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/internal/model"
	"foreman/internal/policy"
)

var ErrDetectionResolved = errors.New("detection already resolved")

type AttemptStore interface {
	RecoveryAttempts(ctx context.Context, detectionID string) ([]model.RecoveryAttempt, error)
	InsertRecoveryAttempt(ctx context.Context, attempt model.RecoveryAttempt) error
	UpdateRecoveryAttempt(ctx context.Context, attempt model.RecoveryAttempt) error
}

// Executor carries out one recovery action. It returns a short detail for the
// attempt record.
type Executor interface {
	Execute(ctx context.Context, detection model.StuckAgentDetection, action model.RecoveryAction) (string, error)
}

type Config struct {
	Caps map[model.StuckType]int
	// Grace is how long a pending attempt may run before a persisting
	// condition counts as a failed attempt.
	Grace time.Duration
}

func ConfigFromPolicy(cfg policy.Config) Config {
	return Config{Caps: cfg.RecoveryCaps(), Grace: 2 * cfg.WatchInterval()}
}

type Engine struct {
	store    AttemptStore
	executor Executor
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

func NewEngine(store AttemptStore, executor Executor, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, executor: executor, cfg: cfg, logger: logger, now: time.Now}
}

func (e *Engine) limit(stuckType model.StuckType) int {
	if limit, ok := e.cfg.Caps[stuckType]; ok && limit > 0 {
		return limit
	}
	return 3
}

// Recover runs at most one strategy for detection. A pending attempt within
// its grace period is returned unchanged, and once EscalateToParent has been
// recorded every later call returns it.
func (e *Engine) Recover(ctx context.Context, detection model.StuckAgentDetection) (model.RecoveryAttempt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	attempts, err := e.store.RecoveryAttempts(ctx, detection.ID)
	if err != nil {
		return model.RecoveryAttempt{}, fmt.Errorf("load recovery attempts for %s: %w", detection.ID, err)
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Sequence < attempts[j].Sequence })

	if n := len(attempts); n > 0 {
		last := attempts[n-1]
		if last.Action == model.ActionEscalateToParent {
			return last, nil
		}
		if last.Outcome == model.OutcomePending {
			if e.now().Sub(last.StartedAt) < e.cfg.Grace {
				return last, nil
			}
			last = finish(last, model.OutcomeFailed, "condition persisted after grace period", e.now())
			if err := e.store.UpdateRecoveryAttempt(ctx, last); err != nil {
				return model.RecoveryAttempt{}, fmt.Errorf("fail stale recovery attempt %s: %w", last.ID, err)
			}
			attempts[n-1] = last
		}
	}
	if detection.Resolved {
		return model.RecoveryAttempt{}, ErrDetectionResolved
	}

	tried := 0
	for _, attempt := range attempts {
		if attempt.Action != model.ActionEscalateToParent {
			tried++
		}
	}
	action := NextAction(detection.Type, detection.Severity, tried, e.limit(detection.Type))
	attempt := model.RecoveryAttempt{
		ID:          uuid.NewString(),
		DetectionID: detection.ID,
		Sequence:    len(attempts) + 1,
		Action:      action,
		Outcome:     model.OutcomePending,
		StartedAt:   e.now().UTC(),
	}
	if err := e.store.InsertRecoveryAttempt(ctx, attempt); err != nil {
		return model.RecoveryAttempt{}, fmt.Errorf("record recovery attempt: %w", err)
	}
	e.logger.Info("recovery attempt started",
		"session_id", detection.SessionID,
		"agent_id", detection.AgentID,
		"stuck_type", detection.Type,
		"severity", detection.Severity,
		"action", action,
		"sequence", attempt.Sequence,
	)

	detail, execErr := e.executor.Execute(ctx, detection, action)
	attempt.Detail = detail
	switch {
	case execErr != nil:
		attempt = finish(attempt, model.OutcomeFailed, execErr.Error(), e.now())
		e.logger.Warn("recovery attempt failed", "agent_id", detection.AgentID, "action", action, "error", execErr)
	case action == model.ActionEscalateToParent:
		attempt = finish(attempt, model.OutcomeEscalated, detail, e.now())
	}
	if err := e.store.UpdateRecoveryAttempt(ctx, attempt); err != nil {
		return attempt, fmt.Errorf("update recovery attempt %s: %w", attempt.ID, err)
	}
	return attempt, nil
}

// Observe records the outcome of the pending attempt for detectionID, if any.
func (e *Engine) Observe(ctx context.Context, detectionID string, resolved bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	attempts, err := e.store.RecoveryAttempts(ctx, detectionID)
	if err != nil {
		return fmt.Errorf("load recovery attempts for %s: %w", detectionID, err)
	}
	for _, attempt := range attempts {
		if attempt.Outcome != model.OutcomePending {
			continue
		}
		outcome, detail := model.OutcomeFailed, "condition persisted"
		if resolved {
			outcome, detail = model.OutcomeResolved, "condition cleared"
		}
		if err := e.store.UpdateRecoveryAttempt(ctx, finish(attempt, outcome, detail, e.now())); err != nil {
			return fmt.Errorf("update recovery attempt %s: %w", attempt.ID, err)
		}
	}
	return nil
}

func finish(attempt model.RecoveryAttempt, outcome model.RecoveryOutcome, detail string, now time.Time) model.RecoveryAttempt {
	at := now.UTC()
	attempt.Outcome = outcome
	attempt.FinishedAt = &at
	if detail != "" {
		if attempt.Detail != "" && attempt.Detail != detail {
			attempt.Detail += "; " + detail
		} else {
			attempt.Detail = detail
		}
	}
	return attempt
}
