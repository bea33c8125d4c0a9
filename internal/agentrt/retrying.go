package agentrt

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
)

// Retrying buffers each call to completion under a per-call timeout and
// retries transient and rate-limit failures with exponential backoff.
type Retrying struct {
	inner       Runtime
	attempts    uint
	initial     time.Duration
	timeout     time.Duration
	onRateLimit func(agentID string, err *RateLimitError)
	logger      *slog.Logger
}

type RetryOptions struct {
	Attempts     int
	InitialDelay time.Duration
	Timeout      time.Duration
	// OnRateLimit is told about every rate-limited attempt.
	OnRateLimit func(agentID string, err *RateLimitError)
	Logger      *slog.Logger
}

func NewRetrying(inner Runtime, opts RetryOptions) *Retrying {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Retrying{
		inner:       inner,
		attempts:    uint(opts.Attempts),
		initial:     opts.InitialDelay,
		timeout:     opts.Timeout,
		onRateLimit: opts.OnRateLimit,
		logger:      opts.Logger,
	}
}

var _ Runtime = (*Retrying)(nil)

func (r *Retrying) Spawn(ctx context.Context, req SpawnRequest) (Handle, MessageStream, error) {
	var handle Handle
	messages, err := r.do(ctx, req.AgentID, func(callCtx context.Context) (MessageStream, error) {
		h, stream, err := r.inner.Spawn(callCtx, req)
		if err != nil {
			return nil, err
		}
		handle = h
		return stream, nil
	})
	if err != nil {
		return handle, nil, err
	}
	return handle, NewSliceStream(messages), nil
}

func (r *Retrying) Continue(ctx context.Context, handle Handle, message string) (MessageStream, error) {
	messages, err := r.do(ctx, handle.AgentID, func(callCtx context.Context) (MessageStream, error) {
		return r.inner.Continue(callCtx, handle, message)
	})
	if err != nil {
		return nil, err
	}
	return NewSliceStream(messages), nil
}

func (r *Retrying) do(ctx context.Context, agentID string, call func(context.Context) (MessageStream, error)) ([]Message, error) {
	var (
		messages []Message
		final    error
	)
	algorithm := backoff.Exponential(r.initial, 2)
	wait := func(attempt uint) bool {
		if attempt == 0 {
			return true
		}
		timer := time.NewTimer(algorithm(attempt - 1))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		}
	}
	err := retry.Retry(func(attempt uint) error {
		callCtx, cancel := r.callContext(ctx)
		defer cancel()
		stream, err := call(callCtx)
		if err == nil {
			messages, err = collect(callCtx, stream)
		}
		if err == nil {
			final = nil
			return nil
		}
		final = err
		if !Retryable(err) || ctx.Err() != nil {
			// Stop retrying; final carries the error out.
			return nil
		}
		var rl *RateLimitError
		if errors.As(err, &rl) && r.onRateLimit != nil {
			r.onRateLimit(agentID, rl)
		}
		r.logger.Warn("agent call failed, retrying", "agent_id", agentID, "attempt", attempt+1, "error", err)
		return err
	}, strategy.Limit(r.attempts), wait)
	if final != nil {
		return nil, final
	}
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *Retrying) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return context.WithCancel(ctx)
}
