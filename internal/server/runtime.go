package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"foreman/internal/serviceapi"
)

type Options struct {
	Addr           string
	RepoRoot       string
	PolicyPath     string
	DBPath         string
	Offline        bool
	SharedCheckout bool
	// RequestTimeout bounds synchronous operations such as planning a start.
	RequestTimeout  time.Duration
	PumpLogPeriod   time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Service is what the server needs from the local core.
type Service interface {
	serviceapi.Core
	ResumeAll(ctx context.Context) error
}

type Runtime struct {
	opts       Options
	service    Service
	pump       *EventPump
	broker     *EventBroker
	startedAt  time.Time
	server     *http.Server
	streamBeat time.Duration
	logger     *slog.Logger
}

type HealthResponse struct {
	Status      string            `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	Now         time.Time         `json:"now"`
	Events      EventPumpSnapshot `json:"events"`
	Subscribers int               `json:"subscribers"`
	Error       string            `json:"error,omitempty"`
}

func NewRuntime(options Options) (*Runtime, error) {
	options = normalizeOptions(options)
	service, err := serviceapi.NewLocalCore(serviceapi.LocalOptions{
		RepoRoot:       options.RepoRoot,
		PolicyPath:     options.PolicyPath,
		DBPath:         options.DBPath,
		Offline:        options.Offline,
		SharedCheckout: options.SharedCheckout,
		Logger:         options.Logger,
	})
	if err != nil {
		return nil, err
	}
	return newRuntime(options, service), nil
}

func newRuntime(options Options, service Service) *Runtime {
	options = normalizeOptions(options)
	broker := NewEventBroker(128)
	runtime := &Runtime{
		opts:       options,
		service:    service,
		broker:     broker,
		pump:       NewEventPump(service, broker, options.PumpLogPeriod, options.Logger),
		startedAt:  time.Now().UTC(),
		streamBeat: 15 * time.Second,
		logger:     options.Logger,
	}
	runtime.server = &http.Server{
		Addr:              options.Addr,
		Handler:           runtime.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return runtime
}

// Run serves the API until ctx is done. Sessions left running by an earlier
// process are picked up before the listener opens.
func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	defer pumpCancel()
	if err := r.pump.Start(pumpCtx); err != nil {
		r.logger.Warn("event pump did not start", "error", err)
	}
	if err := r.service.ResumeAll(ctx); err != nil {
		r.logger.Warn("resume sessions", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("serving", "addr", r.opts.Addr)
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}
	if runErr == nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
		defer cancel()
		// Open event streams only end once the broker closes.
		r.broker.Close()
		runErr = r.server.Shutdown(shutdownCtx)
	}
	r.stop(pumpCancel)
	return runErr
}

func (r *Runtime) stop(pumpCancel context.CancelFunc) {
	pumpCancel()
	_ = r.pump.Wait(2 * time.Second)
	r.broker.Close()
	r.service.Shutdown()
}

func normalizeOptions(options Options) Options {
	if options.Addr == "" {
		options.Addr = "127.0.0.1:3411"
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = 2 * time.Minute
	}
	if options.PumpLogPeriod <= 0 {
		options.PumpLogPeriod = time.Minute
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 5 * time.Second
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return options
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	response := HealthResponse{
		Status:      "ok",
		StartedAt:   r.startedAt,
		Now:         time.Now().UTC(),
		Events:      r.pump.Snapshot(),
		Subscribers: r.broker.Subscribers(),
	}
	statusCode := http.StatusOK
	if err := r.service.Health(req.Context()); err != nil {
		response.Status = "degraded"
		response.Error = err.Error()
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}
