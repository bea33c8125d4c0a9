package serviceapi

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"foreman/internal/agentrt"
	"foreman/internal/agentrt/openairt"
	"foreman/internal/controller"
	"foreman/internal/eventbus"
	"foreman/internal/model"
	"foreman/internal/platform"
	"foreman/internal/policy"
	"foreman/internal/store"
	"foreman/internal/worktree"
)

type PlanPreview = controller.PlanPreview
type StatusReport = controller.StatusReport

type StartOptions struct {
	Pattern string              `json:"pattern"`
	Config  model.SessionConfig `json:"config"`
}

// Core is the control surface shared by the CLI and the HTTP server. The
// local implementation drives sessions in-process; the remote one forwards
// to a running `foreman serve`.
type Core interface {
	Shutdown()
	Health(ctx context.Context) error

	Plan(ctx context.Context, pattern string) (PlanPreview, error)
	Start(ctx context.Context, options StartOptions) (string, error)
	Status(ctx context.Context, sessionID string) (StatusReport, error)
	Sessions(ctx context.Context) ([]model.Session, error)
	Pause(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string) error
	Stop(ctx context.Context, sessionID string) error
	Unblock(ctx context.Context, sessionID string, action model.UnblockAction) error
	StuckAgents(ctx context.Context, sessionID string) ([]model.StuckAgentDetection, error)
	// Wait blocks until the session has no running loop left.
	Wait(ctx context.Context, sessionID string) error
	Watch(ctx context.Context, filter EventFilter) (<-chan eventbus.Event, error)
}

type LocalOptions struct {
	RepoRoot   string
	PolicyPath string
	// DBPath overrides the policy's store path.
	DBPath string
	// Offline runs without a code host: approved stories complete locally.
	Offline bool
	// SharedCheckout makes every agent work in RepoRoot instead of a worktree.
	SharedCheckout bool
	Logger         *slog.Logger
}

type LocalCore struct {
	controller *controller.Controller
	store      *store.SQLiteStore
	bus        *eventbus.Bus
	policy     policy.Config
	logger     *slog.Logger
}

var _ Core = (*LocalCore)(nil)

// NewLocalCore loads the policy of the repository and wires the store, the
// agent runtime, the code host, worktrees and the event bus into a controller.
func NewLocalCore(opts LocalOptions) (*LocalCore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	root := strings.TrimSpace(opts.RepoRoot)
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}
	cfg, _, err := policy.Load(inRepo(root, opts.PolicyPath, policy.DefaultPolicyPath))
	if err != nil {
		return nil, err
	}
	dbPath := opts.DBPath
	if strings.TrimSpace(dbPath) == "" {
		dbPath = cfg.Store.Path
	}
	st, err := store.Open(inRepo(root, dbPath, ".foreman/foreman.db"))
	if err != nil {
		return nil, err
	}
	runtime, err := newRuntime(cfg, root, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	bus, err := eventbus.New(eventbus.ConfigFromPolicy(cfg), logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	options := controller.Options{
		RepoRoot: root,
		Policy:   cfg,
		Store:    st,
		Runtime:  runtime,
		Bus:      bus,
		Logger:   logger,
	}
	if !opts.Offline {
		options.Host = platform.NewGitHubCLI()
	}
	if !opts.SharedCheckout {
		options.Worktrees = worktree.NewGit(root, cfg.Session.BranchPrefix)
	}
	ctrl, err := controller.New(options)
	if err != nil {
		_ = bus.Close()
		_ = st.Close()
		return nil, err
	}
	return &LocalCore{controller: ctrl, store: st, bus: bus, policy: cfg, logger: logger}, nil
}

func inRepo(root string, path string, fallback string) string {
	if strings.TrimSpace(path) == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// newRuntime builds the configured agent adapter. Calls are retried on
// transient failures and serialized per agent conversation.
func newRuntime(cfg policy.Config, root string, logger *slog.Logger) (agentrt.Runtime, error) {
	var inner agentrt.Runtime
	switch cfg.Runtime.Kind {
	case policy.RuntimeOpenAI:
		inner = openairt.New(openairt.Config{
			BaseURL: cfg.Runtime.OpenAIBaseURL,
			APIKey:  os.Getenv(cfg.Runtime.OpenAIKeyEnv),
			Timeout: cfg.AgentTimeout(),
		})
	case policy.RuntimeCommand, "":
		agent, err := policy.ResolveAgent(cfg, "")
		if err != nil {
			return nil, err
		}
		inner = agentrt.NewCommandRuntime(agent, agentrt.PromptDir(root))
	default:
		return nil, fmt.Errorf("unknown runtime kind %q", cfg.Runtime.Kind)
	}
	retrying := agentrt.NewRetrying(inner, agentrt.RetryOptions{
		Attempts:     cfg.Runtime.Retries,
		InitialDelay: time.Duration(cfg.Backoff.InitialDelayMS) * time.Millisecond,
		Timeout:      cfg.AgentTimeout(),
		OnRateLimit: func(agentID string, err *agentrt.RateLimitError) {
			logger.Warn("agent rate limited", "agent_id", agentID, "retry_after", err.RetryAfter)
		},
		Logger: logger,
	})
	return agentrt.NewSerialized(retrying), nil
}

func (l *LocalCore) Policy() policy.Config {
	return l.policy
}

// ResumeAll restarts the loops of every live session in the store.
func (l *LocalCore) ResumeAll(ctx context.Context) error {
	return l.controller.ResumeAll(ctx)
}

func (l *LocalCore) Shutdown() {
	if l == nil {
		return
	}
	if l.controller != nil {
		_ = l.controller.Close()
	}
	if l.bus != nil {
		if err := l.bus.Close(); err != nil {
			l.logger.Warn("close event bus", "error", err)
		}
	}
	if l.store != nil {
		if err := l.store.Close(); err != nil {
			l.logger.Warn("close store", "error", err)
		}
	}
}

func (l *LocalCore) Health(ctx context.Context) error {
	_, err := l.store.ListSessions(ctx)
	return err
}

func (l *LocalCore) Plan(ctx context.Context, pattern string) (PlanPreview, error) {
	return l.controller.Plan(ctx, pattern)
}

func (l *LocalCore) Start(ctx context.Context, options StartOptions) (string, error) {
	return l.controller.Start(ctx, options.Pattern, options.Config)
}

func (l *LocalCore) Status(ctx context.Context, sessionID string) (StatusReport, error) {
	return l.controller.Status(ctx, sessionID)
}

func (l *LocalCore) Sessions(ctx context.Context) ([]model.Session, error) {
	return l.controller.Sessions(ctx)
}

func (l *LocalCore) Pause(ctx context.Context, sessionID string) error {
	return l.controller.Pause(ctx, sessionID)
}

func (l *LocalCore) Resume(ctx context.Context, sessionID string) error {
	return l.controller.Resume(ctx, sessionID)
}

func (l *LocalCore) Stop(ctx context.Context, sessionID string) error {
	return l.controller.Stop(ctx, sessionID)
}

func (l *LocalCore) Unblock(ctx context.Context, sessionID string, action model.UnblockAction) error {
	return l.controller.Unblock(ctx, sessionID, action)
}

func (l *LocalCore) StuckAgents(ctx context.Context, sessionID string) ([]model.StuckAgentDetection, error) {
	return l.controller.ListStuckAgents(ctx, sessionID)
}

func (l *LocalCore) Wait(ctx context.Context, sessionID string) error {
	return l.controller.Wait(ctx, sessionID)
}
