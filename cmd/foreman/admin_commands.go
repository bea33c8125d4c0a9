package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"foreman/internal/eventbus"
	"foreman/internal/policy"
	"foreman/internal/server"
	"foreman/internal/serviceapi"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (*policyInitGlazedCommand, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default foreman policy file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	Addr            string `glazed.parameter:"addr"`
	RequestTimeout  string `glazed.parameter:"request-timeout"`
	PumpLogPeriod   string `glazed.parameter:"pump-log-period"`
	ShutdownTimeout string `glazed.parameter:"shutdown-timeout"`
}

func newServeGlazedCommand() (*serveGlazedCommand, error) {
	desc, err := newCoreCommandDescription(
		"serve",
		"Run the session API server",
		"Resume every live session of the repository, drive them in this process and expose the control API and a live event stream under /api/v1.",
		parameters.NewParameterDefinition(
			"addr",
			parameters.ParameterTypeString,
			parameters.WithHelp("HTTP listen address (defaults to the policy's server address)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"request-timeout",
			parameters.ParameterTypeString,
			parameters.WithHelp("Upper bound for synchronous API operations"),
			parameters.WithDefault("2m"),
		),
		parameters.NewParameterDefinition(
			"pump-log-period",
			parameters.ParameterTypeString,
			parameters.WithHelp("Event pump summary log period"),
			parameters.WithDefault("1m"),
		),
		parameters.NewParameterDefinition(
			"shutdown-timeout",
			parameters.ParameterTypeString,
			parameters.WithHelp("Graceful shutdown timeout"),
			parameters.WithDefault("5s"),
		),
	)
	if err != nil {
		return nil, err
	}
	return &serveGlazedCommand{CommandDescription: desc}, nil
}

func parseDurationSetting(flagName string, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid --%s duration %q: %w", flagName, value, err)
	}
	return duration, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	core, err := initializeCore(parsedLayers)
	if err != nil {
		return err
	}
	if strings.TrimSpace(core.Server) != "" {
		return fmt.Errorf("--server cannot be used with serve")
	}
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	requestTimeout, err := parseDurationSetting("request-timeout", settings.RequestTimeout)
	if err != nil {
		return err
	}
	pumpLogPeriod, err := parseDurationSetting("pump-log-period", settings.PumpLogPeriod)
	if err != nil {
		return err
	}
	shutdownTimeout, err := parseDurationSetting("shutdown-timeout", settings.ShutdownTimeout)
	if err != nil {
		return err
	}
	addr := strings.TrimSpace(settings.Addr)
	if addr == "" {
		addr = policyServerAddr(core)
	}

	runtime, err := server.NewRuntime(server.Options{
		Addr:            addr,
		RepoRoot:        core.RepoRoot,
		PolicyPath:      core.PolicyPath,
		DBPath:          core.DBPath,
		Offline:         core.Offline,
		SharedCheckout:  core.SharedCheckout,
		RequestTimeout:  requestTimeout,
		PumpLogPeriod:   pumpLogPeriod,
		ShutdownTimeout: shutdownTimeout,
		Logger:          newLogger(core.LogLevel),
	})
	if err != nil {
		return err
	}

	runCtx, cancel := interruptible(ctx)
	defer cancel()
	fmt.Printf("foreman serve listening on %s\n", addr)
	return runtime.Run(runCtx)
}

// policyServerAddr reads the listen address from the policy, falling back to
// the built-in default when the policy cannot be loaded here.
func policyServerAddr(core *coreSettings) string {
	path := core.PolicyPath
	if strings.TrimSpace(path) == "" {
		path = policy.DefaultPolicyPath
	}
	if root := strings.TrimSpace(core.RepoRoot); root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	cfg, _, err := policy.Load(path)
	if err != nil || strings.TrimSpace(cfg.Server.Addr) == "" {
		return policy.Default().Server.Addr
	}
	return cfg.Server.Addr
}

var _ cmds.BareCommand = &serveGlazedCommand{}

type watchGlazedCommand struct {
	*cmds.CommandDescription
}

type watchSettings struct {
	SessionID string `glazed.parameter:"session-id"`
	Topic     string `glazed.parameter:"topic"`
	Bell      bool   `glazed.parameter:"bell"`
}

func newWatchGlazedCommand() (*watchGlazedCommand, error) {
	desc, err := newCoreCommandDescription(
		"watch",
		"Follow live session events",
		"Print transitions, agent activity, stuck detections, recovery attempts and alerts as they happen. In-process watching only sees other processes when the policy configures a Redis bus; use --server to follow a running server.",
		sessionIDFlag(),
		parameters.NewParameterDefinition(
			"topic",
			parameters.ParameterTypeString,
			parameters.WithHelp("Only this topic: "+strings.Join(eventbus.AllTopics, ", ")),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition("bell", parameters.ParameterTypeBool, parameters.WithHelp("Emit terminal bell on alerts"), parameters.WithDefault(true)),
	)
	if err != nil {
		return nil, err
	}
	return &watchGlazedCommand{CommandDescription: desc}, nil
}

func (c *watchGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings, err := initializeCore(parsedLayers)
	if err != nil {
		return err
	}
	watch := &watchSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, watch); err != nil {
		return err
	}
	core, err := openCore(settings)
	if err != nil {
		return err
	}
	defer core.Shutdown()

	watchCtx, cancel := interruptible(ctx)
	defer cancel()
	events, err := core.Watch(watchCtx, serviceapi.EventFilter{
		SessionID: strings.TrimSpace(watch.SessionID),
		Topic:     strings.TrimSpace(watch.Topic),
	})
	if err != nil {
		return err
	}
	for event := range events {
		if settings.JSON {
			if err := printJSON(os.Stdout, event); err != nil {
				return err
			}
			continue
		}
		printEvent(os.Stdout, event, watch.Bell)
	}
	return nil
}

var _ cmds.BareCommand = &watchGlazedCommand{}
