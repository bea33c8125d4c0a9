package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"foreman/internal/serviceapi"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

const coreLayerSlug = "core"

// coreSettings pick between driving sessions in this process and talking to
// a running `foreman serve`.
type coreSettings struct {
	Server         string `glazed.parameter:"server"`
	RepoRoot       string `glazed.parameter:"repo"`
	PolicyPath     string `glazed.parameter:"policy"`
	DBPath         string `glazed.parameter:"db"`
	Offline        bool   `glazed.parameter:"offline"`
	SharedCheckout bool   `glazed.parameter:"shared-checkout"`
	LogLevel       string `glazed.parameter:"log-level"`
	JSON           bool   `glazed.parameter:"json"`
}

func newCoreLayer() (layers.ParameterLayer, error) {
	layer, err := layers.NewParameterLayer(coreLayerSlug, "Session backend")
	if err != nil {
		return nil, err
	}
	layer.AddFlags(
		parameters.NewParameterDefinition(
			"server",
			parameters.ParameterTypeString,
			parameters.WithHelp("Base URL of a running foreman server (empty runs in-process)"),
			parameters.WithDefault(os.Getenv("FOREMAN_SERVER")),
		),
		parameters.NewParameterDefinition(
			"repo",
			parameters.ParameterTypeString,
			parameters.WithHelp("Repository root (defaults to the working directory)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"policy",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to policy file, relative to the repository root"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"db",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to SQLite DB (defaults to the policy's store path)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"offline",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Do not open pull requests; approved stories complete locally"),
			parameters.WithDefault(false),
		),
		parameters.NewParameterDefinition(
			"shared-checkout",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Let every agent work in the repository checkout instead of a worktree"),
			parameters.WithDefault(false),
		),
		parameters.NewParameterDefinition(
			"log-level",
			parameters.ParameterTypeString,
			parameters.WithHelp("Log level: debug, info, warn or error"),
			parameters.WithDefault("info"),
		),
		parameters.NewParameterDefinition(
			"json",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Print results as JSON"),
			parameters.WithDefault(false),
		),
	)
	return layer, nil
}

func newCoreCommandDescription(name string, short string, long string, flags ...*parameters.ParameterDefinition) (*cmds.CommandDescription, error) {
	coreLayer, err := newCoreLayer()
	if err != nil {
		return nil, err
	}
	options := []cmds.CommandDescriptionOption{
		cmds.WithShort(short),
		cmds.WithLayersList(coreLayer),
	}
	if strings.TrimSpace(long) != "" {
		options = append(options, cmds.WithLong(long))
	}
	if len(flags) > 0 {
		options = append(options, cmds.WithFlags(flags...))
	}
	return cmds.NewCommandDescription(name, options...), nil
}

func initializeCore(parsedLayers *layers.ParsedLayers) (*coreSettings, error) {
	settings := &coreSettings{}
	if err := parsedLayers.InitializeStruct(coreLayerSlug, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openCore returns the remote core when --server is set and an in-process
// core otherwise. The caller owns Shutdown.
func openCore(settings *coreSettings) (serviceapi.Core, error) {
	if server := strings.TrimSpace(settings.Server); server != "" {
		return serviceapi.NewRemoteCore(server, 30*time.Second), nil
	}
	return serviceapi.NewLocalCore(serviceapi.LocalOptions{
		RepoRoot:       settings.RepoRoot,
		PolicyPath:     settings.PolicyPath,
		DBPath:         settings.DBPath,
		Offline:        settings.Offline,
		SharedCheckout: settings.SharedCheckout,
		Logger:         newLogger(settings.LogLevel),
	})
}

func isLocal(core serviceapi.Core) bool {
	_, ok := core.(*serviceapi.LocalCore)
	return ok
}

// interruptible cancels on SIGINT or SIGTERM so local loops can stop cleanly
// and be resumed later.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
