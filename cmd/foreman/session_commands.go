package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"foreman/internal/model"
	"foreman/internal/serviceapi"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

func sessionIDFlag() *parameters.ParameterDefinition {
	return parameters.NewParameterDefinition(
		"session-id",
		parameters.ParameterTypeString,
		parameters.WithHelp("Session identifier"),
		parameters.WithDefault(""),
	)
}

func detachFlag() *parameters.ParameterDefinition {
	return parameters.NewParameterDefinition(
		"detach",
		parameters.ParameterTypeBool,
		parameters.WithHelp("Return right away instead of following the session until its loop exits"),
		parameters.WithDefault(false),
	)
}

type sessionSettings struct {
	SessionID string `glazed.parameter:"session-id"`
}

type detachSettings struct {
	Detach bool `glazed.parameter:"detach"`
}

func initializeSession(parsedLayers *layers.ParsedLayers, required bool) (*coreSettings, string, error) {
	core, err := initializeCore(parsedLayers)
	if err != nil {
		return nil, "", err
	}
	settings := &sessionSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return nil, "", err
	}
	sessionID := strings.TrimSpace(settings.SessionID)
	if required && sessionID == "" {
		return nil, "", fmt.Errorf("--session-id is required")
	}
	return core, sessionID, nil
}

func initializeDetach(parsedLayers *layers.ParsedLayers) (bool, error) {
	settings := &detachSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return false, err
	}
	return settings.Detach, nil
}

// follow blocks until the session's loop exits. An in-process loop only runs
// while this command does, so detaching from it leaves the session to
// `foreman resume` or `foreman serve`.
func follow(ctx context.Context, core serviceapi.Core, settings *coreSettings, sessionID string, detach bool) error {
	if detach {
		if isLocal(core) {
			fmt.Printf("Session %s is persisted; continue it with `foreman resume --session-id %s` or `foreman serve`.\n", sessionID, sessionID)
		}
		return nil
	}
	waitCtx, cancel := interruptible(ctx)
	defer cancel()
	if err := core.Wait(waitCtx, sessionID); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			fmt.Printf("\nStopped following session %s; its state is kept.\n", sessionID)
			return nil
		}
		return err
	}
	report, err := core.Status(ctx, sessionID)
	if err != nil {
		return err
	}
	return render(settings, report, func() { printStatus(os.Stdout, report) })
}

type planGlazedCommand struct {
	*cmds.CommandDescription
}

type planSettings struct {
	Pattern string `glazed.parameter:"pattern"`
}

func newPlanGlazedCommand() (*planGlazedCommand, error) {
	desc, err := newCoreCommandDescription(
		"plan",
		"Preview the execution plan of the epics",
		"Discover epic files, order their stories by dependency and show the model each story would get. Nothing is started.",
		parameters.NewParameterDefinition(
			"pattern",
			parameters.ParameterTypeString,
			parameters.WithHelp("Epic glob pattern (defaults to the policy's pattern)"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &planGlazedCommand{CommandDescription: desc}, nil
}

func (c *planGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings, err := initializeCore(parsedLayers)
	if err != nil {
		return err
	}
	plan := &planSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, plan); err != nil {
		return err
	}
	core, err := openCore(settings)
	if err != nil {
		return err
	}
	defer core.Shutdown()
	preview, err := core.Plan(ctx, plan.Pattern)
	if err != nil {
		return err
	}
	return render(settings, preview, func() { printPlan(os.Stdout, preview) })
}

var _ cmds.BareCommand = &planGlazedCommand{}

type startGlazedCommand struct {
	*cmds.CommandDescription
}

type startSettings struct {
	Pattern    string `glazed.parameter:"pattern"`
	MaxAgents  int    `glazed.parameter:"max-agents"`
	MaxRetries int    `glazed.parameter:"max-retries"`
	DryRun     bool   `glazed.parameter:"dry-run"`
	AutoMerge  bool   `glazed.parameter:"auto-merge"`
	Model      string `glazed.parameter:"model"`
	BaseBranch string `glazed.parameter:"base-branch"`
	Detach     bool   `glazed.parameter:"detach"`
}

func newStartGlazedCommand() (*startGlazedCommand, error) {
	desc, err := newCoreCommandDescription(
		"start",
		"Start a session over the matching epics",
		"Plan the epics, persist a new session and drive its stories through implementation, review, CI and merge.",
		parameters.NewParameterDefinition("pattern", parameters.ParameterTypeString, parameters.WithHelp("Epic glob pattern (defaults to the policy's pattern)"), parameters.WithDefault("")),
		parameters.NewParameterDefinition("max-agents", parameters.ParameterTypeInteger, parameters.WithHelp("Concurrent stories (0 uses the policy)"), parameters.WithDefault(0)),
		parameters.NewParameterDefinition("max-retries", parameters.ParameterTypeInteger, parameters.WithHelp("Retries per story (0 uses the policy)"), parameters.WithDefault(0)),
		parameters.NewParameterDefinition("dry-run", parameters.ParameterTypeBool, parameters.WithHelp("Plan and persist the session without spawning agents"), parameters.WithDefault(false)),
		parameters.NewParameterDefinition("auto-merge", parameters.ParameterTypeBool, parameters.WithHelp("Merge pull requests once review and CI pass"), parameters.WithDefault(false)),
		parameters.NewParameterDefinition("model", parameters.ParameterTypeString, parameters.WithHelp("Use this model for every story"), parameters.WithDefault("")),
		parameters.NewParameterDefinition("base-branch", parameters.ParameterTypeString, parameters.WithHelp("Branch stories start from and merge into"), parameters.WithDefault("")),
		detachFlag(),
	)
	if err != nil {
		return nil, err
	}
	return &startGlazedCommand{CommandDescription: desc}, nil
}

func (c *startGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings, err := initializeCore(parsedLayers)
	if err != nil {
		return err
	}
	start := &startSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, start); err != nil {
		return err
	}
	if start.MaxAgents < 0 || start.MaxRetries < 0 {
		return fmt.Errorf("--max-agents and --max-retries must be >= 0")
	}
	core, err := openCore(settings)
	if err != nil {
		return err
	}
	defer core.Shutdown()
	sessionID, err := core.Start(ctx, serviceapi.StartOptions{
		Pattern: start.Pattern,
		Config: model.SessionConfig{
			MaxAgents:     start.MaxAgents,
			MaxRetries:    start.MaxRetries,
			DryRun:        start.DryRun,
			AutoMerge:     start.AutoMerge,
			ModelOverride: strings.TrimSpace(start.Model),
			BaseBranch:    strings.TrimSpace(start.BaseBranch),
		},
	})
	if err != nil {
		return err
	}
	fmt.Printf("Session %s started.\n", sessionID)
	return follow(ctx, core, settings, sessionID, start.Detach && !start.DryRun)
}

var _ cmds.BareCommand = &startGlazedCommand{}

type statusGlazedCommand struct {
	*cmds.CommandDescription
}

func newStatusGlazedCommand() (*statusGlazedCommand, error) {
	desc, err := newCoreCommandDescription(
		"status",
		"Print session status",
		"Show the state of one session, or list every session when --session-id is empty.",
		sessionIDFlag(),
	)
	if err != nil {
		return nil, err
	}
	return &statusGlazedCommand{CommandDescription: desc}, nil
}

func (c *statusGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings, sessionID, err := initializeSession(parsedLayers, false)
	if err != nil {
		return err
	}
	core, err := openCore(settings)
	if err != nil {
		return err
	}
	defer core.Shutdown()
	if sessionID == "" {
		sessions, err := core.Sessions(ctx)
		if err != nil {
			return err
		}
		return render(settings, sessions, func() { printSessions(os.Stdout, sessions) })
	}
	report, err := core.Status(ctx, sessionID)
	if err != nil {
		return err
	}
	return render(settings, report, func() { printStatus(os.Stdout, report) })
}

var _ cmds.BareCommand = &statusGlazedCommand{}

// controlGlazedCommand covers the operator commands that only need a
// session ID: pause, resume and stop.
type controlGlazedCommand struct {
	*cmds.CommandDescription
	action   func(serviceapi.Core, context.Context, string) error
	verb     string
	restarts bool
}

func newControlGlazedCommand(name string, short string, long string, verb string, restarts bool, action func(serviceapi.Core, context.Context, string) error) (*controlGlazedCommand, error) {
	flags := []*parameters.ParameterDefinition{sessionIDFlag()}
	if restarts {
		flags = append(flags, detachFlag())
	}
	desc, err := newCoreCommandDescription(name, short, long, flags...)
	if err != nil {
		return nil, err
	}
	return &controlGlazedCommand{CommandDescription: desc, action: action, verb: verb, restarts: restarts}, nil
}

func newPauseGlazedCommand() (*controlGlazedCommand, error) {
	return newControlGlazedCommand("pause", "Pause a session",
		"Stop starting new work. Running agents finish their turn and their results are applied on resume.",
		"paused", false, serviceapi.Core.Pause)
}

func newResumeGlazedCommand() (*controlGlazedCommand, error) {
	return newControlGlazedCommand("resume", "Resume a paused or interrupted session",
		"Return the session to the state it was paused in and restart its loop.",
		"resumed", true, serviceapi.Core.Resume)
}

func newStopGlazedCommand() (*controlGlazedCommand, error) {
	return newControlGlazedCommand("stop", "Stop a session",
		"Abandon running agents, release story claims and mark the session STOPPED.",
		"stopped", false, serviceapi.Core.Stop)
}

func (c *controlGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings, sessionID, err := initializeSession(parsedLayers, true)
	if err != nil {
		return err
	}
	detach := false
	if c.restarts {
		if detach, err = initializeDetach(parsedLayers); err != nil {
			return err
		}
	}
	core, err := openCore(settings)
	if err != nil {
		return err
	}
	defer core.Shutdown()
	if err := c.action(core, ctx, sessionID); err != nil {
		return err
	}
	fmt.Printf("Session %s %s.\n", sessionID, c.verb)
	if !c.restarts {
		return nil
	}
	return follow(ctx, core, settings, sessionID, detach)
}

var _ cmds.BareCommand = &controlGlazedCommand{}

type unblockGlazedCommand struct {
	*cmds.CommandDescription
}

type unblockSettings struct {
	Action string `glazed.parameter:"action"`
}

func newUnblockGlazedCommand() (*unblockGlazedCommand, error) {
	desc, err := newCoreCommandDescription(
		"unblock",
		"Resolve a blocked session",
		"retry re-queues blocked stories with fresh counters, skip marks them and their dependents skipped, escalate-further re-queues them on the most capable model tier.",
		sessionIDFlag(),
		parameters.NewParameterDefinition("action", parameters.ParameterTypeString, parameters.WithHelp("retry, skip or escalate-further"), parameters.WithDefault("")),
		detachFlag(),
	)
	if err != nil {
		return nil, err
	}
	return &unblockGlazedCommand{CommandDescription: desc}, nil
}

func (c *unblockGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings, sessionID, err := initializeSession(parsedLayers, true)
	if err != nil {
		return err
	}
	detach, err := initializeDetach(parsedLayers)
	if err != nil {
		return err
	}
	unblock := &unblockSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, unblock); err != nil {
		return err
	}
	action, err := model.ParseUnblockAction(unblock.Action)
	if err != nil {
		return err
	}
	core, err := openCore(settings)
	if err != nil {
		return err
	}
	defer core.Shutdown()
	if err := core.Unblock(ctx, sessionID, action); err != nil {
		return err
	}
	fmt.Printf("Session %s unblocked (%s).\n", sessionID, action)
	return follow(ctx, core, settings, sessionID, detach)
}

var _ cmds.BareCommand = &unblockGlazedCommand{}

type stuckGlazedCommand struct {
	*cmds.CommandDescription
}

func newStuckGlazedCommand() (*stuckGlazedCommand, error) {
	desc, err := newCoreCommandDescription(
		"stuck",
		"List open stuck agent detections",
		"Show unresolved stuck detections of one session, or of every session when --session-id is empty.",
		sessionIDFlag(),
	)
	if err != nil {
		return nil, err
	}
	return &stuckGlazedCommand{CommandDescription: desc}, nil
}

func (c *stuckGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings, sessionID, err := initializeSession(parsedLayers, false)
	if err != nil {
		return err
	}
	core, err := openCore(settings)
	if err != nil {
		return err
	}
	defer core.Shutdown()
	detections, err := core.StuckAgents(ctx, sessionID)
	if err != nil {
		return err
	}
	return render(settings, detections, func() { printDetections(os.Stdout, detections) })
}

var _ cmds.BareCommand = &stuckGlazedCommand{}
