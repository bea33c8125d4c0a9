package main

import (
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/spf13/cobra"
)

func executeCLI(args []string) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "foreman",
		Short:         "drive coding agents through epic stories until they merge",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			printUsage()
			return fmt.Errorf("command is required")
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd == rootCmd {
			printUsage()
			return
		}
		defaultHelpFunc(cmd, args)
	})

	constructors := []func() (cmds.Command, error){
		func() (cmds.Command, error) { return newPlanGlazedCommand() },
		func() (cmds.Command, error) { return newStartGlazedCommand() },
		func() (cmds.Command, error) { return newStatusGlazedCommand() },
		func() (cmds.Command, error) { return newPauseGlazedCommand() },
		func() (cmds.Command, error) { return newResumeGlazedCommand() },
		func() (cmds.Command, error) { return newStopGlazedCommand() },
		func() (cmds.Command, error) { return newUnblockGlazedCommand() },
		func() (cmds.Command, error) { return newStuckGlazedCommand() },
		func() (cmds.Command, error) { return newWatchGlazedCommand() },
		func() (cmds.Command, error) { return newServeGlazedCommand() },
		func() (cmds.Command, error) { return newPolicyInitGlazedCommand() },
	}
	for _, construct := range constructors {
		command, err := construct()
		if err != nil {
			return nil, err
		}
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCommand)
	}
	return rootCmd, nil
}

func buildGlazedCobraCommand(command cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(
		command,
		cli.WithParserConfig(cli.CobraParserConfig{
			ShortHelpLayers: []string{layers.DefaultSlug},
			MiddlewaresFunc: cli.CobraCommandDefaultMiddlewares,
		}),
		cli.WithCobraMiddlewaresFunc(cli.CobraCommandDefaultMiddlewares),
		cli.WithCobraShortHelpLayers(layers.DefaultSlug),
	)
}

func printUsage() {
	fmt.Println("foreman - drive coding agents through epic stories until they merge")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  foreman plan [--pattern 'docs/epics/*.md']")
	fmt.Println("  foreman start [--pattern GLOB] [--max-agents N] [--dry-run] [--auto-merge] [--detach]")
	fmt.Println("  foreman status [--session-id ID]")
	fmt.Println("  foreman pause --session-id ID")
	fmt.Println("  foreman resume --session-id ID [--detach]")
	fmt.Println("  foreman stop --session-id ID")
	fmt.Println("  foreman unblock --session-id ID --action retry|skip|escalate-further")
	fmt.Println("  foreman stuck [--session-id ID]")
	fmt.Println("  foreman watch [--session-id ID] [--topic alert]")
	fmt.Println("  foreman serve [--addr 127.0.0.1:3411]")
	fmt.Println("  foreman policy-init")
	fmt.Println("")
	fmt.Println("Every command accepts --server URL to talk to a running `foreman serve`.")
}
