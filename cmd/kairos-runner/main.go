// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the kairos-runner command.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jllopis/kairos-runner/pkg/config"
	"github.com/jllopis/kairos-runner/pkg/telemetry"
)

var version = "dev"

type globalFlags struct {
	configPath string
	overrides  []string
	json       bool
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		gf := flagsFrom(root)
		toCLIError(err).PrintError(gf.json)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	gf := &globalFlags{}
	root := &cobra.Command{
		Use:           "kairos-runner",
		Short:         "Runs skills and one-off prompts through a coding agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&gf.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringArrayVar(&gf.overrides, "set", nil, "config override as key=value (repeatable)")
	root.PersistentFlags().BoolVar(&gf.json, "json", false, "print errors as JSON")

	root.AddCommand(
		newServeCommand(gf),
		newRunCommand(gf),
		newSkillsCommand(gf),
		newSecretsCommand(gf),
		newExecutionsCommand(gf),
	)
	return root
}

func flagsFrom(root *cobra.Command) globalFlags {
	json, _ := root.PersistentFlags().GetBool("json")
	return globalFlags{json: json}
}

// loadConfig loads configuration and installs the global logger.
func loadConfig(gf *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(gf.configPath, gf.overrides...)
	if err != nil {
		return nil, wrapConfigError(err, gf.configPath)
	}
	telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
