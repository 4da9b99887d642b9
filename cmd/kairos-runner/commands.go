// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/pipeline"
	"github.com/jllopis/kairos-runner/pkg/skills"
	"github.com/jllopis/kairos-runner/pkg/store"
)

func newRunCommand(gf *globalFlags) *cobra.Command {
	var (
		search    bool
		requestID string
		system    string
	)
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run a prompt once and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, slog.Default())
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				a.close(ctx)
			}()

			resp, err := a.pipeline.Run(cmd.Context(), pipeline.Request{
				Prompt:         args[0],
				RequestID:      requestID,
				SystemPrompt:   system,
				SearchWorkflow: search,
				Metadata:       map[string]any{"trigger": string(store.TriggerManual)},
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().BoolVar(&search, "search", true, "match the prompt against active skills")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&system, "system", "", "extra system prompt")
	return cmd
}

func newSkillsCommand(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Manage skills",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <dir>",
		Short: "Create or update skills from a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), gf, func(ctx context.Context, st *store.Store) error {
				res, err := skills.Import(ctx, st, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %d, updated %d\n", res.Created, res.Updated)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List skills",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), gf, func(ctx context.Context, st *store.Store) error {
				list, err := st.ListSkills(ctx)
				if err != nil {
					return err
				}
				return printSkills(cmd.OutOrStdout(), list)
			})
		},
	})
	return cmd
}

func newSecretsCommand(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage encrypted secrets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <name> <value>",
		Short: "Store a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			st, sec, err := openStore(cmd.Context(), cfg, slog.Default(), nil)
			if err != nil {
				return err
			}
			defer st.Shutdown()
			if err := sec.Set(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "secret %s stored\n", args[0])
			return nil
		},
	})

	get := &cobra.Command{
		Use:   "get <name>",
		Short: "Check whether a secret is set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reveal, _ := cmd.Flags().GetBool("reveal")
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			st, sec, err := openStore(cmd.Context(), cfg, slog.Default(), nil)
			if err != nil {
				return err
			}
			defer st.Shutdown()
			value, ok, err := sec.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errors.Newf(errors.CodeNotFound, "secret %s is not set", args[0])
			}
			if reveal {
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "secret %s is set\n", args[0])
			return nil
		},
	}
	get.Flags().Bool("reveal", false, "print the decrypted value")
	cmd.AddCommand(get)
	return cmd
}

func newExecutionsCommand(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect skill executions",
	}

	var (
		filter store.ExecutionFilter
		status string
		since  time.Duration
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := filter
			f.Status = store.ExecutionStatus(status)
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			if f.Trigger != "" && !f.Trigger.Valid() {
				return errors.Newf(errors.CodeInvalidInput, "invalid trigger %q", f.Trigger)
			}
			return withStore(cmd.Context(), gf, func(ctx context.Context, st *store.Store) error {
				execs, err := st.ListExecutions(ctx, f)
				if err != nil {
					return err
				}
				return printExecutions(cmd.OutOrStdout(), execs)
			})
		},
	}
	list.Flags().StringVar(&filter.SkillID, "skill", "", "filter by skill id")
	list.Flags().StringVar(&status, "status", "", "filter by status (running, completed, failed)")
	list.Flags().StringVar((*string)(&filter.Trigger), "trigger", "", "filter by trigger")
	list.Flags().DurationVar(&since, "since", 0, "only executions started within this window")
	list.Flags().IntVar(&filter.Limit, "limit", 20, "maximum rows")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print one execution as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), gf, func(ctx context.Context, st *store.Store) error {
				exec, err := st.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), exec)
			})
		},
	})
	return cmd
}

func withStore(ctx context.Context, gf *globalFlags, fn func(ctx context.Context, st *store.Store) error) error {
	cfg, err := loadConfig(gf)
	if err != nil {
		return err
	}
	st, _, err := openStore(ctx, cfg, slog.Default(), nil)
	if err != nil {
		return err
	}
	defer st.Shutdown()
	return fn(ctx, st)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSkills(w io.Writer, list []store.Skill) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTRIGGER\tACTIVE\tRUNS")
	for _, sk := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\n", sk.ID, sk.Name, sk.TriggerType, sk.Active, sk.RunCount)
	}
	return tw.Flush()
}

func printExecutions(w io.Writer, execs []store.Execution) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSKILL\tSTATUS\tTRIGGER\tSTARTED\tDURATION\tERROR")
	for _, e := range execs {
		duration := "-"
		if e.DurationMs != nil {
			duration = (time.Duration(*e.DurationMs) * time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.SkillID, e.Status, e.Trigger,
			e.StartedAt.Format(time.RFC3339), duration, firstLine(e.Error, 60))
	}
	return tw.Flush()
}

func firstLine(s string, n int) string {
	s, _, _ = strings.Cut(s, "\n")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
