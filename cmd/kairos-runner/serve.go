// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/jllopis/kairos-runner/pkg/health"
	"github.com/jllopis/kairos-runner/pkg/server"
	"github.com/jllopis/kairos-runner/pkg/skills"
	"github.com/jllopis/kairos-runner/pkg/telemetry"
)

const healthInterval = 15 * time.Second

func newServeCommand(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), gf)
		},
	}
}

func serve(ctx context.Context, gf *globalFlags) error {
	cfg, err := loadConfig(gf)
	if err != nil {
		return err
	}
	logger := slog.Default()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.close(dctx)
	}()

	if cfg.Skills.Dir != "" {
		res, err := skills.Import(ctx, a.store, cfg.Skills.Dir)
		if err != nil {
			return err
		}
		logger.Info("skills imported", "dir", cfg.Skills.Dir, "created", res.Created, "updated", res.Updated)
	}

	registry := health.NewRegistry(2 * time.Second)
	registry.Register("store", health.PingChecker(a.store))

	opts := []server.Option{
		server.WithHealth(registry),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithLogger(logger),
	}
	if cfg.Artifacts.Backend == "disk" {
		opts = append(opts, server.WithFilesDir(cfg.Artifacts.Dir))
	}
	srv := server.New(a.pipeline, a.store, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
	})

	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return err
		}
		gs := grpc.NewServer()
		hs := health.NewGRPCServer(gs, registry, healthInterval)
		g.Go(func() error {
			logger.Info("grpc health listening", "addr", cfg.Server.GRPCAddr)
			return gs.Serve(lis)
		})
		g.Go(func() error {
			hs.Run(gctx)
			gs.GracefulStop()
			return nil
		})
	}

	if cfg.Skills.Dir != "" && cfg.Skills.Watch {
		w, err := skills.NewWatcher(a.store, cfg.Skills.Dir,
			skills.WithWatchLogger(logger),
			skills.OnImport(func(res skills.ImportResult, err error) {
				if err != nil {
					logger.Warn("skill reload failed", "error", err)
					return
				}
				logger.Info("skills reloaded", "created", res.Created, "updated", res.Updated)
			}),
		)
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer w.Close()
			w.Run(gctx)
			return nil
		})
	}

	logger.Info("kairos-runner started",
		"version", version,
		"addr", cfg.Server.Addr,
		"store", a.store.Driver(),
		"artifacts", cfg.Artifacts.Backend)
	return g.Wait()
}
