package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matthewmarion/workflow-service/internal/server"
	"github.com/matthewmarion/workflow-service/internal/trigger"
	"github.com/matthewmarion/workflow-service/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run the local periodic trigger",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	// Executions left over from a previous run are picked up by the first
	// pass, which disables the trigger again if there are none.
	if err := a.controller.Enable(ctx); err != nil {
		return fmt.Errorf("enabling trigger: %w", err)
	}

	inv := worker.NewLocalInvoker(a.worker)

	var wg sync.WaitGroup
	if cfg.Trigger.Backend == "local" {
		ticker := &trigger.Ticker{
			Rule:     a.rule,
			Schedule: trigger.Interval{Every: cfg.Trigger.Interval},
			Fire:     a.reconciler.Run,
			Logger:   logger,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker.Run(ctx)
		}()
		logger.Info("local trigger started", "rule", a.rule.Name(), "interval", cfg.Trigger.Interval)
	}

	srv := server.New(a.store, inv, server.WithLogger(logger))
	err = srv.ListenAndServe(ctx, cfg.Server.Addr)
	stop()

	wg.Wait()
	inv.Wait()
	logger.Info("shut down")
	return err
}
