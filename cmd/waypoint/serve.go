package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/waypoint/internal/charity"
	"github.com/petrijr/waypoint/internal/config"
	"github.com/petrijr/waypoint/internal/engine"
	"github.com/petrijr/waypoint/internal/logging"
	"github.com/petrijr/waypoint/internal/tracing"
	"github.com/petrijr/waypoint/pkg/api"
	"github.com/petrijr/waypoint/pkg/httpapi"
	"github.com/petrijr/waypoint/pkg/notify"
	"github.com/petrijr/waypoint/pkg/schedule"
	"github.com/petrijr/waypoint/pkg/worker"
)

const shutdownTimeout = 10 * time.Second

type cli struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	c.cfg, err = config.Load(c.v, configFile)
	if err != nil {
		return err
	}
	c.logger = logging.Setup(c.cfg.LogLevel, c.cfg.LogFormat)
	return nil
}

func (c *cli) serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.cfg.OTLPEndpoint != "" {
		shutdown, err := tracing.Setup(ctx, "waypoint", c.cfg.OTLPEndpoint, c.cfg.OTLPInsecure)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				c.logger.Warn("tracing shutdown failed", slog.Any("error", err))
			}
		}()
	}

	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.close()
	return a.run(ctx)
}

// app is a fully wired server.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	backend   *backend
	engine    *engine.Engine
	worker    *worker.Worker
	scheduler *schedule.Scheduler
	http      *httpapi.Server
	events    interface{ Close() error }
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, backend: b}

	pubSub := notify.NewGoChannel(logger)
	a.events = pubSub
	retry := cfg.RetryPolicy()
	a.engine, err = engine.New(engine.Config{
		Persistence: b.persistence,
		Queue:       b.queue,
		DueTimers:   b.due,
		Logger:      logger,
		Observer: api.NewCompositeObserver(
			api.NewLoggingObserver(logger),
			notify.NewObserver(pubSub, nil, logger),
		),
		DefaultRetry:       &retry,
		TimerSweepInterval: cfg.TimerSweep,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	if err := charity.Register(a.engine, charity.NewActivities(nil, nil, logger)); err != nil {
		a.close()
		return nil, err
	}

	a.scheduler = schedule.New(a.engine, schedule.Options{Logger: logger})
	for _, s := range cfg.Schedules {
		entry := schedule.Entry{Name: s.Name, Spec: s.Spec, Workflow: s.Workflow}
		if s.Input != nil {
			entry.Input = s.Input
		}
		if err := a.scheduler.Add(entry); err != nil {
			a.close()
			return nil, err
		}
	}

	a.worker = worker.NewWithConfig(a.engine, a.engine.Queue(), worker.Config{
		Concurrency: cfg.Workers,
		Logger:      logger,
	})
	a.http = httpapi.NewServer(cfg.HTTPAddr, a.engine, httpapi.Options{Logger: logger})
	return a, nil
}

// run recovers open runs and serves until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	n, err := a.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	a.logger.Info("waypoint started",
		slog.String("storage", a.cfg.Storage),
		slog.String("queue", a.cfg.Queue),
		slog.Int("recovered_runs", n),
		slog.String("version", version),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.RunBackground(gctx, a.cfg.ActivityWorkers) })
	g.Go(func() error { return a.worker.Run(gctx) })
	g.Go(a.http.Start)
	a.scheduler.Start()

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.scheduler.Stop(sctx); err != nil {
			a.logger.Warn("scheduler did not stop in time", slog.Any("error", err))
		}
		return a.http.Stop(sctx)
	})

	err = g.Wait()
	a.logger.Info("waypoint stopped")
	return err
}

func (a *app) close() {
	if a.events != nil {
		_ = a.events.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.backend.Close(ctx); err != nil {
		a.logger.Warn("closing backend", slog.Any("error", err))
	}
}
