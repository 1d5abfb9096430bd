package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chroniclesink/internal/admin"
	"chroniclesink/internal/chronicle"
	"chroniclesink/internal/clock"
	"chroniclesink/internal/config"
	"chroniclesink/internal/event"
	kafkasource "chroniclesink/internal/ingest/kafka"
	"chroniclesink/internal/ingest/rabbitmq"
	"chroniclesink/internal/ingest/socket"
	"chroniclesink/internal/kafkasink"
	"chroniclesink/internal/sink"
	"chroniclesink/internal/storage"
	"chroniclesink/internal/storage/sqlite"
)

const healthcheckTimeout = 10 * time.Second

var registry = sink.Registry{
	chronicle.Kind: chronicle.Factory,
	kafkasink.Kind: kafkasink.Factory,
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath         string
		skipHealthcheck bool
	)
	cmd := &cobra.Command{
		Use:           "chroniclesinkd",
		Short:         "Deliver log events to Google Chronicle",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := cfg.Log.NewLogger(os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, !skipHealthcheck, logger)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "chroniclesink.yaml", "path to config file")
	cmd.Flags().BoolVar(&skipHealthcheck, "skip-healthcheck", false, "start without probing the destination")
	cmd.AddCommand(newSinksCmd())
	return cmd
}

func newSinksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sinks",
		Short: "List the supported sink types",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, kind := range registry.Kinds() {
				fmt.Fprintln(cmd.OutOrStdout(), kind)
			}
		},
	}
}

type runner interface {
	Run(ctx context.Context) error
}

func run(ctx context.Context, cfg config.Config, healthcheck bool, logger *slog.Logger) error {
	clk := clock.Real()
	bc := sink.BuildContext{Decode: cfg.DecodeSink, Clock: clk, Logger: logger}

	var deadLetters storage.DeadLetterStore
	if cfg.DeadLetter.Enabled {
		store, err := sqlite.NewStore(cfg.DeadLetter.Path)
		if err != nil {
			return fmt.Errorf("open dead-letter store: %w", err)
		}
		defer store.Close()
		deadLetters = store
		bc.DeadLetters = store
	}

	driver, hc, err := registry.Build(ctx, cfg.Sink.Type, bc)
	if err != nil {
		return err
	}
	if healthcheck {
		if err := sink.RunHealthcheck(ctx, hc, healthcheckTimeout); err != nil {
			return fmt.Errorf("sink %s: %w", driver.Name(), err)
		}
	}

	events := make(chan event.Event)
	sources, err := buildSources(cfg.Sources, events, clk, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	start := func(name string, r runner) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("component failed", "component", name, "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	for name, src := range sources {
		start(name, src)
	}
	if cfg.Admin.Enabled {
		start("admin", admin.NewServer(cfg.Admin, admin.Deps{
			Sink:        driver.Name(),
			Stats:       driver.Stats(),
			Ready:       hc,
			DeadLetters: deadLetters,
			APIKey:      cfg.Admin.APIKey,
		}, logger))
	}

	logger.Info("chroniclesinkd started", "sink", driver.Name(), "sources", len(sources))
	driverErr := driver.Run(ctx, events)
	cancel()
	wg.Wait()
	logger.Info("chroniclesinkd stopped", "stats", driver.Stats().Snapshot())

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(append(errs, driverErr)...)
}

func buildSources(cfg config.SourcesConfig, events chan<- event.Event, clk clock.Clock, logger *slog.Logger) (map[string]runner, error) {
	sources := map[string]runner{}
	if cfg.Socket.Enabled {
		sources["socket"] = socket.NewServer(cfg.Socket, events, clk, logger)
	}
	if cfg.Kafka.Enabled {
		a, err := kafkasource.NewAdapter(cfg.Kafka, events, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka source: %w", err)
		}
		sources["kafka"] = a
	}
	if cfg.RabbitMQ.Enabled {
		a, err := rabbitmq.NewAdapter(cfg.RabbitMQ, events, clk, logger)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq source: %w", err)
		}
		sources["rabbitmq"] = a
	}
	return sources, nil
}
