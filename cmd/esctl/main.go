package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/parking-es/internal/bootstrap"
	"github.com/example/parking-es/internal/config"
	"github.com/example/parking-es/internal/infrastructure/bus"
	"github.com/example/parking-es/internal/infrastructure/kafka"
	"github.com/example/parking-es/internal/infrastructure/redisbus"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/logger"
)

func main() {
	rootCmd := cobra.Command{
		Use:           "esctl",
		Short:         "operate the parking event store and its read models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		migrateCommand(),
		replayCommand(),
		eventsCommand(),
		snapshotCommand(),
		dlqCommand(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every subcommand needs: configuration, a logger and the
// resources to release on exit.
type env struct {
	cfg    config.Config
	log    *logger.Logger
	closer *bootstrap.Closer
}

func newEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log.With("service", "esctl"), closer: &bootstrap.Closer{}}, nil
}

func (e *env) Close() {
	if err := e.closer.Close(); err != nil {
		e.log.Warn("cleanup failed", "error", err)
	}
	e.log.Sync()
}

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply or roll back the PostgreSQL event store schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			db, err := postgresForMigration(e)
			if err != nil {
				return err
			}
			if err := store.MigrateUp(db); err != nil {
				return err
			}
			e.log.Info("migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			db, err := postgresForMigration(e)
			if err != nil {
				return err
			}
			if err := store.MigrateDown(db, steps); err != nil {
				return err
			}
			e.log.Info("migrations rolled back", "steps", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

func postgresForMigration(e *env) (*sql.DB, error) {
	if e.cfg.Store.Driver != config.StorePostgres {
		return nil, fmt.Errorf("migrations only apply to EVENT_STORE=postgres (got %s)", e.cfg.Store.Driver)
	}
	db, err := store.ConnectPostgres(e.cfg.Store.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	e.closer.Add(db.Close)
	return db, nil
}

func replayCommand() *cobra.Command {
	var (
		projections []string
		batch       int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "rebuild read models from the event log",
		Long: "replay empties the selected read models and projects every stored event again " +
			"in commit order. Without --projection every read model is rebuilt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			stores, err := bootstrap.OpenStores(cmd.Context(), e.cfg, e.closer)
			if err != nil {
				return err
			}
			if stores.Log == nil {
				return fmt.Errorf("EVENT_STORE=%s has no global log to replay", e.cfg.Store.Driver)
			}
			readStore, err := bootstrap.OpenReadModel(e.cfg, e.closer)
			if err != nil {
				return err
			}
			dlq, err := bootstrap.OpenDeadLetterSink(e.cfg, e.closer)
			if err != nil {
				return err
			}
			consumer := bootstrap.NewProjectionConsumer(e.cfg, readStore, dlq, nil, e.log)

			stats, err := consumer.Replay(cmd.Context(), stores.Log, batch, projections...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events into %v (last position %d)\n",
				stats.Events, stats.Projections, stats.LastPosition)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&projections, "projection", nil, "projection to rebuild (repeatable)")
	cmd.Flags().IntVar(&batch, "batch", 500, "events loaded per page")
	return cmd
}

func eventsCommand() *cobra.Command {
	var (
		aggregateID string
		from        int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "print an aggregate's event stream as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			stores, err := bootstrap.OpenStores(cmd.Context(), e.cfg, e.closer)
			if err != nil {
				return err
			}
			events, err := stores.Events.LoadEvents(cmd.Context(), aggregateID, from)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, event := range events {
				if err := enc.Encode(event); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&aggregateID, "id", "", "aggregate id")
	cmd.Flags().IntVar(&from, "from", 0, "only events after this version")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func snapshotCommand() *cobra.Command {
	var (
		aggregateType string
		aggregateID   string
		show          bool
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "rebuild an aggregate from its full history and store a fresh snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			stores, err := bootstrap.OpenStores(cmd.Context(), e.cfg, e.closer)
			if err != nil {
				return err
			}

			var snap *store.Snapshot
			if show {
				snap, err = stores.Snapshots.Load(cmd.Context(), aggregateID)
				if err != nil {
					return err
				}
				if snap == nil {
					return fmt.Errorf("no snapshot for %s", aggregateID)
				}
			} else {
				if aggregateType == "" {
					return fmt.Errorf("--aggregate is required unless --show is set")
				}
				forced, err := bootstrap.ForceSnapshot(cmd.Context(), e.cfg, stores, aggregateType, aggregateID, e.log)
				if err != nil {
					return err
				}
				snap = &forced
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().StringVar(&aggregateType, "aggregate", "", "aggregate type (reservation, slot, user)")
	cmd.Flags().StringVar(&aggregateID, "id", "", "aggregate id")
	cmd.Flags().BoolVar(&show, "show", false, "print the stored snapshot instead of taking a new one")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func dlqCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "inspect dead-lettered messages",
	}

	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "print the most recent dead letters as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1")
			}
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			var letters []bus.DeadLetter
			switch e.cfg.Broker.Driver {
			case config.BrokerKafka:
				letters, err = kafka.TailDeadLetters(cmd.Context(), e.cfg.Broker.KafkaBrokers, e.cfg.Broker.KafkaDLQTopic, limit)
			case config.BrokerRedis:
				var stream *redisbus.DeadLetterStream
				stream, err = bootstrap.OpenRedisDeadLetters(e.cfg, e.closer)
				if err == nil {
					letters, err = stream.Tail(cmd.Context(), int64(limit))
				}
			default:
				return fmt.Errorf("BROKER=%s keeps dead letters in process memory only", e.cfg.Broker.Driver)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, dl := range letters {
				if err := enc.Encode(dl); err != nil {
					return err
				}
			}
			return nil
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "number of dead letters to print")

	cmd.AddCommand(tail)
	return cmd
}
