// Package main provides reminderctl, the operator CLI of the reminder engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/app"
	"github.com/careremind/reminder-engine/internal/config"
	"github.com/careremind/reminder-engine/internal/infrastructure/postgres"
)

const serviceName = "reminderctl"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "reminderctl",
		Short:        "Operate the appointment reminder engine",
		SilenceUsage: true,
	}
	root.AddCommand(migrateCmd())
	root.AddCommand(topicsCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(outboxCmd())
	root.AddCommand(tailCmd())
	return root
}

// env loads the configuration and a logger for one command
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func loadEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := app.NewLogger(cfg, serviceName)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func (e *env) requirePostgres() error {
	if e.cfg.StoreDriver != config.DriverPostgres {
		return fmt.Errorf("this command needs STORE_DRIVER=%s", config.DriverPostgres)
	}
	return nil
}

// withApp runs fn against a fully wired App
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	ctx := cmd.Context()
	a, err := app.New(ctx, e.cfg, serviceName, e.logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if err := e.requirePostgres(); err != nil {
				return err
			}
			pool, err := app.OpenPool(cmd.Context(), e.cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Dispatch due reminders",
	}

	once := &cobra.Command{
		Use:   "once",
		Short: "Run a single sweep and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sweeper, err := newSweeper(a)
				if err != nil {
					return err
				}
				defer sweeper.Close()

				report, err := sweeper.SweepOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.AddCommand(once)
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print reminder ledger counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Service.ReminderStats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <appointment-id>...",
		Short: "Recreate missing reminder rows for appointments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				for _, id := range args {
					rows, err := a.Service.Reconcile(ctx, id)
					if err != nil {
						return fmt.Errorf("reconcile %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d reminder(s) scheduled\n", id, len(rows))
				}
				return nil
			})
		},
	}
}

func seedCmd() *cobra.Command {
	var demo bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write the default reminder templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := app.Seed(ctx, a.Records, demo); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d template(s)", len(app.DefaultTemplates()))
				if demo {
					fmt.Fprintf(cmd.OutOrStdout(), " and %d demo patient(s)", len(app.DemoPatients()))
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "also write demo patients")
	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the transactional outbox",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print outbox counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if err := e.requirePostgres(); err != nil {
				return err
			}
			pool, err := app.OpenPool(cmd.Context(), e.cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			outbox := postgres.NewOutbox(pool, nil, app.OutboxConfig(e.cfg), nil, e.logger)
			st, err := outbox.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	var olderThan time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete processed outbox rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if err := e.requirePostgres(); err != nil {
				return err
			}
			pool, err := app.OpenPool(cmd.Context(), e.cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			outbox := postgres.NewOutbox(pool, nil, app.OutboxConfig(e.cfg), nil, e.logger)
			n, err := outbox.CleanupProcessed(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d processed row(s)\n", n)
			return nil
		},
	}
	cleanup.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age of processed rows to delete")

	cmd.AddCommand(stats, cleanup)
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
