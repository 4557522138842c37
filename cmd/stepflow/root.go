package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/config"
	"github.com/rendis/stepflow/internal/credentials"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/filter"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/mcp"
	"github.com/rendis/stepflow/pkg/schema"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "stepflow",
		Short:         "Run multi-step record actions on demand or on a schedule",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to settings file (default ~/.stepflow/settings.json)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Override log format (tint, text, json)")

	root.AddCommand(
		newServeCommand(opts),
		newRunCommand(opts),
		newScheduleCommand(opts),
		newFilterCommand(opts),
		newApplyCommand(opts),
		newCredentialCommand(opts),
		newDiagramCommand(opts),
		newMigrateCommand(opts),
		newVersionCommand(),
	)
	return root
}

// load reads configuration and applies flag overrides.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg), nil
}

// withApp loads config, wires the app and hands it to fn.
func (o *rootOptions) withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP tools over stdio and run due schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return opts.withApp(ctx, func(ctx context.Context, a *app) error {
				if !noScheduler {
					if err := a.scheduler.Start(ctx); err != nil {
						return err
					}
				}
				deps := mcp.ServerDeps{
					Runner:    a.runner,
					Scheduler: a.scheduler,
					Store:     a.store,
					Logger:    a.logger,
				}
				if a.credentials != nil {
					deps.Credentials = a.credentials
				}
				srv := mcp.NewServer(deps)
				a.logger.Info("stepflow serving", slog.String("version", version), slog.String("db", a.cfg.DBPath))
				return srv.Serve(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Do not poll for due schedules")
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "run <action-id> <record-id>",
		Short: "Run an action against one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.runner.RunAction(ctx, engine.RunRequest{
					ActionID: args[0],
					RecordID: args[1],
					UserID:   userID,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Run as this user; must own the action's agent")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newScheduleCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and drive schedules",
	}

	fire := &cobra.Command{
		Use:   "fire <schedule-id>",
		Short: "Run a schedule's pipeline now without moving its clock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				run, err := a.scheduler.RunSchedule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), run)
			})
		},
	}

	tick := &cobra.Command{
		Use:   "tick",
		Short: "Fire every schedule that is due now, once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				n := a.scheduler.Tick(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "fired %d schedule(s)\n", n)
				return nil
			})
		},
	}

	var at string
	reactivate := &cobra.Command{
		Use:   "reactivate <schedule-id>",
		Short: "Re-arm a paused schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			next := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "--at must be RFC3339: %s", err.Error())
				}
				next = t
			}
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.scheduler.Reactivate(ctx, args[0], next)
			})
		},
	}
	reactivate.Flags().StringVar(&at, "at", "", "Next run time, RFC3339 (default now)")

	var agentID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				scheds, err := a.store.ListSchedules(ctx, store.ScheduleFilter{AgentID: agentID})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), scheds)
			})
		},
	}
	list.Flags().StringVar(&agentID, "agent", "", "Only schedules of this agent")

	cmd.AddCommand(fire, tick, reactivate, list)
	return cmd
}

func newFilterCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Work with record filter expressions",
	}
	preview := &cobra.Command{
		Use:   "preview <model-id> <query-json>",
		Short: "List the records a filter expression selects",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var expr schema.FilterExpression
			if err := json.Unmarshal([]byte(args[1]), &expr); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "parse query: %s", err.Error())
			}
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				model, err := a.store.GetModel(ctx, args[0])
				if err != nil {
					return err
				}
				check := filter.Check(expr, model)
				for _, w := range check.Warnings {
					a.logger.Warn("filter warning", slog.String("path", w.Path), slog.String("message", w.Message))
				}
				if !check.Valid() {
					return check.ToError()
				}
				recs, err := a.store.ListRecords(ctx, store.RecordFilter{ModelID: model.ID})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), filter.FilterRecords(recs, expr))
			})
		},
	}
	cmd.AddCommand(preview)
	return cmd
}

func newApplyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <bundle.json>",
		Short: "Load an agent with its models, actions, schedules and records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := readBundle(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				sum, err := applyBundle(ctx, a.store, b, time.Now().UTC())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
}

func newCredentialCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage provider tokens in the vault",
	}
	put := &cobra.Command{
		Use:   "put <agent-id> <provider>",
		Short: "Store a provider token read from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			token = bytes.TrimSpace(token)
			if len(token) == 0 {
				return schema.NewError(schema.ErrCodeValidation, "empty token on stdin")
			}
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if a.credentials == nil {
					return schema.NewError(schema.ErrCodeConfiguration, "vault_passphrase is not configured")
				}
				p := credentials.Provider(strings.ToLower(args[1]))
				if err := a.credentials.Put(ctx, args[0], p, token); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s credential for agent %s\n", p, args[0])
				return nil
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete <agent-id> <provider>",
		Short: "Remove a provider token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if a.credentials == nil {
					return schema.NewError(schema.ErrCodeConfiguration, "vault_passphrase is not configured")
				}
				return a.credentials.Delete(ctx, args[0], credentials.Provider(strings.ToLower(args[1])))
			})
		},
	}
	list := &cobra.Command{
		Use:   "list <agent-id>",
		Short: "List the providers an agent holds tokens for",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if a.credentials == nil {
					return schema.NewError(schema.ErrCodeConfiguration, "vault_passphrase is not configured")
				}
				providers, err := a.credentials.Providers(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"agent_id": args[0], "providers": providers})
			})
		},
	}
	cmd.AddCommand(put, del, list)
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// newApp migrates on open.
			return opts.withApp(cmd.Context(), func(_ context.Context, a *app) error {
				fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", a.cfg.DBPath)
				return nil
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
