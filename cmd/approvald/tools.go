package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/siteops/approvals/internal/config"
	"github.com/siteops/approvals/internal/migrate"
	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/internal/workflow"
	"github.com/siteops/approvals/model"
)

// withApp loads the configuration, builds the service graph, and runs fn
// with it. Metrics are not registered for one-shot commands.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.shutdown(shutdownCtx)
	}()
	return fn(ctx, a)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			var schemaVersion int
			switch cfg.Store.Driver {
			case config.StoreSQLite:
				db, err := workflow.OpenSQLite(cfg.Store.ResolveDSN())
				if err != nil {
					return err
				}
				defer db.Close()
				schemaVersion, err = migrate.SQLite(ctx, db)
				if err != nil {
					return err
				}
			case config.StorePostgres:
				pool, err := openPool(ctx, cfg.Store)
				if err != nil {
					return err
				}
				defer pool.Close()
				schemaVersion, err = migrate.Postgres(ctx, pool)
				if err != nil {
					return err
				}
			default:
				fmt.Printf("store driver %q has no schema\n", cfg.Store.Driver)
				return nil
			}

			if viper.GetBool("json") {
				return printJSON(map[string]any{"driver": cfg.Store.Driver, "version": schemaVersion})
			}
			fmt.Printf("%s schema at version %d\n", cfg.Store.Driver, schemaVersion)
			return nil
		},
	}
}

func pendingCmd() *cobra.Command {
	var actor string
	var upcoming bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List steps waiting on an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return errors.New("--actor is required")
			}
			return withApp(func(ctx context.Context, a *app) error {
				items, err := a.orchestrator.ListPendingFor(ctx, actor, upcoming)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderPending(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().BoolVar(&upcoming, "upcoming", false, "include steps not yet active")
	return cmd
}

func renderPending(items []model.PendingItem) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Workflow", "Step", "Name", "Title", "Priority", "Requester", "Due", "Active"})
	for _, it := range items {
		t.AppendRow(table.Row{
			it.Workflow.ID,
			it.Step.StepNumber,
			it.Step.Name,
			it.Workflow.Title,
			it.Workflow.Priority,
			displayName(it.Requester),
			formatTime(it.Step.DueDate),
			it.Active,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "Total", len(items)})
	t.Render()
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <workflow-id>",
		Short: "Show a workflow with its steps and decision history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				detail, err := a.orchestrator.WorkflowHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(detail)
				}
				renderHistory(detail)
				return nil
			})
		},
	}
}

func renderHistory(d model.WorkflowDetail) {
	wf := d.Workflow
	fmt.Printf("%s  %s\n", wf.ID, wf.Title)
	fmt.Printf("kind=%s status=%s priority=%s step=%d/%d\n",
		wf.Kind, wf.Status, wf.Priority, wf.CurrentStepNumber, wf.TotalSteps)
	if wf.Substate != "" {
		fmt.Printf("substate=%s\n", wf.Substate)
	}

	steps := table.NewWriter()
	steps.SetOutputMirror(os.Stdout)
	steps.AppendHeader(table.Row{"#", "Name", "Approver", "Status", "Required", "Delegable", "Decided"})
	for _, s := range d.Steps {
		steps.AppendRow(table.Row{
			s.StepNumber, s.Name, s.ApproverID, s.Status, s.IsRequired, s.CanDelegate, formatTime(s.DecidedAt),
		})
	}
	steps.Render()

	if len(d.History) == 0 {
		return
	}
	hist := table.NewWriter()
	hist.SetOutputMirror(os.Stdout)
	hist.AppendHeader(table.Row{"Time", "Step", "Actor", "Decision", "Comment"})
	for _, h := range d.History {
		hist.AppendRow(table.Row{
			h.Timestamp.Format(time.RFC3339), h.StepNumber, h.ActorID, h.Decision, h.Comment,
		})
	}
	hist.Render()
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream notification events from the Redis channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger error: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a := &app{cfg: cfg, logger: logger}
			defer a.close()
			if err := a.buildRedis(ctx); err != nil {
				return err
			}

			sink := a.redisSink()
			sub, err := sink.Subscribe(ctx)
			if err != nil {
				return err
			}
			defer sub.Close()
			logger.Info("watching notifications", zap.String("channel", sink.Channel()))

			asJSON := viper.GetBool("json")
			for {
				select {
				case <-ctx.Done():
					return nil
				case evt, ok := <-sub.Events():
					if !ok {
						return nil
					}
					if asJSON {
						if err := printJSON(evt); err != nil {
							return err
						}
						continue
					}
					fmt.Printf("%s  %-20s %-7s workflow=%s actor=%s target=%s %s\n",
						evt.OccurredAt.Format(time.RFC3339), evt.EventType, evt.Severity,
						evt.WorkflowID, evt.ActorID, evt.TargetActorHint, evt.Message)
				}
			}
		},
	}
}

func displayName(a model.ActorSummary) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
