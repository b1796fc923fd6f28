package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"riskline/internal/app"
	"riskline/internal/config"
	"riskline/internal/db"
	"riskline/internal/engine"
	"riskline/internal/migrate"
	"riskline/internal/repo"
	"riskline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "riskline",
	Short: "Riskline CLI",
	Long: `Riskline keeps an eye on task health.
- Risk scan: every active task is scored from its due date, progress, status and assignee; new high-risk tasks notify their assignee.
- Completion: finishing a task hands the project's next unassigned task to whoever finished it.
- Workspace: riskline.yml plus the .riskline directory holding the SQLite database.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RISKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); overrides config")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(configCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create riskline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			projectID := viper.GetString("project")
			if projectID == "" {
				projectID = "default"
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Initialized project %s in %s\n", p.ID, path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing riskline.yml")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			v, err := migrate.Version(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"db": db.Path(workspace), "schema_version": v})
			}
			fmt.Printf("%s at schema version %d\n", db.Path(workspace), v)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the periodic risk scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				e := ws.Engine
				if !cmd.Flags().Changed("addr") && ws.Config.Server.Addr != "" {
					addr = ws.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && ws.Config.Server.BasePath != "" {
					basePath = ws.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Logger: e.Logger.With("component", "http"), CORSOrigins: ws.Config.Server.CORSOrigins})
				if err != nil {
					return err
				}
				if !noScheduler && ws.Config.SchedulerEnabled() {
					sched, err := e.NewScheduler()
					if err != nil {
						return err
					}
					if err := sched.Start(ctx); err != nil {
						return err
					}
					defer sched.Stop()
					e.Logger.Info("risk scan scheduled", "interval", ws.Config.Scheduler.RiskScanInterval.String())
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				e.Logger.Info("serving riskline api", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without the periodic risk scan")
	return cmd
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one risk scan over all active tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.Scan(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Scanned", "High", "Medium", "Notified"})
				tw.AppendRow(table.Row{summary.Scanned, summary.High, summary.Medium, summary.Notified})
				tw.Render()
				return nil
			})
		},
	}
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Show the risk report of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				report, err := ws.Engine.ProjectReport(ctx, ws.ResolveProject(viper.GetString("project")))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Project %s: %d active, %d high, %d medium, %d low\n",
					report.ProjectID, report.Total, report.High, report.Medium, report.Low)
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Risk", "Factors", "Assignee", "Due", "Progress", "Delay (days)"})
				for _, t := range report.AtRiskTasks {
					tw.AppendRow(table.Row{t.TaskID, t.Title, t.RiskLevel, strings.Join(t.Factors, ", "),
						t.AssigneeID, formatDue(t.DueDate), fmt.Sprintf("%d%%", t.Progress), t.EstimatedDelayDays})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func notificationsCmd() *cobra.Command {
	var userID string
	var unread bool
	var limit int
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List a user's notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Notifications(ctx, repo.NotificationFilters{UserID: userID, UnreadOnly: unread, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Message", "Read", "Created"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.Kind, n.Title, n.Message, n.Read, n.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to --actor-id)")
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of notifications")
	cmd.AddCommand(notificationReadCmd())
	return cmd
}

func notificationReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.MarkNotificationRead(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(n, fmt.Sprintf("Marked %s as read", n.ID))
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect riskline.yml"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate riskline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

// loadConfig reads the workspace config and applies flag/env overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if p := viper.GetString("project"); p != "" {
		cfg.Project.ID = p
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(os.Stderr, cfg)
	slog.SetDefault(logger)
	ws, err := app.OpenWithConfig(ctx, viper.GetString("workspace"), cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		return fn(ctx, ws.Engine)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatDue(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02 15:04")
}
