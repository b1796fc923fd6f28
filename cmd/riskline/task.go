package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"riskline/internal/app"
	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskProgressCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskEventsCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, desc, assignee, due string
	var progress, order int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				opts := engine.TaskCreateOptions{
					ProjectID:   ws.ResolveProject(viper.GetString("project")),
					Title:       title,
					Description: desc,
					AssigneeID:  assignee,
					ActorID:     viper.GetString("actor-id"),
				}
				if due != "" {
					d, err := parseDue(due)
					if err != nil {
						return err
					}
					opts.DueDate = &d
				}
				if cmd.Flags().Changed("progress") {
					opts.Progress = &progress
				}
				if cmd.Flags().Changed("order") {
					opts.Order = &order
				}
				t, err := ws.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrText(t, fmt.Sprintf("Created task %s (order %d)", t.ID, t.Order))
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&assignee, "assignee-id", "", "assignee")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percentage")
	cmd.Flags().IntVar(&order, "order", 0, "position in the project's work queue (default: last)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, assignee, riskLevel string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				f := repo.TaskFilters{
					Status:     domain.Status(status),
					AssigneeID: assignee,
					RiskLevel:  domain.RiskLevel(riskLevel),
				}
				if !all {
					f.ProjectID = ws.ResolveProject(viper.GetString("project"))
				}
				tasks, err := ws.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Order", "Title", "Status", "Risk", "Assignee", "Due", "Progress"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Order, t.Title, t.Status, t.RiskLevel, t.AssigneeID,
						formatDue(t.DueDate), fmt.Sprintf("%d%%", t.ProgressOrZero())})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (todo, in_progress, done)")
	cmd.Flags().StringVar(&assignee, "assignee-id", "", "assignee filter")
	cmd.Flags().StringVar(&riskLevel, "risk", "", "risk level filter (low, medium, high)")
	cmd.Flags().BoolVar(&all, "all-projects", false, "list tasks of every project")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, desc, status, assignee, due string
	var order int
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("status") {
				s := domain.Status(status)
				opts.Status = &s
			}
			if cmd.Flags().Changed("assignee-id") {
				opts.AssigneeID = &assignee
			}
			if cmd.Flags().Changed("order") {
				opts.Order = &order
			}
			if cmd.Flags().Changed("due") {
				if due == "" || due == "none" {
					opts.ClearDueDate = true
				} else {
					d, err := parseDue(due)
					if err != nil {
						return err
					}
					opts.DueDate = &d
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrText(t, fmt.Sprintf("Updated task %s", t.ID))
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "status (todo, in_progress)")
	cmd.Flags().StringVar(&assignee, "assignee-id", "", "assignee (empty to unassign)")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC3339, 'none' to clear)")
	cmd.Flags().IntVar(&order, "order", 0, "position in the project's work queue")
	return cmd
}

func taskProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <task-id> <percent>",
		Short: "Record task progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := strconv.Atoi(strings.TrimSuffix(args[1], "%"))
			if err != nil {
				return fmt.Errorf("invalid progress %q", args[1])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{ID: args[0], Progress: &p, ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSONOrText(t, fmt.Sprintf("Task %s at %d%%", t.ID, t.ProgressOrZero()))
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a task and pick up the next one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Complete(ctx, args[0], actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Completed %s (%s)\n", res.Task.ID, res.Task.Title)
				if res.NextTask != nil {
					fmt.Printf("Next up for %s: %s (%s)\n", actorID, res.NextTask.ID, res.NextTask.Title)
				} else {
					fmt.Println("No unassigned work left in this project")
				}
				return nil
			})
		},
	}
}

func taskEventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events <task-id>",
		Short: "Show a task's event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, n, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"TS", "Type", "Actor", "Payload"})
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of events")
	return cmd
}

func parseDue(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid due date %q (want YYYY-MM-DD or RFC3339)", s)
	}
	return t.Add(24*time.Hour - time.Second), nil
}
