package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/daemon"
	"github.com/taskpilot/taskpilot/internal/logging"
	"github.com/taskpilot/taskpilot/internal/model"
	"github.com/taskpilot/taskpilot/internal/store"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the state directory and a starter config",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, sub := range []string{"queue", "locks", "checkpoints", "backups", "logs"} {
				if err := os.MkdirAll(fmt.Sprintf("%s/%s", baseDir, sub), 0755); err != nil {
					return fmt.Errorf("create %s: %w", sub, err)
				}
			}
			path, err := daemon.WriteDefaultConfig(baseDir)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized %s (config: %s)\n", baseDir, path)
			return nil
		},
	}
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the taskpilot daemon (blocks until shutdown)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := daemon.LoadConfig(baseDir)
			if err != nil {
				return err
			}
			d, err := daemon.New(baseDir, cfg)
			if err != nil {
				return err
			}
			return d.Run()
		},
	}
}

func newAddCmd() *cobra.Command {
	var id, command string
	var timeoutSec, maxRetries int

	cmd := &cobra.Command{
		Use:   "add <type> <priority> <description...>",
		Short: "Enqueue a task (types: custom, github_issue, github_pr)",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("priority must be an integer, got %q", args[1])
			}

			data, err := sendCommand("add", daemon.AddParams{
				ID:          id,
				Type:        args[0],
				Priority:    priority,
				Command:     command,
				Description: strings.Join(args[2:], " "),
				MaxRetries:  maxRetries,
				TimeoutSec:  timeoutSec,
			})
			if err != nil {
				return err
			}
			var out map[string]string
			if err := json.Unmarshal(data, &out); err != nil {
				return err
			}
			fmt.Printf("Added task %s\n", out["task_id"])
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "explicit task id (generated when omitted)")
	cmd.Flags().StringVar(&command, "command", "", "command to send to the session (defaults to the description)")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "per-task timeout in seconds")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget override")
	return cmd
}

func newListCmd() *cobra.Command {
	var status, taskType, search string
	var priorityMin, priorityMax int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := daemon.ListParams{Status: status, Type: taskType, Search: search}
			if cmd.Flags().Changed("priority-min") {
				params.PriorityMin = &priorityMin
			}
			if cmd.Flags().Changed("priority-max") {
				params.PriorityMax = &priorityMax
			}

			var tasks []model.Task
			data, err := sendCommand("list", params)
			if err == nil {
				var out struct {
					Tasks []model.Task `json:"tasks"`
				}
				if err := json.Unmarshal(data, &out); err != nil {
					return err
				}
				tasks = out.Tasks
			} else {
				if _, ok := err.(*responseError); ok {
					return err
				}
				// No daemon: read the store directly.
				tasks, err = readOnlyList(params)
				if err != nil {
					return err
				}
			}

			if len(tasks) == 0 {
				fmt.Println("No tasks found.")
				return nil
			}
			for _, t := range tasks {
				fmt.Printf("%-28s %-12s %-12s p%-3d %s\n", t.ID, t.Status, t.Type, t.Priority, t.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&taskType, "type", "", "filter by type")
	cmd.Flags().StringVar(&search, "search", "", "substring match on id/command/description")
	cmd.Flags().IntVar(&priorityMin, "priority-min", 0, "minimum priority")
	cmd.Flags().IntVar(&priorityMax, "priority-max", 0, "maximum priority")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a task from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := sendCommand("remove", daemon.IDParams{ID: args[0]}); err != nil {
				return err
			}
			fmt.Printf("Removed task %s\n", args[0])
			return nil
		},
	}
}

func newPauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause scheduling (running steps finish)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := sendCommand("pause", daemon.PauseParams{Reason: reason}); err != nil {
				return err
			}
			fmt.Println("Queue paused.")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the queue is paused")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume scheduling",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := sendCommand("resume", nil); err != nil {
				return err
			}
			fmt.Println("Queue resumed.")
			return nil
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop all pending tasks (in-flight and finished tasks stay)",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := sendCommand("clear", nil)
			if err != nil {
				return err
			}
			var out map[string]int
			if err := json.Unmarshal(data, &out); err != nil {
				return err
			}
			fmt.Printf("Removed %d pending task(s).\n", out["removed"])
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report daemon.StatusReport
			data, err := sendCommand("status", nil)
			if err == nil {
				if err := json.Unmarshal(data, &report); err != nil {
					return err
				}
			} else {
				if _, ok := err.(*responseError); ok {
					return err
				}
				report, err = readOnlyStatus()
				if err != nil {
					return err
				}
				fmt.Println("(daemon not running; read directly from store)")
			}

			if report.Paused {
				fmt.Printf("Queue: PAUSED (%s)\n", report.PausedReason)
			} else {
				fmt.Println("Queue: running")
			}
			for _, s := range []string{"pending", "in_progress", "completed", "failed", "timeout", "error"} {
				if n := report.Counts[s]; n > 0 {
					fmt.Printf("  %-12s %d\n", s, n)
				}
			}
			fmt.Printf("Added %d, removed %d, in flight %d\n", report.TotalAdded, report.TotalRemoved, report.InFlight)
			return nil
		},
	}
}

func newCleanupCmd() *cobra.Command {
	var olderThanDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune old finished tasks and stale backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := sendCommand("cleanup", daemon.CleanupParams{OlderThanDays: olderThanDays})
			if err != nil {
				return err
			}
			var out map[string]int
			if err := json.Unmarshal(data, &out); err != nil {
				return err
			}
			fmt.Printf("Removed %d task(s), pruned %d backup file(s).\n", out["tasks_removed"], out["backups_pruned"])
			return nil
		},
	}
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 0, "retention window override")
	return cmd
}

func newWorkflowCmd() *cobra.Command {
	workflowCmd := &cobra.Command{
		Use:   "workflow",
		Short: "Create, execute, and resume multi-step workflows",
	}

	var issue string
	var priority int
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an issue-merge workflow (develop → clear → review → merge)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if issue == "" {
				return fmt.Errorf("--issue is required")
			}
			data, err := sendCommand("workflow_create", daemon.WorkflowCreateParams{Issue: issue, Priority: priority})
			if err != nil {
				return err
			}
			var out map[string]string
			if err := json.Unmarshal(data, &out); err != nil {
				return err
			}
			fmt.Printf("Created workflow %s for issue #%s\n", out["task_id"], issue)
			return nil
		},
	}
	createCmd.Flags().StringVar(&issue, "issue", "", "GitHub issue number")
	createCmd.Flags().IntVar(&priority, "priority", 5, "workflow priority")

	executeCmd := &cobra.Command{
		Use:   "execute <id>",
		Short: "Ask the daemon to run a pending workflow now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := sendCommand("workflow_execute", daemon.IDParams{ID: args[0]}); err != nil {
				return err
			}
			fmt.Printf("Workflow %s queued for execution.\n", args[0])
			return nil
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a stopped workflow from its last completed step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := sendCommand("workflow_resume", daemon.IDParams{ID: args[0]})
			if err != nil {
				return err
			}
			var out map[string]string
			if err := json.Unmarshal(data, &out); err != nil {
				return err
			}
			if out["resumed_of"] != "" && out["task_id"] != args[0] {
				fmt.Printf("Resumed %s as %s\n", args[0], out["task_id"])
			} else {
				fmt.Printf("Workflow %s queued for execution.\n", args[0])
			}
			return nil
		},
	}

	workflowCmd.AddCommand(createCmd, executeCmd, resumeCmd)
	return workflowCmd
}

// readOnlyStore opens the store for direct reads when the daemon socket does
// not answer. Writes still go through the daemon only.
func readOnlyStore() (*store.Store, error) {
	cfg, err := daemon.LoadConfig(baseDir)
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, "cli", logging.LevelWarn)
	return store.New(baseDir, cfg, logger)
}

func readOnlyList(params daemon.ListParams) ([]model.Task, error) {
	s, err := readOnlyStore()
	if err != nil {
		return nil, err
	}
	return s.List(context.Background(), store.Filter{
		Status:      model.Status(params.Status),
		Type:        model.TaskType(params.Type),
		PriorityMin: params.PriorityMin,
		PriorityMax: params.PriorityMax,
		Search:      params.Search,
	})
}

func readOnlyStatus() (daemon.StatusReport, error) {
	s, err := readOnlyStore()
	if err != nil {
		return daemon.StatusReport{}, err
	}
	q, err := s.Snapshot(context.Background())
	if err != nil {
		return daemon.StatusReport{}, err
	}
	return daemon.BuildStatusReport(q), nil
}
