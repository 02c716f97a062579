package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ModerRAS/taskd/internal/log"
	internal_storage "github.com/ModerRAS/taskd/internal/storage"
	"github.com/ModerRAS/taskd/pkg/models"
	"github.com/ModerRAS/taskd/pkg/service"
	"github.com/ModerRAS/taskd/pkg/storage"
	"github.com/spf13/cobra"
)

// SetupCLI registers the operator subcommands on the root command. Every
// subcommand opens its own store from the --db flag, runs one facade call
// and prints a human-readable result.
func SetupCLI(rootCmd *cobra.Command) {
	createCmd := &cobra.Command{
		Use:   "create [prompt]",
		Short: "Queue a new task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeStore := serviceFromFlags(cmd)
			defer closeStore()
			dir, _ := cmd.Flags().GetString("dir")
			priority, _ := cmd.Flags().GetString("priority")
			tags, _ := cmd.Flags().GetStringSlice("tag")
			in := service.CreateTaskInput{
				Prompt:        args[0],
				WorkDirectory: dir,
				Tags:          tags,
			}
			if priority != "" {
				parsed, err := models.ParsePriority(priority)
				if err != nil {
					fail("invalid --priority: %v", err)
				}
				in.Priority = parsed
			}
			if cmd.Flags().Changed("max-retries") {
				maxRetries, _ := cmd.Flags().GetInt("max-retries")
				in.MaxRetries = &maxRetries
			}
			createTask(cmd.Context(), svc, in)
		},
	}
	createCmd.Flags().String("dir", "", "work directory the task belongs to")
	createCmd.Flags().String("priority", "", "task priority: low, medium or high")
	createCmd.Flags().Int("max-retries", service.DefaultMaxRetries, "retry budget")
	createCmd.Flags().StringSlice("tag", nil, "tag to attach (repeatable)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeStore := serviceFromFlags(cmd)
			defer closeStore()
			filter, err := filterFromFlags(cmd)
			if err != nil {
				fail("invalid filter: %v", err)
			}
			listTasks(cmd.Context(), svc, filter)
		},
	}
	listCmd.Flags().String("status", "", "filter by status")
	listCmd.Flags().String("dir", "", "filter by work directory")
	listCmd.Flags().String("priority", "", "filter by priority")
	listCmd.Flags().String("tag", "", "filter by tag")
	listCmd.Flags().Int("limit", 0, "page size")
	listCmd.Flags().Int("offset", 0, "page offset")

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show one task in full",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeStore := serviceFromFlags(cmd)
			defer closeStore()
			getTask(cmd.Context(), svc, args[0])
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show the audit trail of a task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeStore := serviceFromFlags(cmd)
			defer closeStore()
			showHistory(cmd.Context(), svc, args[0])
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a waiting task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeStore := serviceFromFlags(cmd)
			defer closeStore()
			reason, _ := cmd.Flags().GetString("reason")
			cancelTask(cmd.Context(), svc, args[0], reason)
		},
	}
	cancelCmd.Flags().String("reason", "", "why the task is withdrawn")

	retryCmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Requeue a failed task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeStore := serviceFromFlags(cmd)
			defer closeStore()
			retryTask(cmd.Context(), svc, args[0])
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr, _ := cmd.Flags().GetString("db")
			store := initStore(dbConnStr)
			defer store.Close()
			dir, _ := cmd.Flags().GetString("dir")
			showStats(cmd.Context(), service.NewStatsService(store, log.GetLogger()), dir)
		},
	}
	statsCmd.Flags().String("dir", "", "scope to one work directory")

	rootCmd.AddCommand(createCmd, listCmd, getCmd, historyCmd, cancelCmd, retryCmd, statsCmd)
}

func createTask(ctx context.Context, svc *service.TaskService, in service.CreateTaskInput) {
	task, err := svc.CreateTask(ctx, in)
	if err != nil {
		log.GetLogger().Errorf("Failed to create task: %v", err)
		fail("failed to create task: %v", err)
	}
	fmt.Fprintf(os.Stdout, "Created task %s in '%s' (priority %s)\n", task.ID, task.WorkDirectory, task.Priority)
}

func listTasks(ctx context.Context, svc *service.TaskService, filter storage.TaskFilter) {
	tasks, err := svc.ListTasks(ctx, filter)
	if err != nil {
		log.GetLogger().Errorf("Failed to list tasks: %v", err)
		fail("failed to list tasks: %v", err)
	}
	if len(tasks) == 0 {
		fmt.Fprintf(os.Stdout, "No tasks found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(os.Stdout, "- ID: %s, Status: %s, Priority: %s, Dir: %s, Retries: %d/%d, Created: %s\n",
			t.ID, t.Status, t.Priority, t.WorkDirectory, t.RetryCount, t.MaxRetries,
			t.CreatedAt.Format(time.RFC3339))
	}
}

func getTask(ctx context.Context, svc *service.TaskService, id string) {
	t, err := svc.GetTask(ctx, id)
	if err != nil {
		fail("failed to get task: %v", err)
	}
	fmt.Fprintf(os.Stdout, "ID:        %s\n", t.ID)
	fmt.Fprintf(os.Stdout, "Status:    %s\n", t.Status)
	fmt.Fprintf(os.Stdout, "Priority:  %s\n", t.Priority)
	fmt.Fprintf(os.Stdout, "Dir:       %s\n", t.WorkDirectory)
	fmt.Fprintf(os.Stdout, "Prompt:    %s\n", t.Prompt)
	if len(t.Tags) > 0 {
		fmt.Fprintf(os.Stdout, "Tags:      %s\n", strings.Join(t.Tags, ", "))
	}
	if t.WorkerID != nil {
		fmt.Fprintf(os.Stdout, "Worker:    %s\n", *t.WorkerID)
	}
	fmt.Fprintf(os.Stdout, "Retries:   %d/%d\n", t.RetryCount, t.MaxRetries)
	if t.ErrorMessage != "" {
		fmt.Fprintf(os.Stdout, "Error:     %s\n", t.ErrorMessage)
	}
	fmt.Fprintf(os.Stdout, "Version:   %d\n", t.Version)
	fmt.Fprintf(os.Stdout, "Created:   %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.StartedAt != nil {
		fmt.Fprintf(os.Stdout, "Started:   %s\n", t.StartedAt.Format(time.RFC3339))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(os.Stdout, "Completed: %s\n", t.CompletedAt.Format(time.RFC3339))
	}
}

func showHistory(ctx context.Context, svc *service.TaskService, id string) {
	history, err := svc.GetTaskHistory(ctx, id)
	if err != nil {
		fail("failed to get history: %v", err)
	}
	fmt.Fprintf(os.Stdout, "History of task %s:\n", id)
	for _, h := range history {
		line := fmt.Sprintf("- %s -> %s", h.ChangedAt.Format(time.RFC3339), h.Status)
		if h.WorkerID != nil {
			line += fmt.Sprintf(" (worker %s)", *h.WorkerID)
		}
		if len(h.Details) > 0 {
			line += fmt.Sprintf(" %v", h.Details)
		}
		fmt.Fprintln(os.Stdout, line)
	}
}

func cancelTask(ctx context.Context, svc *service.TaskService, id, reason string) {
	task, err := svc.CancelTask(ctx, id, reason)
	if err != nil {
		log.GetLogger().Errorf("Failed to cancel task: %v", err)
		fail("failed to cancel task: %v", err)
	}
	fmt.Fprintf(os.Stdout, "Cancelled task %s\n", task.ID)
}

func retryTask(ctx context.Context, svc *service.TaskService, id string) {
	task, err := svc.RetryTask(ctx, id)
	if err != nil {
		log.GetLogger().Errorf("Failed to retry task: %v", err)
		fail("failed to retry task: %v", err)
	}
	fmt.Fprintf(os.Stdout, "Requeued task %s (retry %d of %d)\n", task.ID, task.RetryCount, task.MaxRetries)
}

func showStats(ctx context.Context, stats *service.StatsService, dir string) {
	collected, err := stats.Collect(ctx, dir)
	if err != nil {
		fail("failed to collect stats: %v", err)
	}
	fmt.Fprintf(os.Stdout, "Total tasks: %d\n", collected.Total)
	for _, status := range []models.TaskStatus{
		models.StatusWaiting, models.StatusWorking, models.StatusCompleted,
		models.StatusCancelled, models.StatusFailed,
	} {
		if n := collected.ByStatus[status]; n > 0 {
			fmt.Fprintf(os.Stdout, "  %-10s %d\n", status, n)
		}
	}
	if len(collected.WaitingByDirectory) > 0 {
		fmt.Fprintf(os.Stdout, "Queue depth by directory:\n")
		dirs := make([]string, 0, len(collected.WaitingByDirectory))
		for d := range collected.WaitingByDirectory {
			dirs = append(dirs, d)
		}
		sort.Strings(dirs)
		for _, d := range dirs {
			fmt.Fprintf(os.Stdout, "  %s: %d\n", d, collected.WaitingByDirectory[d])
		}
	}
	fmt.Fprintf(os.Stdout, "Total retries: %d\n", collected.TotalRetries)
	if collected.OldestWaiting != nil {
		fmt.Fprintf(os.Stdout, "Oldest waiting since: %s\n", collected.OldestWaiting.Format(time.RFC3339))
	}
}

// filterFromFlags assembles a TaskFilter from the list command's flags.
func filterFromFlags(cmd *cobra.Command) (storage.TaskFilter, error) {
	var f storage.TaskFilter
	if v, _ := cmd.Flags().GetString("status"); v != "" {
		status, err := models.ParseStatus(v)
		if err != nil {
			return storage.TaskFilter{}, err
		}
		f.Status = status
	}
	f.WorkDirectory, _ = cmd.Flags().GetString("dir")
	if v, _ := cmd.Flags().GetString("priority"); v != "" {
		priority, err := models.ParsePriority(v)
		if err != nil {
			return storage.TaskFilter{}, err
		}
		f.Priority = priority
	}
	f.Tag, _ = cmd.Flags().GetString("tag")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	f.Offset, _ = cmd.Flags().GetInt("offset")
	return f, nil
}

// serviceFromFlags opens the store named by --db and wraps it in the facade.
// The returned closer must run after the command finishes.
func serviceFromFlags(cmd *cobra.Command) (*service.TaskService, func()) {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	log.GetLogger().Debugf("Using database: %s", dbConnStr)
	store := initStore(dbConnStr)
	return service.NewTaskService(store, log.GetLogger()), func() {
		if err := store.Close(); err != nil {
			log.GetLogger().Errorf("Failed to close store: %v", err)
		}
	}
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
