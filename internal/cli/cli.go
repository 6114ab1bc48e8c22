package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/ignatij/genflow/internal/app"
	"github.com/ignatij/genflow/internal/config"
	internal_http "github.com/ignatij/genflow/internal/http"
	"github.com/ignatij/genflow/internal/log"
	"github.com/ignatij/genflow/pkg/models"
	"github.com/spf13/cobra"
)

// workflowFile is the JSON document accepted by "workflow import".
type workflowFile struct {
	Name  string        `json:"name"`
	Nodes []models.Node `json:"nodes"`
	Edges []models.Edge `json:"edges"`
}

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue workers, the recovery loop and the HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg := loadConfig()
			a := openApp(ctx, cfg)
			defer a.Close()
			if err := a.Start(ctx); err != nil {
				exitf("failed to start workers: %v", err)
			}
			if err := internal_http.StartServer(ctx, cfg.HTTPPort, a); err != nil {
				exitf("server failed: %v", err)
			}
		},
	}

	runCmd := &cobra.Command{
		Use:   "run [workflowId]",
		Short: "Start an execution of a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			wait, _ := cmd.Flags().GetBool("wait")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a := openApp(ctx, loadConfig())
			defer a.Close()
			if wait {
				if err := a.Start(ctx); err != nil {
					exitf("failed to start workers: %v", err)
				}
			}
			execID, jobID, err := a.Workflows.StartExecution(ctx, args[0])
			if err != nil {
				exitf("failed to start execution: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Started execution %s (job %s)\n", execID, jobID)
			if !wait {
				return
			}
			exec, err := waitForExecution(ctx, a, execID, timeout)
			if err != nil {
				exitf("failed waiting for execution: %v", err)
			}
			printExecution(exec)
			if exec.Status != models.CompletedExecutionStatus {
				os.Exit(1)
			}
		},
	}
	runCmd.Flags().Bool("wait", false, "Process jobs in this process and wait for the execution to finish")
	runCmd.Flags().Duration("timeout", 30*time.Minute, "Maximum time to wait with --wait")

	statusCmd := &cobra.Command{
		Use:   "status [executionId]",
		Short: "Show an execution and its node results",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			a := openApp(ctx, loadConfig())
			defer a.Close()
			exec, err := a.Workflows.GetExecution(ctx, args[0])
			if err != nil {
				exitf("failed to get execution: %v", err)
			}
			printExecution(exec)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [executionId]",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			a := openApp(ctx, loadConfig())
			defer a.Close()
			if err := a.Workflows.CancelExecution(ctx, args[0]); err != nil {
				exitf("failed to cancel execution: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Cancelled execution %s\n", args[0])
		},
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Resubmit stalled jobs, or the unfinished jobs of one execution",
		Run: func(cmd *cobra.Command, args []string) {
			execID, _ := cmd.Flags().GetString("execution")
			ctx := context.Background()
			a := openApp(ctx, loadConfig())
			defer a.Close()
			var n int
			var err error
			if execID != "" {
				n, err = a.Recovery.RecoverExecution(ctx, execID)
			} else {
				n, err = a.Recovery.RecoverStalledJobs(ctx)
			}
			if err != nil {
				exitf("recovery failed: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Recovered %d job(s)\n", n)
		},
	}
	recoverCmd.Flags().String("execution", "", "Recover the unfinished jobs of this execution")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			a := openApp(ctx, loadConfig())
			defer a.Close()
			s, err := a.Recovery.GetJobStats(ctx)
			if err != nil {
				exitf("failed to get job stats: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Total: %d\nPending: %d\nActive: %d\nCompleted: %d\nFailed: %d\nRecovered: %d\nIn DLQ: %d\n",
				s.Total, s.Pending, s.Active, s.Completed, s.Failed, s.Recovered, s.InDLQ)
		},
	}

	dlqCmd := &cobra.Command{Use: "dlq", Short: "Inspect and retry dead-lettered jobs"}
	dlqListCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		Run: func(cmd *cobra.Command, args []string) {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			ctx := context.Background()
			a := openApp(ctx, loadConfig())
			defer a.Close()
			jobs, total, err := a.Recovery.GetDLQJobs(ctx, limit, offset)
			if err != nil {
				exitf("failed to list DLQ: %v", err)
			}
			if total == 0 {
				fmt.Fprintf(os.Stdout, "Dead letter queue is empty.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Dead-lettered jobs (%d total):\n", total)
			for _, j := range jobs {
				fmt.Fprintf(os.Stdout, "- ID: %s, Queue: %s, Execution: %s, Node: %s, Error: %s\n",
					j.ID, j.QueueName, j.ExecutionID, j.NodeID, j.Error)
			}
		},
	}
	dlqListCmd.Flags().Int("limit", 50, "Page size")
	dlqListCmd.Flags().Int("offset", 0, "Page offset")
	dlqRetryCmd := &cobra.Command{
		Use:   "retry [jobId]",
		Short: "Resubmit a dead-lettered job to its original queue",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			a := openApp(ctx, loadConfig())
			defer a.Close()
			newID, err := a.Recovery.RetryFromDLQ(ctx, args[0])
			if err != nil {
				exitf("failed to retry job: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Retried job %s as %s\n", args[0], newID)
		},
	}
	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd)

	workflowCmd := &cobra.Command{Use: "workflow", Short: "Manage workflow graphs"}
	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Create a workflow from a JSON file with name, nodes and edges",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			wf, err := readWorkflowFile(args[0])
			if err != nil {
				exitf("%v", err)
			}
			ctx := context.Background()
			a := openApp(ctx, loadConfig())
			defer a.Close()
			id, err := a.Workflows.CreateWorkflow(ctx, wf.Name, wf.Nodes, wf.Edges)
			if err != nil {
				exitf("failed to create workflow: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Created workflow '%s' with ID %s\n", wf.Name, id)
		},
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all workflows",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			a := openApp(ctx, loadConfig())
			defer a.Close()
			workflows, err := a.Workflows.ListWorkflows(ctx)
			if err != nil {
				exitf("failed to list workflows: %v", err)
			}
			if len(workflows) == 0 {
				fmt.Fprintf(os.Stdout, "No workflows found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Workflows:\n")
			for _, wf := range workflows {
				fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, Nodes: %d, Created: %s\n",
					wf.ID, wf.Name, len(wf.Nodes), wf.CreatedAt.Format(time.RFC3339))
			}
		},
	}
	workflowCmd.AddCommand(importCmd, listCmd)

	rootCmd.AddCommand(serveCmd, runCmd, statusCmd, cancelCmd, recoverCmd, statsCmd, dlqCmd, workflowCmd)
}

func readWorkflowFile(path string) (workflowFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return workflowFile{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var wf workflowFile
	if err := json.Unmarshal(raw, &wf); err != nil {
		return workflowFile{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return wf, nil
}

// waitForExecution polls until the execution is terminal.
func waitForExecution(ctx context.Context, a *app.App, id string, timeout time.Duration) (models.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		exec, err := a.Workflows.GetExecution(ctx, id)
		if err != nil {
			return models.Execution{}, err
		}
		if exec.Status.IsTerminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printExecution(exec models.Execution) {
	fmt.Fprintf(os.Stdout, "Execution %s (workflow %s): %s\n", exec.ID, exec.WorkflowID, exec.Status)
	if exec.Error != "" {
		fmt.Fprintf(os.Stdout, "Error: %s\n", exec.Error)
	}
	fmt.Fprintf(os.Stdout, "Cost: %.4f (estimated %.4f)\n", exec.TotalCost, exec.CostSummary.Estimated)
	for id, r := range exec.NodeResults {
		fmt.Fprintf(os.Stdout, "- %s: %s", id, r.Status)
		if r.Error != "" {
			fmt.Fprintf(os.Stdout, " (%s)", r.Error)
		}
		fmt.Fprintln(os.Stdout)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		exitf("invalid configuration: %v", err)
	}
	return cfg
}

func openApp(ctx context.Context, cfg *config.Config) *app.App {
	a, err := app.FromConfig(ctx, cfg)
	if err != nil {
		exitf("failed to initialize: %v", err)
	}
	return a
}

func exitf(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
