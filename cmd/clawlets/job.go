package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawlets/clawlets/pkg/client"
)

// Job commands
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs",
}

var jobEnqueueCmd = &cobra.Command{
	Use:   "enqueue PROJECT_ID",
	Short: "Enqueue a job",
	Long: `Enqueue a job on the project's queue.

Examples:
  # Deploy one host
  clawlets job enqueue <project> --kind deploy_host --host web-1 \
    --title "deploy web-1"

  # Target a specific runner with structured metadata
  clawlets job enqueue <project> --kind infra_apply \
    --target-runner <runner-id> --meta region=eu --meta dry=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		title, _ := cmd.Flags().GetString("title")
		host, _ := cmd.Flags().GetString("host")
		runID, _ := cmd.Flags().GetString("run")
		target, _ := cmd.Flags().GetString("target-runner")
		metaPairs, _ := cmd.Flags().GetStringArray("meta")

		var meta map[string]interface{}
		if len(metaPairs) > 0 {
			meta = make(map[string]interface{}, len(metaPairs))
			for _, pair := range metaPairs {
				k, v, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("--meta expects key=value, got %q", pair)
				}
				meta[k] = v
			}
		}

		c := apiClient(cmd)
		defer c.Close()
		job, err := c.Enqueue(args[0], client.EnqueueRequest{
			Kind:           kind,
			Title:          title,
			Host:           host,
			RunID:          runID,
			TargetRunnerID: target,
			PayloadMeta:    meta,
		})
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(job)
		}
		fmt.Printf("✓ Job enqueued\n")
		fmt.Printf("  ID:  %s\n", job.ID)
		fmt.Printf("  Run: %s\n", job.RunID)
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list PROJECT_ID",
	Short: "List jobs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")

		c := apiClient(cmd)
		defer c.Close()
		jobs, next, err := c.ListJobs(args[0], status, cursor, limit)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(map[string]interface{}{"jobs": jobs, "nextCursor": next})
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs")
			return nil
		}
		fmt.Printf("%-36s  %-16s  %-14s  %-3s  %s\n", "ID", "KIND", "STATUS", "ATT", "CREATED")
		for _, j := range jobs {
			fmt.Printf("%-36s  %-16s  %-14s  %-3d  %s\n",
				j.ID, j.Kind, j.Status, j.Attempt, fmtTime(j.CreatedAt))
		}
		if next != "" {
			fmt.Printf("\nMore jobs: --cursor %s\n", next)
		}
		return nil
	},
}

var jobShowCmd = &cobra.Command{
	Use:   "show PROJECT_ID JOB_ID",
	Short: "Show a job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		job, err := c.GetJob(args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(job)
		}
		fmt.Printf("Job %s\n", job.ID)
		fmt.Printf("  Kind:    %s\n", job.Kind)
		fmt.Printf("  Status:  %s\n", job.Status)
		fmt.Printf("  Run:     %s\n", job.RunID)
		fmt.Printf("  Attempt: %d\n", job.Attempt)
		fmt.Printf("  Created: %s\n", fmtTime(job.CreatedAt))
		if job.TargetRunnerID != "" {
			fmt.Printf("  Target runner: %s\n", job.TargetRunnerID)
		}
		if job.LeasedByRunnerID != "" {
			fmt.Printf("  Leased by: %s (expires %s)\n", job.LeasedByRunnerID, fmtTimePtr(job.LeaseExpiresAt))
		}
		if job.SealedInputRequired {
			fmt.Printf("  Sealed input: %s key %s\n", orDash(job.SealedInputAlg), orDash(job.SealedInputKeyID))
		}
		if job.StartedAt != nil {
			fmt.Printf("  Started:  %s\n", fmtTimePtr(job.StartedAt))
		}
		if job.FinishedAt != nil {
			fmt.Printf("  Finished: %s\n", fmtTimePtr(job.FinishedAt))
		}
		if job.ErrorMessage != "" {
			fmt.Printf("  Error: %s\n", job.ErrorMessage)
		}
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel PROJECT_ID JOB_ID",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		job, err := c.CancelJob(args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(job)
		}
		fmt.Printf("✓ Job %s canceled\n", job.ID)
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobEnqueueCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobShowCmd)
	jobCmd.AddCommand(jobCancelCmd)

	jobEnqueueCmd.Flags().String("kind", "", "Job kind (required)")
	jobEnqueueCmd.Flags().String("title", "", "Run title")
	jobEnqueueCmd.Flags().String("host", "", "Host the job targets")
	jobEnqueueCmd.Flags().String("run", "", "Attach to an existing run")
	jobEnqueueCmd.Flags().String("target-runner", "", "Pin the job to one runner")
	jobEnqueueCmd.Flags().StringArray("meta", nil, "Payload metadata as key=value (repeatable)")
	_ = jobEnqueueCmd.MarkFlagRequired("kind")

	jobListCmd.Flags().String("status", "", "Filter by status (queued, leased, running, ...)")
	jobListCmd.Flags().Int("limit", 50, "Jobs per page")
	jobListCmd.Flags().String("cursor", "", "Resume cursor from a previous page")
}

// Run commands
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect runs",
}

var runListCmd = &cobra.Command{
	Use:   "list PROJECT_ID",
	Short: "List runs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")

		c := apiClient(cmd)
		defer c.Close()
		runs, next, err := c.ListRuns(args[0], cursor, limit)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(map[string]interface{}{"runs": runs, "nextCursor": next})
		}
		if len(runs) == 0 {
			fmt.Println("No runs")
			return nil
		}
		fmt.Printf("%-36s  %-14s  %-10s  %-14s  %s\n", "ID", "KIND", "STATUS", "HOST", "STARTED")
		for _, r := range runs {
			fmt.Printf("%-36s  %-14s  %-10s  %-14s  %s\n",
				r.ID, r.Kind, r.Status, orDash(r.Host), fmtTime(r.StartedAt))
		}
		if next != "" {
			fmt.Printf("\nMore runs: --cursor %s\n", next)
		}
		return nil
	},
}

var runEventsCmd = &cobra.Command{
	Use:   "events PROJECT_ID RUN_ID",
	Short: "Show a run's log, oldest first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		follow, _ := cmd.Flags().GetBool("all")

		c := apiClient(cmd)
		defer c.Close()
		cursor := ""
		for {
			events, next, err := c.ListRunEvents(args[0], args[1], cursor, limit)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				if err := printJSON(events); err != nil {
					return err
				}
			} else {
				for _, e := range events {
					phase := ""
					if e.Phase != "" {
						phase = " [" + e.Phase + "]"
					}
					exit := ""
					if e.ExitCode != nil {
						exit = fmt.Sprintf(" (exit %d)", *e.ExitCode)
					}
					fmt.Printf("%s  %-5s%s %s%s\n", fmtTime(e.TS), e.Level, phase, e.Message, exit)
				}
			}
			if next == "" || !follow {
				if next != "" {
					fmt.Printf("\nMore events: --cursor %s (or --all)\n", next)
				}
				return nil
			}
			cursor = next
		}
	},
}

func init() {
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runEventsCmd)

	runListCmd.Flags().Int("limit", 50, "Runs per page")
	runListCmd.Flags().String("cursor", "", "Resume cursor from a previous page")

	runEventsCmd.Flags().Int("limit", 500, "Events per page")
	runEventsCmd.Flags().Bool("all", false, "Keep paging until the log is exhausted")
}

// Result commands
var resultCmd = &cobra.Command{
	Use:   "result",
	Short: "Consume job results",
}

var resultTakeCmd = &cobra.Command{
	Use:   "take PROJECT_ID RUN_ID JOB_ID",
	Short: "Take a job's result (read-once)",
	Long: `Take a job's result. Results are read-once: the first take consumes
the stored row and later takes report nothing available. Small results
print as JSON; large ones are raw bytes, best written with --file.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		c := apiClient(cmd)
		defer c.Close()
		taken, err := c.TakeResult(args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if taken == nil {
			fmt.Println("No result available (not finished, expired, or already taken)")
			return nil
		}
		var payload []byte
		switch {
		case len(taken.Blob) > 0:
			payload = taken.Blob
		default:
			payload = taken.JSON
		}
		if file != "" {
			if err := os.WriteFile(file, payload, 0600); err != nil {
				return fmt.Errorf("failed to write %s: %w", file, err)
			}
			fmt.Printf("✓ Result written to %s (%d bytes)\n", file, len(payload))
			return nil
		}
		fmt.Println(string(payload))
		return nil
	},
}

func init() {
	resultCmd.AddCommand(resultTakeCmd)
	resultTakeCmd.Flags().String("file", "", "Write the result to a file instead of stdout")
}

// Host commands
var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Inspect synced hosts",
}

var hostListCmd = &cobra.Command{
	Use:   "list PROJECT_ID",
	Short: "List the hosts runners have reported",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		hosts, err := c.ListHosts(args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(hosts)
		}
		if len(hosts) == 0 {
			fmt.Println("No hosts reported")
			return nil
		}
		fmt.Printf("%-24s  %-8s  %-10s  %-20s  %s\n", "HOST", "SERVICES", "CONTAINERS", "PROFILES", "REPORTED")
		for _, h := range hosts {
			fmt.Printf("%-24s  %-8d  %-10d  %-20s  %s\n",
				h.HostName, h.Summary.ServiceCount, h.Summary.ContainerCount,
				orDash(strings.Join(h.Summary.Profiles, ",")), fmtTime(h.ReportedAt))
		}
		return nil
	},
}

func init() {
	hostCmd.AddCommand(hostListCmd)
}

// Gateway commands
var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Inspect synced gateways",
}

var gatewayListCmd = &cobra.Command{
	Use:   "list PROJECT_ID",
	Short: "List the gateways runners have reported",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		gateways, err := c.ListGateways(args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(gateways)
		}
		if len(gateways) == 0 {
			fmt.Println("No gateways reported")
			return nil
		}
		fmt.Printf("%-24s  %-16s  %-6s  %-9s  %s\n", "HOST", "GATEWAY", "PORT", "UPSTREAMS", "REPORTED")
		for _, g := range gateways {
			fmt.Printf("%-24s  %-16s  %-6d  %-9d  %s\n",
				g.HostName, g.GatewayID, g.Summary.ListenPort, g.Summary.UpstreamCount, fmtTime(g.ReportedAt))
		}
		return nil
	},
}

func init() {
	gatewayCmd.AddCommand(gatewayListCmd)
}
