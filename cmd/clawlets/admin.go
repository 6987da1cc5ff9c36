package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Admin commands hit the /maintenance routes, which the server only
// exposes when maintenance.enabled is set.
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Server maintenance operations",
	Long: `Server maintenance operations. These require a server started with
maintenance.enabled: true; on other servers the routes answer 404.`,
}

var adminPurgeResultsCmd = &cobra.Command{
	Use:   "purge-results",
	Short: "Delete expired job results",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		total := 0
		for {
			purged, err := c.PurgeExpiredResults()
			if err != nil {
				return err
			}
			total += purged
			if purged == 0 {
				break
			}
		}
		fmt.Printf("✓ Purged %d expired results\n", total)
		return nil
	},
}

var adminSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		report, err := c.RetentionSweep()
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(report)
		}
		fmt.Printf("✓ Sweep finished\n")
		fmt.Printf("  Projects scanned:   %d\n", report.ProjectsScanned)
		fmt.Printf("  Run events deleted: %d\n", report.RunEventsDeleted)
		fmt.Printf("  Audit rows deleted: %d\n", report.AuditLogsDeleted)
		fmt.Printf("  Runs deleted:       %d\n", report.RunsDeleted)
		if report.Continued {
			fmt.Println("  Pass hit its row budget; a continuation is scheduled.")
		}
		return nil
	},
}

var adminPurgeTenantCmd = &cobra.Command{
	Use:   "purge-tenant PROJECT_ID",
	Short: "Start staged erasure for a project, bypassing confirmation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		job, err := c.PurgeTenant(args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(job)
		}
		fmt.Printf("✓ Erasure started (job %s, stage %s)\n", job.ID, job.Stage)
		return nil
	},
}

var adminBackfillCmd = &cobra.Command{
	Use:   "backfill-indexes",
	Short: "Rebuild derived indexes from the primary rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		counts, err := c.BackfillIndexes()
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(counts)
		}
		fmt.Printf("✓ Indexes rebuilt\n")
		fmt.Printf("  Jobs: %d  Runs: %d  Run events: %d  Audit: %d\n",
			counts.Jobs, counts.Runs, counts.RunEvents, counts.Audit)
		fmt.Printf("  Results: %d  Blobs: %d  Tokens: %d\n",
			counts.Results, counts.Blobs, counts.Tokens)
		return nil
	},
}

func init() {
	adminCmd.AddCommand(adminPurgeResultsCmd)
	adminCmd.AddCommand(adminSweepCmd)
	adminCmd.AddCommand(adminPurgeTenantCmd)
	adminCmd.AddCommand(adminBackfillCmd)
}

// Draft commands
var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Inspect host setup drafts",
}

var draftShowCmd = &cobra.Command{
	Use:   "show PROJECT_ID HOST",
	Short: "Show a host's setup draft",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		draft, err := c.GetSetupDraft(args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(draft)
		}
		fmt.Printf("Draft for host %s\n", draft.Host)
		fmt.Printf("  Status:  %s\n", draft.Status)
		fmt.Printf("  Version: %d\n", draft.Version)
		fmt.Printf("  Updated: %s\n", fmtTime(draft.UpdatedAt))
		if draft.DeployCreds != nil {
			fmt.Printf("  deployCreds:      alg %s key %s (expires %s)\n",
				draft.DeployCreds.Alg, draft.DeployCreds.KeyID, fmtTime(draft.DeployCreds.ExpiresAt))
		}
		if draft.BootstrapSecrets != nil {
			fmt.Printf("  bootstrapSecrets: alg %s key %s (expires %s)\n",
				draft.BootstrapSecrets.Alg, draft.BootstrapSecrets.KeyID, fmtTime(draft.BootstrapSecrets.ExpiresAt))
		}
		return nil
	},
}

var draftDiscardCmd = &cobra.Command{
	Use:   "discard PROJECT_ID HOST",
	Short: "Discard a host's setup draft",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		if err := c.DiscardDraft(args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("✓ Draft discarded")
		return nil
	},
}

func init() {
	draftCmd.AddCommand(draftShowCmd)
	draftCmd.AddCommand(draftDiscardCmd)
}
