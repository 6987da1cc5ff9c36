package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawlets/clawlets/pkg/client"
)

// Project commands
var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new project",
	Long: `Create a new project owned by the calling user.

Examples:
  # Git workspace executed by a remote runner
  clawlets project create shop --mode remote_runner \
    --git-remote git@example.com:shop/deploy.git \
    --runner-repo-path /srv/deploy

  # Local workspace for CLI-driven execution
  clawlets project create lab --mode local --local-path-hash 9f2c...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		gitRemote, _ := cmd.Flags().GetString("git-remote")
		gitSubpath, _ := cmd.Flags().GetString("git-subpath")
		runnerRepoPath, _ := cmd.Flags().GetString("runner-repo-path")
		localPathHash, _ := cmd.Flags().GetString("local-path-hash")

		ref := client.WorkspaceRef{
			GitRemote:      gitRemote,
			GitSubpath:     gitSubpath,
			RunnerRepoPath: runnerRepoPath,
			LocalPathHash:  localPathHash,
		}
		if gitRemote != "" {
			ref.Kind = "git"
		} else {
			ref.Kind = "local"
		}

		c := apiClient(cmd)
		defer c.Close()
		project, err := c.CreateProject(client.CreateProjectRequest{
			Name:          args[0],
			ExecutionMode: mode,
			WorkspaceRef:  ref,
		})
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(project)
		}
		fmt.Printf("✓ Project '%s' created\n", project.Name)
		fmt.Printf("  ID:     %s\n", project.ID)
		fmt.Printf("  Mode:   %s\n", project.ExecutionMode)
		fmt.Printf("  Status: %s\n", project.Status)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		projects, err := c.ListProjects()
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(projects)
		}
		if len(projects) == 0 {
			fmt.Println("No projects")
			return nil
		}
		fmt.Printf("%-36s  %-20s  %-13s  %-10s  %s\n", "ID", "NAME", "MODE", "STATUS", "CREATED")
		for _, p := range projects {
			fmt.Printf("%-36s  %-20s  %-13s  %-10s  %s\n",
				p.ID, p.Name, p.ExecutionMode, p.Status, fmtTime(p.CreatedAt))
		}
		return nil
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show PROJECT_ID",
	Short: "Show a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		project, err := c.GetProject(args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(project)
		}
		fmt.Printf("Project: %s\n", project.Name)
		fmt.Printf("  ID:      %s\n", project.ID)
		fmt.Printf("  Owner:   %s\n", project.OwnerUserID)
		fmt.Printf("  Mode:    %s\n", project.ExecutionMode)
		fmt.Printf("  Status:  %s\n", project.Status)
		fmt.Printf("  Created: %s\n", fmtTime(project.CreatedAt))
		fmt.Printf("  Workspace:\n")
		fmt.Printf("    Kind:       %s\n", project.WorkspaceRef.Kind)
		if project.WorkspaceRef.GitRemote != "" {
			fmt.Printf("    Remote:     %s\n", project.WorkspaceRef.GitRemote)
		}
		if project.WorkspaceRef.GitSubpath != "" {
			fmt.Printf("    Subpath:    %s\n", project.WorkspaceRef.GitSubpath)
		}
		if project.WorkspaceRef.RunnerRepoPath != "" {
			fmt.Printf("    Runner path: %s\n", project.WorkspaceRef.RunnerRepoPath)
		}
		return nil
	},
}

var projectDeleteStartCmd = &cobra.Command{
	Use:   "delete-start PROJECT_ID",
	Short: "Open a deletion window and print the confirmation token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		ticket, err := c.DeleteStart(args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(ticket)
		}
		fmt.Println("Deletion window opened. To erase the project, confirm with:")
		fmt.Printf("  clawlets project delete-confirm %s --token %s --phrase \"delete <project name>\"\n",
			args[0], ticket.Token)
		fmt.Printf("Token expires at %s.\n", fmtTime(ticket.ExpiresAt))
		return nil
	},
}

var projectDeleteConfirmCmd = &cobra.Command{
	Use:   "delete-confirm PROJECT_ID",
	Short: "Confirm deletion and start staged erasure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		phrase, _ := cmd.Flags().GetString("phrase")

		c := apiClient(cmd)
		defer c.Close()
		job, err := c.DeleteConfirm(args[0], token, phrase)
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

var projectDeleteStatusCmd = &cobra.Command{
	Use:   "delete-status PROJECT_ID",
	Short: "Show the project's deletion progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		job, err := c.DeleteStatus(args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(job)
		}
		fmt.Printf("Deletion job %s\n", job.ID)
		fmt.Printf("  Status:    %s\n", job.Status)
		fmt.Printf("  Stage:     %s\n", job.Stage)
		fmt.Printf("  Processed: %d rows\n", job.Processed)
		if job.LastError != "" {
			fmt.Printf("  Last error: %s\n", job.LastError)
		}
		if job.CompletedAt != nil {
			fmt.Printf("  Completed: %s\n", fmtTimePtr(job.CompletedAt))
		}
		return nil
	},
}

func init() {
	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectDeleteStartCmd)
	projectCmd.AddCommand(projectDeleteConfirmCmd)
	projectCmd.AddCommand(projectDeleteStatusCmd)

	projectCreateCmd.Flags().String("mode", "remote_runner", "Execution mode: local or remote_runner")
	projectCreateCmd.Flags().String("git-remote", "", "Git remote of the deployment repository")
	projectCreateCmd.Flags().String("git-subpath", "", "Subdirectory within the repository")
	projectCreateCmd.Flags().String("runner-repo-path", "", "Checkout path on the runner (required for remote_runner)")
	projectCreateCmd.Flags().String("local-path-hash", "", "Hash of the local workspace path")

	projectDeleteConfirmCmd.Flags().String("token", "", "Confirmation token from delete-start")
	projectDeleteConfirmCmd.Flags().String("phrase", "", `Confirmation phrase: "delete <project name>"`)
	_ = projectDeleteConfirmCmd.MarkFlagRequired("token")
	_ = projectDeleteConfirmCmd.MarkFlagRequired("phrase")
}

// Member commands
var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Manage project members",
}

var memberAddCmd = &cobra.Command{
	Use:   "add PROJECT_ID USER_ID ROLE",
	Short: "Grant a user a role on a project",
	Long: `Grant a user a role on a project. Roles are owner, admin, and
viewer; only admins and the owner can change membership.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		member, err := c.AddMember(args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(member)
		}
		fmt.Printf("✓ %s added as %s\n", member.UserID, member.Role)
		return nil
	},
}

var memberRemoveCmd = &cobra.Command{
	Use:   "remove PROJECT_ID USER_ID",
	Short: "Remove a user from a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		if err := c.RemoveMember(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ %s removed\n", args[1])
		return nil
	},
}

var memberListCmd = &cobra.Command{
	Use:   "list PROJECT_ID",
	Short: "List project members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		members, err := c.ListMembers(args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(members)
		}
		fmt.Printf("%-20s  %-8s  %s\n", "USER", "ROLE", "SINCE")
		for _, m := range members {
			fmt.Printf("%-20s  %-8s  %s\n", m.UserID, m.Role, fmtTime(m.CreatedAt))
		}
		return nil
	},
}

func init() {
	memberCmd.AddCommand(memberAddCmd)
	memberCmd.AddCommand(memberRemoveCmd)
	memberCmd.AddCommand(memberListCmd)
}

// Policy commands
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage retention policies",
}

var policySetCmd = &cobra.Command{
	Use:   "set PROJECT_ID DAYS",
	Short: "Set the retention window in days (0 keeps forever)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var days int
		if _, err := fmt.Sscanf(args[1], "%d", &days); err != nil {
			return fmt.Errorf("days must be a number: %q", args[1])
		}
		c := apiClient(cmd)
		defer c.Close()
		policy, err := c.SetRetentionPolicy(args[0], days)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(policy)
		}
		fmt.Printf("✓ Retention set to %d days\n", policy.RetentionDays)
		return nil
	},
}

var policyGetCmd = &cobra.Command{
	Use:   "get PROJECT_ID",
	Short: "Show the retention policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		policy, err := c.GetRetentionPolicy(args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(policy)
		}
		if policy.RetentionDays == 0 {
			fmt.Println("Retention: keep forever")
		} else {
			fmt.Printf("Retention: %d days\n", policy.RetentionDays)
		}
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policySetCmd)
	policyCmd.AddCommand(policyGetCmd)
}

// Audit commands
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list PROJECT_ID",
	Short: "List audit entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")

		c := apiClient(cmd)
		defer c.Close()
		entries, next, err := c.QueryAuditLog(args[0], cursor, limit)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(map[string]interface{}{"entries": entries, "nextCursor": next})
		}
		fmt.Printf("%-20s  %-16s  %-24s  %s\n", "TIME", "USER", "ACTION", "TARGET")
		for _, e := range entries {
			target := "-"
			if e.Target != nil {
				target = string(e.Target.Kind)
				if e.Target.Name != "" {
					target += ":" + e.Target.Name
				} else if e.Target.ID != "" {
					target += ":" + e.Target.ID
				}
			}
			fmt.Printf("%-20s  %-16s  %-24s  %s\n", fmtTime(e.TS), e.UserID, e.Action, target)
		}
		if next != "" {
			fmt.Printf("\nMore entries: --cursor %s\n", next)
		}
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditListCmd)
	auditListCmd.Flags().Int("limit", 50, "Entries per page")
	auditListCmd.Flags().String("cursor", "", "Resume cursor from a previous page")
}
