package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// Runner commands
var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Manage runners",
}

var runnerRegisterCmd = &cobra.Command{
	Use:   "register PROJECT_ID NAME",
	Short: "Register a runner on a project",
	Long: `Register a runner on a project. Registration creates the identity
only; issue a token afterwards and configure the runner with it:

  clawlets runner register <project> runner-eu-1
  clawlets token issue <project> <runner-id> --ttl 24h`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		runner, err := c.RegisterRunner(args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(runner)
		}
		fmt.Printf("✓ Runner '%s' registered\n", runner.Name)
		fmt.Printf("  ID: %s\n", runner.ID)
		return nil
	},
}

var runnerListCmd = &cobra.Command{
	Use:   "list PROJECT_ID",
	Short: "List a project's runners",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		runners, err := c.ListRunners(args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(runners)
		}
		if len(runners) == 0 {
			fmt.Println("No runners")
			return nil
		}
		fmt.Printf("%-36s  %-20s  %-8s  %-7s  %s\n", "ID", "NAME", "STATUS", "SEALED", "LAST SEEN")
		for _, r := range runners {
			sealed := "no"
			if r.Capabilities.SupportsSealedInput {
				sealed = "yes"
			}
			fmt.Printf("%-36s  %-20s  %-8s  %-7s  %s\n",
				r.ID, r.Name, r.LastStatus, sealed, fmtTimePtr(r.LastSeenAt))
		}
		return nil
	},
}

func init() {
	runnerCmd.AddCommand(runnerRegisterCmd)
	runnerCmd.AddCommand(runnerListCmd)
}

// Token commands
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage runner tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue PROJECT_ID RUNNER_ID",
	Short: "Issue a runner token",
	Long: `Issue a bearer token for a runner. The plaintext is printed exactly
once; the server stores only a hash. A zero TTL issues a token that
never expires.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")

		c := apiClient(cmd)
		defer c.Close()
		issued, err := c.IssueRunnerToken(args[0], args[1], ttl)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(issued)
		}
		fmt.Printf("✓ Token issued (id %s)\n", issued.ID)
		fmt.Printf("  Token: %s\n", issued.Token)
		if issued.ExpiresAt != nil {
			fmt.Printf("  Expires: %s\n", fmtTimePtr(issued.ExpiresAt))
		} else {
			fmt.Println("  Expires: never")
		}
		fmt.Println("\nStore it now; it cannot be shown again.")
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list PROJECT_ID RUNNER_ID",
	Short: "List a runner's tokens",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		tokens, err := c.ListRunnerTokens(args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(tokens)
		}
		if len(tokens) == 0 {
			fmt.Println("No tokens")
			return nil
		}
		fmt.Printf("%-36s  %-20s  %-20s  %s\n", "ID", "EXPIRES", "LAST USED", "REVOKED")
		for _, t := range tokens {
			expires := "never"
			if t.ExpiresAt != nil {
				expires = fmtTimePtr(t.ExpiresAt)
			}
			revoked := "-"
			if t.RevokedAt != nil {
				revoked = fmtTimePtr(t.RevokedAt)
			}
			fmt.Printf("%-36s  %-20s  %-20s  %s\n", t.ID, expires, fmtTimePtr(t.LastUsedAt), revoked)
		}
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke PROJECT_ID TOKEN_ID",
	Short: "Revoke a runner token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		defer c.Close()
		if err := c.RevokeRunnerToken(args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("✓ Token revoked")
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)

	tokenIssueCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
}
