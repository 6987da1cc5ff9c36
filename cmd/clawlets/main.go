package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawlets/clawlets/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "clawlets",
	Short: "Clawlets - control plane for self-hosted deployment fleets",
	Long: `Clawlets is the control plane of a deployment fleet: a transactional
job queue with lease-based execution, sealed-input envelopes for
secrets, token-authenticated runners, and staged tenant erasure,
delivered as a single binary backed by one bbolt file.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Clawlets version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("api", envOr("CLAWLETS_API", "http://localhost:8420"), "Control plane base URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("CLAWLETS_TOKEN"), "Operator bearer token")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table or json")

	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(memberCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(runnerCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(draftCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(serveCmd)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// apiClient builds a client from the global flags.
func apiClient(cmd *cobra.Command) *client.Client {
	base, _ := cmd.Flags().GetString("api")
	token, _ := cmd.Flags().GetString("token")
	return client.NewClientWithToken(base, token)
}

// jsonOutput reports whether -o json was requested.
func jsonOutput(cmd *cobra.Command) bool {
	out, _ := cmd.Flags().GetString("output")
	return out == "json"
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// fmtTime renders a timestamp for table output.
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// fmtTimePtr renders an optional timestamp for table output.
func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmtTime(*t)
}

// orDash substitutes "-" for empty strings in table cells.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
