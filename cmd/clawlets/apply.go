package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/clawlets/clawlets/pkg/client"
	"github.com/clawlets/clawlets/pkg/errdefs"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a project manifest",
	Long: `Apply a project manifest from a YAML file. The manifest describes a
project with its members, retention policy, and runners; apply creates
whatever is missing and leaves what already exists alone, so it is safe
to run repeatedly.

Examples:
  # Bootstrap a project
  clawlets apply -f project.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Manifest is the YAML document apply consumes.
type Manifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ManifestMetadata `yaml:"metadata"`
	Spec       ProjectSpec      `yaml:"spec"`
}

type ManifestMetadata struct {
	Name string `yaml:"name"`
}

// ProjectSpec is the declarative shape of one project.
type ProjectSpec struct {
	ExecutionMode string        `yaml:"executionMode"`
	Workspace     WorkspaceSpec `yaml:"workspace"`
	RetentionDays *int          `yaml:"retentionDays,omitempty"`
	Members       []MemberSpec  `yaml:"members,omitempty"`
	Runners       []RunnerSpec  `yaml:"runners,omitempty"`
}

type WorkspaceSpec struct {
	GitRemote      string `yaml:"gitRemote,omitempty"`
	GitSubpath     string `yaml:"gitSubpath,omitempty"`
	RunnerRepoPath string `yaml:"runnerRepoPath,omitempty"`
	LocalPathHash  string `yaml:"localPathHash,omitempty"`
}

type MemberSpec struct {
	UserID string `yaml:"userId"`
	Role   string `yaml:"role"`
}

type RunnerSpec struct {
	Name string `yaml:"name"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if manifest.Kind != "Project" {
		return fmt.Errorf("unsupported manifest kind: %q", manifest.Kind)
	}
	if manifest.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}

	c := apiClient(cmd)
	defer c.Close()
	return applyProject(c, &manifest)
}

// applyProject reconciles the manifest against the server. Creation
// conflicts mean the resource already exists and are not failures.
func applyProject(c *client.Client, m *Manifest) error {
	ref := client.WorkspaceRef{
		GitRemote:      m.Spec.Workspace.GitRemote,
		GitSubpath:     m.Spec.Workspace.GitSubpath,
		RunnerRepoPath: m.Spec.Workspace.RunnerRepoPath,
		LocalPathHash:  m.Spec.Workspace.LocalPathHash,
	}
	if ref.GitRemote != "" {
		ref.Kind = "git"
	} else {
		ref.Kind = "local"
	}

	project, err := c.CreateProject(client.CreateProjectRequest{
		Name:          m.Metadata.Name,
		ExecutionMode: m.Spec.ExecutionMode,
		WorkspaceRef:  ref,
	})
	switch {
	case err == nil:
		fmt.Printf("✓ Project '%s' created (%s)\n", project.Name, project.ID)
	case errdefs.IsConflict(err):
		project, err = findProjectByName(c, m.Metadata.Name)
		if err != nil {
			return err
		}
		fmt.Printf("• Project '%s' exists (%s)\n", project.Name, project.ID)
	default:
		return err
	}

	for _, member := range m.Spec.Members {
		_, err := c.AddMember(project.ID, member.UserID, member.Role)
		switch {
		case err == nil:
			fmt.Printf("✓ Member %s added as %s\n", member.UserID, member.Role)
		case errdefs.IsConflict(err):
			fmt.Printf("• Member %s already present\n", member.UserID)
		default:
			return fmt.Errorf("member %s: %w", member.UserID, err)
		}
	}

	if m.Spec.RetentionDays != nil {
		policy, err := c.SetRetentionPolicy(project.ID, *m.Spec.RetentionDays)
		if err != nil {
			return fmt.Errorf("retention policy: %w", err)
		}
		fmt.Printf("✓ Retention set to %d days\n", policy.RetentionDays)
	}

	existing := make(map[string]bool)
	if len(m.Spec.Runners) > 0 {
		runners, err := c.ListRunners(project.ID)
		if err != nil {
			return err
		}
		for _, r := range runners {
			existing[r.Name] = true
		}
	}
	for _, runner := range m.Spec.Runners {
		if existing[runner.Name] {
			fmt.Printf("• Runner %s already registered\n", runner.Name)
			continue
		}
		registered, err := c.RegisterRunner(project.ID, runner.Name)
		if err != nil {
			return fmt.Errorf("runner %s: %w", runner.Name, err)
		}
		fmt.Printf("✓ Runner %s registered (%s)\n", registered.Name, registered.ID)
		fmt.Printf("  Issue its token with: clawlets token issue %s %s\n", project.ID, registered.ID)
	}

	return nil
}

// findProjectByName resolves a project the caller belongs to by name.
func findProjectByName(c *client.Client, name string) (*client.Project, error) {
	projects, err := c.ListProjects()
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if projects[i].Name == name {
			return &projects[i], nil
		}
	}
	return nil, fmt.Errorf("project %q exists but you are not a member", name)
}
