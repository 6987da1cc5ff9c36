package framework

import (
	"fmt"
	"time"

	"github.com/clawlets/clawlets/pkg/client"
)

// Client wraps the API client with test-friendly bootstrap methods
type Client struct {
	*client.Client
}

// NewClient creates a new test client wrapper
func NewClient(c *client.Client) *Client {
	return &Client{Client: c}
}

// Tenant bundles the resources BootstrapTenant creates
type Tenant struct {
	// Project is the created project
	Project *client.Project
	// Runner is the registered runner
	Runner *client.Runner
	// Token is the plaintext runner token
	Token string
}

// BootstrapTenant creates a project with one registered runner and a
// valid runner token, the starting point of most integration tests.
func (c *Client) BootstrapTenant(name string) (*Tenant, error) {
	project, err := c.CreateProject(client.CreateProjectRequest{
		Name:          name,
		ExecutionMode: "remote_runner",
		WorkspaceRef: client.WorkspaceRef{
			Kind:           "git",
			GitRemote:      "git@git.example.com:fleet/" + name + ".git",
			RunnerRepoPath: "clusters/" + name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	runner, err := c.RegisterRunner(project.ID, name+"-runner")
	if err != nil {
		return nil, fmt.Errorf("failed to register runner: %w", err)
	}

	issued, err := c.IssueRunnerToken(project.ID, runner.ID, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to issue runner token: %w", err)
	}

	return &Tenant{
		Project: project,
		Runner:  runner,
		Token:   issued.Token,
	}, nil
}

// EnqueueSimple enqueues a job with just a kind and title, returning it
func (c *Client) EnqueueSimple(projectID, kind, title string) (*client.Job, error) {
	return c.Enqueue(projectID, client.EnqueueRequest{
		Kind:  kind,
		Title: title,
	})
}
