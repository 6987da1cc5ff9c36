package framework

import (
	"github.com/clawlets/clawlets/pkg/errdefs"
)

// TestingT is an interface matching testing.T
type TestingT interface {
	Logf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	FailNow()
	Failed() bool
	Name() string
	Helper()
}

// Assertions provides test assertion helpers
type Assertions struct {
	t TestingT
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT) *Assertions {
	return &Assertions{t: t}
}

// JobStatus asserts that a job currently has the expected status
func (a *Assertions) JobStatus(c *Client, projectID, jobID, expected string) {
	a.t.Helper()

	job, err := c.GetJob(projectID, jobID)
	if err != nil {
		a.t.Fatalf("Failed to get job %s: %v", jobID, err)
	}
	if job.Status != expected {
		a.t.Fatalf("Job %s has status %s, expected %s", jobID, job.Status, expected)
	}
}

// RunStatus asserts that a run currently has the expected status
func (a *Assertions) RunStatus(c *Client, projectID, runID, expected string) {
	a.t.Helper()

	run, err := c.GetRun(projectID, runID)
	if err != nil {
		a.t.Fatalf("Failed to get run %s: %v", runID, err)
	}
	if run.Status != expected {
		a.t.Fatalf("Run %s has status %s, expected %s", runID, run.Status, expected)
	}
}

// ProjectExists asserts that a project exists
func (a *Assertions) ProjectExists(c *Client, projectID string) {
	a.t.Helper()

	if _, err := c.GetProject(projectID); err != nil {
		a.t.Fatalf("Project %s does not exist: %v", projectID, err)
	}
}

// ProjectGone asserts that a project has been erased
func (a *Assertions) ProjectGone(c *Client, projectID string) {
	a.t.Helper()

	_, err := c.GetProject(projectID)
	if err == nil {
		a.t.Fatalf("Project %s still exists, expected it to be erased", projectID)
	}
	if !errdefs.IsNotFound(err) {
		a.t.Fatalf("Unexpected error checking project %s: %v", projectID, err)
	}
}

// AuditContains asserts that the project audit log records an action
func (a *Assertions) AuditContains(c *Client, projectID, action string) {
	a.t.Helper()

	cursor := ""
	for {
		entries, next, err := c.QueryAuditLog(projectID, cursor, 200)
		if err != nil {
			a.t.Fatalf("Failed to query audit log for %s: %v", projectID, err)
		}
		for _, e := range entries {
			if e.Action == action {
				return
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	a.t.Fatalf("Audit log for %s has no %q entry", projectID, action)
}

// MemberCount asserts the number of members on a project
func (a *Assertions) MemberCount(c *Client, projectID string, expected int) {
	a.t.Helper()

	members, err := c.ListMembers(projectID)
	if err != nil {
		a.t.Fatalf("Failed to list members for %s: %v", projectID, err)
	}
	if len(members) != expected {
		a.t.Fatalf("Project %s has %d members, expected %d", projectID, len(members), expected)
	}
}

// NoError fails the test immediately when err is non-nil
func (a *Assertions) NoError(err error, context string) {
	a.t.Helper()

	if err != nil {
		a.t.Fatalf("%s: %v", context, err)
	}
}
