package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/clawlets/clawlets/pkg/client"
	"github.com/clawlets/clawlets/pkg/errdefs"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter tuned for the in-process harness (15s
// timeout, 50ms interval)
func DefaultWaiter() *Waiter {
	return NewWaiter(15*time.Second, 50*time.Millisecond)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForJobStatus waits for a job to reach a specific status
func (w *Waiter) WaitForJobStatus(ctx context.Context, c *client.Client, projectID, jobID, status string) error {
	return w.WaitFor(ctx, func() bool {
		job, err := c.GetJob(projectID, jobID)
		if err != nil {
			return false
		}
		return job.Status == status
	}, fmt.Sprintf("job %s to reach status %s", jobID, status))
}

// WaitForRunStatus waits for a run to reach a specific status
func (w *Waiter) WaitForRunStatus(ctx context.Context, c *client.Client, projectID, runID, status string) error {
	return w.WaitFor(ctx, func() bool {
		run, err := c.GetRun(projectID, runID)
		if err != nil {
			return false
		}
		return run.Status == status
	}, fmt.Sprintf("run %s to reach status %s", runID, status))
}

// WaitForRunEvents waits for a run to accumulate at least count events
func (w *Waiter) WaitForRunEvents(ctx context.Context, c *client.Client, projectID, runID string, count int) error {
	return w.WaitFor(ctx, func() bool {
		events, _, err := c.ListRunEvents(projectID, runID, "", count)
		if err != nil {
			return false
		}
		return len(events) >= count
	}, fmt.Sprintf("run %s to have %d events", runID, count))
}

// WaitForRunnerStatus waits for a runner to be reported with a status
func (w *Waiter) WaitForRunnerStatus(ctx context.Context, c *client.Client, projectID, runnerID, status string) error {
	return w.WaitFor(ctx, func() bool {
		runners, err := c.ListRunners(projectID)
		if err != nil {
			return false
		}
		for _, r := range runners {
			if r.ID == runnerID {
				return r.LastStatus == status
			}
		}
		return false
	}, fmt.Sprintf("runner %s to reach status %s", runnerID, status))
}

// WaitForDeletionComplete waits for a project's staged erasure to finish.
// Erasure walks every table with spaced steps, so this wait is the
// longest one; size the waiter timeout accordingly.
func (w *Waiter) WaitForDeletionComplete(ctx context.Context, c *client.Client, projectID string) error {
	return w.WaitFor(ctx, func() bool {
		job, err := c.DeleteStatus(projectID)
		if err != nil {
			return false
		}
		return job.Status == "completed"
	}, fmt.Sprintf("project %s deletion to complete", projectID))
}

// WaitForProjectGone waits for a project row to disappear
func (w *Waiter) WaitForProjectGone(ctx context.Context, c *client.Client, projectID string) error {
	return w.WaitFor(ctx, func() bool {
		_, err := c.GetProject(projectID)
		return errdefs.IsNotFound(err)
	}, fmt.Sprintf("project %s to be erased", projectID))
}

// PollUntil polls a condition until it returns true or context is cancelled
func PollUntil(ctx context.Context, interval time.Duration, condition func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// Retry retries an operation with exponential backoff
func Retry(ctx context.Context, attempts int, initialDelay time.Duration, operation func() error) error {
	var err error
	delay := initialDelay

	for i := 0; i < attempts; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
				delay = delay * 2
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}
