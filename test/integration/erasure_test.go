package integration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/clawlets/clawlets/pkg/client"
	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/test/framework"
)

// erasureWaiter is sized for staged erasure, which walks every table
// with spaced steps.
func erasureWaiter() *framework.Waiter {
	return framework.NewWaiter(60*time.Second, 200*time.Millisecond)
}

// seedTenantData pushes a job through the pipeline so erasure has rows
// in runs, events, jobs, results, and blobs to destroy.
func seedTenantData(t *testing.T, h *framework.Harness, c *framework.Client, tenant *framework.Tenant) {
	t.Helper()

	runner := framework.NewRunner(h.BaseURL(), tenant.Project.ID, tenant.Token, tenant.Runner.Name)
	if err := runner.Heartbeat(&client.Capabilities{}); err != nil {
		t.Fatalf("Runner heartbeat failed: %v", err)
	}
	job, err := c.EnqueueSimple(tenant.Project.ID, "deploy", "Seed deploy")
	if err != nil {
		t.Fatalf("Failed to enqueue job: %v", err)
	}
	leased, err := runner.LeaseNext(30 * time.Second)
	if err != nil || leased == nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if err := runner.AppendEvents(job.RunID, []client.RunEvent{
		framework.Event("info", "build", "Building"),
	}); err != nil {
		t.Fatalf("Failed to append events: %v", err)
	}
	storageID, size, err := runner.UploadResult([]byte("large result payload"))
	if err != nil {
		t.Fatalf("Failed to upload result: %v", err)
	}
	if err := runner.CompleteWithBlob(leased.ID, leased.LeaseID, storageID, size); err != nil {
		t.Fatalf("Failed to complete job: %v", err)
	}
}

// TestProjectErasure walks the two-step deletion protocol and checks the
// tenant is gone afterwards, including its runner credentials.
func TestProjectErasure(t *testing.T) {
	h, c := newHarness(t, nil)
	ctx := context.Background()

	tenant, err := c.BootstrapTenant("doomed")
	if err != nil {
		t.Fatalf("Failed to bootstrap tenant: %v", err)
	}
	seedTenantData(t, h, c, tenant)

	ticket, err := c.DeleteStart(tenant.Project.ID)
	if err != nil {
		t.Fatalf("Failed to start deletion: %v", err)
	}
	if ticket.Token == "" {
		t.Fatal("Deletion ticket carries no token")
	}

	// A wrong phrase is rejected before the token is consumed.
	_, err = c.DeleteConfirm(tenant.Project.ID, ticket.Token, "delete something-else")
	if !errdefs.IsConflict(err) {
		t.Fatalf("Wrong phrase answered %v, expected conflict", err)
	}

	deletion, err := c.DeleteConfirm(tenant.Project.ID, ticket.Token, "delete doomed")
	if err != nil {
		t.Fatalf("Failed to confirm deletion with the same token: %v", err)
	}
	if deletion.Status != "pending" && deletion.Status != "running" {
		t.Fatalf("Fresh deletion job has status %s", deletion.Status)
	}
	t.Logf("Deletion job %s confirmed", deletion.ID)

	waiter := erasureWaiter()
	if err := waiter.WaitForDeletionComplete(ctx, c.Client, tenant.Project.ID); err != nil {
		t.Fatal(err)
	}
	if err := waiter.WaitForProjectGone(ctx, c.Client, tenant.Project.ID); err != nil {
		t.Fatal(err)
	}
	t.Logf("✓ Project erased")

	// Runner credentials died with the tenant.
	runner := framework.NewRunner(h.BaseURL(), tenant.Project.ID, tenant.Token, tenant.Runner.Name)
	if err := runner.Heartbeat(&client.Capabilities{}); err == nil {
		t.Fatal("Runner token survived erasure")
	}

	// The requester can still read the terminal deletion job.
	final, err := c.DeleteStatus(tenant.Project.ID)
	if err != nil {
		t.Fatalf("Deletion status unreadable after completion: %v", err)
	}
	if final.Status != "completed" || final.Stage != "done" {
		t.Fatalf("Deletion finished at status=%s stage=%s", final.Status, final.Stage)
	}
}

// TestErasureResumesAfterRestart confirms a deletion job interrupted by
// a process restart picks up from its persisted stage cursor.
func TestErasureResumesAfterRestart(t *testing.T) {
	h, c := newHarness(t, nil)
	ctx := context.Background()

	tenant, err := c.BootstrapTenant("phoenix")
	if err != nil {
		t.Fatalf("Failed to bootstrap tenant: %v", err)
	}
	seedTenantData(t, h, c, tenant)

	ticket, err := c.DeleteStart(tenant.Project.ID)
	if err != nil {
		t.Fatalf("Failed to start deletion: %v", err)
	}
	if _, err := c.DeleteConfirm(tenant.Project.ID, ticket.Token, "delete phoenix"); err != nil {
		t.Fatalf("Failed to confirm deletion: %v", err)
	}

	// Restart mid-erasure. The job is staged, so the new process must
	// resume it without another confirm.
	time.Sleep(700 * time.Millisecond)
	if err := h.Restart(); err != nil {
		t.Fatalf("Failed to restart harness: %v", err)
	}
	t.Logf("Restarted control plane mid-deletion")

	c2 := framework.NewClient(h.OperatorClient())
	defer c2.Close()

	waiter := erasureWaiter()
	if err := waiter.WaitForDeletionComplete(ctx, c2.Client, tenant.Project.ID); err != nil {
		t.Fatal(err)
	}
	if err := waiter.WaitForProjectGone(ctx, c2.Client, tenant.Project.ID); err != nil {
		t.Fatal(err)
	}
	t.Logf("✓ Deletion resumed and completed after restart")
}

// TestDeletionBlocksMetadataSync checks that a project with an active
// deletion job refuses runner metadata, so erasure never races fresh
// rows into tables it already cleared.
func TestDeletionBlocksMetadataSync(t *testing.T) {
	h, c := newHarness(t, nil)

	tenant, err := c.BootstrapTenant("frozen")
	if err != nil {
		t.Fatalf("Failed to bootstrap tenant: %v", err)
	}
	runner := framework.NewRunner(h.BaseURL(), tenant.Project.ID, tenant.Token, tenant.Runner.Name)
	if err := runner.Heartbeat(&client.Capabilities{}); err != nil {
		t.Fatalf("Runner heartbeat failed: %v", err)
	}

	ticket, err := c.DeleteStart(tenant.Project.ID)
	if err != nil {
		t.Fatalf("Failed to start deletion: %v", err)
	}
	if _, err := c.DeleteConfirm(tenant.Project.ID, ticket.Token, "delete frozen"); err != nil {
		t.Fatalf("Failed to confirm deletion: %v", err)
	}

	_, err = runner.SyncMetadata(framework.MetadataSync{
		Hosts: map[string]client.HostSummary{"web-1": {ServiceCount: 1}},
	})
	if err == nil {
		t.Fatal("Metadata sync succeeded on a project under deletion")
	}
	if !strings.Contains(err.Error(), "deletion in progress") {
		t.Fatalf("Sync failed with %v, expected the deletion guard", err)
	}
	t.Logf("✓ Sync refused while deletion holds the project")
}
