/*
Package client provides a Go client library for the operator HTTP API.

The client package wraps the control plane's JSON API with a convenient,
idiomatic Go interface. It handles request encoding, bearer token
authentication, response decoding, and rebuilds the server's coded
errors so callers can branch on them with the errdefs helpers.

# Architecture

The client provides a high-level interface to the operator API:

	┌──────────────────── APPLICATION CODE ──────────────────────┐
	│                                                            │
	│  import "github.com/clawlets/clawlets/pkg/client"          │
	│                                                            │
	│  cl := client.NewClientWithToken("http://cp:8420", tok)    │
	│  project, err := cl.CreateProject(...)                     │
	│                                                            │
	└──────────────────┬─────────────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ─────────────────────────┐
	│                                                            │
	│  ┌──────────────────────────────────────────────┐          │
	│  │           Client Wrapper                     │          │
	│  │  - One method per operation                  │          │
	│  │  - Wire structs with camelCase JSON          │          │
	│  │  - Cursor paging helpers                     │          │
	│  │  - errdefs error mapping                     │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │            HTTP/JSON transport               │          │
	│  │  - Bearer token authentication               │          │
	│  │  - 10 second request timeout                 │          │
	│  │  - Bounded response reads                    │          │
	│  └──────────────────┬───────────────────────────┘          │
	└─────────────────────┼──────────────────────────────────────┘
	                      │ HTTP (port 8420)
	                      ▼
	               Control Plane API

# Core Features

Transport:
  - Bearer token on every request
  - Connection reuse through one http.Client
  - Per-request 10 second timeout
  - Response reads bounded at 32 MiB

Type Safety:
  - Wire structs mirroring the server's JSON exactly
  - Optional timestamps as nil pointers
  - Opaque paging cursors as plain strings

Error Handling:
  - Server error envelopes rebuilt as errdefs errors
  - errdefs.IsNotFound and friends work client-side
  - Uncoded answers classified by HTTP status

# Usage

Creating a client:

	import "github.com/clawlets/clawlets/pkg/client"

	cl := client.NewClientWithToken("http://localhost:8420", token)
	defer cl.Close()

Against a development server with auth disabled:

	cl := client.NewClient("http://localhost:8420")
	defer cl.Close()

# Project Operations

Creating a project:

	project, err := cl.CreateProject(client.CreateProjectRequest{
		Name:          "shop",
		ExecutionMode: "remote_runner",
		WorkspaceRef: client.WorkspaceRef{
			Kind:           "git",
			GitRemote:      "git@example.com:shop/deploy.git",
			RunnerRepoPath: "/srv/deploy",
		},
	})

Listing and fetching:

	projects, err := cl.ListProjects()
	project, err := cl.GetProject(projectID)

Membership and retention policy:

	member, err := cl.AddMember(projectID, "bob", "viewer")
	err = cl.RemoveMember(projectID, "bob")
	policy, err := cl.SetRetentionPolicy(projectID, 30)

# Runner Operations

Registering a runner and minting its token:

	runner, err := cl.RegisterRunner(projectID, "runner-eu-1")
	issued, err := cl.IssueRunnerToken(projectID, runner.ID, 24*time.Hour)
	fmt.Println(issued.Token) // plaintext shown exactly once

Token lifecycle:

	tokens, err := cl.ListRunnerTokens(projectID, runner.ID)
	err = cl.RevokeRunnerToken(projectID, tokens[0].ID)

# Job Operations

Enqueueing and tracking a job:

	job, err := cl.Enqueue(projectID, client.EnqueueRequest{
		Kind:  "deploy_host",
		Title: "deploy web-1",
		Host:  "web-1",
	})
	job, err = cl.GetJob(projectID, job.ID)
	job, err = cl.CancelJob(projectID, job.ID)

Sealed-input jobs run in two steps. Reserve returns the target
runner's published key material; the caller encrypts against it and
finalizes before the reservation expires:

	res, err := cl.ReserveSealedInput(projectID, client.EnqueueRequest{
		Kind:           "deploy_host",
		Host:           "web-1",
		TargetRunnerID: runner.ID,
	})
	sealed := sealFor(res.Alg, res.KeyID, res.PublicKeySPKI, payload)
	job, err := cl.FinalizeSealedEnqueue(projectID, res.JobID, client.FinalizeRequest{
		Kind:           "deploy_host",
		SealedInputB64: sealed,
		Alg:            res.Alg,
		KeyID:          res.KeyID,
	})

Paging through jobs:

	cursor := ""
	for {
		jobs, next, err := cl.ListJobs(projectID, "", cursor, 100)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-10s  %s\n", j.ID, j.Status, j.Kind)
		}
		if next == "" {
			break
		}
		cursor = next
	}

# Run Operations

Runs group the jobs of one deployment; run events are the log:

	runs, _, err := cl.ListRuns(projectID, "", 20)
	events, _, err := cl.ListRunEvents(projectID, runID, "", 500)

Results are read-once. The first take consumes the row; later takes
answer nil:

	taken, err := cl.TakeResult(projectID, runID, jobID)
	if taken == nil {
		fmt.Println("no result available")
	} else if taken.JSON != nil {
		json.Unmarshal(taken.JSON, &report)
	} else {
		process(taken.Blob) // large variant, already decoded
	}

# Deletion Operations

Project deletion is a two-step handshake; the confirm phrase repeats
the project name:

	ticket, err := cl.DeleteStart(projectID)
	job, err := cl.DeleteConfirm(projectID, ticket.Token, "delete shop")
	job, err = cl.DeleteStatus(projectID)

# Error Handling

Every coded server error crosses the wire and is rebuilt, so the same
checks work on both sides:

	_, err := cl.GetProject(id)
	switch {
	case errdefs.IsNotFound(err):
		fmt.Println("no such project")
	case errdefs.IsForbidden(err):
		fmt.Println("membership required")
	case errdefs.IsRateLimited(err):
		time.Sleep(time.Second) // back off and retry
	case err != nil:
		log.Fatal(err)
	}

Answers that do not carry an envelope, such as a proxy error page, are
classified by their HTTP status so the same switch still works through
intermediaries.

# Maintenance Operations

The server exposes these only when maintenance routes are enabled:

	purged, err := cl.PurgeExpiredResults()
	report, err := cl.RetentionSweep()
	job, err := cl.PurgeTenant(projectID)
	counts, err := cl.BackfillIndexes()

# Thread Safety

The client is safe for concurrent use. It wraps one http.Client, which
pools connections internally, and keeps no mutable state of its own.

# See Also

  - pkg/api for the server-side routes
  - pkg/errdefs for the error codes
  - cmd/clawlets for CLI usage examples
*/
package client
