package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/clawlets/clawlets/pkg/types"
)

// ErrNotFound reports a missing row. Callers translate it into their API
// error vocabulary; storage itself stays neutral.
var ErrNotFound = errors.New("not found")

var (
	// Row buckets
	bucketProjects           = []byte("projects")
	bucketProjectMembers     = []byte("project_members")
	bucketProjectPolicies    = []byte("project_policies")
	bucketRunners            = []byte("runners")
	bucketRunnerTokens       = []byte("runner_tokens")
	bucketRuns               = []byte("runs")
	bucketRunEvents          = []byte("run_events")
	bucketJobs               = []byte("jobs")
	bucketCommandResults     = []byte("command_results")
	bucketCommandResultBlobs = []byte("command_result_blobs")
	bucketSetupDrafts        = []byte("setup_drafts")
	bucketProviders          = []byte("providers")
	bucketProjectCredentials = []byte("project_credentials")
	bucketHosts              = []byte("hosts")
	bucketGateways           = []byte("gateways")
	bucketProjectConfigs     = []byte("project_configs")
	bucketSecretWiring       = []byte("secret_wiring")
	bucketAuditLogs          = []byte("audit_logs")
	bucketDeletionJobs       = []byte("deletion_jobs")
	bucketDeletionTokens     = []byte("deletion_tokens")
	bucketRetentionSweeps    = []byte("retention_sweeps")

	// Index buckets. Keys are composite (see keys.go), values are the
	// primary key of the indexed row.
	bucketIdxJobsTarget    = []byte("idx_jobs_target")    // runnerID / createdAt / jobID
	bucketIdxJobsQueued    = []byte("idx_jobs_queued")    // projectID / createdAt / jobID
	bucketIdxJobsSealed    = []byte("idx_jobs_sealed")    // projectID / sealedExpiresAt / jobID
	bucketIdxJobsLease     = []byte("idx_jobs_lease")     // projectID / status / leaseExpiresAt / jobID
	bucketIdxJobsProject   = []byte("idx_jobs_project")   // projectID / createdAt / jobID
	bucketIdxRunsProject   = []byte("idx_runs_project")   // projectID / createdAt / runID
	bucketIdxEventsProject = []byte("idx_events_project") // projectID / ts / runID / eventID
	bucketIdxAuditProject  = []byte("idx_audit_project")  // projectID / ts / entryID
	bucketIdxResultsExpiry = []byte("idx_results_expiry") // expiresAt / jobID
	bucketIdxBlobsExpiry   = []byte("idx_blobs_expiry")   // expiresAt / jobID
	bucketIdxTokensHash    = []byte("idx_tokens_hash")    // tokenHash -> tokenID
)

var allBuckets = [][]byte{
	bucketProjects,
	bucketProjectMembers,
	bucketProjectPolicies,
	bucketRunners,
	bucketRunnerTokens,
	bucketRuns,
	bucketRunEvents,
	bucketJobs,
	bucketCommandResults,
	bucketCommandResultBlobs,
	bucketSetupDrafts,
	bucketProviders,
	bucketProjectCredentials,
	bucketHosts,
	bucketGateways,
	bucketProjectConfigs,
	bucketSecretWiring,
	bucketAuditLogs,
	bucketDeletionJobs,
	bucketDeletionTokens,
	bucketRetentionSweeps,
	bucketIdxJobsTarget,
	bucketIdxJobsQueued,
	bucketIdxJobsSealed,
	bucketIdxJobsLease,
	bucketIdxJobsProject,
	bucketIdxRunsProject,
	bucketIdxEventsProject,
	bucketIdxAuditProject,
	bucketIdxResultsExpiry,
	bucketIdxBlobsExpiry,
	bucketIdxTokensHash,
}

// BoltStore is the control-plane state store backed by BoltDB. Every
// engine operation runs inside a single Update transaction, which is what
// makes job leasing and erasure steps atomic.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (or creates) the database under dataDir.
func Open(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "clawlets.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write transaction. The whole fn commits or
// rolls back as one unit.
func (s *BoltStore) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// View runs fn in a read-only transaction.
func (s *BoltStore) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// Tx exposes typed row access inside a transaction. Index buckets are
// maintained by the Put/Delete methods; callers never touch them.
type Tx struct {
	btx *bolt.Tx
}

func (tx *Tx) bucket(name []byte) *bolt.Bucket {
	return tx.btx.Bucket(name)
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// scanPrefix iterates keys with prefix in ascending order. fn returns
// false to stop early.
func scanPrefix(b *bolt.Bucket, prefix []byte, fn func(k, v []byte) (bool, error)) error {
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		cont, err := fn(k, v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// scanPrefixReverse iterates keys with prefix in descending order,
// starting strictly below `before` when it is non-nil.
func scanPrefixReverse(b *bolt.Bucket, prefix, before []byte, fn func(k, v []byte) (bool, error)) error {
	c := b.Cursor()
	var k, v []byte
	switch {
	case before != nil:
		k, _ = c.Seek(before)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	default:
		succ := prefixSuccessor(prefix)
		if succ == nil {
			k, v = c.Last()
		} else {
			k, _ = c.Seek(succ)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
		cont, err := fn(k, v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// deletePrefix removes up to max keys with prefix and reports how many
// went. fn, when non-nil, sees each key before deletion.
func deletePrefix(b *bolt.Bucket, prefix []byte, max int, fn func(k, v []byte) error) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	var keys [][]byte
	err := scanPrefix(b, prefix, func(k, v []byte) (bool, error) {
		if fn != nil {
			if err := fn(k, v); err != nil {
				return false, err
			}
		}
		kc := make([]byte, len(k))
		copy(kc, k)
		keys = append(keys, kc)
		return len(keys) < max, nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// Project operations

func (tx *Tx) PutProject(project *types.Project) error {
	return putJSON(tx.bucket(bucketProjects), []byte(project.ID), project)
}

func (tx *Tx) GetProject(id string) (*types.Project, error) {
	var project types.Project
	if err := getJSON(tx.bucket(bucketProjects), []byte(id), &project); err != nil {
		return nil, fmt.Errorf("project %s: %w", id, err)
	}
	return &project, nil
}

func (tx *Tx) GetProjectByName(name string) (*types.Project, error) {
	var found *types.Project
	err := tx.bucket(bucketProjects).ForEach(func(k, v []byte) error {
		var project types.Project
		if err := json.Unmarshal(v, &project); err != nil {
			return err
		}
		if project.Name == name {
			found = &project
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("project %s: %w", name, ErrNotFound)
	}
	return found, nil
}

func (tx *Tx) ListProjects() ([]*types.Project, error) {
	var projects []*types.Project
	err := tx.bucket(bucketProjects).ForEach(func(k, v []byte) error {
		var project types.Project
		if err := json.Unmarshal(v, &project); err != nil {
			return err
		}
		projects = append(projects, &project)
		return nil
	})
	return projects, err
}

func (tx *Tx) DeleteProject(id string) error {
	return tx.bucket(bucketProjects).Delete([]byte(id))
}

// Project member operations. Rows are keyed projectID/userID so access
// checks are a single Get.

func (tx *Tx) PutProjectMember(member *types.ProjectMember) error {
	key := compositeKey([]byte(member.ProjectID), []byte(member.UserID))
	return putJSON(tx.bucket(bucketProjectMembers), key, member)
}

func (tx *Tx) GetProjectMember(projectID, userID string) (*types.ProjectMember, error) {
	var member types.ProjectMember
	key := compositeKey([]byte(projectID), []byte(userID))
	if err := getJSON(tx.bucket(bucketProjectMembers), key, &member); err != nil {
		return nil, fmt.Errorf("member %s/%s: %w", projectID, userID, err)
	}
	return &member, nil
}

func (tx *Tx) ListProjectMembers(projectID string) ([]*types.ProjectMember, error) {
	var members []*types.ProjectMember
	prefix := compositeKey([]byte(projectID), nil)
	err := scanPrefix(tx.bucket(bucketProjectMembers), prefix, func(k, v []byte) (bool, error) {
		var member types.ProjectMember
		if err := json.Unmarshal(v, &member); err != nil {
			return false, err
		}
		members = append(members, &member)
		return true, nil
	})
	return members, err
}

func (tx *Tx) DeleteProjectMember(projectID, userID string) error {
	key := compositeKey([]byte(projectID), []byte(userID))
	return tx.bucket(bucketProjectMembers).Delete(key)
}

func (tx *Tx) DeleteProjectMembersByProject(projectID string, max int) (int, error) {
	prefix := compositeKey([]byte(projectID), nil)
	return deletePrefix(tx.bucket(bucketProjectMembers), prefix, max, nil)
}

// Project policy operations. One row per project.

func (tx *Tx) PutProjectPolicy(policy *types.ProjectPolicy) error {
	return putJSON(tx.bucket(bucketProjectPolicies), []byte(policy.ProjectID), policy)
}

func (tx *Tx) GetProjectPolicy(projectID string) (*types.ProjectPolicy, error) {
	var policy types.ProjectPolicy
	if err := getJSON(tx.bucket(bucketProjectPolicies), []byte(projectID), &policy); err != nil {
		return nil, fmt.Errorf("policy for %s: %w", projectID, err)
	}
	return &policy, nil
}

func (tx *Tx) DeleteProjectPolicy(projectID string) error {
	return tx.bucket(bucketProjectPolicies).Delete([]byte(projectID))
}

// ListProjectPoliciesAfter walks policies in key order, starting strictly
// after cursor ("" starts from the beginning). The retention sweeper uses
// this to resume a partial pass.
func (tx *Tx) ListProjectPoliciesAfter(cursor string, limit int) ([]*types.ProjectPolicy, error) {
	var policies []*types.ProjectPolicy
	c := tx.bucket(bucketProjectPolicies).Cursor()
	var k, v []byte
	if cursor == "" {
		k, v = c.First()
	} else {
		k, v = c.Seek([]byte(cursor))
		if k != nil && string(k) == cursor {
			k, v = c.Next()
		}
	}
	for ; k != nil && len(policies) < limit; k, v = c.Next() {
		var policy types.ProjectPolicy
		if err := json.Unmarshal(v, &policy); err != nil {
			return nil, err
		}
		policies = append(policies, &policy)
	}
	return policies, nil
}

// Runner operations

func (tx *Tx) PutRunner(runner *types.Runner) error {
	return putJSON(tx.bucket(bucketRunners), []byte(runner.ID), runner)
}

func (tx *Tx) GetRunner(id string) (*types.Runner, error) {
	var runner types.Runner
	if err := getJSON(tx.bucket(bucketRunners), []byte(id), &runner); err != nil {
		return nil, fmt.Errorf("runner %s: %w", id, err)
	}
	return &runner, nil
}

func (tx *Tx) ListRunners() ([]*types.Runner, error) {
	var runners []*types.Runner
	err := tx.bucket(bucketRunners).ForEach(func(k, v []byte) error {
		var runner types.Runner
		if err := json.Unmarshal(v, &runner); err != nil {
			return err
		}
		runners = append(runners, &runner)
		return nil
	})
	return runners, err
}

func (tx *Tx) ListRunnersByProject(projectID string) ([]*types.Runner, error) {
	runners, err := tx.ListRunners()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Runner
	for _, runner := range runners {
		if runner.ProjectID == projectID {
			filtered = append(filtered, runner)
		}
	}
	return filtered, nil
}

func (tx *Tx) DeleteRunner(id string) error {
	return tx.bucket(bucketRunners).Delete([]byte(id))
}

func (tx *Tx) DeleteRunnersByProject(projectID string, max int) (int, error) {
	runners, err := tx.ListRunnersByProject(projectID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, runner := range runners {
		if deleted >= max {
			break
		}
		if err := tx.DeleteRunner(runner.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Runner token operations. The hash index serves the per-request token
// lookup.

func (tx *Tx) PutRunnerToken(token *types.RunnerToken) error {
	old, err := tx.getRunnerToken(token.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if old != nil && old.TokenHash != token.TokenHash {
		if err := tx.bucket(bucketIdxTokensHash).Delete([]byte(old.TokenHash)); err != nil {
			return err
		}
	}
	if err := putJSON(tx.bucket(bucketRunnerTokens), []byte(token.ID), token); err != nil {
		return err
	}
	return tx.bucket(bucketIdxTokensHash).Put([]byte(token.TokenHash), []byte(token.ID))
}

func (tx *Tx) getRunnerToken(id string) (*types.RunnerToken, error) {
	var token types.RunnerToken
	if err := getJSON(tx.bucket(bucketRunnerTokens), []byte(id), &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func (tx *Tx) GetRunnerToken(id string) (*types.RunnerToken, error) {
	token, err := tx.getRunnerToken(id)
	if err != nil {
		return nil, fmt.Errorf("runner token %s: %w", id, err)
	}
	return token, nil
}

func (tx *Tx) GetRunnerTokenByHash(hash string) (*types.RunnerToken, error) {
	id := tx.bucket(bucketIdxTokensHash).Get([]byte(hash))
	if id == nil {
		return nil, fmt.Errorf("runner token: %w", ErrNotFound)
	}
	return tx.GetRunnerToken(string(id))
}

func (tx *Tx) ListRunnerTokensByRunner(runnerID string) ([]*types.RunnerToken, error) {
	var tokens []*types.RunnerToken
	err := tx.bucket(bucketRunnerTokens).ForEach(func(k, v []byte) error {
		var token types.RunnerToken
		if err := json.Unmarshal(v, &token); err != nil {
			return err
		}
		if token.RunnerID == runnerID {
			tokens = append(tokens, &token)
		}
		return nil
	})
	return tokens, err
}

func (tx *Tx) DeleteRunnerToken(id string) error {
	token, err := tx.getRunnerToken(id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.bucket(bucketIdxTokensHash).Delete([]byte(token.TokenHash)); err != nil {
		return err
	}
	return tx.bucket(bucketRunnerTokens).Delete([]byte(id))
}

func (tx *Tx) DeleteRunnerTokensByProject(projectID string, max int) (int, error) {
	var ids []string
	err := tx.bucket(bucketRunnerTokens).ForEach(func(k, v []byte) error {
		var token types.RunnerToken
		if err := json.Unmarshal(v, &token); err != nil {
			return err
		}
		if token.ProjectID == projectID && len(ids) < max {
			ids = append(ids, token.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := tx.DeleteRunnerToken(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
