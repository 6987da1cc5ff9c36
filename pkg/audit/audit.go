// Package audit defines the closed taxonomy of privileged operator actions
// and the append/query surface over the audit log.
//
// Every audit row carries an action tag from a fixed set; each action pins
// the target kind it must reference and the exact data keys it may carry.
// Unknown actions, wrong target kinds, unknown data keys, and out-of-shape
// values are all rejected at append time, so the log never accumulates rows
// the query side cannot interpret.
//
// Two actions describe work that happens in the operator's repository rather
// than in the control plane: deployCreds.update and sops.operatorKey.generate.
// Operators report those through RecordableByOperator-gated entrypoints, and
// because historical rows for them may carry bare operator key ids, Query
// rewrites their stored data to a fixed safe shape on every read, hashing any
// operator id that is not already hashed. Rows are never rewritten in place.
package audit

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/security"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
	"github.com/clawlets/clawlets/pkg/validate"
)

// Actions. The set is closed: append rejects anything else.
const (
	ActionProjectCreate        = "project.create"
	ActionMemberAdd            = "member.add"
	ActionMemberRemove         = "member.remove"
	ActionPolicyRetentionSet   = "policy.retention.set"
	ActionRunnerRegister       = "runner.register"
	ActionRunnerTokenIssue     = "runner.token.issue"
	ActionRunnerTokenRevoke    = "runner.token.revoke"
	ActionJobCancel            = "job.cancel"
	ActionDraftCommit          = "draft.commit"
	ActionDraftDiscard         = "draft.discard"
	ActionProjectDeleteStart   = "project.deleteStart"
	ActionProjectDeleteConfirm = "project.deleteConfirm"
	ActionDeployCredsUpdate    = "deployCreds.update"
	ActionSopsOperatorKeyGen   = "sops.operatorKey.generate"
)

// Query bounds.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 200
)

// Data field bounds. String arrays are capped at MaxArrayItems entries of
// MaxArrayItemLen bytes each unless the field rule tightens the item bound.
const (
	MaxArrayItems   = 200
	MaxArrayItemLen = 256
	maxIDLen        = 128
	maxNameLen      = 256
)

type fieldKind int

const (
	fieldString fieldKind = iota
	fieldStringArray
	fieldInt
)

// fieldRule constrains one data key of an action.
type fieldRule struct {
	kind     fieldKind
	required bool
	maxLen   int // per-string bound; arrays apply it per item
	repoRel  bool
	min, max int64 // fieldInt bounds, inclusive
}

// actionRule pins the target kind and data shape of one action.
type actionRule struct {
	target   types.AuditTargetKind
	data     map[string]fieldRule
	operator bool // operators may record this action directly
}

var actionRules = map[string]actionRule{
	ActionProjectCreate: {
		target: types.AuditTargetProject,
		data: map[string]fieldRule{
			"mode":         {kind: fieldString, required: true, maxLen: 64},
			"workspaceRef": {kind: fieldString, maxLen: 256},
		},
	},
	ActionMemberAdd: {
		target: types.AuditTargetMember,
		data: map[string]fieldRule{
			"role": {kind: fieldString, required: true, maxLen: 32},
		},
	},
	ActionMemberRemove: {
		target: types.AuditTargetMember,
	},
	ActionPolicyRetentionSet: {
		target: types.AuditTargetPolicy,
		data: map[string]fieldRule{
			"retentionDays": {kind: fieldInt, required: true, min: 0, max: 100000},
		},
	},
	ActionRunnerRegister: {
		target: types.AuditTargetRunner,
	},
	ActionRunnerTokenIssue: {
		target: types.AuditTargetToken,
		data: map[string]fieldRule{
			"ttlSeconds": {kind: fieldInt, min: 1, max: 31536000},
		},
	},
	ActionRunnerTokenRevoke: {
		target: types.AuditTargetToken,
	},
	ActionJobCancel: {
		target: types.AuditTargetJob,
		data: map[string]fieldRule{
			"kind": {kind: fieldString, maxLen: 64},
		},
	},
	ActionDraftCommit: {
		target: types.AuditTargetDraft,
		data: map[string]fieldRule{
			"sections": {kind: fieldStringArray, required: true, maxLen: 64},
		},
	},
	ActionDraftDiscard: {
		target: types.AuditTargetDraft,
	},
	ActionProjectDeleteStart: {
		target: types.AuditTargetProject,
	},
	ActionProjectDeleteConfirm: {
		target: types.AuditTargetProject,
	},
	ActionDeployCredsUpdate: {
		target:   types.AuditTargetHost,
		operator: true,
		data: map[string]fieldRule{
			"paths":    {kind: fieldStringArray, required: true, repoRel: true},
			"operator": {kind: fieldString, maxLen: 256},
		},
	},
	ActionSopsOperatorKeyGen: {
		target:   types.AuditTargetHost,
		operator: true,
		data: map[string]fieldRule{
			"keyPath":  {kind: fieldString, required: true, maxLen: 1024, repoRel: true},
			"operator": {kind: fieldString, required: true, maxLen: 256},
		},
	},
}

var hashedOperatorPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// RecordableByOperator reports whether operators may append the action
// directly. Everything else is emitted by the engine itself.
func RecordableByOperator(action string) bool {
	rule, ok := actionRules[action]
	return ok && rule.operator
}

// Append validates the action against the taxonomy, stamps id and timestamp,
// and writes the row inside the caller's transaction.
func Append(tx *storage.Tx, now time.Time, userID, projectID, action string, target *types.AuditTarget, data map[string]interface{}) error {
	entry := &types.AuditEntry{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		TS:        now,
		UserID:    userID,
		Action:    action,
		Target:    target,
		Data:      data,
	}
	if err := ValidateEntry(entry); err != nil {
		return err
	}
	return tx.AppendAuditEntry(entry)
}

// ValidateEntry checks an entry against the taxonomy: known action, required
// target kind, and the exact data shape the action allows.
func ValidateEntry(e *types.AuditEntry) error {
	rule, ok := actionRules[e.Action]
	if !ok {
		return errdefs.Conflict("unknown audit action %q", e.Action)
	}
	if err := validate.EnsureBoundedString(e.UserID, "userId", maxIDLen); err != nil {
		return err
	}
	if err := validate.EnsureBoundedString(e.ProjectID, "projectId", maxIDLen); err != nil {
		return err
	}
	if err := validateTarget(e.Action, rule.target, e.Target); err != nil {
		return err
	}
	return validateData(e.Action, rule.data, e.Data)
}

func validateTarget(action string, kind types.AuditTargetKind, target *types.AuditTarget) error {
	if target == nil {
		return errdefs.Conflict("action %s requires a %s target", action, kind)
	}
	if target.Kind != kind {
		return errdefs.Conflict("action %s requires a %s target, got %q", action, kind, target.Kind)
	}
	if err := validate.EnsureBoundedString(target.ID, "target.id", maxIDLen); err != nil {
		return err
	}
	return validate.EnsureOptionalBoundedString(target.Name, "target.name", maxNameLen)
}

func validateData(action string, rules map[string]fieldRule, data map[string]interface{}) error {
	for key := range data {
		if _, ok := rules[key]; !ok {
			return errdefs.Conflict("action %s does not allow data key %q", action, key)
		}
	}
	for key, rule := range rules {
		value, present := data[key]
		if !present {
			if rule.required {
				return errdefs.Conflict("action %s requires data key %q", action, key)
			}
			continue
		}
		if err := validateField(key, rule, value); err != nil {
			return err
		}
	}
	return nil
}

func validateField(key string, rule fieldRule, value interface{}) error {
	switch rule.kind {
	case fieldString:
		s, ok := stringValue(value)
		if !ok {
			return errdefs.Conflict("data key %q must be a string", key)
		}
		if err := validate.EnsureBoundedString(s, key, rule.maxLen); err != nil {
			return err
		}
		if rule.repoRel {
			return validate.EnsureRepoRelativePath(s, key)
		}
		return nil
	case fieldStringArray:
		items, ok := stringSlice(value)
		if !ok {
			return errdefs.Conflict("data key %q must be an array of strings", key)
		}
		if len(items) > MaxArrayItems {
			return errdefs.Conflict("data key %q exceeds %d entries", key, MaxArrayItems)
		}
		itemMax := MaxArrayItemLen
		if rule.maxLen > 0 && rule.maxLen < itemMax {
			itemMax = rule.maxLen
		}
		for _, item := range items {
			if err := validate.EnsureBoundedString(item, key, itemMax); err != nil {
				return err
			}
			if rule.repoRel {
				if err := validate.EnsureRepoRelativePath(item, key); err != nil {
					return err
				}
			}
		}
		return nil
	case fieldInt:
		n, ok := intValue(value)
		if !ok {
			return errdefs.Conflict("data key %q must be an integer", key)
		}
		if rule.max > rule.min && (n < rule.min || n > rule.max) {
			return errdefs.Conflict("data key %q must be in [%d, %d]", key, rule.min, rule.max)
		}
		return nil
	}
	return errdefs.Conflict("data key %q has no validation rule", key)
}

// Query pages through the audit log newest-first, applying the read-time
// safe-shape rewrite before returning rows. A nil next cursor means the scan
// is exhausted. Authorization is the caller's concern.
func Query(tx *storage.Tx, projectID string, cursor []byte, limit int) ([]*types.AuditEntry, []byte, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	entries, next, err := tx.ListAuditEntries(projectID, cursor, limit)
	if err != nil {
		return nil, nil, err
	}
	for i, entry := range entries {
		entries[i] = SafeEntry(entry)
	}
	return entries, next, nil
}

// SafeEntry returns the entry with its data passed through SafeData. The
// stored row is left untouched.
func SafeEntry(e *types.AuditEntry) *types.AuditEntry {
	switch e.Action {
	case ActionDeployCredsUpdate, ActionSopsOperatorKeyGen:
		clone := *e
		clone.Data = SafeData(e.Action, e.Data)
		return &clone
	}
	return e
}

// SafeData rewrites stored data for the repo-reported actions to their fixed
// safe shape, hashing any bare operator id. Other actions pass through
// unchanged; their shape was enforced at append time.
//
// deployCreds.update reads as {paths, operator?} and sops.operatorKey.generate
// as {keyPath?, operator?}, with operator always of the form "sha256:<hex>".
func SafeData(action string, data map[string]interface{}) map[string]interface{} {
	switch action {
	case ActionDeployCredsUpdate:
		out := map[string]interface{}{"paths": safePaths(data["paths"])}
		if op, ok := stringValue(data["operator"]); ok && op != "" {
			out["operator"] = HashOperatorID(op)
		}
		return out
	case ActionSopsOperatorKeyGen:
		out := map[string]interface{}{}
		if p, ok := stringValue(data["keyPath"]); ok {
			if validate.EnsureRepoRelativePath(p, "keyPath") == nil {
				out["keyPath"] = p
			}
		}
		if op, ok := stringValue(data["operator"]); ok && op != "" {
			out["operator"] = HashOperatorID(op)
		}
		return out
	default:
		return data
	}
}

// HashOperatorID maps an operator key id to "sha256:<hex>", leaving values
// already in that form alone so the rewrite is idempotent.
func HashOperatorID(id string) string {
	if hashedOperatorPattern.MatchString(id) {
		return id
	}
	return "sha256:" + security.SHA256Hex(id)
}

func safePaths(value interface{}) []string {
	items, ok := stringSlice(value)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if len(out) == MaxArrayItems {
			break
		}
		if validate.EnsureRepoRelativePath(item, "paths") == nil {
			out = append(out, item)
		}
	}
	return out
}

// stringValue unwraps a data value that may come straight from engine code
// or from a JSON round trip.
func stringValue(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func stringSlice(v interface{}) ([]string, bool) {
	switch val := v.(type) {
	case []string:
		return val, true
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func intValue(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}
