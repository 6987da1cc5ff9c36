package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clawlets/clawlets/pkg/types"
)

// Run operations

func runIndexKey(run *types.Run) []byte {
	return compositeKey([]byte(run.ProjectID), tsKey(run.StartedAt), []byte(run.ID))
}

func (tx *Tx) PutRun(run *types.Run) error {
	if err := putJSON(tx.bucket(bucketRuns), []byte(run.ID), run); err != nil {
		return err
	}
	return tx.bucket(bucketIdxRunsProject).Put(runIndexKey(run), []byte(run.ID))
}

func (tx *Tx) getRun(id string) (*types.Run, error) {
	var run types.Run
	if err := getJSON(tx.bucket(bucketRuns), []byte(id), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (tx *Tx) GetRun(id string) (*types.Run, error) {
	run, err := tx.getRun(id)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	return run, nil
}

// ListRunsByProject pages through a project's runs, newest first, with
// the same cursor contract as ListJobsByProject.
func (tx *Tx) ListRunsByProject(projectID string, cursor []byte, limit int) ([]*types.Run, []byte, error) {
	var runs []*types.Run
	var next []byte
	prefix := compositeKey([]byte(projectID), nil)
	err := scanPrefixReverse(tx.bucket(bucketIdxRunsProject), prefix, cursor, func(k, v []byte) (bool, error) {
		run, err := tx.getRun(string(v))
		if err != nil {
			return false, err
		}
		runs = append(runs, run)
		if len(runs) == limit {
			next = make([]byte, len(k))
			copy(next, k)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return runs, next, nil
}

// RunsOlderThan returns up to max of the project's runs started before
// cutoff, oldest first.
func (tx *Tx) RunsOlderThan(projectID string, cutoff time.Time, max int) ([]*types.Run, error) {
	var runs []*types.Run
	prefix := compositeKey([]byte(projectID), nil)
	err := scanPrefix(tx.bucket(bucketIdxRunsProject), prefix, func(k, v []byte) (bool, error) {
		parts := splitKey(k)
		if !tsFromKey(parts[1]).Before(cutoff) {
			return false, nil
		}
		run, err := tx.getRun(string(v))
		if err != nil {
			return false, err
		}
		runs = append(runs, run)
		return len(runs) < max, nil
	})
	return runs, err
}

func (tx *Tx) DeleteRun(id string) error {
	run, err := tx.getRun(id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.bucket(bucketIdxRunsProject).Delete(runIndexKey(run)); err != nil {
		return err
	}
	return tx.bucket(bucketRuns).Delete([]byte(id))
}

func (tx *Tx) DeleteRunsByProject(projectID string, max int) (int, error) {
	var ids []string
	prefix := compositeKey([]byte(projectID), nil)
	err := scanPrefix(tx.bucket(bucketIdxRunsProject), prefix, func(k, v []byte) (bool, error) {
		ids = append(ids, string(v))
		return len(ids) < max, nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := tx.DeleteRun(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Run event operations. Events are append-only, keyed runID / ts / id so
// a run's log is one ascending prefix scan. The project index drives
// retention and erasure.

func (tx *Tx) AppendRunEvent(event *types.RunEvent) error {
	key := compositeKey([]byte(event.RunID), tsKey(event.TS), []byte(event.ID))
	if err := putJSON(tx.bucket(bucketRunEvents), key, event); err != nil {
		return err
	}
	idx := compositeKey([]byte(event.ProjectID), tsKey(event.TS), []byte(event.RunID), []byte(event.ID))
	return tx.bucket(bucketIdxEventsProject).Put(idx, key)
}

// ListRunEvents pages through a run's events, oldest first. The cursor is
// the last key handed out; the next page starts after it.
func (tx *Tx) ListRunEvents(runID string, cursor []byte, limit int) ([]*types.RunEvent, []byte, error) {
	var events []*types.RunEvent
	var next []byte
	prefix := compositeKey([]byte(runID), nil)
	b := tx.bucket(bucketRunEvents)
	c := b.Cursor()

	var k, v []byte
	if cursor != nil {
		k, v = c.Seek(cursor)
		if k != nil && string(k) == string(cursor) {
			k, v = c.Next()
		}
	} else {
		k, v = c.Seek(prefix)
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var event types.RunEvent
		if err := json.Unmarshal(v, &event); err != nil {
			return nil, nil, err
		}
		events = append(events, &event)
		if len(events) == limit {
			next = make([]byte, len(k))
			copy(next, k)
			break
		}
	}
	return events, next, nil
}

// DeleteRunEventsByProjectBefore removes up to max of the project's
// events older than cutoff.
func (tx *Tx) DeleteRunEventsByProjectBefore(projectID string, cutoff time.Time, max int) (int, error) {
	return tx.deleteEventsByIndex(projectID, &cutoff, max)
}

// DeleteRunEventsByRun removes up to max of one run's events, index rows
// included. Used when a run is deleted so its log never orphans.
func (tx *Tx) DeleteRunEventsByRun(runID string, max int) (int, error) {
	type hit struct {
		key   []byte
		event types.RunEvent
	}
	var hits []hit
	prefix := compositeKey([]byte(runID), nil)
	err := scanPrefix(tx.bucket(bucketRunEvents), prefix, func(k, v []byte) (bool, error) {
		h := hit{key: make([]byte, len(k))}
		copy(h.key, k)
		if err := json.Unmarshal(v, &h.event); err != nil {
			return false, err
		}
		hits = append(hits, h)
		return len(hits) < max, nil
	})
	if err != nil {
		return 0, err
	}
	for _, h := range hits {
		if err := tx.bucket(bucketRunEvents).Delete(h.key); err != nil {
			return 0, err
		}
		idx := compositeKey([]byte(h.event.ProjectID), tsKey(h.event.TS), []byte(h.event.RunID), []byte(h.event.ID))
		if err := tx.bucket(bucketIdxEventsProject).Delete(idx); err != nil {
			return 0, err
		}
	}
	return len(hits), nil
}

// DeleteRunEventsByProject removes up to max of the project's events
// regardless of age.
func (tx *Tx) DeleteRunEventsByProject(projectID string, max int) (int, error) {
	return tx.deleteEventsByIndex(projectID, nil, max)
}

func (tx *Tx) deleteEventsByIndex(projectID string, cutoff *time.Time, max int) (int, error) {
	type hit struct{ idx, primary []byte }
	var hits []hit
	prefix := compositeKey([]byte(projectID), nil)
	err := scanPrefix(tx.bucket(bucketIdxEventsProject), prefix, func(k, v []byte) (bool, error) {
		if cutoff != nil {
			parts := splitKey(k)
			if !tsFromKey(parts[1]).Before(*cutoff) {
				return false, nil
			}
		}
		h := hit{idx: make([]byte, len(k)), primary: make([]byte, len(v))}
		copy(h.idx, k)
		copy(h.primary, v)
		hits = append(hits, h)
		return len(hits) < max, nil
	})
	if err != nil {
		return 0, err
	}
	for _, h := range hits {
		if err := tx.bucket(bucketRunEvents).Delete(h.primary); err != nil {
			return 0, err
		}
		if err := tx.bucket(bucketIdxEventsProject).Delete(h.idx); err != nil {
			return 0, err
		}
	}
	return len(hits), nil
}

// Audit log operations. Entries are keyed ts / id so the global log
// reads newest first with a reverse scan.

func auditPrimaryKey(entry *types.AuditEntry) []byte {
	return compositeKey(tsKey(entry.TS), []byte(entry.ID))
}

func (tx *Tx) AppendAuditEntry(entry *types.AuditEntry) error {
	key := auditPrimaryKey(entry)
	if err := putJSON(tx.bucket(bucketAuditLogs), key, entry); err != nil {
		return err
	}
	if entry.ProjectID == "" {
		return nil
	}
	idx := compositeKey([]byte(entry.ProjectID), tsKey(entry.TS), []byte(entry.ID))
	return tx.bucket(bucketIdxAuditProject).Put(idx, key)
}

// ListAuditEntries pages through the audit log, newest first. With a
// project ID it reads through the project index; empty means the global
// log.
func (tx *Tx) ListAuditEntries(projectID string, cursor []byte, limit int) ([]*types.AuditEntry, []byte, error) {
	var entries []*types.AuditEntry
	var next []byte

	collect := func(k, data []byte) (bool, error) {
		var entry types.AuditEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return false, err
		}
		entries = append(entries, &entry)
		if len(entries) == limit {
			next = make([]byte, len(k))
			copy(next, k)
			return false, nil
		}
		return true, nil
	}

	var err error
	if projectID == "" {
		err = scanPrefixReverse(tx.bucket(bucketAuditLogs), nil, cursor, collect)
	} else {
		prefix := compositeKey([]byte(projectID), nil)
		err = scanPrefixReverse(tx.bucket(bucketIdxAuditProject), prefix, cursor, func(k, v []byte) (bool, error) {
			data := tx.bucket(bucketAuditLogs).Get(v)
			if data == nil {
				return true, nil
			}
			return collect(k, data)
		})
	}
	if err != nil {
		return nil, nil, err
	}
	return entries, next, nil
}

// DeleteAuditByProjectBefore removes up to max of the project's audit
// entries older than cutoff.
func (tx *Tx) DeleteAuditByProjectBefore(projectID string, cutoff time.Time, max int) (int, error) {
	return tx.deleteAuditByIndex(projectID, &cutoff, max)
}

// DeleteAuditByProject removes up to max of the project's audit entries.
func (tx *Tx) DeleteAuditByProject(projectID string, max int) (int, error) {
	return tx.deleteAuditByIndex(projectID, nil, max)
}

func (tx *Tx) deleteAuditByIndex(projectID string, cutoff *time.Time, max int) (int, error) {
	type hit struct{ idx, primary []byte }
	var hits []hit
	prefix := compositeKey([]byte(projectID), nil)
	err := scanPrefix(tx.bucket(bucketIdxAuditProject), prefix, func(k, v []byte) (bool, error) {
		if cutoff != nil {
			parts := splitKey(k)
			if !tsFromKey(parts[1]).Before(*cutoff) {
				return false, nil
			}
		}
		h := hit{idx: make([]byte, len(k)), primary: make([]byte, len(v))}
		copy(h.idx, k)
		copy(h.primary, v)
		hits = append(hits, h)
		return len(hits) < max, nil
	})
	if err != nil {
		return 0, err
	}
	for _, h := range hits {
		if err := tx.bucket(bucketAuditLogs).Delete(h.primary); err != nil {
			return 0, err
		}
		if err := tx.bucket(bucketIdxAuditProject).Delete(h.idx); err != nil {
			return 0, err
		}
	}
	return len(hits), nil
}
