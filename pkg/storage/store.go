package storage

// Store is the transactional surface the engine builds on. BoltStore is
// the only production implementation; the interface exists so callers
// state which half they need.
type Store interface {
	// Update runs fn in a read-write transaction; all writes commit or
	// roll back together.
	Update(fn func(tx *Tx) error) error

	// View runs fn in a read-only transaction.
	View(fn func(tx *Tx) error) error

	// Close releases the underlying database.
	Close() error
}

var _ Store = (*BoltStore)(nil)
