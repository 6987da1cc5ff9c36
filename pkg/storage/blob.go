package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// BlobStore holds result payloads too large for a database row. Rows in
// the blob metadata bucket own the lifecycle; the blob store only moves
// bytes.
type BlobStore interface {
	// Write stores data under id, replacing any previous content.
	Write(id string, data []byte) error

	// Read returns the stored bytes.
	Read(id string) ([]byte, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(id string) error
}

// FileBlobStore implements BlobStore with flat files under a base
// directory. IDs are UUIDs minted by the engine, so they are safe as
// file names.
type FileBlobStore struct {
	basePath string
}

// NewFileBlobStore creates the base directory if needed.
func NewFileBlobStore(basePath string) (*FileBlobStore, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileBlobStore{basePath: basePath}, nil
}

// Write stores data under id.
func (s *FileBlobStore) Write(id string, data []byte) error {
	if err := os.WriteFile(s.path(id), data, 0600); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", id, err)
	}
	return nil
}

// Read returns the stored bytes.
func (s *FileBlobStore) Read(id string) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	return data, nil
}

// Delete removes the blob file.
func (s *FileBlobStore) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", id, err)
	}
	return nil
}

func (s *FileBlobStore) path(id string) string {
	return filepath.Join(s.basePath, id)
}
