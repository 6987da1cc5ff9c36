package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBlobStoreRoundTrip(t *testing.T) {
	store, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	payload := []byte("result bytes")
	require.NoError(t, store.Write("blob-1", payload))

	got, err := store.Read("blob-1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Overwrite replaces content.
	require.NoError(t, store.Write("blob-1", []byte("v2")))
	got, err = store.Read("blob-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, store.Delete("blob-1"))
	_, err = store.Read("blob-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileBlobStoreDeleteMissing(t *testing.T) {
	store, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	// Idempotent so purge retries survive crashes.
	assert.NoError(t, store.Delete("never-written"))
}
