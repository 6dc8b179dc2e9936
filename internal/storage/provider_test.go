package storage_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskengine/internal/storage"
)

func TestNoOpBlobStoreDrainsReader(t *testing.T) {
	t.Parallel()

	r := strings.NewReader("payload")
	uri, err := storage.NoOpBlobStore{}.PutObject(context.Background(), "a", "text/plain", r)
	require.NoError(t, err)
	require.Empty(t, uri)
	require.Zero(t, r.Len())
}

func TestMockBlobStoreSeesBody(t *testing.T) {
	t.Parallel()

	m := &storage.MockBlobStore{}
	m.On("PutObject", mock.Anything, "results/1.ndjson", "application/x-ndjson", "{}\n").
		Return("mem://results/1.ndjson", nil).Once()

	var store storage.BlobStore = m
	uri, err := store.PutObject(context.Background(), "results/1.ndjson", "application/x-ndjson", strings.NewReader("{}\n"))
	require.NoError(t, err)
	require.Equal(t, "mem://results/1.ndjson", uri)
	m.AssertExpectations(t)
}
