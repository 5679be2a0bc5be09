package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/index.htm", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://path/index.htm", uri)

	payload[0] = 'C'
	body, contentType, err := store.GetObject(context.Background(), "path/index.htm")
	require.NoError(t, err)
	require.Equal(t, "content", string(body))
	require.Equal(t, "text/html", contentType)

	body[0] = 'X'
	again, _, err := store.GetObject(context.Background(), "path/index.htm")
	require.NoError(t, err)
	require.Equal(t, "content", string(again))
}

func TestBlobStoreMissingObject(t *testing.T) {
	t.Parallel()

	_, _, err := NewBlobStore().GetObject(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrObjectNotFound)
}

func TestBlobStoreSniffsContentTypeAndListsPaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), "b/0.png", "", bytes.NewReader([]byte("\x89PNG\r\n\x1a\n")))
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "a/index.htm", "text/html", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	_, contentType, err := store.GetObject(context.Background(), "b/0.png")
	require.NoError(t, err)
	require.Equal(t, "image/png", contentType)
	require.Equal(t, []string{"a/index.htm", "b/0.png"}, store.Paths())
}
