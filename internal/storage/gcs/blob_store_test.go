package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "listings"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)

	store, err := New(&storage.Client{}, Config{Bucket: "listings"})
	require.NoError(t, err)
	require.Equal(t, "listings", store.bucket)
}

func TestArchiveAttrs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		path        string
		contentType string
		want        storage.ObjectAttrs
	}{
		{
			name:        "index",
			path:        "listings/7712345678/index.htm",
			contentType: "text/html; charset=utf-8",
			want: storage.ObjectAttrs{
				ContentType:  "text/html; charset=utf-8",
				CacheControl: archiveCacheControl,
				Metadata:     map[string]string{MetaListingPID: "7712345678", MetaArtifact: ArtifactIndex},
			},
		},
		{
			name:        "page",
			path:        "listings/7712345678/page.htm",
			contentType: "text/html; charset=utf-8",
			want: storage.ObjectAttrs{
				ContentType:  "text/html; charset=utf-8",
				CacheControl: archiveCacheControl,
				Metadata:     map[string]string{MetaListingPID: "7712345678", MetaArtifact: ArtifactPage},
			},
		},
		{
			name: "image without type",
			path: "listings/7712345678/3.jpg",
			want: storage.ObjectAttrs{
				ContentType:  "application/octet-stream",
				CacheControl: archiveCacheControl,
				Metadata:     map[string]string{MetaListingPID: "7712345678", MetaArtifact: ArtifactImage},
			},
		},
		{
			name:        "bare name",
			path:        "index.htm",
			contentType: "text/html",
			want: storage.ObjectAttrs{
				ContentType:  "text/html",
				CacheControl: archiveCacheControl,
				Metadata:     map[string]string{MetaArtifact: ArtifactIndex},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, archiveAttrs(tt.path, tt.contentType))
		})
	}
}
