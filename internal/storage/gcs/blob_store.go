// Package gcs stores listing archives in Google Cloud Storage. Objects live at
// <prefix>/<listing pid>/<file> and carry the listing and artifact kind as
// custom metadata so a bucket listing explains itself.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
)

// Custom metadata keys.
const (
	MetaListingPID = "listing-pid"
	MetaArtifact   = "artifact"
)

// Artifact kinds recorded under MetaArtifact.
const (
	ArtifactIndex = "index"
	ArtifactPage  = "page"
	ArtifactImage = "image"
)

// archiveCacheControl matches what the archive content route sends.
const archiveCacheControl = "public, max-age=86400"

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// BlobStore writes archive artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// PutObject uploads one archive artifact and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, objectPath string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(objectPath) == "" {
		return "", fmt.Errorf("path is required")
	}
	attrs := archiveAttrs(objectPath, contentType)
	writer := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	writer.ContentType = attrs.ContentType
	writer.CacheControl = attrs.CacheControl
	writer.Metadata = attrs.Metadata
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("upload %s: %w (close writer: %v)", objectPath, err, closeErr)
		}
		return "", fmt.Errorf("upload %s: %w", objectPath, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finish upload %s: %w", objectPath, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
}

// GetObject reads an archived artifact.
func (s *BlobStore) GetObject(ctx context.Context, objectPath string) ([]byte, string, error) {
	reader, err := s.client.Bucket(s.bucket).Object(objectPath).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, "", crawler.ErrObjectNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("open object %s: %w", objectPath, err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("read object %s: %w", objectPath, err)
	}
	return data, reader.Attrs.ContentType, nil
}

// archiveAttrs derives the attributes written with the object at objectPath.
func archiveAttrs(objectPath, contentType string) storage.ObjectAttrs {
	attrs := storage.ObjectAttrs{
		ContentType:  contentType,
		CacheControl: archiveCacheControl,
		Metadata:     map[string]string{MetaArtifact: artifactKind(path.Base(objectPath))},
	}
	if attrs.ContentType == "" {
		attrs.ContentType = "application/octet-stream"
	}
	if dir := path.Dir(objectPath); dir != "." && dir != "/" {
		attrs.Metadata[MetaListingPID] = path.Base(dir)
	}
	return attrs
}

func artifactKind(name string) string {
	switch name {
	case "index.htm":
		return ArtifactIndex
	case "page.htm":
		return ArtifactPage
	default:
		return ArtifactImage
	}
}
