// Package storage selects the blob backend that holds archived listings.
package storage

import (
	"context"
	"fmt"
	"strings"

	gcsclient "cloud.google.com/go/storage"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/storage/gcs"
	"github.com/JakeFAU/listing-archiver/internal/storage/local"
	"github.com/JakeFAU/listing-archiver/internal/storage/memory"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Provider writes archive artifacts and serves them back.
type Provider interface {
	crawler.BlobStore
	crawler.BlobReader
}

// Options selects and configures a backend.
type Options struct {
	Backend string
	Bucket  string
	Local   local.Config
}

// Open builds the configured Provider. The returned close func releases
// any client the backend holds and is never nil.
func Open(ctx context.Context, opts Options) (Provider, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return memory.NewBlobStore(), noop, nil
	case BackendLocal:
		store, err := local.New(opts.Local)
		if err != nil {
			return nil, noop, fmt.Errorf("local storage: %w", err)
		}
		return store, noop, nil
	case BackendGCS:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: opts.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return store, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
