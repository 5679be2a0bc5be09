package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/listing-archiver/internal/coord"
	"github.com/JakeFAU/listing-archiver/internal/crawler"
)

// DurableIndex is the long-term tier behind the coordination store.
type DurableIndex interface {
	Get(ctx context.Context, listingPID string) (crawler.ArchiveEntry, bool, error)
	Upsert(ctx context.Context, entry crawler.ArchiveEntry) error
}

// Index looks archive entries up across tiers, newest first.
type Index struct {
	store   coord.Store
	keys    coord.Keys
	durable DurableIndex
}

// NewIndex builds an Index. durable may be nil.
func NewIndex(store coord.Store, keys coord.Keys, durable DurableIndex) *Index {
	return &Index{store: store, keys: keys, durable: durable}
}

// Get returns the entry for listingPID from whichever tier holds it.
func (x *Index) Get(ctx context.Context, listingPID string) (crawler.ArchiveEntry, bool, error) {
	for _, key := range []string{x.keys.Archives(), x.keys.ArchivesOlder()} {
		entry, ok, err := x.hget(ctx, key, listingPID)
		if err != nil || ok {
			return entry, ok, err
		}
	}
	if x.durable == nil {
		return crawler.ArchiveEntry{}, false, nil
	}
	entry, ok, err := x.durable.Get(ctx, listingPID)
	if err != nil {
		return crawler.ArchiveEntry{}, false, fmt.Errorf("durable index: %w", err)
	}
	return entry, ok, nil
}

// Archived implements listing.ArchiveChecker.
func (x *Index) Archived(ctx context.Context, listingPID string) (bool, error) {
	_, ok, err := x.Get(ctx, listingPID)
	return ok, err
}

// Put writes entry to the fast tier.
func (x *Index) Put(ctx context.Context, entry crawler.ArchiveEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode archive entry: %w", err)
	}
	if err := x.store.HSet(ctx, x.keys.Archives(), entry.ListingPID, string(raw)); err != nil {
		return fmt.Errorf("write archive entry %s: %w", entry.ListingPID, err)
	}
	return nil
}

func (x *Index) hget(ctx context.Context, key, field string) (crawler.ArchiveEntry, bool, error) {
	raw, err := x.store.HGet(ctx, key, field)
	if errors.Is(err, coord.ErrNotFound) {
		return crawler.ArchiveEntry{}, false, nil
	}
	if err != nil {
		return crawler.ArchiveEntry{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	var entry crawler.ArchiveEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return crawler.ArchiveEntry{}, false, fmt.Errorf("decode %s/%s: %w", key, field, err)
	}
	return entry, true, nil
}
