package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/coord"
	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/metrics"
)

// TierConfig controls demotion out of the fast tier.
type TierConfig struct {
	// Age is how old an entry must be before it moves. Default 24h.
	Age time.Duration
	// Batch is the HSCAN count hint. Default 100.
	Batch int64
}

// Tierer moves aged entries from the fast tier to the older tier.
type Tierer struct {
	store   coord.Store
	keys    coord.Keys
	durable DurableIndex
	clock   crawler.Clock
	cfg     TierConfig
	logger  *zap.Logger
}

// NewTierer builds a Tierer. durable may be nil.
func NewTierer(store coord.Store, keys coord.Keys, durable DurableIndex, clock crawler.Clock, cfg TierConfig, logger *zap.Logger) *Tierer {
	if cfg.Age <= 0 {
		cfg.Age = 24 * time.Hour
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tierer{store: store, keys: keys, durable: durable, clock: clock, cfg: cfg, logger: logger}
}

// Transfer runs one cycle and reports how many entries moved. Memory use is
// bounded by the batch size, not the tier size.
func (t *Tierer) Transfer(ctx context.Context) (int, error) {
	cutoff := t.clock.Now().Add(-t.cfg.Age)
	moved := 0
	var cursor uint64
	for {
		fields, next, err := t.store.HScan(ctx, t.keys.Archives(), cursor, t.cfg.Batch)
		if err != nil {
			metrics.ObserveTierMoves(moved)
			return moved, fmt.Errorf("scan archives: %w", err)
		}
		for pid, raw := range fields {
			var entry crawler.ArchiveEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				t.logger.Warn("skipping malformed archive entry", zap.String("listing_pid", pid), zap.Error(err))
				continue
			}
			if entry.CreatedAt.After(cutoff) {
				continue
			}
			if err := t.move(ctx, pid, raw, entry); err != nil {
				metrics.ObserveTierMoves(moved)
				return moved, err
			}
			moved++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	metrics.ObserveTierMoves(moved)
	if moved > 0 {
		t.logger.Info("archive entries transferred", zap.Int("moved", moved))
	}
	return moved, nil
}

func (t *Tierer) move(ctx context.Context, pid, raw string, entry crawler.ArchiveEntry) error {
	if t.durable != nil {
		if err := t.durable.Upsert(ctx, entry); err != nil {
			return fmt.Errorf("durable upsert %s: %w", pid, err)
		}
	}
	err := t.store.Exec(ctx,
		coord.HSetOp{Key: t.keys.ArchivesOlder(), Field: pid, Value: raw},
		coord.HDelOp{Key: t.keys.Archives(), Fields: []string{pid}},
	)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", pid, err)
	}
	return nil
}
