package vnc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/logging"
)

// Sweeper removes session directories and stray files left in the temp dir,
// independent of any one session, so ungraceful shutdowns do not leak disk.
type Sweeper struct {
	dir    string
	maxAge time.Duration
	logger *zap.Logger
}

// NewSweeper returns a sweeper over dir.
func NewSweeper(dir string, maxAge time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{dir: dir, maxAge: maxAge, logger: logging.OrNop(logger).Named("vnc_sweeper")}
}

// Sweep deletes entries whose newest modification time, taken over everything
// beneath a directory, is older than maxAge at now. It returns how many were
// removed. Helpers keep writing logs into a live session's directory, so a
// directory created long ago stays while anything in it is fresh.
func (s *Sweeper) Sweep(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		path := filepath.Join(s.dir, entry.Name())
		newest, err := newestModTime(path)
		if err != nil {
			continue
		}
		if now.Sub(newest) <= s.maxAge {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("swept interactive session files", zap.Int("removed", removed))
	}
	return removed, errors.Join(errs...)
}

func newestModTime(root string) (time.Time, error) {
	var newest time.Time
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, err
}
