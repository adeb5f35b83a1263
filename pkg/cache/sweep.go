package cache

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// abandonedAfter is how long a staging file may sit before Sweep considers
// its writer dead and removes it. Generous because origin transfers of large
// artifacts legitimately run for minutes.
const abandonedAfter = 2 * time.Hour

// SweepStats summarizes one sweep pass.
type SweepStats struct {
	Scanned      int
	Removed      int
	FreedBytes   int64
	RetainedSize int64
}

// Sweep walks the cache root and removes expired entries plus abandoned
// staging files. Index entries age with the index TTL, everything else with
// the file TTL. Errors on individual files are logged and skipped; a sweep
// never fails the service.
func (s *Store) Sweep() SweepStats {
	var stats SweepStats
	now := s.now()

	_ = filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		stats.Scanned++
		age := now.Sub(fi.ModTime())

		var expired bool
		switch {
		case strings.HasSuffix(p, tmpSuffix):
			expired = age > abandonedAfter
		case filepath.Base(p) == indexFile:
			expired = age >= s.indexTTL
		default:
			expired = age >= s.fileTTL
		}
		if !expired {
			stats.RetainedSize += fi.Size()
			return nil
		}
		if err := os.Remove(p); err != nil {
			log.Warn().Err(err).Str("file", p).Msg("sweep: remove failed")
			stats.RetainedSize += fi.Size()
			return nil
		}
		stats.Removed++
		stats.FreedBytes += fi.Size()
		log.Debug().Str("file", p).Dur("age", age).Int64("size", fi.Size()).Msg("sweep: removed expired entry")
		return nil
	})

	log.Info().
		Int("scanned", stats.Scanned).
		Int("removed", stats.Removed).
		Int64("freed_bytes", stats.FreedBytes).
		Int64("used_bytes", stats.RetainedSize).
		Msg("cache sweep complete")
	return stats
}

// SanitizeTemp removes every staging file under the cache root, regardless
// of age. Called once at startup: any temp file that survived a restart has
// no writer left.
func (s *Store) SanitizeTemp() int {
	removed := 0
	_ = filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, tmpSuffix) {
			return nil
		}
		if err := os.Remove(p); err == nil {
			removed++
			log.Debug().Str("file", p).Msg("removed spurious staging file")
		}
		return nil
	})
	return removed
}
