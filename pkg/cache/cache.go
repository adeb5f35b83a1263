// Package cache implements the disk-backed store for proxied origin
// responses. Entries live under a single root directory whose layout mirrors
// the request path, so a companion static file server can serve the same
// tree directly. Writes are staged to a temporary file and installed with an
// atomic rename; readers never observe a partially written body.
package cache

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// indexFile is the on-disk name for directory-index entries.
const indexFile = "index.json"

// tmpSuffix marks staged files that have not been installed yet.
const tmpSuffix = ".tmp"

// Key identifies one cacheable resource.
//
// The key is derived from the cleaned request path only; the query string is
// deliberately ignored (a policy choice: the origins this proxy fronts serve
// immutable artifacts addressed purely by path).
type Key struct {
	Path  string // cleaned, always starts with "/"
	Index bool   // extension-less path served as a directory index
}

// KeyFor derives the cache key for a request path. Paths whose final segment
// carries no extension are treated as directory indexes, mirroring the
// origin's listing endpoints.
func KeyFor(reqPath string) Key {
	p := path.Clean("/" + strings.TrimPrefix(reqPath, "/"))
	base := path.Base(p)
	return Key{Path: p, Index: !strings.Contains(base, ".") || p == "/"}
}

// Entry describes one installed cache entry.
type Entry struct {
	Key      Key
	Path     string // absolute filesystem path of the body
	StoredAt time.Time
	Size     int64
}

// Store owns the cache root directory. No other component writes under it.
type Store struct {
	root     string
	fileTTL  time.Duration
	indexTTL time.Duration

	now func() time.Time // overridable in tests
}

// New returns a Store rooted at root. File entries stay fresh for fileTTL,
// directory-index entries for indexTTL.
func New(root string, fileTTL, indexTTL time.Duration) *Store {
	return &Store{
		root:     root,
		fileTTL:  fileTTL,
		indexTTL: indexTTL,
		now:      time.Now,
	}
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// FilePath maps a key to its filesystem path under the cache root.
func (s *Store) FilePath(k Key) string {
	fp := filepath.Join(s.root, filepath.FromSlash(k.Path))
	if k.Index {
		fp = filepath.Join(fp, indexFile)
	}
	return fp
}

// TTL returns the freshness window that applies to k.
func (s *Store) TTL(k Key) time.Duration {
	if k.Index {
		return s.indexTTL
	}
	return s.fileTTL
}

// Lookup returns the installed entry for k. A missing, unreadable or
// otherwise unusable file is reported as a miss, never as an error.
func (s *Store) Lookup(k Key) (Entry, bool) {
	fp := s.FilePath(k)
	fi, err := os.Stat(fp)
	if err != nil || !fi.Mode().IsRegular() {
		return Entry{}, false
	}
	f, err := os.Open(fp)
	if err != nil {
		// exists but unreadable: treat as corruption, trigger refetch
		log.Warn().Err(err).Str("file", fp).Msg("cached entry unreadable, treating as miss")
		return Entry{}, false
	}
	_ = f.Close()
	return Entry{Key: k, Path: fp, StoredAt: fi.ModTime(), Size: fi.Size()}, true
}

// Fresh reports whether e is still within its freshness window. An entry is
// fresh strictly until storedAt+TTL; at the boundary it is stale.
func (s *Store) Fresh(e Entry) bool {
	return s.now().Sub(e.StoredAt) < s.TTL(e.Key)
}

// Put streams r into the cache and atomically installs it as the entry for
// k, replacing any prior entry. On error nothing is installed.
func (s *Store) Put(k Key, r io.Reader) (Entry, error) {
	st, err := s.Stage(k)
	if err != nil {
		return Entry{}, err
	}
	if _, err := io.Copy(st, r); err != nil {
		st.Discard()
		return Entry{}, err
	}
	return st.Commit()
}

// Stage opens a staging handle for k. The caller streams the body with
// Write, then either Commit (atomic install) or Discard. The staging path
// carries a per-operation uniqueness token so concurrent stagings for the
// same key never collide.
func (s *Store) Stage(k Key) (*Stage, error) {
	final := s.FilePath(k)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdirall %s: %w", dir, err)
	}
	tmp := final + "." + uuid.NewString() + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create staging %s: %w", tmp, err)
	}
	return &Stage{key: k, f: f, tmp: tmp, final: final}, nil
}

// Stage is an in-progress cache write.
type Stage struct {
	key   Key
	f     *os.File
	tmp   string
	final string

	n    int64
	werr error  // first disk write failure
	tail []byte // unwritten remainder of the chunk that failed
}

// Write appends p to the staging file. The first failed write is recorded,
// along with the bytes that never reached disk, so the caller can
// distinguish a disk failure from an origin read failure and salvage the
// body.
func (st *Stage) Write(p []byte) (int, error) {
	n, err := st.f.Write(p)
	st.n += int64(n)
	if err != nil && st.werr == nil {
		st.werr = err
		st.tail = append([]byte(nil), p[n:]...)
	}
	return n, err
}

// WriteErr returns the first disk write failure, if any.
func (st *Stage) WriteErr() error { return st.werr }

// Written returns the number of bytes persisted so far.
func (st *Stage) Written() int64 { return st.n }

// Commit closes the staging file and atomically renames it into place.
func (st *Stage) Commit() (Entry, error) {
	if err := st.f.Close(); err != nil {
		_ = os.Remove(st.tmp)
		return Entry{}, fmt.Errorf("close staging %s: %w", st.tmp, err)
	}
	if st.werr != nil {
		_ = os.Remove(st.tmp)
		return Entry{}, fmt.Errorf("staging %s incomplete: %w", st.tmp, st.werr)
	}
	if err := os.Rename(st.tmp, st.final); err != nil {
		return Entry{}, fmt.Errorf("install %s: %w", st.final, err)
	}
	fi, err := os.Stat(st.final)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", st.final, err)
	}
	return Entry{Key: st.key, Path: st.final, StoredAt: fi.ModTime(), Size: fi.Size()}, nil
}

// Discard abandons the staging file. Nothing becomes visible to Lookup.
func (st *Stage) Discard() {
	_ = st.f.Close()
	_ = os.Remove(st.tmp)
}

// Salvage recovers the full body of an entry whose persistence failed: the
// bytes already staged on disk, the unwritten tail of the failed chunk, and
// whatever remains unread in rest. The staging file is removed. Used to
// honor serve-then-best-effort-cache when the disk fills up mid-transfer.
func (st *Stage) Salvage(rest io.Reader) ([]byte, error) {
	_ = st.f.Close()
	defer func() { _ = os.Remove(st.tmp) }()

	body, err := os.ReadFile(st.tmp)
	if err != nil {
		return nil, fmt.Errorf("read back staging %s: %w", st.tmp, err)
	}
	body = append(body, st.tail...)
	if rest != nil {
		more, err := io.ReadAll(rest)
		if err != nil {
			return nil, fmt.Errorf("drain origin body: %w", err)
		}
		body = append(body, more...)
	}
	return body, nil
}
