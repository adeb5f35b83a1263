package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// backdate shifts a file's mtime into the past.
func backdate(t *testing.T, path string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	s := New(t.TempDir(), 24*time.Hour, time.Minute)

	fresh, err := s.Put(KeyFor("/fresh.tar.gz"), strings.NewReader("fresh"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	expired, err := s.Put(KeyFor("/expired.tar.gz"), strings.NewReader("expired"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	backdate(t, expired.Path, 25*time.Hour)

	oldIndex, err := s.Put(KeyFor("/listing"), strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("Put index: %v", err)
	}
	backdate(t, oldIndex.Path, 2*time.Minute)

	stats := s.Sweep()
	if stats.Removed != 2 {
		t.Fatalf("Sweep removed %d files, want 2", stats.Removed)
	}
	if _, ok := s.Lookup(fresh.Key); !ok {
		t.Fatalf("fresh entry must survive sweep")
	}
	if _, ok := s.Lookup(expired.Key); ok {
		t.Fatalf("expired file entry must be removed")
	}
	if _, ok := s.Lookup(oldIndex.Key); ok {
		t.Fatalf("expired index entry must be removed")
	}
}

func TestSweepRemovesAbandonedStaging(t *testing.T) {
	s := New(t.TempDir(), 24*time.Hour, time.Minute)

	st, err := s.Stage(KeyFor("/slow.tar.gz"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := st.Write([]byte("partial")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// recent staging files survive a sweep, the writer may still be alive
	s.Sweep()
	if _, err := os.Stat(st.tmp); err != nil {
		t.Fatalf("recent staging file must survive sweep: %v", err)
	}

	backdate(t, st.tmp, abandonedAfter+time.Minute)
	s.Sweep()
	if _, err := os.Stat(st.tmp); !os.IsNotExist(err) {
		t.Fatalf("abandoned staging file must be removed")
	}
}

func TestSanitizeTempRemovesAllStaging(t *testing.T) {
	s := New(t.TempDir(), 24*time.Hour, time.Minute)

	st, err := s.Stage(KeyFor("/left/over.tar.gz"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	_, _ = st.Write([]byte("x"))
	entry, err := s.Put(KeyFor("/keep.tar.gz"), strings.NewReader("keep"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if n := s.SanitizeTemp(); n != 1 {
		t.Fatalf("SanitizeTemp removed %d, want 1", n)
	}
	if _, err := os.Stat(st.tmp); !os.IsNotExist(err) {
		t.Fatalf("staging file must be gone")
	}
	if _, err := os.Stat(filepath.Clean(entry.Path)); err != nil {
		t.Fatalf("installed entry must survive: %v", err)
	}
}
