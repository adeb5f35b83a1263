package cache

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestKeyFor(t *testing.T) {
	cases := []struct {
		in    string
		path  string
		index bool
	}{
		{"/software/v1.tar.gz", "/software/v1.tar.gz", false},
		{"/software", "/software", true},
		{"/software/", "/software", true},
		{"software//x//v1.tar.gz", "/software/x/v1.tar.gz", false},
		{"/", "/", true},
		{"/a/b/../c", "/a/c", true},
	}
	for _, c := range cases {
		k := KeyFor(c.in)
		if k.Path != c.path || k.Index != c.index {
			t.Fatalf("KeyFor(%q) = %+v, want path=%q index=%v", c.in, k, c.path, c.index)
		}
	}
}

func TestPutLookupRoundTrip(t *testing.T) {
	s := New(t.TempDir(), time.Hour, time.Minute)
	k := KeyFor("/software/v1.tar.gz")

	want := "artifact-bytes"
	e, err := s.Put(k, strings.NewReader(want))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if e.Size != int64(len(want)) {
		t.Fatalf("entry size = %d, want %d", e.Size, len(want))
	}

	got, ok := s.Lookup(k)
	if !ok {
		t.Fatalf("Lookup miss after Put")
	}
	b, err := os.ReadFile(got.Path)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if string(b) != want {
		t.Fatalf("round-trip mismatch: %q != %q", b, want)
	}
}

func TestPutReplacesPriorEntry(t *testing.T) {
	s := New(t.TempDir(), time.Hour, time.Minute)
	k := KeyFor("/pkg/a.tar.gz")

	if _, err := s.Put(k, strings.NewReader("old")); err != nil {
		t.Fatalf("Put old: %v", err)
	}
	if _, err := s.Put(k, strings.NewReader("new-content")); err != nil {
		t.Fatalf("Put new: %v", err)
	}
	e, ok := s.Lookup(k)
	if !ok {
		t.Fatalf("Lookup miss")
	}
	b, _ := os.ReadFile(e.Path)
	if string(b) != "new-content" {
		t.Fatalf("expected replacement, got %q", b)
	}
}

func TestIndexKeyStoredAsIndexJSON(t *testing.T) {
	s := New(t.TempDir(), time.Hour, time.Minute)
	k := KeyFor("/software/dists")

	e, err := s.Put(k, strings.NewReader(`{"files":[]}`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if filepath.Base(e.Path) != "index.json" {
		t.Fatalf("index entry stored at %s, want .../index.json", e.Path)
	}
}

func TestFreshnessBoundary(t *testing.T) {
	d := 30 * time.Minute
	s := New(t.TempDir(), d, d)
	k := KeyFor("/pkg/b.tar.gz")

	e, err := s.Put(k, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	at := func(offset time.Duration) bool {
		s.now = func() time.Time { return e.StoredAt.Add(offset) }
		return s.Fresh(e)
	}
	if !at(d - time.Second) {
		t.Fatalf("entry should be fresh at D-1s")
	}
	if at(d) {
		t.Fatalf("entry should be stale exactly at D")
	}
	if at(d + time.Second) {
		t.Fatalf("entry should be stale at D+1s")
	}
}

func TestLookupMissOnUnusableFile(t *testing.T) {
	s := New(t.TempDir(), time.Hour, time.Minute)

	// absent
	if _, ok := s.Lookup(KeyFor("/missing.bin")); ok {
		t.Fatalf("expected miss for absent entry")
	}

	// a directory where a file entry should be is unusable, not fatal
	k := KeyFor("/weird.bin")
	if err := os.MkdirAll(s.FilePath(k), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, ok := s.Lookup(k); ok {
		t.Fatalf("expected miss for directory in place of entry")
	}
}

func TestDiscardedStageNeverVisible(t *testing.T) {
	s := New(t.TempDir(), time.Hour, time.Minute)
	k := KeyFor("/partial.tar.gz")

	st, err := s.Stage(k)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := st.Write([]byte("half a bo")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	st.Discard()

	if _, ok := s.Lookup(k); ok {
		t.Fatalf("discarded stage must not be visible to Lookup")
	}
	if _, err := os.Stat(st.tmp); !os.IsNotExist(err) {
		t.Fatalf("staging file should be removed, stat err = %v", err)
	}
}

func TestConcurrentStagesDoNotCollide(t *testing.T) {
	s := New(t.TempDir(), time.Hour, time.Minute)
	k := KeyFor("/contended.tar.gz")

	st1, err := s.Stage(k)
	if err != nil {
		t.Fatalf("Stage 1: %v", err)
	}
	st2, err := s.Stage(k)
	if err != nil {
		t.Fatalf("Stage 2: %v", err)
	}
	if st1.tmp == st2.tmp {
		t.Fatalf("staging paths must be unique, both %s", st1.tmp)
	}

	var wg sync.WaitGroup
	for i, st := range []*Stage{st1, st2} {
		wg.Add(1)
		go func(i int, st *Stage) {
			defer wg.Done()
			_, _ = st.Write([]byte(strings.Repeat("ab", 100+i)))
			if _, err := st.Commit(); err != nil {
				t.Errorf("Commit %d: %v", i, err)
			}
		}(i, st)
	}
	wg.Wait()

	if _, ok := s.Lookup(k); !ok {
		t.Fatalf("expected a winning entry after concurrent commits")
	}
}

func TestMidStreamWriteFailureSalvages(t *testing.T) {
	s := New(t.TempDir(), time.Hour, time.Minute)
	k := KeyFor("/torn.tar.gz")

	st, err := s.Stage(k)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := st.Write([]byte("on-disk")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if st.Written() != int64(len("on-disk")) {
		t.Fatalf("Written = %d, want %d", st.Written(), len("on-disk"))
	}

	// fail the next write the way a full disk would, with bytes already
	// staged
	if err := st.f.Close(); err != nil {
		t.Fatalf("close staging: %v", err)
	}
	if _, err := st.Write([]byte("+failed-chunk")); err == nil {
		t.Fatalf("write after disk failure should error")
	}
	if st.WriteErr() == nil {
		t.Fatalf("WriteErr must record the disk failure")
	}

	body, err := st.Salvage(strings.NewReader("+rest"))
	if err != nil {
		t.Fatalf("Salvage: %v", err)
	}
	if string(body) != "on-disk+failed-chunk+rest" {
		t.Fatalf("salvaged body = %q, want disk part + failed chunk + remainder", body)
	}
	if _, ok := s.Lookup(k); ok {
		t.Fatalf("no entry may be visible after a torn write")
	}
	if _, err := os.Stat(st.tmp); !os.IsNotExist(err) {
		t.Fatalf("staging file should be gone after salvage, stat err = %v", err)
	}
}

func TestSalvageRecoversFullBody(t *testing.T) {
	s := New(t.TempDir(), time.Hour, time.Minute)
	st, err := s.Stage(KeyFor("/salvage.bin"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := st.Write([]byte("on-disk-part")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	body, err := st.Salvage(strings.NewReader("+rest-of-stream"))
	if err != nil {
		t.Fatalf("Salvage: %v", err)
	}
	if string(body) != "on-disk-part+rest-of-stream" {
		t.Fatalf("salvaged body = %q", body)
	}
	if _, err := os.Stat(st.tmp); !os.IsNotExist(err) {
		t.Fatalf("staging file should be gone after salvage")
	}
}
