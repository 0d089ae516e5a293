package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	want := []byte("hello content-addressed world")

	d, err := s.Put(want)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Exists(d) {
		t.Fatalf("Exists(%s) = false after Put", d)
	}

	got, err := s.Get(d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	b := []byte("same bytes twice")

	d1, err := s.Put(b)
	if err != nil {
		t.Fatalf("Put #1: %v", err)
	}
	d2, err := s.Put(b)
	if err != nil {
		t.Fatalf("Put #2: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digests differ across identical Put calls: %s vs %s", d1, d2)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("0000000000000000000000000000000000000f")
	if err != ErrNotFound {
		t.Fatalf("Get on missing digest = %v, want ErrNotFound", err)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	s := newTestStore(t, WithCompression(true, 3, 8))
	big := bytes.Repeat([]byte("abcdefgh"), 4096)

	d, err := s.Put(big)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := s.PathForSymlink(d); ok {
		t.Fatalf("PathForSymlink should refuse a compressed entry")
	}

	got, err := s.Get(d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("decompressed content mismatch, got %d bytes want %d", len(got), len(big))
	}
}

func TestUncompressedPathForSymlink(t *testing.T) {
	s := newTestStore(t, WithCompression(true, 3, 1<<20)) // threshold above our payload
	small := []byte("short")

	d, err := s.Put(small)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	p, ok := s.PathForSymlink(d)
	if !ok {
		t.Fatalf("PathForSymlink should succeed for an uncompressed entry")
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("reading symlink target: %v", err)
	}
	if !bytes.Equal(b, small) {
		t.Fatalf("symlink target content = %q, want %q", b, small)
	}
}

func TestGetToPathSymlinksUncompressed(t *testing.T) {
	s := newTestStore(t, WithCompression(true, 3, 1<<20))
	small := []byte("symlink me")
	d, err := s.Put(small)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "nested", "out.txt")
	if err := s.GetToPath(d, dest); err != nil {
		t.Fatalf("GetToPath: %v", err)
	}
	fi, err := os.Lstat(dest)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("expected dest to be a symlink for an uncompressed entry")
	}
}

func TestPutFromPath(t *testing.T) {
	s := newTestStore(t)
	src := filepath.Join(t.TempDir(), "src.txt")
	want := []byte("streamed from disk")
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d, err := s.PutFromPath(src)
	if err != nil {
		t.Fatalf("PutFromPath: %v", err)
	}
	got, err := s.Get(d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

func TestRemoveAndClear(t *testing.T) {
	s := newTestStore(t)
	d, err := s.Put([]byte("to be removed"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Remove(d); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Exists(d) {
		t.Fatalf("Exists(%s) = true after Remove", d)
	}

	d2, err := s.Put([]byte("clear me"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.Exists(d2) {
		t.Fatalf("Exists(%s) = true after Clear", d2)
	}
}

func TestIntegrityCheckDetectsCorruption(t *testing.T) {
	s := newTestStore(t, WithIntegrityCheck(true))
	d, err := s.Put([]byte("original bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := os.WriteFile(s.blobPath(d), []byte("tampered bytes!!"), 0o644); err != nil {
		t.Fatalf("tamper write: %v", err)
	}

	if _, err := s.Get(d); err != ErrIntegrity {
		t.Fatalf("Get after tampering = %v, want ErrIntegrity", err)
	}
}
