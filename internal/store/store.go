// Package store implements C1, the content-addressed store: files keyed
// by SHA-1 digest, optionally LZ4-compressed, with zero-copy symlink
// delivery for uncompressed entries (spec.md §4.1).
package store

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/rsalesc/rbx/internal/model"
)

// ErrNotFound is returned when a digest has no corresponding entry.
var ErrNotFound = errors.New("store: digest not found")

// ErrIntegrity is returned when a re-hash on read does not match the
// stored digest (spec.md §4.1 "Integrity").
var ErrIntegrity = errors.New("store: integrity check failed")

// metadata is the sidecar JSON written alongside every stored entry.
type metadata struct {
	Size       int64     `json:"size"`
	Compressed bool      `json:"compressed"`
	Level      int       `json:"level"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is a content-addressed file store rooted at a directory.
type Store struct {
	root string

	shouldCompress       bool
	compressionLevel     int
	compressThresholdB   int64
	shouldCheckIntegrity bool
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithCompression controls whether large artifacts are stored compressed,
// and at what size threshold (bytes) compression kicks in (§4.1
// "Compression policy").
func WithCompression(enabled bool, level int, thresholdBytes int64) Option {
	return func(s *Store) {
		s.shouldCompress = enabled
		s.compressionLevel = level
		s.compressThresholdB = thresholdBytes
	}
}

// WithIntegrityCheck controls whether reads re-hash content and compare
// against the digest (§4.1 "Integrity").
func WithIntegrityCheck(enabled bool) Option {
	return func(s *Store) { s.shouldCheckIntegrity = enabled }
}

// New creates (if needed) the store root and returns a Store over it.
func New(root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, ".metadata"), 0o755); err != nil {
		return nil, fmt.Errorf("store: create root %s: %w", root, err)
	}
	s := &Store{
		root:                 root,
		shouldCompress:       true,
		compressionLevel:     3,
		compressThresholdB:   32 * 1024,
		shouldCheckIntegrity: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) blobPath(d model.Digest) string {
	return filepath.Join(s.root, string(d))
}

func (s *Store) metaPath(d model.Digest) string {
	return filepath.Join(s.root, ".metadata", string(d)+".json")
}

// Exists reports whether a digest is present in the store.
func (s *Store) Exists(d model.Digest) bool {
	_, err := os.Stat(s.blobPath(d))
	return err == nil
}

// Put computes the SHA-1 of b, stores it (optionally LZ4-compressed based
// on ambient policy and size threshold), and returns the digest. Put is
// idempotent: storing the same bytes twice yields one entry.
func (s *Store) Put(b []byte) (model.Digest, error) {
	d := digestOf(b)
	if s.Exists(d) {
		return d, nil
	}

	compress := s.shouldCompress && int64(len(b)) > s.compressThresholdB

	tmp, err := os.CreateTemp(s.root, ".put-*")
	if err != nil {
		return "", fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if compress {
		zw := lz4.NewWriter(tmp)
		_ = zw.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(s.compressionLevel)))
		if _, err := zw.Write(b); err != nil {
			tmp.Close()
			return "", fmt.Errorf("store: compress write: %w", err)
		}
		if err := zw.Close(); err != nil {
			tmp.Close()
			return "", fmt.Errorf("store: compress close: %w", err)
		}
	} else {
		if _, err := tmp.Write(b); err != nil {
			tmp.Close()
			return "", fmt.Errorf("store: write: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("store: close temp: %w", err)
	}

	if err := os.Rename(tmpName, s.blobPath(d)); err != nil {
		return "", fmt.Errorf("store: rename into place: %w", err)
	}

	meta := metadata{Size: int64(len(b)), Compressed: compress, Level: s.compressionLevel, CreatedAt: time.Now()}
	if err := s.writeMeta(d, meta); err != nil {
		return "", err
	}
	return d, nil
}

// PutFromPath streams-hashes and stores the file at path via a temp file
// + atomic rename, avoiding loading the whole file into memory twice.
func (s *Store) PutFromPath(path string) (model.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("store: open source %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("store: stat source %s: %w", path, err)
	}

	h := sha1.New()
	tmp, err := os.CreateTemp(s.root, ".put-*")
	if err != nil {
		return "", fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	compress := s.shouldCompress && info.Size() > s.compressThresholdB

	var w io.Writer = tmp
	var zw *lz4.Writer
	if compress {
		zw = lz4.NewWriter(tmp)
		_ = zw.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(s.compressionLevel)))
		w = zw
	}

	mw := io.MultiWriter(w, h)
	n, err := io.Copy(mw, f)
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("store: streaming copy: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			tmp.Close()
			return "", fmt.Errorf("store: compress close: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("store: close temp: %w", err)
	}

	d := model.Digest(hex.EncodeToString(h.Sum(nil)))
	if s.Exists(d) {
		return d, nil
	}
	if err := os.Rename(tmpName, s.blobPath(d)); err != nil {
		return "", fmt.Errorf("store: rename into place: %w", err)
	}
	meta := metadata{Size: n, Compressed: compress, Level: s.compressionLevel, CreatedAt: time.Now()}
	if err := s.writeMeta(d, meta); err != nil {
		return "", err
	}
	return d, nil
}

// Get returns the raw bytes for a digest, decompressing if necessary and
// optionally re-verifying integrity.
func (s *Store) Get(d model.Digest) ([]byte, error) {
	meta, err := s.readMeta(d)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.blobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: open %s: %w", d, err)
	}
	defer f.Close()

	var r io.Reader = f
	if meta.Compressed {
		r = lz4.NewReader(f)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", d, err)
	}

	if s.shouldCheckIntegrity {
		if digestOf(b) != d {
			return nil, ErrIntegrity
		}
	}
	return b, nil
}

// GetToPath materializes the digest's bytes at dest. When the entry is
// stored uncompressed dest becomes a symlink to the PathForSymlink path;
// when compressed it is always a decompressed copy.
func (s *Store) GetToPath(d model.Digest, dest string) error {
	meta, err := s.readMeta(d)
	if err != nil {
		return err
	}
	if !meta.Compressed {
		if p, ok := s.PathForSymlink(d); ok {
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("store: mkdir for %s: %w", dest, err)
			}
			return os.Symlink(p, dest)
		}
	}
	b, err := s.Get(d)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("store: mkdir for %s: %w", dest, err)
	}
	return os.WriteFile(dest, b, 0o644)
}

// PathForSymlink returns a stable path whose contents are the raw bytes
// for d, if and only if the entry is stored uncompressed (§4.1). The
// sandbox never writes through this path — it is a weak reference into
// the store, invalidated only by Remove/Clear (§9 Design Notes).
func (s *Store) PathForSymlink(d model.Digest) (string, bool) {
	meta, err := s.readMeta(d)
	if err != nil {
		return "", false
	}
	if meta.Compressed {
		return "", false
	}
	return s.blobPath(d), true
}

// Remove deletes a single entry.
func (s *Store) Remove(d model.Digest) error {
	_ = os.Remove(s.metaPath(d))
	err := os.Remove(s.blobPath(d))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove %s: %w", d, err)
	}
	return nil
}

// Clear deletes every entry in the store. Callers must ensure no
// evaluation is in flight — see PathForSymlink on the symlink graph
// lifetime (§9 Design Notes).
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("store: read root: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return fmt.Errorf("store: clear %s: %w", e.Name(), err)
		}
	}
	return os.MkdirAll(filepath.Join(s.root, ".metadata"), 0o755)
}

func (s *Store) writeMeta(d model.Digest, m metadata) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(d), b, 0o644); err != nil {
		return fmt.Errorf("store: write metadata: %w", err)
	}
	return nil
}

func (s *Store) readMeta(d model.Digest) (metadata, error) {
	b, err := os.ReadFile(s.metaPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return metadata{}, ErrNotFound
		}
		return metadata{}, fmt.Errorf("store: read metadata %s: %w", d, err)
	}
	var m metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return metadata{}, fmt.Errorf("store: parse metadata %s: %w", d, err)
	}
	return m, nil
}

func digestOf(b []byte) model.Digest {
	sum := sha1.Sum(b)
	return model.Digest(hex.EncodeToString(sum[:]))
}
