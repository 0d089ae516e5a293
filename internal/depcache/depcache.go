// Package depcache implements C2, the dependency-invalidated compilation
// cache: a persistent key-value map, backed by a single-file embedded
// bbolt database, mapping a compile request's fingerprint to a cached
// artifact digest (spec.md §4.2).
package depcache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/rsalesc/rbx/internal/model"
)

var bucketName = []byte("cache_records")

// CacheKey fingerprints a compile request exactly as spec.md §4.2
// describes: hash(source_digest, sorted dep_digests, compile_template,
// extra_flags, cache_version).
type CacheKey struct {
	SourceDigest    model.Digest
	DepDigests      []model.Digest
	CompileTemplate string
	ExtraFlags      []string
	CacheVersion    int
}

// Hash computes the stable cache key string for k.
func (k CacheKey) Hash() string {
	deps := append([]model.Digest(nil), k.DepDigests...)
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })

	var sb strings.Builder
	sb.WriteString(string(k.SourceDigest))
	sb.WriteByte('\x00')
	for _, d := range deps {
		sb.WriteString(string(d))
		sb.WriteByte('\x00')
	}
	sb.WriteString(k.CompileTemplate)
	sb.WriteByte('\x00')
	for _, f := range k.ExtraFlags {
		sb.WriteString(f)
		sb.WriteByte('\x00')
	}
	sb.WriteString(strconv.Itoa(k.CacheVersion))

	sum := sha1.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// CacheRecord is what a successful compilation leaves behind. CompileLog
// and the captured stdout/stderr are stored alongside the artifact digest
// so a cache hit can hand the caller back the exact same compile log it
// would have gotten from a cold compile (§3.1, invariant 6: "cache hits
// reuse the log verbatim").
type CacheRecord struct {
	ArtifactDigest model.Digest
	Warnings       []string
	CreatedAtUnix  int64
	CompileLog     model.RunLog
	CompileStdout  string
	CompileStderr  string
}

// ArtifactChecker reports whether an artifact digest is still present in
// C1, used to lazily evict stale records (§4.2 "Invalidation").
type ArtifactChecker interface {
	Exists(d model.Digest) bool
}

// Cache is the C2 dependency cache.
type Cache struct {
	db *bbolt.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-key locks so concurrent compiles of the same key serialize
}

// Open opens (creating if necessary) the bbolt database at path.
func Open(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("depcache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("depcache: init bucket: %w", err)
	}
	return &Cache{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Lookup returns the cached record for key, evicting it first if the
// artifact referenced is no longer present in the content store
// (§4.2 "lazy delete on missing artifact").
func (c *Cache) Lookup(key CacheKey, artifacts ArtifactChecker) (CacheRecord, bool, error) {
	hash := key.Hash()

	var rec CacheRecord
	var found bool
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(hash))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return CacheRecord{}, false, fmt.Errorf("depcache: lookup %s: %w", hash, err)
	}
	if !found {
		return CacheRecord{}, false, nil
	}

	if artifacts != nil && !artifacts.Exists(rec.ArtifactDigest) {
		_ = c.deleteHash(hash)
		return CacheRecord{}, false, nil
	}
	return rec, true, nil
}

// Put atomically inserts or replaces the record for key.
func (c *Cache) Put(key CacheKey, rec CacheRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("depcache: marshal record: %w", err)
	}
	hash := key.Hash()
	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(hash), b)
	})
	if err != nil {
		return fmt.Errorf("depcache: put %s: %w", hash, err)
	}
	return nil
}

func (c *Cache) deleteHash(hash string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(hash))
	})
}

// Invalidate removes every record for which pred returns true — used
// when bumping cache_version wholesale, or pruning by some other
// predicate over the raw record (§4.2).
func (c *Cache) Invalidate(pred func(CacheRecord) bool) (int, error) {
	var toDelete [][]byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(k, v []byte) error {
			var rec CacheRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal record %x: %w", k, err)
			}
			if pred(rec) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("depcache: scan for invalidate: %w", err)
	}

	err = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("depcache: delete during invalidate: %w", err)
	}
	return len(toDelete), nil
}

// Lock returns a per-key mutex so concurrent compilation requests for the
// same cache key serialize onto one actual compile instead of racing
// (referenced from §5 "Concurrency": compiles of identical keys should
// not duplicate work).
func (c *Cache) Lock(key CacheKey) *sync.Mutex {
	hash := key.Hash()
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[hash]
	if !ok {
		m = &sync.Mutex{}
		c.locks[hash] = m
	}
	return m
}
