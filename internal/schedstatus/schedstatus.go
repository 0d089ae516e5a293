// Package schedstatus tracks, in Redis, the set of evaluations currently
// running across however many worker processes share one cache root —
// adapted from core/heartbeat_state.go's worker heartbeat and
// core/worker_metrics.go's Redis key conventions, repurposed from
// per-process liveness to per-evaluation scheduling visibility.
package schedstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	heartbeatPrefix = "rbx:eval:heartbeat:"
	heartbeatTTL    = 30 * time.Second
	lockPrefix      = "rbx:cachekey:lock:"
)

// EvaluationHeartbeat is the per-evaluation liveness record a scheduler
// publishes while a sandbox or communication run is in flight.
type EvaluationHeartbeat struct {
	EvaluationID string    `json:"evaluation_id"`
	SolutionPath string    `json:"solution_path"`
	Testcase     string    `json:"testcase"`
	Hostname     string    `json:"hostname"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tracker publishes heartbeats for a set of concurrently-running
// evaluations on this process, and exposes a distributed lock so two
// processes sharing a cache root never compile the same key twice
// (§4.2/§5: "C2 writes are serialized per cache key").
type Tracker struct {
	client   *redis.Client
	hostname string

	mu      sync.Mutex
	running map[string]EvaluationHeartbeat
	cancel  context.CancelFunc
}

// NewTracker wraps a configured go-redis client.
func NewTracker(client *redis.Client) *Tracker {
	hostname, _ := os.Hostname()
	return &Tracker{client: client, hostname: hostname, running: make(map[string]EvaluationHeartbeat)}
}

// Start begins periodic flushing of every tracked heartbeat until ctx is
// cancelled.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.flushAll(ctx)
			}
		}
	}()
}

// Stop halts the flush loop.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// EvaluationStarted registers a running evaluation and flushes it
// immediately so dashboards observe it without waiting for the next tick.
func (t *Tracker) EvaluationStarted(ctx context.Context, evalID, solutionPath, testcase string) {
	now := time.Now()
	hb := EvaluationHeartbeat{
		EvaluationID: evalID,
		SolutionPath: solutionPath,
		Testcase:     testcase,
		Hostname:     t.hostname,
		PID:          os.Getpid(),
		StartedAt:    now,
		UpdatedAt:    now,
	}
	t.mu.Lock()
	t.running[evalID] = hb
	t.mu.Unlock()
	t.flushOne(ctx, hb)
}

// EvaluationFinished stops tracking an evaluation and deletes its key.
func (t *Tracker) EvaluationFinished(ctx context.Context, evalID string) {
	t.mu.Lock()
	delete(t.running, evalID)
	t.mu.Unlock()
	_ = t.client.Del(ctx, heartbeatKey(evalID)).Err()
}

func (t *Tracker) flushAll(ctx context.Context) {
	t.mu.Lock()
	snapshot := make([]EvaluationHeartbeat, 0, len(t.running))
	for _, hb := range t.running {
		hb.UpdatedAt = time.Now()
		snapshot = append(snapshot, hb)
	}
	t.mu.Unlock()
	for _, hb := range snapshot {
		t.flushOne(ctx, hb)
	}
}

func (t *Tracker) flushOne(ctx context.Context, hb EvaluationHeartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("schedstatus: marshal heartbeat: %w", err)
	}
	return t.client.Set(ctx, heartbeatKey(hb.EvaluationID), data, heartbeatTTL).Err()
}

// ListRunning scans Redis for every live evaluation heartbeat, mirroring
// MetricsService.Workers' SCAN-based enumeration.
func (t *Tracker) ListRunning(ctx context.Context) ([]EvaluationHeartbeat, error) {
	var out []EvaluationHeartbeat
	iter := t.client.Scan(ctx, 0, heartbeatPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := t.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var hb EvaluationHeartbeat
		if err := json.Unmarshal([]byte(data), &hb); err != nil {
			continue
		}
		out = append(out, hb)
	}
	return out, iter.Err()
}

func heartbeatKey(evalID string) string {
	return heartbeatPrefix + evalID
}

// AcquireCacheKeyLock takes a distributed lock on a C2 cache key so that
// two worker processes racing to compile the same source never both do
// the real work (§5: "two parallel compilations of the same source wait
// on a key-level lock"). It returns a release function; the lock
// auto-expires after ttl if the process dies before releasing it.
func (t *Tracker) AcquireCacheKeyLock(ctx context.Context, cacheKeyHash string, ttl time.Duration) (release func(context.Context), ok bool, err error) {
	key := lockPrefix + cacheKeyHash
	token := fmt.Sprintf("%d:%d", os.Getpid(), time.Now().UnixNano())
	acquired, err := t.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("schedstatus: acquire lock %s: %w", cacheKeyHash, err)
	}
	if !acquired {
		return nil, false, nil
	}
	release = func(ctx context.Context) {
		cur, err := t.client.Get(ctx, key).Result()
		if err == nil && cur == token {
			_ = t.client.Del(ctx, key).Err()
		}
	}
	return release, true, nil
}
