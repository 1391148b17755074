package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"paperflow/internal/cache"
	"paperflow/internal/database"
	"paperflow/internal/model"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// snapshotTTL bounds how long a progress snapshot outlives its last update
const snapshotTTL = 10 * time.Minute

// ProgressSnapshot is the cached view of a request's progress, cheap enough
// to serve on every status poll without touching Mongo.
type ProgressSnapshot struct {
	RequestID     string    `json:"request_id"`
	Status        string    `json:"status"`
	Progress      int       `json:"progress"`
	WorkerID      string    `json:"worker_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ProgressTracker persists progress and heartbeats on the request row and
// mirrors a snapshot into the cache.
type ProgressTracker struct {
	db    database.Database
	cache cache.Cache
}

// NewProgressTracker creates a progress tracker
func NewProgressTracker(db database.Database, c cache.Cache) *ProgressTracker {
	return &ProgressTracker{db: db, cache: c}
}

func snapshotKey(requestID primitive.ObjectID) string {
	return "progress:" + requestID.Hex()
}

// Start records the worker claiming the request and seeds the snapshot
func (t *ProgressTracker) Start(ctx context.Context, requestID primitive.ObjectID, workerID string) error {
	if err := t.db.StartRequest(ctx, requestID, workerID); err != nil {
		return err
	}

	t.writeSnapshot(ctx, ProgressSnapshot{
		RequestID:     requestID.Hex(),
		Status:        string(model.RequestProcessing),
		Progress:      0,
		WorkerID:      workerID,
		LastHeartbeat: time.Now(),
	})

	return nil
}

// Checkpoint refreshes progress and heartbeat. Failures are logged and
// swallowed: a missed heartbeat must never fail the work itself.
func (t *ProgressTracker) Checkpoint(ctx context.Context, requestID primitive.ObjectID, progress int) {
	if err := t.db.UpdateRequestProgress(ctx, requestID, progress); err != nil {
		log.Warn().Err(err).Str("requestID", requestID.Hex()).Int("progress", progress).Msg("Heartbeat write failed")
		return
	}

	t.writeSnapshot(ctx, ProgressSnapshot{
		RequestID:     requestID.Hex(),
		Status:        string(model.RequestProcessing),
		Progress:      progress,
		LastHeartbeat: time.Now(),
	})
}

// Finish drops the cached snapshot once the request is terminal; polls fall
// through to the store from here on.
func (t *ProgressTracker) Finish(ctx context.Context, requestID primitive.ObjectID) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Delete(ctx, snapshotKey(requestID)); err != nil {
		log.Debug().Err(err).Str("requestID", requestID.Hex()).Msg("Could not drop progress snapshot")
	}
}

// Snapshot returns the cached progress view, or database.ErrNotFound when no
// snapshot is cached.
func (t *ProgressTracker) Snapshot(ctx context.Context, requestID primitive.ObjectID) (*ProgressSnapshot, error) {
	if t.cache == nil {
		return nil, database.ErrNotFound
	}

	raw, err := t.cache.Get(ctx, snapshotKey(requestID))
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	var snap ProgressSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}

	return &snap, nil
}

func (t *ProgressTracker) writeSnapshot(ctx context.Context, snap ProgressSnapshot) {
	if t.cache == nil {
		return
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}

	if err := t.cache.Set(ctx, "progress:"+snap.RequestID, raw, snapshotTTL); err != nil {
		log.Debug().Err(err).Str("requestID", snap.RequestID).Msg("Could not cache progress snapshot")
	}
}

// SweepStale fails every processing request whose heartbeat is older than
// olderThan and reports each to the orchestrator so batch counters still
// advance for crashed or wedged workers. Returns how many were swept.
func (t *ProgressTracker) SweepStale(ctx context.Context, olderThan time.Duration, report func(ctx context.Context, outcome StaleOutcome)) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	stale, err := t.db.FindStaleRequests(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, req := range stale {
		heartbeatAge := time.Since(req.LastHeartbeat)

		err := t.db.FailRequest(ctx, req.ID, model.ErrTypeTimeout,
			"worker heartbeat expired after "+heartbeatAge.Truncate(time.Second).String())
		if err != nil {
			log.Error().Err(err).Str("requestID", req.ID.Hex()).Msg("Failed to sweep stale request")
			continue
		}

		t.Finish(ctx, req.ID)
		swept++

		log.Warn().
			Str("requestID", req.ID.Hex()).
			Str("workerID", req.WorkerID).
			Dur("heartbeatAge", heartbeatAge).
			Msg("Swept stale request")

		if report != nil {
			report(ctx, StaleOutcome{Request: req})
		}
	}

	return swept, nil
}

// StaleOutcome identifies a request the sweeper force-failed
type StaleOutcome struct {
	Request model.ProcessingRequest
}
