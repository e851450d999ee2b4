package services

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gongysh2004/cogview4-server/internal/core/domain"
)

// BatchManagerConfig tunes coalescing behavior.
type BatchManagerConfig struct {
	BatchTimeout   time.Duration
	MaxBatchSize   int
	MaxTotalPixels int
}

// BatchManager coalesces key-equal requests into multi-prompt batches under
// size, age and VRAM caps. All state is in memory; buckets are destroyed on
// flush, timeout or VRAM eviction.
type BatchManager struct {
	logger *slog.Logger
	cfg    BatchManagerConfig

	mu      sync.Mutex
	pending map[domain.BatchKey]*bucket
}

type bucket struct {
	requests []domain.GenerationRequest
	since    time.Time // arrival of the first member
}

func NewBatchManager(logger *slog.Logger, cfg BatchManagerConfig) *BatchManager {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 8
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 500 * time.Millisecond
	}
	return &BatchManager{
		logger:  logger,
		cfg:     cfg,
		pending: make(map[domain.BatchKey]*bucket),
	}
}

// Add places a request into its bucket and returns a ready batch when the
// bucket hit the size or age threshold, or when admitting the request would
// bring the bucket to or past the VRAM cap (the existing bucket is flushed and the
// request seeds a fresh one). Returns nil while the request stays pending.
func (m *BatchManager) Add(req domain.GenerationRequest) *domain.BatchedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := req.Key()
	bkt, ok := m.pending[key]
	if !ok {
		bkt = &bucket{since: time.Now()}
		m.pending[key] = bkt
	}

	projected := req.Pixels() * (len(bkt.requests) + 1)
	if projected >= m.cfg.MaxTotalPixels && len(bkt.requests) > 0 {
		batch := m.createBatch(bkt.requests)
		m.pending[key] = &bucket{requests: []domain.GenerationRequest{req}, since: time.Now()}
		m.logger.Debug("flushed batch on VRAM cap",
			"batch_id", batch.BatchID, "projected_pixels", projected, "cap", m.cfg.MaxTotalPixels)
		return batch
	}

	bkt.requests = append(bkt.requests, req)
	if len(bkt.requests) >= m.cfg.MaxBatchSize || time.Since(bkt.since) >= m.cfg.BatchTimeout {
		batch := m.createBatch(bkt.requests)
		delete(m.pending, key)
		return batch
	}

	return nil
}

// CheckTimeouts flushes every bucket older than the batch timeout. The
// caller runs this on a ~100ms ticker and dispatches the returned batches.
func (m *BatchManager) CheckTimeouts() []*domain.BatchedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var batches []*domain.BatchedRequest
	for key, bkt := range m.pending {
		if time.Since(bkt.since) >= m.cfg.BatchTimeout {
			if len(bkt.requests) > 0 {
				batches = append(batches, m.createBatch(bkt.requests))
			}
			delete(m.pending, key)
		}
	}
	return batches
}

// FlushAll drains every pending bucket regardless of age. Used on shutdown
// so waiting clients still complete.
func (m *BatchManager) FlushAll() []*domain.BatchedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var batches []*domain.BatchedRequest
	for key, bkt := range m.pending {
		if len(bkt.requests) > 0 {
			batches = append(batches, m.createBatch(bkt.requests))
		}
		delete(m.pending, key)
	}
	return batches
}

// PendingCount reports how many requests sit in unflushed buckets.
func (m *BatchManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, bkt := range m.pending {
		n += len(bkt.requests)
	}
	return n
}

// createBatch aligns member fields into parallel slices in bucket-insertion
// order. Shared parameters come from the first member, legal by key equality.
func (m *BatchManager) createBatch(requests []domain.GenerationRequest) *domain.BatchedRequest {
	first := requests[0]
	batch := &domain.BatchedRequest{
		BatchID:       newShortID(),
		NumImages:     first.NumImages,
		Width:         first.Width,
		Height:        first.Height,
		GuidanceScale: first.GuidanceScale,
		Steps:         first.Steps,
		Stream:        first.Stream,
	}
	for _, r := range requests {
		batch.Prompts = append(batch.Prompts, r.Prompt)
		batch.NegativePrompts = append(batch.NegativePrompts, r.NegativePrompt)
		batch.RequestIDs = append(batch.RequestIDs, r.RequestID)
		batch.Seeds = append(batch.Seeds, r.Seed)
	}
	return batch
}

// newShortID returns the 8-hex prefix of a UUID, enough to correlate logs.
func newShortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
