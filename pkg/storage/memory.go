package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore implements an in-memory store for forecast snapshots.
// It is safe for concurrent use by multiple goroutines.
//
// MemoryStore keeps the latest snapshot per region in a map. If TTL is
// configured, a background goroutine removes stale snapshots. For
// deployments needing persistence or multiple instances, use RedisStore
// instead.
type MemoryStore struct {
	mu            sync.RWMutex
	snapshots     map[string]Snapshot
	ttl           time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
	stopMu        sync.Mutex
}

// NewMemoryStore creates an in-memory snapshot store with no TTL.
// Snapshots stay until replaced or deleted.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]Snapshot),
	}
}

// NewMemoryStoreWithTTL creates an in-memory snapshot store with
// automatic TTL-based cleanup. A background goroutine removes snapshots
// older than ttl every cleanupInterval.
//
// The cleanup goroutine must be stopped by calling Stop() when the store
// is no longer needed.
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	store := &MemoryStore{
		snapshots:     make(map[string]Snapshot),
		ttl:           ttl,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go store.runCleanup()

	return store
}

// Stop gracefully shuts down the background cleanup goroutine. It blocks
// until cleanup is complete. Calling Stop multiple times or on a store
// without TTL is safe and does nothing.
func (s *MemoryStore) Stop() {
	if s.cleanupTicker == nil {
		return
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return
	}

	close(s.stopCleanup)
	<-s.cleanupDone
	s.cleanupTicker.Stop()
	s.stopped = true
}

func (s *MemoryStore) runCleanup() {
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl == 0 {
		return
	}

	now := time.Now()
	for region, snapshot := range s.snapshots {
		if now.Sub(snapshot.GeneratedAt) > s.ttl {
			delete(s.snapshots, region)
		}
	}
}

// Put stores a snapshot for a region, replacing any existing snapshot.
//
// Returns an error if the snapshot's Region field is empty or if the
// context is canceled. Safe for concurrent use.
func (s *MemoryStore) Put(ctx context.Context, snapshot Snapshot) error {
	if snapshot.Region == "" {
		return fmt.Errorf("snapshot region cannot be empty")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snapshot.Region] = snapshot
	return nil
}

// GetLatest retrieves the most recent snapshot for a region.
//
// Returns the stored snapshot (zero value if not found), whether one
// exists, and the context error if canceled. Safe for concurrent use.
func (s *MemoryStore) GetLatest(ctx context.Context, region string) (Snapshot, bool, error) {
	select {
	case <-ctx.Done():
		return Snapshot{}, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, found := s.snapshots[region]
	return snapshot, found, nil
}

// Len returns the number of snapshots currently stored. Primarily useful
// for testing and metrics.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// Delete removes a snapshot for a region. Returns true if a snapshot was
// deleted, false if none existed.
func (s *MemoryStore) Delete(region string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.snapshots[region]
	delete(s.snapshots, region)
	return existed
}
