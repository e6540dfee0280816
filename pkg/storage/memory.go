package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/HatiCode/gridcast/pkg/ensemble"
)

// MemoryStore keeps the latest result per tenant in a map.
// It is safe for concurrent use.
//
// With a TTL, a background goroutine removes results whose GeneratedAt is
// older than the TTL; call Stop to release it. Use RedisStore when several
// forecaster replicas must share results.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]*ensemble.Result
	ttl     time.Duration

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
	stopMu        sync.Mutex
}

// NewMemoryStore creates a store without expiry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[string]*ensemble.Result),
	}
}

// NewMemoryStoreWithTTL creates a store that drops results older than ttl.
// cleanupInterval defaults to one minute.
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) (*MemoryStore, error) {
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	store := &MemoryStore{
		results:       make(map[string]*ensemble.Result),
		ttl:           ttl,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go store.runCleanup()

	return store, nil
}

// Stop shuts down the cleanup goroutine. It is safe to call more than once
// and on a store without TTL.
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
	for tenant, r := range s.results {
		if r.Age(now) > s.ttl {
			delete(s.results, tenant)
		}
	}
}

// Put stores result as the tenant's latest snapshot.
func (s *MemoryStore) Put(ctx context.Context, result *ensemble.Result) error {
	if result == nil {
		return errors.New("result cannot be nil")
	}
	if err := ValidateTenant(result.Tenant); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[result.Tenant] = result
	return nil
}

// GetLatest returns the tenant's latest result. found is false when none is
// stored or it has expired.
func (s *MemoryStore) GetLatest(ctx context.Context, tenant string) (*ensemble.Result, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, found := s.results[tenant]
	if found && s.ttl > 0 && r.Age(time.Now()) > s.ttl {
		return nil, false, nil
	}
	return r, found, nil
}

// Len returns the number of stored results.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Delete removes the tenant's result and reports whether one existed.
func (s *MemoryStore) Delete(tenant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.results[tenant]
	delete(s.results, tenant)
	return existed
}
