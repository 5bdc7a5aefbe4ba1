// Package memory keeps delivery claims in process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/manga-crawl-engine/internal/claims"
	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

// Store is an expiring in-memory claims.Store.
type Store struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock crawler.Clock
	done  map[string]time.Time
}

var _ claims.Store = (*Store)(nil)

// New builds a Store. A non-positive ttl uses claims.DefaultTTL.
func New(clock crawler.Clock, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = claims.DefaultTTL
	}
	return &Store{ttl: ttl, clock: clock, done: make(map[string]time.Time)}
}

// Done implements claims.Store.
func (s *Store) Done(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(key), nil
}

// MarkDone implements claims.Store.
func (s *Store) MarkDone(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveLocked(key) {
		return false, nil
	}
	s.done[key] = s.clock.Now().Add(s.ttl)
	return true, nil
}

func (s *Store) liveLocked(key string) bool {
	expires, ok := s.done[key]
	if !ok {
		return false
	}
	if !s.clock.Now().Before(expires) {
		delete(s.done, key)
		return false
	}
	return true
}
