package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter はキーごとの失敗回数と、ウィンドウがリセットされる時刻です。
type Counter struct {
	Count   int
	ResetAt time.Time
}

// Store はカウンターの保存先です。
// ウィンドウは最初の失敗から固定で、期限を過ぎたカウンターは存在しないものとして扱います。
type Store interface {
	Get(ctx context.Context, key string) (Counter, error)
	Increment(ctx context.Context, key string, window time.Duration) (Counter, error)
	Reset(ctx context.Context, key string) error
	// Sweep は期限切れのカウンターを削除し、削除件数を返します。
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore はプロセス内の map に保存する Store です。単一インスタンス向けです。
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*Counter
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*Counter),
		now:      time.Now,
	}
}

// SetClock はテスト用に時刻を差し替えます。
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Get(_ context.Context, key string) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !s.now().Before(c.ResetAt) {
		return Counter{}, nil
	}
	return *c, nil
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.ResetAt) {
		c = &Counter{ResetAt: now.Add(window)}
		s.counters[key] = c
	}
	c.Count++
	return *c, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, c := range s.counters {
		if !now.Before(c.ResetAt) {
			delete(s.counters, k)
			removed++
		}
	}
	return removed, nil
}

// Len は保持しているカウンター数を返します。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
