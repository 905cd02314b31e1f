package alarms

import (
	"sync"
	"time"

	"tagwatch/internal/model"
)

// Store keeps the most recent alarm events in a bounded ring for queries.
type Store struct {
	mu    sync.RWMutex
	buf   []model.AlarmEvent
	limit int
	total int64
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(ev model.AlarmEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
}

func (s *Store) List(limit int) []model.AlarmEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.AlarmEvent, 0, limit)
	start := len(s.buf) - limit
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.AlarmEvent {
	ms := ts.UnixMilli()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AlarmEvent, 0)
	for _, ev := range s.buf {
		if ev.Timestamp >= ms {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) Total() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
