package backlog

import (
	"context"
	"sync"
	"time"

	"github.com/chartwise/insight-stream/internal/stream/event"
)

type memoryEntry struct {
	change     *event.Change
	appendedAt time.Time
}

// scopeLog keeps entries in append order. Sequences are strictly increasing
// per source, so append order is sequence order. floor is the highest evicted
// sequence; everything above it is contiguous.
type scopeLog struct {
	entries []memoryEntry
	floor   uint64
}

// MemoryStore is the single-instance store. Suitable for development and for
// deployments without Redis; history does not survive a restart.
type MemoryStore struct {
	policy Policy
	now    func() time.Time

	mu     sync.Mutex
	scopes map[string]*scopeLog
}

func NewMemoryStore(policy Policy) *MemoryStore {
	return &MemoryStore{
		policy: policy,
		now:    time.Now,
		scopes: make(map[string]*scopeLog),
	}
}

func (s *MemoryStore) Append(ctx context.Context, ch *event.Change) error {
	key := ch.Scope().Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.scopes[key]
	if log == nil {
		log = &scopeLog{}
		s.scopes[key] = log
	}
	if n := len(log.entries); n > 0 && ch.Sequence <= log.entries[n-1].change.Sequence {
		return nil
	}
	if ch.Sequence <= log.floor {
		return nil
	}
	log.entries = append(log.entries, memoryEntry{change: ch, appendedAt: s.now()})
	return nil
}

func (s *MemoryStore) Replay(ctx context.Context, scope event.Scope, from uint64) ([]*event.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.scopes[scope.Key()]
	if log == nil {
		return nil, nil
	}
	if from < log.floor {
		return nil, ErrGapExceeded
	}
	var out []*event.Change
	for _, e := range log.entries {
		if e.change.Sequence > from {
			out = append(out, e.change)
		}
	}
	return out, nil
}

func (s *MemoryStore) Evict(ctx context.Context) error {
	cutoff := s.now().Add(-s.policy.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, log := range s.scopes {
		drop := 0
		for drop < len(log.entries) && log.entries[drop].appendedAt.Before(cutoff) {
			drop++
		}
		if over := len(log.entries) - s.policy.ScopeCap; over > drop {
			drop = over
		}
		if drop == 0 {
			continue
		}
		log.floor = log.entries[drop-1].change.Sequence
		log.entries = append(log.entries[:0], log.entries[drop:]...)
	}
	return nil
}
