// Package backlog is the resume/replay store: a bounded per-scope history of
// routed change events used to catch a reconnecting client up from its last
// acknowledged cursor.
package backlog

import (
	"context"
	"errors"
	"time"

	"github.com/chartwise/insight-stream/internal/stream/event"
)

// ErrGapExceeded reports that the earliest retained sequence for a scope is
// past the requested cursor, so an incremental replay would have holes. The
// caller must signal a full resync instead.
var ErrGapExceeded = errors.New("backlog: gap exceeds retained window")

// Store holds routed events per scope, bounded by age and count.
type Store interface {
	// Append records an event under its scope. Re-appending a sequence
	// already held for the scope is a no-op.
	Append(ctx context.Context, ch *event.Change) error

	// Replay returns retained events for the scope with sequence greater
	// than from, in ascending sequence order. Returns ErrGapExceeded when
	// eviction has removed events the caller would need.
	Replay(ctx context.Context, scope event.Scope, from uint64) ([]*event.Change, error)

	// Evict enforces the retention bounds. Run periodically.
	Evict(ctx context.Context) error
}

// Policy bounds retention. Count is a per-scope cap, oldest evicted first.
type Policy struct {
	Retention time.Duration
	ScopeCap  int
}

// RunEviction drives a store's eviction pass on a fixed interval until ctx
// is cancelled. Eviction failures are reported to onErr and do not stop the
// loop.
func RunEviction(ctx context.Context, store Store, every time.Duration, onErr func(error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Evict(ctx); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
