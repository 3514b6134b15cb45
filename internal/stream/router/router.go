// Package router fans change events out to eligible subscribers. Work is
// partitioned by scope so successive sequences for one tenant/patient pair
// are always applied in order without a global lock.
package router

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartwise/insight-stream/internal/platform/phi"
	"github.com/chartwise/insight-stream/internal/stream/backlog"
	"github.com/chartwise/insight-stream/internal/stream/delivery"
	"github.com/chartwise/insight-stream/internal/stream/event"
	"github.com/chartwise/insight-stream/internal/stream/registry"
	"github.com/chartwise/insight-stream/internal/stream/view"
)

// Sink accepts routed frames for a connection. Implemented by the delivery
// manager; a test double in this package's tests.
type Sink interface {
	Enqueue(connectionID uuid.UUID, env delivery.Envelope) error
	Resync(connectionID uuid.UUID) error
}

// Journal reads the authoritative change journal past a given row id.
// Implemented by source.PGJournal.
type Journal interface {
	After(ctx context.Context, id uint64) ([]*event.Change, error)
}

// work is one unit on a partition channel. A barrier carries no change; the
// worker signals it once everything queued before it has been applied.
type work struct {
	change  *event.Change
	barrier *sync.WaitGroup
}

type Router struct {
	registry *registry.Registry
	gate     *phi.Gate
	store    backlog.Store
	journal  Journal
	sink     Sink
	auditor  phi.AccessAuditor
	logger   zerolog.Logger

	onStoreFailure func()

	partitions []chan work
	wg         sync.WaitGroup

	// dispatcher-owned: highest sequence routed per scope.
	lastRouted map[event.Scope]uint64
}

func New(reg *registry.Registry, gate *phi.Gate, store backlog.Store, journal Journal, sink Sink, auditor phi.AccessAuditor, partitions int, logger zerolog.Logger) *Router {
	r := &Router{
		registry:   reg,
		gate:       gate,
		store:      store,
		journal:    journal,
		sink:       sink,
		auditor:    auditor,
		logger:     logger,
		partitions: make([]chan work, partitions),
		lastRouted: make(map[event.Scope]uint64),
	}
	for i := range r.partitions {
		r.partitions[i] = make(chan work, 64)
	}
	return r
}

// OnStoreFailure registers a callback invoked whenever a backlog or journal
// operation fails. Wired to the health monitor; set before Run.
func (r *Router) OnStoreFailure(fn func()) {
	r.onStoreFailure = fn
}

func (r *Router) reportStoreFailure() {
	if r.onStoreFailure != nil {
		r.onStoreFailure()
	}
}

// Run consumes the source stream until it is closed, then drains every
// partition before returning, so a shutdown never abandons an event already
// pulled from upstream.
func (r *Router) Run(ctx context.Context, events <-chan event.Message) {
	for i := range r.partitions {
		r.wg.Add(1)
		go r.worker(ctx, r.partitions[i])
	}

	for msg := range events {
		switch {
		case msg.Change != nil:
			r.dispatch(msg.Change)
		case msg.Gap != nil:
			r.handleGap(ctx, msg.Gap)
		}
	}

	for _, p := range r.partitions {
		close(p)
	}
	r.wg.Wait()
}

func (r *Router) dispatch(ch *event.Change) {
	scope := ch.Scope()
	r.lastRouted[scope] = ch.Sequence
	r.partitions[r.partition(scope)] <- work{change: ch}
}

func (r *Router) partition(scope event.Scope) int {
	h := fnv.New32a()
	h.Write([]byte(scope.Key()))
	return int(h.Sum32()) % len(r.partitions)
}

func (r *Router) worker(ctx context.Context, in <-chan work) {
	defer r.wg.Done()
	for w := range in {
		if w.barrier != nil {
			w.barrier.Done()
			continue
		}
		r.route(ctx, w.change)
	}
}

// route persists the event and fans it out. The backlog append happens
// before any enqueue so a session that misses the live frame can always
// recover it by replay.
func (r *Router) route(ctx context.Context, ch *event.Change) {
	if err := r.store.Append(ctx, ch); err != nil {
		r.reportStoreFailure()
		r.logger.Error().Err(err).Uint64("sequence", ch.Sequence).Msg("backlog append failed")
	}

	for _, sub := range r.registry.Snapshot() {
		if sub.TenantID != ch.TenantID || !sub.Authorized(ch.PatientID) {
			continue
		}
		v := view.Build(r.gate, sub, ch, r.logger)
		at := ch.OccurredAt
		err := r.sink.Enqueue(sub.ConnectionID, delivery.Envelope{
			Type:       delivery.TypeEvent,
			Sequence:   ch.Sequence,
			EntityKind: string(ch.EntityKind),
			EntityID:   ch.EntityID,
			OccurredAt: &at,
			View:       v,
		})
		switch {
		case err == nil:
			if len(v) > 0 {
				r.auditor.RecordAccess(ctx, phi.AccessRecord{
					UserID:     sub.UserID,
					TenantID:   ch.TenantID,
					PatientID:  ch.PatientID,
					EntityKind: string(ch.EntityKind),
					EntityID:   ch.EntityID,
					Fields:     view.Fields(v),
					AccessedAt: time.Now().UTC(),
				})
			}
		case errors.Is(err, delivery.ErrSlowConsumer):
			r.logger.Warn().
				Str("connection_id", sub.ConnectionID.String()).
				Uint64("sequence", ch.Sequence).
				Msg("slow consumer dropped")
		default:
			// Backpressure and just-closed connections recover via replay.
			r.logger.Debug().Err(err).
				Str("connection_id", sub.ConnectionID.String()).
				Uint64("sequence", ch.Sequence).
				Msg("frame not enqueued")
		}
	}
}

// handleGap runs on the dispatcher after upstream reconnected with unknown
// loss. Partitions are flushed first so recovered events cannot overtake
// in-flight ones. The journal is then the authority: every row committed
// during the outage is read back and routed, so clients see no loss and no
// resync. Only when the journal itself cannot be read does the router fall
// back to salvaging a shared backlog and telling every client to resync.
func (r *Router) handleGap(ctx context.Context, gap *event.Gap) {
	r.logger.Warn().Uint64("last_sequence", gap.LastSequence).Msg("upstream gap, reconciling")

	var barrier sync.WaitGroup
	barrier.Add(len(r.partitions))
	for _, p := range r.partitions {
		p <- work{barrier: &barrier}
	}
	barrier.Wait()

	if r.journal != nil {
		missed, err := r.journal.After(ctx, gap.LastSequence)
		if err == nil {
			for _, ch := range missed {
				// Rows the resumed notification stream redelivers are
				// deduplicated downstream by the backlog and each
				// session's last-sent check.
				r.lastRouted[ch.Scope()] = ch.Sequence
				r.route(ctx, ch)
			}
			r.logger.Info().Int("recovered", len(missed)).Msg("gap recovered from journal")
			return
		}
		r.reportStoreFailure()
		r.logger.Error().Err(err).Msg("journal read failed, falling back to backlog salvage")
	}

	for scope, last := range r.lastRouted {
		changes, err := r.store.Replay(ctx, scope, last)
		if err != nil {
			if !errors.Is(err, backlog.ErrGapExceeded) {
				r.reportStoreFailure()
				r.logger.Error().Err(err).Str("scope", scope.Key()).Msg("gap replay failed")
			}
			continue
		}
		for _, ch := range changes {
			r.lastRouted[scope] = ch.Sequence
			r.route(ctx, ch)
		}
	}

	// Without the journal the loss cannot be narrowed to a scope.
	for _, sub := range r.registry.Snapshot() {
		if err := r.sink.Resync(sub.ConnectionID); err != nil {
			r.logger.Debug().Err(err).Str("connection_id", sub.ConnectionID.String()).Msg("resync signal not delivered")
		}
	}
}
