// Package registry tracks live client connections and their authorization
// snapshots. The Event Router iterates subscribers via copy-on-read
// snapshots, so registration and deregistration never race with routing.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartwise/insight-stream/internal/platform/auth"
	"github.com/chartwise/insight-stream/internal/platform/phi"
)

// authView is the immutable authorization snapshot a routing decision reads.
// RefreshAuthorization swaps the whole view atomically; in-flight decisions
// keep the view they loaded.
type authView struct {
	patients     map[string]bool
	capabilities map[phi.Classification]bool
}

// Subscriber is one live client connection.
type Subscriber struct {
	ConnectionID uuid.UUID
	UserID       string
	TenantID     string

	view   atomic.Pointer[authView]
	cursor atomic.Uint64
}

// Authorized reports whether the subscriber's current snapshot includes the
// patient.
func (s *Subscriber) Authorized(patientID string) bool {
	return s.view.Load().patients[patientID]
}

// Entitled reports whether the subscriber's role may view fields of the
// given classification.
func (s *Subscriber) Entitled(class phi.Classification) bool {
	return s.view.Load().capabilities[class]
}

// Patients returns the patient IDs in the current snapshot.
func (s *Subscriber) Patients() []string {
	pats := s.view.Load().patients
	out := make([]string, 0, len(pats))
	for pid := range pats {
		out = append(out, pid)
	}
	return out
}

// Cursor returns the highest sequence the subscriber has acknowledged.
func (s *Subscriber) Cursor() uint64 {
	return s.cursor.Load()
}

// AdvanceCursor moves the cursor forward to seq. It never moves backward.
func (s *Subscriber) AdvanceCursor(seq uint64) {
	for {
		cur := s.cursor.Load()
		if seq <= cur || s.cursor.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func newAuthView(snap auth.Snapshot) *authView {
	view := &authView{
		patients:     make(map[string]bool, len(snap.PatientIDs)),
		capabilities: make(map[phi.Classification]bool, len(snap.Capabilities)),
	}
	for _, pid := range snap.PatientIDs {
		view.patients[pid] = true
	}
	for _, cap := range snap.Capabilities {
		view.capabilities[phi.Classification(cap)] = true
	}
	return view
}

// Registry is the shared, concurrency-safe subscriber set.
type Registry struct {
	source auth.Source
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscriber
}

func New(source auth.Source, logger zerolog.Logger) *Registry {
	return &Registry{
		source: source,
		logger: logger,
		subs:   make(map[uuid.UUID]*Subscriber),
	}
}

// Register creates a subscriber for a successfully authenticated connection,
// pulling its authorization snapshot from the source. cursor is the client's
// last acknowledged sequence (zero for a fresh session).
func (r *Registry) Register(ctx context.Context, connectionID uuid.UUID, userID, tenantID string, cursor uint64) (*Subscriber, error) {
	snap, err := r.source.Authorize(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("authorize %s: %w", userID, err)
	}

	sub := &Subscriber{
		ConnectionID: connectionID,
		UserID:       userID,
		TenantID:     tenantID,
	}
	sub.view.Store(newAuthView(snap))
	sub.cursor.Store(cursor)

	r.mu.Lock()
	r.subs[connectionID] = sub
	r.mu.Unlock()

	r.logger.Info().
		Str("connection_id", connectionID.String()).
		Str("user_id", userID).
		Str("tenant_id", tenantID).
		Uint64("cursor", cursor).
		Msg("subscriber registered")
	return sub, nil
}

// Deregister removes a subscriber. Safe to call more than once.
func (r *Registry) Deregister(connectionID uuid.UUID) {
	r.mu.Lock()
	_, ok := r.subs[connectionID]
	delete(r.subs, connectionID)
	r.mu.Unlock()

	if ok {
		r.logger.Info().Str("connection_id", connectionID.String()).Msg("subscriber deregistered")
	}
}

// Get returns the subscriber for a connection, or nil.
func (r *Registry) Get(connectionID uuid.UUID) *Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[connectionID]
}

// Snapshot returns a point-in-time copy of the subscriber set. The slice is
// owned by the caller; concurrent mutation of the registry never invalidates
// it.
func (r *Registry) Snapshot() []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// Len returns the number of live subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// RefreshAuthorization re-pulls the subscriber's snapshot from the source and
// swaps it atomically. On source failure the last-known snapshot stays
// active and the refresh is retried on the next cycle.
func (r *Registry) RefreshAuthorization(ctx context.Context, connectionID uuid.UUID) error {
	sub := r.Get(connectionID)
	if sub == nil {
		return fmt.Errorf("refresh authorization: unknown connection %s", connectionID)
	}

	snap, err := r.source.Authorize(ctx, sub.UserID, sub.TenantID)
	if err != nil {
		return fmt.Errorf("refresh authorization %s: %w", sub.UserID, err)
	}
	sub.view.Store(newAuthView(snap))
	return nil
}

// RunRefresher refreshes every subscriber's snapshot on the given interval
// until ctx is cancelled. Failures keep last-known snapshots and are logged.
func (r *Registry) RunRefresher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sub := range r.Snapshot() {
				if err := r.RefreshAuthorization(ctx, sub.ConnectionID); err != nil {
					r.logger.Warn().Err(err).
						Str("connection_id", sub.ConnectionID.String()).
						Msg("authorization refresh failed, keeping last-known snapshot")
				}
			}
		}
	}
}
