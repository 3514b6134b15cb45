package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Snapshot is a point-in-time view of what a user may observe. It is
// refreshed at connect time and on a bounded interval; revocations take
// effect within that interval, not instantaneously.
type Snapshot struct {
	PatientIDs   []string
	Capabilities []string
}

// Source resolves authorization snapshots. Treated as eventually consistent.
type Source interface {
	Authorize(ctx context.Context, userID, tenantID string) (Snapshot, error)
}

// PGSource reads grants and entitlements from the primary database.
type PGSource struct {
	pool *pgxpool.Pool
}

func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

// Authorize queries patient_grants and role_entitlements for the user.
func (s *PGSource) Authorize(ctx context.Context, userID, tenantID string) (Snapshot, error) {
	var snap Snapshot

	rows, err := s.pool.Query(ctx,
		`SELECT patient_id FROM patient_grants WHERE user_id = $1 AND tenant_id = $2`,
		userID, tenantID)
	if err != nil {
		return snap, fmt.Errorf("query patient grants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return snap, fmt.Errorf("scan patient grant: %w", err)
		}
		snap.PatientIDs = append(snap.PatientIDs, pid)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterate patient grants: %w", err)
	}

	capRows, err := s.pool.Query(ctx,
		`SELECT capability FROM role_entitlements WHERE user_id = $1`, userID)
	if err != nil {
		return snap, fmt.Errorf("query entitlements: %w", err)
	}
	defer capRows.Close()
	for capRows.Next() {
		var cap string
		if err := capRows.Scan(&cap); err != nil {
			return snap, fmt.Errorf("scan entitlement: %w", err)
		}
		snap.Capabilities = append(snap.Capabilities, cap)
	}
	if err := capRows.Err(); err != nil {
		return snap, fmt.Errorf("iterate entitlements: %w", err)
	}

	return snap, nil
}

// StaticSource serves fixed snapshots from memory. Used in development and
// tests.
type StaticSource struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot // key: userID + "/" + tenantID
}

func NewStaticSource() *StaticSource {
	return &StaticSource{snaps: make(map[string]Snapshot)}
}

// Grant replaces the snapshot for a user/tenant pair.
func (s *StaticSource) Grant(userID, tenantID string, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[userID+"/"+tenantID] = snap
}

func (s *StaticSource) Authorize(_ context.Context, userID, tenantID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[userID+"/"+tenantID]
	if !ok {
		return Snapshot{}, nil
	}
	return snap, nil
}
