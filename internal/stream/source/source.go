// Package source consumes change notifications from Postgres and turns them
// into a single ordered stream of change events. Sequences are the journal
// row ids carried in each notification, so they survive restarts and agree
// across instances sharing one backlog.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/chartwise/insight-stream/internal/platform/db"
	"github.com/chartwise/insight-stream/internal/stream/event"
)

// State is the source's connection state, reported on the health endpoint.
type State int32

const (
	StateConnected State = iota
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Conn is a live notification connection.
type Conn interface {
	// WaitForNotification blocks until a notification payload arrives.
	WaitForNotification(ctx context.Context) (string, error)
	Close()
}

// Listener opens notification connections. It exists so tests can drive the
// source without a database.
type Listener interface {
	Listen(ctx context.Context) (Conn, error)
}

type pgConn struct {
	conn *pgxpool.Conn
}

func (c *pgConn) WaitForNotification(ctx context.Context) (string, error) {
	n, err := c.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}

func (c *pgConn) Close() {
	c.conn.Release()
}

// PGListener listens on a Postgres NOTIFY channel via a pooled connection.
type PGListener struct {
	Pool    *pgxpool.Pool
	Channel string
}

func (l *PGListener) Listen(ctx context.Context) (Conn, error) {
	conn, err := db.Listen(ctx, l.Pool, l.Channel)
	if err != nil {
		return nil, err
	}
	return &pgConn{conn: conn}, nil
}

// wireChange is the JSON shape published by the reporting pipeline's
// pg_notify trigger. ID is the journal row id and becomes the event's
// sequence.
type wireChange struct {
	ID               uint64            `json:"id"`
	EntityKind       string            `json:"entity_kind"`
	EntityID         string            `json:"entity_id"`
	TenantID         string            `json:"tenant_id"`
	PatientID        string            `json:"patient_id"`
	OccurredAt       time.Time         `json:"occurred_at"`
	Payload          map[string]string `json:"payload"`
	PayloadEncrypted bool              `json:"payload_encrypted"`
}

// Source is the single producer of the event stream. Sequences come from the
// journal row id, strictly increasing and never reused even across process
// restarts; notifications arriving out of order or twice are dropped.
type Source struct {
	listener   Listener
	logger     zerolog.Logger
	maxBackoff time.Duration

	out   chan event.Message
	seq   uint64
	state atomic.Int32
}

const connectBaseBackoff = time.Second

func New(listener Listener, maxBackoff time.Duration, logger zerolog.Logger) *Source {
	s := &Source{
		listener:   listener,
		logger:     logger,
		maxBackoff: maxBackoff,
		out:        make(chan event.Message, 64),
	}
	s.state.Store(int32(StateReconnecting))
	return s
}

// Events is the ordered output stream. It is closed when Run returns.
func (s *Source) Events() <-chan event.Message {
	return s.out
}

// State returns the current connection state.
func (s *Source) State() State {
	return State(s.state.Load())
}

// LastSequence returns the highest journal sequence seen so far.
func (s *Source) LastSequence() uint64 {
	return atomic.LoadUint64(&s.seq)
}

// Run consumes notifications until ctx is cancelled. A lost connection is
// retried with capped exponential backoff; because notifications raised
// during the outage are gone, every reconnect after a successful session
// emits a gap marker before new events resume.
func (s *Source) Run(ctx context.Context) {
	defer func() {
		s.state.Store(int32(StateStopped))
		close(s.out)
	}()

	everConnected := false
	for {
		conn, err := s.connect(ctx)
		if err != nil {
			return
		}
		if everConnected {
			s.emitGap(ctx)
		}
		everConnected = true
		s.state.Store(int32(StateConnected))
		s.logger.Info().Msg("change event source connected")

		err = s.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.state.Store(int32(StateReconnecting))
		s.logger.Warn().Err(err).Msg("notification connection lost, reconnecting")
	}
}

// connect retries until a connection is established or ctx is cancelled.
func (s *Source) connect(ctx context.Context) (Conn, error) {
	backoff := connectBaseBackoff
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := s.listener.Listen(ctx)
		if err == nil {
			return conn, nil
		}
		s.state.Store(int32(StateReconnecting))

		// Full jitter keeps reconnect storms from synchronizing.
		delay := time.Duration(rand.Int63n(int64(backoff)) + 1)
		s.logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("listen failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *Source) consume(ctx context.Context, conn Conn) error {
	for {
		payload, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		change, err := s.decode(payload)
		if err != nil {
			s.logger.Warn().Err(err).Str("payload", payload).Msg("dropping malformed notification")
			continue
		}
		if last := atomic.LoadUint64(&s.seq); change.Sequence <= last {
			// Redelivered or out-of-order notification; the journal id it
			// carries was already streamed.
			s.logger.Warn().
				Uint64("sequence", change.Sequence).
				Uint64("last_sequence", last).
				Msg("dropping non-increasing notification")
			continue
		}
		atomic.StoreUint64(&s.seq, change.Sequence)
		select {
		case s.out <- event.Message{Change: change}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Source) decode(payload string) (*event.Change, error) {
	var wire wireChange
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if wire.ID == 0 {
		return nil, fmt.Errorf("decode notification: missing journal id")
	}
	change := &event.Change{
		Sequence:         wire.ID,
		EntityKind:       event.EntityKind(wire.EntityKind),
		EntityID:         wire.EntityID,
		TenantID:         wire.TenantID,
		PatientID:        wire.PatientID,
		OccurredAt:       wire.OccurredAt,
		Payload:          wire.Payload,
		PayloadEncrypted: wire.PayloadEncrypted,
	}
	if err := change.Validate(); err != nil {
		return nil, err
	}
	return change, nil
}

func (s *Source) emitGap(ctx context.Context) {
	gap := &event.Gap{
		LastSequence: atomic.LoadUint64(&s.seq),
		DetectedAt:   time.Now().UTC(),
	}
	s.logger.Warn().Uint64("last_sequence", gap.LastSequence).Msg("emitting gap marker after reconnect")
	select {
	case s.out <- event.Message{Gap: gap}:
	case <-ctx.Done():
	}
}
