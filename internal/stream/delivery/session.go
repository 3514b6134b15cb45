package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chartwise/insight-stream/internal/platform/phi"
	"github.com/chartwise/insight-stream/internal/stream/backlog"
	"github.com/chartwise/insight-stream/internal/stream/event"
	"github.com/chartwise/insight-stream/internal/stream/registry"
	"github.com/chartwise/insight-stream/internal/stream/view"
)

const maxClientMessage = 4 << 10

// session is one live connection. The write pump is the only writer to the
// websocket; Enqueue and Resync only touch the queue and flags.
//
// A session starts catching up: the first thing the write pump does is
// replay from the subscriber's cursor. The same path heals a queue overflow
// mid-stream, which is safe because the router appends every event to the
// backlog before enqueueing it here, so the backlog is always a superset of
// the live feed.
type session struct {
	mgr    *Manager
	conn   *websocket.Conn
	sub    *registry.Subscriber
	logger zerolog.Logger

	queue chan Envelope
	kick  chan struct{}
	done  chan struct{}

	catchingUp    atomic.Bool
	stalledAt     atomic.Int64
	pendingResync atomic.Bool

	// write-pump owned
	lastSent uint64

	closeOnce sync.Once
	onClose   func()
}

func newSession(mgr *Manager, conn *websocket.Conn, sub *registry.Subscriber, onClose func()) *session {
	s := &session{
		mgr:      mgr,
		conn:     conn,
		sub:      sub,
		logger:   mgr.logger.With().Str("connection_id", sub.ConnectionID.String()).Logger(),
		queue:    make(chan Envelope, mgr.opts.QueueSize),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		lastSent: sub.Cursor(),
		onClose:  onClose,
	}
	s.catchingUp.Store(true)
	return s
}

// enqueue accepts a live frame without ever blocking the caller. On a full
// queue the frame is refused and the session flips to catch-up mode; the
// dropped range comes back from the backlog once the client drains.
func (s *session) enqueue(env Envelope) error {
	if st := s.stalledAt.Load(); st != 0 && time.Since(time.Unix(0, st)) > s.mgr.opts.SlowConsumerTimeout {
		s.logger.Warn().Msg("slow consumer stalled past threshold, disconnecting")
		s.close()
		return ErrSlowConsumer
	}
	if s.catchingUp.Load() {
		return ErrBackpressure
	}
	select {
	case s.queue <- env:
		s.stalledAt.Store(0)
		return nil
	default:
		s.stalledAt.CompareAndSwap(0, time.Now().UnixNano())
		s.catchingUp.Store(true)
		return ErrBackpressure
	}
}

// resync asks the write pump to tell the client to re-fetch full state
// out-of-band. Used when an upstream gap cannot be replayed.
func (s *session) resync() {
	s.pendingResync.Store(true)
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *session) run() {
	go s.readPump()
	go s.writePump()
}

func (s *session) readPump() {
	defer s.close()

	pongWait := 2 * s.mgr.opts.HeartbeatInterval
	s.conn.SetReadLimit(maxClientMessage)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var ack clientAck
		if err := json.Unmarshal(data, &ack); err != nil || ack.Type != "ack" {
			s.logger.Debug().Str("payload", string(data)).Msg("ignoring unrecognized client message")
			continue
		}
		s.sub.AdvanceCursor(ack.Sequence)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.mgr.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		if s.pendingResync.CompareAndSwap(true, false) {
			if err := s.writeFrame(Envelope{Type: TypeResyncRequired}); err != nil {
				return
			}
		}
		if s.catchingUp.Load() {
			if !s.catchUp() {
				return
			}
			continue
		}
		select {
		case env := <-s.queue:
			if env.Type == TypeEvent && env.Sequence <= s.lastSent {
				continue
			}
			if err := s.writeFrame(env); err != nil {
				return
			}
			if env.Type == TypeEvent {
				s.lastSent = env.Sequence
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.mgr.opts.SlowConsumerTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.kick:
		case <-s.done:
			return
		}
	}
}

// catchUp replays everything past lastSent from the backlog and returns the
// session to live mode. Events routed while the replay runs are either
// already in the replayed range or land on the queue afterwards; duplicates
// are dropped by the lastSent check.
func (s *session) catchUp() bool {
	if st := s.stalledAt.Load(); st != 0 && time.Since(time.Unix(0, st)) > s.mgr.opts.SlowConsumerTimeout {
		s.logger.Warn().Msg("slow consumer stalled past threshold, disconnecting")
		return false
	}
	s.stalledAt.Store(0)
	s.catchingUp.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	missed, err := replayForSubscriber(ctx, s.mgr.store, s.sub, s.lastSent)
	if errors.Is(err, backlog.ErrGapExceeded) {
		s.logger.Info().Uint64("from", s.lastSent).Msg("cursor behind retained backlog, requesting resync")
		return s.writeFrame(Envelope{Type: TypeResyncRequired}) == nil
	}
	if err != nil {
		if s.mgr.opts.OnReplayFailure != nil {
			s.mgr.opts.OnReplayFailure()
		}
		s.logger.Error().Err(err).Msg("backlog replay failed, dropping connection")
		return false
	}

	for _, ch := range missed {
		if ch.Sequence <= s.lastSent {
			continue
		}
		v := view.Build(s.mgr.gate, s.sub, ch, s.logger)
		at := ch.OccurredAt
		env := Envelope{
			Type:       TypeEvent,
			Sequence:   ch.Sequence,
			EntityKind: string(ch.EntityKind),
			EntityID:   ch.EntityID,
			OccurredAt: &at,
			View:       v,
		}
		if err := s.writeFrame(env); err != nil {
			return false
		}
		s.lastSent = ch.Sequence
		if len(v) > 0 {
			s.mgr.auditor.RecordAccess(ctx, phi.AccessRecord{
				UserID:     s.sub.UserID,
				TenantID:   ch.TenantID,
				PatientID:  ch.PatientID,
				EntityKind: string(ch.EntityKind),
				EntityID:   ch.EntityID,
				Fields:     view.Fields(v),
				AccessedAt: time.Now().UTC(),
			})
		}
	}
	return true
}

func (s *session) writeFrame(env Envelope) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.mgr.opts.SlowConsumerTimeout))
	return s.conn.WriteJSON(env)
}

// replayForSubscriber merges the retained backlog of every scope the
// subscriber may observe into one sequence-ordered slice.
func replayForSubscriber(ctx context.Context, store backlog.Store, sub *registry.Subscriber, from uint64) ([]*event.Change, error) {
	var merged []*event.Change
	for _, pid := range sub.Patients() {
		scope := event.Scope{TenantID: sub.TenantID, PatientID: pid}
		changes, err := store.Replay(ctx, scope, from)
		if err != nil {
			return nil, err
		}
		merged = append(merged, changes...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Sequence < merged[j].Sequence })
	return merged, nil
}
