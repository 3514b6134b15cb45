package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chartwise/insight-stream/internal/platform/auth"
	"github.com/chartwise/insight-stream/internal/platform/phi"
	"github.com/chartwise/insight-stream/internal/stream/backlog"
	"github.com/chartwise/insight-stream/internal/stream/event"
	"github.com/chartwise/insight-stream/internal/stream/registry"
)

const (
	deliveryTestKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	signingKey      = "delivery-test-signing-key"
)

var testOpts = Options{
	QueueSize:           16,
	SlowConsumerTimeout: 2 * time.Second,
	HeartbeatInterval:   time.Second,
}

type testEnv struct {
	gate  *phi.Gate
	src   *auth.StaticSource
	reg   *registry.Registry
	store backlog.Store
	mgr   *Manager
	srv   *httptest.Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	ring, err := phi.NewKeyring(map[string]string{"v1": deliveryTestKey}, "v1")
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	gate := phi.NewGate(ring)
	src := auth.NewStaticSource()
	reg := registry.New(src, zerolog.Nop())
	store := backlog.NewMemoryStore(backlog.Policy{Retention: time.Hour, ScopeCap: 100})
	mgr := NewManager(store, gate, phi.NewLogAuditor(zerolog.Nop()), opts, zerolog.Nop())
	handler := NewHandler(auth.NewTokenVerifier([]byte(signingKey), ""), reg, mgr, zerolog.Nop())

	e := echo.New()
	e.GET("/ws", handler.Serve)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		mgr.CloseAll()
		srv.Close()
	})
	return &testEnv{gate: gate, src: src, reg: reg, store: store, mgr: mgr, srv: srv}
}

func signToken(t *testing.T, userID, tenantID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenantID,
		Role:     "clinician",
	})
	signed, err := token.SignedString([]byte(signingKey))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

func (env *testEnv) dial(t *testing.T, token string, cursor uint64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=" + token
	if cursor > 0 {
		url += "&cursor=" + strconv.FormatUint(cursor, 10)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (env *testEnv) waitForSession(t *testing.T) *registry.Subscriber {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if subs := env.reg.Snapshot(); len(subs) == 1 && env.mgr.Len() == 1 {
			return subs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never attached")
	return nil
}

func readFrame(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal %q: %v", data, err)
	}
	return env
}

func (env *testEnv) seedChange(t *testing.T, seq uint64) *event.Change {
	t.Helper()
	notes, err := env.gate.Encrypt("summary "+strconv.FormatUint(seq, 10), phi.ClassClinicalNotes, "")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ch := &event.Change{
		Sequence:         seq,
		EntityKind:       event.KindSessionReport,
		EntityID:         "rep-1",
		TenantID:         "tenant-a",
		PatientID:        "pat-1",
		OccurredAt:       time.Now().UTC(),
		Payload:          map[string]string{"notes": notes},
		PayloadEncrypted: true,
	}
	if err := env.store.Append(context.Background(), ch); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return ch
}

func TestHandler_RejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t, testOpts)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=not-a-token"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure for invalid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestHandler_RejectsMalformedCursor(t *testing.T) {
	env := newTestEnv(t, testOpts)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?cursor=abc&token=" + signToken(t, "clin-1", "tenant-a")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure for malformed cursor")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %v, want 400", resp)
	}
}

func TestSession_LiveDelivery(t *testing.T) {
	env := newTestEnv(t, testOpts)
	env.src.Grant("clin-1", "tenant-a", auth.Snapshot{PatientIDs: []string{"pat-1"}, Capabilities: []string{"clinical_notes"}})

	ws := env.dial(t, signToken(t, "clin-1", "tenant-a"), 0)
	sub := env.waitForSession(t)

	// Append-then-enqueue mirrors the router; if the session is still
	// catching up the frame arrives via replay instead.
	env.seedChange(t, 1)
	at := time.Now().UTC()
	env.mgr.Enqueue(sub.ConnectionID, Envelope{
		Type: TypeEvent, Sequence: 1, EntityKind: "session_report",
		EntityID: "rep-1", OccurredAt: &at,
		View: map[string]string{"notes": "summary 1"},
	})

	frame := readFrame(t, ws)
	if frame.Type != TypeEvent || frame.Sequence != 1 {
		t.Fatalf("frame = %+v, want event sequence 1", frame)
	}
	if frame.View["notes"] != "summary 1" {
		t.Fatalf("notes = %q, want decrypted plaintext", frame.View["notes"])
	}
}

func TestSession_ReplaysMissedEventsOnConnect(t *testing.T) {
	env := newTestEnv(t, testOpts)
	env.src.Grant("clin-1", "tenant-a", auth.Snapshot{PatientIDs: []string{"pat-1"}, Capabilities: []string{"clinical_notes"}})
	for seq := uint64(1); seq <= 5; seq++ {
		env.seedChange(t, seq)
	}

	ws := env.dial(t, signToken(t, "clin-1", "tenant-a"), 3)

	for want := uint64(4); want <= 5; want++ {
		frame := readFrame(t, ws)
		if frame.Type != TypeEvent || frame.Sequence != want {
			t.Fatalf("frame = %+v, want event sequence %d", frame, want)
		}
		if frame.View["notes"] == "" || strings.HasPrefix(frame.View["notes"], "v1:") {
			t.Fatalf("notes = %q, want decrypted plaintext", frame.View["notes"])
		}
	}
}

func TestSession_ResyncWhenCursorPastRetention(t *testing.T) {
	env := newTestEnv(t, testOpts)
	env.src.Grant("clin-1", "tenant-a", auth.Snapshot{PatientIDs: []string{"pat-1"}, Capabilities: []string{"clinical_notes"}})

	// Retain only the newest event so cursor 0 falls behind the floor.
	env.store = backlog.NewMemoryStore(backlog.Policy{Retention: time.Hour, ScopeCap: 1})
	env.mgr.store = env.store
	env.seedChange(t, 1)
	env.seedChange(t, 2)
	if err := env.store.Evict(context.Background()); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	ws := env.dial(t, signToken(t, "clin-1", "tenant-a"), 0)
	frame := readFrame(t, ws)
	if frame.Type != TypeResyncRequired {
		t.Fatalf("frame = %+v, want resync_required", frame)
	}
}

func TestSession_AckAdvancesCursor(t *testing.T) {
	env := newTestEnv(t, testOpts)
	env.src.Grant("clin-1", "tenant-a", auth.Snapshot{PatientIDs: []string{"pat-1"}, Capabilities: []string{"clinical_notes"}})

	ws := env.dial(t, signToken(t, "clin-1", "tenant-a"), 0)
	sub := env.waitForSession(t)

	if err := ws.WriteJSON(map[string]any{"type": "ack", "sequence": 7}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sub.Cursor() == 7 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cursor = %d, want 7", sub.Cursor())
}

func TestManager_ResyncDeliversFrame(t *testing.T) {
	env := newTestEnv(t, testOpts)
	env.src.Grant("clin-1", "tenant-a", auth.Snapshot{PatientIDs: []string{"pat-1"}, Capabilities: []string{"clinical_notes"}})

	ws := env.dial(t, signToken(t, "clin-1", "tenant-a"), 0)
	sub := env.waitForSession(t)

	if err := env.mgr.Resync(sub.ConnectionID); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	frame := readFrame(t, ws)
	if frame.Type != TypeResyncRequired {
		t.Fatalf("frame = %+v, want resync_required", frame)
	}
}

func TestManager_UnknownConnection(t *testing.T) {
	env := newTestEnv(t, testOpts)
	if err := env.mgr.Enqueue(uuid.New(), Envelope{}); err != ErrUnknownConnection {
		t.Fatalf("Enqueue err = %v, want ErrUnknownConnection", err)
	}
	if err := env.mgr.Resync(uuid.New()); err != ErrUnknownConnection {
		t.Fatalf("Resync err = %v, want ErrUnknownConnection", err)
	}
}

func TestSession_BackpressureThenSlowConsumerDisconnect(t *testing.T) {
	env := newTestEnv(t, Options{QueueSize: 1, SlowConsumerTimeout: time.Minute, HeartbeatInterval: time.Second})
	env.src.Grant("clin-1", "tenant-a", auth.Snapshot{PatientIDs: []string{"pat-1"}, Capabilities: []string{"clinical_notes"}})

	serverSide := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	e := echo.New()
	e.GET("/raw", func(c echo.Context) error {
		ws, err := up.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		serverSide <- ws
		return nil
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/raw", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	conn := <-serverSide

	sub, err := env.reg.Register(context.Background(), uuid.New(), "clin-1", "tenant-a", 0)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	// No pumps: the queue never drains, like a wedged consumer.
	s := newSession(env.mgr, conn, sub, nil)
	s.catchingUp.Store(false)

	if err := s.enqueue(Envelope{Type: TypeEvent, Sequence: 1}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := s.enqueue(Envelope{Type: TypeEvent, Sequence: 2}); err != ErrBackpressure {
		t.Fatalf("second enqueue err = %v, want ErrBackpressure", err)
	}
	if !s.catchingUp.Load() {
		t.Fatal("overflow must flip the session into catch-up mode")
	}

	// Simulate the stall outlasting the threshold.
	s.stalledAt.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	if err := s.enqueue(Envelope{Type: TypeEvent, Sequence: 3}); err != ErrSlowConsumer {
		t.Fatalf("stalled enqueue err = %v, want ErrSlowConsumer", err)
	}
	select {
	case <-s.done:
	default:
		t.Fatal("slow consumer session must be closed")
	}
}

func TestSession_StalledConsumerDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t, Options{QueueSize: 1, SlowConsumerTimeout: time.Minute, HeartbeatInterval: time.Second})
	env.src.Grant("clin-1", "tenant-a", auth.Snapshot{PatientIDs: []string{"pat-1"}, Capabilities: []string{"clinical_notes"}})

	subA, err := env.reg.Register(context.Background(), uuid.New(), "clin-1", "tenant-a", 0)
	if err != nil {
		t.Fatalf("Register A: %v", err)
	}
	subB, err := env.reg.Register(context.Background(), uuid.New(), "clin-1", "tenant-a", 0)
	if err != nil {
		t.Fatalf("Register B: %v", err)
	}

	// enqueue never touches the socket, so no conn is needed here.
	a := newSession(env.mgr, nil, subA, nil)
	a.catchingUp.Store(false)
	b := newSession(env.mgr, nil, subB, nil)
	b.catchingUp.Store(false)

	if err := a.enqueue(Envelope{Type: TypeEvent, Sequence: 1}); err != nil {
		t.Fatalf("fill A: %v", err)
	}
	if err := a.enqueue(Envelope{Type: TypeEvent, Sequence: 2}); err != ErrBackpressure {
		t.Fatalf("overflow A err = %v, want ErrBackpressure", err)
	}

	// B keeps receiving while A is wedged.
	for seq := uint64(1); seq <= 3; seq++ {
		if err := b.enqueue(Envelope{Type: TypeEvent, Sequence: seq}); err != nil {
			t.Fatalf("enqueue B seq %d: %v", seq, err)
		}
		select {
		case got := <-b.queue:
			if got.Sequence != seq {
				t.Fatalf("B queued sequence %d, want %d", got.Sequence, seq)
			}
		default:
			t.Fatalf("B queue empty at seq %d", seq)
		}
	}
}

// failingStore simulates a replay store outage.
type failingStore struct{}

func (failingStore) Append(context.Context, *event.Change) error { return nil }
func (failingStore) Replay(context.Context, event.Scope, uint64) ([]*event.Change, error) {
	return nil, errors.New("replay store unavailable")
}
func (failingStore) Evict(context.Context) error { return nil }

func TestSession_ReplayFailureIsReportedAndDropsConnection(t *testing.T) {
	env := newTestEnv(t, testOpts)
	env.src.Grant("clin-1", "tenant-a", auth.Snapshot{PatientIDs: []string{"pat-1"}, Capabilities: []string{"clinical_notes"}})
	env.mgr.store = failingStore{}

	var failures int
	env.mgr.opts.OnReplayFailure = func() { failures++ }

	sub, err := env.reg.Register(context.Background(), uuid.New(), "clin-1", "tenant-a", 0)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// catchUp fails before anything is written, so no conn is needed.
	s := newSession(env.mgr, nil, sub, nil)
	if s.catchUp() {
		t.Fatal("a failed replay must drop the connection")
	}
	if failures != 1 {
		t.Fatalf("replay failures reported = %d, want 1", failures)
	}
}

func TestSession_DisconnectsWhenClientIgnoresHeartbeats(t *testing.T) {
	env := newTestEnv(t, Options{QueueSize: 16, SlowConsumerTimeout: time.Second, HeartbeatInterval: 50 * time.Millisecond})
	env.src.Grant("clin-1", "tenant-a", auth.Snapshot{PatientIDs: []string{"pat-1"}, Capabilities: []string{"clinical_notes"}})

	ws := env.dial(t, signToken(t, "clin-1", "tenant-a"), 0)
	env.waitForSession(t)

	// Swallow server pings so no pong ever goes back.
	ws.SetPingHandler(func(string) error { return nil })

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.mgr.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session must be torn down after missed pongs")
}
