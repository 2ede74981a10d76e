package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/sttrelay/pkg/adapters/stt"
	"github.com/harunnryd/sttrelay/pkg/frames"
	"github.com/harunnryd/sttrelay/pkg/metrics"
	"github.com/harunnryd/sttrelay/pkg/providers/deepgram"
)

var errClosedConn = errors.New("use of closed network connection")

type inbound struct {
	mt   int
	data []byte
	err  error
}

type written struct {
	mt   int
	data []byte
}

// fakeConn is an in-memory stt.Conn. Reads come from in; writes and the
// close frame are captured for assertions.
type fakeConn struct {
	in     chan inbound
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	writes      []written
	closeSent   bool
	closeCode   int
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan inbound, 64), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.in:
		if m.err != nil {
			return 0, nil, m.err
		}
		return m.mt, m.data, nil
	case <-f.closed:
		return 0, nil, errClosedConn
	}
}

func (f *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-f.closed:
		return errClosedConn
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, written{mt: mt, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) WriteControl(mt int, data []byte, _ time.Time) error {
	if mt != websocket.CloseMessage {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeSent = true
	if len(data) >= 2 {
		f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		f.closeReason = string(data[2:])
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) send(mt int, data []byte) {
	f.in <- inbound{mt: mt, data: data}
}

func (f *fakeConn) peerClose(code int, reason string) {
	f.in <- inbound{err: &websocket.CloseError{Code: code, Text: reason}}
}

func (f *fakeConn) fail(err error) {
	f.in <- inbound{err: err}
}

func (f *fakeConn) Writes() []written {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]written(nil), f.writes...)
}

func (f *fakeConn) CloseFrame() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeSent, f.closeCode, f.closeReason
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type stubConnector struct {
	conn stt.Conn
	err  error
	// gate holds Connect until closed.
	gate chan struct{}
	// ignoreCtx keeps Connect waiting on gate after ctx is cancelled.
	ignoreCtx bool
}

func (c *stubConnector) Name() string { return "stub" }

func (c *stubConnector) Connect(ctx context.Context, _ stt.Target) (stt.Conn, error) {
	if c.gate != nil {
		if c.ignoreCtx {
			<-c.gate
		} else {
			select {
			case <-c.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.conn, nil
}

type harness struct {
	t        *testing.T
	client   *fakeConn
	provider *fakeConn
	obs      *metrics.MemoryObserver
	sess     *Session
	cancel   context.CancelFunc
	runErr   chan error
}

func startSession(t *testing.T, connector *stubConnector) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		client: newFakeConn(),
		obs:    metrics.NewMemoryObserver(),
		runErr: make(chan error, 1),
	}
	if fc, ok := connector.conn.(*fakeConn); ok {
		h.provider = fc
	}
	sess, err := New(Config{
		ID:        "test-session",
		Params:    map[string]string{"language": "en-GB"},
		Builder:   deepgram.Builder{BaseURL: "wss://stt.example.test/v1/listen", Token: "secret"},
		Connector: connector,
		Observer:  h.obs,
	}, h.client)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	h.sess = sess
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.runErr <- sess.Run(ctx) }()
	return h
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	waitFor(h.t, func() bool { return h.sess.State() == want }, "state "+want.String())
}

func (h *harness) waitDone() {
	h.t.Helper()
	select {
	case <-h.runErr:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("session did not close; state %s", h.sess.State())
	}
	if h.sess.State() != StateClosed {
		h.t.Fatalf("expected CLOSED, got %s", h.sess.State())
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionForwardsFramesInOrder(t *testing.T) {
	h := startSession(t, &stubConnector{conn: newFakeConn()})
	h.waitState(StateOpen)

	var sent [][]byte
	for i := 0; i < 20; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 160+i)
		sent = append(sent, payload)
		h.client.send(websocket.BinaryMessage, payload)
	}
	waitFor(t, func() bool { return len(h.provider.Writes()) == len(sent) }, "forwarded frames")

	for i, w := range h.provider.Writes() {
		if w.mt != websocket.BinaryMessage {
			t.Fatalf("frame %d: expected binary message", i)
		}
		if !bytes.Equal(w.data, sent[i]) {
			t.Fatalf("frame %d: payload changed or reordered", i)
		}
	}
	if n := h.obs.Count(metrics.EventFrameDropped); n != 0 {
		t.Fatalf("expected no drops, got %d", n)
	}
}

func TestSessionForwardsClientTextFrames(t *testing.T) {
	h := startSession(t, &stubConnector{conn: newFakeConn()})
	h.waitState(StateOpen)

	h.client.send(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
	waitFor(t, func() bool { return len(h.provider.Writes()) == 1 }, "text frame")
	w := h.provider.Writes()[0]
	if w.mt != websocket.TextMessage || string(w.data) != `{"type":"KeepAlive"}` {
		t.Fatalf("unexpected forwarded frame %d %q", w.mt, w.data)
	}
}

func TestSessionDropsFramesWhileConnecting(t *testing.T) {
	gate := make(chan struct{})
	h := startSession(t, &stubConnector{conn: newFakeConn(), gate: gate})

	h.client.send(websocket.BinaryMessage, []byte("early"))
	waitFor(t, func() bool { return h.obs.Count(metrics.EventFrameDropped) == 1 }, "drop notice")
	if h.sess.State() != StateConnecting {
		t.Fatalf("expected CONNECTING, got %s", h.sess.State())
	}

	close(gate)
	h.waitState(StateOpen)
	h.client.send(websocket.BinaryMessage, []byte("late"))
	waitFor(t, func() bool { return len(h.provider.Writes()) == 1 }, "forwarded frame")

	if got := string(h.provider.Writes()[0].data); got != "late" {
		t.Fatalf("dropped frame was replayed: got %q", got)
	}
	if n := h.obs.Count(metrics.EventFrameDropped); n != 1 {
		t.Fatalf("expected exactly one drop notice, got %d", n)
	}
	ev := h.obs.Find(metrics.EventFrameDropped)[0]
	if ev.Tags["direction"] != directionUpstream {
		t.Fatalf("unexpected drop direction %q", ev.Tags["direction"])
	}
}

func TestSessionPassesProviderMessagesThroughUnchanged(t *testing.T) {
	h := startSession(t, &stubConnector{conn: newFakeConn()})
	h.waitState(StateOpen)

	results := []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello"}]}}`)
	garbage := []byte{0xff, 0x00, 0x13}
	h.provider.send(websocket.TextMessage, results)
	h.provider.send(websocket.BinaryMessage, garbage)

	waitFor(t, func() bool { return len(h.client.Writes()) == 2 }, "client messages")
	got := h.client.Writes()
	if got[0].mt != websocket.TextMessage || !bytes.Equal(got[0].data, results) {
		t.Fatalf("results message altered: %q", got[0].data)
	}
	if got[1].mt != websocket.BinaryMessage || !bytes.Equal(got[1].data, garbage) {
		t.Fatalf("unparseable message altered: %v", got[1].data)
	}
	if n := h.obs.Count(metrics.EventProviderParseError); n != 1 {
		t.Fatalf("expected one parse error, got %d", n)
	}
	if h.sess.State() != StateOpen {
		t.Fatalf("parse failure must not change state, got %s", h.sess.State())
	}
}

func TestSessionProviderCloseIsForwarded(t *testing.T) {
	h := startSession(t, &stubConnector{conn: newFakeConn()})
	h.waitState(StateOpen)

	h.provider.peerClose(websocket.CloseNormalClosure, "done")
	h.waitDone()

	sent, code, reason := h.client.CloseFrame()
	if !sent || code != 1000 || reason != "done" {
		t.Fatalf("expected client close 1000 done, got %v %d %q", sent, code, reason)
	}
	if !h.client.isClosed() {
		t.Fatalf("client connection not released")
	}
	closed := h.obs.Find(metrics.EventSessionClosed)
	if len(closed) != 1 || closed[0].Tags["initiator"] != "provider" {
		t.Fatalf("unexpected session_closed events %+v", closed)
	}
}

func TestSessionMapsUnsendableProviderCloseCodes(t *testing.T) {
	cases := []struct {
		code       int
		reason     string
		wantReason string
	}{
		{code: websocket.CloseAbnormalClosure, wantReason: ReasonProviderLost},
		{code: websocket.CloseNoStatusReceived, wantReason: ReasonProviderLost},
		{code: websocket.CloseTLSHandshake, reason: "tls", wantReason: "tls"},
		{code: 1004, reason: "reserved", wantReason: "reserved"},
	}
	for _, tc := range cases {
		h := startSession(t, &stubConnector{conn: newFakeConn()})
		h.waitState(StateOpen)
		h.provider.peerClose(tc.code, tc.reason)
		h.waitDone()
		_, code, reason := h.client.CloseFrame()
		if code != CloseInternalError || reason != tc.wantReason {
			t.Fatalf("provider code %d: got client close %d %q", tc.code, code, reason)
		}
	}
}

func TestSessionProviderCustomCloseCodePassesThrough(t *testing.T) {
	h := startSession(t, &stubConnector{conn: newFakeConn()})
	h.waitState(StateOpen)
	h.provider.peerClose(4008, "net0001 timeout")
	h.waitDone()
	if _, code, reason := h.client.CloseFrame(); code != 4008 || reason != "net0001 timeout" {
		t.Fatalf("got client close %d %q", code, reason)
	}
}

func TestSessionClientCloseSendsCloseStream(t *testing.T) {
	h := startSession(t, &stubConnector{conn: newFakeConn()})
	h.waitState(StateOpen)

	h.client.peerClose(websocket.CloseNormalClosure, "bye")
	h.waitDone()

	writes := h.provider.Writes()
	if len(writes) != 1 || writes[0].mt != websocket.TextMessage {
		t.Fatalf("expected exactly one CloseStream text frame, got %d writes", len(writes))
	}
	var msg map[string]string
	if err := json.Unmarshal(writes[0].data, &msg); err != nil || msg["type"] != "CloseStream" {
		t.Fatalf("unexpected directive %q", writes[0].data)
	}
	sent, code, reason := h.provider.CloseFrame()
	if !sent || code != 1000 || reason != ReasonClientGone {
		t.Fatalf("expected provider close 1000 %q, got %v %d %q", ReasonClientGone, sent, code, reason)
	}
}

func TestSessionClientErrorClosesProviderWithoutCloseStream(t *testing.T) {
	h := startSession(t, &stubConnector{conn: newFakeConn()})
	h.waitState(StateOpen)

	h.client.fail(errors.New("read tcp: connection reset by peer"))
	h.waitDone()

	if n := len(h.provider.Writes()); n != 0 {
		t.Fatalf("expected no CloseStream on client error, got %d writes", n)
	}
	sent, code, reason := h.provider.CloseFrame()
	if !sent || code != 1011 || reason != ReasonClientError {
		t.Fatalf("expected provider close 1011 %q, got %v %d %q", ReasonClientError, sent, code, reason)
	}
}

func TestSessionProviderErrorNotifiesClient(t *testing.T) {
	h := startSession(t, &stubConnector{conn: newFakeConn()})
	h.waitState(StateOpen)

	h.provider.fail(errors.New("read tcp: i/o timeout"))
	h.waitDone()

	writes := h.client.Writes()
	if len(writes) != 1 || writes[0].mt != websocket.TextMessage {
		t.Fatalf("expected one error notice, got %d writes", len(writes))
	}
	var notice frames.ErrorNotice
	if err := json.Unmarshal(writes[0].data, &notice); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if notice.Type != frames.TypeError || notice.Error == "" {
		t.Fatalf("unexpected notice %+v", notice)
	}
	if _, code, reason := h.client.CloseFrame(); code != 1011 || reason != ReasonProviderLost {
		t.Fatalf("expected client close 1011 %q, got %d %q", ReasonProviderLost, code, reason)
	}
}

func TestSessionConnectFailure(t *testing.T) {
	h := startSession(t, &stubConnector{err: errors.New("handshake failed: 401")})
	h.waitDone()

	writes := h.client.Writes()
	if len(writes) != 1 {
		t.Fatalf("expected one error notice, got %d", len(writes))
	}
	if !bytes.Contains(writes[0].data, []byte("401")) {
		t.Fatalf("error notice lacks cause: %q", writes[0].data)
	}
	if _, code, reason := h.client.CloseFrame(); code != 1011 || reason != ReasonConnectFailed {
		t.Fatalf("expected client close 1011 %q, got %d %q", ReasonConnectFailed, code, reason)
	}
	if n := h.obs.Count(metrics.EventConnectFailed); n != 1 {
		t.Fatalf("expected one connect_failed event, got %d", n)
	}
}

func TestSessionClientLeavesDuringConnect(t *testing.T) {
	gate := make(chan struct{})
	provider := newFakeConn()
	h := startSession(t, &stubConnector{conn: provider, gate: gate, ignoreCtx: true})

	h.client.peerClose(websocket.CloseNormalClosure, "")
	h.waitDone()

	close(gate)
	waitFor(t, provider.isClosed, "late provider connection closed")
	writes := provider.Writes()
	if len(writes) != 1 || !bytes.Equal(writes[0].data, frames.CloseStreamMessage()) {
		t.Fatalf("expected CloseStream on late provider connection, got %d writes", len(writes))
	}
	if _, code, _ := provider.CloseFrame(); code != 1000 {
		t.Fatalf("expected 1000 on late provider connection, got %d", code)
	}
}

func TestSessionCancelsConnectWhenClientLeaves(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := startSession(t, &stubConnector{conn: newFakeConn(), gate: gate})

	h.client.peerClose(websocket.CloseGoingAway, "")
	h.waitDone()
	if len(h.provider.Writes()) != 0 || h.provider.isClosed() {
		t.Fatalf("provider must never have been used")
	}
}

func TestSessionShutdownClosesBothSides(t *testing.T) {
	h := startSession(t, &stubConnector{conn: newFakeConn()})
	h.waitState(StateOpen)

	h.cancel()
	h.waitDone()

	writes := h.provider.Writes()
	if len(writes) != 1 || !bytes.Equal(writes[0].data, frames.CloseStreamMessage()) {
		t.Fatalf("expected CloseStream before shutdown close")
	}
	if _, code, reason := h.provider.CloseFrame(); code != 1001 || reason != ReasonShutdown {
		t.Fatalf("provider close %d %q", code, reason)
	}
	if _, code, reason := h.client.CloseFrame(); code != 1001 || reason != ReasonShutdown {
		t.Fatalf("client close %d %q", code, reason)
	}
	closed := h.obs.Find(metrics.EventSessionClosed)
	if len(closed) != 1 || closed[0].Tags["initiator"] != "server" {
		t.Fatalf("unexpected session_closed events %+v", closed)
	}
}

func TestSessionTargetFixedAtCreation(t *testing.T) {
	h := startSession(t, &stubConnector{conn: newFakeConn()})
	if h.sess.ID() != "test-session" {
		t.Fatalf("unexpected id %q", h.sess.ID())
	}
	if !bytes.Contains([]byte(h.sess.Target().URL()), []byte("language=en-GB")) {
		t.Fatalf("client parameter missing from target %s", h.sess.Target().URL())
	}
	if bytes.Contains([]byte(h.sess.Target().String()), []byte("secret")) {
		t.Fatalf("token leaked in target string")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, newFakeConn()); err == nil {
		t.Fatalf("expected error without builder and connector")
	}
	cfg := Config{Builder: deepgram.Builder{BaseURL: deepgram.DefaultBaseURL}, Connector: &stubConnector{}}
	if _, err := New(cfg, nil); err == nil {
		t.Fatalf("expected error without client connection")
	}
	s, err := New(cfg, newFakeConn())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.ID() == "" {
		t.Fatalf("expected generated session id")
	}
	if s.State() != StateConnecting {
		t.Fatalf("expected CONNECTING, got %s", s.State())
	}
}
