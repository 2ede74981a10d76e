package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/sttrelay/pkg/adapters/stt"
	"github.com/harunnryd/sttrelay/pkg/errorsx"
	"github.com/harunnryd/sttrelay/pkg/frames"
	"github.com/harunnryd/sttrelay/pkg/logging"
	"github.com/harunnryd/sttrelay/pkg/metrics"
)

// Close codes and reasons the relay uses on its own behalf.
const (
	CloseNormal         = websocket.CloseNormalClosure
	CloseGoingAway      = websocket.CloseGoingAway
	CloseInternalError  = websocket.CloseInternalServerErr
	CloseAbnormal       = websocket.CloseAbnormalClosure
	ReasonClientGone    = "client disconnected"
	ReasonClientError   = "client error"
	ReasonConnectFailed = "provider connection failed"
	ReasonProviderLost  = "provider connection lost"
	ReasonShutdown      = "server shutting down"

	providerErrorMessage = "provider connection error"
)

type Config struct {
	// ID defaults to a random UUID.
	ID string
	// Params are the client-supplied STT parameters.
	Params    map[string]string
	Builder   stt.TargetBuilder
	Connector stt.Connector
	Observer  metrics.Observer
	Logger    *slog.Logger
}

type eventKind int

const (
	evProviderOpened eventKind = iota
	evConnectFailed
	evProviderError
	evProviderClosed
	evClientError
	evClientClosed
	evShutdown
)

func (k eventKind) String() string {
	switch k {
	case evProviderOpened:
		return "provider_opened"
	case evConnectFailed:
		return "connect_failed"
	case evProviderError:
		return "provider_error"
	case evProviderClosed:
		return "provider_closed"
	case evClientError:
		return "client_error"
	case evClientClosed:
		return "client_closed"
	case evShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type event struct {
	kind   eventKind
	code   int
	reason string
	err    error
	conn   stt.Conn
}

// Session pairs one client connection with at most one provider connection.
// Only the Run goroutine changes state or closes channels; the forwarding
// loops read state and report what they see as events.
type Session struct {
	id        string
	target    stt.Target
	connector stt.Connector
	observer  metrics.Observer
	logger    *slog.Logger

	client   *Channel
	provider atomic.Pointer[Channel]
	state    atomic.Int32

	events        chan event
	done          chan struct{}
	cancelConnect context.CancelFunc
	started       time.Time
	initiator     string

	clientSeq   frames.SeqGen
	providerSeq frames.SeqGen
}

// New resolves the provider target for one accepted client connection. The
// resolved target is fixed for the session's lifetime.
func New(cfg Config, client stt.Conn) (*Session, error) {
	if cfg.Builder == nil || cfg.Connector == nil {
		return nil, errors.New("session: builder and connector are required")
	}
	if client == nil {
		return nil, errors.New("session: client connection is required")
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	target, err := cfg.Builder.BuildTarget(cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("build provider target: %w", err)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	logger := logging.NewComponentLogger(cfg.Logger, "session").With(slog.String("session_id", id))
	s := &Session{
		id:        id,
		target:    target,
		connector: cfg.Connector,
		observer:  observer,
		logger:    logger,
		client:    newChannel("client", client),
		events:    make(chan event),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Target() stt.Target { return s.target }

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reached CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the session until it is CLOSED. Cancelling ctx closes both
// sides with 1001.
func (s *Session) Run(ctx context.Context) error {
	connectCtx, cancel := context.WithCancel(ctx)
	s.cancelConnect = cancel
	defer cancel()

	s.started = time.Now()
	s.logger.Info("session_started", slog.String("target", s.target.String()))
	metrics.Count(s.observer, metrics.EventSessionStarted, nil)

	go s.readClient()
	go s.connect(connectCtx)

	shutdown := ctx.Done()
	for s.State() != StateClosed {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-shutdown:
			shutdown = nil
			s.handle(event{kind: evShutdown})
		}
	}
	close(s.done)

	s.logger.Info("session_closed",
		slog.String("initiator", s.initiator),
		slog.Duration("duration", time.Since(s.started)))
	metrics.Count(s.observer, metrics.EventSessionClosed, map[string]string{"initiator": s.initiator})
	return nil
}

// emit hands an event to the Run goroutine. events is unbuffered, so an
// event is either handled or emit reports false because the session closed.
func (s *Session) emit(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) connect(ctx context.Context) {
	conn, err := s.connector.Connect(ctx, s.target)
	if err != nil {
		s.emit(event{kind: evConnectFailed, err: err})
		return
	}
	if !s.emit(event{kind: evProviderOpened, conn: conn}) {
		retire(conn)
	}
}

func (s *Session) transition(to State) {
	from := s.State()
	if !transitionValid(from, to) {
		s.logger.Error("session_invalid_transition",
			slog.String("error", (&InvalidTransitionError{From: from, To: to}).Error()),
			errorsx.Attr(errorsx.ReasonSessionState))
		return
	}
	s.state.Store(int32(to))
	s.logger.Debug("session_state_changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

func (s *Session) handle(ev event) {
	if s.State() == StateClosed {
		return
	}
	switch ev.kind {
	case evProviderOpened:
		s.onProviderOpened(ev.conn)
	case evConnectFailed:
		s.onConnectFailed(ev.err)
	case evProviderError:
		s.onProviderError(ev.err)
	case evProviderClosed:
		s.onProviderClosed(ev.code, ev.reason)
	case evClientClosed:
		s.onClientClosed(ev.code, ev.reason)
	case evClientError:
		s.onClientError(ev.err)
	case evShutdown:
		s.onShutdown()
	}
}

func (s *Session) onProviderOpened(conn stt.Conn) {
	if s.State() != StateConnecting {
		// The client left while the dial was in flight.
		retire(conn)
		s.logger.Info("late_provider_connection_closed")
		return
	}
	ch := newChannel("provider", conn)
	s.provider.Store(ch)
	s.transition(StateOpen)
	s.logger.Info("session_opened")
	go s.readProvider(ch)
}

func (s *Session) onConnectFailed(err error) {
	s.logger.Error("provider_connect_failed",
		slog.String("error", err.Error()),
		errorsx.Attr(errorsx.Reason(err)))
	metrics.Count(s.observer, metrics.EventConnectFailed, nil)
	s.notifyClient(err)
	s.transition(StateClosing)
	s.initiator = "provider"
	if err := s.client.Close(CloseInternalError, ReasonConnectFailed); err != nil {
		s.logger.Debug("client_close_error", slog.String("error", err.Error()))
	}
	s.transition(StateClosed)
}

// onProviderError is advisory: the provider's close event that follows
// performs the actual close.
func (s *Session) onProviderError(err error) {
	s.logger.Error("provider_error",
		slog.String("error", err.Error()),
		errorsx.Attr(errorsx.ReasonProviderTransport))
	s.notifyClient(err)
}

func (s *Session) onProviderClosed(code int, reason string) {
	s.transition(StateClosing)
	s.initiator = "provider"
	if p := s.provider.Load(); p != nil {
		p.release()
	}
	outCode, outReason := code, reason
	if !sendableCloseCode(code) {
		outCode = CloseInternalError
		if outReason == "" {
			outReason = ReasonProviderLost
		}
	}
	s.logger.Info("provider_close_forwarded",
		slog.Int("provider_code", code),
		slog.String("provider_reason", reason),
		slog.Int("client_code", outCode))
	if s.client.Open() {
		if err := s.client.Close(outCode, outReason); err != nil {
			s.logger.Debug("client_close_error", slog.String("error", err.Error()))
		}
	}
	s.transition(StateClosed)
}

func (s *Session) onClientClosed(code int, reason string) {
	s.transition(StateClosing)
	s.initiator = "client"
	s.cancelConnect()
	s.logger.Info("client_closed", slog.Int("code", code), slog.String("reason", reason))
	if p := s.provider.Load(); p.Open() {
		if err := p.Write(websocket.TextMessage, frames.CloseStreamMessage()); err != nil {
			s.logger.Warn("close_stream_send_failed",
				slog.String("error", err.Error()),
				errorsx.Attr(errorsx.ReasonTransportSend))
		}
		if err := p.Close(CloseNormal, ReasonClientGone); err != nil {
			s.logger.Debug("provider_close_error", slog.String("error", err.Error()))
		}
	}
	s.client.release()
	s.transition(StateClosed)
}

func (s *Session) onClientError(err error) {
	s.transition(StateClosing)
	s.initiator = "client"
	s.cancelConnect()
	s.logger.Error("client_error",
		slog.String("error", err.Error()),
		errorsx.Attr(errorsx.ReasonClientTransport))
	if p := s.provider.Load(); p.Open() {
		if err := p.Close(CloseInternalError, ReasonClientError); err != nil {
			s.logger.Debug("provider_close_error", slog.String("error", err.Error()))
		}
	}
	s.client.release()
	s.transition(StateClosed)
}

func (s *Session) onShutdown() {
	s.transition(StateClosing)
	s.initiator = "server"
	s.cancelConnect()
	if p := s.provider.Load(); p.Open() {
		_ = p.Write(websocket.TextMessage, frames.CloseStreamMessage())
		_ = p.Close(CloseGoingAway, ReasonShutdown)
	}
	_ = s.client.Close(CloseGoingAway, ReasonShutdown)
	s.transition(StateClosed)
}

func (s *Session) notifyClient(err error) {
	if !s.client.Open() {
		return
	}
	notice := frames.NewErrorNotice(providerErrorMessage, err)
	if werr := s.client.Write(websocket.TextMessage, notice.Marshal()); werr != nil {
		s.logger.Warn("client_error_notice_failed",
			slog.String("error", werr.Error()),
			errorsx.Attr(errorsx.ReasonTransportSend))
	}
}

// retire finalizes a provider connection the session no longer wants.
func retire(conn stt.Conn) {
	ch := newChannel("provider", conn)
	_ = ch.Write(websocket.TextMessage, frames.CloseStreamMessage())
	_ = ch.Close(CloseNormal, ReasonClientGone)
}
