package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/sttrelay/pkg/adapters/stt"
	"github.com/harunnryd/sttrelay/pkg/errorsx"
	"github.com/harunnryd/sttrelay/pkg/logging"
	"github.com/harunnryd/sttrelay/pkg/metrics"
	"github.com/harunnryd/sttrelay/pkg/session"
)

type Config struct {
	Addr           string   `mapstructure:"addr"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	HealthPath     string   `mapstructure:"health_path"`
	MetricsPath    string   `mapstructure:"metrics_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/listen"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Options carries the collaborators every session is built from.
type Options struct {
	Builder   stt.TargetBuilder
	Connector stt.Connector
	Observer  metrics.Observer
	// MetricsHandler is mounted on Config.MetricsPath when set.
	MetricsHandler http.Handler
	// Routes are extra handlers, such as carrier webhooks, keyed by path.
	Routes map[string]http.Handler
	Logger *slog.Logger
}

// Server accepts client websocket connections and runs one relay session
// per connection. Sessions share nothing but the observer.
type Server struct {
	cfg      Config
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session.Session

	draining atomic.Bool
}

func New(cfg Config, opts Options) *Server {
	cfg = cfg.withDefaults()
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session.Session),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Server) Name() string { return "relay" }

// Handler returns the HTTP routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.WebsocketPath, s)
	mux.HandleFunc(s.cfg.HealthPath, s.handleHealth)
	if s.opts.MetricsHandler != nil {
		mux.Handle(s.cfg.MetricsPath, s.opts.MetricsHandler)
	}
	for path, h := range s.opts.Routes {
		mux.Handle(path, h)
	}
	return mux
}

// Start binds the configured address and serves in the background until ctx
// is done or Drain is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay_server_error", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("relay_listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("ws_path", s.cfg.WebsocketPath))
	return nil
}

// Addr is the bound listener address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ActiveSessions returns the number of sessions not yet CLOSED.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Drain stops accepting sessions, closes every live session with 1001 on
// both sides and waits for them to finish.
func (s *Server) Drain() error {
	s.mu.Lock()
	already := s.draining.Swap(true)
	s.mu.Unlock()
	if already {
		return nil
	}
	s.logger.Info("relay_draining", slog.Int("active_sessions", s.ActiveSessions()))
	s.cancel()
	s.wg.Wait()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("client_upgrade_failed",
			slog.String("error", err.Error()),
			errorsx.Attr(errorsx.ReasonClientTransport))
		return
	}

	sess, err := session.New(session.Config{
		ID:        uuid.NewString(),
		Params:    queryParams(r),
		Builder:   s.opts.Builder,
		Connector: s.opts.Connector,
		Observer:  s.opts.Observer,
		Logger:    s.opts.Logger,
	}, conn)
	if err != nil {
		s.logger.Error("session_create_failed",
			slog.String("error", err.Error()),
			errorsx.Attr(errorsx.ReasonSessionState))
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "invalid session configuration")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	if !s.attach(sess) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, session.ReasonShutdown)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer s.detach(sess)
	_ = sess.Run(s.ctx)
}

func (s *Server) attach(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Checked under the lock so Drain never misses a session.
	if s.draining.Load() {
		return false
	}
	s.sessions[sess.ID()] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) detach(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// queryParams flattens the request query; the first value of a repeated key wins.
func queryParams(r *http.Request) map[string]string {
	q := r.URL.Query()
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
