package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/sttrelay/pkg/capture"
	"github.com/harunnryd/sttrelay/pkg/errorsx"
	"github.com/harunnryd/sttrelay/pkg/logging"
	"github.com/harunnryd/sttrelay/pkg/metrics"
	"github.com/harunnryd/sttrelay/pkg/redact"
)

const (
	bytesPerFloat    = 4
	closeWait        = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

type Config struct {
	// URL is the relay listen endpoint, e.g. ws://localhost:8080/listen.
	URL string
	// Params become the query string of the upgrade request.
	Params    map[string]string
	Header    http.Header
	BlockSize int
	QueueSize int
	// SampleRate paces blocks in real time when Realtime is set.
	SampleRate int
	Realtime   bool
}

// Message is one frame received from the relay.
type Message struct {
	Binary bool
	Data   []byte
}

// Result summarizes one finished stream.
type Result struct {
	BlocksSent    int
	BlocksDropped int64
	CloseCode     int
	CloseReason   string
}

// Streamer feeds float32 samples through a capture stage into one relay
// session.
type Streamer struct {
	cfg      Config
	dialer   *websocket.Dialer
	observer metrics.Observer
	logger   *slog.Logger
}

func New(cfg Config, observer metrics.Observer, logger *slog.Logger) *Streamer {
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Streamer{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		observer: observer,
		logger:   logging.NewComponentLogger(logger, "client"),
	}
}

// Endpoint renders the upgrade URL with parameters in key order.
func (s *Streamer) Endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("relay url must use ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	keys := make([]string, 0, len(s.cfg.Params))
	for k := range s.cfg.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, s.cfg.Params[k])
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Stream sends every sample read from r and hands each relay message to
// onMessage. On EOF it closes the session with 1000 and waits for the relay
// to finish closing.
func (s *Streamer) Stream(ctx context.Context, r io.Reader, onMessage func(Message)) (Result, error) {
	var res Result
	endpoint, err := s.Endpoint()
	if err != nil {
		return res, err
	}
	conn, resp, err := s.dialer.DialContext(ctx, endpoint, s.cfg.Header)
	if err != nil {
		if resp != nil {
			return res, errorsx.Newf(errorsx.ReasonClientTransport, "dial relay: %s: %v", resp.Status, err)
		}
		return res, errorsx.Wrap(fmt.Errorf("dial relay: %w", err), errorsx.ReasonClientTransport)
	}
	defer conn.Close()
	conn.SetCloseHandler(func(code int, _ string) error {
		// The echo fails with ErrCloseSent when our own close went out first;
		// ReadMessage still reports the relay's code and reason.
		if code == websocket.CloseNoStatusReceived {
			return nil
		}
		msg := websocket.FormatCloseMessage(code, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("client_close_echo_failed", slog.String("error", err.Error()))
		}
		return nil
	})
	s.logger.Info("client_connected", slog.String("url", redactedURL(endpoint)))

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var (
		wg      sync.WaitGroup
		sendErr error
		sent    int
	)
	stage := capture.NewStage(capture.Config{BlockSize: s.cfg.BlockSize, QueueSize: s.cfg.QueueSize}, s.observer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for blk := range stage.Blocks() {
			if sendErr == nil {
				if err := conn.WriteMessage(websocket.BinaryMessage, blk.Data); err != nil {
					sendErr = err
				} else {
					sent++
				}
			}
			blk.Release()
		}
	}()

	readDone := make(chan error, 1)
	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			if onMessage != nil {
				onMessage(Message{Binary: mt == websocket.BinaryMessage, Data: data})
			}
		}
	}()

	feedErr := s.feed(ctx, r, stage, readDone)
	stage.Close()
	wg.Wait()
	res.BlocksSent = sent
	res.BlocksDropped = stage.Dropped()

	var readErr error
	select {
	case readErr = <-readDone:
		// The relay closed first.
	default:
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			s.logger.Warn("client_close_send_failed",
				slog.String("error", err.Error()),
				errorsx.Attr(errorsx.ReasonTransportSend))
		}
		select {
		case readErr = <-readDone:
		case <-time.After(closeWait):
			readErr = errors.New("timed out waiting for relay close")
		}
	}

	var ce *websocket.CloseError
	if errors.As(readErr, &ce) {
		res.CloseCode = ce.Code
		res.CloseReason = ce.Text
		readErr = nil
	}
	s.logger.Info("client_finished",
		slog.Int("blocks_sent", res.BlocksSent),
		slog.Int64("blocks_dropped", res.BlocksDropped),
		slog.Int("close_code", res.CloseCode),
		slog.String("close_reason", res.CloseReason))

	switch {
	case feedErr != nil:
		return res, feedErr
	case sendErr != nil && res.CloseCode == 0:
		return res, errorsx.Wrap(fmt.Errorf("send audio: %w", sendErr), errorsx.ReasonTransportSend)
	case ctx.Err() != nil:
		return res, ctx.Err()
	default:
		return res, readErr
	}
}

// feed reads little-endian float32 samples block by block until EOF. It
// stops early when the relay closed the connection.
func (s *Streamer) feed(ctx context.Context, r io.Reader, stage *capture.Stage, readDone <-chan error) error {
	blockBytes := stage.BlockSize() * bytesPerFloat
	raw := make([]byte, blockBytes)
	samples := make([]float32, stage.BlockSize())
	var pace *time.Ticker
	if s.cfg.Realtime && s.cfg.SampleRate > 0 {
		pace = time.NewTicker(time.Duration(stage.BlockSize()) * time.Second / time.Duration(s.cfg.SampleRate))
		defer pace.Stop()
	}
	for {
		n, err := io.ReadFull(r, raw)
		if n >= bytesPerFloat {
			count := n / bytesPerFloat
			decodeFloat32(samples[:count], raw[:count*bytesPerFloat])
			stage.Process(samples[:count])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read samples: %w", err)
		}
		if pace != nil {
			select {
			case <-pace.C:
			case <-ctx.Done():
				return nil
			}
		}
		if len(readDone) > 0 || ctx.Err() != nil {
			return nil
		}
	}
}

func decodeFloat32(dst []float32, raw []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*bytesPerFloat:]))
	}
}

func redactedURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redact.Placeholder
	}
	return redact.URL(u)
}
