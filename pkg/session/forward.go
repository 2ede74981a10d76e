package session

import (
	"errors"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/sttrelay/pkg/errorsx"
	"github.com/harunnryd/sttrelay/pkg/frames"
	"github.com/harunnryd/sttrelay/pkg/metrics"
	"github.com/harunnryd/sttrelay/pkg/providers/deepgram"
	"github.com/harunnryd/sttrelay/pkg/redact"
)

const (
	directionUpstream   = "client_to_provider"
	directionDownstream = "provider_to_client"
)

// readClient forwards client frames to the provider while the session is
// OPEN. Frames that arrive in any other state are dropped; nothing is queued.
func (s *Session) readClient() {
	for {
		mt, data, err := s.client.conn.ReadMessage()
		if err != nil {
			s.clientReadFailed(err)
			return
		}
		frame := frames.NewAudioFrame(s.clientSeq.Next(), data, mt == websocket.BinaryMessage)
		s.forwardUpstream(mt, frame)
	}
}

func (s *Session) forwardUpstream(mt int, frame frames.AudioFrame) {
	state := s.State()
	provider := s.provider.Load()
	if state != StateOpen || !provider.Open() {
		s.logger.Warn("client_frame_dropped",
			slog.Uint64("seq", frame.Seq()),
			slog.Int("bytes", frame.Len()),
			slog.String("state", state.String()),
			errorsx.Attr(errorsx.ReasonSessionState))
		metrics.Count(s.observer, metrics.EventFrameDropped, map[string]string{"direction": directionUpstream})
		return
	}
	if err := provider.Write(mt, frame.RawPayload()); err != nil {
		// The provider's read loop reports the underlying failure.
		s.logger.Warn("client_frame_send_failed",
			slog.Uint64("seq", frame.Seq()),
			slog.String("error", err.Error()),
			errorsx.Attr(errorsx.ReasonTransportSend))
		metrics.Count(s.observer, metrics.EventFrameDropped, map[string]string{"direction": directionUpstream})
		return
	}
	metrics.Count(s.observer, metrics.EventFrameForwarded, map[string]string{
		"direction": directionUpstream,
		"kind":      string(frame.Kind()),
	})
}

func (s *Session) clientReadFailed(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		s.emit(event{kind: evClientClosed, code: ce.Code, reason: ce.Text})
		return
	}
	if !s.client.Open() {
		// Closed by the session itself.
		return
	}
	s.emit(event{kind: evClientError, err: err})
}

// readProvider relays every provider message to the client unchanged. The
// peek only feeds logs and metrics.
func (s *Session) readProvider(ch *Channel) {
	for {
		mt, data, err := ch.conn.ReadMessage()
		if err != nil {
			s.providerReadFailed(ch, err)
			return
		}
		seq := s.providerSeq.Next()
		s.inspect(seq, data)
		if !s.client.Open() {
			metrics.Count(s.observer, metrics.EventFrameDropped, map[string]string{"direction": directionDownstream})
			continue
		}
		if err := s.client.Write(mt, data); err != nil {
			s.logger.Warn("provider_message_send_failed",
				slog.Uint64("seq", seq),
				slog.String("error", err.Error()),
				errorsx.Attr(errorsx.ReasonTransportSend))
			metrics.Count(s.observer, metrics.EventFrameDropped, map[string]string{"direction": directionDownstream})
			continue
		}
		metrics.Count(s.observer, metrics.EventFrameForwarded, map[string]string{"direction": directionDownstream})
	}
}

func (s *Session) inspect(seq uint64, data []byte) {
	msg, err := deepgram.PeekMessage(data)
	if err != nil {
		s.logger.Warn("provider_message_unparsed",
			slog.Uint64("seq", seq),
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()),
			errorsx.Attr(errorsx.Reason(err)))
		metrics.Count(s.observer, metrics.EventProviderParseError, nil)
		return
	}
	metrics.Count(s.observer, metrics.EventProviderMessage, map[string]string{"type": msg.Type})
	switch {
	case msg.Type == frames.TypeError:
		s.logger.Warn("provider_reported_error",
			slog.String("code", msg.ErrCode),
			slog.String("message", msg.ErrMsg))
	case msg.Transcript != "":
		s.logger.Info("transcript",
			slog.Uint64("seq", seq),
			slog.Bool("is_final", msg.IsFinal),
			slog.String("text", redact.Text(msg.Transcript)))
	default:
		s.logger.Debug("provider_message", slog.Uint64("seq", seq), slog.String("type", msg.Type))
	}
}

func (s *Session) providerReadFailed(ch *Channel, err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		s.emit(event{kind: evProviderClosed, code: ce.Code, reason: ce.Text})
		return
	}
	if !ch.Open() {
		return
	}
	if s.emit(event{kind: evProviderError, err: err}) {
		s.emit(event{kind: evProviderClosed, code: CloseAbnormal})
	}
}
