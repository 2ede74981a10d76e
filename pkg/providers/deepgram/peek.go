package deepgram

import (
	"encoding/json"
	"fmt"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/harunnryd/sttrelay/pkg/errorsx"
	"github.com/harunnryd/sttrelay/pkg/frames"
)

// Peek is what the relay learns from one provider message for diagnostics.
type Peek struct {
	Type       string
	Transcript string
	IsFinal    bool
	ErrCode    string
	ErrMsg     string
}

// PeekMessage decodes a provider message without altering it. The result is
// observational only; callers forward raw regardless of the error.
func PeekMessage(raw []byte) (Peek, error) {
	typ, err := frames.PeekType(raw)
	if err != nil {
		return Peek{}, errorsx.Wrap(fmt.Errorf("parse provider message: %w", err), errorsx.ReasonProviderProtocol)
	}
	p := Peek{Type: typ}
	switch typ {
	case frames.TypeResults:
		var mr msginterfaces.MessageResponse
		if err := json.Unmarshal(raw, &mr); err != nil {
			return p, errorsx.Wrap(fmt.Errorf("parse results message: %w", err), errorsx.ReasonProviderProtocol)
		}
		if len(mr.Channel.Alternatives) > 0 {
			p.Transcript = mr.Channel.Alternatives[0].Transcript
		}
		p.IsFinal = mr.IsFinal || mr.SpeechFinal
	case frames.TypeError:
		var er msginterfaces.ErrorResponse
		if err := json.Unmarshal(raw, &er); err != nil {
			return p, errorsx.Wrap(fmt.Errorf("parse error message: %w", err), errorsx.ReasonProviderProtocol)
		}
		p.ErrCode = er.ErrCode
		p.ErrMsg = er.ErrMsg
	}
	return p, nil
}
