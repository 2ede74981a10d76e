package frames

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindText  Kind = "text"
)

// Control message type tags used on the provider protocol.
const (
	TypeResults       = "Results"
	TypeMetadata      = "Metadata"
	TypeSpeechStarted = "SpeechStarted"
	TypeUtteranceEnd  = "UtteranceEnd"
	TypeError         = "Error"
	TypeCloseStream   = "CloseStream"
)

// AudioFrame is one inbound block of bytes tagged with its arrival order.
// Text frames from the client travel as AudioFrame too, with Binary false.
type AudioFrame struct {
	seq    uint64
	data   []byte
	binary bool
}

func NewAudioFrame(seq uint64, data []byte, binary bool) AudioFrame {
	return AudioFrame{seq: seq, data: data, binary: binary}
}

func (a AudioFrame) Kind() Kind {
	if a.binary {
		return KindAudio
	}
	return KindText
}
func (a AudioFrame) Seq() uint64        { return a.seq }
func (a AudioFrame) Binary() bool       { return a.binary }
func (a AudioFrame) Len() int           { return len(a.data) }
func (a AudioFrame) Data() []byte       { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte { return a.data }

// ErrorNotice is the client-directed error message the relay emits itself.
type ErrorNotice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func NewErrorNotice(message string, err error) ErrorNotice {
	n := ErrorNotice{Type: TypeError, Message: message}
	if err != nil {
		n.Error = err.Error()
	}
	return n
}

func (n ErrorNotice) Marshal() []byte {
	b, _ := json.Marshal(n)
	return b
}

// CloseStream is the provider-directed termination directive.
type CloseStream struct {
	Type string `json:"type"`
}

func CloseStreamMessage() []byte {
	b, _ := json.Marshal(CloseStream{Type: TypeCloseStream})
	return b
}

// PeekType returns the "type" tag of a JSON control message.
func PeekType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", err
	}
	return head.Type, nil
}

// SeqGen hands out arrival order numbers for one direction of one session.
type SeqGen struct {
	n atomic.Uint64
}

func (g *SeqGen) Next() uint64 {
	return g.n.Add(1)
}

var audioBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}

// AcquireAudioBuf returns a pooled buffer of length size. The pointer is what
// goes back to ReleaseAudioBuf, so returning it does not allocate.
func AcquireAudioBuf(size int) *[]byte {
	b := audioBufPool.Get().(*[]byte)
	if cap(*b) < size {
		*b = make([]byte, size)
	}
	*b = (*b)[:size]
	return b
}

func ReleaseAudioBuf(b *[]byte) {
	if b == nil {
		return
	}
	*b = (*b)[:0]
	audioBufPool.Put(b)
}
