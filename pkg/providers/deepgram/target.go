package deepgram

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/harunnryd/sttrelay/pkg/adapters/stt"
	"github.com/harunnryd/sttrelay/pkg/redact"
)

// DefaultBaseURL is the Deepgram live transcription endpoint.
const DefaultBaseURL = "wss://api.deepgram.com/v1/listen"

// Param is one query parameter of the provider target.
type Param struct {
	Name  string
	Value string
}

// Params keeps the provider query in a fixed order.
type Params []Param

// DefaultParams lists every recognized parameter with its default, in the
// order they appear on the query string.
var DefaultParams = Params{
	{Name: "model", Value: "nova-3"},
	{Name: "language", Value: "en-US"},
	{Name: "encoding", Value: "mulaw"},
	{Name: "sample_rate", Value: "8000"},
	{Name: "channels", Value: "1"},
	{Name: "punctuate", Value: "true"},
	{Name: "interim_results", Value: "false"},
	{Name: "endpointing", Value: "300"},
	{Name: "vad_events", Value: "false"},
	{Name: "utterance_end_ms", Value: "1000"},
}

// Get returns the value of name, or "" when absent.
func (p Params) Get(name string) string {
	for _, kv := range p {
		if kv.Name == name {
			return kv.Value
		}
	}
	return ""
}

// Encode renders the query string in order.
func (p Params) Encode() string {
	var b strings.Builder
	for i, kv := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.Value))
	}
	return b.String()
}

// WithOverrides returns a copy of p where recognized names take the value
// from overrides when it is non-empty.
func (p Params) WithOverrides(overrides map[string]string) Params {
	out := make(Params, len(p))
	copy(out, p)
	for i, kv := range out {
		if v := strings.TrimSpace(overrides[kv.Name]); v != "" {
			out[i].Value = overrides[kv.Name]
		}
	}
	return out
}

// ResolveParams applies client-supplied values over defaults. Values are not
// validated: anything non-empty passes through unchanged. Unrecognized
// client keys are ignored.
func ResolveParams(client map[string]string, defaults Params) Params {
	if len(defaults) == 0 {
		defaults = DefaultParams
	}
	out := make(Params, len(defaults))
	for i, kv := range defaults {
		out[i] = kv
		if v, ok := client[kv.Name]; ok && v != "" {
			out[i].Value = v
		}
	}
	return out
}

// Target is the resolved provider endpoint for one session. It is immutable
// after construction.
type Target struct {
	base   *url.URL
	params Params
	token  string
}

// NewTarget validates baseURL and binds params and token to it.
func NewTarget(baseURL string, params Params, token string) (*Target, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("base url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("base url host is empty")
	}
	u.RawQuery = ""
	u.Fragment = ""
	p := make(Params, len(params))
	copy(p, params)
	return &Target{base: u, params: p, token: token}, nil
}

// Params returns a copy of the resolved parameters.
func (t *Target) Params() Params {
	out := make(Params, len(t.params))
	copy(out, t.params)
	return out
}

// URL is the dial URL. It never carries the token.
func (t *Target) URL() string {
	u := *t.base
	u.RawQuery = t.params.Encode()
	return u.String()
}

// Header carries the bearer-style credential.
func (t *Target) Header() http.Header {
	h := http.Header{}
	if t.token != "" {
		h.Set("Authorization", "Token "+t.token)
	}
	return h
}

// String is the loggable form of the target.
func (t *Target) String() string {
	u := *t.base
	u.RawQuery = t.params.Encode()
	return redact.Secret(redact.URL(&u), t.token)
}

// LogValue keeps slog from ever rendering the token.
func (t *Target) LogValue() slog.Value {
	return slog.StringValue(t.String())
}

// GoString keeps %#v from printing the token.
func (t *Target) GoString() string {
	return "deepgram.Target(" + t.String() + ")"
}

// Builder resolves client parameters into targets for one provider account.
type Builder struct {
	BaseURL  string
	Token    string
	Defaults Params
}

func (b Builder) BuildTarget(params map[string]string) (stt.Target, error) {
	base := b.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return NewTarget(base, ResolveParams(params, b.Defaults), b.Token)
}

var _ stt.TargetBuilder = Builder{}
var _ stt.Target = (*Target)(nil)
