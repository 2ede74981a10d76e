package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Service is the long-running component a runner starts. Start must not
// block.
type Service interface {
	Name() string
	Start(ctx context.Context) error
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer finishes in-flight work once the runner stops.
type Drainer interface {
	Drain() error
}

var Version = "dev"

// PrintBanner writes the startup banner to w.
func PrintBanner(w io.Writer, color bool) {
	tpl := "{{ .Title \"STT RELAY\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, color, bytes.NewBufferString(tpl))
}
