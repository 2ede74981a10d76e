package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/sttrelay/pkg/logging"
)

var ErrDrainTimeout = errors.New("drain timeout")

type Options struct {
	Hooks   Hooks
	Timeout time.Duration
	// Banner receives the startup banner; nil means stdout, io.Discard
	// disables it.
	Banner io.Writer
	Logger *slog.Logger
}

type LifecycleRunner struct {
	state    atomic.Int32
	stopCh   chan struct{}
	onceHalt sync.Once
	onceStop sync.Once
	service  Service
	drainer  Drainer
	opts     Options
	logger   *slog.Logger
	stopErr  error
}

func NewLifecycleRunner(service Service, drainer Drainer, opts Options) *LifecycleRunner {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Banner == nil {
		opts.Banner = os.Stdout
	}
	r := &LifecycleRunner{
		stopCh:  make(chan struct{}),
		service: service,
		drainer: drainer,
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "runner"),
	}
	r.state.Store(int32(StateNew))
	return r
}

// Run starts the service and blocks until ctx is done or Stop is called,
// then drains within the configured timeout.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return errors.New("invalid state transition")
	}
	if r.opts.Banner != io.Discard {
		PrintBanner(r.opts.Banner, r.opts.Banner == os.Stdout)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.service != nil {
		if err := r.service.Start(ctx); err != nil {
			r.setState(StateStopped)
			return fmt.Errorf("start %s: %w", r.service.Name(), err)
		}
	}
	if r.opts.Hooks.OnStart != nil {
		r.opts.Hooks.OnStart()
	}
	r.setState(StateRunning)
	r.logger.Info("runner_started")
	select {
	case <-ctx.Done():
	case <-r.stopCh:
	}
	return r.stop()
}

// Stop ends Run and drains. It is safe to call more than once.
func (r *LifecycleRunner) Stop() error {
	r.onceHalt.Do(func() { close(r.stopCh) })
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		r.logger.Info("runner_draining", slog.Duration("timeout", r.opts.Timeout))
		if r.drainer != nil {
			done := make(chan error, 1)
			go func() { done <- r.drainer.Drain() }()
			select {
			case err := <-done:
				r.stopErr = err
			case <-time.After(r.opts.Timeout):
				r.stopErr = ErrDrainTimeout
			}
		}
		if r.opts.Hooks.OnStop != nil {
			r.opts.Hooks.OnStop()
		}
		r.setState(StateStopped)
		r.logger.Info("runner_stopped")
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	r.state.Store(int32(s))
}
