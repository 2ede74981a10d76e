package capture

import (
	"sync/atomic"

	"github.com/harunnryd/sttrelay/pkg/frames"
	"github.com/harunnryd/sttrelay/pkg/metrics"
)

const (
	// DefaultBlockSize matches the render quantum of common audio runtimes.
	DefaultBlockSize = 128
	defaultQueueSize = 64
)

type Config struct {
	BlockSize int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// Block is one encoded PCM16 block. The consumer calls Release once the bytes
// have been written out.
type Block struct {
	Seq  uint64
	Data []byte
	buf  *[]byte
}

func (b Block) Release() {
	frames.ReleaseAudioBuf(b.buf)
}

// Stage runs the codec once per audio block and emits the result on a
// bounded queue. Process and Close must be called from the same goroutine.
type Stage struct {
	cfg      Config
	out      chan Block
	seq      uint64
	dropped  atomic.Int64
	closed   atomic.Bool
	observer metrics.Observer
}

func NewStage(cfg Config, observer metrics.Observer) *Stage {
	cfg = cfg.withDefaults()
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Stage{
		cfg:      cfg,
		out:      make(chan Block, cfg.QueueSize),
		observer: observer,
	}
}

func (s *Stage) BlockSize() int { return s.cfg.BlockSize }

// Blocks returns the outbound message queue.
func (s *Stage) Blocks() <-chan Block { return s.out }

// Dropped reports how many blocks were discarded because the queue was full.
func (s *Stage) Dropped() int64 { return s.dropped.Load() }

// Process encodes one block of samples. It reports false when the block was
// not emitted.
func (s *Stage) Process(samples []float32) bool {
	if s.closed.Load() || len(samples) == 0 {
		return false
	}
	buf := frames.AcquireAudioBuf(len(samples) * BytesPerSample)
	*buf = EncodePCM16(*buf, samples)
	s.seq++
	select {
	case s.out <- Block{Seq: s.seq, Data: *buf, buf: buf}:
		return true
	default:
		frames.ReleaseAudioBuf(buf)
		s.dropped.Add(1)
		metrics.Count(s.observer, metrics.EventCaptureBlockDropped, nil)
		return false
	}
}

// Close stops emission and closes the queue.
func (s *Stage) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.out)
	}
}
