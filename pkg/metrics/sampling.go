package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards roughly rate of the events whose name is in the
// sampled set; every other event passes through. Per-frame events are the
// usual candidates, lifecycle events must never be sampled away.
type SamplingObserver struct {
	inner       Observer
	rate        float64
	sampleEvery uint64
	counter     uint64
	sampled     map[string]struct{}
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	var every uint64
	if rate == 1 {
		every = 1
	} else if rate > 0 {
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &SamplingObserver{inner: inner, rate: rate, sampleEvery: every, sampled: set}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, ok := s.sampled[ev.Name]; !ok {
		s.inner.RecordEvent(ev)
		return
	}
	if s.rate == 0 {
		return
	}
	if s.sampleEvery <= 1 {
		s.inner.RecordEvent(ev)
		return
	}
	n := atomic.AddUint64(&s.counter, 1)
	if n%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
