// Package forward re-emits decoded samples to a consumer at a fixed cadence,
// independent of how fast the peripheral notifies.
package forward

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrmon/pkg/sample"
)

// DefaultInterval matches a 20 Hz chart refresh.
const DefaultInterval = 50 * time.Millisecond

// Mode selects how samples received between two ticks are forwarded.
type Mode int

const (
	// ModeBatched forwards every sample received since the previous tick, in order.
	ModeBatched Mode = iota
	// ModeLatest forwards only the newest sample each tick and repeats it when
	// nothing new arrived. Superseded samples are counted in Tick.Coalesced.
	ModeLatest
)

func (m Mode) String() string {
	switch m {
	case ModeLatest:
		return "latest"
	default:
		return "batched"
	}
}

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "batched", "":
		return ModeBatched, nil
	case "latest":
		return ModeLatest, nil
	default:
		return ModeBatched, fmt.Errorf("invalid forward mode %q (must be batched or latest)", s)
	}
}

// Tick is one forwarding step.
type Tick struct {
	Index     uint64          `json:"index"`
	Elapsed   time.Duration   `json:"elapsed"`
	Samples   []sample.Sample `json:"samples"`
	Repeated  bool            `json:"repeated,omitempty"`
	Coalesced int             `json:"coalesced,omitempty"`
}

// Forwarder buffers pushed samples and hands them out once per interval.
type Forwarder struct {
	interval time.Duration
	mode     Mode
	logger   *logrus.Logger

	mu      sync.Mutex
	pending []sample.Sample
	last    *sample.Sample
	index   uint64
}

// New creates a Forwarder. The interval must be positive.
func New(interval time.Duration, mode Mode, logger *logrus.Logger) (*Forwarder, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("forward interval must be > 0, got %s", interval)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Forwarder{
		interval: interval,
		mode:     mode,
		logger:   logger,
	}, nil
}

// Push queues a sample for the next tick. It never blocks on the consumer.
func (f *Forwarder) Push(s sample.Sample) {
	f.mu.Lock()
	f.pending = append(f.pending, s)
	f.mu.Unlock()
}

// Pending returns the number of samples waiting for the next tick.
func (f *Forwarder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Next advances the clock by one interval and returns the tick to emit, if any.
// Run calls it on every timer fire; tests may drive it directly.
func (f *Forwarder) Next() (Tick, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.index++
	tick := Tick{
		Index:   f.index,
		Elapsed: time.Duration(f.index) * f.interval,
	}

	switch f.mode {
	case ModeLatest:
		if n := len(f.pending); n > 0 {
			latest := f.pending[n-1]
			f.last = &latest
			tick.Samples = []sample.Sample{latest}
			tick.Coalesced = n - 1
			f.pending = nil
			return tick, true
		}
		if f.last == nil {
			return Tick{}, false
		}
		tick.Samples = []sample.Sample{*f.last}
		tick.Repeated = true
		return tick, true
	default:
		if len(f.pending) == 0 {
			return Tick{}, false
		}
		tick.Samples = f.pending
		f.pending = nil
		return tick, true
	}
}

// Run emits ticks until ctx is done. In batched mode anything still pending is
// flushed in a final tick so no sample is lost on shutdown.
func (f *Forwarder) Run(ctx context.Context, emit func(Tick)) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.WithFields(logrus.Fields{
		"interval": f.interval,
		"mode":     f.mode,
	}).Debug("Sample forwarder started")

	for {
		select {
		case <-ctx.Done():
			if f.mode == ModeBatched {
				if tick, ok := f.Next(); ok {
					emit(tick)
				}
			}
			f.logger.Debug("Sample forwarder stopped")
			return nil
		case <-ticker.C:
			if tick, ok := f.Next(); ok {
				emit(tick)
			}
		}
	}
}
