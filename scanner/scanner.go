package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrmon/internal/bledb"
	"github.com/srg/hrmon/internal/device"
	"github.com/srg/hrmon/internal/groutine"
	"github.com/srg/hrmon/internal/mailbox"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultScanDuration bounds a scan when no duration is configured.
const DefaultScanDuration = 10 * time.Second

// ErrScanInProgress is returned by Start while another scan of the same session runs.
var ErrScanInProgress = errors.New("scan already in progress")

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration time.Duration
	// ServiceUUIDs keeps only peripherals advertising at least one of these services
	ServiceUUIDs []bledb.AttributeID
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration: DefaultScanDuration,
	}
}

// Session performs time-bounded BLE discovery. Each peripheral is reported once per
// scan; a new Start forgets what earlier scans found.
type Session struct {
	scanner device.Scanner
	logger  *logrus.Logger

	// seen is swapped on every Start. Duplicate advertisements dominate the traffic,
	// so they are rejected here without taking mu.
	seen atomic.Pointer[hashmap.Map[string, device.PeripheralRef]]

	mu         sync.Mutex
	generation uint64
	running    bool
	opts       ScanOptions
	discovered *orderedmap.OrderedMap[string, device.PeripheralRef]
	out        *mailbox.Mailbox[device.PeripheralRef]
	timer      *time.Timer
	done       chan struct{}
	startedAt  time.Time
	deadline   time.Time
	stoppedAt  time.Time
}

// NewSession creates a scan session over the given scanner.
func NewSession(scanner device.Scanner, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Session{
		scanner:    scanner,
		logger:     logger,
		discovered: orderedmap.New[string, device.PeripheralRef](),
	}
	s.seen.Store(hashmap.New[string, device.PeripheralRef]())
	return s
}

// Start begins a scan and returns the stream of newly discovered peripherals. The
// stream is closed once the scan ends, by expiry, Stop or ctx cancellation.
func (s *Session) Start(ctx context.Context, opts *ScanOptions) (<-chan device.PeripheralRef, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	duration := opts.Duration
	if duration <= 0 {
		duration = DefaultScanDuration
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrScanInProgress
	}
	s.generation++
	gen := s.generation
	s.running = true
	s.opts = *opts
	s.seen.Store(hashmap.New[string, device.PeripheralRef]())
	s.discovered = orderedmap.New[string, device.PeripheralRef]()
	s.out = mailbox.New[device.PeripheralRef](fmt.Sprintf("scan-%d", gen))
	s.done = make(chan struct{})
	s.startedAt = time.Now()
	s.deadline = s.startedAt.Add(duration)
	s.stoppedAt = time.Time{}
	out, done := s.out, s.done
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"duration": duration,
		"services": len(opts.ServiceUUIDs),
	}).Info("Starting BLE scan...")

	if err := s.scanner.StartScan(func(adv device.Advertisement) {
		s.handleAdvertisement(gen, adv)
	}); err != nil {
		s.finish(gen, "failed", false)
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.mu.Lock()
	if s.generation == gen && s.running {
		s.timer = time.AfterFunc(duration, func() { s.finish(gen, "expired", true) })
	}
	s.mu.Unlock()

	groutine.Go(ctx, fmt.Sprintf("scan-watch-%d", gen), func(ctx context.Context) {
		select {
		case <-ctx.Done():
			s.finish(gen, "canceled", true)
		case <-done:
		}
	})

	return out.C(), nil
}

// Stop ends the current scan. It is safe to call at any time, repeatedly.
func (s *Session) Stop() {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	s.finish(gen, "stopped", true)
}

// Running reports whether a scan is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done is closed when the current or most recent scan ends. Nil before the first Start.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Elapsed returns how long the current or most recent scan has been running.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	if !s.running {
		return s.stoppedAt.Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

// Remaining returns the time left before the active scan expires, 0 when idle.
func (s *Session) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	if left := time.Until(s.deadline); left > 0 {
		return left
	}
	return 0
}

// Discovered returns a snapshot of the peripherals found by the current or most
// recent scan, in discovery order.
func (s *Session) Discovered() *orderedmap.OrderedMap[string, device.PeripheralRef] {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := orderedmap.New[string, device.PeripheralRef]()
	for pair := s.discovered.Oldest(); pair != nil; pair = pair.Next() {
		snapshot.Set(pair.Key, pair.Value)
	}
	return snapshot
}

func (s *Session) finish(gen uint64, why string, stopTransport bool) {
	s.mu.Lock()
	if gen != s.generation || !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stoppedAt = time.Now()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	close(s.done)
	s.out.Close()
	count := s.discovered.Len()
	s.mu.Unlock()

	if stopTransport {
		if err := s.scanner.StopScan(); err != nil {
			s.logger.WithField("error", err).Warn("Failed to stop scan")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"reason":       why,
		"device_count": count,
	}).Info("BLE scan completed")
}

// handleAdvertisement reports a peripheral the first time it is seen in a scan.
func (s *Session) handleAdvertisement(gen uint64, adv device.Advertisement) {
	seen := s.seen.Load()
	if known, ok := seen.Get(adv.ID); ok {
		if known.Name == "" && adv.Name != "" {
			s.learnName(gen, adv)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || !s.running {
		return
	}
	if !s.shouldInclude(adv) {
		return
	}

	ref := adv.Ref()
	if _, loaded := seen.GetOrInsert(adv.ID, ref); loaded {
		return
	}
	s.discovered.Set(adv.ID, ref)

	s.logger.WithFields(logrus.Fields{
		"device":  ref.DisplayName(),
		"address": ref.ID,
		"rssi":    adv.RSSI,
	}).Info("Discovered new device")

	s.out.Put(ref)
}

// learnName fills in the snapshot name of a peripheral whose first advertisement
// was anonymous. The already emitted ref is left alone.
func (s *Session) learnName(gen uint64, adv device.Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	if ref, ok := s.discovered.Get(adv.ID); ok && ref.Name == "" {
		ref.Name = adv.Name
		s.discovered.Set(adv.ID, ref)
		s.seen.Load().Set(adv.ID, ref)
	}
}

// shouldInclude applies the allow, block and service filters.
func (s *Session) shouldInclude(adv device.Advertisement) bool {
	for _, blocked := range s.opts.BlockList {
		if strings.EqualFold(adv.ID, blocked) {
			return false
		}
	}

	if len(s.opts.AllowList) > 0 {
		allowed := false
		for _, a := range s.opts.AllowList {
			if strings.EqualFold(adv.ID, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(s.opts.ServiceUUIDs) > 0 {
		for _, required := range s.opts.ServiceUUIDs {
			for _, advertised := range adv.Services {
				if required == advertised {
					return true
				}
			}
		}
		return false
	}

	return true
}
