package adapter

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ProbeInterval is how often the watchdog goroutine ticks while a task
	// or metric invocation is in flight.
	ProbeInterval = 200 * time.Millisecond
	// ProbeBlockThreshold is the minimum observed tick gap, combined with a
	// minimum total elapsed time, before an invocation is flagged.
	ProbeBlockThreshold = 1 * time.Second
	// ProbeInitialCleanCalls is how many consecutive clean calls a
	// registered function earns before probing is skipped entirely.
	ProbeInitialCleanCalls = 5
	// ProbeReArmInterval is the probing period, in calls, for a function
	// that graduated: every ProbeReArmInterval-th call is probed again (the
	// calls in between are skipped), to catch regressions.
	ProbeReArmInterval = 50
)

// BlockingProbe runs a function under a heartbeat watchdog and warns, at
// most once per registered name until the next re-arm, when the function
// appears to have monopolized its goroutine's underlying OS thread for long
// enough to starve the scheduler. It is diagnostic only — it never aborts
// the function it watches.
type BlockingProbe struct {
	logger *slog.Logger
	states sync.Map // name -> *probeState
}

// NewBlockingProbe constructs a BlockingProbe that logs warnings via logger.
func NewBlockingProbe(logger *slog.Logger) *BlockingProbe {
	return &BlockingProbe{logger: logger}
}

type probeState struct {
	mu              sync.Mutex
	cleanStreak     int
	callsSinceProbe int
	warnedThisArm   bool
}

func (p *BlockingProbe) stateFor(name string) *probeState {
	v, _ := p.states.LoadOrStore(name, &probeState{})

	return v.(*probeState)
}

// shouldProbe reports whether this call should run under the watchdog,
// and resets the warn-dedup flag when a fresh probing window begins.
func (s *probeState) shouldProbe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleanStreak < ProbeInitialCleanCalls {
		return true
	}

	s.callsSinceProbe++
	if s.callsSinceProbe >= ProbeReArmInterval {
		s.callsSinceProbe = 0
		s.warnedThisArm = false

		return true
	}

	return false
}

func (s *probeState) recordCall(blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if blocked {
		s.cleanStreak = 0
	} else {
		s.cleanStreak++
	}
}

func (s *probeState) markWarned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.warnedThisArm {
		return false
	}

	s.warnedThisArm = true

	return true
}

// Watch runs fn, optionally under a heartbeat watchdog keyed by name. The
// watchdog goroutine ticks every ProbeInterval while fn runs on the calling
// goroutine; if fn and the calling goroutine share a P under GOMAXPROCS
// contention, the watchdog's own ticks get delayed, and the maximum
// observed gap is how blocking is detected without any cooperation from fn.
func (p *BlockingProbe) Watch(name string, fn func()) {
	st := p.stateFor(name)

	if !st.shouldProbe() {
		fn()
		st.recordCall(false)

		return
	}

	done := make(chan struct{})

	var maxGapNanos int64

	go func() {
		ticker := time.NewTicker(ProbeInterval)
		defer ticker.Stop()

		last := time.Now()

		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				gap := now.Sub(last)
				last = now

				for {
					cur := atomic.LoadInt64(&maxGapNanos)
					if int64(gap) <= cur || atomic.CompareAndSwapInt64(&maxGapNanos, cur, int64(gap)) {
						break
					}
				}
			}
		}
	}()

	start := time.Now()
	fn()
	elapsed := time.Since(start)
	close(done)

	maxGap := time.Duration(atomic.LoadInt64(&maxGapNanos))
	blocked := maxGap > ProbeBlockThreshold && elapsed > ProbeBlockThreshold

	if blocked && st.markWarned() && p.logger != nil {
		p.logger.Warn("task or metric function appears to be blocking the scheduler",
			slog.String("function", name),
			slog.Duration("elapsed", elapsed),
			slog.Duration("max_heartbeat_gap", maxGap))
	}

	st.recordCall(blocked)
}
