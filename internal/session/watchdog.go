package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	clock "github.com/jonboulle/clockwork"

	"github.com/openkit-go/openkit/common/log"
	"github.com/openkit-go/openkit/internal/metrics"
)

// maxWatchdogSleep caps how long the watchdog ever sleeps between passes,
// §4.7, so it notices newly queued work promptly even if nothing is due.
const maxWatchdogSleep = 5 * time.Second

// Watchdog cooperatively closes Sessions once their grace period expires
// and drives periodic idle/duration splitting for every registered Proxy.
type Watchdog struct {
	mu sync.Mutex

	l     log.Logger
	clock clock.Clock

	sessionsToClose         []*Session
	sessionsToSplitByTimeout []*Proxy

	wake chan struct{}
}

// NewWatchdog constructs an idle Watchdog; call Run to start its loop.
func NewWatchdog(l log.Logger, clk clock.Clock) *Watchdog {
	return &Watchdog{
		l:     l,
		clock: clk,
		wake:  make(chan struct{}, 1),
	}
}

func (w *Watchdog) nudge() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// QueueForClosing enqueues a Session awaiting its grace-period deadline.
func (w *Watchdog) QueueForClosing(s *Session) {
	w.mu.Lock()
	w.sessionsToClose = append(w.sessionsToClose, s)
	w.mu.Unlock()
	w.nudge()
}

// QueueForSplitting registers a Proxy for periodic idle/duration split
// checks.
func (w *Watchdog) QueueForSplitting(p *Proxy) {
	w.mu.Lock()
	w.sessionsToSplitByTimeout = append(w.sessionsToSplitByTimeout, p)
	w.mu.Unlock()
	w.nudge()
}

// Run executes the watchdog's main loop until ctx is cancelled: each pass
// closes expired sessions and splits timed-out proxies, then sleeps for
// the smaller of the two reported deadlines, capped at maxWatchdogSleep.
func (w *Watchdog) Run(ctx context.Context) {
	for {
		closeDeadline := w.closeExpiredSessions()
		splitDeadline := w.splitTimedOutSessions()

		w.reportQueueDepth()

		sleep := w.nextSleep(closeDeadline, splitDeadline)

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-w.clock.After(sleep):
		}
	}
}

func (w *Watchdog) reportQueueDepth() {
	w.mu.Lock()
	closing := len(w.sessionsToClose)
	splitting := len(w.sessionsToSplitByTimeout)
	w.mu.Unlock()
	metrics.WatchdogQueueDepth.WithLabelValues("closing").Set(float64(closing))
	metrics.WatchdogQueueDepth.WithLabelValues("splitting").Set(float64(splitting))
}

func (w *Watchdog) nextSleep(deadlines ...time.Duration) time.Duration {
	sleep := maxWatchdogSleep
	for _, d := range deadlines {
		if d > 0 && d < sleep {
			sleep = d
		}
	}
	return sleep
}

// closeExpiredSessions ends every queued Session whose grace period has
// elapsed and returns the time until the next deadline (0 if the queue is
// empty), aggregating any per-session failures with multierror so one bad
// session doesn't stop the rest from being processed.
func (w *Watchdog) closeExpiredSessions() time.Duration {
	w.mu.Lock()
	pending := w.sessionsToClose
	w.sessionsToClose = nil
	w.mu.Unlock()

	now := w.clock.Now().UnixMilli()
	var remaining []*Session
	var minWait time.Duration
	var errs *multierror.Error

	for _, s := range pending {
		func() {
			defer func() {
				if r := recover(); r != nil {
					errs = multierror.Append(errs, fmt.Errorf("panicked closing session: %v", r))
				}
			}()

			deadline := s.SplitByEventsGracePeriodEndTimeMs()
			if now >= deadline {
				s.End(false, now)
				return
			}
			remaining = append(remaining, s)
			wait := time.Duration(deadline-now) * time.Millisecond
			if minWait == 0 || wait < minWait {
				minWait = wait
			}
		}()
	}

	if errs != nil {
		w.l.Errorw("errors closing expired sessions", "err", errs.ErrorOrNil())
	}

	w.mu.Lock()
	w.sessionsToClose = append(w.sessionsToClose, remaining...)
	w.mu.Unlock()

	return minWait
}

// splitTimedOutSessions calls SplitSessionByTime on every registered
// Proxy, drops any that return the sentinel epoch, and returns the time
// until the next deadline.
func (w *Watchdog) splitTimedOutSessions() time.Duration {
	w.mu.Lock()
	proxies := w.sessionsToSplitByTimeout
	w.sessionsToSplitByTimeout = nil
	w.mu.Unlock()

	now := w.clock.Now().UnixMilli()
	var remaining []*Proxy
	var minWait time.Duration
	var errs *multierror.Error

	for _, p := range proxies {
		func() {
			defer func() {
				if r := recover(); r != nil {
					errs = multierror.Append(errs, fmt.Errorf("panicked splitting session: %v", r))
				}
			}()

			next := p.SplitSessionByTime(now)
			if next == sentinelEpochMs {
				return
			}
			remaining = append(remaining, p)
			wait := time.Duration(next-now) * time.Millisecond
			if minWait == 0 || wait < minWait {
				minWait = wait
			}
		}()
	}

	if errs != nil {
		w.l.Errorw("errors splitting timed-out sessions", "err", errs.ErrorOrNil())
	}

	w.mu.Lock()
	w.sessionsToSplitByTimeout = append(w.sessionsToSplitByTimeout, remaining...)
	w.mu.Unlock()

	return minWait
}
