package session

import (
	"context"
	"sync"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/openkit-go/openkit/common/testlogger"
)

func TestWatchdogClosesSessionOnceGracePeriodElapses(t *testing.T) {
	fake := clock.NewFakeClock()
	creator := newTestCreator(t, fake)
	s := creator.NextSession(newTestBeaconConfig())

	now := fake.Now().UnixMilli()
	s.SetSplitByEventsGracePeriodEndTimeMs(now + 200)

	w := NewWatchdog(testlogger.New(t), fake)
	w.QueueForClosing(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	fake.BlockUntil(1)
	fake.Advance(200 * time.Millisecond)

	assert.Eventually(t, func() bool { return s.IsFinished() }, time.Second, time.Millisecond)
}

func TestWatchdogLeavesSessionQueuedBeforeGracePeriodElapses(t *testing.T) {
	fake := clock.NewFakeClock()
	creator := newTestCreator(t, fake)
	s := creator.NextSession(newTestBeaconConfig())

	now := fake.Now().UnixMilli()
	s.SetSplitByEventsGracePeriodEndTimeMs(now + time.Hour.Milliseconds())

	w := NewWatchdog(testlogger.New(t), fake)
	w.QueueForClosing(s)

	wait := w.closeExpiredSessions()

	assert.False(t, s.IsFinished())
	assert.Equal(t, time.Hour, wait)
}

func TestSplitTimedOutSessionsDoesNotDropConcurrentlyQueuedProxy(t *testing.T) {
	fake := clock.NewFakeClock()
	w := NewWatchdog(testlogger.New(t), fake)

	creator := newTestCreator(t, fake)
	cfg := newTestBeaconConfig()
	cfg.Server.SessionSplitByIdleEnabled = true
	cfg.Server.SessionTimeoutMs = time.Hour.Milliseconds()

	// queue enough proxies that a pass over them has a real window during
	// which a concurrent QueueForSplitting can race with it.
	for i := 0; i < 200; i++ {
		w.QueueForSplitting(NewProxy(testlogger.New(t), creator, cfg, nil))
	}
	late := NewProxy(testlogger.New(t), creator, cfg, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.splitTimedOutSessions()
	}()
	go func() {
		defer wg.Done()
		w.QueueForSplitting(late)
	}()
	wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	found := false
	for _, p := range w.sessionsToSplitByTimeout {
		if p == late {
			found = true
		}
	}
	assert.True(t, found, "a proxy queued while a split pass is running must not be silently dropped")
}

func TestNextSleepPicksSmallestPositiveDeadlineCappedAtMax(t *testing.T) {
	fake := clock.NewFakeClock()
	w := NewWatchdog(testlogger.New(t), fake)

	assert.Equal(t, maxWatchdogSleep, w.nextSleep())
	assert.Equal(t, time.Second, w.nextSleep(0, time.Second, 10*time.Second))
	assert.Equal(t, maxWatchdogSleep, w.nextSleep(10*time.Second))
}
