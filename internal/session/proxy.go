package session

import (
	"sync"

	"github.com/openkit-go/openkit/common/log"
	"github.com/openkit-go/openkit/internal/metrics"
	"github.com/openkit-go/openkit/internal/protocol"
)

// sentinelEpochMs is the 1970-01-01 sentinel SplitSessionByTime returns to
// tell the watchdog this proxy no longer needs periodic split checks.
const sentinelEpochMs int64 = 0

// Proxy is the object handed to callers in place of a raw Session: it
// holds the *current* Session and transparently splits it into a new one
// by event count, idle timeout, or max duration, per §4.6.
type Proxy struct {
	mu sync.Mutex

	l        log.Logger
	creator  *Creator
	watchdog *Watchdog

	config  protocol.BeaconConfiguration
	current *Session

	lastUserTag string
	hasUserTag  bool
}

// NewProxy creates the first Session through creator and registers with
// watchdog for later idle/duration split checks.
func NewProxy(l log.Logger, creator *Creator, config protocol.BeaconConfiguration, watchdog *Watchdog) *Proxy {
	p := &Proxy{
		l:        l,
		creator:  creator,
		watchdog: watchdog,
		config:   config,
	}
	p.current = creator.NextSession(config)
	if watchdog != nil {
		watchdog.QueueForSplitting(p)
	}
	return p
}

// Current returns the Session new top-level actions should record
// against. Callers must call BeforeTopLevelAction first so a pending
// events-based split has already happened.
func (p *Proxy) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// UpdateServerConfig applies a freshly received ServerConfig to the proxy
// and its current Session's Beacon.
func (p *Proxy) UpdateServerConfig(sc protocol.ServerConfig) {
	p.mu.Lock()
	p.config.Server = sc
	cur := p.current
	p.mu.Unlock()
	cur.Beacon().UpdateServerConfig(sc)
}

// BeforeTopLevelAction implements the split-by-events check of §4.6: call
// before creating a new top-level action so it lands on the right
// Session.
func (p *Proxy) BeforeTopLevelAction(nowMs int64) {
	p.mu.Lock()
	cfg := p.config.Server
	cur := p.current
	p.mu.Unlock()

	if cfg.SessionSplitByEventsEnabled && cur.TopLevelActionCount() >= cfg.MaxEventsPerSession {
		p.split(nowMs, "events", false)
	}

	p.mu.Lock()
	p.current.RecordInteraction(nowMs)
	p.mu.Unlock()
}

// split closes (or enqueues) the current Session and installs a new one,
// re-tagging it with the last identified user, if any. resetCreator
// restarts the session-id sequence from scratch first, used by
// time-based (idle/duration) splits per §5's SessionCreator.reset note.
func (p *Proxy) split(nowMs int64, trigger string, resetCreator bool) {
	if resetCreator {
		p.creator.Reset()
	}
	p.mu.Lock()
	old := p.current
	cfg := p.config
	p.mu.Unlock()

	p.closeOrEnqueue(old, nowMs)

	next := p.creator.NextSession(cfg)

	p.mu.Lock()
	p.current = next
	tag, hasTag := p.lastUserTag, p.hasUserTag
	p.mu.Unlock()

	if hasTag {
		next.Beacon().IdentifyUser(tag, nowMs)
	}

	metrics.SessionsSplit.WithLabelValues(trigger).Inc()
}

// IdentifyUser records the user tag on the current Session and remembers
// it so future splits re-tag the freshly created Session.
func (p *Proxy) IdentifyUser(userTag string, nowMs int64) {
	p.mu.Lock()
	p.lastUserTag = userTag
	p.hasUserTag = true
	cur := p.current
	p.mu.Unlock()
	cur.Beacon().IdentifyUser(userTag, nowMs)
}

// closeOrEnqueue implements §4.6's close-or-enqueue step: try to end the
// session immediately; if it still has open children, compute the grace
// period and hand it to the watchdog.
func (p *Proxy) closeOrEnqueue(s *Session, nowMs int64) {
	if s.TryEnd() {
		return
	}

	p.mu.Lock()
	cfg := p.config.Server
	p.mu.Unlock()

	grace := cfg.SessionTimeoutMs / 2
	if grace <= 0 {
		grace = cfg.SendIntervalMs
	}
	s.SetSplitByEventsGracePeriodEndTimeMs(nowMs + grace)

	if p.watchdog != nil {
		p.watchdog.QueueForClosing(s)
	}
}

// calculateNextSplitTime computes the earliest enabled idle/duration
// deadline for the current Session, or sentinelEpochMs if neither
// dimension is enabled.
func (p *Proxy) calculateNextSplitTime() int64 {
	p.mu.Lock()
	cfg := p.config.Server
	cur := p.current
	p.mu.Unlock()

	var deadline int64
	has := false

	if cfg.SessionSplitByIdleEnabled {
		d := cur.LastInteractionTimeMs() + cfg.SessionTimeoutMs
		deadline, has = d, true
	}
	if cfg.SessionSplitByDurationEnabled {
		d := cur.StartTimeMs() + cfg.MaxSessionDurationMs
		if !has || d < deadline {
			deadline = d
		}
		has = true
	}

	if !has {
		return sentinelEpochMs
	}
	return deadline
}

// SplitSessionByTime is called periodically by the watchdog. It performs
// an idle/duration split if the deadline has passed, and returns the next
// deadline to check, or sentinelEpochMs if this proxy should be dropped
// from the watchdog's split queue (neither dimension enabled).
func (p *Proxy) SplitSessionByTime(nowMs int64) int64 {
	next := p.calculateNextSplitTime()
	if next == sentinelEpochMs {
		return sentinelEpochMs
	}
	if nowMs < next {
		return next
	}

	p.mu.Lock()
	cfg := p.config.Server
	cur := p.current
	p.mu.Unlock()

	trigger := "duration"
	if cfg.SessionSplitByIdleEnabled {
		idleDeadline := cur.LastInteractionTimeMs() + cfg.SessionTimeoutMs
		if idleDeadline <= next {
			trigger = "idle"
		}
	}

	p.split(nowMs, trigger, true)
	return p.calculateNextSplitTime()
}

// End closes the current Session for good (no further splitting),
// skipping the watchdog enqueue dance.
func (p *Proxy) End(sendEndEvent bool, nowMs int64) {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	cur.End(sendEndEvent, nowMs)
}
