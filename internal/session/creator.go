package session

import (
	"sync"

	clock "github.com/jonboulle/clockwork"

	"github.com/openkit-go/openkit/common/log"
	"github.com/openkit-go/openkit/internal/cache"
	"github.com/openkit-go/openkit/internal/protocol"
)

// Creator builds the successive Sessions a SessionProxy installs as it
// splits, keeping a monotonically increasing sessionSequenceNumber and the
// beaconId all of them share.
//
// Reset recreates the sequence from scratch, grounded on the original
// implementation's session_creator.py: a SessionProxy calls it on every
// time-based (idle or max-duration) split, so the Session after such a
// split starts a fresh sequence at 0; event-count splits keep incrementing.
type Creator struct {
	mu sync.Mutex

	l       log.Logger
	clock   clock.Clock
	cache   *cache.BeaconCache
	ids     *IDProvider
	beaconID uint32

	openKit  protocol.OpenKitConfiguration
	clientIP string

	sessionSequenceNumber int32

	onCreated func(*Session)
}

// SetOnSessionCreated installs a callback invoked after every Session this
// Creator builds, both the initial one and every later split. Used by the
// runtime wiring to register each Session with the sender without
// internal/session importing internal/sending.
func (c *Creator) SetOnSessionCreated(fn func(*Session)) {
	c.mu.Lock()
	c.onCreated = fn
	c.mu.Unlock()
}

// NewCreator builds a Creator for one logical session's split sequence,
// drawing the shared beaconId once from ids.
func NewCreator(l log.Logger, clk clock.Clock, c *cache.BeaconCache, ids *IDProvider, openKit protocol.OpenKitConfiguration, clientIP string) *Creator {
	return &Creator{
		l:        l,
		clock:    clk,
		cache:    c,
		ids:      ids,
		beaconID: uint32(ids.NextID()),
		openKit:  openKit,
		clientIP: clientIP,
	}
}

// NextSession builds a new Session bound to a fresh BeaconKey (same
// beaconId, sequence = this Creator's current sessionSequenceNumber),
// increments the sequence number, and returns it.
func (c *Creator) NextSession(config protocol.BeaconConfiguration) *Session {
	c.mu.Lock()
	seq := c.sessionSequenceNumber
	c.sessionSequenceNumber++
	c.mu.Unlock()

	key := cache.BeaconKey{BeaconID: c.beaconID, Sequence: uint32(seq)}
	now := c.clock.Now().UnixMilli()
	b := protocol.NewBeacon(c.l, c.clock, c.cache, key, c.openKit, config, c.clientIP, now)
	s := newSession(c.l, c.clock, b, seq, now)

	c.mu.Lock()
	onCreated := c.onCreated
	c.mu.Unlock()
	if onCreated != nil {
		onCreated(s)
	}
	return s
}

// Reset recreates the sequence from scratch: a new beaconId is drawn and
// sessionSequenceNumber restarts at 0. Used by the proxy's time-based
// (idle/duration) splits.
func (c *Creator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beaconID = uint32(c.ids.NextID())
	c.sessionSequenceNumber = 0
}
