// Package session implements the session lifecycle: Session itself,
// automatic splitting through SessionProxy, and cooperative shutdown via
// SessionWatchdog.
package session

import (
	"sync"

	clock "github.com/jonboulle/clockwork"

	"github.com/openkit-go/openkit/common/log"
	"github.com/openkit-go/openkit/internal/protocol"
)

// child is the recording contract a Session's children (RootActions,
// WebRequestTracers) fulfill. Only the contract with the Beacon is
// specified; the fluent, user-facing action/tracer APIs are out of scope.
type child interface {
	cancel()
}

// Session owns one Beacon and the set of still-open children recording
// against it. isFinishing/isFinished/wasTriedForEnding are monotonic: the
// only legal transitions are false -> isFinishing=true -> isFinished=true,
// and wasTriedForEnding may be set once.
type Session struct {
	mu sync.Mutex

	l     log.Logger
	clock clock.Clock
	beacon *protocol.Beacon

	sequenceNumber int32

	isFinishing       bool
	isFinished        bool
	wasTriedForEnding bool

	children []child

	startTimeMs           int64
	lastInteractionTimeMs int64
	topLevelActionCount   int

	splitByEventsGracePeriodEndTimeMs int64

	onChildClosed func(*Session)
}

// newSession constructs a Session around an already-built Beacon and calls
// StartSession on it, §4.6.
func newSession(l log.Logger, clk clock.Clock, b *protocol.Beacon, sequenceNumber int32, startTimeMs int64) *Session {
	s := &Session{
		l:                     l,
		clock:                 clk,
		beacon:                b,
		sequenceNumber:        sequenceNumber,
		startTimeMs:           startTimeMs,
		lastInteractionTimeMs: startTimeMs,
	}
	s.beacon.StartSession()
	return s
}

// Beacon exposes the underlying Beacon for callers that need to record
// directly (actions, tracers) or to send it.
func (s *Session) Beacon() *protocol.Beacon { return s.beacon }

// SequenceNumber is this Session's position within its SessionProxy's
// split sequence, starting at 0.
func (s *Session) SequenceNumber() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequenceNumber
}

// IsFinishing reports whether end() has started but not completed.
func (s *Session) IsFinishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isFinishing
}

// IsFinished reports whether end() has fully completed.
func (s *Session) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isFinished
}

// WasTriedForEnding reports whether tryEnd() previously deferred closing
// this Session because it still had open children.
func (s *Session) WasTriedForEnding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wasTriedForEnding
}

// SplitByEventsGracePeriodEndTimeMs is the deadline the watchdog enforces
// after a close-or-enqueue decision, §4.6.
func (s *Session) SplitByEventsGracePeriodEndTimeMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.splitByEventsGracePeriodEndTimeMs
}

// SetSplitByEventsGracePeriodEndTimeMs records the grace deadline computed
// by the SessionProxy's close-or-enqueue step.
func (s *Session) SetSplitByEventsGracePeriodEndTimeMs(endMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.splitByEventsGracePeriodEndTimeMs = endMs
}

// SetOnChildClosed installs the callback invoked once End has finished
// this Session, whether End was called directly, through TryEnd, or
// automatically after the last child closed following a deferred TryEnd.
func (s *Session) SetOnChildClosed(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChildClosed = fn
}

// RecordInteraction bumps the idle-timeout clock and the top-level action
// counter. Call before creating a new top-level action.
func (s *Session) RecordInteraction(nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastInteractionTimeMs = nowMs
	s.topLevelActionCount++
}

// LastInteractionTimeMs and TopLevelActionCount report the counters the
// SessionProxy consults for split decisions.
func (s *Session) LastInteractionTimeMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInteractionTimeMs
}

func (s *Session) TopLevelActionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topLevelActionCount
}

func (s *Session) StartTimeMs() int64 {
	return s.startTimeMs
}

// addChild registers an open child so it can be closed or cancelled when
// the Session ends.
func (s *Session) addChild(c child) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isFinishing || s.isFinished {
		return
	}
	s.children = append(s.children, c)
}

// removeChild drops a child that closed on its own and, if a prior tryEnd()
// call is pending and no children remain, completes the end.
func (s *Session) removeChild(c child) {
	s.mu.Lock()
	remaining := 0
	for i, existing := range s.children {
		if existing == c {
			s.children = append(s.children[:i], s.children[i+1:]...)
			break
		}
	}
	remaining = len(s.children)
	shouldAutoEnd := s.wasTriedForEnding && remaining == 0 && !s.isFinishing && !s.isFinished
	s.mu.Unlock()

	if shouldAutoEnd {
		s.End(false, s.clock.Now().UnixMilli())
	}
}

// End closes the Session per §4.6: marks finishing, cancels/closes every
// still-open child, optionally emits the session-end record, marks
// finished, and invokes the SetOnChildClosed callback, if one is installed.
func (s *Session) End(sendEndEvent bool, timestampMs int64) {
	s.mu.Lock()
	if s.isFinishing || s.isFinished {
		s.mu.Unlock()
		return
	}
	s.isFinishing = true
	children := s.children
	s.children = nil
	onClosed := s.onChildClosed
	s.mu.Unlock()

	for _, c := range children {
		c.cancel()
	}

	s.beacon.EndSession(sendEndEvent, timestampMs)

	s.mu.Lock()
	s.isFinished = true
	s.mu.Unlock()

	if onClosed != nil {
		onClosed(s)
	}
}

// TryEnd implements §4.6 tryEnd: ends immediately if there are no open
// children, otherwise marks wasTriedForEnding and defers to removeChild's
// auto-end once the child count reaches 0.
func (s *Session) TryEnd() bool {
	s.mu.Lock()
	if s.isFinishing || s.isFinished {
		s.mu.Unlock()
		return true
	}
	if len(s.children) == 0 {
		s.mu.Unlock()
		s.End(false, s.clock.Now().UnixMilli())
		return true
	}
	s.wasTriedForEnding = true
	s.mu.Unlock()
	return false
}

// ClearCapturedData discards buffered but unsent telemetry for this
// Session's Beacon, used by the sender's handleResponse/Flush paths.
func (s *Session) ClearCapturedData() {
	s.beacon.ClearData()
}
