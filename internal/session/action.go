package session

import (
	clock "github.com/jonboulle/clockwork"

	"github.com/openkit-go/openkit/internal/protocol"
)

// RootAction is a top-level action's recording contract with a Beacon: it
// tracks its own still-open LeafActions/WebRequestTracers so that closing
// the parent Session cancels (rather than closes) anything still in
// flight, per §4.6. The fluent, user-facing action API is out of scope;
// this is only what Session needs to drive closing correctly.
type RootAction struct {
	beacon *protocol.Beacon
	clock  clock.Clock
	parent *Session

	id             uint32
	name           string
	startSeq       uint32
	startTimeMs    int64
	closed         bool
	children       []child
}

// NewRootAction starts a RootAction against session and registers it as
// one of the session's open children.
func NewRootAction(s *Session, name string, nowMs int64) *RootAction {
	ra := &RootAction{
		beacon:      s.beacon,
		clock:       s.clock,
		parent:      s,
		id:          s.beacon.NextID(),
		name:        name,
		startSeq:    s.beacon.NextSequenceNumber(),
		startTimeMs: nowMs,
	}
	s.addChild(ra)
	return ra
}

// addChild registers a LeafAction/WebRequestTracer opened under this
// RootAction.
func (ra *RootAction) addChild(c child) {
	ra.children = append(ra.children, c)
}

// Close records the action as having run to completion and notifies the
// parent Session it is no longer open.
func (ra *RootAction) Close(endTimeMs int64) {
	if ra.closed {
		return
	}
	ra.closed = true
	for _, c := range ra.children {
		c.cancel()
	}
	ra.children = nil
	endSeq := ra.beacon.NextSequenceNumber()
	ra.beacon.AddAction(ra.id, ra.name, 0, ra.startSeq, ra.startTimeMs, endSeq, endTimeMs)
	ra.parent.removeChild(ra)
}

// cancel discards the action without emitting a record, used when the
// parent Session is force-ended while this action is still open.
func (ra *RootAction) cancel() {
	ra.closed = true
	for _, c := range ra.children {
		c.cancel()
	}
	ra.children = nil
}

// WebRequestTracer is a completed web-request recording's contract with
// the Beacon.
type WebRequestTracer struct {
	beacon *protocol.Beacon

	url         string
	startSeq    uint32
	startTimeMs int64
	closed      bool
}

// NewWebRequestTracer starts a tracer for url under the given parent
// RootAction.
func NewWebRequestTracer(ra *RootAction, url string, nowMs int64) *WebRequestTracer {
	t := &WebRequestTracer{
		beacon:      ra.beacon,
		url:         url,
		startSeq:    ra.beacon.NextSequenceNumber(),
		startTimeMs: nowMs,
	}
	ra.addChild(t)
	return t
}

// Stop records the completed request.
func (t *WebRequestTracer) Stop(endTimeMs int64, responseCode int, bytesSent, bytesReceived int64) {
	if t.closed {
		return
	}
	t.closed = true
	endSeq := t.beacon.NextSequenceNumber()
	t.beacon.AddWebRequest(0, t.url, t.startSeq, t.startTimeMs, endSeq, endTimeMs, responseCode, bytesSent, bytesReceived)
}

// cancel discards the tracer without emitting a record.
func (t *WebRequestTracer) cancel() {
	t.closed = true
}
