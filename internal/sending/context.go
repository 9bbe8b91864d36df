// Package sending implements the beacon sender: a single-threaded
// cooperative state machine (Init -> CaptureOn/CaptureOff -> Flush ->
// Terminal) that negotiates with the server and paces transmission, §4.3
// and §4.4.
package sending

import (
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"

	"github.com/openkit-go/openkit/common/log"
	"github.com/openkit-go/openkit/internal/metrics"
	"github.com/openkit-go/openkit/internal/protocol"
	"github.com/openkit-go/openkit/internal/session"
)

// trackedSession pairs a Session with whether it has ever received a
// server-applied configuration, the distinction the state machine uses to
// decide between a new-session request and a beacon request.
type trackedSession struct {
	session    *session.Session
	configured bool
}

// Context is the shared mutable state the state machine reads and writes:
// the current ServerConfig, the session registry, and the shutdown/init
// bookkeeping flags, §4.4.
type Context struct {
	mu sync.Mutex

	l          log.Logger
	clock      clock.Clock
	httpClient protocol.HTTPClient

	serverConfig protocol.ServerConfig

	sessions []*trackedSession

	shutdownRequested bool
	initSucceeded     bool

	lastOpenSessionSendTimeMs int64
	lastStatusCheckTimeMs     int64

	initOnce sync.Once
	initDone chan struct{}
}

// NewContext builds a Context with the default (pre-response) ServerConfig.
func NewContext(l log.Logger, clk clock.Clock, httpClient protocol.HTTPClient) *Context {
	return &Context{
		l:            l,
		clock:        clk,
		httpClient:   httpClient,
		serverConfig: protocol.DefaultServerConfig(),
		initDone:     make(chan struct{}),
	}
}

// RegisterSession adds a newly created Session to the context's registry,
// not yet configured until a server response has been applied to it.
func (c *Context) RegisterSession(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, &trackedSession{session: s})
	metrics.SessionsActive.Set(float64(len(c.sessions)))
}

func (c *Context) removeSessionLocked(s *session.Session) {
	for i, ts := range c.sessions {
		if ts.session == s {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			return
		}
	}
}

// ServerConfig returns the current ServerConfig snapshot under lock.
func (c *Context) ServerConfig() protocol.ServerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverConfig
}

// CaptureEnabled is a convenience read of ServerConfig().CaptureEnabled.
func (c *Context) CaptureEnabled() bool {
	return c.ServerConfig().CaptureEnabled
}

// HTTPClient exposes the abstract client states drive HTTP calls through.
func (c *Context) HTTPClient() protocol.HTTPClient {
	return c.httpClient
}

// ShutdownRequested reports whether the shared shutdown flag is set.
func (c *Context) ShutdownRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdownRequested
}

// RequestShutdown sets the shared shutdown flag; idempotent.
func (c *Context) RequestShutdown() {
	c.mu.Lock()
	c.shutdownRequested = true
	c.mu.Unlock()
}

// disableCapture flips the shared ServerConfig's capture flag off, used by
// CaptureOffState on entry regardless of what triggered the transition.
func (c *Context) disableCapture() {
	c.mu.Lock()
	c.serverConfig.CaptureEnabled = false
	c.mu.Unlock()
}

// LastOpenSessionSendTimeMs / SetLastOpenSessionSendTimeMs track the
// CaptureOn send-interval gate of §4.3 step 3.
func (c *Context) LastOpenSessionSendTimeMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOpenSessionSendTimeMs
}

func (c *Context) SetLastOpenSessionSendTimeMs(ms int64) {
	c.mu.Lock()
	c.lastOpenSessionSendTimeMs = ms
	c.mu.Unlock()
}

// completeInit releases every WaitForInit waiter exactly once.
func (c *Context) completeInit(success bool) {
	c.initOnce.Do(func() {
		c.mu.Lock()
		c.initSucceeded = success
		c.mu.Unlock()
		close(c.initDone)
	})
}

// InitSucceeded reports the outcome recorded by the first completeInit
// call; meaningless before WaitForInit returns true.
func (c *Context) InitSucceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initSucceeded
}

// WaitForInit blocks until Init completes or timeout elapses, returning
// whether it completed (not whether it succeeded — see InitSucceeded).
func (c *Context) WaitForInit(timeout time.Duration) bool {
	select {
	case <-c.initDone:
		return true
	case <-c.clock.After(timeout):
		return false
	}
}

// handleResponse applies a status response to the context per §4.4:
// disable capture and clear everything on a missing/error response;
// otherwise adopt the new ServerConfig and, if capture is now disabled,
// still clear all session data.
func (c *Context) handleResponse(resp protocol.StatusResponse) {
	if !resp.HasHTTPResponse || resp.IsError() {
		c.mu.Lock()
		c.serverConfig.CaptureEnabled = false
		c.mu.Unlock()
		c.clearAllSessionData()
		return
	}

	sc := protocol.ServerConfigFrom(resp)
	c.mu.Lock()
	c.serverConfig = sc
	c.mu.Unlock()

	if c.httpClient != nil {
		if setter, ok := c.httpClient.(interface{ SetServerID(int) }); ok {
			setter.SetServerID(sc.ServerID)
		}
	}

	if !sc.CaptureEnabled {
		c.clearAllSessionData()
	}
}

// clearAllSessionData clears every registered session's captured data and
// drops any that have already finished, §4.4.
func (c *Context) clearAllSessionData() {
	c.mu.Lock()
	snapshot := make([]*trackedSession, len(c.sessions))
	copy(snapshot, c.sessions)
	c.mu.Unlock()

	for _, ts := range snapshot {
		ts.session.ClearCapturedData()
		if ts.session.IsFinished() {
			c.mu.Lock()
			c.removeSessionLocked(ts.session)
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	metrics.SessionsActive.Set(float64(len(c.sessions)))
	c.mu.Unlock()
}

func (c *Context) notYetConfigured() []*trackedSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*trackedSession
	for _, ts := range c.sessions {
		if !ts.configured {
			out = append(out, ts)
		}
	}
	return out
}

func (c *Context) finishedAndConfigured() []*trackedSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*trackedSession
	for _, ts := range c.sessions {
		if ts.configured && ts.session.IsFinished() {
			out = append(out, ts)
		}
	}
	return out
}

func (c *Context) openAndConfigured() []*trackedSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*trackedSession
	for _, ts := range c.sessions {
		if ts.configured && !ts.session.IsFinished() {
			out = append(out, ts)
		}
	}
	return out
}

func (c *Context) markConfigured(ts *trackedSession) {
	c.mu.Lock()
	ts.configured = true
	c.mu.Unlock()
}

func (c *Context) removeSession(s *session.Session) {
	c.mu.Lock()
	c.removeSessionLocked(s)
	metrics.SessionsActive.Set(float64(len(c.sessions)))
	c.mu.Unlock()
}
