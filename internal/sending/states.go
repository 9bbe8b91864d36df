package sending

import (
	"context"
	"time"

	clock "github.com/jonboulle/clockwork"

	"github.com/openkit-go/openkit/internal/protocol"
)

const (
	initRetryBudget = 5
	initBaseDelay   = time.Second

	statusCheckIntervalMs = int64(2 * time.Hour / time.Millisecond)
	captureOffErrorSleep  = 10 * time.Minute
	captureOnPollInterval = time.Second
)

var reinitDelays = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	2 * time.Hour,
}

// State is one node of the sender's cooperative state machine, §4.3.
type State interface {
	// Execute runs one pass of this state, returning the state to run
	// next (nil means "stay") and any error that occurred. The caller
	// routes an error through ShutdownState rather than retrying.
	Execute(ctx context.Context, sc *Context) (State, error)
	// ShutdownState is consulted when an error occurs in this state or
	// the context's shutdown flag becomes set.
	ShutdownState() State
	// Terminal reports whether the state machine has fully wound down.
	Terminal() bool
	// Name identifies the state for logging and the sender-state metric.
	Name() string
}

// configTimestampParams adapts a point in time into the AdditionalParams
// contract the HTTP client needs for the cts query, §4.8.
type configTimestampParams struct {
	timestampMs int64
}

func (p configTimestampParams) GetConfigurationTimestamp() int64 { return p.timestampMs }

// shuttingDown reports whether either the surrounding context was
// cancelled or the shared shutdown flag was set.
func shuttingDown(ctx context.Context, sc *Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	return sc.ShutdownRequested()
}

// sleep waits for d or ctx cancellation, whichever comes first, reporting
// whether the full duration elapsed.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-clk.After(d):
		return true
	}
}

// statusRequestWithRetry is the shared status-request helper of §4.3: keep
// retrying, with exponentially doubling delay, while the response is
// neither OK nor 429, the retry budget isn't exhausted, and no shutdown
// has been requested.
func statusRequestWithRetry(ctx context.Context, sc *Context, budget int, baseDelay time.Duration) protocol.StatusResponse {
	params := configTimestampParams{timestampMs: sc.clock.Now().UnixMilli()}
	resp, _ := sc.HTTPClient().SendStatusRequest(ctx, params)

	delay := baseDelay
	for retries := 0; !resp.IsOk() && !resp.IsTooManyRequests() && retries < budget && !shuttingDown(ctx, sc); retries++ {
		if !sleep(ctx, sc.clock, delay) {
			break
		}
		delay *= 2
		params = configTimestampParams{timestampMs: sc.clock.Now().UnixMilli()}
		resp, _ = sc.HTTPClient().SendStatusRequest(ctx, params)
	}
	return resp
}

// InitState repeatedly requests server status until it gets an OK
// response or shutdown is requested, §4.3.
type InitState struct{}

func (InitState) Name() string        { return "Init" }
func (InitState) Terminal() bool      { return false }
func (InitState) ShutdownState() State { return TerminalState{} }

func (s InitState) Execute(ctx context.Context, sc *Context) (State, error) {
	attempt := 0
	for !shuttingDown(ctx, sc) {
		resp := statusRequestWithRetry(ctx, sc, initRetryBudget, initBaseDelay)
		if resp.IsOk() {
			sc.handleResponse(resp)
			sc.completeInit(true)
			if sc.CaptureEnabled() {
				return CaptureOnState{}, nil
			}
			return CaptureOffState{}, nil
		}

		delay := reinitDelays[attempt]
		if attempt < len(reinitDelays)-1 {
			attempt++
		}
		if !sleep(ctx, sc.clock, delay) {
			break
		}
	}
	sc.completeInit(false)
	return TerminalState{}, nil
}

// CaptureOnState actively ships session beacons while capture is enabled,
// §4.3.
type CaptureOnState struct{}

func (CaptureOnState) Name() string         { return "CaptureOn" }
func (CaptureOnState) Terminal() bool       { return false }
func (CaptureOnState) ShutdownState() State { return FlushState{} }

func (s CaptureOnState) Execute(ctx context.Context, sc *Context) (State, error) {
	if !sleep(ctx, sc.clock, captureOnPollInterval) || shuttingDown(ctx, sc) {
		return s.ShutdownState(), nil
	}

	var lastResp protocol.StatusResponse
	var gotResp bool

	for _, ts := range sc.notYetConfigured() {
		if shuttingDown(ctx, sc) {
			return s.ShutdownState(), nil
		}
		params := configTimestampParams{timestampMs: sc.clock.Now().UnixMilli()}
		resp, err := sc.HTTPClient().SendNewSessionRequest(ctx, params)
		if err == nil {
			lastResp, gotResp = resp, true
		}
		if resp.IsTooManyRequests() {
			return CaptureOffState{}, nil
		}
		if resp.IsOk() {
			newConfig := protocol.ServerConfigFrom(resp)
			ts.session.Beacon().UpdateServerConfig(newConfig)
			sc.markConfigured(ts)
		}
	}

	for _, ts := range sc.finishedAndConfigured() {
		if shuttingDown(ctx, sc) {
			return s.ShutdownState(), nil
		}
		resp, err := ts.session.Beacon().Send(ctx)
		if err == nil {
			lastResp, gotResp = resp, true
		}
		if resp.IsTooManyRequests() {
			return CaptureOffState{}, nil
		}
		ts.session.ClearCapturedData()
		sc.removeSession(ts.session)
	}

	now := sc.clock.Now().UnixMilli()
	sendInterval := sc.ServerConfig().SendIntervalMs
	if now > sc.LastOpenSessionSendTimeMs()+sendInterval {
		for _, ts := range sc.openAndConfigured() {
			if shuttingDown(ctx, sc) {
				return s.ShutdownState(), nil
			}
			resp, err := ts.session.Beacon().Send(ctx)
			if err == nil {
				lastResp, gotResp = resp, true
			}
			if resp.IsTooManyRequests() {
				return CaptureOffState{}, nil
			}
		}
		sc.SetLastOpenSessionSendTimeMs(now)
	}

	if gotResp {
		sc.handleResponse(lastResp)
	}
	if !sc.CaptureEnabled() {
		return CaptureOffState{}, nil
	}
	return s, nil
}

// CaptureOffState disables capture, clears all buffered data, and
// periodically polls status until the server re-enables capture, §4.3.
type CaptureOffState struct {
	// forcedSleepMs overrides the normal status-check interval, used to
	// implement the 10-minute back-off after an error response.
	forcedSleepMs int64
}

func (CaptureOffState) Name() string         { return "CaptureOff" }
func (CaptureOffState) Terminal() bool       { return false }
func (CaptureOffState) ShutdownState() State { return FlushState{} }

func (s CaptureOffState) Execute(ctx context.Context, sc *Context) (State, error) {
	sc.disableCapture()
	sc.clearAllSessionData()

	sleepMs := s.forcedSleepMs
	if sleepMs <= 0 {
		sleepMs = sc.ServerConfig().SendIntervalMs
		if sleepMs <= 0 || sleepMs > statusCheckIntervalMs {
			sleepMs = statusCheckIntervalMs
		}
	}
	if !sleep(ctx, sc.clock, time.Duration(sleepMs)*time.Millisecond) || shuttingDown(ctx, sc) {
		return s.ShutdownState(), nil
	}

	resp := statusRequestWithRetry(ctx, sc, initRetryBudget, initBaseDelay)
	if shuttingDown(ctx, sc) {
		return s.ShutdownState(), nil
	}

	if resp.IsError() {
		return CaptureOffState{forcedSleepMs: int64(captureOffErrorSleep / time.Millisecond)}, nil
	}

	sc.handleResponse(resp)
	if sc.CaptureEnabled() {
		return CaptureOnState{}, nil
	}
	return CaptureOffState{}, nil
}

// FlushState drains every beacon it still can before shutting down, §4.3.
type FlushState struct{}

func (FlushState) Name() string         { return "Flush" }
func (FlushState) Terminal() bool       { return false }
func (FlushState) ShutdownState() State { return TerminalState{} }

func (FlushState) Execute(ctx context.Context, sc *Context) (State, error) {
	for _, ts := range sc.notYetConfigured() {
		enabled := sc.ServerConfig()
		enabled.CaptureEnabled = true
		ts.session.Beacon().UpdateServerConfig(enabled)
		sc.markConfigured(ts)
	}

	for _, ts := range sc.openAndConfigured() {
		ts.session.End(false, sc.clock.Now().UnixMilli())
	}

	throttled := false
	for _, ts := range sc.finishedAndConfigured() {
		if !throttled {
			resp, _ := ts.session.Beacon().Send(ctx)
			if resp.IsTooManyRequests() {
				throttled = true
			}
		}
		ts.session.ClearCapturedData()
		sc.removeSession(ts.session)
	}

	return TerminalState{}, nil
}

// TerminalState idempotently marks the context as shut down.
type TerminalState struct{}

func (TerminalState) Name() string         { return "Terminal" }
func (TerminalState) Terminal() bool       { return true }
func (TerminalState) ShutdownState() State { return TerminalState{} }

func (TerminalState) Execute(_ context.Context, sc *Context) (State, error) {
	sc.RequestShutdown()
	return TerminalState{}, nil
}
