package sending

import (
	"context"
	"sync"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkit-go/openkit/common/testlogger"
	"github.com/openkit-go/openkit/internal/cache"
	"github.com/openkit-go/openkit/internal/protocol"
	"github.com/openkit-go/openkit/internal/session"
)

// fakeHTTPClient is a scripted protocol.HTTPClient: each call pops the next
// queued response, repeating the last one once the queue is drained.
type fakeHTTPClient struct {
	mu        sync.Mutex
	responses []protocol.StatusResponse
	calls     int
	serverID  int
}

func (f *fakeHTTPClient) next() protocol.StatusResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.responses) == 0 {
		return protocol.StatusResponse{}
	}
	if len(f.responses) == 1 {
		return f.responses[0]
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp
}

func (f *fakeHTTPClient) SendStatusRequest(context.Context, protocol.AdditionalParams) (protocol.StatusResponse, error) {
	return f.next(), nil
}

func (f *fakeHTTPClient) SendNewSessionRequest(context.Context, protocol.AdditionalParams) (protocol.StatusResponse, error) {
	return f.next(), nil
}

func (f *fakeHTTPClient) SendBeaconRequest(context.Context, string, string, protocol.AdditionalParams) (protocol.StatusResponse, error) {
	return f.next(), nil
}

func (f *fakeHTTPClient) SetServerID(id int) {
	f.mu.Lock()
	f.serverID = id
	f.mu.Unlock()
}

func okResponse() protocol.StatusResponse {
	return protocol.StatusResponse{
		HasHTTPResponse:     true,
		StatusCode:          200,
		CaptureEnabled:      true,
		MaxBeaconSizeBytes:  30 * 1024,
		SessionTimeoutMs:    30000,
		SendIntervalMs:      1000,
		MaxEventsPerSession: 200,
	}
}

func tooManyRequestsResponse(retryAfterSec int) protocol.StatusResponse {
	return protocol.StatusResponse{HasHTTPResponse: true, StatusCode: 429, RetryAfterSec: retryAfterSec}
}

func newTestSession(t *testing.T, clk clock.Clock, httpClient protocol.HTTPClient) *session.Session {
	t.Helper()
	c := cache.New(testlogger.New(t))
	ids := session.NewIDProvider()
	creator := session.NewCreator(testlogger.New(t), clk, c, ids, protocol.OpenKitConfiguration{
		ApplicationID: "app-under-test",
		DeviceID:      42,
	}, "127.0.0.1")
	server := protocol.DefaultServerConfig()
	server.CaptureEnabled = true
	config := protocol.BeaconConfiguration{
		Server: server,
		Privacy: protocol.PrivacyConfiguration{
			DataCollectionLevel: protocol.DataCollectionUserBehavior,
		},
		HTTPClient: httpClient,
	}
	return creator.NextSession(config)
}

func TestInitTransitionsToCaptureOnOnOKResponse(t *testing.T) {
	fake := &fakeHTTPClient{responses: []protocol.StatusResponse{okResponse()}}
	fakeClock := clock.NewFakeClock()
	ctx := NewContext(testlogger.New(t), fakeClock, fake)

	next, err := InitState{}.Execute(context.Background(), ctx)

	require.NoError(t, err)
	assert.IsType(t, CaptureOnState{}, next)
	assert.True(t, ctx.InitSucceeded())
	assert.True(t, ctx.CaptureEnabled())
}

func TestWaitForInitUnblocksOnceInitCompletes(t *testing.T) {
	fake := &fakeHTTPClient{responses: []protocol.StatusResponse{okResponse()}}
	fakeClock := clock.NewFakeClock()
	sendingCtx := NewContext(testlogger.New(t), fakeClock, fake)

	done := make(chan struct{})
	go func() {
		_, _ = InitState{}.Execute(context.Background(), sendingCtx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("init state never completed")
	}

	require.True(t, sendingCtx.WaitForInit(time.Second))
	assert.True(t, sendingCtx.InitSucceeded())
}

func TestCaptureOnTransitionsToCaptureOffOn429(t *testing.T) {
	fake := &fakeHTTPClient{responses: []protocol.StatusResponse{tooManyRequestsResponse(120)}}
	fakeClock := clock.NewFakeClock()
	sendingCtx := NewContext(testlogger.New(t), fakeClock, fake)
	sendingCtx.serverConfig.CaptureEnabled = true

	s := newTestSession(t, fakeClock, fake)
	sendingCtx.RegisterSession(s)

	done := make(chan State, 1)
	go func() {
		next, err := CaptureOnState{}.Execute(context.Background(), sendingCtx)
		require.NoError(t, err)
		done <- next
	}()

	// release the 1s poll sleep once Execute is blocked on it
	fakeClock.BlockUntil(1)
	fakeClock.Advance(captureOnPollInterval)

	select {
	case next := <-done:
		assert.IsType(t, CaptureOffState{}, next)
	case <-time.After(time.Second):
		t.Fatal("CaptureOn.Execute never returned")
	}
}

func TestCaptureOffReentersCaptureOnWhenServerReenablesCapture(t *testing.T) {
	fake := &fakeHTTPClient{responses: []protocol.StatusResponse{okResponse()}}
	fakeClock := clock.NewFakeClock()
	sendingCtx := NewContext(testlogger.New(t), fakeClock, fake)

	s := newTestSession(t, fakeClock, fake)
	s.Beacon().ReportValueString(0, "k", "v", fakeClock.Now().UnixMilli())
	sendingCtx.RegisterSession(s)

	done := make(chan State, 1)
	go func() {
		next, _ := CaptureOffState{}.Execute(context.Background(), sendingCtx)
		done <- next
	}()

	fakeClock.BlockUntil(1)
	fakeClock.Advance(time.Duration(statusCheckIntervalMs) * time.Millisecond)

	select {
	case next := <-done:
		assert.IsType(t, CaptureOnState{}, next)
	case <-time.After(time.Second):
		t.Fatal("CaptureOff.Execute never returned")
	}
}

func TestCaptureOnClearsCacheEntryForFinishedSessionAfterSending(t *testing.T) {
	fake := &fakeHTTPClient{responses: []protocol.StatusResponse{okResponse()}}
	fakeClock := clock.NewFakeClock()
	sendingCtx := NewContext(testlogger.New(t), fakeClock, fake)
	sendingCtx.serverConfig.CaptureEnabled = true

	c := cache.New(testlogger.New(t))
	ids := session.NewIDProvider()
	creator := session.NewCreator(testlogger.New(t), fakeClock, c, ids, protocol.OpenKitConfiguration{
		ApplicationID: "app-under-test",
		DeviceID:      42,
	}, "127.0.0.1")
	server := protocol.DefaultServerConfig()
	server.CaptureEnabled = true
	s := creator.NextSession(protocol.BeaconConfiguration{
		Server: server,
		Privacy: protocol.PrivacyConfiguration{
			DataCollectionLevel: protocol.DataCollectionUserBehavior,
		},
		HTTPClient: fake,
	})
	s.Beacon().ReportValueString(0, "k", "v", fakeClock.Now().UnixMilli())
	require.NotZero(t, c.CacheSize())

	s.End(false, fakeClock.Now().UnixMilli())
	sendingCtx.RegisterSession(s)
	for _, ts := range sendingCtx.notYetConfigured() {
		sendingCtx.markConfigured(ts)
	}
	require.Len(t, sendingCtx.finishedAndConfigured(), 1)

	done := make(chan State, 1)
	go func() {
		next, err := CaptureOnState{}.Execute(context.Background(), sendingCtx)
		require.NoError(t, err)
		done <- next
	}()

	fakeClock.BlockUntil(1)
	fakeClock.Advance(captureOnPollInterval)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CaptureOn.Execute never returned")
	}

	assert.Zero(t, c.CacheSize())
	assert.Empty(t, sendingCtx.finishedAndConfigured())
}

func TestTerminalStateRequestsShutdownAndStaysTerminal(t *testing.T) {
	fakeClock := clock.NewFakeClock()
	sendingCtx := NewContext(testlogger.New(t), fakeClock, &fakeHTTPClient{})

	next, err := TerminalState{}.Execute(context.Background(), sendingCtx)

	require.NoError(t, err)
	assert.True(t, next.Terminal())
	assert.True(t, sendingCtx.ShutdownRequested())
}

func TestSenderRunReachesTerminalAfterShutdownRequested(t *testing.T) {
	fakeClock := clock.NewFakeClock()
	sendingCtx := NewContext(testlogger.New(t), fakeClock, &fakeHTTPClient{responses: []protocol.StatusResponse{okResponse()}})
	sendingCtx.RequestShutdown()

	sender := NewSender(testlogger.New(t), sendingCtx)

	done := make(chan struct{})
	go func() {
		sender.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sender never reached terminal")
	}
}
