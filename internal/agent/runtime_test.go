package agent

import (
	"context"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkit-go/openkit/common/testlogger"
	"github.com/openkit-go/openkit/internal/config"
	"github.com/openkit-go/openkit/internal/protocol"
)

type fakeHTTPClient struct {
	statusResponse protocol.StatusResponse
}

func (f *fakeHTTPClient) SendStatusRequest(context.Context, protocol.AdditionalParams) (protocol.StatusResponse, error) {
	return f.statusResponse, nil
}

func (f *fakeHTTPClient) SendNewSessionRequest(context.Context, protocol.AdditionalParams) (protocol.StatusResponse, error) {
	return f.statusResponse, nil
}

func (f *fakeHTTPClient) SendBeaconRequest(context.Context, string, string, protocol.AdditionalParams) (protocol.StatusResponse, error) {
	return f.statusResponse, nil
}

func (f *fakeHTTPClient) SetServerID(int) {}

func TestRuntimeStartReachesInitAndStopWindsDownCleanly(t *testing.T) {
	opts, err := config.FromTOMLString(`applicationId = "app-under-test"`)
	require.NoError(t, err)

	httpClient := &fakeHTTPClient{statusResponse: protocol.StatusResponse{
		HasHTTPResponse: true,
		StatusCode:      200,
		CaptureEnabled:  true,
		SendIntervalMs:  1000,
	}}

	fakeClock := clock.NewFakeClock()
	rt := New(testlogger.New(t), fakeClock, httpClient, opts)
	rt.Start(context.Background())
	defer rt.Stop()

	require.True(t, rt.SendingContext().WaitForInit(2*time.Second))
	assert.True(t, rt.SendingContext().InitSucceeded())
}

func TestNewSessionProxySplitsByEventCount(t *testing.T) {
	opts, err := config.FromTOMLString(`applicationId = "app-under-test"`)
	require.NoError(t, err)

	httpClient := &fakeHTTPClient{}
	fakeClock := clock.NewFakeClock()
	rt := New(testlogger.New(t), fakeClock, httpClient, opts)

	server := protocol.DefaultServerConfig()
	server.CaptureEnabled = true
	server.MaxEventsPerSession = 1
	server.SessionSplitByEventsEnabled = true

	beaconConfig := protocol.BeaconConfiguration{
		Server:     server,
		HTTPClient: httpClient,
	}

	proxy := rt.NewSessionProxy(opts.OpenKitConfiguration(), beaconConfig, "127.0.0.1")
	now := fakeClock.Now().UnixMilli()
	proxy.BeforeTopLevelAction(now)
	proxy.BeforeTopLevelAction(now)

	assert.Equal(t, int32(1), proxy.Current().SequenceNumber())
}
