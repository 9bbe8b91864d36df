package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusResponseDefaultsOnMissingFields(t *testing.T) {
	resp := ParseStatusResponse(200, 0, []byte(`{}`))
	require.True(t, resp.IsOk())
	assert.Equal(t, 150*1024, resp.MaxBeaconSizeBytes)
	assert.Equal(t, 1, resp.Multiplicity)
	assert.True(t, resp.CaptureEnabled)
}

func TestParseStatusResponseAppliesOverrides(t *testing.T) {
	body := `{
		"mobileAgentConfig": {"maxBeaconSizeKb": 200, "sessionTimeoutSec": 60, "sendIntervalSec": 30, "maxEventsPerSession": 50},
		"appConfig": {"capture": false, "reportCrashes": false},
		"dynamicConfig": {"multiplicity": 3, "serverId": 7},
		"timestamp": 12345
	}`
	resp := ParseStatusResponse(200, 0, []byte(body))
	assert.Equal(t, 200*1024, resp.MaxBeaconSizeBytes)
	assert.Equal(t, int64(60*1000), resp.SessionTimeoutMs)
	assert.Equal(t, int64(30*1000), resp.SendIntervalMs)
	assert.Equal(t, 50, resp.MaxEventsPerSession)
	assert.False(t, resp.CaptureEnabled)
	assert.False(t, resp.CaptureCrashesEnabled)
	assert.Equal(t, 3, resp.Multiplicity)
	assert.Equal(t, 7, resp.ServerID)
	assert.Equal(t, int64(12345), resp.TimestampMs)
}

func TestStatusResponseCodeClasses(t *testing.T) {
	ok := ParseStatusResponse(200, 0, []byte(`{}`))
	assert.True(t, ok.IsOk())
	assert.False(t, ok.IsError())
	assert.False(t, ok.IsTooManyRequests())

	tooMany := ParseStatusResponse(429, 5, nil)
	assert.False(t, tooMany.IsOk())
	assert.True(t, tooMany.IsTooManyRequests())
	assert.True(t, tooMany.IsError())
	assert.Equal(t, 5, tooMany.RetryAfterSec)

	serverErr := ParseStatusResponse(500, 0, nil)
	assert.True(t, serverErr.IsError())
	assert.False(t, serverErr.IsTooManyRequests())
}

func TestServerConfigFromDerivesSplitToggles(t *testing.T) {
	resp := ParseStatusResponse(200, 0, []byte(`{"mobileAgentConfig":{"maxSessionDurationMins":0,"sessionTimeoutSec":60}}`))
	sc := ServerConfigFrom(resp)
	assert.False(t, sc.SessionSplitByDurationEnabled)
	assert.True(t, sc.SessionSplitByIdleEnabled)
}
