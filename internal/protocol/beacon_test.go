package protocol

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkit-go/openkit/common/testlogger"
	"github.com/openkit-go/openkit/internal/cache"
)

func testBeacon(t *testing.T, httpClient HTTPClient, beaconSizeBytes int) (*Beacon, *cache.BeaconCache, cache.BeaconKey) {
	t.Helper()
	c := cache.New(testlogger.New(t))
	key := cache.BeaconKey{BeaconID: 1, Sequence: 0}

	openKit := OpenKitConfiguration{
		ApplicationID:      "app-1",
		ApplicationName:    "My App",
		ApplicationVersion: "1.0",
		DeviceID:           12345,
		OperatingSystem:    "linux",
		Manufacturer:       "acme",
		ModelID:            "box",
	}
	config := BeaconConfiguration{
		Server:  DefaultServerConfig(),
		Privacy: PrivacyConfiguration{DataCollectionLevel: DataCollectionUserBehavior, CrashReportingLevel: CrashReportingOptIn},
	}
	config.Server.BeaconSizeBytes = beaconSizeBytes
	config.HTTPClient = httpClient

	b := NewBeacon(testlogger.New(t), clock.NewFakeClock(), c, key, openKit, config, "1.2.3.4", 1000)
	return b, c, key
}

func TestBeaconAddActionThenSendProducesRecord(t *testing.T) {
	var capturedBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		capturedBody = string(body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	httpClient := NewClient(testlogger.New(t), srv.Client(), srv.URL, "app-1", 1)
	b, _, _ := testBeacon(t, httpClient, 150*1024)

	b.AddAction(1, "rootAction", 0, 1, 1000, 2, 1500)

	resp, err := b.Send(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.IsOk())
	assert.Contains(t, capturedBody, "na=rootAction")
	assert.Contains(t, capturedBody, "et=1")
}

func TestBeaconNoOpWhenCaptureDisabled(t *testing.T) {
	b, c, key := testBeacon(t, nil, 150*1024)
	b.config.Server.CaptureEnabled = false

	b.AddAction(1, "rootAction", 0, 1, 1000, 2, 1500)

	assert.False(t, c.HasDataForSending(key))
	assert.Equal(t, uint64(0), c.CacheSize())
}

func TestBeaconSendResetsOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	httpClient := NewClient(testlogger.New(t), srv.Client(), srv.URL, "app-1", 1)
	b, c, key := testBeacon(t, httpClient, 150*1024)
	b.AddAction(1, "rootAction", 0, 1, 1000, 2, 1500)

	resp, err := b.Send(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.IsError())
	// the record survives the failed send and is available again.
	c.PrepareDataForSending(key)
	assert.True(t, c.HasDataForSending(key))
}

func TestCreateTagFormat(t *testing.T) {
	b, _, _ := testBeacon(t, nil, 150*1024)
	tag := b.CreateTag(7, 3)
	assert.True(t, strings.HasPrefix(tag, "MT_3_1_12345_1_app-1_7_"))
}

func TestTruncateNameLimitsTo250Chars(t *testing.T) {
	long := strings.Repeat("x", 300)
	truncated := truncateName(long)
	assert.Len(t, truncated, MaxNameLength)
}
