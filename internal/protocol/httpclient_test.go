package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkit-go/openkit/common/testlogger"
)

type fixedParams struct{ ts int64 }

func (p fixedParams) GetConfigurationTimestamp() int64 { return p.ts }

func TestClientSendStatusRequestParsesResponse(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"appConfig":{"capture":true}}`))
	}))
	defer srv.Close()

	c := NewClient(testlogger.New(t), srv.Client(), srv.URL, "app-1", 1)
	resp, err := c.SendStatusRequest(context.Background(), fixedParams{ts: 42})
	require.NoError(t, err)
	assert.True(t, resp.IsOk())
	assert.Contains(t, gotPath, "type=m")
	assert.Contains(t, gotPath, "cts=42")
}

func TestClientSendBeaconRequestSetsClientIPHeader(t *testing.T) {
	var gotIP string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIP = r.Header.Get("X-Client-IP")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(testlogger.New(t), srv.Client(), srv.URL, "app-1", 1)
	_, err := c.SendBeaconRequest(context.Background(), "1.2.3.4", "et=1", fixedParams{})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", gotIP)
}

func TestClientSendNewSessionRequestSetsNsParam(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(testlogger.New(t), srv.Client(), srv.URL, "app-1", 1)
	_, err := c.SendNewSessionRequest(context.Background(), fixedParams{})
	require.NoError(t, err)
	assert.Contains(t, gotPath, "ns=1")
}

func TestClientParsesRetryAfterOn429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(testlogger.New(t), srv.Client(), srv.URL, "app-1", 1)
	resp, err := c.SendStatusRequest(context.Background(), fixedParams{})
	require.NoError(t, err)
	assert.True(t, resp.IsTooManyRequests())
	assert.Equal(t, 30, resp.RetryAfterSec)
}
