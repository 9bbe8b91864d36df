package protocol

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openkit-go/openkit/common/log"
)

// AdditionalParams supplies request-time parameters appended to every
// outbound request, §4.8.
type AdditionalParams interface {
	GetConfigurationTimestamp() int64
}

// HTTPClient is the abstract client the sender state machine drives. Its
// three operations are the only HTTP surface this module touches; how the
// requests are actually transported is this package's concern, not the
// state machine's.
type HTTPClient interface {
	SendStatusRequest(ctx context.Context, params AdditionalParams) (StatusResponse, error)
	SendNewSessionRequest(ctx context.Context, params AdditionalParams) (StatusResponse, error)
	SendBeaconRequest(ctx context.Context, clientIP, body string, params AdditionalParams) (StatusResponse, error)
}

// Client is the concrete net/http-backed HTTPClient, grounded in the
// monitor-URL construction of §6.
type Client struct {
	l              log.Logger
	httpClient     *http.Client
	baseURL        string
	applicationID  string
	serverID       int
	monitorURL     string
	newSessionURL  string
}

// NewClient builds a Client bound to one base URL, application id and
// initial server id. serverID is updated in place by SetServerID whenever
// the sender applies a fresh ServerConfig.
func NewClient(l log.Logger, httpClient *http.Client, baseURL, applicationID string, serverID int) *Client {
	c := &Client{
		l:             l,
		httpClient:    httpClient,
		baseURL:       baseURL,
		applicationID: applicationID,
		serverID:      serverID,
	}
	c.rebuildURLs()
	return c
}

// SetServerID updates the server id used in subsequent monitor URLs.
func (c *Client) SetServerID(serverID int) {
	c.serverID = serverID
	c.rebuildURLs()
}

func (c *Client) rebuildURLs() {
	c.monitorURL = c.buildMonitorURL()
	c.newSessionURL = c.monitorURL + appendParam(QueryKeyNewSession, "1")
}

func (c *Client) buildMonitorURL() string {
	u := c.baseURL + "?" + requestTypeMobileQueryPart
	u += appendParam(QueryKeyServerID, strconv.Itoa(c.serverID))
	u += appendParam(QueryKeyApplication, c.applicationID)
	u += appendParam(QueryKeyVersion, OpenKitVersion)
	u += appendParam(QueryKeyPlatformType, strconv.Itoa(PlatformTypeOpenKit))
	u += appendParam(QueryKeyAgentTechnology, AgentTechnologyType)
	u += appendParam(QueryKeyResponseType, ResponseTypeJSON)
	return u
}

func appendParam(key, value string) string {
	return "&" + key + "=" + url.QueryEscape(value)
}

func (c *Client) withConfigTimestamp(base string, params AdditionalParams) string {
	if params == nil {
		return base
	}
	return base + appendParam(QueryKeyConfigTimestamp, strconv.FormatInt(params.GetConfigurationTimestamp(), 10))
}

// SendStatusRequest performs a GET against the monitor URL.
func (c *Client) SendStatusRequest(ctx context.Context, params AdditionalParams) (StatusResponse, error) {
	return c.send(ctx, "GET", c.withConfigTimestamp(c.monitorURL, params), "", "")
}

// SendNewSessionRequest performs a GET against the monitor URL with ns=1.
func (c *Client) SendNewSessionRequest(ctx context.Context, params AdditionalParams) (StatusResponse, error) {
	return c.send(ctx, "GET", c.withConfigTimestamp(c.newSessionURL, params), "", "")
}

// SendBeaconRequest performs a POST of body against the monitor URL,
// setting X-Client-IP when clientIP is non-empty.
func (c *Client) SendBeaconRequest(ctx context.Context, clientIP, body string, params AdditionalParams) (StatusResponse, error) {
	return c.send(ctx, "POST", c.withConfigTimestamp(c.monitorURL, params), clientIP, body)
}

func (c *Client) send(ctx context.Context, method, reqURL, clientIP, body string) (StatusResponse, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("building request: %w", err)
	}
	if clientIP != "" {
		req.Header.Set("X-Client-IP", clientIP)
	}

	c.l.Debugw("sending request", "method", method, "url", reqURL)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.l.Warnw("request failed", "method", method, "url", reqURL, "err", err, "elapsed", time.Since(started))
		return StatusResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("reading response body: %w", err)
	}

	retryAfter := 0
	if v := resp.Header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			retryAfter = seconds
		}
	}

	c.l.Debugw("response received", "method", method, "url", reqURL, "status", resp.StatusCode)
	return ParseStatusResponse(resp.StatusCode, retryAfter, respBody), nil
}
