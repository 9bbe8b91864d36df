package protocol

import "encoding/json"

// Response JSON keys, §6.
const (
	jsonKeyAgentConfig            = "mobileAgentConfig"
	jsonKeyMaxBeaconSizeKB        = "maxBeaconSizeKb"
	jsonKeyMaxSessionDurationMins = "maxSessionDurationMins"
	jsonKeyMaxEventsPerSession    = "maxEventsPerSession"
	jsonKeySessionTimeoutSec      = "sessionTimeoutSec"
	jsonKeySendIntervalSec        = "sendIntervalSec"
	jsonKeyVisitStoreVersion      = "visitStoreVersion"

	jsonKeyAppConfig      = "appConfig"
	jsonKeyCapture        = "capture"
	jsonKeyReportCrashes  = "reportCrashes"
	jsonKeyReportErrors   = "reportErrors"

	jsonKeyDynamicConfig = "dynamicConfig"
	jsonKeyMultiplicity  = "multiplicity"
	jsonKeyServerID      = "serverId"

	jsonKeyTimestamp = "timestamp"
)

type rawAgentConfig struct {
	MaxBeaconSizeKB        *int `json:"maxBeaconSizeKb"`
	MaxSessionDurationMins *int `json:"maxSessionDurationMins"`
	MaxEventsPerSession    *int `json:"maxEventsPerSession"`
	SessionTimeoutSec      *int `json:"sessionTimeoutSec"`
	SendIntervalSec        *int `json:"sendIntervalSec"`
	VisitStoreVersion      *int `json:"visitStoreVersion"`
}

type rawAppConfig struct {
	Capture       *bool `json:"capture"`
	ReportCrashes *bool `json:"reportCrashes"`
	ReportErrors  *bool `json:"reportErrors"`
}

type rawDynamicConfig struct {
	Multiplicity *int `json:"multiplicity"`
	ServerID     *int `json:"serverId"`
}

type rawStatusResponse struct {
	AgentConfig   *rawAgentConfig   `json:"mobileAgentConfig"`
	AppConfig     *rawAppConfig     `json:"appConfig"`
	DynamicConfig *rawDynamicConfig `json:"dynamicConfig"`
	Timestamp     *int64            `json:"timestamp"`
}

// StatusResponse is the parsed form of a server response to any of the
// three HTTP operations, defaulted the way the spec mandates when a field
// is absent, and zero-valued (isOk()==false) when there was no HTTP
// response at all (e.g. a transport failure).
type StatusResponse struct {
	HasHTTPResponse bool
	StatusCode      int
	RetryAfterSec   int

	MaxBeaconSizeBytes    int
	MaxSessionDurationMs  int64
	MaxEventsPerSession   int
	SessionTimeoutMs      int64
	SendIntervalMs        int64
	VisitStoreVersion     int

	CaptureEnabled        bool
	CaptureCrashesEnabled bool
	CaptureErrorsEnabled  bool

	Multiplicity int
	ServerID     int

	TimestampMs int64
}

func defaultStatusResponse() StatusResponse {
	return StatusResponse{
		MaxBeaconSizeBytes:    150 * 1024,
		MaxSessionDurationMs:  6 * 60 * 60 * 1000,
		MaxEventsPerSession:   200,
		SessionTimeoutMs:      10 * 60 * 1000,
		SendIntervalMs:        2 * 60 * 1000,
		VisitStoreVersion:     1,
		CaptureEnabled:        true,
		CaptureCrashesEnabled: true,
		CaptureErrorsEnabled:  true,
		Multiplicity:          1,
		ServerID:              DefaultServerID,
	}
}

// IsOk reports whether the HTTP layer considers this response usable.
func (s StatusResponse) IsOk() bool {
	return s.HasHTTPResponse && s.StatusCode < 400
}

// IsTooManyRequests reports a 429 response.
func (s StatusResponse) IsTooManyRequests() bool {
	return s.HasHTTPResponse && s.StatusCode == 429
}

// IsError reports any non-2xx/3xx response.
func (s StatusResponse) IsError() bool {
	return s.HasHTTPResponse && s.StatusCode >= 400
}

// ParseStatusResponse builds a StatusResponse from an HTTP status code,
// an optional Retry-After header value (seconds, 0 if absent), and the
// raw response body. The body is only parsed when statusCode < 400,
// mirroring the reference behaviour of ignoring error bodies.
func ParseStatusResponse(statusCode, retryAfterSec int, body []byte) StatusResponse {
	resp := defaultStatusResponse()
	resp.HasHTTPResponse = true
	resp.StatusCode = statusCode
	resp.RetryAfterSec = retryAfterSec

	if statusCode >= 400 {
		return resp
	}

	var raw rawStatusResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return resp
	}

	if raw.AgentConfig != nil {
		ac := raw.AgentConfig
		if ac.MaxBeaconSizeKB != nil {
			resp.MaxBeaconSizeBytes = *ac.MaxBeaconSizeKB * 1024
		}
		if ac.MaxSessionDurationMins != nil {
			resp.MaxSessionDurationMs = int64(*ac.MaxSessionDurationMins) * 60 * 1000
		}
		if ac.MaxEventsPerSession != nil {
			resp.MaxEventsPerSession = *ac.MaxEventsPerSession
		}
		if ac.SessionTimeoutSec != nil {
			resp.SessionTimeoutMs = int64(*ac.SessionTimeoutSec) * 1000
		}
		if ac.SendIntervalSec != nil {
			resp.SendIntervalMs = int64(*ac.SendIntervalSec) * 1000
		}
		if ac.VisitStoreVersion != nil {
			resp.VisitStoreVersion = *ac.VisitStoreVersion
		}
	}

	if raw.AppConfig != nil {
		app := raw.AppConfig
		if app.Capture != nil {
			resp.CaptureEnabled = *app.Capture
		}
		if app.ReportCrashes != nil {
			resp.CaptureCrashesEnabled = *app.ReportCrashes
		}
		if app.ReportErrors != nil {
			resp.CaptureErrorsEnabled = *app.ReportErrors
		}
	}

	if raw.DynamicConfig != nil {
		dc := raw.DynamicConfig
		if dc.Multiplicity != nil {
			resp.Multiplicity = *dc.Multiplicity
		}
		if dc.ServerID != nil {
			resp.ServerID = *dc.ServerID
		}
	}

	if raw.Timestamp != nil {
		resp.TimestampMs = *raw.Timestamp
	}

	return resp
}

// ServerConfig is the immutable, atomically-replaced snapshot of
// server-controlled policy consulted by the sender and by Beacons, §3.
type ServerConfig struct {
	CaptureEnabled        bool
	CrashReportingEnabled bool
	ErrorReportingEnabled bool

	ServerID        int
	BeaconSizeBytes int
	Multiplicity    int

	MaxSessionDurationMs int64
	SessionTimeoutMs     int64
	SendIntervalMs       int64
	MaxEventsPerSession  int

	SessionSplitByDurationEnabled bool
	SessionSplitByIdleEnabled     bool
	SessionSplitByEventsEnabled   bool

	VisitStoreVersion int

	// TrafficControlPercentage is nil when the server did not supply one.
	TrafficControlPercentage *int
}

// DefaultServerConfig is the configuration assumed before any server
// response has been received.
func DefaultServerConfig() ServerConfig {
	d := defaultStatusResponse()
	return ServerConfig{
		CaptureEnabled:                d.CaptureEnabled,
		CrashReportingEnabled:         d.CaptureCrashesEnabled,
		ErrorReportingEnabled:         d.CaptureErrorsEnabled,
		ServerID:                      d.ServerID,
		BeaconSizeBytes:               d.MaxBeaconSizeBytes,
		Multiplicity:                  d.Multiplicity,
		MaxSessionDurationMs:          d.MaxSessionDurationMs,
		SessionTimeoutMs:              d.SessionTimeoutMs,
		SendIntervalMs:                d.SendIntervalMs,
		MaxEventsPerSession:           d.MaxEventsPerSession,
		SessionSplitByDurationEnabled: true,
		SessionSplitByIdleEnabled:     true,
		SessionSplitByEventsEnabled:   true,
		VisitStoreVersion:             d.VisitStoreVersion,
	}
}

// ServerConfigFrom builds a ServerConfig from a parsed StatusResponse. The
// three split toggles are derived the way the original implementation
// does it: a dimension is enabled whenever the corresponding limit is a
// positive, finite value, since a server that didn't mean to bound it
// would have zeroed the field. An omitted field takes its positive default
// and so leaves the dimension enabled.
func ServerConfigFrom(resp StatusResponse) ServerConfig {
	return ServerConfig{
		CaptureEnabled:                resp.CaptureEnabled,
		CrashReportingEnabled:         resp.CaptureCrashesEnabled,
		ErrorReportingEnabled:         resp.CaptureErrorsEnabled,
		ServerID:                      resp.ServerID,
		BeaconSizeBytes:               resp.MaxBeaconSizeBytes,
		Multiplicity:                  resp.Multiplicity,
		MaxSessionDurationMs:          resp.MaxSessionDurationMs,
		SessionTimeoutMs:              resp.SessionTimeoutMs,
		SendIntervalMs:                resp.SendIntervalMs,
		MaxEventsPerSession:           resp.MaxEventsPerSession,
		SessionSplitByDurationEnabled: resp.MaxSessionDurationMs > 0,
		SessionSplitByIdleEnabled:     resp.SessionTimeoutMs > 0,
		SessionSplitByEventsEnabled:   resp.MaxEventsPerSession > 0,
		VisitStoreVersion:             resp.VisitStoreVersion,
	}
}
