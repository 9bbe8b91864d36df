// Package protocol implements the wire format spoken with the ingest
// endpoint: monitor URL construction, the beacon body encoder/chunker, the
// server status response, and the abstract HTTP client those are sent
// through.
package protocol

// EventType is the wire-encoded kind of one beacon record.
type EventType int

const (
	EventTypeAction       EventType = 1
	EventTypeValueString  EventType = 11
	EventTypeValueInt     EventType = 12
	EventTypeValueDouble  EventType = 13
	EventTypeNamedEvent   EventType = 10
	EventTypeSessionStart EventType = 18
	EventTypeSessionEnd   EventType = 19
	EventTypeWebRequest   EventType = 30
	EventTypeError        EventType = 40
	EventTypeCrash        EventType = 50
	EventTypeIdentifyUser EventType = 60
)

// Protocol-level constants used in both the monitor URL and the beacon
// prefix.
const (
	OpenKitVersion       = "7.0.0000"
	ProtocolVersion      = 3
	PlatformTypeOpenKit  = 1
	AgentTechnologyType  = "okgo"
	ErrorTechnologyType  = "c"
	ResponseTypeJSON     = "json"
	DefaultServerID      = 1
	MaxNameLength        = 250
	ThreadIDMask         = 0x0FFFFFFF
	DefaultBeaconSizeKiB = 150
)

// Query keys used when building the monitor / new-session URL.
const (
	QueryKeyServerID           = "srvid"
	QueryKeyApplication        = "app"
	QueryKeyVersion            = "va"
	QueryKeyPlatformType       = "pt"
	QueryKeyAgentTechnology    = "tt"
	QueryKeyResponseType       = "resp"
	QueryKeyConfigTimestamp    = "cts"
	QueryKeyNewSession         = "ns"
	requestTypeMobileQueryPart = "type=m"
)

// Beacon body keys, §6.
const (
	KeyProtocolVersion     = "vv"
	KeyAgentVersion        = "va"
	KeyApplicationID       = "ap"
	KeyApplicationName     = "an"
	KeyApplicationVersion  = "vn"
	KeyPlatformType        = "pt"
	KeyTechnologyType      = "tt"
	KeyVisitorID           = "vi"
	KeySessionNumber       = "sn"
	KeySessionSequence     = "ss"
	KeyClientIP            = "ip"
	KeyOS                  = "os"
	KeyManufacturer        = "mf"
	KeyModel               = "md"
	KeyDataCollectionLevel = "dl"
	KeyCrashReportingLevel = "cl"

	KeyVisitStoreVersion  = "vs"
	KeyTransmissionTime   = "tx"
	KeySessionStartTime   = "tv"
	KeyMultiplicity       = "mp"

	KeyEventType            = "et"
	KeyName                 = "na"
	KeyThreadID             = "it"
	KeyCreationSequence     = "ca"
	KeyParentActionID       = "pa"
	KeyStartSequence        = "s0"
	KeyStartTimeDelta       = "t0"
	KeyEndSequence          = "s1"
	KeyDuration             = "t1"
	KeyValue                = "vl"
	KeyErrorCode            = "ev"
	KeyErrorReason          = "rs"
	KeyErrorTechnologyType  = "st"
	KeyResponseCode         = "rc"
	KeyBytesSent            = "bs"
	KeyBytesReceived        = "br"
)
