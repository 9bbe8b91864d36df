package protocol

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	clock "github.com/jonboulle/clockwork"

	"github.com/openkit-go/openkit/common/log"
	"github.com/openkit-go/openkit/internal/cache"
)

// defaultThreadID stands in for the OS/native thread id the reference
// implementations read at record time. Go does not expose a stable
// per-goroutine identifier, so every record on every Beacon reports the
// same placeholder, masked the same way a real thread id would be.
const defaultThreadID = 1 & ThreadIDMask

// beaconDelimiter joins every record in a chunk.
const beaconDelimiter = "&"

// chunkOverheadBytes is reserved off of the server-advertised beacon size
// to leave room for transport framing, §4.5.
const chunkOverheadBytes = 1024

// Beacon serializes one session's (or one split's) telemetry into the
// wire format and drives its chunked transmission through an HTTPClient.
type Beacon struct {
	mu sync.Mutex

	l     log.Logger
	clock clock.Clock
	cache *cache.BeaconCache
	key   cache.BeaconKey

	openKit            OpenKitConfiguration
	privacy            PrivacyConfiguration
	config             BeaconConfiguration
	clientIP           string
	sessionStartTimeMs int64

	trafficControlValue int

	nextID             uint32
	nextSequenceNumber uint32

	immutablePrefix string
}

// NewBeacon constructs a Beacon bound to one cache key.
func NewBeacon(
	l log.Logger,
	clk clock.Clock,
	c *cache.BeaconCache,
	key cache.BeaconKey,
	openKit OpenKitConfiguration,
	config BeaconConfiguration,
	clientIP string,
	sessionStartTimeMs int64,
) *Beacon {
	b := &Beacon{
		l:                   l,
		clock:               clk,
		cache:               c,
		key:                 key,
		openKit:             openKit,
		privacy:             config.Privacy,
		config:              config,
		clientIP:            clientIP,
		sessionStartTimeMs:  sessionStartTimeMs,
		trafficControlValue: rand.Intn(101), //nolint:gosec // sampling does not need crypto randomness
	}
	b.immutablePrefix = b.buildImmutablePrefix()
	return b
}

// NextID returns the next monotonic record id, used as the creation
// sequence (`ca`) of action/tracer records.
func (b *Beacon) NextID() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

// NextSequenceNumber returns the next monotonic sequence number, used for
// the `s0`/`s1` start/end markers of actions and web request tracers.
func (b *Beacon) NextSequenceNumber() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSequenceNumber++
	return b.nextSequenceNumber
}

// UpdateServerConfig replaces the server-supplied half of the
// configuration this Beacon consults, §4.4 handleResponse.
func (b *Beacon) UpdateServerConfig(sc ServerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config.Server = sc
}

// CaptureEnabled reports the server-controlled toggle only.
func (b *Beacon) CaptureEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config.Server.CaptureEnabled
}

// ClearData discards every buffered, not-yet-sent record for this Beacon's
// key, used when capture is disabled or the sender is shutting down.
func (b *Beacon) ClearData() {
	b.cache.DeleteCacheEntry(b.key)
}

// dataCapturingEnabled implements the traffic-control gate of §5: even
// with capture enabled server-side, a Beacon whose random draw lost
// against the configured percentage never records anything.
func (b *Beacon) dataCapturingEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.config.Server.CaptureEnabled {
		return false
	}
	pct := b.config.Server.TrafficControlPercentage
	if pct == nil {
		return true
	}
	return b.trafficControlValue < *pct
}

// CreateTag builds the outbound-correlation tag of §6.
func (b *Beacon) CreateTag(parentActionID, tracerSeq uint32) string {
	b.mu.Lock()
	vsv := b.config.Server.VisitStoreVersion
	serverID := b.config.Server.ServerID
	b.mu.Unlock()

	sessionPart := strconv.Itoa(int(b.key.BeaconID))
	if vsv > 1 {
		sessionPart = fmt.Sprintf("%d-%d", b.key.BeaconID, b.key.Sequence)
	}

	return fmt.Sprintf("MT_%d_%d_%d_%s_%s_%d_%d_%d",
		ProtocolVersion,
		serverID,
		b.openKit.DeviceID,
		sessionPart,
		url.QueryEscape(b.openKit.ApplicationID),
		parentActionID,
		defaultThreadID,
		tracerSeq,
	)
}

func (b *Beacon) buildImmutablePrefix() string {
	var sb strings.Builder
	write := func(key, value string) {
		sb.WriteString("&")
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(url.QueryEscape(value))
	}
	writeInt := func(key string, value int) {
		write(key, strconv.Itoa(value))
	}

	writeInt(KeyProtocolVersion, ProtocolVersion)
	write(KeyAgentVersion, OpenKitVersion)
	write(KeyApplicationID, b.openKit.ApplicationID)
	write(KeyApplicationName, b.openKit.ApplicationName)
	write(KeyApplicationVersion, b.openKit.ApplicationVersion)
	writeInt(KeyPlatformType, PlatformTypeOpenKit)
	write(KeyTechnologyType, AgentTechnologyType)

	deviceID := b.openKit.DeviceID
	if !b.privacy.IsDeviceIDSendingAllowed() {
		deviceID = rand.Int63() //nolint:gosec // placeholder id does not need crypto randomness
	}
	write(KeyVisitorID, strconv.FormatInt(deviceID, 10))

	sessionNumber := uint32(0)
	if b.privacy.IsSessionNumberReportingAllowed() {
		sessionNumber = b.key.BeaconID
	}
	writeInt(KeySessionNumber, int(sessionNumber))

	if b.config.Server.VisitStoreVersion > 1 {
		writeInt(KeySessionSequence, int(b.key.Sequence))
	}

	write(KeyClientIP, b.clientIP)
	write(KeyOS, b.openKit.OperatingSystem)
	write(KeyManufacturer, b.openKit.Manufacturer)
	write(KeyModel, b.openKit.ModelID)
	writeInt(KeyDataCollectionLevel, int(b.privacy.DataCollectionLevel))
	writeInt(KeyCrashReportingLevel, int(b.privacy.CrashReportingLevel))

	// every key is written with a leading "&"; strip the one on the very first
	// key so the prefix starts with it (GetNextBeaconChunk writes the prefix
	// unchanged).
	return strings.TrimPrefix(sb.String(), "&")
}

func (b *Beacon) mutableTail() string {
	b.mu.Lock()
	vsv := b.config.Server.VisitStoreVersion
	multiplicity := b.config.Server.Multiplicity
	b.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "&%s=%d", KeyVisitStoreVersion, vsv)
	fmt.Fprintf(&sb, "&%s=%d", KeyTransmissionTime, b.clock.Now().UnixMilli())
	fmt.Fprintf(&sb, "&%s=%d", KeySessionStartTime, b.sessionStartTimeMs)
	fmt.Fprintf(&sb, "&%s=%d", KeyMultiplicity, multiplicity)
	return sb.String()
}

func truncateName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) <= MaxNameLength {
		return name
	}
	r := []rune(name)
	if len(r) <= MaxNameLength {
		return name
	}
	return string(r[:MaxNameLength])
}

type recordBuilder struct {
	sb strings.Builder
}

func (rb *recordBuilder) add(key, value string) *recordBuilder {
	rb.sb.WriteString("&")
	rb.sb.WriteString(key)
	rb.sb.WriteString("=")
	rb.sb.WriteString(url.QueryEscape(value))
	return rb
}

func (rb *recordBuilder) addInt(key string, value int64) *recordBuilder {
	return rb.add(key, strconv.FormatInt(value, 10))
}

func (rb *recordBuilder) string() string {
	return rb.sb.String()
}

// AddAction appends a parameterless ACTION record (et=1) to the cache,
// recording an already-closed RootAction/LeafAction.
func (b *Beacon) AddAction(id uint32, name string, parentActionID uint32, startSeq uint32, startTimeMs int64, endSeq uint32, endTimeMs int64) {
	if !b.dataCapturingEnabled() || !b.privacy.IsActionReportingAllowed() {
		return
	}

	rb := &recordBuilder{}
	rb.addInt(KeyEventType, int64(EventTypeAction))
	rb.add(KeyName, truncateName(name))
	rb.addInt(KeyThreadID, defaultThreadID)
	rb.addInt(KeyCreationSequence, int64(id))
	rb.addInt(KeyParentActionID, int64(parentActionID))
	rb.addInt(KeyStartSequence, int64(startSeq))
	rb.addInt(KeyStartTimeDelta, startTimeMs-b.sessionStartTimeMs)
	rb.addInt(KeyEndSequence, int64(endSeq))
	rb.addInt(KeyDuration, endTimeMs-startTimeMs)

	b.cache.AddAction(b.key, startTimeMs, rb.string())
}

// StartSession records the session-start event.
func (b *Beacon) StartSession() {
	if !b.dataCapturingEnabled() {
		return
	}
	rb := &recordBuilder{}
	rb.addInt(KeyEventType, int64(EventTypeSessionStart))
	rb.addInt(KeyThreadID, defaultThreadID)
	rb.addInt(KeyParentActionID, 0)
	rb.addInt(KeyStartSequence, int64(b.NextSequenceNumber()))
	rb.addInt(KeyStartTimeDelta, 0)

	b.cache.AddEvent(b.key, b.sessionStartTimeMs, rb.string())
}

// EndSession records the session-end event, unless sendEndEvent is false
// (used by the Flush/Terminal states which discard buffered sessions
// without a formal close record).
func (b *Beacon) EndSession(sendEndEvent bool, timestampMs int64) {
	if !sendEndEvent || !b.dataCapturingEnabled() {
		return
	}
	rb := &recordBuilder{}
	rb.addInt(KeyEventType, int64(EventTypeSessionEnd))
	rb.addInt(KeyThreadID, defaultThreadID)
	rb.addInt(KeyParentActionID, 0)
	rb.addInt(KeyStartSequence, int64(b.NextSequenceNumber()))
	rb.addInt(KeyStartTimeDelta, timestampMs-b.sessionStartTimeMs)

	b.cache.AddEvent(b.key, timestampMs, rb.string())
}

// ReportNamedEvent records a user-named, valueless event.
func (b *Beacon) ReportNamedEvent(parentActionID uint32, name string, timestampMs int64) {
	if !b.dataCapturingEnabled() || !b.privacy.IsActionReportingAllowed() {
		return
	}
	rb := &recordBuilder{}
	rb.addInt(KeyEventType, int64(EventTypeNamedEvent))
	rb.add(KeyName, truncateName(name))
	rb.addInt(KeyThreadID, defaultThreadID)
	rb.addInt(KeyParentActionID, int64(parentActionID))
	rb.addInt(KeyStartSequence, int64(b.NextSequenceNumber()))
	rb.addInt(KeyStartTimeDelta, timestampMs-b.sessionStartTimeMs)

	b.cache.AddEvent(b.key, timestampMs, rb.string())
}

func (b *Beacon) reportValue(parentActionID uint32, name string, eventType EventType, value string, timestampMs int64) {
	if !b.dataCapturingEnabled() || !b.privacy.IsActionReportingAllowed() {
		return
	}
	rb := &recordBuilder{}
	rb.addInt(KeyEventType, int64(eventType))
	rb.add(KeyName, truncateName(name))
	rb.addInt(KeyThreadID, defaultThreadID)
	rb.addInt(KeyParentActionID, int64(parentActionID))
	rb.addInt(KeyStartSequence, int64(b.NextSequenceNumber()))
	rb.addInt(KeyStartTimeDelta, timestampMs-b.sessionStartTimeMs)
	rb.add(KeyValue, value)

	b.cache.AddEvent(b.key, timestampMs, rb.string())
}

// ReportValueString records a string-valued event, tagged per the
// STRING/INT/DOUBLE sum type of §9; strings are truncated to 250 chars
// like names.
func (b *Beacon) ReportValueString(parentActionID uint32, name, value string, timestampMs int64) {
	b.reportValue(parentActionID, name, EventTypeValueString, truncateName(value), timestampMs)
}

// ReportValueInt records an int-valued event.
func (b *Beacon) ReportValueInt(parentActionID uint32, name string, value int64, timestampMs int64) {
	b.reportValue(parentActionID, name, EventTypeValueInt, strconv.FormatInt(value, 10), timestampMs)
}

// ReportValueDouble records a double-valued event.
func (b *Beacon) ReportValueDouble(parentActionID uint32, name string, value float64, timestampMs int64) {
	b.reportValue(parentActionID, name, EventTypeValueDouble, strconv.FormatFloat(value, 'g', -1, 64), timestampMs)
}

// ReportError records an error event.
func (b *Beacon) ReportError(parentActionID uint32, name string, errorCode int, reason string, timestampMs int64) {
	if !b.dataCapturingEnabled() || !b.privacy.IsErrorReportingAllowed() {
		return
	}
	rb := &recordBuilder{}
	rb.addInt(KeyEventType, int64(EventTypeError))
	rb.add(KeyName, truncateName(name))
	rb.addInt(KeyThreadID, defaultThreadID)
	rb.addInt(KeyParentActionID, int64(parentActionID))
	rb.addInt(KeyStartSequence, int64(b.NextSequenceNumber()))
	rb.addInt(KeyStartTimeDelta, timestampMs-b.sessionStartTimeMs)
	rb.addInt(KeyErrorCode, int64(errorCode))
	rb.add(KeyErrorReason, reason)
	rb.add(KeyErrorTechnologyType, ErrorTechnologyType)

	b.cache.AddEvent(b.key, timestampMs, rb.string())
}

// IdentifyUser records a user-identification event.
func (b *Beacon) IdentifyUser(userTag string, timestampMs int64) {
	if !b.dataCapturingEnabled() {
		return
	}
	rb := &recordBuilder{}
	rb.addInt(KeyEventType, int64(EventTypeIdentifyUser))
	rb.add(KeyName, truncateName(userTag))
	rb.addInt(KeyThreadID, defaultThreadID)
	rb.addInt(KeyParentActionID, 0)
	rb.addInt(KeyStartSequence, int64(b.NextSequenceNumber()))
	rb.addInt(KeyStartTimeDelta, timestampMs-b.sessionStartTimeMs)

	b.cache.AddEvent(b.key, timestampMs, rb.string())
}

// AddWebRequest records a completed WebRequestTracer.
func (b *Beacon) AddWebRequest(parentActionID uint32, url string, startSeq uint32, startTimeMs int64, endSeq uint32, endTimeMs int64, responseCode int, bytesSent, bytesReceived int64) {
	if !b.dataCapturingEnabled() || !b.privacy.IsActionReportingAllowed() {
		return
	}
	rb := &recordBuilder{}
	rb.addInt(KeyEventType, int64(EventTypeWebRequest))
	rb.add(KeyName, truncateName(url))
	rb.addInt(KeyThreadID, defaultThreadID)
	rb.addInt(KeyParentActionID, int64(parentActionID))
	rb.addInt(KeyStartSequence, int64(startSeq))
	rb.addInt(KeyStartTimeDelta, startTimeMs-b.sessionStartTimeMs)
	rb.addInt(KeyEndSequence, int64(endSeq))
	rb.addInt(KeyDuration, endTimeMs-startTimeMs)
	rb.addInt(KeyResponseCode, int64(responseCode))
	rb.addInt(KeyBytesSent, bytesSent)
	rb.addInt(KeyBytesReceived, bytesReceived)

	b.cache.AddEvent(b.key, startTimeMs, rb.string())
}

// sendConfigTimestampParams adapts a Beacon's current server config into
// the AdditionalParams contract the HTTP client needs for the cts query.
type sendConfigTimestampParams struct {
	timestampMs int64
}

func (p sendConfigTimestampParams) GetConfigurationTimestamp() int64 {
	return p.timestampMs
}

// Send drains every buffered record for this Beacon's key through the
// HTTP client in bounded chunks, §4.5.
func (b *Beacon) Send(ctx context.Context) (StatusResponse, error) {
	b.cache.PrepareDataForSending(b.key)

	var lastResponse StatusResponse
	var lastErr error

	b.mu.Lock()
	httpClient := b.config.HTTPClient
	beaconSizeBytes := b.config.Server.BeaconSizeBytes
	serverID := b.config.Server.ServerID
	b.mu.Unlock()

	maxChunkSize := beaconSizeBytes - chunkOverheadBytes
	if maxChunkSize <= 0 {
		maxChunkSize = 1
	}

	for b.cache.HasDataForSending(b.key) {
		prefix := b.immutablePrefix + b.mutableTail()
		chunk := b.cache.GetNextBeaconChunk(b.key, prefix, maxChunkSize, beaconDelimiter)
		if chunk == "" {
			return lastResponse, lastErr
		}
		chunk = strings.TrimPrefix(chunk, beaconDelimiter)

		if !utf8.ValidString(chunk) {
			b.l.Errorw("beacon chunk was not valid UTF-8, resetting", "key", b.key.String())
			b.cache.ResetChunkedData(b.key)
			return lastResponse, fmt.Errorf("beacon chunk for key %s was not valid UTF-8", b.key.String())
		}

		params := sendConfigTimestampParams{timestampMs: b.clock.Now().UnixMilli()}
		resp, err := httpClient.SendBeaconRequest(ctx, b.clientIP, chunk, params)
		if err != nil || resp.IsError() {
			b.l.Warnw("beacon send failed, restoring chunk", "key", b.key.String(), "serverID", serverID, "err", err)
			b.cache.ResetChunkedData(b.key)
			lastErr = err
			lastResponse = resp
			break
		}

		b.cache.RemoveChunkedData(b.key)
		lastResponse = resp
		lastErr = nil
	}

	return lastResponse, lastErr
}
