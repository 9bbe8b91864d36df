// Package config loads the embedder-supplied options from a TOML file,
// applying the same defaults the wire protocol assumes when a field is
// left unset, §6.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/openkit-go/openkit/common/constants"
	"github.com/openkit-go/openkit/internal/protocol"
)

// Data-collection and crash-reporting level names accepted in the TOML
// file, matched case-sensitively against the embedder's own vocabulary.
const (
	levelOff            = "OFF"
	levelPerformance     = "PERFORMANCE"
	levelUserBehavior    = "USER_BEHAVIOR"
	levelOptInCrashes    = "OPT_IN_CRASHES"
	levelOptOutCrashes   = "OPT_OUT_CRASHES"
)

// Default bounds and cadences, §6/§4.2.
const (
	DefaultBeaconCacheMaxAgeMs        = int64(6_300_000)
	DefaultBeaconCacheLowerMemoryBytes = uint64(80 * 1024 * 1024)
	DefaultBeaconCacheUpperMemoryBytes = uint64(100 * 1024 * 1024)
	DefaultDataCollectionLevel        = levelUserBehavior
	DefaultCrashReportingLevel        = levelOptInCrashes
)

// Options is the embedder-recognised configuration surface: the values a
// TOML file may set, with a zero value for each field meaning "not set,
// use the default" unless otherwise noted.
type Options struct {
	Endpoint        string `toml:"endpoint"`
	ApplicationID   string `toml:"applicationId"`
	ApplicationName string `toml:"applicationName"`
	DeviceID        string `toml:"deviceId"`
	OS              string `toml:"os"`
	Manufacturer    string `toml:"manufacturer"`
	Version         string `toml:"version"`

	BeaconCacheMaxAgeMs         int64  `toml:"beaconCacheMaxAgeMs"`
	BeaconCacheLowerMemoryBytes uint64 `toml:"beaconCacheLowerMemoryBytes"`
	BeaconCacheUpperMemoryBytes uint64 `toml:"beaconCacheUpperMemoryBytes"`

	DataCollectionLevel string `toml:"dataCollectionLevel"`
	CrashReportingLevel string `toml:"crashReportingLevel"`
}

// LoadDefault loads the configuration file named by OPENKIT_CONFIG, or
// constants.DefaultConfigPath if that's unset.
func LoadDefault() (Options, error) {
	return Load(constants.GetConfigPathFromEnv())
}

// Load decodes path as TOML into Options and applies defaults to every
// field the file left unset.
func Load(path string) (Options, error) {
	var o Options
	if _, err := toml.DecodeFile(path, &o); err != nil {
		return Options{}, fmt.Errorf("loading config from %s: %w", path, err)
	}
	applyDefaults(&o)
	return o, nil
}

// FromTOMLString is Load's in-memory twin, used by tests and embedders
// that already have the document in hand.
func FromTOMLString(doc string) (Options, error) {
	var o Options
	if _, err := toml.Decode(doc, &o); err != nil {
		return Options{}, fmt.Errorf("decoding config: %w", err)
	}
	applyDefaults(&o)
	return o, nil
}

func applyDefaults(o *Options) {
	if o.DeviceID == "" {
		o.DeviceID = uuid.NewString()
	}
	if o.BeaconCacheMaxAgeMs == 0 {
		o.BeaconCacheMaxAgeMs = DefaultBeaconCacheMaxAgeMs
	}
	if o.BeaconCacheLowerMemoryBytes == 0 {
		o.BeaconCacheLowerMemoryBytes = DefaultBeaconCacheLowerMemoryBytes
	}
	if o.BeaconCacheUpperMemoryBytes == 0 {
		o.BeaconCacheUpperMemoryBytes = DefaultBeaconCacheUpperMemoryBytes
	}
	if o.DataCollectionLevel == "" {
		o.DataCollectionLevel = DefaultDataCollectionLevel
	}
	if o.CrashReportingLevel == "" {
		o.CrashReportingLevel = DefaultCrashReportingLevel
	}
}

// dataCollectionLevel parses the configured string into the protocol
// enum, defaulting to USER_BEHAVIOR on an unrecognised value.
func (o Options) dataCollectionLevel() protocol.DataCollectionLevel {
	switch o.DataCollectionLevel {
	case levelOff:
		return protocol.DataCollectionOff
	case levelPerformance:
		return protocol.DataCollectionPerformance
	default:
		return protocol.DataCollectionUserBehavior
	}
}

// PrivacyConfiguration builds the protocol.PrivacyConfiguration this
// Options value describes.
func (o Options) PrivacyConfiguration() protocol.PrivacyConfiguration {
	return protocol.PrivacyConfiguration{
		DataCollectionLevel: o.dataCollectionLevel(),
		CrashReportingLevel: o.crashReportingLevel(),
	}
}

func (o Options) crashReportingLevel() protocol.CrashReportingLevel {
	if o.CrashReportingLevel == levelOptOutCrashes {
		return protocol.CrashReportingOptOut
	}
	return protocol.CrashReportingOptIn
}

// OpenKitConfiguration builds the immutable, construction-time half of
// configuration a Beacon needs, deriving the numeric deviceId the wire
// format expects from the configured (or generated) UUID string.
func (o Options) OpenKitConfiguration() protocol.OpenKitConfiguration {
	return protocol.OpenKitConfiguration{
		ApplicationID:      o.ApplicationID,
		ApplicationName:    o.ApplicationName,
		ApplicationVersion: o.Version,
		DeviceID:           deviceIDToInt64(o.DeviceID),
		OperatingSystem:    o.OS,
		Manufacturer:       o.Manufacturer,
	}
}

// deviceIDToInt64 folds a UUID string into the int64 the wire format
// carries, the same truncate-and-fold shape the original implementation
// uses when the embedder supplies a generated id rather than a literal
// number.
func deviceIDToInt64(id string) int64 {
	parsed, err := uuid.Parse(id)
	if err != nil {
		// a literal numeric deviceId was supplied instead of a UUID
		var n int64
		if _, scanErr := fmt.Sscanf(id, "%d", &n); scanErr == nil {
			return n
		}
		return 0
	}
	hi, lo := parsed[:8], parsed[8:]
	var v int64
	for _, b := range hi {
		v = v<<8 | int64(b)
	}
	for _, b := range lo {
		v ^= int64(b)
	}
	if v < 0 {
		v = -v
	}
	return v
}
