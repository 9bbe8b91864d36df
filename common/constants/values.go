package constants

import "os"

// DefaultConfigPath is used when no configuration file path is supplied
// explicitly. This value should not be changed for backward-compatibility
// reasons.
const DefaultConfigPath = "openkit.toml"

// GetConfigPathFromEnv reads the configuration file path from an
// environment variable, falling back to DefaultConfigPath. Used by
// embedders that don't want to wire the path through explicitly.
func GetConfigPathFromEnv() string {
	if v := os.Getenv("OPENKIT_CONFIG"); v != "" {
		return v
	}
	return DefaultConfigPath
}
