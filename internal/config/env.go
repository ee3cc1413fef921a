package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "ONBOARD_SYNC_CONFIG"
	EnvBaseURL = "ONBOARD_SYNC_BASE_URL"
	EnvToken   = "ONBOARD_SYNC_TOKEN"
	EnvStorage = "ONBOARD_SYNC_STORAGE"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // ONBOARD_SYNC_CONFIG: override config file path
	BaseURL    string // ONBOARD_SYNC_BASE_URL: API root
	Token      string // ONBOARD_SYNC_TOKEN: bearer token, wins over the token file
	Storage    string // ONBOARD_SYNC_STORAGE: backend, "backend:path" or a redis URL
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		BaseURL:    os.Getenv(EnvBaseURL),
		Token:      os.Getenv(EnvToken),
		Storage:    os.Getenv(EnvStorage),
	}
}
