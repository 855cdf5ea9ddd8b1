package taskapi

import (
	"errors"
	"os"
	"strings"
)

// Env var names recognized by LoadEnv. The client itself never reads the
// environment; this adapter is the single place that does.
const (
	APIKeyEnvVar  = "PARALLEL_API_KEY"
	BaseURLEnvVar = "PARALLEL_BASE_URL"
)

// ErrNoAPIKey is returned when no credential is available from any source.
var ErrNoAPIKey = errors.New("no API key provided")

// LoadEnv builds a Config from the environment. An explicit apiKey argument
// takes priority over PARALLEL_API_KEY.
func LoadEnv(apiKey string) (Config, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv(APIKeyEnvVar))
	}
	if apiKey == "" {
		return Config{}, ErrNoAPIKey
	}
	return Config{
		APIKey:  apiKey,
		BaseURL: strings.TrimSpace(os.Getenv(BaseURLEnvVar)),
	}, nil
}
