// Package config loads runtime settings: environment variables first, then
// an optional YAML file naming the active policy and the upstream providers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/llmclient"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/proxy"
)

// Env holds the environment-derived settings shared by both binaries.
type Env struct {
	ControlPlaneURL  string
	ControlPlaneAddr string
	GatewayAddr      string
	StreamTimeout    time.Duration
	DataDir          string
	RedisURL         string
	ConfigFile       string
	LogFile          string
	LogJSON          bool
}

// FromEnv reads the environment. Call after godotenv has had its chance.
func FromEnv() *Env {
	return &Env{
		ControlPlaneURL:  envOr("CONTROL_PLANE_URL", "http://localhost:8081"),
		ControlPlaneAddr: envOr("CONTROL_PLANE_ADDR", ":8081"),
		GatewayAddr:      envOr("GATEWAY_ADDR", ":8080"),
		StreamTimeout:    streamTimeoutFromEnv(),
		DataDir:          envOr("LUTHIEN_DATA_DIR", "."),
		RedisURL:         os.Getenv("REDIS_URL"),
		ConfigFile:       envOr("LUTHIEN_CONFIG", "luthien.yaml"),
		LogFile:          os.Getenv("LUTHIEN_LOG_FILE"),
		LogJSON:          os.Getenv("LUTHIEN_LOG_JSON") == "true",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// streamTimeoutFromEnv reads CONTROL_PLANE_STREAM_TIMEOUT in seconds and
// clamps it to the orchestrator's allowed range, warning on adjustment.
func streamTimeoutFromEnv() time.Duration {
	raw := os.Getenv("CONTROL_PLANE_STREAM_TIMEOUT")
	if raw == "" {
		return proxy.DefaultStreamTimeout
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logrus.Warnf("invalid CONTROL_PLANE_STREAM_TIMEOUT %q, using default %s", raw, proxy.DefaultStreamTimeout)
		return proxy.DefaultStreamTimeout
	}
	d := time.Duration(seconds * float64(time.Second))
	if d < proxy.MinStreamTimeout {
		logrus.Warnf("CONTROL_PLANE_STREAM_TIMEOUT %s below minimum, clamping to %s", d, proxy.MinStreamTimeout)
		return proxy.MinStreamTimeout
	}
	if d > proxy.MaxStreamTimeout {
		logrus.Warnf("CONTROL_PLANE_STREAM_TIMEOUT %s above maximum, clamping to %s", d, proxy.MaxStreamTimeout)
		return proxy.MaxStreamTimeout
	}
	return d
}

// PolicyRef names a registered policy and its options.
type PolicyRef struct {
	Name    string                 `yaml:"name"`
	Options map[string]interface{} `yaml:"options,omitempty"`
}

// File is the YAML config: active policy plus upstream providers.
type File struct {
	Policy    PolicyRef            `yaml:"policy"`
	Providers []llmclient.Provider `yaml:"providers,omitempty"`
}

// LoadFile parses the YAML config. Provider api_key values are expanded
// against the environment, so files can carry ${OPENAI_API_KEY} instead of
// secrets. A missing file yields the defaults.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{Policy: PolicyRef{Name: "noop"}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if f.Policy.Name == "" {
		f.Policy.Name = "noop"
	}
	for i := range f.Providers {
		f.Providers[i].APIKey = os.ExpandEnv(f.Providers[i].APIKey)
	}
	return &f, nil
}

// ProviderFor returns the first provider of the given type, or nil.
func (f *File) ProviderFor(t llmclient.ProviderType) *llmclient.Provider {
	for i := range f.Providers {
		if f.Providers[i].Type == t {
			return &f.Providers[i]
		}
	}
	return nil
}
