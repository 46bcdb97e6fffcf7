// Package config loads and persists the node configuration: a JSON file
// seeded with defaults, overridable field by field through KIZUNA_*
// environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kizuna-swarm/bridge/internal/proto"
	"github.com/kizuna-swarm/bridge/internal/util"
)

type Config struct {
	// DataDir holds the identity key, manifest, overlay key, and database.
	DataDir string `json:"data_dir"`

	HTTP    HTTP    `json:"http"`
	Overlay Overlay `json:"overlay"`
}

type HTTP struct {
	Port int `json:"port"`

	// BindHost is forced to loopback when no API key is set.
	BindHost string `json:"bind_host"`

	// APIKey enables bearer auth and an all-interfaces bind when non-empty.
	APIKey string `json:"api_key"`
}

type Overlay struct {
	// ListenPort for the transport; 0 picks a random port.
	ListenPort int `json:"listen_port"`

	// DefaultTopic is auto-joined on boot.
	DefaultTopic string `json:"default_topic"`
}

func Default() Config {
	return Config{
		DataDir: "data",
		HTTP: HTTP{
			Port:     3000,
			BindHost: "127.0.0.1",
		},
		Overlay: Overlay{
			ListenPort:   0,
			DefaultTopic: proto.DefaultTopic,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be 1..65535")
	}
	if strings.TrimSpace(c.HTTP.BindHost) == "" {
		return errors.New("http.bind_host is required")
	}
	if c.Overlay.ListenPort < 0 || c.Overlay.ListenPort > 65535 {
		return errors.New("overlay.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.Overlay.DefaultTopic) == "" {
		return errors.New("overlay.default_topic is required")
	}
	return nil
}

// BindAddr returns the HTTP listen address. Without an API key the plane
// stays on loopback regardless of bind_host; with one it honours bind_host,
// defaulting to all interfaces.
func (c *Config) BindAddr() string {
	host := c.HTTP.BindHost
	if c.HTTP.APIKey == "" {
		host = "127.0.0.1"
	} else if host == "127.0.0.1" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, c.HTTP.Port)
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.applyEnv()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// applyEnv overrides individual fields from the environment. Env always
// wins over the file, so containers can reconfigure without editing it.
func (c *Config) applyEnv() {
	if v := os.Getenv("KIZUNA_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KIZUNA_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = n
		}
	}
	if v := os.Getenv("KIZUNA_BIND_HOST"); v != "" {
		c.HTTP.BindHost = v
	}
	if v := os.Getenv("KIZUNA_API_KEY"); v != "" {
		c.HTTP.APIKey = v
	}
	if v := os.Getenv("KIZUNA_LISTEN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Overlay.ListenPort = n
		}
	}
	if v := os.Getenv("KIZUNA_TOPIC"); v != "" {
		c.Overlay.DefaultTopic = v
	}
}
