package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultHTTPPort is the loopback listener port when the config carries none.
const DefaultHTTPPort = 4001

// Config is the daemon's identity, read once at startup. The daemon never
// accepts identity overrides on a live connection.
type Config struct {
	ServerURL    string `json:"serverUrl"`
	UserID       string `json:"userId"`
	SharedSecret string `json:"sharedSecret"`
	HTTPPort     int    `json:"httpPort"`
}

// ErrMissingConfig is returned when no usable identity could be assembled
// from the config file, environment, or argv. The binary exits 1 on it.
var ErrMissingConfig = errors.New("missing configuration")

// LoadConfig assembles the daemon config: config.json adjacent to the
// binary first, environment variables for anything still missing, then
// positional argv (serverUrl, userId) overriding both.
func LoadConfig(argv []string) (Config, error) {
	var cfg Config

	if path, err := configPath(); err == nil {
		if data, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if cfg.ServerURL == "" {
		cfg.ServerURL = os.Getenv("OP15_SERVER_URL")
	}
	if cfg.UserID == "" {
		cfg.UserID = os.Getenv("OP15_USER_ID")
	}
	if cfg.SharedSecret == "" {
		cfg.SharedSecret = os.Getenv("OP15_SHARED_SECRET")
	}
	if cfg.HTTPPort == 0 {
		if v := os.Getenv("OP15_HTTP_PORT"); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid OP15_HTTP_PORT %q: %w", v, err)
			}
			cfg.HTTPPort = port
		}
	}

	if len(argv) > 0 && argv[0] != "" {
		cfg.ServerURL = argv[0]
	}
	if len(argv) > 1 && argv[1] != "" {
		cfg.UserID = argv[1]
	}

	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = DefaultHTTPPort
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("%w: serverUrl not set", ErrMissingConfig)
	}
	if _, err := url.Parse(c.ServerURL); err != nil {
		return fmt.Errorf("invalid serverUrl %q: %w", c.ServerURL, err)
	}
	if c.UserID == "" {
		return fmt.Errorf("%w: userId not set", ErrMissingConfig)
	}
	if c.SharedSecret == "" {
		return fmt.Errorf("%w: sharedSecret not set", ErrMissingConfig)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid httpPort %d", c.HTTPPort)
	}
	return nil
}

// configPath returns the config.json path adjacent to the running binary.
// Overridable for tests.
var configPath = func() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exe), "config.json"), nil
}
