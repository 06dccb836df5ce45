// Package config loads daemon configuration from a YAML file with
// environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// JID is the local account's bare JID.
	JID string `yaml:"jid"`
	// Password authenticates the account; usually supplied via OMEMOD_PASSWORD.
	Password string `yaml:"password"`
	// WebsocketURL is the server's XMPP-over-WebSocket endpoint.
	WebsocketURL string `yaml:"websocket_url"`
	// DataDir holds the key snapshot and device registry; empty selects the
	// default config directory.
	DataDir string `yaml:"data_dir"`
	// EncryptionRequired enforces the mandatory-encryption policy for every
	// outbound message. On by default.
	EncryptionRequired *bool `yaml:"encryption_required"`
	// Rooms are the multi-user chat rooms to join on startup.
	Rooms []string `yaml:"rooms"`
	// Nickname is the nickname used when joining rooms.
	Nickname string `yaml:"nickname"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Load reads the YAML file at path (optional: empty path loads defaults)
// and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{LogLevel: "info"}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg.JID, "OMEMOD_JID")
	applyEnv(&cfg.Password, "OMEMOD_PASSWORD")
	applyEnv(&cfg.WebsocketURL, "OMEMOD_WS_URL")
	applyEnv(&cfg.DataDir, "OMEMOD_DATA_DIR")
	applyEnv(&cfg.Nickname, "OMEMOD_NICKNAME")
	applyEnv(&cfg.LogLevel, "OMEMOD_LOG_LEVEL")

	if cfg.JID == "" {
		return nil, fmt.Errorf("config: jid is required")
	}
	if cfg.WebsocketURL == "" {
		return nil, fmt.Errorf("config: websocket_url is required")
	}
	if cfg.Nickname == "" {
		cfg.Nickname = localpart(cfg.JID)
	}
	return cfg, nil
}

// EncryptionOn reports whether the mandatory-encryption policy is active.
func (c *Config) EncryptionOn() bool {
	return c.EncryptionRequired == nil || *c.EncryptionRequired
}

func applyEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func localpart(jid string) string {
	for i := 0; i < len(jid); i++ {
		if jid[i] == '@' {
			return jid[:i]
		}
	}
	return jid
}
