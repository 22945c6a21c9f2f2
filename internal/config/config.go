// Package config provides persistent configuration storage for rangelink.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rangelink/rangelink/internal/protocol"
	"github.com/rangelink/rangelink/internal/radio"
)

// Config holds the persistent configuration. Zero values mean "not set";
// command line flags override whatever is stored.
type Config struct {
	// LastPeerEUI and LastPeerShort identify the last discovered peer.
	LastPeerEUI   string `json:"last_peer_eui,omitempty"`
	LastPeerShort string `json:"last_peer_short,omitempty"`

	ReplyDelayUS  int    `json:"reply_delay_us,omitempty"`
	ResetPeriodMS int    `json:"reset_period_ms,omitempty"`
	Mode          string `json:"mode,omitempty"`
	NetworkID     uint16 `json:"network_id,omitempty"`
}

// DefaultConfigDir returns the default configuration directory.
// Returns ~/.rangelink on Unix-like systems, %USERPROFILE%\.rangelink on Windows.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".rangelink"), nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the configuration from the default config file.
// Returns an empty Config if the file doesn't exist.
func Load() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the configuration from the specified file path.
// Returns an empty Config if the file doesn't exist.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to the default config file.
func (c *Config) Save() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes the configuration to the specified file path.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Peer returns the saved peer. ok is false if no peer is saved or the saved
// addresses do not parse.
func (c *Config) Peer() (eui [protocol.EUISize]byte, short uint16, ok bool) {
	if c.LastPeerEUI == "" {
		return eui, 0, false
	}
	eui, err := protocol.ParseEUI(c.LastPeerEUI)
	if err != nil {
		return eui, 0, false
	}
	if c.LastPeerShort == "" {
		return eui, protocol.ShortFromEUI(eui), true
	}
	short, err = protocol.ParseShort(c.LastPeerShort)
	if err != nil {
		return eui, 0, false
	}
	return eui, short, true
}

// SetPeer saves the peer's addresses.
func (c *Config) SetPeer(eui [protocol.EUISize]byte, short uint16) {
	c.LastPeerEUI = protocol.FormatEUI(eui)
	c.LastPeerShort = protocol.FormatShort(short)
}

// ReplyDelay returns the saved reply delay, or 0 if unset.
func (c *Config) ReplyDelay() time.Duration {
	return time.Duration(c.ReplyDelayUS) * time.Microsecond
}

// ResetPeriod returns the saved watchdog period, or 0 if unset.
func (c *Config) ResetPeriod() time.Duration {
	return time.Duration(c.ResetPeriodMS) * time.Millisecond
}

// RadioMode returns the saved PHY mode, or radio.DefaultMode if unset.
func (c *Config) RadioMode() (radio.Mode, error) {
	if c.Mode == "" {
		return radio.DefaultMode, nil
	}
	return radio.ParseMode(c.Mode)
}
