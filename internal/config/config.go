// Package config loads the usmd YAML configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/debashish-mukherjee/go-snmpusm/internal/message"
	"github.com/debashish-mukherjee/go-snmpusm/internal/persist"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usm"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usmuser"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// Defaults applied by Load for keys left out of the file.
const (
	DefaultListen          = "0.0.0.0:161"
	DefaultMaxMessageSize  = 65507
	DefaultPersistSchedule = "@every 5m"
)

type User struct {
	Name           string `yaml:"name"`
	EngineID       string `yaml:"engine_id"`
	Auth           string `yaml:"auth"`
	AuthPassphrase string `yaml:"auth_passphrase"`
	AuthKey        string `yaml:"auth_key"`
	Priv           string `yaml:"priv"`
	PrivPassphrase string `yaml:"priv_passphrase"`
	PrivKey        string `yaml:"priv_key"`
}

type Config struct {
	EngineID        string   `yaml:"engine_id"`
	StateFile       string   `yaml:"state_file"`
	Listen          []string `yaml:"listen"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	MaxMessageSize  int      `yaml:"max_message_size"`
	UsersFile       string   `yaml:"users_file"`
	PersistSchedule string   `yaml:"persist_schedule"`
	Users           []User   `yaml:"users"`
}

// Load reads, parses and validates path. A missing path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Listen) == 0 {
		c.Listen = []string{DefaultListen}
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.PersistSchedule == "" {
		c.PersistSchedule = DefaultPersistSchedule
	}
}

// Validate checks every field that can be checked without touching the network.
func (c *Config) Validate() error {
	if c.EngineID != "" {
		if _, err := v3.ParseEngineID(c.EngineID); err != nil {
			return fmt.Errorf("engine_id: %w", err)
		}
	}
	for i, addr := range c.Listen {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("listen[%d]: %w", i, err)
		}
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("metrics_addr: %w", err)
		}
	}
	if c.MaxMessageSize < message.MinMaxSize || c.MaxMessageSize > 65507 {
		return fmt.Errorf("max_message_size %d outside %d..65507", c.MaxMessageSize, message.MinMaxSize)
	}
	if _, err := persist.ParseSchedule(c.PersistSchedule); err != nil {
		return fmt.Errorf("persist_schedule: %w", err)
	}
	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if err := u.validate(); err != nil {
			return fmt.Errorf("users[%d]: %w", i, err)
		}
		key := strings.ToLower(u.EngineID) + "/" + u.Name
		if seen[key] {
			return fmt.Errorf("users[%d]: duplicate user %q", i, u.Name)
		}
		seen[key] = true
	}
	return nil
}

func (u User) validate() error {
	if u.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(u.Name) > usm.MaxUserNameLen {
		return fmt.Errorf("name longer than %d bytes", usm.MaxUserNameLen)
	}
	auth, err := v3.ParseAuthProtocol(u.Auth)
	if err != nil {
		return err
	}
	priv, err := v3.ParsePrivProtocol(u.Priv)
	if err != nil {
		return err
	}
	if auth == v3.AuthNone && (u.AuthPassphrase != "" || u.AuthKey != "") {
		return fmt.Errorf("auth credentials given without an auth protocol")
	}
	if auth != v3.AuthNone && u.AuthPassphrase == "" && u.AuthKey == "" {
		return fmt.Errorf("auth %s needs auth_passphrase or auth_key", auth)
	}
	if priv != v3.PrivNone {
		if auth == v3.AuthNone {
			return fmt.Errorf("priv %s needs an auth protocol", priv)
		}
		if u.PrivPassphrase == "" && u.PrivKey == "" {
			return fmt.Errorf("priv %s needs priv_passphrase or priv_key", priv)
		}
	}
	// Passphrases shorter than 8 characters are rejected by net-snmp and RFC 3414 advises
	// against them.
	for field, pass := range map[string]string{"auth_passphrase": u.AuthPassphrase, "priv_passphrase": u.PrivPassphrase} {
		if pass != "" && len(pass) < 8 {
			return fmt.Errorf("%s shorter than 8 characters", field)
		}
	}
	if u.EngineID != "" {
		if _, err := v3.ParseEngineID(u.EngineID); err != nil {
			return fmt.Errorf("engine_id: %w", err)
		}
	}
	for field, key := range map[string]string{"auth_key": u.AuthKey, "priv_key": u.PrivKey} {
		if _, err := decodeKey(key); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}

// SessionParams converts u for the user table. Users without their own engine_id are
// localized to defaultEngineID, normally the local engine.
func (u User) SessionParams(defaultEngineID []byte) (usmuser.SessionParams, error) {
	auth, err := v3.ParseAuthProtocol(u.Auth)
	if err != nil {
		return usmuser.SessionParams{}, err
	}
	priv, err := v3.ParsePrivProtocol(u.Priv)
	if err != nil {
		return usmuser.SessionParams{}, err
	}
	engineID := defaultEngineID
	if u.EngineID != "" {
		if engineID, err = v3.ParseEngineID(u.EngineID); err != nil {
			return usmuser.SessionParams{}, err
		}
	}
	authKey, err := decodeKey(u.AuthKey)
	if err != nil {
		return usmuser.SessionParams{}, err
	}
	privKey, err := decodeKey(u.PrivKey)
	if err != nil {
		return usmuser.SessionParams{}, err
	}
	return usmuser.SessionParams{
		SecName:        u.Name,
		EngineID:       append([]byte(nil), engineID...),
		AuthProtocol:   auth,
		AuthPassphrase: u.AuthPassphrase,
		AuthKey:        authKey,
		PrivProtocol:   priv,
		PrivPassphrase: u.PrivPassphrase,
		PrivKey:        privKey,
	}, nil
}

// decodeKey reads a localized key written as hex, with or without 0x and colons.
func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	s = strings.ReplaceAll(strings.TrimPrefix(strings.ToLower(s), "0x"), ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key is not hex: %w", err)
	}
	return b, nil
}
