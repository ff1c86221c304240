// Copyright 2024-2026 Aiku AI

package ircconnector

import (
	_ "embed"
	"fmt"
	"net"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// AuthMethod selects how the identity token is sent to the IRC server.
type AuthMethod string

const (
	AuthSASL AuthMethod = "sasl"
	AuthPass AuthMethod = "pass"
	AuthNone AuthMethod = "none"
)

// Config holds the IRC connector configuration.
type Config struct {
	Server      string     `yaml:"server"`
	UseTLS      bool       `yaml:"use_tls"`
	TLSInsecure bool       `yaml:"tls_insecure"`
	AuthMethod  AuthMethod `yaml:"auth_method"`
	RealName    string     `yaml:"realname"`
	QuitMessage string     `yaml:"quit_message"`
	Channels    []string   `yaml:"channels"`
	// IgnoreNickPrefix marks nicks of other bridges' puppets. Messages from
	// them are not relayed to the hub.
	IgnoreNickPrefix string `yaml:"ignore_nick_prefix"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// LoadConfig decodes the network block of the bridge config.
func LoadConfig(node *yaml.Node) (*Config, error) {
	if node == nil || node.Kind == 0 {
		return nil, fmt.Errorf("network config is missing")
	}
	var cfg Config
	if err := node.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode network config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess validates the config and fills in defaults.
func (c *Config) PostProcess() error {
	if c.Server == "" {
		return fmt.Errorf("network.server is required")
	}
	if _, _, err := net.SplitHostPort(c.Server); err != nil {
		return fmt.Errorf("network.server must be host:port: %w", err)
	}
	switch c.AuthMethod {
	case "":
		c.AuthMethod = AuthNone
	case AuthSASL, AuthPass, AuthNone:
	default:
		return fmt.Errorf("unknown network.auth_method %q", c.AuthMethod)
	}
	if c.RealName == "" {
		c.RealName = "Matrix IRC bridge"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 30 * time.Second
	}
	return nil
}

// UpgradeConfig copies the network keys of the bridge config.
func UpgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "network", "server")
	helper.Copy(up.Bool, "network", "use_tls")
	helper.Copy(up.Bool, "network", "tls_insecure")
	helper.Copy(up.Str, "network", "auth_method")
	helper.Copy(up.Str, "network", "realname")
	helper.Copy(up.Str, "network", "quit_message")
	helper.Copy(up.List, "network", "channels")
	helper.Copy(up.Str, "network", "ignore_nick_prefix")
	helper.Copy(up.Str, "network", "connect_timeout")
	helper.Copy(up.Str, "network", "keep_alive")
	helper.Copy(up.Str, "network", "reconnect_delay")
}
