// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"net"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the bridge configuration file.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	AppService AppServiceConfig  `yaml:"appservice"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Database   DatabaseConfig    `yaml:"database"`
	Logging    zeroconfig.Config `yaml:"logging"`

	// Network is the connector's own config block, decoded by the connector.
	Network yaml.Node `yaml:"network"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type AppServiceConfig struct {
	ID             string `yaml:"id"`
	Hostname       string `yaml:"hostname"`
	Port           uint16 `yaml:"port"`
	Address        string `yaml:"address"`
	ASToken        string `yaml:"as_token"`
	HSToken        string `yaml:"hs_token"`
	BotLocalpart   string `yaml:"bot_localpart"`
	BotDisplayname string `yaml:"bot_displayname"`

	TxnCacheSize      int           `yaml:"txn_cache_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	RequestBurst      int           `yaml:"request_burst"`
	RateLimitBackoff  time.Duration `yaml:"rate_limit_backoff"`
}

// ListenAddr returns the host:port the appservice HTTP server binds to.
func (asc *AppServiceConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", asc.Hostname, asc.Port)
}

type BridgeConfig struct {
	UsernameTemplate    string `yaml:"username_template"`
	AliasTemplate       string `yaml:"alias_template"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	AdminAPIAddr        string `yaml:"admin_api_addr"`
	AdminAPIToken       string `yaml:"admin_api_token"`
	AdminRoomCommands   bool   `yaml:"admin_room_commands"`

	usernameTemplate    *template.Template `yaml:"-"`
	aliasTemplate       *template.Template `yaml:"-"`
	displaynameTemplate *template.Template `yaml:"-"`
}

type DatabaseConfig struct {
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Nick      string
	ServiceID string
}

// PostProcess compiles the templates and validates required fields.
func (c *Config) PostProcess() error {
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.AppService.TxnCacheSize <= 0 {
		c.AppService.TxnCacheSize = 1024
	}
	return c.Bridge.PostProcess()
}

func (bc *BridgeConfig) PostProcess() error {
	var err error
	if bc.AdminAPIAddr != "" && bc.AdminAPIToken == "" && !isLoopbackAddr(bc.AdminAPIAddr) {
		return fmt.Errorf("bridge.admin_api_token is required when the admin API listens on %s", bc.AdminAPIAddr)
	}
	if bc.UsernameTemplate == "" {
		bc.UsernameTemplate = "svc_{{.}}"
	}
	if bc.AliasTemplate == "" {
		bc.AliasTemplate = "svc_{{.}}"
	}
	bc.usernameTemplate, err = template.New("username").Parse(bc.UsernameTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse username template: %w", err)
	}
	bc.aliasTemplate, err = template.New("alias").Parse(bc.AliasTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse alias template: %w", err)
	}
	bc.displaynameTemplate, err = template.New("displayname").Parse(bc.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse displayname template: %w", err)
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatUsername renders the localpart of the hub user for a service id.
func (bc *BridgeConfig) FormatUsername(serviceID string) string {
	return executeTemplate(bc.usernameTemplate, escapeServiceID(serviceID))
}

// FormatAlias renders the alias localpart of the hub room for a service room.
func (bc *BridgeConfig) FormatAlias(serviceRoomID string) string {
	return executeTemplate(bc.aliasTemplate, escapeServiceID(serviceRoomID))
}

// FormatDisplayname generates a display name from the template and params.
func (bc *BridgeConfig) FormatDisplayname(params DisplaynameParams) string {
	if bc.displaynameTemplate == nil || bc.DisplaynameTemplate == "" {
		return params.Nick
	}
	out := executeTemplate(bc.displaynameTemplate, params)
	if out == "" {
		return params.Nick
	}
	return out
}

func executeTemplate(tpl *template.Template, data any) string {
	if tpl == nil {
		return ""
	}
	var sb strings.Builder
	if err := tpl.Execute(&sb, data); err != nil {
		return ""
	}
	return sb.String()
}

// escapeServiceID turns a service id into something usable in a localpart.
// Channel sigils are dropped and everything else is escaped the way Matrix
// user localparts are.
func escapeServiceID(serviceID string) string {
	return id.EncodeUserLocalpart(strings.TrimLeft(serviceID, "#&!+"))
}

// UpgradeConfig copies the bridge's own keys. Connectors add their network keys.
func UpgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")

	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")
	helper.Copy(up.Str, "appservice", "bot_localpart")
	helper.Copy(up.Str, "appservice", "bot_displayname")
	helper.Copy(up.Int, "appservice", "txn_cache_size")
	helper.Copy(up.Float, "appservice", "requests_per_second")
	helper.Copy(up.Int, "appservice", "request_burst")
	helper.Copy(up.Str, "appservice", "rate_limit_backoff")

	helper.Copy(up.Str, "bridge", "username_template")
	helper.Copy(up.Str, "bridge", "alias_template")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Str, "bridge", "admin_api_addr")
	helper.Copy(up.Str, "bridge", "admin_api_token")
	helper.Copy(up.Bool, "bridge", "admin_room_commands")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")

	helper.Copy(up.Map, "logging")
}

// WithNetworkExample appends a connector's example config as the network block.
func WithNetworkExample(base, network string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(base, "\n"))
	sb.WriteString("\n\n# Network-specific config options.\nnetwork:\n")
	for _, line := range strings.Split(strings.TrimRight(network, "\n"), "\n") {
		if line != "" {
			sb.WriteString("    ")
			sb.WriteString(line)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
