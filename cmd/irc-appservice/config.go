// Copyright 2024-2026 Aiku AI

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/appservice-bridge/pkg/bridge"
	"github.com/aiku/appservice-bridge/pkg/ircconnector"
)

// templateMarker is rendered through the id templates to find where the
// service id goes. It survives localpart escaping unchanged.
const templateMarker = "templatemarker"

func baseConfig() string {
	return bridge.WithNetworkExample(bridge.ExampleConfig, ircconnector.ExampleConfig)
}

func upgradeConfig(helper up.Helper) {
	bridge.UpgradeConfig(helper)
	ircconnector.UpgradeConfig(helper)
}

// loadConfig reads the config file, filling in missing keys from the example
// config. A missing file is created from the example.
func loadConfig(path string, save bool) (*bridge.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err = os.WriteFile(path, []byte(baseConfig()), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
		return nil, fmt.Errorf("wrote example config to %s, edit it and run again", path)
	}
	data, _, err := up.Do(path, save, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           baseConfig(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg bridge.Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// generateRegistration writes the appservice registration and stores the
// generated tokens in the config file.
func generateRegistration(cfg *bridge.Config, configPath, registrationPath string) error {
	reg := appservice.CreateRegistration()
	reg.ID = cfg.AppService.ID
	reg.URL = cfg.AppService.Address
	reg.SenderLocalpart = cfg.AppService.BotLocalpart
	falseVal := false
	reg.RateLimited = &falseVal
	reg.EphemeralEvents = true
	reg.SoruEphemeralEvents = true
	reg.Namespaces.UserIDs.Register(templateRegex(cfg.Bridge.FormatUsername, "@", cfg.Homeserver.Domain), true)
	reg.Namespaces.UserIDs.Register(regexp.MustCompile(
		"^@"+regexp.QuoteMeta(cfg.AppService.BotLocalpart)+":"+regexp.QuoteMeta(cfg.Homeserver.Domain)+"$"), true)
	reg.Namespaces.RoomAliases.Register(templateRegex(cfg.Bridge.FormatAlias, "#", cfg.Homeserver.Domain), true)
	if err := reg.Save(registrationPath); err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	var doc yaml.Node
	if err = yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if !setYAMLValue(&doc, reg.AppToken, "appservice", "as_token") ||
		!setYAMLValue(&doc, reg.ServerToken, "appservice", "hs_token") {
		return fmt.Errorf("config has no appservice token keys")
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(configPath, out, 0o600)
}

// templateRegex builds an exclusive namespace regex from an id template.
func templateRegex(format func(string) string, sigil, domain string) *regexp.Regexp {
	prefix, suffix, _ := strings.Cut(format(templateMarker), templateMarker)
	return regexp.MustCompile("^" + regexp.QuoteMeta(sigil+prefix) + ".+" + regexp.QuoteMeta(suffix) +
		":" + regexp.QuoteMeta(domain) + "$")
}

// setYAMLValue replaces the scalar at path in a parsed YAML document.
func setYAMLValue(node *yaml.Node, value string, path ...string) bool {
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if len(path) == 0 {
		if node.Kind != yaml.ScalarNode {
			return false
		}
		node.Value, node.Tag, node.Style = value, "!!str", yaml.DoubleQuotedStyle
		return true
	}
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == path[0] {
			return setYAMLValue(node.Content[i+1], value, path[1:]...)
		}
	}
	return false
}
