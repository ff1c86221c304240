// Copyright 2024-2026 Aiku AI

package bridge

import (
	"os"
	"slices"
	"strings"

	"maunium.net/go/mautrix/id"
)

const identityEnvPrefix = "BRIDGE_IDENTITY_"

// IdentitiesFromEnv reads authenticated identities from the environment.
//
// Env var format:
//
//	BRIDGE_IDENTITY_<NAME>_HUBID       = @alice:example.com
//	BRIDGE_IDENTITY_<NAME>_TOKEN       = <service credential>
//	BRIDGE_IDENTITY_<NAME>_SERVICEID   = alice        (optional)
//	BRIDGE_IDENTITY_<NAME>_DISPLAYNAME = Alice        (optional)
func IdentitiesFromEnv() []IdentityEntry {
	return identitiesFromEnviron(os.Environ())
}

func identitiesFromEnviron(environ []string) []IdentityEntry {
	vars := make(map[string]string, len(environ))
	var names []string
	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		vars[key] = value
		rest, ok := strings.CutPrefix(key, identityEnvPrefix)
		if !ok {
			continue
		}
		if name, ok := strings.CutSuffix(rest, "_HUBID"); ok && name != "" && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	entries := make([]IdentityEntry, 0, len(names))
	for _, name := range names {
		prefix := identityEnvPrefix + name
		hubID, token := vars[prefix+"_HUBID"], vars[prefix+"_TOKEN"]
		if hubID == "" || token == "" {
			continue
		}
		entries = append(entries, IdentityEntry{
			HubID:       id.UserID(hubID),
			Token:       token,
			ServiceID:   vars[prefix+"_SERVICEID"],
			DisplayName: vars[prefix+"_DISPLAYNAME"],
		})
	}
	return entries
}
