// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"maunium.net/go/mautrix/id"
)

// maxIdentityBodySize is the maximum allowed request body for identity loading (1 MB).
const maxIdentityBodySize = 1 << 20

// IdentityEntry describes one authenticated identity to load.
type IdentityEntry struct {
	HubID       id.UserID `json:"hub_id"`
	ServiceID   string    `json:"service_id"`
	Token       string    `json:"token"`
	DisplayName string    `json:"display_name"`
}

// AdminRouter returns the handler of the admin HTTP API.
func (br *Bridge) AdminRouter() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/api/authenticated-identities", br.HandleLoadIdentities).Methods(http.MethodPost)
	return router
}

// LoadIdentities creates every entry that does not exist yet and reports how
// many were added. Invalid entries are skipped.
func (br *Bridge) LoadIdentities(ctx context.Context, entries []IdentityEntry) int {
	var added int
	for _, entry := range entries {
		if entry.HubID == "" || entry.Token == "" {
			br.Log.Warn().Stringer("hub_id", entry.HubID).Msg("Skipping identity entry without hub id or token")
			continue
		}
		existing, err := br.Store.Identity.GetByHubID(ctx, entry.HubID)
		if err != nil {
			br.Log.Err(err).Stringer("hub_id", entry.HubID).Msg("Failed to look up identity")
			continue
		} else if existing != nil {
			continue
		}
		if _, err = br.CreateAuthenticatedIdentity(ctx, entry.HubID, entry.Token, entry.ServiceID, entry.DisplayName); err != nil {
			br.Log.Err(err).Stringer("hub_id", entry.HubID).Msg("Failed to load authenticated identity")
			continue
		}
		added++
	}
	return added
}

// HandleLoadIdentities is an HTTP handler for POST /api/authenticated-identities.
// The body is a JSON list of IdentityEntry; an empty body reloads the
// environment.
func (br *Bridge) HandleLoadIdentities(w http.ResponseWriter, r *http.Request) {
	if token := br.Config.Bridge.AdminAPIToken; token != "" {
		given := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	br.Log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("content_length", r.Header.Get("Content-Length")).
		Msg("Identity load requested")

	var entries []IdentityEntry
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxIdentityBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(body) > 0 {
			if err = json.Unmarshal(body, &entries); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
		}
	}
	if len(entries) == 0 {
		entries = IdentitiesFromEnv()
	}

	ctx := r.Context()
	added := br.LoadIdentities(ctx, entries)
	idents, err := br.Store.Identity.GetAllAuthenticated(ctx)
	if err != nil {
		http.Error(w, "failed to count identities", http.StatusInternalServerError)
		return
	}
	br.Log.Info().Int("added", added).Int("total", len(idents)).Msg("Identity load complete")
	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(map[string]int{"added": added, "total": len(idents)}); err != nil {
		br.Log.Warn().Err(err).Msg("Failed to write identity load response")
	}
}
