// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// maxTransactionBodySize caps the size of one pushed transaction (64 MB).
const maxTransactionBodySize = 64 << 20

type transaction struct {
	Events    []*event.Event `json:"events"`
	Ephemeral []*event.Event `json:"ephemeral"`
	// Pre-stable name used by older homeservers.
	UnstableEphemeral []*event.Event `json:"de.sorunome.msc2409.ephemeral"`
}

type errorResponse struct {
	ErrCode string `json:"errcode"`
	Err     string `json:"error"`
}

// Router returns the handler of the appservice endpoint the homeserver pushes
// transactions to. Paths are served both bare and under /_matrix/app/v1.
func (br *Bridge) Router() http.Handler {
	router := mux.NewRouter()
	for _, prefix := range []string{"", "/_matrix/app/v1"} {
		router.Handle(prefix+"/transactions/{txnID}", br.checkHSToken(br.handleTransactionRequest)).Methods(http.MethodPut)
		router.Handle(prefix+"/rooms/{alias}", br.checkHSToken(br.handleRoomQuery)).Methods(http.MethodGet)
		router.Handle(prefix+"/users/{userID}", br.checkHSToken(br.handleUserQuery)).Methods(http.MethodGet)
	}
	router.Handle("/_matrix/app/v1/ping", br.checkHSToken(br.handlePing)).Methods(http.MethodPost)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{ErrCode: "M_UNRECOGNIZED", Err: "Unrecognized endpoint"})
	})
	return router
}

func (br *Bridge) checkHSToken(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{ErrCode: "M_MISSING_TOKEN", Err: "Missing homeserver token"})
			return
		} else if token != br.Config.AppService.HSToken {
			writeJSON(w, http.StatusForbidden, errorResponse{ErrCode: "M_FORBIDDEN", Err: "Incorrect homeserver token"})
			return
		}
		next(w, r)
	})
}

func (br *Bridge) handleTransactionRequest(w http.ResponseWriter, r *http.Request) {
	txnID := mux.Vars(r)["txnID"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTransactionBodySize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{ErrCode: "M_TOO_LARGE", Err: "Transaction too large"})
		return
	}
	var txn transaction
	if err = json.Unmarshal(body, &txn); err != nil {
		br.Log.Warn().Err(err).Str("txn_id", txnID).Msg("Failed to parse transaction")
		writeJSON(w, http.StatusBadRequest, errorResponse{ErrCode: "M_NOT_JSON", Err: "Failed to parse transaction body"})
		return
	}
	events := make([]*event.Event, 0, len(txn.Events)+len(txn.Ephemeral)+len(txn.UnstableEphemeral))
	events = append(events, txn.Events...)
	events = append(events, txn.Ephemeral...)
	events = append(events, txn.UnstableEphemeral...)
	for _, evt := range events {
		if evt != nil && evt.Type.Type == event.EphemeralEventTyping.Type {
			evt.Type.Class = event.EphemeralEventType
		}
	}
	// The homeserver may give up on the request, but the batch must still run to
	// completion before its id is recorded.
	br.Dispatcher.HandleTransaction(context.WithoutCancel(r.Context()), txnID, events)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (br *Bridge) handleRoomQuery(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	room, err := br.Store.Room.GetByAlias(r.Context(), id.RoomAlias(alias))
	if err != nil {
		br.Log.Err(err).Str("alias", alias).Msg("Failed to look up queried room alias")
	}
	if room == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{ErrCode: "M_NOT_FOUND", Err: "Room alias not bridged"})
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleUserQuery never provisions users on demand. Managed identities are
// registered when their service user is first seen.
func (br *Bridge) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorResponse{ErrCode: "M_NOT_FOUND", Err: "User not provisioned"})
}

func (br *Bridge) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct{}{})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
