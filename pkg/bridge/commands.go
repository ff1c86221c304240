// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aiku/appservice-bridge/pkg/store"
	"maunium.net/go/mautrix/id"
)

const commandHelp = "Available commands:\n" +
	"* `help` - show this message\n" +
	"* `login <token> [service id]` - connect your service account\n" +
	"* `status` - show your connection and bridged rooms"

// handleCommand runs one admin room command sent by the room's owner and
// replies with a notice.
func (br *Bridge) handleCommand(ctx context.Context, room *store.Room, sender id.UserID, body string) error {
	args := strings.Fields(body)
	if len(args) == 0 {
		return nil
	}
	var reply string
	switch strings.ToLower(args[0]) {
	case "help":
		reply = commandHelp
	case "login":
		reply = br.commandLogin(ctx, sender, args[1:])
	case "status":
		reply = br.commandStatus(ctx, sender)
	default:
		reply = fmt.Sprintf("Unknown command `%s`. Send `help` for a list of commands.", args[0])
	}
	_, err := br.Hub.SendNotice(ctx, room.HubRoomID, reply)
	return err
}

func (br *Bridge) commandLogin(ctx context.Context, sender id.UserID, args []string) string {
	if len(args) == 0 || len(args) > 2 {
		return "Usage: `login <token> [service id]`"
	}
	var serviceID string
	if len(args) == 2 {
		serviceID = args[1]
	}
	ident, err := br.CreateAuthenticatedIdentity(ctx, sender, args[0], serviceID, "")
	if errors.Is(err, ErrNotAuthenticated) {
		return "Your account is a bridged service user and can't log in."
	} else if err != nil {
		br.Log.Err(err).Stringer("hub_id", sender).Msg("Failed to log in from admin room")
		return "Failed to log in, check the bridge logs for details."
	}
	if !br.IsRunning() {
		return "Login stored, you will be connected when the bridge starts."
	}
	task := br.Supervisor.Connect(ctx, ident)
	if _, err = task.Wait(ctx); err != nil {
		return fmt.Sprintf("Login stored, but connecting failed: %v", err)
	}
	return "Logged in and connected."
}

func (br *Bridge) commandStatus(ctx context.Context, sender id.UserID) string {
	ident, err := br.Store.Identity.GetByHubID(ctx, sender)
	if err != nil {
		br.Log.Err(err).Msg("Failed to load identity for status command")
		return "Failed to load your status."
	} else if ident == nil || !ident.IsAuthenticated() {
		return "You are not logged in. Use `login <token>` to connect."
	}
	var sb strings.Builder
	if _, ok := br.Supervisor.ConnectionFor(sender); ok {
		sb.WriteString("Connected")
	} else {
		sb.WriteString("Not connected")
	}
	if ident.ServiceID != "" {
		fmt.Fprintf(&sb, " as `%s`", ident.ServiceID)
	}
	sb.WriteString(".")
	rooms, err := br.Store.Room.GetForIdentity(ctx, sender)
	if err != nil {
		br.Log.Err(err).Msg("Failed to load rooms for status command")
		return sb.String()
	}
	for _, room := range rooms {
		if !room.IsLinked() {
			continue
		}
		fmt.Fprintf(&sb, "\n* %s (%s)", room.ServiceRoomID, room.HubAlias)
		if room.FrontierID == sender {
			sb.WriteString(", frontier")
		}
		if !room.Active {
			sb.WriteString(", inactive")
		}
	}
	return sb.String()
}
