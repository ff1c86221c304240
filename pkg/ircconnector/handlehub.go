// Copyright 2024-2026 Aiku AI

package ircconnector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/appservice-bridge/pkg/bridge"
	"github.com/aiku/appservice-bridge/pkg/ircconnector/hubfmt"
	"github.com/aiku/appservice-bridge/pkg/store"
)

// handleHubMessage sends a hub message to the channel through the sender's
// own connection, one IRC line per text line.
func (c *Connector) handleHubMessage(ctx context.Context, _ *bridge.Bridge, msg *bridge.HubMessage) error {
	ic, err := c.connectionFor(msg.Sender)
	if err != nil {
		return err
	}
	channel := msg.Room.ServiceRoomID
	lines := hubfmt.Lines(hubfmt.Parse(msg.Content))
	for _, line := range lines {
		if msg.Content.MsgType == event.MsgEmote {
			line = ctcpActionPrefix + line + "\x01"
		}
		if err = ic.session.Privmsg(channel, line); err != nil {
			return fmt.Errorf("failed to send to %s: %w", channel, err)
		}
	}
	zerolog.Ctx(ctx).Debug().
		Str("channel", channel).
		Int("lines", len(lines)).
		Msg("Sent hub message to IRC")
	return nil
}

func (c *Connector) handleHubJoin(_ context.Context, _ *bridge.Bridge, room *store.Room, ident *store.Identity) error {
	if !ident.IsAuthenticated() || !room.IsLinked() {
		return nil
	}
	ic, err := c.connectionFor(ident)
	if err != nil {
		return err
	}
	return ic.session.Join(room.ServiceRoomID)
}

func (c *Connector) handleHubPart(_ context.Context, _ *bridge.Bridge, room *store.Room, ident *store.Identity) error {
	if !ident.IsAuthenticated() || !room.IsLinked() {
		return nil
	}
	ic, err := c.connectionFor(ident)
	if err != nil {
		return err
	}
	return ic.session.Part(room.ServiceRoomID)
}
