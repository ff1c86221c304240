// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package ircconnector

import (
	"context"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/appservice-bridge/pkg/bridge"
	"github.com/aiku/appservice-bridge/pkg/ircconnector/ircfmt"
	"github.com/aiku/appservice-bridge/pkg/store"
)

const ctcpActionPrefix = "\x01ACTION "

// handleRegistered joins the configured channels and the linked rooms the
// identity is already a member of.
func (ic *ircConnection) handleRegistered() {
	c := ic.connector
	ic.recordNick(ic.session.CurrentNick())
	channels := append([]string(nil), c.Config.Channels...)
	rooms, err := c.br.Store.Room.GetForIdentity(c.ctx, ic.ident.HubID)
	if err != nil {
		ic.log.Warn().Err(err).Msg("Failed to load linked rooms of identity")
	}
	for _, room := range rooms {
		if room.IsLinked() && room.Active {
			channels = append(channels, room.ServiceRoomID)
		}
	}
	seen := make(map[string]bool, len(channels))
	for _, channel := range channels {
		key := strings.ToLower(channel)
		if seen[key] {
			continue
		}
		seen[key] = true
		if err = ic.session.Join(channel); err != nil {
			ic.log.Warn().Err(err).Str("channel", channel).Msg("Failed to join channel")
		}
	}
	ic.log.Info().Str("nick", ic.session.CurrentNick()).Int("channels", len(seen)).Msg("Registered with IRC server")
}

// handleNick follows nick changes of this connection. Other users' nick
// changes are not mirrored.
func (ic *ircConnection) handleNick(source, newNick string) {
	if strings.EqualFold(sourceNick(source), ic.knownNick()) {
		ic.recordNick(newNick)
	}
}

func (ic *ircConnection) handlePrivmsg(source, target, text string) {
	nick := sourceNick(source)
	log := ic.log.With().Str("nick", nick).Str("target", target).Logger()
	if !isChannel(target) {
		log.Debug().Msg("Ignoring private message")
		return
	}
	if ic.isOwnNick(nick) || ic.isIgnoredNick(nick) {
		log.Debug().Msg("Ignoring message from bridge nick")
		return
	}

	msgType := event.MsgText
	if action, ok := ctcpAction(text); ok {
		text, msgType = action, event.MsgEmote
	} else if strings.HasPrefix(text, "\x01") {
		log.Debug().Msg("Ignoring CTCP request")
		return
	}
	content := ircfmt.Parse(text).Content(msgType)

	c := ic.connector
	c.inbound.Lock()
	defer c.inbound.Unlock()
	ctx := log.WithContext(c.ctx)

	room, err := c.ensureRoom(ctx, ic, target)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get linked room for channel")
		return
	}
	sender, err := c.ensureParticipant(ctx, ic, room, nick)
	if err != nil {
		log.Error().Err(err).Msg("Failed to set up managed identity")
		return
	} else if sender == nil {
		return
	}
	evtID, err := c.br.RelayServiceMessageContent(ctx, nick, target, content, ic.ServiceID())
	if err != nil {
		log.Error().Err(err).Msg("Failed to relay IRC message")
		return
	}
	log.Debug().Stringer("event_id", evtID).Msg("Relayed IRC message")
}

func (ic *ircConnection) handleJoin(source, channel string) {
	nick := sourceNick(source)
	c := ic.connector
	c.inbound.Lock()
	defer c.inbound.Unlock()
	log := ic.log.With().Str("nick", nick).Str("channel", channel).Logger()
	ctx := log.WithContext(c.ctx)

	if ic.isOwnNick(nick) {
		if _, err := c.br.CreateLinkedRoom(ctx, ic.ident.HubID, channel, ""); err != nil {
			log.Error().Err(err).Msg("Failed to link joined channel")
		}
		return
	}
	if ic.isIgnoredNick(nick) {
		return
	}
	room, err := c.br.Store.Room.GetLinkedByServiceRoomID(ctx, channel)
	if err != nil || room == nil {
		return
	}
	if _, err = c.ensureParticipant(ctx, ic, room, nick); err != nil {
		log.Error().Err(err).Msg("Failed to add joined IRC user")
	}
}

func (ic *ircConnection) handlePart(source, channel string) {
	nick := sourceNick(source)
	c := ic.connector
	c.inbound.Lock()
	defer c.inbound.Unlock()
	log := ic.log.With().Str("nick", nick).Str("channel", channel).Logger()
	ctx := log.WithContext(c.ctx)

	room, err := c.br.Store.Room.GetLinkedByServiceRoomID(ctx, channel)
	if err != nil || room == nil {
		return
	}
	if ic.isOwnNick(nick) {
		if err = c.br.RemoveIdentityFromRoom(ctx, ic.ident.HubID, room.HubRoomID); err != nil {
			log.Error().Err(err).Msg("Failed to remove identity after leaving channel")
		}
		return
	}
	if admitted, _ := c.br.Frontier.Admit(room, ic.ServiceID()); !admitted {
		return
	}
	ident, err := c.br.Store.Identity.GetByServiceID(ctx, nick)
	if err != nil || !ident.IsManaged() || !room.HasMember(ident.HubID) {
		return
	}
	if err = c.br.RemoveIdentityFromRoom(ctx, ident.HubID, room.HubRoomID); err != nil {
		log.Error().Err(err).Msg("Failed to remove parted IRC user")
	}
}

// ensureRoom returns the active linked room of channel, linking it for the
// receiving identity if there is none.
func (c *Connector) ensureRoom(ctx context.Context, ic *ircConnection, channel string) (*store.Room, error) {
	room, err := c.br.Store.Room.GetLinkedByServiceRoomID(ctx, channel)
	if err != nil || room != nil {
		return room, err
	}
	return c.br.CreateLinkedRoom(ctx, ic.ident.HubID, channel, "")
}

// ensureParticipant makes sure the IRC user nick is puppeted by a managed
// identity that is a member of room. It returns nil when ic is not the
// frontier of the room or when nick belongs to an authenticated identity.
func (c *Connector) ensureParticipant(ctx context.Context, ic *ircConnection, room *store.Room, nick string) (*store.Identity, error) {
	if admitted, err := c.br.Frontier.Admit(room, ic.ServiceID()); err != nil || !admitted {
		return nil, err
	}
	displayName := c.br.Config.Bridge.FormatDisplayname(bridge.DisplaynameParams{Nick: nick, ServiceID: nick})
	ident, err := c.br.CreateManagedIdentity(ctx, nick, "", displayName)
	if err != nil {
		return nil, err
	} else if !ident.IsManaged() {
		return nil, nil
	}
	if !room.HasMember(ident.HubID) {
		if err = c.br.AddIdentityToRoom(ctx, ident.HubID, room.HubRoomID); err != nil {
			return nil, err
		}
	}
	return ident, nil
}

// ctcpAction returns the text of a CTCP ACTION message.
func ctcpAction(text string) (string, bool) {
	if !strings.HasPrefix(text, ctcpActionPrefix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(text, ctcpActionPrefix), "\x01"), true
}
