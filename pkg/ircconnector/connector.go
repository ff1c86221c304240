// Copyright 2024-2026 Aiku AI

package ircconnector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/appservice-bridge/pkg/bridge"
	"github.com/aiku/appservice-bridge/pkg/store"
)

// Connector bridges one IRC network. It must be registered before the
// bridge is started.
type Connector struct {
	Config *Config

	br  *bridge.Bridge
	log zerolog.Logger
	ctx context.Context

	dial dialFunc
	// inbound serializes IRC events of all connections, so that concurrent
	// sightings of the same nick or channel create one identity and one room.
	inbound sync.Mutex
}

// New creates a connector for br.
func New(br *bridge.Bridge, cfg *Config) *Connector {
	log := br.Log.With().Str("component", "irc").Logger()
	c := &Connector{
		Config: cfg,
		br:     br,
		log:    log,
		ctx:    log.WithContext(context.Background()),
	}
	c.dial = c.dialIRC
	return c
}

// Register adds the connect hook and the hub hooks to the bridge.
func (c *Connector) Register() error {
	hooks := c.br.Hooks
	if err := hooks.RegisterConnect(c.connect); err != nil {
		return fmt.Errorf("failed to register connect hook: %w", err)
	}
	if err := hooks.OnHubMessage(c.handleHubMessage); err != nil {
		return err
	}
	if err := hooks.OnHubJoin(c.handleHubJoin); err != nil {
		return err
	}
	return hooks.OnHubPart(c.handleHubPart)
}

func (c *Connector) connect(ctx context.Context, _ *bridge.Bridge, ident *store.Identity) (bridge.Connection, error) {
	nick := ident.ServiceID
	if nick == "" {
		nick = defaultNick(ident.HubID)
	}
	ic := &ircConnection{
		connector: c,
		ident:     ident,
		log:       c.log.With().Stringer("hub_id", ident.HubID).Logger(),
	}
	c.log.Info().Stringer("hub_id", ident.HubID).Str("nick", nick).Str("server", c.Config.Server).Msg("Connecting to IRC")
	if _, err := c.dial(ctx, sessionParams{Nick: nick, Password: ident.AuthToken}, ic); err != nil {
		return nil, err
	}
	return ic, nil
}

// connectionFor returns the IRC connection of an authenticated identity.
func (c *Connector) connectionFor(ident *store.Identity) (*ircConnection, error) {
	conn, ok := c.br.Supervisor.ConnectionFor(ident.HubID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", bridge.ErrNotConnected, ident.HubID)
	}
	ic, ok := conn.(*ircConnection)
	if !ok {
		return nil, fmt.Errorf("unexpected connection type %T for %s", conn, ident.HubID)
	}
	return ic, nil
}

// ircConnection is the connection of one authenticated identity.
type ircConnection struct {
	connector *Connector
	ident     *store.Identity
	session   ircSession
	log       zerolog.Logger
	closeOnce sync.Once

	nickLock sync.Mutex
	nick     string
}

func (ic *ircConnection) attach(sess ircSession) {
	ic.session = sess
}

// ServiceID returns the nick the server accepted.
func (ic *ircConnection) ServiceID() string {
	return ic.session.CurrentNick()
}

// Close quits the IRC session.
func (ic *ircConnection) Close() error {
	ic.closeOnce.Do(ic.session.Quit)
	return nil
}

func (ic *ircConnection) knownNick() string {
	ic.nickLock.Lock()
	defer ic.nickLock.Unlock()
	return ic.nick
}

// recordNick tracks the nick the server knows this connection by. Changes
// after the first registration are stored as the identity's service id so
// frontier checks keep matching the live nick.
func (ic *ircConnection) recordNick(nick string) {
	ic.nickLock.Lock()
	prev := ic.nick
	ic.nick = nick
	ic.nickLock.Unlock()
	if prev == "" || prev == nick {
		return
	}
	c := ic.connector
	if err := c.br.Store.Identity.SetServiceID(c.ctx, ic.ident.HubID, nick); err != nil {
		ic.log.Error().Err(err).Str("old_nick", prev).Str("new_nick", nick).Msg("Failed to store nick change")
		return
	}
	ic.log.Info().Str("old_nick", prev).Str("new_nick", nick).Msg("Nick changed")
}

// isOwnNick reports whether nick is this connection's current nick.
func (ic *ircConnection) isOwnNick(nick string) bool {
	return strings.EqualFold(nick, ic.session.CurrentNick())
}

// isIgnoredNick reports whether nick belongs to another bridge.
func (ic *ircConnection) isIgnoredNick(nick string) bool {
	prefix := ic.connector.Config.IgnoreNickPrefix
	return prefix != "" && strings.HasPrefix(strings.ToLower(nick), strings.ToLower(prefix))
}

// defaultNick derives an IRC nick from a hub user id.
func defaultNick(hubID id.UserID) string {
	localpart, _, err := hubID.Parse()
	if err != nil || localpart == "" {
		localpart = string(hubID)
	}
	var sb strings.Builder
	for _, r := range localpart {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', strings.ContainsRune("[]\\`_^{|}-", r):
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	nick := sb.String()
	if nick == "" || (nick[0] >= '0' && nick[0] <= '9') || nick[0] == '-' {
		nick = "_" + nick
	}
	return nick
}

// sourceNick extracts the nick from a nick!user@host message source.
func sourceNick(source string) string {
	nick, _, _ := strings.Cut(source, "!")
	return nick
}

func isChannel(target string) bool {
	return target != "" && strings.ContainsRune("#&+!", rune(target[0]))
}
