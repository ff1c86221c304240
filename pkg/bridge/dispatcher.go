// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aiku/appservice-bridge/pkg/store"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type eventHandler func(ctx context.Context, evt *event.Event) error

// Dispatcher routes hub transaction events to their handlers. Transactions
// are processed one at a time, and a transaction id that was already
// processed is acknowledged without running any handler.
type Dispatcher struct {
	br  *Bridge
	log zerolog.Logger

	handlers map[string]eventHandler

	lock sync.Mutex
	seen *appservice.TransactionIDCache
}

func newDispatcher(br *Bridge, cacheSize int) *Dispatcher {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	d := &Dispatcher{
		br:   br,
		log:  br.Log.With().Str("component", "dispatcher").Logger(),
		seen: appservice.NewTransactionIDCache(cacheSize),
	}
	d.handlers = map[string]eventHandler{
		event.StateMember.Type:          d.handleMember,
		event.EventMessage.Type:         d.handleMessage,
		event.EphemeralEventTyping.Type: d.handleTyping,
	}
	return d
}

// HandleTransaction processes a batch of hub events in order. It reports
// whether the batch was processed, which is false for a repeated txnID. A
// batch cut short by ctx is not recorded, so a redelivery is processed again.
func (d *Dispatcher) HandleTransaction(ctx context.Context, txnID string, events []*event.Event) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	log := d.log.With().Str("txn_id", txnID).Logger()
	if txnID != "" && d.seen.IsProcessed(txnID) {
		log.Debug().Msg("Ignoring already processed transaction")
		return false
	}
	ctx = log.WithContext(ctx)
	for _, evt := range events {
		d.dispatch(ctx, evt)
	}
	if ctx.Err() != nil {
		log.Warn().Err(ctx.Err()).Msg("Transaction interrupted, not marking as processed")
		return false
	}
	if txnID != "" {
		d.seen.MarkProcessed(txnID)
	}
	log.Debug().Int("event_count", len(events)).Msg("Processed transaction")
	return true
}

func (d *Dispatcher) dispatch(ctx context.Context, evt *event.Event) {
	if evt == nil {
		return
	}
	handler, ok := d.handlers[evt.Type.Type]
	if !ok {
		return
	}
	log := zerolog.Ctx(ctx).With().
		Str("event_type", evt.Type.Type).
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Stringer("sender", evt.Sender).
		Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("Panic in hub event handler")
		}
	}()
	if err := handler(log.WithContext(ctx), evt); err != nil {
		log.Warn().Err(err).Msg("Failed to handle hub event")
	}
}

// isOwnEcho reports whether sender is the bridge bot or one of the managed
// identities the bridge puppets.
func (d *Dispatcher) isOwnEcho(ctx context.Context, sender id.UserID) (bool, *store.Identity, error) {
	if sender == d.br.BotID() {
		return true, nil, nil
	}
	ident, err := d.br.Store.Identity.GetByHubID(ctx, sender)
	if err != nil {
		return false, nil, err
	}
	return ident.IsManaged(), ident, nil
}

func (d *Dispatcher) handleMember(ctx context.Context, evt *event.Event) error {
	log := zerolog.Ctx(ctx)
	if evt.StateKey == nil {
		return fmt.Errorf("member event without state key")
	}
	content, err := parseContent[event.MemberEventContent](evt)
	if err != nil {
		return err
	}
	target := id.UserID(*evt.StateKey)
	if target == d.br.BotID() && evt.Sender != d.br.BotID() {
		return d.handleBotMembership(ctx, evt, content)
	}
	echo, _, err := d.isOwnEcho(ctx, evt.Sender)
	if err != nil {
		return err
	} else if echo {
		log.Trace().Msg("Ignoring membership change made by the bridge")
		return nil
	}

	room, err := d.br.Store.Room.GetByHubRoomID(ctx, evt.RoomID)
	if err != nil {
		return err
	} else if room == nil {
		log.Debug().Msg("Ignoring membership change in unknown room")
		return nil
	} else if room.IsAdmin() {
		if target == room.AdminUser && (content.Membership == event.MembershipLeave || content.Membership == event.MembershipBan) {
			log.Info().Msg("Admin room owner left, deactivating admin room")
			return d.br.Store.Room.SetActive(ctx, room.HubRoomID, false)
		}
		return nil
	}
	ident, err := d.br.Store.Identity.GetByHubID(ctx, target)
	if err != nil {
		return err
	} else if ident == nil {
		log.Debug().Stringer("target", target).Msg("Ignoring membership change of unknown identity")
		return nil
	}

	switch content.Membership {
	case event.MembershipJoin:
		added, err := d.br.Store.Room.AddMember(ctx, room.HubRoomID, ident.HubID)
		if err != nil {
			return err
		}
		if err = d.br.Frontier.MemberJoined(ctx, room, ident); err != nil {
			return err
		}
		if added && ident.IsAuthenticated() {
			return d.runMembershipHooks(ctx, d.br.Hooks.joinHooks(), room, ident)
		}
	case event.MembershipLeave, event.MembershipBan:
		removed, err := d.br.Store.Room.RemoveMember(ctx, room.HubRoomID, ident.HubID)
		if err != nil {
			return err
		}
		if !removed {
			return nil
		}
		if err = d.br.Frontier.MemberLeft(ctx, room, ident.HubID); err != nil {
			return err
		}
		if ident.IsAuthenticated() {
			return d.runMembershipHooks(ctx, d.br.Hooks.partHooks(), room, ident)
		}
	}
	return nil
}

// handleBotMembership accepts direct invites to the bot and records them as
// admin rooms.
func (d *Dispatcher) handleBotMembership(ctx context.Context, evt *event.Event, content *event.MemberEventContent) error {
	if content.Membership != event.MembershipInvite || !content.IsDirect {
		return nil
	}
	log := zerolog.Ctx(ctx)
	existing, err := d.br.Store.Room.GetByHubRoomID(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if err = d.br.Hub.Join(ctx, d.br.BotID(), evt.RoomID); err != nil {
		return fmt.Errorf("failed to accept admin room invite: %w", err)
	}
	if existing != nil {
		return nil
	}
	if _, err = d.br.Store.Room.CreateAdmin(ctx, evt.RoomID, evt.Sender); err != nil {
		return err
	}
	log.Info().Msg("Created admin room")
	if d.br.Config.Bridge.AdminRoomCommands {
		_, err = d.br.Hub.SendNotice(ctx, evt.RoomID, "Hello! Send `help` for a list of commands.")
	}
	return err
}

func (d *Dispatcher) handleMessage(ctx context.Context, evt *event.Event) error {
	log := zerolog.Ctx(ctx)
	echo, sender, err := d.isOwnEcho(ctx, evt.Sender)
	if err != nil {
		return err
	} else if echo {
		return nil
	}
	room, err := d.br.Store.Room.GetByHubRoomID(ctx, evt.RoomID)
	if err != nil {
		return err
	} else if room == nil {
		log.Warn().Msg("Dropping message in unknown room")
		return nil
	}
	content, err := parseContent[event.MessageEventContent](evt)
	if err != nil {
		return err
	}

	if room.IsAdmin() {
		if evt.Sender != room.AdminUser || !d.br.Config.Bridge.AdminRoomCommands {
			return nil
		}
		return d.br.handleCommand(ctx, room, evt.Sender, content.Body)
	}

	if sender == nil {
		log.Warn().Msg("Dropping message from unknown identity")
		return nil
	}
	if !room.Active {
		log.Warn().Msg("Dropping message in inactive room")
		return nil
	}
	if !sender.IsAuthenticated() {
		return nil
	}
	msg := &HubMessage{
		EventID: evt.ID,
		Room:    room,
		Sender:  sender,
		Content: content,
	}
	for _, hook := range d.br.Hooks.messageHooks() {
		if err = hook(ctx, d.br, msg); err != nil {
			return fmt.Errorf("message hook failed: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) handleTyping(ctx context.Context, evt *event.Event) error {
	hooks := d.br.Hooks.typingHooks()
	if len(hooks) == 0 {
		return nil
	}
	content, err := parseContent[event.TypingEventContent](evt)
	if err != nil {
		return err
	}
	room, err := d.br.Store.Room.GetByHubRoomID(ctx, evt.RoomID)
	if err != nil || room == nil || !room.IsLinked() {
		return err
	}
	var typing []*store.Identity
	for _, userID := range content.UserIDs {
		if member := room.Member(userID); member.IsAuthenticated() {
			typing = append(typing, member)
		}
	}
	for _, hook := range hooks {
		if err = hook(ctx, d.br, room, typing); err != nil {
			return fmt.Errorf("typing hook failed: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) runMembershipHooks(ctx context.Context, hooks []HubMembershipFunc, room *store.Room, ident *store.Identity) error {
	for _, hook := range hooks {
		if err := hook(ctx, d.br, room, ident); err != nil {
			return fmt.Errorf("membership hook failed: %w", err)
		}
	}
	return nil
}

// parseContent decodes the content of evt, reusing already parsed content.
func parseContent[T any](evt *event.Event) (*T, error) {
	if parsed, ok := evt.Content.Parsed.(*T); ok {
		return parsed, nil
	}
	var content T
	raw := evt.Content.VeryRaw
	if len(raw) == 0 {
		if evt.Content.Raw == nil {
			return &content, nil
		}
		var err error
		if raw, err = json.Marshal(evt.Content.Raw); err != nil {
			return nil, fmt.Errorf("failed to re-encode %s content: %w", evt.Type.Type, err)
		}
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("failed to parse %s content: %w", evt.Type.Type, err)
	}
	return &content, nil
}
