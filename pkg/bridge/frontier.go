// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"github.com/aiku/appservice-bridge/pkg/store"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// FrontierRouter elects and applies the frontier identity of linked rooms.
//
// The frontier is the authenticated member whose service connection is the
// authoritative receiver of inbound service messages for the room. It is the
// room's creator at first; when it leaves, the next authenticated member in
// membership order takes over, and when none is left the room is deactivated.
type FrontierRouter struct {
	store *store.Store
	log   zerolog.Logger
}

func newFrontierRouter(db *store.Store, log zerolog.Logger) *FrontierRouter {
	return &FrontierRouter{
		store: db,
		log:   log.With().Str("component", "frontier").Logger(),
	}
}

// Admit decides whether an inbound service message for room should be
// relayed. receivingServiceID is the service id of the connection the message
// arrived on, or empty if the caller does not know it.
//
// Without a receiver the room must have exactly one authenticated member,
// otherwise ErrAmbiguousReceiver is returned. With a receiver, the message is
// admitted only if the receiver is the current frontier; a mismatch returns
// false without an error.
func (fr *FrontierRouter) Admit(room *store.Room, receivingServiceID string) (bool, error) {
	if !room.IsLinked() || !room.Active {
		return false, fmt.Errorf("%w: %s", ErrNoLinkedRoom, room.HubRoomID)
	}
	if receivingServiceID == "" {
		if len(room.AuthenticatedMembers()) > 1 {
			return false, ErrAmbiguousReceiver
		}
		return true, nil
	}
	frontier := room.Frontier()
	if frontier == nil || frontier.ServiceID != receivingServiceID {
		fr.log.Debug().
			Stringer("room_id", room.HubRoomID).
			Str("receiver", receivingServiceID).
			Stringer("frontier", room.FrontierID).
			Msg("Dropping service message received by non-frontier identity")
		return false, nil
	}
	return true, nil
}

// MemberJoined updates the frontier after ident became a member of room. An
// authenticated member joining a room without a frontier becomes the
// frontier and reactivates the room.
func (fr *FrontierRouter) MemberJoined(ctx context.Context, room *store.Room, ident *store.Identity) error {
	if !room.IsLinked() || !ident.IsAuthenticated() {
		return nil
	}
	if !room.HasMember(ident.HubID) {
		room.Members = append(room.Members, ident)
	}
	if room.Active && room.Frontier() != nil {
		return nil
	}
	err := fr.store.DoTxn(ctx, func(ctx context.Context) error {
		if err := fr.store.Room.SetFrontier(ctx, room.HubRoomID, ident.HubID); err != nil {
			return err
		}
		return fr.store.Room.SetActive(ctx, room.HubRoomID, true)
	})
	if err != nil {
		return fmt.Errorf("failed to elect %s as frontier of %s: %w", ident.HubID, room.HubRoomID, err)
	}
	if !room.Active {
		fr.log.Info().Stringer("room_id", room.HubRoomID).Stringer("frontier", ident.HubID).Msg("Reactivated linked room")
	}
	room.FrontierID = ident.HubID
	room.Active = true
	return nil
}

// MemberLeft updates the frontier after hubID stopped being a member of room.
func (fr *FrontierRouter) MemberLeft(ctx context.Context, room *store.Room, hubID id.UserID) error {
	if !room.IsLinked() {
		return nil
	}
	remaining := room.Members[:0:0]
	for _, member := range room.Members {
		if member.HubID != hubID {
			remaining = append(remaining, member)
		}
	}
	room.Members = remaining
	if !room.Active && room.FrontierID == "" {
		return nil
	}
	if room.FrontierID != hubID && room.Frontier() != nil {
		return nil
	}

	candidates := room.AuthenticatedMembers()
	if len(candidates) == 0 {
		err := fr.store.DoTxn(ctx, func(ctx context.Context) error {
			if err := fr.store.Room.SetFrontier(ctx, room.HubRoomID, ""); err != nil {
				return err
			}
			return fr.store.Room.SetActive(ctx, room.HubRoomID, false)
		})
		if err != nil {
			return fmt.Errorf("failed to deactivate %s: %w", room.HubRoomID, err)
		}
		room.FrontierID = ""
		room.Active = false
		fr.log.Info().Stringer("room_id", room.HubRoomID).Msg("Last authenticated member left, room deactivated")
		return nil
	}

	next := candidates[0]
	if err := fr.store.Room.SetFrontier(ctx, room.HubRoomID, next.HubID); err != nil {
		return fmt.Errorf("failed to elect %s as frontier of %s: %w", next.HubID, room.HubRoomID, err)
	}
	room.FrontierID = next.HubID
	fr.log.Info().
		Stringer("room_id", room.HubRoomID).
		Stringer("left", hubID).
		Stringer("frontier", next.HubID).
		Msg("Frontier left, elected next authenticated member")
	return nil
}
