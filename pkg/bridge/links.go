// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/aiku/appservice-bridge/pkg/hubclient"
	"github.com/aiku/appservice-bridge/pkg/store"
	"maunium.net/go/mautrix/id"
)

// MakeHubUserID returns the canonical hub id of the managed identity for a
// service id.
func (br *Bridge) MakeHubUserID(serviceID string) id.UserID {
	return id.NewUserID(br.Config.Bridge.FormatUsername(serviceID), br.Hub.ServerName())
}

// MakeRoomAlias returns the canonical hub alias of the linked room for a
// service room.
func (br *Bridge) MakeRoomAlias(serviceRoomID string) id.RoomAlias {
	return id.RoomAlias(fmt.Sprintf("#%s:%s", br.Config.Bridge.FormatAlias(serviceRoomID), br.Hub.ServerName()))
}

// CreateLinkedRoom links serviceRoomID to a hub room with authHubID as its
// only member and frontier. alias may be empty, in which case the canonical
// alias is used. An existing active link is returned unchanged apart from
// adding authHubID to it, and an inactive room with the same alias is
// reactivated instead of creating a new one.
func (br *Bridge) CreateLinkedRoom(ctx context.Context, authHubID id.UserID, serviceRoomID string, alias id.RoomAlias) (*store.Room, error) {
	ident, err := br.authenticatedIdentity(ctx, authHubID)
	if err != nil {
		return nil, err
	}
	log := br.Log.With().Str("service_room_id", serviceRoomID).Stringer("auth_hub_id", authHubID).Logger()

	existing, err := br.Store.Room.GetLinkedByServiceRoomID(ctx, serviceRoomID)
	if err != nil {
		return nil, err
	} else if existing != nil {
		if err = br.AddIdentityToRoom(ctx, authHubID, existing.HubRoomID); err != nil {
			return nil, err
		}
		return br.Store.Room.GetByHubRoomID(ctx, existing.HubRoomID)
	}

	if alias == "" {
		alias = br.MakeRoomAlias(serviceRoomID)
	}
	if inactive, err := br.Store.Room.GetByAlias(ctx, alias); err != nil {
		return nil, err
	} else if inactive != nil {
		if !inactive.IsLinked() || inactive.ServiceRoomID != serviceRoomID {
			return nil, fmt.Errorf("alias %s already belongs to another room", alias)
		}
		log.Info().Stringer("room_id", inactive.HubRoomID).Msg("Reactivating linked room")
		if err = br.AddIdentityToRoom(ctx, authHubID, inactive.HubRoomID); err != nil {
			return nil, err
		}
		return br.Store.Room.GetByHubRoomID(ctx, inactive.HubRoomID)
	}

	localpart, ok := aliasLocalpart(alias)
	if !ok {
		return nil, fmt.Errorf("invalid room alias %s", alias)
	}
	roomID, err := br.Hub.CreateRoom(ctx, "", hubclient.CreateRoomRequest{
		AliasLocalpart: localpart,
		Name:           serviceRoomID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hub room for %s: %w", serviceRoomID, err)
	}
	if err = br.Hub.Invite(ctx, "", roomID, ident.HubID); err != nil {
		return nil, fmt.Errorf("failed to invite %s to %s: %w", ident.HubID, roomID, err)
	}
	room, err := br.Store.Room.CreateLinked(ctx, alias, roomID, serviceRoomID, ident)
	if err != nil {
		// Another caller may have linked the same room concurrently.
		if raced, lookupErr := br.Store.Room.GetLinkedByServiceRoomID(ctx, serviceRoomID); lookupErr == nil && raced != nil {
			return raced, nil
		}
		return nil, err
	}
	log.Info().Stringer("room_id", roomID).Stringer("alias", alias).Msg("Created linked room")
	return room, nil
}

// CreateManagedIdentity returns the identity linked to serviceID, creating
// and registering a managed identity if there is none. hubID and displayName
// are optional.
func (br *Bridge) CreateManagedIdentity(ctx context.Context, serviceID string, hubID id.UserID, displayName string) (*store.Identity, error) {
	existing, err := br.Store.Identity.GetByServiceID(ctx, serviceID)
	if err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	if hubID == "" {
		hubID = br.MakeHubUserID(serviceID)
	}
	localpart, _, err := hubID.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid hub id %s: %w", hubID, err)
	}
	if err = br.Hub.Register(ctx, localpart); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", hubID, err)
	}
	if displayName != "" {
		if err = br.Hub.SetDisplayName(ctx, hubID, displayName); err != nil {
			br.Log.Warn().Err(err).Stringer("hub_id", hubID).Msg("Failed to set managed identity display name")
		}
	}
	ident, err := br.Store.Identity.CreateManaged(ctx, hubID, serviceID, displayName)
	if err != nil {
		if raced, lookupErr := br.Store.Identity.GetByServiceID(ctx, serviceID); lookupErr == nil && raced != nil {
			return raced, nil
		}
		return nil, err
	}
	br.Log.Info().Stringer("hub_id", hubID).Str("service_id", serviceID).Msg("Created managed identity")
	return ident, nil
}

// CreateAuthenticatedIdentity stores a service credential for hubID. If the
// bridge is running, the identity is connected right away.
func (br *Bridge) CreateAuthenticatedIdentity(ctx context.Context, hubID id.UserID, credential, serviceID, displayName string) (*store.Identity, error) {
	if credential == "" {
		return nil, fmt.Errorf("credential for %s is empty", hubID)
	}
	existing, err := br.Store.Identity.GetByHubID(ctx, hubID)
	if err != nil {
		return nil, err
	} else if existing != nil {
		if !existing.IsAuthenticated() {
			return nil, fmt.Errorf("%w: %s is a managed identity", ErrNotAuthenticated, hubID)
		}
		return existing, nil
	}
	ident, err := br.Store.Identity.CreateAuthenticated(ctx, hubID, credential, serviceID, displayName)
	if err != nil {
		return nil, err
	}
	br.Log.Info().Stringer("hub_id", hubID).Str("service_id", serviceID).Msg("Created authenticated identity")
	if br.IsRunning() {
		br.Supervisor.Connect(ctx, ident)
	}
	return ident, nil
}

// AddIdentityToRoom makes hubID a member of roomID. Authenticated identities
// are invited; managed identities are invited and joined, since the room may
// be invite-only. Nothing happens if hubID already is a member.
func (br *Bridge) AddIdentityToRoom(ctx context.Context, hubID id.UserID, roomID id.RoomID) error {
	room, ident, err := br.roomAndIdentity(ctx, roomID, hubID)
	if err != nil {
		return err
	}
	if room.HasMember(hubID) {
		// Still re-elect, an inactive room keeps its members' records.
		return br.Frontier.MemberJoined(ctx, room, ident)
	}
	if err = br.Hub.Invite(ctx, "", roomID, hubID); err != nil {
		return fmt.Errorf("failed to invite %s to %s: %w", hubID, roomID, err)
	}
	if ident.IsManaged() {
		if err = br.Hub.Join(ctx, hubID, roomID); err != nil {
			return fmt.Errorf("failed to join %s to %s: %w", hubID, roomID, err)
		}
	}
	if _, err = br.Store.Room.AddMember(ctx, roomID, hubID); err != nil {
		return err
	}
	return br.Frontier.MemberJoined(ctx, room, ident)
}

// RemoveIdentityFromRoom drops hubID from roomID. Managed identities also
// leave the hub room. Nothing happens if hubID is not a member.
func (br *Bridge) RemoveIdentityFromRoom(ctx context.Context, hubID id.UserID, roomID id.RoomID) error {
	room, ident, err := br.roomAndIdentity(ctx, roomID, hubID)
	if err != nil {
		return err
	}
	if !room.HasMember(hubID) {
		return nil
	}
	if ident.IsManaged() {
		if err = br.Hub.Leave(ctx, hubID, roomID); err != nil {
			return fmt.Errorf("failed to leave %s as %s: %w", roomID, hubID, err)
		}
	}
	if _, err = br.Store.Room.RemoveMember(ctx, roomID, hubID); err != nil {
		return err
	}
	return br.Frontier.MemberLeft(ctx, room, hubID)
}

// SetDisplayName updates the hub display name of an identity.
func (br *Bridge) SetDisplayName(ctx context.Context, hubID id.UserID, displayName string) error {
	ident, err := br.Store.Identity.GetByHubID(ctx, hubID)
	if err != nil {
		return err
	} else if ident == nil {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, hubID)
	}
	if ident.DisplayName == displayName {
		return nil
	}
	if err = br.Hub.SetDisplayName(ctx, hubID, displayName); err != nil {
		return err
	}
	return br.Store.Identity.SetDisplayName(ctx, hubID, displayName)
}

func aliasLocalpart(alias id.RoomAlias) (string, bool) {
	localpart, server, ok := strings.Cut(strings.TrimPrefix(string(alias), "#"), ":")
	return localpart, ok && localpart != "" && server != "" && strings.HasPrefix(string(alias), "#")
}

func (br *Bridge) authenticatedIdentity(ctx context.Context, hubID id.UserID) (*store.Identity, error) {
	ident, err := br.Store.Identity.GetByHubID(ctx, hubID)
	if err != nil {
		return nil, err
	} else if ident == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, hubID)
	} else if !ident.IsAuthenticated() {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthenticated, hubID)
	}
	return ident, nil
}

func (br *Bridge) roomAndIdentity(ctx context.Context, roomID id.RoomID, hubID id.UserID) (*store.Room, *store.Identity, error) {
	room, err := br.Store.Room.GetByHubRoomID(ctx, roomID)
	if err != nil {
		return nil, nil, err
	} else if room == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	ident, err := br.Store.Identity.GetByHubID(ctx, hubID)
	if err != nil {
		return nil, nil, err
	} else if ident == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, hubID)
	}
	return room, ident, nil
}
