// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// RoomKind discriminates the room variants.
type RoomKind string

const (
	// RoomAdmin is a 1:1 control room between the bridge bot and one hub user.
	RoomAdmin RoomKind = "admin"
	// RoomLinked is a hub room bridged to exactly one service room.
	RoomLinked RoomKind = "linked"
)

// Room is a hub room known to the bridge. Members are ordered by the time
// they were added.
type Room struct {
	Kind       RoomKind
	HubRoomID  id.RoomID
	HubAlias   id.RoomAlias
	Active     bool
	InviteOnly bool
	Members    []*Identity

	// Linked rooms only.
	ServiceRoomID string
	FrontierID    id.UserID

	// Admin rooms only.
	AdminUser id.UserID
}

// IsLinked reports whether the room is the linked variant.
func (r *Room) IsLinked() bool {
	return r != nil && r.Kind == RoomLinked
}

// IsAdmin reports whether the room is the admin variant.
func (r *Room) IsAdmin() bool {
	return r != nil && r.Kind == RoomAdmin
}

// Member returns the member with the given hub id, or nil.
func (r *Room) Member(hubID id.UserID) *Identity {
	for _, member := range r.Members {
		if member.HubID == hubID {
			return member
		}
	}
	return nil
}

// HasMember reports whether hubID is a member of the room.
func (r *Room) HasMember(hubID id.UserID) bool {
	return r.Member(hubID) != nil
}

// AuthenticatedMembers returns the authenticated members in membership order.
func (r *Room) AuthenticatedMembers() []*Identity {
	var members []*Identity
	for _, member := range r.Members {
		if member.IsAuthenticated() {
			members = append(members, member)
		}
	}
	return members
}

// Frontier returns the frontier identity, or nil if none is elected.
func (r *Room) Frontier() *Identity {
	if r.FrontierID == "" {
		return nil
	}
	return r.Member(r.FrontierID)
}

// RoomQuery reads and writes room records and memberships.
type RoomQuery struct {
	*dbutil.QueryHelper[*Room]
	db         *dbutil.Database
	identities *IdentityQuery
}

const (
	roomColumns           = "hub_room_id, kind, hub_alias, service_room_id, active, invite_only, frontier_hub_id, admin_user"
	getRoomByHubRoomIDQ   = "SELECT " + roomColumns + " FROM room WHERE hub_room_id=$1"
	getRoomByAliasQ       = "SELECT " + roomColumns + " FROM room WHERE hub_alias=$1"
	getActiveLinkedRoomQ  = "SELECT " + roomColumns + " FROM room WHERE kind='linked' AND active AND service_room_id=$1"
	getAnyLinkedRoomQ     = "SELECT " + roomColumns + " FROM room WHERE kind='linked' AND service_room_id=$1 ORDER BY active DESC"
	getAdminRoomByUserQ   = "SELECT " + roomColumns + " FROM room WHERE kind='admin' AND active AND admin_user=$1"
	getRoomsForIdentityQ  = "SELECT r.hub_room_id, r.kind, r.hub_alias, r.service_room_id, r.active, r.invite_only, r.frontier_hub_id, r.admin_user FROM room r JOIN room_member m ON m.hub_room_id=r.hub_room_id WHERE m.hub_id=$1 ORDER BY r.hub_room_id"
	insertRoomQuery       = "INSERT INTO room (" + roomColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"
	setRoomFrontierQuery  = "UPDATE room SET frontier_hub_id=$2 WHERE hub_room_id=$1"
	setRoomActiveQuery    = "UPDATE room SET active=$2 WHERE hub_room_id=$1"
	insertRoomMemberQuery = `
		INSERT INTO room_member (hub_room_id, hub_id, position)
		SELECT $1, $2, COALESCE(MAX(position), 0) + 1 FROM room_member WHERE hub_room_id=$1
		ON CONFLICT (hub_room_id, hub_id) DO NOTHING
	`
	deleteRoomMemberQuery = "DELETE FROM room_member WHERE hub_room_id=$1 AND hub_id=$2"
)

func newRoom(_ *dbutil.QueryHelper[*Room]) *Room {
	return &Room{}
}

func (r *Room) Scan(row dbutil.Scannable) (*Room, error) {
	var alias, serviceRoomID, frontier, adminUser sql.NullString
	err := row.Scan(&r.HubRoomID, &r.Kind, &alias, &serviceRoomID, &r.Active, &r.InviteOnly, &frontier, &adminUser)
	if err != nil {
		return nil, err
	}
	r.HubAlias = id.RoomAlias(alias.String)
	r.ServiceRoomID = serviceRoomID.String
	r.FrontierID = id.UserID(frontier.String)
	r.AdminUser = id.UserID(adminUser.String)
	return r, nil
}

func (r *Room) sqlVariables() []any {
	return []any{
		r.HubRoomID, r.Kind, nullString(string(r.HubAlias)), nullString(r.ServiceRoomID),
		r.Active, r.InviteOnly, nullString(string(r.FrontierID)), nullString(string(r.AdminUser)),
	}
}

func (rq *RoomQuery) getOne(ctx context.Context, query string, args ...any) (*Room, error) {
	room, err := rq.QueryOne(ctx, query, args...)
	if err != nil || room == nil {
		return nil, err
	}
	return room, rq.loadMembers(ctx, room)
}

func (rq *RoomQuery) loadMembers(ctx context.Context, room *Room) error {
	members, err := rq.identities.getRoomMembers(ctx, room.HubRoomID)
	if err != nil {
		return fmt.Errorf("failed to load members of %s: %w", room.HubRoomID, err)
	}
	room.Members = members
	return nil
}

// GetByHubRoomID returns the room with the given hub room id, or nil.
func (rq *RoomQuery) GetByHubRoomID(ctx context.Context, roomID id.RoomID) (*Room, error) {
	if roomID == "" {
		return nil, ErrMissingKey
	}
	return rq.getOne(ctx, getRoomByHubRoomIDQ, roomID)
}

// GetByAlias returns the room with the given hub alias, or nil.
func (rq *RoomQuery) GetByAlias(ctx context.Context, alias id.RoomAlias) (*Room, error) {
	if alias == "" {
		return nil, ErrMissingKey
	}
	return rq.getOne(ctx, getRoomByAliasQ, alias)
}

// GetLinkedByServiceRoomID returns the active linked room bridging the given
// service room, or nil. Inactive rooms are never returned.
func (rq *RoomQuery) GetLinkedByServiceRoomID(ctx context.Context, serviceRoomID string) (*Room, error) {
	if serviceRoomID == "" {
		return nil, ErrMissingKey
	}
	return rq.getOne(ctx, getActiveLinkedRoomQ, serviceRoomID)
}

// GetAnyLinkedByServiceRoomID is like GetLinkedByServiceRoomID, but falls
// back to an inactive room when no active one exists.
func (rq *RoomQuery) GetAnyLinkedByServiceRoomID(ctx context.Context, serviceRoomID string) (*Room, error) {
	if serviceRoomID == "" {
		return nil, ErrMissingKey
	}
	rooms, err := rq.QueryMany(ctx, getAnyLinkedRoomQ, serviceRoomID)
	if err != nil || len(rooms) == 0 {
		return nil, err
	}
	return rooms[0], rq.loadMembers(ctx, rooms[0])
}

// GetAdminByUser returns the active admin room of a hub user, or nil.
func (rq *RoomQuery) GetAdminByUser(ctx context.Context, userID id.UserID) (*Room, error) {
	if userID == "" {
		return nil, ErrMissingKey
	}
	rooms, err := rq.QueryMany(ctx, getAdminRoomByUserQ, userID)
	if err != nil {
		return nil, err
	}
	switch len(rooms) {
	case 0:
		return nil, nil
	case 1:
		return rooms[0], rq.loadMembers(ctx, rooms[0])
	default:
		return nil, fmt.Errorf("%w: %d admin rooms for %s", ErrAmbiguousLookup, len(rooms), userID)
	}
}

// GetForIdentity returns every room the identity is a member of.
func (rq *RoomQuery) GetForIdentity(ctx context.Context, hubID id.UserID) ([]*Room, error) {
	rooms, err := rq.QueryMany(ctx, getRoomsForIdentityQ, hubID)
	if err != nil {
		return nil, err
	}
	for _, room := range rooms {
		if err = rq.loadMembers(ctx, room); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

// CreateLinked persists a new active linked room with frontier as its sole
// member and frontier identity. The room and its membership commit together.
func (rq *RoomQuery) CreateLinked(ctx context.Context, alias id.RoomAlias, roomID id.RoomID, serviceRoomID string, frontier *Identity) (*Room, error) {
	if !frontier.IsAuthenticated() {
		return nil, fmt.Errorf("%w: linked room frontier must be an authenticated identity", ErrWrongKind)
	}
	if serviceRoomID == "" {
		return nil, ErrMissingKey
	}
	room := &Room{
		Kind:          RoomLinked,
		HubRoomID:     roomID,
		HubAlias:      alias,
		Active:        true,
		ServiceRoomID: serviceRoomID,
		FrontierID:    frontier.HubID,
		Members:       []*Identity{frontier},
	}
	err := rq.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if err := rq.Exec(ctx, insertRoomQuery, room.sqlVariables()...); err != nil {
			return fmt.Errorf("failed to insert linked room %s: %w", roomID, err)
		}
		_, err := rq.AddMember(ctx, roomID, frontier.HubID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// CreateAdmin persists a new admin room between the bridge and userID.
func (rq *RoomQuery) CreateAdmin(ctx context.Context, roomID id.RoomID, userID id.UserID) (*Room, error) {
	room := &Room{
		Kind:       RoomAdmin,
		HubRoomID:  roomID,
		Active:     true,
		InviteOnly: true,
		AdminUser:  userID,
	}
	if err := rq.Exec(ctx, insertRoomQuery, room.sqlVariables()...); err != nil {
		return nil, fmt.Errorf("failed to insert admin room %s: %w", roomID, err)
	}
	return room, nil
}

// AddMember adds hubID to the room. It reports false if the identity was
// already a member.
func (rq *RoomQuery) AddMember(ctx context.Context, roomID id.RoomID, hubID id.UserID) (bool, error) {
	res, err := rq.db.Exec(ctx, insertRoomMemberQuery, roomID, hubID)
	if err != nil {
		return false, fmt.Errorf("failed to add %s to %s: %w", hubID, roomID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// RemoveMember removes hubID from the room. It reports false if the identity
// was not a member.
func (rq *RoomQuery) RemoveMember(ctx context.Context, roomID id.RoomID, hubID id.UserID) (bool, error) {
	res, err := rq.db.Exec(ctx, deleteRoomMemberQuery, roomID, hubID)
	if err != nil {
		return false, fmt.Errorf("failed to remove %s from %s: %w", hubID, roomID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetFrontier stores the frontier identity of a linked room. An empty hubID
// clears it.
func (rq *RoomQuery) SetFrontier(ctx context.Context, roomID id.RoomID, hubID id.UserID) error {
	return rq.Exec(ctx, setRoomFrontierQuery, roomID, nullString(string(hubID)))
}

// SetActive flips the active flag of a room.
func (rq *RoomQuery) SetActive(ctx context.Context, roomID id.RoomID, active bool) error {
	return rq.Exec(ctx, setRoomActiveQuery, roomID, active)
}
