// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// IdentityKind discriminates the identity variants.
type IdentityKind string

const (
	// IdentityAuthenticated is a real service user who gave the bridge a
	// credential. Only these identities originate or receive bridged traffic.
	IdentityAuthenticated IdentityKind = "authenticated"
	// IdentityManaged is a hub user puppeted by the bridge for a service
	// participant without a hub account.
	IdentityManaged IdentityKind = "managed"
)

// Identity is a hub user known to the bridge.
type Identity struct {
	Kind        IdentityKind
	HubID       id.UserID
	ServiceID   string
	DisplayName string

	// AuthToken is the service credential. Only set for authenticated identities.
	AuthToken string
}

// IsAuthenticated reports whether the identity is the authenticated variant.
func (i *Identity) IsAuthenticated() bool {
	return i != nil && i.Kind == IdentityAuthenticated
}

// IsManaged reports whether the identity is the managed variant.
func (i *Identity) IsManaged() bool {
	return i != nil && i.Kind == IdentityManaged
}

// IdentityQuery reads and writes identity records.
type IdentityQuery struct {
	*dbutil.QueryHelper[*Identity]
}

const (
	identityColumns          = "hub_id, kind, service_id, display_name, auth_token"
	getIdentityByHubIDQuery  = "SELECT " + identityColumns + " FROM identity WHERE hub_id=$1"
	getIdentityByServiceID   = "SELECT " + identityColumns + " FROM identity WHERE service_id=$1"
	getAuthenticatedQuery    = "SELECT " + identityColumns + " FROM identity WHERE kind='authenticated' ORDER BY hub_id"
	insertIdentityQuery      = "INSERT INTO identity (" + identityColumns + ") VALUES ($1, $2, $3, $4, $5)"
	setIdentityServiceIDQ    = "UPDATE identity SET service_id=$2 WHERE hub_id=$1"
	setIdentityDisplayNameQ  = "UPDATE identity SET display_name=$2 WHERE hub_id=$1"
	getRoomMemberIdentitiesQ = `
		SELECT i.hub_id, i.kind, i.service_id, i.display_name, i.auth_token
		FROM room_member m JOIN identity i ON i.hub_id=m.hub_id
		WHERE m.hub_room_id=$1
		ORDER BY m.position
	`
)

func newIdentity(_ *dbutil.QueryHelper[*Identity]) *Identity {
	return &Identity{}
}

func (i *Identity) Scan(row dbutil.Scannable) (*Identity, error) {
	var serviceID sql.NullString
	err := row.Scan(&i.HubID, &i.Kind, &serviceID, &i.DisplayName, &i.AuthToken)
	if err != nil {
		return nil, err
	}
	i.ServiceID = serviceID.String
	return i, nil
}

func (i *Identity) sqlVariables() []any {
	return []any{i.HubID, i.Kind, nullString(i.ServiceID), i.DisplayName, i.AuthToken}
}

// GetByHubID returns the identity with the given hub id, or nil.
func (iq *IdentityQuery) GetByHubID(ctx context.Context, hubID id.UserID) (*Identity, error) {
	if hubID == "" {
		return nil, ErrMissingKey
	}
	return iq.QueryOne(ctx, getIdentityByHubIDQuery, hubID)
}

// GetByServiceID returns the identity linked to the given service id, or nil.
// More than one match is reported as ErrAmbiguousLookup rather than picking one.
func (iq *IdentityQuery) GetByServiceID(ctx context.Context, serviceID string) (*Identity, error) {
	if serviceID == "" {
		return nil, ErrMissingKey
	}
	matches, err := iq.QueryMany(ctx, getIdentityByServiceID, serviceID)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %d identities with service id %q", ErrAmbiguousLookup, len(matches), serviceID)
	}
}

// GetAllAuthenticated returns every authenticated identity.
func (iq *IdentityQuery) GetAllAuthenticated(ctx context.Context) ([]*Identity, error) {
	return iq.QueryMany(ctx, getAuthenticatedQuery)
}

// CreateAuthenticated inserts a new authenticated identity. serviceID and
// displayName may be empty.
func (iq *IdentityQuery) CreateAuthenticated(ctx context.Context, hubID id.UserID, credential, serviceID, displayName string) (*Identity, error) {
	ident := &Identity{
		Kind:        IdentityAuthenticated,
		HubID:       hubID,
		ServiceID:   serviceID,
		DisplayName: displayName,
		AuthToken:   credential,
	}
	return ident, iq.insert(ctx, ident)
}

// CreateManaged inserts a new managed identity.
func (iq *IdentityQuery) CreateManaged(ctx context.Context, hubID id.UserID, serviceID, displayName string) (*Identity, error) {
	if serviceID == "" {
		return nil, fmt.Errorf("managed identity %s needs a service id", hubID)
	}
	ident := &Identity{
		Kind:        IdentityManaged,
		HubID:       hubID,
		ServiceID:   serviceID,
		DisplayName: displayName,
	}
	return ident, iq.insert(ctx, ident)
}

func (iq *IdentityQuery) insert(ctx context.Context, ident *Identity) error {
	if ident.HubID == "" {
		return ErrMissingKey
	}
	if err := iq.Exec(ctx, insertIdentityQuery, ident.sqlVariables()...); err != nil {
		return fmt.Errorf("failed to insert %s identity %s: %w", ident.Kind, ident.HubID, err)
	}
	return nil
}

// SetServiceID records the service id assigned to an identity after connecting.
func (iq *IdentityQuery) SetServiceID(ctx context.Context, hubID id.UserID, serviceID string) error {
	return iq.Exec(ctx, setIdentityServiceIDQ, hubID, nullString(serviceID))
}

// SetDisplayName updates the stored display name of an identity.
func (iq *IdentityQuery) SetDisplayName(ctx context.Context, hubID id.UserID, displayName string) error {
	return iq.Exec(ctx, setIdentityDisplayNameQ, hubID, displayName)
}

func (iq *IdentityQuery) getRoomMembers(ctx context.Context, roomID id.RoomID) ([]*Identity, error) {
	return iq.QueryMany(ctx, getRoomMemberIdentitiesQ, roomID)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
