// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"testing"

	"maunium.net/go/mautrix/id"
)

// TestCreateLinkedRoom_Errors verifies that only known authenticated
// identities can link rooms.
func TestCreateLinkedRoom_Errors(t *testing.T) {
	t.Parallel()
	br, hub := newTestBridge(t)
	ctx := context.Background()

	if _, err := br.CreateLinkedRoom(ctx, alice, "#general", ""); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("unknown identity: err = %v, want ErrUnknownIdentity", err)
	}
	if _, err := br.CreateManagedIdentity(ctx, "bob", "", ""); err != nil {
		t.Fatalf("CreateManagedIdentity: %v", err)
	}
	if _, err := br.CreateLinkedRoom(ctx, bob, "#general", ""); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("managed identity: err = %v, want ErrNotAuthenticated", err)
	}
	if n := len(hub.Calls("CreateRoom")); n != 0 {
		t.Errorf("CreateRoom calls = %d, want 0", n)
	}
}

// TestCreateLinkedRoom_CreateFailure verifies that nothing is stored when the
// hub refuses to create the room.
func TestCreateLinkedRoom_CreateFailure(t *testing.T) {
	t.Parallel()
	br, hub := newTestBridge(t)
	ctx := context.Background()

	mustAuthenticated(t, br, alice, "alice")
	boom := errors.New("boom")
	hub.FailOn("CreateRoom", boom)
	if _, err := br.CreateLinkedRoom(ctx, alice, "#general", ""); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	room, err := br.Store.Room.GetAnyLinkedByServiceRoomID(ctx, "#general")
	if err != nil || room != nil {
		t.Errorf("stored room = %v, err = %v, want none", room, err)
	}
}

// TestCreateLinkedRoom_ReusesActiveRoom verifies that linking an already
// linked service room adds the caller instead of creating a second room.
func TestCreateLinkedRoom_ReusesActiveRoom(t *testing.T) {
	t.Parallel()
	br, hub := newTestBridge(t)

	mustAuthenticated(t, br, alice, "alice")
	mustAuthenticated(t, br, carol, "carol")
	first := mustLinkedRoom(t, br, alice, "#general")
	second := mustLinkedRoom(t, br, carol, "#general")

	if second.HubRoomID != first.HubRoomID {
		t.Errorf("second link room = %s, want %s", second.HubRoomID, first.HubRoomID)
	}
	if n := len(hub.Calls("CreateRoom")); n != 1 {
		t.Errorf("CreateRoom calls = %d, want 1", n)
	}
	if second.FrontierID != alice {
		t.Errorf("frontier = %s, want %s", second.FrontierID, alice)
	}
	if !second.HasMember(carol) {
		t.Error("carol is not a member of the reused room")
	}
}

// TestCreateLinkedRoom_ReactivatesInactiveRoom verifies that linking a
// service room whose hub room went inactive brings the same room back.
func TestCreateLinkedRoom_ReactivatesInactiveRoom(t *testing.T) {
	t.Parallel()
	br, hub := newTestBridge(t)
	ctx := context.Background()

	mustAuthenticated(t, br, alice, "alice")
	mustAuthenticated(t, br, carol, "carol")
	room := mustLinkedRoom(t, br, alice, "#general")
	if err := br.RemoveIdentityFromRoom(ctx, alice, room.HubRoomID); err != nil {
		t.Fatalf("RemoveIdentityFromRoom: %v", err)
	}
	if mustRoom(t, br, room.HubRoomID).Active {
		t.Fatal("room still active after last authenticated member left")
	}

	again := mustLinkedRoom(t, br, carol, "#general")
	if again.HubRoomID != room.HubRoomID {
		t.Errorf("reactivated room = %s, want %s", again.HubRoomID, room.HubRoomID)
	}
	if !again.Active || again.FrontierID != carol {
		t.Errorf("reactivated room active=%v frontier=%s, want active with %s", again.Active, again.FrontierID, carol)
	}
	if n := len(hub.Calls("CreateRoom")); n != 1 {
		t.Errorf("CreateRoom calls = %d, want 1", n)
	}
}

// TestCreateLinkedRoom_ExplicitAlias verifies that a caller-chosen alias is
// used instead of the template.
func TestCreateLinkedRoom_ExplicitAlias(t *testing.T) {
	t.Parallel()
	br, hub := newTestBridge(t)

	mustAuthenticated(t, br, alice, "alice")
	room, err := br.CreateLinkedRoom(context.Background(), alice, "#general", "#lobby:home")
	if err != nil {
		t.Fatalf("CreateLinkedRoom: %v", err)
	}
	if room.HubAlias != "#lobby:home" {
		t.Errorf("HubAlias = %s, want #lobby:home", room.HubAlias)
	}
	if creates := hub.Calls("CreateRoom"); len(creates) != 1 || creates[0].Text != "lobby" {
		t.Errorf("CreateRoom calls = %+v, want alias lobby", creates)
	}
}

// TestCreateManagedIdentity_Idempotent verifies that an existing identity is
// returned unchanged without registering again.
func TestCreateManagedIdentity_Idempotent(t *testing.T) {
	t.Parallel()
	br, hub := newTestBridge(t)
	ctx := context.Background()

	first, err := br.CreateManagedIdentity(ctx, "bob", "", "Bob")
	if err != nil {
		t.Fatalf("CreateManagedIdentity: %v", err)
	}
	second, err := br.CreateManagedIdentity(ctx, "bob", "@other:home", "Robert")
	if err != nil {
		t.Fatalf("CreateManagedIdentity again: %v", err)
	}
	if second.HubID != first.HubID || second.DisplayName != "Bob" {
		t.Errorf("second = %+v, want unchanged %+v", second, first)
	}
	if regs := hub.Calls("Register"); len(regs) != 1 || regs[0].Text != "svc_bob" {
		t.Errorf("Register calls = %+v, want one for svc_bob", regs)
	}
	if names := hub.Calls("SetDisplayName"); len(names) != 1 || names[0].Text != "Bob" {
		t.Errorf("SetDisplayName calls = %+v", names)
	}
}

// TestCreateManagedIdentity_RegisterFailure verifies that nothing is stored
// when registration fails.
func TestCreateManagedIdentity_RegisterFailure(t *testing.T) {
	t.Parallel()
	br, hub := newTestBridge(t)
	ctx := context.Background()

	hub.FailOn("Register", errors.New("exclusive namespace"))
	if _, err := br.CreateManagedIdentity(ctx, "bob", "", ""); err == nil {
		t.Fatal("expected an error")
	}
	if ident, err := br.Store.Identity.GetByServiceID(ctx, "bob"); err != nil || ident != nil {
		t.Errorf("stored identity = %v, err = %v, want none", ident, err)
	}
}

// TestCreateAuthenticatedIdentity verifies creation, the existing identity
// shortcut, and the rejection of managed identities.
func TestCreateAuthenticatedIdentity(t *testing.T) {
	t.Parallel()
	br, _ := newTestBridge(t)
	ctx := context.Background()

	if _, err := br.CreateAuthenticatedIdentity(ctx, alice, "", "alice", ""); err == nil {
		t.Error("empty credential: expected an error")
	}
	first := mustAuthenticated(t, br, alice, "alice")
	again, err := br.CreateAuthenticatedIdentity(ctx, alice, "other-token", "alice", "")
	if err != nil {
		t.Fatalf("CreateAuthenticatedIdentity again: %v", err)
	}
	if again.AuthToken != first.AuthToken {
		t.Errorf("token changed to %q", again.AuthToken)
	}
	if _, err = br.CreateManagedIdentity(ctx, "bob", "", ""); err != nil {
		t.Fatalf("CreateManagedIdentity: %v", err)
	}
	if _, err = br.CreateAuthenticatedIdentity(ctx, bob, "token", "bob", ""); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("managed hub id: err = %v, want ErrNotAuthenticated", err)
	}
}

// TestAddIdentityToRoom verifies hub calls per identity kind and that adding
// twice is a no-op.
func TestAddIdentityToRoom(t *testing.T) {
	t.Parallel()
	br, hub := newTestBridge(t)
	ctx := context.Background()

	mustAuthenticated(t, br, alice, "alice")
	mustAuthenticated(t, br, carol, "carol")
	room := mustLinkedRoom(t, br, alice, "#general")
	if _, err := br.CreateManagedIdentity(ctx, "bob", "", ""); err != nil {
		t.Fatalf("CreateManagedIdentity: %v", err)
	}

	for range 2 {
		if err := br.AddIdentityToRoom(ctx, bob, room.HubRoomID); err != nil {
			t.Fatalf("AddIdentityToRoom(bob): %v", err)
		}
		if err := br.AddIdentityToRoom(ctx, carol, room.HubRoomID); err != nil {
			t.Fatalf("AddIdentityToRoom(carol): %v", err)
		}
	}

	invited := map[id.UserID]int{}
	for _, call := range hub.Calls("Invite") {
		invited[call.Target]++
	}
	if invited[bob] != 1 || invited[carol] != 1 {
		t.Errorf("invites = %v, want one each for bob and carol", invited)
	}
	joins := hub.Calls("Join")
	if len(joins) != 1 || joins[0].Actor != bob {
		t.Errorf("Join calls = %+v, want one as %s", joins, bob)
	}
	got := mustRoom(t, br, room.HubRoomID)
	if len(got.Members) != 3 || got.FrontierID != alice {
		t.Errorf("members = %d frontier = %s, want 3 and %s", len(got.Members), got.FrontierID, alice)
	}

	if err := br.AddIdentityToRoom(ctx, "@ghost:home", room.HubRoomID); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("unknown identity: err = %v, want ErrUnknownIdentity", err)
	}
	if err := br.AddIdentityToRoom(ctx, bob, "!nope:home"); !errors.Is(err, ErrUnknownRoom) {
		t.Errorf("unknown room: err = %v, want ErrUnknownRoom", err)
	}
}

// TestRemoveIdentityFromRoom verifies that managed identities leave the hub
// room and that removing a non-member does nothing.
func TestRemoveIdentityFromRoom(t *testing.T) {
	t.Parallel()
	br, hub := newTestBridge(t)
	ctx := context.Background()

	mustAuthenticated(t, br, alice, "alice")
	room := mustLinkedRoom(t, br, alice, "#general")
	if _, err := br.CreateManagedIdentity(ctx, "bob", "", ""); err != nil {
		t.Fatalf("CreateManagedIdentity: %v", err)
	}
	if err := br.AddIdentityToRoom(ctx, bob, room.HubRoomID); err != nil {
		t.Fatalf("AddIdentityToRoom: %v", err)
	}
	for range 2 {
		if err := br.RemoveIdentityFromRoom(ctx, bob, room.HubRoomID); err != nil {
			t.Fatalf("RemoveIdentityFromRoom: %v", err)
		}
	}
	if leaves := hub.Calls("Leave"); len(leaves) != 1 || leaves[0].Actor != bob {
		t.Errorf("Leave calls = %+v, want one as %s", leaves, bob)
	}
	got := mustRoom(t, br, room.HubRoomID)
	if got.HasMember(bob) || !got.Active || got.FrontierID != alice {
		t.Errorf("room after bob left: %+v", got)
	}
}

// TestSetDisplayName verifies that unchanged names skip the hub call.
func TestSetDisplayName(t *testing.T) {
	t.Parallel()
	br, hub := newTestBridge(t)
	ctx := context.Background()

	if err := br.SetDisplayName(ctx, bob, "Bob"); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("unknown identity: err = %v, want ErrUnknownIdentity", err)
	}
	if _, err := br.CreateManagedIdentity(ctx, "bob", "", "Bob"); err != nil {
		t.Fatalf("CreateManagedIdentity: %v", err)
	}
	if err := br.SetDisplayName(ctx, bob, "Bob"); err != nil {
		t.Fatalf("SetDisplayName same: %v", err)
	}
	if err := br.SetDisplayName(ctx, bob, "Robert"); err != nil {
		t.Fatalf("SetDisplayName: %v", err)
	}
	if names := hub.Calls("SetDisplayName"); len(names) != 2 || names[1].Text != "Robert" {
		t.Errorf("SetDisplayName calls = %+v", names)
	}
	ident, err := br.Store.Identity.GetByHubID(ctx, bob)
	if err != nil || ident.DisplayName != "Robert" {
		t.Errorf("stored display name = %v, err = %v", ident, err)
	}
}

func TestMakeIDs(t *testing.T) {
	t.Parallel()
	br, _ := newTestBridge(t)
	if got := br.MakeHubUserID("Bob"); got != "@svc__bob:home" {
		t.Errorf("MakeHubUserID = %s", got)
	}
	if got := br.MakeRoomAlias("#general"); got != "#svc_general:home" {
		t.Errorf("MakeRoomAlias = %s", got)
	}
}

func TestAliasLocalpart(t *testing.T) {
	t.Parallel()
	tests := []struct {
		alias id.RoomAlias
		want  string
		ok    bool
	}{
		{"#general:home", "general", true},
		{"#a:b:8448", "a", true},
		{"general:home", "", false},
		{"#general", "", false},
		{"#:home", "", false},
	}
	for _, tt := range tests {
		got, ok := aliasLocalpart(tt.alias)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("aliasLocalpart(%q) = %q, %v; want %q, %v", tt.alias, got, ok, tt.want, tt.ok)
		}
	}
}
