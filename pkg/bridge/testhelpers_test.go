// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aiku/appservice-bridge/pkg/hubclient"
	"github.com/aiku/appservice-bridge/pkg/store"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const testServer = "home"

// hubCall is one recorded call on fakeHub.
type hubCall struct {
	Op      string
	Actor   id.UserID
	Room    id.RoomID
	Target  id.UserID
	Content *event.MessageEventContent
	Text    string
}

// fakeHub is an in-memory HubAPI that records every call.
type fakeHub struct {
	mu      sync.Mutex
	calls   []hubCall
	errs    map[string]error
	rooms   int
	avatars map[id.UserID]id.ContentURI
	roomAvs map[id.RoomID]id.ContentURI
	media   []byte
}

var _ HubAPI = (*fakeHub)(nil)

func newFakeHub() *fakeHub {
	return &fakeHub{
		errs:    make(map[string]error),
		avatars: make(map[id.UserID]id.ContentURI),
		roomAvs: make(map[id.RoomID]id.ContentURI),
		media:   []byte("\x89PNG\r\n\x1a\nimage"),
	}
}

// FailOn makes every following call to op return err.
func (f *fakeHub) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

func (f *fakeHub) record(call hubCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.errs[call.Op]
}

func (f *fakeHub) Calls(op string) []hubCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []hubCall
	for _, call := range f.calls {
		if op == "" || call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

func (f *fakeHub) BotID() id.UserID   { return id.NewUserID("ircbot", testServer) }
func (f *fakeHub) ServerName() string { return testServer }

func (f *fakeHub) CreateRoom(_ context.Context, actor id.UserID, req hubclient.CreateRoomRequest) (id.RoomID, error) {
	if err := f.record(hubCall{Op: "CreateRoom", Actor: actor, Text: req.AliasLocalpart}); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms++
	return id.RoomID(fmt.Sprintf("!room%d:%s", f.rooms, testServer)), nil
}

func (f *fakeHub) Register(_ context.Context, localpart string) error {
	return f.record(hubCall{Op: "Register", Text: localpart})
}

func (f *fakeHub) Invite(_ context.Context, actor id.UserID, roomID id.RoomID, userID id.UserID) error {
	return f.record(hubCall{Op: "Invite", Actor: actor, Room: roomID, Target: userID})
}

func (f *fakeHub) Join(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	return f.record(hubCall{Op: "Join", Actor: userID, Room: roomID})
}

func (f *fakeHub) Leave(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	return f.record(hubCall{Op: "Leave", Actor: userID, Room: roomID})
}

func (f *fakeHub) SendMessage(_ context.Context, sender id.UserID, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	if err := f.record(hubCall{Op: "SendMessage", Actor: sender, Room: roomID, Content: content}); err != nil {
		return "", err
	}
	return id.EventID(fmt.Sprintf("$evt%d", len(f.Calls("SendMessage")))), nil
}

func (f *fakeHub) SendNotice(_ context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	if err := f.record(hubCall{Op: "SendNotice", Room: roomID, Text: text}); err != nil {
		return "", err
	}
	return "$notice", nil
}

func (f *fakeHub) SetDisplayName(_ context.Context, userID id.UserID, name string) error {
	return f.record(hubCall{Op: "SetDisplayName", Actor: userID, Text: name})
}

func (f *fakeHub) GetAvatarURL(_ context.Context, userID id.UserID) (id.ContentURI, error) {
	if err := f.record(hubCall{Op: "GetAvatarURL", Actor: userID}); err != nil {
		return id.ContentURI{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avatars[userID], nil
}

func (f *fakeHub) SetAvatarURL(_ context.Context, userID id.UserID, uri id.ContentURI) error {
	if err := f.record(hubCall{Op: "SetAvatarURL", Actor: userID, Text: uri.String()}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avatars[userID] = uri
	return nil
}

func (f *fakeHub) GetRoomAvatar(_ context.Context, roomID id.RoomID) (id.ContentURI, error) {
	if err := f.record(hubCall{Op: "GetRoomAvatar", Room: roomID}); err != nil {
		return id.ContentURI{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roomAvs[roomID], nil
}

func (f *fakeHub) SetRoomAvatar(_ context.Context, actor id.UserID, roomID id.RoomID, uri id.ContentURI) error {
	if err := f.record(hubCall{Op: "SetRoomAvatar", Actor: actor, Room: roomID, Text: uri.String()}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomAvs[roomID] = uri
	return nil
}

func (f *fakeHub) Upload(_ context.Context, userID id.UserID, data []byte, contentType string) (id.ContentURI, error) {
	if err := f.record(hubCall{Op: "Upload", Actor: userID, Text: contentType}); err != nil {
		return id.ContentURI{}, err
	}
	return id.ContentURI{Homeserver: testServer, FileID: fmt.Sprintf("media%d", len(data))}, nil
}

func (f *fakeHub) FetchMedia(_ context.Context, url string) ([]byte, string, error) {
	if err := f.record(hubCall{Op: "FetchMedia", Text: url}); err != nil {
		return nil, "", err
	}
	return f.media, "image/png", nil
}

var testDBCounter atomic.Int64

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Homeserver: HomeserverConfig{Address: "http://localhost:8008", Domain: testServer},
		AppService: AppServiceConfig{HSToken: "hs-secret", ASToken: "as-secret", BotLocalpart: "ircbot"},
		Bridge: BridgeConfig{
			DisplaynameTemplate: "{{.Nick}}",
			AdminRoomCommands:   true,
		},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// newTestBridge returns a bridge backed by an in-memory store and a fakeHub.
func newTestBridge(t *testing.T) (*Bridge, *fakeHub) {
	t.Helper()
	uri := fmt.Sprintf("file:bridgetest%d?mode=memory&cache=shared&_foreign_keys=on", testDBCounter.Add(1))
	// One connection keeps background connects from racing the test on
	// SQLite table locks.
	db, err := store.Open("sqlite3", uri, 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err = db.Upgrade(context.Background()); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	hub := newFakeHub()
	return New(newTestConfig(t), db, hub, zerolog.Nop()), hub
}

func mustAuthenticated(t *testing.T, br *Bridge, hubID id.UserID, serviceID string) *store.Identity {
	t.Helper()
	ident, err := br.CreateAuthenticatedIdentity(context.Background(), hubID, "token-"+serviceID, serviceID, "")
	if err != nil {
		t.Fatalf("CreateAuthenticatedIdentity(%s): %v", hubID, err)
	}
	return ident
}

func mustLinkedRoom(t *testing.T, br *Bridge, authHubID id.UserID, serviceRoomID string) *store.Room {
	t.Helper()
	room, err := br.CreateLinkedRoom(context.Background(), authHubID, serviceRoomID, "")
	if err != nil {
		t.Fatalf("CreateLinkedRoom(%s): %v", serviceRoomID, err)
	}
	return room
}

func mustRoom(t *testing.T, br *Bridge, roomID id.RoomID) *store.Room {
	t.Helper()
	room, err := br.Store.Room.GetByHubRoomID(context.Background(), roomID)
	if err != nil || room == nil {
		t.Fatalf("GetByHubRoomID(%s): room=%v err=%v", roomID, room, err)
	}
	return room
}

// memberEvent builds an m.room.member event with raw content.
func memberEvent(roomID id.RoomID, sender, target id.UserID, membership event.Membership) *event.Event {
	stateKey := target.String()
	return &event.Event{
		Type:     event.StateMember,
		ID:       id.EventID("$member-" + stateKey + "-" + string(membership)),
		RoomID:   roomID,
		Sender:   sender,
		StateKey: &stateKey,
		Content: event.Content{
			VeryRaw: []byte(fmt.Sprintf(`{"membership":%q}`, membership)),
		},
	}
}

func messageEvent(roomID id.RoomID, sender id.UserID, body string) *event.Event {
	return &event.Event{
		Type:   event.EventMessage,
		ID:     id.EventID("$msg-" + body),
		RoomID: roomID,
		Sender: sender,
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
		},
	}
}

// stubConnection is a Connection that records Close calls.
type stubConnection struct {
	serviceID string
	closed    atomic.Bool
}

func (c *stubConnection) ServiceID() string { return c.serviceID }

func (c *stubConnection) Close() error {
	c.closed.Store(true)
	return nil
}
