// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package ircconnector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/appservice-bridge/pkg/bridge"
	"github.com/aiku/appservice-bridge/pkg/hubclient"
	"github.com/aiku/appservice-bridge/pkg/store"
)

const testServer = "home"

var (
	alice = id.UserID("@svc_alice:home")
	carol = id.UserID("@carol:home")
	bob   = id.UserID("@svc_bob:home")
)

// hubCall is one recorded call on fakeHub.
type hubCall struct {
	Op      string
	Actor   id.UserID
	Room    id.RoomID
	Target  id.UserID
	Content *event.MessageEventContent
	Text    string
}

// fakeHub is an in-memory bridge.HubAPI that records every call.
type fakeHub struct {
	mu    sync.Mutex
	calls []hubCall
	rooms int
}

var _ bridge.HubAPI = (*fakeHub)(nil)

func (f *fakeHub) record(call hubCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeHub) Calls(op string) []hubCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []hubCall
	for _, call := range f.calls {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

func (f *fakeHub) BotID() id.UserID   { return id.NewUserID("ircbot", testServer) }
func (f *fakeHub) ServerName() string { return testServer }

func (f *fakeHub) CreateRoom(_ context.Context, actor id.UserID, req hubclient.CreateRoomRequest) (id.RoomID, error) {
	f.record(hubCall{Op: "CreateRoom", Actor: actor, Text: req.AliasLocalpart})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms++
	return id.RoomID(fmt.Sprintf("!room%d:%s", f.rooms, testServer)), nil
}

func (f *fakeHub) Register(_ context.Context, localpart string) error {
	f.record(hubCall{Op: "Register", Text: localpart})
	return nil
}

func (f *fakeHub) Invite(_ context.Context, actor id.UserID, roomID id.RoomID, userID id.UserID) error {
	f.record(hubCall{Op: "Invite", Actor: actor, Room: roomID, Target: userID})
	return nil
}

func (f *fakeHub) Join(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	f.record(hubCall{Op: "Join", Actor: userID, Room: roomID})
	return nil
}

func (f *fakeHub) Leave(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	f.record(hubCall{Op: "Leave", Actor: userID, Room: roomID})
	return nil
}

func (f *fakeHub) SendMessage(_ context.Context, sender id.UserID, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	f.record(hubCall{Op: "SendMessage", Actor: sender, Room: roomID, Content: content})
	return id.EventID(fmt.Sprintf("$evt%d", len(f.Calls("SendMessage")))), nil
}

func (f *fakeHub) SendNotice(_ context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	f.record(hubCall{Op: "SendNotice", Room: roomID, Text: text})
	return "$notice", nil
}

func (f *fakeHub) SetDisplayName(_ context.Context, userID id.UserID, name string) error {
	f.record(hubCall{Op: "SetDisplayName", Actor: userID, Text: name})
	return nil
}

func (f *fakeHub) GetAvatarURL(context.Context, id.UserID) (id.ContentURI, error) {
	return id.ContentURI{}, nil
}

func (f *fakeHub) SetAvatarURL(context.Context, id.UserID, id.ContentURI) error { return nil }

func (f *fakeHub) GetRoomAvatar(context.Context, id.RoomID) (id.ContentURI, error) {
	return id.ContentURI{}, nil
}

func (f *fakeHub) SetRoomAvatar(context.Context, id.UserID, id.RoomID, id.ContentURI) error {
	return nil
}

func (f *fakeHub) Upload(context.Context, id.UserID, []byte, string) (id.ContentURI, error) {
	return id.ContentURI{}, errors.New("uploads are not supported by fakeHub")
}

func (f *fakeHub) FetchMedia(context.Context, string) ([]byte, string, error) {
	return nil, "", errors.New("media is not supported by fakeHub")
}

// fakeSession is an in-memory ircSession.
type fakeSession struct {
	mu       sync.Mutex
	nick     string
	joins    []string
	parts    []string
	messages []string
	quits    atomic.Int32
}

var _ ircSession = (*fakeSession)(nil)

func (s *fakeSession) Join(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins = append(s.joins, channel)
	return nil
}

func (s *fakeSession) Part(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts = append(s.parts, channel)
	return nil
}

func (s *fakeSession) Privmsg(target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, target+" "+text)
	return nil
}

func (s *fakeSession) CurrentNick() string { return s.nick }
func (s *fakeSession) Quit()               { s.quits.Add(1) }

func (s *fakeSession) Joins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.joins...)
}

func (s *fakeSession) Parts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.parts...)
}

func (s *fakeSession) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

// fakeNetwork replaces dialIRC. Every dial registers immediately.
type fakeNetwork struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	sinks    map[string]eventSink
	params   []sessionParams
	fail     error
}

func (n *fakeNetwork) dial(_ context.Context, params sessionParams, sink eventSink) (ircSession, error) {
	n.mu.Lock()
	n.params = append(n.params, params)
	if n.fail != nil {
		n.mu.Unlock()
		return nil, n.fail
	}
	sess := &fakeSession{nick: params.Nick}
	n.sessions[strings.ToLower(params.Nick)] = sess
	n.sinks[strings.ToLower(params.Nick)] = sink
	n.mu.Unlock()

	sink.attach(sess)
	sink.handleRegistered()
	return sess, nil
}

func (n *fakeNetwork) session(t *testing.T, nick string) *fakeSession {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	sess, ok := n.sessions[strings.ToLower(nick)]
	if !ok {
		t.Fatalf("no session for %s", nick)
	}
	return sess
}

func (n *fakeNetwork) sink(t *testing.T, nick string) eventSink {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	sink, ok := n.sinks[strings.ToLower(nick)]
	if !ok {
		t.Fatalf("no sink for %s", nick)
	}
	return sink
}

var testDBCounter atomic.Int64

type testEnv struct {
	br  *bridge.Bridge
	hub *fakeHub
	net *fakeNetwork
	c   *Connector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &bridge.Config{
		Homeserver: bridge.HomeserverConfig{Address: "http://localhost:8008", Domain: testServer},
		AppService: bridge.AppServiceConfig{HSToken: "hs-secret", ASToken: "as-secret", BotLocalpart: "ircbot"},
		Bridge:     bridge.BridgeConfig{DisplaynameTemplate: "{{.Nick}} (IRC)"},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	uri := fmt.Sprintf("file:irctest%d?mode=memory&cache=shared&_foreign_keys=on", testDBCounter.Add(1))
	db, err := store.Open("sqlite3", uri, 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err = db.Upgrade(context.Background()); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	hub := &fakeHub{}
	br := bridge.New(cfg, db, hub, zerolog.Nop())

	ircCfg := &Config{Server: "irc.test:6667", Channels: []string{"#general"}, IgnoreNickPrefix: "mx_"}
	if err = ircCfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	network := &fakeNetwork{sessions: make(map[string]*fakeSession), sinks: make(map[string]eventSink)}
	c := New(br, ircCfg)
	c.dial = network.dial
	if err = c.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return &testEnv{br: br, hub: hub, net: network, c: c}
}

// connect stores an authenticated identity and waits for its connection.
func (env *testEnv) connect(t *testing.T, hubID id.UserID, serviceID string) *store.Identity {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ident, err := env.br.CreateAuthenticatedIdentity(ctx, hubID, "token-"+serviceID, serviceID, "")
	if err != nil {
		t.Fatalf("CreateAuthenticatedIdentity(%s): %v", hubID, err)
	}
	if _, err = env.br.Supervisor.Connect(ctx, ident).Wait(ctx); err != nil {
		t.Fatalf("connect %s: %v", hubID, err)
	}
	t.Cleanup(func() { env.br.Supervisor.Shutdown(context.Background()) })
	return ident
}

func (env *testEnv) linkedRoom(t *testing.T, channel string) *store.Room {
	t.Helper()
	room, err := env.br.Store.Room.GetLinkedByServiceRoomID(context.Background(), channel)
	if err != nil || room == nil {
		t.Fatalf("GetLinkedByServiceRoomID(%s): room=%v err=%v", channel, room, err)
	}
	return room
}
