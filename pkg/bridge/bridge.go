// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/aiku/appservice-bridge/pkg/hubclient"
	"github.com/aiku/appservice-bridge/pkg/store"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// HubAPI is the subset of the homeserver client the bridge uses. It is
// satisfied by *hubclient.Client and replaced by a fake in tests.
type HubAPI interface {
	BotID() id.UserID
	ServerName() string
	CreateRoom(ctx context.Context, actor id.UserID, req hubclient.CreateRoomRequest) (id.RoomID, error)
	Register(ctx context.Context, localpart string) error
	Invite(ctx context.Context, actor id.UserID, roomID id.RoomID, userID id.UserID) error
	Join(ctx context.Context, userID id.UserID, roomID id.RoomID) error
	Leave(ctx context.Context, userID id.UserID, roomID id.RoomID) error
	SendMessage(ctx context.Context, sender id.UserID, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	SendNotice(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)
	SetDisplayName(ctx context.Context, userID id.UserID, name string) error
	GetAvatarURL(ctx context.Context, userID id.UserID) (id.ContentURI, error)
	SetAvatarURL(ctx context.Context, userID id.UserID, uri id.ContentURI) error
	GetRoomAvatar(ctx context.Context, roomID id.RoomID) (id.ContentURI, error)
	SetRoomAvatar(ctx context.Context, actor id.UserID, roomID id.RoomID, uri id.ContentURI) error
	Upload(ctx context.Context, userID id.UserID, data []byte, contentType string) (id.ContentURI, error)
	FetchMedia(ctx context.Context, url string) ([]byte, string, error)
}

var _ HubAPI = (*hubclient.Client)(nil)

// Bridge ties the store, the homeserver client and the registered hooks
// together. It is created once per process.
type Bridge struct {
	Log    zerolog.Logger
	Config *Config
	Store  *store.Store
	Hub    HubAPI
	Hooks  *Registry

	Supervisor *Supervisor
	Frontier   *FrontierRouter
	Dispatcher *Dispatcher

	runLock sync.Mutex
	running bool
}

// New creates a bridge. cfg must already be post-processed.
func New(cfg *Config, db *store.Store, hub HubAPI, log zerolog.Logger) *Bridge {
	br := &Bridge{
		Log:    log,
		Config: cfg,
		Store:  db,
		Hub:    hub,
		Hooks:  &Registry{},
	}
	br.Supervisor = newSupervisor(br)
	br.Frontier = newFrontierRouter(db, log)
	br.Dispatcher = newDispatcher(br, cfg.AppService.TxnCacheSize)
	return br
}

// Start freezes the hook registry and connects every authenticated identity.
// Connects run in the background; Start does not wait for them.
func (br *Bridge) Start(ctx context.Context) error {
	br.runLock.Lock()
	defer br.runLock.Unlock()
	if br.running {
		return ErrAlreadyStarted
	}
	if br.Hooks.connectHook() == nil {
		return ErrNoConnectHook
	}
	br.Hooks.freeze()
	br.running = true
	br.updateBotProfile(ctx)
	if err := br.Supervisor.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start connections: %w", err)
	}
	br.Log.Info().Msg("Bridge started")
	return nil
}

// Stop waits for pending connects and closes every connection.
func (br *Bridge) Stop(ctx context.Context) {
	br.runLock.Lock()
	wasRunning := br.running
	br.running = false
	br.runLock.Unlock()
	if !wasRunning {
		return
	}
	br.Supervisor.Shutdown(ctx)
	br.Log.Info().Msg("Bridge stopped")
}

// IsRunning reports whether Start has been called and Stop has not.
func (br *Bridge) IsRunning() bool {
	br.runLock.Lock()
	defer br.runLock.Unlock()
	return br.running
}

// BotID returns the hub id of the bridge bot.
func (br *Bridge) BotID() id.UserID {
	return br.Hub.BotID()
}

func (br *Bridge) updateBotProfile(ctx context.Context) {
	name := br.Config.AppService.BotDisplayname
	if name == "" {
		return
	}
	if err := br.Hub.SetDisplayName(ctx, br.BotID(), name); err != nil {
		br.Log.Warn().Err(err).Msg("Failed to set bridge bot display name")
	}
}
