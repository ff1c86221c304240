// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"

	"github.com/aiku/appservice-bridge/pkg/store"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Connection is a live service connection returned by a connect hook. It may
// implement io.Closer and ServiceIdentifier.
type Connection any

// ServiceIdentifier is implemented by connections that learn their service
// id only after connecting.
type ServiceIdentifier interface {
	ServiceID() string
}

// ConnectFunc opens a service connection for an authenticated identity.
type ConnectFunc func(ctx context.Context, br *Bridge, ident *store.Identity) (Connection, error)

// SyncConnectFunc is a connect hook for connectors whose dial does not block.
type SyncConnectFunc func(br *Bridge, ident *store.Identity) (Connection, error)

// HubMessage is a message sent by an authenticated identity into a linked room.
type HubMessage struct {
	EventID id.EventID
	Room    *store.Room
	Sender  *store.Identity
	Content *event.MessageEventContent
}

type (
	HubMessageFunc    func(ctx context.Context, br *Bridge, msg *HubMessage) error
	HubMembershipFunc func(ctx context.Context, br *Bridge, room *store.Room, ident *store.Identity) error
	HubTypingFunc     func(ctx context.Context, br *Bridge, room *store.Room, typing []*store.Identity) error
)

// Registry holds the hooks a connector registers before the bridge starts.
// Registration after Start fails with ErrAlreadyStarted.
type Registry struct {
	lock   sync.RWMutex
	frozen bool

	connect ConnectFunc
	message []HubMessageFunc
	join    []HubMembershipFunc
	part    []HubMembershipFunc
	typing  []HubTypingFunc
}

// RegisterConnect sets the connect hook. Only one connect hook, sync or not,
// may be registered.
func (r *Registry) RegisterConnect(fn ConnectFunc) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.frozen {
		return ErrAlreadyStarted
	}
	if r.connect != nil {
		return ErrConnectHookConflict
	}
	r.connect = fn
	return nil
}

// RegisterSyncConnect sets a non-blocking connect hook. It is adapted here
// into an ordinary ConnectFunc.
func (r *Registry) RegisterSyncConnect(fn SyncConnectFunc) error {
	return r.RegisterConnect(func(_ context.Context, br *Bridge, ident *store.Identity) (Connection, error) {
		return fn(br, ident)
	})
}

func (r *Registry) OnHubMessage(fn HubMessageFunc) error {
	return r.add(func() { r.message = append(r.message, fn) })
}

func (r *Registry) OnHubJoin(fn HubMembershipFunc) error {
	return r.add(func() { r.join = append(r.join, fn) })
}

func (r *Registry) OnHubPart(fn HubMembershipFunc) error {
	return r.add(func() { r.part = append(r.part, fn) })
}

func (r *Registry) OnHubTyping(fn HubTypingFunc) error {
	return r.add(func() { r.typing = append(r.typing, fn) })
}

func (r *Registry) add(fn func()) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.frozen {
		return ErrAlreadyStarted
	}
	fn()
	return nil
}

func (r *Registry) freeze() {
	r.lock.Lock()
	r.frozen = true
	r.lock.Unlock()
}

func (r *Registry) connectHook() ConnectFunc {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.connect
}

func (r *Registry) messageHooks() []HubMessageFunc {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.message
}

func (r *Registry) joinHooks() []HubMembershipFunc {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.join
}

func (r *Registry) partHooks() []HubMembershipFunc {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.part
}

func (r *Registry) typingHooks() []HubTypingFunc {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.typing
}
