// Copyright 2024-2026 Aiku AI

package bridge

import "errors"

var (
	ErrNoLinkedRoom        = errors.New("no active linked room for service room")
	ErrAmbiguousReceiver   = errors.New("room has several authenticated members and no receiving identity was given")
	ErrAmbiguousConnection = errors.New("several connections exist and no service id was given")
	ErrNotConnected        = errors.New("identity has no service connection")
	ErrConnectPending      = errors.New("connect still in progress")
	ErrNotMember           = errors.New("identity is not a member of the room")
	ErrNotAuthenticated    = errors.New("identity is not an authenticated identity")
	ErrUnknownIdentity     = errors.New("unknown identity")
	ErrUnknownRoom         = errors.New("unknown room")
	ErrConnectHookConflict = errors.New("a connect hook is already registered")
	ErrNoConnectHook       = errors.New("no connect hook registered")
	ErrAlreadyStarted      = errors.New("bridge already started")
)
