// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge is the state engine of a Matrix appservice bridge to a
// service network such as IRC.
//
// A [Bridge] links hub (Matrix) users and rooms to their service
// counterparts, routes hub transactions to registered hooks, and relays
// service traffic into the hub. Service connectors build on it by
// registering hooks before [Bridge.Start] and calling the relay methods on
// inbound traffic.
//
// # Core Types
//
// [Bridge] is the façade used by connectors and bootstrap code. It owns
// the other components and is constructed once per process.
//
// [Supervisor] owns one live service connection per authenticated identity.
// Connections are opened concurrently at startup by the registered connect
// hook and closed on shutdown.
//
// [FrontierRouter] elects, per linked room, the authenticated member whose
// connection is authoritative for inbound service messages. Relays received
// through any other member's connection are dropped.
//
// [Dispatcher] consumes hub transactions. Events are handled in order; a
// failing event is logged and never aborts the rest of the batch, and a
// transaction id that was already processed is acknowledged without
// processing it again.
//
// # Echo Prevention
//
// Hub events sent by the bridge bot or by managed identities are the
// bridge's own relays and are never handed to hooks.
package bridge
