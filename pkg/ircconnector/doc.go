// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ircconnector connects the bridge to an IRC network.
//
// Every authenticated identity gets its own IRC connection under its own
// nick. IRC users without a hub account are puppeted by managed identities
// that the connector creates on first sight.
//
// # Core Types
//
// [Connector] registers the connect hook and the hub hooks with a
// [bridge.Bridge] and relays traffic in both directions.
//
// An ircConnection is the connection handle returned to the supervisor. It
// reports the nick the server accepted as its service id.
//
// # Echo Prevention
//
// Lines sent by a connection come back to the other bridge connections in
// the same channel. They are dropped when the nick is the connection's own,
// when it starts with the configured ignore prefix, or when it belongs to an
// authenticated identity. Only the frontier connection of a room relays, so
// a channel shared by several identities is relayed once.
//
// # Sub-packages
//
//   - hubfmt converts Matrix HTML to IRC formatting codes.
//   - ircfmt converts IRC formatting codes to Matrix HTML.
package ircconnector
