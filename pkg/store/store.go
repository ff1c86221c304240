// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists the identities and rooms known to the bridge and
// the membership relation between them.
//
// Identities and rooms are tagged unions: the kind column selects the
// variant ([IdentityAuthenticated] or [IdentityManaged], [RoomAdmin] or
// [RoomLinked]) and the variant-specific columns are only meaningful for
// their own kind. Multi-step changes that must commit together run inside
// [Store.DoTxn]; every query helper picks the transaction up from the
// context.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/appservice-bridge/pkg/store/upgrades"
)

var (
	// ErrAmbiguousLookup is returned when a lookup key resolves to more than
	// one record. It always indicates a programming or data error.
	ErrAmbiguousLookup = errors.New("lookup key matched more than one record")
	// ErrMissingKey is returned when a lookup is attempted with an empty key.
	ErrMissingKey = errors.New("lookup key is empty")
	// ErrWrongKind is returned when an operation is applied to the wrong
	// variant of a record, e.g. electing a managed identity as frontier.
	ErrWrongKind = errors.New("record is of the wrong kind for this operation")
)

// Store is the entity store of the bridge.
type Store struct {
	DB       *dbutil.Database
	Identity *IdentityQuery
	Room     *RoomQuery
}

// New wraps an open database. Call Upgrade before using it.
func New(db *dbutil.Database, log zerolog.Logger) *Store {
	db.UpgradeTable = upgrades.Table
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "store").Logger())
	identities := &IdentityQuery{
		QueryHelper: dbutil.MakeQueryHelper(db, newIdentity),
	}
	return &Store{
		DB:       db,
		Identity: identities,
		Room: &RoomQuery{
			QueryHelper: dbutil.MakeQueryHelper(db, newRoom),
			db:          db,
			identities:  identities,
		},
	}
}

// Open connects to the database described by dialect and uri and wraps it.
func Open(dialect, uri string, maxOpenConns int, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(uri, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if maxOpenConns > 0 {
		db.RawDB.SetMaxOpenConns(maxOpenConns)
	}
	return New(db, log), nil
}

// Upgrade creates or migrates the schema.
func (s *Store) Upgrade(ctx context.Context) error {
	if err := s.DB.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}
	return nil
}

// DoTxn runs fn in a transaction. Store calls made with the context passed
// to fn join the transaction.
func (s *Store) DoTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.DB.DoTxn(ctx, nil, fn)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}
