// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package storage defines the durable storage interfaces consumed by the
// delivery and queue services. Implementations must make each call
// atomic: a failed call leaves the store exactly as it was.
package storage

import (
	"errors"
	"time"

	"github.com/taubenpost/taubenpost/wire"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned when creating a record whose key is
	// already in use.
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrSequenceMismatch is returned by Enqueue when the message's
	// sequence number does not continue the queue. It indicates a caller
	// that bypassed the queue's serialization.
	ErrSequenceMismatch = errors.New("storage: sequence number does not continue the queue")
)

// GroupLoadResult distinguishes the three states a group id can be in.
type GroupLoadResult uint8

const (
	// GroupNotFound means the id is neither reserved nor created.
	GroupNotFound GroupLoadResult = iota

	// GroupReserved means the id is reserved but no state has been
	// stored for it yet.
	GroupReserved

	// GroupFound means group state exists for the id.
	GroupFound
)

// StoredGroup is the persisted form of one group: an encrypted state blob
// the server cannot read without the members' key, plus the bookkeeping
// needed to expire idle groups.
type StoredGroup struct {
	GroupID    wire.GroupID    `cbor:"1,keyasint"`
	Ciphertext wire.Ciphertext `cbor:"2,keyasint"`
	LastUsed   time.Time       `cbor:"3,keyasint"`
}

// ClientRecord is the persisted form of one client's queue: the owner's
// serialized verifying key, the optional encrypted push token, and the
// serialized ratchet state that encrypts the queue's contents.
type ClientRecord struct {
	ClientID           wire.ClientID `cbor:"1,keyasint"`
	OwnerVerifyingKey  []byte        `cbor:"2,keyasint"`
	EncryptedPushToken []byte        `cbor:"3,keyasint,omitempty"`
	RatchetState       []byte        `cbor:"4,keyasint"`
	ActivityTime       time.Time     `cbor:"5,keyasint"`
}

// GroupStore persists group state with reservation semantics: a fresh
// group id is first reserved, then consumed by the first SaveGroup for it.
type GroupStore interface {
	// ReserveGroup reserves a fresh group id until expires. It returns
	// false if the id is already reserved or in use.
	ReserveGroup(id wire.GroupID, expires time.Time) (bool, error)

	// LoadGroup returns the stored group state for id, distinguishing
	// reserved-but-empty from nonexistent ids.
	LoadGroup(id wire.GroupID) (*StoredGroup, GroupLoadResult, error)

	// SaveGroup stores the group state, consuming any reservation for
	// its id.
	SaveGroup(group *StoredGroup) error

	// DeleteGroup removes the group state for id, if any.
	DeleteGroup(id wire.GroupID) error

	// SweepGroups removes reservations that expired before now and
	// groups last used before lastActiveBefore. It returns the number
	// of records removed.
	SweepGroups(now, lastActiveBefore time.Time) (int, error)
}

// QueueStore persists client records and their append-only message
// queues.
type QueueStore interface {
	// CreateClient stores a fresh client record with an empty queue.
	CreateClient(record *ClientRecord) error

	// LoadClient returns the client record for id.
	LoadClient(id wire.ClientID) (*ClientRecord, error)

	// UpdateClient overwrites an existing client record.
	UpdateClient(record *ClientRecord) error

	// DeleteClient removes the client record and its entire queue.
	DeleteClient(id wire.ClientID) error

	// Enqueue appends msg to the client's queue and stores the client's
	// new ratchet state in the same transaction. The message's sequence
	// number must continue the queue or ErrSequenceMismatch is returned
	// and nothing is written.
	Enqueue(id wire.ClientID, msg *wire.QueueMessage, ratchetState []byte) error

	// ReadAndDelete deletes every message with a sequence number
	// strictly below fromSequence, then returns and consumes up to
	// maxCount messages starting at fromSequence. The second return
	// value is the number of messages left in the queue after the call.
	// Reading is destructive: a repeated call with the same arguments
	// returns only messages enqueued in between.
	ReadAndDelete(id wire.ClientID, fromSequence, maxCount uint64) ([]*wire.QueueMessage, uint64, error)

	// QueueDepth returns the number of messages currently stored in the
	// client's queue without consuming any of them.
	QueueDepth(id wire.ClientID) (uint64, error)
}

// Store is the combined persistence interface the server wires up at
// startup.
type Store interface {
	GroupStore
	QueueStore

	// Close flushes and releases the underlying store.
	Close()
}
