// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire defines the identifier and message types shared by the
// delivery service, the queue service, and their storage backends. All
// serialization is CBOR.
package wire

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/katzenpost/hpqc/hash"
)

const (
	// GroupIDLength is the length of a group identifier in bytes.
	GroupIDLength = 16

	// ClientIDLength is the length of a queue owning client's identifier
	// in bytes.
	ClientIDLength = 16

	// UserKeyHashLength is the length of a hashed user authentication key
	// in bytes.
	UserKeyHashLength = hash.HashSize
)

// GroupID identifies one secure group.
type GroupID [GroupIDLength]byte

// NewGroupID generates a fresh random group identifier.
func NewGroupID() GroupID {
	return GroupID(uuid.New())
}

// ParseGroupID parses the canonical string form of a GroupID.
func ParseGroupID(s string) (GroupID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GroupID{}, fmt.Errorf("wire: malformed group id: %v", err)
	}
	return GroupID(u), nil
}

func (g GroupID) String() string {
	return uuid.UUID(g).String()
}

// Bytes returns the identifier as a byte slice suitable for storage keys.
func (g GroupID) Bytes() []byte {
	return g[:]
}

// MarshalCBOR encodes the identifier as a CBOR byte string.
func (g GroupID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(g[:])
}

// UnmarshalCBOR decodes the identifier from a CBOR byte string.
func (g *GroupID) UnmarshalCBOR(b []byte) error {
	return unmarshalIDBytes(b, g[:], "group id")
}

// ClientID identifies one device and, equivalently, its delivery queue.
// There is exactly one queue per client.
type ClientID [ClientIDLength]byte

// NewClientID generates a fresh random client identifier.
func NewClientID() ClientID {
	return ClientID(uuid.New())
}

// ParseClientID parses the canonical string form of a ClientID.
func ParseClientID(s string) (ClientID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ClientID{}, fmt.Errorf("wire: malformed client id: %v", err)
	}
	return ClientID(u), nil
}

func (c ClientID) String() string {
	return uuid.UUID(c).String()
}

// Bytes returns the identifier as a byte slice suitable for storage keys.
func (c ClientID) Bytes() []byte {
	return c[:]
}

// MarshalCBOR encodes the identifier as a CBOR byte string.
func (c ClientID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(c[:])
}

// UnmarshalCBOR decodes the identifier from a CBOR byte string.
func (c *ClientID) UnmarshalCBOR(b []byte) error {
	return unmarshalIDBytes(b, c[:], "client id")
}

// LeafIndex identifies one member device within a group's membership tree.
// Indices are dense and assigned by the protocol engine.
type LeafIndex uint32

// UserAuthKey is the serialized verifying key that authenticates all
// operations of one user within a group. The delivery service treats it
// as opaque key material and only ever hashes or compares it.
type UserAuthKey []byte

// Hash returns the user key hash that indexes the user's profile.
func (k UserAuthKey) Hash() UserKeyHash {
	return UserKeyHash(hash.Sum256(k))
}

// Equal reports whether two keys are the same key material.
func (k UserAuthKey) Equal(other UserAuthKey) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// UserKeyHash is the hash of a UserAuthKey, used as the user profile index
// within a group.
type UserKeyHash [UserKeyHashLength]byte

func (h UserKeyHash) String() string {
	return hex.EncodeToString(h[:6])
}

// MarshalCBOR encodes the hash as a CBOR byte string.
func (h UserKeyHash) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(h[:])
}

// UnmarshalCBOR decodes the hash from a CBOR byte string.
func (h *UserKeyHash) UnmarshalCBOR(b []byte) error {
	return unmarshalIDBytes(b, h[:], "user key hash")
}

// SealedClientReference is a client's delivery queue capability as held by
// the delivery service: the client identifier encrypted to the queue
// service. The delivery service can route to it but never inspect it.
type SealedClientReference []byte

func unmarshalIDBytes(b []byte, dst []byte, what string) error {
	var raw []byte
	if err := cbor.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("wire: malformed %s: %v", what, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("wire: malformed %s: length %d, want %d", what, len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}
