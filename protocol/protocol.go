// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package protocol defines the capability interface the delivery service
// uses to drive a continuous-group-key-agreement protocol. The delivery
// service never constructs group secrets itself, it only asks an engine
// to process candidate commits and to accept the ones that pass policy.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/taubenpost/taubenpost/wire"
)

// ErrMalformedMessage is returned by Process when a message cannot be
// decoded at all or is not a commit. Anything else that goes wrong during
// processing is a validation failure of a well-formed message.
var ErrMalformedMessage = errors.New("protocol: malformed message")

// Credential is a member's opaque protocol-level credential.
type Credential []byte

// Equal compares two credentials byte-wise.
func (c Credential) Equal(other Credential) bool {
	return bytes.Equal(c, other)
}

// Member is one occupied leaf of the group's membership tree.
type Member struct {
	Index      wire.LeafIndex
	Credential Credential
}

// StagedCommit is a commit that has passed engine-level validation but has
// not yet been merged into the group state. It exposes exactly what the
// delivery service needs for its own policy checks.
type StagedCommit interface {
	// External reports whether the commit self-admits a new joiner rather
	// than being issued by a current member.
	External() bool

	// Sender returns the committer's leaf index. The second return value
	// is false for external commits, whose sender has no leaf yet.
	Sender() (wire.LeafIndex, bool)

	// JoinerCredential returns the credential the joiner will occupy its
	// new leaf with. It is nil for commits issued by current members.
	JoinerCredential() Credential

	// Adds returns the number of add proposals carried by the commit.
	Adds() int

	// Updates returns the number of update proposals carried by the
	// commit.
	Updates() int

	// Removed returns the leaf indices removed by the commit's remove
	// proposals.
	Removed() []wire.LeafIndex

	// AAD returns the authenticated additional data carried alongside
	// the commit.
	AAD() []byte

	// Payload returns the serialized message as received, suitable for
	// fanning out to the other members.
	Payload() []byte
}

// Group is the authoritative protocol state of one group.
//
// Process validates a candidate message without mutating anything. Accept
// merges a staged commit and is the sole mutation point; a Group on which
// Accept has not been called is byte-for-byte unchanged by any sequence of
// Process calls.
type Group interface {
	// GroupID returns the group's identifier.
	GroupID() wire.GroupID

	// Epoch returns the current membership epoch.
	Epoch() uint64

	// Members returns the currently occupied leaves in index order.
	Members() []Member

	// Leaf returns the credential at the given leaf index, if occupied.
	Leaf(index wire.LeafIndex) (Credential, bool)

	// Process validates a serialized message against the current state.
	// It returns ErrMalformedMessage for undecodable or non-commit input
	// and other errors for commits that fail validation.
	Process(message []byte) (StagedCommit, error)

	// Accept merges a staged commit previously returned by Process on
	// this group at the current epoch.
	Accept(staged StagedCommit) error

	// Marshal serializes the group state for storage.
	Marshal() ([]byte, error)
}

// Scheme constructs and restores groups for one protocol backend.
type Scheme interface {
	// Name returns the scheme's configuration name.
	Name() string

	// NewGroup creates a fresh group with the creator occupying leaf 0.
	NewGroup(id wire.GroupID, creator Credential) (Group, error)

	// UnmarshalGroup restores a group from its serialized state.
	UnmarshalGroup(blob []byte) (Group, error)
}

var (
	registry     = make(map[string]Scheme)
	registryLock sync.RWMutex
)

// Register makes a scheme available to ByName. Backends call this from
// their init.
func Register(s Scheme) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[strings.ToLower(s.Name())] = s
}

// ByName returns the registered scheme with the given name.
func ByName(name string) (Scheme, error) {
	registryLock.RLock()
	defer registryLock.RUnlock()
	s, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("protocol: no such scheme: %s", name)
	}
	return s, nil
}
