// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package memengine is a deterministic group-key-agreement engine. It
// tracks membership in a flat leaf array, authenticates messages with a
// MAC derived from the group identifier and performs the structural
// validation a full tree-based engine would: epoch freshness, sender
// membership and removal well-formedness. It carries no actual key
// schedule, which makes it suitable for single-server deployments and for
// exercising every delivery-service code path in tests.
package memengine

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"

	"github.com/taubenpost/taubenpost/protocol"
	"github.com/taubenpost/taubenpost/wire"
)

// SchemeName is the configuration name of this backend.
const SchemeName = "mem"

const (
	contentTypeApplication uint8 = 1
	contentTypeProposal    uint8 = 2
	contentTypeCommit      uint8 = 3
)

var (
	// ErrInvalidMAC is returned for messages whose integrity tag does not
	// verify under the group's key.
	ErrInvalidMAC = errors.New("memengine: invalid message authentication code")

	// ErrWrongGroup is returned for messages addressed to another group.
	ErrWrongGroup = errors.New("memengine: message is for a different group")

	// ErrWrongEpoch is returned for commits built against an epoch other
	// than the group's current one.
	ErrWrongEpoch = errors.New("memengine: commit epoch does not match group epoch")

	// ErrUnknownSender is returned when a commit's sender leaf is not an
	// occupied member of the group.
	ErrUnknownSender = errors.New("memengine: unknown sender")

	// ErrCredentialInUse is returned when an external join presents a
	// credential already occupying a leaf.
	ErrCredentialInUse = errors.New("memengine: credential already in use")

	// ErrInvalidRemoval is returned for remove proposals targeting blank
	// leaves, duplicate targets or the committer itself.
	ErrInvalidRemoval = errors.New("memengine: invalid removal")

	// ErrStaleCommit is returned by Accept when the staged commit no
	// longer matches the group's current epoch.
	ErrStaleCommit = errors.New("memengine: staged commit is stale")
)

var macKeyDomain = []byte("memengine integrity key")

type envelope struct {
	ContentType uint8  `cbor:"1,keyasint"`
	Body        []byte `cbor:"2,keyasint"`
	MAC         []byte `cbor:"3,keyasint"`
}

type commitBody struct {
	GroupID    wire.GroupID        `cbor:"1,keyasint"`
	Epoch      uint64              `cbor:"2,keyasint"`
	External   bool                `cbor:"3,keyasint,omitempty"`
	Sender     wire.LeafIndex      `cbor:"4,keyasint,omitempty"`
	Credential protocol.Credential `cbor:"5,keyasint,omitempty"`
	Removed    []wire.LeafIndex    `cbor:"6,keyasint,omitempty"`
	AAD        []byte              `cbor:"7,keyasint,omitempty"`
}

type groupState struct {
	ID     wire.GroupID          `cbor:"1,keyasint"`
	Epoch  uint64                `cbor:"2,keyasint"`
	Leaves []protocol.Credential `cbor:"3,keyasint"`
}

type group struct {
	id     wire.GroupID
	epoch  uint64
	leaves []protocol.Credential
}

type stagedCommit struct {
	body commitBody
	raw  []byte
}

func (s *stagedCommit) External() bool { return s.body.External }

func (s *stagedCommit) Sender() (wire.LeafIndex, bool) {
	if s.body.External {
		return 0, false
	}
	return s.body.Sender, true
}

func (s *stagedCommit) JoinerCredential() protocol.Credential {
	if !s.body.External {
		return nil
	}
	return s.body.Credential
}

// The commit format carries no add or update proposals; adds happen only
// via external joins and key material updates ride on the committer's
// path. Both counts are therefore always zero.
func (s *stagedCommit) Adds() int    { return 0 }
func (s *stagedCommit) Updates() int { return 0 }

func (s *stagedCommit) Removed() []wire.LeafIndex {
	return append([]wire.LeafIndex{}, s.body.Removed...)
}

func (s *stagedCommit) AAD() []byte     { return s.body.AAD }
func (s *stagedCommit) Payload() []byte { return s.raw }

type scheme struct{}

// Scheme returns the memengine protocol scheme.
func Scheme() protocol.Scheme { return scheme{} }

func (scheme) Name() string { return SchemeName }

func (scheme) NewGroup(id wire.GroupID, creator protocol.Credential) (protocol.Group, error) {
	if len(creator) == 0 {
		return nil, errors.New("memengine: empty creator credential")
	}
	return &group{
		id:     id,
		epoch:  0,
		leaves: []protocol.Credential{append(protocol.Credential{}, creator...)},
	}, nil
}

func (scheme) UnmarshalGroup(blob []byte) (protocol.Group, error) {
	var st groupState
	if err := cbor.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("memengine: malformed group state: %v", err)
	}
	return &group{
		id:     st.ID,
		epoch:  st.Epoch,
		leaves: st.Leaves,
	}, nil
}

func init() {
	protocol.Register(Scheme())
}

func (g *group) GroupID() wire.GroupID { return g.id }
func (g *group) Epoch() uint64         { return g.epoch }

func (g *group) Members() []protocol.Member {
	members := make([]protocol.Member, 0, len(g.leaves))
	for i, cred := range g.leaves {
		if cred == nil {
			continue
		}
		members = append(members, protocol.Member{
			Index:      wire.LeafIndex(i),
			Credential: cred,
		})
	}
	return members
}

func (g *group) Leaf(index wire.LeafIndex) (protocol.Credential, bool) {
	if int(index) >= len(g.leaves) || g.leaves[index] == nil {
		return nil, false
	}
	return g.leaves[index], true
}

func (g *group) Process(message []byte) (protocol.StagedCommit, error) {
	var env envelope
	if err := cbor.Unmarshal(message, &env); err != nil {
		return nil, protocol.ErrMalformedMessage
	}
	if env.ContentType != contentTypeCommit {
		return nil, protocol.ErrMalformedMessage
	}
	if !hmac.Equal(env.MAC, computeMAC(g.id, env.ContentType, env.Body)) {
		return nil, ErrInvalidMAC
	}
	var body commitBody
	if err := cbor.Unmarshal(env.Body, &body); err != nil {
		return nil, protocol.ErrMalformedMessage
	}
	if body.GroupID != g.id {
		return nil, ErrWrongGroup
	}
	if body.Epoch != g.epoch {
		return nil, ErrWrongEpoch
	}
	if body.External {
		if len(body.Credential) == 0 {
			return nil, protocol.ErrMalformedMessage
		}
		for _, cred := range g.leaves {
			if cred != nil && cred.Equal(body.Credential) {
				return nil, ErrCredentialInUse
			}
		}
	} else {
		if _, ok := g.Leaf(body.Sender); !ok {
			return nil, ErrUnknownSender
		}
	}
	seen := make(map[wire.LeafIndex]bool)
	for _, idx := range body.Removed {
		if _, ok := g.Leaf(idx); !ok {
			return nil, ErrInvalidRemoval
		}
		if seen[idx] {
			return nil, ErrInvalidRemoval
		}
		if !body.External && idx == body.Sender {
			return nil, ErrInvalidRemoval
		}
		seen[idx] = true
	}
	return &stagedCommit{body: body, raw: message}, nil
}

func (g *group) Accept(staged protocol.StagedCommit) error {
	sc, ok := staged.(*stagedCommit)
	if !ok {
		return errors.New("memengine: staged commit is from a different engine")
	}
	if sc.body.Epoch != g.epoch {
		return ErrStaleCommit
	}
	for _, idx := range sc.body.Removed {
		g.leaves[idx] = nil
	}
	if sc.body.External {
		g.leaves[g.lowestFreeLeaf()] = append(protocol.Credential{}, sc.body.Credential...)
	} else if len(sc.body.Credential) > 0 {
		g.leaves[sc.body.Sender] = append(protocol.Credential{}, sc.body.Credential...)
	}
	g.epoch++
	return nil
}

func (g *group) Marshal() ([]byte, error) {
	return cbor.Marshal(&groupState{
		ID:     g.id,
		Epoch:  g.epoch,
		Leaves: g.leaves,
	})
}

// lowestFreeLeaf returns the index of the first blank leaf, extending the
// tree by one if every leaf is occupied.
func (g *group) lowestFreeLeaf() wire.LeafIndex {
	for i, cred := range g.leaves {
		if cred == nil {
			return wire.LeafIndex(i)
		}
	}
	g.leaves = append(g.leaves, nil)
	return wire.LeafIndex(len(g.leaves) - 1)
}

func computeMAC(id wire.GroupID, contentType uint8, body []byte) []byte {
	key := hash.Sum256(append(append([]byte{}, macKeyDomain...), id.Bytes()...))
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte{contentType})
	mac.Write(body)
	return mac.Sum(nil)
}

func seal(contentType uint8, groupID wire.GroupID, body []byte) ([]byte, error) {
	return cbor.Marshal(&envelope{
		ContentType: contentType,
		Body:        body,
		MAC:         computeMAC(groupID, contentType, body),
	})
}

// BuildExternalJoin builds an external commit that admits the holder of
// the given credential to the group at the lowest free leaf.
func BuildExternalJoin(groupID wire.GroupID, epoch uint64, joiner protocol.Credential, aad []byte) ([]byte, error) {
	body, err := cbor.Marshal(&commitBody{
		GroupID:    groupID,
		Epoch:      epoch,
		External:   true,
		Credential: joiner,
		AAD:        aad,
	})
	if err != nil {
		return nil, err
	}
	return seal(contentTypeCommit, groupID, body)
}

// BuildRemove builds a member commit removing the given leaves.
func BuildRemove(groupID wire.GroupID, epoch uint64, sender wire.LeafIndex, removed []wire.LeafIndex, aad []byte) ([]byte, error) {
	body, err := cbor.Marshal(&commitBody{
		GroupID: groupID,
		Epoch:   epoch,
		Sender:  sender,
		Removed: removed,
		AAD:     aad,
	})
	if err != nil {
		return nil, err
	}
	return seal(contentTypeCommit, groupID, body)
}

// BuildUpdate builds a member commit that rotates the sender's key
// material. A non-nil newCredential additionally replaces the sender's
// credential.
func BuildUpdate(groupID wire.GroupID, epoch uint64, sender wire.LeafIndex, newCredential protocol.Credential, aad []byte) ([]byte, error) {
	body, err := cbor.Marshal(&commitBody{
		GroupID:    groupID,
		Epoch:      epoch,
		Sender:     sender,
		Credential: newCredential,
		AAD:        aad,
	})
	if err != nil {
		return nil, err
	}
	return seal(contentTypeCommit, groupID, body)
}

// BuildApplication builds an application message. The delivery service
// distributes these opaquely; feeding one to a commit operation exercises
// its rejection path.
func BuildApplication(groupID wire.GroupID, payload []byte) ([]byte, error) {
	return seal(contentTypeApplication, groupID, payload)
}
