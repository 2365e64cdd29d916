// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/taubenpost/taubenpost/crypto/ear"
	"github.com/taubenpost/taubenpost/protocol"
	"github.com/taubenpost/taubenpost/wire"
)

// ClientProfile is the delivery service's record of one member device.
type ClientProfile struct {
	// LeafIndex is the device's leaf in the group's membership tree.
	LeafIndex wire.LeafIndex `cbor:"1,keyasint"`

	// CredentialChain is the device's encrypted client credential chain,
	// handed to joiners so they can authenticate the leaf.
	CredentialChain []byte `cbor:"2,keyasint"`

	// QueueReference is the sealed reference to the device's delivery
	// queue.
	QueueReference wire.SealedClientReference `cbor:"3,keyasint"`

	// ActivityTime is the wall clock time of the device's last own
	// operation in this group.
	ActivityTime time.Time `cbor:"4,keyasint"`

	// ActivityEpoch is the group epoch at the device's last own
	// operation.
	ActivityEpoch uint64 `cbor:"5,keyasint"`
}

// UserProfile collects the leaves of one user's devices under the user's
// authentication key.
type UserProfile struct {
	// Clients are the leaf indices of the user's devices, ascending.
	Clients []wire.LeafIndex `cbor:"1,keyasint"`

	// UserAuthKey authenticates the user's operations in this group.
	UserAuthKey wire.UserAuthKey `cbor:"2,keyasint"`
}

// GroupState is one group's full delivery service state: the protocol
// engine's group plus the client and user registries. At every operation
// boundary each occupied leaf has exactly one client profile and appears
// in exactly one user profile, and a user profile is deleted the moment
// its last client leaves.
type GroupState struct {
	scheme         string
	group          protocol.Group
	clientProfiles map[wire.LeafIndex]*ClientProfile
	userProfiles   map[wire.UserKeyHash]*UserProfile
}

// groupStateDisk is the serialized form of a GroupState. The registries
// are stored as sorted slices; the user profile index is recomputed from
// the stored authentication keys on load.
type groupStateDisk struct {
	Scheme         string           `cbor:"1,keyasint"`
	Group          []byte           `cbor:"2,keyasint"`
	ClientProfiles []*ClientProfile `cbor:"3,keyasint"`
	UserProfiles   []*UserProfile   `cbor:"4,keyasint"`
}

func newGroupState(scheme string, group protocol.Group) *GroupState {
	return &GroupState{
		scheme:         scheme,
		group:          group,
		clientProfiles: make(map[wire.LeafIndex]*ClientProfile),
		userProfiles:   make(map[wire.UserKeyHash]*UserProfile),
	}
}

// ownerOf returns the user profile containing the given leaf.
func (s *GroupState) ownerOf(leaf wire.LeafIndex) (wire.UserKeyHash, *UserProfile, bool) {
	for hash, up := range s.userProfiles {
		for _, c := range up.Clients {
			if c == leaf {
				return hash, up, true
			}
		}
	}
	return wire.UserKeyHash{}, nil, false
}

// addClient records a device's profile and appends its leaf to the user
// profile at hash, which must already exist.
func (s *GroupState) addClient(hash wire.UserKeyHash, profile *ClientProfile) {
	s.clientProfiles[profile.LeafIndex] = profile
	up := s.userProfiles[hash]
	up.Clients = append(up.Clients, profile.LeafIndex)
	sort.Slice(up.Clients, func(i, j int) bool { return up.Clients[i] < up.Clients[j] })
}

// removeLeaves deletes the client profiles at the given leaves and pulls
// the leaves out of their user profiles. User profiles left without
// clients are deleted with them.
func (s *GroupState) removeLeaves(leaves []wire.LeafIndex) {
	removed := make(map[wire.LeafIndex]bool, len(leaves))
	for _, leaf := range leaves {
		removed[leaf] = true
		delete(s.clientProfiles, leaf)
	}
	for hash, up := range s.userProfiles {
		kept := up.Clients[:0]
		for _, c := range up.Clients {
			if !removed[c] {
				kept = append(kept, c)
			}
		}
		up.Clients = kept
		if len(up.Clients) == 0 {
			delete(s.userProfiles, hash)
		}
	}
}

// sortedLeaves returns the leaves holding a client profile in ascending
// order.
func (s *GroupState) sortedLeaves() []wire.LeafIndex {
	leaves := make([]wire.LeafIndex, 0, len(s.clientProfiles))
	for leaf := range s.clientProfiles {
		leaves = append(leaves, leaf)
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i] < leaves[j] })
	return leaves
}

// queueReferences returns the queue references of every client profile in
// leaf order.
func (s *GroupState) queueReferences() []wire.SealedClientReference {
	refs := make([]wire.SealedClientReference, 0, len(s.clientProfiles))
	for _, leaf := range s.sortedLeaves() {
		refs = append(refs, s.clientProfiles[leaf].QueueReference)
	}
	return refs
}

// queueReferencesExcept is queueReferences without the given leaf.
func (s *GroupState) queueReferencesExcept(skip wire.LeafIndex) []wire.SealedClientReference {
	refs := make([]wire.SealedClientReference, 0, len(s.clientProfiles))
	for _, leaf := range s.sortedLeaves() {
		if leaf == skip {
			continue
		}
		refs = append(refs, s.clientProfiles[leaf].QueueReference)
	}
	return refs
}

// seal serializes the state and encrypts it under the group state key,
// binding the ciphertext to the group identifier as additional data.
func (s *GroupState) seal(key *ear.GroupStateKey) (wire.Ciphertext, error) {
	blob, err := s.group.Marshal()
	if err != nil {
		return wire.Ciphertext{}, fmt.Errorf("%w: marshal group: %v", ErrLibrary, err)
	}
	disk := &groupStateDisk{
		Scheme:         s.scheme,
		Group:          blob,
		ClientProfiles: make([]*ClientProfile, 0, len(s.clientProfiles)),
		UserProfiles:   make([]*UserProfile, 0, len(s.userProfiles)),
	}
	for _, leaf := range s.sortedLeaves() {
		disk.ClientProfiles = append(disk.ClientProfiles, s.clientProfiles[leaf])
	}
	hashes := make([]wire.UserKeyHash, 0, len(s.userProfiles))
	for hash := range s.userProfiles {
		hashes = append(hashes, hash)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	for _, hash := range hashes {
		disk.UserProfiles = append(disk.UserProfiles, s.userProfiles[hash])
	}
	plaintext, err := cbor.Marshal(disk)
	if err != nil {
		return wire.Ciphertext{}, fmt.Errorf("%w: marshal state: %v", ErrLibrary, err)
	}
	ct, err := key.Seal(plaintext, s.group.GroupID().Bytes())
	if err != nil {
		return wire.Ciphertext{}, fmt.Errorf("%w: %v", ErrLibrary, err)
	}
	return ct, nil
}

// openGroupState decrypts and restores a stored group state. A key that
// does not open the ciphertext is a caller error; a ciphertext that opens
// but does not restore is stored state corruption.
func openGroupState(ct wire.Ciphertext, key *ear.GroupStateKey, id wire.GroupID) (*GroupState, error) {
	plaintext, err := key.Open(ct, id.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCouldNotDecrypt, err)
	}
	disk := new(groupStateDisk)
	if err = cbor.Unmarshal(plaintext, disk); err != nil {
		return nil, fmt.Errorf("%w: unmarshal state: %v", ErrLibrary, err)
	}
	scheme, err := protocol.ByName(disk.Scheme)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
	}
	group, err := scheme.UnmarshalGroup(disk.Group)
	if err != nil {
		return nil, fmt.Errorf("%w: unmarshal group: %v", ErrLibrary, err)
	}
	if group.GroupID() != id {
		return nil, fmt.Errorf("%w: state for group %v stored under %v", ErrLibrary, group.GroupID(), id)
	}
	s := newGroupState(disk.Scheme, group)
	for _, profile := range disk.ClientProfiles {
		if _, ok := s.clientProfiles[profile.LeafIndex]; ok {
			return nil, fmt.Errorf("%w: duplicate client profile for leaf %d", ErrLibrary, profile.LeafIndex)
		}
		s.clientProfiles[profile.LeafIndex] = profile
	}
	for _, up := range disk.UserProfiles {
		hash := up.UserAuthKey.Hash()
		if _, ok := s.userProfiles[hash]; ok {
			return nil, fmt.Errorf("%w: duplicate user profile %v", ErrLibrary, hash)
		}
		s.userProfiles[hash] = up
	}
	return s, nil
}
