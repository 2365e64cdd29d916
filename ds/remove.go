// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"fmt"

	"github.com/taubenpost/taubenpost/protocol"
	"github.com/taubenpost/taubenpost/wire"
)

// removeClients removes member devices with a regular commit. The commit
// may target devices of any user; user profiles left without devices are
// deleted. The sender cannot remove itself, and its user authentication
// key is rotated as part of the operation.
func (s *GroupState) removeClients(params *wire.RemoveClientsParams) (*commitResult, error) {
	staged, err := s.processCommit(params.Commit)
	if err != nil {
		return nil, err
	}
	sender, err := s.memberSender(staged, params.Sender)
	if err != nil {
		return nil, err
	}
	removed, err := checkRemoveOnly(staged, sender)
	if err != nil {
		return nil, err
	}
	for _, leaf := range removed {
		if _, ok := s.clientProfiles[leaf]; !ok {
			return nil, fmt.Errorf("%w: no client profile for removed leaf %d", ErrLibrary, leaf)
		}
	}
	senderHash, senderProfile, ok := s.ownerOf(sender)
	if !ok {
		return nil, fmt.Errorf("%w: no user profile for sender leaf %d", ErrLibrary, sender)
	}

	if len(params.NewAuthKey) == 0 {
		return nil, fmt.Errorf("%w: client removal requires a new user auth key", ErrInvalidMessage)
	}
	newHash := params.NewAuthKey.Hash()
	if newHash != senderHash {
		if _, exists := s.userProfiles[newHash]; exists {
			return nil, fmt.Errorf("%w: %v", ErrUserAuthKeyCollision, newHash)
		}
	}

	if err = s.group.Accept(staged); err != nil {
		return nil, fmt.Errorf("%w: accept: %v", ErrLibrary, err)
	}
	s.removeLeaves(removed)
	delete(s.userProfiles, senderHash)
	senderProfile.UserAuthKey = params.NewAuthKey
	s.userProfiles[newHash] = senderProfile

	// Removed devices are not notified; the commit goes to everyone left,
	// the sender included.
	return &commitResult{
		payload:    staged.Payload(),
		recipients: s.queueReferences(),
		epoch:      s.group.Epoch(),
	}, nil
}

// removeUsers removes entire users with a regular commit. For every user a
// removed leaf belongs to, the commit must remove all of that user's
// leaves; partial removals are rejected with nothing changed.
func (s *GroupState) removeUsers(params *wire.RemoveUsersParams) (*commitResult, error) {
	staged, err := s.processCommit(params.Commit)
	if err != nil {
		return nil, err
	}
	sender, err := s.memberSender(staged, params.Sender)
	if err != nil {
		return nil, err
	}
	removed, err := checkRemoveOnly(staged, sender)
	if err != nil {
		return nil, err
	}

	removedSet := make(map[wire.LeafIndex]bool, len(removed))
	for _, leaf := range removed {
		removedSet[leaf] = true
	}
	targets := make(map[wire.UserKeyHash]*UserProfile)
	for _, leaf := range removed {
		hash, profile, ok := s.ownerOf(leaf)
		if !ok {
			return nil, fmt.Errorf("%w: no user profile for removed leaf %d", ErrLibrary, leaf)
		}
		targets[hash] = profile
	}
	for hash, profile := range targets {
		for _, leaf := range profile.Clients {
			if !removedSet[leaf] {
				return nil, fmt.Errorf("%w: user %v keeps leaf %d", ErrIncompleteRemoval, hash, leaf)
			}
		}
	}

	if err = s.group.Accept(staged); err != nil {
		return nil, fmt.Errorf("%w: accept: %v", ErrLibrary, err)
	}
	s.removeLeaves(removed)

	return &commitResult{
		payload:    staged.Payload(),
		recipients: s.queueReferences(),
		epoch:      s.group.Epoch(),
	}, nil
}

// deleteGroup validates a dissolution commit: a regular commit removing
// every member other than the sender. The caller deletes the stored state
// after fanning the commit out to the members being dissolved.
func (s *GroupState) deleteGroup(params *wire.DeleteGroupParams) (*commitResult, error) {
	staged, err := s.processCommit(params.Commit)
	if err != nil {
		return nil, err
	}
	sender, err := s.memberSender(staged, params.Sender)
	if err != nil {
		return nil, err
	}
	if staged.Adds() != 0 || staged.Updates() != 0 {
		return nil, fmt.Errorf("%w: dissolution commit must carry only remove proposals", ErrInvalidMessage)
	}
	removedSet := make(map[wire.LeafIndex]bool, len(staged.Removed()))
	for _, leaf := range staged.Removed() {
		if leaf == sender {
			return nil, fmt.Errorf("%w: dissolution commit removes its own sender", ErrInvalidMessage)
		}
		removedSet[leaf] = true
	}
	for _, m := range s.group.Members() {
		if m.Index != sender && !removedSet[m.Index] {
			return nil, fmt.Errorf("%w: dissolution commit keeps leaf %d", ErrInvalidMessage, m.Index)
		}
	}

	recipients := s.queueReferencesExcept(sender)
	if err = s.group.Accept(staged); err != nil {
		return nil, fmt.Errorf("%w: accept: %v", ErrLibrary, err)
	}
	return &commitResult{
		payload:    staged.Payload(),
		recipients: recipients,
		epoch:      s.group.Epoch(),
	}, nil
}

// checkRemoveOnly checks the proposal shape shared by the removal
// operations: at least one remove, nothing else, and the sender not among
// the removed.
func checkRemoveOnly(staged protocol.StagedCommit, sender wire.LeafIndex) ([]wire.LeafIndex, error) {
	if staged.Adds() != 0 || staged.Updates() != 0 {
		return nil, fmt.Errorf("%w: removal commit must carry only remove proposals", ErrInvalidMessage)
	}
	removed := staged.Removed()
	if len(removed) == 0 {
		return nil, fmt.Errorf("%w: removal commit removes nothing", ErrInvalidMessage)
	}
	for _, leaf := range removed {
		if leaf == sender {
			return nil, fmt.Errorf("%w: removal commit removes its own sender", ErrInvalidMessage)
		}
	}
	return removed, nil
}
