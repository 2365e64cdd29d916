// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/taubenpost/taubenpost/wire"
)

// updateClient refreshes the sender's own leaf with a regular commit
// carrying no proposals. If the commit replaces the leaf credential, the
// AAD must carry the matching encrypted credential chain; the user
// authentication key is rotated when a new one is supplied.
func (s *GroupState) updateClient(params *wire.UpdateClientParams, now time.Time) (*commitResult, error) {
	staged, err := s.processCommit(params.Commit)
	if err != nil {
		return nil, err
	}
	sender, err := s.memberSender(staged, params.Sender)
	if err != nil {
		return nil, err
	}
	if staged.Adds() != 0 || staged.Updates() != 0 || len(staged.Removed()) != 0 {
		return nil, fmt.Errorf("%w: update commit must carry no proposals", ErrInvalidMessage)
	}

	var aad wire.UpdateClientAAD
	if len(staged.AAD()) != 0 {
		if err = cbor.Unmarshal(staged.AAD(), &aad); err != nil {
			return nil, fmt.Errorf("%w: undecodable update AAD: %v", ErrInvalidMessage, err)
		}
	}

	senderHash, senderProfile, ok := s.ownerOf(sender)
	if !ok {
		return nil, fmt.Errorf("%w: no user profile for sender leaf %d", ErrLibrary, sender)
	}
	profile, ok := s.clientProfiles[sender]
	if !ok {
		return nil, fmt.Errorf("%w: no client profile for sender leaf %d", ErrLibrary, sender)
	}
	oldCredential, ok := s.group.Leaf(sender)
	if !ok {
		return nil, fmt.Errorf("%w: sender leaf %d unoccupied", ErrLibrary, sender)
	}

	newHash := senderHash
	if len(params.NewAuthKey) != 0 {
		newHash = params.NewAuthKey.Hash()
		if newHash != senderHash {
			if _, exists := s.userProfiles[newHash]; exists {
				return nil, fmt.Errorf("%w: %v", ErrUserAuthKeyCollision, newHash)
			}
		}
	}

	if err = s.group.Accept(staged); err != nil {
		return nil, fmt.Errorf("%w: accept: %v", ErrLibrary, err)
	}

	// A credential replacement only surfaces after the merge. An update
	// that changed the credential without supplying the new encrypted
	// chain is rejected here; the mutated state is never persisted.
	newCredential, ok := s.group.Leaf(sender)
	if !ok {
		return nil, fmt.Errorf("%w: sender leaf %d unoccupied after update", ErrLibrary, sender)
	}
	if !newCredential.Equal(oldCredential) && len(aad.EncryptedCredential) == 0 {
		return nil, fmt.Errorf("%w: credential update without encrypted credential", ErrInvalidMessage)
	}

	if len(aad.EncryptedCredential) != 0 {
		profile.CredentialChain = aad.EncryptedCredential
	}
	profile.ActivityTime = now
	profile.ActivityEpoch = s.group.Epoch()
	if len(params.NewAuthKey) != 0 {
		delete(s.userProfiles, senderHash)
		senderProfile.UserAuthKey = params.NewAuthKey
		s.userProfiles[newHash] = senderProfile
	}

	return &commitResult{
		payload:    staged.Payload(),
		recipients: s.queueReferencesExcept(sender),
		epoch:      s.group.Epoch(),
	}, nil
}
