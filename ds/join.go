// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/taubenpost/taubenpost/wire"
)

// joinGroup admits an additional device of a user who is already in the
// group. The commit must be external and carry no proposals, and its AAD
// must name the user's current devices exactly as the profile records
// them. The user profile is extended, never created.
func (s *GroupState) joinGroup(params *wire.JoinGroupParams, now time.Time) (*commitResult, error) {
	staged, err := s.processCommit(params.Commit)
	if err != nil {
		return nil, err
	}
	if err = checkExternalJoin(staged); err != nil {
		return nil, err
	}

	var aad wire.JoinGroupAAD
	if err = cbor.Unmarshal(staged.AAD(), &aad); err != nil {
		return nil, fmt.Errorf("%w: undecodable join AAD: %v", ErrInvalidMessage, err)
	}
	if len(aad.EncryptedCredential) == 0 {
		return nil, fmt.Errorf("%w: join AAD carries no encrypted credential", ErrInvalidMessage)
	}

	// The sender hash comes from the authenticated request layer; a
	// missing profile means the request layer and the group state
	// disagree about who this user is.
	userProfile, ok := s.userProfiles[params.Sender]
	if !ok {
		return nil, fmt.Errorf("%w: no user profile for join sender %v", ErrLibrary, params.Sender)
	}
	if !sameLeaves(aad.ExistingUserClients, userProfile.Clients) {
		return nil, fmt.Errorf("%w: join AAD names %d existing clients, profile has %d",
			ErrInvalidMessage, len(aad.ExistingUserClients), len(userProfile.Clients))
	}

	recipients := s.queueReferences()
	if err = s.group.Accept(staged); err != nil {
		return nil, fmt.Errorf("%w: accept: %v", ErrLibrary, err)
	}
	joiner, err := s.resolveJoiner(staged)
	if err != nil {
		return nil, err
	}

	s.addClient(params.Sender, &ClientProfile{
		LeafIndex:       joiner,
		CredentialChain: aad.EncryptedCredential,
		QueueReference:  params.QueueReference,
		ActivityTime:    now,
		ActivityEpoch:   s.group.Epoch(),
	})
	return &commitResult{
		payload:    staged.Payload(),
		recipients: recipients,
		epoch:      s.group.Epoch(),
	}, nil
}

// joinConnectionGroup admits a new user into a two-party connection group.
// The target must still hold exactly one user and the joining user's
// authentication key must not collide with the existing one. This is the
// only operation that establishes a user profile after group creation.
func (s *GroupState) joinConnectionGroup(params *wire.JoinConnectionGroupParams, now time.Time) (*commitResult, error) {
	staged, err := s.processCommit(params.Commit)
	if err != nil {
		return nil, err
	}
	if err = checkExternalJoin(staged); err != nil {
		return nil, err
	}

	var aad wire.JoinConnectionGroupAAD
	if err = cbor.Unmarshal(staged.AAD(), &aad); err != nil {
		return nil, fmt.Errorf("%w: undecodable join AAD: %v", ErrInvalidMessage, err)
	}
	if len(aad.EncryptedCredential) == 0 {
		return nil, fmt.Errorf("%w: join AAD carries no encrypted credential", ErrInvalidMessage)
	}
	if len(params.SenderAuthKey) == 0 {
		return nil, fmt.Errorf("%w: join carries no user auth key", ErrInvalidMessage)
	}

	if len(s.userProfiles) != 1 {
		return nil, fmt.Errorf("%w: group has %d users", ErrNotAConnectionGroup, len(s.userProfiles))
	}
	hash := params.SenderAuthKey.Hash()
	if _, ok := s.userProfiles[hash]; ok {
		return nil, fmt.Errorf("%w: %v", ErrUserAuthKeyCollision, hash)
	}

	recipients := s.queueReferences()
	if err = s.group.Accept(staged); err != nil {
		return nil, fmt.Errorf("%w: accept: %v", ErrLibrary, err)
	}
	joiner, err := s.resolveJoiner(staged)
	if err != nil {
		return nil, err
	}

	s.userProfiles[hash] = &UserProfile{UserAuthKey: params.SenderAuthKey}
	s.addClient(hash, &ClientProfile{
		LeafIndex:       joiner,
		CredentialChain: aad.EncryptedCredential,
		QueueReference:  params.QueueReference,
		ActivityTime:    now,
		ActivityEpoch:   s.group.Epoch(),
	})
	return &commitResult{
		payload:    staged.Payload(),
		recipients: recipients,
		epoch:      s.group.Epoch(),
	}, nil
}

// sameLeaves reports whether two leaf index lists name the same set of
// leaves, regardless of order.
func sameLeaves(a, b []wire.LeafIndex) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]wire.LeafIndex(nil), a...)
	bs := append([]wire.LeafIndex(nil), b...)
	sort.Slice(as, func(i, j int) bool { return as[i] < as[j] })
	sort.Slice(bs, func(i, j int) bool { return bs[i] < bs[j] })
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
