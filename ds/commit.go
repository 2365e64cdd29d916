// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"errors"
	"fmt"

	"github.com/taubenpost/taubenpost/protocol"
	"github.com/taubenpost/taubenpost/wire"
)

// commitResult is what a successful operation hands to fan-out: the
// payload to distribute, the queue references to deliver it to, and the
// group epoch after the operation.
type commitResult struct {
	payload    []byte
	recipients []wire.SealedClientReference
	epoch      uint64
}

// processCommit runs engine validation on a candidate commit and maps the
// engine's failures onto the operation error taxonomy.
func (s *GroupState) processCommit(commit []byte) (protocol.StagedCommit, error) {
	staged, err := s.group.Process(commit)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedMessage) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrProcessing, err)
	}
	return staged, nil
}

// memberSender checks that a commit was issued by the declared member leaf
// and returns that leaf.
func (s *GroupState) memberSender(staged protocol.StagedCommit, declared wire.LeafIndex) (wire.LeafIndex, error) {
	if staged.External() {
		return 0, fmt.Errorf("%w: expected a member commit", ErrInvalidMessage)
	}
	sender, ok := staged.Sender()
	if !ok {
		return 0, fmt.Errorf("%w: commit carries no sender", ErrInvalidMessage)
	}
	if sender != declared {
		return 0, fmt.Errorf("%w: commit sender %d does not match declared sender %d", ErrInvalidMessage, sender, declared)
	}
	return sender, nil
}

// checkExternalJoin checks the shape every join commit must have: external,
// carrying no proposals.
func checkExternalJoin(staged protocol.StagedCommit) error {
	if !staged.External() {
		return fmt.Errorf("%w: expected an external commit", ErrInvalidMessage)
	}
	if staged.Adds() != 0 || staged.Updates() != 0 || len(staged.Removed()) != 0 {
		return fmt.Errorf("%w: join commit must carry no proposals", ErrInvalidMessage)
	}
	return nil
}

// resolveJoiner returns the leaf an accepted external commit admitted: the
// one occupied leaf without a client profile. Its credential must be the
// staged joiner credential.
func (s *GroupState) resolveJoiner(staged protocol.StagedCommit) (wire.LeafIndex, error) {
	var (
		joiner wire.LeafIndex
		found  int
	)
	for _, m := range s.group.Members() {
		if _, ok := s.clientProfiles[m.Index]; ok {
			continue
		}
		if !m.Credential.Equal(staged.JoinerCredential()) {
			return 0, fmt.Errorf("%w: unprofiled leaf %d does not carry the joiner credential", ErrLibrary, m.Index)
		}
		joiner = m.Index
		found++
	}
	if found != 1 {
		return 0, fmt.Errorf("%w: external commit admitted %d leaves", ErrLibrary, found)
	}
	return joiner, nil
}
