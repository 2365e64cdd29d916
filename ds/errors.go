// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import "errors"

var (
	// ErrInvalidMessage is returned when a commit or its authenticated
	// additional data is malformed, carries the wrong proposal shape for
	// the requested operation, or contradicts the profile registry.
	// Requests failing this way are never retried.
	ErrInvalidMessage = errors.New("ds: invalid message")

	// ErrProcessing is returned when the protocol engine rejects a
	// well-formed commit, typically a signature or path validation
	// failure.
	ErrProcessing = errors.New("ds: commit processing failed")

	// ErrUserAuthKeyCollision is returned when a join would establish a
	// user profile under an auth key hash that is already taken.
	ErrUserAuthKeyCollision = errors.New("ds: user auth key collision")

	// ErrIncompleteRemoval is returned when a user removal commit leaves
	// some clients of a targeted user in the group.
	ErrIncompleteRemoval = errors.New("ds: incomplete user removal")

	// ErrNotAConnectionGroup is returned when a connection group join
	// targets a group that already has more than one user.
	ErrNotAConnectionGroup = errors.New("ds: not a connection group")

	// ErrGroupNotFound is returned when no group state exists for the
	// requested group id.
	ErrGroupNotFound = errors.New("ds: group not found")

	// ErrGroupExists is returned when group creation targets an id that
	// already carries state.
	ErrGroupExists = errors.New("ds: group already exists")

	// ErrCouldNotDecrypt is returned when the group state blob cannot be
	// decrypted with the key supplied in the request.
	ErrCouldNotDecrypt = errors.New("ds: could not decrypt group state")

	// ErrStorage wraps storage backend failures. Unlike validation
	// failures these are retryable by the caller.
	ErrStorage = errors.New("ds: storage failure")

	// ErrLibrary indicates an internal consistency violation, a bug
	// rather than a bad request.
	ErrLibrary = errors.New("ds: internal state inconsistency")
)
