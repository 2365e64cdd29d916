// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

// GroupRequest is implemented by every delivery service request parameter
// struct. The concrete type selects the operation.
type GroupRequest interface {
	groupRequest()
}

// CreateGroupParams creates a group under a previously reserved group id.
// The creator is the group's first member: one client profile and one user
// profile are established from these parameters.
type CreateGroupParams struct {
	// GroupState is the serialized protocol engine state of the freshly
	// created one-member group.
	GroupState []byte `cbor:"1,keyasint"`

	// CreatorCredential is the creator's encrypted client credential
	// chain, opaque to the delivery service.
	CreatorCredential []byte `cbor:"2,keyasint"`

	// CreatorQueueReference is the creator's sealed delivery queue
	// capability.
	CreatorQueueReference SealedClientReference `cbor:"3,keyasint"`

	// CreatorAuthKey is the creator's user authentication key.
	CreatorAuthKey UserAuthKey `cbor:"4,keyasint"`
}

func (*CreateGroupParams) groupRequest() {}

// JoinGroupParams admits an additional device of an existing group user
// via an external commit.
type JoinGroupParams struct {
	// Commit is the joiner's serialized external commit.
	Commit []byte `cbor:"1,keyasint"`

	// Sender is the hash of the joining user's authentication key; the
	// user profile it selects must already exist.
	Sender UserKeyHash `cbor:"2,keyasint"`

	// QueueReference is the joining device's sealed delivery queue
	// capability.
	QueueReference SealedClientReference `cbor:"3,keyasint"`
}

func (*JoinGroupParams) groupRequest() {}

// JoinGroupAAD is the authenticated additional data a join commit must
// carry.
type JoinGroupAAD struct {
	// ExistingUserClients is the joiner's claim of which leaves already
	// belong to their user. It must match the user profile exactly.
	ExistingUserClients []LeafIndex `cbor:"1,keyasint"`

	// EncryptedCredential is the joining device's encrypted client
	// credential chain.
	EncryptedCredential []byte `cbor:"2,keyasint"`
}

// JoinConnectionGroupParams admits a new user into a connection group via
// an external commit. This is the only operation that establishes a new
// user profile.
type JoinConnectionGroupParams struct {
	// Commit is the joiner's serialized external commit.
	Commit []byte `cbor:"1,keyasint"`

	// SenderAuthKey is the joining user's authentication key.
	SenderAuthKey UserAuthKey `cbor:"2,keyasint"`

	// QueueReference is the joining device's sealed delivery queue
	// capability.
	QueueReference SealedClientReference `cbor:"3,keyasint"`
}

func (*JoinConnectionGroupParams) groupRequest() {}

// JoinConnectionGroupAAD is the authenticated additional data a connection
// group join must carry.
type JoinConnectionGroupAAD struct {
	// EncryptedCredential is the joining device's encrypted client
	// credential chain.
	EncryptedCredential []byte `cbor:"1,keyasint"`
}

// RemoveClientsParams removes one or more member devices with a regular
// commit. The sender's user authentication key is rotated in the same
// operation.
type RemoveClientsParams struct {
	// Commit is the serialized commit carrying only remove proposals.
	Commit []byte `cbor:"1,keyasint"`

	// Sender is the committing device's leaf index.
	Sender LeafIndex `cbor:"2,keyasint"`

	// NewAuthKey replaces the sender's user authentication key.
	NewAuthKey UserAuthKey `cbor:"3,keyasint"`
}

func (*RemoveClientsParams) groupRequest() {}

// RemoveUsersParams removes one or more entire users with a regular
// commit. Every device of every targeted user must be removed by the same
// commit.
type RemoveUsersParams struct {
	// Commit is the serialized commit carrying only remove proposals.
	Commit []byte `cbor:"1,keyasint"`

	// Sender is the committing device's leaf index.
	Sender LeafIndex `cbor:"2,keyasint"`
}

func (*RemoveUsersParams) groupRequest() {}

// UpdateClientParams refreshes the sender's own leaf with a regular
// commit, optionally rotating credential material and the user
// authentication key.
type UpdateClientParams struct {
	// Commit is the serialized commit updating the sender's leaf.
	Commit []byte `cbor:"1,keyasint"`

	// Sender is the committing device's leaf index.
	Sender LeafIndex `cbor:"2,keyasint"`

	// NewAuthKey optionally rotates the sender's user authentication key.
	NewAuthKey UserAuthKey `cbor:"3,keyasint,omitempty"`
}

func (*UpdateClientParams) groupRequest() {}

// UpdateClientAAD is the authenticated additional data an update commit
// may carry.
type UpdateClientAAD struct {
	// EncryptedCredential is the device's new encrypted client credential
	// chain. Required when the update changes the leaf credential.
	EncryptedCredential []byte `cbor:"1,keyasint,omitempty"`
}

// DeleteGroupParams dissolves a group: a regular commit that removes every
// member other than the sender. The group's stored state is deleted once
// the commit is accepted; the commit is then fanned out to the dissolved
// members.
type DeleteGroupParams struct {
	// Commit is the serialized commit carrying the remove proposals.
	Commit []byte `cbor:"1,keyasint"`

	// Sender is the committing device's leaf index.
	Sender LeafIndex `cbor:"2,keyasint"`
}

func (*DeleteGroupParams) groupRequest() {}

// DistributeMessageParams fans an application message out to the other
// current members. The delivery service performs no protocol processing
// on the message and the group state is not modified.
type DistributeMessageParams struct {
	// Message is the serialized application message, distributed as
	// received.
	Message []byte `cbor:"1,keyasint"`

	// Sender is the sending device's leaf index.
	Sender LeafIndex `cbor:"2,keyasint"`
}

func (*DistributeMessageParams) groupRequest() {}
