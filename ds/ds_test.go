// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/taubenpost/taubenpost/config"
	"github.com/taubenpost/taubenpost/core/log"
	"github.com/taubenpost/taubenpost/crypto/ear"
	"github.com/taubenpost/taubenpost/protocol"
	"github.com/taubenpost/taubenpost/protocol/memengine"
	"github.com/taubenpost/taubenpost/storage"
	"github.com/taubenpost/taubenpost/storage/boltstore"
	"github.com/taubenpost/taubenpost/wire"
)

type recordingConnector struct {
	sync.Mutex
	msgs []*wire.FanOutMessage
}

func (c *recordingConnector) Dispatch(msg *wire.FanOutMessage) {
	c.Lock()
	defer c.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *recordingConnector) drain() []*wire.FanOutMessage {
	c.Lock()
	defer c.Unlock()
	msgs := c.msgs
	c.msgs = nil
	return msgs
}

type testDS struct {
	t    *testing.T
	d    *DS
	conn *recordingConnector
	key  *ear.GroupStateKey
}

func newTestDS(t *testing.T) *testDS {
	require := require.New(t)

	store, err := boltstore.New(filepath.Join(t.TempDir(), "groups.db"))
	require.NoError(err, "boltstore.New()")
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err, "log.New()")
	cfg := &config.Config{
		Protocol: &config.Protocol{Scheme: memengine.SchemeName},
		Groups:   &config.Groups{ExpirationDays: 90, ReservationHours: 24, SweepInterval: 60},
	}
	conn := new(recordingConnector)
	d, err := New(cfg, logBackend, store, conn)
	require.NoError(err, "New()")
	t.Cleanup(func() {
		d.Halt()
		store.Close()
	})
	key, err := ear.NewGroupStateKey()
	require.NoError(err, "ear.NewGroupStateKey()")
	return &testDS{t: t, d: d, conn: conn, key: key}
}

func (ts *testDS) createGroup(cred protocol.Credential, userKey wire.UserAuthKey, queueRef string) wire.GroupID {
	require := require.New(ts.t)

	id, err := ts.d.RequestGroupID()
	require.NoError(err, "RequestGroupID()")
	g, err := memengine.Scheme().NewGroup(id, cred)
	require.NoError(err, "NewGroup()")
	blob, err := g.Marshal()
	require.NoError(err, "Marshal()")
	err = ts.d.CreateGroup(id, ts.key, &wire.CreateGroupParams{
		GroupState:            blob,
		CreatorCredential:     []byte("enc:" + string(cred)),
		CreatorQueueReference: wire.SealedClientReference(queueRef),
		CreatorAuthKey:        userKey,
	})
	require.NoError(err, "CreateGroup()")
	return id
}

func (ts *testDS) joinDevice(id wire.GroupID, userKey wire.UserAuthKey, cred protocol.Credential, existing []wire.LeafIndex, queueRef string) error {
	require := require.New(ts.t)

	aad, err := cbor.Marshal(&wire.JoinGroupAAD{
		ExistingUserClients: existing,
		EncryptedCredential: []byte("enc:" + string(cred)),
	})
	require.NoError(err, "marshal join AAD")
	commit, err := memengine.BuildExternalJoin(id, ts.epoch(id), cred, aad)
	require.NoError(err, "BuildExternalJoin()")
	return ts.d.JoinGroup(id, ts.key, &wire.JoinGroupParams{
		Commit:         commit,
		Sender:         userKey.Hash(),
		QueueReference: wire.SealedClientReference(queueRef),
	})
}

func (ts *testDS) joinConnection(id wire.GroupID, userKey wire.UserAuthKey, cred protocol.Credential, queueRef string) error {
	require := require.New(ts.t)

	aad, err := cbor.Marshal(&wire.JoinConnectionGroupAAD{
		EncryptedCredential: []byte("enc:" + string(cred)),
	})
	require.NoError(err, "marshal join AAD")
	commit, err := memengine.BuildExternalJoin(id, ts.epoch(id), cred, aad)
	require.NoError(err, "BuildExternalJoin()")
	return ts.d.JoinConnectionGroup(id, ts.key, &wire.JoinConnectionGroupParams{
		Commit:         commit,
		SenderAuthKey:  userKey,
		QueueReference: wire.SealedClientReference(queueRef),
	})
}

func (ts *testDS) state(id wire.GroupID) *GroupState {
	require := require.New(ts.t)
	s, err := ts.d.loadGroup(id, ts.key)
	require.NoError(err, "loadGroup()")
	return s
}

func (ts *testDS) epoch(id wire.GroupID) uint64 {
	return ts.state(id).group.Epoch()
}

func (ts *testDS) storedCiphertext(id wire.GroupID) wire.Ciphertext {
	require := require.New(ts.t)
	stored, result, err := ts.d.store.LoadGroup(id)
	require.NoError(err, "store.LoadGroup()")
	require.Equal(storage.GroupFound, result)
	return stored.Ciphertext
}

func refStrings(msgs []*wire.FanOutMessage) []string {
	refs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		refs = append(refs, string(m.ClientReference))
	}
	sort.Strings(refs)
	return refs
}

func TestCreateGroup(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	aliceKey := wire.UserAuthKey("alice-auth-1")
	id := ts.createGroup(protocol.Credential("alice-dev-1"), aliceKey, "q-alice-1")
	require.Empty(ts.conn.drain(), "creation must not fan out")

	s := ts.state(id)
	require.Equal(uint64(0), s.group.Epoch())
	require.Len(s.clientProfiles, 1)
	require.Len(s.userProfiles, 1)
	up, ok := s.userProfiles[aliceKey.Hash()]
	require.True(ok, "creator user profile")
	require.Equal([]wire.LeafIndex{0}, up.Clients)
	require.Equal([]byte("enc:alice-dev-1"), s.clientProfiles[0].CredentialChain)

	// The id is in use now.
	g, err := memengine.Scheme().NewGroup(id, protocol.Credential("alice-dev-1"))
	require.NoError(err)
	blob, err := g.Marshal()
	require.NoError(err)
	params := &wire.CreateGroupParams{
		GroupState:            blob,
		CreatorCredential:     []byte("enc:alice-dev-1"),
		CreatorQueueReference: wire.SealedClientReference("q-alice-1"),
		CreatorAuthKey:        aliceKey,
	}
	err = ts.d.CreateGroup(id, ts.key, params)
	require.ErrorIs(err, ErrGroupExists)

	// An id that was never reserved is rejected.
	other := wire.NewGroupID()
	g, err = memengine.Scheme().NewGroup(other, protocol.Credential("alice-dev-1"))
	require.NoError(err)
	blob, err = g.Marshal()
	require.NoError(err)
	params.GroupState = blob
	err = ts.d.CreateGroup(other, ts.key, params)
	require.ErrorIs(err, ErrGroupNotFound)
}

func TestCreateGroupWrongState(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	id, err := ts.d.RequestGroupID()
	require.NoError(err)

	// Group state serialized for a different id.
	g, err := memengine.Scheme().NewGroup(wire.NewGroupID(), protocol.Credential("alice-dev-1"))
	require.NoError(err)
	blob, err := g.Marshal()
	require.NoError(err)
	err = ts.d.CreateGroup(id, ts.key, &wire.CreateGroupParams{
		GroupState:            blob,
		CreatorCredential:     []byte("enc:alice-dev-1"),
		CreatorQueueReference: wire.SealedClientReference("q-alice-1"),
		CreatorAuthKey:        wire.UserAuthKey("alice-auth-1"),
	})
	require.ErrorIs(err, ErrInvalidMessage)
}

func TestJoinGroup(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	aliceKey := wire.UserAuthKey("alice-auth-1")
	id := ts.createGroup(protocol.Credential("alice-dev-1"), aliceKey, "q-alice-1")
	ts.conn.drain()

	// Second device; the existing device gets the commit.
	err := ts.joinDevice(id, aliceKey, protocol.Credential("alice-dev-2"), []wire.LeafIndex{0}, "q-alice-2")
	require.NoError(err, "JoinGroup()")
	msgs := ts.conn.drain()
	require.Equal([]string{"q-alice-1"}, refStrings(msgs))
	require.Equal(wire.MessageTypeProtocol, msgs[0].Payload.MessageType)

	s := ts.state(id)
	require.Equal(uint64(1), s.group.Epoch())
	require.Len(s.clientProfiles, 2)
	require.Len(s.userProfiles, 1)
	require.Equal([]wire.LeafIndex{0, 1}, s.userProfiles[aliceKey.Hash()].Clients)
	require.Equal([]byte("enc:alice-dev-2"), s.clientProfiles[1].CredentialChain)

	// Third device; all current devices get the commit.
	err = ts.joinDevice(id, aliceKey, protocol.Credential("alice-dev-3"), []wire.LeafIndex{0, 1}, "q-alice-3")
	require.NoError(err)
	require.Equal([]string{"q-alice-1", "q-alice-2"}, refStrings(ts.conn.drain()))

	// A stale claim of the user's devices is rejected without touching
	// the stored state.
	before := ts.storedCiphertext(id)
	err = ts.joinDevice(id, aliceKey, protocol.Credential("alice-dev-4"), []wire.LeafIndex{0}, "q-alice-4")
	require.ErrorIs(err, ErrInvalidMessage)
	require.Equal(before, ts.storedCiphertext(id))
	require.Empty(ts.conn.drain())

	// A join never establishes a user profile.
	err = ts.joinDevice(id, wire.UserAuthKey("mallory-auth-1"), protocol.Credential("mallory-dev-1"), []wire.LeafIndex{0, 1, 2}, "q-mallory-1")
	require.ErrorIs(err, ErrLibrary)

	// A commit built against an old epoch fails engine validation.
	aad, err := cbor.Marshal(&wire.JoinGroupAAD{
		ExistingUserClients: []wire.LeafIndex{0, 1, 2},
		EncryptedCredential: []byte("enc:alice-dev-5"),
	})
	require.NoError(err)
	commit, err := memengine.BuildExternalJoin(id, 0, protocol.Credential("alice-dev-5"), aad)
	require.NoError(err)
	err = ts.d.JoinGroup(id, ts.key, &wire.JoinGroupParams{
		Commit:         commit,
		Sender:         aliceKey.Hash(),
		QueueReference: wire.SealedClientReference("q-alice-5"),
	})
	require.ErrorIs(err, ErrProcessing)

	// An application message is not a commit.
	app, err := memengine.BuildApplication(id, []byte("hi"))
	require.NoError(err)
	err = ts.d.JoinGroup(id, ts.key, &wire.JoinGroupParams{
		Commit:         app,
		Sender:         aliceKey.Hash(),
		QueueReference: wire.SealedClientReference("q-alice-5"),
	})
	require.ErrorIs(err, ErrInvalidMessage)
}

func TestJoinGroupSerialization(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	aliceKey := wire.UserAuthKey("alice-auth-1")
	id := ts.createGroup(protocol.Credential("alice-dev-1"), aliceKey, "q-alice-1")
	ts.conn.drain()

	// Two devices join from the same epoch; the group lock serializes
	// them and exactly one commit wins.
	commits := make([][]byte, 2)
	for i, cred := range []protocol.Credential{protocol.Credential("alice-dev-2"), protocol.Credential("alice-dev-3")} {
		aad, err := cbor.Marshal(&wire.JoinGroupAAD{
			ExistingUserClients: []wire.LeafIndex{0},
			EncryptedCredential: []byte("enc:" + string(cred)),
		})
		require.NoError(err)
		commits[i], err = memengine.BuildExternalJoin(id, 0, cred, aad)
		require.NoError(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range commits {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ts.d.JoinGroup(id, ts.key, &wire.JoinGroupParams{
				Commit:         commits[i],
				Sender:         aliceKey.Hash(),
				QueueReference: wire.SealedClientReference("q-race"),
			})
		}(i)
	}
	wg.Wait()

	require.True((errs[0] == nil) != (errs[1] == nil), "exactly one join must win: %v, %v", errs[0], errs[1])
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(err, ErrProcessing)
		}
	}
	require.Equal(uint64(1), ts.epoch(id))
	require.Len(ts.state(id).clientProfiles, 2)
}

func TestJoinConnectionGroup(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	aliceKey := wire.UserAuthKey("alice-auth-1")
	bobKey := wire.UserAuthKey("bob-auth-1")
	id := ts.createGroup(protocol.Credential("alice-dev-1"), aliceKey, "q-alice-1")
	ts.conn.drain()

	err := ts.joinConnection(id, bobKey, protocol.Credential("bob-dev-1"), "q-bob-1")
	require.NoError(err, "JoinConnectionGroup()")
	require.Equal([]string{"q-alice-1"}, refStrings(ts.conn.drain()))

	s := ts.state(id)
	require.Len(s.userProfiles, 2)
	require.Equal([]wire.LeafIndex{1}, s.userProfiles[bobKey.Hash()].Clients)

	// With two users the group is no longer a connection group, and that
	// is checked before anything else about the joiner.
	err = ts.joinConnection(id, wire.UserAuthKey("carol-auth-1"), protocol.Credential("carol-dev-1"), "q-carol-1")
	require.ErrorIs(err, ErrNotAConnectionGroup)
	err = ts.joinConnection(id, aliceKey, protocol.Credential("alice-dev-9"), "q-alice-9")
	require.ErrorIs(err, ErrNotAConnectionGroup)
	require.Empty(ts.conn.drain())
}

func TestJoinConnectionGroupCollision(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	aliceKey := wire.UserAuthKey("alice-auth-1")
	id := ts.createGroup(protocol.Credential("alice-dev-1"), aliceKey, "q-alice-1")
	ts.conn.drain()

	err := ts.joinConnection(id, aliceKey, protocol.Credential("alice-dev-2"), "q-alice-2")
	require.ErrorIs(err, ErrUserAuthKeyCollision)
	require.Equal(uint64(0), ts.epoch(id), "rejected join must not advance the epoch")
}

func TestRemoveClients(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	aliceKey := wire.UserAuthKey("alice-auth-1")
	id := ts.createGroup(protocol.Credential("alice-dev-1"), aliceKey, "q-alice-1")
	require.NoError(ts.joinDevice(id, aliceKey, protocol.Credential("alice-dev-2"), []wire.LeafIndex{0}, "q-alice-2"))
	ts.conn.drain()

	// Rotation is not optional.
	commit, err := memengine.BuildRemove(id, ts.epoch(id), 0, []wire.LeafIndex{1}, nil)
	require.NoError(err)
	err = ts.d.RemoveClients(id, ts.key, &wire.RemoveClientsParams{Commit: commit, Sender: 0})
	require.ErrorIs(err, ErrInvalidMessage)

	// The sender cannot remove itself.
	commit, err = memengine.BuildRemove(id, ts.epoch(id), 0, []wire.LeafIndex{0, 1}, nil)
	require.NoError(err)
	err = ts.d.RemoveClients(id, ts.key, &wire.RemoveClientsParams{
		Commit:     commit,
		Sender:     0,
		NewAuthKey: wire.UserAuthKey("alice-auth-2"),
	})
	require.ErrorIs(err, ErrInvalidMessage)

	// Device 0 drops device 1; only the devices still in the group are
	// notified.
	newKey := wire.UserAuthKey("alice-auth-2")
	commit, err = memengine.BuildRemove(id, ts.epoch(id), 0, []wire.LeafIndex{1}, nil)
	require.NoError(err)
	err = ts.d.RemoveClients(id, ts.key, &wire.RemoveClientsParams{Commit: commit, Sender: 0, NewAuthKey: newKey})
	require.NoError(err, "RemoveClients()")
	require.Equal([]string{"q-alice-1"}, refStrings(ts.conn.drain()))

	s := ts.state(id)
	require.Len(s.clientProfiles, 1)
	require.Len(s.userProfiles, 1)
	up, ok := s.userProfiles[newKey.Hash()]
	require.True(ok, "profile must be keyed under the rotated key")
	require.True(up.UserAuthKey.Equal(newKey))
	require.Equal([]wire.LeafIndex{0}, up.Clients)
	_, ok = s.userProfiles[aliceKey.Hash()]
	require.False(ok, "old key must be gone")
}

func TestRemoveClientsCrossUser(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	aliceKey := wire.UserAuthKey("alice-auth-1")
	bobKey := wire.UserAuthKey("bob-auth-1")
	id := ts.createGroup(protocol.Credential("alice-dev-1"), aliceKey, "q-alice-1")
	require.NoError(ts.joinConnection(id, bobKey, protocol.Credential("bob-dev-1"), "q-bob-1"))
	ts.conn.drain()

	// Rotating onto another user's key is a collision.
	commit, err := memengine.BuildRemove(id, ts.epoch(id), 0, []wire.LeafIndex{1}, nil)
	require.NoError(err)
	err = ts.d.RemoveClients(id, ts.key, &wire.RemoveClientsParams{Commit: commit, Sender: 0, NewAuthKey: bobKey})
	require.ErrorIs(err, ErrUserAuthKeyCollision)

	// Removing another user's last device removes that user's profile.
	commit, err = memengine.BuildRemove(id, ts.epoch(id), 0, []wire.LeafIndex{1}, nil)
	require.NoError(err)
	err = ts.d.RemoveClients(id, ts.key, &wire.RemoveClientsParams{
		Commit:     commit,
		Sender:     0,
		NewAuthKey: wire.UserAuthKey("alice-auth-2"),
	})
	require.NoError(err)
	require.Equal([]string{"q-alice-1"}, refStrings(ts.conn.drain()))

	s := ts.state(id)
	require.Len(s.clientProfiles, 1)
	require.Len(s.userProfiles, 1)
	_, ok := s.userProfiles[bobKey.Hash()]
	require.False(ok, "bob's profile must be gone")
}

func TestRemoveUsers(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	aliceKey := wire.UserAuthKey("alice-auth-1")
	bobKey := wire.UserAuthKey("bob-auth-1")
	id := ts.createGroup(protocol.Credential("alice-dev-1"), aliceKey, "q-alice-1")
	require.NoError(ts.joinConnection(id, bobKey, protocol.Credential("bob-dev-1"), "q-bob-1"))
	require.NoError(ts.joinDevice(id, bobKey, protocol.Credential("bob-dev-2"), []wire.LeafIndex{1}, "q-bob-2"))
	ts.conn.drain()

	// Removing one of bob's two devices is not a user removal.
	before := ts.storedCiphertext(id)
	commit, err := memengine.BuildRemove(id, ts.epoch(id), 0, []wire.LeafIndex{1}, nil)
	require.NoError(err)
	err = ts.d.RemoveUsers(id, ts.key, &wire.RemoveUsersParams{Commit: commit, Sender: 0})
	require.ErrorIs(err, ErrIncompleteRemoval)
	require.Equal(before, ts.storedCiphertext(id), "rejected removal must not change stored state")
	require.Empty(ts.conn.drain())

	// Covering every device removes the user.
	commit, err = memengine.BuildRemove(id, ts.epoch(id), 0, []wire.LeafIndex{1, 2}, nil)
	require.NoError(err)
	err = ts.d.RemoveUsers(id, ts.key, &wire.RemoveUsersParams{Commit: commit, Sender: 0})
	require.NoError(err, "RemoveUsers()")
	require.Equal([]string{"q-alice-1"}, refStrings(ts.conn.drain()))

	s := ts.state(id)
	require.Len(s.userProfiles, 1)
	require.Len(s.clientProfiles, 1)
	_, ok := s.userProfiles[aliceKey.Hash()]
	require.True(ok)
}

func TestUpdateClient(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	aliceKey := wire.UserAuthKey("alice-auth-1")
	bobKey := wire.UserAuthKey("bob-auth-1")
	id := ts.createGroup(protocol.Credential("alice-dev-1"), aliceKey, "q-alice-1")
	require.NoError(ts.joinConnection(id, bobKey, protocol.Credential("bob-dev-1"), "q-bob-1"))
	ts.conn.drain()

	// Refresh without a credential change; the other members get the
	// commit, the sender does not.
	commit, err := memengine.BuildUpdate(id, ts.epoch(id), 0, nil, nil)
	require.NoError(err)
	err = ts.d.UpdateClient(id, ts.key, &wire.UpdateClientParams{Commit: commit, Sender: 0})
	require.NoError(err, "UpdateClient()")
	require.Equal([]string{"q-bob-1"}, refStrings(ts.conn.drain()))

	s := ts.state(id)
	require.Equal(s.group.Epoch(), s.clientProfiles[0].ActivityEpoch)

	// A credential change must carry the new encrypted chain.
	before := ts.storedCiphertext(id)
	commit, err = memengine.BuildUpdate(id, ts.epoch(id), 0, protocol.Credential("alice-dev-1b"), nil)
	require.NoError(err)
	err = ts.d.UpdateClient(id, ts.key, &wire.UpdateClientParams{Commit: commit, Sender: 0})
	require.ErrorIs(err, ErrInvalidMessage)
	require.Equal(before, ts.storedCiphertext(id), "rejected update must not change stored state")

	aad, err := cbor.Marshal(&wire.UpdateClientAAD{EncryptedCredential: []byte("enc:alice-dev-1b")})
	require.NoError(err)
	commit, err = memengine.BuildUpdate(id, ts.epoch(id), 0, protocol.Credential("alice-dev-1b"), aad)
	require.NoError(err)
	err = ts.d.UpdateClient(id, ts.key, &wire.UpdateClientParams{Commit: commit, Sender: 0})
	require.NoError(err)

	s = ts.state(id)
	require.Equal([]byte("enc:alice-dev-1b"), s.clientProfiles[0].CredentialChain)
	cred, ok := s.group.Leaf(0)
	require.True(ok)
	require.True(cred.Equal(protocol.Credential("alice-dev-1b")))

	// Auth key rotation re-keys the user profile.
	newKey := wire.UserAuthKey("alice-auth-2")
	commit, err = memengine.BuildUpdate(id, ts.epoch(id), 0, nil, nil)
	require.NoError(err)
	err = ts.d.UpdateClient(id, ts.key, &wire.UpdateClientParams{Commit: commit, Sender: 0, NewAuthKey: newKey})
	require.NoError(err)

	s = ts.state(id)
	_, ok = s.userProfiles[aliceKey.Hash()]
	require.False(ok, "old key must be gone")
	require.Equal([]wire.LeafIndex{0}, s.userProfiles[newKey.Hash()].Clients)

	// Rotating onto another user's key collides.
	commit, err = memengine.BuildUpdate(id, ts.epoch(id), 0, nil, nil)
	require.NoError(err)
	err = ts.d.UpdateClient(id, ts.key, &wire.UpdateClientParams{Commit: commit, Sender: 0, NewAuthKey: bobKey})
	require.ErrorIs(err, ErrUserAuthKeyCollision)
}

func TestDeleteGroup(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	aliceKey := wire.UserAuthKey("alice-auth-1")
	bobKey := wire.UserAuthKey("bob-auth-1")
	id := ts.createGroup(protocol.Credential("alice-dev-1"), aliceKey, "q-alice-1")
	require.NoError(ts.joinConnection(id, bobKey, protocol.Credential("bob-dev-1"), "q-bob-1"))
	require.NoError(ts.joinDevice(id, bobKey, protocol.Credential("bob-dev-2"), []wire.LeafIndex{1}, "q-bob-2"))
	ts.conn.drain()

	// A dissolution that keeps a member is not a dissolution.
	commit, err := memengine.BuildRemove(id, ts.epoch(id), 0, []wire.LeafIndex{1}, nil)
	require.NoError(err)
	err = ts.d.DeleteGroup(id, ts.key, &wire.DeleteGroupParams{Commit: commit, Sender: 0})
	require.ErrorIs(err, ErrInvalidMessage)

	// Removing everyone else dissolves the group; the dissolved members
	// are the ones notified.
	commit, err = memengine.BuildRemove(id, ts.epoch(id), 0, []wire.LeafIndex{1, 2}, nil)
	require.NoError(err)
	err = ts.d.DeleteGroup(id, ts.key, &wire.DeleteGroupParams{Commit: commit, Sender: 0})
	require.NoError(err, "DeleteGroup()")
	require.Equal([]string{"q-bob-1", "q-bob-2"}, refStrings(ts.conn.drain()))

	_, result, err := ts.d.store.LoadGroup(id)
	require.NoError(err)
	require.Equal(storage.GroupNotFound, result)

	commit, err = memengine.BuildUpdate(id, 3, 0, nil, nil)
	require.NoError(err)
	err = ts.d.UpdateClient(id, ts.key, &wire.UpdateClientParams{Commit: commit, Sender: 0})
	require.ErrorIs(err, ErrGroupNotFound)
}

func TestDistributeMessage(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	aliceKey := wire.UserAuthKey("alice-auth-1")
	bobKey := wire.UserAuthKey("bob-auth-1")
	id := ts.createGroup(protocol.Credential("alice-dev-1"), aliceKey, "q-alice-1")
	require.NoError(ts.joinConnection(id, bobKey, protocol.Credential("bob-dev-1"), "q-bob-1"))
	ts.conn.drain()

	app, err := memengine.BuildApplication(id, []byte("hello"))
	require.NoError(err)
	before := ts.storedCiphertext(id)
	err = ts.d.DistributeMessage(id, ts.key, &wire.DistributeMessageParams{Message: app, Sender: 0})
	require.NoError(err, "DistributeMessage()")

	msgs := ts.conn.drain()
	require.Equal([]string{"q-bob-1"}, refStrings(msgs))
	require.Equal(app, msgs[0].Payload.Payload)
	require.Equal(before, ts.storedCiphertext(id), "distribution must not touch stored state")

	err = ts.d.DistributeMessage(id, ts.key, &wire.DistributeMessageParams{Message: app, Sender: 9})
	require.ErrorIs(err, ErrInvalidMessage)
	require.Empty(ts.conn.drain())
}

func TestGroupStateEncryption(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	aliceKey := wire.UserAuthKey("alice-auth-1")
	id := ts.createGroup(protocol.Credential("alice-dev-1"), aliceKey, "q-alice-1")

	wrongKey, err := ear.NewGroupStateKey()
	require.NoError(err)
	_, err = ts.d.loadGroup(id, wrongKey)
	require.ErrorIs(err, ErrCouldNotDecrypt)

	// The ciphertext is bound to its group id.
	stored, result, err := ts.d.store.LoadGroup(id)
	require.NoError(err)
	require.Equal(storage.GroupFound, result)
	_, err = openGroupState(stored.Ciphertext, ts.key, wire.NewGroupID())
	require.ErrorIs(err, ErrCouldNotDecrypt)
}

func TestSweep(t *testing.T) {
	require := require.New(t)
	ts := newTestDS(t)

	alive := ts.createGroup(protocol.Credential("alice-dev-1"), wire.UserAuthKey("alice-auth-1"), "q-alice-1")
	idle := ts.createGroup(protocol.Credential("bob-dev-1"), wire.UserAuthKey("bob-auth-1"), "q-bob-1")

	// Nothing is expired yet.
	n, err := ts.d.Sweep()
	require.NoError(err)
	require.Zero(n)

	// Age the idle group past the expiration window and let a
	// reservation lapse.
	stored, result, err := ts.d.store.LoadGroup(idle)
	require.NoError(err)
	require.Equal(storage.GroupFound, result)
	stored.LastUsed = time.Now().AddDate(0, 0, -91)
	require.NoError(ts.d.store.SaveGroup(stored))

	lapsed := wire.NewGroupID()
	ok, err := ts.d.store.ReserveGroup(lapsed, time.Now().Add(-time.Hour))
	require.NoError(err)
	require.True(ok)

	n, err = ts.d.Sweep()
	require.NoError(err)
	require.Equal(2, n)

	_, result, err = ts.d.store.LoadGroup(idle)
	require.NoError(err)
	require.Equal(storage.GroupNotFound, result)
	_, result, err = ts.d.store.LoadGroup(alive)
	require.NoError(err)
	require.Equal(storage.GroupFound, result)
}
