// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package boltstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taubenpost/taubenpost/storage"
	"github.com/taubenpost/taubenpost/wire"
)

func newTestStore(t *testing.T) storage.Store {
	s, err := New(filepath.Join(t.TempDir(), "storage.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestGroupLifecycle(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	id := wire.NewGroupID()
	_, result, err := s.LoadGroup(id)
	require.NoError(err)
	require.Equal(storage.GroupNotFound, result)

	ok, err := s.ReserveGroup(id, time.Now().Add(time.Hour))
	require.NoError(err)
	require.True(ok)

	// A live reservation cannot be taken again.
	ok, err = s.ReserveGroup(id, time.Now().Add(time.Hour))
	require.NoError(err)
	require.False(ok)

	_, result, err = s.LoadGroup(id)
	require.NoError(err)
	require.Equal(storage.GroupReserved, result)

	group := &storage.StoredGroup{
		GroupID:    id,
		Ciphertext: wire.Ciphertext{Nonce: []byte("nonce"), Ciphertext: []byte("blob")},
		LastUsed:   time.Now().UTC(),
	}
	require.NoError(s.SaveGroup(group))

	loaded, result, err := s.LoadGroup(id)
	require.NoError(err)
	require.Equal(storage.GroupFound, result)
	require.Equal(group.Ciphertext, loaded.Ciphertext)

	// Ids with stored state are never up for reservation.
	ok, err = s.ReserveGroup(id, time.Now().Add(time.Hour))
	require.NoError(err)
	require.False(ok)

	require.NoError(s.DeleteGroup(id))
	_, result, err = s.LoadGroup(id)
	require.NoError(err)
	require.Equal(storage.GroupNotFound, result)
}

func TestStaleReservationReclaim(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	id := wire.NewGroupID()
	ok, err := s.ReserveGroup(id, time.Now().Add(-time.Minute))
	require.NoError(err)
	require.True(ok)

	ok, err = s.ReserveGroup(id, time.Now().Add(time.Hour))
	require.NoError(err)
	require.True(ok)
}

func TestGroupSweep(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	now := time.Now().UTC()

	staleReservation := wire.NewGroupID()
	ok, err := s.ReserveGroup(staleReservation, now.Add(-time.Hour))
	require.NoError(err)
	require.True(ok)

	freshReservation := wire.NewGroupID()
	ok, err = s.ReserveGroup(freshReservation, now.Add(time.Hour))
	require.NoError(err)
	require.True(ok)

	idleGroup := &storage.StoredGroup{GroupID: wire.NewGroupID(), LastUsed: now.Add(-48 * time.Hour)}
	require.NoError(s.SaveGroup(idleGroup))
	activeGroup := &storage.StoredGroup{GroupID: wire.NewGroupID(), LastUsed: now}
	require.NoError(s.SaveGroup(activeGroup))

	swept, err := s.SweepGroups(now, now.Add(-24*time.Hour))
	require.NoError(err)
	require.Equal(2, swept)

	_, result, err := s.LoadGroup(staleReservation)
	require.NoError(err)
	require.Equal(storage.GroupNotFound, result)
	_, result, err = s.LoadGroup(freshReservation)
	require.NoError(err)
	require.Equal(storage.GroupReserved, result)
	_, result, err = s.LoadGroup(idleGroup.GroupID)
	require.NoError(err)
	require.Equal(storage.GroupNotFound, result)
	_, result, err = s.LoadGroup(activeGroup.GroupID)
	require.NoError(err)
	require.Equal(storage.GroupFound, result)
}

func testClientRecord() *storage.ClientRecord {
	return &storage.ClientRecord{
		ClientID:          wire.NewClientID(),
		OwnerVerifyingKey: []byte("verifying key"),
		RatchetState:      []byte("ratchet state"),
		ActivityTime:      time.Now().UTC(),
	}
}

func TestClientLifecycle(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	record := testClientRecord()
	require.NoError(s.CreateClient(record))
	require.ErrorIs(s.CreateClient(record), storage.ErrAlreadyExists)

	loaded, err := s.LoadClient(record.ClientID)
	require.NoError(err)
	require.Equal(record.OwnerVerifyingKey, loaded.OwnerVerifyingKey)
	require.Equal(record.RatchetState, loaded.RatchetState)

	loaded.EncryptedPushToken = []byte("push token")
	require.NoError(s.UpdateClient(loaded))
	loaded, err = s.LoadClient(record.ClientID)
	require.NoError(err)
	require.Equal([]byte("push token"), loaded.EncryptedPushToken)

	require.NoError(s.DeleteClient(record.ClientID))
	_, err = s.LoadClient(record.ClientID)
	require.ErrorIs(err, storage.ErrNotFound)

	require.ErrorIs(s.UpdateClient(record), storage.ErrNotFound)
	_, err = s.LoadClient(wire.NewClientID())
	require.ErrorIs(err, storage.ErrNotFound)
}

func enqueueN(t *testing.T, s storage.Store, id wire.ClientID, from, n uint64) {
	for seq := from; seq < from+n; seq++ {
		msg := &wire.QueueMessage{
			SequenceNumber: seq,
			Ciphertext:     wire.Ciphertext{Nonce: []byte{byte(seq)}, Ciphertext: []byte{byte(seq)}},
		}
		require.NoError(t, s.Enqueue(id, msg, []byte{byte(seq + 1)}))
	}
}

func TestEnqueueSequenceCheck(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	record := testClientRecord()
	require.NoError(s.CreateClient(record))

	// The queue starts at sequence number zero.
	gap := &wire.QueueMessage{SequenceNumber: 1}
	require.ErrorIs(s.Enqueue(record.ClientID, gap, nil), storage.ErrSequenceMismatch)

	enqueueN(t, s, record.ClientID, 0, 3)

	// The ratchet state advances with the queue.
	loaded, err := s.LoadClient(record.ClientID)
	require.NoError(err)
	require.Equal([]byte{3}, loaded.RatchetState)

	replay := &wire.QueueMessage{SequenceNumber: 1}
	require.ErrorIs(s.Enqueue(record.ClientID, replay, nil), storage.ErrSequenceMismatch)

	require.ErrorIs(s.Enqueue(wire.NewClientID(), &wire.QueueMessage{}, nil), storage.ErrNotFound)
}

func TestReadAndDelete(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	record := testClientRecord()
	require.NoError(s.CreateClient(record))
	enqueueN(t, s, record.ClientID, 0, 5)

	msgs, remaining, err := s.ReadAndDelete(record.ClientID, 2, 2)
	require.NoError(err)
	require.Len(msgs, 2)
	require.Equal(uint64(2), msgs[0].SequenceNumber)
	require.Equal(uint64(3), msgs[1].SequenceNumber)
	require.Equal(uint64(1), remaining)

	// Messages 0 and 1 were pruned, 2 and 3 consumed; only 4 is left.
	msgs, remaining, err = s.ReadAndDelete(record.ClientID, 0, 10)
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal(uint64(4), msgs[0].SequenceNumber)
	require.Equal(uint64(0), remaining)
}

func TestReadAndDeleteIdempotence(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	record := testClientRecord()
	require.NoError(s.CreateClient(record))
	enqueueN(t, s, record.ClientID, 0, 8)

	msgs, remaining, err := s.ReadAndDelete(record.ClientID, 5, 10)
	require.NoError(err)
	require.Len(msgs, 3)
	require.Equal(uint64(0), remaining)

	// The same range again yields nothing: below the mark is pruned and
	// the batch itself was consumed.
	msgs, remaining, err = s.ReadAndDelete(record.ClientID, 5, 10)
	require.NoError(err)
	require.Empty(msgs)
	require.Equal(uint64(0), remaining)

	// Only messages enqueued after the first read show up.
	enqueueN(t, s, record.ClientID, 8, 2)
	msgs, _, err = s.ReadAndDelete(record.ClientID, 5, 10)
	require.NoError(err)
	require.Len(msgs, 2)
	require.Equal(uint64(8), msgs[0].SequenceNumber)
}

func TestQueueDepth(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	record := testClientRecord()
	require.NoError(s.CreateClient(record))

	depth, err := s.QueueDepth(record.ClientID)
	require.NoError(err)
	require.Equal(uint64(0), depth)

	enqueueN(t, s, record.ClientID, 0, 4)
	depth, err = s.QueueDepth(record.ClientID)
	require.NoError(err)
	require.Equal(uint64(4), depth)

	// Peeking at the depth consumes nothing.
	msgs, _, err := s.ReadAndDelete(record.ClientID, 0, 10)
	require.NoError(err)
	require.Len(msgs, 4)

	_, err = s.QueueDepth(wire.NewClientID())
	require.ErrorIs(err, storage.ErrNotFound)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	require := require.New(t)

	dbFile := filepath.Join(t.TempDir(), "storage.db")
	s, err := New(dbFile)
	require.NoError(err)

	record := testClientRecord()
	require.NoError(s.CreateClient(record))
	enqueueN(t, s, record.ClientID, 0, 2)
	s.Close()

	s, err = New(dbFile)
	require.NoError(err)
	defer s.Close()

	loaded, err := s.LoadClient(record.ClientID)
	require.NoError(err)
	require.Equal(record.OwnerVerifyingKey, loaded.OwnerVerifyingKey)

	// The queue continues where it left off.
	enqueueN(t, s, record.ClientID, 2, 1)
	msgs, _, err := s.ReadAndDelete(record.ClientID, 0, 10)
	require.NoError(err)
	require.Len(msgs, 3)
}
