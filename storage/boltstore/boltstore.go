// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltstore implements the storage interfaces with a simple
// bbolt backed backend, suitable for single-node deployments.
package boltstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/taubenpost/taubenpost/storage"
	"github.com/taubenpost/taubenpost/wire"
)

const (
	metadataBucket     = "metadata"
	versionKey         = "version"
	groupsBucket       = "groups"
	reservationsBucket = "groupReservations"
	clientsBucket      = "clients"

	recordKey       = "record"
	nextSequenceKey = "nextSequence"
	queueBucket     = "queue"

	storeVersion = 0
)

type boltStore struct {
	db *bolt.DB
}

func (s *boltStore) Close() {
	s.db.Sync()
	s.db.Close()
}

func (s *boltStore) ReserveGroup(id wire.GroupID, expires time.Time) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(groupsBucket)).Get(id.Bytes()) != nil {
			return nil
		}
		rBkt := tx.Bucket([]byte(reservationsBucket))
		if raw := rBkt.Get(id.Bytes()); raw != nil {
			// A stale reservation may be reclaimed.
			if time.Unix(int64(binary.BigEndian.Uint64(raw)), 0).After(time.Now()) {
				return nil
			}
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(expires.Unix()))
		if err := rBkt.Put(id.Bytes(), v[:]); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

func (s *boltStore) LoadGroup(id wire.GroupID) (*storage.StoredGroup, storage.GroupLoadResult, error) {
	var group *storage.StoredGroup
	result := storage.GroupNotFound
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket([]byte(groupsBucket)).Get(id.Bytes()); raw != nil {
			group = new(storage.StoredGroup)
			if err := cbor.Unmarshal(raw, group); err != nil {
				return fmt.Errorf("boltstore: malformed group record: %v", err)
			}
			result = storage.GroupFound
			return nil
		}
		if tx.Bucket([]byte(reservationsBucket)).Get(id.Bytes()) != nil {
			result = storage.GroupReserved
		}
		return nil
	})
	if err != nil {
		return nil, storage.GroupNotFound, err
	}
	return group, result, nil
}

func (s *boltStore) SaveGroup(group *storage.StoredGroup) error {
	raw, err := cbor.Marshal(group)
	if err != nil {
		return fmt.Errorf("boltstore: failed to serialize group record: %v", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		// Storing the state consumes the reservation, if any.
		if err := tx.Bucket([]byte(reservationsBucket)).Delete(group.GroupID.Bytes()); err != nil {
			return err
		}
		return tx.Bucket([]byte(groupsBucket)).Put(group.GroupID.Bytes(), raw)
	})
}

func (s *boltStore) DeleteGroup(id wire.GroupID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(groupsBucket)).Delete(id.Bytes())
	})
}

func (s *boltStore) SweepGroups(now, lastActiveBefore time.Time) (int, error) {
	swept := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		cur := tx.Bucket([]byte(reservationsBucket)).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if time.Unix(int64(binary.BigEndian.Uint64(v)), 0).After(now) {
				continue
			}
			if err := cur.Delete(); err != nil {
				return err
			}
			swept++
		}
		cur = tx.Bucket([]byte(groupsBucket)).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var group storage.StoredGroup
			if err := cbor.Unmarshal(v, &group); err != nil {
				return fmt.Errorf("boltstore: malformed group record: %v", err)
			}
			if !group.LastUsed.Before(lastActiveBefore) {
				continue
			}
			if err := cur.Delete(); err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}

func (s *boltStore) CreateClient(record *storage.ClientRecord) error {
	raw, err := cbor.Marshal(record)
	if err != nil {
		return fmt.Errorf("boltstore: failed to serialize client record: %v", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		cBkt, err := tx.Bucket([]byte(clientsBucket)).CreateBucket(record.ClientID.Bytes())
		if err == bolt.ErrBucketExists {
			return storage.ErrAlreadyExists
		} else if err != nil {
			return err
		}
		if _, err = cBkt.CreateBucket([]byte(queueBucket)); err != nil {
			return err
		}
		var seq [8]byte
		if err = cBkt.Put([]byte(nextSequenceKey), seq[:]); err != nil {
			return err
		}
		return cBkt.Put([]byte(recordKey), raw)
	})
}

func (s *boltStore) LoadClient(id wire.ClientID) (*storage.ClientRecord, error) {
	record := new(storage.ClientRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		cBkt := tx.Bucket([]byte(clientsBucket)).Bucket(id.Bytes())
		if cBkt == nil {
			return storage.ErrNotFound
		}
		return cbor.Unmarshal(cBkt.Get([]byte(recordKey)), record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *boltStore) UpdateClient(record *storage.ClientRecord) error {
	raw, err := cbor.Marshal(record)
	if err != nil {
		return fmt.Errorf("boltstore: failed to serialize client record: %v", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		cBkt := tx.Bucket([]byte(clientsBucket)).Bucket(record.ClientID.Bytes())
		if cBkt == nil {
			return storage.ErrNotFound
		}
		return cBkt.Put([]byte(recordKey), raw)
	})
}

func (s *boltStore) DeleteClient(id wire.ClientID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cBkt := tx.Bucket([]byte(clientsBucket))
		if cBkt.Bucket(id.Bytes()) == nil {
			return nil
		}
		return cBkt.DeleteBucket(id.Bytes())
	})
}

func (s *boltStore) Enqueue(id wire.ClientID, msg *wire.QueueMessage, ratchetState []byte) error {
	rawMsg, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("boltstore: failed to serialize queue message: %v", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		cBkt := tx.Bucket([]byte(clientsBucket)).Bucket(id.Bytes())
		if cBkt == nil {
			return storage.ErrNotFound
		}
		next := binary.BigEndian.Uint64(cBkt.Get([]byte(nextSequenceKey)))
		if msg.SequenceNumber != next {
			return storage.ErrSequenceMismatch
		}

		record := new(storage.ClientRecord)
		if err := cbor.Unmarshal(cBkt.Get([]byte(recordKey)), record); err != nil {
			return fmt.Errorf("boltstore: malformed client record: %v", err)
		}
		record.RatchetState = ratchetState
		rawRecord, err := cbor.Marshal(record)
		if err != nil {
			return fmt.Errorf("boltstore: failed to serialize client record: %v", err)
		}

		var key [8]byte
		binary.BigEndian.PutUint64(key[:], msg.SequenceNumber)
		if err = cBkt.Bucket([]byte(queueBucket)).Put(key[:], rawMsg); err != nil {
			return err
		}
		if err = cBkt.Put([]byte(recordKey), rawRecord); err != nil {
			return err
		}
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], next+1)
		return cBkt.Put([]byte(nextSequenceKey), seq[:])
	})
}

func (s *boltStore) ReadAndDelete(id wire.ClientID, fromSequence, maxCount uint64) ([]*wire.QueueMessage, uint64, error) {
	var msgs []*wire.QueueMessage
	var remaining uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		cBkt := tx.Bucket([]byte(clientsBucket)).Bucket(id.Bytes())
		if cBkt == nil {
			return storage.ErrNotFound
		}
		var fromKey [8]byte
		binary.BigEndian.PutUint64(fromKey[:], fromSequence)

		// Deletion-on-read is the queue's sole garbage collection:
		// everything below the client's low-water-mark is pruned and the
		// returned batch is consumed. Only messages beyond the batch
		// survive the call.
		qBkt := cBkt.Bucket([]byte(queueBucket))
		var consumed [][]byte
		cur := qBkt.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if bytes.Compare(k, fromKey[:]) < 0 {
				consumed = append(consumed, append([]byte{}, k...))
				continue
			}
			if uint64(len(msgs)) >= maxCount {
				remaining++
				continue
			}
			msg := new(wire.QueueMessage)
			if err := cbor.Unmarshal(v, msg); err != nil {
				return fmt.Errorf("boltstore: malformed queue message: %v", err)
			}
			msgs = append(msgs, msg)
			consumed = append(consumed, append([]byte{}, k...))
		}
		for _, k := range consumed {
			if err := qBkt.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return msgs, remaining, nil
}

func (s *boltStore) QueueDepth(id wire.ClientID) (uint64, error) {
	var depth uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		cBkt := tx.Bucket([]byte(clientsBucket)).Bucket(id.Bytes())
		if cBkt == nil {
			return storage.ErrNotFound
		}
		return cBkt.Bucket([]byte(queueBucket)).ForEach(func(k, v []byte) error {
			depth++
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return depth, nil
}

// New creates (or loads) a store backed by the database file f.
func New(f string) (storage.Store, error) {
	var err error

	s := new(boltStore)
	s.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exist, and grab the metadata bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, b := range []string{groupsBucket, reservationsBucket, clientsBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Well it looks like we loaded as opposed to created.
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("boltstore: incompatible version: %d", uint(b[0]))
			}
			return nil
		}

		// We created a new database, so populate the new `metadata` bucket.
		return bkt.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		s.db.Close()
		return nil, err
	}

	return s, nil
}
