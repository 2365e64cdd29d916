// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package qs implements the queue service: per-device delivery queues
// with ratchet encryption at rest, client record provisioning, and the
// fan-out workers that feed commits from the delivery service into the
// queues of the remaining members. The queue service owns the client
// reference key; the delivery service only ever sees sealed references.
package qs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/taubenpost/taubenpost/config"
	"github.com/taubenpost/taubenpost/core/log"
	"github.com/taubenpost/taubenpost/core/worker"
	"github.com/taubenpost/taubenpost/crypto/ear"
	"github.com/taubenpost/taubenpost/crypto/ratchet"
	"github.com/taubenpost/taubenpost/dispatch"
	"github.com/taubenpost/taubenpost/internal/constants"
	"github.com/taubenpost/taubenpost/push"
	"github.com/taubenpost/taubenpost/storage"
	"github.com/taubenpost/taubenpost/wire"
)

var (
	// ErrQueueNotFound is returned when no client record exists for the
	// requested queue.
	ErrQueueNotFound = errors.New("qs: queue not found")

	// ErrSequenceMismatch is returned when a queue append does not
	// continue the stored sequence. It indicates ratchet state and queue
	// contents have diverged.
	ErrSequenceMismatch = errors.New("qs: sequence number mismatch")

	// ErrInvalidRequest is returned for malformed provisioning input.
	ErrInvalidRequest = errors.New("qs: invalid request")

	// ErrStorage is returned when the storage backend fails. The request
	// may be retried.
	ErrStorage = errors.New("qs: storage failure")
)

var (
	messagesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.QSSubsystem,
			Name:      "messages_enqueued_total",
			Help:      "Number of queue enqueue attempts",
		},
		[]string{"outcome"},
	)
	pushNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.QSSubsystem,
			Name:      "push_notifications_total",
			Help:      "Number of push notification attempts",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(messagesEnqueued)
	prometheus.MustRegister(pushNotifications)
}

// Notifier delivers queue events to live client sessions. A Notify for a
// client without a session returns dispatch.ErrNoSession.
type Notifier interface {
	Notify(id wire.ClientID, ev *wire.QueueEvent) error
}

// Pusher wakes a device through an out-of-band push channel.
type Pusher interface {
	Push(token []byte) error
}

// QS is the queue service.
type QS struct {
	worker.Worker

	cfg      *config.Config
	log      *logging.Logger
	store    storage.Store
	refKey   *ear.ClientReferenceKey
	tokenKey *ear.PushTokenKey
	notifier Notifier
	pusher   Pusher

	ch *channels.InfiniteChannel

	locksLock sync.Mutex
	locks     map[wire.ClientID]*queueLock
}

type queueLock struct {
	sync.Mutex
	refs int
}

// New constructs the queue service and starts its fan-out workers.
func New(cfg *config.Config, logBackend *log.Backend, store storage.Store, refKey *ear.ClientReferenceKey, tokenKey *ear.PushTokenKey, notifier Notifier, pusher Pusher) *QS {
	q := &QS{
		cfg:      cfg,
		log:      logBackend.GetLogger("qs"),
		store:    store,
		refKey:   refKey,
		tokenKey: tokenKey,
		notifier: notifier,
		pusher:   pusher,
		ch:       channels.NewInfiniteChannel(),
		locks:    make(map[wire.ClientID]*queueLock),
	}
	for i := 0; i < cfg.Queues.FanOutWorkers; i++ {
		q.Go(q.fanOutWorker)
	}
	return q
}

// Halt stops the fan-out workers and closes the feed.
func (q *QS) Halt() {
	q.Worker.Halt()
	q.ch.Close()
}

// ReferenceFor seals a client identifier into the opaque queue reference
// handed to the delivery service.
func (q *QS) ReferenceFor(id wire.ClientID) (wire.SealedClientReference, error) {
	return q.refKey.SealClientReference(id)
}

// lockQueue serializes operations on one queue. The registry only holds
// locks for queues with an operation in flight.
func (q *QS) lockQueue(id wire.ClientID) *queueLock {
	q.locksLock.Lock()
	l := q.locks[id]
	if l == nil {
		l = new(queueLock)
		q.locks[id] = l
	}
	l.refs++
	q.locksLock.Unlock()
	l.Lock()
	return l
}

func (q *QS) unlockQueue(id wire.ClientID, l *queueLock) {
	l.Unlock()
	q.locksLock.Lock()
	l.refs--
	if l.refs == 0 {
		delete(q.locks, id)
	}
	q.locksLock.Unlock()
}

// CreateClientRecord provisions a delivery queue for a device. The owner
// key must be an Ed25519 verifying key and signature the owner's
// signature over those key bytes, proving possession of the signing key.
// The device derives the same queue ratchet from secret on its side. The
// fresh client identifier doubles as the queue identifier.
func (q *QS) CreateClientRecord(ownerVerifyingKey, signature []byte, secret ratchet.Secret, pushToken []byte) (wire.ClientID, error) {
	publicKey := new(eddsa.PublicKey)
	if err := publicKey.FromBytes(ownerVerifyingKey); err != nil {
		return wire.ClientID{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !publicKey.Verify(signature, publicKey.Bytes()) {
		return wire.ClientID{}, fmt.Errorf("%w: owner key possession signature does not verify", ErrInvalidRequest)
	}
	r, err := ratchet.New(secret)
	if err != nil {
		return wire.ClientID{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	state, err := r.MarshalCBOR()
	if err != nil {
		return wire.ClientID{}, fmt.Errorf("qs: serialize ratchet: %v", err)
	}

	record := &storage.ClientRecord{
		OwnerVerifyingKey: publicKey.Bytes(),
		RatchetState:      state,
		ActivityTime:      time.Now(),
	}
	for {
		record.ClientID = wire.NewClientID()
		if len(pushToken) != 0 {
			sealed, err := q.sealPushToken(record.ClientID, pushToken)
			if err != nil {
				return wire.ClientID{}, err
			}
			record.EncryptedPushToken = sealed
		}
		err = q.store.CreateClient(record)
		if err == nil {
			q.log.Debugf("Created client %v", record.ClientID)
			return record.ClientID, nil
		}
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return wire.ClientID{}, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
}

// UpdateClientRecord replaces the client's push token (empty clears it)
// and optionally rotates the owner verifying key.
func (q *QS) UpdateClientRecord(id wire.ClientID, newOwnerKey, pushToken []byte) error {
	l := q.lockQueue(id)
	defer q.unlockQueue(id, l)

	record, err := q.loadRecord(id)
	if err != nil {
		return err
	}
	if len(newOwnerKey) != 0 {
		publicKey := new(eddsa.PublicKey)
		if err = publicKey.FromBytes(newOwnerKey); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		record.OwnerVerifyingKey = publicKey.Bytes()
	}
	if len(pushToken) != 0 {
		sealed, err := q.sealPushToken(id, pushToken)
		if err != nil {
			return err
		}
		record.EncryptedPushToken = sealed
	} else {
		record.EncryptedPushToken = nil
	}
	record.ActivityTime = time.Now()
	if err = q.store.UpdateClient(record); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// DeleteClient removes the client record and its queue.
func (q *QS) DeleteClient(id wire.ClientID) error {
	l := q.lockQueue(id)
	defer q.unlockQueue(id, l)

	if err := q.store.DeleteClient(id); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	q.log.Debugf("Deleted client %v", id)
	return nil
}

// OwnerKey returns the client's stored verifying key, used to
// authenticate live sessions.
func (q *QS) OwnerKey(id wire.ClientID) (*eddsa.PublicKey, error) {
	record, err := q.loadRecord(id)
	if err != nil {
		return nil, err
	}
	publicKey := new(eddsa.PublicKey)
	if err = publicKey.FromBytes(record.OwnerVerifyingKey); err != nil {
		return nil, fmt.Errorf("qs: corrupt owner key for %v: %v", id, err)
	}
	return publicKey, nil
}

// Enqueue ratchet-encrypts payload onto the client's queue and notifies
// the owner: a live session if there is one, otherwise a push
// notification. Notification failures never fail the enqueue.
func (q *QS) Enqueue(id wire.ClientID, payload []byte) error {
	l := q.lockQueue(id)
	record, err := q.enqueueLocked(id, payload)
	q.unlockQueue(id, l)
	if err != nil {
		messagesEnqueued.WithLabelValues(enqueueOutcome(err)).Inc()
		return err
	}
	messagesEnqueued.WithLabelValues("ok").Inc()
	q.notify(id, record)
	return nil
}

func (q *QS) enqueueLocked(id wire.ClientID, payload []byte) (*storage.ClientRecord, error) {
	record, err := q.loadRecord(id)
	if err != nil {
		return nil, err
	}
	r := new(ratchet.QueueRatchet)
	if err = r.UnmarshalCBOR(record.RatchetState); err != nil {
		return nil, fmt.Errorf("%w: corrupt ratchet state: %v", ErrStorage, err)
	}
	msg, err := r.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("qs: ratchet encrypt: %v", err)
	}
	state, err := r.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("qs: serialize ratchet: %v", err)
	}
	if err = q.store.Enqueue(id, msg, state); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("%w: %v", ErrQueueNotFound, id)
		case errors.Is(err, storage.ErrSequenceMismatch):
			return nil, fmt.Errorf("%w: %v", ErrSequenceMismatch, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return record, nil
}

// ReadAndDelete consumes the client's queue: messages below fromSequence
// are dropped, up to max messages from fromSequence on are returned and
// removed, and the count still queued after the batch is reported. The
// batch size is capped by the configured fetch maximum.
func (q *QS) ReadAndDelete(id wire.ClientID, fromSequence, max uint64) ([]*wire.QueueMessage, uint64, error) {
	if max == 0 || max > q.cfg.Queues.MaxFetchCount {
		max = q.cfg.Queues.MaxFetchCount
	}
	l := q.lockQueue(id)
	defer q.unlockQueue(id, l)

	msgs, remaining, err := q.store.ReadAndDelete(id, fromSequence, max)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: %v", ErrQueueNotFound, id)
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return msgs, remaining, nil
}

func (q *QS) loadRecord(id wire.ClientID) (*storage.ClientRecord, error) {
	record, err := q.store.LoadClient(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrQueueNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return record, nil
}

func (q *QS) sealPushToken(id wire.ClientID, token []byte) ([]byte, error) {
	ct, err := q.tokenKey.Seal(token, id.Bytes())
	if err != nil {
		return nil, fmt.Errorf("qs: seal push token: %v", err)
	}
	blob, err := cbor.Marshal(&ct)
	if err != nil {
		return nil, fmt.Errorf("qs: serialize push token: %v", err)
	}
	return blob, nil
}

func (q *QS) notify(id wire.ClientID, record *storage.ClientRecord) {
	ev := &wire.QueueEvent{Kind: wire.QueueEventUpdate, Timestamp: time.Now()}
	err := q.notifier.Notify(id, ev)
	if err == nil {
		return
	}
	if !errors.Is(err, dispatch.ErrNoSession) {
		q.log.Warningf("Live notification for %v failed: %v", id, err)
		return
	}
	q.pushNotify(id, record)
}

func (q *QS) pushNotify(id wire.ClientID, record *storage.ClientRecord) {
	if q.pusher == nil || len(record.EncryptedPushToken) == 0 {
		return
	}
	var ct wire.Ciphertext
	if err := cbor.Unmarshal(record.EncryptedPushToken, &ct); err != nil {
		q.log.Warningf("Malformed stored push token for %v: %v", id, err)
		return
	}
	token, err := q.tokenKey.Open(ct, id.Bytes())
	if err != nil {
		// Sealed under a previous token key; useless now.
		q.log.Warningf("Failed to unseal push token for %v: %v", id, err)
		return
	}
	err = q.pusher.Push(token)
	switch {
	case err == nil:
		pushNotifications.WithLabelValues("ok").Inc()
	case errors.Is(err, push.ErrInvalidToken):
		pushNotifications.WithLabelValues("invalid_token").Inc()
		q.clearPushToken(id)
	default:
		pushNotifications.WithLabelValues("failed").Inc()
		q.log.Warningf("Push notification for %v failed: %v", id, err)
	}
}

// clearPushToken drops a stored token the provider reported as invalid.
// The record is reloaded under the queue lock so a concurrent ratchet
// advance is never overwritten.
func (q *QS) clearPushToken(id wire.ClientID) {
	l := q.lockQueue(id)
	defer q.unlockQueue(id, l)

	record, err := q.store.LoadClient(id)
	if err != nil {
		return
	}
	if len(record.EncryptedPushToken) == 0 {
		return
	}
	record.EncryptedPushToken = nil
	if err = q.store.UpdateClient(record); err != nil {
		q.log.Warningf("Failed to clear push token for %v: %v", id, err)
		return
	}
	q.log.Debugf("Cleared invalid push token for %v", id)
}

func enqueueOutcome(err error) string {
	switch {
	case errors.Is(err, ErrQueueNotFound):
		return "unknown_client"
	case errors.Is(err, ErrSequenceMismatch):
		return "sequence_mismatch"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "error"
	}
}
