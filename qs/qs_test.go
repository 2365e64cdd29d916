// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package qs

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/taubenpost/taubenpost/config"
	"github.com/taubenpost/taubenpost/core/log"
	"github.com/taubenpost/taubenpost/crypto/ear"
	"github.com/taubenpost/taubenpost/crypto/ratchet"
	"github.com/taubenpost/taubenpost/dispatch"
	"github.com/taubenpost/taubenpost/push"
	"github.com/taubenpost/taubenpost/storage"
	"github.com/taubenpost/taubenpost/storage/boltstore"
	"github.com/taubenpost/taubenpost/wire"
)

type fakeNotifier struct {
	sync.Mutex
	err   error
	calls []wire.ClientID
}

func (n *fakeNotifier) Notify(id wire.ClientID, ev *wire.QueueEvent) error {
	n.Lock()
	defer n.Unlock()
	n.calls = append(n.calls, id)
	return n.err
}

func (n *fakeNotifier) setErr(err error) {
	n.Lock()
	defer n.Unlock()
	n.err = err
}

func (n *fakeNotifier) count() int {
	n.Lock()
	defer n.Unlock()
	return len(n.calls)
}

type fakePusher struct {
	sync.Mutex
	err    error
	tokens [][]byte
}

func (p *fakePusher) Push(token []byte) error {
	p.Lock()
	defer p.Unlock()
	p.tokens = append(p.tokens, append([]byte{}, token...))
	return p.err
}

func (p *fakePusher) pushed() [][]byte {
	p.Lock()
	defer p.Unlock()
	return append([][]byte{}, p.tokens...)
}

type testQS struct {
	t        *testing.T
	q        *QS
	store    storage.Store
	notifier *fakeNotifier
	pusher   *fakePusher
}

func newTestQS(t *testing.T) *testQS {
	require := require.New(t)

	store, err := boltstore.New(filepath.Join(t.TempDir(), "queues.db"))
	require.NoError(err)
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	refKey, err := ear.NewClientReferenceKey()
	require.NoError(err)
	tokenKey, err := ear.NewPushTokenKey()
	require.NoError(err)

	cfg := &config.Config{
		Queues: &config.Queues{FanOutWorkers: 2, MaxFetchCount: 4},
	}
	notifier := &fakeNotifier{err: dispatch.ErrNoSession}
	pusher := &fakePusher{}
	q := New(cfg, logBackend, store, refKey, tokenKey, notifier, pusher)
	t.Cleanup(func() {
		q.Halt()
		store.Close()
	})
	return &testQS{t: t, q: q, store: store, notifier: notifier, pusher: pusher}
}

func (ts *testQS) provision(pushToken []byte) (wire.ClientID, ratchet.Secret) {
	require := require.New(ts.t)

	pub, priv, err := eddsa.Scheme().GenerateKey()
	require.NoError(err)
	publicKey := pub.(*eddsa.PublicKey)
	sig := eddsa.Scheme().Sign(priv, publicKey.Bytes(), nil)

	secret, err := ratchet.NewSecret()
	require.NoError(err)
	id, err := ts.q.CreateClientRecord(publicKey.Bytes(), sig, secret, pushToken)
	require.NoError(err)
	return id, secret
}

func (ts *testQS) awaitMessage(id wire.ClientID) *wire.QueueMessage {
	require := require.New(ts.t)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msgs, _, err := ts.q.ReadAndDelete(id, 0, 0)
		require.NoError(err)
		if len(msgs) > 0 {
			require.Len(msgs, 1)
			return msgs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	ts.t.Fatal("timed out waiting for fan-out delivery")
	return nil
}

func TestCreateClientRecord(t *testing.T) {
	require := require.New(t)
	ts := newTestQS(t)

	pub, priv, err := eddsa.Scheme().GenerateKey()
	require.NoError(err)
	publicKey := pub.(*eddsa.PublicKey)
	secret, err := ratchet.NewSecret()
	require.NoError(err)

	// The possession signature must cover the key bytes.
	badSig := eddsa.Scheme().Sign(priv, []byte("something else"), nil)
	_, err = ts.q.CreateClientRecord(publicKey.Bytes(), badSig, secret, nil)
	require.ErrorIs(err, ErrInvalidRequest)

	_, err = ts.q.CreateClientRecord([]byte{0x01, 0x02}, badSig, secret, nil)
	require.ErrorIs(err, ErrInvalidRequest)

	sig := eddsa.Scheme().Sign(priv, publicKey.Bytes(), nil)
	id, err := ts.q.CreateClientRecord(publicKey.Bytes(), sig, secret, nil)
	require.NoError(err)

	record, err := ts.store.LoadClient(id)
	require.NoError(err)
	require.Equal(publicKey.Bytes(), record.OwnerVerifyingKey)
	require.Empty(record.EncryptedPushToken)

	ownerKey, err := ts.q.OwnerKey(id)
	require.NoError(err)
	require.Equal(publicKey.Bytes(), ownerKey.Bytes())

	_, err = ts.q.OwnerKey(wire.NewClientID())
	require.ErrorIs(err, ErrQueueNotFound)
}

func TestEnqueueAndFetch(t *testing.T) {
	require := require.New(t)
	ts := newTestQS(t)

	id, secret := ts.provision(nil)

	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for _, p := range payloads {
		require.NoError(ts.q.Enqueue(id, p))
	}

	msgs, remaining, err := ts.q.ReadAndDelete(id, 0, 0)
	require.NoError(err)
	require.Len(msgs, 3)
	require.Equal(uint64(0), remaining)

	// The device holds the ratchet peer and unwinds the chain in order.
	r, err := ratchet.New(secret)
	require.NoError(err)
	for i, msg := range msgs {
		require.Equal(uint64(i), msg.SequenceNumber)
		plaintext, err := r.Decrypt(msg)
		require.NoError(err)
		require.Equal(payloads[i], plaintext)
	}

	// Consumed messages are gone.
	msgs, remaining, err = ts.q.ReadAndDelete(id, 0, 0)
	require.NoError(err)
	require.Empty(msgs)
	require.Equal(uint64(0), remaining)

	unknown := wire.NewClientID()
	require.ErrorIs(ts.q.Enqueue(unknown, []byte("x")), ErrQueueNotFound)
	_, _, err = ts.q.ReadAndDelete(unknown, 0, 0)
	require.ErrorIs(err, ErrQueueNotFound)
}

func TestFetchCap(t *testing.T) {
	require := require.New(t)
	ts := newTestQS(t)

	id, _ := ts.provision(nil)
	for i := 0; i < 6; i++ {
		require.NoError(ts.q.Enqueue(id, []byte{byte(i)}))
	}

	// An unbounded request is clamped to the configured maximum.
	msgs, remaining, err := ts.q.ReadAndDelete(id, 0, 100)
	require.NoError(err)
	require.Len(msgs, 4)
	require.Equal(uint64(2), remaining)
	require.Equal(uint64(0), msgs[0].SequenceNumber)

	msgs, remaining, err = ts.q.ReadAndDelete(id, 4, 0)
	require.NoError(err)
	require.Len(msgs, 2)
	require.Equal(uint64(0), remaining)
	require.Equal(uint64(4), msgs[0].SequenceNumber)
}

func TestNotification(t *testing.T) {
	require := require.New(t)
	ts := newTestQS(t)

	pushToken := []byte("platform-token-blob")
	id, _ := ts.provision(pushToken)

	// A live session swallows the wakeup, no push is sent.
	ts.notifier.setErr(nil)
	require.NoError(ts.q.Enqueue(id, []byte("a")))
	require.Equal(1, ts.notifier.count())
	require.Empty(ts.pusher.pushed())

	// Without a session the stored token is unsealed and pushed.
	ts.notifier.setErr(dispatch.ErrNoSession)
	require.NoError(ts.q.Enqueue(id, []byte("b")))
	require.Equal([][]byte{pushToken}, ts.pusher.pushed())

	// A client without a token is skipped silently.
	plain, _ := ts.provision(nil)
	require.NoError(ts.q.Enqueue(plain, []byte("c")))
	require.Len(ts.pusher.pushed(), 1)
}

func TestInvalidTokenCleared(t *testing.T) {
	require := require.New(t)
	ts := newTestQS(t)

	id, _ := ts.provision([]byte("stale-token"))
	ts.pusher.err = push.ErrInvalidToken

	require.NoError(ts.q.Enqueue(id, []byte("a")))
	require.Len(ts.pusher.pushed(), 1)

	record, err := ts.store.LoadClient(id)
	require.NoError(err)
	require.Empty(record.EncryptedPushToken, "rejected token must be dropped")

	// No token left, so no further push attempts.
	require.NoError(ts.q.Enqueue(id, []byte("b")))
	require.Len(ts.pusher.pushed(), 1)
}

func TestUpdateClientRecord(t *testing.T) {
	require := require.New(t)
	ts := newTestQS(t)

	id, _ := ts.provision(nil)

	require.NoError(ts.q.UpdateClientRecord(id, nil, []byte("fresh-token")))
	record, err := ts.store.LoadClient(id)
	require.NoError(err)
	require.NotEmpty(record.EncryptedPushToken)

	// An empty token clears the stored one.
	require.NoError(ts.q.UpdateClientRecord(id, nil, nil))
	record, err = ts.store.LoadClient(id)
	require.NoError(err)
	require.Empty(record.EncryptedPushToken)

	pub, _, err := eddsa.Scheme().GenerateKey()
	require.NoError(err)
	rotated := pub.(*eddsa.PublicKey)
	require.NoError(ts.q.UpdateClientRecord(id, rotated.Bytes(), nil))
	ownerKey, err := ts.q.OwnerKey(id)
	require.NoError(err)
	require.Equal(rotated.Bytes(), ownerKey.Bytes())

	require.ErrorIs(ts.q.UpdateClientRecord(id, []byte{0xff}, nil), ErrInvalidRequest)
	require.ErrorIs(ts.q.UpdateClientRecord(wire.NewClientID(), nil, nil), ErrQueueNotFound)
}

func TestDeleteClient(t *testing.T) {
	require := require.New(t)
	ts := newTestQS(t)

	id, _ := ts.provision(nil)
	require.NoError(ts.q.Enqueue(id, []byte("pending")))
	require.NoError(ts.q.DeleteClient(id))
	require.ErrorIs(ts.q.Enqueue(id, []byte("late")), ErrQueueNotFound)
}

func TestFanOutDelivery(t *testing.T) {
	require := require.New(t)
	ts := newTestQS(t)

	id, secret := ts.provision(nil)
	ref, err := ts.q.ReferenceFor(id)
	require.NoError(err)

	// A malformed reference must not wedge the workers.
	ts.q.Dispatch(&wire.FanOutMessage{
		Payload:         wire.FanOutPayload{Timestamp: time.Now(), MessageType: wire.MessageTypeProtocol},
		ClientReference: wire.SealedClientReference([]byte("garbage")),
	})

	want := wire.FanOutPayload{
		Timestamp:   time.Now().UTC(),
		MessageType: wire.MessageTypeProtocol,
		Payload:     []byte("commit-bytes"),
	}
	ts.q.Dispatch(&wire.FanOutMessage{Payload: want, ClientReference: ref})

	msg := ts.awaitMessage(id)
	r, err := ratchet.New(secret)
	require.NoError(err)
	plaintext, err := r.Decrypt(msg)
	require.NoError(err)

	var got wire.FanOutPayload
	require.NoError(cbor.Unmarshal(plaintext, &got))
	require.Equal(want.MessageType, got.MessageType)
	require.Equal(want.Payload, got.Payload)
	require.WithinDuration(want.Timestamp, got.Timestamp, time.Second)
}
