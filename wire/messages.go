// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"time"
)

// Ciphertext is an AEAD ciphertext together with the nonce it was sealed
// under. The same framing is used by the queue ratchet and by all
// encryption-at-rest payloads.
type Ciphertext struct {
	Nonce      []byte `cbor:"1,keyasint"`
	Ciphertext []byte `cbor:"2,keyasint"`
}

// QueueMessage is one ratchet-encrypted message as it sits in a delivery
// queue. SequenceNumber is the ratchet position the message was encrypted
// at; messages are stored and delivered in strict sequence order.
type QueueMessage struct {
	SequenceNumber uint64     `cbor:"1,keyasint"`
	Ciphertext     Ciphertext `cbor:"2,keyasint"`
}

// MessageType distinguishes the kinds of payload fanned out to queues.
type MessageType uint8

const (
	// MessageTypeProtocol is a serialized group protocol message (a commit
	// or application message distributed to the group).
	MessageTypeProtocol MessageType = iota

	// MessageTypeWelcome is a welcome bundle for a device that was just
	// added to a group.
	MessageTypeWelcome
)

// FanOutPayload is the plaintext handed to a recipient's queue ratchet.
// It is CBOR serialized before encryption so that the receiving client can
// reconstruct type and ordering information.
type FanOutPayload struct {
	Timestamp   time.Time   `cbor:"1,keyasint"`
	MessageType MessageType `cbor:"2,keyasint"`
	Payload     []byte      `cbor:"3,keyasint"`
}

// FanOutMessage pairs a payload with one sealed recipient reference. The
// delivery service emits one of these per remaining group member after a
// successful commit; the queue service unseals the reference and enqueues.
type FanOutMessage struct {
	Payload         FanOutPayload         `cbor:"1,keyasint"`
	ClientReference SealedClientReference `cbor:"2,keyasint"`
}

// QueueEventKind enumerates the events streamed to a live client
// connection.
type QueueEventKind uint8

const (
	// QueueEventUpdate signals that at least one new message was enqueued
	// and the client should fetch.
	QueueEventUpdate QueueEventKind = iota
)

// QueueEvent is one event on a live client connection.
type QueueEvent struct {
	Kind      QueueEventKind `cbor:"1,keyasint"`
	Timestamp time.Time      `cbor:"2,keyasint"`
}

// ListenHello is the first frame a client sends on a live connection. The
// signature covers the client identifier and the timestamp and is verified
// against the queue owner key on record; stale timestamps are rejected.
type ListenHello struct {
	ClientID  ClientID  `cbor:"1,keyasint"`
	Timestamp time.Time `cbor:"2,keyasint"`
	Signature []byte    `cbor:"3,keyasint"`
}

// SigningPayload returns the bytes the hello signature must cover.
func (h *ListenHello) SigningPayload() []byte {
	b := make([]byte, 0, ClientIDLength+8)
	b = append(b, h.ClientID.Bytes()...)
	ts := h.Timestamp.Unix()
	for i := 7; i >= 0; i-- {
		b = append(b, byte(ts>>(8*uint(i))))
	}
	return b
}
