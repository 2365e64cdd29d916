// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ratchet implements the symmetric queue ratchet that encrypts
// messages at rest in a client's queue. Each encryption or successful
// decryption consumes the current key and derives the next one from a
// hash chain, so a compromise of the stored state never reveals
// previously delivered messages.
package ratchet

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/hkdf"

	"github.com/taubenpost/taubenpost/crypto/ear"
	"github.com/taubenpost/taubenpost/wire"
)

// SecretSize is the size of a ratchet chain secret in bytes.
const SecretSize = 32

var (
	secretDeriveInfo = []byte("RatchetSecret derive")
	keyDeriveInfo    = []byte("RatchetKey")
)

// ErrDecryptionFailure is returned when a queue message fails to decrypt.
// The ratchet does not advance on failure, so the message may be retried.
var ErrDecryptionFailure = errors.New("ratchet: decryption failure")

// HashFunc is the hash used by the ratchet's key derivation chain.
var HashFunc = sha256.New

// Secret is a ratchet chain secret, the root of all keys the ratchet will
// ever derive.
type Secret [SecretSize]byte

// NewSecret generates a fresh random chain secret.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Reader.Read(s[:]); err != nil {
		return Secret{}, fmt.Errorf("ratchet: failed to generate secret: %v", err)
	}
	return s, nil
}

// SecretFromBytes copies b into a Secret.
func SecretFromBytes(b []byte) (Secret, error) {
	if len(b) != SecretSize {
		return Secret{}, fmt.Errorf("ratchet: invalid secret length %d, want %d", len(b), SecretSize)
	}
	var s Secret
	copy(s[:], b)
	return s, nil
}

// MarshalCBOR encodes the secret as a CBOR byte string.
func (s Secret) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(s[:])
}

// UnmarshalCBOR decodes the secret from a CBOR byte string.
func (s *Secret) UnmarshalCBOR(b []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("ratchet: malformed secret: %v", err)
	}
	if len(raw) != SecretSize {
		return fmt.Errorf("ratchet: invalid secret length %d, want %d", len(raw), SecretSize)
	}
	copy(s[:], raw)
	return nil
}

// QueueRatchet holds the state of one direction of a queue's ratchet
// chain. Both endpoints initialize from the same chain secret and advance
// in lockstep, the queue on encryption and the client on decryption.
type QueueRatchet struct {
	sequenceNumber uint64
	secret         Secret
	key            ear.Key
}

// New initializes a ratchet from a chain secret. The first message key is
// derived immediately so the secret alone never encrypts anything.
func New(secret Secret) (*QueueRatchet, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	return &QueueRatchet{
		sequenceNumber: 0,
		secret:         secret,
		key:            key,
	}, nil
}

// NewRandom initializes a ratchet from a freshly generated chain secret.
func NewRandom() (*QueueRatchet, error) {
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}
	return New(secret)
}

// SequenceNumber returns the sequence number the next encrypted message
// will carry.
func (r *QueueRatchet) SequenceNumber() uint64 {
	return r.sequenceNumber
}

// Encrypt encrypts payload under the current message key, stamps the
// message with the current sequence number and advances the ratchet.
func (r *QueueRatchet) Encrypt(payload []byte) (*wire.QueueMessage, error) {
	ct, err := r.key.Seal(payload, nil)
	if err != nil {
		return nil, err
	}
	msg := &wire.QueueMessage{
		SequenceNumber: r.sequenceNumber,
		Ciphertext:     ct,
	}
	if err := r.ratchetForward(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Decrypt decrypts a queue message with the current message key and, on
// success, advances the ratchet. On failure the state is left untouched
// and ErrDecryptionFailure is returned.
func (r *QueueRatchet) Decrypt(msg *wire.QueueMessage) ([]byte, error) {
	plaintext, err := r.key.Open(msg.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	if err := r.ratchetForward(); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// ratchetForward derives the next chain secret and message key and bumps
// the sequence number. The previous secret and key are overwritten and
// unrecoverable afterwards.
func (r *QueueRatchet) ratchetForward() error {
	next, err := deriveSecret(r.secret)
	if err != nil {
		return err
	}
	key, err := deriveKey(next)
	if err != nil {
		return err
	}
	r.secret = next
	r.key = key
	r.sequenceNumber++
	return nil
}

type ratchetState struct {
	SequenceNumber uint64  `cbor:"1,keyasint"`
	Secret         Secret  `cbor:"2,keyasint"`
	Key            ear.Key `cbor:"3,keyasint"`
}

// MarshalCBOR serializes the ratchet state for storage.
func (r *QueueRatchet) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(&ratchetState{
		SequenceNumber: r.sequenceNumber,
		Secret:         r.secret,
		Key:            r.key,
	})
}

// UnmarshalCBOR restores a ratchet from its serialized state.
func (r *QueueRatchet) UnmarshalCBOR(b []byte) error {
	var st ratchetState
	if err := cbor.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("ratchet: malformed state: %v", err)
	}
	r.sequenceNumber = st.SequenceNumber
	r.secret = st.Secret
	r.key = st.Key
	return nil
}

func deriveSecret(secret Secret) (Secret, error) {
	var next Secret
	if err := expand(secret[:], secretDeriveInfo, next[:]); err != nil {
		return Secret{}, err
	}
	return next, nil
}

func deriveKey(secret Secret) (ear.Key, error) {
	var key ear.Key
	if err := expand(secret[:], keyDeriveInfo, key[:]); err != nil {
		return ear.Key{}, err
	}
	return key, nil
}

func expand(prk, info, out []byte) error {
	if _, err := io.ReadFull(hkdf.Expand(HashFunc, prk, info), out); err != nil {
		return fmt.Errorf("ratchet: key derivation failed: %v", err)
	}
	return nil
}
