// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ear implements the symmetric encryption-at-rest scheme used for
// everything the server stores or routes but must not be able to read
// without a caller-supplied or role-scoped key: group state blobs, push
// tokens, and sealed queue references. The AEAD is AES-256-GCM with a
// random nonce carried alongside the ciphertext.
package ear

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"

	"github.com/taubenpost/taubenpost/wire"
)

const (
	// KeySize is the size of an encryption-at-rest key in bytes.
	KeySize = 32

	// NonceSize is the AEAD nonce size in bytes.
	NonceSize = 12
)

// ErrDecryptionFailure is returned when an AEAD open fails, either because
// the key is wrong or the ciphertext was tampered with.
var ErrDecryptionFailure = errors.New("ear: decryption failure")

// Key is a symmetric encryption-at-rest key. Use one of the typed wrappers
// below rather than a bare Key so that keys for different purposes cannot
// be interchanged.
type Key [KeySize]byte

// NewKey generates a fresh random key.
func NewKey() (*Key, error) {
	k := new(Key)
	if _, err := rand.Reader.Read(k[:]); err != nil {
		return nil, fmt.Errorf("ear: failed to generate key: %v", err)
	}
	return k, nil
}

// KeyFromBytes copies b into a Key.
func KeyFromBytes(b []byte) (*Key, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("ear: invalid key length %d, want %d", len(b), KeySize)
	}
	k := new(Key)
	copy(k[:], b)
	return k, nil
}

// Seal encrypts plaintext under the key, binding aad. The nonce is random
// and returned inside the ciphertext structure.
func (k *Key) Seal(plaintext, aad []byte) (wire.Ciphertext, error) {
	aead, err := k.aead()
	if err != nil {
		return wire.Ciphertext{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Reader.Read(nonce); err != nil {
		return wire.Ciphertext{}, fmt.Errorf("ear: failed to generate nonce: %v", err)
	}
	return wire.Ciphertext{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, aad),
	}, nil
}

// Open decrypts a ciphertext produced by Seal with the same key and aad.
func (k *Key) Open(ct wire.Ciphertext, aad []byte) ([]byte, error) {
	if len(ct.Nonce) != NonceSize {
		return nil, ErrDecryptionFailure
	}
	aead, err := k.aead()
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, ct.Nonce, ct.Ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return plaintext, nil
}

// Bytes returns the raw key material.
func (k *Key) Bytes() []byte {
	return k[:]
}

// MarshalCBOR encodes the key as a CBOR byte string.
func (k Key) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(k[:])
}

// UnmarshalCBOR decodes the key from a CBOR byte string.
func (k *Key) UnmarshalCBOR(b []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("ear: malformed key: %v", err)
	}
	if len(raw) != KeySize {
		return fmt.Errorf("ear: invalid key length %d, want %d", len(raw), KeySize)
	}
	copy(k[:], raw)
	return nil
}

func (k *Key) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, fmt.Errorf("ear: failed to construct cipher: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ear: failed to construct AEAD: %v", err)
	}
	return aead, nil
}

// GroupStateKey encrypts a group's stored state. It is held by the group's
// members and supplied with every request; the server only ever uses it
// transiently.
type GroupStateKey struct {
	Key
}

// NewGroupStateKey generates a fresh group state key.
func NewGroupStateKey() (*GroupStateKey, error) {
	k, err := NewKey()
	if err != nil {
		return nil, err
	}
	return &GroupStateKey{Key: *k}, nil
}

// PushTokenKey encrypts stored push tokens. It is configured on the server
// and never leaves it.
type PushTokenKey struct {
	Key
}

// NewPushTokenKey generates a fresh push token key.
func NewPushTokenKey() (*PushTokenKey, error) {
	k, err := NewKey()
	if err != nil {
		return nil, err
	}
	return &PushTokenKey{Key: *k}, nil
}

// ClientReferenceKey seals client identifiers into queue references held
// by the delivery service. It is owned by the queue service.
type ClientReferenceKey struct {
	Key
}

// NewClientReferenceKey generates a fresh client reference key.
func NewClientReferenceKey() (*ClientReferenceKey, error) {
	k, err := NewKey()
	if err != nil {
		return nil, err
	}
	return &ClientReferenceKey{Key: *k}, nil
}

// SealClientReference seals a client identifier into the opaque reference
// handed to the delivery service.
func (k *ClientReferenceKey) SealClientReference(id wire.ClientID) (wire.SealedClientReference, error) {
	ct, err := k.Seal(id.Bytes(), nil)
	if err != nil {
		return nil, err
	}
	blob, err := cbor.Marshal(ct)
	if err != nil {
		return nil, fmt.Errorf("ear: failed to serialize reference: %v", err)
	}
	return wire.SealedClientReference(blob), nil
}

// OpenClientReference recovers the client identifier from a sealed
// reference.
func (k *ClientReferenceKey) OpenClientReference(ref wire.SealedClientReference) (wire.ClientID, error) {
	var ct wire.Ciphertext
	if err := cbor.Unmarshal(ref, &ct); err != nil {
		return wire.ClientID{}, ErrDecryptionFailure
	}
	raw, err := k.Open(ct, nil)
	if err != nil {
		return wire.ClientID{}, err
	}
	if len(raw) != wire.ClientIDLength {
		return wire.ClientID{}, ErrDecryptionFailure
	}
	var id wire.ClientID
	copy(id[:], raw)
	return id, nil
}
