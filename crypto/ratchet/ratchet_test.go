// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

import (
	"fmt"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func testSecret(t *testing.T) Secret {
	s, err := SecretFromBytes([]byte("abcdefghijklmnopqrstuvwxyz012345"))
	require.NoError(t, err)
	return s
}

func TestRatchetRoundTrip(t *testing.T) {
	require := require.New(t)

	secret := testSecret(t)
	sender, err := New(secret)
	require.NoError(err)
	receiver, err := New(secret)
	require.NoError(err)

	for i := 0; i < 10; i++ {
		payload := []byte(fmt.Sprintf("message %d", i))
		msg, err := sender.Encrypt(payload)
		require.NoError(err)
		require.Equal(uint64(i), msg.SequenceNumber)

		recovered, err := receiver.Decrypt(msg)
		require.NoError(err)
		require.Equal(payload, recovered)
	}
	require.Equal(uint64(10), sender.SequenceNumber())
	require.Equal(uint64(10), receiver.SequenceNumber())
}

func TestRatchetOutOfOrder(t *testing.T) {
	require := require.New(t)

	secret := testSecret(t)
	sender, err := New(secret)
	require.NoError(err)
	receiver, err := New(secret)
	require.NoError(err)

	first, err := sender.Encrypt([]byte("first"))
	require.NoError(err)
	second, err := sender.Encrypt([]byte("second"))
	require.NoError(err)

	// A message from a later position must not decrypt, and the failure
	// must not advance the receiver.
	_, err = receiver.Decrypt(second)
	require.ErrorIs(err, ErrDecryptionFailure)
	require.Equal(uint64(0), receiver.SequenceNumber())

	recovered, err := receiver.Decrypt(first)
	require.NoError(err)
	require.Equal([]byte("first"), recovered)

	recovered, err = receiver.Decrypt(second)
	require.NoError(err)
	require.Equal([]byte("second"), recovered)
}

func TestRatchetForwardSecrecy(t *testing.T) {
	require := require.New(t)

	secret := testSecret(t)
	sender, err := New(secret)
	require.NoError(err)
	receiver, err := New(secret)
	require.NoError(err)

	msg, err := sender.Encrypt([]byte("ephemeral"))
	require.NoError(err)

	_, err = receiver.Decrypt(msg)
	require.NoError(err)

	// Once the receiver has advanced past a message, its key is gone.
	_, err = receiver.Decrypt(msg)
	require.ErrorIs(err, ErrDecryptionFailure)
}

func TestRatchetTamperedMessage(t *testing.T) {
	require := require.New(t)

	secret := testSecret(t)
	sender, err := New(secret)
	require.NoError(err)
	receiver, err := New(secret)
	require.NoError(err)

	msg, err := sender.Encrypt([]byte("payload"))
	require.NoError(err)

	tampered := *msg
	tampered.Ciphertext.Ciphertext = append([]byte{}, msg.Ciphertext.Ciphertext...)
	tampered.Ciphertext.Ciphertext[0] ^= 0x01

	_, err = receiver.Decrypt(&tampered)
	require.ErrorIs(err, ErrDecryptionFailure)

	// The intact original still decrypts afterwards.
	recovered, err := receiver.Decrypt(msg)
	require.NoError(err)
	require.Equal([]byte("payload"), recovered)
}

func TestRatchetPersistence(t *testing.T) {
	require := require.New(t)

	secret := testSecret(t)
	sender, err := New(secret)
	require.NoError(err)
	receiver, err := New(secret)
	require.NoError(err)

	msg, err := sender.Encrypt([]byte("before checkpoint"))
	require.NoError(err)
	_, err = receiver.Decrypt(msg)
	require.NoError(err)

	blob, err := cbor.Marshal(receiver)
	require.NoError(err)

	restored := new(QueueRatchet)
	require.NoError(cbor.Unmarshal(blob, restored))
	require.Equal(receiver.SequenceNumber(), restored.SequenceNumber())

	msg, err = sender.Encrypt([]byte("after checkpoint"))
	require.NoError(err)
	recovered, err := restored.Decrypt(msg)
	require.NoError(err)
	require.Equal([]byte("after checkpoint"), recovered)
}

func TestRatchetDistinctSecrets(t *testing.T) {
	require := require.New(t)

	sender, err := NewRandom()
	require.NoError(err)
	receiver, err := NewRandom()
	require.NoError(err)

	msg, err := sender.Encrypt([]byte("for someone else"))
	require.NoError(err)
	_, err = receiver.Decrypt(msg)
	require.ErrorIs(err, ErrDecryptionFailure)
}
