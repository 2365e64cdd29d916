// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ear

import (
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/katzenpost/hpqc/util"
)

// ToPEMBytes encodes the key as a PEM block of the given type.
func ToPEMBytes(keyType string, k *Key) []byte {
	if util.CtIsZero(k[:]) {
		panic(fmt.Sprintf("ear.ToPEMBytes/%s: attempted to serialize scrubbed key", keyType))
	}
	blk := &pem.Block{
		Type:  strings.ToUpper(keyType),
		Bytes: k.Bytes(),
	}
	return pem.EncodeToMemory(blk)
}

// ToFile writes the key to f as a PEM block of the given type.
func ToFile(f, keyType string, k *Key) error {
	out, err := os.OpenFile(f, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	outBuf := ToPEMBytes(keyType, k)
	writeCount, err := out.Write(outBuf)
	if err != nil {
		return err
	}
	if writeCount != len(outBuf) {
		return errors.New("partial write failure")
	}
	if err = out.Sync(); err != nil {
		return err
	}
	return out.Close()
}

// FromPEMBytes decodes a key from a PEM block of the given type.
func FromPEMBytes(b []byte, keyType string) (*Key, error) {
	keyType = strings.ToUpper(keyType)
	blk, _ := pem.Decode(b)
	if blk == nil {
		return nil, fmt.Errorf("ear: failed to decode PEM data from %s PEM", keyType)
	}
	if strings.ToUpper(blk.Type) != keyType {
		return nil, fmt.Errorf("ear: attempted to decode PEM file with wrong key type %v != %v", blk.Type, keyType)
	}
	return KeyFromBytes(blk.Bytes)
}

// FromFile reads a key PEM block of the given type from f.
func FromFile(f, keyType string) (*Key, error) {
	buf, err := os.ReadFile(f)
	if err != nil {
		return nil, fmt.Errorf("ear: FromFile error: %s", err)
	}
	return FromPEMBytes(buf, keyType)
}
