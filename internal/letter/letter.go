// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package letter is the client-side envelope layer: keypair
// generation, encryption, and decryption of letters. It is a pure
// library with no ledger or HTTP dependency, matching the
// treatment of the encryption boundary as opaque to the core.
package letter

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/sha3"
)

// KeyPair is a client's Curve25519 keypair for nacl/box.
type KeyPair struct {
	Public  *[32]byte
	Private *[32]byte
}

// ErrDecryptFailed is returned when an envelope cannot be opened with
// the given keypair, either because it was tampered with or addressed
// to someone else.
var ErrDecryptFailed = errors.New("letter: failed to decrypt envelope")

// GenerateKeyPair produces a fresh Curve25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Fingerprint is the hex-encoded SHA3-256 digest of a public key, the
// value stored as a Letter Entry's ownerFingerprint.
func Fingerprint(pub *[32]byte) string {
	sum := sha3.Sum256(pub[:])
	return hex.EncodeToString(sum[:])
}

// Encrypt seals plaintext for recipientPub using senderPriv, returning
// a base64-encoded envelope of the form nonce || ciphertext, suitable
// for the opaque Letter Entry `payload` field.
func Encrypt(plaintext []byte, recipientPub *[32]byte, senderPriv *[32]byte) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	sealed := box.Seal(nonce[:], plaintext, &nonce, recipientPub, senderPriv)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt, given the recipient's
// private key and the sender's public key.
func Decrypt(envelope string, senderPub *[32]byte, recipientPriv *[32]byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, err
	}
	if len(raw) < 24 {
		return nil, ErrDecryptFailed
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])

	plaintext, ok := box.Open(nil, raw[24:], &nonce, senderPub, recipientPriv)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
