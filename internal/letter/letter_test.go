// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package letter_test

import (
	"testing"

	"github.com/letterrelay/relaynet/internal/letter"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender, err := letter.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair sender: %v", err)
	}
	recipient, err := letter.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair recipient: %v", err)
	}

	plaintext := []byte("a letter only the recipient should read")
	envelope, err := letter.Encrypt(plaintext, recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := letter.Decrypt(envelope, sender.Public, recipient.Private)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("expected round-trip plaintext, got %q", got)
	}
}

func TestDecryptFailsForWrongRecipient(t *testing.T) {
	sender, _ := letter.GenerateKeyPair()
	recipient, _ := letter.GenerateKeyPair()
	stranger, _ := letter.GenerateKeyPair()

	envelope, err := letter.Encrypt([]byte("secret"), recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := letter.Decrypt(envelope, sender.Public, stranger.Private); err == nil {
		t.Fatal("expected decryption to fail for the wrong recipient")
	}
}

func TestFingerprintIsDeterministic(t *testing.T) {
	kp, _ := letter.GenerateKeyPair()
	if letter.Fingerprint(kp.Public) != letter.Fingerprint(kp.Public) {
		t.Fatal("expected fingerprint to be deterministic for the same key")
	}
}
