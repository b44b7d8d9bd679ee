// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package identity_test

import (
	"path/filepath"
	"testing"

	"github.com/letterrelay/relaynet/internal/identity"
)

func TestLoadOrCreatePersistsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	first, err := identity.LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate (create): %v", err)
	}
	if first.Fingerprint == "" {
		t.Fatal("expected a non-empty fingerprint")
	}

	second, err := identity.LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate (load): %v", err)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Fatal("expected identity to persist across LoadOrCreate calls")
	}
}
