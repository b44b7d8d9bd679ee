// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package registry_test

import (
	"testing"
	"time"

	"github.com/letterrelay/relaynet/internal/block"
	"github.com/letterrelay/relaynet/internal/registry"
)

func manifestOfLength(n uint64) *block.Manifest {
	hashes := make([]block.Digest, n)
	for i := range hashes {
		hashes[i] = block.NewDigest([]byte{byte(i)})
	}
	return &block.Manifest{Length: n, Hashes: hashes}
}

func TestUpsertCreatesNewRelay(t *testing.T) {
	r := registry.New()
	now := time.Now()

	relay, err := r.Upsert(registry.UpsertPayload{
		Onion:        "abc123.onion",
		PublicURL:    "http://abc123.onion:8080",
		ChainSummary: manifestOfLength(3),
	}, now)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if relay.Fingerprint == "" {
		t.Fatal("expected a synthesized fingerprint")
	}
	if relay.CreatedAt != now {
		t.Fatalf("expected CreatedAt to be set to now")
	}
}

func TestCanonicalManifestMonotonic(t *testing.T) {
	r := registry.New()
	now := time.Now()

	if _, err := r.Upsert(registry.UpsertPayload{Onion: "r1.onion", PublicURL: "http://r1", ChainSummary: manifestOfLength(3)}, now); err != nil {
		t.Fatalf("Upsert r1: %v", err)
	}
	if r.CanonicalManifest().Length != 3 {
		t.Fatalf("expected canonical length 3")
	}

	if _, err := r.Upsert(registry.UpsertPayload{Onion: "r2.onion", PublicURL: "http://r2", ChainSummary: manifestOfLength(5)}, now); err != nil {
		t.Fatalf("Upsert r2: %v", err)
	}
	if r.CanonicalManifest().Length != 5 {
		t.Fatalf("expected canonical length 5 after longer report")
	}

	if _, err := r.Upsert(registry.UpsertPayload{Onion: "r3.onion", PublicURL: "http://r3", ChainSummary: manifestOfLength(2)}, now); err != nil {
		t.Fatalf("Upsert r3: %v", err)
	}
	if r.CanonicalManifest().Length != 5 {
		t.Fatalf("canonical manifest must never shrink, got %d", r.CanonicalManifest().Length)
	}
}

func TestUpsertFlagsNeedsSync(t *testing.T) {
	r := registry.New()
	now := time.Now()

	long := manifestOfLength(5)
	if _, err := r.Upsert(registry.UpsertPayload{Onion: "long.onion", PublicURL: "http://long", ChainSummary: long}, now); err != nil {
		t.Fatalf("Upsert long: %v", err)
	}

	short := &block.Manifest{Length: 3, Hashes: long.Hashes[:3]}
	relay, err := r.Upsert(registry.UpsertPayload{Onion: "short.onion", PublicURL: "http://short", ChainSummary: short}, now)
	if err != nil {
		t.Fatalf("Upsert short: %v", err)
	}
	if !relay.SyncStatus.NeedsSync {
		t.Fatalf("expected needsSync for a strictly shorter matching-prefix relay")
	}
	if relay.SyncStatus.MissingCount != 2 {
		t.Fatalf("expected missingCount 2, got %d", relay.SyncStatus.MissingCount)
	}
}

func TestUpsertFlagsNeedsRepairOnDivergence(t *testing.T) {
	r := registry.New()
	now := time.Now()

	long := manifestOfLength(5)
	if _, err := r.Upsert(registry.UpsertPayload{Onion: "long.onion", PublicURL: "http://long", ChainSummary: long}, now); err != nil {
		t.Fatalf("Upsert long: %v", err)
	}

	diverged := &block.Manifest{Length: 4, Hashes: append(append([]block.Digest{}, long.Hashes[:2]...), block.NewDigest([]byte("different")), block.NewDigest([]byte("also-different")))}
	relay, err := r.Upsert(registry.UpsertPayload{Onion: "fork.onion", PublicURL: "http://fork", ChainSummary: diverged}, now)
	if err != nil {
		t.Fatalf("Upsert fork: %v", err)
	}
	if !relay.SyncStatus.NeedsRepair {
		t.Fatalf("expected needsRepair for a diverging manifest")
	}
}

func TestPublicURLLoopbackSubstitution(t *testing.T) {
	r := registry.New()
	now := time.Now()

	relay, err := r.Upsert(registry.UpsertPayload{
		Onion:     "loop.onion",
		PublicURL: "http://127.0.0.1:8080",
		ClientIP:  "203.0.113.5",
	}, now)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if relay.PublicURL != "http://203.0.113.5:8080" {
		t.Fatalf("expected loopback substitution, got %s", relay.PublicURL)
	}
	if relay.ConnectionMeta.ReportedURL != "http://127.0.0.1:8080" {
		t.Fatalf("expected reported URL preserved, got %s", relay.ConnectionMeta.ReportedURL)
	}
}

func TestPublicURLsExcludesSelf(t *testing.T) {
	r := registry.New()
	now := time.Now()
	if _, err := r.Upsert(registry.UpsertPayload{Onion: "a.onion", PublicURL: "http://a"}, now); err != nil {
		t.Fatalf("Upsert a: %v", err)
	}
	if _, err := r.Upsert(registry.UpsertPayload{Onion: "b.onion", PublicURL: "http://b"}, now); err != nil {
		t.Fatalf("Upsert b: %v", err)
	}

	urls := r.PublicURLs("a.onion")
	if len(urls) != 1 || urls[0] != "http://b" {
		t.Fatalf("expected only b's URL, got %v", urls)
	}
}

func TestProbeTargetsExcludesRelaysWithoutPublicURL(t *testing.T) {
	r := registry.New()
	now := time.Now()
	if _, err := r.Upsert(registry.UpsertPayload{Onion: "a.onion", PublicURL: "http://a"}, now); err != nil {
		t.Fatalf("Upsert a: %v", err)
	}
	if _, err := r.Upsert(registry.UpsertPayload{Onion: "b.onion", PublicURL: ""}, now); err != nil {
		t.Fatalf("Upsert b: %v", err)
	}

	targets := r.ProbeTargets()
	if len(targets) != 1 || targets[0].Onion != "a.onion" {
		t.Fatalf("expected only a.onion as a probe target, got %+v", targets)
	}
}
