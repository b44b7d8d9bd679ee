// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package syncengine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/letterrelay/relaynet/internal/block"
	"github.com/letterrelay/relaynet/internal/errs"
	"github.com/letterrelay/relaynet/internal/ledger"
	"github.com/letterrelay/relaynet/internal/pending"
	"github.com/letterrelay/relaynet/internal/syncengine"
)

type staticPeers struct {
	urls []string
}

func (s staticPeers) AlternatePeers() ([]string, error) { return s.urls, nil }

type erroringPeers struct {
	err error
}

func (e erroringPeers) AlternatePeers() ([]string, error) { return nil, e.err }

type recordingEnqueuer struct {
	entries []*pending.Entry
	woken   bool
}

func (r *recordingEnqueuer) EnqueueReplayed(entries []*pending.Entry) error {
	r.entries = append(r.entries, entries...)
	return nil
}

func (r *recordingEnqueuer) Wake() { r.woken = true }

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Initialize(filepath.Join(t.TempDir(), "chains"), "", nil)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return l
}

func serveChain(t *testing.T, blocks []*block.Block) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"blocks": blocks})
	}))
}

// servePathAwareChain only answers /api/blocks/full, matching the route a
// real relay actually registers (internal/relayhttp), so a sync engine
// that requests the wrong path gets a 404 instead of silently succeeding.
func servePathAwareChain(t *testing.T, blocks []*block.Block) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/blocks/full", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"blocks": blocks})
	})
	return httptest.NewServer(mux)
}

func TestSyncBeforeWriteBypassesWithNoPeers(t *testing.T) {
	l := newLedger(t)
	e := syncengine.New(l, staticPeers{}, nil, nil)

	err := e.SyncBeforeWrite()
	if !errs.IsNoAlternateRelay(err) {
		t.Fatalf("expected bypass sentinel, got %v", err)
	}
}

func TestSyncBeforeWriteAdoptsCleanExtension(t *testing.T) {
	l := newLedger(t)

	letter := block.LetterEntry{OwnerFingerprint: "owner-a", Payload: "payload-a"}
	remoteBlocks := append(append([]*block.Block{}, l.GetBlocks()...), mustLetterBlock(t, l.GetBlocks()[0], letter))

	srv := serveChain(t, remoteBlocks)
	defer srv.Close()

	e := syncengine.New(l, staticPeers{urls: []string{srv.URL}}, srv.Client(), nil)
	if err := e.SyncBeforeWrite(); err != nil {
		t.Fatalf("SyncBeforeWrite: %v", err)
	}

	if len(l.GetBlocks()) != 2 {
		t.Fatalf("expected local chain to adopt the extension, got %d blocks", len(l.GetBlocks()))
	}
}

func TestSyncBeforeWriteResolvesForkAndHarvests(t *testing.T) {
	l := newLedger(t)
	genesis := l.GetBlocks()[0]

	localLetter := block.LetterEntry{OwnerFingerprint: "owner-local", Payload: "orphaned-payload"}
	localBlock := mustLetterBlock(t, genesis, localLetter)
	if _, err := l.SyncFromRemote([]*block.Block{genesis, localBlock}, true); err != nil {
		t.Fatalf("seeding local fork: %v", err)
	}

	remoteLetterA := block.LetterEntry{OwnerFingerprint: "owner-remote-a", Payload: "remote-a"}
	remoteBlockA := mustLetterBlock(t, genesis, remoteLetterA)
	remoteLetterB := block.LetterEntry{OwnerFingerprint: "owner-remote-b", Payload: "remote-b"}
	remoteBlockB := mustLetterBlock(t, remoteBlockA, remoteLetterB)
	remoteChain := []*block.Block{genesis, remoteBlockA, remoteBlockB}

	srv := serveChain(t, remoteChain)
	defer srv.Close()

	enq := &recordingEnqueuer{}
	e := syncengine.New(l, staticPeers{urls: []string{srv.URL}}, srv.Client(), nil)
	e.SetEnqueuer(enq)

	if err := e.SyncBeforeWrite(); err != nil {
		t.Fatalf("SyncBeforeWrite: %v", err)
	}

	if len(l.GetBlocks()) != 3 {
		t.Fatalf("expected local chain to be replaced by the longer remote chain, got %d blocks", len(l.GetBlocks()))
	}
	if len(enq.entries) != 1 {
		t.Fatalf("expected exactly one harvested letter, got %d", len(enq.entries))
	}
	if enq.entries[0].LetterPayload != "orphaned-payload" {
		t.Fatalf("unexpected harvested payload: %s", enq.entries[0].LetterPayload)
	}
}

func TestSyncBeforeWriteDistinguishesNoDirectoryFromNoAlternateRelay(t *testing.T) {
	l := newLedger(t)
	e := syncengine.New(l, erroringPeers{err: errs.ErrNoDirectoryConfigured}, nil, nil)

	err := e.SyncBeforeWrite()
	if err != errs.ErrNoDirectoryConfigured {
		t.Fatalf("expected ErrNoDirectoryConfigured to propagate unchanged, got %v", err)
	}
	if errs.IsNoAlternateRelay(err) {
		t.Fatalf("a missing directory must not be treated as the no-alternate-relay bypass")
	}
}

func TestSyncNowTreatsNoAlternateRelayAsSuccess(t *testing.T) {
	l := newLedger(t)
	e := syncengine.New(l, staticPeers{}, nil, nil)

	if err := e.SyncNow(context.Background()); err != nil {
		t.Fatalf("expected SyncNow to swallow the bypass sentinel, got %v", err)
	}
}

func TestSyncNowAdoptsCleanExtension(t *testing.T) {
	l := newLedger(t)

	letter := block.LetterEntry{OwnerFingerprint: "owner-a", Payload: "payload-a"}
	remoteBlocks := append(append([]*block.Block{}, l.GetBlocks()...), mustLetterBlock(t, l.GetBlocks()[0], letter))

	srv := serveChain(t, remoteBlocks)
	defer srv.Close()

	e := syncengine.New(l, staticPeers{urls: []string{srv.URL}}, srv.Client(), nil)
	if err := e.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	if len(l.GetBlocks()) != 2 {
		t.Fatalf("expected local chain to adopt the extension, got %d blocks", len(l.GetBlocks()))
	}
}

func TestSyncBeforeWriteFetchesActualRelayBlocksRoute(t *testing.T) {
	l := newLedger(t)

	letter := block.LetterEntry{OwnerFingerprint: "owner-a", Payload: "payload-a"}
	remoteBlocks := append(append([]*block.Block{}, l.GetBlocks()...), mustLetterBlock(t, l.GetBlocks()[0], letter))

	srv := servePathAwareChain(t, remoteBlocks)
	defer srv.Close()

	e := syncengine.New(l, staticPeers{urls: []string{srv.URL}}, srv.Client(), nil)
	if err := e.SyncBeforeWrite(); err != nil {
		t.Fatalf("SyncBeforeWrite against a server that only serves /api/blocks/full: %v", err)
	}

	if len(l.GetBlocks()) != 2 {
		t.Fatalf("expected local chain to adopt the extension, got %d blocks", len(l.GetBlocks()))
	}
}

func mustLetterBlock(t *testing.T, prev *block.Block, entry block.LetterEntry) *block.Block {
	t.Helper()
	b, err := block.NewLetterBlock(prev, entry, nil, time.Now())
	if err != nil {
		t.Fatalf("NewLetterBlock: %v", err)
	}
	return b
}
