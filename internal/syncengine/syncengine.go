// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package syncengine reconciles one relay's chain against its peers:
// it runs the mandatory pre-write check, detects forks, and resolves
// them by snapshotting the losing side, harvesting its orphaned
// letters for replay, and force-replacing the local chain.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/letterrelay/relaynet/internal/block"
	"github.com/letterrelay/relaynet/internal/errs"
	"github.com/letterrelay/relaynet/internal/ledger"
	"github.com/letterrelay/relaynet/internal/pending"
	"github.com/letterrelay/relaynet/internal/singleflight"
)

// PeerSource supplies the set of alternate relays this engine may
// contact. The directory-side registry and the selector both satisfy
// a shape like this; kept minimal and local to avoid importing either.
type PeerSource interface {
	// AlternatePeers returns candidate relay base URLs, best first,
	// excluding the local relay itself. A non-nil error means no
	// candidate could even be sought (e.g. no directory configured);
	// a nil error with an empty slice means a directory was consulted
	// but had no usable candidate.
	AlternatePeers() ([]string, error)
}

// Enqueuer is the half of pipeline.Pipeline the sync engine needs:
// pushing harvested replay entries back in and waking the worker.
// Declared here (rather than depending on *pipeline.Pipeline
// directly) purely for testability; in production it is satisfied by
// *pipeline.Pipeline, avoiding the import cycle pipeline would
// otherwise have back into this package.
type Enqueuer interface {
	EnqueueReplayed(entries []*pending.Entry) error
	Wake()
}

// fetchedChain is the wire shape returned by a peer's manifest/blocks
// endpoint (GET /api/blocks/full).
type fetchedChain struct {
	Blocks []*block.Block `json:"blocks"`
}

// Engine owns one relay's reconciliation against its peers.
type Engine struct {
	ledger *ledger.Ledger
	peers  PeerSource
	client *http.Client
	log    *logger.L

	enqueuer Enqueuer

	sf singleflight.Group
}

// New builds an Engine. enqueuer may be nil at construction time and
// wired in afterward via SetEnqueuer, since pipeline.Pipeline and
// Engine are typically constructed in the same breath and each needs
// a reference to the other.
func New(l *ledger.Ledger, peers PeerSource, client *http.Client, log *logger.L) *Engine {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Engine{ledger: l, peers: peers, client: client, log: log}
}

// SetEnqueuer wires the pipeline back in after construction.
func (e *Engine) SetEnqueuer(enq Enqueuer) {
	e.enqueuer = enq
}

// SyncBeforeWrite implements pipeline.PreWriteSyncer: it runs a
// single best-effort reconciliation attempt against one alternate
// relay before a write is allowed to proceed. If no alternate relay
// can be chosen, it returns the bypass error errs.ErrNoAlternateRelay
// so the pipeline can proceed anyway; if the chosen relay cannot be
// fetched it returns errs.ErrUpstreamSync, and a missing directory
// yields errs.ErrNoDirectoryConfigured.
func (e *Engine) SyncBeforeWrite() error {
	v, err := e.sf.Do(func() (interface{}, error) {
		return nil, e.syncOnce(context.Background())
	})
	_ = v
	return err
}

// SyncNow implements heartbeat.Syncer: the sync timer's periodic
// reconciliation pass, sharing the same single-flight gate as
// SyncBeforeWrite so a timer tick and a pre-write check never race.
func (e *Engine) SyncNow(ctx context.Context) error {
	_, err := e.sf.Do(func() (interface{}, error) {
		return nil, e.syncOnce(ctx)
	})
	if errs.IsNoAlternateRelay(err) {
		return nil
	}
	return err
}

func (e *Engine) syncOnce(ctx context.Context) error {
	peers, err := e.peers.AlternatePeers()
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return errs.ErrNoAlternateRelay
	}

	var lastErr error
	for _, base := range peers {
		remote, err := e.fetchChain(ctx, base)
		if err != nil {
			lastErr = err
			continue
		}
		if err := e.reconcile(remote); err != nil {
			return err
		}
		return nil
	}
	if lastErr != nil {
		return errs.ErrUpstreamSync
	}
	return errs.ErrNoAlternateRelay
}

func (e *Engine) fetchChain(ctx context.Context, baseURL string) ([]*block.Block, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/blocks/full", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errs.ErrUpstreamSync
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.ErrUpstreamSync
	}
	var fc fetchedChain
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		return nil, errs.ErrUpstreamSync
	}
	return fc.Blocks, nil
}

// reconcile applies the documented divergence outcomes to the local
// chain against remote.
func (e *Engine) reconcile(remote []*block.Block) error {
	local := e.ledger.GetBlocks()
	div := block.DetectDivergence(local, remote)

	switch div.Outcome {
	case block.NoDivergenceUpToDate, block.RemoteLoses:
		return nil

	case block.CleanExtension:
		_, err := e.ledger.SyncFromRemote(remote, false)
		return err

	case block.LocalLoses:
		return e.resolveFork(local, remote, div)

	default:
		return fmt.Errorf("syncengine: unhandled divergence outcome %v", div.Outcome)
	}
}

// resolveFork carries out the fork-resolution sequence:
// snapshot the losing (local) fork, harvest its orphaned letters as
// replay entries, force-replace the chain, and wake the pipeline so
// the harvested letters get a chance to recommit.
func (e *Engine) resolveFork(local, remote []*block.Block, div block.Divergence) error {
	if _, err := e.ledger.SnapshotBlocks(local[div.Index:], nowEpochMs()); err != nil && e.log != nil {
		e.log.Warnf("syncengine: failed to snapshot losing fork: %v", err)
	}

	orphaned := harvestLetters(local[div.Index:])

	if _, err := e.ledger.SyncFromRemote(remote, true); err != nil {
		return err
	}

	if e.log != nil {
		e.log.Infof("syncengine: resolved fork at index %d, harvested %d letters for replay", div.Index, len(orphaned))
	}

	if e.enqueuer != nil && len(orphaned) > 0 {
		if err := e.enqueuer.EnqueueReplayed(orphaned); err != nil {
			return err
		}
	}
	return nil
}

// harvestLetters flattens every letter entry from the orphaned blocks
// into fresh replay entries, in original order, so they recommit on
// the new canonical chain instead of being silently lost.
func harvestLetters(orphaned []*block.Block) []*pending.Entry {
	var out []*pending.Entry
	now := time.Now()
	for _, b := range orphaned {
		for _, letter := range b.Letters {
			e, err := pending.NewReplayEntry(letter.Payload, letter.OwnerFingerprint, b.Index, now)
			if err != nil {
				continue
			}
			out = append(out, e)
		}
	}
	return out
}

// nowEpochMs is split out so tests needing a deterministic clock can
// be added without touching call sites; production always wants the
// real time.
func nowEpochMs() int64 {
	return time.Now().UnixMilli()
}
