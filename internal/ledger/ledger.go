// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger provides the durable, hash-verified append-only
// store for one active chain, with the multi-chain directory layout
// a relay needs to host more than one genesis on disk.
package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/letterrelay/relaynet/internal/block"
	"github.com/letterrelay/relaynet/internal/errs"
)

const (
	blocksFileName    = "blocks.json"
	conflictsDirName  = "conflicts"
	bootstrapDirName  = "bootstrap-pending"
)

// chainDocument is the on-disk shape of a chain file.
type chainDocument struct {
	Blocks []*block.Block `json:"blocks"`
}

// Ledger holds the active chain for one relay. A relay owns exactly
// one *Ledger at a time; the directory root may contain sibling chain
// subdirectories for genesis hashes the relay has previously hosted,
// but only one is active and loaded here.
type Ledger struct {
	mu sync.RWMutex

	root        string // <root>/relay/chains
	genesisHash string // name of the active chain's directory
	blocks      []*block.Block

	log *logger.L
}

// Root returns the chains root directory this ledger was opened under.
func (l *Ledger) Root() string { return l.root }

// GenesisHash returns the active chain's directory key.
func (l *Ledger) GenesisHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.genesisHash
}

// CurrentGenesisHash satisfies heartbeat.GenesisSwitcher; it is an
// alias for GenesisHash kept separate so the heartbeat package's
// interface name reads as intent rather than reusing the ledger's own
// accessor name by coincidence.
func (l *Ledger) CurrentGenesisHash() string {
	return l.GenesisHash()
}

// SwitchActiveGenesis changes the ledger's active chain to genesisHash,
// loading it from disk if already present or creating a fresh genesis
// block if not. Used when the directory reports a canonical genesis
// different from the one this relay is currently serving (the case
// where the directory response includes a different genesisHash).
func (l *Ledger) SwitchActiveGenesis(genesisHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if genesisHash == l.genesisHash {
		return nil
	}
	return l.loadOrCreate(genesisHash)
}

func (l *Ledger) chainDir(genesisHash string) string {
	return filepath.Join(l.root, genesisHash)
}

func (l *Ledger) blocksPath(genesisHash string) string {
	return filepath.Join(l.chainDir(genesisHash), blocksFileName)
}

// Initialize ensures a chain file exists under root for genesisHash,
// writing a fresh genesis block if none is found. If genesisHash is
// empty, a late-bound bootstrap is performed: the genesis block is
// written under a temporary directory, and once its real hash is
// known the directory is renamed to that hash (the write-to-temp,
// rename-over-original pattern applied at the directory level instead
// of to a single file).
func Initialize(root string, genesisHash string, log *logger.L) (*Ledger, error) {
	l := &Ledger{root: root, log: log}

	if genesisHash == "" {
		return l.bootstrapNewChain()
	}

	if err := l.loadOrCreate(genesisHash); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) bootstrapNewChain() (*Ledger, error) {
	tempDir := bootstrapDirName
	blocksPath := l.blocksPath(tempDir)

	if _, err := os.Stat(blocksPath); err == nil {
		if err := l.load(tempDir); err != nil {
			return nil, err
		}
		return l, nil
	}

	genesis, err := block.NewGenesis(time.Now())
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to build genesis: %w", err)
	}
	l.blocks = []*block.Block{genesis}
	if err := writeJSONAtomic(blocksPath, chainDocument{Blocks: l.blocks}); err != nil {
		return nil, errs.ErrChainWriteFailed
	}

	actual := genesis.Hash.String()
	if err := os.Rename(l.chainDir(tempDir), l.chainDir(actual)); err != nil {
		return nil, fmt.Errorf("ledger: failed to finalize genesis directory: %w", err)
	}
	l.genesisHash = actual
	if l.log != nil {
		l.log.Infof("bootstrapped new chain with genesis %s", actual)
	}
	return l, nil
}

func (l *Ledger) loadOrCreate(genesisHash string) error {
	blocksPath := l.blocksPath(genesisHash)
	if _, err := os.Stat(blocksPath); os.IsNotExist(err) {
		genesis, err := block.NewGenesis(time.Now())
		if err != nil {
			return fmt.Errorf("ledger: failed to build genesis: %w", err)
		}
		l.blocks = []*block.Block{genesis}
		l.genesisHash = genesisHash
		if err := writeJSONAtomic(blocksPath, chainDocument{Blocks: l.blocks}); err != nil {
			return errs.ErrChainWriteFailed
		}
		if l.log != nil {
			l.log.Infof("created chain directory for genesis %s", genesisHash)
		}
		return nil
	}
	return l.load(genesisHash)
}

func (l *Ledger) load(genesisHash string) error {
	var doc chainDocument
	if err := readJSON(l.blocksPath(genesisHash), &doc); err != nil {
		return errs.ErrChainReadFailed
	}
	res := block.ValidateChain(doc.Blocks)
	if !res.OK {
		return fmt.Errorf("ledger: persisted chain invalid at index %d: %w", res.FailedIndex, res.Reason)
	}
	l.blocks = doc.Blocks
	l.genesisHash = genesisHash
	return nil
}

// MigrateLegacy moves a pre-multi-chain single blocks.json at
// legacyPath into its proper genesis subdirectory: a legacy
// single-file layout is migrated by moving it into the subdirectory
// of its genesis hash. Call this once at daemon
// startup, before Initialize.
func MigrateLegacy(root string, legacyPath string, log *logger.L) error {
	if _, err := os.Stat(legacyPath); os.IsNotExist(err) {
		return nil
	}

	var doc chainDocument
	if err := readJSON(legacyPath, &doc); err != nil {
		return fmt.Errorf("ledger: failed to read legacy chain: %w", err)
	}
	if len(doc.Blocks) == 0 {
		return fmt.Errorf("ledger: legacy chain file is empty")
	}

	genesisHash := doc.Blocks[0].Hash.String()
	target := filepath.Join(root, genesisHash, blocksFileName)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := writeJSONAtomic(target, doc); err != nil {
		return err
	}
	if err := os.Remove(legacyPath); err != nil {
		if log != nil {
			log.Warnf("migrated legacy chain but failed to remove old file: %v", err)
		}
	}
	if log != nil {
		log.Infof("migrated legacy chain file to genesis directory %s", genesisHash)
	}
	return nil
}

// GetBlocks returns the full block sequence. Callers must not mutate
// the returned slice or its elements.
func (l *Ledger) GetBlocks() []*block.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*block.Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// AppendLetterBlock builds a block on top of the current tail
// containing a single letter entry, persists it atomically, and
// returns it. The tail used is whatever is current at the moment of
// the call - pre-write sync (run by the caller beforehand) may have
// already advanced it.
func (l *Ledger) AppendLetterBlock(payload string, ownerFingerprint string, metrics *block.RelayMetrics) (*block.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.blocks) == 0 {
		return nil, errs.ErrEmptyChain
	}
	prev := l.blocks[len(l.blocks)-1]
	entry := block.LetterEntry{OwnerFingerprint: ownerFingerprint, Payload: payload}

	next, err := block.NewLetterBlock(prev, entry, metrics, time.Now())
	if err != nil {
		return nil, err
	}

	newBlocks := append(append([]*block.Block{}, l.blocks...), next)
	if err := writeJSONAtomic(l.blocksPath(l.genesisHash), chainDocument{Blocks: newBlocks}); err != nil {
		return nil, errs.ErrChainWriteFailed
	}
	l.blocks = newBlocks
	return next, nil
}

// GetManifest derives the current chain manifest.
func (l *Ledger) GetManifest() (block.Manifest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return block.BuildManifest(l.blocks)
}

// SyncResult reports the outcome of a sync-from-remote attempt.
type SyncResult struct {
	Updated bool
	Message string
}

// SyncFromRemote validates remoteBlocks and, unless force is set,
// only accepts them if strictly longer than the local chain. On
// acceptance the on-disk chain is replaced atomically. If the new
// chain's genesis differs from the current one, the ledger's active
// genesis directory changes too.
func (l *Ledger) SyncFromRemote(remoteBlocks []*block.Block, force bool) (SyncResult, error) {
	if len(remoteBlocks) == 0 {
		return SyncResult{Updated: false, Message: "remote chain is empty"}, nil
	}

	res := block.ValidateChain(remoteBlocks)
	if !res.OK {
		return SyncResult{}, fmt.Errorf("ledger: remote chain invalid at index %d: %w", res.FailedIndex, res.Reason)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !force && len(remoteBlocks) <= len(l.blocks) {
		return SyncResult{Updated: false, Message: "local chain is already at least as long"}, nil
	}

	newGenesisHash := remoteBlocks[0].Hash.String()
	if err := writeJSONAtomic(filepath.Join(l.chainDir(newGenesisHash), blocksFileName), chainDocument{Blocks: remoteBlocks}); err != nil {
		return SyncResult{}, errs.ErrChainWriteFailed
	}
	l.blocks = remoteBlocks
	l.genesisHash = newGenesisHash
	return SyncResult{Updated: true, Message: "chain replaced"}, nil
}

// SnapshotBlocks archives blocks (typically the losing side of a fork)
// under <root>/<genesis>/conflicts/blocks-<epochMs>.json. A snapshot
// failure is the caller's to log; it never aborts fork resolution.
func (l *Ledger) SnapshotBlocks(blocks []*block.Block, epochMs int64) (string, error) {
	l.mu.RLock()
	dir := filepath.Join(l.chainDir(l.genesisHash), conflictsDirName)
	l.mu.RUnlock()

	path := filepath.Join(dir, fmt.Sprintf("blocks-%d.json", epochMs))
	if err := writeJSONAtomic(path, chainDocument{Blocks: blocks}); err != nil {
		return "", err
	}
	return path, nil
}

// FoundLetter pairs a letter with the block it was found in, for
// FindLettersByFingerprint results.
type FoundLetter struct {
	Block  *block.Block
	Letter block.LetterEntry
}

// FindLettersByFingerprint streams every (block, letter) pair whose
// owner fingerprint matches fingerprint.
func (l *Ledger) FindLettersByFingerprint(fingerprint string) []FoundLetter {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []FoundLetter
	for _, b := range l.blocks {
		for _, entry := range b.Letters {
			if entry.OwnerFingerprint == fingerprint {
				out = append(out, FoundLetter{Block: b, Letter: entry})
			}
		}
	}
	return out
}
