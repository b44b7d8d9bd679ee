// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package block

import "github.com/letterrelay/relaynet/internal/errs"

// ValidationResult reports the outcome of validating a block list,
// naming the first failing index so callers can report precisely
// which block broke the chain.
type ValidationResult struct {
	OK          bool
	FailedIndex int
	Reason      error
}

// ValidateChain rejects an empty list, then verifies every block's
// self-hash and every non-genesis block's link to its predecessor,
// reporting the first failure encountered.
func ValidateChain(blocks []*Block) ValidationResult {
	if len(blocks) == 0 {
		return ValidationResult{OK: false, FailedIndex: -1, Reason: errs.ErrEmptyChain}
	}

	for i, b := range blocks {
		ok, err := VerifySelfHash(b)
		if err != nil {
			return ValidationResult{OK: false, FailedIndex: i, Reason: err}
		}
		if !ok {
			return ValidationResult{OK: false, FailedIndex: i, Reason: errs.ErrBadSelfHash}
		}

		if i == 0 {
			continue
		}

		prev := blocks[i-1]
		if b.Index != prev.Index+1 {
			return ValidationResult{OK: false, FailedIndex: i, Reason: errs.ErrNonMonotonicIdx}
		}
		if b.PreviousHash == nil || *b.PreviousHash != prev.Hash {
			return ValidationResult{OK: false, FailedIndex: i, Reason: errs.ErrBrokenHashLink}
		}
	}

	return ValidationResult{OK: true, FailedIndex: -1}
}

// DivergenceOutcome classifies the result of comparing two block lists.
type DivergenceOutcome int

const (
	// NoDivergenceUpToDate means remote is not longer than local past
	// any shared prefix and local needs no change.
	NoDivergenceUpToDate DivergenceOutcome = iota
	// CleanExtension means remote strictly extends local with no
	// divergent blocks.
	CleanExtension
	// LocalLoses means the two chains diverge and remote is the
	// same length or longer from the divergence point onward.
	LocalLoses
	// RemoteLoses means the two chains diverge but local is longer
	// from the divergence point onward; no action is taken locally.
	RemoteLoses
)

// Divergence walks local and remote in lock-step up to the shorter
// length and reports where (if anywhere) they first differ, plus the
// resulting classification.
type Divergence struct {
	Outcome     DivergenceOutcome
	Index       int // -1 if no divergence found
	LocalLength int
	RemoteLength int
}

// DetectDivergence implements the conflict-detection rules of the sync
// engine: walk both lists up to min(len), find the first differing
// hash, then classify using the relative lengths.
func DetectDivergence(local, remote []*Block) Divergence {
	d := Divergence{
		Index:        -1,
		LocalLength:  len(local),
		RemoteLength: len(remote),
	}

	minLen := len(local)
	if len(remote) < minLen {
		minLen = len(remote)
	}

	divergeAt := -1
	for i := 0; i < minLen; i++ {
		if local[i].Hash != remote[i].Hash {
			divergeAt = i
			break
		}
	}

	if divergeAt == -1 {
		if len(remote) > len(local) {
			d.Outcome = CleanExtension
		} else {
			d.Outcome = NoDivergenceUpToDate
		}
		return d
	}

	d.Index = divergeAt
	if len(remote) >= len(local) {
		d.Outcome = LocalLoses
	} else {
		d.Outcome = RemoteLoses
	}
	return d
}
