// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pending holds the durable FIFO queue of letters awaiting
// commit to the ledger, including letters replayed after a fork.
package pending

import (
	"crypto/rand"
	"time"

	"github.com/mr-tron/base58"

	"github.com/letterrelay/relaynet/internal/block"
)

// Entry is one letter awaiting commit. ReplayedFromBlock is set only
// when the entry was harvested from the losing side of a fork.
type Entry struct {
	ID                string              `json:"id"`
	LetterPayload     string              `json:"letterPayload"`
	OwnerFingerprint  string              `json:"ownerFingerprint"`
	RelayMetrics      *block.RelayMetrics `json:"relayMetrics,omitempty"`
	EnqueuedAt        time.Time           `json:"enqueuedAt"`
	Attempts          int                 `json:"attempts"`
	ReplayedFromBlock *uint64             `json:"replayedFromBlock,omitempty"`
}

// NewID mints a unique, base58-encoded entry ID from 16 random bytes.
// base58 (rather than hex) avoids ambiguous characters in logs and
// in anything a human might need to read or type back.
func NewID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base58.Encode(buf), nil
}

// NewEntry builds a freshly enqueued entry with Attempts 0 and no
// replay tag.
func NewEntry(payload, ownerFingerprint string, metrics *block.RelayMetrics, now time.Time) (*Entry, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	return &Entry{
		ID:               id,
		LetterPayload:    payload,
		OwnerFingerprint: ownerFingerprint,
		RelayMetrics:     metrics,
		EnqueuedAt:       now,
		Attempts:         0,
	}, nil
}

// NewReplayEntry builds an entry harvested from an orphaned block,
// preserving its payload and owner fingerprint byte-for-byte and
// tagging it with the index of the block it came from.
func NewReplayEntry(payload, ownerFingerprint string, fromBlockIndex uint64, now time.Time) (*Entry, error) {
	e, err := NewEntry(payload, ownerFingerprint, nil, now)
	if err != nil {
		return nil, err
	}
	e.ReplayedFromBlock = &fromBlockIndex
	return e, nil
}
