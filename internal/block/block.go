// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package block defines the ledger's unit of storage: a hash-linked
// block holding an ordered list of encrypted letter entries.
package block

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/prometheus/common/model"
	"golang.org/x/crypto/sha3"
)

// DigestLength is the size in bytes of a block or fingerprint digest.
// Content hashing uses SHA3-256 - there is no proof-of-work puzzle
// here, so a single fast hash is sufficient.
const DigestLength = 32

// Digest is a content hash, hex-encoded for JSON transport and for
// equality comparisons against peer-reported manifests.
type Digest [DigestLength]byte

// NewDigest hashes record with SHA3-256.
func NewDigest(record []byte) Digest {
	return sha3.Sum256(record)
}

// String renders the digest as a lowercase hex string.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalJSON renders the digest as a hex JSON string.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses a hex JSON string into the digest.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != DigestLength {
		return &InvalidDigestLengthError{Got: len(b)}
	}
	copy(d[:], b)
	return nil
}

// InvalidDigestLengthError reports a malformed hex digest during
// JSON decode.
type InvalidDigestLengthError struct {
	Got int
}

func (e *InvalidDigestLengthError) Error() string {
	return "block: invalid digest length"
}

// LetterEntry is one encrypted envelope plus its recipient fingerprint.
// The ledger never inspects Payload - it is opaque ciphertext produced
// by the client-side envelope layer (see internal/letter).
type LetterEntry struct {
	OwnerFingerprint string `json:"ownerFingerprint"`
	Payload          string `json:"payload"`
}

// RelayMetrics is the opaque (to the ledger) observation snapshot
// attached to a block at append time. It is still serialized as part
// of the block's hashed content - the ledger hashes it without
// understanding it, treating it as an opaque key/value observation
// bag while giving the registry and write pipeline a concrete
// shape to work with instead of a bare map.
type RelayMetrics struct {
	LatencyMs    *int64      `json:"latencyMs,omitempty"`
	Reachability *float64    `json:"reachability,omitempty"`
	GFWBlocked   *bool       `json:"gfwBlocked,omitempty"`
	SampledAt    *model.Time `json:"sampledAt,omitempty"`
	Source       string      `json:"source,omitempty"`
}

// Block is one unit of the ledger.
type Block struct {
	Index        uint64        `json:"index"`
	Timestamp    string        `json:"timestamp"`
	PreviousHash *Digest       `json:"previousHash"`
	Letters      []LetterEntry `json:"letters"`
	RelayMetrics *RelayMetrics `json:"relayMetrics,omitempty"`
	Summary      string        `json:"summary"`
	Hash         Digest        `json:"hash"`
}

// hashable is the same field set as Block, minus Hash, used to build
// the canonical byte sequence that is then self-hashed. Declaring it
// separately (instead of zeroing Hash in place) keeps AppendLetterBlock
// from accidentally hashing a half-built block.
type hashable struct {
	Index        uint64        `json:"index"`
	Timestamp    string        `json:"timestamp"`
	PreviousHash *Digest       `json:"previousHash"`
	Letters      []LetterEntry `json:"letters"`
	RelayMetrics *RelayMetrics `json:"relayMetrics,omitempty"`
	Summary      string        `json:"summary"`
}

// computeHash returns the deterministic SHA3-256 digest of every field
// of b except Hash itself. Go's encoding/json emits struct fields in
// declaration order, which is enough determinism for this purpose -
// no separate canonicalization library is required.
func computeHash(b *Block) (Digest, error) {
	h := hashable{
		Index:        b.Index,
		Timestamp:    b.Timestamp,
		PreviousHash: b.PreviousHash,
		Letters:      b.Letters,
		RelayMetrics: b.RelayMetrics,
		Summary:      b.Summary,
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return Digest{}, err
	}
	return NewDigest(raw), nil
}

// NewGenesis builds the fixed genesis block: index 0, nil previousHash,
// no letters.
func NewGenesis(now time.Time) (*Block, error) {
	b := &Block{
		Index:        0,
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
		PreviousHash: nil,
		Letters:      []LetterEntry{},
		Summary:      "genesis",
	}
	hash, err := computeHash(b)
	if err != nil {
		return nil, err
	}
	b.Hash = hash
	return b, nil
}

// NewLetterBlock builds the next block on top of prev, containing a
// single letter entry, with a freshly computed self-hash.
func NewLetterBlock(prev *Block, entry LetterEntry, metrics *RelayMetrics, now time.Time) (*Block, error) {
	prevHash := prev.Hash
	b := &Block{
		Index:        prev.Index + 1,
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
		PreviousHash: &prevHash,
		Letters:      []LetterEntry{entry},
		RelayMetrics: metrics,
		Summary:      "letter",
	}
	hash, err := computeHash(b)
	if err != nil {
		return nil, err
	}
	b.Hash = hash
	return b, nil
}

// VerifySelfHash reports whether b.Hash is a fixed point of its other
// fields - i.e. recomputing the hash from b's content reproduces
// exactly what is stored in b.Hash.
func VerifySelfHash(b *Block) (bool, error) {
	want, err := computeHash(b)
	if err != nil {
		return false, err
	}
	return want == b.Hash, nil
}
