// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package block

import "encoding/json"

// Manifest is the summary a ledger exports to peers: enough to detect
// divergence and compare chain length without shipping full blocks.
type Manifest struct {
	Length    uint64   `json:"length"`
	Hashes    []Digest `json:"hashes"`
	LatestHash *Digest `json:"latestHash"`
	Checksum  Digest   `json:"checksum"`
}

// BuildManifest derives a Manifest from a full block list.
func BuildManifest(blocks []*Block) (Manifest, error) {
	hashes := make([]Digest, len(blocks))
	for i, b := range blocks {
		hashes[i] = b.Hash
	}
	raw, err := json.Marshal(hashes)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		Length: uint64(len(blocks)),
		Hashes: hashes,
		Checksum: NewDigest(raw),
	}
	if len(blocks) > 0 {
		latest := blocks[len(blocks)-1].Hash
		m.LatestHash = &latest
	}
	return m, nil
}

// SameHistory reports whether two manifests describe the same chain of
// blocks (identical hash sequence).
func (m Manifest) SameHistory(other Manifest) bool {
	if len(m.Hashes) != len(other.Hashes) {
		return false
	}
	for i := range m.Hashes {
		if m.Hashes[i] != other.Hashes[i] {
			return false
		}
	}
	return true
}
