// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package syncengine

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/letterrelay/relaynet/internal/errs"
	"github.com/letterrelay/relaynet/internal/selector"
)

// DirectoryPeerSource implements PeerSource by querying the directory
// for GET /api/relays and running the selector (the
// "Choosing a peer": query the directory, apply the selector excluding
// self, use its publicUrl).
type DirectoryPeerSource struct {
	directoryURL string
	selfOnion    string
	client       *http.Client
}

// NewDirectoryPeerSource builds a DirectoryPeerSource.
func NewDirectoryPeerSource(directoryURL, selfOnion string, client *http.Client) *DirectoryPeerSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DirectoryPeerSource{directoryURL: directoryURL, selfOnion: selfOnion, client: client}
}

type directoryRelay struct {
	Onion          string          `json:"onion"`
	PublicURL      string          `json:"publicUrl"`
	LatencyMs      *int64          `json:"latencyMs,omitempty"`
	Reachability   *float64        `json:"reachability,omitempty"`
	GFWBlocked     bool            `json:"gfwBlocked,omitempty"`
	ChainSummary   json.RawMessage `json:"chainSummary,omitempty"`
}

type relaysResponse struct {
	Relays []directoryRelay `json:"relays"`
}

// AlternatePeers returns the selector's single best alternate relay's
// publicUrl. It returns errs.ErrNoDirectoryConfigured if no directory
// URL is configured at all - a distinct, non-bypassable condition from
// a configured directory simply having no usable candidate right now
// (unreachable, empty, or only self present), which is reported as a
// nil slice with a nil error.
func (s *DirectoryPeerSource) AlternatePeers() ([]string, error) {
	if s.directoryURL == "" {
		return nil, errs.ErrNoDirectoryConfigured
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, s.directoryURL+"/api/relays", nil)
	if err != nil {
		return nil, nil
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var body relaysResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, nil
	}

	candidates := make([]selector.Candidate, 0, len(body.Relays))
	for _, r := range body.Relays {
		if r.Onion == s.selfOnion || r.PublicURL == "" {
			continue
		}
		candidates = append(candidates, selector.Candidate{
			Onion:        r.Onion,
			PublicURL:    r.PublicURL,
			LatencyMs:    r.LatencyMs,
			Reachability: r.Reachability,
			GFWBlocked:   r.GFWBlocked,
		})
	}

	best, ok := selector.SelectBest(candidates)
	if !ok {
		return nil, nil
	}
	return []string{best.PublicURL}, nil
}
