// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package directoryhttp exposes the directory authority's REST
// surface: GET /api/relays, GET /api/relays/best, and POST
// /api/relays.
package directoryhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/letterrelay/relaynet/internal/broadcast"
	"github.com/letterrelay/relaynet/internal/registry"
	"github.com/letterrelay/relaynet/internal/selector"
)

// Handler bundles the directory's registry, broadcaster, and logger.
type Handler struct {
	registry *registry.Registry
	fanout   *broadcast.Fanout
	log      *logger.L
}

// New builds a Handler and registers its routes on mux.
func New(mux *http.ServeMux, reg *registry.Registry, fanout *broadcast.Fanout, log *logger.L) *Handler {
	h := &Handler{registry: reg, fanout: fanout, log: log}
	mux.HandleFunc("/api/relays", h.relays)
	mux.HandleFunc("/api/relays/best", h.relaysBest)
	return h
}

type reputationRelay struct {
	*registry.Relay
	Reputation int `json:"reputation"`
}

func reputationOf(r *registry.Relay) int {
	if r.Reachability == nil {
		return 0
	}
	return int(*r.Reachability*100 + 0.5)
}

func (h *Handler) relays(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listRelays(w, r)
	case http.MethodPost:
		h.upsertRelay(w, r)
	default:
		sendMethodNotAllowed(w)
	}
}

func (h *Handler) listRelays(w http.ResponseWriter, r *http.Request) {
	relays := h.registry.List()
	out := make([]reputationRelay, 0, len(relays))
	for _, relay := range relays {
		out = append(out, reputationRelay{Relay: relay, Reputation: reputationOf(relay)})
	}
	sendReply(w, http.StatusOK, map[string]interface{}{
		"relays":   out,
		"manifest": h.registry.CanonicalManifest(),
	})
}

type bestRelayResponse struct {
	Onion     *string `json:"onion"`
	Available bool    `json:"available"`
}

func (h *Handler) relaysBest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendMethodNotAllowed(w)
		return
	}

	relays := h.registry.List()
	candidates := make([]selector.Candidate, 0, len(relays))
	for _, relay := range relays {
		var freshness *float64
		if manifest := h.registry.CanonicalManifest(); manifest != nil && relay.ChainSummary != nil && manifest.Length > 0 {
			f := float64(relay.ChainSummary.Length) / float64(manifest.Length)
			freshness = &f
		}
		candidates = append(candidates, selector.Candidate{
			Onion:          relay.Onion,
			PublicURL:      relay.PublicURL,
			LatencyMs:      relay.LatencyMs,
			Reachability:   relay.Reachability,
			ChainFreshness: freshness,
			GFWBlocked:     relay.GFWBlocked,
		})
	}

	best, ok := selector.SelectBest(candidates)
	if !ok {
		sendReply(w, http.StatusOK, bestRelayResponse{Available: false})
		return
	}
	onion := best.Onion
	sendReply(w, http.StatusOK, bestRelayResponse{Onion: &onion, Available: true})
}

type heartbeatRequest struct {
	Onion           string          `json:"onion"`
	PublicURL       string          `json:"publicUrl"`
	PublicAccessURL string          `json:"publicAccessUrl,omitempty"`
	Nickname        string          `json:"nickname,omitempty"`
	Fingerprint     string          `json:"fingerprint,omitempty"`
	LatencyMs       *int64          `json:"latencyMs,omitempty"`
	Reachability    *float64        `json:"reachability,omitempty"`
	GFWBlocked      *bool           `json:"gfwBlocked,omitempty"`
	ChainSummary    json.RawMessage `json:"chainSummary"`
}

func (h *Handler) upsertRelay(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorWithStatus(w, http.StatusBadRequest, "invalid_input", "malformed heartbeat payload")
		return
	}
	if req.Onion == "" {
		sendErrorWithStatus(w, http.StatusBadRequest, "invalid_input", "onion is required")
		return
	}

	payload := registry.UpsertPayload{
		Onion:           req.Onion,
		PublicURL:       req.PublicURL,
		PublicAccessURL: req.PublicAccessURL,
		Nickname:        req.Nickname,
		Fingerprint:     req.Fingerprint,
		LatencyMs:       req.LatencyMs,
		Reachability:    req.Reachability,
		GFWBlocked:      req.GFWBlocked,
		ClientIP:        clientIP(r),
	}
	if len(req.ChainSummary) > 0 {
		if err := json.Unmarshal(req.ChainSummary, &payload.ChainSummary); err != nil {
			sendErrorWithStatus(w, http.StatusBadRequest, "invalid_input", "malformed chainSummary")
			return
		}
	}

	relay, err := h.registry.Upsert(payload, time.Now())
	if err != nil {
		sendErrorWithStatus(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if h.fanout != nil {
		targets := h.registry.PublicURLs(relay.Onion)
		var wg sync.WaitGroup
		h.fanout.Broadcast(context.Background(), targets, &wg)
	}

	sendReply(w, http.StatusOK, map[string]interface{}{
		"relay":       relay,
		"genesisHash": h.registry.CanonicalGenesisHash(),
	})
}

func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[:idx]
	}
	return addr
}
