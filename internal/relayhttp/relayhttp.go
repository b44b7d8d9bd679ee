// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package relayhttp exposes a relay's REST surface: GET /api/status,
// GET /api/blocks/full, POST /api/letters, POST /api/report, and
// POST /api/sync.
package relayhttp

import (
	"encoding/json"
	"net/http"

	"github.com/bitmark-inc/logger"

	"github.com/letterrelay/relaynet/internal/block"
	"github.com/letterrelay/relaynet/internal/errs"
	"github.com/letterrelay/relaynet/internal/heartbeat"
	"github.com/letterrelay/relaynet/internal/ledger"
	"github.com/letterrelay/relaynet/internal/pipeline"
	"github.com/letterrelay/relaynet/internal/syncengine"
)

// Handler bundles the components a relay's HTTP surface dispatches to.
type Handler struct {
	ledger     *ledger.Ledger
	pipeline   *pipeline.Pipeline
	syncEngine *syncengine.Engine
	heart      *heartbeat.Loop
	log        *logger.L
}

// New builds a Handler and registers its routes on mux.
func New(mux *http.ServeMux, l *ledger.Ledger, p *pipeline.Pipeline, sync *syncengine.Engine, heart *heartbeat.Loop, log *logger.L) *Handler {
	h := &Handler{ledger: l, pipeline: p, syncEngine: sync, heart: heart, log: log}

	mux.HandleFunc("/api/status", h.status)
	mux.HandleFunc("/api/blocks/full", h.blocksFull)
	mux.HandleFunc("/api/letters", h.letters)
	mux.HandleFunc("/api/report", h.report)
	mux.HandleFunc("/api/sync", h.handleSync)
	return h
}

type statusResponse struct {
	Summary      summary           `json:"summary"`
	Queue        queueSummary      `json:"queue"`
	LastConflict interface{}       `json:"lastConflict,omitempty"`
}

type summary struct {
	Length     uint64 `json:"length"`
	LatestHash string `json:"latestHash,omitempty"`
}

type queueSummary struct {
	Pending    int    `json:"pending"`
	Processing bool   `json:"processing"`
	LastError  string `json:"lastError,omitempty"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendMethodNotAllowed(w)
		return
	}

	manifest, err := h.ledger.GetManifest()
	if err != nil {
		sendError(w, err)
		return
	}
	qs := h.pipeline.GetQueueStatus()

	resp := statusResponse{
		Summary: summary{Length: manifest.Length},
		Queue: queueSummary{
			Pending:    qs.Pending,
			Processing: qs.Processing,
		},
	}
	if manifest.LatestHash != nil {
		resp.Summary.LatestHash = manifest.LatestHash.String()
	}
	if qs.LastError != nil {
		resp.Queue.LastError = qs.LastError.Error()
	}

	sendReply(w, http.StatusOK, resp)
}

func (h *Handler) blocksFull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendMethodNotAllowed(w)
		return
	}
	sendReply(w, http.StatusOK, map[string]interface{}{"blocks": h.ledger.GetBlocks()})
}

type letterRequest struct {
	Payload          string              `json:"payload"`
	OwnerFingerprint string              `json:"ownerFingerprint"`
	RelayMetrics     *block.RelayMetrics `json:"relayMetrics,omitempty"`
}

func (h *Handler) letters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendMethodNotAllowed(w)
		return
	}

	var req letterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorWithStatus(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}

	ch, err := h.pipeline.AcceptLetter(req.Payload, req.OwnerFingerprint, req.RelayMetrics)
	if err != nil {
		sendError(w, err)
		return
	}

	result := <-ch
	if result.Err != nil {
		sendError(w, result.Err)
		return
	}
	sendReply(w, http.StatusOK, map[string]interface{}{"block": result.Block})
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendMethodNotAllowed(w)
		return
	}
	if h.heart == nil {
		sendErrorWithStatus(w, http.StatusServiceUnavailable, "sync_blocked", "heartbeat loop not configured")
		return
	}
	sendReply(w, http.StatusOK, h.heart.LastReport())
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendMethodNotAllowed(w)
		return
	}
	if h.syncEngine == nil {
		sendErrorWithStatus(w, http.StatusServiceUnavailable, "sync_blocked", "sync engine not configured")
		return
	}
	err := h.syncEngine.SyncBeforeWrite()
	if err != nil && !errs.IsNoAlternateRelay(err) {
		sendError(w, err)
		return
	}
	sendReply(w, http.StatusOK, map[string]interface{}{"synced": true})
}
