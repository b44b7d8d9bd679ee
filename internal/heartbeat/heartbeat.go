// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package heartbeat runs a relay's two independent timers: the
// directory report loop and the chain sync loop.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/letterrelay/relaynet/internal/block"
	"github.com/letterrelay/relaynet/internal/singleflight"
)

const (
	// DefaultReportInterval is the documented default report interval.
	DefaultReportInterval = 120 * time.Second
	// DefaultSyncInterval is the documented default sync interval.
	DefaultSyncInterval = 60 * time.Second

	maxBackoff = 30 * time.Second
	backoffStep = 2 * time.Second
)

// Identity is this relay's self-description, sent on every report.
type Identity struct {
	Onion           string
	PublicURL       string
	PublicAccessURL string
	Nickname        string
	Fingerprint     string
}

// MetricsSource supplies the relay's own latest self-observed metrics
// (not probed by the directory, but self-reported on each heartbeat).
type MetricsSource interface {
	LatencyMs() *int64
	Reachability() *float64
	GFWBlocked() *bool
}

// ChainSource supplies the manifest of the relay's active chain.
type ChainSource interface {
	GetManifest() (block.Manifest, error)
}

// GenesisSwitcher is invoked when the directory's report response
// names a different canonical genesis than the one the relay is
// currently serving.
type GenesisSwitcher interface {
	CurrentGenesisHash() string
	SwitchActiveGenesis(genesisHash string) error
}

// Syncer is the chain sync engine's pre-write-sync-adjacent "run a
// full reconciliation" entry point, invoked by the sync timer.
type Syncer interface {
	SyncNow(ctx context.Context) error
}

// ReportInfo records the outcome of one report attempt.
type ReportInfo struct {
	Delivered           bool
	Endpoint            string
	Height              uint64
	Error               string
	BackoffMs           int64
	ConsecutiveFailures int
	GenesisSwitchedTo   string
}

// reportResponse is the directory's POST /api/relays response body.
type reportResponse struct {
	Relay       json.RawMessage `json:"relay"`
	GenesisHash string          `json:"genesisHash"`
}

// Loop owns the relay's heartbeat state: single-flight reporting, the
// consecutive-failure counter, and the two independent timers.
type Loop struct {
	identity Identity
	chain    ChainSource
	metrics  MetricsSource
	switcher GenesisSwitcher
	syncer   Syncer

	directoryURL string
	client       *http.Client
	log          *logger.L

	reportInterval time.Duration
	syncInterval   time.Duration

	sf singleflight.Group

	mu                  sync.Mutex
	consecutiveFailures int
	lastReport          ReportInfo
	retryTimer          *time.Timer
}

// Config bundles Loop's construction parameters.
type Config struct {
	Identity       Identity
	DirectoryURL   string
	Chain          ChainSource
	Metrics        MetricsSource
	Switcher       GenesisSwitcher
	Syncer         Syncer
	Client         *http.Client
	Log            *logger.L
	ReportInterval time.Duration
	SyncInterval   time.Duration
}

// New builds a heartbeat loop; call Run to start both timers.
func New(cfg Config) *Loop {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	reportInterval := cfg.ReportInterval
	if reportInterval <= 0 {
		reportInterval = DefaultReportInterval
	}
	syncInterval := cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}
	return &Loop{
		identity:       cfg.Identity,
		chain:          cfg.Chain,
		metrics:        cfg.Metrics,
		switcher:       cfg.Switcher,
		syncer:         cfg.Syncer,
		directoryURL:   cfg.DirectoryURL,
		client:         client,
		log:            cfg.Log,
		reportInterval: reportInterval,
		syncInterval:   syncInterval,
	}
}

// Run fires a startup report, then drives both timers until ctx is
// cancelled, cancelling and draining both on the way out.
func (l *Loop) Run(ctx context.Context) {
	l.reportOnce(ctx)

	reportTicker := time.NewTicker(l.reportInterval)
	syncTicker := time.NewTicker(l.syncInterval)
	defer reportTicker.Stop()
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			if l.retryTimer != nil {
				l.retryTimer.Stop()
			}
			l.mu.Unlock()
			return
		case <-reportTicker.C:
			l.reportOnce(ctx)
		case <-syncTicker.C:
			l.syncOnce(ctx)
		}
	}
}

// ReportAsync implements pipeline.Reporter: step 4 of per-entry
// processing fires a best-effort directory report after every
// successful append, without blocking the writer on its outcome. The
// new block itself carries no extra payload here - the report already
// sends the relay's current chain manifest, which reflects the append.
func (l *Loop) ReportAsync(b *block.Block) {
	go l.reportOnce(context.Background())
}

func (l *Loop) syncOnce(ctx context.Context) {
	if l.syncer == nil {
		return
	}
	if err := l.syncer.SyncNow(ctx); err != nil && l.log != nil {
		l.log.Warnf("heartbeat: sync timer reconciliation failed: %v", err)
	}
}

// LastReport returns the most recently recorded report outcome.
func (l *Loop) LastReport() ReportInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastReport
}

// reportOnce runs ReportToDirectory single-flight and schedules a
// retry on failure.
func (l *Loop) reportOnce(ctx context.Context) {
	_, _ = l.sf.Do(func() (interface{}, error) {
		info := l.doReport(ctx)

		l.mu.Lock()
		l.lastReport = info
		if info.Delivered {
			l.consecutiveFailures = 0
		} else {
			l.consecutiveFailures++
			delay := time.Duration(l.consecutiveFailures) * backoffStep
			if delay > maxBackoff {
				delay = maxBackoff
			}
			info.BackoffMs = delay.Milliseconds()
			info.ConsecutiveFailures = l.consecutiveFailures
			l.lastReport = info
			if l.retryTimer != nil {
				l.retryTimer.Stop()
			}
			l.retryTimer = time.AfterFunc(delay, func() { l.reportOnce(ctx) })
		}
		l.mu.Unlock()

		return info, nil
	})
}

func (l *Loop) doReport(ctx context.Context) ReportInfo {
	manifest, err := l.chain.GetManifest()
	if err != nil {
		return ReportInfo{Delivered: false, Error: err.Error()}
	}

	payload := map[string]interface{}{
		"onion":           l.identity.Onion,
		"publicUrl":       l.identity.PublicURL,
		"publicAccessUrl": l.identity.PublicAccessURL,
		"nickname":        l.identity.Nickname,
		"fingerprint":     l.identity.Fingerprint,
		"chainSummary":    manifest,
	}
	if l.metrics != nil {
		payload["latencyMs"] = l.metrics.LatencyMs()
		payload["reachability"] = l.metrics.Reachability()
		payload["gfwBlocked"] = l.metrics.GFWBlocked()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return ReportInfo{Delivered: false, Error: err.Error()}
	}

	endpoint := l.directoryURL + "/api/relays"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return ReportInfo{Delivered: false, Endpoint: endpoint, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return ReportInfo{Delivered: false, Endpoint: endpoint, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ReportInfo{Delivered: false, Endpoint: endpoint, Error: fmt.Sprintf("directory responded %d", resp.StatusCode)}
	}

	var body reportResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)

	info := ReportInfo{Delivered: true, Endpoint: endpoint, Height: manifest.Length}

	if body.GenesisHash != "" && l.switcher != nil && body.GenesisHash != l.switcher.CurrentGenesisHash() {
		if err := l.switcher.SwitchActiveGenesis(body.GenesisHash); err != nil {
			if l.log != nil {
				l.log.Warnf("heartbeat: failed to switch active genesis to %s: %v", body.GenesisHash, err)
			}
		} else {
			info.GenesisSwitchedTo = body.GenesisHash
		}
	}

	return info
}
