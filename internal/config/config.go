// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package config loads and hot-reloads relay and directory
// configuration from plain JSON files. The format is fixed JSON
// rather than a more permissive config language (see DESIGN.md).
package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/fsnotify/fsnotify"
)

// Metrics is a relay's self-reported observation snapshot, included
// on every heartbeat.
type Metrics struct {
	LatencyMs    *int64   `json:"latencyMs,omitempty"`
	Reachability *float64 `json:"reachability,omitempty"`
	GFWBlocked   *bool    `json:"gfwBlocked,omitempty"`
}

// Relay is the relay daemon's config.json shape.
type Relay struct {
	DirectoryURL      string  `json:"directoryUrl"`
	Onion             string  `json:"onion"`
	PublicURL         string  `json:"publicUrl"`
	PublicAccessURL   string  `json:"publicAccessUrl,omitempty"`
	Nickname          string  `json:"nickname,omitempty"`
	HeartbeatInterval int     `json:"heartbeatInterval,omitempty"` // seconds
	Metrics           Metrics `json:"metrics"`
	ActiveGenesisHash string  `json:"activeGenesisHash,omitempty"`
}

// ApplyPublicAccessURL enforces that a non-empty PublicAccessURL
// always wins over PublicURL.
func (r *Relay) ApplyPublicAccessURL() {
	if r.PublicAccessURL != "" {
		r.PublicURL = r.PublicAccessURL
	}
}

// MetricsHolder holds the most recently loaded self-reported metrics
// behind a mutex so the heartbeat loop can read a consistent snapshot
// while the config watcher replaces it on every hot reload.
type MetricsHolder struct {
	mu sync.RWMutex
	m  Metrics
}

// NewMetricsHolder builds a holder seeded with an initial snapshot.
func NewMetricsHolder(initial Metrics) *MetricsHolder {
	return &MetricsHolder{m: initial}
}

// Set replaces the held snapshot; call this from the config watcher's
// onLoad callback.
func (h *MetricsHolder) Set(m Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m = m
}

// LatencyMs implements heartbeat.MetricsSource.
func (h *MetricsHolder) LatencyMs() *int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.m.LatencyMs
}

// Reachability implements heartbeat.MetricsSource.
func (h *MetricsHolder) Reachability() *float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.m.Reachability
}

// GFWBlocked implements heartbeat.MetricsSource.
func (h *MetricsHolder) GFWBlocked() *bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.m.GFWBlocked
}

// Directory is the directory daemon's config.json shape.
type Directory struct {
	Listen        []string `json:"listen"`
	Certificate   string   `json:"certificate,omitempty"`
	PrivateKey    string   `json:"privateKey,omitempty"`
	StateFile     string   `json:"stateFile,omitempty"`
	ProbeInterval int      `json:"probeInterval,omitempty"` // seconds
	ProbeTimeout  int      `json:"probeTimeout,omitempty"`  // seconds
}

// LoadRelay reads and parses a relay config.json.
func LoadRelay(path string) (*Relay, error) {
	var c Relay
	if err := readJSONFile(path, &c); err != nil {
		return nil, err
	}
	c.ApplyPublicAccessURL()
	return &c, nil
}

// LoadDirectory reads and parses a directory config.json.
func LoadDirectory(path string) (*Directory, error) {
	var c Directory
	if err := readJSONFile(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func readJSONFile(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// envDurationMs parses name as milliseconds and returns it as a
// Duration, or fallback if the variable is unset or invalid. Used for
// RELAY_SYNC_INTERVAL_MS, RELAY_REPORT_INTERVAL_MS,
// DIRECTORY_METRICS_INTERVAL_MS, DIRECTORY_METRICS_TIMEOUT_MS.
func envDurationMs(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// RelaySyncInterval resolves RELAY_SYNC_INTERVAL_MS against fallback.
func RelaySyncInterval(fallback time.Duration) time.Duration {
	return envDurationMs("RELAY_SYNC_INTERVAL_MS", fallback)
}

// RelayReportInterval resolves RELAY_REPORT_INTERVAL_MS against fallback.
func RelayReportInterval(fallback time.Duration) time.Duration {
	return envDurationMs("RELAY_REPORT_INTERVAL_MS", fallback)
}

// DirectoryProbeInterval resolves DIRECTORY_METRICS_INTERVAL_MS
// against fallback.
func DirectoryProbeInterval(fallback time.Duration) time.Duration {
	return envDurationMs("DIRECTORY_METRICS_INTERVAL_MS", fallback)
}

// DirectoryProbeTimeout resolves DIRECTORY_METRICS_TIMEOUT_MS against
// fallback.
func DirectoryProbeTimeout(fallback time.Duration) time.Duration {
	return envDurationMs("DIRECTORY_METRICS_TIMEOUT_MS", fallback)
}

// Watcher reloads a relay config from disk whenever the underlying
// file changes: "watch one config file and reload its parsed form"
// rather than a directory of files to process.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	log     *logger.L
	onLoad  func(*Relay)
}

// NewWatcher starts watching path's parent directory for changes to
// path, invoking onLoad with each successfully reparsed config.
func NewWatcher(path string, log *logger.L, onLoad func(*Relay)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, watcher: fw, log: log, onLoad: onLoad}, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadRelay(w.path)
			if err != nil {
				if w.log != nil {
					w.log.Warnf("config: failed to reload %s: %v", w.path, err)
				}
				continue
			}
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Errorf("config: watch error: %v", err)
			}
		}
	}
}
