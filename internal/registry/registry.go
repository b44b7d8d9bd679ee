// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package registry is the directory authority's relay table: it
// upserts heartbeat reports, tracks the canonical manifest, and
// classifies each relay's sync status against it.
package registry

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/common/model"

	"github.com/letterrelay/relaynet/internal/block"
	"github.com/letterrelay/relaynet/internal/probe"
)

// ConnectionMeta records both the reported and resolved public URL, so
// operators can see when loopback substitution kicked in.
type ConnectionMeta struct {
	ReportedURL string `json:"reportedUrl"`
	ResolvedURL string `json:"resolvedUrl"`
	ClientIP    string `json:"clientIp,omitempty"`
}

// SyncStatus classifies a relay's chain against the canonical manifest.
type SyncStatus struct {
	NeedsSync   bool   `json:"needsSync,omitempty"`
	NeedsRepair bool   `json:"needsRepair,omitempty"`
	MissingCount int   `json:"missingCount,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Relay is one directory-side relay record.
type Relay struct {
	ID              string            `json:"id"`
	Onion           string            `json:"onion"`
	PublicURL       string            `json:"publicUrl"`
	PublicAccessURL string            `json:"publicAccessUrl,omitempty"`
	Nickname        string            `json:"nickname,omitempty"`
	Fingerprint     string            `json:"fingerprint"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastSeen        time.Time         `json:"lastSeen"`
	LastSeenIP      string            `json:"lastSeenIp,omitempty"`
	ConnectionMeta  ConnectionMeta    `json:"connectionMeta"`
	ChainSummary    *block.Manifest   `json:"chainSummary,omitempty"`
	LatencyMs       *int64            `json:"latencyMs,omitempty"`
	Reachability    *float64          `json:"reachability,omitempty"`
	GFWBlocked      bool              `json:"gfwBlocked,omitempty"`
	MetricsSampledAt *model.Time      `json:"metricsSampledAt,omitempty"`
	MetricsSource   string            `json:"metricsSource,omitempty"`
	SyncStatus      SyncStatus        `json:"syncStatus"`
}

// UpsertPayload is the heartbeat body a relay reports (the
// "heartbeat payload shape").
type UpsertPayload struct {
	Onion           string          `json:"onion"`
	PublicURL       string          `json:"publicUrl"`
	PublicAccessURL string          `json:"publicAccessUrl,omitempty"`
	Nickname        string          `json:"nickname,omitempty"`
	Fingerprint     string          `json:"fingerprint,omitempty"`
	LatencyMs       *int64          `json:"latencyMs,omitempty"`
	Reachability    *float64        `json:"reachability,omitempty"`
	GFWBlocked      *bool           `json:"gfwBlocked,omitempty"`
	ChainSummary    *block.Manifest `json:"chainSummary"`
	ClientIP        string          `json:"-"`
}

// Registry is the directory's single-writer relay table.
type Registry struct {
	mu        sync.Mutex
	relays    map[string]*Relay // keyed by onion
	canonical *block.Manifest
	path      string
}

// New builds an empty registry. Load populates it from disk.
func New() *Registry {
	return &Registry{relays: make(map[string]*Relay)}
}

// document is the on-disk shape of directory-state.json.
type document struct {
	Relays    []*Relay        `json:"relays"`
	Canonical *block.Manifest `json:"canonicalManifest,omitempty"`
}

// Load reads an existing directory-state.json, or leaves the registry
// empty if none exists yet.
func Load(path string) (*Registry, error) {
	r := New()
	r.path = path
	var doc document
	if err := readJSON(path, &doc); err != nil {
		if isNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	for _, relay := range doc.Relays {
		r.relays[relay.Onion] = relay
	}
	r.canonical = doc.Canonical
	return r, nil
}

func (r *Registry) persistLocked() error {
	if r.path == "" {
		return nil
	}
	doc := document{Canonical: r.canonical}
	for _, relay := range r.relays {
		doc.Relays = append(doc.Relays, relay)
	}
	return writeJSONAtomic(r.path, doc)
}

// isLoopback reports whether host is a loopback address or hostname.
func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Upsert applies the four-step upsert: merge/create the
// relay record keyed by onion, resolve the public URL against any
// observed non-loopback client address, fold the reported chain
// summary into the canonical manifest if it is strictly longer, then
// classify the relay's own sync status against the (post-update)
// canonical manifest.
func (r *Registry) Upsert(p UpsertPayload, now time.Time) (*Relay, error) {
	if p.Onion == "" {
		return nil, fmt.Errorf("registry: onion is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	relay, existed := r.relays[p.Onion]
	if !existed {
		relay = &Relay{
			ID:          p.Onion,
			Onion:       p.Onion,
			Fingerprint: p.Fingerprint,
			CreatedAt:   now,
		}
		if relay.Fingerprint == "" {
			relay.Fingerprint = synthesizeFingerprint(p.Onion, now)
		}
		r.relays[p.Onion] = relay
	}

	relay.LastSeen = now
	if p.ClientIP != "" {
		relay.LastSeenIP = p.ClientIP
	}
	if p.Nickname != "" {
		relay.Nickname = p.Nickname
	}
	if p.PublicAccessURL != "" {
		relay.PublicAccessURL = p.PublicAccessURL
	}
	if p.LatencyMs != nil {
		relay.LatencyMs = p.LatencyMs
	}
	if p.Reachability != nil {
		relay.Reachability = p.Reachability
	}
	if p.GFWBlocked != nil {
		relay.GFWBlocked = *p.GFWBlocked
	}

	resolved := p.PublicURL
	if p.PublicAccessURL != "" {
		resolved = p.PublicAccessURL
	}
	resolvedHost := hostOf(resolved)
	if resolvedHost != "" && isLoopback(resolvedHost) && p.ClientIP != "" && !isLoopback(p.ClientIP) {
		resolved = substituteHost(resolved, p.ClientIP)
	}
	relay.PublicURL = resolved
	relay.ConnectionMeta = ConnectionMeta{
		ReportedURL: p.PublicURL,
		ResolvedURL: resolved,
		ClientIP:    p.ClientIP,
	}

	if p.ChainSummary != nil {
		relay.ChainSummary = p.ChainSummary
		if r.canonical == nil || p.ChainSummary.Length > r.canonical.Length {
			canon := *p.ChainSummary
			r.canonical = &canon
		}
	}

	relay.SyncStatus = classifySyncStatus(relay.ChainSummary, r.canonical)

	if err := r.persistLocked(); err != nil {
		return nil, err
	}

	out := *relay
	return &out, nil
}

// classifySyncStatus implements the sync-status rule: equal
// up to min length and relay is shorter => needsSync; divergent within
// min length => needsRepair; otherwise clean.
func classifySyncStatus(relayManifest, canonical *block.Manifest) SyncStatus {
	if canonical == nil || relayManifest == nil {
		return SyncStatus{}
	}

	minLen := len(relayManifest.Hashes)
	if len(canonical.Hashes) < minLen {
		minLen = len(canonical.Hashes)
	}

	for i := 0; i < minLen; i++ {
		if relayManifest.Hashes[i] != canonical.Hashes[i] {
			return SyncStatus{NeedsRepair: true, Detail: fmt.Sprintf("diverges from canonical at index %d", i)}
		}
	}

	if relayManifest.Length < canonical.Length {
		return SyncStatus{NeedsSync: true, MissingCount: int(canonical.Length - relayManifest.Length)}
	}

	return SyncStatus{}
}

// CanonicalManifest returns the current canonical manifest, or nil if
// no relay has reported yet.
func (r *Registry) CanonicalManifest() *block.Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canonical == nil {
		return nil
	}
	out := *r.canonical
	return &out
}

// CanonicalGenesisHash returns the genesis hash (first hash) of the
// canonical manifest, or "" if none.
func (r *Registry) CanonicalGenesisHash() string {
	m := r.CanonicalManifest()
	if m == nil || len(m.Hashes) == 0 {
		return ""
	}
	return m.Hashes[0].String()
}

// List returns a snapshot copy of every known relay, for GET /api/relays.
func (r *Registry) List() []*Relay {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Relay, 0, len(r.relays))
	for _, relay := range r.relays {
		copy := *relay
		out = append(out, &copy)
	}
	return out
}

// PublicURLs returns every relay's resolved public URL, used by the
// post-upsert broadcast fan-out. excludeOnion, if
// non-empty, omits that relay (the caller's own record).
func (r *Registry) PublicURLs(excludeOnion string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for onion, relay := range r.relays {
		if onion == excludeOnion || relay.PublicURL == "" {
			continue
		}
		out = append(out, relay.PublicURL)
	}
	return out
}

// ProbeTargets implements probe.Targets: every known relay with a
// resolved public URL, for the reachability poller to sweep.
func (r *Registry) ProbeTargets() []probe.Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]probe.Target, 0, len(r.relays))
	for _, relay := range r.relays {
		if relay.PublicURL == "" {
			continue
		}
		out = append(out, probe.Target{Onion: relay.Onion, PublicURL: relay.PublicURL})
	}
	return out
}

// UpdateMetrics is called by the reachability prober to record a probe
// result without going through the full heartbeat upsert path.
func (r *Registry) UpdateMetrics(onion string, latencyMs *int64, reachability *float64, gfwBlocked bool, sampledAt model.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	relay, ok := r.relays[onion]
	if !ok {
		return fmt.Errorf("registry: unknown relay %q", onion)
	}
	relay.LatencyMs = latencyMs
	relay.Reachability = reachability
	relay.GFWBlocked = gfwBlocked
	relay.MetricsSampledAt = &sampledAt
	relay.MetricsSource = "probe"
	return r.persistLocked()
}

func synthesizeFingerprint(onion string, now time.Time) string {
	return fmt.Sprintf("fp-%x", block.NewDigest([]byte(onion+now.String())))
}
