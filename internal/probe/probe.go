// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package probe runs the directory's background reachability poller:
// it GETs every known relay's /api/status and classifies the result
// per its success/non-2xx/network-error classification table.
package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/common/model"
	"golang.org/x/time/rate"
)

const (
	// DefaultInterval matches DIRECTORY_METRICS_INTERVAL_MS's
	// documented default.
	DefaultInterval = 3 * time.Minute
	// DefaultTimeout matches DIRECTORY_METRICS_TIMEOUT_MS's documented
	// default.
	DefaultTimeout = 8 * time.Second
)

// Result is one probe outcome, cached and handed to the registry.
type Result struct {
	Onion        string
	LatencyMs    *int64
	Reachability float64
	GFWBlocked   bool
	SampledAt    model.Time
}

// Updater receives probe results; implemented by *registry.Registry.
type Updater interface {
	UpdateMetrics(onion string, latencyMs *int64, reachability *float64, gfwBlocked bool, sampledAt model.Time) error
}

// Targets supplies the relays to probe each tick.
type Targets interface {
	// ProbeTargets returns every known relay; the poller only probes
	// ones with a non-empty PublicURL.
	ProbeTargets() []Target
}

// Target is the minimal shape the poller needs per relay.
type Target struct {
	Onion     string
	PublicURL string
}

// Poller owns the ticker and the per-relay result cache.
type Poller struct {
	targets  Targets
	updater  Updater
	client   *http.Client
	log      *logger.L
	interval time.Duration
	timeout  time.Duration

	cache   *cache.Cache
	limiter *rate.Limiter

	mu      sync.Mutex
	running bool
}

// New builds a poller. interval controls both the tick period and the
// cache TTL, which is set equal to one probe interval.
func New(targets Targets, updater Updater, log *logger.L, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Poller{
		targets:  targets,
		updater:  updater,
		client:   &http.Client{Timeout: timeout},
		log:      log,
		interval: interval,
		timeout:  timeout,
		cache:    cache.New(interval, interval/2),
		limiter:  rate.NewLimiter(rate.Every(interval/time.Duration(maxBurst)), maxBurst),
	}
}

// maxBurst bounds how many probes the limiter admits in one burst
// window; a generous fixed ceiling avoids reconfiguring the limiter
// as the relay count grows, at the cost of capping simultaneous probe
// issuance on very large registries.
const maxBurst = 64

// Run ticks every interval until ctx is cancelled, skipping a tick if
// the previous one is still in flight, so at most one iteration is
// ever running at a time.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for _, target := range p.targets.ProbeTargets() {
		if target.PublicURL == "" {
			continue
		}
		target := target
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.probeOne(ctx, target)
		}()
	}
	wg.Wait()
}

func (p *Poller) probeOne(ctx context.Context, target Target) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := p.doProbe(reqCtx, target)
	p.cache.Set(target.Onion, result, cache.DefaultExpiration)

	reach := result.Reachability
	if err := p.updater.UpdateMetrics(target.Onion, result.LatencyMs, &reach, result.GFWBlocked, result.SampledAt); err != nil && p.log != nil {
		p.log.Warnf("probe: failed to record metrics for %s: %v", target.Onion, err)
	}
}

func (p *Poller) doProbe(ctx context.Context, target Target) Result {
	now := model.Now()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(target.PublicURL, "/")+"/api/status", nil)
	if err != nil {
		return Result{Onion: target.Onion, Reachability: 0, GFWBlocked: false, SampledAt: now}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{Onion: target.Onion, Reachability: 0, GFWBlocked: classifyNetworkError(err), SampledAt: now}
	}
	defer resp.Body.Close()

	elapsed := time.Since(start).Milliseconds()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Onion: target.Onion, LatencyMs: &elapsed, Reachability: 1, GFWBlocked: false, SampledAt: now}
	}
	return Result{Onion: target.Onion, Reachability: 0, GFWBlocked: resp.StatusCode == http.StatusForbidden, SampledAt: now}
}

// classifyNetworkError maps a dial/transport error to the
// gfwBlocked classification: abort, connection reset, net-reset,
// refused, host-unreachable, timed-out are treated as GFW signals;
// everything else is not.
func classifyNetworkError(err error) bool {
	msg := strings.ToLower(err.Error())

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	signals := []string{"connection reset", "reset by peer", "refused", "unreachable", "aborted", "timed out", "i/o timeout"}
	for _, s := range signals {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Cached returns the most recent probe result for onion, if any probe
// has been recorded within the current TTL window.
func (p *Poller) Cached(onion string) (Result, bool) {
	v, ok := p.cache.Get(onion)
	if !ok {
		return Result{}, false
	}
	result, ok := v.(Result)
	return result, ok
}
