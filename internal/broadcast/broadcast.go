// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package broadcast fans a directory-side sync nudge out to every
// other known relay after an upsert, one goroutine per target, with
// no cross-peer ordering and no retries.
package broadcast

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"
)

// Fanout issues a best-effort POST /api/sync to every URL in targets,
// logging failures per target and never blocking the caller past the
// point where every goroutine has been started.
type Fanout struct {
	client *http.Client
	log    *logger.L
}

// New builds a Fanout. A nil client gets a sensible default timeout.
func New(client *http.Client, log *logger.L) *Fanout {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Fanout{client: client, log: log}
}

// Broadcast starts one goroutine per target and returns immediately;
// wg, if non-nil, is incremented per goroutine so a caller that wants
// to wait for delivery (not just dispatch) may call wg.Wait().
func (f *Fanout) Broadcast(ctx context.Context, targets []string, wg *sync.WaitGroup) {
	for _, target := range targets {
		target := target
		if wg != nil {
			wg.Add(1)
		}
		go func() {
			if wg != nil {
				defer wg.Done()
			}
			f.notifyOne(ctx, target)
		}()
	}
}

func (f *Fanout) notifyOne(ctx context.Context, baseURL string) {
	endpoint := strings.TrimRight(baseURL, "/") + "/api/sync"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		if f.log != nil {
			f.log.Warnf("broadcast: failed to build request for %s: %v", endpoint, err)
		}
		return
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if f.log != nil {
			f.log.Warnf("broadcast: failed to notify %s: %v", endpoint, err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && f.log != nil {
		f.log.Warnf("broadcast: %s responded %d", endpoint, resp.StatusCode)
	}
}
