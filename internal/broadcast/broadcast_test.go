// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package broadcast_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/letterrelay/relaynet/internal/broadcast"
)

func TestBroadcastNotifiesEveryTarget(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sync" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := broadcast.New(nil, nil)
	var wg sync.WaitGroup
	f.Broadcast(context.Background(), []string{srv.URL, srv.URL, srv.URL}, &wg)
	wg.Wait()

	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected 3 notifications, got %d", hits)
	}
}

func TestBroadcastSurvivesUnreachableTarget(t *testing.T) {
	f := broadcast.New(nil, nil)
	var wg sync.WaitGroup
	f.Broadcast(context.Background(), []string{"http://127.0.0.1:1"}, &wg)
	wg.Wait() // must not hang or panic
}
