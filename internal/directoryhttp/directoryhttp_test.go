// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package directoryhttp_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/letterrelay/relaynet/internal/broadcast"
	"github.com/letterrelay/relaynet/internal/directoryhttp"
	"github.com/letterrelay/relaynet/internal/registry"
)

func newServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	fanout := broadcast.New(nil, nil)
	mux := http.NewServeMux()
	directoryhttp.New(mux, reg, fanout, nil)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, reg
}

func TestUpsertRelayThenListRelays(t *testing.T) {
	srv, _ := newServer(t)

	body, err := json.Marshal(map[string]interface{}{
		"onion":     "abc123.onion",
		"publicUrl": "http://abc123.onion:8080",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/relays", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/relays: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	listResp, err := http.Get(srv.URL + "/api/relays")
	if err != nil {
		t.Fatalf("GET /api/relays: %v", err)
	}
	defer listResp.Body.Close()

	var listed struct {
		Relays []struct {
			Onion string `json:"onion"`
		} `json:"relays"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Relays) != 1 || listed.Relays[0].Onion != "abc123.onion" {
		t.Fatalf("expected exactly the upserted relay, got %+v", listed.Relays)
	}
}

func TestUpsertRelayRejectsMissingOnion(t *testing.T) {
	srv, _ := newServer(t)

	body, _ := json.Marshal(map[string]interface{}{"publicUrl": "http://x"})
	resp, err := http.Post(srv.URL+"/api/relays", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRelaysListMethodNotAllowed(t *testing.T) {
	srv, _ := newServer(t)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/relays", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestRelaysBestReturnsUnavailableWhenEmpty(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/api/relays/best")
	if err != nil {
		t.Fatalf("GET /api/relays/best: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Onion     *string `json:"onion"`
		Available bool    `json:"available"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Available || body.Onion != nil {
		t.Fatalf("expected unavailable with no relays, got %+v", body)
	}
}

func TestRelaysBestPicksReachableRelay(t *testing.T) {
	srv, reg := newServer(t)

	latency := int64(100)
	reachability := 0.99
	if _, err := reg.Upsert(registry.UpsertPayload{
		Onion:        "good.onion",
		PublicURL:    "http://good.onion",
		LatencyMs:    &latency,
		Reachability: &reachability,
	}, time.Now()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/relays/best")
	if err != nil {
		t.Fatalf("GET /api/relays/best: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Onion     *string `json:"onion"`
		Available bool    `json:"available"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Available || body.Onion == nil || *body.Onion != "good.onion" {
		t.Fatalf("expected good.onion to win, got %+v", body)
	}
}
