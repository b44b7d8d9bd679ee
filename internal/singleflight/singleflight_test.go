// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package singleflight_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/letterrelay/relaynet/internal/singleflight"
)

func TestDoRunsOnlyOnceForConcurrentCallers(t *testing.T) {
	var g singleflight.Group
	var calls int32

	release := make(chan struct{})
	var wg sync.WaitGroup

	results := make([]interface{}, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := g.Do(func() (interface{}, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return "value", nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[idx] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("underlying fn called %d times, want 1", calls)
	}
	for i, r := range results {
		if r != "value" {
			t.Fatalf("results[%d] = %v, want %q", i, r, "value")
		}
	}
}

func TestDoPropagatesError(t *testing.T) {
	var g singleflight.Group
	wantErr := errors.New("boom")

	_, err := g.Do(func() (interface{}, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Fatalf("Do error = %v, want %v", err, wantErr)
	}
}

func TestDoRunsAgainAfterPreviousCallCompletes(t *testing.T) {
	var g singleflight.Group
	var calls int32

	for i := 0; i < 3; i++ {
		_, err := g.Do(func() (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
	}

	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (each sequential call should run its own fn)", calls)
	}
}
