// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package singleflight collapses concurrent callers of the same
// operation onto one in-flight call, the pattern used for pre-write
// sync and heartbeat reporting. It is the familiar "only one of these
// at a time" idiom - a mutex-guarded struct with an in-progress flag -
// generalized so joining callers share the one result instead of
// being turned away.
package singleflight

import "sync"

// Group shares one in-flight call's result across joining callers.
// Unlike golang.org/x/sync/singleflight (never a teacher dependency),
// this has no per-key map: each Group instance already corresponds to
// exactly one logical operation (one relay's pre-write sync, one
// relay's heartbeat report), so a single-pool-at-a-time guard per
// subsystem is enough without keying by call arguments.
type Group struct {
	mu      sync.Mutex
	inFlight bool
	done    chan struct{}
	val     interface{}
	err     error
}

// Do runs fn if no call is in flight, or waits for and returns the
// result of the call already in flight.
func (g *Group) Do(fn func() (interface{}, error)) (interface{}, error) {
	g.mu.Lock()
	if g.inFlight {
		done := g.done
		g.mu.Unlock()
		<-done
		g.mu.Lock()
		v, e := g.val, g.err
		g.mu.Unlock()
		return v, e
	}

	g.inFlight = true
	g.done = make(chan struct{})
	g.mu.Unlock()

	val, err := fn()

	g.mu.Lock()
	g.val, g.err = val, err
	g.inFlight = false
	close(g.done)
	g.mu.Unlock()

	return val, err
}
