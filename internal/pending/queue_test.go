// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pending_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/letterrelay/relaynet/internal/pending"
)

func newEntry(t *testing.T, payload string) *pending.Entry {
	t.Helper()
	e, err := pending.NewEntry(payload, "FP1", nil, time.Now())
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	return e
}

func TestQueueFIFOOrder(t *testing.T) {
	q, err := pending.Open(filepath.Join(t.TempDir(), "pending-letters.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	e1 := newEntry(t, "ENV1")
	e2 := newEntry(t, "ENV2")
	if err := q.Enqueue(e1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(e2); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	if h := q.Head(); h.ID != e1.ID {
		t.Fatalf("Head = %s, want %s", h.ID, e1.ID)
	}

	if err := q.ShiftCommitted(); err != nil {
		t.Fatalf("ShiftCommitted: %v", err)
	}
	if h := q.Head(); h.ID != e2.ID {
		t.Fatalf("Head after shift = %s, want %s", h.ID, e2.ID)
	}
}

func TestQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-letters.json")
	q, err := pending.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := newEntry(t, "ENV1")
	if err := q.Enqueue(e); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	reopened, err := pending.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 1 {
		t.Fatalf("Len after reopen = %d, want 1", reopened.Len())
	}
	if h := reopened.Head(); h.ID != e.ID {
		t.Fatalf("Head after reopen = %s, want %s", h.ID, e.ID)
	}
}

func TestIncrementHeadAttempts(t *testing.T) {
	q, err := pending.Open(filepath.Join(t.TempDir(), "pending-letters.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := newEntry(t, "ENV1")
	if err := q.Enqueue(e); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.IncrementHeadAttempts(); err != nil {
		t.Fatalf("IncrementHeadAttempts: %v", err)
	}
	if got := q.Head().Attempts; got != 1 {
		t.Fatalf("Attempts = %d, want 1", got)
	}
}

func TestEnqueueManyPreservesOrder(t *testing.T) {
	q, err := pending.Open(filepath.Join(t.TempDir(), "pending-letters.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e1 := newEntry(t, "ENV1")
	e2 := newEntry(t, "ENV2")
	if err := q.EnqueueMany([]*pending.Entry{e1, e2}); err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}

	first := q.FirstN(2)
	if len(first) != 2 || first[0].ID != e1.ID || first[1].ID != e2.ID {
		t.Fatalf("FirstN = %+v, want [%s %s] in order", first, e1.ID, e2.ID)
	}
}

func TestClearDiscardsAndReturnsEntries(t *testing.T) {
	q, err := pending.Open(filepath.Join(t.TempDir(), "pending-letters.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := newEntry(t, "ENV1")
	if err := q.Enqueue(e); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	discarded := q.Clear()
	if len(discarded) != 1 || discarded[0].ID != e.ID {
		t.Fatalf("Clear returned %+v, want [%s]", discarded, e.ID)
	}
	if q.Len() != 0 {
		t.Fatalf("Len after Clear = %d, want 0", q.Len())
	}
}
