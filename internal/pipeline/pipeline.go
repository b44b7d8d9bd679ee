// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pipeline implements the relay write pipeline: a single
// serialized worker that drains a durable FIFO queue of letters,
// committing each one to the ledger in arrival order.
package pipeline

import (
	"sync"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/letterrelay/relaynet/internal/block"
	"github.com/letterrelay/relaynet/internal/errs"
	"github.com/letterrelay/relaynet/internal/ledger"
	"github.com/letterrelay/relaynet/internal/pending"
)

// DefaultBackoff is the retry delay used when an error does not
// specify its own.
const DefaultBackoff = 2 * time.Second

// PreWriteSyncer performs the mandatory pre-write reconciliation
// attempt. Implemented by internal/syncengine; declared here as an
// interface so this package does not import the sync engine (which
// itself needs to enqueue onto and wake this pipeline after a fork,
// the other half of the cycle).
type PreWriteSyncer interface {
	SyncBeforeWrite() error
}

// Reporter sends a fire-and-forget report to the directory after a
// successful append. Implemented by internal/heartbeat.
type Reporter interface {
	ReportAsync(b *block.Block)
}

// AcceptResult is delivered on the channel returned by AcceptLetter
// once the corresponding entry is committed or permanently rejected.
type AcceptResult struct {
	Block *block.Block
	Err   error
}

// State is the worker's externally observable lifecycle.
type State int

const (
	Idle State = iota
	Draining
)

// Pipeline is one relay's write pipeline. One Pipeline per active
// chain; callers share it across HTTP handlers.
type Pipeline struct {
	ledger *ledger.Ledger
	queue  *pending.Queue
	syncer PreWriteSyncer
	report Reporter
	log    *logger.L

	mu       sync.Mutex
	state    State
	waiters  map[string]chan AcceptResult
	lastErr  error
	wakeCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a pipeline bound to ledger l and durable queue q. It does
// not start the worker - call Start.
func New(l *ledger.Ledger, q *pending.Queue, syncer PreWriteSyncer, report Reporter, log *logger.L) *Pipeline {
	return &Pipeline{
		ledger:  l,
		queue:   q,
		syncer:  syncer,
		report:  report,
		log:     log,
		waiters: make(map[string]chan AcceptResult),
		wakeCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the single worker goroutine. It resumes any entries
// left over in the durable queue from a prior run.
func (p *Pipeline) Start() {
	go p.run()
	if p.queue.Len() > 0 {
		p.wake()
	}
}

// Stop signals the worker to exit after its current entry, if any.
func (p *Pipeline) Stop() {
	close(p.doneCh)
}

// AcceptLetter enqueues payload for commit and returns a channel that
// resolves exactly once, with the new block on success or an error on
// permanent rejection.
func (p *Pipeline) AcceptLetter(payload, ownerFingerprint string, metrics *block.RelayMetrics) (<-chan AcceptResult, error) {
	if payload == "" {
		return nil, errs.ErrMissingPayload
	}
	if ownerFingerprint == "" {
		return nil, errs.ErrMissingOwnerFingerprint
	}

	entry, err := pending.NewEntry(payload, ownerFingerprint, metrics, time.Now())
	if err != nil {
		return nil, err
	}
	if err := p.queue.Enqueue(entry); err != nil {
		return nil, errs.ErrChainWriteFailed
	}

	ch := make(chan AcceptResult, 1)
	p.mu.Lock()
	p.waiters[entry.ID] = ch
	p.mu.Unlock()

	p.wake()
	return ch, nil
}

// EnqueueReplayed appends orphaned-letter entries (harvested by the
// sync engine after fork resolution) and wakes the worker. Replayed
// entries have no waiter: nobody is blocked on their original
// submission anymore.
func (p *Pipeline) EnqueueReplayed(entries []*pending.Entry) error {
	if err := p.queue.EnqueueMany(entries); err != nil {
		return err
	}
	p.wake()
	return nil
}

// Wake triggers queue processing without enqueuing anything. It is
// part of syncengine.Enqueuer; the sync engine's fork resolution wakes
// the worker through EnqueueReplayed, which calls wake itself.
func (p *Pipeline) Wake() {
	p.wake()
}

func (p *Pipeline) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// GetQueueStatus reports the pipeline's current observable state for
// GET /api/status.
type QueueStatus struct {
	Pending    int
	Processing bool
	LastError  error
	First10    []*pending.Entry
}

func (p *Pipeline) GetQueueStatus() QueueStatus {
	p.mu.Lock()
	processing := p.state == Draining
	lastErr := p.lastErr
	p.mu.Unlock()

	return QueueStatus{
		Pending:    p.queue.Len(),
		Processing: processing,
		LastError:  lastErr,
		First10:    p.queue.FirstN(10),
	}
}

// ClearQueue rejects every pending waiter with a cancellation error
// and drains the persistent queue. The entry currently being
// processed, if any, is allowed to finish - its waiter resolves
// normally when it does.
func (p *Pipeline) ClearQueue() {
	discarded := p.queue.Clear()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range discarded {
		if ch, ok := p.waiters[e.ID]; ok {
			ch <- AcceptResult{Err: errs.ErrQueueCleared}
			delete(p.waiters, e.ID)
		}
	}
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pipeline) setLastErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

func (p *Pipeline) resolve(id string, res AcceptResult) {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if ok {
		ch <- res
	}
}

// run is the single worker: idle -> draining -> idle. Entering
// draining is idempotent (wakeCh is buffered 1, so wakes that arrive
// while draining leave at most one token, which only causes one more
// pass over the queue); a panic in processHead is recovered and
// recorded as the last error, and the worker retries after
// DefaultBackoff if the queue is non-empty and goes idle otherwise,
// rather than dying.
func (p *Pipeline) run() {
	for {
		select {
		case <-p.doneCh:
			return
		case <-p.wakeCh:
		}

		p.drainLoop()
	}
}

func (p *Pipeline) drainLoop() {
	p.setState(Draining)
	defer p.setState(Idle)

	for {
		select {
		case <-p.doneCh:
			return
		default:
		}

		entry := p.queue.Head()
		if entry == nil {
			return
		}

		retry, delay := p.processHeadSafely(entry)
		if retry {
			select {
			case <-time.After(delay):
			case <-p.doneCh:
				return
			}
			continue
		}
	}
}

// processHeadSafely recovers from a panic in processHead, treating it
// the same as any other unexpected worker failure.
func (p *Pipeline) processHeadSafely(entry *pending.Entry) (retry bool, delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			p.setLastErr(errs.TransientIOError("worker panic recovered"))
			retry = p.queue.Len() > 0
			delay = DefaultBackoff
		}
	}()
	return p.processHead(entry)
}

// processHead runs the five processing steps for the head entry. It returns (true, delay) if the caller should retry
// after waiting delay, leaving the entry at the head; otherwise the
// entry has been shifted (committed or permanently rejected).
func (p *Pipeline) processHead(entry *pending.Entry) (bool, time.Duration) {
	_ = p.queue.IncrementHeadAttempts()

	if err := p.syncer.SyncBeforeWrite(); err != nil {
		if errs.IsNoAlternateRelay(err) {
			// documented bypass: proceed with the write anyway
		} else if errs.IsSyncBlocked(err) || errs.IsTransientIO(err) {
			p.setLastErr(err)
			return true, backoffFor(err)
		} else {
			p.setLastErr(err)
			p.rejectHead(entry, err)
			return false, 0
		}
	}

	newBlock, err := p.ledger.AppendLetterBlock(entry.LetterPayload, entry.OwnerFingerprint, entry.RelayMetrics)
	if err != nil {
		if errs.IsTransientIO(err) {
			p.setLastErr(err)
			return true, backoffFor(err)
		}
		p.setLastErr(err)
		p.rejectHead(entry, err)
		return false, 0
	}

	if p.report != nil {
		p.report.ReportAsync(newBlock)
	}

	p.resolve(entry.ID, AcceptResult{Block: newBlock})
	_ = p.queue.ShiftCommitted()
	p.setLastErr(nil)
	return false, 0
}

func (p *Pipeline) rejectHead(entry *pending.Entry, err error) {
	p.resolve(entry.ID, AcceptResult{Err: err})
	_ = p.queue.ShiftRejected()
}

// backoffFor returns DefaultBackoff unless the error is a
// transientIOError carrying its own delay in the future; today no
// error type carries a custom delay, so this always returns the
// default - kept as a seam for when one does.
func backoffFor(err error) time.Duration {
	return DefaultBackoff
}
