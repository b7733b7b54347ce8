package client

import (
	"context"
	"encoding/binary"
	"hash/fnv"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// orderedExecutor is the shared worker pool that delivers user callbacks:
// tasks submitted with the same key always land on the same worker and run
// FIFO; tasks with different keys may run concurrently on different
// workers. Response dispatch keys every task by ledger id, so callback
// ordering within a ledger matches response-arrival order while unrelated
// ledgers never block each other (spec §5).
//
// Workers are a fixed-size pool of channels rather than one goroutine per
// key, bounded independently of key cardinality. Running-task concurrency
// is further capped by a weighted semaphore so a burst of distinct keys
// can't spin up unbounded concurrent user-callback execution; the worker
// count alone only bounds ordering granularity, not concurrency.
type orderedExecutor struct {
	workers []chan func()
	sem     *semaphore.Weighted
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
}

// newOrderedExecutor starts workerCount worker goroutines, each serializing
// the tasks submitted to it, with at most maxConcurrent tasks running across
// the whole pool at any instant.
func newOrderedExecutor(workerCount, maxConcurrent int) *orderedExecutor {
	if workerCount <= 0 {
		workerCount = 1
	}
	if maxConcurrent <= 0 {
		maxConcurrent = workerCount
	}

	var ctx, cancel = context.WithCancel(context.Background())
	var group, gctx = errgroup.WithContext(ctx)

	var e = &orderedExecutor{
		workers: make([]chan func(), workerCount),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		group:   group,
		ctx:     gctx,
		cancel:  cancel,
	}
	for i := range e.workers {
		e.workers[i] = make(chan func(), 256)
		var ch = e.workers[i]
		group.Go(func() error {
			e.runWorker(ch)
			return nil
		})
	}
	return e
}

func (e *orderedExecutor) runWorker(ch chan func()) {
	for {
		select {
		case task, ok := <-ch:
			if !ok {
				return
			}
			e.runTask(task)
		case <-e.ctx.Done():
			// select chooses pseudo-randomly among ready cases, so a task
			// already buffered in ch at the moment of cancellation can
			// still lose the race to this branch. Drain whatever is left
			// before exiting so close() can never strand an already-queued
			// callback unresolved (spec §8 scenario 5).
			e.drainOnShutdown(ch)
			return
		}
	}
}

// drainOnShutdown runs every task already buffered in ch, without the
// semaphore (admission control no longer matters once the pool is torn
// down) but with the same panic recovery as normal execution.
func (e *orderedExecutor) drainOnShutdown(ch chan func()) {
	for {
		select {
		case task := <-ch:
			e.runTaskRecover(task)
		default:
			return
		}
	}
}

func (e *orderedExecutor) runTask(task func()) {
	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		// Pool shutting down; run the already-accepted task without the
		// semaphore, as drainOnShutdown does, so it is never dropped.
		e.runTaskRecover(task)
		return
	}
	defer e.sem.Release(1)
	e.runTaskRecover(task)
}

func (e *orderedExecutor) runTaskRecover(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("ordered executor: recovered panic from user callback")
		}
	}()
	task()
}

// submitOrdered enqueues task on the worker selected by hashing key with
// FNV-1a, so every task sharing a key runs on the same worker in submission
// order. Returns false if the pool is shutting down or the worker's queue
// is full. Callers then deliver the result inline with its original code;
// a rejected submission is not reported to the callback as Interrupted.
func (e *orderedExecutor) submitOrdered(key uint64, task func()) bool {
	var h = fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], key)
	_, _ = h.Write(buf[:])
	var idx = h.Sum64() % uint64(len(e.workers))

	select {
	case <-e.ctx.Done():
		return false
	default:
	}

	select {
	case e.workers[idx] <- task:
		return true
	case <-e.ctx.Done():
		return false
	default:
		log.WithField("worker", idx).Warn("ordered executor: worker queue full, task rejected")
		return false
	}
}

// close stops accepting new work and waits for in-flight tasks to finish.
// Worker channels are deliberately never closed: a concurrent submitOrdered
// could still be blocked sending to one, and sending on a closed channel
// panics where receiving would merely return a zero value. Cancelling the
// shared context is enough -- runWorker selects on it alongside the
// channel receive, and submitOrdered rechecks it before every send.
func (e *orderedExecutor) close() {
	e.cancel()
	_ = e.group.Wait()
}
