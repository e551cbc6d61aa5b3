// Package queue implements the bounded priority request queue in front of
// the LLM transports. Submissions are ordered by (priority, arrival) and
// executed by a fixed worker pool; each submission resolves through a
// one-shot future.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dawei-ai/dawei/internal/config"
)

// Priority orders submissions. Lower value = served first.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
)

var (
	// ErrQueueFull is returned when the queue is at max_queue_size.
	ErrQueueFull = errors.New("request queue full")
	// ErrQueueClosed is returned after Stop.
	ErrQueueClosed = errors.New("request queue closed")
	// ErrTimeout marks a submission whose per-request timeout elapsed.
	ErrTimeout = errors.New("request timed out in queue")
)

// Job is one unit of work. The context carries the per-request timeout.
type Job func(ctx context.Context) (any, error)

type outcome struct {
	value any
	err   error
}

// Future resolves exactly once with the job's result.
type Future struct {
	ch chan outcome
}

// Wait blocks until the job resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case out := <-f.ch:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type item struct {
	priority Priority
	seq      uint64 // arrival order tie-break
	timeout  time.Duration
	job      Job
	future   *Future
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)         { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the bounded priority queue plus its worker pool.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   itemHeap
	seq     uint64
	maxSize int
	closed  bool

	active atomic.Int64
	wg     sync.WaitGroup
}

// New builds the queue and starts max_concurrent workers.
func New(cfg config.QueueConfig) *Queue {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}

	q := &Queue{maxSize: cfg.MaxQueueSize}
	q.cond = sync.NewCond(&q.mu)

	for i := 0; i < cfg.MaxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues a job. Overflow and post-Stop submissions are rejected.
// timeout ≤ 0 means no per-request timeout.
func (q *Queue) Submit(job Job, priority Priority, timeout time.Duration) (*Future, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if len(q.items) >= q.maxSize {
		return nil, ErrQueueFull
	}

	q.seq++
	it := &item{
		priority: priority,
		seq:      q.seq,
		timeout:  timeout,
		job:      job,
		future:   &Future{ch: make(chan outcome, 1)},
	}
	heap.Push(&q.items, it)
	q.cond.Signal()
	return it.future, nil
}

// ActiveRequests reports jobs currently executing. Used by the transport
// stack's monitoring counters.
func (q *Queue) ActiveRequests() int64 { return q.active.Load() }

// Pending reports queued but not yet running jobs.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop denies new submissions, waits for in-flight work, and fails any
// still-queued jobs with ErrQueueClosed.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	drained := q.items
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, it := range drained {
		it.future.ch <- outcome{err: ErrQueueClosed}
	}
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		it := heap.Pop(&q.items).(*item)
		q.mu.Unlock()

		q.active.Add(1)
		q.run(it)
		q.active.Add(-1)
	}
}

func (q *Queue) run(it *item) {
	ctx := context.Background()
	cancel := func() {}
	if it.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, it.timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		v, err := it.job(ctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		it.future.ch <- out
	case <-ctx.Done():
		// Context cancellation signals the job; its eventual return is
		// discarded. The future resolves as timed out.
		it.future.ch <- outcome{err: ErrTimeout}
	}
}
