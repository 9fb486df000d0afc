// Package aggregation turns normalized trade events into
// multi-resolution OHLCV candles with unbroken period continuity.
package aggregation

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// task is one scheduled action.
type task struct {
	fireAtMillis int64
	seq          uint64
	run          func()
}

// taskHeap orders tasks by fire time, then by scheduling order.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].fireAtMillis != h[j].fireAtMillis {
		return h[i].fireAtMillis < h[j].fireAtMillis
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler runs time-ordered actions from a single goroutine. One
// timer is re-armed to the earliest pending deadline, which keeps
// resource usage flat no matter how many candles and generators are
// pending.
//
// Cancelling the Run context stops the loop without running pending
// tasks.
type Scheduler struct {
	mu   sync.Mutex
	heap taskHeap
	seq  uint64
	wake chan struct{}
	now  func() time.Time
}

// NewScheduler creates a Scheduler. now is the clock; pass time.Now in
// production.
func NewScheduler(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		wake: make(chan struct{}, 1),
		now:  now,
	}
}

// Schedule enqueues run to execute at fireAtMillis. Deadlines in the
// past execute on the next loop iteration.
func (s *Scheduler) Schedule(fireAtMillis int64, run func()) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.heap, &task{fireAtMillis: fireAtMillis, seq: s.seq, run: run})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of scheduled tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Run executes tasks until ctx is cancelled. Tasks run on this
// goroutine, so actions must not block indefinitely.
func (s *Scheduler) Run(ctx context.Context) {
	const idleWait = time.Minute

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		var due []func()

		s.mu.Lock()
		nowMillis := s.now().UnixMilli()
		for len(s.heap) > 0 && s.heap[0].fireAtMillis <= nowMillis {
			t := heap.Pop(&s.heap).(*task)
			due = append(due, t.run)
		}
		wait := idleWait
		if len(s.heap) > 0 {
			wait = time.Duration(s.heap[0].fireAtMillis-nowMillis) * time.Millisecond
		}
		s.mu.Unlock()

		for _, run := range due {
			if ctx.Err() != nil {
				return
			}
			run()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}
	}
}
