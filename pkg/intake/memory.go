package intake

import (
	"context"
	"sync"
)

// MemoryQueue keeps jobs in process. Jobs are delivered on C when it is
// non-nil and otherwise only recorded.
type MemoryQueue struct {
	mu   sync.Mutex
	seen map[string]struct{}
	jobs []Job
	C    chan Job
}

// NewMemoryQueue returns a queue whose channel buffers up to buffer jobs.
// A buffer of zero leaves C nil.
func NewMemoryQueue(buffer int) *MemoryQueue {
	q := &MemoryQueue{seen: make(map[string]struct{})}
	if buffer > 0 {
		q.C = make(chan Job, buffer)
	}
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	q.mu.Lock()
	if _, ok := q.seen[job.DeliveryID]; ok {
		q.mu.Unlock()
		return false, nil
	}
	q.seen[job.DeliveryID] = struct{}{}
	q.mu.Unlock()

	if q.C != nil {
		select {
		case q.C <- job:
		case <-ctx.Done():
			q.mu.Lock()
			delete(q.seen, job.DeliveryID)
			q.mu.Unlock()
			return false, ctx.Err()
		}
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	return true, nil
}

// Jobs returns a copy of every accepted job.
func (q *MemoryQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.jobs...)
}

func (q *MemoryQueue) Close() error {
	return nil
}
