package queue

import (
	"context"
	"sync"
)

type Job struct {
	// Lane serializes jobs: at most one job per lane runs at a time, in
	// the order they were enqueued.
	Lane   string
	Id     int64
	Run    func() error
	OnFail func(error)
}

// Queue is a bounded worker pool fed by FIFO lanes. Jobs in different lanes
// run concurrently, up to the number of workers.
type Queue struct {
	mu      sync.Mutex
	lanes   map[string][]Job
	busy    map[string]bool
	pending int
	size    int

	jobs chan Job
	wg   sync.WaitGroup
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		lanes: make(map[string][]Job),
		busy:  make(map[string]bool),
		size:  size,
		jobs:  make(chan Job, size),
	}
}

// Enqueue appends a job to its lane. It returns false when the queue already
// holds size jobs that have not started.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending >= q.size {
		return false
	}
	q.pending++
	q.lanes[job.Lane] = append(q.lanes[job.Lane], job)
	if !q.busy[job.Lane] {
		q.dispatch(job.Lane)
	}
	return true
}

// dispatch hands the head of a lane to the workers. Only one job per lane
// is ever in the channel or running, and every job in the channel counts
// towards pending, so the send never blocks.
func (q *Queue) dispatch(lane string) {
	waiting := q.lanes[lane]
	if len(waiting) == 0 {
		delete(q.lanes, lane)
		delete(q.busy, lane)
		return
	}
	q.busy[lane] = true
	q.lanes[lane] = waiting[1:]
	q.jobs <- waiting[0]
}

// Remove drops a job that is still waiting in its lane. It returns false if
// the job was already handed to a worker or never enqueued.
func (q *Queue) Remove(lane string, id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiting := q.lanes[lane]
	for i, j := range waiting {
		if j.Id == id {
			q.lanes[lane] = append(waiting[:i:i], waiting[i+1:]...)
			q.pending--
			return true
		}
	}
	return false
}

// Waiting returns the ids of jobs queued behind the running one, in order.
func (q *Queue) Waiting(lane string) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []int64
	for _, j := range q.lanes[lane] {
		ids = append(ids, j.Id)
	}
	return ids
}

// Busy reports whether a job of the lane is running or about to.
func (q *Queue) Busy(lane string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy[lane]
}

// StartRunner starts the workers. They exit when ctx is done; Wait blocks
// until they have.
func (q *Queue) StartRunner(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for range workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					q.run(job)
				}
			}
		}()
	}
}

func (q *Queue) run(job Job) {
	q.mu.Lock()
	q.pending--
	q.mu.Unlock()

	if err := job.Run(); err != nil {
		if job.OnFail != nil {
			job.OnFail(err)
		}
	}

	q.mu.Lock()
	q.dispatch(job.Lane)
	q.mu.Unlock()
}

func (q *Queue) Wait() {
	q.wg.Wait()
}
