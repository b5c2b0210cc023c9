package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type queueTask struct {
	label string
	fn    func() error
}

// serialQueue is a strictly-FIFO single-worker task queue. Each task runs
// under a wall-clock timeout; a task exceeding it is treated as failed and
// the worker moves on.
type serialQueue struct {
	name     string
	log      *zap.SugaredLogger
	tasks    chan *queueTask
	timeout  time.Duration
	finished *sync.WaitGroup
	pending  func(delta int)
}

func newSerialQueue(name string, log *zap.SugaredLogger, depth int, timeout time.Duration, finished *sync.WaitGroup, pending func(delta int)) *serialQueue {
	return &serialQueue{
		name:     name,
		log:      log,
		tasks:    make(chan *queueTask, depth),
		timeout:  timeout,
		finished: finished,
		pending:  pending,
	}
}

func (q *serialQueue) start(ctx context.Context) {
	q.finished.Add(1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				q.finished.Done()
				return
			case t := <-q.tasks:
				q.runTask(t)
				q.pending(-1)
			}
		}
	}()
}

// enqueue blocks when the queue is full, applying backpressure to the
// producer.
func (q *serialQueue) enqueue(label string, fn func() error) {
	q.pending(1)
	q.tasks <- &queueTask{label: label, fn: fn}
}

func (q *serialQueue) runTask(t *queueTask) {
	done := make(chan error, 1)
	go func() {
		done <- t.fn()
	}()
	select {
	case err := <-done:
		if err != nil {
			q.log.Warnf("%s task %s failed: %v", q.name, t.label, err)
		}
	case <-time.After(q.timeout):
		// the task goroutine is still running at this point and may
		// overlap the next task; any database writes it makes remain
		// serialized by the zone lock in internal/db
		q.log.Warnf("%s task %s timed out after %s", q.name, t.label, q.timeout)
	}
}

func (q *serialQueue) String() string {
	return fmt.Sprintf("queue(%s)", q.name)
}
