package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/wallet-notifier/observability"
)

// Func is a unit of detached work.
type Func func(ctx context.Context) error

// Queue runs fire-and-forget work on a bounded worker pool.
// Failures are logged and counted, never returned to the submitter.
type Queue struct {
	pool    pond.Pool
	ctx     context.Context
	timeout time.Duration
	log     *logrus.Entry
	wg      sync.WaitGroup
}

func NewQueue(ctx context.Context, workers int, timeout time.Duration, log *logrus.Entry) *Queue {
	if workers <= 0 {
		workers = 8
	}
	return &Queue{
		pool:    pond.NewPool(workers),
		ctx:     ctx,
		timeout: timeout,
		log:     log,
	}
}

func (q *Queue) Submit(name string, fn Func) {
	if q.pool.Stopped() {
		q.log.WithField("task", name).Warn("task queue stopped, dropping task")
		return
	}
	q.wg.Add(1)
	q.pool.Submit(func() {
		defer q.wg.Done()
		q.run(name, fn)
	})
}

func (q *Queue) run(name string, fn Func) {
	ctx := q.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			observability.TaskFailures.WithLabelValues(name).Inc()
			q.log.WithField("task", name).Errorf("detached task panicked: %v", r)
		}
	}()
	if err := fn(ctx); err != nil {
		observability.TaskFailures.WithLabelValues(name).Inc()
		q.log.WithField("task", name).WithError(err).Warn("detached task failed")
	}
}

// Wait blocks until every submitted task has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) Stop() {
	q.pool.StopAndWait()
}
