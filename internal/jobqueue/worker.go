package jobqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one job. Returning an error wrapped with Permanent
// sends the job straight to the failed set.
type Handler func(ctx context.Context, j *Job) error

type Worker struct {
	q           *Queue
	concurrency int
	poll        time.Duration
	log         *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(q *Queue, concurrency int, log *zap.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		q:           q,
		concurrency: concurrency,
		poll:        500 * time.Millisecond,
		log:         log.With(zap.String("queue", q.name)),
		handlers:    map[string]Handler{},
	}
}

func (w *Worker) Handle(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// ProcessOne claims and runs a single job. It reports whether a job was found.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	j, err := w.q.Claim(ctx)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}

	log := w.log.With(zap.String("job_id", j.ID), zap.String("type", j.Type), zap.Int("attempt", j.Attempts))
	herr := w.run(ctx, j)

	// Record the outcome even when ctx was cancelled mid-job.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if herr != nil {
		retry, err := w.q.Fail(sctx, j, herr)
		if err != nil {
			return true, err
		}
		if retry {
			log.Warn("job failed, will retry", zap.Error(herr), zap.Duration("backoff", w.q.Backoff(j)))
		} else {
			log.Error("job failed permanently", zap.Error(herr))
		}
		return true, nil
	}
	if err := w.q.Complete(sctx, j); err != nil {
		return true, err
	}
	log.Info("job done")
	return true, nil
}

func (w *Worker) run(ctx context.Context, j *Job) (err error) {
	w.mu.RLock()
	h, ok := w.handlers[j.Type]
	w.mu.RUnlock()
	if !ok {
		return Permanent(fmt.Errorf("no handler for job type %q", j.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job handler panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, j)
}

// Run processes jobs with the configured concurrency until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				found, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					w.log.Error("worker loop", zap.Error(err))
				}
				if found && err == nil {
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(w.poll):
				}
			}
		})
	}
	return g.Wait()
}
