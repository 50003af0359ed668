package worker

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"shipnotes/internal"
	"shipnotes/pkg/intake"
	"shipnotes/pkg/processor"
)

// RiverWorker processes intake jobs stored in river.
type RiverWorker struct {
	river.WorkerDefaults[intake.Job]
	processor JobProcessor
	timeout   time.Duration
}

// NewRiverWorker runs p for each river job, bounded by timeout when set.
func NewRiverWorker(p JobProcessor, timeout time.Duration) *RiverWorker {
	return &RiverWorker{processor: p, timeout: timeout}
}

func (w *RiverWorker) Work(ctx context.Context, job *river.Job[intake.Job]) error {
	err := w.processor.Process(ctx, job.Args.DeliveryID)
	if err == nil {
		return nil
	}
	if processor.IsPermanent(err) {
		return river.JobCancel(err)
	}
	return err
}

// Timeout overrides river's default job timeout when configured.
func (w *RiverWorker) Timeout(*river.Job[intake.Job]) time.Duration {
	return w.timeout
}

// RiverOptions tunes the working river client.
type RiverOptions struct {
	Queue       string
	Concurrency int
	MaxAttempts int
	JobTimeout  time.Duration
}

// NewRiverClient builds a river client that both inserts and works intake jobs.
func NewRiverClient(pool *pgxpool.Pool, p JobProcessor, opts RiverOptions) (*river.Client[pgx.Tx], error) {
	queue := opts.Queue
	if queue == "" {
		queue = river.QueueDefault
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewRiverWorker(p, opts.JobTimeout))

	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger:       internal.RiverLogger(),
		MaxAttempts:  opts.MaxAttempts,
		ErrorHandler: &riverErrorHandler{logger: stdLogger{}},
		Queues: map[string]river.QueueConfig{
			queue: {MaxWorkers: concurrency},
		},
		Workers: workers,
	})
}

type riverErrorHandler struct {
	logger Logger
}

func (h *riverErrorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	internal.IncJob("failed")
	h.logger.Printf("river job failed id=%d attempt=%d/%d err=%v", job.ID, job.Attempt, job.MaxAttempts, err)
	if job.Attempt >= job.MaxAttempts {
		internal.IncJob("given_up")
		h.logger.Printf("river job given up id=%d", job.ID)
	}
	return nil
}

func (h *riverErrorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	internal.IncJob("failed")
	h.logger.Printf("river job panicked id=%d attempt=%d panic=%v\n%s", job.ID, job.Attempt, panicVal, trace)
	return nil
}
