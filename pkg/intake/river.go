package intake

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"shipnotes/internal"
)

// RiverQueue inserts jobs into river. Uniqueness by args keeps one job per
// delivery id.
type RiverQueue struct {
	client *river.Client[pgx.Tx]
	opts   river.InsertOpts
	owned  bool
}

// NewRiverInsertClient builds a client that can only insert jobs.
func NewRiverInsertClient(pool *pgxpool.Pool) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: internal.RiverLogger(),
	})
}

// NewRiverQueue wraps client. When owned is true Close stops the client.
func NewRiverQueue(client *river.Client[pgx.Tx], cfg internal.RiverConfig, owned bool) (*RiverQueue, error) {
	if client == nil {
		return nil, errors.New("river client is required")
	}
	return &RiverQueue{client: client, opts: insertOpts(cfg), owned: owned}, nil
}

func insertOpts(cfg internal.RiverConfig) river.InsertOpts {
	opts := river.InsertOpts{
		Queue:       cfg.Queue,
		MaxAttempts: cfg.MaxAttempts,
		Priority:    cfg.Priority,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
	if opts.Queue == "" {
		opts.Queue = river.QueueDefault
	}
	if len(cfg.Tags) > 0 {
		opts.Tags = append([]string(nil), cfg.Tags...)
	}
	return opts
}

func (q *RiverQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	opts := q.opts
	res, err := q.client.Insert(ctx, job, &opts)
	if err != nil {
		return false, err
	}
	return !res.UniqueSkippedAsDuplicate, nil
}

func (q *RiverQueue) Close() error {
	if !q.owned {
		return nil
	}
	return q.client.Stop(context.Background())
}
