// Package embedqueue implements the business half of the Embedding Queue
// (C5): a worker pool draining pending tasks through a pluggable Embedder
// and a sweep that requeues failed tasks under the retry limit, per
// spec.md §4.5.
package embedqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/rakunlabs/vcon-mcp/internal/store/postgres"
)

// Embedder turns text into a fixed-size embedding vector. Production
// vendor wiring (OpenAI, Cohere, a local model server) is an external
// collaborator per spec.md §6; the core ships only StubEmbedder.
type Embedder interface {
	Embed(ctx context.Context, text string) (vector [384]float32, model string, err error)
}

// Backend is the subset of *postgres.Postgres the queue drains against.
type Backend interface {
	DequeueBatch(ctx context.Context, limit int) ([]postgres.EmbeddingTask, error)
	CompleteTask(ctx context.Context, taskID string, embedding [384]float32, model string) error
	FailTask(ctx context.Context, taskID string, cause error, retryLimit int) error
	SweepFailedTasks(ctx context.Context, maxRetry int) (int64, error)
}

// Worker drains the embedding task queue on a fixed poll interval.
type Worker struct {
	backend     Backend
	embedder    Embedder
	batchSize   int
	retryLimit  int
	pollEvery   time.Duration
	sweepEvery  time.Duration
}

type Option func(*Worker)

func WithBatchSize(n int) Option     { return func(w *Worker) { w.batchSize = n } }
func WithRetryLimit(n int) Option    { return func(w *Worker) { w.retryLimit = n } }
func WithPollInterval(d time.Duration) Option  { return func(w *Worker) { w.pollEvery = d } }
func WithSweepInterval(d time.Duration) Option { return func(w *Worker) { w.sweepEvery = d } }

func NewWorker(backend Backend, embedder Embedder, opts ...Option) *Worker {
	w := &Worker{
		backend:    backend,
		embedder:   embedder,
		batchSize:  10,
		retryLimit: 5,
		pollEvery:  2 * time.Second,
		sweepEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains the queue until ctx is cancelled. One DrainOnce call per
// poll tick, plus a periodic SweepFailed pass on a slower cadence.
func (w *Worker) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(w.pollEvery)
	defer pollTicker.Stop()
	sweepTicker := time.NewTicker(w.sweepEvery)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.C:
			if err := w.DrainOnce(ctx); err != nil {
				slog.Error("embedding queue drain failed", "error", err)
			}
		case <-sweepTicker.C:
			n, err := w.backend.SweepFailedTasks(ctx, w.retryLimit)
			if err != nil {
				slog.Error("embedding queue sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("requeued failed embedding tasks", "count", n)
			}
		}
	}
}

// DrainOnce claims and processes one batch, embedding each task's content
// and recording success/failure per task rather than failing the whole
// batch on one bad item.
func (w *Worker) DrainOnce(ctx context.Context) error {
	tasks, err := w.backend.DequeueBatch(ctx, w.batchSize)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		vec, model, err := w.embedder.Embed(ctx, t.ContentText)
		if err != nil {
			if failErr := w.backend.FailTask(ctx, t.ID, err, w.retryLimit); failErr != nil {
				slog.Error("mark embedding task failed", "task", t.ID, "error", failErr)
			}
			continue
		}
		if err := w.backend.CompleteTask(ctx, t.ID, vec, model); err != nil {
			slog.Error("complete embedding task", "task", t.ID, "error", err)
		}
	}
	return nil
}
