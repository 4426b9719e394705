package embedqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/rakunlabs/vcon-mcp/internal/store/postgres"
)

type fakeBackend struct {
	tasks      []postgres.EmbeddingTask
	completed  []string
	failed     []string
	swept      int
}

func (f *fakeBackend) DequeueBatch(ctx context.Context, limit int) ([]postgres.EmbeddingTask, error) {
	out := f.tasks
	f.tasks = nil
	return out, nil
}

func (f *fakeBackend) CompleteTask(ctx context.Context, taskID string, embedding [384]float32, model string) error {
	f.completed = append(f.completed, taskID)
	return nil
}

func (f *fakeBackend) FailTask(ctx context.Context, taskID string, cause error, retryLimit int) error {
	f.failed = append(f.failed, taskID)
	return nil
}

func (f *fakeBackend) SweepFailedTasks(ctx context.Context, maxRetry int) (int64, error) {
	f.swept++
	return 0, nil
}

type erroringEmbedder struct{}

func (erroringEmbedder) Embed(ctx context.Context, text string) ([384]float32, string, error) {
	return [384]float32{}, "", errors.New("vendor unavailable")
}

func TestWorker_DrainOnce_CompletesTasks(t *testing.T) {
	backend := &fakeBackend{tasks: []postgres.EmbeddingTask{{ID: "t1", ContentText: "hello"}}}
	w := NewWorker(backend, NewStubEmbedder())

	if err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backend.completed) != 1 || backend.completed[0] != "t1" {
		t.Fatalf("expected task t1 completed, got %v", backend.completed)
	}
}

func TestWorker_DrainOnce_FailsTaskOnEmbedError(t *testing.T) {
	backend := &fakeBackend{tasks: []postgres.EmbeddingTask{{ID: "t1", ContentText: "hello"}}}
	w := NewWorker(backend, erroringEmbedder{})

	if err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backend.failed) != 1 || backend.failed[0] != "t1" {
		t.Fatalf("expected task t1 failed, got %v", backend.failed)
	}
	if len(backend.completed) != 0 {
		t.Fatalf("expected no completed tasks, got %v", backend.completed)
	}
}

func TestStubEmbedder_DeterministicForSameInput(t *testing.T) {
	e := NewStubEmbedder()
	v1, _, _ := e.Embed(context.Background(), "same text")
	v2, _, _ := e.Embed(context.Background(), "same text")
	if v1 != v2 {
		t.Fatal("expected stub embedder to be deterministic for identical input")
	}

	v3, _, _ := e.Embed(context.Background(), "different text")
	if v1 == v3 {
		t.Fatal("expected different input to produce a different vector")
	}
}
