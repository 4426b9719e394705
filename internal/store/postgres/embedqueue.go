package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pgvector/pgvector-go"

	"github.com/rakunlabs/vcon-mcp/internal/vconerr"
)

// EmbeddingTask mirrors one embedding_tasks row.
type EmbeddingTask struct {
	ID               string
	VConUUID         string
	ContentType      string
	ContentReference string
	ContentText      string
	RetryCount       int
}

// enqueueEmbeddingTask idempotently upserts a pending task for one content
// item of vconID (the internal surrogate id, not the external uuid — the
// caller already has it from the same transaction that wrote the content).
// Re-enqueuing existing (vcon, content_type, content_reference) only
// refreshes its content_text and resets it to pending, matching the idempotency contract in
// spec.md §4.5.
func (p *Postgres) enqueueEmbeddingTask(ctx context.Context, tx *sql.Tx, vconID, contentType, contentReference, contentText string) error {
	now := time.Now().UTC()
	insert := p.goqu.Insert(p.tableTasks).Rows(goqu.Record{
		"id":                newID(),
		"vcon_id":           vconID,
		"content_type":      contentType,
		"content_reference": contentReference,
		"content_text":      contentText,
		"status":            "pending",
		"created_at":        now,
		"updated_at":        now,
	}).OnConflict(goqu.DoUpdate("vcon_id, content_type, content_reference", goqu.Record{
		"content_text": contentText,
		"status":       "pending",
		"updated_at":   now,
	}))

	query, _, err := insert.ToSQL()
	if err != nil {
		return vconerr.Storage(fmt.Errorf("build enqueue embedding task: %w", err), false)
	}
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return vconerr.Storage(fmt.Errorf("enqueue embedding task: %w", err), isRetryable(err))
	}
	return nil
}

// enqueueEligibleContentTx scans vc for every textual, encoding-eligible
// content item (subject; dialog/analysis bodies with encoding absent or
// "none", invariant 8) and enqueues one embedding task per item, in the
// same transaction as the write that produced them.
func enqueueEligibleContentTx(ctx context.Context, p *Postgres, tx *sql.Tx, vconID string, subject string, dialogs []dialogContent, analyses []analysisContent) error {
	if subject != "" {
		if err := p.enqueueEmbeddingTask(ctx, tx, vconID, "subject", "subject", subject); err != nil {
			return err
		}
	}
	for _, d := range dialogs {
		if err := p.enqueueEmbeddingTask(ctx, tx, vconID, "dialog", fmt.Sprintf("dialog_%d", d.Index), d.Body); err != nil {
			return err
		}
	}
	for _, a := range analyses {
		if err := p.enqueueEmbeddingTask(ctx, tx, vconID, "analysis", fmt.Sprintf("analysis_%d", a.Index), a.Body); err != nil {
			return err
		}
	}
	return nil
}

type dialogContent struct {
	Index int
	Body  string
}

type analysisContent struct {
	Index int
	Body  string
}

// DequeueBatch atomically claims up to limit pending tasks, transitioning
// them to processing via SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// workers never claim the same row (spec.md §4.5).
func (p *Postgres) DequeueBatch(ctx context.Context, limit int) ([]EmbeddingTask, error) {
	if limit <= 0 {
		limit = 10
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, vconerr.Storage(err, true)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := p.goqu.From(p.tableTasks).
		Select(p.tableTasks.Col("id"), p.tableVCons.Col("uuid"), p.tableTasks.Col("content_type"), p.tableTasks.Col("content_reference"), p.tableTasks.Col("content_text"), p.tableTasks.Col("retry_count")).
		InnerJoin(p.tableVCons, goqu.On(p.tableVCons.Col("id").Eq(p.tableTasks.Col("vcon_id")))).
		Where(p.tableTasks.Col("status").Eq("pending")).
		Order(p.tableTasks.Col("created_at").Asc()).
		Limit(uint(limit)).
		ForUpdate(exp.SkipLocked).
		ToSQL()
	if err != nil {
		return nil, vconerr.Storage(err, false)
	}

	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		return nil, vconerr.Storage(fmt.Errorf("dequeue embedding tasks: %w", err), isRetryable(err))
	}

	var tasks []EmbeddingTask
	for rows.Next() {
		var t EmbeddingTask
		if err := rows.Scan(&t.ID, &t.VConUUID, &t.ContentType, &t.ContentReference, &t.ContentText, &t.RetryCount); err != nil {
			rows.Close()
			return nil, vconerr.Storage(err, false)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, vconerr.Storage(err, false)
	}
	rows.Close()

	if len(tasks) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]any, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	updateQuery, _, err := p.goqu.Update(p.tableTasks).Set(goqu.Record{
		"status":     "processing",
		"updated_at": time.Now().UTC(),
	}).Where(p.tableTasks.Col("id").In(ids...)).ToSQL()
	if err != nil {
		return nil, vconerr.Storage(err, false)
	}
	if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
		return nil, vconerr.Storage(err, isRetryable(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, vconerr.Storage(err, true)
	}

	return tasks, nil
}

// CompleteTask upserts the resulting embedding and marks the task
// completed. Upsert makes re-embedding idempotent (spec.md §4.5).
func (p *Postgres) CompleteTask(ctx context.Context, taskID string, embedding [384]float32, model string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return vconerr.Storage(err, true)
	}
	defer tx.Rollback() //nolint:errcheck

	var vconID, contentType, contentReference, contentText string
	selectQuery, _, _ := p.goqu.From(p.tableTasks).
		Select("vcon_id", "content_type", "content_reference", "content_text").
		Where(p.tableTasks.Col("id").Eq(taskID)).
		ToSQL()
	if err := tx.QueryRowContext(ctx, selectQuery).Scan(&vconID, &contentType, &contentReference, &contentText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return vconerr.NotFound("embedding task " + taskID)
		}
		return vconerr.Storage(err, isRetryable(err))
	}

	vec := pgvector.NewVector(embedding[:])
	insert := p.goqu.Insert(p.tableEmbeddings).Rows(goqu.Record{
		"id":                newID(),
		"vcon_id":           vconID,
		"content_type":      contentType,
		"content_reference": contentReference,
		"content_text":      contentText,
		"embedding":         vec,
		"model":             model,
		"dimension":         len(embedding),
		"created_at":        time.Now().UTC(),
	}).OnConflict(goqu.DoUpdate("vcon_id, content_type, content_reference", goqu.Record{
		"content_text": contentText,
		"embedding":    vec,
		"model":        model,
	}))
	insertQuery, _, err := insert.ToSQL()
	if err != nil {
		return vconerr.Storage(err, false)
	}
	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		return vconerr.Storage(fmt.Errorf("upsert embedding: %w", err), isRetryable(err))
	}

	completeQuery, _, _ := p.goqu.Update(p.tableTasks).Set(goqu.Record{
		"status":     "completed",
		"updated_at": time.Now().UTC(),
	}).Where(p.tableTasks.Col("id").Eq(taskID)).ToSQL()
	if _, err := tx.ExecContext(ctx, completeQuery); err != nil {
		return vconerr.Storage(err, isRetryable(err))
	}

	return tx.Commit()
}

// FailTask increments retry_count and either returns the task to pending
// (if under retryLimit) or marks it failed for good.
func (p *Postgres) FailTask(ctx context.Context, taskID string, cause error, retryLimit int) error {
	var retryCount int
	selectQuery, _, _ := p.goqu.From(p.tableTasks).Select("retry_count").Where(p.tableTasks.Col("id").Eq(taskID)).ToSQL()
	if err := p.db.QueryRowContext(ctx, selectQuery).Scan(&retryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return vconerr.NotFound("embedding task " + taskID)
		}
		return vconerr.Storage(err, isRetryable(err))
	}

	retryCount++
	status := "pending"
	if retryCount >= retryLimit {
		status = "failed"
	}

	updateQuery, _, err := p.goqu.Update(p.tableTasks).Set(goqu.Record{
		"status":      status,
		"retry_count": retryCount,
		"last_error":  truncateError(cause),
		"updated_at":  time.Now().UTC(),
	}).Where(p.tableTasks.Col("id").Eq(taskID)).ToSQL()
	if err != nil {
		return vconerr.Storage(err, false)
	}
	if _, err := p.db.ExecContext(ctx, updateQuery); err != nil {
		return vconerr.Storage(err, isRetryable(err))
	}
	return nil
}

// SweepFailedTasks returns failed tasks with retry_count < max back to
// pending, for a scheduled retry pass (spec.md §4.5).
func (p *Postgres) SweepFailedTasks(ctx context.Context, maxRetry int) (int64, error) {
	query, _, err := p.goqu.Update(p.tableTasks).Set(goqu.Record{
		"status":     "pending",
		"updated_at": time.Now().UTC(),
	}).Where(
		p.tableTasks.Col("status").Eq("failed"),
		p.tableTasks.Col("retry_count").Lt(maxRetry),
	).ToSQL()
	if err != nil {
		return 0, vconerr.Storage(err, false)
	}
	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return 0, vconerr.Storage(err, isRetryable(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
