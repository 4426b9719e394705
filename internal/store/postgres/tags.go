package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/rakunlabs/vcon-mcp/internal/vcon"
	"github.com/rakunlabs/vcon-mcp/internal/vconerr"
)

// GetTagsAttachment returns the tags-typed attachment body for vconUUID, or
// ("", false, nil) if the vCon has no tags attachment.
func (p *Postgres) GetTagsAttachment(ctx context.Context, vconUUID string) (string, bool, error) {
	query, _, err := p.goqu.From(p.tableAttachments).
		Select(p.tableAttachments.Col("body")).
		InnerJoin(p.tableVCons, goqu.On(p.tableVCons.Col("id").Eq(p.tableAttachments.Col("vcon_id")))).
		Where(p.tableVCons.Col("uuid").Eq(vconUUID), p.tableAttachments.Col("type").Eq(vcon.DistinguishedTags)).
		ToSQL()
	if err != nil {
		return "", false, vconerr.Storage(err, false)
	}

	var body string
	err = p.db.QueryRowContext(ctx, query).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, vconerr.Storage(fmt.Errorf("get tags attachment: %w", err), isRetryable(err))
	}
	return body, true, nil
}

// SetTagsAttachment upserts the tags attachment for vconUUID with the given
// already-encoded JSON body, bumping the vCon's updated_at in the same
// transaction. Does not refresh the materialized view — callers do that
// once, after commit (see internal/tags).
func (p *Postgres) SetTagsAttachment(ctx context.Context, vconUUID, body string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return vconerr.Storage(err, true)
	}
	defer tx.Rollback() //nolint:errcheck

	var vconID string
	lockQuery, _, _ := p.goqu.From(p.tableVCons).Select("id").Where(goqu.I("uuid").Eq(vconUUID)).ToSQL()
	if err := tx.QueryRowContext(ctx, lockQuery).Scan(&vconID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return vconerr.NotFound("vcon " + vconUUID)
		}
		return vconerr.Storage(err, isRetryable(err))
	}

	var existingIndex sql.NullInt64
	findQuery, _, _ := p.goqu.From(p.tableAttachments).
		Select("attachment_index").
		Where(goqu.I("vcon_id").Eq(vconID), goqu.I("type").Eq(vcon.DistinguishedTags)).
		ToSQL()
	_ = tx.QueryRowContext(ctx, findQuery).Scan(&existingIndex)

	jsonEnc := string(vcon.EncodingJSON)

	if existingIndex.Valid {
		updateQuery, _, err := p.goqu.Update(p.tableAttachments).Set(goqu.Record{
			"body":     body,
			"encoding": jsonEnc,
		}).Where(goqu.I("vcon_id").Eq(vconID), goqu.I("type").Eq(vcon.DistinguishedTags)).ToSQL()
		if err != nil {
			return vconerr.Storage(err, false)
		}
		if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
			return vconerr.Storage(err, isRetryable(err))
		}
	} else {
		var nextIndex int
		countQuery, _, _ := p.goqu.From(p.tableAttachments).Select(goqu.COUNT("id")).Where(goqu.I("vcon_id").Eq(vconID)).ToSQL()
		if err := tx.QueryRowContext(ctx, countQuery).Scan(&nextIndex); err != nil {
			return vconerr.Storage(err, isRetryable(err))
		}
		insertQuery, _, err := p.goqu.Insert(p.tableAttachments).Rows(goqu.Record{
			"id":               newID(),
			"vcon_id":          vconID,
			"attachment_index": nextIndex,
			"type":             vcon.DistinguishedTags,
			"body":             body,
			"encoding":         jsonEnc,
		}).ToSQL()
		if err != nil {
			return vconerr.Storage(err, false)
		}
		if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
			return vconerr.Storage(err, isRetryable(err))
		}
	}

	touchQuery, _, _ := p.goqu.Update(p.tableVCons).Set(goqu.Record{"updated_at": time.Now().UTC()}).Where(goqu.I("id").Eq(vconID)).ToSQL()
	if _, err := tx.ExecContext(ctx, touchQuery); err != nil {
		return vconerr.Storage(err, isRetryable(err))
	}

	if err := tx.Commit(); err != nil {
		return vconerr.Storage(err, true)
	}
	return nil
}

// RemoveTagsAttachment deletes the whole tags attachment for vconUUID.
func (p *Postgres) RemoveTagsAttachment(ctx context.Context, vconUUID string) error {
	query, _, err := p.goqu.Delete(p.tableAttachments).
		Where(
			goqu.I("type").Eq(vcon.DistinguishedTags),
			goqu.I("vcon_id").In(
				p.goqu.From(p.tableVCons).Select("id").Where(goqu.I("uuid").Eq(vconUUID)),
			),
		).ToSQL()
	if err != nil {
		return vconerr.Storage(err, false)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return vconerr.Storage(err, isRetryable(err))
	}
	return nil
}

// SearchByTagsExact returns vCon uuids whose tags_view.tags_object exactly
// contains every key/value pair in want (containment via the GIN-indexed
// jsonb column), optionally scoped to tenantID.
func (p *Postgres) SearchByTagsExact(ctx context.Context, tenantID string, want map[string]string, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	sel := p.goqu.From(p.viewTags).
		Select(p.viewTags.Col("vcon_uuid")).
		Where(goqu.L("? @> ?::jsonb", p.viewTags.Col("tags_object"), mustJSON(want)))

	if tenantID != "" {
		sel = sel.InnerJoin(p.tableVCons, goqu.On(p.tableVCons.Col("id").Eq(p.viewTags.Col("vcon_id")))).
			Where(p.tableVCons.Col("tenant_id").Eq(tenantID))
	}
	sel = sel.Limit(uint(limit))

	query, _, err := sel.ToSQL()
	if err != nil {
		return nil, vconerr.Storage(err, false)
	}
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, vconerr.Storage(err, isRetryable(err))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, vconerr.Storage(err, false)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UniqueTagKeys returns the distinct tag keys in use, optionally scoped to
// tenantID, for the get_unique_tags tool.
func (p *Postgres) UniqueTagKeys(ctx context.Context, tenantID string) ([]string, error) {
	sel := p.goqu.From(p.viewTags).
		Select(goqu.L("DISTINCT jsonb_object_keys(?)", p.viewTags.Col("tags_object")))
	if tenantID != "" {
		sel = sel.InnerJoin(p.tableVCons, goqu.On(p.tableVCons.Col("id").Eq(p.viewTags.Col("vcon_id")))).
			Where(p.tableVCons.Col("tenant_id").Eq(tenantID))
	}
	query, _, err := sel.ToSQL()
	if err != nil {
		return nil, vconerr.Storage(err, false)
	}
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, vconerr.Storage(err, isRetryable(err))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, vconerr.Storage(err, false)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
