package postgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/vcon-mcp/internal/store"
	"github.com/rakunlabs/vcon-mcp/internal/vcon"
	"github.com/rakunlabs/vcon-mcp/internal/vconerr"
)

// newID mints a lexicographically sortable 128-bit surrogate key, distinct
// from the externally-chosen vCon uuid (invariant 1).
func newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// ─── Create ───

func (p *Postgres) Create(ctx context.Context, vc *vcon.VCon, tenantID string) (*vcon.VCon, error) {
	if err := vc.Validate(false); err != nil {
		return nil, err
	}

	// Reuse a tenant-scoped tx (set up by tenant.Resolver.WithTenant via
	// ScopeTx) when present, so this insert is subject to the same RLS
	// session context a caller established; otherwise open our own.
	tx, ownTx, err := p.txFor(ctx)
	if err != nil {
		return nil, err
	}
	if ownTx {
		defer tx.Rollback() //nolint:errcheck
	}

	var exists int
	existsQuery, _, _ := p.goqu.From(p.tableVCons).Select(goqu.COUNT("id")).Where(goqu.I("uuid").Eq(vc.UUID)).ToSQL()
	if err := tx.QueryRowContext(ctx, existsQuery).Scan(&exists); err != nil {
		return nil, vconerr.Storage(fmt.Errorf("check existing uuid: %w", err), true)
	}
	if exists > 0 {
		return nil, vconerr.Conflict(fmt.Sprintf("vcon %s already exists", vc.UUID))
	}

	now := time.Now().UTC()
	vc.CreatedAt = now
	vc.UpdatedAt = now

	id := newID()
	var tenant any
	if tenantID != "" {
		tenant = tenantID
	}

	if err := p.insertVConRow(ctx, tx, id, vc, tenant); err != nil {
		return nil, err
	}
	if err := p.insertChildren(ctx, tx, id, vc); err != nil {
		return nil, err
	}
	if err := enqueueEligibleContentTx(ctx, p, tx, id, vc.Subject, eligibleDialogs(vc), eligibleAnalyses(vc)); err != nil {
		return nil, err
	}

	if ownTx {
		if err := tx.Commit(); err != nil {
			return nil, vconerr.Storage(fmt.Errorf("commit transaction: %w", err), true)
		}
	}

	if tenantID != "" {
		vc.TenantID = &tenantID
	}

	return vc, nil
}

// txFor returns the tx stashed in ctx by a caller's ScopeTx (ownTx=false, no
// commit/rollback owed here) or begins a fresh one (ownTx=true, caller must
// commit/rollback it).
func (p *Postgres) txFor(ctx context.Context) (tx *sql.Tx, ownTx bool, err error) {
	if tx, ok := txFromContext(ctx); ok {
		return tx, false, nil
	}
	tx, err = p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, vconerr.Storage(fmt.Errorf("begin transaction: %w", err), true)
	}
	return tx, true, nil
}

// eligibleDialogs returns dialog bodies whose encoding is absent or "none"
// (invariant 8: only unencoded textual bodies are embedding-eligible).
func eligibleDialogs(vc *vcon.VCon) []dialogContent {
	var out []dialogContent
	for _, d := range vc.Dialog {
		if d.Body == "" || !vcon.IsTextual(d.Encoding) {
			continue
		}
		out = append(out, dialogContent{Index: d.Index, Body: d.Body})
	}
	return out
}

func eligibleAnalyses(vc *vcon.VCon) []analysisContent {
	var out []analysisContent
	for _, a := range vc.Analysis {
		if a.Body == "" || !vcon.IsTextual(a.Encoding) {
			continue
		}
		out = append(out, analysisContent{Index: a.Index, Body: a.Body})
	}
	return out
}

func (p *Postgres) insertVConRow(ctx context.Context, tx *sql.Tx, id string, vc *vcon.VCon, tenant any) error {
	extensions, _ := json.Marshal(vc.Extensions)
	mustSupport, _ := json.Marshal(vc.MustSupport)

	record := goqu.Record{
		"id":           id,
		"uuid":         vc.UUID,
		"version":      orDefault(vc.Version, vcon.CurrentVersion),
		"subject":      vc.Subject,
		"extensions":   extensions,
		"must_support": mustSupport,
		"tenant_id":    tenant,
		"created_at":   vc.CreatedAt,
		"updated_at":   vc.UpdatedAt,
	}
	if len(vc.Redacted) > 0 {
		record["redacted"] = vc.Redacted
	}
	if len(vc.Appended) > 0 {
		record["appended"] = vc.Appended
	}

	query, _, err := p.goqu.Insert(p.tableVCons).Rows(record).ToSQL()
	if err != nil {
		return vconerr.Storage(fmt.Errorf("build insert vcon: %w", err), false)
	}
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return vconerr.Storage(fmt.Errorf("insert vcon %s: %w", vc.UUID, err), isRetryable(err))
	}
	return nil
}

func (p *Postgres) insertChildren(ctx context.Context, tx *sql.Tx, vconID string, vc *vcon.VCon) error {
	for _, party := range vc.Parties {
		jcard := nullJSON(party.JCard)
		civic := nullJSON(party.CivicAddress)
		query, _, err := p.goqu.Insert(p.tableParties).Rows(goqu.Record{
			"id":           newID(),
			"vcon_id":      vconID,
			"party_index":  party.Index,
			"tel":          party.Tel,
			"sip":          party.SIP,
			"stir":         party.STIR,
			"mailto":       party.Mailto,
			"name":         party.Name,
			"did":          party.DID,
			"party_uuid":   party.UUID,
			"jcard":        jcard,
			"civicaddress": civic,
			"timezone":     party.Timezone,
		}).ToSQL()
		if err != nil {
			return vconerr.Storage(fmt.Errorf("build insert party: %w", err), false)
		}
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return vconerr.Storage(fmt.Errorf("insert party %d: %w", party.Index, err), isRetryable(err))
		}
	}

	for _, d := range vc.Dialog {
		dialogID := newID()
		parties, _ := json.Marshal(d.Parties)
		query, _, err := p.goqu.Insert(p.tableDialogs).Rows(goqu.Record{
			"id":               dialogID,
			"vcon_id":          vconID,
			"dialog_index":     d.Index,
			"type":             string(d.Type),
			"start_time":       d.StartTime,
			"duration_seconds": d.DurationSeconds,
			"parties":          parties,
			"originator":       intPtrToAny(d.Originator),
			"mediatype":        d.MediaType,
			"body":             d.Body,
			"encoding":         encodingPtrToAny(d.Encoding),
			"url":              d.URL,
			"content_hash":     d.ContentHash,
			"filename":         d.Filename,
			"disposition":      dispositionPtrToAny(d.Disposition),
			"session_id":       d.SessionID,
			"application":      d.Application,
			"message_id":       d.MessageID,
		}).ToSQL()
		if err != nil {
			return vconerr.Storage(fmt.Errorf("build insert dialog: %w", err), false)
		}
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return vconerr.Storage(fmt.Errorf("insert dialog %d: %w", d.Index, err), isRetryable(err))
		}

		for _, ph := range d.PartyHistory {
			phQuery, _, err := p.goqu.Insert(p.tablePartyHistory).Rows(goqu.Record{
				"id":          newID(),
				"dialog_id":   dialogID,
				"party_index": ph.PartyIndex,
				"time":        ph.Time,
				"event":       string(ph.Event),
			}).ToSQL()
			if err != nil {
				return vconerr.Storage(fmt.Errorf("build insert party_history: %w", err), false)
			}
			if _, err := tx.ExecContext(ctx, phQuery); err != nil {
				return vconerr.Storage(fmt.Errorf("insert party_history: %w", err), isRetryable(err))
			}
		}
	}

	for _, a := range vc.Analysis {
		dialogIndices, _ := json.Marshal(a.DialogIndices)
		query, _, err := p.goqu.Insert(p.tableAnalyses).Rows(goqu.Record{
			"id":             newID(),
			"vcon_id":        vconID,
			"analysis_index": a.Index,
			"type":           a.Type,
			"dialog_indices": dialogIndices,
			"vendor":         a.Vendor,
			"product":        a.Product,
			"schema":         a.Schema,
			"body":           a.Body,
			"encoding":       encodingPtrToAny(a.Encoding),
			"url":            a.URL,
			"content_hash":   a.ContentHash,
		}).ToSQL()
		if err != nil {
			return vconerr.Storage(fmt.Errorf("build insert analysis: %w", err), false)
		}
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return vconerr.Storage(fmt.Errorf("insert analysis %d: %w", a.Index, err), isRetryable(err))
		}
	}

	for _, at := range vc.Attachments {
		query, _, err := p.goqu.Insert(p.tableAttachments).Rows(goqu.Record{
			"id":               newID(),
			"vcon_id":          vconID,
			"attachment_index": at.Index,
			"type":             at.Type,
			"party":            intPtrToAny(at.Party),
			"dialog":           intPtrToAny(at.Dialog),
			"mimetype":         at.MimeType,
			"body":             at.Body,
			"encoding":         encodingPtrToAny(at.Encoding),
			"url":              at.URL,
			"content_hash":     at.ContentHash,
			"start_time":       timePtrToAny(at.StartTime),
		}).ToSQL()
		if err != nil {
			return vconerr.Storage(fmt.Errorf("build insert attachment: %w", err), false)
		}
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return vconerr.Storage(fmt.Errorf("insert attachment %d: %w", at.Index, err), isRetryable(err))
		}
	}

	for _, g := range vc.Groups {
		query, _, err := p.goqu.Insert(p.tableGroups).Rows(goqu.Record{
			"id":          newID(),
			"vcon_id":     vconID,
			"group_index": g.Index,
			"ref_uuid":    g.UUID,
			"body":        g.Body,
			"encoding":    orDefault(string(g.Encoding), string(vcon.EncodingJSON)),
			"url":         g.URL,
		}).ToSQL()
		if err != nil {
			return vconerr.Storage(fmt.Errorf("build insert group: %w", err), false)
		}
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return vconerr.Storage(fmt.Errorf("insert group %d: %w", g.Index, err), isRetryable(err))
		}
	}

	return nil
}

// ─── CreateBatch / CreateBatchAtomic ───

func (p *Postgres) CreateBatch(ctx context.Context, vcs []*vcon.VCon, tenantID string) ([]store.BatchResult, error) {
	results := make([]store.BatchResult, len(vcs))
	for i, vc := range vcs {
		created, err := p.Create(ctx, vc, tenantID)
		results[i] = store.BatchResult{Index: i, VCon: created, Err: err}
	}
	return results, nil
}

func (p *Postgres) CreateBatchAtomic(ctx context.Context, vcs []*vcon.VCon, tenantID string) ([]*vcon.VCon, error) {
	for _, vc := range vcs {
		if err := vc.Validate(false); err != nil {
			return nil, err
		}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, vconerr.Storage(fmt.Errorf("begin transaction: %w", err), true)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, vc := range vcs {
		var exists int
		existsQuery, _, _ := p.goqu.From(p.tableVCons).Select(goqu.COUNT("id")).Where(goqu.I("uuid").Eq(vc.UUID)).ToSQL()
		if err := tx.QueryRowContext(ctx, existsQuery).Scan(&exists); err != nil {
			return nil, vconerr.Storage(fmt.Errorf("check existing uuid: %w", err), true)
		}
		if exists > 0 {
			return nil, vconerr.Conflict(fmt.Sprintf("vcon %s already exists", vc.UUID))
		}

		vc.CreatedAt = now
		vc.UpdatedAt = now
		id := newID()

		var tenant any
		if tenantID != "" {
			tenant = tenantID
		}
		if err := p.insertVConRow(ctx, tx, id, vc, tenant); err != nil {
			return nil, err
		}
		if err := p.insertChildren(ctx, tx, id, vc); err != nil {
			return nil, err
		}
		if err := enqueueEligibleContentTx(ctx, p, tx, id, vc.Subject, eligibleDialogs(vc), eligibleAnalyses(vc)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, vconerr.Storage(fmt.Errorf("commit transaction: %w", err), true)
	}

	if tenantID != "" {
		for _, vc := range vcs {
			vc.TenantID = &tenantID
		}
	}

	return vcs, nil
}

// ─── Get ───

func (p *Postgres) Get(ctx context.Context, uuid string) (*vcon.VCon, error) {
	q := p.querierFrom(ctx)

	row, id, err := p.selectVConRow(ctx, q, uuid)
	if err != nil {
		return nil, err
	}

	vc := row.toDomain()

	if err := p.loadChildren(ctx, q, id, vc); err != nil {
		return nil, err
	}

	return vc, nil
}

type vconRow struct {
	UUID         string
	Version      string
	Subject      string
	Extensions   []byte
	MustSupport  []byte
	Redacted     sql.NullString
	Appended     sql.NullString
	TenantID     sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r vconRow) toDomain() *vcon.VCon {
	vc := &vcon.VCon{
		UUID:      r.UUID,
		Version:   r.Version,
		Subject:   r.Subject,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	_ = json.Unmarshal(r.Extensions, &vc.Extensions)
	_ = json.Unmarshal(r.MustSupport, &vc.MustSupport)
	if r.Redacted.Valid {
		vc.Redacted = []byte(r.Redacted.String)
	}
	if r.Appended.Valid {
		vc.Appended = []byte(r.Appended.String)
	}
	if r.TenantID.Valid {
		t := r.TenantID.String
		vc.TenantID = &t
	}
	return vc
}

func (p *Postgres) selectVConRow(ctx context.Context, q queryer, uuidStr string) (vconRow, string, error) {
	query, _, err := p.goqu.From(p.tableVCons).
		Select("id", "uuid", "version", "subject", "extensions", "must_support", "redacted", "appended", "tenant_id", "created_at", "updated_at").
		Where(goqu.I("uuid").Eq(uuidStr)).
		ToSQL()
	if err != nil {
		return vconRow{}, "", vconerr.Storage(fmt.Errorf("build get query: %w", err), false)
	}

	var row vconRow
	var id string
	err = q.QueryRowContext(ctx, query).Scan(&id, &row.UUID, &row.Version, &row.Subject, &row.Extensions, &row.MustSupport, &row.Redacted, &row.Appended, &row.TenantID, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return vconRow{}, "", vconerr.NotFound("vcon " + uuidStr)
	}
	if err != nil {
		return vconRow{}, "", vconerr.Storage(fmt.Errorf("get vcon %s: %w", uuidStr, err), isRetryable(err))
	}

	return row, id, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *Postgres) loadChildren(ctx context.Context, q queryer, vconID string, vc *vcon.VCon) error {
	if err := p.loadParties(ctx, q, vconID, vc); err != nil {
		return err
	}
	if err := p.loadDialogs(ctx, q, vconID, vc); err != nil {
		return err
	}
	if err := p.loadAnalyses(ctx, q, vconID, vc); err != nil {
		return err
	}
	if err := p.loadAttachments(ctx, q, vconID, vc); err != nil {
		return err
	}
	if err := p.loadGroups(ctx, q, vconID, vc); err != nil {
		return err
	}
	return nil
}

func (p *Postgres) loadParties(ctx context.Context, q queryer, vconID string, vc *vcon.VCon) error {
	query, _, err := p.goqu.From(p.tableParties).
		Select("party_index", "tel", "sip", "stir", "mailto", "name", "did", "party_uuid", "jcard", "civicaddress", "timezone").
		Where(goqu.I("vcon_id").Eq(vconID)).
		Order(goqu.I("party_index").Asc()).
		ToSQL()
	if err != nil {
		return vconerr.Storage(err, false)
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return vconerr.Storage(err, isRetryable(err))
	}
	defer rows.Close()

	for rows.Next() {
		var pt vcon.Party
		var jcard, civic sql.NullString
		if err := rows.Scan(&pt.Index, &pt.Tel, &pt.SIP, &pt.STIR, &pt.Mailto, &pt.Name, &pt.DID, &pt.UUID, &jcard, &civic, &pt.Timezone); err != nil {
			return vconerr.Storage(err, false)
		}
		if jcard.Valid {
			pt.JCard = []byte(jcard.String)
		}
		if civic.Valid {
			pt.CivicAddress = []byte(civic.String)
		}
		vc.Parties = append(vc.Parties, pt)
	}
	return rows.Err()
}

func (p *Postgres) loadDialogs(ctx context.Context, q queryer, vconID string, vc *vcon.VCon) error {
	query, _, err := p.goqu.From(p.tableDialogs).
		Select("id", "dialog_index", "type", "start_time", "duration_seconds", "parties", "originator", "mediatype", "body", "encoding", "url", "content_hash", "filename", "disposition", "session_id", "application", "message_id").
		Where(goqu.I("vcon_id").Eq(vconID)).
		Order(goqu.I("dialog_index").Asc()).
		ToSQL()
	if err != nil {
		return vconerr.Storage(err, false)
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return vconerr.Storage(err, isRetryable(err))
	}
	defer rows.Close()

	var dialogIDs []string
	for rows.Next() {
		var d vcon.Dialog
		var id string
		var partiesRaw []byte
		var originator sql.NullInt64
		var encoding, disposition sql.NullString
		if err := rows.Scan(&id, &d.Index, &d.Type, &d.StartTime, &d.DurationSeconds, &partiesRaw, &originator, &d.MediaType, &d.Body, &encoding, &d.URL, &d.ContentHash, &d.Filename, &disposition, &d.SessionID, &d.Application, &d.MessageID); err != nil {
			return vconerr.Storage(err, false)
		}
		_ = json.Unmarshal(partiesRaw, &d.Parties)
		if originator.Valid {
			v := int(originator.Int64)
			d.Originator = &v
		}
		if encoding.Valid {
			e := vcon.Encoding(encoding.String)
			d.Encoding = &e
		}
		if disposition.Valid {
			dp := vcon.Disposition(disposition.String)
			d.Disposition = &dp
		}
		vc.Dialog = append(vc.Dialog, d)
		dialogIDs = append(dialogIDs, id)
	}
	if err := rows.Err(); err != nil {
		return vconerr.Storage(err, false)
	}

	for i, dialogID := range dialogIDs {
		if err := p.loadPartyHistory(ctx, q, dialogID, &vc.Dialog[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) loadPartyHistory(ctx context.Context, q queryer, dialogID string, d *vcon.Dialog) error {
	query, _, err := p.goqu.From(p.tablePartyHistory).
		Select("party_index", "time", "event").
		Where(goqu.I("dialog_id").Eq(dialogID)).
		Order(goqu.I("time").Asc()).
		ToSQL()
	if err != nil {
		return vconerr.Storage(err, false)
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return vconerr.Storage(err, isRetryable(err))
	}
	defer rows.Close()

	for rows.Next() {
		var ph vcon.PartyHistory
		if err := rows.Scan(&ph.PartyIndex, &ph.Time, &ph.Event); err != nil {
			return vconerr.Storage(err, false)
		}
		d.PartyHistory = append(d.PartyHistory, ph)
	}
	return rows.Err()
}

func (p *Postgres) loadAnalyses(ctx context.Context, q queryer, vconID string, vc *vcon.VCon) error {
	query, _, err := p.goqu.From(p.tableAnalyses).
		Select("analysis_index", "type", "dialog_indices", "vendor", "product", "schema", "body", "encoding", "url", "content_hash").
		Where(goqu.I("vcon_id").Eq(vconID)).
		Order(goqu.I("analysis_index").Asc()).
		ToSQL()
	if err != nil {
		return vconerr.Storage(err, false)
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return vconerr.Storage(err, isRetryable(err))
	}
	defer rows.Close()

	for rows.Next() {
		var a vcon.Analysis
		var dialogIndicesRaw []byte
		var encoding sql.NullString
		if err := rows.Scan(&a.Index, &a.Type, &dialogIndicesRaw, &a.Vendor, &a.Product, &a.Schema, &a.Body, &encoding, &a.URL, &a.ContentHash); err != nil {
			return vconerr.Storage(err, false)
		}
		_ = json.Unmarshal(dialogIndicesRaw, &a.DialogIndices)
		if encoding.Valid {
			e := vcon.Encoding(encoding.String)
			a.Encoding = &e
		}
		vc.Analysis = append(vc.Analysis, a)
	}
	return rows.Err()
}

func (p *Postgres) loadAttachments(ctx context.Context, q queryer, vconID string, vc *vcon.VCon) error {
	query, _, err := p.goqu.From(p.tableAttachments).
		Select("attachment_index", "type", "party", "dialog", "mimetype", "body", "encoding", "url", "content_hash", "start_time").
		Where(goqu.I("vcon_id").Eq(vconID)).
		Order(goqu.I("attachment_index").Asc()).
		ToSQL()
	if err != nil {
		return vconerr.Storage(err, false)
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return vconerr.Storage(err, isRetryable(err))
	}
	defer rows.Close()

	for rows.Next() {
		var at vcon.Attachment
		var party, dialog sql.NullInt64
		var encoding sql.NullString
		var startTime sql.NullTime
		if err := rows.Scan(&at.Index, &at.Type, &party, &dialog, &at.MimeType, &at.Body, &encoding, &at.URL, &at.ContentHash, &startTime); err != nil {
			return vconerr.Storage(err, false)
		}
		if party.Valid {
			v := int(party.Int64)
			at.Party = &v
		}
		if dialog.Valid {
			v := int(dialog.Int64)
			at.Dialog = &v
		}
		if encoding.Valid {
			e := vcon.Encoding(encoding.String)
			at.Encoding = &e
		}
		if startTime.Valid {
			at.StartTime = &startTime.Time
		}
		vc.Attachments = append(vc.Attachments, at)
	}
	return rows.Err()
}

func (p *Postgres) loadGroups(ctx context.Context, q queryer, vconID string, vc *vcon.VCon) error {
	query, _, err := p.goqu.From(p.tableGroups).
		Select("group_index", "ref_uuid", "body", "encoding", "url").
		Where(goqu.I("vcon_id").Eq(vconID)).
		Order(goqu.I("group_index").Asc()).
		ToSQL()
	if err != nil {
		return vconerr.Storage(err, false)
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return vconerr.Storage(err, isRetryable(err))
	}
	defer rows.Close()

	for rows.Next() {
		var g vcon.Group
		var encoding string
		if err := rows.Scan(&g.Index, &g.UUID, &g.Body, &encoding, &g.URL); err != nil {
			return vconerr.Storage(err, false)
		}
		g.Encoding = vcon.Encoding(encoding)
		vc.Groups = append(vc.Groups, g)
	}
	return rows.Err()
}

// ─── Update ───

func (p *Postgres) Update(ctx context.Context, vc *vcon.VCon) (*vcon.VCon, error) {
	if err := vc.Validate(false); err != nil {
		return nil, err
	}

	tx, ownTx, err := p.txFor(ctx)
	if err != nil {
		return nil, err
	}
	if ownTx {
		defer tx.Rollback() //nolint:errcheck
	}

	// Lock the row for the duration of the update to serialize concurrent
	// mutations of the same vCon (§9: updated_at bump must not race).
	lockQuery, _, _ := p.goqu.From(p.tableVCons).Select("id").Where(goqu.I("uuid").Eq(vc.UUID)).ForUpdate(exp.Wait).ToSQL()
	var id string
	if err := tx.QueryRowContext(ctx, lockQuery).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, vconerr.NotFound("vcon " + vc.UUID)
		}
		return nil, vconerr.Storage(fmt.Errorf("lock vcon %s: %w", vc.UUID, err), isRetryable(err))
	}

	now := time.Now().UTC()
	vc.UpdatedAt = now

	extensions, _ := json.Marshal(vc.Extensions)
	mustSupport, _ := json.Marshal(vc.MustSupport)

	updateQuery, _, err := p.goqu.Update(p.tableVCons).Set(goqu.Record{
		"subject":      vc.Subject,
		"extensions":   extensions,
		"must_support": mustSupport,
		"updated_at":   now,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, vconerr.Storage(fmt.Errorf("build update vcon: %w", err), false)
	}
	if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
		return nil, vconerr.Storage(fmt.Errorf("update vcon %s: %w", vc.UUID, err), isRetryable(err))
	}

	// Children are replaced wholesale to preserve the dense-index
	// invariant across the update (invariant 2).
	for _, tbl := range []string{"parties", "dialogs", "analyses", "attachments", "groups"} {
		if err := p.deleteChildTable(ctx, tx, tbl, id); err != nil {
			return nil, err
		}
	}
	if err := p.insertChildren(ctx, tx, id, vc); err != nil {
		return nil, err
	}
	if err := enqueueEligibleContentTx(ctx, p, tx, id, vc.Subject, eligibleDialogs(vc), eligibleAnalyses(vc)); err != nil {
		return nil, err
	}

	if ownTx {
		if err := tx.Commit(); err != nil {
			return nil, vconerr.Storage(fmt.Errorf("commit transaction: %w", err), true)
		}
	}

	return vc, nil
}

func (p *Postgres) deleteChildTable(ctx context.Context, tx *sql.Tx, table, vconID string) error {
	var ident any
	switch table {
	case "parties":
		ident = p.tableParties
	case "dialogs":
		ident = p.tableDialogs
	case "analyses":
		ident = p.tableAnalyses
	case "attachments":
		ident = p.tableAttachments
	case "groups":
		ident = p.tableGroups
	default:
		return fmt.Errorf("unknown child table %q", table)
	}
	query, _, err := p.goqu.Delete(ident).Where(goqu.I("vcon_id").Eq(vconID)).ToSQL()
	if err != nil {
		return vconerr.Storage(err, false)
	}
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return vconerr.Storage(fmt.Errorf("delete %s for vcon: %w", table, err), isRetryable(err))
	}
	return nil
}

// ─── Delete ───

func (p *Postgres) Delete(ctx context.Context, uuidStr string) error {
	query, _, err := p.goqu.Delete(p.tableVCons).Where(goqu.I("uuid").Eq(uuidStr)).ToSQL()
	if err != nil {
		return vconerr.Storage(err, false)
	}
	res, err := p.querierFrom(ctx).ExecContext(ctx, query)
	if err != nil {
		return vconerr.Storage(fmt.Errorf("delete vcon %s: %w", uuidStr, err), isRetryable(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return vconerr.Storage(err, false)
	}
	if affected == 0 {
		return vconerr.NotFound("vcon " + uuidStr)
	}
	return nil
}

// ─── List ───

func (p *Postgres) List(ctx context.Context, filter store.ListFilter) ([]*vcon.VCon, error) {
	sel := p.goqu.From(p.tableVCons).
		Select("uuid").
		Order(goqu.I("created_at").Desc())

	if filter.TenantID != "" {
		sel = sel.Where(goqu.I("tenant_id").Eq(filter.TenantID))
	}
	if filter.Since != nil {
		if filter.Since.From != nil {
			sel = sel.Where(goqu.I("created_at").Gte(*filter.Since.From))
		}
		if filter.Since.To != nil {
			sel = sel.Where(goqu.I("created_at").Lte(*filter.Since.To))
		}
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	sel = sel.Limit(uint(limit))
	if filter.Offset > 0 {
		sel = sel.Offset(uint(filter.Offset))
	}

	query, _, err := sel.ToSQL()
	if err != nil {
		return nil, vconerr.Storage(err, false)
	}
	rows, err := p.querierFrom(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, vconerr.Storage(err, isRetryable(err))
	}
	var uuids []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return nil, vconerr.Storage(err, false)
		}
		uuids = append(uuids, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, vconerr.Storage(err, false)
	}

	out := make([]*vcon.VCon, 0, len(uuids))
	for _, u := range uuids {
		vc, err := p.Get(ctx, u)
		if err != nil {
			return nil, err
		}
		out = append(out, vc)
	}
	return out, nil
}

// ─── Tags view refresh ───

func (p *Postgres) RefreshTagsView(ctx context.Context) error {
	// CONCURRENTLY requires the view to have at least one unique index
	// (tags_view_vcon_idx, created in migration 0002) and must not run
	// inside the transaction that wrote the underlying attachment.
	stmt := fmt.Sprintf("REFRESH MATERIALIZED VIEW CONCURRENTLY %s", p.tagsViewName)
	if _, err := p.db.ExecContext(ctx, stmt); err != nil {
		return vconerr.Storage(fmt.Errorf("refresh tags view: %w", err), isRetryable(err))
	}
	return nil
}

// ─── helpers ───

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func intPtrToAny(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtrToAny(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

func encodingPtrToAny(v *vcon.Encoding) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func dispositionPtrToAny(v *vcon.Disposition) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

// isRetryable classifies a postgres error as transient (connection issues,
// serialization failures, deadlocks) vs a hard constraint violation.
func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "timeout", "deadlock", "serialize", "could not serialize", "too many connections"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
