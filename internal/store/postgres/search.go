package postgres

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/rakunlabs/vcon-mcp/internal/vconerr"
)

// KeywordHit is one ranked match from KeywordSearch.
type KeywordHit struct {
	VConUUID  string
	DocType   string // subject, party, dialog, analysis
	RefIndex  int
	Rank      float64
	Snippet   string
	CreatedAt string
}

// Filter bounds every search mode (spec.md §4.4 common filter bundle).
type Filter struct {
	TenantID  string
	StartDate string // RFC3339, optional
	EndDate   string // RFC3339, optional
	Tags      map[string]string
	Limit     int
}

func (f Filter) limitOrDefault() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 50
	}
	return f.Limit
}

// KeywordSearch runs weighted full-text search across subject (weight A),
// party identity fields (weight B), analysis bodies (weight B), and dialog
// bodies (weight C). When the full-text pass matches nothing at all, it
// falls back to trigram similarity on vCon subjects only (typo tolerance);
// party, dialog and analysis text get no trigram fallback. See spec.md §4.4.1.
func (p *Postgres) KeywordSearch(ctx context.Context, query string, filter Filter) ([]KeywordHit, error) {
	if query == "" {
		return nil, vconerr.Validation("query", "must not be empty")
	}

	sql := fmt.Sprintf(`
WITH fts AS (
    SELECT v.uuid AS vcon_uuid, 'subject' AS doc_type, 0 AS ref_index,
           ts_rank(setweight(v.subject_tsv, 'A'), plainto_tsquery('english', $1)) AS rank,
           left(v.subject, 200) AS snippet, v.created_at, v.tenant_id
    FROM %[1]s v
    WHERE v.subject_tsv @@ plainto_tsquery('english', $1)
    UNION ALL
    SELECT v.uuid, 'party', p.party_index,
           ts_rank(setweight(p.identity_tsv, 'B'), plainto_tsquery('english', $1)),
           left(coalesce(nullif(p.name, ''), p.mailto, p.tel), 200), v.created_at, v.tenant_id
    FROM %[5]s p JOIN %[1]s v ON v.id = p.vcon_id
    WHERE p.identity_tsv @@ plainto_tsquery('english', $1)
    UNION ALL
    SELECT v.uuid, 'dialog', d.dialog_index,
           ts_rank(setweight(d.body_tsv, 'C'), plainto_tsquery('english', $1)),
           left(d.body, 200), v.created_at, v.tenant_id
    FROM %[2]s d JOIN %[1]s v ON v.id = d.vcon_id
    WHERE d.body_tsv @@ plainto_tsquery('english', $1)
    UNION ALL
    SELECT v.uuid, 'analysis', a.analysis_index,
           ts_rank(setweight(a.body_tsv, 'B'), plainto_tsquery('english', $1)),
           left(a.body, 200), v.created_at, v.tenant_id
    FROM %[3]s a JOIN %[1]s v ON v.id = a.vcon_id
    WHERE a.body_tsv @@ plainto_tsquery('english', $1)
),
trgm AS (
    SELECT v.uuid AS vcon_uuid, 'subject' AS doc_type, 0 AS ref_index,
           similarity(v.subject, $1) AS rank, left(v.subject, 200) AS snippet, v.created_at, v.tenant_id
    FROM %[1]s v
    WHERE NOT EXISTS (SELECT 1 FROM fts) AND v.subject %% $1
)
SELECT vcon_uuid, doc_type, ref_index, rank, snippet, created_at
FROM (SELECT * FROM fts UNION ALL SELECT * FROM trgm) combined
WHERE %[4]s
ORDER BY rank DESC, created_at DESC, vcon_uuid
LIMIT %[6]d
`, p.nameVCons, p.nameDialogs, p.nameAnalyses, filterClauseSQL(filter, "combined"), p.nameParties, filter.limitOrDefault())

	rows, err := p.querierFrom(ctx).QueryContext(ctx, sql, query)
	if err != nil {
		return nil, vconerr.Storage(fmt.Errorf("keyword search: %w", err), isRetryable(err))
	}
	defer rows.Close()

	var out []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.VConUUID, &h.DocType, &h.RefIndex, &h.Rank, &h.Snippet, &h.CreatedAt); err != nil {
			return nil, vconerr.Storage(err, false)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SemanticHit is one ranked match from SemanticSearch.
type SemanticHit struct {
	VConUUID          string
	ContentType       string
	ContentReference  string
	ContentText       string
	Similarity        float64
}

// SemanticSearch runs cosine-similarity search over vcon_embeddings.
// threshold <= 0 defaults to 0.7 per spec.md §4.4.2.
func (p *Postgres) SemanticSearch(ctx context.Context, queryVector [384]float32, threshold float64, filter Filter) ([]SemanticHit, error) {
	if threshold <= 0 {
		threshold = 0.7
	}
	vec := pgvector.NewVector(queryVector[:])

	whereClause := filterClauseSQL(filter, "v")
	sqlStr := fmt.Sprintf(`
SELECT v.uuid, e.content_type, e.content_reference, e.content_text,
       1 - (e.embedding <=> $1) AS similarity
FROM %s e
JOIN %s v ON v.id = e.vcon_id
WHERE (1 - (e.embedding <=> $1)) >= $2 AND %s
ORDER BY similarity DESC
LIMIT %d
`, p.nameEmbeddings, p.nameVCons, whereClause, filter.limitOrDefault())

	rows, err := p.querierFrom(ctx).QueryContext(ctx, sqlStr, vec, threshold)
	if err != nil {
		return nil, vconerr.Storage(fmt.Errorf("semantic search: %w", err), isRetryable(err))
	}
	defer rows.Close()

	var out []SemanticHit
	for rows.Next() {
		var h SemanticHit
		if err := rows.Scan(&h.VConUUID, &h.ContentType, &h.ContentReference, &h.ContentText, &h.Similarity); err != nil {
			return nil, vconerr.Storage(err, false)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// filterClauseSQL renders the common filter bundle (tenant, date range) as
// a boolean SQL expression over the vcons-aliased table in scope; tag
// filtering is applied by the caller via internal/tags, not here, since it
// needs the materialized view joined in only for tag-filtered calls.
func filterClauseSQL(f Filter, alias string) string {
	clause := "TRUE"
	if f.TenantID != "" {
		clause += fmt.Sprintf(" AND %s.tenant_id = '%s'", alias, escapeLiteral(f.TenantID))
	}
	if f.StartDate != "" {
		clause += fmt.Sprintf(" AND %s.created_at >= '%s'", alias, escapeLiteral(f.StartDate))
	}
	if f.EndDate != "" {
		clause += fmt.Sprintf(" AND %s.created_at <= '%s'", alias, escapeLiteral(f.EndDate))
	}
	return clause
}

// escapeLiteral guards against literal injection in filter values that are
// interpolated directly (tenant id / date bounds come from validated,
// resolver-derived or caller-supplied scalar config, never raw free text,
// but this keeps a single quote from breaking out of the literal).
func escapeLiteral(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
