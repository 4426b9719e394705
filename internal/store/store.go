// Package store defines the persistence contract for vCons (C2) and
// constructs the configured backend. PostgreSQL is the only backend named
// anywhere in the spec; New exists to keep callers (cmd/vconmcp) decoupled
// from the postgres package's concrete type.
package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rakunlabs/vcon-mcp/internal/config"
	"github.com/rakunlabs/vcon-mcp/internal/store/postgres"
	"github.com/rakunlabs/vcon-mcp/internal/vcon"
)

// ListFilter bounds a List call: zero-value fields are unconstrained,
// except Limit, where zero (or a value over 1000) means 100.
type ListFilter struct {
	TenantID string
	Since    *TimeRange
	Limit    int
	Offset   int
}

// TimeRange bounds VCon.CreatedAt for List/search filters.
type TimeRange struct {
	From, To *string // RFC3339, either bound may be nil
}

// Storer is the full persistence contract used by the search, tag, and
// registry layers.
type Storer interface {
	// Create inserts vc and its children in one transaction, assigning
	// tenant_id via the supplied value (the Tenant Resolver computes it
	// ahead of the call so Store stays ignorant of JWTs/attachment
	// parsing). Returns ConflictError if vc.UUID already exists.
	Create(ctx context.Context, vc *vcon.VCon, tenantID string) (*vcon.VCon, error)

	// CreateBatch inserts each vCon independently: failures in one do not
	// roll back the others. Returns one result/error pair per input, in
	// input order.
	CreateBatch(ctx context.Context, vcs []*vcon.VCon, tenantID string) ([]BatchResult, error)

	// CreateBatchAtomic inserts every vCon in a single transaction: any
	// single failure rolls back the entire batch.
	CreateBatchAtomic(ctx context.Context, vcs []*vcon.VCon, tenantID string) ([]*vcon.VCon, error)

	Get(ctx context.Context, uuid string) (*vcon.VCon, error)

	// Update replaces vc's mutable fields and children, bumping
	// updated_at. Children are replaced wholesale (delete+reinsert in
	// index order) to preserve the dense-index invariant.
	Update(ctx context.Context, vc *vcon.VCon) (*vcon.VCon, error)

	Delete(ctx context.Context, uuid string) error

	List(ctx context.Context, filter ListFilter) ([]*vcon.VCon, error)

	// RefreshTagsView triggers REFRESH MATERIALIZED VIEW CONCURRENTLY on
	// the tag view; called by internal/tags after a tags-attachment write
	// commits (never from inside the writing transaction).
	RefreshTagsView(ctx context.Context) error

	// DB exposes the underlying *sql.DB so the Tenant Resolver can open a
	// tenant-scoped transaction (SET LOCAL app.current_tenant) around a
	// Storer call.
	DB() *sql.DB

	// ScopeTx returns a context that Get/Update/Delete/Create/List
	// recognize and run on, instead of borrowing a fresh pooled
	// connection, so they observe the tenant scoping tx set up on it.
	ScopeTx(ctx context.Context, tx *sql.Tx) context.Context
}

// BatchResult pairs a best-effort CreateBatch outcome with its input index.
type BatchResult struct {
	Index int
	VCon  *vcon.VCon
	Err   error
}

// StorerClose is Storer plus lifecycle teardown, what New returns.
type StorerClose interface {
	Storer
	Close()
}

// New creates a StorerClose based on the given store configuration.
// Currently only PostgreSQL is supported (spec.md 4.2: "PostgreSQL is the
// sole backend").
func New(ctx context.Context, cfg config.Store) (StorerClose, error) {
	if cfg.Postgres.Datasource == "" {
		return nil, errors.New("no store configured: store.postgres.datasource is required")
	}

	return postgres.New(ctx, &cfg.Postgres)
}
