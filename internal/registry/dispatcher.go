// Package registry implements the Tool Registry & Dispatcher (C9): the
// named-operation surface spec.md §4.9 describes, independent of any
// particular transport. cmd/vconmcp binds each Dispatcher method onto the
// official MCP SDK server object (A6).
package registry

import (
	"context"
	"database/sql"
	"time"

	"github.com/rakunlabs/vcon-mcp/internal/hooks"
	"github.com/rakunlabs/vcon-mcp/internal/search"
	"github.com/rakunlabs/vcon-mcp/internal/store"
	"github.com/rakunlabs/vcon-mcp/internal/tags"
	"github.com/rakunlabs/vcon-mcp/internal/tenant"
	"github.com/rakunlabs/vcon-mcp/internal/vcon"
	"github.com/rakunlabs/vcon-mcp/internal/vconerr"
)

// Dispatcher composes the Store, Search Engine, Tag Manager, Tenant
// Resolver, and Hook Manager into the operation set spec.md §4.9 names,
// interleaving before/after hooks around the CRUD and Search calls; List,
// the tag operations, and the introspection calls run without hooks.
type Dispatcher struct {
	store  store.Storer
	search *search.Engine
	tags   *tags.Manager
	tenant *tenant.Resolver
	hooks  *hooks.Manager
}

func New(storer store.Storer, searchEngine *search.Engine, tagManager *tags.Manager, tenantResolver *tenant.Resolver, hookManager *hooks.Manager) *Dispatcher {
	if hookManager == nil {
		hookManager = hooks.New()
	}
	return &Dispatcher{store: storer, search: searchEngine, tags: tagManager, tenant: tenantResolver, hooks: hookManager}
}

// RequestContext is the caller-supplied metadata threaded through hooks,
// per spec.md §4.8.
type RequestContext = hooks.RequestContext

func nowContext(rc RequestContext) RequestContext {
	if rc.Timestamp.IsZero() {
		rc.Timestamp = time.Now().UTC()
	}
	return rc
}

// withTenant runs fn with ctx scoped to tenantID's RLS session variable
// when tenant scoping is enabled, so every Storer call fn makes observes
// the same tenant-scoped transaction. When tenant scoping is off, fn runs
// directly on the caller's ctx (no transaction is opened, matching every
// non-tenant-scoped Storer call's existing unwrapped behavior).
func (d *Dispatcher) withTenant(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	if !d.tenant.Enabled() {
		return fn(ctx)
	}
	return d.tenant.WithTenant(ctx, d.store.DB(), tenantID, func(ctx context.Context, tx *sql.Tx) error {
		return fn(d.store.ScopeTx(ctx, tx))
	})
}

// callerTenant resolves the tenant to scope an operation under when the
// operation has no vCon body of its own to extract a tenant attachment
// from (read/update/delete/append): the caller-supplied RequestContext.TenantID,
// falling back to the Tenant Resolver's static single-tenant override.
func (d *Dispatcher) callerTenant(rc RequestContext) string {
	if !d.tenant.Enabled() {
		return ""
	}
	if rc.TenantID != "" {
		return rc.TenantID
	}
	return d.tenant.StaticTenantID()
}

// ─── CRUD ───

// CreateVCon validates and inserts vc, resolving its tenant via the
// attached tenant attachment and running
// before/afterCreate hooks around the store call.
func (d *Dispatcher) CreateVCon(ctx context.Context, vc *vcon.VCon, rc RequestContext) (*vcon.VCon, error) {
	rc = nowContext(rc)

	vc, err := d.hooks.BeforeCreate(ctx, vc, rc)
	if err != nil {
		return nil, err
	}

	tenantID, err := d.resolveTenant(vc)
	if err != nil {
		return nil, err
	}

	var created *vcon.VCon
	err = d.withTenant(ctx, tenantID, func(ctx context.Context) error {
		var err error
		created, err = d.store.Create(ctx, vc, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}

	d.hooks.AfterCreate(ctx, created, rc)
	return created, nil
}

func (d *Dispatcher) resolveTenant(vc *vcon.VCon) (string, error) {
	if !d.tenant.Enabled() {
		return "", nil
	}
	return d.tenant.FromAttachment(vc)
}

// GetVCon runs beforeRead (access control) then afterRead (redaction).
func (d *Dispatcher) GetVCon(ctx context.Context, uuid string, rc RequestContext) (*vcon.VCon, error) {
	rc = nowContext(rc)

	if err := d.hooks.BeforeRead(ctx, uuid, rc); err != nil {
		return nil, err
	}

	var vc *vcon.VCon
	err := d.withTenant(ctx, d.callerTenant(rc), func(ctx context.Context) error {
		var err error
		vc, err = d.store.Get(ctx, uuid)
		return err
	})
	if err != nil {
		return nil, err
	}

	return d.hooks.AfterRead(ctx, vc, rc), nil
}

// UpdateVCon runs beforeUpdate (validation, legal hold) then afterUpdate
// (cache invalidation, webhooks — the cache invalidation itself lives in
// internal/cache.CachedStore, which this Dispatcher's store is wrapped
// with when caching is enabled).
func (d *Dispatcher) UpdateVCon(ctx context.Context, uuid string, patch *vcon.VCon, rc RequestContext) (*vcon.VCon, error) {
	rc = nowContext(rc)

	patch, err := d.hooks.BeforeUpdate(ctx, uuid, patch, rc)
	if err != nil {
		return nil, err
	}
	patch.UUID = uuid

	var updated *vcon.VCon
	err = d.withTenant(ctx, d.callerTenant(rc), func(ctx context.Context) error {
		var err error
		updated, err = d.store.Update(ctx, patch)
		return err
	})
	if err != nil {
		return nil, err
	}

	d.hooks.AfterUpdate(ctx, updated, rc)
	return updated, nil
}

// List returns vCons matching filter, for the MCP resource surface
// (vcon://recent, vcon://list/ids) rather than any tool.
func (d *Dispatcher) List(ctx context.Context, filter store.ListFilter) ([]*vcon.VCon, error) {
	return d.store.List(ctx, filter)
}

func (d *Dispatcher) DeleteVCon(ctx context.Context, uuid string, rc RequestContext) error {
	rc = nowContext(rc)

	if err := d.hooks.BeforeDelete(ctx, uuid, rc); err != nil {
		return err
	}
	err := d.withTenant(ctx, d.callerTenant(rc), func(ctx context.Context) error {
		return d.store.Delete(ctx, uuid)
	})
	if err != nil {
		return err
	}
	d.hooks.AfterDelete(ctx, uuid, rc)
	return nil
}

// ─── Child appenders ───
//
// Each appender reads the current vCon, calls the matching vcon.VCon.AddX
// method (which stamps a dense index), then persists via Update so the
// dense-index invariant is re-validated on write.

func (d *Dispatcher) getForAppend(ctx context.Context, uuid string, rc RequestContext) (*vcon.VCon, error) {
	var vc *vcon.VCon
	err := d.withTenant(ctx, d.callerTenant(rc), func(ctx context.Context) error {
		var err error
		vc, err = d.store.Get(ctx, uuid)
		return err
	})
	return vc, err
}

func (d *Dispatcher) AppendParty(ctx context.Context, uuid string, party vcon.Party, rc RequestContext) (*vcon.VCon, error) {
	vc, err := d.getForAppend(ctx, uuid, rc)
	if err != nil {
		return nil, err
	}
	vc.AddParty(party)
	return d.UpdateVCon(ctx, uuid, vc, rc)
}

func (d *Dispatcher) AppendDialog(ctx context.Context, uuid string, dialog vcon.Dialog, rc RequestContext) (*vcon.VCon, error) {
	vc, err := d.getForAppend(ctx, uuid, rc)
	if err != nil {
		return nil, err
	}
	vc.AddDialog(dialog)
	return d.UpdateVCon(ctx, uuid, vc, rc)
}

func (d *Dispatcher) AppendAnalysis(ctx context.Context, uuid string, a vcon.Analysis, rc RequestContext) (*vcon.VCon, error) {
	vc, err := d.getForAppend(ctx, uuid, rc)
	if err != nil {
		return nil, err
	}
	vc.AddAnalysis(a)
	return d.UpdateVCon(ctx, uuid, vc, rc)
}

func (d *Dispatcher) AppendAttachment(ctx context.Context, uuid string, at vcon.Attachment, rc RequestContext) (*vcon.VCon, error) {
	vc, err := d.getForAppend(ctx, uuid, rc)
	if err != nil {
		return nil, err
	}
	vc.AddAttachment(at)
	return d.UpdateVCon(ctx, uuid, vc, rc)
}

func (d *Dispatcher) AppendGroup(ctx context.Context, uuid string, g vcon.Group, rc RequestContext) (*vcon.VCon, error) {
	vc, err := d.getForAppend(ctx, uuid, rc)
	if err != nil {
		return nil, err
	}
	vc.AddGroup(g)
	return d.UpdateVCon(ctx, uuid, vc, rc)
}

// ─── Search ───

// Search runs beforeSearch (inject tenant filter) then afterSearch
// (redaction/filter), wrapping internal/search.Engine.
func (d *Dispatcher) Search(ctx context.Context, req search.Request, rc RequestContext) ([]search.Result, error) {
	rc = nowContext(rc)

	criteria := map[string]any{
		"mode":       string(req.Mode),
		"query":      req.Query,
		"tags":       req.Tags,
		"tenant_id":  req.TenantID,
		"start_date": req.StartDate,
		"end_date":   req.EndDate,
	}
	criteria, err := d.hooks.BeforeSearch(ctx, criteria, rc)
	if err != nil {
		return nil, err
	}
	if v, ok := criteria["tenant_id"].(string); ok {
		req.TenantID = v
	}

	var results []search.Result
	err = d.withTenant(ctx, req.TenantID, func(ctx context.Context) error {
		var err error
		results, err = d.search.Run(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	uuids := make([]string, len(results))
	for i, r := range results {
		uuids[i] = r.VConUUID
	}
	allowed := d.hooks.AfterSearch(ctx, uuids, rc)
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, u := range allowed {
		allowedSet[u] = struct{}{}
	}

	filtered := results[:0]
	for _, r := range results {
		if _, ok := allowedSet[r.VConUUID]; ok {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// ─── Tags ───

// TagAction selects manage_tag's behavior.
type TagAction string

const (
	TagActionSet    TagAction = "set"
	TagActionRemove TagAction = "remove"
)

// ManageTag implements the manage_tag tool: set upserts key=value (failing
// with ConflictError when overwrite=false and key exists), remove deletes
// key. Returns the vCon's tag map after the change.
func (d *Dispatcher) ManageTag(ctx context.Context, uuid string, action TagAction, key, value string, overwrite bool) (map[string]string, error) {
	switch action {
	case TagActionSet:
		return d.tags.Set(ctx, uuid, key, value, overwrite)
	case TagActionRemove:
		if err := d.tags.Remove(ctx, uuid, []string{key}); err != nil {
			return nil, err
		}
		return d.GetTags(ctx, uuid)
	default:
		return nil, vconerr.Validation("action", "must be one of set, remove")
	}
}

// UpdateTags implements the update_tags tool: merge=true upserts updates
// over the vCon's existing tags, merge=false replaces the whole tag set.
func (d *Dispatcher) UpdateTags(ctx context.Context, uuid string, updates map[string]string, merge bool) (map[string]string, error) {
	return d.tags.Update(ctx, uuid, updates, merge)
}

func (d *Dispatcher) GetTags(ctx context.Context, uuid string) (map[string]string, error) {
	entries, err := d.tags.GetAll(ctx, uuid)
	if err != nil {
		return nil, err
	}
	return vcon.TagsToMap(entries), nil
}

func (d *Dispatcher) RemoveAllTags(ctx context.Context, uuid string) error {
	return d.tags.RemoveAll(ctx, uuid)
}

func (d *Dispatcher) SearchByTags(ctx context.Context, tenantID string, want map[string]string, limit int) ([]string, error) {
	return d.tags.SearchByTags(ctx, tenantID, want, limit)
}

func (d *Dispatcher) GetUniqueTags(ctx context.Context, tenantID string) ([]string, error) {
	return d.tags.UniqueKeys(ctx, tenantID)
}

// ─── Introspection ───

// DatabaseShape describes the entity/table layout for get_database_shape.
type DatabaseShape struct {
	Entities []string `json:"entities"`
	Tables   []string `json:"tables"`
}

func (d *Dispatcher) GetDatabaseShape(ctx context.Context) DatabaseShape {
	return DatabaseShape{
		Entities: []string{"VCon", "Party", "Dialog", "PartyHistory", "Analysis", "Attachment", "Group"},
		Tables:   []string{"vcons", "parties", "dialogs", "dialog_party_history", "analyses", "attachments", "groups", "vcon_embeddings", "embedding_tasks"},
	}
}

// DatabaseStats summarizes row counts for get_database_stats.
type DatabaseStats struct {
	TotalVCons int `json:"total_vcons"`
}

// GetDatabaseStats counts the vCons a List call with Limit 1000 returns,
// so TotalVCons is at most 1000; it reports no per-table counts.
func (d *Dispatcher) GetDatabaseStats(ctx context.Context, tenantID string) (DatabaseStats, error) {
	vcs, err := d.store.List(ctx, store.ListFilter{TenantID: tenantID, Limit: 1000})
	if err != nil {
		return DatabaseStats{}, err
	}
	return DatabaseStats{TotalVCons: len(vcs)}, nil
}

// VerifyTenantContext implements the Tenant Resolver's diagnostic
// (spec.md §4.7): it opens the same tenant-scoped transaction a real
// request would, then reads app.current_tenant back to confirm the
// session variable actually took effect for the expected tenant.
func (d *Dispatcher) VerifyTenantContext(ctx context.Context, rc RequestContext) (tenant.VerifyResult, error) {
	return d.tenant.VerifyTenantContext(ctx, d.store.DB(), d.callerTenant(rc))
}
