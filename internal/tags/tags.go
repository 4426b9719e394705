// Package tags implements the tag subsystem (C3): tags are stored as the
// distinguished "tags" attachment on a vCon and surfaced for fast lookup
// through a materialized view. Manager refreshes the view (through the
// Store's RefreshTagsView) after each of its own writes; creating or
// updating a vCon through the Store does not refresh it.
package tags

import (
	"context"
	"fmt"

	"github.com/rakunlabs/vcon-mcp/internal/vcon"
	"github.com/rakunlabs/vcon-mcp/internal/vconerr"
)

// Store is the subset of store.Storer (plus postgres-specific tag
// accessors) this package needs. internal/store/postgres.Postgres
// satisfies it directly.
type Store interface {
	GetTagsAttachment(ctx context.Context, vconUUID string) (body string, ok bool, err error)
	SetTagsAttachment(ctx context.Context, vconUUID, body string) error
	RemoveTagsAttachment(ctx context.Context, vconUUID string) error
	SearchByTagsExact(ctx context.Context, tenantID string, want map[string]string, limit int) ([]string, error)
	UniqueTagKeys(ctx context.Context, tenantID string) ([]string, error)
	RefreshTagsView(ctx context.Context) error
}

// Manager implements the get/set/update/remove/search operations named in
// spec.md §4.3.
type Manager struct {
	store Store
}

func New(store Store) *Manager {
	return &Manager{store: store}
}

// GetAll returns the full ordered key/value tag list for a vCon. Returns an
// empty, non-nil slice (not NotFound) when the vCon has no tags attachment,
// matching the "tags are optional" framing of invariant 6.
func (m *Manager) GetAll(ctx context.Context, vconUUID string) ([][2]string, error) {
	body, ok, err := m.store.GetTagsAttachment(ctx, vconUUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return [][2]string{}, nil
	}
	return vcon.ParseTags(body)
}

// Get returns a single tag's value, and whether it was present.
func (m *Manager) Get(ctx context.Context, vconUUID, key string) (string, bool, error) {
	entries, err := m.GetAll(ctx, vconUUID)
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e[0] == key {
			return e[1], true, nil
		}
	}
	return "", false, nil
}

// Set upserts a single key/value tag. When overwrite is false and key
// already exists, fails with ConflictError rather than replacing it.
// Returns the vCon's full tag map after the write.
func (m *Manager) Set(ctx context.Context, vconUUID, key, value string, overwrite bool) (map[string]string, error) {
	entries, err := m.GetAll(ctx, vconUUID)
	if err != nil {
		return nil, err
	}

	existing := vcon.TagsToMap(entries)
	if !overwrite {
		if _, ok := existing[key]; ok {
			return nil, vconerr.Conflict(fmt.Sprintf("tag %q already exists", key))
		}
	}
	existing[key] = value

	if err := m.writeAll(ctx, vconUUID, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// Update applies updates to the vCon's tags: merge=true upserts each key
// over the existing set; merge=false replaces the entire tag set with
// updates. Returns the resulting tag map.
func (m *Manager) Update(ctx context.Context, vconUUID string, updates map[string]string, merge bool) (map[string]string, error) {
	result := map[string]string{}
	if merge {
		entries, err := m.GetAll(ctx, vconUUID)
		if err != nil {
			return nil, err
		}
		result = vcon.TagsToMap(entries)
	}
	for k, v := range updates {
		result[k] = v
	}

	if err := m.writeAll(ctx, vconUUID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Remove deletes the given keys from the vCon's tags. Removing every key
// leaves an empty tags attachment (distinct from RemoveAll, which deletes
// the attachment itself).
func (m *Manager) Remove(ctx context.Context, vconUUID string, keys []string) error {
	entries, err := m.GetAll(ctx, vconUUID)
	if err != nil {
		return err
	}

	kept := vcon.TagsToMap(entries)
	for _, k := range keys {
		delete(kept, k)
	}

	return m.writeAll(ctx, vconUUID, kept)
}

// RemoveAll deletes the tags attachment entirely.
func (m *Manager) RemoveAll(ctx context.Context, vconUUID string) error {
	if err := m.store.RemoveTagsAttachment(ctx, vconUUID); err != nil {
		return err
	}
	return m.store.RefreshTagsView(ctx)
}

func (m *Manager) writeAll(ctx context.Context, vconUUID string, kv map[string]string) error {
	entries := make([][2]string, 0, len(kv))
	for k, v := range kv {
		entries = append(entries, [2]string{k, v})
	}
	body, err := vcon.EncodeTags(entries)
	if err != nil {
		return err
	}
	if err := m.store.SetTagsAttachment(ctx, vconUUID, body); err != nil {
		return err
	}
	return m.store.RefreshTagsView(ctx)
}

// SearchByTags returns vCon uuids whose tags are a superset of want,
// scoped to tenantID when set ("" = all tenants, used when RLS disabled).
func (m *Manager) SearchByTags(ctx context.Context, tenantID string, want map[string]string, limit int) ([]string, error) {
	if len(want) == 0 {
		return nil, vconerr.Validation("tags", "at least one tag must be given to search by")
	}
	return m.store.SearchByTagsExact(ctx, tenantID, want, limit)
}

// UniqueKeys returns every distinct tag key currently in use.
func (m *Manager) UniqueKeys(ctx context.Context, tenantID string) ([]string, error) {
	return m.store.UniqueTagKeys(ctx, tenantID)
}
