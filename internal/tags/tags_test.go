package tags

import (
	"context"
	"testing"
)

type fakeStore struct {
	body        string
	hasBody     bool
	refreshes   int
	searchWant  map[string]string
	searchUUIDs []string
}

func (f *fakeStore) GetTagsAttachment(ctx context.Context, vconUUID string) (string, bool, error) {
	return f.body, f.hasBody, nil
}

func (f *fakeStore) SetTagsAttachment(ctx context.Context, vconUUID, body string) error {
	f.body = body
	f.hasBody = true
	return nil
}

func (f *fakeStore) RemoveTagsAttachment(ctx context.Context, vconUUID string) error {
	f.body = ""
	f.hasBody = false
	return nil
}

func (f *fakeStore) SearchByTagsExact(ctx context.Context, tenantID string, want map[string]string, limit int) ([]string, error) {
	f.searchWant = want
	return f.searchUUIDs, nil
}

func (f *fakeStore) UniqueTagKeys(ctx context.Context, tenantID string) ([]string, error) {
	return []string{"priority", "region"}, nil
}

func (f *fakeStore) RefreshTagsView(ctx context.Context) error {
	f.refreshes++
	return nil
}

func TestManager_SetThenGetAll(t *testing.T) {
	fs := &fakeStore{}
	m := New(fs)

	if _, err := m.Set(context.Background(), "uuid-1", "priority", "high", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.refreshes != 1 {
		t.Fatalf("expected 1 view refresh, got %d", fs.refreshes)
	}

	entries, err := m.GetAll(context.Background(), "uuid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0][0] != "priority" || entries[0][1] != "high" {
		t.Fatalf("unexpected entries: %v", entries)
	}
}

func TestManager_SetRejectsExistingKeyWithoutOverwrite(t *testing.T) {
	fs := &fakeStore{body: `["priority:high"]`, hasBody: true}
	m := New(fs)

	if _, err := m.Set(context.Background(), "uuid-1", "priority", "low", false); err == nil {
		t.Fatal("expected ConflictError when overwrite=false and key exists")
	}
}

func TestManager_SetOverwritesExistingKey(t *testing.T) {
	fs := &fakeStore{body: `["priority:high"]`, hasBody: true}
	m := New(fs)

	tagsOut, err := m.Set(context.Background(), "uuid-1", "priority", "low", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tagsOut["priority"] != "low" {
		t.Fatalf("expected priority=low after overwrite, got %q", tagsOut["priority"])
	}
}

func TestManager_UpdateMerge(t *testing.T) {
	fs := &fakeStore{body: `["priority:high"]`, hasBody: true}
	m := New(fs)

	result, err := m.Update(context.Background(), "uuid-1", map[string]string{"region": "us-east"}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["priority"] != "high" || result["region"] != "us-east" {
		t.Fatalf("expected merge to keep priority and add region, got %v", result)
	}
}

func TestManager_UpdateReplace(t *testing.T) {
	fs := &fakeStore{body: `["priority:high","region:us-east"]`, hasBody: true}
	m := New(fs)

	result, err := m.Update(context.Background(), "uuid-1", map[string]string{"region": "eu-west"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := result["priority"]; ok {
		t.Fatalf("expected replace to drop priority, got %v", result)
	}
	if result["region"] != "eu-west" {
		t.Fatalf("expected region=eu-west, got %q", result["region"])
	}
}

func TestManager_RemoveKeepsOtherKeys(t *testing.T) {
	fs := &fakeStore{body: `["priority:high","region:us-east"]`, hasBody: true}
	m := New(fs)

	if err := m.Remove(context.Background(), "uuid-1", []string{"priority"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, ok, _ := m.Get(context.Background(), "uuid-1", "priority")
	if ok {
		t.Fatal("expected priority to be removed")
	}
	_, ok, _ = m.Get(context.Background(), "uuid-1", "region")
	if !ok {
		t.Fatal("expected region to survive")
	}
}

func TestManager_RemoveAllDeletesAttachment(t *testing.T) {
	fs := &fakeStore{body: `["priority:high"]`, hasBody: true}
	m := New(fs)

	if err := m.RemoveAll(context.Background(), "uuid-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.hasBody {
		t.Fatal("expected tags attachment to be gone")
	}
}

func TestManager_SearchByTagsRejectsEmptyFilter(t *testing.T) {
	fs := &fakeStore{}
	m := New(fs)

	if _, err := m.SearchByTags(context.Background(), "", nil, 10); err == nil {
		t.Fatal("expected error for empty tag filter")
	}
}

func TestManager_GetAllOnMissingAttachmentIsEmptyNotError(t *testing.T) {
	fs := &fakeStore{}
	m := New(fs)

	entries, err := m.GetAll(context.Background(), "uuid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %v", entries)
	}
}
