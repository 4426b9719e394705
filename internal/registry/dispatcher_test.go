package registry

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rakunlabs/vcon-mcp/internal/config"
	"github.com/rakunlabs/vcon-mcp/internal/hooks"
	"github.com/rakunlabs/vcon-mcp/internal/search"
	"github.com/rakunlabs/vcon-mcp/internal/store"
	"github.com/rakunlabs/vcon-mcp/internal/tags"
	"github.com/rakunlabs/vcon-mcp/internal/tenant"
	"github.com/rakunlabs/vcon-mcp/internal/vcon"
)

type fakeStorer struct {
	vcons map[string]*vcon.VCon
}

func newFakeStorer() *fakeStorer { return &fakeStorer{vcons: map[string]*vcon.VCon{}} }

func (f *fakeStorer) Create(ctx context.Context, vc *vcon.VCon, tenantID string) (*vcon.VCon, error) {
	f.vcons[vc.UUID] = vc
	return vc, nil
}

func (f *fakeStorer) CreateBatch(ctx context.Context, vcs []*vcon.VCon, tenantID string) ([]store.BatchResult, error) {
	return nil, nil
}

func (f *fakeStorer) CreateBatchAtomic(ctx context.Context, vcs []*vcon.VCon, tenantID string) ([]*vcon.VCon, error) {
	return nil, nil
}

func (f *fakeStorer) Get(ctx context.Context, uuid string) (*vcon.VCon, error) {
	vc, ok := f.vcons[uuid]
	if !ok {
		return nil, vconNotFound(uuid)
	}
	return vc, nil
}

func (f *fakeStorer) Update(ctx context.Context, vc *vcon.VCon) (*vcon.VCon, error) {
	f.vcons[vc.UUID] = vc
	return vc, nil
}

func (f *fakeStorer) Delete(ctx context.Context, uuid string) error {
	delete(f.vcons, uuid)
	return nil
}

func (f *fakeStorer) List(ctx context.Context, filter store.ListFilter) ([]*vcon.VCon, error) {
	out := make([]*vcon.VCon, 0, len(f.vcons))
	for _, vc := range f.vcons {
		out = append(out, vc)
	}
	return out, nil
}

func (f *fakeStorer) RefreshTagsView(ctx context.Context) error { return nil }

// DB and ScopeTx satisfy store.Storer's tenant-scoping additions; this fake
// never runs with tenant scoping enabled (newTestDispatcher uses a disabled
// Resolver), so DB is never dereferenced.
func (f *fakeStorer) DB() *sql.DB { return nil }

func (f *fakeStorer) ScopeTx(ctx context.Context, tx *sql.Tx) context.Context { return ctx }

func vconNotFound(uuid string) error {
	return &notFoundErr{uuid: uuid}
}

type notFoundErr struct{ uuid string }

func (e *notFoundErr) Error() string { return "vcon not found: " + e.uuid }

func newTestDispatcher() (*Dispatcher, *fakeStorer) {
	fs := newFakeStorer()
	d := New(fs, nil, tags.New(nil), tenant.New(config.Tenant{}), hooks.New())
	return d, fs
}

func TestDispatcher_CreateThenGet(t *testing.T) {
	d, _ := newTestDispatcher()
	vc := &vcon.VCon{UUID: "11111111-1111-1111-1111-111111111111", Subject: "hello"}

	created, err := d.CreateVCon(context.Background(), vc, RequestContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Subject != "hello" {
		t.Fatalf("expected subject preserved, got %q", created.Subject)
	}

	got, err := d.GetVCon(context.Background(), vc.UUID, RequestContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UUID != vc.UUID {
		t.Fatalf("expected %q, got %q", vc.UUID, got.UUID)
	}
}

func TestDispatcher_BeforeReadCanDenyAccess(t *testing.T) {
	d, fs := newTestDispatcher()
	vc := &vcon.VCon{UUID: "22222222-2222-2222-2222-222222222222"}
	fs.vcons[vc.UUID] = vc

	_ = d.hooks.Register(context.Background(), &hooks.Plugin{
		Name: "denylist",
		BeforeRead: func(ctx context.Context, uuid string, rc RequestContext) error {
			return errDenied
		},
	})

	if _, err := d.GetVCon(context.Background(), vc.UUID, RequestContext{}); err == nil {
		t.Fatal("expected BeforeRead denial to propagate")
	}
}

func TestDispatcher_DeleteVCon(t *testing.T) {
	d, fs := newTestDispatcher()
	vc := &vcon.VCon{UUID: "33333333-3333-3333-3333-333333333333"}
	fs.vcons[vc.UUID] = vc

	if err := d.DeleteVCon(context.Background(), vc.UUID, RequestContext{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := fs.vcons[vc.UUID]; ok {
		t.Fatal("expected vcon to be deleted from store")
	}
}

func TestDispatcher_AppendDialog_StampsDenseIndex(t *testing.T) {
	d, fs := newTestDispatcher()
	vc := &vcon.VCon{UUID: "44444444-4444-4444-4444-444444444444"}
	fs.vcons[vc.UUID] = vc

	updated, err := d.AppendDialog(context.Background(), vc.UUID, vcon.Dialog{Type: "recording"}, RequestContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(updated.Dialog) != 1 || updated.Dialog[0].Index != 0 {
		t.Fatalf("expected one dialog at index 0, got %+v", updated.Dialog)
	}
}

func TestDispatcher_ManageTag_RejectsUnknownAction(t *testing.T) {
	d, _ := newTestDispatcher()
	if _, err := d.ManageTag(context.Background(), "some-uuid", TagAction("bogus"), "k", "v", true); err == nil {
		t.Fatal("expected unknown action to be rejected")
	}
}

func TestDispatcher_GetDatabaseShape_ListsCoreEntities(t *testing.T) {
	d, _ := newTestDispatcher()
	shape := d.GetDatabaseShape(context.Background())
	if len(shape.Entities) == 0 || len(shape.Tables) == 0 {
		t.Fatal("expected non-empty entity/table lists")
	}
}

func TestDispatcher_Search_FiltersViaAfterSearchHook(t *testing.T) {
	d, _ := newTestDispatcher()
	d.search = search.New(nil, tags.New(&fakeTagStore{uuids: []string{"a", "b"}}), nil, nil)

	_ = d.hooks.Register(context.Background(), &hooks.Plugin{
		Name: "blocklist",
		AfterSearch: func(ctx context.Context, results []string, rc RequestContext) []string {
			return []string{}
		},
	})

	results, err := d.Search(context.Background(), search.Request{Mode: search.ModeTag, Tags: map[string]string{"env": "prod"}}, RequestContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected AfterSearch to filter out all results, got %+v", results)
	}
}

type fakeTagStore struct {
	uuids []string
}

func (f *fakeTagStore) GetTagsAttachment(ctx context.Context, vconUUID string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeTagStore) SetTagsAttachment(ctx context.Context, vconUUID, body string) error {
	return nil
}
func (f *fakeTagStore) RemoveTagsAttachment(ctx context.Context, vconUUID string) error { return nil }
func (f *fakeTagStore) SearchByTagsExact(ctx context.Context, tenantID string, want map[string]string, limit int) ([]string, error) {
	return f.uuids, nil
}
func (f *fakeTagStore) UniqueTagKeys(ctx context.Context, tenantID string) ([]string, error) {
	return nil, nil
}
func (f *fakeTagStore) RefreshTagsView(ctx context.Context) error { return nil }

var errDenied = &notFoundErr{uuid: "denied"}
