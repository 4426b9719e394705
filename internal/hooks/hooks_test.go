package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/rakunlabs/vcon-mcp/internal/vcon"
	"github.com/rakunlabs/vcon-mcp/internal/vconerr"
)

func TestManager_BeforeCreate_ChainsMutation(t *testing.T) {
	m := New()
	_ = m.Register(context.Background(), &Plugin{
		Name: "prefix-subject",
		BeforeCreate: func(ctx context.Context, vc *vcon.VCon, rc RequestContext) (*vcon.VCon, error) {
			vc.Subject = "PREFIXED: " + vc.Subject
			return vc, nil
		},
	})

	got, err := m.BeforeCreate(context.Background(), &vcon.VCon{Subject: "hello"}, RequestContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Subject != "PREFIXED: hello" {
		t.Fatalf("expected mutated subject, got %q", got.Subject)
	}
}

func TestManager_BeforeCreate_AbortsOnError(t *testing.T) {
	m := New()
	_ = m.Register(context.Background(), &Plugin{
		Name: "rejector",
		BeforeCreate: func(ctx context.Context, vc *vcon.VCon, rc RequestContext) (*vcon.VCon, error) {
			return nil, errors.New("denied")
		},
	})

	if _, err := m.BeforeCreate(context.Background(), &vcon.VCon{}, RequestContext{}); err == nil {
		t.Fatal("expected BeforeCreate to propagate plugin error")
	}
}

func TestManager_AfterCreate_PanicIsolatedPerPlugin(t *testing.T) {
	m := New()
	called := false
	_ = m.Register(context.Background(), &Plugin{
		Name: "panics",
		AfterCreate: func(ctx context.Context, vc *vcon.VCon, rc RequestContext) {
			panic("boom")
		},
	})
	_ = m.Register(context.Background(), &Plugin{
		Name: "observes",
		AfterCreate: func(ctx context.Context, vc *vcon.VCon, rc RequestContext) {
			called = true
		},
	})

	m.AfterCreate(context.Background(), &vcon.VCon{}, RequestContext{})

	if !called {
		t.Fatal("expected second plugin's AfterCreate to still run after the first panicked")
	}
}

func TestManager_AfterRead_LastMutationWins(t *testing.T) {
	m := New()
	_ = m.Register(context.Background(), &Plugin{
		Name: "redactor",
		AfterRead: func(ctx context.Context, vc *vcon.VCon, rc RequestContext) *vcon.VCon {
			vc.Subject = "[redacted]"
			return vc
		},
	})

	got := m.AfterRead(context.Background(), &vcon.VCon{Subject: "secret"}, RequestContext{})
	if got.Subject != "[redacted]" {
		t.Fatalf("expected redacted subject, got %q", got.Subject)
	}
}

func TestManager_BeforeSearch_InjectsCriteria(t *testing.T) {
	m := New()
	_ = m.Register(context.Background(), &Plugin{
		Name: "tenant-scoper",
		BeforeSearch: func(ctx context.Context, criteria map[string]any, rc RequestContext) (map[string]any, error) {
			criteria["tenant_id"] = "acme-corp"
			return criteria, nil
		},
	})

	got, err := m.BeforeSearch(context.Background(), map[string]any{"query": "hi"}, RequestContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["tenant_id"] != "acme-corp" {
		t.Fatalf("expected injected tenant_id, got %v", got["tenant_id"])
	}
}

func TestManager_AfterSearch_FiltersResults(t *testing.T) {
	m := New()
	_ = m.Register(context.Background(), &Plugin{
		Name: "blocklist",
		AfterSearch: func(ctx context.Context, results []string, rc RequestContext) []string {
			out := make([]string, 0, len(results))
			for _, r := range results {
				if r != "blocked-uuid" {
					out = append(out, r)
				}
			}
			return out
		},
	})

	got := m.AfterSearch(context.Background(), []string{"a", "blocked-uuid", "b"}, RequestContext{})
	if len(got) != 2 {
		t.Fatalf("expected 2 results after filtering, got %d: %v", len(got), got)
	}
}

func TestManager_Tools_FlattensContributions(t *testing.T) {
	m := New()
	_ = m.Register(context.Background(), &Plugin{
		Name:  "extra-tools",
		Tools: []ToolContribution{{Name: "custom_tool"}},
	})

	tools := m.Tools()
	if len(tools) != 1 || tools[0].Name != "custom_tool" {
		t.Fatalf("expected one contributed tool, got %+v", tools)
	}
}

func TestManager_Register_InitializeFailureIsWrapped(t *testing.T) {
	m := New()
	err := m.Register(context.Background(), &Plugin{
		Name: "broken",
		Initialize: func(ctx context.Context) error {
			return errors.New("init failed")
		},
	})
	if err == nil {
		t.Fatal("expected Register to propagate Initialize error")
	}
	if !vconerr.IsKind(err, vconerr.KindHook) {
		t.Fatalf("expected Initialize error wrapped as a hook error, got %v", err)
	}
}
