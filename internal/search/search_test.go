package search

import (
	"context"
	"testing"

	"github.com/rakunlabs/vcon-mcp/internal/store/postgres"
	"github.com/rakunlabs/vcon-mcp/internal/vcon"
)

type fakeBackend struct {
	keywordHits  []postgres.KeywordHit
	semanticHits []postgres.SemanticHit
}

func (f *fakeBackend) KeywordSearch(ctx context.Context, query string, filter postgres.Filter) ([]postgres.KeywordHit, error) {
	return f.keywordHits, nil
}

func (f *fakeBackend) SemanticSearch(ctx context.Context, vec [384]float32, threshold float64, filter postgres.Filter) ([]postgres.SemanticHit, error) {
	return f.semanticHits, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([384]float32, string, error) {
	return [384]float32{}, "stub", nil
}

type fakeGetter struct {
	vcons map[string]*vcon.VCon
}

func (f *fakeGetter) Get(ctx context.Context, uuid string) (*vcon.VCon, error) {
	return f.vcons[uuid], nil
}

func TestEngine_Keyword_TakesMaxRankPerVCon(t *testing.T) {
	backend := &fakeBackend{keywordHits: []postgres.KeywordHit{
		{VConUUID: "a", Rank: 0.2},
		{VConUUID: "a", Rank: 0.8},
		{VConUUID: "b", Rank: 0.5},
	}}
	e := New(backend, nil, nil, nil)

	results, err := e.Run(context.Background(), Request{Mode: ModeKeyword, Query: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 || results[0].VConUUID != "a" || results[0].CombinedScore != 0.8 {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestEngine_Keyword_RejectsEmptyQuery(t *testing.T) {
	e := New(&fakeBackend{}, nil, nil, nil)
	if _, err := e.Run(context.Background(), Request{Mode: ModeKeyword}); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestEngine_Hybrid_CombinesWithDefaultWeight(t *testing.T) {
	backend := &fakeBackend{
		keywordHits:  []postgres.KeywordHit{{VConUUID: "a", Rank: 1.0}},
		semanticHits: []postgres.SemanticHit{{VConUUID: "a", Similarity: 1.0}},
	}
	e := New(backend, nil, nil, fakeEmbedder{})

	results, err := e.Run(context.Background(), Request{Mode: ModeHybrid, Query: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if got := results[0].CombinedScore; got < 0.999 || got > 1.001 {
		t.Fatalf("expected combined score ~1.0 when both sides max out, got %v", got)
	}
}

func TestEngine_Hybrid_DegradesToKeywordWhenNoEmbedder(t *testing.T) {
	backend := &fakeBackend{keywordHits: []postgres.KeywordHit{{VConUUID: "a", Rank: 0.4}}}
	e := New(backend, nil, nil, nil)

	results, err := e.Run(context.Background(), Request{Mode: ModeHybrid, Query: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].CombinedScore != 1 {
		t.Fatalf("expected keyword-only normalized score of 1, got %+v", results)
	}
}

func TestEngine_Hybrid_UsesCustomWeight(t *testing.T) {
	backend := &fakeBackend{
		keywordHits:  []postgres.KeywordHit{{VConUUID: "a", Rank: 1.0}},
		semanticHits: []postgres.SemanticHit{{VConUUID: "a", Similarity: 0.0}, {VConUUID: "a", Similarity: 1.0}},
	}
	e := New(backend, nil, nil, fakeEmbedder{})

	results, err := e.Run(context.Background(), Request{Mode: ModeHybrid, Query: "hello", Weight: 1.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := results[0].CombinedScore; got < 0.999 {
		t.Fatalf("expected weight=1.0 to use semantic score only, got %v", got)
	}
}

func TestEngine_Shape_FullHydratesFromStore(t *testing.T) {
	vc := &vcon.VCon{UUID: "a", Subject: "hi"}
	getter := &fakeGetter{vcons: map[string]*vcon.VCon{"a": vc}}
	e := New(&fakeBackend{keywordHits: []postgres.KeywordHit{{VConUUID: "a", Rank: 1}}}, nil, getter, nil)

	results, err := e.Run(context.Background(), Request{Mode: ModeKeyword, Query: "hi", ResponseFormat: FormatFull})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].VCon == nil || results[0].VCon.Subject != "hi" {
		t.Fatalf("expected hydrated vcon, got %+v", results[0])
	}
}

func TestEngine_RejectsUnknownMode(t *testing.T) {
	e := New(&fakeBackend{}, nil, nil, nil)
	if _, err := e.Run(context.Background(), Request{Mode: "bogus"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
