// Package search implements the Search Engine (C4): keyword, semantic,
// hybrid, and tag search modes over a common filter bundle and response
// shaping, per spec.md §4.4.
package search

import (
	"context"
	"sort"

	"github.com/rakunlabs/vcon-mcp/internal/store/postgres"
	"github.com/rakunlabs/vcon-mcp/internal/tags"
	"github.com/rakunlabs/vcon-mcp/internal/vcon"
	"github.com/rakunlabs/vcon-mcp/internal/vconerr"
)

// Mode selects which search algorithm Run uses.
type Mode string

const (
	ModeKeyword  Mode = "keyword"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
	ModeTag      Mode = "tag"
)

// ResponseFormat controls how much of each matched vCon is returned:
// "full" attaches the hydrated vCon to each Result; "metadata" and
// "ids_only" both return only the uuid and scores.
type ResponseFormat string

const (
	FormatFull       ResponseFormat = "full"
	FormatMetadata   ResponseFormat = "metadata"
	FormatIDsOnly    ResponseFormat = "ids_only"
	DefaultHybridWeight          = 0.6
)

// Getter is what search needs from the store: hydration for "full"
// responses. internal/store/postgres.Postgres satisfies it directly.
type Getter interface {
	Get(ctx context.Context, uuid string) (*vcon.VCon, error)
}

// Embedder turns a query string into a vector for semantic/hybrid search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([384]float32, string, error)
}

// Backend is the subset of *postgres.Postgres search needs.
type Backend interface {
	KeywordSearch(ctx context.Context, query string, filter postgres.Filter) ([]postgres.KeywordHit, error)
	SemanticSearch(ctx context.Context, queryVector [384]float32, threshold float64, filter postgres.Filter) ([]postgres.SemanticHit, error)
}

// Request bundles every input shared by all four search modes.
type Request struct {
	Mode           Mode
	Query          string            // keyword/hybrid text query
	Tags           map[string]string // tag mode, or additional AND filter for other modes
	TenantID       string
	StartDate      string
	EndDate        string
	Limit          int
	Threshold      float64 // semantic/hybrid similarity floor, 0 = default
	Weight         float64 // hybrid semantic weight, 0 = default 0.6
	ResponseFormat ResponseFormat
}

// Result is one matched vCon, shaped per ResponseFormat.
type Result struct {
	VConUUID      string
	CombinedScore float64
	SemanticScore float64
	KeywordScore  float64
	VCon          *vcon.VCon // set only when ResponseFormat == full
}

// Engine implements spec.md §4.4's four search modes.
type Engine struct {
	backend  Backend
	tags     *tags.Manager
	store    Getter
	embedder Embedder
}

func New(backend Backend, tagManager *tags.Manager, store Getter, embedder Embedder) *Engine {
	return &Engine{backend: backend, tags: tagManager, store: store, embedder: embedder}
}

// Run dispatches to the requested search mode and shapes the response.
func (e *Engine) Run(ctx context.Context, req Request) ([]Result, error) {
	if req.Limit <= 0 || req.Limit > 500 {
		req.Limit = 50
	}

	var results []Result
	var err error

	switch req.Mode {
	case ModeKeyword:
		results, err = e.runKeyword(ctx, req)
	case ModeSemantic:
		results, err = e.runSemantic(ctx, req)
	case ModeHybrid:
		results, err = e.runHybrid(ctx, req)
	case ModeTag:
		results, err = e.runTag(ctx, req)
	default:
		return nil, vconerr.Validation("mode", "must be one of keyword, semantic, hybrid, tag")
	}
	if err != nil {
		return nil, err
	}

	return e.shape(ctx, results, req.ResponseFormat)
}

func (e *Engine) filter(req Request) postgres.Filter {
	return postgres.Filter{
		TenantID:  req.TenantID,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Tags:      req.Tags,
		Limit:     req.Limit,
	}
}

func (e *Engine) runKeyword(ctx context.Context, req Request) ([]Result, error) {
	if req.Query == "" {
		return nil, vconerr.Validation("query", "must not be empty for keyword search")
	}
	hits, err := e.backend.KeywordSearch(ctx, req.Query, e.filter(req))
	if err != nil {
		return nil, err
	}
	return keywordResults(hits), nil
}

func keywordResults(hits []postgres.KeywordHit) []Result {
	best := map[string]float64{}
	for _, h := range hits {
		if h.Rank > best[h.VConUUID] {
			best[h.VConUUID] = h.Rank
		}
	}
	out := make([]Result, 0, len(best))
	for uuid, rank := range best {
		out = append(out, Result{VConUUID: uuid, KeywordScore: rank, CombinedScore: rank})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CombinedScore > out[j].CombinedScore })
	return out
}

func (e *Engine) runSemantic(ctx context.Context, req Request) ([]Result, error) {
	if req.Query == "" {
		return nil, vconerr.Validation("query", "must not be empty for semantic search")
	}
	if e.embedder == nil {
		return nil, vconerr.Validation("query", "semantic search requires an embedder to be configured")
	}
	vec, _, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, vconerr.Storage(err, true)
	}

	hits, err := e.backend.SemanticSearch(ctx, vec, req.Threshold, e.filter(req))
	if err != nil {
		return nil, err
	}
	return semanticResults(hits), nil
}

func semanticResults(hits []postgres.SemanticHit) []Result {
	best := map[string]float64{}
	for _, h := range hits {
		if h.Similarity > best[h.VConUUID] {
			best[h.VConUUID] = h.Similarity
		}
	}
	out := make([]Result, 0, len(best))
	for uuid, sim := range best {
		out = append(out, Result{VConUUID: uuid, SemanticScore: sim, CombinedScore: sim})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CombinedScore > out[j].CombinedScore })
	return out
}

// runHybrid implements spec.md §4.4.3: combined = w*sem + (1-w)*kw, each of
// sem/kw first normalized to [0,1] by dividing by the max value present in
// their respective result set, and gracefully degrading to the other input
// when one side is empty.
func (e *Engine) runHybrid(ctx context.Context, req Request) ([]Result, error) {
	if req.Query == "" {
		return nil, vconerr.Validation("query", "must not be empty for hybrid search")
	}

	weight := req.Weight
	if weight <= 0 || weight > 1 {
		weight = DefaultHybridWeight
	}

	kwHits, err := e.backend.KeywordSearch(ctx, req.Query, e.filter(req))
	if err != nil {
		return nil, err
	}
	kwScores := maxByUUID(kwHits)

	var semScores map[string]float64
	if e.embedder != nil {
		vec, _, embedErr := e.embedder.Embed(ctx, req.Query)
		if embedErr == nil {
			semHits, semErr := e.backend.SemanticSearch(ctx, vec, req.Threshold, e.filter(req))
			if semErr == nil {
				semScores = maxSemByUUID(semHits)
			}
		}
	}

	kwNorm := normalize(kwScores)
	semNorm := normalize(semScores)

	uuids := map[string]struct{}{}
	for u := range kwNorm {
		uuids[u] = struct{}{}
	}
	for u := range semNorm {
		uuids[u] = struct{}{}
	}

	out := make([]Result, 0, len(uuids))
	for u := range uuids {
		kw, hasKw := kwNorm[u]
		sem, hasSem := semNorm[u]

		var combined float64
		switch {
		case hasKw && hasSem:
			combined = weight*sem + (1-weight)*kw
		case hasSem:
			combined = sem
		case hasKw:
			combined = kw
		}

		out = append(out, Result{
			VConUUID:      u,
			KeywordScore:  kw,
			SemanticScore: sem,
			CombinedScore: combined,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CombinedScore != out[j].CombinedScore {
			return out[i].CombinedScore > out[j].CombinedScore
		}
		return out[i].VConUUID < out[j].VConUUID
	})

	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func maxByUUID(hits []postgres.KeywordHit) map[string]float64 {
	best := map[string]float64{}
	for _, h := range hits {
		if h.Rank > best[h.VConUUID] {
			best[h.VConUUID] = h.Rank
		}
	}
	return best
}

func maxSemByUUID(hits []postgres.SemanticHit) map[string]float64 {
	best := map[string]float64{}
	for _, h := range hits {
		if h.Similarity > best[h.VConUUID] {
			best[h.VConUUID] = h.Similarity
		}
	}
	return best
}

// normalize divides every value by the max value present, giving [0,1].
// An empty/all-zero input returns an empty map so the caller's
// has-this-side check correctly reports "no signal" rather than a
// spurious 0.
func normalize(scores map[string]float64) map[string]float64 {
	if len(scores) == 0 {
		return map[string]float64{}
	}
	var max float64
	for _, v := range scores {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		return map[string]float64{}
	}
	out := make(map[string]float64, len(scores))
	for k, v := range scores {
		out[k] = v / max
	}
	return out
}

func (e *Engine) runTag(ctx context.Context, req Request) ([]Result, error) {
	uuids, err := e.tags.SearchByTags(ctx, req.TenantID, req.Tags, req.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(uuids))
	for i, u := range uuids {
		out[i] = Result{VConUUID: u, CombinedScore: 1}
	}
	return out, nil
}

// shape returns results unchanged except that, for "full", it hydrates
// each result via the store.
func (e *Engine) shape(ctx context.Context, results []Result, format ResponseFormat) ([]Result, error) {
	if format != FormatFull {
		return results, nil
	}
	for i := range results {
		vc, err := e.store.Get(ctx, results[i].VConUUID)
		if err != nil {
			return nil, err
		}
		results[i].VCon = vc
	}
	return results, nil
}
