package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/vcon-mcp/internal/cache"
	"github.com/rakunlabs/vcon-mcp/internal/config"
	"github.com/rakunlabs/vcon-mcp/internal/embedqueue"
	"github.com/rakunlabs/vcon-mcp/internal/hooks"
	"github.com/rakunlabs/vcon-mcp/internal/mcpserver"
	"github.com/rakunlabs/vcon-mcp/internal/registry"
	"github.com/rakunlabs/vcon-mcp/internal/search"
	"github.com/rakunlabs/vcon-mcp/internal/store"
	"github.com/rakunlabs/vcon-mcp/internal/store/postgres"
	"github.com/rakunlabs/vcon-mcp/internal/tags"
	"github.com/rakunlabs/vcon-mcp/internal/tenant"
)

var (
	name    = "vcon-mcp"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// postgres.New is called directly (rather than through store.New) so
	// tags/search/embedqueue can depend on its postgres-specific accessor
	// methods; store.Storer alone does not expose them.
	storer, err := postgres.New(ctx, &cfg.Store.Postgres)
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer storer.Close()

	var storerClose store.StorerClose = storer
	if cfg.Cache.RedisURL != "" {
		backend, err := cache.NewRedisBackend(cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to cache: %w", err)
		}
		logi.Ctx(ctx).Info("read-through cache enabled", "backend", "redis")
		storerClose = cache.Wrap(storer, backend, time.Duration(cfg.Cache.ExpirySeconds)*time.Second)
	}

	embedder := newEmbedder(ctx, cfg.Embedding)

	worker := embedqueue.NewWorker(storer, embedder,
		embedqueue.WithBatchSize(10),
		embedqueue.WithRetryLimit(cfg.Embedding.RetryLimit),
	)
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			logi.Ctx(ctx).Error("embedding worker stopped", "error", err)
		}
	}()

	tagManager := tags.New(storer)
	searchEngine := search.New(storer, tagManager, storer, embedder)
	tenantResolver := tenant.New(cfg.Tenant)
	hookManager, err := buildHookManager(ctx, cfg.Plugins)
	if err != nil {
		return fmt.Errorf("failed to build plugin chain: %w", err)
	}
	defer hookManager.Shutdown(ctx)

	dispatcher := registry.New(storerClose, searchEngine, tagManager, tenantResolver, hookManager)

	server, err := mcpserver.New(mcpserver.Config{Name: name, Version: version}, dispatcher)
	if err != nil {
		return fmt.Errorf("failed to build MCP server: %w", err)
	}

	return server.Run(ctx)
}

// newEmbedder selects an embedder per Embedding.Vendor. Only the
// deterministic stub is implemented: concrete embedding vendors are an
// external collaborator spec.md §1 explicitly puts out of scope, so
// there is nothing in the retrieval pack (or a real vendor SDK) to wire
// a Go HTTP client against without inventing one.
func newEmbedder(ctx context.Context, cfg config.Embedding) embedqueue.Embedder {
	switch cfg.Vendor {
	case "":
		logi.Ctx(ctx).Info("using stub embedder", "model", cfg.Model)
		return embedqueue.NewStubEmbedder()
	default:
		logi.Ctx(ctx).Warn("unknown embedding vendor configured, falling back to stub", "vendor", cfg.Vendor)
		return embedqueue.NewStubEmbedder()
	}
}

// buildHookManager registers every plugin named (comma-separated) in
// Plugins.Path against internal/hooks.Known.
func buildHookManager(ctx context.Context, cfg config.Plugins) (*hooks.Manager, error) {
	m := hooks.New()
	if cfg.Path == "" {
		return m, nil
	}

	for _, pluginName := range strings.Split(cfg.Path, ",") {
		if pluginName == "" {
			continue
		}
		factory, ok := hooks.Known[pluginName]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q", pluginName)
		}
		if err := m.Register(ctx, factory()); err != nil {
			return nil, fmt.Errorf("register plugin %q: %w", pluginName, err)
		}
		logi.Ctx(ctx).Info("registered plugin", "name", pluginName)
	}
	return m, nil
}
