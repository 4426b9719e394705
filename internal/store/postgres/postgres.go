// Package postgres implements the Store (C2) and Search (C4) components
// over PostgreSQL, using pg_trgm/tsvector for keyword search, pgvector for
// semantic search, and a materialized view for tag lookups.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/vcon-mcp/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 5
	MaxOpenConns    = 10

	DefaultTablePrefix = "vcon_"
)

// Postgres implements internal/store.Storer.
type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableVCons        exp.IdentifierExpression
	tableParties      exp.IdentifierExpression
	tableDialogs      exp.IdentifierExpression
	tablePartyHistory exp.IdentifierExpression
	tableAnalyses     exp.IdentifierExpression
	tableAttachments  exp.IdentifierExpression
	tableGroups       exp.IdentifierExpression
	tableEmbeddings   exp.IdentifierExpression
	tableTasks        exp.IdentifierExpression
	viewTags          exp.IdentifierExpression
	tagsViewName      string

	// Plain table names, for the few raw-SQL statements (multi-CTE
	// keyword/semantic search, REFRESH MATERIALIZED VIEW) that goqu's
	// builder doesn't cover.
	nameVCons       string
	nameParties     string
	nameDialogs     string
	nameAnalyses    string
	nameEmbeddings  string
}

func New(ctx context.Context, cfg *config.StorePostgres) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// /////////////////////////////////////////////
	// Run migrations.
	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}
	// /////////////////////////////////////////////

	// Set schema search path if configured.
	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()

			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	logi.Ctx(ctx).Info("connected to vcon store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                db,
		goqu:              dbGoqu,
		tableVCons:        goqu.T(tablePrefix + "vcons"),
		tableParties:      goqu.T(tablePrefix + "parties"),
		tableDialogs:      goqu.T(tablePrefix + "dialogs"),
		tablePartyHistory: goqu.T(tablePrefix + "dialog_party_history"),
		tableAnalyses:     goqu.T(tablePrefix + "analyses"),
		tableAttachments:  goqu.T(tablePrefix + "attachments"),
		tableGroups:       goqu.T(tablePrefix + "groups"),
		tableEmbeddings:   goqu.T(tablePrefix + "vcon_embeddings"),
		tableTasks:        goqu.T(tablePrefix + "embedding_tasks"),
		viewTags:          goqu.T(tablePrefix + "tags_view"),
		tagsViewName:      tablePrefix + "tags_view",
		nameVCons:         tablePrefix + "vcons",
		nameParties:       tablePrefix + "parties",
		nameDialogs:       tablePrefix + "dialogs",
		nameAnalyses:      tablePrefix + "analyses",
		nameEmbeddings:    tablePrefix + "vcon_embeddings",
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			logi.Ctx(context.Background()).Error("close vcon store postgres connection", "error", err)
		}
	}
}

// DB exposes the underlying *sql.DB for the tenant resolver, which needs to
// issue SET LOCAL app.current_tenant on the same connection/transaction a
// write or read runs on.
func (p *Postgres) DB() *sql.DB { return p.db }

// txKey stashes a tenant-scoped *sql.Tx into a context so every Storer call
// made inside tenant.Resolver.WithTenant's callback reuses the same
// connection its SET LOCAL app.current_tenant ran on, instead of each
// borrowing an unscoped connection from the pool.
type txKey struct{}

// ScopeTx returns a context subsequent Get/Update/Delete/Create/List/search
// calls recognize and run on, so RLS policies see the tenant tx set up.
func (p *Postgres) ScopeTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// querierFrom returns the tx stashed in ctx by ScopeTx, or p.db otherwise.
func (p *Postgres) querierFrom(ctx context.Context) queryer {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return p.db
}
