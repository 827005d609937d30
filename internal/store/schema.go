package store

import (
	"context"
	"fmt"

	"github.com/Harshitk-cp/strata/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ivfflat list counts per tier: core gets the finest index, background the
// coarsest. The metric type (cosine) is consistent across the deployment.
var tierIndexLists = map[domain.Tier]int{
	domain.TierCore:       200,
	domain.TierActive:     100,
	domain.TierBackground: 50,
}

// EnsureSchema creates the per-tier collections and their vector indexes if
// they do not exist yet.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool, dimension int) error {
	if _, err := db.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	for _, tier := range domain.AllTiers() {
		table := tableFor(tier)
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY,
				owner_id UUID NOT NULL,
				content BYTEA NOT NULL,
				content_compressed BOOLEAN NOT NULL DEFAULT FALSE,
				original_size INTEGER NOT NULL DEFAULT 0,
				compressed_size INTEGER NOT NULL DEFAULT 0,
				embedding vector(%d) NOT NULL,
				importance REAL NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				last_accessed_at TIMESTAMPTZ NOT NULL,
				access_count INTEGER NOT NULL DEFAULT 0,
				metadata JSONB NOT NULL DEFAULT '{}'::jsonb
			)`, table, dimension)
		if _, err := db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}

		idx := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s
			 USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)`,
			table, table, tierIndexLists[tier])
		if _, err := db.Exec(ctx, idx); err != nil {
			return fmt.Errorf("create index on %s: %w", table, err)
		}

		ownerIdx := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_owner_idx ON %s (owner_id)`,
			table, table)
		if _, err := db.Exec(ctx, ownerIdx); err != nil {
			return fmt.Errorf("create owner index on %s: %w", table, err)
		}
	}
	return nil
}

func tableFor(tier domain.Tier) string {
	// Tier is a closed enum; the table name is never caller-supplied.
	return "memory_" + string(tier)
}
