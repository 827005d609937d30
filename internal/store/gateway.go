package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Harshitk-cp/strata/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// VectorGateway is the pgvector-backed implementation of
// domain.VectorGateway, one table per tier.
type VectorGateway struct {
	db     *pgxpool.Pool
	probes map[domain.Tier]int
}

func NewVectorGateway(db *pgxpool.Pool, policies map[domain.Tier]domain.TierPolicy) *VectorGateway {
	probes := make(map[domain.Tier]int, len(policies))
	for tier, pol := range policies {
		probes[tier] = pol.SearchProbes
	}
	return &VectorGateway{db: db, probes: probes}
}

const recordColumns = `id, owner_id, content, content_compressed, original_size, compressed_size,
	importance, created_at, last_accessed_at, access_count, metadata, embedding`

func (g *VectorGateway) Insert(ctx context.Context, tier domain.Tier, rec *domain.Record) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	vec := pgvector.NewVector(rec.Embedding)
	_, err = g.db.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			content_compressed = EXCLUDED.content_compressed,
			original_size = EXCLUDED.original_size,
			compressed_size = EXCLUDED.compressed_size,
			importance = EXCLUDED.importance,
			last_accessed_at = EXCLUDED.last_accessed_at,
			access_count = EXCLUDED.access_count,
			metadata = EXCLUDED.metadata`,
		tableFor(tier), recordColumns),
		rec.ID, rec.OwnerID, rec.Payload.Data, rec.Payload.Compressed,
		rec.Payload.OriginalSize, rec.Payload.CompressedSize,
		rec.Importance, rec.CreatedAt, rec.LastAccessedAt, rec.AccessCount,
		metadata, vec,
	)
	return classify(err)
}

func (g *VectorGateway) DeleteByID(ctx context.Context, tier domain.Tier, id uuid.UUID) (bool, error) {
	tag, err := g.db.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, tableFor(tier)), id)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (g *VectorGateway) GetByID(ctx context.Context, tier domain.Tier, id uuid.UUID) (*domain.Record, error) {
	row := g.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = $1`, recordColumns, tableFor(tier)), id)

	rec, err := scanRecord(row, tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	return rec, nil
}

func (g *VectorGateway) ListByTier(ctx context.Context, tier domain.Tier, limit int) ([]domain.Record, error) {
	rows, err := g.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s ORDER BY created_at ASC LIMIT $1`,
		recordColumns, tableFor(tier)), limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return collectRecords(rows, tier)
}

func (g *VectorGateway) ListStale(ctx context.Context, tier domain.Tier, cutoff time.Time, limit int) ([]domain.Record, error) {
	rows, err := g.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE last_accessed_at < $1 ORDER BY last_accessed_at ASC LIMIT $2`,
		recordColumns, tableFor(tier)), cutoff, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return collectRecords(rows, tier)
}

func (g *VectorGateway) SearchByVector(ctx context.Context, tier domain.Tier, query []float32, k int, ownerID uuid.UUID) ([]domain.Record, error) {
	if k <= 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(query)

	// Probes are a per-transaction setting; core searches at the highest
	// quality, background at the lowest.
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if probes := g.probes[tier]; probes > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL ivfflat.probes = %d`, probes)); err != nil {
			return nil, classify(err)
		}
	}

	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT %s, 1 - (embedding <=> $1) AS score
		 FROM %s
		 WHERE owner_id = $2
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		recordColumns, tableFor(tier)),
		vec, ownerID, k)
	if err != nil {
		return nil, classify(err)
	}

	var results []domain.Record
	for rows.Next() {
		rec, err := scanScoredRecord(rows, tier)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		results = append(results, *rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}
	return results, nil
}

func (g *VectorGateway) UpdateAccess(ctx context.Context, tier domain.Tier, id uuid.UUID, at time.Time) error {
	tag, err := g.db.Exec(ctx, fmt.Sprintf(
		`UPDATE %s
		 SET access_count = access_count + 1,
		     last_accessed_at = GREATEST(last_accessed_at, $2)
		 WHERE id = $1`, tableFor(tier)),
		id, at)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *VectorGateway) Stats(ctx context.Context, tier domain.Tier) (domain.TierStats, error) {
	var stats domain.TierStats
	err := g.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*), COALESCE(AVG(importance), 0) FROM %s`, tableFor(tier)),
	).Scan(&stats.Count, &stats.AverageImportance)
	if err != nil {
		return domain.TierStats{}, classify(err)
	}
	return stats, nil
}

func (g *VectorGateway) Compact(ctx context.Context, tier domain.Tier) error {
	// Best effort; VACUUM cannot run inside a transaction block, Exec on
	// the pool sends it as a single statement.
	_, err := g.db.Exec(ctx, fmt.Sprintf(`VACUUM ANALYZE %s`, tableFor(tier)))
	return classify(err)
}

// Backup snapshots the tier table into a _backup twin, replacing the
// previous snapshot.
func (g *VectorGateway) Backup(ctx context.Context, tier domain.Tier) error {
	table := tableFor(tier)
	if _, err := g.db.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s_backup`, table)); err != nil {
		return classify(err)
	}
	_, err := g.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE %s_backup AS TABLE %s`, table, table))
	return classify(err)
}

func (g *VectorGateway) VerifyIntegrity(ctx context.Context) error {
	for _, tier := range domain.AllTiers() {
		var count int
		if err := g.db.QueryRow(ctx, fmt.Sprintf(
			`SELECT COUNT(*) FROM %s`, tableFor(tier))).Scan(&count); err != nil {
			return fmt.Errorf("verify %s: %w", tableFor(tier), classify(err))
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, tier domain.Tier) (*domain.Record, error) {
	rec := &domain.Record{}
	var metadata []byte
	var embedding pgvector.Vector
	err := row.Scan(
		&rec.ID, &rec.OwnerID, &rec.Payload.Data, &rec.Payload.Compressed,
		&rec.Payload.OriginalSize, &rec.Payload.CompressedSize,
		&rec.Importance, &rec.CreatedAt, &rec.LastAccessedAt, &rec.AccessCount,
		&metadata, &embedding,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	rec.Embedding = embedding.Slice()
	rec.Tier = tier
	return rec, nil
}

func scanScoredRecord(row rowScanner, tier domain.Tier) (*domain.Record, error) {
	rec := &domain.Record{}
	var metadata []byte
	var embedding pgvector.Vector
	err := row.Scan(
		&rec.ID, &rec.OwnerID, &rec.Payload.Data, &rec.Payload.Compressed,
		&rec.Payload.OriginalSize, &rec.Payload.CompressedSize,
		&rec.Importance, &rec.CreatedAt, &rec.LastAccessedAt, &rec.AccessCount,
		&metadata, &embedding, &rec.Score,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	rec.Embedding = embedding.Slice()
	rec.Tier = tier
	return rec, nil
}

func collectRecords(rows pgx.Rows, tier domain.Tier) ([]domain.Record, error) {
	var records []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows, tier)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return records, nil
}
