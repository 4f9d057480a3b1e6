package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of [pgxpool.Pool] the Postgres store needs. Narrowed so
// tests can run against a fake without a live database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ddlCampaignKnowledge is idempotent and safe to run on every start.
const ddlCampaignKnowledge = `
CREATE TABLE IF NOT EXISTS campaign_knowledge (
    campaign_id  TEXT         PRIMARY KEY,
    data         JSONB        NOT NULL DEFAULT '{}',
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate ensures the campaign knowledge table exists.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, ddlCampaignKnowledge); err != nil {
		return fmt.Errorf("knowledge: migrate: %w", err)
	}
	return nil
}

// PostgresStore keeps one JSONB row per campaign.
type PostgresStore struct {
	db DB
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("knowledge: db must not be nil")
	}
	return &PostgresStore{db: db}, nil
}

// Load implements [Store].
func (s *PostgresStore) Load(ctx context.Context, campaignID string) (Knowledge, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT data FROM campaign_knowledge WHERE campaign_id = $1`,
		campaignID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Knowledge{}, nil
	}
	if err != nil {
		return Knowledge{}, fmt.Errorf("knowledge: load campaign %q: %w", campaignID, err)
	}
	var k Knowledge
	if err := json.Unmarshal(data, &k); err != nil {
		return Knowledge{}, fmt.Errorf("knowledge: parse campaign %q: %w", campaignID, err)
	}
	return k, nil
}

// Save implements [Store] with an upsert.
func (s *PostgresStore) Save(ctx context.Context, campaignID string, k Knowledge) error {
	data, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("knowledge: marshal campaign %q: %w", campaignID, err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO campaign_knowledge (campaign_id, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (campaign_id)
DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		campaignID, data,
	)
	if err != nil {
		return fmt.Errorf("knowledge: save campaign %q: %w", campaignID, err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
