package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the shared archive store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the decisions table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS decisions (
			proposal_id TEXT PRIMARY KEY,
			type TEXT NOT NULL DEFAULT '',
			creator TEXT NOT NULL DEFAULT '',
			algorithm TEXT NOT NULL,
			consensus BOOLEAN NOT NULL,
			outcome BOOLEAN NOT NULL,
			ratio DOUBLE PRECISION NOT NULL,
			participation_rate DOUBLE PRECISION NOT NULL,
			trigger_kind TEXT NOT NULL,
			eligible_count INTEGER NOT NULL,
			vote_count INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			finalized_at TIMESTAMPTZ NOT NULL,
			content_hash TEXT NOT NULL,
			document JSONB NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("archive: migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	query := `
		INSERT INTO decisions (proposal_id, type, creator, algorithm, consensus, outcome, ratio, participation_rate, trigger_kind, eligible_count, vote_count, created_at, finalized_at, content_hash, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (proposal_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ProposalID, r.Type, r.Creator, r.Algorithm, r.Consensus, r.Outcome, r.Ratio, r.ParticipationRate, r.Trigger,
		r.EligibleCount, r.VoteCount, r.CreatedAt, r.FinalizedAt, r.ContentHash, string(r.Document))
	if err != nil {
		return fmt.Errorf("failed to archive decision: %w", err)
	}
	return nil
}

const postgresColumns = "proposal_id, type, creator, algorithm, consensus, outcome, ratio, participation_rate, trigger_kind, eligible_count, vote_count, created_at, finalized_at, content_hash, document"

func (s *PostgresStore) Get(ctx context.Context, proposalID string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+postgresColumns+" FROM decisions WHERE proposal_id = $1",
		proposalID)
	r, err := scanPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, proposalID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get decision: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+postgresColumns+" FROM decisions ORDER BY finalized_at DESC, proposal_id LIMIT $1",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM decisions WHERE finalized_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune decisions: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanPostgres(row scanner) (Record, error) {
	var (
		r        Record
		document []byte
	)
	err := row.Scan(&r.ProposalID, &r.Type, &r.Creator, &r.Algorithm, &r.Consensus, &r.Outcome, &r.Ratio, &r.ParticipationRate,
		&r.Trigger, &r.EligibleCount, &r.VoteCount, &r.CreatedAt, &r.FinalizedAt, &r.ContentHash, &document)
	if err != nil {
		return Record{}, err
	}
	r.Document = document
	return r, nil
}
