package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded archive store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the schema if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{`
	CREATE TABLE IF NOT EXISTS decisions (
		proposal_id TEXT PRIMARY KEY,
		type TEXT NOT NULL DEFAULT '',
		creator TEXT NOT NULL DEFAULT '',
		algorithm TEXT NOT NULL,
		consensus INTEGER NOT NULL,
		outcome INTEGER NOT NULL,
		ratio REAL NOT NULL,
		participation_rate REAL NOT NULL,
		trigger_kind TEXT NOT NULL,
		eligible_count INTEGER NOT NULL,
		vote_count INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		finalized_at TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		document TEXT NOT NULL
	);`,
		`CREATE INDEX IF NOT EXISTS decisions_finalized_at ON decisions (finalized_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("archive: migrate sqlite: %w", err)
		}
	}
	return nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, r Record) error {
	query := `INSERT INTO decisions (
		proposal_id, type, creator, algorithm, consensus, outcome, ratio, participation_rate, trigger_kind, eligible_count, vote_count, created_at, finalized_at, content_hash, document
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (proposal_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		r.ProposalID, r.Type, r.Creator, r.Algorithm, r.Consensus, r.Outcome, r.Ratio, r.ParticipationRate, r.Trigger,
		r.EligibleCount, r.VoteCount, formatTime(r.CreatedAt), formatTime(r.FinalizedAt), r.ContentHash, string(r.Document),
	)
	if err != nil {
		return fmt.Errorf("archive: insert decision: %w", err)
	}
	return nil
}

const sqliteColumns = `proposal_id, type, creator, algorithm, consensus, outcome, ratio, participation_rate, trigger_kind, eligible_count, vote_count, created_at, finalized_at, content_hash, document`

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, proposalID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM decisions WHERE proposal_id = ?`, proposalID)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, proposalID)
	}
	return r, err
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM decisions ORDER BY finalized_at DESC, proposal_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE finalized_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("archive: prune decisions: %w", err)
	}
	return res.RowsAffected()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (Record, error) {
	var (
		r           Record
		createdAt   string
		finalizedAt string
		document    string
	)
	err := row.Scan(&r.ProposalID, &r.Type, &r.Creator, &r.Algorithm, &r.Consensus, &r.Outcome, &r.Ratio, &r.ParticipationRate,
		&r.Trigger, &r.EligibleCount, &r.VoteCount, &createdAt, &finalizedAt, &r.ContentHash, &document)
	if err != nil {
		return Record{}, err
	}
	r.CreatedAt = parseTime(createdAt)
	r.FinalizedAt = parseTime(finalizedAt)
	r.Document = []byte(document)
	return r, nil
}

// Fixed-width UTC timestamps sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
