// Package archive keeps an append-only record of finalized decisions. Active
// proposals are never persisted; the archive only sees what the engine
// publishes on proposal-finalized.
package archive

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/helm-quorum/pkg/consensus"
)

// ErrRecordNotFound is returned by Get for an unknown proposal id.
var ErrRecordNotFound = errors.New("archive: record not found")

// Record is the archived form of one finalized proposal.
type Record struct {
	ProposalID        string    `json:"proposal_id"`
	Type              string    `json:"type"`
	Creator           string    `json:"creator"`
	Algorithm         string    `json:"algorithm"`
	Consensus         bool      `json:"consensus"`
	Outcome           bool      `json:"outcome"`
	Ratio             float64   `json:"ratio"`
	ParticipationRate float64   `json:"participation_rate"`
	Trigger           string    `json:"trigger"`
	EligibleCount     int       `json:"eligible_count"`
	VoteCount         int       `json:"vote_count"`
	CreatedAt         time.Time `json:"created_at"`
	FinalizedAt       time.Time `json:"finalized_at"`
	// ContentHash is the SHA-256 of Document.
	ContentHash string `json:"content_hash"`
	// Document is the RFC 8785 canonical JSON of the finalized proposal.
	Document json.RawMessage `json:"document"`
}

// NewRecord builds a record from a finalized proposal snapshot.
func NewRecord(p consensus.Proposal) (Record, error) {
	if p.Status != consensus.StatusFinalized || p.Result == nil {
		return Record{}, fmt.Errorf("archive: proposal %s is not finalized", p.ID)
	}
	doc, err := Canonical(p)
	if err != nil {
		return Record{}, err
	}
	sum := sha256.Sum256(doc)
	return Record{
		ProposalID:        p.ID,
		Type:              p.Type,
		Creator:           p.Creator,
		Algorithm:         string(p.Result.Algorithm),
		Consensus:         p.Result.Consensus,
		Outcome:           p.Result.Outcome,
		Ratio:             p.Result.Ratio,
		ParticipationRate: p.Result.ParticipationRate,
		Trigger:           string(p.Result.Trigger),
		EligibleCount:     len(p.EligibleAgents),
		VoteCount:         len(p.Votes),
		CreatedAt:         p.CreatedAt.UTC(),
		FinalizedAt:       p.FinalizedAt.UTC(),
		ContentHash:       hex.EncodeToString(sum[:]),
		Document:          doc,
	}, nil
}

// Canonical returns the RFC 8785 canonical JSON encoding of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("archive: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("archive: canonicalize: %w", err)
	}
	return out, nil
}

// Verify recomputes the content hash of r.Document.
func (r Record) Verify() bool {
	sum := sha256.Sum256(r.Document)
	return hex.EncodeToString(sum[:]) == r.ContentHash
}

// WriteJSON writes records as a JSON array, one line, with each Document
// emitted byte for byte so Verify still holds for the decoded records.
func WriteJSON(w io.Writer, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("archive: encode records: %w", err)
	}
	return nil
}

// Store persists archive records. Save is idempotent per proposal id.
type Store interface {
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, proposalID string) (Record, error)
	// List returns the most recently finalized records first.
	List(ctx context.Context, limit int) ([]Record, error)
	// Prune deletes records finalized before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Open connects to the store named by dsn. postgres:// and postgresql://
// select PostgreSQL; anything else is a SQLite path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if dsn == "" {
		return nil, errors.New("archive: empty dsn")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("archive: open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("archive: ping postgres: %w", err)
		}
		s := NewPostgresStore(db)
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open sqlite: %w", err)
	}
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
