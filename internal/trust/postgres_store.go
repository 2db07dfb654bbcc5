package trust

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists records in trust_scores and the audit trail in
// trust_entries.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, entityID string) (*Record, error) {
	const q = `
		SELECT entity_id, score, classification, flagged, version, created_at, updated_at
		FROM trust_scores
		WHERE entity_id = $1`

	rec := &Record{}
	var class string
	err := p.db.QueryRowContext(ctx, q, entityID).Scan(
		&rec.EntityID, &rec.Score, &class, &rec.Flagged, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Classification = Classification(class)
	return rec, nil
}

func (p *PostgresStore) Create(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO trust_scores (entity_id, score, classification, flagged, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		ON CONFLICT (entity_id) DO NOTHING`

	_, err := p.db.ExecContext(ctx, q,
		rec.EntityID, rec.Score, string(rec.Classification), rec.Flagged, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (p *PostgresStore) Commit(ctx context.Context, rec Record, expectedVersion int64, entries []Entry) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE trust_scores
		SET score = $2, classification = $3, flagged = $4, version = $5, updated_at = $6
		WHERE entity_id = $1 AND version = $7`,
		rec.EntityID, rec.Score, string(rec.Classification), rec.Flagged, rec.Version, rec.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trust_entries
			(id, entity_id, event_type, delta, previous_score, new_score, source, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING seq`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i := range entries {
		e := &entries[i]
		if err := stmt.QueryRowContext(ctx, e.ID, e.EntityID, string(e.Event), e.Delta,
			e.Previous, e.New, string(e.Source), e.Reference, e.At).Scan(&e.Seq); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) CountSince(ctx context.Context, entityID string, event EventType, source Source, since time.Time) (int, error) {
	const q = `
		SELECT COUNT(*)
		FROM trust_entries
		WHERE entity_id = $1 AND event_type = $2 AND source = $3 AND created_at > $4`

	var n int
	err := p.db.QueryRowContext(ctx, q, entityID, string(event), string(source), since).Scan(&n)
	return n, err
}

func (p *PostgresStore) History(ctx context.Context, entityID string, beforeSeq int64, limit int) ([]Entry, error) {
	const q = `
		SELECT seq, id, entity_id, event_type, delta, previous_score, new_score, source, reference, created_at
		FROM trust_entries
		WHERE entity_id = $1 AND ($2 = 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3`

	rows, err := p.db.QueryContext(ctx, q, entityID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) Entries(ctx context.Context, entityID string) ([]Entry, error) {
	const q = `
		SELECT seq, id, entity_id, event_type, delta, previous_score, new_score, source, reference, created_at
		FROM trust_entries
		WHERE entity_id = $1
		ORDER BY seq ASC`

	rows, err := p.db.QueryContext(ctx, q, entityID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e             Entry
			event, source string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.EntityID, &event, &e.Delta,
			&e.Previous, &e.New, &source, &e.Reference, &e.At); err != nil {
			return nil, err
		}
		e.Event = EventType(event)
		e.Source = Source(source)
		out = append(out, e)
	}
	return out, rows.Err()
}
