package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-converse/internal/facts"
)

// Facts returns the structured facts stored for a session.
func (s *Store) Facts(ctx context.Context, sessionID string) (facts.Record, bool, error) {
	return loadFacts(ctx, s.db, s.rebind, sessionID)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadFacts(ctx context.Context, q rowQueryer, rebind func(string) string, sessionID string) (facts.Record, bool, error) {
	var (
		devs     sql.NullInt64
		duration sql.NullString
		cost     sql.NullString
		services sql.NullString
	)
	err := q.QueryRowContext(ctx,
		rebind(`SELECT num_developers, time_estimate, cost_estimate, services FROM facts WHERE session_id = ?`),
		sessionID).Scan(&devs, &duration, &cost, &services)
	if errors.Is(err, sql.ErrNoRows) {
		return facts.Record{}, false, nil
	}
	if err != nil {
		return facts.Record{}, false, fmt.Errorf("load facts: %w", err)
	}
	var rec facts.Record
	if devs.Valid {
		n := int(devs.Int64)
		rec.NumDevelopers = &n
	}
	if duration.Valid {
		rec.TimeEstimate = &duration.String
	}
	if cost.Valid {
		rec.CostEstimate = &cost.String
	}
	if services.Valid {
		rec.Services = &services.String
	}
	return rec, true, nil
}

// UpsertFacts writes extracted facts for a session using policy. An empty
// extraction writes nothing.
func (s *Store) UpsertFacts(ctx context.Context, sessionID string, extracted facts.Record, policy facts.Policy) (rec facts.Record, err error) {
	if extracted.Empty() {
		stored, _, err := s.Facts(ctx, sessionID)
		return stored, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return facts.Record{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stored, _, err := loadFacts(ctx, tx, s.rebind, sessionID)
	if err != nil {
		return facts.Record{}, err
	}
	rec = policy.Apply(stored, extracted)

	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO facts(session_id, num_developers, time_estimate, cost_estimate, services, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   num_developers = excluded.num_developers,
		   time_estimate = excluded.time_estimate,
		   cost_estimate = excluded.cost_estimate,
		   services = excluded.services,
		   updated_at = excluded.updated_at`),
		sessionID, nullInt(rec.NumDevelopers), nullString(rec.TimeEstimate), nullString(rec.CostEstimate),
		nullString(rec.Services), s.clock().UTC().UnixNano())
	if err != nil {
		return facts.Record{}, fmt.Errorf("upsert facts: %w", err)
	}
	err = tx.Commit()
	return rec, err
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
