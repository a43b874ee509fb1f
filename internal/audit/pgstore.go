package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"corpportal.org/internal/auth"
)

const pgUniqueViolation = "23505"

// PGStore appends security events to the security_events table.
type PGStore struct {
	db *sql.DB
}

var _ auth.AuditSink = (*PGStore)(nil)

// NewPGStore wraps db.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Record inserts ev. Replaying an event with a known id is a no-op.
func (s *PGStore) Record(ctx context.Context, ev auth.SecurityEvent) error {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into security_events(id, kind, subject_id, subject, origin_address, origin_agent, occurred_at, detail)
		values ($1, $2, nullif($3, ''), nullif($4, ''), nullif($5, ''), nullif($6, ''), $7, $8)
	`, ev.ID, string(ev.Kind), ev.SubjectID, ev.Subject, ev.Origin.Address, ev.Origin.Agent, ev.Timestamp, detail)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil
		}
		return err
	}
	return nil
}

// Recent returns the newest events first, optionally for one subject.
func (s *PGStore) Recent(ctx context.Context, subjectID string, limit int) ([]auth.SecurityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, kind, coalesce(subject_id, ''), coalesce(subject, ''),
		       coalesce(origin_address, ''), coalesce(origin_agent, ''), occurred_at, detail
		from security_events
		where ($1 = '' or subject_id = $1)
		order by occurred_at desc
		limit $2
	`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.SecurityEvent
	for rows.Next() {
		var (
			ev     auth.SecurityEvent
			kind   string
			at     time.Time
			detail []byte
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.SubjectID, &ev.Subject, &ev.Origin.Address, &ev.Origin.Agent, &at, &detail); err != nil {
			return nil, err
		}
		ev.Kind = auth.EventKind(kind)
		ev.Timestamp = at.UTC()
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, fmt.Errorf("decode detail for %s: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
