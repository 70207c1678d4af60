package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/peerline/peerline/internal/domain/call"
)

// CallRecordRepository persists finished call records.
type CallRecordRepository interface {
	Append(ctx context.Context, rec call.Record) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]call.Record, error)
}

type callRecordRepo struct {
	db *sqlx.DB
}

func NewCallRecordRepo(db *sqlx.DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

func (r *callRecordRepo) Append(ctx context.Context, rec call.Record) error {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	query := `INSERT INTO call_records
		(id, kind, is_conference, initiator_id, participants, started_at, ended_at, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	res, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.Kind,
		rec.IsConference,
		rec.InitiatorID,
		participants,
		rec.StartedAt,
		rec.EndedAt,
		rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("append call record: %w", err)
	}

	if aff, err := res.RowsAffected(); aff == 0 || err != nil {
		return fmt.Errorf("append call record no rows affected: %w", err)
	}

	return nil
}

func (r *callRecordRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]call.Record, error) {
	query := `SELECT id, kind, is_conference, initiator_id, participants, started_at, ended_at, outcome
		FROM call_records
		WHERE initiator_id = $1 OR participants @> $2
		ORDER BY started_at DESC
		LIMIT $3`

	member, err := json.Marshal([]map[string]string{{"id": userID.String()}})
	if err != nil {
		return nil, fmt.Errorf("marshal participant filter: %w", err)
	}

	type row struct {
		call.Record
		RawParticipants []byte `db:"participants"`
	}

	var rows []row
	if err := r.db.SelectContext(ctx, &rows, query, userID, member, limit); err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}

	records := make([]call.Record, 0, len(rows))
	for _, rw := range rows {
		rec := rw.Record
		if err := json.Unmarshal(rw.RawParticipants, &rec.Participants); err != nil {
			return nil, fmt.Errorf("unmarshal participants: %w", err)
		}
		records = append(records, rec)
	}

	return records, nil
}
