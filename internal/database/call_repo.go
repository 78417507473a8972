package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/observer/teacall/internal/domain"
)

// CallRecord is one finished call in the history table.
type CallRecord struct {
	SessionID       string     `json:"session_id"`
	RoomID          string     `json:"room_id"`
	Role            string     `json:"role"`
	LocalID         string     `json:"local_id"`
	RemoteID        string     `json:"remote_id"`
	RemoteName      string     `json:"remote_name"`
	FinalState      string     `json:"final_state"`
	EndReason       string     `json:"end_reason,omitempty"`
	FailureKind     *string    `json:"failure_kind,omitempty"`
	FailureCode     *string    `json:"failure_code,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	PacketsReceived uint64     `json:"packets_received"`
	BytesReceived   uint64     `json:"bytes_received"`
}

// recordFromSummary flattens a finished session into a history row.
func recordFromSummary(s domain.CallSummary) CallRecord {
	cs := s.Session
	rec := CallRecord{
		SessionID:       cs.ID,
		RoomID:          cs.RoomID,
		Role:            string(cs.Role),
		LocalID:         cs.Local.ID,
		RemoteID:        cs.Remote.ID,
		RemoteName:      cs.Remote.DisplayName,
		FinalState:      cs.State.String(),
		EndReason:       string(cs.EndReason),
		StartedAt:       cs.StartedAt,
		ConnectedAt:     cs.ConnectedAt,
		EndedAt:         cs.EndedAt,
		PacketsReceived: s.Stats.PacketsReceived,
		BytesReceived:   s.Stats.BytesReceived,
	}
	if cs.EndedAt != nil {
		rec.DurationSeconds = int(cs.Duration(*cs.EndedAt) / time.Second)
	}
	if f := cs.Failure; f != nil {
		kind, code := string(f.Kind), f.Code
		rec.FailureKind = &kind
		rec.FailureCode = &code
	}
	return rec
}

// CallRepository handles call history operations
type CallRepository struct {
	db *DB
}

// NewCallRepository creates a new CallRepository
func NewCallRepository(db *DB) *CallRepository {
	return &CallRepository{db: db}
}

// Archive stores a finished call. Archiving the same session twice keeps
// the first row.
func (r *CallRepository) Archive(ctx context.Context, summary domain.CallSummary) error {
	rec := recordFromSummary(summary)
	transitions, err := json.Marshal(summary.Transitions)
	if err != nil {
		return fmt.Errorf("encode transitions: %w", err)
	}

	query := `
		INSERT INTO call_history (
			session_id, room_id, role, local_id, remote_id, remote_name,
			final_state, end_reason, failure_kind, failure_code,
			started_at, connected_at, ended_at, duration_seconds,
			packets_received, bytes_received, transitions
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (session_id) DO NOTHING
	`

	_, err = r.db.Pool.Exec(ctx, query,
		rec.SessionID, rec.RoomID, rec.Role, rec.LocalID, rec.RemoteID, rec.RemoteName,
		rec.FinalState, rec.EndReason, rec.FailureKind, rec.FailureCode,
		rec.StartedAt, rec.ConnectedAt, rec.EndedAt, rec.DurationSeconds,
		int64(rec.PacketsReceived), int64(rec.BytesReceived), transitions,
	)
	if err != nil {
		return fmt.Errorf("insert call history: %w", err)
	}
	return nil
}

const selectRecord = `
	SELECT session_id::text, room_id, role, local_id, remote_id, remote_name,
	       final_state, end_reason, failure_kind, failure_code,
	       started_at, connected_at, ended_at, duration_seconds,
	       packets_received, bytes_received
	FROM call_history
`

func scanRecord(row pgx.Row) (CallRecord, error) {
	var rec CallRecord
	var packets, bytes int64
	err := row.Scan(
		&rec.SessionID, &rec.RoomID, &rec.Role, &rec.LocalID, &rec.RemoteID, &rec.RemoteName,
		&rec.FinalState, &rec.EndReason, &rec.FailureKind, &rec.FailureCode,
		&rec.StartedAt, &rec.ConnectedAt, &rec.EndedAt, &rec.DurationSeconds,
		&packets, &bytes,
	)
	rec.PacketsReceived, rec.BytesReceived = uint64(packets), uint64(bytes)
	return rec, err
}

// GetCall retrieves one call by session ID
func (r *CallRepository) GetCall(ctx context.Context, sessionID string) (*CallRecord, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ErrNotFound
	}
	rec, err := scanRecord(r.db.Pool.QueryRow(ctx, selectRecord+` WHERE session_id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListRecent returns the newest calls first, optionally only those with
// remoteID.
func (r *CallRepository) ListRecent(ctx context.Context, remoteID string, limit, offset int) ([]CallRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := selectRecord + `
		WHERE ($1::text = '' OR remote_id = $1::text)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, remoteID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	calls := []CallRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, rec)
	}
	return calls, rows.Err()
}
