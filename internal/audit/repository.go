package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = "id, actor_id, action, target_type, target_id, metadata, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed audit log repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Record appends a new audit entry.
func (r *PGRepository) Record(ctx context.Context, params RecordParams) error {
	metadata := params.Metadata
	if metadata == nil {
		metadata = []byte("{}")
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_log (actor_id, action, target_type, target_id, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		params.ActorID, params.Action, params.TargetType, params.TargetID, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter, most recent first.
func (r *PGRepository) List(ctx context.Context, filter Filter, beforeID int64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = DefaultLimit
	}

	query := "SELECT " + selectColumns + " FROM audit_log WHERE ($1 = 0 OR id < $1)" +
		" AND ($2 = '' OR target_type = $2) AND ($3 = '' OR target_id = $3)" +
		" ORDER BY id DESC LIMIT $4"

	rows, err := r.db.Query(ctx, query, beforeID, filter.TargetType, filter.TargetID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &e.Metadata, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	return &e, nil
}
