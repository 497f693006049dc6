package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/openfleet/controlplane/internal/postgres"
)

const selectColumns = `id, device_id, type, payload, status, error, created_at, delivered_at, completed_at`

// PGRepository is the Postgres-backed Repository implementation.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository returns a Repository backed by pool.
func NewPGRepository(db *pgxpool.Pool, log zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: log.With().Str("component", "command.repository").Logger()}
}

func scanCommand(row pgx.Row) (*Command, error) {
	var c Command
	err := row.Scan(&c.ID, &c.DeviceID, &c.Type, &c.Payload, &c.Status, &c.Error, &c.CreatedAt, &c.DeliveredAt, &c.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan command: %w", err)
	}
	return &c, nil
}

func (r *PGRepository) Queue(ctx context.Context, deviceID string, typ Type, payload json.RawMessage) (*Command, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO device_commands (id, device_id, type, payload, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+selectColumns,
		uuid.New(), deviceID, typ, payload, StatusPending, time.Now().UTC(),
	)
	return scanCommand(row)
}

// PollPending runs inside a single transaction: it selects every pending row
// for the device, then advances each to delivered, so a concurrent poll
// cannot observe the same command twice.
func (r *PGRepository) PollPending(ctx context.Context, deviceID string, now time.Time) ([]*Command, error) {
	var out []*Command

	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+selectColumns+` FROM device_commands WHERE device_id = $1 AND status = $2 ORDER BY created_at FOR UPDATE`,
			deviceID, StatusPending,
		)
		if err != nil {
			return fmt.Errorf("select pending commands: %w", err)
		}

		var ids []uuid.UUID
		for rows.Next() {
			c, err := scanCommand(rows)
			if err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, c.ID)
			out = append(out, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE device_commands SET status = $1, delivered_at = $2 WHERE id = ANY($3)`,
			StatusDelivered, now, ids,
		); err != nil {
			return fmt.Errorf("mark commands delivered: %w", err)
		}

		for _, c := range out {
			c.Status = StatusDelivered
			c.DeliveredAt = &now
		}
		return nil
	})

	return out, err
}

// Acknowledge performs a single status-guarded UPDATE ... RETURNING; on zero
// rows affected it issues a diagnostic follow-up read to decide whether the
// command is unknown or simply already terminal, returning a no-op result in
// the latter case per the queue's idempotent-ack contract.
func (r *PGRepository) Acknowledge(ctx context.Context, id uuid.UUID, status Status, errMsg *string, now time.Time) (*AckResult, error) {
	allowed := validPredecessors[status]
	if allowed == nil {
		return nil, ErrInvalidStatus
	}

	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	row := r.db.QueryRow(ctx,
		`UPDATE device_commands
		 SET status = $2, error = $3, completed_at = $4
		 WHERE id = $1 AND status IN (`+predecessorPlaceholders(allowed)+`)
		 RETURNING `+selectColumns,
		id, status, errMsg, completedAt,
	)
	cmd, err := scanCommand(row)
	if err == nil {
		return &AckResult{Command: cmd}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	existing, diagErr := scanCommand(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM device_commands WHERE id = $1`, id))
	if diagErr != nil {
		if errors.Is(diagErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, diagErr
	}
	if existing.Status.IsTerminal() {
		return &AckResult{Command: existing, NoOp: true}, nil
	}
	return nil, ErrInvalidStatus
}

// predecessorPlaceholders renders the allowed predecessor set as a static SQL
// IN-list; callers control the map contents (package-level constants), so
// this is not subject to injection from request input.
func predecessorPlaceholders(allowed map[Status]bool) string {
	out := ""
	for s := range allowed {
		if out != "" {
			out += ", "
		}
		out += "'" + string(s) + "'"
	}
	return out
}

func (r *PGRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM device_commands WHERE id = $1 AND status = $2`, id, StatusPending)
	if err != nil {
		return fmt.Errorf("cancel command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

func (r *PGRepository) History(ctx context.Context, deviceID string, filter HistoryFilter, paging Paging) ([]*Command, error) {
	limit := paging.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + selectColumns + ` FROM device_commands WHERE device_id = $1`
	args := []any{deviceID}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", len(args)+1)
		args = append(args, *filter.Status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, paging.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("command history: %w", err)
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (*Command, error) {
	return scanCommand(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM device_commands WHERE id = $1`, id))
}
