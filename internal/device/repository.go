package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `id, display_name, model, platform, policy_id, compliance, enrolled_at, last_seen,
	agent_version, os, arch, hostname`

// PGRepository is the Postgres-backed Repository implementation.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository returns a Repository backed by pool.
func NewPGRepository(db *pgxpool.Pool, log zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: log.With().Str("component", "device.repository").Logger()}
}

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(
		&d.ID, &d.DisplayName, &d.Model, &d.Platform, &d.PolicyID, &d.Compliance, &d.EnrolledAt, &d.LastSeen,
		&d.AgentVersion, &d.OS, &d.Arch, &d.Hostname,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan device: %w", err)
	}
	return &d, nil
}

func (r *PGRepository) Create(ctx context.Context, d *Device) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO devices (id, display_name, model, platform, compliance, enrolled_at, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 RETURNING `+selectColumns,
		d.ID, d.DisplayName, d.Model, d.Platform, CompliancePending, d.EnrolledAt,
	)
	created, err := scanDevice(row)
	if err != nil {
		return err
	}
	*d = *created
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (*Device, error) {
	return scanDevice(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM devices WHERE id = $1`, id))
}

func (r *PGRepository) List(ctx context.Context) ([]*Device, error) {
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM devices ORDER BY enrolled_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PGRepository) Touch(ctx context.Context, id string, now time.Time, upd *HeartbeatUpdate) error {
	var err error
	if upd != nil {
		_, err = r.db.Exec(ctx,
			`UPDATE devices SET last_seen = $2, agent_version = $3, os = $4, arch = $5, hostname = $6 WHERE id = $1`,
			id, now, upd.AgentVersion, upd.OS, upd.Arch, upd.Hostname,
		)
	} else {
		_, err = r.db.Exec(ctx, `UPDATE devices SET last_seen = $2 WHERE id = $1`, id, now)
	}
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// MarkOffline is a no-op: online status is always computed from last_seen,
// never persisted, per the data model's invariant.
func (r *PGRepository) MarkOffline(ctx context.Context, id string) error {
	return nil
}

func (r *PGRepository) UpdateDisplayName(ctx context.Context, id, name string) error {
	tag, err := r.db.Exec(ctx, `UPDATE devices SET display_name = $2 WHERE id = $1`, id, name)
	if err != nil {
		return fmt.Errorf("update device display name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) AssignPolicy(ctx context.Context, id string, policyID *uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE devices SET policy_id = $2 WHERE id = $1`, id, policyID)
	if err != nil {
		return fmt.Errorf("assign device policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
