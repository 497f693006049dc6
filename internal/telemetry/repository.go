package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Latest when a device has never reported telemetry.
var ErrNotFound = errors.New("telemetry not found")

// PGRepository is the Postgres-backed Repository implementation.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository returns a Repository backed by pool.
func NewPGRepository(db *pgxpool.Pool, log zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: log.With().Str("component", "telemetry.repository").Logger()}
}

func (r *PGRepository) Upsert(ctx context.Context, snap Snapshot) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO device_telemetry (device_id, battery_level, battery_charging, cpu_percent, memory_percent, network_type, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (device_id) DO UPDATE SET
		   battery_level = EXCLUDED.battery_level,
		   battery_charging = EXCLUDED.battery_charging,
		   cpu_percent = EXCLUDED.cpu_percent,
		   memory_percent = EXCLUDED.memory_percent,
		   network_type = EXCLUDED.network_type,
		   updated_at = EXCLUDED.updated_at`,
		snap.DeviceID, snap.BatteryLevel, snap.BatteryCharging, snap.CPUPercent, snap.MemoryPercent, snap.NetworkType, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert telemetry: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO telemetry_history (device_id, battery_level, cpu_percent, memory_percent, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		snap.DeviceID, snap.BatteryLevel, snap.CPUPercent, snap.MemoryPercent, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("append telemetry history: %w", err)
	}
	return nil
}

func (r *PGRepository) Latest(ctx context.Context, deviceID string) (*Snapshot, error) {
	var s Snapshot
	s.DeviceID = deviceID
	err := r.db.QueryRow(ctx,
		`SELECT battery_level, battery_charging, cpu_percent, memory_percent, network_type, updated_at
		 FROM device_telemetry WHERE device_id = $1`,
		deviceID,
	).Scan(&s.BatteryLevel, &s.BatteryCharging, &s.CPUPercent, &s.MemoryPercent, &s.NetworkType, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest telemetry: %w", err)
	}
	return &s, nil
}

func (r *PGRepository) History(ctx context.Context, deviceID string, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT battery_level, cpu_percent, memory_percent, recorded_at
		 FROM telemetry_history WHERE device_id = $1 ORDER BY recorded_at DESC LIMIT $2`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry history: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		s.DeviceID = deviceID
		var recordedAt time.Time
		if err := rows.Scan(&s.BatteryLevel, &s.CPUPercent, &s.MemoryPercent, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan telemetry history: %w", err)
		}
		s.UpdatedAt = recordedAt
		out = append(out, s)
	}
	return out, rows.Err()
}
