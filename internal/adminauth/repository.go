package adminauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/openfleet/controlplane/internal/postgres"
)

const selectColumns = `id, email, password_hash, mfa_enabled, mfa_secret, recovery_hashes, created_at`

func scanAdminUser(row pgx.Row) (*AdminUser, error) {
	var u AdminUser
	var mfaSecret *string
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.MFAEnabled, &mfaSecret, &u.RecoveryHashes, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan admin user: %w", err)
	}
	if mfaSecret != nil {
		u.MFASecret = *mfaSecret
	}
	return &u, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed admin user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func (r *PGRepository) Create(ctx context.Context, email, passwordHash string) (*AdminUser, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO admin_users (email, password_hash)
		 VALUES ($1, $2)
		 RETURNING `+selectColumns,
		email, passwordHash,
	)
	u, err := scanAdminUser(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrEmailAlreadyTaken
		}
		return nil, err
	}
	return u, nil
}

func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*AdminUser, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM admin_users WHERE email = $1`, email)
	u, err := scanAdminUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*AdminUser, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM admin_users WHERE id = $1`, id)
	u, err := scanAdminUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *PGRepository) SetMFASecret(ctx context.Context, id uuid.UUID, encryptedSecret string, recoveryHashes []string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE admin_users SET mfa_secret = $1, recovery_hashes = $2 WHERE id = $3`,
		encryptedSecret, recoveryHashes, id,
	)
	if err != nil {
		return fmt.Errorf("set MFA secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) EnableMFA(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE admin_users SET mfa_enabled = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("enable MFA: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) DisableMFA(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE admin_users SET mfa_enabled = false, mfa_secret = NULL, recovery_hashes = '{}' WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("disable MFA: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ConsumeRecoveryCode(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE admin_users SET recovery_hashes = array_remove(recovery_hashes, $1) WHERE id = $2`,
		hash, id,
	)
	if err != nil {
		return fmt.Errorf("consume recovery code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
