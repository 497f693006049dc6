package enrollment

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/openfleet/controlplane/internal/postgres"
)

const (
	codeLength     = 8
	codeAlphabet   = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz" // omits 0 O 1 I
	maxCodeRetries = 3
)

const selectColumns = `id, code, max_uses, used_count, status, expires_at, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository returns a Repository backed by pool.
func NewPGRepository(db *pgxpool.Pool, log zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: log.With().Str("component", "enrollment.repository").Logger()}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Token, error) {
	if err := ValidateMaxUses(params.MaxUses); err != nil {
		return nil, err
	}
	expiresAt := time.Now().UTC().Add(params.TTL)

	for attempt := range maxCodeRetries {
		code, err := generateCode()
		if err != nil {
			return nil, fmt.Errorf("generate enrollment code: %w", err)
		}

		tok, err := scanToken(r.db.QueryRow(ctx,
			`INSERT INTO enrollment_tokens (id, code, max_uses, used_count, status, expires_at, created_at)
			 VALUES ($1, $2, $3, 0, $4, $5, $5)
			 RETURNING `+selectColumns,
			uuid.NewString(), code, params.MaxUses, StatusActive, expiresAt,
		))
		if err != nil {
			if postgres.IsUniqueViolation(err) && attempt < maxCodeRetries-1 {
				continue
			}
			if postgres.IsUniqueViolation(err) {
				return nil, ErrCodeExhausted
			}
			return nil, fmt.Errorf("insert enrollment token: %w", err)
		}
		return tok, nil
	}

	return nil, ErrCodeExhausted
}

func (r *PGRepository) GetByCode(ctx context.Context, code string) (*Token, error) {
	tok, err := scanToken(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM enrollment_tokens WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query enrollment token by code: %w", err)
	}
	return tok, nil
}

func (r *PGRepository) List(ctx context.Context) ([]Token, error) {
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM enrollment_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list enrollment tokens: %w", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(&t.ID, &t.Code, &t.MaxUses, &t.UsedCount, &t.Status, &t.ExpiresAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan enrollment token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PGRepository) Revoke(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE enrollment_tokens SET status = $2 WHERE id = $1`, id, StatusRevoked)
	if err != nil {
		return fmt.Errorf("revoke enrollment token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Redeem atomically increments used_count, advancing status to "exhausted"
// in the same statement when the new count reaches max_uses.
func (r *PGRepository) Redeem(ctx context.Context, code string, now time.Time) (*Token, error) {
	tok, err := scanToken(r.db.QueryRow(ctx,
		`UPDATE enrollment_tokens
		 SET used_count = used_count + 1,
		     status = CASE WHEN used_count + 1 >= max_uses THEN $3 ELSE status END
		 WHERE code = $1
		   AND status = $4
		   AND expires_at > $2
		   AND used_count < max_uses
		 RETURNING `+selectColumns,
		code, now, StatusExhausted, StatusActive,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.diagnoseRedeemFailure(ctx, code, now)
		}
		return nil, fmt.Errorf("redeem enrollment token: %w", err)
	}
	return tok, nil
}

// diagnoseRedeemFailure determines why an atomic redeem matched zero rows.
func (r *PGRepository) diagnoseRedeemFailure(ctx context.Context, code string, now time.Time) error {
	var (
		status    Status
		expiresAt time.Time
		maxUses   int
		usedCount int
	)
	err := r.db.QueryRow(ctx,
		`SELECT status, expires_at, max_uses, used_count FROM enrollment_tokens WHERE code = $1`, code,
	).Scan(&status, &expiresAt, &maxUses, &usedCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("diagnose enrollment token redeem failure: %w", err)
	}

	if status == StatusRevoked {
		return ErrRevoked
	}
	if !expiresAt.After(now) {
		return ErrExpired
	}
	if usedCount >= maxUses {
		return ErrExhausted
	}
	return ErrNotFound
}

func scanToken(row pgx.Row) (*Token, error) {
	var t Token
	err := row.Scan(&t.ID, &t.Code, &t.MaxUses, &t.UsedCount, &t.Status, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan enrollment token: %w", err)
	}
	return &t, nil
}

func generateCode() (string, error) {
	alphabetLen := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
