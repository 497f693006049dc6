package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGStore is the Postgres-backed Store implementation.
type PGStore struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGStore returns a Store backed by pool.
func NewPGStore(db *pgxpool.Pool, log zerolog.Logger) *PGStore {
	return &PGStore{db: db, log: log.With().Str("component", "session.store").Logger()}
}

func (s *PGStore) Create(ctx context.Context, deviceID string) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO sessions (token, device_id, created_at) VALUES ($1, $2, $3)`,
		token, deviceID, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

func (s *PGStore) Validate(ctx context.Context, token string) (string, error) {
	var deviceID string
	err := s.db.QueryRow(ctx, `SELECT device_id FROM sessions WHERE token = $1`, token).Scan(&deviceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("validate session: %w", err)
	}
	return deviceID, nil
}

func (s *PGStore) Revoke(ctx context.Context, deviceID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE device_id = $1`, deviceID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]string // token -> deviceID
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]string)}
}

func (s *MemoryStore) Create(ctx context.Context, deviceID string) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.tokens[token] = deviceID
	s.mu.Unlock()
	return token, nil
}

func (s *MemoryStore) Validate(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deviceID, ok := s.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return deviceID, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, d := range s.tokens {
		if d == deviceID {
			delete(s.tokens, token)
		}
	}
	return nil
}
