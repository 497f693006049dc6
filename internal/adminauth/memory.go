package adminauth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository implements Repository in memory, for tests.
type MemoryRepository struct {
	mu    sync.Mutex
	users map[uuid.UUID]*AdminUser
}

// NewMemoryRepository creates an empty in-memory admin user repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[uuid.UUID]*AdminUser)}
}

func (r *MemoryRepository) Create(_ context.Context, email, passwordHash string) (*AdminUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			return nil, ErrEmailAlreadyTaken
		}
	}
	u := &AdminUser{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	r.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) GetByEmail(_ context.Context, email string) (*AdminUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*AdminUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) SetMFASecret(_ context.Context, id uuid.UUID, encryptedSecret string, recoveryHashes []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	u.MFASecret = encryptedSecret
	u.RecoveryHashes = append([]string(nil), recoveryHashes...)
	return nil
}

func (r *MemoryRepository) EnableMFA(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	u.MFAEnabled = true
	return nil
}

func (r *MemoryRepository) DisableMFA(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	u.MFAEnabled = false
	u.MFASecret = ""
	u.RecoveryHashes = nil
	return nil
}

func (r *MemoryRepository) ConsumeRecoveryCode(_ context.Context, id uuid.UUID, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	out := u.RecoveryHashes[:0]
	for _, h := range u.RecoveryHashes {
		if h != hash {
			out = append(out, h)
		}
	}
	u.RecoveryHashes = out
	return nil
}
