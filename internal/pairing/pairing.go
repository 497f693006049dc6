// Package pairing implements the short-lived code-based pairing state
// machine that binds a phone to a controller.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the pairing package.
var (
	ErrInvalidCode  = errors.New("invalid pairing code")
	ErrCodeExhausted = errors.New("could not allocate a unique pairing code")
	ErrNotFound     = errors.New("pairing session not found")
)

// TTL is the lifetime of a pairing session from creation.
const TTL = 5 * time.Minute

// maxCodeRetries bounds the retry loop used to avoid a colliding 6-digit code.
const maxCodeRetries = 20

// Status is the closed enum of a pairing session's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaired  Status = "paired"
	StatusExpired Status = "expired"
)

// Session is a single pairing attempt.
type Session struct {
	DeviceID            string
	Code                string
	DevicePublicKey     string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Status              Status
	ControllerPublicKey string
	SessionToken        string
}

// Clock abstracts time.Now for deterministic TTL tests.
type Clock func() time.Time

// Store implements the pairing state machine described in spec.md §4.B over
// an in-memory structure, which spec.md §6 explicitly permits ("pairing (may
// be in-memory only)"). A single mutex guards both the session map and the
// code index so the two stay consistent under the uniqueness invariant.
type Store struct {
	mu       sync.Mutex
	now      Clock
	sessions map[string]*Session // deviceID -> session
	codes    map[string]string   // code -> deviceID, present only while that code must resolve (pending or expired-but-unconsumed)
}

// NewStore constructs an empty Store. now defaults to time.Now.
func NewStore(now Clock) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now, sessions: make(map[string]*Session), codes: make(map[string]string)}
}

// Initiate creates a new pairing session for a device, generating a unique
// 6-digit code. devicePublicKey is the key the endpoint supplies at pairing
// time, used to display a human-readable device name later.
func (s *Store) Initiate(ctx context.Context, devicePublicKey string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, err := s.allocateCodeLocked()
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess := &Session{
		DeviceID:        "device-" + uuid.NewString(),
		Code:            code,
		DevicePublicKey: devicePublicKey,
		CreatedAt:       now,
		ExpiresAt:       now.Add(TTL),
		Status:          StatusPending,
	}
	s.sessions[sess.DeviceID] = sess
	s.codes[code] = sess.DeviceID
	return cloneSession(sess), nil
}

// allocateCodeLocked must be called with mu held.
func (s *Store) allocateCodeLocked() (string, error) {
	for i := 0; i < maxCodeRetries; i++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, taken := s.codes[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// CompleteByCode atomically transitions a pending session to paired iff the
// code resolves to a session that has not expired and has not already been
// completed. On success it mints a 32-byte base64url session token and
// removes the code from the index. Lookup is case-sensitive (codes are
// digits only, so case does not arise in practice).
func (s *Store) CompleteByCode(ctx context.Context, code, controllerPublicKey string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviceID, ok := s.codes[code]
	if !ok {
		return nil, ErrInvalidCode
	}
	sess, ok := s.sessions[deviceID]
	if !ok {
		return nil, ErrInvalidCode
	}

	now := s.now()
	if sess.Status != StatusPending {
		return nil, ErrInvalidCode
	}
	if now.After(sess.ExpiresAt) {
		sess.Status = StatusExpired
		return nil, ErrInvalidCode
	}

	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}

	sess.Status = StatusPaired
	sess.ControllerPublicKey = controllerPublicKey
	sess.SessionToken = token
	delete(s.codes, code)

	return cloneSession(sess), nil
}

// StatusByDeviceID reads the current status of a session, lazily expiring it
// if its TTL has elapsed.
func (s *Store) StatusByDeviceID(ctx context.Context, deviceID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[deviceID]
	if !ok {
		return nil, ErrNotFound
	}

	if sess.Status == StatusPending && s.now().After(sess.ExpiresAt) {
		sess.Status = StatusExpired
	}

	return cloneSession(sess), nil
}

func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func cloneSession(s *Session) *Session {
	cp := *s
	return &cp
}
