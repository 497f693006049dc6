package adminauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds the tunables needed to run the admin auth service. It is
// populated from the control plane's top-level configuration rather than
// defined here, so that a single config file governs every subsystem.
type Config struct {
	JWTSecret         string
	JWTAccessTTL      time.Duration
	JWTRefreshTTL     time.Duration
	Issuer            string
	MFATicketTTL      time.Duration
	MFAEncryptionKey  string // 64 hex chars, empty disables MFA entirely
	Argon2Memory      uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8
	Argon2SaltLength  uint32
	Argon2KeyLength   uint32
}

func (c Config) mfaConfigured() bool {
	return c.MFAEncryptionKey != ""
}

// Service implements admin console authentication: password login, optional
// TOTP MFA, and JWT access / Valkey-backed refresh token issuance.
type Service struct {
	users     Repository
	redis     *redis.Client
	cfg       Config
	log       zerolog.Logger
	dummyHash string
}

// NewService creates a new admin auth service. A dummy password hash is
// precomputed so failed lookups and failed verifications take the same
// amount of time, preventing email enumeration via timing.
func NewService(users Repository, rdb *redis.Client, cfg Config, logger zerolog.Logger) (*Service, error) {
	dummy, err := HashPassword("adminauth-dummy-password", cfg.Argon2Memory, cfg.Argon2Iterations, cfg.Argon2Parallelism, cfg.Argon2SaltLength, cfg.Argon2KeyLength)
	if err != nil {
		return nil, fmt.Errorf("generate dummy hash: %w", err)
	}
	return &Service{
		users:     users,
		redis:     rdb,
		cfg:       cfg,
		log:       logger,
		dummyHash: dummy,
	}, nil
}

// TokenPair is the output of a successful login, refresh, or MFA verify.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// LoginResult is the output of Login. When MFARequired is true, Tokens is nil
// and Ticket must be presented to VerifyMFA alongside a TOTP or recovery code.
type LoginResult struct {
	MFARequired bool
	Ticket      string
	Tokens      *TokenPair
}

// Login verifies an admin's email and password and either issues tokens
// directly or, if MFA is enabled on the account, returns a single-use ticket.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_, _ = VerifyPassword(password, s.dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get admin user: %w", err)
	}

	match, err := VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}

	if u.MFAEnabled {
		ticket, err := CreateMFATicket(ctx, s.redis, u.ID, s.cfg.MFATicketTTL)
		if err != nil {
			return nil, fmt.Errorf("create MFA ticket: %w", err)
		}
		return &LoginResult{MFARequired: true, Ticket: ticket}, nil
	}

	tokens, err := s.issueTokens(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Tokens: tokens}, nil
}

// VerifyMFA consumes a login ticket and validates a TOTP or recovery code,
// issuing tokens on success.
func (s *Service) VerifyMFA(ctx context.Context, ticket, code string) (*TokenPair, error) {
	userID, err := ConsumeMFATicket(ctx, s.redis, ticket)
	if err != nil {
		return nil, err
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get admin user for MFA verify: %w", err)
	}
	if !u.MFAEnabled || u.MFASecret == "" {
		return nil, ErrMFANotEnabled
	}
	if !s.cfg.mfaConfigured() {
		return nil, ErrMFANotConfigured
	}

	secret, err := DecryptTOTPSecret(u.MFASecret, s.cfg.MFAEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt MFA secret: %w", err)
	}

	if totp.Validate(code, secret) {
		return s.issueTokens(ctx, userID)
	}

	for _, h := range u.RecoveryHashes {
		ok, err := VerifyRecoveryCode(code, h)
		if err != nil {
			continue
		}
		if ok {
			if cerr := s.users.ConsumeRecoveryCode(ctx, userID, h); cerr != nil {
				return nil, fmt.Errorf("consume recovery code: %w", cerr)
			}
			return s.issueTokens(ctx, userID)
		}
	}

	return nil, ErrInvalidMFACode
}

// Refresh rotates a refresh token and issues a new access token.
func (s *Service) Refresh(ctx context.Context, oldToken string) (*TokenPair, error) {
	newRefresh, userID, err := RotateRefreshToken(ctx, s.redis, oldToken, s.cfg.JWTRefreshTTL)
	if err != nil {
		return nil, err
	}

	accessToken, err := NewAccessToken(userID, s.cfg.JWTSecret, s.cfg.JWTAccessTTL, s.cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}

	return &TokenPair{AccessToken: accessToken, RefreshToken: newRefresh}, nil
}

// MFASetupResult is the output of BeginMFASetup.
type MFASetupResult struct {
	Secret string
	URI    string
}

// BeginMFASetup verifies the admin's password, generates a TOTP key, and
// stores it pending in Valkey. ConfirmMFASetup must be called with a valid
// code to activate it.
func (s *Service) BeginMFASetup(ctx context.Context, userID uuid.UUID, password, accountName, issuer string) (*MFASetupResult, error) {
	if !s.cfg.mfaConfigured() {
		return nil, ErrMFANotConfigured
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get admin user for MFA setup: %w", err)
	}
	match, err := VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password for MFA setup: %w", err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}
	if u.MFAEnabled {
		return nil, ErrMFAAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: accountName})
	if err != nil {
		return nil, fmt.Errorf("generate TOTP key: %w", err)
	}

	encrypted, err := EncryptTOTPSecret(key.Secret(), s.cfg.MFAEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt TOTP secret: %w", err)
	}
	if err := StorePendingMFASecret(ctx, s.redis, userID, encrypted); err != nil {
		return nil, err
	}

	return &MFASetupResult{Secret: key.Secret(), URI: key.URL()}, nil
}

// ConfirmMFASetup consumes the pending TOTP secret, validates the code, and
// persists the secret and freshly generated recovery codes.
func (s *Service) ConfirmMFASetup(ctx context.Context, userID uuid.UUID, code string) ([]string, error) {
	if !s.cfg.mfaConfigured() {
		return nil, ErrMFANotConfigured
	}

	encrypted, err := ConsumePendingMFASecret(ctx, s.redis, userID)
	if err != nil {
		return nil, err
	}

	secret, err := DecryptTOTPSecret(encrypted, s.cfg.MFAEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt pending MFA secret: %w", err)
	}
	if !totp.Validate(code, secret) {
		return nil, ErrInvalidMFACode
	}

	codes := GenerateRecoveryCodes()
	hashes := make([]string, len(codes))
	for i, c := range codes {
		h, err := HashRecoveryCode(c, s.cfg.Argon2Memory, s.cfg.Argon2Iterations, s.cfg.Argon2Parallelism, s.cfg.Argon2SaltLength, s.cfg.Argon2KeyLength)
		if err != nil {
			return nil, fmt.Errorf("hash recovery code: %w", err)
		}
		hashes[i] = h
	}

	if err := s.users.SetMFASecret(ctx, userID, encrypted, hashes); err != nil {
		return nil, fmt.Errorf("persist MFA secret: %w", err)
	}
	if err := s.users.EnableMFA(ctx, userID); err != nil {
		return nil, fmt.Errorf("enable MFA: %w", err)
	}

	return codes, nil
}

// DisableMFA verifies the password and turns MFA off for the account.
func (s *Service) DisableMFA(ctx context.Context, userID uuid.UUID, password string) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get admin user for MFA disable: %w", err)
	}
	match, err := VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password for MFA disable: %w", err)
	}
	if !match {
		return ErrInvalidCredentials
	}
	if !u.MFAEnabled {
		return ErrMFANotEnabled
	}
	return s.users.DisableMFA(ctx, userID)
}

// ValidateAccessToken parses and validates a JWT bearer token and returns the
// admin user id as its subject string. It satisfies relay.AdminTokenValidator
// so the relay viewer path can authenticate admin-console viewers.
func (s *Service) ValidateAccessToken(token string) (string, error) {
	claims, err := ValidateAccessToken(token, s.cfg.JWTSecret, s.cfg.Issuer)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (s *Service) issueTokens(ctx context.Context, userID uuid.UUID) (*TokenPair, error) {
	accessToken, err := NewAccessToken(userID, s.cfg.JWTSecret, s.cfg.JWTAccessTTL, s.cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}
	refreshToken, err := CreateRefreshToken(ctx, s.redis, userID, s.cfg.JWTRefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("create refresh token: %w", err)
	}
	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}
