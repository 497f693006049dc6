package adminauth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, rdb
}

func testConfig() Config {
	return Config{
		JWTSecret:         "test-secret",
		JWTAccessTTL:      15 * time.Minute,
		JWTRefreshTTL:     30 * 24 * time.Hour,
		Issuer:            "controlplane-test",
		MFATicketTTL:      5 * time.Minute,
		MFAEncryptionKey:  testEncryptionKey,
		Argon2Memory:      8 * 1024,
		Argon2Iterations:  1,
		Argon2Parallelism: 1,
		Argon2SaltLength:  16,
		Argon2KeyLength:   32,
	}
}

func newTestService(t *testing.T) (*Service, *MemoryRepository) {
	t.Helper()
	_, rdb := setupMiniredis(t)
	repo := NewMemoryRepository()
	svc, err := NewService(repo, rdb, testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, repo
}

func createTestAdmin(t *testing.T, repo *MemoryRepository, email, password string) {
	t.Helper()
	hash, err := HashPassword(password, testConfig().Argon2Memory, testConfig().Argon2Iterations, testConfig().Argon2Parallelism, testConfig().Argon2SaltLength, testConfig().Argon2KeyLength)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if _, err := repo.Create(context.Background(), email, hash); err != nil {
		t.Fatalf("repo.Create() error = %v", err)
	}
}

func TestServiceLoginSuccess(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t)
	createTestAdmin(t, repo, "owner@example.com", "hunter2pass")

	result, err := svc.Login(context.Background(), "owner@example.com", "hunter2pass")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if result.MFARequired {
		t.Fatal("MFARequired = true, want false")
	}
	if result.Tokens == nil || result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
		t.Fatal("expected non-empty tokens")
	}
}

func TestServiceLoginWrongPassword(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t)
	createTestAdmin(t, repo, "owner@example.com", "hunter2pass")

	_, err := svc.Login(context.Background(), "owner@example.com", "wrong")
	if err != ErrInvalidCredentials {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestServiceLoginUnknownEmail(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	_, err := svc.Login(context.Background(), "nobody@example.com", "whatever")
	if err != ErrInvalidCredentials {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestServiceMFAEnrollmentAndLogin(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t)
	createTestAdmin(t, repo, "owner@example.com", "hunter2pass")
	u, err := repo.GetByEmail(context.Background(), "owner@example.com")
	if err != nil {
		t.Fatalf("GetByEmail() error = %v", err)
	}

	setup, err := svc.BeginMFASetup(context.Background(), u.ID, "hunter2pass", "owner@example.com", "controlplane-test")
	if err != nil {
		t.Fatalf("BeginMFASetup() error = %v", err)
	}

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode() error = %v", err)
	}

	codes, err := svc.ConfirmMFASetup(context.Background(), u.ID, code)
	if err != nil {
		t.Fatalf("ConfirmMFASetup() error = %v", err)
	}
	if len(codes) == 0 {
		t.Fatal("expected recovery codes")
	}

	result, err := svc.Login(context.Background(), "owner@example.com", "hunter2pass")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !result.MFARequired || result.Ticket == "" {
		t.Fatal("expected MFA to be required with a ticket")
	}

	loginCode, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode() error = %v", err)
	}
	tokens, err := svc.VerifyMFA(context.Background(), result.Ticket, loginCode)
	if err != nil {
		t.Fatalf("VerifyMFA() error = %v", err)
	}
	if tokens.AccessToken == "" {
		t.Fatal("expected access token")
	}
}

func TestServiceVerifyMFAWithRecoveryCode(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t)
	createTestAdmin(t, repo, "owner@example.com", "hunter2pass")
	u, _ := repo.GetByEmail(context.Background(), "owner@example.com")

	setup, _ := svc.BeginMFASetup(context.Background(), u.ID, "hunter2pass", "owner@example.com", "controlplane-test")
	code, _ := totp.GenerateCode(setup.Secret, time.Now())
	codes, err := svc.ConfirmMFASetup(context.Background(), u.ID, code)
	if err != nil {
		t.Fatalf("ConfirmMFASetup() error = %v", err)
	}

	result, err := svc.Login(context.Background(), "owner@example.com", "hunter2pass")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	tokens, err := svc.VerifyMFA(context.Background(), result.Ticket, codes[0])
	if err != nil {
		t.Fatalf("VerifyMFA() with recovery code error = %v", err)
	}
	if tokens.AccessToken == "" {
		t.Fatal("expected access token")
	}

	// The recovery code is single use.
	result2, err := svc.Login(context.Background(), "owner@example.com", "hunter2pass")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := svc.VerifyMFA(context.Background(), result2.Ticket, codes[0]); err != ErrInvalidMFACode {
		t.Fatalf("err = %v, want ErrInvalidMFACode on reuse", err)
	}
}

func TestServiceRefreshRotation(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t)
	createTestAdmin(t, repo, "owner@example.com", "hunter2pass")

	result, err := svc.Login(context.Background(), "owner@example.com", "hunter2pass")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	tokens, err := svc.Refresh(context.Background(), result.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tokens.RefreshToken == result.Tokens.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	if _, err := svc.Refresh(context.Background(), result.Tokens.RefreshToken); err != ErrRefreshTokenReused {
		t.Fatalf("err = %v, want ErrRefreshTokenReused", err)
	}
}

func TestServiceValidateAccessToken(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t)
	createTestAdmin(t, repo, "owner@example.com", "hunter2pass")

	result, err := svc.Login(context.Background(), "owner@example.com", "hunter2pass")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	subject, err := svc.ValidateAccessToken(result.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if subject == "" {
		t.Fatal("expected non-empty subject")
	}

	if _, err := svc.ValidateAccessToken("not-a-token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
