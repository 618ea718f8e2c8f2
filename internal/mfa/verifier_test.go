package mfa

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pquerna/otp/totp"

	"github.com/careops/medstock-auth/internal/authfail"
	"github.com/careops/medstock-auth/internal/notify"
	"github.com/careops/medstock-auth/internal/rate"
	"github.com/careops/medstock-auth/internal/security"
	"github.com/careops/medstock-auth/internal/storage"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

type fakeDispatcher struct {
	sent []notify.Message
	err  error
}

func (f *fakeDispatcher) Send(_ context.Context, msg notify.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type memStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*storage.Account
	otps     []*storage.EmailOTP
}

func newMemStore() *memStore {
	return &memStore{accounts: map[uuid.UUID]*storage.Account{}}
}

func (m *memStore) GetAccountByID(_ context.Context, id uuid.UUID) (*storage.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	cp.BackupCodeHashes = append([]string(nil), a.BackupCodeHashes...)
	return &cp, nil
}

func (m *memStore) EnableTwoFactor(_ context.Context, id uuid.UUID, secret string, hashes []string, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	a.TwoFactorEnabled = true
	a.TwoFactorSecret = &secret
	a.BackupCodeHashes = hashes
	a.TwoFactorVerifiedAt = &verifiedAt
	return nil
}

func (m *memStore) DisableTwoFactor(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	a.TwoFactorEnabled = false
	a.TwoFactorSecret = nil
	a.BackupCodeHashes = nil
	a.TwoFactorVerifiedAt = nil
	return nil
}

func (m *memStore) UpdateBackupCodes(_ context.Context, id uuid.UUID, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[id].BackupCodeHashes = hashes
	return nil
}

func (m *memStore) CreateEmailOTP(_ context.Context, otp *storage.EmailOTP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	otp.ID = uuid.New()
	otp.CreatedAt = time.Now()
	m.otps = append(m.otps, otp)
	return nil
}

func (m *memStore) ConsumeEmailOTP(_ context.Context, accountID uuid.UUID, code, purpose string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.otps {
		if o.AccountID == accountID && o.Code == code && o.Purpose == purpose && o.UsedAt == nil && o.ExpiresAt.After(now) {
			used := now
			o.UsedAt = &used
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) VoidEmailOTP(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.otps {
		if o.ID == id && o.UsedAt == nil {
			now := time.Now()
			o.UsedAt = &now
		}
	}
	return nil
}

func newTestVerifier(t *testing.T) (*Verifier, *memStore, *fakeDispatcher, *fakeClock, uuid.UUID) {
	t.Helper()
	store := newMemStore()
	dispatcher := &fakeDispatcher{}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	id := uuid.New()
	hash, err := security.HashPassword("Str0ng!Pw", security.Argon2Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	store.accounts[id] = &storage.Account{
		ID:           id,
		Email:        "alice@example.com",
		PasswordHash: &hash,
		Active:       true,
	}

	v := NewVerifier(store, dispatcher, rate.NewMemory(1, time.Minute), "MedStock", nil)
	v.Clock = clock
	return v, store, dispatcher, clock, id
}

func enableFor(t *testing.T, v *Verifier, id uuid.UUID, clock *fakeClock) (secret string, backupCodes []string) {
	t.Helper()
	ctx := context.Background()

	setup, err := v.GenerateSetup(ctx, id)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if setup.Secret == "" || setup.ProvisioningURI == "" {
		t.Fatalf("expected secret and provisioning uri")
	}

	code, err := totp.GenerateCode(setup.Secret, clock.now)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}

	codes, err := v.VerifyAndEnable(ctx, id, setup.Secret, code)
	if err != nil {
		t.Fatalf("verify and enable: %v", err)
	}
	return setup.Secret, codes
}

func TestVerifyAndEnableReturnsBackupCodes(t *testing.T) {
	v, store, _, clock, id := newTestVerifier(t)

	_, codes := enableFor(t, v, id, clock)
	if len(codes) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(codes))
	}

	acct := store.accounts[id]
	if !acct.TwoFactorEnabled || acct.TwoFactorSecret == nil {
		t.Fatalf("expected second factor enabled with stored secret")
	}
	if len(acct.BackupCodeHashes) != 10 {
		t.Fatalf("expected 10 stored hashes, got %d", len(acct.BackupCodeHashes))
	}
	for i, c := range codes {
		if acct.BackupCodeHashes[i] == c {
			t.Fatalf("backup codes must be stored hashed")
		}
	}
}

func TestGenerateSetupDoesNotPersist(t *testing.T) {
	v, store, _, _, id := newTestVerifier(t)

	if _, err := v.GenerateSetup(context.Background(), id); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if store.accounts[id].TwoFactorSecret != nil || store.accounts[id].TwoFactorEnabled {
		t.Fatalf("setup must not persist anything")
	}
}

func TestVerifyAndEnableRejectsBadCode(t *testing.T) {
	v, _, _, _, id := newTestVerifier(t)

	setup, err := v.GenerateSetup(context.Background(), id)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, err = v.VerifyAndEnable(context.Background(), id, setup.Secret, "000000")
	if authfail.KindOf(err) != authfail.KindInvalidSecondFactor {
		t.Fatalf("expected invalid second factor, got %v", err)
	}
}

func TestVerifyTOTPToleratesClockSkew(t *testing.T) {
	v, _, _, clock, id := newTestVerifier(t)
	secret, _ := enableFor(t, v, id, clock)

	// code from the previous time step
	code, err := totp.GenerateCode(secret, clock.now.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if err := v.Verify(context.Background(), id, FactorTOTP, code); err != nil {
		t.Fatalf("expected adjacent-step code accepted, got %v", err)
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	v, _, _, clock, id := newTestVerifier(t)
	_, codes := enableFor(t, v, id, clock)
	ctx := context.Background()

	if err := v.Verify(ctx, id, FactorBackupCode, codes[3]); err != nil {
		t.Fatalf("first use: %v", err)
	}
	err := v.Verify(ctx, id, FactorBackupCode, codes[3])
	if authfail.KindOf(err) != authfail.KindInvalidSecondFactor {
		t.Fatalf("expected reuse rejected, got %v", err)
	}
	// unused codes from the same batch remain valid
	if err := v.Verify(ctx, id, FactorBackupCode, codes[7]); err != nil {
		t.Fatalf("sibling code: %v", err)
	}
}

func TestSendEmailOTPCooldown(t *testing.T) {
	v, _, dispatcher, clock, id := newTestVerifier(t)
	ctx := context.Background()

	if err := v.SendEmailOTP(ctx, id, PurposeSecondFactor); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if len(dispatcher.sent) != 1 {
		t.Fatalf("expected one dispatch")
	}

	err := v.SendEmailOTP(ctx, id, PurposeSecondFactor)
	if authfail.KindOf(err) != authfail.KindRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if authfail.RetryAfter(err) <= 0 {
		t.Fatalf("expected positive retry-after")
	}

	clock.now = clock.now.Add(2 * time.Minute)
	if err := v.SendEmailOTP(ctx, id, PurposeSecondFactor); err != nil {
		t.Fatalf("send after cooldown: %v", err)
	}
}

func TestSendEmailOTPDispatchFailureVoidsRow(t *testing.T) {
	v, store, dispatcher, clock, id := newTestVerifier(t)
	_, _ = enableFor(t, v, id, clock)
	dispatcher.err = errors.New("smtp down")

	err := v.SendEmailOTP(context.Background(), id, PurposeSecondFactor)
	if authfail.KindOf(err) != authfail.KindDispatchFailed {
		t.Fatalf("expected dispatch failed, got %v", err)
	}
	for _, o := range store.otps {
		if o.UsedAt == nil {
			t.Fatalf("undelivered otp row must be voided")
		}
	}
}

func TestVerifyEmailOTPSingleUse(t *testing.T) {
	v, store, dispatcher, clock, id := newTestVerifier(t)
	_, _ = enableFor(t, v, id, clock)
	ctx := context.Background()

	if err := v.SendEmailOTP(ctx, id, PurposeSecondFactor); err != nil {
		t.Fatalf("send: %v", err)
	}
	code := dispatcher.sent[0].Data["code"]
	if len(code) != 6 {
		t.Fatalf("expected 6-digit code, got %q", code)
	}
	if store.otps[len(store.otps)-1].Code != code {
		t.Fatalf("dispatched code must match persisted row")
	}

	if err := v.Verify(ctx, id, FactorEmailOTP, code); err != nil {
		t.Fatalf("verify: %v", err)
	}
	err := v.Verify(ctx, id, FactorEmailOTP, code)
	if authfail.KindOf(err) != authfail.KindInvalidSecondFactor {
		t.Fatalf("expected used code rejected, got %v", err)
	}
}

func TestVerifyExpiredEmailOTPRejected(t *testing.T) {
	v, _, dispatcher, clock, id := newTestVerifier(t)
	_, _ = enableFor(t, v, id, clock)
	ctx := context.Background()

	if err := v.SendEmailOTP(ctx, id, PurposeSecondFactor); err != nil {
		t.Fatalf("send: %v", err)
	}
	code := dispatcher.sent[0].Data["code"]

	clock.now = clock.now.Add(10 * time.Minute)
	err := v.Verify(ctx, id, FactorEmailOTP, code)
	if authfail.KindOf(err) != authfail.KindInvalidSecondFactor {
		t.Fatalf("expected expired code rejected, got %v", err)
	}
}

func TestDisableRequiresPassword(t *testing.T) {
	v, store, _, clock, id := newTestVerifier(t)
	_, _ = enableFor(t, v, id, clock)
	ctx := context.Background()

	err := v.Disable(ctx, id, "wrong-password", "")
	if authfail.KindOf(err) != authfail.KindInvalidCredentials {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if !store.accounts[id].TwoFactorEnabled {
		t.Fatalf("second factor must still be enabled")
	}

	if err := v.Disable(ctx, id, "Str0ng!Pw", ""); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if store.accounts[id].TwoFactorEnabled || store.accounts[id].TwoFactorSecret != nil {
		t.Fatalf("expected second factor cleared")
	}
}

func TestRegenerateBackupCodesInvalidatesOldSet(t *testing.T) {
	v, _, _, clock, id := newTestVerifier(t)
	secret, oldCodes := enableFor(t, v, id, clock)
	ctx := context.Background()

	code, err := totp.GenerateCode(secret, clock.now)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	newCodes, err := v.RegenerateBackupCodes(ctx, id, code)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(newCodes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(newCodes))
	}

	err = v.Verify(ctx, id, FactorBackupCode, oldCodes[0])
	if authfail.KindOf(err) != authfail.KindInvalidSecondFactor {
		t.Fatalf("expected old code invalid, got %v", err)
	}
	if err := v.Verify(ctx, id, FactorBackupCode, newCodes[0]); err != nil {
		t.Fatalf("new code: %v", err)
	}
}

func TestStatusReportsRemainingBackupCodes(t *testing.T) {
	v, _, _, clock, id := newTestVerifier(t)
	_, codes := enableFor(t, v, id, clock)
	ctx := context.Background()

	if err := v.Verify(ctx, id, FactorBackupCode, codes[0]); err != nil {
		t.Fatalf("consume: %v", err)
	}

	status, err := v.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Enabled {
		t.Fatalf("expected enabled")
	}
	if status.BackupCodesRemaining != 9 {
		t.Fatalf("expected 9 remaining, got %d", status.BackupCodesRemaining)
	}
}

func TestParseFactor(t *testing.T) {
	cases := map[string]Factor{
		"totp":        FactorTOTP,
		"email_otp":   FactorEmailOTP,
		"backup_code": FactorBackupCode,
	}
	for s, want := range cases {
		got, err := ParseFactor(s)
		if err != nil || got != want {
			t.Fatalf("parse %q: got %v, %v", s, got, err)
		}
	}
	if _, err := ParseFactor("sms"); authfail.KindOf(err) != authfail.KindInvalidSecondFactor {
		t.Fatalf("expected unknown factor rejected")
	}
}
