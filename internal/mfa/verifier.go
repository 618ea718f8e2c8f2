package mfa

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"log/slog"

	"github.com/careops/medstock-auth/internal/authfail"
	"github.com/careops/medstock-auth/internal/notify"
	"github.com/careops/medstock-auth/internal/rate"
	"github.com/careops/medstock-auth/internal/security"
	"github.com/careops/medstock-auth/internal/storage"
	"github.com/careops/medstock-auth/libs/metrics"
)

// PurposeSecondFactor tags email OTP rows minted for login completion.
const PurposeSecondFactor = "second_factor"

const (
	defaultOTPTTL          = 5 * time.Minute
	defaultOTPDigits       = 6
	defaultBackupCodeCount = 10
	totpPeriod             = 30
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Store interface {
	GetAccountByID(ctx context.Context, id uuid.UUID) (*storage.Account, error)
	EnableTwoFactor(ctx context.Context, id uuid.UUID, secret string, backupHashes []string, verifiedAt time.Time) error
	DisableTwoFactor(ctx context.Context, id uuid.UUID) error
	UpdateBackupCodes(ctx context.Context, id uuid.UUID, hashes []string) error
	CreateEmailOTP(ctx context.Context, otp *storage.EmailOTP) error
	ConsumeEmailOTP(ctx context.Context, accountID uuid.UUID, code, purpose string, now time.Time) (bool, error)
	VoidEmailOTP(ctx context.Context, id uuid.UUID) error
}

// Verifier owns second-factor state: TOTP enrollment and checks, backup
// codes, and email one-time codes.
type Verifier struct {
	Store      Store
	Dispatcher notify.Dispatcher
	Cooldown   rate.Limiter
	Issuer     string
	Logger     *slog.Logger
	Clock      Clock

	OTPTTL          time.Duration
	OTPDigits       int
	BackupCodeCount int
}

func NewVerifier(store Store, dispatcher notify.Dispatcher, cooldown rate.Limiter, issuer string, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		Store:           store,
		Dispatcher:      dispatcher,
		Cooldown:        cooldown,
		Issuer:          issuer,
		Logger:          logger,
		Clock:           systemClock{},
		OTPTTL:          defaultOTPTTL,
		OTPDigits:       defaultOTPDigits,
		BackupCodeCount: defaultBackupCodeCount,
	}
}

type Setup struct {
	Secret          string
	ProvisioningURI string
}

type Status struct {
	Enabled              bool
	VerifiedAt           *time.Time
	BackupCodesRemaining int
}

// GenerateSetup mints a fresh TOTP secret and its otpauth:// URI. Nothing is
// persisted until the code is confirmed via VerifyAndEnable.
func (v *Verifier) GenerateSetup(ctx context.Context, accountID uuid.UUID) (*Setup, error) {
	account, err := v.Store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account.TwoFactorEnabled {
		return nil, authfail.AlreadyEnabled()
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.Issuer,
		AccountName: account.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}

	return &Setup{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// VerifyAndEnable confirms the candidate secret with a current code, then
// persists it together with a fresh backup code batch. The plaintext codes
// are returned exactly once.
func (v *Verifier) VerifyAndEnable(ctx context.Context, accountID uuid.UUID, secret, code string) ([]string, error) {
	account, err := v.Store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account.TwoFactorEnabled {
		return nil, authfail.AlreadyEnabled()
	}

	if !v.validateTOTP(code, secret) {
		metrics.SecondFactorChecks.WithLabelValues(FactorTOTP.String(), "failure").Inc()
		return nil, authfail.InvalidSecondFactor()
	}

	codes, hashes, err := v.newBackupCodes()
	if err != nil {
		return nil, err
	}

	if err := v.Store.EnableTwoFactor(ctx, accountID, secret, hashes, v.Clock.Now()); err != nil {
		return nil, fmt.Errorf("enable second factor: %w", err)
	}

	metrics.SecondFactorChecks.WithLabelValues(FactorTOTP.String(), "enabled").Inc()
	v.Logger.Info("second factor enabled", "account_id", accountID)
	return codes, nil
}

// Verify checks a code for an account with an enabled second factor. Pure
// predicate for TOTP; consuming for email OTP and backup codes.
func (v *Verifier) Verify(ctx context.Context, accountID uuid.UUID, factor Factor, code string) error {
	account, err := v.Store.GetAccountByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if !account.TwoFactorEnabled {
		return authfail.NotEnabled()
	}

	var verifyErr error
	switch factor {
	case FactorTOTP:
		if account.TwoFactorSecret == nil || !v.validateTOTP(code, *account.TwoFactorSecret) {
			verifyErr = authfail.InvalidSecondFactor()
		}
	case FactorEmailOTP:
		ok, err := v.Store.ConsumeEmailOTP(ctx, accountID, code, PurposeSecondFactor, v.Clock.Now())
		if err != nil {
			return fmt.Errorf("consume email otp: %w", err)
		}
		if !ok {
			verifyErr = authfail.InvalidSecondFactor()
		}
	case FactorBackupCode:
		consumed, err := v.consumeBackupCode(ctx, account, code)
		if err != nil {
			return err
		}
		if !consumed {
			verifyErr = authfail.InvalidSecondFactor()
		}
	case FactorUnknown:
		verifyErr = authfail.InvalidSecondFactor()
	}

	outcome := "success"
	if verifyErr != nil {
		outcome = "failure"
	}
	metrics.SecondFactorChecks.WithLabelValues(factor.String(), outcome).Inc()
	return verifyErr
}

// SendEmailOTP generates and delivers a one-time code, subject to the per
// account+purpose cooldown. Delivery is awaited; a failed dispatch voids the
// persisted row so no phantom code survives.
func (v *Verifier) SendEmailOTP(ctx context.Context, accountID uuid.UUID, purpose string) error {
	account, err := v.Store.GetAccountByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	now := v.Clock.Now()
	cooldownKey := fmt.Sprintf("otp:%s:%s", accountID, purpose)
	allowed, retryAfter, err := v.Cooldown.Allow(ctx, cooldownKey, now)
	if err != nil {
		return fmt.Errorf("otp cooldown check: %w", err)
	}
	if !allowed {
		metrics.OTPSends.WithLabelValues("rate_limited").Inc()
		return authfail.RateLimited(retryAfter)
	}

	code, err := security.NumericCode(v.OTPDigits)
	if err != nil {
		return err
	}

	row := &storage.EmailOTP{
		AccountID: accountID,
		Code:      code,
		Purpose:   purpose,
		ExpiresAt: now.Add(v.OTPTTL),
	}
	if err := v.Store.CreateEmailOTP(ctx, row); err != nil {
		return fmt.Errorf("persist email otp: %w", err)
	}

	msg := notify.Message{
		To:       account.Email,
		Template: notify.TemplateOTP,
		Data: map[string]string{
			"code":       code,
			"expires_in": v.OTPTTL.String(),
		},
	}
	if err := v.Dispatcher.Send(ctx, msg); err != nil {
		if voidErr := v.Store.VoidEmailOTP(ctx, row.ID); voidErr != nil {
			v.Logger.Error("void undelivered otp", "account_id", accountID, "error", voidErr)
		}
		metrics.OTPSends.WithLabelValues("dispatch_failed").Inc()
		v.Logger.Error("otp dispatch failed", "account_id", accountID, "error", err)
		return authfail.DispatchFailed()
	}

	metrics.OTPSends.WithLabelValues("sent").Inc()
	return nil
}

// VerifyEmailCode consumes a code outside the login-completion flow, e.g.
// address verification.
func (v *Verifier) VerifyEmailCode(ctx context.Context, accountID uuid.UUID, code, purpose string) error {
	ok, err := v.Store.ConsumeEmailOTP(ctx, accountID, code, purpose, v.Clock.Now())
	if err != nil {
		return fmt.Errorf("consume email otp: %w", err)
	}
	if !ok {
		return authfail.InvalidOrExpiredCode()
	}
	return nil
}

// Disable clears the second factor. Password re-verification is mandatory;
// when a code is supplied it must also check out.
func (v *Verifier) Disable(ctx context.Context, accountID uuid.UUID, password, code string) error {
	account, err := v.Store.GetAccountByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if !account.TwoFactorEnabled {
		return authfail.NotEnabled()
	}
	if account.PasswordHash == nil {
		return authfail.PasswordLoginUnavailable()
	}

	ok, err := security.VerifyPassword(password, *account.PasswordHash)
	if err != nil || !ok {
		return authfail.InvalidCredentials()
	}

	if code != "" {
		if err := v.verifyCodeAnyFactor(ctx, account, code); err != nil {
			return err
		}
	}

	if err := v.Store.DisableTwoFactor(ctx, accountID); err != nil {
		return fmt.Errorf("disable second factor: %w", err)
	}

	v.Logger.Info("second factor disabled", "account_id", accountID)
	return nil
}

// RegenerateBackupCodes replaces the remaining set after a valid current
// code, returning the new plaintexts once.
func (v *Verifier) RegenerateBackupCodes(ctx context.Context, accountID uuid.UUID, code string) ([]string, error) {
	account, err := v.Store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !account.TwoFactorEnabled {
		return nil, authfail.NotEnabled()
	}

	if err := v.verifyCodeAnyFactor(ctx, account, code); err != nil {
		return nil, err
	}

	codes, hashes, err := v.newBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := v.Store.UpdateBackupCodes(ctx, accountID, hashes); err != nil {
		return nil, fmt.Errorf("store backup codes: %w", err)
	}
	return codes, nil
}

func (v *Verifier) Status(ctx context.Context, accountID uuid.UUID) (*Status, error) {
	account, err := v.Store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return &Status{
		Enabled:              account.TwoFactorEnabled,
		VerifiedAt:           account.TwoFactorVerifiedAt,
		BackupCodesRemaining: len(account.BackupCodeHashes),
	}, nil
}

func (v *Verifier) validateTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, v.Clock.Now(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// verifyCodeAnyFactor accepts a TOTP code or a backup code, in that order.
func (v *Verifier) verifyCodeAnyFactor(ctx context.Context, account *storage.Account, code string) error {
	if account.TwoFactorSecret != nil && v.validateTOTP(code, *account.TwoFactorSecret) {
		return nil
	}
	consumed, err := v.consumeBackupCode(ctx, account, code)
	if err != nil {
		return err
	}
	if !consumed {
		return authfail.InvalidSecondFactor()
	}
	return nil
}

// consumeBackupCode checks set membership by hash and rewrites the reduced
// set on a match; each code is usable exactly once.
func (v *Verifier) consumeBackupCode(ctx context.Context, account *storage.Account, code string) (bool, error) {
	candidate := security.HashToken(code)

	matched := -1
	for i, h := range account.BackupCodeHashes {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(h)) == 1 {
			matched = i
			break
		}
	}
	if matched < 0 {
		return false, nil
	}

	remaining := make([]string, 0, len(account.BackupCodeHashes)-1)
	remaining = append(remaining, account.BackupCodeHashes[:matched]...)
	remaining = append(remaining, account.BackupCodeHashes[matched+1:]...)

	if err := v.Store.UpdateBackupCodes(ctx, account.ID, remaining); err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	account.BackupCodeHashes = remaining
	return true, nil
}

func (v *Verifier) newBackupCodes() (codes []string, hashes []string, err error) {
	codes = make([]string, 0, v.BackupCodeCount)
	hashes = make([]string, 0, v.BackupCodeCount)
	for i := 0; i < v.BackupCodeCount; i++ {
		code, err := security.BackupCode()
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, security.HashToken(code))
	}
	return codes, hashes, nil
}
