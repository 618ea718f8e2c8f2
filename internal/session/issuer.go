// Package session turns verified credentials into time-bounded sessions:
// password and federated login, second-factor completion, token pair
// issuance, and single-use refresh rotation.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/oauth2"
	"log/slog"

	"github.com/careops/medstock-auth/internal/authfail"
	"github.com/careops/medstock-auth/internal/mfa"
	"github.com/careops/medstock-auth/internal/notify"
	"github.com/careops/medstock-auth/internal/oauth"
	"github.com/careops/medstock-auth/internal/security"
	"github.com/careops/medstock-auth/internal/storage"
	"github.com/careops/medstock-auth/libs/metrics"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Store interface {
	GetAccountByEmail(ctx context.Context, email string) (*storage.Account, error)
	GetAccountByID(ctx context.Context, id uuid.UUID) (*storage.Account, error)
	CreateAccount(ctx context.Context, a *storage.Account) error
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error

	GetRefreshTokenByHash(ctx context.Context, hash string) (*storage.RefreshToken, error)
	CreateRefreshToken(ctx context.Context, accountID uuid.UUID, tokenHash string, expiresAt time.Time) (uuid.UUID, error)
	RotateRefreshToken(ctx context.Context, oldID uuid.UUID, accountID uuid.UUID, newHash string, expiresAt time.Time) (uuid.UUID, error)
	RevokeRefreshTokenByHash(ctx context.Context, hash string) error
	RevokeAllRefreshTokens(ctx context.Context, accountID uuid.UUID) error

	UpsertOAuthLink(ctx context.Context, link *storage.OAuthLink) error
}

// SecondFactor is the slice of the multi-factor verifier the issuer needs.
type SecondFactor interface {
	Verify(ctx context.Context, accountID uuid.UUID, factor mfa.Factor, code string) error
}

// IdentityProvider is the slice of the OAuth client the issuer needs.
type IdentityProvider interface {
	AuthCodeURL(p oauth.Provider, state string) (string, error)
	ExchangeIdentity(ctx context.Context, p oauth.Provider, code string) (*oauth.Identity, *oauth2.Token, error)
}

type Issuer struct {
	Store    Store
	MFA      SecondFactor
	IdP      IdentityProvider
	Events   *notify.EventPublisher
	Logger   *slog.Logger
	Clock    Clock
	TokenGen security.TokenGenerator

	Secret     []byte
	IssuerName string
	Argon2     security.Argon2Params

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	PendingTTL time.Duration

	// OAuthBypassSecondFactor preserves the historical behavior of federated
	// logins skipping a locally enabled second factor. Off means federated
	// logins go through the pending-token flow like password logins.
	OAuthBypassSecondFactor bool
}

func NewIssuer(store Store, mfaVerifier SecondFactor, idp IdentityProvider, events *notify.EventPublisher, logger *slog.Logger, secret []byte, issuerName string) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		Store:                   store,
		MFA:                     mfaVerifier,
		IdP:                     idp,
		Events:                  events,
		Logger:                  logger,
		Clock:                   systemClock{},
		TokenGen:                security.DefaultTokenGenerator{},
		Secret:                  secret,
		IssuerName:              issuerName,
		Argon2:                  security.DefaultArgon2Params(),
		AccessTTL:               24 * time.Hour,
		RefreshTTL:              30 * 24 * time.Hour,
		PendingTTL:              10 * time.Minute,
		OAuthBypassSecondFactor: true,
	}
}

type AccountInfo struct {
	ID               uuid.UUID `json:"id"`
	Email            string    `json:"email"`
	Name             string    `json:"name"`
	EmailVerified    bool      `json:"email_verified"`
	TwoFactorEnabled bool      `json:"two_factor_enabled"`
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type LoginResult struct {
	RequiresSecondFactor bool
	PendingToken         string
	Tokens               *TokenPair
	Account              AccountInfo
}

// normalizeEmail collapses case and surrounding whitespace so every entry
// point resolves the same mailbox to the same account row.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func accountInfo(a *storage.Account) AccountInfo {
	return AccountInfo{
		ID:               a.ID,
		Email:            a.Email,
		Name:             a.DisplayName,
		EmailVerified:    a.EmailVerified,
		TwoFactorEnabled: a.TwoFactorEnabled,
	}
}

// Register provisions a password account and fires the welcome notice
// best-effort.
func (i *Issuer) Register(ctx context.Context, email, password, name string) (*AccountInfo, error) {
	email = normalizeEmail(email)
	if _, err := i.Store.GetAccountByEmail(ctx, email); err == nil {
		return nil, authfail.EmailTaken()
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	hash, err := security.HashPassword(password, i.Argon2)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	account := &storage.Account{
		Email:        email,
		PasswordHash: &hash,
		DisplayName:  name,
		Active:       true,
		AuthMethod:   storage.AuthMethodPassword,
	}
	if err := i.Store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	i.Events.PublishEmail(ctx, notify.Message{
		To:       account.Email,
		Template: notify.TemplateWelcome,
		Data:     map[string]string{"name": account.DisplayName},
	})

	info := accountInfo(account)
	return &info, nil
}

// Login verifies the password and either issues a session pair or, when a
// second factor is enabled, a pending token. Last-login is untouched until
// the login actually completes.
func (i *Issuer) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	account, err := i.Store.GetAccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.LoginAttempts.WithLabelValues("invalid_credentials").Inc()
			return nil, authfail.InvalidCredentials()
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	if !account.Active {
		metrics.LoginAttempts.WithLabelValues("deactivated").Inc()
		return nil, authfail.AccountDeactivated()
	}
	if account.PasswordHash == nil {
		metrics.LoginAttempts.WithLabelValues("password_unavailable").Inc()
		return nil, authfail.PasswordLoginUnavailable()
	}

	ok, err := security.VerifyPassword(password, *account.PasswordHash)
	if err != nil || !ok {
		metrics.LoginAttempts.WithLabelValues("invalid_credentials").Inc()
		return nil, authfail.InvalidCredentials()
	}

	if account.TwoFactorEnabled {
		pending, err := security.NewPendingToken(account.ID.String(), i.Secret, i.PendingTTL, i.Clock.Now(), i.IssuerName)
		if err != nil {
			return nil, fmt.Errorf("mint pending token: %w", err)
		}
		metrics.LoginAttempts.WithLabelValues("second_factor_required").Inc()
		return &LoginResult{
			RequiresSecondFactor: true,
			PendingToken:         pending,
			Account:              accountInfo(account),
		}, nil
	}

	return i.completeLogin(ctx, account, "password")
}

// CompleteSecondFactor exchanges a pending token plus a valid code for a
// session pair. The pending token's short lifetime is its only replay
// defense; there is no server-side tracking.
func (i *Issuer) CompleteSecondFactor(ctx context.Context, pendingToken string, factor mfa.Factor, code string) (*LoginResult, error) {
	claims, err := security.ParsePendingToken(pendingToken, i.Secret, i.Clock.Now())
	if err != nil {
		return nil, authfail.InvalidOrExpiredTempToken()
	}
	accountID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, authfail.InvalidOrExpiredTempToken()
	}

	if err := i.MFA.Verify(ctx, accountID, factor, code); err != nil {
		if authfail.KindOf(err) != authfail.KindUnknown {
			return nil, err
		}
		return nil, fmt.Errorf("verify second factor: %w", err)
	}

	account, err := i.Store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !account.Active {
		return nil, authfail.AccountDeactivated()
	}

	return i.completeLogin(ctx, account, "second_factor")
}

func (i *Issuer) completeLogin(ctx context.Context, account *storage.Account, method string) (*LoginResult, error) {
	now := i.Clock.Now()
	if err := i.Store.UpdateLastLogin(ctx, account.ID, now); err != nil {
		return nil, fmt.Errorf("update last login: %w", err)
	}

	pair, err := i.issuePair(ctx, account)
	if err != nil {
		return nil, err
	}

	metrics.LoginAttempts.WithLabelValues("success").Inc()
	i.Events.PublishAudit(ctx, account.ID.String(), "login."+method, "", "")
	i.Logger.Info("login", "account_id", account.ID, "method", method)

	return &LoginResult{Tokens: pair, Account: accountInfo(account)}, nil
}

func (i *Issuer) issuePair(ctx context.Context, account *storage.Account) (*TokenPair, error) {
	now := i.Clock.Now()

	access, err := security.NewAccessToken(account.ID.String(), account.Email, account.DisplayName, i.Secret, i.AccessTTL, now, i.IssuerName)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	refresh, refreshHash, err := i.TokenGen.New()
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}
	if _, err := i.Store.CreateRefreshToken(ctx, account.ID, refreshHash, now.Add(i.RefreshTTL)); err != nil {
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(i.AccessTTL.Seconds()),
	}, nil
}

// Refresh rotates a refresh token: the presented record is atomically
// revoked and a brand-new pair issued. A revoked record presented again is
// treated as theft evidence and the whole token family is revoked.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	hash := security.HashToken(refreshToken)

	record, err := i.Store.GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.RefreshRotations.WithLabelValues("invalid").Inc()
			return nil, authfail.InvalidRefreshToken()
		}
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}

	if record.RevokedAt != nil {
		metrics.RefreshReuseDetected.Inc()
		metrics.RefreshRotations.WithLabelValues("reuse").Inc()
		if err := i.Store.RevokeAllRefreshTokens(ctx, record.AccountID); err != nil {
			i.Logger.Error("revoke token family", "account_id", record.AccountID, "error", err)
		}
		i.Events.PublishAudit(ctx, record.AccountID.String(), "refresh.reuse_detected", "", "")
		i.Logger.Warn("refresh token reuse detected", "account_id", record.AccountID)
		return nil, authfail.InvalidRefreshToken()
	}

	now := i.Clock.Now()
	if record.ExpiresAt.Before(now) {
		metrics.RefreshRotations.WithLabelValues("expired").Inc()
		_ = i.Store.RevokeRefreshTokenByHash(ctx, hash)
		return nil, authfail.RefreshTokenExpired()
	}

	account, err := i.Store.GetAccountByID(ctx, record.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !account.Active {
		return nil, authfail.AccountDeactivated()
	}

	newRefresh, newHash, err := i.TokenGen.New()
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}

	if _, err := i.Store.RotateRefreshToken(ctx, record.ID, record.AccountID, newHash, now.Add(i.RefreshTTL)); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// a concurrent refresh won the conditional revoke
			metrics.RefreshReuseDetected.Inc()
			metrics.RefreshRotations.WithLabelValues("reuse").Inc()
			return nil, authfail.InvalidRefreshToken()
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	access, err := security.NewAccessToken(account.ID.String(), account.Email, account.DisplayName, i.Secret, i.AccessTTL, now, i.IssuerName)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	metrics.RefreshRotations.WithLabelValues("success").Inc()
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: newRefresh,
		ExpiresIn:    int64(i.AccessTTL.Seconds()),
	}, nil
}

// ValidateToken checks a session token. Pending second-factor tokens are
// rejected by construction.
func (i *Issuer) ValidateToken(tokenString string) (*security.Claims, error) {
	return security.ParseAccessToken(tokenString, i.Secret, i.Clock.Now())
}

func (i *Issuer) OAuthURL(provider oauth.Provider, state string) (string, error) {
	return i.IdP.AuthCodeURL(provider, state)
}

// OAuthLogin completes the authorization-code flow: exchange, identity
// fetch, find-or-create by normalized email, link upsert, session issuance.
func (i *Issuer) OAuthLogin(ctx context.Context, provider oauth.Provider, code string) (*LoginResult, error) {
	identity, tokens, err := i.IdP.ExchangeIdentity(ctx, provider, code)
	if err != nil {
		return nil, err
	}
	email := normalizeEmail(identity.Email)
	if email == "" {
		return nil, authfail.OAuthExchangeFailed()
	}

	account, err := i.Store.GetAccountByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lookup account: %w", err)
		}
		account = &storage.Account{
			Email:         email,
			DisplayName:   identity.Name,
			Active:        true,
			EmailVerified: true,
			AuthMethod:    storage.AuthMethodOAuth2,
		}
		if err := i.Store.CreateAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("create account: %w", err)
		}
		i.Events.PublishEmail(ctx, notify.Message{
			To:       account.Email,
			Template: notify.TemplateWelcome,
			Data:     map[string]string{"name": account.DisplayName},
		})
	}

	if !account.Active {
		return nil, authfail.AccountDeactivated()
	}

	link := &storage.OAuthLink{
		AccountID:   account.ID,
		Provider:    string(provider),
		ProviderID:  identity.ProviderID,
		AccessToken: tokens.AccessToken,
		TokenType:   tokens.TokenType,
	}
	if tokens.RefreshToken != "" {
		link.RefreshToken = &tokens.RefreshToken
	}
	if !tokens.Expiry.IsZero() {
		expiry := tokens.Expiry
		link.ExpiresAt = &expiry
	}
	if err := i.Store.UpsertOAuthLink(ctx, link); err != nil {
		return nil, fmt.Errorf("upsert oauth link: %w", err)
	}

	if account.TwoFactorEnabled && !i.OAuthBypassSecondFactor {
		pending, err := security.NewPendingToken(account.ID.String(), i.Secret, i.PendingTTL, i.Clock.Now(), i.IssuerName)
		if err != nil {
			return nil, fmt.Errorf("mint pending token: %w", err)
		}
		metrics.LoginAttempts.WithLabelValues("second_factor_required").Inc()
		return &LoginResult{
			RequiresSecondFactor: true,
			PendingToken:         pending,
			Account:              accountInfo(account),
		}, nil
	}

	return i.completeLogin(ctx, account, "oauth_"+string(provider))
}

// Logout revokes the presented refresh token. Unknown tokens are a no-op.
func (i *Issuer) Logout(ctx context.Context, refreshToken string) error {
	if err := i.Store.RevokeRefreshTokenByHash(ctx, security.HashToken(refreshToken)); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// LogoutAll revokes every outstanding refresh token for the account.
func (i *Issuer) LogoutAll(ctx context.Context, accountID uuid.UUID) error {
	if err := i.Store.RevokeAllRefreshTokens(ctx, accountID); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	i.Events.PublishAudit(ctx, accountID.String(), "logout.all", "", "")
	return nil
}
