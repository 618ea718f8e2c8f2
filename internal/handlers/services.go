package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/careops/medstock-auth/internal/apikeys"
	"github.com/careops/medstock-auth/internal/mfa"
	"github.com/careops/medstock-auth/internal/oauth"
	"github.com/careops/medstock-auth/internal/security"
	"github.com/careops/medstock-auth/internal/session"
)

type SessionService interface {
	Register(ctx context.Context, email, password, name string) (*session.AccountInfo, error)
	Login(ctx context.Context, email, password string) (*session.LoginResult, error)
	CompleteSecondFactor(ctx context.Context, pendingToken string, factor mfa.Factor, code string) (*session.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*session.TokenPair, error)
	ValidateToken(tokenString string) (*security.Claims, error)
	OAuthURL(provider oauth.Provider, state string) (string, error)
	OAuthLogin(ctx context.Context, provider oauth.Provider, code string) (*session.LoginResult, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, accountID uuid.UUID) error
}

type MFAService interface {
	GenerateSetup(ctx context.Context, accountID uuid.UUID) (*mfa.Setup, error)
	VerifyAndEnable(ctx context.Context, accountID uuid.UUID, secret, code string) ([]string, error)
	Verify(ctx context.Context, accountID uuid.UUID, factor mfa.Factor, code string) error
	SendEmailOTP(ctx context.Context, accountID uuid.UUID, purpose string) error
	Disable(ctx context.Context, accountID uuid.UUID, password, code string) error
	RegenerateBackupCodes(ctx context.Context, accountID uuid.UUID, code string) ([]string, error)
	Status(ctx context.Context, accountID uuid.UUID) (*mfa.Status, error)
}

type APIKeyService interface {
	Create(ctx context.Context, accountID uuid.UUID, name, description string, expiresAt *time.Time) (apikeys.Metadata, string, error)
	List(ctx context.Context, accountID uuid.UUID) ([]apikeys.Metadata, error)
	Revoke(ctx context.Context, accountID uuid.UUID, keyID uuid.UUID) error
	VerifyKey(ctx context.Context, presented string) (uuid.UUID, error)
}
