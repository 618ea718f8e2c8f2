package storage

import (
	"time"

	"github.com/google/uuid"
)

// AuthMethod tags how an account was provisioned.
const (
	AuthMethodPassword = "password"
	AuthMethodOAuth2   = "oauth2"
)

type Account struct {
	ID           uuid.UUID
	Email        string
	PasswordHash *string
	DisplayName  string
	Active       bool

	EmailVerified bool
	AuthMethod    string

	TwoFactorEnabled    bool
	TwoFactorSecret     *string
	BackupCodeHashes    []string
	TwoFactorVerifiedAt *time.Time

	LastLoginAt *time.Time
	CreatedAt   time.Time
}

type OAuthLink struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Provider   string
	ProviderID string

	AccessToken  string
	RefreshToken *string
	TokenType    string
	ExpiresAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type RefreshToken struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

type EmailOTP struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Code      string
	Purpose   string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

type APIKey struct {
	ID          uuid.UUID
	AccountID   uuid.UUID
	Name        string
	Description string
	Prefix      string
	KeyHash     string
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	RevokedAt   *time.Time
	CreatedAt   time.Time
}
