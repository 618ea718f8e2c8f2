// Package apikeys manages long-lived machine credentials: issuance with a
// show-once secret, metadata listing, revocation, and the verification path
// used by the request middleware.
package apikeys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/careops/medstock-auth/internal/authfail"
	"github.com/careops/medstock-auth/internal/notify"
	"github.com/careops/medstock-auth/internal/storage"
	"github.com/careops/medstock-auth/libs/apikey"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Store interface {
	CreateAPIKey(ctx context.Context, key *storage.APIKey) error
	ListAPIKeys(ctx context.Context, accountID uuid.UUID) ([]storage.APIKey, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*storage.APIKey, error)
	RevokeAPIKey(ctx context.Context, accountID uuid.UUID, keyID uuid.UUID) (bool, error)
	TouchAPIKey(ctx context.Context, keyID uuid.UUID) error
}

type Manager struct {
	Store  Store
	Events *notify.EventPublisher
	Logger *slog.Logger
	Clock  Clock

	// Env tags generated keys, e.g. mk_live_... vs mk_test_...
	Env string
}

func NewManager(store Store, events *notify.EventPublisher, logger *slog.Logger, env string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Store:  store,
		Events: events,
		Logger: logger,
		Clock:  systemClock{},
		Env:    env,
	}
}

// Metadata is what listings and the create response carry. The secret never
// appears here.
type Metadata struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Prefix      string     `json:"prefix"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func metadataOf(k *storage.APIKey) Metadata {
	return Metadata{
		ID:          k.ID,
		Name:        k.Name,
		Description: k.Description,
		Prefix:      k.Prefix,
		ExpiresAt:   k.ExpiresAt,
		LastUsedAt:  k.LastUsedAt,
		CreatedAt:   k.CreatedAt,
	}
}

// Create mints a key and returns the full secret exactly once. Only the
// hash is persisted.
func (m *Manager) Create(ctx context.Context, accountID uuid.UUID, name, description string, expiresAt *time.Time) (Metadata, string, error) {
	fullKey, prefix, hash, err := apikey.Generate(m.Env)
	if err != nil {
		return Metadata{}, "", fmt.Errorf("generate api key: %w", err)
	}

	record := &storage.APIKey{
		AccountID:   accountID,
		Name:        name,
		Description: description,
		Prefix:      prefix,
		KeyHash:     hash,
		ExpiresAt:   expiresAt,
	}
	if err := m.Store.CreateAPIKey(ctx, record); err != nil {
		return Metadata{}, "", fmt.Errorf("persist api key: %w", err)
	}

	m.Events.PublishAudit(ctx, accountID.String(), "apikey.created", "", "")
	m.Logger.Info("api key created", "account_id", accountID, "key_id", record.ID, "prefix", prefix)

	return metadataOf(record), fullKey, nil
}

// List returns the account's keys, newest first, metadata only.
func (m *Manager) List(ctx context.Context, accountID uuid.UUID) ([]Metadata, error) {
	keys, err := m.Store.ListAPIKeys(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	out := make([]Metadata, 0, len(keys))
	for i := range keys {
		out = append(out, metadataOf(&keys[i]))
	}
	return out, nil
}

// Revoke marks the key revoked. Keys belonging to another account are
// indistinguishable from keys that never existed.
func (m *Manager) Revoke(ctx context.Context, accountID uuid.UUID, keyID uuid.UUID) error {
	revoked, err := m.Store.RevokeAPIKey(ctx, accountID, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if !revoked {
		return authfail.NotFound()
	}
	m.Events.PublishAudit(ctx, accountID.String(), "apikey.revoked", "", "")
	return nil
}

// VerifyKey resolves a presented key to its owning account. Invalid,
// revoked, and expired keys all fail the same way to the caller.
func (m *Manager) VerifyKey(ctx context.Context, presented string) (uuid.UUID, error) {
	_, prefix, _, err := apikey.Parse(presented)
	if err != nil {
		return uuid.Nil, authfail.InvalidCredentials()
	}

	record, err := m.Store.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, authfail.InvalidCredentials()
		}
		return uuid.Nil, fmt.Errorf("lookup api key: %w", err)
	}

	err = apikey.Verify(presented, apikey.Record{
		ID:        record.ID.String(),
		AccountID: record.AccountID.String(),
		KeyHash:   record.KeyHash,
		ExpiresAt: record.ExpiresAt,
		RevokedAt: record.RevokedAt,
	}, m.Clock.Now())
	if err != nil {
		return uuid.Nil, authfail.InvalidCredentials()
	}

	if err := m.Store.TouchAPIKey(ctx, record.ID); err != nil {
		m.Logger.Warn("touch api key", "key_id", record.ID, "error", err)
	}
	return record.AccountID, nil
}
