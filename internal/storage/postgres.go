package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrConflict is returned when a conditional update matched no rows, e.g. a
// refresh token that was already revoked by a concurrent call.
var ErrConflict = errors.New("conditional update matched no rows")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const accountColumns = `
	id, email, password_hash, display_name, active, email_verified, auth_method,
	two_factor_enabled, two_factor_secret, backup_code_hashes, two_factor_verified_at,
	last_login_at, created_at
`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	if err := row.Scan(
		&a.ID, &a.Email, &a.PasswordHash, &a.DisplayName, &a.Active, &a.EmailVerified, &a.AuthMethod,
		&a.TwoFactorEnabled, &a.TwoFactorSecret, &a.BackupCodeHashes, &a.TwoFactorVerifiedAt,
		&a.LastLoginAt, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE email = $1
	`, email)
	return scanAccount(row)
}

func (s *Store) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, id)
	return scanAccount(row)
}

func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO accounts (email, password_hash, display_name, active, email_verified, auth_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, created_at
	`, a.Email, a.PasswordHash, a.DisplayName, a.Active, a.EmailVerified, a.AuthMethod).Scan(&a.ID, &a.CreatedAt)
}

func (s *Store) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET last_login_at = $2
		WHERE id = $1
	`, id, at)
	return err
}

// EnableTwoFactor persists the confirmed TOTP secret together with the fresh
// backup code hashes in one statement.
func (s *Store) EnableTwoFactor(ctx context.Context, id uuid.UUID, secret string, backupHashes []string, verifiedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET two_factor_enabled = true,
		    two_factor_secret = $2,
		    backup_code_hashes = $3,
		    two_factor_verified_at = $4
		WHERE id = $1
	`, id, secret, backupHashes, verifiedAt)
	return err
}

func (s *Store) DisableTwoFactor(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET two_factor_enabled = false,
		    two_factor_secret = NULL,
		    backup_code_hashes = NULL,
		    two_factor_verified_at = NULL
		WHERE id = $1
	`, id)
	return err
}

func (s *Store) UpdateBackupCodes(ctx context.Context, id uuid.UUID, hashes []string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET backup_code_hashes = $2
		WHERE id = $1
	`, id, hashes)
	return err
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, token_hash, expires_at, revoked_at, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, hash)

	var t RefreshToken
	if err := row.Scan(&t.ID, &t.AccountID, &t.TokenHash, &t.ExpiresAt, &t.RevokedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateRefreshToken(ctx context.Context, accountID uuid.UUID, tokenHash string, expiresAt time.Time) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO refresh_tokens (account_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id
	`, accountID, tokenHash, expiresAt).Scan(&id)
	return id, err
}

// RotateRefreshToken revokes the old record and inserts the replacement in
// one transaction. The revoke is conditional on revoked_at IS NULL, so of two
// concurrent rotations exactly one wins; the loser gets ErrConflict.
func (s *Store) RotateRefreshToken(ctx context.Context, oldID uuid.UUID, accountID uuid.UUID, newHash string, expiresAt time.Time) (uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	cmd, err := tx.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL
	`, oldID)
	if err != nil {
		return uuid.Nil, err
	}
	if cmd.RowsAffected() == 0 {
		return uuid.Nil, ErrConflict
	}

	var newID uuid.UUID
	if err := tx.QueryRow(ctx, `
		INSERT INTO refresh_tokens (account_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id
	`, accountID, newHash, expiresAt).Scan(&newID); err != nil {
		return uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}

	return newID, nil
}

func (s *Store) RevokeRefreshTokenByHash(ctx context.Context, hash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = now()
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, hash)
	return err
}

func (s *Store) RevokeAllRefreshTokens(ctx context.Context, accountID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = now()
		WHERE account_id = $1 AND revoked_at IS NULL
	`, accountID)
	return err
}

// UpsertOAuthLink creates the link on first federated login and refreshes the
// stored provider tokens on every subsequent one. (provider, provider_id) is
// unique.
func (s *Store) UpsertOAuthLink(ctx context.Context, link *OAuthLink) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO oauth_links (account_id, provider, provider_id, access_token, refresh_token, token_type, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (provider, provider_id) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    refresh_token = COALESCE(EXCLUDED.refresh_token, oauth_links.refresh_token),
		    token_type = EXCLUDED.token_type,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = now()
		RETURNING id, account_id, created_at, updated_at
	`, link.AccountID, link.Provider, link.ProviderID, link.AccessToken, link.RefreshToken, link.TokenType, link.ExpiresAt).
		Scan(&link.ID, &link.AccountID, &link.CreatedAt, &link.UpdatedAt)
}

func (s *Store) GetOAuthLink(ctx context.Context, provider, providerID string) (*OAuthLink, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, provider, provider_id, access_token, refresh_token, token_type, expires_at, created_at, updated_at
		FROM oauth_links
		WHERE provider = $1 AND provider_id = $2
	`, provider, providerID)

	var l OAuthLink
	if err := row.Scan(&l.ID, &l.AccountID, &l.Provider, &l.ProviderID, &l.AccessToken, &l.RefreshToken, &l.TokenType, &l.ExpiresAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) CreateEmailOTP(ctx context.Context, otp *EmailOTP) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO email_otps (account_id, code, purpose, expires_at, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, created_at
	`, otp.AccountID, otp.Code, otp.Purpose, otp.ExpiresAt).Scan(&otp.ID, &otp.CreatedAt)
}

// ConsumeEmailOTP marks a matching unused, unexpired row used. The predicate
// and the mutation are one statement, so a code is consumable exactly once.
func (s *Store) ConsumeEmailOTP(ctx context.Context, accountID uuid.UUID, code, purpose string, now time.Time) (bool, error) {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE email_otps
		SET used_at = now()
		WHERE account_id = $1 AND code = $2 AND purpose = $3
		  AND used_at IS NULL AND expires_at > $4
	`, accountID, code, purpose, now)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// VoidEmailOTP retires a row that was persisted but whose delivery failed.
func (s *Store) VoidEmailOTP(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_otps
		SET used_at = now()
		WHERE id = $1 AND used_at IS NULL
	`, id)
	return err
}

func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO api_keys (account_id, name, description, prefix, key_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, created_at
	`, key.AccountID, key.Name, key.Description, key.Prefix, key.KeyHash, key.ExpiresAt).Scan(&key.ID, &key.CreatedAt)
}

func (s *Store) ListAPIKeys(ctx context.Context, accountID uuid.UUID) ([]APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, name, description, prefix, key_hash, expires_at, last_used_at, revoked_at, created_at
		FROM api_keys
		WHERE account_id = $1
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.AccountID, &k.Name, &k.Description, &k.Prefix, &k.KeyHash, &k.ExpiresAt, &k.LastUsedAt, &k.RevokedAt, &k.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, k)
	}
	return items, rows.Err()
}

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, name, description, prefix, key_hash, expires_at, last_used_at, revoked_at, created_at
		FROM api_keys
		WHERE prefix = $1
	`, prefix)

	var k APIKey
	if err := row.Scan(&k.ID, &k.AccountID, &k.Name, &k.Description, &k.Prefix, &k.KeyHash, &k.ExpiresAt, &k.LastUsedAt, &k.RevokedAt, &k.CreatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, accountID uuid.UUID, keyID uuid.UUID) (bool, error) {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE api_keys
		SET revoked_at = now()
		WHERE id = $1 AND account_id = $2 AND revoked_at IS NULL
	`, keyID, accountID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, keyID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE api_keys
		SET last_used_at = now()
		WHERE id = $1
	`, keyID)
	return err
}
