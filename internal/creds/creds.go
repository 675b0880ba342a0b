// Package creds turns a stored account row into a usable plaintext access
// token, refreshing through the provider when the stored token has expired.
// Both the sync engine and the mutation gateway go through here.
package creds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vonshlovens/cloudsync-pg/internal/db"
	"github.com/vonshlovens/cloudsync-pg/internal/provider"
	"github.com/vonshlovens/cloudsync-pg/internal/vault"
)

// ErrRefreshFailed means the provider rejected the refresh attempt or no
// refresh token exists. Not retried; the account needs a reconnect.
var ErrRefreshFailed = errors.New("credential refresh failed")

// Store is the slice of the metadata store needed to persist rotated tokens.
type Store interface {
	UpdateAccountTokens(ctx context.Context, id int64, accessToken string, refreshToken *string, expiresAt *time.Time) error
}

// Manager decrypts and refreshes account credentials.
type Manager struct {
	vault *vault.Vault
	store Store
}

// NewManager builds a Manager around the process vault.
func NewManager(v *vault.Vault, store Store) *Manager {
	return &Manager{vault: v, store: store}
}

// AccessToken returns a plaintext access token for acct, refreshing and
// persisting new tokens when the stored one has expired. Corrupt ciphertext
// surfaces as vault.ErrCredentialCorrupt before any provider call is made.
func (m *Manager) AccessToken(ctx context.Context, acct *db.Account, p provider.Provider) (string, error) {
	accessToken, err := m.vault.Decrypt(acct.AccessToken)
	if err != nil {
		return "", fmt.Errorf("account %d access token: %w", acct.ID, err)
	}

	if acct.TokenExpiresAt == nil || acct.TokenExpiresAt.After(time.Now()) {
		return accessToken, nil
	}

	if acct.RefreshToken == nil {
		return "", fmt.Errorf("%w: token expired and no refresh token stored for account %d", ErrRefreshFailed, acct.ID)
	}

	refreshToken, err := m.vault.Decrypt(*acct.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("account %d refresh token: %w", acct.ID, err)
	}

	pair, err := p.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	encAccess, err := m.vault.Encrypt(pair.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypting refreshed access token: %w", err)
	}

	var encRefresh *string
	if pair.RefreshToken != "" {
		enc, err := m.vault.Encrypt(pair.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("encrypting rotated refresh token: %w", err)
		}
		encRefresh = &enc
	}

	expiresAt := pair.ExpiresAt
	if err := m.store.UpdateAccountTokens(ctx, acct.ID, encAccess, encRefresh, &expiresAt); err != nil {
		return "", fmt.Errorf("persisting refreshed tokens: %w", err)
	}

	acct.AccessToken = encAccess
	if encRefresh != nil {
		acct.RefreshToken = encRefresh
	}
	acct.TokenExpiresAt = &expiresAt

	slog.Info("access token refreshed", "account_id", acct.ID, "provider", acct.Provider)
	return pair.AccessToken, nil
}
