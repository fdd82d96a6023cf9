// Package auth owns the OAuth token lifecycle for connected accounts.
package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"unibox_worker/core/domain"
	"unibox_worker/core/port/in"
	"unibox_worker/core/port/out"
	"unibox_worker/pkg/apperr"
	"unibox_worker/pkg/crypto"
	"unibox_worker/pkg/logger"
)

// refreshMargin is how close to expiry a stored access token may get
// before a cycle refreshes it. Wide enough that the token outlives the
// cycle it was handed to.
const refreshMargin = 5 * time.Minute

// TokenService decrypts stored refresh tokens, keeps access tokens
// fresh, and flips accounts to needs_reconnect on terminal auth
// failures. It is the only component that ever sees a refresh token in
// the clear.
type TokenService struct {
	accountRepo out.AccountRepository
	providers   out.MailProviderFactory
	vault       *crypto.Vault
}

// NewTokenService creates a new token service.
func NewTokenService(accountRepo out.AccountRepository, providers out.MailProviderFactory, vault *crypto.Vault) *TokenService {
	return &TokenService{
		accountRepo: accountRepo,
		providers:   providers,
		vault:       vault,
	}
}

// EnsureFreshToken returns a usable access token for the account.
// The stored token is reused while it has at least refreshMargin left;
// otherwise the refresh token is decrypted and exchanged at the
// provider, and the rotated credentials are persisted before returning.
func (s *TokenService) EnsureFreshToken(ctx context.Context, account *domain.Account) (string, error) {
	if account.TokenFresh(refreshMargin) {
		return account.AccessToken, nil
	}

	refreshToken, err := s.vault.Decrypt(account.RefreshTokenEncrypted)
	if err != nil {
		if crypto.IsTerminal(err) {
			s.markNeedsReconnect(ctx, account, "stored refresh token unreadable")
			return "", apperr.NeedsReconnect(account.ID)
		}
		return "", apperr.InternalWithError(err)
	}

	provider, err := s.providers.ProviderFor(account.Provider)
	if err != nil {
		return "", apperr.InternalWithError(err)
	}

	newToken, err := provider.RefreshToken(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
	})
	if err != nil {
		if out.IsProviderErrCode(err, out.ProviderErrInvalidGrant) {
			s.markNeedsReconnect(ctx, account, "refresh token revoked by provider")
			return "", apperr.NeedsReconnect(account.ID)
		}
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	// Providers may rotate the refresh token on exchange. Only a
	// non-empty replacement goes back through the vault; the repository
	// keeps the stored ciphertext when handed an empty value.
	var encrypted string
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		encrypted, err = s.vault.Encrypt(newToken.RefreshToken)
		if err != nil {
			return "", apperr.InternalWithError(err)
		}
	}

	if err := s.accountRepo.UpdateTokens(ctx, account.ID, newToken.AccessToken, encrypted, newToken.Expiry); err != nil {
		return "", apperr.DatabaseError("update account tokens", err)
	}

	account.AccessToken = newToken.AccessToken
	account.TokenExpiry = newToken.Expiry
	if encrypted != "" {
		account.RefreshTokenEncrypted = encrypted
	}

	return newToken.AccessToken, nil
}

func (s *TokenService) markNeedsReconnect(ctx context.Context, account *domain.Account, reason string) {
	logger.Warn("account %s needs reconnect: %s", account.ID, reason)
	account.Status = domain.AccountNeedsReconnect
	account.StatusReason = reason
	if err := s.accountRepo.UpdateStatus(ctx, account.ID, domain.AccountNeedsReconnect, reason); err != nil {
		logger.Error("failed to update account status: account=%s err=%v", account.ID, err)
	}
}

var _ in.TokenService = (*TokenService)(nil)
