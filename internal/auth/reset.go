package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/LABPAAD/site-paad-backend/internal/domain"
	"github.com/LABPAAD/site-paad-backend/internal/kv"
	"github.com/LABPAAD/site-paad-backend/internal/observability"
)

const (
	defaultResetTTL    = 30 * time.Minute
	resetTokenBytes    = 32
	resetTokenPrefix   = "reset:token:"
	resetAccountPrefix = "reset:account:"
)

type resetRecord struct {
	AccountID string    `json:"accountId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PasswordResetManager issues single-use reset tokens. Only the sha256 of a
// token is stored, and each account has at most one live token.
type PasswordResetManager struct {
	store    CredentialStore
	state    kv.Store
	delivery ResetDelivery
	ttl      time.Duration
	now      func() time.Time
	rand     io.Reader
	logger   *observability.Logger
}

func NewPasswordResetManager(store CredentialStore, state kv.Store, delivery ResetDelivery, ttl time.Duration, now func() time.Time, random io.Reader, logger *observability.Logger) *PasswordResetManager {
	if ttl <= 0 {
		ttl = defaultResetTTL
	}
	if now == nil {
		now = time.Now
	}
	if random == nil {
		random = defaultRand
	}
	return &PasswordResetManager{
		store:    store,
		state:    state,
		delivery: delivery,
		ttl:      ttl,
		now:      now,
		rand:     random,
		logger:   logger,
	}
}

// RequestReset issues a token for an active account and hands the
// plaintext to the delivery collaborator. Unknown or inactive identifiers
// are a silent no-op so callers cannot probe for accounts.
func (m *PasswordResetManager) RequestReset(ctx context.Context, identifier string) error {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" {
		return domain.New(domain.KindValidation, "email is required")
	}

	account, err := m.store.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load account for reset: %w", err)
	}
	if !account.Active() {
		return nil
	}

	token, err := randomToken(m.rand, resetTokenBytes)
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}
	hash := HashToken(token)

	payload, err := json.Marshal(resetRecord{AccountID: account.ID, ExpiresAt: m.now().Add(m.ttl)})
	if err != nil {
		return fmt.Errorf("encode reset record: %w", err)
	}
	if err := m.state.Set(ctx, resetTokenPrefix+hash, payload, m.ttl); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}

	var previous string
	err = m.state.Update(ctx, resetAccountPrefix+account.ID, m.ttl, func(current []byte, found bool) ([]byte, error) {
		previous = ""
		if found {
			previous = string(current)
		}
		return []byte(hash), nil
	})
	if err != nil {
		return fmt.Errorf("store reset pointer: %w", err)
	}
	if previous != "" && previous != hash {
		if err := m.state.Delete(ctx, resetTokenPrefix+previous); err != nil {
			return fmt.Errorf("revoke previous reset token: %w", err)
		}
	}

	m.logger.Info("password_reset_requested", map[string]any{"account_id": account.ID})

	if err := m.delivery.DeliverResetLink(ctx, account.ID, token); err != nil {
		return fmt.Errorf("deliver reset link: %w", err)
	}
	return nil
}

// ConsumeReset sets a new password if token names a live reset record and
// burns the record. A token can succeed at most once.
func (m *PasswordResetManager) ConsumeReset(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.ErrInvalidOrExpiredToken
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	passwordHash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}

	hash := HashToken(token)
	raw, err := m.state.Take(ctx, resetTokenPrefix+hash)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return domain.ErrInvalidOrExpiredToken
		}
		return fmt.Errorf("load reset token: %w", err)
	}

	var record resetRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("decode reset record: %w", err)
	}
	now := m.now()
	if !now.Before(record.ExpiresAt) {
		return domain.ErrInvalidOrExpiredToken
	}

	current, err := m.state.Get(ctx, resetAccountPrefix+record.AccountID)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		m.restore(ctx, hash, raw, record.ExpiresAt.Sub(now))
		return fmt.Errorf("load reset pointer: %w", err)
	}
	if string(current) != hash {
		return domain.ErrInvalidOrExpiredToken
	}

	if err := m.store.SetPasswordHash(ctx, record.AccountID, passwordHash); err != nil {
		m.restore(ctx, hash, raw, record.ExpiresAt.Sub(now))
		return fmt.Errorf("update password: %w", err)
	}

	err = m.state.Update(ctx, resetAccountPrefix+record.AccountID, m.ttl, func(current []byte, found bool) ([]byte, error) {
		if found && string(current) != hash {
			return current, nil
		}
		return nil, nil
	})
	if err != nil {
		m.logger.Error("reset_pointer_cleanup_failed", map[string]any{"account_id": record.AccountID, "error": err.Error()})
	}

	m.logger.Info("password_reset_completed", map[string]any{"account_id": record.AccountID})
	return nil
}

// restore puts a taken record back after a failed password write so the
// user can retry with the same link.
func (m *PasswordResetManager) restore(ctx context.Context, hash string, raw []byte, remaining time.Duration) {
	if remaining <= 0 {
		return
	}
	if err := m.state.Set(context.WithoutCancel(ctx), resetTokenPrefix+hash, raw, remaining); err != nil {
		m.logger.Error("reset_token_restore_failed", map[string]any{"error": err.Error()})
	}
}
