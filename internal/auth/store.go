package auth

import (
	"context"
	"net/url"
	"strings"

	"github.com/LABPAAD/site-paad-backend/internal/observability"
)

// CredentialStore is the persistence the auth core needs. Lookups return
// an error matching domain.ErrNotFound when the account does not exist.
type CredentialStore interface {
	FindByIdentifier(ctx context.Context, identifier string) (Account, error)
	FindByID(ctx context.Context, id string) (Account, error)
	SetPasswordHash(ctx context.Context, id, hash string) error
	SetTwoFactorState(ctx context.Context, id, secret string, enabled bool) error
}

// AccountCreator persists new accounts. A duplicate e-mail yields an error
// matching domain.ErrConflict.
type AccountCreator interface {
	CreateAccount(ctx context.Context, account Account) error
}

// AccountManager creates accounts and changes the role or status of
// existing ones. Updates of a missing account yield domain.ErrNotFound.
type AccountManager interface {
	AccountCreator
	SetRole(ctx context.Context, id, role string) error
	SetStatus(ctx context.Context, id, status string) error
}

type ResetDelivery interface {
	DeliverResetLink(ctx context.Context, accountID, plaintextToken string) error
}

// LogDelivery stands in for an e-mail sender. It records that a link was
// issued; the link itself is only written when revealLinks is set, which
// should never be the case outside local development.
type LogDelivery struct {
	logger      *observability.Logger
	frontendURL string
	revealLinks bool
}

func NewLogDelivery(logger *observability.Logger, frontendURL string, revealLinks bool) *LogDelivery {
	return &LogDelivery{logger: logger, frontendURL: frontendURL, revealLinks: revealLinks}
}

func (d *LogDelivery) DeliverResetLink(_ context.Context, accountID, plaintextToken string) error {
	fields := map[string]any{"account_id": accountID}
	if d.revealLinks {
		fields["reset_link"] = ResetLink(d.frontendURL, plaintextToken)
	}
	d.logger.Info("password_reset_link_issued", fields)
	return nil
}

// ResetLink builds the front-end URL a user follows to choose a new password.
func ResetLink(frontendURL, token string) string {
	base := strings.TrimRight(strings.TrimSpace(frontendURL), "/")
	return base + "/reset-password?token=" + url.QueryEscape(token)
}
