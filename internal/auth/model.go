package auth

import (
	"strings"
	"time"

	"github.com/LABPAAD/site-paad-backend/internal/authz"
)

const (
	StatusActive   = "ACTIVE"
	StatusInactive = "INACTIVE"
)

// Account is a credential record as loaded from the store. Role holds the
// raw stored value; use EffectiveRole for any decision.
type Account struct {
	ID               string
	Email            string
	FullName         string
	Role             string
	Status           string
	PasswordHash     string
	TwoFactorSecret  string
	TwoFactorEnabled bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (a Account) Active() bool {
	return strings.EqualFold(a.Status, StatusActive)
}

func (a Account) EffectiveRole() authz.Role {
	return authz.Normalize(a.Role)
}

func (a Account) Summary() AccountSummary {
	return AccountSummary{
		ID:               a.ID,
		Email:            a.Email,
		FullName:         a.FullName,
		Role:             a.EffectiveRole(),
		Status:           a.Status,
		TwoFactorEnabled: a.TwoFactorEnabled,
	}
}

// AccountSummary is the only account shape returned to clients.
type AccountSummary struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	FullName         string     `json:"fullName"`
	Role             authz.Role `json:"role"`
	Status           string     `json:"status"`
	TwoFactorEnabled bool       `json:"twoFactorEnabled"`
}

type LoginResult struct {
	TwoFactorRequired bool            `json:"twoFactorRequired"`
	AccountID         string          `json:"accountId,omitempty"`
	Email             string          `json:"email,omitempty"`
	Token             string          `json:"token,omitempty"`
	ExpiresAt         *time.Time      `json:"expiresAt,omitempty"`
	Account           *AccountSummary `json:"user,omitempty"`
}

// Principal is the authenticated caller attached to a request.
type Principal struct {
	AccountID        string     `json:"id"`
	Email            string     `json:"email"`
	FullName         string     `json:"fullName"`
	Role             authz.Role `json:"role"`
	TwoFactorEnabled bool       `json:"twoFactorEnabled"`
	// TwoFactorSetupRequired marks privileged accounts that have not
	// enrolled a second factor yet.
	TwoFactorSetupRequired bool      `json:"twoFactorSetupRequired"`
	SessionID              string    `json:"-"`
	ExpiresAt              time.Time `json:"sessionExpiresAt"`
}

func (p Principal) Requester() *authz.Requester {
	return &authz.Requester{AccountID: p.AccountID, Role: p.Role}
}

type Enrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"otpauthUrl"`
	QRCodeDataURL   string `json:"qrCodeDataUrl"`
}

type DisableInput struct {
	CurrentPassword string
	Code            string
}

// NewAccount is the input for creating an account on behalf of a requester.
type NewAccount struct {
	Email    string
	FullName string
	Password string
	Role     string
}

type CreatedAccount struct {
	Account                AccountSummary `json:"user"`
	PendingApproval        bool           `json:"pendingApproval"`
	TwoFactorSetupRequired bool           `json:"twoFactorSetupRequired"`
}

// AccountUpdate changes an existing account. Nil fields are left alone.
type AccountUpdate struct {
	Role   *string
	Status *string
}

type UpdatedAccount struct {
	Account                AccountSummary `json:"user"`
	PendingApproval        bool           `json:"pendingApproval"`
	TwoFactorSetupRequired bool           `json:"twoFactorSetupRequired"`
}
