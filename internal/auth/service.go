package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LABPAAD/site-paad-backend/internal/authz"
	"github.com/LABPAAD/site-paad-backend/internal/domain"
	"github.com/LABPAAD/site-paad-backend/internal/kv"
	"github.com/LABPAAD/site-paad-backend/internal/observability"
)

const (
	defaultChallengeTTL  = 5 * time.Minute
	loginGuardPrefix     = "login:"
	secondFactorPrefix   = "login2fa:"
	pendingSecondFactor  = "2fa:pending:"
	revokedSessionPrefix = "session:revoked:"
)

type Config struct {
	JWTSecret    string
	SessionTTL   time.Duration
	MaxAttempts  int
	LockDuration time.Duration
	ResetTTL     time.Duration
	TOTPIssuer   string
	// ChallengeTTL bounds the gap between the password step and the
	// second-factor step of a login.
	ChallengeTTL time.Duration
	Now          func() time.Time
	Rand         io.Reader
}

// Service is the single entry point of the auth core.
type Service struct {
	accounts     CredentialStore
	manager      AccountManager
	gate         *authz.Gate
	state        kv.Store
	guard        *LoginGuard
	secondFactor *LoginGuard
	sessions     *SessionIssuer
	twoFactor    *TwoFactorManager
	resets       *PasswordResetManager
	challengeTTL time.Duration
	now          func() time.Time
	logger       *observability.Logger
}

func NewService(accounts CredentialStore, state kv.Store, delivery ResetDelivery, logger *observability.Logger, cfg Config) (*Service, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	random := cfg.Rand
	if random == nil {
		random = defaultRand
	}
	challengeTTL := cfg.ChallengeTTL
	if challengeTTL <= 0 {
		challengeTTL = defaultChallengeTTL
	}

	sessions, err := NewSessionIssuer(cfg.JWTSecret, cfg.SessionTTL, now)
	if err != nil {
		return nil, err
	}

	guardOptions := GuardOptions{
		Namespace:    loginGuardPrefix,
		MaxAttempts:  cfg.MaxAttempts,
		LockDuration: cfg.LockDuration,
		Now:          now,
		Logger:       logger,
	}
	secondFactorOptions := guardOptions
	secondFactorOptions.Namespace = secondFactorPrefix

	return &Service{
		accounts:     accounts,
		state:        state,
		guard:        NewLoginGuard(state, guardOptions),
		secondFactor: NewLoginGuard(state, secondFactorOptions),
		sessions:     sessions,
		twoFactor:    NewTwoFactorManager(accounts, state, cfg.TOTPIssuer, now, random, logger),
		resets:       NewPasswordResetManager(accounts, state, delivery, cfg.ResetTTL, now, random, logger),
		challengeTTL: challengeTTL,
		now:          now,
		logger:       logger,
	}, nil
}

// WithAccountManagement enables account creation, updates and
// BootstrapAdmin.
func (s *Service) WithAccountManagement(manager AccountManager, gate *authz.Gate) *Service {
	s.manager = manager
	s.gate = gate
	return s
}

func (s *Service) SessionTTL() time.Duration {
	return s.sessions.TTL()
}

// Login verifies a password. Missing, inactive and mismatching accounts all
// fail with the same InvalidCredentials error. Accounts with two-factor
// enabled get a challenge instead of a token.
func (s *Service) Login(ctx context.Context, identifier, password string) (LoginResult, error) {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" || password == "" {
		return LoginResult{}, domain.New(domain.KindValidation, "email and password are required")
	}

	locked, until, err := s.guard.IsLocked(ctx, identifier)
	if err != nil {
		return LoginResult{}, err
	}
	if locked {
		return LoginResult{}, domain.LockedError{Until: until}
	}

	account, err := s.accounts.FindByIdentifier(ctx, identifier)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return LoginResult{}, fmt.Errorf("load account: %w", err)
	}
	found := err == nil

	hash := ""
	if found && account.Active() {
		hash = account.PasswordHash
	}
	if !passwordMatches(hash, password) {
		if _, err := s.guard.RecordFailure(ctx, identifier); err != nil {
			return LoginResult{}, err
		}
		s.logger.Info("login_failed", map[string]any{"account_found": found})
		return LoginResult{}, domain.ErrInvalidCredentials
	}

	if err := s.guard.RecordSuccess(ctx, identifier); err != nil {
		return LoginResult{}, err
	}

	if account.TwoFactorEnabled {
		if err := s.state.Set(ctx, pendingSecondFactor+account.ID, []byte(identifier), s.challengeTTL); err != nil {
			return LoginResult{}, fmt.Errorf("store two-factor challenge: %w", err)
		}
		return LoginResult{TwoFactorRequired: true, AccountID: account.ID, Email: account.Email}, nil
	}

	return s.issue(account)
}

// CompleteTwoFactorLogin finishes a login that returned TwoFactorRequired.
// It needs a password step for the same account within the challenge
// window, and failures are throttled separately from password failures.
func (s *Service) CompleteTwoFactorLogin(ctx context.Context, identifier, code string) (LoginResult, error) {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" || strings.TrimSpace(code) == "" {
		return LoginResult{}, domain.New(domain.KindValidation, "email and code are required")
	}

	locked, until, err := s.secondFactor.IsLocked(ctx, identifier)
	if err != nil {
		return LoginResult{}, err
	}
	if locked {
		return LoginResult{}, domain.LockedError{Until: until}
	}

	account, err := s.accounts.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return LoginResult{}, s.secondFactorFailure(ctx, identifier, domain.ErrUnauthorized)
		}
		return LoginResult{}, fmt.Errorf("load account: %w", err)
	}
	if !account.Active() || !account.TwoFactorEnabled || account.TwoFactorSecret == "" {
		return LoginResult{}, s.secondFactorFailure(ctx, identifier, domain.ErrUnauthorized)
	}

	if _, err := s.state.Get(ctx, pendingSecondFactor+account.ID); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return LoginResult{}, s.secondFactorFailure(ctx, identifier, domain.New(domain.KindUnauthorized, "password step required"))
		}
		return LoginResult{}, fmt.Errorf("load two-factor challenge: %w", err)
	}

	ok, err := s.twoFactor.VerifyLogin(ctx, account, code)
	if err != nil {
		return LoginResult{}, err
	}
	if !ok {
		return LoginResult{}, s.secondFactorFailure(ctx, identifier, domain.ErrInvalidCode)
	}

	if err := s.secondFactor.RecordSuccess(ctx, identifier); err != nil {
		return LoginResult{}, err
	}
	if err := s.state.Delete(ctx, pendingSecondFactor+account.ID); err != nil {
		return LoginResult{}, fmt.Errorf("clear two-factor challenge: %w", err)
	}

	return s.issue(account)
}

// Logout revokes the token for the rest of its lifetime. Invalid or
// expired tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.sessions.Verify(token)
	if err != nil {
		return nil
	}

	remaining := claims.ExpiresAt.Time.Sub(s.now())
	if remaining <= 0 || claims.ID == "" {
		return nil
	}
	if err := s.state.Set(ctx, revokedSessionPrefix+claims.ID, []byte(claims.Subject), remaining); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	s.logger.Info("logout", map[string]any{"account_id": claims.Subject})
	return nil
}

// Authenticate resolves a session token to the current account. Tokens of
// revoked sessions and of missing or inactive accounts are invalid.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.sessions.Verify(token)
	if err != nil {
		return Principal{}, err
	}

	if claims.ID != "" {
		_, err := s.state.Get(ctx, revokedSessionPrefix+claims.ID)
		if err == nil {
			return Principal{}, domain.ErrInvalidToken
		}
		if !errors.Is(err, kv.ErrNotFound) {
			return Principal{}, fmt.Errorf("check session revocation: %w", err)
		}
	}

	account, err := s.accounts.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Principal{}, domain.ErrInvalidToken
		}
		return Principal{}, fmt.Errorf("load session account: %w", err)
	}
	if !account.Active() {
		return Principal{}, domain.ErrInvalidToken
	}

	role := account.EffectiveRole()
	return Principal{
		AccountID:              account.ID,
		Email:                  account.Email,
		FullName:               account.FullName,
		Role:                   role,
		TwoFactorEnabled:       account.TwoFactorEnabled,
		TwoFactorSetupRequired: role.RequiresTwoFactor() && !account.TwoFactorEnabled,
		SessionID:              claims.ID,
		ExpiresAt:              claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) BeginEnrollment(ctx context.Context, accountID string) (Enrollment, error) {
	return s.twoFactor.BeginEnrollment(ctx, accountID)
}

func (s *Service) ConfirmEnrollment(ctx context.Context, accountID, code string) error {
	if strings.TrimSpace(code) == "" {
		return domain.New(domain.KindValidation, "code is required")
	}
	return s.twoFactor.ConfirmEnrollment(ctx, accountID, code)
}

func (s *Service) DisableTwoFactor(ctx context.Context, accountID string, input DisableInput) error {
	return s.twoFactor.Disable(ctx, accountID, input)
}

func (s *Service) RequestReset(ctx context.Context, identifier string) error {
	return s.resets.RequestReset(ctx, identifier)
}

func (s *Service) ConsumeReset(ctx context.Context, token, newPassword string) error {
	return s.resets.ConsumeReset(ctx, token, newPassword)
}

// CreateAccount registers an account on behalf of requester. Accounts
// requested by a monitor start inactive until a coordinator approves them.
func (s *Service) CreateAccount(ctx context.Context, requester *authz.Requester, input NewAccount) (CreatedAccount, error) {
	if s.manager == nil || s.gate == nil {
		return CreatedAccount{}, errors.New("account management is not configured")
	}
	if requester == nil || requester.AccountID == "" {
		return CreatedAccount{}, domain.ErrUnauthorized
	}

	assignment, err := s.gate.CanAssignRole(requester.Role.String(), input.Role)
	if err != nil {
		return CreatedAccount{}, err
	}

	status := StatusActive
	if assignment.PendingApproval {
		status = StatusInactive
	}

	account, err := s.newAccount(input, assignment.Role, status)
	if err != nil {
		return CreatedAccount{}, err
	}
	if err := s.manager.CreateAccount(ctx, account); err != nil {
		return CreatedAccount{}, fmt.Errorf("create account: %w", err)
	}

	s.logger.Info("account_created", map[string]any{
		"account_id":       account.ID,
		"role":             assignment.Role.String(),
		"created_by":       requester.AccountID,
		"pending_approval": assignment.PendingApproval,
	})

	return CreatedAccount{
		Account:                account.Summary(),
		PendingApproval:        assignment.PendingApproval,
		TwoFactorSetupRequired: assignment.Role.RequiresTwoFactor(),
	}, nil
}

// UpdateAccount changes the role or status of account id on behalf of
// requester. Role changes follow the CreateAccount assignment rules, and a
// role change requested by a monitor leaves the account inactive until a
// coordinator approves it. Only coordinators may modify another privileged
// account.
func (s *Service) UpdateAccount(ctx context.Context, requester *authz.Requester, id string, input AccountUpdate) (UpdatedAccount, error) {
	if s.manager == nil || s.gate == nil {
		return UpdatedAccount{}, errors.New("account management is not configured")
	}
	if requester == nil || requester.AccountID == "" {
		return UpdatedAccount{}, domain.ErrUnauthorized
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return UpdatedAccount{}, domain.New(domain.KindValidation, "account id is required")
	}
	if input.Role == nil && input.Status == nil {
		return UpdatedAccount{}, domain.New(domain.KindValidation, "role or status is required")
	}
	if input.Role != nil && strings.TrimSpace(*input.Role) == "" {
		return UpdatedAccount{}, domain.New(domain.KindValidation, "role must not be empty")
	}

	status := ""
	if input.Status != nil {
		parsed, err := parseStatus(*input.Status)
		if err != nil {
			return UpdatedAccount{}, err
		}
		if requester.Role != authz.RoleCoordinator && requester.Role != authz.RoleLabInstructor {
			return UpdatedAccount{}, domain.New(domain.KindForbidden, "only coordinators and lab instructors may change account status")
		}
		if parsed == StatusInactive && id == requester.AccountID {
			return UpdatedAccount{}, domain.New(domain.KindForbidden, "you cannot deactivate your own account")
		}
		status = parsed
	}

	target, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		return UpdatedAccount{}, fmt.Errorf("load account: %w", err)
	}
	if target.EffectiveRole().Privileged() {
		if err := s.gate.CanMutate(ctx, authz.ResourceRef{Kind: authz.ResourceAccount, ID: id}, requester); err != nil {
			return UpdatedAccount{}, err
		}
	}

	role := target.EffectiveRole()
	pending := false
	if input.Role != nil {
		assignment, err := s.gate.CanAssignRole(requester.Role.String(), *input.Role)
		if err != nil {
			return UpdatedAccount{}, err
		}
		pending = assignment.PendingApproval && assignment.Role != role
		role = assignment.Role
	}
	if pending {
		status = StatusInactive
	}

	if input.Role != nil && role.String() != target.Role {
		if err := s.manager.SetRole(ctx, id, role.String()); err != nil {
			return UpdatedAccount{}, fmt.Errorf("update role: %w", err)
		}
		target.Role = role.String()
	}
	if status != "" && status != target.Status {
		if err := s.manager.SetStatus(ctx, id, status); err != nil {
			return UpdatedAccount{}, fmt.Errorf("update status: %w", err)
		}
		target.Status = status
	}

	s.logger.Info("account_updated", map[string]any{
		"account_id":       id,
		"role":             role.String(),
		"status":           target.Status,
		"updated_by":       requester.AccountID,
		"pending_approval": pending,
	})

	return UpdatedAccount{
		Account:                target.Summary(),
		PendingApproval:        pending,
		TwoFactorSetupRequired: role.RequiresTwoFactor() && !target.TwoFactorEnabled,
	}, nil
}

// DeactivateAccount marks account id inactive. Accounts are never removed.
func (s *Service) DeactivateAccount(ctx context.Context, requester *authz.Requester, id string) (AccountSummary, error) {
	status := StatusInactive
	updated, err := s.UpdateAccount(ctx, requester, id, AccountUpdate{Status: &status})
	if err != nil {
		return AccountSummary{}, err
	}
	return updated.Account, nil
}

// BootstrapAdmin creates the first coordinator from configuration. An
// existing account with that e-mail is left untouched.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password, fullName string) error {
	email = normalizeIdentifier(email)
	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return errors.New("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}
	if s.manager == nil {
		return errors.New("account management is not configured")
	}

	_, err := s.accounts.FindByIdentifier(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("look up admin account: %w", err)
	}

	if strings.TrimSpace(fullName) == "" {
		fullName = "PAAD Coordinator"
	}
	account, err := s.newAccount(NewAccount{Email: email, FullName: fullName, Password: password}, authz.RoleCoordinator, StatusActive)
	if err != nil {
		return err
	}
	if err := s.manager.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return fmt.Errorf("create admin account: %w", err)
	}

	s.logger.Info("admin_bootstrapped", map[string]any{"account_id": account.ID})
	return nil
}

func (s *Service) newAccount(input NewAccount, role authz.Role, status string) (Account, error) {
	email := normalizeIdentifier(input.Email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return Account{}, domain.New(domain.KindValidation, "a valid email is required")
	}
	fullName := strings.TrimSpace(input.FullName)
	if fullName == "" {
		return Account{}, domain.New(domain.KindValidation, "full name is required")
	}

	passwordHash := ""
	if input.Password != "" {
		if err := validatePassword(input.Password); err != nil {
			return Account{}, err
		}
		hash, err := hashPassword(input.Password)
		if err != nil {
			return Account{}, err
		}
		passwordHash = hash
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := s.now().UTC()
	return Account{
		ID:           id.String(),
		Email:        email,
		FullName:     fullName,
		Role:         role.String(),
		Status:       status,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func parseStatus(raw string) (string, error) {
	switch status := strings.ToUpper(strings.TrimSpace(raw)); status {
	case StatusActive, StatusInactive:
		return status, nil
	default:
		return "", domain.New(domain.KindValidation, "status must be ACTIVE or INACTIVE")
	}
}

func (s *Service) issue(account Account) (LoginResult, error) {
	token, err := s.sessions.Issue(account.ID, account.EffectiveRole())
	if err != nil {
		return LoginResult{}, err
	}

	summary := account.Summary()
	expiresAt := token.ExpiresAt
	s.logger.Info("login_succeeded", map[string]any{"account_id": account.ID})

	return LoginResult{Token: token.Value, ExpiresAt: &expiresAt, Account: &summary}, nil
}

func (s *Service) secondFactorFailure(ctx context.Context, identifier string, cause error) error {
	if _, err := s.secondFactor.RecordFailure(ctx, identifier); err != nil {
		return err
	}
	return cause
}
