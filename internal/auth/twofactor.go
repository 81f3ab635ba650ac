package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/LABPAAD/site-paad-backend/internal/domain"
	"github.com/LABPAAD/site-paad-backend/internal/kv"
	"github.com/LABPAAD/site-paad-backend/internal/observability"
)

const (
	defaultTOTPIssuer = "PAAD UFPI"
	totpPeriod        = 30
	totpSkew          = 1
	totpDigits        = otp.DigitsSix
	totpAlgorithm     = otp.AlgorithmSHA1
	totpSecretSize    = 20
	qrCodeSize        = 200
	usedCodePrefix    = "totp:used:"
)

var totpOptions = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    totpDigits,
	Algorithm: totpAlgorithm,
}

// TwoFactorManager drives the DISABLED -> PENDING -> ENABLED enrollment
// state machine stored on the account. Transitions for one account are
// serialized; each one is a single store write.
type TwoFactorManager struct {
	store  CredentialStore
	state  kv.Store
	issuer string
	now    func() time.Time
	rand   io.Reader
	locks  *keyLock
	logger *observability.Logger
}

func NewTwoFactorManager(store CredentialStore, state kv.Store, issuer string, now func() time.Time, random io.Reader, logger *observability.Logger) *TwoFactorManager {
	if strings.TrimSpace(issuer) == "" {
		issuer = defaultTOTPIssuer
	}
	if now == nil {
		now = time.Now
	}
	if random == nil {
		random = defaultRand
	}
	return &TwoFactorManager{
		store:  store,
		state:  state,
		issuer: issuer,
		now:    now,
		rand:   random,
		locks:  newKeyLock(),
		logger: logger,
	}
}

// BeginEnrollment issues a fresh secret, replacing any pending one, and
// leaves two-factor disabled until ConfirmEnrollment succeeds.
func (m *TwoFactorManager) BeginEnrollment(ctx context.Context, accountID string) (Enrollment, error) {
	unlock := m.locks.Lock(accountID)
	defer unlock()

	account, err := m.activeAccount(ctx, accountID)
	if err != nil {
		return Enrollment{}, err
	}
	if account.TwoFactorEnabled {
		return Enrollment{}, domain.New(domain.KindConflict, "two-factor authentication is already enabled")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: account.Email,
		Period:      totpPeriod,
		SecretSize:  totpSecretSize,
		Digits:      totpDigits,
		Algorithm:   totpAlgorithm,
		Rand:        m.rand,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}

	qr, err := qrCodeDataURL(key)
	if err != nil {
		return Enrollment{}, err
	}

	if err := m.store.SetTwoFactorState(ctx, account.ID, key.Secret(), false); err != nil {
		return Enrollment{}, fmt.Errorf("store pending totp secret: %w", err)
	}

	m.logger.Info("two_factor_enrollment_started", map[string]any{"account_id": account.ID})

	return Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCodeDataURL:   qr,
	}, nil
}

// ConfirmEnrollment enables two-factor once the holder proves possession of
// the pending secret. It succeeds at most once per issued secret.
func (m *TwoFactorManager) ConfirmEnrollment(ctx context.Context, accountID, code string) error {
	unlock := m.locks.Lock(accountID)
	defer unlock()

	account, err := m.activeAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.TwoFactorSecret == "" || account.TwoFactorEnabled {
		return domain.ErrNotStarted
	}

	ok, err := m.checkCode(ctx, account.ID, account.TwoFactorSecret, code)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInvalidCode
	}

	if err := m.store.SetTwoFactorState(ctx, account.ID, account.TwoFactorSecret, true); err != nil {
		return fmt.Errorf("enable two-factor: %w", err)
	}

	m.logger.Info("two_factor_enabled", map[string]any{"account_id": account.ID})
	return nil
}

// VerifyLogin checks a login code for an account with two-factor enabled.
// Each accepted code is burned for the rest of its validity window.
func (m *TwoFactorManager) VerifyLogin(ctx context.Context, account Account, code string) (bool, error) {
	if !account.TwoFactorEnabled || account.TwoFactorSecret == "" {
		return false, nil
	}
	return m.checkCode(ctx, account.ID, account.TwoFactorSecret, code)
}

// Disable turns two-factor off. Roles for which a second factor is
// mandatory are always refused.
func (m *TwoFactorManager) Disable(ctx context.Context, accountID string, input DisableInput) error {
	unlock := m.locks.Lock(accountID)
	defer unlock()

	account, err := m.activeAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.EffectiveRole().RequiresTwoFactor() {
		m.logger.Warn("two_factor_disable_refused", map[string]any{
			"account_id": account.ID,
			"role":       account.EffectiveRole().String(),
		})
		return domain.New(domain.KindForbidden, "two-factor authentication is mandatory for this role")
	}
	if !account.TwoFactorEnabled || account.TwoFactorSecret == "" {
		return domain.ErrNotEnabled
	}
	if input.CurrentPassword == "" && strings.TrimSpace(input.Code) == "" {
		return domain.New(domain.KindValidation, "current password or two-factor code is required")
	}

	verified := false
	if input.CurrentPassword != "" && account.PasswordHash != "" {
		verified = passwordMatches(account.PasswordHash, input.CurrentPassword)
	}
	if !verified && strings.TrimSpace(input.Code) != "" {
		verified, err = m.checkCode(ctx, account.ID, account.TwoFactorSecret, input.Code)
		if err != nil {
			return err
		}
	}
	if !verified {
		return domain.New(domain.KindUnauthorized, "invalid credentials to disable two-factor authentication")
	}

	if err := m.store.SetTwoFactorState(ctx, account.ID, "", false); err != nil {
		return fmt.Errorf("disable two-factor: %w", err)
	}

	m.logger.Info("two_factor_disabled", map[string]any{"account_id": account.ID})
	return nil
}

func (m *TwoFactorManager) activeAccount(ctx context.Context, accountID string) (Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Account{}, domain.New(domain.KindValidation, "account id is required")
	}

	account, err := m.store.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Account{}, domain.New(domain.KindNotFound, "account not found or inactive")
		}
		return Account{}, fmt.Errorf("load account: %w", err)
	}
	if !account.Active() {
		return Account{}, domain.New(domain.KindNotFound, "account not found or inactive")
	}
	return account, nil
}

// checkCode validates code against secret and marks it used. A code that
// was already accepted for this account is rejected.
func (m *TwoFactorManager) checkCode(ctx context.Context, accountID, secret, code string) (bool, error) {
	code = sanitizeCode(code)
	if len(code) != totpDigits.Length() {
		return false, nil
	}

	valid, err := totp.ValidateCustom(code, secret, m.now().UTC(), totpOptions)
	if err != nil || !valid {
		return false, nil
	}

	fresh := false
	window := time.Duration(totpPeriod*(2*totpSkew+1)) * time.Second
	err = m.state.Update(ctx, usedCodePrefix+accountID+":"+code, window, func(current []byte, found bool) ([]byte, error) {
		fresh = false
		if found {
			return current, nil
		}
		fresh = true
		return []byte("1"), nil
	})
	if err != nil {
		return false, fmt.Errorf("record used totp code: %w", err)
	}
	if !fresh {
		m.logger.Warn("totp_code_replayed", map[string]any{"account_id": accountID})
	}
	return fresh, nil
}

func sanitizeCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), " ", "")
}

func qrCodeDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return "", fmt.Errorf("render totp qr code: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode totp qr code: %w", err)
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
