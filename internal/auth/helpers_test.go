package auth

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/LABPAAD/site-paad-backend/internal/authz"
	"github.com/LABPAAD/site-paad-backend/internal/domain"
	"github.com/LABPAAD/site-paad-backend/internal/kv"
	"github.com/LABPAAD/site-paad-backend/internal/observability"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestMain(m *testing.M) {
	passwordCost = bcrypt.MinCost
	os.Exit(m.Run())
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeAccounts struct {
	mu       sync.Mutex
	byID     map[string]Account
	findErr  error
	writeErr error
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{byID: make(map[string]Account)}
}

func (f *fakeAccounts) put(account Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[account.ID] = account
}

func (f *fakeAccounts) get(id string) Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id]
}

func (f *fakeAccounts) FindByIdentifier(_ context.Context, identifier string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return Account{}, f.findErr
	}
	for _, account := range f.byID {
		if account.Email == identifier {
			return account, nil
		}
	}
	return Account{}, domain.ErrNotFound
}

func (f *fakeAccounts) FindByID(_ context.Context, id string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return Account{}, f.findErr
	}
	account, ok := f.byID[id]
	if !ok {
		return Account{}, domain.ErrNotFound
	}
	return account, nil
}

func (f *fakeAccounts) SetPasswordHash(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	account, ok := f.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	account.PasswordHash = hash
	f.byID[id] = account
	return nil
}

func (f *fakeAccounts) SetTwoFactorState(_ context.Context, id, secret string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	account, ok := f.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	account.TwoFactorSecret = secret
	account.TwoFactorEnabled = enabled
	f.byID[id] = account
	return nil
}

func (f *fakeAccounts) CreateAccount(_ context.Context, account Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.Email == account.Email {
			return domain.New(domain.KindConflict, "email already registered")
		}
	}
	f.byID[account.ID] = account
	return nil
}

func (f *fakeAccounts) SetRole(_ context.Context, id, role string) error {
	return f.update(id, func(account *Account) { account.Role = role })
}

func (f *fakeAccounts) SetStatus(_ context.Context, id, status string) error {
	return f.update(id, func(account *Account) { account.Status = status })
}

func (f *fakeAccounts) update(id string, change func(*Account)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	account, ok := f.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	change(&account)
	f.byID[id] = account
	return nil
}

type sentLink struct {
	accountID string
	token     string
}

type recordingDelivery struct {
	mu    sync.Mutex
	links []sentLink
	err   error
}

func (d *recordingDelivery) DeliverResetLink(_ context.Context, accountID, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.links = append(d.links, sentLink{accountID: accountID, token: token})
	return nil
}

func (d *recordingDelivery) last(t *testing.T) sentLink {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.links, "no reset link delivered")
	return d.links[len(d.links)-1]
}

func (d *recordingDelivery) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}

type fixture struct {
	service  *Service
	accounts *fakeAccounts
	delivery *recordingDelivery
	state    *kv.Memory
	clock    *testClock
	gate     *authz.Gate
}

type fixtureOwners struct{}

func (fixtureOwners) OwnerFacts(_ context.Context, ref authz.ResourceRef) (authz.OwnershipFact, error) {
	switch ref {
	case authz.ResourceRef{Kind: authz.ResourceProject, ID: "proj-1"}:
		return authz.OwnershipFact{OwnerID: "member-1"}, nil
	case authz.ResourceRef{Kind: authz.ResourcePublication, ID: "pub-1"}:
		return authz.OwnershipFact{MemberIDs: []string{"member-1"}}, nil
	}
	if ref.Kind == authz.ResourceAccount {
		return authz.OwnershipFact{OwnerID: ref.ID}, nil
	}
	return authz.OwnershipFact{}, domain.ErrNotFound
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := newTestClock()
	accounts := newFakeAccounts()
	delivery := &recordingDelivery{}
	state := kv.NewMemory(kv.WithClock(clock.Now))
	logger := observability.Discard()
	gate := authz.NewGate(fixtureOwners{}, logger)

	service, err := NewService(accounts, state, delivery, logger, Config{
		JWTSecret: testSecret,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	service.WithAccountManagement(accounts, gate)

	return &fixture{
		service:  service,
		accounts: accounts,
		delivery: delivery,
		state:    state,
		clock:    clock,
		gate:     gate,
	}
}

func (f *fixture) addAccount(t *testing.T, id, email, role, password string) Account {
	t.Helper()
	hash, err := hashPassword(password)
	require.NoError(t, err)

	account := Account{
		ID:           id,
		Email:        strings.ToLower(email),
		FullName:     "Test " + id,
		Role:         role,
		Status:       StatusActive,
		PasswordHash: hash,
	}
	f.accounts.put(account)
	return account
}

// enableTwoFactor runs a full enrollment for id and returns the secret.
func (f *fixture) enableTwoFactor(t *testing.T, id string) string {
	t.Helper()
	ctx := context.Background()

	enrollment, err := f.service.BeginEnrollment(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.service.ConfirmEnrollment(ctx, id, f.code(t, enrollment.Secret)))

	// The confirmation code stays burned for its window.
	f.clock.Advance(time.Duration(totpPeriod) * time.Second)
	return enrollment.Secret
}

func (f *fixture) code(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, f.clock.Now(), totpOptions)
	require.NoError(t, err)
	return code
}
