package auth

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LABPAAD/site-paad-backend/internal/kv"
	"github.com/LABPAAD/site-paad-backend/internal/observability"
)

const contentionSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

func newRedisState(t *testing.T) *kv.Redis {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return kv.NewRedis(client, "paad:")
}

func TestTwoFactorCodeAcceptedOnceUnderRedisContention(t *testing.T) {
	clock := newTestClock()
	manager := NewTwoFactorManager(newFakeAccounts(), newRedisState(t), "", clock.Now, nil, observability.Discard())
	ctx := context.Background()

	code, err := totp.GenerateCodeCustom(contentionSecret, clock.Now(), totpOptions)
	require.NoError(t, err)

	const rounds = 20
	const callers = 16

	for round := 0; round < rounds; round++ {
		accountID := fmt.Sprintf("member-%d", round)

		var accepted atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				// Callers that give up on contention count as rejected.
				ok, err := manager.checkCode(ctx, accountID, contentionSecret, code)
				if err == nil && ok {
					accepted.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), accepted.Load(), "round %d", round)
	}
}

func TestLoginGuardEngagesOnceUnderRedisContention(t *testing.T) {
	clock := newTestClock()
	var buf bytes.Buffer
	guard := NewLoginGuard(newRedisState(t), GuardOptions{
		Namespace:   "login:",
		MaxAttempts: 3,
		Now:         clock.Now,
		Logger:      observability.NewLoggerTo(&buf),
	})
	ctx := context.Background()

	// Redis.Update retries eight times, so eight callers always get through.
	const callers = 8

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := guard.RecordFailure(ctx, "ana@paad.dev")
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "login_lock_engaged"))

	locked, _, err := guard.IsLocked(ctx, "ana@paad.dev")
	require.NoError(t, err)
	assert.True(t, locked)
}
