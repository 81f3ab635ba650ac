package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LABPAAD/site-paad-backend/internal/kv"
	"github.com/LABPAAD/site-paad-backend/internal/observability"
)

const (
	defaultMaxAttempts      = 5
	defaultLockWindow       = 15 * time.Minute
	defaultAttemptRetention = 24 * time.Hour
)

type attemptRecord struct {
	Attempts  int        `json:"attempts"`
	LockUntil *time.Time `json:"lockUntil,omitempty"`
}

func (r attemptRecord) lockedAt(now time.Time) bool {
	return r.LockUntil != nil && now.Before(*r.LockUntil)
}

func (r attemptRecord) lockExpiredAt(now time.Time) bool {
	return r.LockUntil != nil && !now.Before(*r.LockUntil)
}

// LoginGuard counts failed attempts per key and locks the key for a fixed
// window once the count reaches the maximum. Records without a lock are
// kept for a retention period and refreshed on every failure.
type LoginGuard struct {
	state        kv.Store
	namespace    string
	maxAttempts  int
	lockDuration time.Duration
	retention    time.Duration
	now          func() time.Time
	logger       *observability.Logger
}

type GuardOptions struct {
	Namespace    string
	MaxAttempts  int
	LockDuration time.Duration
	Retention    time.Duration
	Now          func() time.Time
	Logger       *observability.Logger
}

func NewLoginGuard(state kv.Store, opts GuardOptions) *LoginGuard {
	g := &LoginGuard{
		state:        state,
		namespace:    opts.Namespace,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
		retention:    defaultAttemptRetention,
		now:          time.Now,
		logger:       opts.Logger,
	}
	if opts.MaxAttempts > 0 {
		g.maxAttempts = opts.MaxAttempts
	}
	if opts.LockDuration > 0 {
		g.lockDuration = opts.LockDuration
	}
	if opts.Retention > 0 {
		g.retention = opts.Retention
	}
	if opts.Now != nil {
		g.now = opts.Now
	}
	// A record must outlive its lock or the lock ends early.
	if g.retention < g.lockDuration {
		g.retention = g.lockDuration
	}
	return g
}

// IsLocked reports whether key is locked and until when. A record whose
// lock has expired is removed.
func (g *LoginGuard) IsLocked(ctx context.Context, key string) (bool, time.Time, error) {
	raw, err := g.state.Get(ctx, g.key(key))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("load login attempts: %w", err)
	}

	record, err := decodeAttempt(raw)
	if err != nil {
		return false, time.Time{}, err
	}

	now := g.now()
	if record.lockedAt(now) {
		return true, *record.LockUntil, nil
	}
	if record.lockExpiredAt(now) {
		if err := g.purgeExpired(ctx, key); err != nil {
			return false, time.Time{}, err
		}
	}
	return false, time.Time{}, nil
}

// RecordFailure increments the counter for key and engages the lock when
// the count reaches the maximum. It returns the lock expiry when the key is
// locked after this failure.
func (g *LoginGuard) RecordFailure(ctx context.Context, key string) (time.Time, error) {
	var lockedUntil time.Time
	engaged := false
	attempts := 0

	err := g.state.Update(ctx, g.key(key), g.retention, func(current []byte, found bool) ([]byte, error) {
		lockedUntil, engaged, attempts = time.Time{}, false, 0
		now := g.now()

		record := attemptRecord{}
		if found {
			decoded, err := decodeAttempt(current)
			if err != nil {
				return nil, err
			}
			record = decoded
		}
		if record.lockExpiredAt(now) {
			record = attemptRecord{}
		}

		record.Attempts++
		attempts = record.Attempts
		if record.Attempts >= g.maxAttempts && record.LockUntil == nil {
			until := now.Add(g.lockDuration)
			record.LockUntil = &until
			engaged = true
		}
		if record.LockUntil != nil {
			lockedUntil = *record.LockUntil
		}

		return json.Marshal(record)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("record login failure: %w", err)
	}

	if engaged {
		g.logger.Warn("login_lock_engaged", map[string]any{
			"namespace":    g.namespace,
			"attempts":     attempts,
			"locked_until": lockedUntil.UTC().Format(time.RFC3339),
		})
	}
	return lockedUntil, nil
}

// RecordSuccess clears any failures recorded for key.
func (g *LoginGuard) RecordSuccess(ctx context.Context, key string) error {
	if err := g.state.Delete(ctx, g.key(key)); err != nil {
		return fmt.Errorf("clear login attempts: %w", err)
	}
	return nil
}

func (g *LoginGuard) purgeExpired(ctx context.Context, key string) error {
	err := g.state.Update(ctx, g.key(key), g.retention, func(current []byte, found bool) ([]byte, error) {
		if !found {
			return nil, nil
		}
		record, err := decodeAttempt(current)
		if err != nil {
			return nil, err
		}
		if record.lockExpiredAt(g.now()) {
			return nil, nil
		}
		return current, nil
	})
	if err != nil {
		return fmt.Errorf("purge expired login lock: %w", err)
	}
	return nil
}

func (g *LoginGuard) key(key string) string {
	return g.namespace + key
}

func decodeAttempt(raw []byte) (attemptRecord, error) {
	var record attemptRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return attemptRecord{}, fmt.Errorf("decode login attempts: %w", err)
	}
	return record, nil
}
