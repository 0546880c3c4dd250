// Package leaselock implements expiring advisory locks on top of the
// app_locks table. A held lease is renewed in the background; the
// holder watches the lease context, which is cancelled with ErrLost
// once ownership can no longer be proven. Expired leases are stolen
// by later holders, so a crashed process never wedges a key.
package leaselock

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrBusy is returned by Acquire when the key is held elsewhere
	// and waiting is disabled.
	ErrBusy = errors.New("leaselock: busy")
	// ErrLost cancels the lease context when a renewal finds the
	// lease gone.
	ErrLost = errors.New("leaselock: lease lost")
)

// querier is the subset of pgxpool.Pool the locker needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Locker hands out leases against one database.
type Locker struct {
	db querier
}

func New(pool *pgxpool.Pool) *Locker {
	return &Locker{db: pool}
}

// Options tune one acquisition.
type Options struct {
	// TTL is how long the lease outlives its last renewal.
	TTL time.Duration
	// RenewInterval is the background renewal period. Must be shorter
	// than TTL; out-of-range values fall back to TTL/3.
	RenewInterval time.Duration

	// Wait retries acquisition until the key frees up instead of
	// returning ErrBusy.
	Wait         bool
	WaitInterval time.Duration
	WaitJitter   time.Duration

	// TokenPrefix marks the holder token so owners can be told apart
	// in the table.
	TokenPrefix string
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 2 * time.Minute
	}
	if o.RenewInterval <= 0 || o.RenewInterval >= o.TTL {
		o.RenewInterval = o.TTL / 3
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = 250 * time.Millisecond
	}
	if o.WaitJitter < 0 {
		o.WaitJitter = 0
	}
	return o
}

// Lease is one held lock. Context ends when the lease is released or
// lost; work guarded by the lease should run under it.
type Lease struct {
	Key     string
	Token   string
	Context context.Context

	locker *Locker
	cancel context.CancelCauseFunc

	once   sync.Once
	stopCh chan struct{}
}

// WithLease runs fn while holding key and releases afterwards.
func (l *Locker) WithLease(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = lease.Release(context.Background())
	}()
	return fn(lease.Context)
}

// Acquire takes the lease for key and starts its renewal loop.
func (l *Locker) Acquire(ctx context.Context, key string, opts Options) (*Lease, error) {
	if key == "" {
		return nil, errors.New("leaselock: key required")
	}
	opts = opts.withDefaults()
	ttlMS := opts.TTL.Milliseconds()

	suffix, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	token := opts.TokenPrefix + suffix

	for {
		taken, err := l.tryAcquire(ctx, key, token, ttlMS)
		if err != nil {
			return nil, err
		}
		if taken {
			break
		}
		if !opts.Wait {
			return nil, ErrBusy
		}
		if err := sleepJitter(ctx, opts.WaitInterval, opts.WaitJitter); err != nil {
			return nil, err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	lease := &Lease{
		Key:     key,
		Token:   token,
		Context: leaseCtx,
		locker:  l,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
	go lease.renewLoop(opts.RenewInterval, ttlMS)
	return lease, nil
}

func (l *Locker) tryAcquire(ctx context.Context, key, token string, ttlMS int64) (bool, error) {
	var got string
	err := l.db.QueryRow(ctx, acquireSQL, key, token, ttlMS).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got != "", nil
}

// Release drops the lease and stops renewal. Safe to call more than
// once.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		close(l.stopCh)
		l.cancel(context.Canceled)
	})
	_, err := l.locker.db.Exec(ctx, releaseSQL, l.Key, l.Token)
	return err
}

const renewAttempts = 3

func (l *Lease) renewLoop(every time.Duration, ttlMS int64) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-l.Context.Done():
			return
		case <-ticker.C:
			if err := l.renew(ttlMS); err != nil {
				l.cancel(err)
				return
			}
		}
	}
}

// renew extends the expiry, retrying transient database errors. A
// renewal that finds no row means another holder stole the expired
// lease.
func (l *Lease) renew(ttlMS int64) error {
	var lastErr error
	for attempt := range renewAttempts {
		rctx, cancel := context.WithTimeout(l.Context, 15*time.Second)
		var got string
		err := l.locker.db.QueryRow(rctx, renewSQL, l.Key, l.Token, ttlMS).Scan(&got)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLost
		}
		lastErr = err
		if attempt < renewAttempts-1 {
			if err := sleepJitter(l.Context, 200*time.Millisecond, 0); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func sleepJitter(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int64N(int64(jitter) + 1))
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const acquireSQL = `
INSERT INTO app_locks (lock_key, holder, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (lock_key) DO UPDATE
SET holder     = EXCLUDED.holder,
    expires_at = EXCLUDED.expires_at
WHERE app_locks.expires_at < now()
   OR app_locks.holder = EXCLUDED.holder
RETURNING lock_key;
`

const renewSQL = `
UPDATE app_locks
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE lock_key = $1 AND holder = $2
RETURNING lock_key;
`

const releaseSQL = `
DELETE FROM app_locks
WHERE lock_key = $1 AND holder = $2;
`
