package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"go.opentelemetry.io/otel"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
)

var (
	ErrEmptyLockKey      = errors.New("lock key cannot be empty")
	ErrLockExpiryInvalid = errors.New("lock expiry must be greater than 0")
	ErrLockNotHeld       = errors.New("lock was not held or already expired")
	ErrNilLockHandle     = errors.New("lock handle is nil")
)

// LockManager hands out single-attempt distributed locks.
type LockManager struct {
	redsync *redsync.Redsync
	logger  log.Logger
}

func NewLockManager(ctx context.Context, client *Client) (*LockManager, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	rdb, err := client.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock manager: %w", err)
	}

	return &LockManager{redsync: redsync.New(goredis.NewPool(rdb)), logger: client.logger}, nil
}

// LockHandle is a held lock.
type LockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
}

// Unlock releases the lock. ErrLockNotHeld means it expired first and another
// holder may have taken it.
func (h *LockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil && !errors.Is(err, redsync.ErrLockAlreadyExpired) {
		return fmt.Errorf("unlock %s: %w", h.mutex.Name(), err)
	}

	if !ok || err != nil {
		h.logger.Log(ctx, log.LevelWarn, "lock was not held or already expired", log.String("lock_key", h.mutex.Name()))

		return ErrLockNotHeld
	}

	return nil
}

// TryLock makes one attempt. acquired is false, with a nil error, when
// another holder owns key.
func (m *LockManager) TryLock(ctx context.Context, key string, ttl time.Duration) (*LockHandle, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyLockKey
	}

	if ttl <= 0 {
		return nil, false, ErrLockExpiryInvalid
	}

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.lock.try_lock")
	defer span.End()

	mutex := m.redsync.NewMutex(key, redsync.WithExpiry(ttl), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			m.logger.Log(ctx, log.LevelDebug, "lock already held by another process", log.String("lock_key", key))

			return nil, false, nil
		}

		opentelemetry.HandleSpanError(span, "lock attempt failed", err)

		return nil, false, fmt.Errorf("try lock %s: %w", key, err)
	}

	return &LockHandle{mutex: mutex, logger: m.logger}, true, nil
}
