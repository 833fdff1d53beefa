package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SweepLease elects a single runner per sweep cycle. All sweep writes are
// idempotent, so a lost or expired lease degrades to duplicate work, not
// duplicate effects.
type SweepLease interface {
	// TryAcquire returns true when this process holds the named lease for
	// the TTL. A release func is returned so a finished sweep can free the
	// lease early; releasing a lease that already expired is a no-op.
	TryAcquire(ctx context.Context, name string) (bool, func(), error)
}

type redisSweepLease struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSweepLease(client *redis.Client, ttl time.Duration) SweepLease {
	return &redisSweepLease{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisSweepLease) TryAcquire(ctx context.Context, name string) (bool, func(), error) {
	key := fmt.Sprintf("lease:sweep:%s", name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("acquire sweep lease: %w", err)
	}
	if !ok {
		return false, nil, nil
	}

	release := func() {
		_, _ = unlockScript.Run(context.Background(), l.client, []string{key}, token).Result()
	}

	return true, release, nil
}
