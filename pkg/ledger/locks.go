package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Gate serializes access gating per agreement id so that concurrent
// artifact requests cannot both pass a count check with one unit of
// allowance left. No cross-agreement lock exists.
type Gate interface {
	Lock(ctx context.Context, agreementID string) (func(), error)
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedGate returns an in-process gate, sufficient for a single
// connector instance.
func NewKeyedGate() Gate {
	return &keyedMutex{locks: map[string]*lockEntry{}}
}

func (g *keyedMutex) Lock(_ context.Context, agreementID string) (func(), error) {
	g.mu.Lock()
	entry, ok := g.locks[agreementID]
	if !ok {
		entry = &lockEntry{}
		g.locks[agreementID] = entry
	}
	entry.refs++
	g.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		g.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(g.locks, agreementID)
		}
		g.mu.Unlock()
	}, nil
}

// RedisGate serializes gating across connector replicas with a SET NX
// lease per agreement id.
type RedisGate struct {
	Client *redis.Client
	TTL    time.Duration
	Retry  time.Duration
}

func NewRedisGate(client *redis.Client) *RedisGate {
	return &RedisGate{Client: client, TTL: 10 * time.Second, Retry: 25 * time.Millisecond}
}

func (g *RedisGate) Lock(ctx context.Context, agreementID string) (func(), error) {
	key := "gate:" + agreementID
	token := uuid.NewString()
	ttl := g.TTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	retry := g.Retry
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	for {
		ok, err := g.Client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
	release := func() {
		// Delete only our own lease; an expired lease may belong to
		// another holder by now.
		const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
		_ = g.Client.Eval(context.Background(), script, []string{key}, token).Err()
	}
	return release, nil
}
