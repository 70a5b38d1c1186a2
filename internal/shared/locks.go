package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ProductLockKey builds the redis key guarding a product's lot timeline.
func ProductLockKey(productID int64) string {
	return fmt.Sprintf("costing:product:%d:lock", productID)
}

// ProductLease serialises mutations of a product's lot timeline across
// processes. Two writers for the same product must not interleave; writers
// for different products proceed independently.
type ProductLease struct {
	client  *redis.Client
	ttl     time.Duration
	wait    time.Duration
	backoff time.Duration
}

// NewProductLease constructs the lease manager. ttl bounds how long a crashed
// holder can block others; wait bounds how long Acquire spins before giving up.
func NewProductLease(client *redis.Client, ttl, wait time.Duration) *ProductLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &ProductLease{client: client, ttl: ttl, wait: wait, backoff: 50 * time.Millisecond}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire takes the lease for productID and returns a release function.
// Returns ErrLockNotAcquired when the lease stays held past the wait budget.
func (l *ProductLease) Acquire(ctx context.Context, productID int64) (func(), error) {
	if l == nil || l.client == nil {
		// No redis configured: single-process deployments fall back to the
		// database transaction for serialisation.
		return func() {}, nil
	}
	key := ProductLockKey(productID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("product lease: %w", err)
		}
		if ok {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}
			return release, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.backoff):
		}
	}
}
