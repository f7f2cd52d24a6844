package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"aggregate-dispatcher/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyFor derives the lock key for one data document. The format is an
// inter-process contract shared with the writer and must not change.
func KeyFor(db, collection string, doc models.DataDocument) string {
	return fmt.Sprintf("lock__%s__%s__%s__%d__%d",
		db, collection, doc.Identifier, doc.Start, doc.End)
}

// Lock is an acquired lock handle. Token is the fencing value stored under
// the key; only the holder of the matching token may release.
type Lock struct {
	Key      string
	Token    string
	Deadline time.Time
}

// Expired reports whether the lock's TTL has elapsed. A pass that outlives
// its locks must not clear dirty flags.
func (l *Lock) Expired() bool {
	return time.Now().After(l.Deadline)
}

// Locker is the distributed-lock service facade the scheduler depends on.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error)
	Release(ctx context.Context, l *Lock) error
}

// releaseScript deletes the key only while it still holds our token, so a
// lock that expired and was re-acquired by a writer is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Client implements Locker over Redis with SET NX and bounded retries.
type Client struct {
	client     *redis.Client
	retries    int
	retryDelay time.Duration
}

// NewClient creates a lock client. retries bounds how many times a
// contended acquisition is attempted before giving up.
func NewClient(client *redis.Client, retries int) *Client {
	if retries <= 0 {
		retries = 10
	}
	return &Client{
		client:     client,
		retries:    retries,
		retryDelay: 500 * time.Millisecond,
	}
}

// Acquire takes the key for ttl, retrying while a writer holds it. The
// returned handle records the token and the local TTL deadline.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()

	for attempt := 1; attempt <= c.retries; attempt++ {
		ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return &Lock{
				Key:      key,
				Token:    token,
				Deadline: time.Now().Add(ttl),
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}

	return nil, fmt.Errorf("failed to acquire lock %s after %d attempts", key, c.retries)
}

// Release frees the lock if we still hold it. Releasing a lock that already
// expired or was released is not an error.
func (c *Client) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, c.client, []string{l.Key}, l.Token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock %s: %w", l.Key, err)
	}
	return nil
}

// ReleaseAll releases every handle in the slice, logging failures rather
// than stopping; the returned slice is always empty.
func ReleaseAll(ctx context.Context, locker Locker, locks []*Lock) []*Lock {
	for _, l := range locks {
		if err := locker.Release(ctx, l); err != nil {
			slog.Warn("failed to release lock", "key", l.Key, "error", err)
		}
	}
	return nil
}
