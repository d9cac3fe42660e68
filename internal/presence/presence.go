// Package presence tracks binary online/offline state in Redis. A user
// is online while at least one of their sockets is connected.
package presence

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const connCountKey = "presence:conns"

type Tracker struct {
	rdb *redis.Client
}

func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{rdb: rdb}
}

// Connected bumps the user's connection count. Called once per opened
// socket; a user with several open conversation views stays online until
// the last one closes.
func (t *Tracker) Connected(ctx context.Context, user string) error {
	return t.rdb.HIncrBy(ctx, connCountKey, user, 1).Err()
}

// Disconnected decrements the count and clears the entry at zero.
func (t *Tracker) Disconnected(ctx context.Context, user string) error {
	n, err := t.rdb.HIncrBy(ctx, connCountKey, user, -1).Result()
	if err != nil {
		return err
	}
	if n <= 0 {
		return t.rdb.HDel(ctx, connCountKey, user).Err()
	}
	return nil
}

// Online lists users with at least one live connection.
func (t *Tracker) Online(ctx context.Context) ([]string, error) {
	return t.rdb.HKeys(ctx, connCountKey).Result()
}

// IsOnline reports whether the user has a live connection.
func (t *Tracker) IsOnline(ctx context.Context, user string) (bool, error) {
	return t.rdb.HExists(ctx, connCountKey, user).Result()
}
