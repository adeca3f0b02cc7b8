package presence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// LastSeenStore remembers when a user's last connection went away.
type LastSeenStore interface {
	Touch(ctx context.Context, userID string, at time.Time) error
	// LastSeen returns nil when the user has never been seen.
	LastSeen(ctx context.Context, userID string) (*time.Time, error)
}

type RedisLastSeen struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLastSeen(rdb *redis.Client, ttl time.Duration) *RedisLastSeen {
	return &RedisLastSeen{rdb: rdb, ttl: ttl}
}

// key: gigchat:lastseen:<user>, value: unix millis
func lastSeenKey(userID string) string { return "gigchat:lastseen:" + userID }

func (s *RedisLastSeen) Touch(ctx context.Context, userID string, at time.Time) error {
	err := s.rdb.Set(ctx, lastSeenKey(userID), at.UnixMilli(), s.ttl).Err()
	return errors.Wrap(err, "lastseen.Touch")
}

func (s *RedisLastSeen) LastSeen(ctx context.Context, userID string) (*time.Time, error) {
	val, err := s.rdb.Get(ctx, lastSeenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "lastseen.Get")
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "lastseen: bad value for %s", userID)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

type MemoryLastSeen struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryLastSeen() *MemoryLastSeen {
	return &MemoryLastSeen{seen: make(map[string]time.Time)}
}

func (s *MemoryLastSeen) Touch(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[userID] = at
	return nil
}

func (s *MemoryLastSeen) LastSeen(_ context.Context, userID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.seen[userID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}
