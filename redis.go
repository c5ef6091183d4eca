package brainsync

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// PresencePrefix is the Redis key prefix of mirrored presence hashes.
	PresencePrefix = "brainsync:presence:"

	// PresenceTTL bounds how long a mirrored record outlives its last update.
	PresenceTTL = 24 * time.Hour
)

// presenceHash is the Redis representation of a PresenceRecord.
type presenceHash struct {
	UserID        string `redis:"user_id"`
	Online        bool   `redis:"online"`
	Status        string `redis:"status"`
	StatusMessage string `redis:"status_message"`
	LastSeenAt    int64  `redis:"last_seen_at"` // unix millis, 0 while online
}

// RedisPresenceStore mirrors presence records into Redis hashes so that
// processes without a socket of their own can read them. It is a
// PresenceSink.
type RedisPresenceStore struct {
	client  *redis.Client
	logger  *zap.Logger
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisPresenceStore wraps client. logger may be nil.
func NewRedisPresenceStore(client *redis.Client, logger *zap.Logger) *RedisPresenceStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPresenceStore{
		client:  client,
		logger:  logger,
		ttl:     PresenceTTL,
		timeout: 2 * time.Second,
	}
}

// DialRedisPresenceStore connects to addr and verifies the connection.
func DialRedisPresenceStore(ctx context.Context, addr string, logger *zap.Logger) (*RedisPresenceStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence store: redis connection failed: %w", err)
	}
	return NewRedisPresenceStore(client, logger), nil
}

// ApplyPresence writes rec. It reports one patched entry on success.
func (s *RedisPresenceStore) ApplyPresence(rec PresenceRecord) int {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.Save(ctx, rec); err != nil {
		s.logger.Warn("mirror presence", zap.String("user", rec.UserID), zap.Error(err))
		return 0
	}
	return 1
}

// Save writes rec and refreshes its TTL.
func (s *RedisPresenceStore) Save(ctx context.Context, rec PresenceRecord) error {
	var lastSeen int64
	if rec.LastSeenAt != nil {
		lastSeen = rec.LastSeenAt.UnixMilli()
	}
	key := PresencePrefix + rec.UserID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, presenceHash{
		UserID:        rec.UserID,
		Online:        rec.IsOnline,
		Status:        string(rec.Status),
		StatusMessage: rec.StatusMessage,
		LastSeenAt:    lastSeen,
	})
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Load reads the mirrored record of userID. ok is false when none exists.
func (s *RedisPresenceStore) Load(ctx context.Context, userID string) (rec PresenceRecord, ok bool, err error) {
	var h presenceHash
	if err := s.client.HGetAll(ctx, PresencePrefix+userID).Scan(&h); err != nil {
		return PresenceRecord{}, false, err
	}
	if h.UserID == "" {
		return PresenceRecord{}, false, nil
	}
	rec = PresenceRecord{
		UserID:        h.UserID,
		IsOnline:      h.Online,
		Status:        PresenceStatus(h.Status),
		StatusMessage: h.StatusMessage,
	}
	if h.LastSeenAt != 0 {
		t := time.UnixMilli(h.LastSeenAt).UTC()
		rec.LastSeenAt = &t
	}
	return rec, true, nil
}

// Delete removes the mirrored record of userID.
func (s *RedisPresenceStore) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, PresencePrefix+userID).Err()
}

// Close closes the Redis connection.
func (s *RedisPresenceStore) Close() error {
	return s.client.Close()
}
