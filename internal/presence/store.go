// Package presence mirrors the in-process online set into Redis so other
// processes can answer "is this user online" without owning a registry.
//
// Each process writes only its own set, <key>:<instance>, and lists that set
// in <key>:instances. A user is online if any listed set contains them.
package presence

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store receives online/offline transitions.
type Store interface {
	MarkOnline(ctx context.Context, userID int) error
	MarkOffline(ctx context.Context, userID int) error
	IsOnline(ctx context.Context, userID int) (bool, error)
}

// RedisStore keeps this instance's online user ids in a Redis set.
type RedisStore struct {
	client   *redis.Client
	key      string
	indexKey string
}

// InstanceKey names the set written by one instance.
func InstanceKey(base, instanceID string) string {
	return base + ":" + instanceID
}

// IndexKey names the set listing every instance set under base.
func IndexKey(base string) string {
	return base + ":instances"
}

// NewRedisStore connects to addr and registers this instance's set.
func NewRedisStore(ctx context.Context, addr, base, instanceID string) (*RedisStore, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("presence instance id is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	s := &RedisStore{client: client, key: InstanceKey(base, instanceID), indexKey: IndexKey(base)}
	// A restarted instance owns no connections; its old members would read as online.
	_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.SAdd(ctx, s.indexKey, s.key)
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("register presence set: %w", err)
	}
	log.Printf("[presence] mirroring online users to redis addr=%s key=%s", addr, s.key)
	return s, nil
}

func (s *RedisStore) MarkOnline(ctx context.Context, userID int) error {
	return s.client.SAdd(ctx, s.key, strconv.Itoa(userID)).Err()
}

func (s *RedisStore) MarkOffline(ctx context.Context, userID int) error {
	return s.client.SRem(ctx, s.key, strconv.Itoa(userID)).Err()
}

// IsOnline checks every registered instance set.
func (s *RedisStore) IsOnline(ctx context.Context, userID int) (bool, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey).Result()
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}

	member := strconv.Itoa(userID)
	cmds := make([]*redis.BoolCmd, 0, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			cmds = append(cmds, pipe.SIsMember(ctx, key, member))
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	for _, cmd := range cmds {
		if cmd.Val() {
			return true, nil
		}
	}
	return false, nil
}

// Close removes this instance's set and releases the connection pool.
func (s *RedisStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.SRem(ctx, s.indexKey, s.key)
		return nil
	}); err != nil {
		log.Printf("[presence] failed to drop instance set key=%s: %v", s.key, err)
	}
	return s.client.Close()
}

// NoopStore is used when no Redis address is configured.
type NoopStore struct{}

func (NoopStore) MarkOnline(context.Context, int) error  { return nil }
func (NoopStore) MarkOffline(context.Context, int) error { return nil }

// IsOnline always reports false; the in-process registry is authoritative.
func (NoopStore) IsOnline(context.Context, int) (bool, error) { return false, nil }
