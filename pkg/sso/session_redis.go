package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "idfed:session:"

// RedisSessionStore keeps sessions in Redis with native TTL expiry plus a
// per-user set for reverse lookup.
type RedisSessionStore struct {
	client redis.UniversalClient
}

// NewRedisSessionStore creates a store on the given client.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func sessionKey(id string) string {
	return redisKeyPrefix + id
}

func userIndexKey(tenantID, userID string) string {
	return fmt.Sprintf("idfed:user_sessions:%s:%s", tenantID, userID)
}

// Set implements SessionStore.
func (s *RedisSessionStore) Set(ctx context.Context, session *Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session %s is already expired", session.ID)
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(session.ID), data, ttl)
	indexKey := userIndexKey(session.TenantID, session.UserID)
	pipe.SAdd(ctx, indexKey, session.ID)
	// The index outlives its longest session by a margin; stale members
	// are pruned on read.
	pipe.Expire(ctx, indexKey, ttl+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// Get implements SessionStore.
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	if session.Expired(time.Now()) {
		return nil, nil
	}
	return &session, nil
}

// FindByUserID implements SessionStore. Stale index members are pruned as a
// side effect.
func (s *RedisSessionStore) FindByUserID(ctx context.Context, userID, tenantID string) ([]*Session, error) {
	indexKey := userIndexKey(tenantID, userID)
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading user session index: %w", err)
	}

	var out []*Session
	var stale []interface{}
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if session == nil {
			stale = append(stale, id)
			continue
		}
		out = append(out, session)
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, indexKey, stale...)
	}
	return out, nil
}

// Delete implements SessionStore.
func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	if session != nil {
		pipe.SRem(ctx, userIndexKey(session.TenantID, session.UserID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteByUserID implements SessionStore.
func (s *RedisSessionStore) DeleteByUserID(ctx context.Context, userID, tenantID string) (int, error) {
	indexKey := userIndexKey(tenantID, userID)
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading user session index: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionKey(id))
	}
	keys = append(keys, indexKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("deleting user sessions: %w", err)
	}
	return len(ids), nil
}

// CleanupExpired implements SessionStore. Redis expires session keys
// natively, so only index hygiene would remain and that happens on read.
func (s *RedisSessionStore) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}
