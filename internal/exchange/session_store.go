package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNoSession is returned when a session id is unknown or expired.
var ErrNoSession = errors.New("no session")

const defaultKeyPrefix = "exchange1c:"

// RedisSessionStore keeps protocol sessions and the query ledger in Redis so
// any API instance can serve any request of an exchange cycle.
//
// Keys:
//
//	<prefix>login:<login>  -> sessid
//	<prefix>sess:<sessid>  -> login
//	<prefix>query:<sessid> -> list of order ids returned by the last query
type RedisSessionStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	ledgerTTL time.Duration
}

// NewRedisSessionStore creates a store. ttl bounds idle sessions; ledgerTTL
// bounds how long a query result waits for its success call.
func NewRedisSessionStore(client *redis.Client, keyPrefix string, ttl, ledgerTTL time.Duration) *RedisSessionStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if ledgerTTL <= 0 {
		ledgerTTL = 7 * 24 * time.Hour
	}
	return &RedisSessionStore{client: client, keyPrefix: keyPrefix, ttl: ttl, ledgerTTL: ledgerTTL}
}

func (s *RedisSessionStore) loginKey(login string) string { return s.keyPrefix + "login:" + login }
func (s *RedisSessionStore) sessKey(sessid string) string { return s.keyPrefix + "sess:" + sessid }
func (s *RedisSessionStore) ledgerKey(sessid string) string {
	return s.keyPrefix + "query:" + sessid
}

// Establish returns the live session of login, creating one when none exists.
// Concurrent calls for the same login converge on a single id through SETNX.
func (s *RedisSessionStore) Establish(ctx context.Context, login string) (string, error) {
	loginKey := s.loginKey(login)
	for attempt := 0; attempt < 3; attempt++ {
		candidate := uuid.NewString()
		created, err := s.client.SetNX(ctx, loginKey, candidate, s.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("failed to establish session: %w", err)
		}

		sessid := candidate
		if !created {
			sessid, err = s.client.Get(ctx, loginKey).Result()
			if errors.Is(err, redis.Nil) {
				// expired between SETNX and GET
				continue
			}
			if err != nil {
				return "", fmt.Errorf("failed to load session: %w", err)
			}
		}

		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.sessKey(sessid), login, s.ttl)
		pipe.Expire(ctx, loginKey, s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return "", fmt.Errorf("failed to store session: %w", err)
		}
		return sessid, nil
	}
	return "", fmt.Errorf("failed to establish session for %s: login key keeps expiring", login)
}

// Resolve returns the login owning sessid and extends the session lifetime.
func (s *RedisSessionStore) Resolve(ctx context.Context, sessid string) (string, error) {
	if sessid == "" {
		return "", ErrNoSession
	}
	login, err := s.client.Get(ctx, s.sessKey(sessid)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.sessKey(sessid), s.ttl)
	pipe.Expire(ctx, s.loginKey(login), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to refresh session: %w", err)
	}
	return login, nil
}

// Revoke drops sessid and its login mapping.
func (s *RedisSessionStore) Revoke(ctx context.Context, sessid string) error {
	login, err := s.client.Get(ctx, s.sessKey(sessid)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return s.client.Del(ctx, s.sessKey(sessid), s.loginKey(login), s.ledgerKey(sessid)).Err()
}

// RecordQuery replaces the ledger of sessid with ids.
func (s *RedisSessionStore) RecordQuery(ctx context.Context, sessid string, ids []uint) error {
	key := s.ledgerKey(sessid)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(ids) > 0 {
		values := make([]interface{}, len(ids))
		for i, id := range ids {
			values[i] = strconv.FormatUint(uint64(id), 10)
		}
		pipe.RPush(ctx, key, values...)
		pipe.Expire(ctx, key, s.ledgerTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record query: %w", err)
	}
	return nil
}

// AppendQuery adds ids to the ledger of sessid.
func (s *RedisSessionStore) AppendQuery(ctx context.Context, sessid string, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	key := s.ledgerKey(sessid)
	values := make([]interface{}, len(ids))
	for i, id := range ids {
		values[i] = strconv.FormatUint(uint64(id), 10)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.Expire(ctx, key, s.ledgerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record query: %w", err)
	}
	return nil
}

// TakeQuery atomically returns and clears the ledger of sessid.
func (s *RedisSessionStore) TakeQuery(ctx context.Context, sessid string) ([]uint, error) {
	key := s.ledgerKey(sessid)
	pipe := s.client.TxPipeline()
	values := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to take query ledger: %w", err)
	}

	ids := make([]uint, 0, len(values.Val()))
	for _, v := range values.Val() {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}
