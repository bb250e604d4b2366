package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore keeps sessions in Redis with an idle TTL. Each session is a
// JSON string key; a sorted set indexed by last update backs ListSessions.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisSessionStore.
type RedisOption func(*RedisSessionStore)

// WithKeyPrefix overrides the default "stepflow:" key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisSessionStore) { s.prefix = prefix }
}

// WithSessionTTL expires sessions idle for longer than ttl. Zero disables expiry.
func WithSessionTTL(ttl time.Duration) RedisOption {
	return func(s *RedisSessionStore) { s.ttl = ttl }
}

// NewRedisSessionStore creates a session store on an existing client.
func NewRedisSessionStore(client *redis.Client, opts ...RedisOption) *RedisSessionStore {
	s := &RedisSessionStore{client: client, prefix: "stepflow:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSessionStore) key(id string) string { return s.prefix + "session:" + id }
func (s *RedisSessionStore) index() string        { return s.prefix + "sessions" }

func (s *RedisSessionStore) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("session", id)
	}
	if err != nil {
		return nil, storeFailure("get session", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, storeFailure("decode session", err)
	}
	return &sess, nil
}

func (s *RedisSessionStore) SaveSession(ctx context.Context, session *Session) error {
	session.CreatedAt = timeOrNow(session.CreatedAt)
	session.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(session)
	if err != nil {
		return storeFailure("encode session", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(session.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.index(), redis.Z{Score: float64(session.UpdatedAt.UnixMilli()), Member: session.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return storeFailure("save session", err)
	}
	return nil
}

func (s *RedisSessionStore) DeleteSession(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.key(id))
	pipe.ZRem(ctx, s.index(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeFailure("delete session", err)
	}
	if del.Val() == 0 {
		return storeNotFound("session", id)
	}
	return nil
}

// ListSessions returns live sessions, most recently updated first. Index
// entries whose key already expired are pruned along the way.
func (s *RedisSessionStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	upper := "+inf"
	if filter.UpdatedBefore != nil {
		upper = "(" + strconv.FormatInt(filter.UpdatedBefore.UnixMilli(), 10)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.index(), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return nil, storeFailure("list sessions", err)
	}

	var out []*Session
	var stale []any
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				stale = append(stale, id)
				continue
			}
			return nil, err
		}
		if filter.WorkflowID != "" && sess.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, sess)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, s.index(), stale...)
	}
	return out, nil
}
