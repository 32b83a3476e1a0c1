// Package draft persists in-progress exam state so an interrupted session can
// be recovered on reload.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

const opTimeout = 2 * time.Second

// RedisStore keeps one JSON-encoded draft per quiz under config.CacheKey.DraftKey.
// Failures are logged and swallowed.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewRedisStore creates a store. A zero ttl keeps drafts until cleared.
func NewRedisStore(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "draft_store").Logger(),
	}
}

func (s *RedisStore) Save(ctx context.Context, quizID string, d proctor.Draft) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := json.Marshal(d)
	if err != nil {
		s.log.Error().Err(err).Str("quiz_id", quizID).Msg("Draft marshal failed")
		return
	}
	if err := s.rdb.Set(ctx, config.CacheKey.DraftKey(quizID), raw, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("quiz_id", quizID).Msg("Draft save failed")
	}
}

func (s *RedisStore) Load(ctx context.Context, quizID string) (*proctor.Draft, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.rdb.Get(ctx, config.CacheKey.DraftKey(quizID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Str("quiz_id", quizID).Msg("Draft load failed")
		}
		return nil, false
	}

	var d proctor.Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		s.log.Warn().Err(err).Str("quiz_id", quizID).Msg("Discarding corrupt draft")
		return nil, false
	}
	return &d, true
}

func (s *RedisStore) Clear(ctx context.Context, quizID string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.rdb.Del(ctx, config.CacheKey.DraftKey(quizID)).Err(); err != nil {
		s.log.Warn().Err(err).Str("quiz_id", quizID).Msg("Draft clear failed")
	}
}

// MemoryStore is a process-local DraftStore.
type MemoryStore struct {
	mu     sync.Mutex
	drafts map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[string][]byte)}
}

// Save stores an encoded copy so later mutations of d are not observed.
func (s *MemoryStore) Save(_ context.Context, quizID string, d proctor.Draft) {
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[quizID] = raw
}

func (s *MemoryStore) Load(_ context.Context, quizID string) (*proctor.Draft, bool) {
	s.mu.Lock()
	raw, ok := s.drafts[quizID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	var d proctor.Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false
	}
	return &d, true
}

func (s *MemoryStore) Clear(_ context.Context, quizID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, quizID)
}

// Scoped namespaces a shared store by user so that users of one kiosk never
// see each other's drafts. Tabs of the same user still share a quiz's draft.
func Scoped(inner proctor.DraftStore, userID string) proctor.DraftStore {
	return scopedStore{inner: inner, prefix: userID + ":"}
}

type scopedStore struct {
	inner  proctor.DraftStore
	prefix string
}

func (s scopedStore) Save(ctx context.Context, quizID string, d proctor.Draft) {
	s.inner.Save(ctx, s.prefix+quizID, d)
}

func (s scopedStore) Load(ctx context.Context, quizID string) (*proctor.Draft, bool) {
	return s.inner.Load(ctx, s.prefix+quizID)
}

func (s scopedStore) Clear(ctx context.Context, quizID string) {
	s.inner.Clear(ctx, s.prefix+quizID)
}
