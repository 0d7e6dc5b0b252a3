package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"clinical-finalize-be/internal/pkg/logger"
	"clinical-finalize-be/pkg/store"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Store is the snapshot store behind the reconciler: get by id, whole-snapshot
// put, and an encounter-id fallback lookup for rehydration when no id-based
// match exists.
type Store interface {
	Get(sessionId string) (*store.StoredFinalizationSession, bool)
	Put(snapshot *store.StoredFinalizationSession)
	FindByEncounter(encounterId string) (*store.StoredFinalizationSession, bool)
}

// MemoryStore keeps snapshots in an expiring in-process cache.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore creates a store with a default snapshot TTL of 12 hours,
// purging expired entries every 30 minutes. Long enough to survive a wizard
// close/reopen within a shift.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.New(12*time.Hour, 30*time.Minute)}
}

func (s *MemoryStore) Get(sessionId string) (*store.StoredFinalizationSession, bool) {
	if x, found := s.cache.Get(sessionId); found {
		return x.(*store.StoredFinalizationSession), true
	}
	return nil, false
}

func (s *MemoryStore) Put(snapshot *store.StoredFinalizationSession) {
	s.cache.Set(snapshot.SessionId, snapshot, cache.DefaultExpiration)
}

func (s *MemoryStore) FindByEncounter(encounterId string) (*store.StoredFinalizationSession, bool) {
	want := strings.ToLower(strings.TrimSpace(encounterId))
	if want == "" {
		return nil, false
	}

	var best *store.StoredFinalizationSession
	for _, item := range s.cache.Items() {
		snap, ok := item.Object.(*store.StoredFinalizationSession)
		if !ok || snap.Session == nil {
			continue
		}
		if strings.ToLower(snap.Session.EncounterId) != want {
			continue
		}
		if best == nil || snap.UpdatedAt.After(best.UpdatedAt) {
			best = snap
		}
	}
	return best, best != nil
}

// RedisStore persists snapshots so they survive process restarts. A secondary
// key per encounter id points at the latest session id for the fallback
// lookup.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger logger.ILogger
}

const (
	redisSessionPrefix   = "finalization:session:"
	redisEncounterPrefix = "finalization:encounter:"
)

func NewRedisStore(rdb *redis.Client, ttl time.Duration, log logger.ILogger) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl, logger: log}
}

// warn logs a degraded-durability event; reads stay silent misses, writes
// must not fail invisibly.
func (s *RedisStore) warn(message string, details map[string]interface{}) {
	if s.logger != nil {
		s.logger.Warn("RedisSessionStore", message, details)
	}
}

func (s *RedisStore) Get(sessionId string) (*store.StoredFinalizationSession, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := s.rdb.Get(ctx, redisSessionPrefix+sessionId).Bytes()
	if err != nil {
		return nil, false
	}
	var snap store.StoredFinalizationSession
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

func (s *RedisStore) Put(snapshot *store.StoredFinalizationSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := json.Marshal(snapshot)
	if err != nil {
		s.warn("Snapshot marshal failed, durable tier skipped", map[string]interface{}{
			"session_id": snapshot.SessionId,
			"error":      err.Error(),
		})
		return
	}
	if err := s.rdb.Set(ctx, redisSessionPrefix+snapshot.SessionId, data, s.ttl).Err(); err != nil {
		s.warn("Snapshot write failed, durable tier degraded", map[string]interface{}{
			"session_id": snapshot.SessionId,
			"error":      err.Error(),
		})
		return
	}
	if snapshot.Session != nil && snapshot.Session.EncounterId != "" {
		key := redisEncounterPrefix + strings.ToLower(snapshot.Session.EncounterId)
		if err := s.rdb.Set(ctx, key, snapshot.SessionId, s.ttl).Err(); err != nil {
			s.warn("Encounter index write failed", map[string]interface{}{
				"session_id": snapshot.SessionId,
				"error":      err.Error(),
			})
		}
	}
}

func (s *RedisStore) FindByEncounter(encounterId string) (*store.StoredFinalizationSession, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := redisEncounterPrefix + strings.ToLower(strings.TrimSpace(encounterId))
	sessionId, err := s.rdb.Get(ctx, key).Result()
	if err != nil || sessionId == "" {
		return nil, false
	}
	return s.Get(sessionId)
}

// TieredStore reads from memory first and writes through to a durable tier.
// Misses in memory fall back to the durable tier and repopulate the cache.
type TieredStore struct {
	fast    *MemoryStore
	durable Store
}

func NewTieredStore(fast *MemoryStore, durable Store) *TieredStore {
	return &TieredStore{fast: fast, durable: durable}
}

func (s *TieredStore) Get(sessionId string) (*store.StoredFinalizationSession, bool) {
	if snap, ok := s.fast.Get(sessionId); ok {
		return snap, true
	}
	snap, ok := s.durable.Get(sessionId)
	if ok {
		s.fast.Put(snap)
	}
	return snap, ok
}

func (s *TieredStore) Put(snapshot *store.StoredFinalizationSession) {
	s.fast.Put(snapshot)
	s.durable.Put(snapshot)
}

func (s *TieredStore) FindByEncounter(encounterId string) (*store.StoredFinalizationSession, bool) {
	if snap, ok := s.fast.FindByEncounter(encounterId); ok {
		return snap, true
	}
	snap, ok := s.durable.FindByEncounter(encounterId)
	if ok {
		s.fast.Put(snap)
	}
	return snap, ok
}
