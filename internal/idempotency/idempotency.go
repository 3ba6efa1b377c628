// Package idempotency replays the stored response of a request that carries
// an Idempotency-Key it has already seen.
package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Header is the request header carrying the client's key.
const Header = "Idempotency-Key"

// Record is a stored response.
type Record struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Store persists records for a bounded time.
type Store interface {
	Get(ctx context.Context, key string) (*Record, bool, error)
	Put(ctx context.Context, key string, rec Record) error
}

// MemoryStore keeps records in process.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	records map[string]memoryEntry
}

type memoryEntry struct {
	rec     Record
	expires time.Time
}

// NewMemoryStore creates a store whose records live for ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, records: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(e.expires) {
		delete(s.records, key)
		return nil, false, nil
	}
	rec := e.rec
	return &rec, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[key]; ok && s.now().Before(e.expires) {
		return nil
	}
	s.records[key] = memoryEntry{rec: rec, expires: s.now().Add(s.ttl)}
	return nil
}

// RedisStore keeps records in Redis with a TTL.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, bool, error) {
	data, err := s.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// First writer wins.
	return s.rdb.SetNX(ctx, redisKey(key), data, s.ttl).Err()
}

func redisKey(key string) string { return "idem:" + key }

// Middleware replays responses for repeated keys. scope namespaces the key,
// typically by the authenticated account, so clients cannot collide. Server
// errors are not stored and may be retried.
func Middleware(store Store, scope func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(Header)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			key = scope(r) + ":" + r.URL.Path + ":" + key

			rec, ok, err := store.Get(r.Context(), key)
			if err != nil {
				slog.Warn("idempotency lookup failed", "err", err)
			}
			if ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Hit", "true")
				w.WriteHeader(rec.Status)
				w.Write(rec.Body)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			if recorder.status >= http.StatusInternalServerError {
				return
			}
			if err := store.Put(r.Context(), key, Record{Status: recorder.status, Body: recorder.buf.Bytes()}); err != nil {
				slog.Error("failed to save idempotency key", "err", err)
			}
		})
	}
}

// responseRecorder captures the response while writing it through.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
