package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/23skdu/fingemma/internal/logger"
	"github.com/23skdu/fingemma/internal/metrics"
)

// Store holds browser chat sessions in memory. A session idle for longer than
// the TTL is forgotten.
type Store struct {
	gen   Generator
	cache *ttlcache.Cache[string, *Session]
}

func NewStore(gen Generator, ttl time.Duration) *Store {
	c := ttlcache.New[string, *Session](
		ttlcache.WithTTL[string, *Session](ttl),
	)
	c.OnInsertion(func(_ context.Context, item *ttlcache.Item[string, *Session]) {
		metrics.ChatSessionsActive.Inc()
	})
	c.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
		metrics.ChatSessionsActive.Dec()
		if reason == ttlcache.EvictionReasonExpired {
			logger.Log.Debug("Chat session expired", "session", item.Key())
		}
	})
	go c.Start()
	return &Store{gen: gen, cache: c}
}

// Close stops the expiration loop.
func (s *Store) Close() {
	s.cache.Stop()
}

// Create starts a session under a fresh id.
func (s *Store) Create() *Session {
	sess := New(uuid.NewString(), s.gen)
	s.cache.Set(sess.ID, sess, ttlcache.DefaultTTL)
	return sess
}

// Get returns a live session and extends its lifetime.
func (s *Store) Get(id string) (*Session, bool) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Resume returns the session for id, or a new one when id is unknown or has
// expired.
func (s *Store) Resume(id string) *Session {
	if id != "" {
		if sess, ok := s.Get(id); ok {
			return sess
		}
	}
	return s.Create()
}

func (s *Store) Len() int {
	return s.cache.Len()
}
