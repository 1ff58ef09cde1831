package memory

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/pkg/logger"
)

const sessionTTL = 24 * time.Hour

// Store is durable per-user execution memory backed by Redis, fronted by
// an in-process LRU hot cache of the hotLimit most recently touched users
// (1000 when NewStore is given a non-positive hotLimit).
// Unlike the original's pure in-process dict, this survives process
// restarts and is safe to share across multiple API replicas.
type Store struct {
	client *redis.Client

	mu       sync.Mutex
	hot      map[string]*list.Element
	order    *list.List
	hotLimit int
}

func NewStore(addr, password string, db int, hotLimit int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if hotLimit <= 0 {
		hotLimit = 1000
	}
	logger.Info("memory store initialized", zap.String("addr", addr))
	return &Store{client: client, hot: make(map[string]*list.Element), order: list.New(), hotLimit: hotLimit}, nil
}

func (s *Store) Close() error { return s.client.Close() }

func key(userID string) string { return "memsession:" + userID }

// GetOrCreate loads a user's session, preferring the in-process hot cache,
// falling back to Redis, and creating a fresh session if neither has one.
func (s *Store) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	if sess := s.peekHot(userID); sess != nil {
		return sess, nil
	}

	data, err := s.client.Get(ctx, key(userID)).Bytes()
	if err == redis.Nil {
		sess := NewSession(userID)
		s.touchHot(userID, sess)
		return sess, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	s.touchHot(userID, &sess)
	return &sess, nil
}

// Peek returns the session for userID without creating one, checking only
// the hot cache — used by the few-shot selector where a cache miss simply
// means "no memory-sourced examples available", not an error.
func (s *Store) Peek(userID string) *Session {
	return s.peekHot(userID)
}

func (s *Store) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, key(sess.UserID), data, sessionTTL).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.touchHot(sess.UserID, sess)
	return nil
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	if el, ok := s.hot[userID]; ok {
		s.order.Remove(el)
		delete(s.hot, userID)
	}
	s.mu.Unlock()
	return s.client.Del(ctx, key(userID)).Err()
}

type hotEntry struct {
	userID  string
	session *Session
}

func (s *Store) peekHot(userID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.hot[userID]
	if !ok {
		return nil
	}
	s.order.MoveToFront(el)
	return el.Value.(*hotEntry).session
}

func (s *Store) touchHot(userID string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.hot[userID]; ok {
		el.Value.(*hotEntry).session = sess
		s.order.MoveToFront(el)
		return
	}
	el := s.order.PushFront(&hotEntry{userID: userID, session: sess})
	s.hot[userID] = el
	if s.order.Len() > s.hotLimit {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.hot, oldest.Value.(*hotEntry).userID)
		}
	}
}

// Stats reports the hot-cache occupancy, used by the /memory/stats handler.
type Stats struct {
	HotCount int
	HotLimit int
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{HotCount: s.order.Len(), HotLimit: s.hotLimit}
}
