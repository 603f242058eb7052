package dialogue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/carelane-ai/intake/pkg/common/models"
	"github.com/redis/go-redis/v9"
)

const (
	ModeNone    = "none"
	ModeBooking = "booking"
)

// Session is the per-conversation context that survives between turns: who
// the caller resolved to and any half-collected booking.
type Session struct {
	ID            string            `json:"id"`
	RecordID      string            `json:"record_id,omitempty"`
	PatientName   string            `json:"patient_name,omitempty"`
	Confidence    models.Confidence `json:"confidence,omitempty"`
	PendingMode   string            `json:"pending_mode,omitempty"`
	PendingWhen   string            `json:"pending_when,omitempty"`
	PendingDoctor string            `json:"pending_doctor,omitempty"`
	LastReply     string            `json:"last_reply,omitempty"`
}

type SessionStore interface {
	Get(ctx context.Context, id string) (Session, bool, error)
	Save(ctx context.Context, session Session) error
}

// RedisSessionStore keeps sessions in Redis with a TTL so abandoned
// conversations expire on their own.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisSessionStore{client: client, ttl: ttl}
}

func sessionKey(id string) string {
	return "intake:session:" + id
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (Session, bool, error) {
	raw, err := s.client.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return Session{}, false, err
	}
	return session, true, nil
}

func (s *RedisSessionStore) Save(ctx context.Context, session Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionKey(session.ID), raw, s.ttl).Err()
}

// MemorySessionStore backs tests and single-process development.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok, nil
}

func (s *MemorySessionStore) Save(ctx context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}
