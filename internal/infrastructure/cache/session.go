package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Session mirrors one live websocket connection. The mirror exists so any
// process can answer "who is session X" without asking the gateway that
// owns the socket.
type Session struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	AuctionID   string    `json:"auction_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// SessionStore keeps connection mirrors under connection:{sid} with a TTL
// refreshed on every heartbeat. A crashed gateway leaks nothing: the TTL
// reaps its mirrors.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewSessionStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *SessionStore {
	return &SessionStore{client: client, ttl: ttl, logger: logger}
}

func (s *SessionStore) Put(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.SessionID, err)
	}
	if err := s.client.Set(ctx, ConnectionKey(sess.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store session %s: %w", sess.SessionID, err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, ConnectionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound{SessionID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Touch extends the mirror's TTL without rewriting it.
func (s *SessionStore) Touch(ctx context.Context, sessionID string) error {
	ok, err := s.client.Expire(ctx, ConnectionKey(sessionID), s.ttl).Result()
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	if !ok {
		return ErrSessionNotFound{SessionID: sessionID}
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, ConnectionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
