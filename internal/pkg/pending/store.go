package pending

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "inboxgate:pending:"

var ErrNotFound = errors.New("pending registration not found or expired")

// Registration holds the fields collected before the OAuth redirect.
type Registration struct {
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Company      string    `json:"company"`
	GmailAddress string    `json:"gmailAddress"`
	ConsentGiven bool      `json:"consentGiven"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store maps an anti-forgery state token to a pending registration.
type Store interface {
	Save(ctx context.Context, state string, reg Registration, ttl time.Duration) error
	Get(ctx context.Context, state string) (*Registration, error)
	Delete(ctx context.Context, state string) error
}

// NewState returns a random 256-bit hex token.
func NewState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// RedisStore keeps pending registrations in Redis so any instance can finish the callback.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, state string, reg Registration, ttl time.Duration) error {
	payload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal pending registration: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+state, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist pending registration: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, state string) (*Registration, error) {
	b, err := s.client.Get(ctx, keyPrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load pending registration: %w", err)
	}
	var reg Registration
	if err := json.Unmarshal(b, &reg); err != nil {
		return nil, fmt.Errorf("decode pending registration: %w", err)
	}
	return &reg, nil
}

func (s *RedisStore) Delete(ctx context.Context, state string) error {
	if err := s.client.Del(ctx, keyPrefix+state).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete pending registration: %w", err)
	}
	return nil
}

// MemoryStore is a process-local Store for tests and single-instance setups without Redis.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	reg     Registration
	expires time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]memoryItem{}, now: time.Now}
}

func (s *MemoryStore) Save(_ context.Context, state string, reg Registration, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	s.items[state] = memoryItem{reg: reg, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, state string) (*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[state]
	if !ok || !s.now().Before(item.expires) {
		delete(s.items, state)
		return nil, ErrNotFound
	}
	reg := item.reg
	return &reg, nil
}

func (s *MemoryStore) Delete(_ context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, state)
	return nil
}

func (s *MemoryStore) sweep() {
	now := s.now()
	for k, v := range s.items {
		if !now.Before(v.expires) {
			delete(s.items, k)
		}
	}
}
