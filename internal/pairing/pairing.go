package pairing

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNotFound means the code was never issued or was already consumed.
	ErrNotFound = errors.New("pairing code not found")
	// ErrExpired means the code existed but its validity window has passed.
	ErrExpired = errors.New("pairing code expired")
)

// Binding ties a pairing code to the identity it was issued for.
type Binding struct {
	DeviceID  string    `json:"device_id"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Code is what the enrollment flow hands to the user.
type Code struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store holds issued codes. Take must atomically consume the code so a code
// validates at most once even under concurrent handshakes.
type Store interface {
	Put(ctx context.Context, code string, b Binding, ttl time.Duration) error
	Take(ctx context.Context, code string) (Binding, error)
}

// Authority issues and validates single-use pairing codes.
type Authority struct {
	store Store
	ttl   time.Duration
}

func NewAuthority(store Store, ttl time.Duration) *Authority {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Authority{store: store, ttl: ttl}
}

// Generate issues a fresh 6-digit code bound to the device/user pair.
func (a *Authority) Generate(ctx context.Context, deviceID, userID string) (Code, error) {
	now := time.Now().UTC()
	b := Binding{
		DeviceID:  deviceID,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.ttl),
	}
	code := generateCode()
	if err := a.store.Put(ctx, code, b, a.ttl); err != nil {
		return Code{}, fmt.Errorf("store pairing code: %w", err)
	}
	slog.Info("pairing code issued", "device_id", deviceID, "user_id", userID, "expires_at", b.ExpiresAt)
	return Code{Code: code, ExpiresAt: b.ExpiresAt}, nil
}

// Validate consumes the code and returns its binding. A consumed or unknown
// code fails with ErrNotFound, a stale one with ErrExpired.
func (a *Authority) Validate(ctx context.Context, code string) (Binding, error) {
	b, err := a.store.Take(ctx, code)
	if err != nil {
		return Binding{}, err
	}
	if time.Now().After(b.ExpiresAt) {
		return Binding{}, ErrExpired
	}
	return b, nil
}

// generateCode returns a 6-digit zero-padded numeric code using
// cryptographic randomness.
func generateCode() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err == nil {
		n := binary.BigEndian.Uint32(buf) % 1000000
		return fmt.Sprintf("%06d", n)
	}
	// Fallback (non-crypto), still a valid 6-digit string.
	return fmt.Sprintf("%06d", time.Now().UnixNano()%1000000)
}

// MemoryStore is the default single-process store: a mutex map with lazy
// expiry plus a periodic sweep to bound memory.
type MemoryStore struct {
	mu    sync.Mutex
	codes map[string]Binding
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: map[string]Binding{}}
}

func (s *MemoryStore) Put(_ context.Context, code string, b Binding, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = b
	return nil
}

func (s *MemoryStore) Take(_ context.Context, code string) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.codes[code]
	if !ok {
		return Binding{}, ErrNotFound
	}
	delete(s.codes, code)
	if time.Now().After(b.ExpiresAt) {
		return Binding{}, ErrExpired
	}
	return b, nil
}

// Sweep drops expired codes. Run periodically from main.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for code, b := range s.codes {
		if now.After(b.ExpiresAt) {
			delete(s.codes, code)
			removed++
		}
	}
	return removed
}
