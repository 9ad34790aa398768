package pairing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	a := NewAuthority(NewMemoryStore(), 15*time.Minute)
	ctx := context.Background()

	code, err := a.Generate(ctx, "dev-1", "user-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(code.Code) != 6 {
		t.Fatalf("code should be 6 digits, got %q", code.Code)
	}
	for _, r := range code.Code {
		if r < '0' || r > '9' {
			t.Fatalf("code should be numeric, got %q", code.Code)
		}
	}

	b, err := a.Validate(ctx, code.Code)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if b.DeviceID != "dev-1" || b.UserID != "user-1" {
		t.Fatalf("binding mismatch: %+v", b)
	}
}

func TestCodeIsSingleUse(t *testing.T) {
	a := NewAuthority(NewMemoryStore(), 15*time.Minute)
	ctx := context.Background()

	code, err := a.Generate(ctx, "dev-1", "user-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := a.Validate(ctx, code.Code); err != nil {
		t.Fatalf("first validate: %v", err)
	}
	if _, err := a.Validate(ctx, code.Code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second validate should be ErrNotFound, got %v", err)
	}
}

func TestUnknownCode(t *testing.T) {
	a := NewAuthority(NewMemoryStore(), 15*time.Minute)
	if _, err := a.Validate(context.Background(), "000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestExpiredCode(t *testing.T) {
	store := NewMemoryStore()
	a := NewAuthority(store, 15*time.Minute)
	ctx := context.Background()

	b := Binding{
		DeviceID:  "dev-1",
		UserID:    "user-1",
		IssuedAt:  time.Now().Add(-20 * time.Minute),
		ExpiresAt: time.Now().Add(-5 * time.Minute),
	}
	if err := store.Put(ctx, "123456", b, 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := a.Validate(ctx, "123456"); !errors.Is(err, ErrExpired) {
		t.Fatalf("want ErrExpired, got %v", err)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	live := Binding{ExpiresAt: time.Now().Add(time.Hour)}
	dead := Binding{ExpiresAt: time.Now().Add(-time.Hour)}
	_ = store.Put(ctx, "111111", live, 0)
	_ = store.Put(ctx, "222222", dead, 0)

	if removed := store.Sweep(time.Now()); removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}
	if _, err := store.Take(ctx, "111111"); err != nil {
		t.Fatalf("live code should survive sweep: %v", err)
	}
}
