package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/faucetdb/keyward/internal/model"
)

func TestExpireOverdueAndSweeper(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	soon := env.generate(t, GenerateRequest{ExpiresInDays: intPtr(1)})
	later := env.generate(t, GenerateRequest{ExpiresInDays: intPtr(30)})

	env.clock.Advance(2 * 24 * time.Hour)
	NewSweeper(env.manager, "", nil).RunOnce(ctx)

	got, _ := env.manager.Get(ctx, soon.Key.ID)
	if got.Status != model.StatusExpired {
		t.Errorf("soon: status = %q, want expired", got.Status)
	}
	got, _ = env.manager.Get(ctx, later.Key.ID)
	if got.Status != model.StatusActive {
		t.Errorf("later: status = %q, want active", got.Status)
	}
	// The sweep dropped the cached entry, so the store's status is seen.
	if _, err := env.validate(soon.Plaintext); !errors.Is(err, ErrKeyInactive) {
		t.Errorf("expected ErrKeyInactive after sweep, got %v", err)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	s := NewSweeper(env.manager, "@every 1h", nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.NextRun() == nil {
		t.Error("expected a next run time")
	}
	s.Stop()
	if s.NextRun() != nil {
		t.Error("expected no next run after Stop")
	}

	bad := NewSweeper(env.manager, "not a schedule", nil)
	if err := bad.Start(context.Background()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
