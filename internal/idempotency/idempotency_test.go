package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestMemGuardRemembersWithinTTL(t *testing.T) {
	g := NewMemGuard()
	ctx := context.Background()

	if err := g.Remember(ctx, "key1", "task1", time.Minute); err != nil {
		t.Fatalf("remember: %v", err)
	}
	taskID, ok, err := g.Seen(ctx, "key1")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if !ok || taskID != "task1" {
		t.Fatalf("expected key1 to resolve to task1, got %q (ok=%v)", taskID, ok)
	}
}

func TestMemGuardExpiresAfterTTL(t *testing.T) {
	g := NewMemGuard()
	ctx := context.Background()

	if err := g.Remember(ctx, "key1", "task1", -time.Second); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if _, ok, _ := g.Seen(ctx, "key1"); ok {
		t.Fatal("expected an already-expired key to not be seen")
	}
}

func TestMemGuardUnknownKey(t *testing.T) {
	g := NewMemGuard()
	if _, ok, err := g.Seen(context.Background(), "never-submitted"); ok || err != nil {
		t.Fatalf("expected ok=false, err=nil for an unknown key, got ok=%v err=%v", ok, err)
	}
}
