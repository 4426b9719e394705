package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBackend_SetGetDel(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Fatal("expected miss before set")
	}

	if err := b.SetEx(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	val, ok, err := b.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("expected hit v, got %q ok=%v err=%v", val, ok, err)
	}

	if err := b.Del(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestMemoryBackend_ExpiresEntries(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	if err := b.SetEx(ctx, "k", "v", -time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Fatal("expected already-expired entry to be a miss")
	}
}
