package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheGetSetDel(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
	if err := c.Set(ctx, "k1", "v1", time.Second); err != nil {
		t.Fatalf("set error: %v", err)
	}
	got, err := c.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}
	if err := c.Del(ctx, "k1"); err != nil {
		t.Fatalf("del error: %v", err)
	}
	if _, err := c.Get(ctx, "k1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss after del, got %v", err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "k2", "v2", 10*time.Millisecond); err != nil {
		t.Fatalf("set error: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	if _, err := c.Get(ctx, "k2"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expired entry to miss, got %v", err)
	}
}

func TestRedisCacheAgainstMiniredis(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer srv.Close()

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	ctx := context.Background()

	cache := NewCache(ctx, client)
	if _, ok := cache.(*RedisCache); !ok {
		t.Fatalf("expected RedisCache, got %T", cache)
	}

	if err := cache.Set(ctx, "bpn:BPNL00000003AYRE", "did:web:x", time.Minute); err != nil {
		t.Fatalf("set error: %v", err)
	}
	got, err := cache.Get(ctx, "bpn:BPNL00000003AYRE")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got != "did:web:x" {
		t.Fatalf("expected did:web:x, got %q", got)
	}
	if _, err := cache.Get(ctx, "bpn:unknown"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
	if err := cache.Del(ctx, "bpn:BPNL00000003AYRE"); err != nil {
		t.Fatalf("del error: %v", err)
	}
	if _, err := cache.Get(ctx, "bpn:BPNL00000003AYRE"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss after del, got %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	// Unreachable redis must not be fatal; the cache degrades to memory.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	cache := NewCache(context.Background(), client)
	if _, ok := cache.(*MemoryCache); !ok {
		t.Fatalf("expected MemoryCache fallback, got %T", cache)
	}
}
