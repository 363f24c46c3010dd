package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDeduper(t *testing.T, ttl time.Duration) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return NewRedisDeduper(client, ttl), m
}

func TestRedisDeduperAddRemove(t *testing.T) {
	deduper, m := newTestDeduper(t, time.Minute)
	ctx := context.Background()

	added, err := deduper.Add(ctx, "user", "k1")
	if err != nil || !added {
		t.Fatalf("first add: %v %v", added, err)
	}
	added, err = deduper.Add(ctx, "user", "k1")
	if err != nil || added {
		t.Fatalf("expected duplicate on second add: %v %v", added, err)
	}
	// keys are scoped per principal
	added, err = deduper.Add(ctx, "other", "k1")
	if err != nil || !added {
		t.Fatalf("other principal: %v %v", added, err)
	}
	if !m.Exists("idem:user:k1") || !m.Exists("idem:other:k1") {
		t.Fatalf("unexpected keys %v", m.Keys())
	}

	if err := deduper.Remove(ctx, "user", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	added, err = deduper.Add(ctx, "user", "k1")
	if err != nil || !added {
		t.Fatalf("add after remove: %v %v", added, err)
	}
}

func TestRedisDeduperKeysExpire(t *testing.T) {
	deduper, m := newTestDeduper(t, time.Minute)
	ctx := context.Background()
	if _, err := deduper.Add(ctx, "user", "k1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if ttl := m.TTL("idem:user:k1"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	m.FastForward(2 * time.Minute)
	added, err := deduper.Add(ctx, "user", "k1")
	if err != nil || !added {
		t.Fatalf("expected key to be free after expiry: %v %v", added, err)
	}
}
