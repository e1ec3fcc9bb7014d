package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func setupCache(t *testing.T) *Cache {
	t.Helper()
	if os.Getenv("RUN_REDIS_INTEGRATION") == "" {
		t.Skip("set RUN_REDIS_INTEGRATION=1 to run")
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis connection failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})

	return New(client, "test:cache:")
}

func TestGetSetRoundTrip(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	type profile struct {
		Name  string `json:"name"`
		Score int    `json:"score"`
	}

	if err := c.Set(ctx, "profile:1", profile{Name: "Jane", Score: 7}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got profile
	found, err := c.Get(ctx, "profile:1", &got)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || got.Name != "Jane" || got.Score != 7 {
		t.Fatalf("unexpected result %v %+v", found, got)
	}

	found, err = c.Get(ctx, "profile:missing", &got)
	if err != nil || found {
		t.Fatalf("expected miss, got %v %v", found, err)
	}
}

func TestInvalidateTag(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "biz:1:summary", "a", time.Minute, "biz:1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Set(ctx, "biz:1:codes", "b", time.Minute, "biz:1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Set(ctx, "biz:2:summary", "c", time.Minute, "biz:2"); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := c.InvalidateTag(ctx, "biz:1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	var s string
	if found, _ := c.Get(ctx, "biz:1:summary", &s); found {
		t.Fatalf("expected tagged key invalidated")
	}
	if found, _ := c.Get(ctx, "biz:2:summary", &s); !found {
		t.Fatalf("expected unrelated tag untouched")
	}
}

func TestOnceDetectsReplay(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	nonce := "nonce:" + uuid.NewString()
	fresh, err := c.Once(ctx, nonce, time.Minute)
	if err != nil {
		t.Fatalf("once: %v", err)
	}
	if !fresh {
		t.Fatalf("expected first use to be fresh")
	}

	fresh, err = c.Once(ctx, nonce, time.Minute)
	if err != nil {
		t.Fatalf("once: %v", err)
	}
	if fresh {
		t.Fatalf("expected reuse detected")
	}
}
