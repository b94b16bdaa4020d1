package cache

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"recohunter/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return New(rdb, ttl, 10, logger), mr
}

func sampleResult() *model.Result {
	price := 29.9
	return &model.Result{
		Success: true,
		Products: []model.Product{
			{ID: "p1", Name: "Wireless Mouse", Price: &price},
		},
		TotalProducts: 1,
		ScrapedAt:     time.Now().UTC().Truncate(time.Second),
		Duration:      1200,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	if _, ok := store.Get(ctx, "scraping:https://example.com:user:10"); ok {
		t.Fatal("expected miss on empty cache")
	}

	want := sampleResult()
	if err := store.Set(ctx, "scraping:https://example.com:user:10", want); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok := store.Get(ctx, "scraping:https://example.com:user:10")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if got.TotalProducts != want.TotalProducts || !got.Success {
		t.Fatalf("unexpected result: %+v", got)
	}
	if len(got.Products) != 1 || got.Products[0].Name != "Wireless Mouse" {
		t.Fatalf("unexpected products: %+v", got.Products)
	}
}

func TestStoreSharedThroughRedis(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Set(ctx, "cpf-recommendations:12345678901:PERSONAL:5", sampleResult()); err != nil {
		t.Fatalf("set: %v", err)
	}

	// 另一进程只能看到 Redis，不共享本地 LRU。
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	other := New(rdb, time.Minute, 10, logger)

	got, ok := other.Get(ctx, "cpf-recommendations:12345678901:PERSONAL:5")
	if !ok {
		t.Fatal("expected hit via redis from second store")
	}
	if got.TotalProducts != 1 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	store, mr := newTestStore(t, time.Second)
	ctx := context.Background()

	if err := store.Set(ctx, "scraping:u:n:1", sampleResult()); err != nil {
		t.Fatalf("set: %v", err)
	}

	mr.FastForward(2 * time.Second)
	// 本地 LRU 也会按 TTL 过期，但为避免依赖真实时钟，这里只验证 Redis 层。
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	fresh := New(rdb, time.Second, 10, logger)

	if _, ok := fresh.Get(ctx, "scraping:u:n:1"); ok {
		t.Fatal("expected miss after ttl expiry")
	}
}

func TestStoreCorruptEntryIsDropped(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	mr.Set("recohunter:cache:bad", "{not json")
	if _, ok := store.Get(ctx, "bad"); ok {
		t.Fatal("expected miss for corrupt entry")
	}
	if mr.Exists("recohunter:cache:bad") {
		t.Fatal("corrupt entry should be deleted")
	}
}
