package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"pharmwatch/internal/pkg/metrics"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, rate, burst float64) *RateLimiter {
	t.Helper()
	metrics.InitMetrics(1)
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRedisRateLimiter(rdb, logger, "test:ratelimit", rate, burst)
}

func TestAcquireWithinBurst(t *testing.T) {
	limiter := newTestLimiter(t, 5, 5)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := limiter.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("burst acquires should be immediate, took %s", elapsed)
	}
}

func TestWeightedCostDrainsBucket(t *testing.T) {
	limiter := newTestLimiter(t, 10, 5)
	ctx := context.Background()

	// 一次大体量调用把 5 个令牌的桶一次掏空
	if err := limiter.AcquireN(ctx, 5); err != nil {
		t.Fatal(err)
	}

	// 紧随其后的单令牌调用必须等补充（10/s → ~100ms）
	start := time.Now()
	if err := limiter.AcquireN(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected refill wait after heavy acquire, took %s", elapsed)
	}
}

func TestCostCappedAtBurst(t *testing.T) {
	limiter := newTestLimiter(t, 100, 2)
	ctx := context.Background()

	// cost 超过桶容量时收敛到容量，不会永久饿死
	done := make(chan error, 1)
	go func() { done <- limiter.AcquireN(ctx, 10) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("over-capacity cost must not starve forever")
	}
}

func TestAcquireBlocksWhenExhausted(t *testing.T) {
	limiter := newTestLimiter(t, 10, 1)
	ctx := context.Background()

	if err := limiter.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	// 桶已空：下一次需要等待 ~100ms 补充
	start := time.Now()
	if err := limiter.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected wait for refill, took %s", elapsed)
	}
}

func TestAcquireCancelled(t *testing.T) {
	limiter := newTestLimiter(t, 0.1, 1)

	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	if !errors.Is(err, ErrRateLimitTimeout) {
		t.Fatalf("expected ErrRateLimitTimeout, got %v", err)
	}
}

func TestNilLimiterIsNoop(t *testing.T) {
	var limiter *RateLimiter
	if err := limiter.AcquireN(context.Background(), 3); err != nil {
		t.Fatal("nil limiter must allow everything")
	}
}
