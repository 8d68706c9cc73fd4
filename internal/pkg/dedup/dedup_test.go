package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDeduper(t *testing.T, ttl time.Duration) (*Deduplicator, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewDeduplicator(rdb, ttl), s
}

func TestIsDuplicateWindow(t *testing.T) {
	d, _ := newTestDeduper(t, time.Hour)
	ctx := context.Background()

	dup, err := d.IsDuplicate(ctx, "阿莫西林")
	if err != nil || dup {
		t.Fatalf("first check: dup=%v err=%v", dup, err)
	}

	dup, err = d.IsDuplicate(ctx, "阿莫西林")
	if err != nil || !dup {
		t.Fatalf("second check must be duplicate: dup=%v err=%v", dup, err)
	}

	// 不同关键词互不影响
	dup, err = d.IsDuplicate(ctx, "布洛芬")
	if err != nil || dup {
		t.Fatalf("other keyword: dup=%v err=%v", dup, err)
	}
}

func TestWindowExpiry(t *testing.T) {
	d, s := newTestDeduper(t, time.Second)
	ctx := context.Background()

	if dup, _ := d.IsDuplicate(ctx, "感冒灵"); dup {
		t.Fatal("first check must not be duplicate")
	}

	s.FastForward(2 * time.Second)

	if dup, _ := d.IsDuplicate(ctx, "感冒灵"); dup {
		t.Fatal("expired window must allow re-crawl")
	}
}

func TestDeleteReleasesKeyword(t *testing.T) {
	d, _ := newTestDeduper(t, time.Hour)
	ctx := context.Background()

	_, _ = d.IsDuplicate(ctx, "天麻片")
	if err := d.Delete(ctx, "天麻片"); err != nil {
		t.Fatal(err)
	}
	if dup, _ := d.IsDuplicate(ctx, "天麻片"); dup {
		t.Fatal("deleted keyword must be crawlable again")
	}
}

func TestNilSafety(t *testing.T) {
	var d *Deduplicator
	if dup, err := d.IsDuplicate(context.Background(), "x"); dup || err != nil {
		t.Fatal("nil deduper must be a no-op")
	}
	if err := d.Delete(context.Background(), "x"); err != nil {
		t.Fatal("nil deduper delete must be a no-op")
	}
}
