package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pharmwatch:dedup:keyword:"

// Deduplicator 基于 Redis SetNX 实现关键词采集去重窗口：
// 同一关键词在窗口内只允许被采集一次，避免调度器与手工触发重复抓取。
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// IsDuplicate 原子地检查并占用一个关键词。首次调用返回 false 并占位，
// 窗口内的后续调用返回 true。
func (d *Deduplicator) IsDuplicate(ctx context.Context, keyword string) (bool, error) {
	if d == nil || d.rdb == nil || keyword == "" {
		return false, nil
	}
	key := keyPrefix + hashKeyword(keyword)
	ok, err := d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Delete 释放某个关键词的占位，允许立即重新采集。
func (d *Deduplicator) Delete(ctx context.Context, keyword string) error {
	if d == nil || d.rdb == nil || keyword == "" {
		return nil
	}
	key := keyPrefix + hashKeyword(keyword)
	if err := d.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func hashKeyword(keyword string) string {
	sum := sha256.Sum256([]byte(keyword))
	return hex.EncodeToString(sum[:])
}
