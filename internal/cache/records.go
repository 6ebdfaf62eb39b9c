// Package cache keeps per-company record listings in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"interview-pipeline/internal/models"
)

// RecordCache is a read-through cache of company record listings.
type RecordCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRecordCache(client *redis.Client, ttl time.Duration) *RecordCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RecordCache{client: client, prefix: "cache:records:company:", ttl: ttl}
}

func (c *RecordCache) key(companyID string) string {
	return c.prefix + companyID
}

// Get returns the cached listing and whether it was present.
func (c *RecordCache) Get(ctx context.Context, companyID string) ([]models.Record, bool, error) {
	raw, err := c.client.Get(ctx, c.key(companyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var recs []models.Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		// A corrupt entry is a miss; the next Set overwrites it.
		return nil, false, nil
	}
	return recs, true, nil
}

func (c *RecordCache) Set(ctx context.Context, companyID string, recs []models.Record) error {
	raw, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	return c.client.Set(ctx, c.key(companyID), raw, c.ttl).Err()
}

// Invalidate drops the company's listing.
func (c *RecordCache) Invalidate(ctx context.Context, companyID string) error {
	return c.client.Del(ctx, c.key(companyID)).Err()
}
