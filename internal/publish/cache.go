package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultCacheTTL keeps a cached report alive across a few range polls.
const DefaultCacheTTL = 2 * time.Minute

// CacheSink stores the latest report per subject, kind and label.
type CacheSink struct {
	kv     KVStore
	ttl    time.Duration
	logger *zap.Logger
}

func NewCacheSink(kv KVStore, ttl time.Duration, logger *zap.Logger) *CacheSink {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheSink{kv: kv, ttl: ttl, logger: logger}
}

// CacheKey returns the key a report is stored under.
func CacheKey(subjectID, kind, label string) string {
	return fmt.Sprintf("energy:subject:%s:%s:%s", subjectID, kind, label)
}

func (c *CacheSink) Publish(ctx context.Context, r Report) error {
	key := CacheKey(r.SubjectID, r.Kind, r.Label)

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := c.kv.Set(ctx, key, string(data), c.ttl); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	c.logger.Debug("Cached energy report",
		zap.String("key", key),
		zap.Int("aggregates", len(r.Aggregates)),
	)
	return nil
}

// Latest reads a cached report back.
func (c *CacheSink) Latest(ctx context.Context, subjectID, kind, label string) (Report, error) {
	raw, err := c.kv.Get(ctx, CacheKey(subjectID, kind, label))
	if err != nil {
		return Report{}, err
	}
	var r Report
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Report{}, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return r, nil
}
