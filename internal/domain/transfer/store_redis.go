package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for process statuses
	processKeyPrefix = "transfer:process:"
	// Sorted set of process ids scored by creation time
	processIndexKey = "transfer:processes"
)

// RedisStore is a Redis-backed Store so several agent replicas report the
// same processes. Completed statuses expire after the retention.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore constructs a Redis-backed status store.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

// Save writes the status and indexes it. Running processes do not expire.
func (s *RedisStore) Save(ctx context.Context, st Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode status %s: %w", st.ProcessID, err)
	}
	var ttl time.Duration
	if st.Phase.Completed() && s.retention > 0 {
		ttl = s.retention
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, processKeyPrefix+st.ProcessID, data, ttl)
	pipe.ZAdd(ctx, processIndexKey, redis.Z{Score: float64(st.CreatedAt.UnixNano()), Member: st.ProcessID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save status %s: %w", st.ProcessID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, processID string) (Status, error) {
	data, err := s.client.Get(ctx, processKeyPrefix+processID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	if err != nil {
		return Status{}, fmt.Errorf("get status %s: %w", processID, err)
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("decode status %s: %w", processID, err)
	}
	return st, nil
}

// List returns the statuses newest first and prunes index entries whose
// status has expired.
func (s *RedisStore) List(ctx context.Context) ([]Status, error) {
	ids, err := s.client.ZRevRange(ctx, processIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list process ids: %w", err)
	}
	if len(ids) == 0 {
		return []Status{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = processKeyPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}

	out := make([]Status, 0, len(values))
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var st Status
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("decode status %s: %w", ids[i], err)
		}
		out = append(out, st)
	}
	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, processIndexKey, expired...).Err(); err != nil {
			return nil, fmt.Errorf("prune process index: %w", err)
		}
	}
	sortStatuses(out)
	return out, nil
}
