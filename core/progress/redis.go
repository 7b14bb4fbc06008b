package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"lora-orchestrator/core/models"

	"github.com/redis/go-redis/v9"
)

// appendScript enforces the ordering rules and the ring bound atomically.
// KEYS: samples list, run meta hash. ARGV: step, loss, payload, capacity.
var appendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'sealed') == '1' then
	return 'sealed'
end
local last = redis.call('HGET', KEYS[2], 'last_step')
if last then
	local step = tonumber(ARGV[1])
	local prev = tonumber(last)
	if step < prev then
		return 'out_of_order'
	end
	if step == prev then
		if redis.call('HGET', KEYS[2], 'last_loss') == ARGV[2] then
			return 'replay'
		end
		return 'duplicate'
	end
end
redis.call('RPUSH', KEYS[1], ARGV[3])
redis.call('LTRIM', KEYS[1], -tonumber(ARGV[4]), -1)
redis.call('HSET', KEYS[2], 'last_step', ARGV[1], 'last_loss', ARGV[2])
return 'ok'
`)

// RedisBuffer is a Buffer shared through Redis, so progress survives a
// server restart and can be read by other API replicas
type RedisBuffer struct {
	client   *redis.Client
	prefix   string
	capacity int
}

// NewRedisBuffer creates a Redis-backed buffer. Keys are namespaced by prefix.
func NewRedisBuffer(client *redis.Client, prefix string, capacity int) *RedisBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if prefix == "" {
		prefix = "lora:progress"
	}
	return &RedisBuffer{client: client, prefix: prefix, capacity: capacity}
}

func (b *RedisBuffer) samplesKey(jobID string) string {
	return b.prefix + ":" + jobID + ":samples"
}

func (b *RedisBuffer) metaKey(jobID string) string {
	return b.prefix + ":" + jobID + ":meta"
}

func (b *RedisBuffer) Reset(ctx context.Context, jobID string) error {
	return b.client.Del(ctx, b.samplesKey(jobID), b.metaKey(jobID)).Err()
}

func (b *RedisBuffer) Append(ctx context.Context, jobID string, sample models.ProgressSample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return err
	}

	res, err := appendScript.Run(ctx, b.client,
		[]string{b.samplesKey(jobID), b.metaKey(jobID)},
		sample.Step,
		strconv.FormatFloat(sample.Loss, 'g', -1, 64),
		payload,
		b.capacity,
	).Text()
	if err != nil {
		return fmt.Errorf("append progress sample: %w", err)
	}

	switch res {
	case "ok", "replay":
		return nil
	case "sealed":
		return ErrSealed
	case "out_of_order":
		return ErrOutOfOrder
	case "duplicate":
		return ErrDuplicateStep
	}
	return fmt.Errorf("append progress sample: unexpected script result %q", res)
}

func (b *RedisBuffer) Recent(ctx context.Context, jobID string, n int) ([]models.ProgressSample, error) {
	start := int64(0)
	if n > 0 {
		start = -int64(n)
	}

	raw, err := b.client.LRange(ctx, b.samplesKey(jobID), start, -1).Result()
	if err != nil {
		return nil, err
	}

	samples := make([]models.ProgressSample, 0, len(raw))
	for _, item := range raw {
		var s models.ProgressSample
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			return nil, fmt.Errorf("decode progress sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func (b *RedisBuffer) Seal(ctx context.Context, jobID string) error {
	return b.client.HSet(ctx, b.metaKey(jobID), "sealed", "1").Err()
}

func (b *RedisBuffer) Drop(ctx context.Context, jobID string) error {
	return b.client.Del(ctx, b.samplesKey(jobID), b.metaKey(jobID)).Err()
}
