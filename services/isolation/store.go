package isolation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// HaltStore holds the halt where every process can see it
type HaltStore interface {
	// Load returns the shared halt, or a zero Status when processing is not halted
	Load(ctx context.Context) (Status, error)
	// Trip records a trip. first is true when it started the halt.
	Trip(ctx context.Context, status Status) (first bool, trips int, err error)
	// Clear removes the halt and returns what was cleared
	Clear(ctx context.Context) (Status, error)
}

// The first trip's details win; later trips only move the counter
var tripScript = redis.NewScript(`
local first = redis.call('HSETNX', KEYS[1], 'status', ARGV[1])
local trips = redis.call('HINCRBY', KEYS[1], 'trips', 1)
return {first, trips}
`)

var clearScript = redis.NewScript(`
local previous = redis.call('HGETALL', KEYS[1])
redis.call('DEL', KEYS[1])
return previous
`)

// RedisHaltStore keeps the halt in a hash at <prefix>:isolation:halt
type RedisHaltStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisHaltStore creates a new RedisHaltStore instance
func NewRedisHaltStore(client redis.UniversalClient, prefix string) *RedisHaltStore {
	return &RedisHaltStore{client: client, key: prefix + ":isolation:halt"}
}

func (s *RedisHaltStore) Load(ctx context.Context) (Status, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return Status{}, fmt.Errorf("failed to load isolation halt: %w", err)
	}
	return decodeHalt(fields)
}

func (s *RedisHaltStore) Trip(ctx context.Context, status Status) (bool, int, error) {
	status.Trips = 0
	body, err := json.Marshal(status)
	if err != nil {
		return false, 0, fmt.Errorf("failed to encode isolation halt: %w", err)
	}
	res, err := tripScript.Run(ctx, s.client, []string{s.key}, body).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to record isolation halt: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected trip reply %v", res)
	}
	return res[0] == 1, int(res[1]), nil
}

func (s *RedisHaltStore) Clear(ctx context.Context) (Status, error) {
	flat, err := clearScript.Run(ctx, s.client, []string{s.key}).StringSlice()
	if err != nil {
		return Status{}, fmt.Errorf("failed to clear isolation halt: %w", err)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}
	return decodeHalt(fields)
}

func decodeHalt(fields map[string]string) (Status, error) {
	raw, ok := fields["status"]
	if !ok {
		return Status{}, nil
	}
	var status Status
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return Status{}, fmt.Errorf("failed to decode isolation halt: %w", err)
	}
	status.Halted = true
	if trips, err := strconv.Atoi(fields["trips"]); err == nil {
		status.Trips = trips
	}
	return status, nil
}
