package devserver

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// ReplayCache remembers the response of each idempotent mutation in Redis so
// a retried request with the same Idempotency-Key replays the original
// outcome instead of executing twice.
type ReplayCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReplayCache creates a replay cache with the given TTL.
func NewReplayCache(client *redis.Client, ttl time.Duration) *ReplayCache {
	return &ReplayCache{client: client, ttl: ttl}
}

type replayEntry struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

func replayKey(userID, key string) string {
	return "idem:" + userID + ":" + key
}

// Lookup returns the recorded response for a key, if any.
func (r *ReplayCache) Lookup(ctx context.Context, userID, key string) (int, []byte, bool) {
	data, err := r.client.Get(ctx, replayKey(userID, key)).Bytes()
	if err != nil {
		return 0, nil, false
	}
	var entry replayEntry
	if err := sonic.Unmarshal(data, &entry); err != nil {
		_ = r.client.Del(ctx, replayKey(userID, key)).Err()
		return 0, nil, false
	}
	return entry.Status, entry.Body, true
}

// Store records a response. Failures are swallowed: losing a replay record
// only costs a duplicate execution, which the repo tolerates.
func (r *ReplayCache) Store(ctx context.Context, userID, key string, status int, body []byte) {
	data, err := sonic.Marshal(replayEntry{Status: status, Body: body})
	if err != nil {
		return
	}
	_ = r.client.Set(ctx, replayKey(userID, key), data, r.ttl).Err()
}
