package store

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

// Snapshot caches the last known-good task list in Redis so a fresh session
// can render a warm board before its first blocking load completes.
type Snapshot struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewSnapshot creates a snapshot cache using the provided Redis client and TTL.
// A nil client disables caching without failing callers.
func NewSnapshot(client *redis.Client, ttl time.Duration) *Snapshot {
	if ttl < 0 {
		ttl = 0
	}
	return &Snapshot{redis: client, ttl: ttl}
}

// Save stores the task list for a workspace. Failures are swallowed: the
// cache is an optimization, never a source of errors.
func (c *Snapshot) Save(ctx context.Context, workspaceID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, snapshotKey(workspaceID), data, c.ttl).Err()
}

// Load returns the cached task list for a workspace, if present and readable.
func (c *Snapshot) Load(ctx context.Context, workspaceID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, snapshotKey(workspaceID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors drop the key and fall through to a cold start.
			_ = c.redis.Del(ctx, snapshotKey(workspaceID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, snapshotKey(workspaceID)).Err()
		return nil, false
	}
	return tasks, true
}

// Evict drops the cached snapshot for a workspace.
func (c *Snapshot) Evict(ctx context.Context, workspaceID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, snapshotKey(workspaceID)).Err()
}

func snapshotKey(workspaceID string) string {
	return "board:" + workspaceID
}
