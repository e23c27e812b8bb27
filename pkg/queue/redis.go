package queue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/antcode/antcode/pkg/apperr"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/types"
)

const (
	redisBackend = "redis"

	queueKey      = "antcode:task_queue"
	taskDataPfx   = "antcode:task_data:"
	priorityScale = 1e10 // priority*priorityScale + enqueue_time keeps priority the dominant sort key

	maxReconnectAttempts = 3
	reconnectDelay       = 1 * time.Second
)

// Redis is a go-redis-backed priority queue for multi-master deployments
// that need to share a backlog. Ordering uses a sorted set keyed by
// priority*priorityScale+enqueue_time, matching the ZSET layout the
// original Redis backend used.
type Redis struct {
	client *goredis.Client

	mu    sync.Mutex
	stats Stats
}

// NewRedis wraps an existing *redis.Client.
func NewRedis(client *goredis.Client) *Redis {
	return &Redis{client: client}
}

func taskDataKey(taskID string) string {
	return taskDataPfx + taskID
}

func (r *Redis) Start(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return apperr.Wrap(apperr.KindQueueUnavailable, "connect to redis queue", err)
	}
	log.WithComponent("queue.redis").Info().Msg("started")
	return nil
}

func (r *Redis) Stop(ctx context.Context) error {
	log.WithComponent("queue.redis").Info().Msg("stopped")
	return r.client.Close()
}

// isConnectionError mirrors the original's substring-based classification
// of transient connection failures, used to decide whether to reconnect
// and retry rather than surface the error immediately.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"connection", "timeout", "refused", "reset", "closed", "i/o"} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// withRetry runs op, and on a transient connection error retries once more
// after pinging the backend up to maxReconnectAttempts times with a
// linearly increasing delay, matching the original's _execute_with_retry.
func (r *Redis) withRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || !isConnectionError(err) {
		return err
	}

	logger := log.WithComponent("queue.redis")
	logger.Warn().Str("op", op).Err(err).Msg("redis operation failed, attempting reconnect")

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		metrics.QueueOpsTotal.WithLabelValues(redisBackend, "reconnect", "attempt").Inc()
		if pingErr := r.client.Ping(ctx).Err(); pingErr == nil {
			if retryErr := fn(); retryErr == nil {
				metrics.QueueOpsTotal.WithLabelValues(redisBackend, "reconnect", "ok").Inc()
				return nil
			}
			logger.Warn().Int("attempt", attempt).Msg("retry after reconnect still failed")
		}
		if attempt < maxReconnectAttempts {
			time.Sleep(reconnectDelay * time.Duration(attempt))
		}
	}
	metrics.QueueOpsTotal.WithLabelValues(redisBackend, op, "error").Inc()
	return apperr.Wrap(apperr.KindQueueUnavailable, "redis operation '"+op+"' failed after reconnect attempts", err)
}

func (r *Redis) Enqueue(ctx context.Context, taskID string, projectID int64, projectType types.ProjectType, priority int, data map[string]any) (bool, error) {
	var enqueued bool
	err := r.withRetry(ctx, "enqueue", func() error {
		score, err := r.client.ZScore(ctx, queueKey, taskID).Result()
		if err != nil && err != goredis.Nil {
			return err
		}
		if err == nil {
			_ = score
			enqueued = false
			return nil
		}

		task := &types.QueuedTask{
			TaskID:      taskID,
			ProjectID:   projectID,
			ProjectType: projectType,
			Priority:    priority,
			EnqueueTime: time.Now(),
			Data:        data,
		}
		payload, merr := json.Marshal(task)
		if merr != nil {
			return merr
		}

		zscore := float64(priority)*priorityScale + float64(task.EnqueueTime.UnixNano())/1e9

		pipe := r.client.TxPipeline()
		pipe.ZAdd(ctx, queueKey, goredis.Z{Score: zscore, Member: taskID})
		pipe.Set(ctx, taskDataKey(taskID), payload, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		enqueued = true
		return nil
	})
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	if enqueued {
		r.stats.Enqueued++
	}
	r.mu.Unlock()
	outcome := "ok"
	if !enqueued {
		outcome = "duplicate"
	}
	metrics.QueueOpsTotal.WithLabelValues(redisBackend, "enqueue", outcome).Inc()
	return enqueued, nil
}

func (r *Redis) Dequeue(ctx context.Context) (*types.QueuedTask, bool, error) {
	var task *types.QueuedTask
	err := r.withRetry(ctx, "dequeue", func() error {
		popped, err := r.client.ZPopMin(ctx, queueKey, 1).Result()
		if err != nil {
			return err
		}
		if len(popped) == 0 {
			return nil
		}
		taskID, _ := popped[0].Member.(string)

		dataKey := taskDataKey(taskID)
		payload, err := r.client.Get(ctx, dataKey).Result()
		if err == goredis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		_ = r.client.Del(ctx, dataKey).Err()

		var t types.QueuedTask
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return err
		}
		task = &t
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if task == nil {
		return nil, false, nil
	}

	r.mu.Lock()
	r.stats.Dequeued++
	r.mu.Unlock()
	metrics.QueueOpsTotal.WithLabelValues(redisBackend, "dequeue", "ok").Inc()
	return task, true, nil
}

func (r *Redis) Cancel(ctx context.Context, taskID string) (bool, error) {
	var removed bool
	err := r.withRetry(ctx, "cancel", func() error {
		pipe := r.client.TxPipeline()
		zrem := pipe.ZRem(ctx, queueKey, taskID)
		pipe.Del(ctx, taskDataKey(taskID))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		removed = zrem.Val() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		r.mu.Lock()
		r.stats.Cancelled++
		r.mu.Unlock()
		metrics.QueueOpsTotal.WithLabelValues(redisBackend, "cancel", "ok").Inc()
	}
	return removed, nil
}

func (r *Redis) UpdatePriority(ctx context.Context, taskID string, newPriority int) (bool, error) {
	var updated bool
	err := r.withRetry(ctx, "update_priority", func() error {
		dataKey := taskDataKey(taskID)
		payload, err := r.client.Get(ctx, dataKey).Result()
		if err == goredis.Nil {
			return nil
		}
		if err != nil {
			return err
		}

		var task types.QueuedTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			return err
		}
		task.Priority = newPriority

		newPayload, err := json.Marshal(task)
		if err != nil {
			return err
		}
		newScore := float64(newPriority)*priorityScale + float64(task.EnqueueTime.UnixNano())/1e9

		pipe := r.client.TxPipeline()
		pipe.ZAddArgs(ctx, queueKey, goredis.ZAddArgs{
			XX:      true,
			Members: []goredis.Z{{Score: newScore, Member: taskID}},
		})
		pipe.Set(ctx, dataKey, newPayload, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

		_, err = r.client.ZScore(ctx, queueKey, taskID).Result()
		if err == goredis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if updated {
		r.mu.Lock()
		r.stats.PriorityUpdates++
		r.mu.Unlock()
		metrics.QueueOpsTotal.WithLabelValues(redisBackend, "update_priority", "ok").Inc()
	}
	return updated, nil
}

func (r *Redis) Contains(ctx context.Context, taskID string) (bool, error) {
	_, err := r.client.ZScore(ctx, queueKey, taskID).Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindQueueUnavailable, "contains", err)
	}
	return true, nil
}

func (r *Redis) Size(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, apperr.Wrap(apperr.KindQueueUnavailable, "size", err)
	}
	metrics.QueueDepth.WithLabelValues(redisBackend).Set(float64(n))
	return int(n), nil
}

func (r *Redis) Peek(ctx context.Context) (*types.QueuedTask, bool, error) {
	ids, err := r.client.ZRange(ctx, queueKey, 0, 0).Result()
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindQueueUnavailable, "peek", err)
	}
	if len(ids) == 0 {
		return nil, false, nil
	}
	payload, err := r.client.Get(ctx, taskDataKey(ids[0])).Result()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindQueueUnavailable, "peek", err)
	}
	var task types.QueuedTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, false, err
	}
	return &task, true, nil
}

func (r *Redis) Clear(ctx context.Context) (int, error) {
	ids, err := r.client.ZRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return 0, apperr.Wrap(apperr.KindQueueUnavailable, "clear", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, queueKey)
	for _, id := range ids {
		pipe.Del(ctx, taskDataKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, apperr.Wrap(apperr.KindQueueUnavailable, "clear", err)
	}
	metrics.QueueDepth.WithLabelValues(redisBackend).Set(0)
	return len(ids), nil
}

func (r *Redis) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
