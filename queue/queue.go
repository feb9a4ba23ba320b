package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// ImageProcessingQueue holds uploaded images waiting for embedding generation.
	ImageProcessingQueue = "image_processing"

	// TaskTypeProcessImage is the task emitted per upload.
	TaskTypeProcessImage = "process_image"

	// taskTTL bounds how long task status and results stay queryable.
	taskTTL = 24 * time.Hour
)

// TaskPayload is one unit of work on the queue.
type TaskPayload struct {
	TaskID   string         `json:"task_id"`
	TaskType string         `json:"task_type"`
	Data     map[string]any `json:"data"`
	Created  time.Time      `json:"created"`
}

// Client wraps the Redis connection used for task hand-off between the API
// and the worker pool.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a queue client. Connectivity is checked lazily; use Ping
// for an explicit probe.
func NewClient(addr, password string, db int) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Ping verifies the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Enqueue pushes a task onto the named queue and returns its generated ID.
func (c *Client) Enqueue(ctx context.Context, queueName, taskType string, data map[string]any) (string, error) {
	task := TaskPayload{
		TaskID:   uuid.NewString(),
		TaskType: taskType,
		Data:     data,
		Created:  time.Now().UTC(),
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	if err := c.rdb.RPush(ctx, queueName, payload).Err(); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	if err := c.SetTaskStatus(ctx, task.TaskID, "queued"); err != nil {
		return "", err
	}
	return task.TaskID, nil
}

// Dequeue blocks for up to timeout waiting for a task. A nil task with nil
// error means the timeout elapsed with nothing available.
func (c *Client) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*TaskPayload, error) {
	result, err := c.rdb.BLPop(ctx, timeout, queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	// BLPOP returns the queue name at index 0 and the payload at index 1.
	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of length %d", len(result))
	}

	var task TaskPayload
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

// SetTaskStatus updates a task's status key.
func (c *Client) SetTaskStatus(ctx context.Context, taskID, status string) error {
	return c.rdb.Set(ctx, statusKey(taskID), status, taskTTL).Err()
}

// GetTaskStatus returns a task's status, or "unknown" when the key expired or
// never existed.
func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (string, error) {
	status, err := c.rdb.Get(ctx, statusKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "unknown", nil
		}
		return "", fmt.Errorf("get task status: %w", err)
	}
	return status, nil
}

// StoreTaskResult stores the result payload of a finished task.
func (c *Client) StoreTaskResult(ctx context.Context, taskID string, result map[string]any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	return c.rdb.Set(ctx, resultKey(taskID), payload, taskTTL).Err()
}

// GetTaskResult returns the stored result of a task, or nil when absent.
func (c *Client) GetTaskResult(ctx context.Context, taskID string) (map[string]any, error) {
	payload, err := c.rdb.Get(ctx, resultKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task result: %w", err)
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("unmarshal task result: %w", err)
	}
	return result, nil
}

func statusKey(taskID string) string { return fmt.Sprintf("task:%s:status", taskID) }
func resultKey(taskID string) string { return fmt.Sprintf("task:%s:result", taskID) }
