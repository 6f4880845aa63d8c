package webhook

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const retryQueueKey = "admp:webhook:retries"

// RetryQueue is the optional multi-process delayed-retry transport
// (spec.md §4.5). It is not required for correctness: Pusher.Notify
// already retries in-process. RetryQueue exists for deployments that
// run the HTTP API and the sweep/retry worker as separate processes,
// where an in-process goroutine retry would be lost on restart. Its
// shape mirrors internal/queue's redis client wrapper.
type RetryQueue struct {
	client *redis.Client
}

// pendingDelivery is the scheduled-retry record stored in the sorted
// set, scored by the unix time the retry becomes due.
type pendingDelivery struct {
	AgentID   string `json:"agent_id"`
	MessageID string `json:"message_id"`
	Attempt   int    `json:"attempt"`
}

func NewRetryQueue(url string) (*RetryQueue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RetryQueue{client: redis.NewClient(opt)}, nil
}

func (q *RetryQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Schedule enqueues a redelivery attempt due at dueAt.
func (q *RetryQueue) Schedule(ctx context.Context, agentID, messageID string, attempt int, dueAt time.Time) error {
	raw, err := json.Marshal(pendingDelivery{AgentID: agentID, MessageID: messageID, Attempt: attempt})
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, retryQueueKey, redis.Z{
		Score:  float64(dueAt.Unix()),
		Member: raw,
	}).Err()
}

// Due pops every scheduled retry whose due time has passed, removing
// them from the set atomically per entry.
func (q *RetryQueue) Due(ctx context.Context, now time.Time) ([]pendingDelivery, error) {
	members, err := q.client.ZRangeByScore(ctx, retryQueueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: formatScore(now),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]pendingDelivery, 0, len(members))
	for _, raw := range members {
		var pd pendingDelivery
		if err := json.Unmarshal([]byte(raw), &pd); err != nil {
			continue
		}
		if err := q.client.ZRem(ctx, retryQueueKey, raw).Err(); err != nil {
			continue
		}
		out = append(out, pd)
	}
	return out, nil
}

func (q *RetryQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, retryQueueKey).Result()
}

func (q *RetryQueue) Close() error {
	return q.client.Close()
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
