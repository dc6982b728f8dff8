package streaming

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamMaxLen = 1024

// RedisMirror publishes query events to a Redis stream so consumers outside
// this process can follow progress. Mirroring is best effort; losing an event
// never fails the task that produced it.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisMirror(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisMirror{client: client, ttl: ttl, logger: logger}
}

func streamKey(queryHandle string) string { return "dossier:events:" + queryHandle }

// Publish appends the event to the query's stream, capped and expiring.
func (r *RedisMirror) Publish(ctx context.Context, evt Event) {
	if r == nil || r.client == nil {
		return
	}
	key := streamKey(evt.QueryHandle)
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": string(evt.Marshal())},
	}).Err()
	if err != nil {
		r.logger.Debug("event mirror write failed", zap.String("query_handle", evt.QueryHandle), zap.Error(err))
		return
	}
	r.client.Expire(ctx, key, r.ttl)
}

// History reads back the mirrored events for a query, oldest first.
func (r *RedisMirror) History(ctx context.Context, queryHandle string, limit int64) ([]Event, error) {
	if r == nil || r.client == nil {
		return nil, nil
	}
	msgs, err := r.client.XRangeN(ctx, streamKey(queryHandle), "-", "+", limit).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["event"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := unmarshalEvent([]byte(raw), &evt); err == nil {
			out = append(out, evt)
		}
	}
	return out, nil
}
