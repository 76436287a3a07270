package counter

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	purchasesKey = "billing:counters:purchases"
	webhooksKey  = "billing:counters:webhooks"
	pushKey      = "push:counters:deliveries"
)

// Counters keeps running outcome totals in Redis hashes so every instance
// adds to the same numbers.
type Counters struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Counters {
	return &Counters{rdb: rdb}
}

// AddPurchase counts one Action API call by action and HTTP status class.
func (c *Counters) AddPurchase(ctx context.Context, action string, status int) error {
	field := action + ":" + statusClass(status)
	return c.rdb.HIncrBy(ctx, purchasesKey, field, 1).Err()
}

// AddWebhook counts one acknowledged notification by kind and outcome.
func (c *Counters) AddWebhook(ctx context.Context, kind, action string) error {
	return c.rdb.HIncrBy(ctx, webhooksKey, kind+":"+action, 1).Err()
}

// AddDeliveries adds the sent and failed totals of one dispatcher run.
func (c *Counters) AddDeliveries(ctx context.Context, sent, failed int64) error {
	if sent == 0 && failed == 0 {
		return nil
	}
	pipe := c.rdb.TxPipeline()
	if sent > 0 {
		pipe.HIncrBy(ctx, pushKey, "sent", sent)
	}
	if failed > 0 {
		pipe.HIncrBy(ctx, pushKey, "failed", failed)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Snapshot returns all totals grouped by family: purchases, webhooks, push.
func (c *Counters) Snapshot(ctx context.Context) (map[string]map[string]int64, error) {
	out := make(map[string]map[string]int64, 3)
	for name, key := range map[string]string{"purchases": purchasesKey, "webhooks": webhooksKey, "push": pushKey} {
		data, err := c.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		out[name] = parseTotals(data)
	}
	return out, nil
}

func parseTotals(data map[string]string) map[string]int64 {
	totals := make(map[string]int64, len(data))
	for k, v := range data {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		totals[k] = n
	}
	return totals
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
