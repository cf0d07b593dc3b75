package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	redisinfra "github.com/wavechat/msg-delivery-service/infra/redis"
	"github.com/wavechat/msg-delivery-service/internal/domain/event"
	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

const (
	// maxRemoveScan bounds the linear scan of
	// RemoveBySenderAndTimestamp; the script reports truncation
	// instead of walking an unbounded queue.
	maxRemoveScan = 1000

	ephemeralPrefix = "ephemeral::"
)

// CachedMessage pairs an envelope with the queue-id it holds in the
// ordered set.
type CachedMessage struct {
	ID       int64
	Envelope *model.Envelope
}

// MessagesCache is the device message queue: per-(account, device)
// ordered envelopes in the sharded cache, manipulated exclusively
// through server-side scripts.
type MessagesCache struct {
	cluster *redisinfra.Cluster
	shards  int
	logger  *slog.Logger

	mu        sync.Mutex
	listeners map[model.AccountDevice]*redisinfra.Subscription
}

func NewMessagesCache(cluster *redisinfra.Cluster, shards int, logger *slog.Logger) *MessagesCache {
	return &MessagesCache{
		cluster:   cluster,
		shards:    shards,
		logger:    logger,
		listeners: make(map[model.AccountDevice]*redisinfra.Subscription),
	}
}

func (c *MessagesCache) NumShards() int { return c.shards }

// Insert appends the envelope to its device queue and returns the
// assigned queue-id. A duplicate GUID replaces the index entry;
// readers dedup by GUID.
func (c *MessagesCache) Insert(ctx context.Context, env *model.Envelope) (int64, error) {
	ad := model.AccountDevice{Account: env.DestinationUUID, Device: env.DestinationDevice}

	data, err := env.Marshal()
	if err != nil {
		return 0, err
	}

	var id int64
	err = c.cluster.DoScript(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		res, err := insertScript.Run(ctx, client,
			[]string{
				queueKey(ad),
				queueMetadataKey(ad),
				queueCounterKey(ad),
				shardIndexKey(ShardForQueue(ad, c.shards)),
			},
			data,
			env.Guid.String(),
			time.Now().UnixMilli(),
			queueEventChannel(ad),
		).Int64()
		if err != nil {
			return err
		}
		id = res
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue %s: insert: %w", ad, err)
	}
	return id, nil
}

// GetAllAfter returns up to limit envelopes with queue-id > afterID
// in ascending order.
func (c *MessagesCache) GetAllAfter(ctx context.Context, ad model.AccountDevice, afterID int64, limit int) ([]CachedMessage, error) {
	var raw []redis.Z
	err := c.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		res, err := client.ZRangeByScoreWithScores(ctx, queueKey(ad), &redis.ZRangeBy{
			Min:    "(" + strconv.FormatInt(afterID, 10),
			Max:    "+inf",
			Offset: 0,
			Count:  int64(limit),
		}).Result()
		if err != nil {
			return err
		}
		raw = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue %s: read: %w", ad, err)
	}

	messages := make([]CachedMessage, 0, len(raw))
	for _, z := range raw {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		env, err := model.UnmarshalEnvelope([]byte(member))
		if err != nil {
			// Corrupt member: fatal for this envelope only. Logged
			// and skipped, never retried.
			c.logger.Error("dropping corrupt envelope from queue",
				slog.String("queue", ad.String()), slog.Any("err", err))
			continue
		}
		messages = append(messages, CachedMessage{ID: int64(z.Score), Envelope: env})
	}
	return messages, nil
}

// RemoveByGuid removes the envelope the GUID index points at and
// returns it; (nil, nil) when the GUID is unknown.
func (c *MessagesCache) RemoveByGuid(ctx context.Context, ad model.AccountDevice, guid uuid.UUID) (*model.Envelope, error) {
	var removed *model.Envelope
	err := c.cluster.DoScript(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		res, err := removeByGuidScript.Run(ctx, client,
			[]string{
				queueKey(ad),
				queueMetadataKey(ad),
				shardIndexKey(ShardForQueue(ad, c.shards)),
			},
			guid.String(),
		).Text()
		if err != nil {
			return err
		}
		env, err := model.UnmarshalEnvelope([]byte(res))
		if err != nil {
			return err
		}
		removed = env
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue %s: remove by guid: %w", ad, err)
	}
	return removed, nil
}

// RemoveBySenderAndTimestamp scans a bounded window for a (sender,
// client timestamp) match. truncated reports that the queue exceeded
// the scan window and the miss is not authoritative.
func (c *MessagesCache) RemoveBySenderAndTimestamp(ctx context.Context, ad model.AccountDevice, sender uuid.UUID, timestamp int64) (removed *model.Envelope, truncated bool, err error) {
	err = c.cluster.DoScript(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		res, err := removeBySenderTimestampScript.Run(ctx, client,
			[]string{
				queueKey(ad),
				queueMetadataKey(ad),
				shardIndexKey(ShardForQueue(ad, c.shards)),
			},
			sender.String(),
			timestamp,
			maxRemoveScan,
		).Slice()
		if err != nil {
			return err
		}
		if len(res) != 2 {
			return fmt.Errorf("unexpected script reply of %d elements", len(res))
		}
		if n, ok := res[1].(int64); ok && n == 1 {
			truncated = true
		}
		member, _ := res[0].(string)
		if member == "" {
			return nil
		}
		env, err := model.UnmarshalEnvelope([]byte(member))
		if err != nil {
			return err
		}
		removed = env
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("queue %s: remove by sender: %w", ad, err)
	}
	return removed, truncated, nil
}

// GetQueuesToPersist enumerates up to limit queues on the shard whose
// oldest envelope arrived before olderThan.
func (c *MessagesCache) GetQueuesToPersist(ctx context.Context, shard int, olderThan time.Time, limit int) ([]string, error) {
	var queues []string
	err := c.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		res, err := client.ZRangeByScore(ctx, shardIndexKey(shard), &redis.ZRangeBy{
			Min:    "0",
			Max:    strconv.FormatInt(olderThan.UnixMilli(), 10),
			Offset: 0,
			Count:  int64(limit),
		}).Result()
		if err != nil {
			return err
		}
		queues = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("shard %d: enumerate queues: %w", shard, err)
	}
	return queues, nil
}

// LockQueueForPersist sets the persist-in-progress flag; false means
// another worker already holds the queue.
func (c *MessagesCache) LockQueueForPersist(ctx context.Context, ad model.AccountDevice, ttl time.Duration) (bool, error) {
	var acquired bool
	err := c.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		ok, err := client.SetNX(ctx, queuePersistInProgressKey(ad), "1", ttl).Result()
		if err != nil {
			return err
		}
		acquired = ok
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("queue %s: lock: %w", ad, err)
	}
	return acquired, nil
}

func (c *MessagesCache) UnlockQueueForPersist(ctx context.Context, ad model.AccountDevice) error {
	return c.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		return client.Del(ctx, queuePersistInProgressKey(ad)).Err()
	})
}

// DrainAndTrim atomically returns and deletes every envelope with
// queue-id <= uptoID, together with the GUID index entries.
func (c *MessagesCache) DrainAndTrim(ctx context.Context, ad model.AccountDevice, uptoID int64) ([]*model.Envelope, error) {
	var members []any
	err := c.cluster.DoScript(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		res, err := drainAndTrimScript.Run(ctx, client,
			[]string{
				queueKey(ad),
				queueMetadataKey(ad),
				shardIndexKey(ShardForQueue(ad, c.shards)),
			},
			uptoID,
		).Slice()
		if err != nil {
			return err
		}
		members = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue %s: drain: %w", ad, err)
	}

	envelopes := make([]*model.Envelope, 0, len(members))
	for _, m := range members {
		member, ok := m.(string)
		if !ok {
			continue
		}
		env, err := model.UnmarshalEnvelope([]byte(member))
		if err != nil {
			c.logger.Error("dropping corrupt envelope during drain",
				slog.String("queue", ad.String()), slog.Any("err", err))
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// Clear drops the whole queue. The counter survives so queue-ids stay
// monotonic.
func (c *MessagesCache) Clear(ctx context.Context, ad model.AccountDevice) error {
	err := c.cluster.DoScript(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		return clearQueueScript.Run(ctx, client, []string{
			queueKey(ad),
			queueMetadataKey(ad),
			queuePersistInProgressKey(ad),
			shardIndexKey(ShardForQueue(ad, c.shards)),
		}).Err()
	})
	if err != nil {
		return fmt.Errorf("queue %s: clear: %w", ad, err)
	}
	return nil
}

// PublishPersisted fires the messagesPersisted notification on the
// queue channel after a drain completed.
func (c *MessagesCache) PublishPersisted(ctx context.Context, ad model.AccountDevice) error {
	return c.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		return client.Publish(ctx, queueEventChannel(ad), "persisted").Err()
	})
}

// PublishEphemeral publishes a one-shot online-only envelope on the
// queue channel without enqueuing it. Whichever instance holds the
// socket delivers it; everyone else ignores it.
func (c *MessagesCache) PublishEphemeral(ctx context.Context, ad model.AccountDevice, env *model.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return c.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		return client.Publish(ctx, queueEventChannel(ad), ephemeralPrefix+string(data)).Err()
	})
}

// Subscribe opens the availability event channel for a device queue.
// At most one subscription per (account, device) per process; a new
// subscriber silently displaces the previous one, mirroring session
// displacement. The returned cancel releases the slot.
func (c *MessagesCache) Subscribe(ctx context.Context, ad model.AccountDevice) (<-chan event.Event, func(), error) {
	c.mu.Lock()
	if prior, exists := c.listeners[ad]; exists {
		prior.Close()
		delete(c.listeners, ad)
	}

	events := make(chan event.Event, 64)
	sub := c.cluster.SubscribeChannel(ctx, queueEventChannel(ad), func(_, payload string) {
		ev, ok := parseQueueEvent(payload)
		if !ok {
			return
		}
		select {
		case events <- ev:
		default:
			// The channel carries level-triggered wakes; a full
			// buffer means the session is already waking up.
		}
	})
	c.listeners[ad] = sub
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if current, ok := c.listeners[ad]; ok && current == sub {
			delete(c.listeners, ad)
		}
		c.mu.Unlock()
		sub.Close()
	}
	return events, cancel, nil
}

func parseQueueEvent(payload string) (event.Event, bool) {
	switch {
	case payload == "new":
		return event.Event{Kind: event.NewMessages}, true
	case payload == "persisted":
		return event.Event{Kind: event.MessagesPersisted}, true
	case strings.HasPrefix(payload, ephemeralPrefix):
		return event.Event{
			Kind:    event.NewEphemeral,
			Payload: []byte(strings.TrimPrefix(payload, ephemeralPrefix)),
		}, true
	}
	return event.Event{}, false
}
