package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wavechat/msg-delivery-service/config"
	redisinfra "github.com/wavechat/msg-delivery-service/infra/redis"
	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

const (
	persistLeaseKey  = "persist_lease"
	persistCursorKey = "persist_cursor"
)

// releaseLeaseScript frees the shard lease only when this worker
// still holds it; an expired lease must not evict its successor.
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// MessagePersister drains device queues older than the configured
// delay from the cache into the durable table, shard by shard under a
// distributed lease.
type MessagePersister struct {
	cluster  *redisinfra.Cluster
	cache    *MessagesCache
	manager  *MessagesManager
	cfg      config.Persist
	workerID string
	logger   *slog.Logger

	// now is swappable so tests control the age boundary.
	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewMessagePersister(cluster *redisinfra.Cluster, cache *MessagesCache, manager *MessagesManager, cfg config.Persist, logger *slog.Logger) *MessagePersister {
	return &MessagePersister{
		cluster:  cluster,
		cache:    cache,
		manager:  manager,
		cfg:      cfg,
		workerID: uuid.NewString(),
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (p *MessagePersister) Start() {
	go p.run()
}

func (p *MessagePersister) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *MessagePersister) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.LeaseTTL)
			if err := p.PersistNextShard(ctx); err != nil {
				// Transient by contract: the shard stays in place and
				// the next tick re-acquires the lease.
				p.logger.Warn("persist pass failed", slog.Any("err", err))
			}
			cancel()
		}
	}
}

// PersistNextShard claims the shard cursor under the lease and drains
// every eligible queue on that shard.
func (p *MessagePersister) PersistNextShard(ctx context.Context) error {
	acquired, err := p.acquireLease(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer p.releaseLease()

	shard, err := p.nextShard(ctx)
	if err != nil {
		return err
	}

	queues, err := p.cache.GetQueuesToPersist(ctx, shard, p.now().Add(-p.cfg.Delay), p.cfg.MaxQueuesPerRun)
	if err != nil {
		return err
	}

	for _, key := range queues {
		ad, err := ParseQueueKey(key)
		if err != nil {
			p.logger.Error("skipping unparseable queue key",
				slog.String("key", key), slog.Any("err", err))
			continue
		}
		if err := p.persistQueue(ctx, ad); err != nil {
			return fmt.Errorf("shard %d: %w", shard, err)
		}
	}
	return nil
}

func (p *MessagePersister) persistQueue(ctx context.Context, ad model.AccountDevice) error {
	locked, err := p.cache.LockQueueForPersist(ctx, ad, p.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !locked {
		// Another worker is mid-drain on this queue.
		return nil
	}
	defer func() {
		if err := p.cache.UnlockQueueForPersist(context.Background(), ad); err != nil {
			p.logger.Warn("failed to release queue persist flag",
				slog.String("queue", ad.String()), slog.Any("err", err))
		}
	}()

	persisted := 0
	for {
		page, err := p.cache.GetAllAfter(ctx, ad, 0, p.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		// Durable write precedes the trim; a crash between the two
		// re-persists the page, which the idempotent upsert absorbs.
		if err := p.manager.Persist(ctx, ad, page); err != nil {
			return err
		}
		persisted += len(page)

		if len(page) < p.cfg.PageSize {
			break
		}
	}

	if persisted > 0 {
		if err := p.cache.PublishPersisted(ctx, ad); err != nil {
			p.logger.Warn("failed to publish persisted notification",
				slog.String("queue", ad.String()), slog.Any("err", err))
		}
		p.logger.Debug("queue persisted",
			slog.String("queue", ad.String()), slog.Int("messages", persisted))
	}
	return nil
}

func (p *MessagePersister) acquireLease(ctx context.Context) (bool, error) {
	var acquired bool
	err := p.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		ok, err := client.SetNX(ctx, persistLeaseKey, p.workerID, p.cfg.LeaseTTL).Result()
		if err != nil {
			return err
		}
		acquired = ok
		return nil
	})
	return acquired, err
}

func (p *MessagePersister) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.cluster.DoScript(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		return releaseLeaseScript.Run(ctx, client, []string{persistLeaseKey}, p.workerID).Err()
	})
	if err != nil {
		// The TTL bounds how long a stuck lease can block other
		// workers.
		p.logger.Warn("failed to release persist lease", slog.Any("err", err))
	}
}

func (p *MessagePersister) nextShard(ctx context.Context) (int, error) {
	var cursor int64
	err := p.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		n, err := client.Incr(ctx, persistCursorKey).Result()
		if err != nil {
			return err
		}
		cursor = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(cursor % int64(p.cfg.Shards)), nil
}
