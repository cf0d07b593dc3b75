// Package push implements the fallback ladder for devices with no
// open socket: a time-sorted retry schedule in the cache drained by a
// single pumping loop that re-issues platform notifications.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wavechat/msg-delivery-service/config"
	pushinfra "github.com/wavechat/msg-delivery-service/infra/push"
	redisinfra "github.com/wavechat/msg-delivery-service/infra/redis"
	"github.com/wavechat/msg-delivery-service/internal/domain/model"
	"github.com/wavechat/msg-delivery-service/internal/storage"
)

const (
	scheduleKey = "push_schedule"
	attemptsKey = "push_schedule_attempts"
)

// popDueScript atomically takes up to limit due entries off the
// schedule in time order.
//
// KEYS: schedule
// ARGV: now millis, limit
var popDueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], 0, ARGV[1], "LIMIT", 0, ARGV[2])
for _, member in ipairs(due) do
    redis.call("ZREM", KEYS[1], member)
end
return due
`)

// presenceChecker is the slice of the presence registry the pump
// needs: a device that reconnected no longer needs waking.
type presenceChecker interface {
	Holder(ctx context.Context, ad model.AccountDevice) (string, error)
}

// FallbackScheduler owns the push_schedule sorted set and the pump
// loop draining it.
type FallbackScheduler struct {
	cluster   *redisinfra.Cluster
	providers pushinfra.Providers
	accounts  storage.AccountsManager
	presence  presenceChecker
	cfg       config.Push
	logger    *slog.Logger

	// now is swappable for deterministic scheduling tests.
	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewFallbackScheduler(cluster *redisinfra.Cluster, providers pushinfra.Providers, accounts storage.AccountsManager, presence presenceChecker, cfg config.Push, logger *slog.Logger) *FallbackScheduler {
	return &FallbackScheduler{
		cluster:   cluster,
		providers: providers,
		accounts:  accounts,
		presence:  presence,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Schedule adds the device to the retry schedule, or pulls an
// existing entry earlier. Never pushes an entry later.
func (s *FallbackScheduler) Schedule(ctx context.Context, ad model.AccountDevice, notBefore time.Time) error {
	err := s.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		return client.ZAddLT(ctx, scheduleKey, redis.Z{
			Score:  float64(notBefore.UnixMilli()),
			Member: ad.String(),
		}).Err()
	})
	if err != nil {
		return fmt.Errorf("push schedule %s: add: %w", ad, err)
	}
	return nil
}

// Cancel removes the device from the schedule, typically on client
// ACK or socket attach.
func (s *FallbackScheduler) Cancel(ctx context.Context, ad model.AccountDevice) error {
	err := s.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		if err := client.ZRem(ctx, scheduleKey, ad.String()).Err(); err != nil {
			return err
		}
		return client.HDel(ctx, attemptsKey, ad.String()).Err()
	})
	if err != nil {
		return fmt.Errorf("push schedule %s: cancel: %w", ad, err)
	}
	return nil
}

func (s *FallbackScheduler) Start() {
	go s.pump()
}

func (s *FallbackScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *FallbackScheduler) pump() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PollInterval*10)
			if err := s.DrainDue(ctx); err != nil {
				s.logger.Warn("push pump pass failed", slog.Any("err", err))
			}
			cancel()
		}
	}
}

// DrainDue pops due schedule entries and dispatches notifications
// with bounded parallelism.
func (s *FallbackScheduler) DrainDue(ctx context.Context) error {
	due, err := s.popDue(ctx)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)

	for _, member := range due {
		g.Go(func() error {
			s.dispatch(gCtx, member)
			return nil
		})
	}
	return g.Wait()
}

func (s *FallbackScheduler) popDue(ctx context.Context) ([]string, error) {
	var due []string
	err := s.cluster.DoScript(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		res, err := popDueScript.Run(ctx, client, []string{scheduleKey},
			s.now().UnixMilli(), s.cfg.Batch).StringSlice()
		if err != nil {
			return err
		}
		due = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("push schedule: pop due: %w", err)
	}
	return due, nil
}

func (s *FallbackScheduler) dispatch(ctx context.Context, member string) {
	ad, err := parseMember(member)
	if err != nil {
		s.logger.Error("dropping malformed schedule entry",
			slog.String("member", member), slog.Any("err", err))
		return
	}

	// A device that reconnected will flush over its socket; waking it
	// again just burns provider quota.
	if holder, err := s.presence.Holder(ctx, ad); err == nil && holder != "" {
		_ = s.Cancel(ctx, ad)
		return
	}

	account, err := s.accounts.GetByUUID(ctx, ad.Account)
	if err != nil {
		s.logger.Warn("push target account missing", slog.String("queue", ad.String()))
		return
	}
	device, ok := account.GetDevice(ad.Device)
	if !ok || device.FetchesMessages {
		return
	}

	sender, token := s.route(device)
	if sender == nil {
		return
	}

	attempts, err := s.bumpAttempts(ctx, ad)
	if err != nil {
		s.logger.Warn("failed to track push attempts", slog.Any("err", err))
	}
	if attempts > s.cfg.MaxAttempts {
		// Retries exhausted: the token is presumed dead and the
		// account update path clears it.
		s.exhaust(ctx, ad)
		return
	}

	outcome, err := sender.Send(ctx, token)
	switch outcome {
	case pushinfra.Delivered, pushinfra.Transient:
		if err != nil {
			s.logger.Debug("push attempt failed, rescheduling",
				slog.String("queue", ad.String()), slog.Any("err", err))
		}
		if err := s.Schedule(ctx, ad, s.now().Add(s.backoff(attempts))); err != nil {
			s.logger.Warn("failed to reschedule push", slog.Any("err", err))
		}
	case pushinfra.InvalidToken:
		s.exhaust(ctx, ad)
	}
}

// route picks the platform transport; APN wins when a device somehow
// carries both tokens.
func (s *FallbackScheduler) route(device model.Device) (pushinfra.Sender, string) {
	if device.ApnID != "" && s.providers.APN != nil {
		return s.providers.APN, device.ApnID
	}
	if device.GcmID != "" && s.providers.FCM != nil {
		return s.providers.FCM, device.GcmID
	}
	return nil, ""
}

func (s *FallbackScheduler) backoff(attempts int) time.Duration {
	d := s.cfg.InitialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return min(d, s.cfg.MaxBackoff)
}

func (s *FallbackScheduler) bumpAttempts(ctx context.Context, ad model.AccountDevice) (int, error) {
	var attempts int64
	err := s.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		n, err := client.HIncrBy(ctx, attemptsKey, ad.String(), 1).Result()
		if err != nil {
			return err
		}
		attempts = n
		return nil
	})
	return int(attempts), err
}

func (s *FallbackScheduler) exhaust(ctx context.Context, ad model.AccountDevice) {
	if err := s.Cancel(ctx, ad); err != nil {
		s.logger.Warn("failed to cancel exhausted schedule entry", slog.Any("err", err))
	}
	if err := s.accounts.ClearPushToken(ctx, ad.Account, ad.Device); err != nil {
		s.logger.Warn("failed to clear stale push token",
			slog.String("queue", ad.String()), slog.Any("err", err))
	}
}

func parseMember(member string) (model.AccountDevice, error) {
	parts := strings.Split(member, "::")
	if len(parts) != 2 {
		return model.AccountDevice{}, fmt.Errorf("push schedule: malformed member %q", member)
	}
	account, err := uuid.Parse(parts[0])
	if err != nil {
		return model.AccountDevice{}, err
	}
	var device uint32
	if _, err := fmt.Sscanf(parts[1], "%d", &device); err != nil {
		return model.AccountDevice{}, err
	}
	return model.AccountDevice{Account: account, Device: device}, nil
}
