package redis

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/wavechat/msg-delivery-service/config"
)

// Cluster is a fault-tolerant wrapper around one logical cache
// cluster. Every command runs inside a per-cluster circuit breaker
// with a bounded retry policy on transient failures; logical replies
// (redis.Nil, WRONGTYPE) surface immediately.
type Cluster struct {
	name    string
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	cfg     config.Cache
	logger  *slog.Logger
}

func NewCluster(name string, cfg config.Cache, logger *slog.Logger) *Cluster {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		ReadTimeout:  cfg.CommandTimeout,
		WriteTimeout: cfg.CommandTimeout,
	})

	return newClusterWithClient(name, client, cfg, logger)
}

// NewClusterWithClient wires an externally constructed client. Used by
// tests to point the wrapper at an in-process server.
func NewClusterWithClient(name string, client redis.UniversalClient, cfg config.Cache, logger *slog.Logger) *Cluster {
	return newClusterWithClient(name, client, cfg, logger)
}

func newClusterWithClient(name string, client redis.UniversalClient, cfg config.Cache, logger *slog.Logger) *Cluster {
	c := &Cluster{
		name:   name,
		client: client,
		cfg:    cfg,
		logger: logger.With(slog.String("cluster", name)),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: cfg.BreakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.BreakerFailureRatio
		},
		// Logical replies are valid answers, not cluster trouble.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("cache breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return c
}

// Do runs fn against the cluster connection under the breaker and the
// retry policy. fn may issue any number of commands; it is retried as
// a whole, so it must be idempotent or a single command.
func (c *Cluster) Do(ctx context.Context, fn func(context.Context, redis.UniversalClient) error) error {
	op := func() (struct{}, error) {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, fn(ctx, c.client)
		})
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.cfg.Retries)),
	)
	return err
}

// DoScript is Do for scripted atomic operations. go-redis invokes
// scripts by digest and reloads on NOSCRIPT, so the same failure
// classification applies.
func (c *Cluster) DoScript(ctx context.Context, fn func(context.Context, redis.UniversalClient) error) error {
	return c.Do(ctx, fn)
}

// Client exposes the raw connection for read-only paths that manage
// their own failure handling (subscriptions).
func (c *Cluster) Client() redis.UniversalClient {
	return c.client
}

func (c *Cluster) Close() error {
	return c.client.Close()
}

// IsTransient reports whether err is worth a retry: network trouble,
// command timeouts, or breaker rejections on the way to half-open.
// Everything the server answered deliberately is logical.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Fail fast while the breaker is open; the retry policy must
		// not hammer it back closed.
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
