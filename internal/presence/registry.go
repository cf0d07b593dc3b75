// Package presence maintains the cluster-wide (account, device) →
// server-instance binding so any front-end can decide whether a
// device holds an open socket, and where.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wavechat/msg-delivery-service/config"
	redisinfra "github.com/wavechat/msg-delivery-service/infra/redis"
	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

// clearPresenceScript deletes the record only while we still own it;
// a displaced holder must not clear its successor.
var clearPresenceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// DisplacementHandler is invoked when another server takes over the
// binding, or when the record expires out from under us.
type DisplacementHandler func()

// Registration is one session's claim on a presence slot. A successor
// registering for the same device invalidates it; a stale holder's
// clear is then a no-op.
type Registration struct {
	ad      model.AccountDevice
	handler DisplacementHandler
}

// Manager is the presence registry for one server instance.
type Manager struct {
	cluster  *redisinfra.Cluster
	serverID string
	cfg      config.Presence
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[model.AccountDevice]*Registration

	displaceSub *redisinfra.Subscription
	expirySub   *redisinfra.Subscription
	stopOnce    sync.Once
	stopCh      chan struct{}
	doneCh      chan struct{}
}

func NewManager(cluster *redisinfra.Cluster, serverID string, cfg config.Presence, logger *slog.Logger) *Manager {
	return &Manager{
		cluster:  cluster,
		serverID: serverID,
		cfg:      cfg,
		logger:   logger.With(slog.String("server_id", serverID)),
		handlers: make(map[model.AccountDevice]*Registration),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start opens the displacement channel for this instance, the
// keyspace expiry subscription, and the heartbeat that keeps local
// records alive.
func (m *Manager) Start(ctx context.Context) {
	m.displaceSub = m.cluster.SubscribeChannel(ctx, displacementChannel(m.serverID), func(_, payload string) {
		ad, err := parsePresenceMember(payload)
		if err != nil {
			return
		}
		m.fireDisplacement(ad)
	})

	// An expired presence record means the heartbeat lost the race;
	// the session must learn it is no longer registered.
	m.expirySub = m.cluster.SubscribeKeyspace(ctx, "__keyevent@*__:expired", func(_, key string) {
		ad, ok := parsePresenceKey(key)
		if ok {
			m.fireDisplacement(ad)
		}
	})

	// Expiry events only flow when the server emits keyevent
	// notifications. Best-effort: managed clusters may refuse CONFIG,
	// in which case notify-keyspace-events must carry at least "Egx"
	// server-side.
	err := m.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		return client.ConfigSet(ctx, "notify-keyspace-events", "Egx").Err()
	})
	if err != nil {
		m.logger.Warn("could not enable keyspace notifications",
			slog.Any("err", err))
	}

	go m.heartbeat()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
	if m.displaceSub != nil {
		m.displaceSub.Close()
	}
	if m.expirySub != nil {
		m.expirySub.Close()
	}
}

// SetPresent binds the device to this server and returns the
// session's registration. A differing prior holder gets a
// displacement notification on its channel, exactly once; a prior
// registration on this instance has its handler run directly.
func (m *Manager) SetPresent(ctx context.Context, ad model.AccountDevice, handler DisplacementHandler) (*Registration, error) {
	reg := &Registration{ad: ad, handler: handler}

	m.mu.Lock()
	displaced := m.handlers[ad]
	m.handlers[ad] = reg
	m.mu.Unlock()

	var prior string
	err := m.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		prev, err := client.GetSet(ctx, presenceKey(ad), m.serverID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		prior = prev
		return client.Expire(ctx, presenceKey(ad), m.cfg.TTL).Err()
	})
	if err != nil {
		return nil, fmt.Errorf("presence %s: set: %w", ad, err)
	}

	if prior != "" && prior != m.serverID {
		err := m.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
			return client.Publish(ctx, displacementChannel(prior), ad.String()).Err()
		})
		if err != nil {
			m.logger.Warn("failed to notify displaced holder",
				slog.String("queue", ad.String()), slog.Any("err", err))
		}
	}

	if displaced != nil && displaced.handler != nil {
		displaced.handler()
	}
	return reg, nil
}

// IsLocal reports whether the device's socket is held by this
// instance.
func (m *Manager) IsLocal(ctx context.Context, ad model.AccountDevice) (bool, error) {
	holder, err := m.Holder(ctx, ad)
	if err != nil {
		return false, err
	}
	return holder == m.serverID, nil
}

// Holder returns the server id currently bound to the device, or ""
// when the device is absent.
func (m *Manager) Holder(ctx context.Context, ad model.AccountDevice) (string, error) {
	var holder string
	err := m.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		v, err := client.Get(ctx, presenceKey(ad)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		holder = v
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("presence %s: get: %w", ad, err)
	}
	return holder, nil
}

// ClearPresence removes the binding only while the registration still
// owns the slot. A registration displaced by a successor, on this
// instance or elsewhere, must not clear the successor's record or
// heartbeat.
func (m *Manager) ClearPresence(ctx context.Context, reg *Registration) error {
	if reg == nil {
		return nil
	}

	m.mu.Lock()
	owns := m.handlers[reg.ad] == reg
	if owns {
		delete(m.handlers, reg.ad)
	}
	m.mu.Unlock()
	if !owns {
		return nil
	}

	err := m.cluster.DoScript(ctx, func(ctx context.Context, client redis.UniversalClient) error {
		return clearPresenceScript.Run(ctx, client, []string{presenceKey(reg.ad)}, m.serverID).Err()
	})
	if err != nil {
		return fmt.Errorf("presence %s: clear: %w", reg.ad, err)
	}
	return nil
}

// heartbeat refreshes the TTL of every locally registered binding.
func (m *Manager) heartbeat() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.refreshAll()
		}
	}
}

func (m *Manager) refreshAll() {
	m.mu.Lock()
	keys := make([]model.AccountDevice, 0, len(m.handlers))
	for ad := range m.handlers {
		keys = append(keys, ad)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, ad := range keys {
		err := m.cluster.Do(ctx, func(ctx context.Context, client redis.UniversalClient) error {
			return client.Expire(ctx, presenceKey(ad), m.cfg.TTL).Err()
		})
		if err != nil {
			m.logger.Warn("presence heartbeat failed",
				slog.String("queue", ad.String()), slog.Any("err", err))
		}
	}
}

func (m *Manager) fireDisplacement(ad model.AccountDevice) {
	m.mu.Lock()
	reg, ok := m.handlers[ad]
	if ok {
		delete(m.handlers, ad)
	}
	m.mu.Unlock()

	if ok && reg.handler != nil {
		reg.handler()
	}
}

func presenceKey(ad model.AccountDevice) string {
	return fmt.Sprintf("presence::%s::%d", ad.Account, ad.Device)
}

func displacementChannel(serverID string) string {
	return "presence_displaced::" + serverID
}

func parsePresenceKey(key string) (model.AccountDevice, bool) {
	const prefix = "presence::"
	if !strings.HasPrefix(key, prefix) {
		return model.AccountDevice{}, false
	}
	ad, err := parsePresenceMember(strings.TrimPrefix(key, prefix))
	return ad, err == nil
}

func parsePresenceMember(member string) (model.AccountDevice, error) {
	parts := strings.Split(member, "::")
	if len(parts) != 2 {
		return model.AccountDevice{}, fmt.Errorf("presence: malformed member %q", member)
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
