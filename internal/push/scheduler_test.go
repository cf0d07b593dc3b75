package push

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavechat/msg-delivery-service/config"
	pushinfra "github.com/wavechat/msg-delivery-service/infra/push"
	redisinfra "github.com/wavechat/msg-delivery-service/infra/redis"
	"github.com/wavechat/msg-delivery-service/internal/domain/model"
	"github.com/wavechat/msg-delivery-service/internal/storage"
)

type fakeSender struct {
	mu      sync.Mutex
	outcome pushinfra.Outcome
	tokens  []string
}

func (f *fakeSender) Send(_ context.Context, token string) (pushinfra.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f.outcome, nil
}

func (f *fakeSender) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

type fakePresence struct {
	holders map[model.AccountDevice]string
}

func (f *fakePresence) Holder(_ context.Context, ad model.AccountDevice) (string, error) {
	return f.holders[ad], nil
}

type schedulerFixture struct {
	scheduler *FallbackScheduler
	client    *redis.Client
	mr        *miniredis.Miniredis
	apn       *fakeSender
	accounts  *storage.MemoryAccounts
	presence  *fakePresence
	now       time.Time
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cluster := redisinfra.NewClusterWithClient("push", client, config.Cache{
		Retries:             1,
		CommandTimeout:      time.Second,
		BreakerFailureRatio: 0.5,
		BreakerMinRequests:  1000,
		BreakerOpenDuration: time.Second,
	}, logger)

	f := &schedulerFixture{
		client:   client,
		mr:       mr,
		apn:      &fakeSender{outcome: pushinfra.Delivered},
		accounts: storage.NewMemoryAccounts(),
		presence: &fakePresence{holders: make(map[model.AccountDevice]string)},
		now:      time.Now(),
	}

	f.scheduler = NewFallbackScheduler(cluster, pushinfra.Providers{APN: f.apn}, f.accounts, f.presence, config.Push{
		PollInterval:   200 * time.Millisecond,
		Batch:          100,
		Parallelism:    4,
		InitialBackoff: 10 * time.Second,
		MaxBackoff:     15 * time.Minute,
		MaxAttempts:    8,
	}, logger)
	f.scheduler.now = func() time.Time { return f.now }
	return f
}

func (f *schedulerFixture) putDevice(t *testing.T) model.AccountDevice {
	t.Helper()
	account := &model.Account{
		UUID: uuid.New(),
		Devices: []model.Device{
			{ID: 1, RegistrationID: 111, ApnID: "apn-token", Enabled: true},
		},
	}
	f.accounts.Put(account)
	return model.AccountDevice{Account: account.UUID, Device: 1}
}

func (f *schedulerFixture) score(t *testing.T, ad model.AccountDevice) (float64, bool) {
	t.Helper()
	score, err := f.client.ZScore(context.Background(), scheduleKey, ad.String()).Result()
	if err == redis.Nil {
		return 0, false
	}
	require.NoError(t, err)
	return score, true
}

func TestScheduleNeverPushesAnEntryLater(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	ad := f.putDevice(t)

	early := f.now.Add(10 * time.Second)
	late := f.now.Add(time.Minute)

	require.NoError(t, f.scheduler.Schedule(ctx, ad, early))
	require.NoError(t, f.scheduler.Schedule(ctx, ad, late))

	score, ok := f.score(t, ad)
	require.True(t, ok)
	assert.Equal(t, float64(early.UnixMilli()), score)

	// An earlier request pulls the entry forward.
	sooner := f.now.Add(time.Second)
	require.NoError(t, f.scheduler.Schedule(ctx, ad, sooner))
	score, _ = f.score(t, ad)
	assert.Equal(t, float64(sooner.UnixMilli()), score)
}

func TestCancelRemovesScheduleAndAttempts(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	ad := f.putDevice(t)

	require.NoError(t, f.scheduler.Schedule(ctx, ad, f.now))
	require.NoError(t, f.client.HSet(ctx, attemptsKey, ad.String(), 3).Err())

	require.NoError(t, f.scheduler.Cancel(ctx, ad))

	_, ok := f.score(t, ad)
	assert.False(t, ok)
	exists, err := f.client.HExists(ctx, attemptsKey, ad.String()).Result()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDrainDueSendsAndReschedules(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	ad := f.putDevice(t)

	require.NoError(t, f.scheduler.Schedule(ctx, ad, f.now.Add(-time.Second)))
	require.NoError(t, f.scheduler.DrainDue(ctx))

	assert.Equal(t, 1, f.apn.sent())
	assert.Equal(t, []string{"apn-token"}, f.apn.tokens)

	// Delivered still reschedules: the entry only leaves the ladder on
	// ack or attach.
	score, ok := f.score(t, ad)
	require.True(t, ok)
	assert.Equal(t, float64(f.now.Add(10*time.Second).UnixMilli()), score)
}

func TestDrainDueIgnoresFutureEntries(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	ad := f.putDevice(t)

	require.NoError(t, f.scheduler.Schedule(ctx, ad, f.now.Add(time.Minute)))
	require.NoError(t, f.scheduler.DrainDue(ctx))

	assert.Equal(t, 0, f.apn.sent())
	_, ok := f.score(t, ad)
	assert.True(t, ok)
}

func TestDrainDueSkipsConnectedDevice(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	ad := f.putDevice(t)
	f.presence.holders[ad] = "server-a"

	require.NoError(t, f.scheduler.Schedule(ctx, ad, f.now.Add(-time.Second)))
	require.NoError(t, f.scheduler.DrainDue(ctx))

	assert.Equal(t, 0, f.apn.sent())
	_, ok := f.score(t, ad)
	assert.False(t, ok)
}

func TestDrainDueInvalidTokenClearsIt(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	ad := f.putDevice(t)
	f.apn.outcome = pushinfra.InvalidToken

	require.NoError(t, f.scheduler.Schedule(ctx, ad, f.now.Add(-time.Second)))
	require.NoError(t, f.scheduler.DrainDue(ctx))

	assert.Equal(t, 1, f.apn.sent())
	_, ok := f.score(t, ad)
	assert.False(t, ok)

	account, err := f.accounts.GetByUUID(ctx, ad.Account)
	require.NoError(t, err)
	device, _ := account.GetDevice(ad.Device)
	assert.Empty(t, device.ApnID)
}

func TestDrainDueExhaustsAfterMaxAttempts(t *testing.T) {
	f := newSchedulerFixture(t)
	f.scheduler.cfg.MaxAttempts = 1
	ctx := context.Background()
	ad := f.putDevice(t)

	require.NoError(t, f.scheduler.Schedule(ctx, ad, f.now.Add(-time.Second)))
	require.NoError(t, f.scheduler.DrainDue(ctx))
	assert.Equal(t, 1, f.apn.sent())

	// Make the rescheduled entry due and exceed the attempt budget.
	f.now = f.now.Add(time.Hour)
	require.NoError(t, f.scheduler.DrainDue(ctx))

	assert.Equal(t, 1, f.apn.sent())
	_, ok := f.score(t, ad)
	assert.False(t, ok)

	account, err := f.accounts.GetByUUID(ctx, ad.Account)
	require.NoError(t, err)
	device, _ := account.GetDevice(ad.Device)
	assert.Empty(t, device.ApnID)
}

func TestBackoffDoublesToCap(t *testing.T) {
	f := newSchedulerFixture(t)

	assert.Equal(t, 10*time.Second, f.scheduler.backoff(1))
	assert.Equal(t, 20*time.Second, f.scheduler.backoff(2))
	assert.Equal(t, 40*time.Second, f.scheduler.backoff(3))
	assert.Equal(t, 15*time.Minute, f.scheduler.backoff(100))
}

func TestDispatchSkipsFetcher(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	account := &model.Account{
		UUID: uuid.New(),
		Devices: []model.Device{
			{ID: 1, ApnID: "apn-token", FetchesMessages: true, Enabled: true},
		},
	}
	f.accounts.Put(account)
	ad := model.AccountDevice{Account: account.UUID, Device: 1}

	require.NoError(t, f.scheduler.Schedule(ctx, ad, f.now.Add(-time.Second)))
	require.NoError(t, f.scheduler.DrainDue(ctx))

	assert.Equal(t, 0, f.apn.sent())
}
