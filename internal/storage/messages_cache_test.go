package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavechat/msg-delivery-service/internal/domain/event"
	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

func TestInsertAssignsMonotonicQueueIDs(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	ad := model.AccountDevice{Account: uuid.New(), Device: 1}
	sender := uuid.New()

	for want := int64(1); want <= 5; want++ {
		id, err := cache.Insert(ctx, testEnvelope(ad, sender, want*100))
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
}

func TestGetAllAfterExcludesTheBound(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	ad := model.AccountDevice{Account: uuid.New(), Device: 1}
	sender := uuid.New()

	var guids []uuid.UUID
	for i := 0; i < 3; i++ {
		env := testEnvelope(ad, sender, int64(i))
		guids = append(guids, env.Guid)
		_, err := cache.Insert(ctx, env)
		require.NoError(t, err)
	}

	all, err := cache.GetAllAfter(ctx, ad, 0, 100)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, guids[0], all[0].Envelope.Guid)
	assert.Equal(t, int64(1), all[0].ID)

	tail, err := cache.GetAllAfter(ctx, ad, all[0].ID, 100)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, guids[1], tail[0].Envelope.Guid)
	assert.Equal(t, guids[2], tail[1].Envelope.Guid)
}

func TestRemoveByGuid(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	ad := model.AccountDevice{Account: uuid.New(), Device: 1}

	env := testEnvelope(ad, uuid.New(), 42)
	_, err := cache.Insert(ctx, env)
	require.NoError(t, err)

	removed, err := cache.RemoveByGuid(ctx, ad, env.Guid)
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, env.Guid, removed.Guid)
	assert.Equal(t, env.Content, removed.Content)

	// Acking twice is a no-op, not an error.
	again, err := cache.RemoveByGuid(ctx, ad, env.Guid)
	require.NoError(t, err)
	assert.Nil(t, again)

	left, err := cache.GetAllAfter(ctx, ad, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRemoveByGuidUnknownGuid(t *testing.T) {
	cache, _ := newTestCache(t)
	ad := model.AccountDevice{Account: uuid.New(), Device: 1}

	removed, err := cache.RemoveByGuid(context.Background(), ad, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestDuplicateGuidLastWriterWinsIndex(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	ad := model.AccountDevice{Account: uuid.New(), Device: 1}
	sender := uuid.New()

	first := testEnvelope(ad, sender, 100)
	second := testEnvelope(ad, sender, 200)
	second.Guid = first.Guid

	_, err := cache.Insert(ctx, first)
	require.NoError(t, err)
	_, err = cache.Insert(ctx, second)
	require.NoError(t, err)

	// The index points at the later insert; the stale member stays in
	// the ordered set until a drain and read paths dedup by GUID.
	removed, err := cache.RemoveByGuid(ctx, ad, first.Guid)
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, int64(200), removed.Timestamp)
}

func TestRemoveBySenderAndTimestamp(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	ad := model.AccountDevice{Account: uuid.New(), Device: 1}
	sender := uuid.New()

	target := testEnvelope(ad, sender, 777)
	_, err := cache.Insert(ctx, testEnvelope(ad, sender, 100))
	require.NoError(t, err)
	_, err = cache.Insert(ctx, target)
	require.NoError(t, err)

	removed, truncated, err := cache.RemoveBySenderAndTimestamp(ctx, ad, sender, 777)
	require.NoError(t, err)
	assert.False(t, truncated)
	require.NotNil(t, removed)
	assert.Equal(t, target.Guid, removed.Guid)

	missing, truncated, err := cache.RemoveBySenderAndTimestamp(ctx, ad, sender, 777)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Nil(t, missing)
}

func TestDrainAndTrim(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	ad := model.AccountDevice{Account: uuid.New(), Device: 1}
	sender := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := cache.Insert(ctx, testEnvelope(ad, sender, int64(i)))
		require.NoError(t, err)
	}

	drained, err := cache.DrainAndTrim(ctx, ad, 2)
	require.NoError(t, err)
	assert.Len(t, drained, 2)

	left, err := cache.GetAllAfter(ctx, ad, 0, 100)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, int64(3), left[0].ID)

	// Drained GUIDs must be gone from the index too.
	gone, err := cache.RemoveByGuid(ctx, ad, drained[0].Guid)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestShardIndexTracksQueueLifecycle(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	ad := model.AccountDevice{Account: uuid.New(), Device: 1}
	shard := ShardForQueue(ad, testShards)

	env := testEnvelope(ad, uuid.New(), 1)
	_, err := cache.Insert(ctx, env)
	require.NoError(t, err)

	queues, err := cache.GetQueuesToPersist(ctx, shard, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, queues, 1)

	parsed, err := ParseQueueKey(queues[0])
	require.NoError(t, err)
	assert.Equal(t, ad, parsed)

	// Emptying the queue drops it from the shard index.
	_, err = cache.RemoveByGuid(ctx, ad, env.Guid)
	require.NoError(t, err)

	queues, err = cache.GetQueuesToPersist(ctx, shard, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, queues)
}

func TestClearKeepsCounterMonotonic(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	ad := model.AccountDevice{Account: uuid.New(), Device: 1}
	sender := uuid.New()

	id, err := cache.Insert(ctx, testEnvelope(ad, sender, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.NoError(t, cache.Clear(ctx, ad))

	id, err = cache.Insert(ctx, testEnvelope(ad, sender, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestQueuePersistLock(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	ad := model.AccountDevice{Account: uuid.New(), Device: 1}

	locked, err := cache.LockQueueForPersist(ctx, ad, time.Minute)
	require.NoError(t, err)
	assert.True(t, locked)

	locked, err = cache.LockQueueForPersist(ctx, ad, time.Minute)
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, cache.UnlockQueueForPersist(ctx, ad))

	locked, err = cache.LockQueueForPersist(ctx, ad, time.Minute)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestSubscribeDeliversQueueEvents(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	ad := model.AccountDevice{Account: uuid.New(), Device: 1}

	events, cancel, err := cache.Subscribe(ctx, ad)
	require.NoError(t, err)
	defer cancel()

	waitEvent := func(want event.Kind) event.Event {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case ev := <-events:
				if ev.Kind == want {
					return ev
				}
			case <-deadline:
				t.Fatalf("timed out waiting for event kind %d", want)
			}
		}
	}

	// The subscription attaches asynchronously; retry the publish until
	// the wake lands.
	require.Eventually(t, func() bool {
		_, err := cache.Insert(ctx, testEnvelope(ad, uuid.New(), 1))
		require.NoError(t, err)
		select {
		case ev := <-events:
			return ev.Kind == event.NewMessages
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, cache.PublishPersisted(ctx, ad))
	waitEvent(event.MessagesPersisted)

	ephemeral := testEnvelope(ad, uuid.New(), 99)
	require.NoError(t, cache.PublishEphemeral(ctx, ad, ephemeral))
	ev := waitEvent(event.NewEphemeral)

	env, err := model.UnmarshalEnvelope(ev.Payload)
	require.NoError(t, err)
	assert.Equal(t, ephemeral.Guid, env.Guid)

	// Releasing the listener frees the slot for a successor.
	cancel()
	_, cancel2, err := cache.Subscribe(ctx, ad)
	require.NoError(t, err)
	cancel2()
}

func TestSubscribeDisplacesPriorListener(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	ad := model.AccountDevice{Account: uuid.New(), Device: 1}

	stale, cancelStale, err := cache.Subscribe(ctx, ad)
	require.NoError(t, err)
	defer cancelStale()

	events, cancel, err := cache.Subscribe(ctx, ad)
	require.NoError(t, err)
	defer cancel()

	require.Eventually(t, func() bool {
		require.NoError(t, cache.PublishPersisted(ctx, ad))
		select {
		case ev := <-events:
			return ev.Kind == event.MessagesPersisted
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	// The displaced channel went quiet when its subscription closed.
	select {
	case ev, ok := <-stale:
		if ok {
			t.Fatalf("displaced listener still receiving: %+v", ev)
		}
	default:
	}
}
