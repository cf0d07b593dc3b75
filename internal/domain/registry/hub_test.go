package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

func testKey() model.AccountDevice {
	return model.AccountDevice{Account: uuid.New(), Device: 1}
}

func TestRegisterAndDeliver(t *testing.T) {
	hub := NewHub()
	key := testKey()
	conn := NewConnector(context.Background(), key, 8)
	defer conn.Close()

	require.Nil(t, hub.Register(conn))
	assert.True(t, hub.IsConnected(key))

	env := &model.Envelope{Guid: uuid.New(), DestinationUUID: key.Account, DestinationDevice: key.Device}
	require.True(t, hub.Deliver(key, env, time.Second))

	select {
	case got := <-conn.Recv():
		assert.Equal(t, env.Guid, got.Guid)
	case <-time.After(time.Second):
		t.Fatal("envelope never reached the mailbox")
	}
}

func TestDeliverToAbsentDevice(t *testing.T) {
	hub := NewHub()
	assert.False(t, hub.Deliver(testKey(), &model.Envelope{}, 10*time.Millisecond))
}

func TestRegisterDisplacesPriorSession(t *testing.T) {
	hub := NewHub()
	key := testKey()

	first := NewConnector(context.Background(), key, 8)
	require.Nil(t, hub.Register(first))

	second := NewConnector(context.Background(), key, 8)
	displaced := hub.Register(second)
	require.NotNil(t, displaced)
	assert.Equal(t, first.GetID(), displaced.GetID())

	// The replacement owns the key now.
	env := &model.Envelope{Guid: uuid.New()}
	require.True(t, hub.Deliver(key, env, time.Second))
	select {
	case <-second.Recv():
	case <-time.After(time.Second):
		t.Fatal("replacement session did not receive the envelope")
	}

	second.Close()
}

func TestUnregisterOnlyRemovesOwnSession(t *testing.T) {
	hub := NewHub()
	key := testKey()

	first := NewConnector(context.Background(), key, 8)
	require.Nil(t, hub.Register(first))
	firstID := first.GetID()

	second := NewConnector(context.Background(), key, 8)
	displaced := hub.Register(second)
	require.NotNil(t, displaced)
	displaced.Close()

	// The displaced session's cleanup must not evict its replacement.
	hub.Unregister(key, firstID)
	assert.True(t, hub.IsConnected(key))

	hub.Unregister(key, second.GetID())
	assert.False(t, hub.IsConnected(key))
}

func TestSendTimesOutOnSaturatedMailbox(t *testing.T) {
	key := testKey()
	conn := NewConnector(context.Background(), key, 1)
	defer conn.Close()

	assert.True(t, conn.Send(&model.Envelope{}, 10*time.Millisecond))
	assert.False(t, conn.Send(&model.Envelope{}, 10*time.Millisecond))
}

func TestSendAfterCloseFails(t *testing.T) {
	conn := NewConnector(context.Background(), testKey(), 8)
	conn.Close()
	assert.False(t, conn.Send(&model.Envelope{}, 10*time.Millisecond))
}

func TestShutdownClosesEverySession(t *testing.T) {
	hub := NewHub()
	key := testKey()
	conn := NewConnector(context.Background(), key, 8)
	require.Nil(t, hub.Register(conn))

	hub.Shutdown()
	assert.False(t, hub.IsConnected(key))
	assert.False(t, conn.Send(&model.Envelope{}, 10*time.Millisecond))
}