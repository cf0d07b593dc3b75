package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

// Interface guard
var _ Connector = (*connect)(nil)

// Connector is the interface the sender and the socket handler share:
// a thread-safe mailbox bridging the delivery pipeline to one open
// client socket.
type Connector interface {
	GetID() uuid.UUID
	GetKey() model.AccountDevice
	Send(env *model.Envelope, timeout time.Duration) bool
	Recv() <-chan *model.Envelope
	Close()
}

type connect struct {
	id  uuid.UUID
	key model.AccountDevice

	ctx      context.Context
	cancelFn context.CancelFunc

	// mu orders in-flight Sends against Close so the channel is never
	// closed under a sender.
	mu     sync.RWMutex
	closed bool

	sendCh    chan *model.Envelope
	closeOnce sync.Once
}

// [POOL] Sessions churn with every reconnect; reuse keeps GC pressure flat.
var connectPool = sync.Pool{
	New: func() any {
		return &connect{}
	},
}

func NewConnector(ctx context.Context, key model.AccountDevice, bufferSize int) Connector {
	c := connectPool.Get().(*connect)
	c.reset(ctx, key, bufferSize)
	return c
}

// reset wipes pooled state, including the sync.Once guard.
func (c *connect) reset(ctx context.Context, key model.AccountDevice, bufferSize int) {
	childCtx, cancel := context.WithCancel(ctx)

	c.id = uuid.New()
	c.key = key
	c.ctx = childCtx
	c.cancelFn = cancel
	c.closed = false
	c.sendCh = make(chan *model.Envelope, bufferSize)
	c.closeOnce = sync.Once{}
}

func (c *connect) GetID() uuid.UUID            { return c.id }
func (c *connect) GetKey() model.AccountDevice { return c.key }

// Send enqueues an envelope for the socket pump. It waits up to
// timeout for buffer space so a transient stall does not drop the
// message; on a saturated or dead session it reports false and the
// caller falls back to the durable path.
func (c *connect) Send(env *model.Envelope, timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *connect) Recv() <-chan *model.Envelope { return c.sendCh }

// Close terminates the session and recycles the object. Safe to call
// from the hub (displacement), the handler (defer), or shutdown.
func (c *connect) Close() {
	c.closeOnce.Do(func() {
		// Cancel first: blocked senders wake and release their read
		// lock before the channel closes under the write lock.
		c.cancelFn()

		c.mu.Lock()
		c.closed = true
		close(c.sendCh)
		c.mu.Unlock()

		connectPool.Put(c)
	})
}
