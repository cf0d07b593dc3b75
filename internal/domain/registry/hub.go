/*
Package registry tracks the client sockets held by THIS instance.

Cross-instance presence lives in the cache (internal/presence); the
hub answers the narrower question "can I write to this device's socket
right now, in-process". At most one session exists per (account,
device): a second attach displaces the first, mirroring the
cluster-wide displacement semantics.
*/
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

// Hubber is the gateway the sender and the socket handlers share.
type Hubber interface {
	Register(conn Connector) (displaced Connector)
	Unregister(key model.AccountDevice, connID uuid.UUID)
	Deliver(key model.AccountDevice, env *model.Envelope, timeout time.Duration) bool
	IsConnected(key model.AccountDevice) bool
	Shutdown()
}

type Hub struct {
	// sessions stores Map[model.AccountDevice]Connector. Read-heavy:
	// every send resolves locality here before touching the cache.
	sessions sync.Map
}

func NewHub() *Hub {
	return &Hub{}
}

func (h *Hub) IsConnected(key model.AccountDevice) bool {
	_, ok := h.sessions.Load(key)
	return ok
}

// Deliver writes the envelope straight into the live session mailbox.
// Returns false when the device is not connected here or the session
// is saturated.
func (h *Hub) Deliver(key model.AccountDevice, env *model.Envelope, timeout time.Duration) bool {
	val, ok := h.sessions.Load(key)
	if !ok {
		return false
	}
	conn, ok := val.(Connector)
	if !ok {
		return false
	}
	return conn.Send(env, timeout)
}

// Register installs the session and returns the connector it
// displaced, if any. The caller owns closing the displaced session
// with its "replaced" close code.
func (h *Hub) Register(conn Connector) Connector {
	prev, loaded := h.sessions.Swap(conn.GetKey(), conn)
	if !loaded {
		return nil
	}
	displaced, _ := prev.(Connector)
	return displaced
}

// Unregister removes the session only if it is still the registered
// one; a displaced session must not evict its replacement.
func (h *Hub) Unregister(key model.AccountDevice, connID uuid.UUID) {
	val, ok := h.sessions.Load(key)
	if !ok {
		return
	}
	conn, ok := val.(Connector)
	if !ok || conn.GetID() != connID {
		return
	}
	h.sessions.CompareAndDelete(key, val)
	conn.Close()
}

// Shutdown closes every live session.
func (h *Hub) Shutdown() {
	h.sessions.Range(func(key, val any) bool {
		if conn, ok := val.(Connector); ok {
			conn.Close()
		}
		h.sessions.Delete(key)
		return true
	})
}
