// Package push implements the Push Core (component B): the long-poll
// channel clients drain via repeated blocking receive calls. It is a
// thin operation layer over the Client Registry (component A); Push
// owns no client state of its own.
package push

import (
	"time"

	"github.com/asadovsky/cometd/internal/protocol"
	"github.com/asadovsky/cometd/internal/registry"
)

// Core is the Push Core. receiveTimeout bounds how long Receive blocks
// before returning empty; it must be strictly less than the Registry's
// client_timeout (spec §3 configuration invariant) — Core does not
// enforce that itself since it doesn't own the Registry's timeout, but
// internal/config validates it at startup.
type Core struct {
	registry       *registry.Registry
	receiveTimeout time.Duration
}

// New returns a Push Core fronting the given Registry.
func New(reg *registry.Registry, receiveTimeout time.Duration) *Core {
	return &Core{registry: reg, receiveTimeout: receiveTimeout}
}

// Connect delegates to the Registry.
func (c *Core) Connect(id string) {
	c.registry.Connect(id)
}

// Disconnect delegates to the Registry.
func (c *Core) Disconnect(id string) {
	c.registry.Disconnect(id)
}

// Present reports whether id is currently registered. Domain workers
// use this to detect a lost broadcast recipient.
func (c *Core) Present(id string) bool {
	return c.registry.Present(id)
}

// Queue appends payload to id's inbox. It fails with
// protocol.ErrUnknownClient if id is not registered. Non-blocking;
// multiple producers may call Queue concurrently for the same id, and
// payloads are delivered first-come-first-served.
func (c *Core) Queue(id string, payload string) error {
	rec, ok := c.registry.Lookup(id)
	if !ok {
		return protocol.Newf(protocol.UnknownClient, "queue: unknown client %q", id)
	}
	rec.Push(payload)
	return nil
}

// Flush enqueues an empty sentinel so any in-flight Receive for id
// returns immediately; future receives proceed normally. Flushing an
// unknown client fails with protocol.ErrUnknownClient.
func (c *Core) Flush(id string) error {
	rec, ok := c.registry.Lookup(id)
	if !ok {
		return protocol.Newf(protocol.UnknownClient, "flush: unknown client %q", id)
	}
	rec.Push(wakeItem())
	return nil
}

// wakeItem returns an inbox item indistinguishable, from Receive's
// point of view, from the registry's own timeout sentinel: an empty
// string. The registry's real wake sentinel is unexported, so Flush
// pushes a plain empty-string payload instead — Receive treats both an
// empty string and the registry sentinel as "no message".
func wakeItem() registry.Item {
	return ""
}

// Receive updates id's heartbeat, then, under id's receive mutex, waits
// for either the next payload or receiveTimeout, whichever comes
// first. It returns (payload, true) on data, or ("", false) on timeout
// or disconnect. Concurrent Receive calls for the same id are
// serialized by ReceiveMu: an overlapped call may block a long time and
// then observe a disconnect.
func (c *Core) Receive(id string) (string, bool, error) {
	rec, ok := c.registry.Lookup(id)
	if !ok {
		return "", false, protocol.Newf(protocol.UnknownClient, "receive: unknown client %q", id)
	}

	rec.ReceiveMu.Lock()
	defer rec.ReceiveMu.Unlock()

	rec.Touch()

	deadline := time.Now().Add(c.receiveTimeout)
	item, _ := rec.Pop(deadline)

	if registry.IsWakeSentinel(item) {
		return "", false, nil
	}
	payload, _ := item.(string)
	if payload == "" {
		return "", false, nil
	}
	return payload, true, nil
}
