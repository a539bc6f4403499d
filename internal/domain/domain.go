package domain

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/asadovsky/cometd/internal/protocol"
	"github.com/asadovsky/cometd/internal/push"
)

// Kind is a meta-message kind (spec §4.3). Meta-messages are internal
// work items consumed by a Domain Worker; they never cross the wire.
type Kind int

const (
	KindSubscribe Kind = iota
	KindUnsubscribe
	KindMessages
	KindCheckClients
	KindShutdown
)

type metaMessage struct {
	kind     Kind
	clientID string // subscriber id; "" means server-origin for KindMessages
	messages []protocol.Message
}

// Worker is the Domain Worker (component C): a single-threaded
// executor over one domain's durable store and subscriber set. All
// mutation happens on the goroutine that calls Run, so DomainState
// needs no locking beyond the work queue itself — grounded on
// server/store/store.go's single-mutex-owns-the-map discipline,
// generalized from "one mutex held by every caller" to "one goroutine,
// no callers".
type Worker struct {
	name  string
	store *KVStore
	push  *push.Core
	hooks *protocol.Hooks

	mu    sync.Mutex
	cond  *sync.Cond
	queue []metaMessage
	alive bool

	subscribers map[string]struct{} // touched only by the Run goroutine
	done        chan struct{}
}

// NewWorker constructs a Worker for domain name, backed by store, using
// pc to deliver broadcasts and hooks for notifications. The caller must
// start it with go w.Run().
func NewWorker(name string, store *KVStore, pc *push.Core, hooks *protocol.Hooks) *Worker {
	w := &Worker{
		name:        name,
		store:       store,
		push:        pc,
		hooks:       hooks,
		alive:       true,
		subscribers: map[string]struct{}{},
		done:        make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Enqueue appends a meta-message to the work queue and reports whether
// it was accepted. It returns false if the worker has already
// terminated (subscribers went empty and it exited, or it was
// shutdown); the caller (Store Core) must then create a fresh Worker
// and retry — spec §9's "lazy domain re-creation must not race with an
// in-flight enqueue."
func (w *Worker) Enqueue(kind Kind, clientID string, messages []protocol.Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.alive {
		return false
	}
	w.queue = append(w.queue, metaMessage{kind: kind, clientID: clientID, messages: messages})
	w.cond.Signal()
	return true
}

// Done is closed once the worker has terminated (store closed).
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run processes meta-messages strictly in arrival order until the
// worker terminates: a shutdown message arrives, a meta-message of an
// unknown kind is reported via OnError, or a work cycle ends with no
// subscribers and nothing further queued (spec §4.3's state machine:
// check_empty --empty--> terminated).
func (w *Worker) Run() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			w.cond.Wait()
		}
		m := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if m.kind == KindShutdown {
			w.terminate()
			return
		}

		switch m.kind {
		case KindSubscribe:
			w.handleSubscribe(m.clientID)
		case KindUnsubscribe:
			w.handleUnsubscribe(m.clientID)
		case KindMessages:
			w.handleMessages(m.clientID, m.messages)
		case KindCheckClients:
			w.handleCheckClients()
		default:
			w.hooks.ErrorHook(protocol.Newf(protocol.MalformedMessage,
				"domain %s: unreachable meta-message kind %d", w.name, m.kind))
			w.terminate()
			return
		}

		if len(w.subscribers) == 0 {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.alive = false
				w.mu.Unlock()
				w.finish()
				return
			}
			w.mu.Unlock()
		}
	}
}

func (w *Worker) terminate() {
	w.mu.Lock()
	w.alive = false
	w.mu.Unlock()
	w.finish()
}

func (w *Worker) finish() {
	if err := w.store.Close(); err != nil {
		w.hooks.ErrorHook(err)
	}
	close(w.done)
}

// handleSubscribe implements spec §4.3's replay-on-subscribe: add the
// client, send it every persisted key as a synthetic create followed
// by _clients/_synced, then tell the other subscribers.
func (w *Worker) handleSubscribe(clientID string) {
	w.subscribers[clientID] = struct{}{}
	w.hooks.Subscribe(clientID, w.name)
	w.replay(clientID)

	notice := protocol.Message{Command: protocol.Create, Domain: w.name, Key: protocol.KeySubscribe, Value: clientID}
	w.broadcast(marshalOne(notice), clientID)
}

func (w *Worker) replay(clientID string) {
	keys, entries, err := w.store.Snapshot()
	if err != nil {
		w.hooks.ErrorHook(err)
		return
	}

	msgs := make([]protocol.Message, 0, len(keys)+2)
	for _, k := range keys {
		e := entries[k]
		msgs = append(msgs, protocol.Message{Command: protocol.Create, Domain: w.name, Key: k, Value: e.Value, Version: e.Version})
	}

	clientsJSON, err := json.Marshal(w.subscriberList())
	if err != nil {
		w.hooks.ErrorHook(err)
		return
	}
	msgs = append(msgs, protocol.Message{Command: protocol.Create, Domain: w.name, Key: protocol.KeyClients, Value: string(clientsJSON)})
	msgs = append(msgs, protocol.Message{Command: protocol.Create, Domain: w.name, Key: protocol.KeySynced, Value: "true"})

	payload := marshalMessages(msgs)
	if err := w.push.Queue(clientID, payload); err != nil {
		if errors.Is(err, protocol.ErrUnknownClient) {
			delete(w.subscribers, clientID)
			return
		}
		w.hooks.ErrorHook(err)
	}
}

// handleUnsubscribe implements spec §4.3's Unsubscribe: remove the
// client, then broadcast a _unsubscribe notice.
func (w *Worker) handleUnsubscribe(clientID string) {
	if _, ok := w.subscribers[clientID]; !ok {
		return
	}
	delete(w.subscribers, clientID)
	notice := protocol.Message{Command: protocol.Create, Domain: w.name, Key: protocol.KeyUnsubscribe, Value: clientID}
	w.broadcast(marshalOne(notice), "")
}

// handleCheckClients prunes subscribers no longer present per the Push
// Core, per spec §4.3's check_clients row. No notice is broadcast here
// — that only happens for a recipient lost mid-broadcast (spec §7
// tier 3), a distinct code path in broadcast() below.
func (w *Worker) handleCheckClients() {
	for id := range w.subscribers {
		if !w.push.Present(id) {
			delete(w.subscribers, id)
		}
	}
}

// handleMessages implements spec §4.3's "Applying a batch": validate
// each message, apply persistent mutations with collision detection,
// accumulate everything accepted, and broadcast it as one JSON array
// to every subscriber except originID (or to everyone, if originID is
// "", meaning the batch originated at the server).
func (w *Worker) handleMessages(originID string, msgs []protocol.Message) {
	accepted := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		if !w.validate(m) {
			continue
		}
		if protocol.IsEphemeral(m.Key) {
			accepted = append(accepted, m)
			continue
		}
		collided, err := w.applyPersistent(m)
		if err != nil {
			if collided {
				w.hooks.Collision(m, err)
			} else {
				w.hooks.ErrorHook(err)
			}
			continue
		}
		accepted = append(accepted, m)
	}
	if len(accepted) == 0 {
		return
	}
	w.broadcast(marshalMessages(accepted), originID)
}

// validate reports whether m is well-formed enough to process further,
// firing OnError and returning false otherwise. Required-field checks
// mirror spec §4.3/§7 tier 2: missing command/domain/key, an unknown
// command, or (per this repo's resolution of the §9 Open Question) a
// missing version on a non-ephemeral create/update all count as
// malformed and are skipped without failing the rest of the batch.
func (w *Worker) validate(m protocol.Message) bool {
	if m.Command == "" || m.Domain == "" || m.Key == "" {
		w.hooks.ErrorHook(protocol.Newf(protocol.MalformedMessage, "missing command/domain/key: %+v", m))
		return false
	}
	switch m.Command {
	case protocol.Create, protocol.Update:
		if !protocol.IsEphemeral(m.Key) {
			if m.Value == "" || m.Version == "" {
				w.hooks.ErrorHook(protocol.Newf(protocol.MalformedMessage, "missing value/version: %+v", m))
				return false
			}
			if m.Command == protocol.Update && m.PreviousVersion == "" {
				w.hooks.ErrorHook(protocol.Newf(protocol.MalformedMessage, "missing previous_version: %+v", m))
				return false
			}
		}
	case protocol.Delete:
		// No value/version required.
	default:
		w.hooks.ErrorHook(protocol.Newf(protocol.MalformedMessage, "unknown command %q", m.Command))
		return false
	}
	return true
}

// applyPersistent applies m to the durable store. collided is true iff
// the returned error is a collision (spec §4.3's create/update/delete
// pseudocode); ephemeral keys never reach this function.
func (w *Worker) applyPersistent(m protocol.Message) (collided bool, err error) {
	existing, exists, err := w.store.Get(m.Key)
	if err != nil {
		return false, err
	}
	switch m.Command {
	case protocol.Create:
		if exists {
			return true, protocol.ErrCollisionCreate
		}
		return false, w.store.Put(m.Key, Entry{Value: m.Value, Version: m.Version})
	case protocol.Update:
		if !exists || existing.Version != m.PreviousVersion {
			return true, protocol.ErrCollisionUpdate
		}
		return false, w.store.Put(m.Key, Entry{Value: m.Value, Version: m.Version})
	case protocol.Delete:
		if !exists {
			return true, protocol.ErrCollisionDelete
		}
		return false, w.store.Delete(m.Key)
	default:
		return false, protocol.Newf(protocol.MalformedMessage, "unreachable command %q", m.Command)
	}
}

// broadcast delivers payload to every current subscriber except
// excludeID (excludeID == "" excludes nobody, matching a server-origin
// batch). A subscriber found gone on enqueue (spec §7 tier 3) is
// pruned and the loss is announced to the remaining subscribers.
func (w *Worker) broadcast(payload string, excludeID string) {
	for id := range w.subscribers {
		if id == excludeID {
			continue
		}
		if err := w.push.Queue(id, payload); err != nil {
			if errors.Is(err, protocol.ErrUnknownClient) {
				delete(w.subscribers, id)
				notice := protocol.Message{Command: protocol.Create, Domain: w.name, Key: protocol.KeyUnsubscribe, Value: id}
				w.broadcast(marshalOne(notice), "")
				continue
			}
			w.hooks.ErrorHook(err)
		}
	}
}

func (w *Worker) subscriberList() []string {
	ids := make([]string, 0, len(w.subscribers))
	for id := range w.subscribers {
		ids = append(ids, id)
	}
	return ids
}

func marshalOne(m protocol.Message) string {
	return marshalMessages([]protocol.Message{m})
}

func marshalMessages(msgs []protocol.Message) string {
	buf, err := json.Marshal(msgs)
	if err != nil {
		// msgs is always built from plain strings; Marshal cannot fail.
		panic(err)
	}
	return string(buf)
}
