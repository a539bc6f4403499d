package domain

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/asadovsky/cometd/internal/protocol"
	"github.com/asadovsky/cometd/internal/push"
	"github.com/asadovsky/cometd/internal/registry"
)

// harness wires a Worker to a real Push Core and Registry, so tests can
// observe broadcasts the way a connected client would: by Receive-ing
// off the Push Core.
type harness struct {
	t     *testing.T
	push  *push.Core
	store *KVStore
	w     *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithHooks(t, &protocol.Hooks{})
}

func newHarnessWithHooks(t *testing.T, hooks *protocol.Hooks) *harness {
	t.Helper()
	reg := registry.New(time.Hour, &protocol.Hooks{})
	pc := push.New(reg, 200*time.Millisecond)
	path := filepath.Join(t.TempDir(), "d.db")
	store, err := OpenKVStore(path)
	if err != nil {
		t.Fatalf("OpenKVStore: %v", err)
	}
	w := NewWorker("room", store, pc, hooks)
	go w.Run()
	return &harness{t: t, push: pc, store: store, w: w}
}

func (h *harness) connect(id string) {
	h.t.Helper()
	h.push.Connect(id)
}

// receive blocks briefly for the next payload delivered to id, failing
// the test if none arrives in time.
func (h *harness) receive(id string) []protocol.Message {
	h.t.Helper()
	payload, ok, err := h.push.Receive(id)
	if err != nil {
		h.t.Fatalf("Receive(%s): %v", id, err)
	}
	if !ok {
		h.t.Fatalf("Receive(%s) timed out with no payload", id)
	}
	var msgs []protocol.Message
	if err := json.Unmarshal([]byte(payload), &msgs); err != nil {
		h.t.Fatalf("Receive(%s) payload not valid JSON: %v (%s)", id, err, payload)
	}
	return msgs
}

func waitUntilEmpty(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not terminate after going empty")
	}
}

func TestSubscribeReplayEmpty(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.w.Enqueue(KindSubscribe, "a", nil)

	msgs := h.receive("a")
	var sawSynced, sawClients bool
	for _, m := range msgs {
		if m.Key == protocol.KeySynced {
			sawSynced = true
		}
		if m.Key == protocol.KeyClients {
			sawClients = true
		}
	}
	if !sawSynced || !sawClients {
		t.Fatalf("replay to a new subscriber must include _clients and _synced, got %+v", msgs)
	}
}

func TestSubscribeReplaysExistingKeys(t *testing.T) {
	h := newHarness(t)
	if err := h.store.Put("greeting", Entry{Value: "hello", Version: "v1"}); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	h.connect("a")
	h.w.Enqueue(KindSubscribe, "a", nil)
	msgs := h.receive("a")

	var found bool
	for _, m := range msgs {
		if m.Key == "greeting" && m.Value == "hello" && m.Version == "v1" && m.Command == protocol.Create {
			found = true
		}
	}
	if !found {
		t.Fatalf("replay did not include the pre-existing key, got %+v", msgs)
	}
}

func TestSecondSubscriberNotifiesFirst(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.w.Enqueue(KindSubscribe, "a", nil)
	h.receive("a") // drain a's own replay

	h.connect("b")
	h.w.Enqueue(KindSubscribe, "b", nil)
	h.receive("b") // drain b's own replay

	msgs := h.receive("a") // a should see a _subscribe notice about b
	var sawNotice bool
	for _, m := range msgs {
		if m.Key == protocol.KeySubscribe && m.Value == "b" {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Fatalf("a did not receive a _subscribe notice for b, got %+v", msgs)
	}
}

func TestMessagesPersistsAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.w.Enqueue(KindSubscribe, "a", nil)
	h.receive("a")

	h.connect("b")
	h.w.Enqueue(KindSubscribe, "b", nil)
	h.receive("b")
	h.receive("a") // a's _subscribe notice about b

	h.w.Enqueue(KindMessages, "b", []protocol.Message{
		{Command: protocol.Create, Domain: "room", Key: "k1", Value: "v1", Version: "ver1"},
	})

	msgs := h.receive("a")
	if len(msgs) != 1 || msgs[0].Key != "k1" || msgs[0].Value != "v1" {
		t.Fatalf("a did not see the broadcast create, got %+v", msgs)
	}

	entry, ok, err := h.store.Get("k1")
	if err != nil || !ok {
		t.Fatalf("Get(k1) after apply = (%+v, %v, %v)", entry, ok, err)
	}
	if entry.Value != "v1" || entry.Version != "ver1" {
		t.Errorf("persisted entry = %+v, want {v1 ver1}", entry)
	}
}

func TestMessagesExcludeOrigin(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.w.Enqueue(KindSubscribe, "a", nil)
	h.receive("a")

	h.w.Enqueue(KindMessages, "a", []protocol.Message{
		{Command: protocol.Create, Domain: "room", Key: "k1", Value: "v1", Version: "ver1"},
	})

	// a sent the batch itself, so it must not receive an echo. A second
	// subscriber proves the batch was applied (k1 is in b's replay), and
	// a's next payload must be the _subscribe notice for b rather than
	// an echo of k1.
	h.connect("b")
	h.w.Enqueue(KindSubscribe, "b", nil)
	replay := h.receive("b")
	var sawK1 bool
	for _, m := range replay {
		if m.Key == "k1" && m.Value == "v1" {
			sawK1 = true
		}
	}
	if !sawK1 {
		t.Fatalf("b's replay did not include k1 persisted by a's batch, got %+v", replay)
	}

	msgs := h.receive("a")
	if len(msgs) != 1 || msgs[0].Key != protocol.KeySubscribe || msgs[0].Value != "b" {
		t.Fatalf("a's next payload = %+v, want only the _subscribe notice for b (no echo of its own batch)", msgs)
	}
}

func TestCreateCollisionOnExistingKey(t *testing.T) {
	var collided protocol.Message
	var mu sync.Mutex
	h := newHarnessWithHooks(t, &protocol.Hooks{OnCollision: func(m protocol.Message, err error) {
		mu.Lock()
		collided = m
		mu.Unlock()
	}})

	if err := h.store.Put("k1", Entry{Value: "v0", Version: "ver0"}); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	// Keep one subscriber so the worker does not terminate (and close the
	// store) at the end of the collision cycle, before the Get below.
	h.connect("a")
	h.w.Enqueue(KindSubscribe, "a", nil)
	h.receive("a")

	h.w.Enqueue(KindMessages, "", []protocol.Message{
		{Command: protocol.Create, Domain: "room", Key: "k1", Value: "v1", Version: "ver1"},
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := collided.Key
		mu.Unlock()
		if got == "k1" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if collided.Key != "k1" {
		t.Fatal("OnCollision did not fire for a create against an existing key")
	}

	entry, _, _ := h.store.Get("k1")
	if entry.Version != "ver0" {
		t.Errorf("colliding create must not overwrite the existing entry, got %+v", entry)
	}
}

func TestUpdateCollisionOnVersionMismatch(t *testing.T) {
	var collisions int
	var mu sync.Mutex
	h := newHarnessWithHooks(t, &protocol.Hooks{OnCollision: func(protocol.Message, error) {
		mu.Lock()
		collisions++
		mu.Unlock()
	}})

	if err := h.store.Put("k1", Entry{Value: "v0", Version: "ver0"}); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	h.w.Enqueue(KindMessages, "", []protocol.Message{
		{Command: protocol.Update, Domain: "room", Key: "k1", Value: "v1", Version: "ver1", PreviousVersion: "stale"},
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := collisions
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if collisions != 1 {
		t.Fatalf("collisions = %d, want 1", collisions)
	}
}

func TestEphemeralKeyNeverPersisted(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.w.Enqueue(KindSubscribe, "a", nil)
	h.receive("a")

	h.w.Enqueue(KindMessages, "", []protocol.Message{
		{Command: protocol.Create, Domain: "room", Key: "%cursor", Value: "42"},
	})

	msgs := h.receive("a")
	if len(msgs) != 1 || msgs[0].Key != "%cursor" {
		t.Fatalf("broadcast = %+v, want the ephemeral message", msgs)
	}

	if _, ok, err := h.store.Get("%cursor"); err != nil || ok {
		t.Errorf("ephemeral key was persisted: ok=%v err=%v", ok, err)
	}
}

func TestUnsubscribeBroadcastsNotice(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.w.Enqueue(KindSubscribe, "a", nil)
	h.receive("a")

	h.connect("b")
	h.w.Enqueue(KindSubscribe, "b", nil)
	h.receive("b")
	h.receive("a") // a's _subscribe notice for b

	h.w.Enqueue(KindUnsubscribe, "b", nil)
	msgs := h.receive("a")
	var sawNotice bool
	for _, m := range msgs {
		if m.Key == protocol.KeyUnsubscribe && m.Value == "b" {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Fatalf("a did not receive a _unsubscribe notice for b, got %+v", msgs)
	}
}

func TestWorkerTerminatesWhenEmpty(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.w.Enqueue(KindSubscribe, "a", nil)
	h.receive("a")

	h.w.Enqueue(KindUnsubscribe, "a", nil)
	waitUntilEmpty(t, h.w)

	if h.w.Enqueue(KindSubscribe, "b", nil) {
		t.Error("Enqueue on a terminated worker returned true, want false")
	}
}

func TestLostRecipientDuringBroadcastIsPruned(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.w.Enqueue(KindSubscribe, "a", nil)
	h.receive("a")

	h.connect("b")
	h.w.Enqueue(KindSubscribe, "b", nil)
	h.receive("b")
	h.receive("a")

	// Disconnect b out from under the worker, then have a send a message:
	// the broadcast to b must fail with ErrUnknownClient and prune it
	// without blocking delivery to a.
	h.push.Disconnect("b")

	h.w.Enqueue(KindMessages, "a", []protocol.Message{
		{Command: protocol.Create, Domain: "room", Key: "%ping", Value: "1"},
	})

	// The broadcast to b fails, pruning it and cascading a _unsubscribe
	// notice to the remaining subscribers (a).
	cascade := h.receive("a")
	var sawCascade bool
	for _, m := range cascade {
		if m.Key == protocol.KeyUnsubscribe && m.Value == "b" {
			sawCascade = true
		}
	}
	if !sawCascade {
		t.Fatalf("a did not receive a cascaded _unsubscribe notice for lost recipient b, got %+v", cascade)
	}

	// The domain must still be responsive with only a subscribed.
	h.w.Enqueue(KindMessages, "", []protocol.Message{
		{Command: protocol.Create, Domain: "room", Key: "%ping2", Value: "2"},
	})

	msgs := h.receive("a")
	if len(msgs) != 1 || msgs[0].Key != "%ping2" {
		t.Fatalf("worker did not remain responsive after pruning a lost recipient, got %+v", msgs)
	}
}

func TestCheckClientsPrunesSilently(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.w.Enqueue(KindSubscribe, "a", nil)
	h.receive("a")

	h.connect("b")
	h.w.Enqueue(KindSubscribe, "b", nil)
	h.receive("b")
	h.receive("a") // a's _subscribe notice for b

	h.push.Disconnect("b")
	h.w.Enqueue(KindCheckClients, "", nil)

	// a must not receive an _unsubscribe notice from a silent prune.
	payload, ok, err := h.push.Receive("a")
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if ok {
		t.Fatalf("check_clients must prune silently, but a received %q", payload)
	}
}

func TestShutdownClosesStore(t *testing.T) {
	h := newHarness(t)
	h.w.Enqueue(KindShutdown, "", nil)
	waitUntilEmpty(t, h.w)

	if h.w.Enqueue(KindMessages, "", nil) {
		t.Error("Enqueue after shutdown returned true, want false")
	}
}
