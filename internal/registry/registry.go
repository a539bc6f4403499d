// Package registry tracks connected push clients: their inbound
// queues, heartbeats, and liveness watchdogs. It is the Client
// Registry (component A): the only component allowed to create or
// destroy a ClientRecord.
package registry

import (
	"sync"
	"time"

	"github.com/asadovsky/cometd/internal/protocol"
)

// wakeSentinel is enqueued to unblock an in-flight receive without
// delivering data: disconnect and the receive-timeout timer push it
// (push.Core.Flush pushes an empty-string payload instead, which Receive
// also treats as "no message"). It carries no data, mirroring the "wake"
// value spec §3 describes for ClientRecord.inbox.
type wakeSentinel struct{}

// Item is one entry in a ClientRecord's inbox: either a JSON payload
// (string) or the wake sentinel.
type Item interface{}

// IsWakeSentinel reports whether item is the wake sentinel.
func IsWakeSentinel(item Item) bool {
	_, ok := item.(wakeSentinel)
	return ok
}

// Record is one connected push client. Other components hold only the
// client id string and resolve it through the Registry; Record itself
// is owned exclusively by the Registry that created it.
//
// The inbox is a multi-producer/single-consumer FIFO built on a
// sync.Cond rather than a buffered channel, so Push (append+Signal)
// never blocks regardless of how many items are pending — the same
// discipline the teacher's log uses for its per-device patch queues
// (server/store/log.go: cond.Broadcast on push, cond.Wait on pop).
type Record struct {
	ID string

	cond  *sync.Cond
	queue []Item

	hbMu          sync.Mutex
	lastHeartbeat time.Time

	ReceiveMu sync.Mutex // at most one in-flight receive per client

	cancelWatchdog func()
}

func newRecord(id string) *Record {
	return &Record{
		ID:            id,
		cond:          sync.NewCond(&sync.Mutex{}),
		lastHeartbeat: time.Now(),
	}
}

// Push appends item to the inbox and wakes any blocked receiver. Never
// blocks.
func (r *Record) Push(item Item) {
	r.cond.L.Lock()
	r.queue = append(r.queue, item)
	r.cond.L.Unlock()
	r.cond.Signal()
}

// Pop blocks until an item is available or deadline elapses, whichever
// comes first. On deadline expiry a timer pushes the wake sentinel, so
// Pop then returns that sentinel; ok is always true.
func (r *Record) Pop(deadline time.Time) (item Item, ok bool) {
	timer := time.AfterFunc(time.Until(deadline), func() {
		r.Push(wakeSentinel{})
	})
	defer timer.Stop()

	r.cond.L.Lock()
	defer r.cond.L.Unlock()
	for len(r.queue) == 0 {
		r.cond.Wait()
	}
	item = r.queue[0]
	r.queue = r.queue[1:]
	return item, true
}

// Touch updates the record's heartbeat to now. Heartbeat is
// non-decreasing over the life of a Record (spec §8).
func (r *Record) Touch() {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	now := time.Now()
	if now.After(r.lastHeartbeat) {
		r.lastHeartbeat = now
	}
}

// SinceHeartbeat returns the elapsed time since the last Touch.
func (r *Record) SinceHeartbeat() time.Duration {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	return time.Since(r.lastHeartbeat)
}

// Registry is the Client Registry (component A). Its map is guarded by
// a single mutex; hook invocations always happen outside that lock
// (spec §4.1).
type Registry struct {
	clientTimeout time.Duration
	hooks         *protocol.Hooks

	mu      sync.Mutex
	records map[string]*Record
}

// New returns a Registry whose watchdogs disconnect a client after
// clientTimeout of heartbeat silence.
func New(clientTimeout time.Duration, hooks *protocol.Hooks) *Registry {
	return &Registry{
		clientTimeout: clientTimeout,
		hooks:         hooks,
		records:       map[string]*Record{},
	}
}

// Connect creates id's Record if unknown, starting its watchdog and
// invoking OnConnect. If id is already known, it refreshes the
// heartbeat and returns success without creating a duplicate — no two
// Records ever share a client id.
func (g *Registry) Connect(id string) {
	g.mu.Lock()
	rec, ok := g.records[id]
	if ok {
		g.mu.Unlock()
		rec.Touch()
		return
	}
	rec = newRecord(id)
	g.records[id] = rec
	rec.cancelWatchdog = g.startWatchdog(rec)
	g.mu.Unlock()

	g.hooks.Connect(id)
}

// Disconnect removes id's Record, if any, cancels its watchdog, and
// wakes any in-flight receive by pushing a wake sentinel. Unknown ids
// succeed silently, so calling Disconnect twice is indistinguishable
// from calling it once.
func (g *Registry) Disconnect(id string) {
	g.mu.Lock()
	rec, ok := g.records[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.records, id)
	g.mu.Unlock()

	if rec.cancelWatchdog != nil {
		rec.cancelWatchdog()
	}
	rec.Push(wakeSentinel{})

	g.hooks.Disconnect(id)
}

// Present reports whether id currently has a live Record.
func (g *Registry) Present(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.records[id]
	return ok
}

// Iterate returns a snapshot of currently registered client ids.
func (g *Registry) Iterate() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.records))
	for id := range g.records {
		ids = append(ids, id)
	}
	return ids
}

// Lookup resolves id to its Record, or (nil, false) if unknown. The
// push package uses this to operate on a Record's queue/ReceiveMu
// without duplicating the Registry's map.
func (g *Registry) Lookup(id string) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[id]
	return rec, ok
}

// startWatchdog arms a recurring timer that disconnects rec when
// SinceHeartbeat exceeds clientTimeout. It returns a cancel function.
func (g *Registry) startWatchdog(rec *Record) func() {
	stop := make(chan struct{})
	ticker := time.NewTicker(g.clientTimeout)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if rec.SinceHeartbeat() > g.clientTimeout {
					g.Disconnect(rec.ID)
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
	}
}
