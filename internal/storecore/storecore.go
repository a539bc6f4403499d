// Package storecore implements the Store Core (component D): it owns
// the domain-name → Domain Worker map, dispatches inbound message
// batches, exposes server-origin mutators, and runs the periodic
// client-liveness sweep.
package storecore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/asadovsky/cometd/internal/domain"
	"github.com/asadovsky/cometd/internal/protocol"
	"github.com/asadovsky/cometd/internal/push"
)

// Core is the Store Core. Grounded on server/hub/hub.go's hub struct,
// whose single mutex protects both nextClientId and the (here,
// per-domain) store — generalized to one mutex over a
// domain-name -> Worker map instead of a single global store.
type Core struct {
	dbPath string
	push   *push.Core
	hooks  *protocol.Hooks

	mu      sync.Mutex
	workers map[string]*domain.Worker

	checkPeriod time.Duration
	stopSweep   chan struct{}
	sweepDone   chan struct{}
}

// New returns a Store Core that persists each domain under dbPath and
// delivers broadcasts through pc. checkPeriod is the liveness-sweep
// interval (spec §4.4, default 60s).
func New(dbPath string, pc *push.Core, hooks *protocol.Hooks, checkPeriod time.Duration) *Core {
	c := &Core{
		dbPath:      dbPath,
		push:        pc,
		hooks:       hooks,
		workers:     map[string]*domain.Worker{},
		checkPeriod: checkPeriod,
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	go c.runSweep()
	return c
}

func (c *Core) runSweep() {
	defer close(c.sweepDone)
	ticker := time.NewTicker(c.checkPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			for _, name := range c.domainNames() {
				c.ensureAndEnqueue(name, domain.KindCheckClients, "", nil)
			}
		}
	}
}

func (c *Core) domainNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.workers))
	for name := range c.workers {
		names = append(names, name)
	}
	return names
}

// ensureAndEnqueue atomically (create-if-absent-or-dead, enqueue) per
// spec §9: it looks up the domain's worker, spawning one if absent or
// dead, and retries the enqueue against a fresh worker if the looked-up
// one terminated in the meantime.
func (c *Core) ensureAndEnqueue(name string, kind domain.Kind, clientID string, msgs []protocol.Message) error {
	for {
		w, isNew, err := c.ensureWorker(name)
		if err != nil {
			return err
		}
		if w.Enqueue(kind, clientID, msgs) {
			return nil
		}
		if !isNew {
			// The worker we found had already terminated; drop the stale
			// map entry (if it's still the one we saw) and retry.
			c.mu.Lock()
			if cur, ok := c.workers[name]; ok && cur == w {
				delete(c.workers, name)
			}
			c.mu.Unlock()
		}
	}
}

func (c *Core) ensureWorker(name string) (*domain.Worker, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[name]; ok {
		return w, false, nil
	}
	path := filepath.Join(c.dbPath, name+".db")
	kv, err := domain.OpenKVStore(path)
	if err != nil {
		return nil, false, fmt.Errorf("open domain %q: %w", name, err)
	}
	w := domain.NewWorker(name, kv, c.push, c.hooks)
	c.workers[name] = w
	go w.Run()
	return w, true, nil
}

// Messages parses body as a JSON array of Messages, partitions it by
// domain, and enqueues one "messages" meta-message per domain worker.
// Elements missing command/domain/key are reported via OnError and
// dropped before partitioning (spec §4.4).
func (c *Core) Messages(clientID string, body string) error {
	var msgs []protocol.Message
	if err := json.Unmarshal([]byte(body), &msgs); err != nil {
		return protocol.Newf(protocol.MalformedMessage, "invalid messages JSON: %v", err)
	}

	byDomain := map[string][]protocol.Message{}
	for _, m := range msgs {
		if m.Command == "" || m.Domain == "" || m.Key == "" {
			c.hooks.ErrorHook(protocol.Newf(protocol.MalformedMessage, "missing command/domain/key: %+v", m))
			continue
		}
		if !protocol.ValidDomainName(m.Domain) {
			c.hooks.ErrorHook(protocol.Newf(protocol.BadDomain, "invalid domain name %q", m.Domain))
			continue
		}
		byDomain[m.Domain] = append(byDomain[m.Domain], m)
	}

	for name, batch := range byDomain {
		if err := c.ensureAndEnqueue(name, domain.KindMessages, clientID, batch); err != nil {
			c.hooks.ErrorHook(err)
		}
	}
	return nil
}

// Subscribe enqueues a subscribe meta-message on domain's worker.
func (c *Core) Subscribe(clientID, domainName string) error {
	if !protocol.ValidDomainName(domainName) {
		return protocol.Newf(protocol.BadDomain, "invalid domain name %q", domainName)
	}
	return c.ensureAndEnqueue(domainName, domain.KindSubscribe, clientID, nil)
}

// Disconnected enqueues an unsubscribe meta-message on every domain
// currently known to this Core. It does not create new domains.
func (c *Core) Disconnected(clientID string) {
	for _, name := range c.domainNames() {
		c.ensureAndEnqueue(name, domain.KindUnsubscribe, clientID, nil)
	}
}

// mutate constructs a single-element, server-origin batch and enqueues
// it, backing Create/Update/Delete below.
func (c *Core) mutate(domainName string, m protocol.Message) error {
	if !protocol.ValidDomainName(domainName) {
		return protocol.Newf(protocol.BadDomain, "invalid domain name %q", domainName)
	}
	return c.ensureAndEnqueue(domainName, domain.KindMessages, "", []protocol.Message{m})
}

// Create is a server-origin create mutation.
func (c *Core) Create(domainName, key, value, version string) error {
	return c.mutate(domainName, protocol.Message{Command: protocol.Create, Domain: domainName, Key: key, Value: value, Version: version})
}

// Update is a server-origin update mutation.
func (c *Core) Update(domainName, key, value, version, previousVersion string) error {
	return c.mutate(domainName, protocol.Message{Command: protocol.Update, Domain: domainName, Key: key, Value: value, Version: version, PreviousVersion: previousVersion})
}

// Delete is a server-origin delete mutation.
func (c *Core) Delete(domainName, key string) error {
	return c.mutate(domainName, protocol.Message{Command: protocol.Delete, Domain: domainName, Key: key})
}

// Shutdown enqueues a shutdown meta-message on every worker, then waits
// for each to terminate, and stops the liveness sweep. Cooperative: a
// worker in the middle of a cycle finishes it before exiting.
func (c *Core) Shutdown() {
	close(c.stopSweep)
	<-c.sweepDone

	c.mu.Lock()
	workers := make([]*domain.Worker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	for _, w := range workers {
		w.Enqueue(domain.KindShutdown, "", nil)
	}
	for _, w := range workers {
		<-w.Done()
	}
}
