// Package subscription implements the subscription engine: one periodic
// task per subscribed context source, shared across every connected peer,
// sampling a context provider and broadcasting updates at a rate cap
// (spec.md §4.6). Subscribing is server-wide, not per-peer (SPEC_FULL.md
// §9): the first peer to subscribe to a source starts its task; the task
// keeps running, broadcasting to every connected peer, for as long as at
// least one peer remains subscribed, and stops once the last one
// unsubscribes or disconnects. It is grounded on arp_sdk/server.py's
// ARPServer._context_stream_loop in the original Python reference
// implementation, generalized from a bare `asyncio.sleep(interval)` to
// golang.org/x/time/rate's token-bucket limiter, the rate-limiting
// dependency the teacher's own registry/search paths already carry
// (SPEC_FULL.md §2).
package subscription

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arprotocol/arp-go/catalog"
	"github.com/arprotocol/arp-go/model"
	"github.com/arprotocol/arp-go/session"
	"github.com/arprotocol/arp-go/telemetry"
	"github.com/arprotocol/arp-go/wire"
)

// Broadcaster is the subset of the transport server the engine needs.
type Broadcaster interface {
	Broadcast(raw []byte)
}

// activeSource is one currently-running per-source broadcast task, shared
// by every peer subscribed to it.
type activeSource struct {
	cancel   context.CancelFunc
	refCount int
}

// Engine launches and tracks one periodic broadcast task per subscribed
// context source, reference-counted across every peer's subscription. One
// Engine is shared by the whole server, not allocated per peer.
type Engine struct {
	catalog *catalog.Catalog
	peers   Broadcaster
	logger  telemetry.Logger

	mu     sync.Mutex
	active map[string]*activeSource

	now func() time.Time
}

// New constructs an Engine. logger may be nil (a no-op logger is used).
func New(cat *catalog.Catalog, peers Broadcaster, logger telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{catalog: cat, peers: peers, logger: logger, active: make(map[string]*activeSource), now: time.Now}
}

// SubscribeParams is the decoded body of an arp.subscribeContext request.
type SubscribeParams struct {
	Name    string   `json:"name"`
	MaxRate *float64 `json:"maxRate,omitempty"`
}

// Subscribe implements arp.subscribeContext (spec.md §4.6) for peerSession.
// Subscribing a peer that is already subscribed to name is a no-op that
// still returns success. The underlying broadcast task is acquired
// (started, or reference-counted up) independently of any one peer.
func (e *Engine) Subscribe(ctx context.Context, peerSession *session.Session, params SubscribeParams) (map[string]any, bool) {
	source, provider, ok := e.catalog.Context(params.Name)
	if !ok {
		return nil, false
	}

	name := params.Name
	if !peerSession.Subscribe(name, func() { e.release(name) }) {
		return map[string]any{"subscribed": name}, true
	}

	e.acquire(name, source, provider, params.MaxRate)
	return map[string]any{"subscribed": name}, true
}

// Unsubscribe implements arp.unsubscribeContext (spec.md §4.6) for
// peerSession: always returns success, whether or not a subscription
// existed for this peer.
func (e *Engine) Unsubscribe(peerSession *session.Session, name string) map[string]any {
	peerSession.Unsubscribe(name)
	return map[string]any{"unsubscribed": name}
}

// acquire starts name's broadcast task if this is the first subscriber, or
// bumps its reference count if the task is already running.
func (e *Engine) acquire(name string, source model.ContextSource, provider catalog.ContextProvider, maxRate *float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.active[name]; ok {
		existing.refCount++
		return
	}

	rateHz := 1.0
	switch {
	case maxRate != nil && *maxRate > 0:
		rateHz = *maxRate
	case source.UpdateRate != nil && *source.UpdateRate > 0:
		rateHz = *source.UpdateRate
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	e.active[name] = &activeSource{cancel: cancel, refCount: 1}
	go e.run(taskCtx, name, provider, rateHz)
}

// release drops one reference on name's broadcast task, stopping it once
// the last subscriber has gone.
func (e *Engine) release(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.active[name]
	if !ok {
		return
	}
	a.refCount--
	if a.refCount <= 0 {
		a.cancel()
		delete(e.active, name)
	}
}

func (e *Engine) run(ctx context.Context, name string, provider catalog.ContextProvider, rateHz float64) {
	limiter := rate.NewLimiter(rate.Limit(rateHz), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		data, err := provider(ctx)
		if err != nil {
			// Provider exceptions bubble up and terminate the task for this
			// source; the engine does not auto-restart (spec.md §4.6, §9).
			e.logger.Error(ctx, "context provider failed, terminating subscription", "source", name, "error", err)
			return
		}

		update := model.ContextUpdateParams{
			Name:      name,
			Timestamp: e.now().UTC().Format(time.RFC3339Nano),
			Data:      data,
		}
		raw, err := wire.EncodeNotification("arp.contextUpdate", update)
		if err != nil {
			e.logger.Error(ctx, "failed to encode context update", "source", name, "error", err)
			continue
		}
		if e.peers != nil {
			e.peers.Broadcast(raw)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
