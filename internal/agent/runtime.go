// Package agent wires the cache evictor, session watchdog, and beacon
// sender into one cancellable group of background goroutines. It is the
// minimal in-module collaborator needed to exercise those three actors
// together, §6 — not a public façade: no logging setup, no signal
// handling, no session-builder API.
package agent

import (
	"context"

	clock "github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/openkit-go/openkit/common/log"
	"github.com/openkit-go/openkit/internal/cache"
	"github.com/openkit-go/openkit/internal/config"
	"github.com/openkit-go/openkit/internal/protocol"
	"github.com/openkit-go/openkit/internal/sending"
	"github.com/openkit-go/openkit/internal/session"
)

// Runtime owns the shared BeaconCache, the SessionWatchdog, the
// sending.Context, and the background goroutines driving the evictor,
// watchdog, and sender until Stop cancels them.
type Runtime struct {
	l     log.Logger
	clock clock.Clock

	cache    *cache.BeaconCache
	evictor  *cache.Evictor
	ids      *session.IDProvider
	watchdog *session.Watchdog
	sendCtx  *sending.Context
	sender   *sending.Sender

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a Runtime from loaded Options and an HTTP client, but does
// not start any goroutine — call Start for that.
func New(l log.Logger, clk clock.Clock, httpClient protocol.HTTPClient, opts config.Options) *Runtime {
	c := cache.New(l)
	evictor := cache.NewEvictor(c, clk, l,
		opts.BeaconCacheMaxAgeMs,
		opts.BeaconCacheLowerMemoryBytes,
		opts.BeaconCacheUpperMemoryBytes,
	)

	return &Runtime{
		l:        l,
		clock:    clk,
		cache:    c,
		evictor:  evictor,
		ids:      session.NewIDProvider(),
		watchdog: session.NewWatchdog(l, clk),
		sendCtx:  sending.NewContext(l, clk, httpClient),
	}
}

// Start launches the evictor, watchdog, and sender goroutines under one
// cancellable errgroup.Group. Call Stop to wind them down.
func (r *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(ctx)
	r.cancel = cancel
	r.group = group
	r.sender = sending.NewSender(r.l, r.sendCtx)

	group.Go(func() error {
		r.evictor.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		r.watchdog.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		r.sender.Run(groupCtx)
		return nil
	})
}

// Stop cancels the shared context and blocks until every goroutine Start
// launched has returned.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.group != nil {
		_ = r.group.Wait()
	}
}

// NewSessionProxy builds a session.Proxy bound to this Runtime's cache,
// clock, and id provider, registering every Session it ever creates
// (including ones created by later splits) with the sender's Context so
// it starts getting beacon requests on the next sender pass.
func (r *Runtime) NewSessionProxy(openKit protocol.OpenKitConfiguration, beaconConfig protocol.BeaconConfiguration, clientIP string) *session.Proxy {
	creator := session.NewCreator(r.l, r.clock, r.cache, r.ids, openKit, clientIP)
	creator.SetOnSessionCreated(func(s *session.Session) {
		r.sendCtx.RegisterSession(s)
	})
	return session.NewProxy(r.l, creator, beaconConfig, r.watchdog)
}

// SendingContext exposes the shared sending.Context, e.g. for
// WaitForInit/InitSucceeded checks in tests and embedders.
func (r *Runtime) SendingContext() *sending.Context {
	return r.sendCtx
}

// Cache exposes the shared BeaconCache, mostly useful for tests.
func (r *Runtime) Cache() *cache.BeaconCache {
	return r.cache
}
