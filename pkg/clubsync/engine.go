// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/aiku/clubsync/pkg/storage"
)

// Deps are the collaborators an Engine is built from.
type Deps struct {
	Relays RelayClient
	// Direct is used by the last membership tier. Optional.
	Direct DirectQuerier
	Signer Signer
	// KV persists the membership cache and the outbound queue. Optional.
	KV storage.KV
	// Persistence stores the club mappings. Optional.
	Persistence PersistenceStrategy
}

// Engine is the synchronization bridge between local clubs and relay
// groups. Construct it with NewEngine, then Start it; Stop tears down the
// loops and every subscription and may be followed by another Start.
type Engine struct {
	log    zerolog.Logger
	cfg    *Config
	client RelayClient
	signer Signer
	kv     storage.KV

	Resolver *Resolver
	Mappings *MappingStore
	Bus      *Bus

	seen *lru.Cache[string, struct{}]

	subMu sync.Mutex
	subs  map[string]*GroupSubscription

	queueMu  sync.Mutex
	queue    []QueuedMessage
	draining atomic.Bool
	kick     chan struct{}

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	admin   *http.Server
}

// NewEngine wires an engine. cfg must already be post-processed.
func NewEngine(log zerolog.Logger, cfg *Config, deps Deps) *Engine {
	log = log.With().Str("component", "engine").Logger()
	if deps.Signer == nil {
		deps.Signer = &KeySigner{}
	}
	resolver := NewResolver(log, deps.Relays, deps.Direct, deps.KV, ResolverConfig{
		Relays:        cfg.Relays,
		DirectRelay:   cfg.DirectRelayURL(),
		ListName:      cfg.MembershipListName,
		QueryTimeout:  cfg.QueryTimeout(),
		DirectTimeout: cfg.DirectTimeout(),
	})
	return &Engine{
		log:      log,
		cfg:      cfg,
		client:   deps.Relays,
		signer:   deps.Signer,
		kv:       deps.KV,
		Resolver: resolver,
		Mappings: NewMappingStore(log, deps.Persistence),
		Bus:      NewBus(log),
		seen:     newSeenCache(defaultDedupWindow),
		subs:     make(map[string]*GroupSubscription),
		kick:     make(chan struct{}, 1),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Start restores persisted state, re-subscribes every mapped group and
// launches the queue drain and resync loops. Calling Start on a running
// engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return nil
	}

	if err := e.Resolver.LoadCache(ctx); err != nil {
		e.log.Warn().Err(err).Msg("Starting with an empty membership cache")
	}
	n, err := e.Mappings.LoadAll(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to load club mappings")
	}
	if n > 0 {
		e.resubscribeAll(ctx)
	}
	restored, err := e.loadQueue(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Starting with an empty outbound queue")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.running = true
	e.wg.Add(2)
	go e.queueLoop(loopCtx)
	go e.resyncLoop(loopCtx)

	if e.cfg.AdminAPIAddr != "" {
		e.startAdminAPI(e.cfg.AdminAPIAddr)
	}
	if restored > 0 {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}

	e.log.Info().
		Int("relays", len(e.cfg.Relays)).
		Int("mappings", n).
		Int("queued", restored).
		Dur("queue_interval", e.cfg.QueueInterval()).
		Dur("resync_interval", e.cfg.ResyncInterval()).
		Msg("Engine started")
	return nil
}

// Stop cancels both loops, closes every subscription and pending timer,
// and persists the membership cache and the undelivered messages.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		e.closeAllSubscriptions()
		return
	}
	e.cancel()
	e.wg.Wait()
	e.running = false

	if e.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.admin.Shutdown(shutdownCtx); err != nil {
			e.log.Warn().Err(err).Msg("Admin API shutdown failed")
		}
		cancel()
		e.admin = nil
	}

	e.timerMu.Lock()
	for t := range e.timers {
		t.Stop()
	}
	e.timers = make(map[*time.Timer]struct{})
	e.timerMu.Unlock()

	e.closeAllSubscriptions()
	if err := e.Resolver.SaveCache(context.Background()); err != nil {
		e.log.Warn().Err(err).Msg("Failed to persist membership cache on stop")
	}
	if err := e.saveQueue(context.Background()); err != nil {
		e.log.Warn().Err(err).Msg("Failed to persist outbound queue on stop")
	}
	e.log.Info().Msg("Engine stopped")
}

// Running reports whether the background loops are active.
func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

func (e *Engine) queueLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.QueueInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}
		if e.QueueLen() == 0 || e.draining.Load() {
			continue
		}
		if err := e.ProcessQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn().Err(err).Int("remaining", e.QueueLen()).Msg("Queue drain failed")
		}
	}
}

func (e *Engine) resyncLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ResyncInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SyncGroups(ctx); err != nil {
				e.log.Warn().Err(err).Msg("Periodic resync failed")
			}
		}
	}
}

// after runs fn once delay has elapsed unless the engine stops first.
func (e *Engine) after(delay time.Duration, fn func()) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		e.timerMu.Lock()
		delete(e.timers, t)
		e.timerMu.Unlock()
		fn()
	})
	e.timers[t] = struct{}{}
}

func (e *Engine) currentUser(ctx context.Context) (string, error) {
	pub, err := e.signer.PublicKey(ctx)
	if err != nil {
		return "", err
	}
	if pub == "" {
		return "", ErrUnauthenticated
	}
	return pub, nil
}
