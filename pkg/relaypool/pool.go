// Copyright 2024-2026 Aiku AI

// Package relaypool fans queries and publishes out over a set of relays.
//
// [Pool] keeps one connection per relay URL and reuses it across calls.
// Every query carries its own timeout and every relay is queried in
// isolation: a relay that fails or stalls contributes nothing but never
// aborts the others. [Direct] opens a throwaway socket to a single relay
// and speaks the REQ/EVENT/EOSE envelopes itself.
package relaypool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

// NetworkError reports a failure talking to one relay.
type NetworkError struct {
	Relay string
	Op    string
	Err   error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Relay, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

var (
	ErrNoRelays     = errors.New("no relays configured")
	ErrNoneAccepted = errors.New("no relay accepted the event")
)

const defaultConnectTimeout = 7 * time.Second

// Pool is the fan-out client. It is safe for concurrent use.
type Pool struct {
	log            zerolog.Logger
	connectTimeout time.Duration

	mu     sync.Mutex
	relays map[string]*nostr.Relay
	closed bool
}

// NewPool creates an empty pool. Connections are opened lazily.
func NewPool(log zerolog.Logger) *Pool {
	return &Pool{
		log:            log.With().Str("component", "relay_pool").Logger(),
		connectTimeout: defaultConnectTimeout,
		relays:         make(map[string]*nostr.Relay),
	}
}

func normalizeURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}

// ensureRelay returns the cached connection for url, reconnecting it when
// the previous one dropped.
func (p *Pool) ensureRelay(ctx context.Context, url string) (*nostr.Relay, error) {
	url = normalizeURL(url)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &NetworkError{Relay: url, Op: "connect", Err: errors.New("pool closed")}
	}
	rl, ok := p.relays[url]
	p.mu.Unlock()
	if ok && rl.IsConnected() {
		return rl, nil
	}

	cctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	newRelay, err := nostr.RelayConnect(cctx, url)
	if err != nil {
		return nil, &NetworkError{Relay: url, Op: "connect", Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.relays[url]; ok && existing != rl && existing.IsConnected() {
		// Another caller reconnected first; keep theirs.
		_ = newRelay.Close()
		return existing, nil
	}
	if stale, ok := p.relays[url]; ok && stale != nil {
		_ = stale.Close()
	}
	p.relays[url] = newRelay
	p.log.Debug().Str("relay", url).Bool("reconnect", ok).Msg("Connected to relay")
	return newRelay, nil
}

// QueryOne runs filter against a single relay. Events collected before the
// timeout are returned even when the relay never signals end of stored
// events.
func (p *Pool) QueryOne(ctx context.Context, url string, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rl, err := p.ensureRelay(qctx, url)
	if err != nil {
		return nil, err
	}
	sub, err := rl.Subscribe(qctx, nostr.Filters{filter})
	if err != nil {
		return nil, &NetworkError{Relay: url, Op: "subscribe", Err: err}
	}
	defer sub.Unsub()

	var events []*nostr.Event
	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return events, nil
			}
			events = append(events, evt)
		case <-sub.EndOfStoredEvents:
			return drain(sub.Events, events), nil
		case <-qctx.Done():
			if len(events) == 0 && ctx.Err() == nil {
				p.log.Debug().Str("relay", url).Dur("timeout", timeout).Msg("Relay query timed out without events")
			}
			return events, nil
		}
	}
}

// drain picks up events already buffered when EOSE arrived.
func drain(ch chan *nostr.Event, events []*nostr.Event) []*nostr.Event {
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, evt)
		default:
			return events
		}
	}
}

// QueryMany queries every relay concurrently and returns the union of the
// results, deduplicated by event id. An error is returned only when every
// relay failed.
func (p *Pool) QueryMany(ctx context.Context, urls []string, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error) {
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}
	type result struct {
		url    string
		events []*nostr.Event
		err    error
	}
	results := make(chan result, len(urls))
	for _, url := range urls {
		go func(url string) {
			events, err := p.QueryOne(ctx, url, filter, timeout)
			results <- result{url: url, events: events, err: err}
		}(url)
	}

	seen := make(map[string]struct{})
	var (
		events []*nostr.Event
		errs   []error
	)
	for range urls {
		res := <-results
		if res.err != nil {
			p.log.Warn().Err(res.err).Str("relay", res.url).Msg("Relay query failed")
			errs = append(errs, res.err)
			continue
		}
		for _, evt := range res.events {
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			seen[evt.ID] = struct{}{}
			events = append(events, evt)
		}
	}
	if len(errs) == len(urls) {
		return nil, errors.Join(errs...)
	}
	return events, nil
}

// Publish sends evt to every relay and reports how many accepted it. It
// fails only when none did.
func (p *Pool) Publish(ctx context.Context, urls []string, evt nostr.Event, timeout time.Duration) (int, error) {
	if len(urls) == 0 {
		return 0, ErrNoRelays
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		errs     []error
	)
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			rl, err := p.ensureRelay(pctx, url)
			if err == nil {
				if perr := rl.Publish(pctx, evt); perr != nil {
					err = &NetworkError{Relay: url, Op: "publish", Err: perr}
				}
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.log.Warn().Err(err).Str("relay", url).Str("event_id", evt.ID).Msg("Publish to relay failed")
				errs = append(errs, err)
				return
			}
			accepted++
		}(url)
	}
	wg.Wait()

	if accepted == 0 {
		return 0, fmt.Errorf("%w: %w", ErrNoneAccepted, errors.Join(errs...))
	}
	p.log.Debug().
		Str("event_id", evt.ID).
		Int("accepted", accepted).
		Int("relays", len(urls)).
		Msg("Published event")
	return accepted, nil
}

// CountVisible reports on how many relays the event with id can be read
// back.
func (p *Pool) CountVisible(ctx context.Context, urls []string, id string, timeout time.Duration) int {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	filter := nostr.Filter{IDs: []string{id}, Limit: 1}
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			events, err := p.QueryOne(ctx, url, filter, timeout)
			if err != nil || len(events) == 0 {
				return
			}
			mu.Lock()
			count++
			mu.Unlock()
		}(url)
	}
	wg.Wait()
	return count
}

// Close drops every cached connection. The pool cannot be reused.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for url, rl := range p.relays {
		if err := rl.Close(); err != nil {
			p.log.Debug().Err(err).Str("relay", url).Msg("Error closing relay")
		}
	}
	p.relays = make(map[string]*nostr.Relay)
}
