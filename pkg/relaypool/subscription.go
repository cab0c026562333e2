// Copyright 2024-2026 Aiku AI

package relaypool

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Subscription merges a live REQ held open on several relays into one
// event stream. Events are not deduplicated here; the same event usually
// arrives once per relay.
type Subscription struct {
	events chan *nostr.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Events returns the merged stream. It is closed after Close.
func (s *Subscription) Events() <-chan *nostr.Event {
	return s.events
}

// Close ends the subscription on every relay and waits for the forwarders
// to exit.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

// Subscribe opens filters on every reachable relay in parallel. Relays
// that cannot be reached are logged and skipped; the call fails only when
// none could be subscribed.
func (p *Pool) Subscribe(ctx context.Context, urls []string, filters nostr.Filters) (*Subscription, error) {
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		events: make(chan *nostr.Event, 64),
		cancel: cancel,
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		opened  int
		lastErr error
	)
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			rl, err := p.ensureRelay(sctx, url)
			if err != nil {
				p.log.Warn().Err(err).Str("relay", url).Msg("Skipping relay for subscription")
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			sub, err := rl.Subscribe(sctx, filters)
			if err != nil {
				p.log.Warn().Err(err).Str("relay", url).Msg("Failed to open subscription")
				mu.Lock()
				lastErr = &NetworkError{Relay: url, Op: "subscribe", Err: err}
				mu.Unlock()
				return
			}
			mu.Lock()
			opened++
			mu.Unlock()
			s.wg.Add(1)
			go s.forward(sctx, sub)
		}(url)
	}
	wg.Wait()
	if opened == 0 {
		cancel()
		return nil, lastErr
	}
	return s, nil
}

func (s *Subscription) forward(ctx context.Context, sub *nostr.Subscription) {
	defer s.wg.Done()
	defer sub.Unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			select {
			case s.events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}
