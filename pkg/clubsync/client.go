// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/aiku/clubsync/pkg/relaypool"
)

// EventStream is a live subscription.
type EventStream interface {
	Events() <-chan *nostr.Event
	Close()
}

// RelayClient is the fan-out surface the engine and resolver depend on.
type RelayClient interface {
	QueryOne(ctx context.Context, url string, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error)
	QueryMany(ctx context.Context, urls []string, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error)
	Publish(ctx context.Context, urls []string, evt nostr.Event, timeout time.Duration) (int, error)
	Subscribe(ctx context.Context, urls []string, filters nostr.Filters) (EventStream, error)
	CountVisible(ctx context.Context, urls []string, id string, timeout time.Duration) int
}

// DirectQuerier runs one query over a dedicated socket.
type DirectQuerier interface {
	Query(ctx context.Context, url string, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error)
}

var _ DirectQuerier = (*relaypool.Direct)(nil)

type poolClient struct {
	*relaypool.Pool
}

// PoolClient adapts a relay pool to RelayClient.
func PoolClient(p *relaypool.Pool) RelayClient {
	return poolClient{p}
}

func (c poolClient) Subscribe(ctx context.Context, urls []string, filters nostr.Filters) (EventStream, error) {
	sub, err := c.Pool.Subscribe(ctx, urls, filters)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
