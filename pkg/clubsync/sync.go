// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"context"

	"github.com/aiku/clubsync/pkg/eventschema"
)

// SyncReport summarizes one resync pass.
type SyncReport struct {
	Groups int `json:"groups"`
	Events int `json:"events"`
	Failed int `json:"failed"`
}

// SyncGroups fetches the most recent messages of every mapped group and
// emits one sync_message notification per event found, for each club
// mapped to the group. It catches up on whatever the live subscriptions
// missed. A group whose query fails is skipped.
func (e *Engine) SyncGroups(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	for _, group := range e.Mappings.Groups() {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Groups++
		filter := referenceFilter(group, eventschema.KindGroupMessage)
		filter.Limit = e.cfg.SyncLimit
		events, err := e.client.QueryMany(ctx, e.cfg.Relays, filter, e.cfg.QueryTimeout())
		if err != nil {
			report.Failed++
			e.log.Warn().Err(err).Str("group", group.Key()).Msg("Resync query failed")
			continue
		}
		sortByCreatedAt(events)
		clubs := e.Mappings.ClubsFor(group)
		for _, evt := range events {
			if !belongsTo(group, evt) {
				continue
			}
			e.seen.Add(evt.ID, struct{}{})
			report.Events++
			for _, club := range clubs {
				e.Bus.Notify(Notification{Type: NotifySyncMessage, ClubID: club, Group: group, Event: evt})
			}
		}
	}
	e.log.Debug().
		Int("groups", report.Groups).
		Int("events", report.Events).
		Int("failed", report.Failed).
		Msg("Resync finished")
	return report, nil
}
