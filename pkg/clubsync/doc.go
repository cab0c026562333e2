// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package clubsync keeps local clubs in sync with decentralized groups
// hosted on a set of independent relays.
//
// Relays are unreliable and group references have been written in more
// than one format over time, so nothing here trusts a single signal.
// Membership is answered by OR-ing several redundant checks, mappings are
// persisted twice, and a periodic resync catches whatever the live
// subscriptions missed.
//
// # Core Types
//
// [Engine] owns the per-group subscriptions, the outbound message queue
// and the two background loops (queue drain and resync). It is the only
// entry point collaborators need.
//
// [Resolver] answers "is this user a member of this group" using a cache
// and three fallback tiers: the user's membership list, a flexible
// three-way query across all relays, and a direct single-socket query.
//
// [MappingStore] links local club ids to group identities and persists
// them through a [PersistenceStrategy]. [FallbackStrategy] writes to a
// structured SQL store and a flat key-value store on every change.
//
// [Bus] delivers observed changes to listeners. A panicking listener does
// not prevent delivery to the others.
//
// # Sub-packages
//
//   - groupref parses group identities and holds the reference encoding table.
//   - eventschema validates and builds events.
//   - relaypool talks to relays.
//   - storage provides the key-value and SQL backends.
package clubsync
