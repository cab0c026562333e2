// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/clubsync/pkg/groupref"
	"github.com/aiku/clubsync/pkg/storage"
)

// GroupMappingsKey is the KV key the flat mapping copy lives under.
const GroupMappingsKey = "clubsync:group_mappings"

// PersistenceStrategy saves and restores the full club to group mapping.
type PersistenceStrategy interface {
	Save(ctx context.Context, mappings map[string]groupref.GroupID) error
	Load(ctx context.Context) (map[string]groupref.GroupID, error)
}

// SQLStrategy persists mappings in the structured mapping database.
type SQLStrategy struct {
	DB *storage.MappingDB
}

func encodeGroup(g groupref.GroupID) string {
	if len(g.Relays) > 0 {
		if naddr, err := g.Naddr(); err == nil {
			return naddr
		}
	}
	return g.Key()
}

func (s *SQLStrategy) Save(ctx context.Context, mappings map[string]groupref.GroupID) error {
	rows := make([]storage.Mapping, 0, len(mappings))
	for club, group := range mappings {
		rows = append(rows, storage.Mapping{ClubID: club, GroupAddress: encodeGroup(group)})
	}
	return s.DB.ReplaceAll(ctx, rows)
}

func (s *SQLStrategy) Load(ctx context.Context) (map[string]groupref.GroupID, error) {
	rows, err := s.DB.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]groupref.GroupID, len(rows))
	for _, row := range rows {
		group, err := groupref.Parse(row.GroupAddress)
		if err != nil {
			return nil, fmt.Errorf("mapping for %s: %w", row.ClubID, err)
		}
		out[row.ClubID] = group
	}
	return out, nil
}

// KVStrategy persists mappings as one JSON document in a KV store.
type KVStrategy struct {
	KV  storage.KV
	Key string
}

func (s *KVStrategy) key() string {
	if s.Key == "" {
		return GroupMappingsKey
	}
	return s.Key
}

func (s *KVStrategy) Save(ctx context.Context, mappings map[string]groupref.GroupID) error {
	data, err := json.Marshal(mappings)
	if err != nil {
		return fmt.Errorf("failed to encode mappings: %w", err)
	}
	return s.KV.Set(ctx, s.key(), data)
}

func (s *KVStrategy) Load(ctx context.Context) (map[string]groupref.GroupID, error) {
	data, err := s.KV.Get(ctx, s.key())
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]groupref.GroupID{}, nil
	} else if err != nil {
		return nil, err
	}
	var out map[string]groupref.GroupID
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode mappings: %w", err)
	}
	return out, nil
}

// FallbackStrategy writes to both stores on every save and loads from the
// primary unless it fails or is empty.
type FallbackStrategy struct {
	Primary   PersistenceStrategy
	Secondary PersistenceStrategy
	Log       zerolog.Logger
}

// Save always writes the secondary, even when the primary fails. It
// returns an error only when neither write succeeded.
func (s *FallbackStrategy) Save(ctx context.Context, mappings map[string]groupref.GroupID) error {
	primaryErr := s.Primary.Save(ctx, mappings)
	if primaryErr != nil {
		s.Log.Warn().Err(primaryErr).Msg("Primary mapping store failed, relying on fallback")
	}
	secondaryErr := s.Secondary.Save(ctx, mappings)
	if secondaryErr != nil {
		s.Log.Warn().Err(secondaryErr).Msg("Fallback mapping store failed")
	}
	if primaryErr != nil && secondaryErr != nil {
		return fmt.Errorf("failed to persist mappings: %w", errors.Join(primaryErr, secondaryErr))
	}
	return nil
}

func (s *FallbackStrategy) Load(ctx context.Context) (map[string]groupref.GroupID, error) {
	mappings, err := s.Primary.Load(ctx)
	if err == nil && len(mappings) > 0 {
		return mappings, nil
	}
	if err != nil {
		s.Log.Warn().Err(err).Msg("Primary mapping store unavailable, loading fallback")
	}
	fallback, ferr := s.Secondary.Load(ctx)
	if ferr != nil {
		if err != nil {
			return nil, fmt.Errorf("failed to load mappings: %w", errors.Join(err, ferr))
		}
		// Primary answered (empty); the fallback failing is not fatal.
		s.Log.Warn().Err(ferr).Msg("Fallback mapping store unavailable")
		return mappings, nil
	}
	return fallback, nil
}

// MappingStore is the club to group mapping. One club maps to one group;
// several clubs may reference the same group.
type MappingStore struct {
	log      zerolog.Logger
	strategy PersistenceStrategy

	mu    sync.RWMutex
	clubs map[string]groupref.GroupID
}

func NewMappingStore(log zerolog.Logger, strategy PersistenceStrategy) *MappingStore {
	return &MappingStore{
		log:      log.With().Str("component", "mapping_store").Logger(),
		strategy: strategy,
		clubs:    make(map[string]groupref.GroupID),
	}
}

// SetMapping records clubID -> group and persists. The in-memory mapping
// is updated even if persistence fails.
func (m *MappingStore) SetMapping(ctx context.Context, clubID string, group groupref.GroupID) error {
	m.mu.Lock()
	m.clubs[clubID] = group
	m.mu.Unlock()
	m.log.Debug().Str("club_id", clubID).Str("group", group.Key()).Msg("Mapping set")
	return m.SaveAll(ctx)
}

func (m *MappingStore) GetGroupFor(clubID string) (groupref.GroupID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.clubs[clubID]
	return g, ok
}

// ClubsFor returns every club mapped to group, sorted.
func (m *MappingStore) ClubsFor(group groupref.GroupID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var clubs []string
	for club, g := range m.clubs {
		if g.Equal(group) {
			clubs = append(clubs, club)
		}
	}
	sort.Strings(clubs)
	return clubs
}

// GetClubFor returns one club mapped to group. When several clubs share
// the group the lexicographically smallest id is returned.
func (m *MappingStore) GetClubFor(group groupref.GroupID) (string, bool) {
	clubs := m.ClubsFor(group)
	if len(clubs) == 0 {
		return "", false
	}
	return clubs[0], true
}

// RemoveMapping deletes clubID and returns the group it pointed at.
func (m *MappingStore) RemoveMapping(ctx context.Context, clubID string) (groupref.GroupID, bool, error) {
	m.mu.Lock()
	g, ok := m.clubs[clubID]
	delete(m.clubs, clubID)
	m.mu.Unlock()
	if !ok {
		return groupref.GroupID{}, false, nil
	}
	m.log.Debug().Str("club_id", clubID).Str("group", g.Key()).Msg("Mapping removed")
	return g, true, m.SaveAll(ctx)
}

// All returns a copy of every mapping.
func (m *MappingStore) All() map[string]groupref.GroupID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]groupref.GroupID, len(m.clubs))
	for k, v := range m.clubs {
		out[k] = v
	}
	return out
}

// Groups returns each mapped group once, ordered by key.
func (m *MappingStore) Groups() []groupref.GroupID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]groupref.GroupID)
	for _, g := range m.clubs {
		if _, ok := seen[g.Key()]; !ok {
			seen[g.Key()] = g
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]groupref.GroupID, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return out
}

func (m *MappingStore) SaveAll(ctx context.Context) error {
	if m.strategy == nil {
		return nil
	}
	return m.strategy.Save(ctx, m.All())
}

// LoadAll replaces the in-memory mapping with the persisted one and
// returns the number of mappings restored.
func (m *MappingStore) LoadAll(ctx context.Context) (int, error) {
	if m.strategy == nil {
		return 0, nil
	}
	mappings, err := m.strategy.Load(ctx)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.clubs = make(map[string]groupref.GroupID, len(mappings))
	for k, v := range mappings {
		m.clubs[k] = v
	}
	m.mu.Unlock()
	m.log.Info().Int("mappings", len(mappings)).Msg("Loaded club mappings")
	return len(mappings), nil
}
