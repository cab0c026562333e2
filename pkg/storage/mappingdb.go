// Copyright 2024-2026 Aiku AI

package storage

import (
	"context"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

// Mapping links a club to the address of its group.
type Mapping struct {
	ClubID       string
	GroupAddress string
	UpdatedAt    time.Time
}

// MappingDB is the relational backend for club to group mappings.
type MappingDB struct {
	db *dbutil.Database
}

const createMappingTable = `
CREATE TABLE IF NOT EXISTS club_group_mapping (
	club_id       TEXT    PRIMARY KEY,
	group_address TEXT    NOT NULL,
	updated_at    BIGINT  NOT NULL
)`

// OpenMappingDB opens (creating if needed) a SQLite database at path.
func OpenMappingDB(ctx context.Context, path string) (*MappingDB, error) {
	db, err := dbutil.NewWithDialect(path, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping database: %w", err)
	}
	if _, err := db.Exec(ctx, createMappingTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create mapping table: %w", err)
	}
	return &MappingDB{db: db}, nil
}

// ReplaceAll swaps the whole table contents in one transaction.
func (m *MappingDB) ReplaceAll(ctx context.Context, mappings []Mapping) error {
	return m.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if _, err := m.db.Exec(ctx, "DELETE FROM club_group_mapping"); err != nil {
			return fmt.Errorf("failed to clear mappings: %w", err)
		}
		for _, mp := range mappings {
			updated := mp.UpdatedAt
			if updated.IsZero() {
				updated = time.Now()
			}
			_, err := m.db.Exec(ctx,
				"INSERT INTO club_group_mapping (club_id, group_address, updated_at) VALUES ($1, $2, $3)",
				mp.ClubID, mp.GroupAddress, updated.UnixMilli())
			if err != nil {
				return fmt.Errorf("failed to insert mapping for %s: %w", mp.ClubID, err)
			}
		}
		return nil
	})
}

// GetAll returns every stored mapping ordered by club id.
func (m *MappingDB) GetAll(ctx context.Context) ([]Mapping, error) {
	rows, err := m.db.Query(ctx, "SELECT club_id, group_address, updated_at FROM club_group_mapping ORDER BY club_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()
	var out []Mapping
	for rows.Next() {
		var (
			mp      Mapping
			updated int64
		)
		if err := rows.Scan(&mp.ClubID, &mp.GroupAddress, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mp.UpdatedAt = time.UnixMilli(updated)
		out = append(out, mp)
	}
	return out, rows.Err()
}

func (m *MappingDB) Clear(ctx context.Context) error {
	if _, err := m.db.Exec(ctx, "DELETE FROM club_group_mapping"); err != nil {
		return fmt.Errorf("failed to clear mappings: %w", err)
	}
	return nil
}

func (m *MappingDB) Close() error {
	return m.db.Close()
}
