package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arcmq/arcmq/internal/store"
)

const configSchema = `
CREATE TABLE IF NOT EXISTS archive_groups (
	name       TEXT PRIMARY KEY,
	definition JSONB NOT NULL
)`

// ConfigStore persists archive-group definitions as JSON documents keyed
// by group name.
type ConfigStore struct {
	db *DB
}

func NewConfigStore(db *DB) *ConfigStore { return &ConfigStore{db: db} }

func (s *ConfigStore) Migrate(ctx context.Context) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, configSchema); err != nil {
			return fmt.Errorf("failed to create archive_groups table: %w", err)
		}
		return nil
	})
}

func (s *ConfigStore) GetArchiveGroups(ctx context.Context) ([]store.ArchiveGroupDef, error) {
	var out []store.ArchiveGroupDef
	err := s.db.exec(ctx, func(ctx context.Context) error {
		rows, err := s.db.db.QueryxContext(ctx, `SELECT definition FROM archive_groups ORDER BY name`)
		if err != nil {
			return fmt.Errorf("failed to query archive groups: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return fmt.Errorf("failed to scan archive group: %w", err)
			}
			var def store.ArchiveGroupDef
			if err := json.Unmarshal(raw, &def); err != nil {
				return fmt.Errorf("failed to decode archive group: %w", err)
			}
			out = append(out, def)
		}
		return rows.Err()
	})
	return out, err
}

func (s *ConfigStore) GetArchiveGroup(ctx context.Context, name string) (*store.ArchiveGroupDef, error) {
	var def *store.ArchiveGroupDef
	err := s.db.exec(ctx, func(ctx context.Context) error {
		var raw []byte
		err := s.db.db.QueryRowxContext(ctx, `SELECT definition FROM archive_groups WHERE name = $1`, name).Scan(&raw)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive group %s: %w", name, err)
		}
		def = &store.ArchiveGroupDef{}
		if err := json.Unmarshal(raw, def); err != nil {
			return fmt.Errorf("failed to decode archive group %s: %w", name, err)
		}
		return nil
	})
	return def, err
}

func (s *ConfigStore) SaveArchiveGroup(ctx context.Context, def store.ArchiveGroupDef) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode archive group %s: %w", def.Name, err)
	}

	return s.db.exec(ctx, func(ctx context.Context) error {
		_, err := s.db.db.ExecContext(ctx, `
			INSERT INTO archive_groups (name, definition) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET definition = EXCLUDED.definition`, def.Name, raw)
		if err != nil {
			return fmt.Errorf("failed to save archive group %s: %w", def.Name, err)
		}
		return nil
	})
}

func (s *ConfigStore) DeleteArchiveGroup(ctx context.Context, name string) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, `DELETE FROM archive_groups WHERE name = $1`, name); err != nil {
			return fmt.Errorf("failed to delete archive group %s: %w", name, err)
		}
		return nil
	})
}
