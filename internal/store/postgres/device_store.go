package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arcmq/arcmq/internal/store"
)

const deviceSchema = `
CREATE TABLE IF NOT EXISTS device_configs (
	name       TEXT PRIMARY KEY,
	namespace  TEXT NOT NULL UNIQUE,
	node_id    TEXT NOT NULL,
	enabled    BOOLEAN NOT NULL,
	type       TEXT NOT NULL,
	config     JSONB,
	updated_at TIMESTAMPTZ NOT NULL
)`

// DeviceConfigStore persists device-bridge configurations. The UNIQUE
// constraint on namespace backs the cross-device uniqueness rule.
type DeviceConfigStore struct {
	db *DB
}

func NewDeviceConfigStore(db *DB) *DeviceConfigStore { return &DeviceConfigStore{db: db} }

func (s *DeviceConfigStore) Migrate(ctx context.Context) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, deviceSchema); err != nil {
			return fmt.Errorf("failed to create device_configs table: %w", err)
		}
		return nil
	})
}

func (s *DeviceConfigStore) GetDevice(ctx context.Context, name string) (*store.DeviceConfig, error) {
	var device *store.DeviceConfig
	err := s.db.exec(ctx, func(ctx context.Context) error {
		row := s.db.db.QueryRowxContext(ctx, `
			SELECT name, namespace, node_id, enabled, type, config, updated_at
			FROM device_configs WHERE name = $1`, name)
		d, err := scanDevice(row)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		device = &d
		return nil
	})
	return device, err
}

func (s *DeviceConfigStore) GetAllDevices(ctx context.Context) ([]store.DeviceConfig, error) {
	return s.queryDevices(ctx, `
		SELECT name, namespace, node_id, enabled, type, config, updated_at
		FROM device_configs ORDER BY name`)
}

func (s *DeviceConfigStore) GetEnabledDevicesByNode(ctx context.Context, nodeID string) ([]store.DeviceConfig, error) {
	return s.queryDevices(ctx, `
		SELECT name, namespace, node_id, enabled, type, config, updated_at
		FROM device_configs WHERE enabled AND node_id = $1 ORDER BY name`, nodeID)
}

func (s *DeviceConfigStore) queryDevices(ctx context.Context, query string, args ...any) ([]store.DeviceConfig, error) {
	var out []store.DeviceConfig
	err := s.db.exec(ctx, func(ctx context.Context) error {
		rows, err := s.db.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query devices: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			d, err := scanDevice(rows)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

func scanDevice(row rowScanner) (store.DeviceConfig, error) {
	var d store.DeviceConfig
	var configJSON []byte
	var updatedAt time.Time
	err := row.Scan(&d.Name, &d.Namespace, &d.NodeID, &d.Enabled, &d.Type, &configJSON, &updatedAt)
	if err != nil {
		if isNoRows(err) {
			return d, err
		}
		return d, fmt.Errorf("failed to scan device row: %w", err)
	}
	d.UpdatedAt = updatedAt
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &d.Config); err != nil {
			return d, fmt.Errorf("failed to decode device config %s: %w", d.Name, err)
		}
	}
	return d, nil
}

func (s *DeviceConfigStore) SaveDevice(ctx context.Context, device store.DeviceConfig) error {
	configJSON, err := json.Marshal(device.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config of %s: %w", device.Name, err)
	}

	query := `
		INSERT INTO device_configs (name, namespace, node_id, enabled, type, config, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (name) DO UPDATE SET
			namespace = EXCLUDED.namespace,
			node_id = EXCLUDED.node_id,
			enabled = EXCLUDED.enabled,
			type = EXCLUDED.type,
			config = EXCLUDED.config,
			updated_at = NOW()`

	return s.db.exec(ctx, func(ctx context.Context) error {
		_, err := s.db.db.ExecContext(ctx, query,
			device.Name, device.Namespace, device.NodeID, device.Enabled, device.Type, configJSON)
		if err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("namespace %q already owned by another device: %w", device.Namespace, err)
			}
			return fmt.Errorf("failed to save device %s: %w", device.Name, err)
		}
		return nil
	})
}

func (s *DeviceConfigStore) SetDeviceEnabled(ctx context.Context, name string, enabled bool) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		_, err := s.db.db.ExecContext(ctx,
			`UPDATE device_configs SET enabled = $2, updated_at = NOW() WHERE name = $1`, name, enabled)
		if err != nil {
			return fmt.Errorf("failed to toggle device %s: %w", name, err)
		}
		return nil
	})
}

func (s *DeviceConfigStore) DeleteDevice(ctx context.Context, name string) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, `DELETE FROM device_configs WHERE name = $1`, name); err != nil {
			return fmt.Errorf("failed to delete device %s: %w", name, err)
		}
		return nil
	})
}
