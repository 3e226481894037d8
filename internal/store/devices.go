package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/aromalink-core/internal/device"
	"github.com/nerrad567/aromalink-core/internal/infrastructure/database"
)

// DeviceCache keeps the last directory listing of one account.
type DeviceCache struct {
	db      *sql.DB
	account string
}

// NewDeviceCache returns a cache for account's devices.
func NewDeviceCache(db *sql.DB, account string) *DeviceCache {
	return &DeviceCache{db: db, account: account}
}

// SaveDevices replaces the cached listing. Order is preserved.
func (c *DeviceCache) SaveDevices(ctx context.Context, devices []device.Info) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return database.InTx(ctx, c.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE user_id = ?`, c.account); err != nil {
			return fmt.Errorf("clearing device cache: %w", err)
		}
		for i, d := range devices {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO devices (id, user_id, name, device_no, group_name, has_fan, position, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET
				   user_id = excluded.user_id,
				   name = excluded.name,
				   device_no = excluded.device_no,
				   group_name = excluded.group_name,
				   has_fan = excluded.has_fan,
				   position = excluded.position,
				   updated_at = excluded.updated_at`,
				d.ID, c.account, d.Name, d.DeviceNo, d.Group, boolToInt(d.HasFan), i, now,
			)
			if err != nil {
				return fmt.Errorf("caching device %s: %w", d.ID, err)
			}
		}
		return nil
	})
}

// LoadDevices returns the cached listing. Online is always false: the
// cache says nothing about reachability.
func (c *DeviceCache) LoadDevices(ctx context.Context) ([]device.Info, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name, device_no, group_name, has_fan
		 FROM devices WHERE user_id = ? ORDER BY position`, c.account)
	if err != nil {
		return nil, fmt.Errorf("loading device cache: %w", err)
	}
	defer rows.Close()

	var out []device.Info
	for rows.Next() {
		var d device.Info
		var hasFan int
		if err := rows.Scan(&d.ID, &d.Name, &d.DeviceNo, &d.Group, &hasFan); err != nil {
			return nil, fmt.Errorf("scanning cached device: %w", err)
		}
		d.HasFan = hasFan != 0
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device cache: %w", err)
	}
	return out, nil
}
