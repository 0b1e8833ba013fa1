package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Keys used for preferences in the settings table.
const (
	KeyPreset     = "pref.preset"
	KeyDevice     = "pref.device"
	KeyAutoAdjust = "pref.auto_adjust"
)

// Preferences are the user choices restored on the next start.
type Preferences struct {
	PresetLabel string `json:"preset"`
	DeviceID    string `json:"device_id"`
	AutoAdjust  bool   `json:"auto_adjust"`
}

// PreferenceRepository reads and writes Preferences.
type PreferenceRepository struct {
	db *sql.DB
}

// Preferences returns the preference repository for this store.
func (s *Store) Preferences() *PreferenceRepository {
	return &PreferenceRepository{db: s.db}
}

// Get returns the saved preferences. found is false when nothing was saved
// yet.
func (r *PreferenceRepository) Get() (p Preferences, found bool, err error) {
	rows, err := r.db.Query(
		`SELECT key, value FROM settings WHERE key IN (?, ?, ?)`,
		KeyPreset, KeyDevice, KeyAutoAdjust,
	)
	if err != nil {
		return p, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return p, false, err
		}
		found = true
		switch k {
		case KeyPreset:
			p.PresetLabel = v
		case KeyDevice:
			p.DeviceID = v
		case KeyAutoAdjust:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return p, false, fmt.Errorf("invalid %s value %q: %w", KeyAutoAdjust, v, err)
			}
			p.AutoAdjust = b
		}
	}
	return p, found, rows.Err()
}

// Save writes all preferences in one transaction.
func (r *PreferenceRepository) Save(p Preferences) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	values := [][2]string{
		{KeyPreset, p.PresetLabel},
		{KeyDevice, p.DeviceID},
		{KeyAutoAdjust, strconv.FormatBool(p.AutoAdjust)},
	}
	for _, kv := range values {
		if _, err := tx.Exec(
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			kv[0], kv[1], now,
		); err != nil {
			return fmt.Errorf("save %s: %w", kv[0], err)
		}
	}
	return tx.Commit()
}

// Clear removes all saved preferences.
func (r *PreferenceRepository) Clear() error {
	_, err := r.db.Exec(`DELETE FROM settings WHERE key IN (?, ?, ?)`, KeyPreset, KeyDevice, KeyAutoAdjust)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return nil
}
