package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const verifierSettingsKey = "verifier"

// VerifierSettings loads the persisted verifier configuration. A missing
// row yields the zero value (verifier disabled).
func (s *Store) VerifierSettings(ctx context.Context) (v1.VerifierSettings, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT value FROM settings WHERE key = ?
	`), verifierSettingsKey).Scan(&value)
	if err == sql.ErrNoRows {
		return v1.VerifierSettings{}, nil
	}
	if err != nil {
		return v1.VerifierSettings{}, err
	}

	var settings v1.VerifierSettings
	if err := json.Unmarshal([]byte(value), &settings); err != nil {
		return v1.VerifierSettings{}, err
	}
	return settings, nil
}

// SetVerifierSettings persists the verifier configuration.
func (s *Store) SetVerifierSettings(ctx context.Context, settings v1.VerifierSettings) error {
	value, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), verifierSettingsKey, string(value), time.Now().UTC())
	return err
}

// SeedVerifierSettings writes the startup defaults only when no settings
// row exists yet, so operator edits survive restarts.
func (s *Store) SeedVerifierSettings(ctx context.Context, settings v1.VerifierSettings) error {
	value, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`), verifierSettingsKey, string(value), time.Now().UTC())
	return err
}
