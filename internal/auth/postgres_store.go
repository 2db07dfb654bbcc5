package auth

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists devices in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create registers a device. An existing id is left untouched.
func (p *PostgresStore) Create(ctx context.Context, d Device) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, fingerprint_hash, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO NOTHING
	`, d.ID, d.FingerprintHash, d.RegisteredAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeviceExists
	}
	return nil
}

// Get retrieves a device by id
func (p *PostgresStore) Get(ctx context.Context, deviceID string) (*Device, error) {
	d := &Device{}
	err := p.db.QueryRowContext(ctx, `
		SELECT device_id, fingerprint_hash, registered_at
		FROM devices WHERE device_id = $1
	`, deviceID).Scan(&d.ID, &d.FingerprintHash, &d.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}
