package store

import (
	"context"
	"database/sql"
	"fmt"
)

// KeyStore is a sqlite-backed schemaverify.KeyStore: pinned provider public
// keys survive process restarts, so a TOFU pin made on one run is honored by
// the next.
type KeyStore struct {
	db  *sql.DB
	ctx context.Context
}

// NewKeyStore opens or creates the pinned-key schema on db.
func NewKeyStore(db *sql.DB) (*KeyStore, error) {
	s := &KeyStore{db: db, ctx: context.Background()}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pinned_keys (
			provider TEXT PRIMARY KEY,
			pem BLOB NOT NULL,
			fingerprint TEXT NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("store: create pinned_keys table: %w", err)
	}
	return s, nil
}

// Lookup implements schemaverify.KeyStore.
func (s *KeyStore) Lookup(provider string) ([]byte, string, bool) {
	var pem []byte
	var fingerprint string
	row := s.db.QueryRowContext(s.ctx, `SELECT pem, fingerprint FROM pinned_keys WHERE provider = ?`, provider)
	if err := row.Scan(&pem, &fingerprint); err != nil {
		return nil, "", false
	}
	return pem, fingerprint, true
}

// Pin implements schemaverify.KeyStore.
func (s *KeyStore) Pin(provider string, pemKey []byte, fingerprint string) error {
	_, err := s.db.ExecContext(s.ctx, `
		INSERT INTO pinned_keys (provider, pem, fingerprint) VALUES (?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET pem = excluded.pem, fingerprint = excluded.fingerprint
	`, provider, pemKey, fingerprint)
	if err != nil {
		return fmt.Errorf("store: pin key for %s: %w", provider, err)
	}
	return nil
}
