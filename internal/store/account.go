package store

import (
	"database/sql"
	"fmt"
)

// Account keys in the account table.
const (
	accountIdentityPrivate = "identity_private"
	accountIdentityPublic  = "identity_public"
)

// LocalIdentity returns the local identity keypair, or nil slices if none
// has been stored yet.
func (s *Store) LocalIdentity() (private, public []byte, err error) {
	private, err = s.accountValue(accountIdentityPrivate)
	if err != nil {
		return nil, nil, err
	}
	public, err = s.accountValue(accountIdentityPublic)
	if err != nil {
		return nil, nil, err
	}
	return private, public, nil
}

// SetLocalIdentity stores the local identity keypair.
func (s *Store) SetLocalIdentity(private, public []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, kv := range []struct {
		key   string
		value []byte
	}{
		{accountIdentityPrivate, private},
		{accountIdentityPublic, public},
	} {
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
			kv.key, kv.value,
		); err != nil {
			return fmt.Errorf("store: set account %s: %w", kv.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *Store) accountValue(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM account WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: account %s: %w", key, err)
	}
	return value, nil
}
