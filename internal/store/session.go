package store

import (
	"database/sql"
	"fmt"
)

// SessionRecord holds the opaque ratchet state for one
// (recipient, device) pair plus a copy of the identity key the session
// was established under. The record bytes are owned by the ratchet
// engine and never inspected here.
type SessionRecord struct {
	Record      []byte
	IdentityKey []byte
}

// LoadSession loads the session record for a recipient device.
// Returns nil, nil if no session exists.
func (s *Store) LoadSession(recipient string, deviceID int) (*SessionRecord, error) {
	rec := &SessionRecord{}
	err := s.db.QueryRow(
		"SELECT record, identity_key FROM session WHERE recipient = ? AND device_id = ?",
		recipient, deviceID,
	).Scan(&rec.Record, &rec.IdentityKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session: %w", err)
	}
	return rec, nil
}

// StoreSession persists a session record, but only if its identity key
// passes the trust check for the recipient. A rejected save returns
// *TrustViolationError and leaves any previous record byte-for-byte
// untouched.
func (s *Store) StoreSession(recipient string, deviceID int, rec *SessionRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkIdentityTx(tx, recipient, rec.IdentityKey); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO session (recipient, device_id, record, identity_key)
		 VALUES (?, ?, ?, ?)`,
		recipient, deviceID, rec.Record, rec.IdentityKey,
	); err != nil {
		return fmt.Errorf("store: store session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// HasOpenSession reports whether a session record exists for the device.
func (s *Store) HasOpenSession(recipient string, deviceID int) (bool, error) {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM session WHERE recipient = ? AND device_id = ?",
		recipient, deviceID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has session: %w", err)
	}
	return true, nil
}

// ArchiveSession deletes the session record for one device, forcing the
// next encrypt attempt to run a fresh key exchange.
func (s *Store) ArchiveSession(recipient string, deviceID int) error {
	_, err := s.db.Exec(
		"DELETE FROM session WHERE recipient = ? AND device_id = ?",
		recipient, deviceID,
	)
	if err != nil {
		return fmt.Errorf("store: archive session: %w", err)
	}
	return nil
}

// RemoveAllSessions deletes every session for a recipient. Used when the
// identity key is explicitly reset or an end-session message is sent.
func (s *Store) RemoveAllSessions(recipient string) error {
	_, err := s.db.Exec("DELETE FROM session WHERE recipient = ?", recipient)
	if err != nil {
		return fmt.Errorf("store: remove sessions: %w", err)
	}
	return nil
}
