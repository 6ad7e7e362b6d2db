package store

import (
	"bytes"
	"database/sql"
	"fmt"
)

// CheckIdentity enforces trust-on-first-use for a recipient's identity
// key. The first observed key is pinned and accepted; later observations
// must match it bytewise. On a mismatch the pinned key is left untouched
// and a *TrustViolationError is returned.
func (s *Store) CheckIdentity(recipient string, identityKey []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkIdentityTx(tx, recipient, identityKey); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// checkIdentityTx runs the TOFU check inside an existing transaction so
// that callers mutating device or session state observe the pin and their
// write atomically.
func checkIdentityTx(tx *sql.Tx, recipient string, identityKey []byte) error {
	if len(identityKey) == 0 {
		return fmt.Errorf("store: empty identity key for %s", recipient)
	}

	var pinned []byte
	err := tx.QueryRow(
		"SELECT public_key FROM identity WHERE recipient = ?", recipient,
	).Scan(&pinned)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(
			"INSERT INTO identity (recipient, public_key) VALUES (?, ?)",
			recipient, identityKey,
		); err != nil {
			return fmt.Errorf("store: pin identity: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("store: load pinned identity: %w", err)
	}

	if !bytes.Equal(pinned, identityKey) {
		return &TrustViolationError{Recipient: recipient, ObservedKey: identityKey}
	}
	return nil
}

// Repin replaces the pinned identity key for a recipient after explicit
// out-of-band verification, wiping the now-untrusted device records and
// sessions in the same transaction. Never called by the dispatcher.
func (s *Store) Repin(recipient string, identityKey []byte) error {
	if len(identityKey) == 0 {
		return fmt.Errorf("store: empty identity key for %s", recipient)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM identity WHERE recipient = ?",
		"DELETE FROM recipient_device WHERE recipient = ?",
		"DELETE FROM session WHERE recipient = ?",
	} {
		if _, err := tx.Exec(q, recipient); err != nil {
			return fmt.Errorf("store: repin: %w", err)
		}
	}
	if _, err := tx.Exec(
		"INSERT INTO identity (recipient, public_key) VALUES (?, ?)",
		recipient, identityKey,
	); err != nil {
		return fmt.Errorf("store: repin: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// ResetIdentity deletes the pinned key, the device set, and all sessions
// for a recipient. Used when the user explicitly resets trust.
func (s *Store) ResetIdentity(recipient string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM identity WHERE recipient = ?",
		"DELETE FROM recipient_device WHERE recipient = ?",
		"DELETE FROM session WHERE recipient = ?",
	} {
		if _, err := tx.Exec(q, recipient); err != nil {
			return fmt.Errorf("store: reset identity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
