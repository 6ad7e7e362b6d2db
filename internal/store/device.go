package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"
)

// DeviceRecord identifies one registered device of one recipient.
// All records sharing a recipient must carry the identical identity key.
type DeviceRecord struct {
	Recipient      string
	DeviceID       int
	IdentityKey    []byte
	RegistrationID int
	Relay          string // empty means directly reachable, no federation hop
}

// Devices returns the known device records for a recipient, ordered by
// device id. An unknown recipient yields an empty slice, not an error.
func (s *Store) Devices(recipient string) ([]DeviceRecord, error) {
	rows, err := s.db.Query(
		`SELECT device_id, identity_key, registration_id, relay
		 FROM recipient_device WHERE recipient = ? ORDER BY device_id`,
		recipient,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get devices: %w", err)
	}
	defer rows.Close()

	var devices []DeviceRecord
	for rows.Next() {
		rec := DeviceRecord{Recipient: recipient}
		if err := rows.Scan(&rec.DeviceID, &rec.IdentityKey, &rec.RegistrationID, &rec.Relay); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		devices = append(devices, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate devices: %w", err)
	}
	return devices, nil
}

// ReplaceDevices atomically replaces the device set for a recipient.
// Either all records are replaced or none are. The records must agree on
// one identity key, and that key must pass the trust check against the
// pinned identity; a first observation pins it.
func (s *Store) ReplaceDevices(recipient string, devices []DeviceRecord) error {
	if len(devices) == 0 {
		return fmt.Errorf("store: replace devices: empty device list for %s", recipient)
	}
	identityKey := devices[0].IdentityKey
	for _, d := range devices[1:] {
		if !bytes.Equal(d.IdentityKey, identityKey) {
			return fmt.Errorf("store: replace devices: mixed identity keys for %s", recipient)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkIdentityTx(tx, recipient, identityKey); err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM recipient_device WHERE recipient = ?", recipient); err != nil {
		return fmt.Errorf("store: delete devices: %w", err)
	}

	now := time.Now().Unix()
	stmt, err := tx.Prepare(
		`INSERT INTO recipient_device
		 (recipient, device_id, identity_key, registration_id, relay, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, d := range devices {
		if _, err := stmt.Exec(recipient, d.DeviceID, d.IdentityKey, d.RegistrationID, d.Relay, now); err != nil {
			return fmt.Errorf("store: insert device %d: %w", d.DeviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// RemoveDevices removes the named device ids for a recipient and their
// session records, returning how many devices were removed. Asking to
// remove an id that is not present fails the whole operation with
// *UnknownDeviceError and leaves the registry unchanged.
func (s *Store) RemoveDevices(recipient string, deviceIDs []int) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	removed := 0
	for _, id := range deviceIDs {
		res, err := tx.Exec(
			"DELETE FROM recipient_device WHERE recipient = ? AND device_id = ?",
			recipient, id,
		)
		if err != nil {
			return 0, fmt.Errorf("store: remove device %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("store: rows affected: %w", err)
		}
		if n == 0 {
			return 0, &UnknownDeviceError{Recipient: recipient, DeviceID: id}
		}
		removed += int(n)

		// A device no longer registered has no session either.
		if _, err := tx.Exec(
			"DELETE FROM session WHERE recipient = ? AND device_id = ?",
			recipient, id,
		); err != nil {
			return 0, fmt.Errorf("store: remove session %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return removed, nil
}

// IdentityKey returns the pinned identity key for a recipient, or nil if
// none has been observed yet.
func (s *Store) IdentityKey(recipient string) ([]byte, error) {
	var key []byte
	err := s.db.QueryRow(
		"SELECT public_key FROM identity WHERE recipient = ?", recipient,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get identity key: %w", err)
	}
	return key, nil
}
