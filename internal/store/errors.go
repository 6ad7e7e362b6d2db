package store

import (
	"encoding/hex"
	"fmt"
)

// UnknownDeviceError is returned when a caller asks to remove or reference
// a device id that is not present for the recipient. A mismatch between
// what the caller believes exists and what is stored is an accounting bug
// somewhere, so it is always surfaced and never swallowed.
type UnknownDeviceError struct {
	Recipient string
	DeviceID  int
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("store: unknown device %d for %s", e.DeviceID, e.Recipient)
}

// TrustViolationError signals that an observed identity key for a
// recipient differs from the pinned one. The pinned key is never mutated
// on a violation; re-pinning requires an explicit Repin call after
// out-of-band verification.
type TrustViolationError struct {
	Recipient   string
	ObservedKey []byte
}

func (e *TrustViolationError) Error() string {
	return fmt.Sprintf("store: identity key changed for %s (observed %s)",
		e.Recipient, hex.EncodeToString(e.ObservedKey))
}
