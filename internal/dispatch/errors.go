package dispatch

import (
	"encoding/hex"
	"fmt"
)

// MismatchedDevicesError is the transport's 409 conflict: the submitted
// batch named devices the server does not know (Extra) or omitted devices
// it requires (Missing).
type MismatchedDevicesError struct {
	Missing []int `json:"missingDevices"`
	Extra   []int `json:"extraDevices"`
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("dispatch: mismatched devices (missing=%v extra=%v)", e.Missing, e.Extra)
}

// StaleDevicesError is the transport's 410 conflict: the listed devices
// have re-registered and need fresh key exchanges.
type StaleDevicesError struct {
	Stale []int `json:"staleDevices"`
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("dispatch: stale devices %v", e.Stale)
}

// RelayMismatchError reports two devices of one recipient disagreeing on
// their federation relay during a single encryption pass. Submitting such
// a batch would split one logical message across relays, so the recipient
// is aborted before any submission.
type RelayMismatchError struct {
	Recipient string
	DeviceID  int
	Expected  string
	Got       string
}

func (e *RelayMismatchError) Error() string {
	return fmt.Sprintf("dispatch: mismatched relays for %s: device %d has %q, expected %q",
		e.Recipient, e.DeviceID, e.Got, e.Expected)
}

// RetryLimitError reports a second conflict after the single allowed
// reconciliation retry. Terminal for the recipient in this job.
type RetryLimitError struct {
	Recipient string
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("dispatch: hit retry limit reloading device list for %s", e.Recipient)
}

// TrustViolationFailure reports an identity key change detected while
// dispatching. It carries enough state for the application layer to
// persist the failure and resubmit the payload after the user explicitly
// re-trusts the new key; it is never retried automatically.
type TrustViolationFailure struct {
	Recipient   string
	PinnedKey   []byte
	ObservedKey []byte
	Payload     []byte // the plaintext to replay after re-trust
}

func (e *TrustViolationFailure) Error() string {
	return fmt.Sprintf("dispatch: identity key changed for %s (observed %s)",
		e.Recipient, hex.EncodeToString(e.ObservedKey))
}
