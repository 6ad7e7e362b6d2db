package dispatch

import (
	"context"

	"github.com/gwillem/textsecure-go/internal/store"
)

// DataStore is the slice of the persistence layer the dispatcher needs:
// the device registry, the identity trust guard, and session archival.
// *store.Store satisfies it; tests substitute doubles.
type DataStore interface {
	Devices(recipient string) ([]store.DeviceRecord, error)
	ReplaceDevices(recipient string, devices []store.DeviceRecord) error
	RemoveDevices(recipient string, deviceIDs []int) (int, error)
	IdentityKey(recipient string) ([]byte, error)
	CheckIdentity(recipient string, identityKey []byte) error
	ArchiveSession(recipient string, deviceID int) error
}

// DeviceKeys is the server's answer to a device key fetch: the
// recipient's identity key and the key material for each device in
// scope.
type DeviceKeys struct {
	IdentityKey []byte
	Devices     []FetchedDevice
}

// FetchedDevice is the per-device part of a key fetch response.
type FetchedDevice struct {
	DeviceID       int
	PublicKey      []byte
	PreKeyID       int
	SignedPreKeyID int
	RegistrationID int
	Relay          string
}

// DeviceFetcher queries the server for a recipient's current device list
// and identity key. A nil deviceIDs scope means all devices; a non-nil
// scope limits the fetch to the listed ids.
type DeviceFetcher interface {
	FetchKeys(ctx context.Context, recipient string, deviceIDs []int) (*DeviceKeys, error)
}

// CiphertextMessage is one encrypted payload plus its ratchet message
// type tag, as produced by the ratchet engine.
type CiphertextMessage struct {
	Type int
	Body []byte
}

// Encryptor turns a device record and a plaintext into ciphertext,
// advancing the underlying ratchet as a side effect. Implemented by the
// ratchet engine; opaque to this package.
type Encryptor interface {
	EncryptFor(ctx context.Context, device store.DeviceRecord, plaintext []byte) (*CiphertextMessage, error)
}

// Envelope is one per-device ciphertext with its routing metadata, ready
// for batch submission.
type Envelope struct {
	Type                      int    `json:"type"`
	DestinationDeviceID       int    `json:"destinationDeviceId"`
	DestinationRegistrationID int    `json:"destinationRegistrationId"`
	Body                      []byte `json:"body"`
	Timestamp                 int64  `json:"timestamp"`
	Relay                     string `json:"relay,omitempty"`
}

// Transport submits one recipient's full envelope batch as a single
// atomic call. Conflict responses surface as *MismatchedDevicesError
// (409) or *StaleDevicesError (410); any other error is opaque and is
// not retried here.
type Transport interface {
	SubmitBatch(ctx context.Context, recipient string, envelopes []Envelope) error
}
