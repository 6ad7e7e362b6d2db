package pushservice

import "github.com/gwillem/textsecure-go/internal/dispatch"

// outgoingMessageList is the JSON body for PUT /v1/messages/{destination}.
// The top-level relay mirrors the per-envelope relay; the server routes
// the whole batch through it.
type outgoingMessageList struct {
	Destination string              `json:"destination"`
	Timestamp   int64               `json:"timestamp"`
	Messages    []dispatch.Envelope `json:"messages"`
	Relay       string              `json:"relay,omitempty"`
}

// PreKeyResponse is the JSON response from GET /v2/keys/{destination}/{device}.
type PreKeyResponse struct {
	IdentityKey string             `json:"identityKey"` // base64
	Devices     []PreKeyDeviceInfo `json:"devices"`
}

// PreKeyDeviceInfo contains key material for a single device.
type PreKeyDeviceInfo struct {
	DeviceID       int                 `json:"deviceId"`
	RegistrationID int                 `json:"registrationId"`
	PreKey         *PreKeyEntity       `json:"preKey,omitempty"`
	SignedPreKey   *SignedPreKeyEntity `json:"signedPreKey,omitempty"`
	Relay          string              `json:"relay,omitempty"`
}

// PreKeyEntity is the JSON representation of a one-time pre-key.
type PreKeyEntity struct {
	KeyID     int    `json:"keyId"`
	PublicKey string `json:"publicKey"` // base64
}

// SignedPreKeyEntity is the JSON representation of a signed pre-key.
type SignedPreKeyEntity struct {
	KeyID     int    `json:"keyId"`
	PublicKey string `json:"publicKey"` // base64
	Signature string `json:"signature"` // base64
}

// AttachmentDescriptor is the JSON response from GET /v1/attachments/:
// an allocated attachment id and the CDN location to upload to.
type AttachmentDescriptor struct {
	ID       uint64 `json:"id"`
	Location string `json:"location"`
}
