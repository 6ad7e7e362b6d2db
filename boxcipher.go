package textsecure

import (
	"context"
	"fmt"

	"github.com/gwillem/textsecure-go/internal/attachcrypto"
	"github.com/gwillem/textsecure-go/internal/dispatch"
	"github.com/gwillem/textsecure-go/internal/keyutil"
	"github.com/gwillem/textsecure-go/internal/store"
)

// Wire message types.
const (
	msgTypeCiphertext   = 1 // established session
	msgTypePreKeyBundle = 3 // first message of a session
)

var messageKeyInfo = []byte("TextSecure Message Keys")

// boxEncryptor is the built-in cipher behind the Encryptor seam. It
// derives per-device message keys from a static agreement between the
// local identity and the device's identity key, and tracks session
// state so the first message to a device is tagged as a key-exchange
// message. A full ratchet engine can be swapped in via WithEncryptor.
type boxEncryptor struct {
	store    *store.Store
	identity *keyutil.IdentityKeyPair
}

func (b *boxEncryptor) EncryptFor(ctx context.Context, device store.DeviceRecord, plaintext []byte) (*dispatch.CiphertextMessage, error) {
	if len(device.IdentityKey) == 0 {
		return nil, fmt.Errorf("box: no identity key for %s.%d", device.Recipient, device.DeviceID)
	}

	shared, err := keyutil.Agree(b.identity.PrivateKey, device.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("box: %w", err)
	}
	keys, err := keyutil.DeriveSecrets(shared, messageKeyInfo, attachcrypto.KeySize)
	if err != nil {
		return nil, fmt.Errorf("box: %w", err)
	}

	body, _, err := attachcrypto.Encrypt(plaintext, keys)
	if err != nil {
		return nil, fmt.Errorf("box: %w", err)
	}

	open, err := b.store.HasOpenSession(device.Recipient, device.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("box: %w", err)
	}
	msgType := msgTypeCiphertext
	if !open {
		msgType = msgTypePreKeyBundle
		rec := &store.SessionRecord{Record: keys, IdentityKey: device.IdentityKey}
		if err := b.store.StoreSession(device.Recipient, device.DeviceID, rec); err != nil {
			return nil, fmt.Errorf("box: %w", err)
		}
	}

	return &dispatch.CiphertextMessage{Type: msgType, Body: body}, nil
}
