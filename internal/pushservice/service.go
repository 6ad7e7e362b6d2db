package pushservice

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gwillem/textsecure-go/internal/dispatch"
)

// Service provides high-level access to the message server API. It
// implements dispatch.Transport and dispatch.DeviceFetcher.
type Service struct {
	transport *Transport
	auth      BasicAuth
	logger    *log.Logger
}

// NewService creates a Service against the given API base URL.
func NewService(apiURL string, tlsConf *tls.Config, auth BasicAuth, logger *log.Logger) *Service {
	return &Service{
		transport: NewTransport(apiURL, tlsConf, logger),
		auth:      auth,
		logger:    logger,
	}
}

// Compile-time collaborator checks.
var (
	_ dispatch.Transport     = (*Service)(nil)
	_ dispatch.DeviceFetcher = (*Service)(nil)
)

// SubmitBatch submits one recipient's envelope batch as a single call.
// Conflicts come back as *dispatch.MismatchedDevicesError (409) or
// *dispatch.StaleDevicesError (410).
func (s *Service) SubmitBatch(ctx context.Context, recipient string, envelopes []dispatch.Envelope) error {
	body, err := EncodeBatch(recipient, envelopes)
	if err != nil {
		return err
	}

	respBody, status, err := s.transport.Put(ctx, "/v1/messages/"+recipient, body, &s.auth)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return BatchStatusError(status, respBody)
}

// EncodeBatch marshals an envelope batch into the submission body shared
// by the HTTP and WebSocket paths.
func EncodeBatch(recipient string, envelopes []dispatch.Envelope) ([]byte, error) {
	msgList := outgoingMessageList{
		Destination: recipient,
		Messages:    envelopes,
	}
	if len(envelopes) > 0 {
		msgList.Timestamp = envelopes[0].Timestamp
		msgList.Relay = envelopes[0].Relay
	}
	body, err := json.Marshal(msgList)
	if err != nil {
		return nil, fmt.Errorf("send message: marshal: %w", err)
	}
	return body, nil
}

// BatchStatusError maps a batch submission status to nil (success), a
// tagged conflict error, or an opaque transport error. Shared by the
// HTTP and WebSocket submit paths.
func BatchStatusError(status int, respBody []byte) error {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusConflict: // 409
		var parsed dispatch.MismatchedDevicesError
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return fmt.Errorf("send message: status 409: %s", respBody)
		}
		return &parsed
	case http.StatusGone: // 410
		var parsed dispatch.StaleDevicesError
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return fmt.Errorf("send message: status 410: %s", respBody)
		}
		return &parsed
	default:
		return fmt.Errorf("send message: status %d: %s", status, respBody)
	}
}

// FetchKeys fetches a recipient's identity key and device key material.
// A nil scope fetches every device in one call; a non-nil scope fetches
// each listed device and merges the responses, failing if the server
// reports different identity keys across them.
func (s *Service) FetchKeys(ctx context.Context, recipient string, deviceIDs []int) (*dispatch.DeviceKeys, error) {
	if deviceIDs == nil {
		resp, err := s.getKeys(ctx, recipient, "*")
		if err != nil {
			return nil, err
		}
		return deviceKeysFromResponse(resp)
	}

	merged := &PreKeyResponse{}
	for _, id := range deviceIDs {
		resp, err := s.getKeys(ctx, recipient, fmt.Sprintf("%d", id))
		if err != nil {
			return nil, err
		}
		if merged.IdentityKey == "" {
			merged.IdentityKey = resp.IdentityKey
		} else if merged.IdentityKey != resp.IdentityKey {
			return nil, fmt.Errorf("get keys: inconsistent identity keys across devices of %s", recipient)
		}
		merged.Devices = append(merged.Devices, resp.Devices...)
	}
	return deviceKeysFromResponse(merged)
}

func (s *Service) getKeys(ctx context.Context, recipient, deviceSpec string) (*PreKeyResponse, error) {
	path := fmt.Sprintf("/v2/keys/%s/%s", recipient, deviceSpec)
	body, status, err := s.transport.Get(ctx, path, &s.auth)
	if err != nil {
		return nil, fmt.Errorf("get keys: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get keys: status %d: %s", status, body)
	}

	var result PreKeyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("get keys: unmarshal: %w", err)
	}
	return &result, nil
}

func deviceKeysFromResponse(resp *PreKeyResponse) (*dispatch.DeviceKeys, error) {
	identityKey, err := decodeBase64(resp.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("get keys: decode identity key: %w", err)
	}

	keys := &dispatch.DeviceKeys{IdentityKey: identityKey}
	for _, dev := range resp.Devices {
		fd := dispatch.FetchedDevice{
			DeviceID:       dev.DeviceID,
			RegistrationID: dev.RegistrationID,
			Relay:          dev.Relay,
		}
		if dev.PreKey != nil {
			fd.PreKeyID = dev.PreKey.KeyID
			if fd.PublicKey, err = decodeBase64(dev.PreKey.PublicKey); err != nil {
				return nil, fmt.Errorf("get keys: decode pre-key: %w", err)
			}
		}
		if dev.SignedPreKey != nil {
			fd.SignedPreKeyID = dev.SignedPreKey.KeyID
		}
		keys.Devices = append(keys.Devices, fd)
	}
	return keys, nil
}

// PutAttachment allocates an attachment slot and uploads the encrypted
// blob to the CDN location the server hands back. Returns the attachment
// id for embedding in a pointer.
func (s *Service) PutAttachment(ctx context.Context, data []byte) (uint64, error) {
	body, status, err := s.transport.Get(ctx, "/v1/attachments/", &s.auth)
	if err != nil {
		return 0, fmt.Errorf("put attachment: allocate: %w", err)
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("put attachment: allocate: status %d: %s", status, body)
	}

	var desc AttachmentDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return 0, fmt.Errorf("put attachment: unmarshal descriptor: %w", err)
	}

	status, err = s.transport.PutBinary(ctx, desc.Location, data)
	if err != nil {
		return 0, fmt.Errorf("put attachment: upload: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return 0, fmt.Errorf("put attachment: upload: status %d", status)
	}

	logf(s.logger, "uploaded attachment %d (%d bytes)", desc.ID, len(data))
	return desc.ID, nil
}

// decodeBase64 decodes a base64 string with or without padding.
func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
