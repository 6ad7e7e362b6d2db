// Package textsecure provides a high-level client for multi-device
// message dispatch against a TextSecure-compatible server.
package textsecure

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"

	"github.com/gwillem/textsecure-go/internal/attachcrypto"
	"github.com/gwillem/textsecure-go/internal/dispatch"
	"github.com/gwillem/textsecure-go/internal/keyutil"
	"github.com/gwillem/textsecure-go/internal/pushservice"
	"github.com/gwillem/textsecure-go/internal/pushws"
	"github.com/gwillem/textsecure-go/internal/store"
)

const (
	defaultAPIURL = "https://textsecure-service.whispersystems.org"
	defaultWSURL  = "wss://textsecure-service.whispersystems.org"
)

// Result partitions a send across recipients.
type Result = dispatch.Result

// Failure is one failed recipient in a Result.
type Failure = dispatch.Failure

// TrustViolationFailure is the replayable failure raised when a
// recipient's identity key changed mid-send.
type TrustViolationFailure = dispatch.TrustViolationFailure

// Device is one known recipient device.
type Device = store.DeviceRecord

// AttachmentPointer references an uploaded, encrypted attachment. It
// travels inside a message payload; the recipient fetches and decrypts
// the blob with Key and verifies it against Digest.
type AttachmentPointer struct {
	ID          uint64 `json:"id"`
	Key         []byte `json:"key"`
	Digest      []byte `json:"digest"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

// Client is the main entry point. It owns the local store, the server
// transports, and the dispatcher that fans messages out to recipient
// devices.
type Client struct {
	apiURL    string
	wsURL     string
	tlsConfig *tls.Config
	dbPath    string
	logger    *log.Logger

	aci      string
	deviceID int
	password string

	store      *store.Store
	service    *pushservice.Service
	encryptor  dispatch.Encryptor
	dispatcher *dispatch.Dispatcher
	wsSession  *pushws.Session

	identity *keyutil.IdentityKeyPair
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL overrides the default REST API URL.
func WithAPIURL(url string) Option {
	return func(c *Client) { c.apiURL = url }
}

// WithWSURL overrides the default WebSocket URL.
func WithWSURL(url string) Option {
	return func(c *Client) { c.wsURL = url }
}

// WithTLSConfig overrides the TLS configuration used for connections.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/textsecure-go/textsecure.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCredentials sets the account identity and device credentials used
// to authenticate against the server.
func WithCredentials(aci string, deviceID int, password string) Option {
	return func(c *Client) {
		c.aci = aci
		c.deviceID = deviceID
		c.password = password
	}
}

// WithEncryptor replaces the built-in message cipher with a custom one.
func WithEncryptor(e dispatch.Encryptor) Option {
	return func(c *Client) { c.encryptor = e }
}

// NewClient opens the local store, loads or generates the local
// identity, and wires the dispatcher against the HTTP transport.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		apiURL:   defaultAPIURL,
		wsURL:    defaultWSURL,
		deviceID: 1,
	}
	for _, o := range opts {
		o(c)
	}

	if c.dbPath == "" {
		c.dbPath = filepath.Join(store.DefaultDataDir(), "textsecure.db")
	}
	if err := os.MkdirAll(filepath.Dir(c.dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("client: create data dir: %w", err)
	}

	st, err := store.Open(c.dbPath)
	if err != nil {
		return nil, fmt.Errorf("client: open store: %w", err)
	}
	c.store = st

	if err := c.loadIdentity(); err != nil {
		st.Close()
		return nil, err
	}

	c.service = pushservice.NewService(c.apiURL, c.tlsConfig, c.auth(), c.logger)
	if c.encryptor == nil {
		c.encryptor = &boxEncryptor{store: st, identity: c.identity}
	}
	c.dispatcher = dispatch.New(st, c.service, c.encryptor, c.service, c.logger)
	return c, nil
}

// loadIdentity loads the long-term identity from the store, generating
// and persisting a fresh one on first run.
func (c *Client) loadIdentity() error {
	priv, pub, err := c.store.LocalIdentity()
	if err != nil {
		return fmt.Errorf("client: load identity: %w", err)
	}
	if priv == nil {
		pair, err := keyutil.GenerateIdentityKeyPair()
		if err != nil {
			return fmt.Errorf("client: generate identity: %w", err)
		}
		if err := c.store.SetLocalIdentity(pair.PrivateKey, pair.PublicKey); err != nil {
			return fmt.Errorf("client: save identity: %w", err)
		}
		c.identity = pair
		logf(c.logger, "generated new identity key pair")
		return nil
	}
	c.identity = &keyutil.IdentityKeyPair{PrivateKey: priv, PublicKey: pub}
	return nil
}

// auth returns the BasicAuth credentials for API requests.
func (c *Client) auth() pushservice.BasicAuth {
	return pushservice.BasicAuth{
		Username: fmt.Sprintf("%s.%d", c.aci, c.deviceID),
		Password: c.password,
	}
}

// messagePayload is the plaintext body a text message carries.
type messagePayload struct {
	Body        string              `json:"body,omitempty"`
	Flags       int                 `json:"flags,omitempty"`
	Attachments []AttachmentPointer `json:"attachments,omitempty"`
}

const flagEndSession = 1

// SendTextMessage sends a text body to every listed recipient, fanning
// out to all of each recipient's devices. The result partitions
// recipients into succeeded and failed; a non-empty failed list is not
// an error.
func (c *Client) SendTextMessage(ctx context.Context, body string, recipients ...string) (*Result, error) {
	return c.sendPayload(ctx, messagePayload{Body: body}, recipients...)
}

// SendAttachmentMessage encrypts and uploads the attachment, then sends
// a message carrying its pointer.
func (c *Client) SendAttachmentMessage(ctx context.Context, body string, data []byte, contentType string, recipients ...string) (*Result, error) {
	ptr, err := c.UploadAttachment(ctx, data, contentType)
	if err != nil {
		return nil, err
	}
	payload := messagePayload{Body: body, Attachments: []AttachmentPointer{*ptr}}
	return c.sendPayload(ctx, payload, recipients...)
}

// CloseSession sends an end-session marker to the recipient and wipes
// every local session with them.
func (c *Client) CloseSession(ctx context.Context, recipient string) error {
	res, err := c.sendPayload(ctx, messagePayload{Flags: flagEndSession}, recipient)
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("client: end session: %s", res.Failed[0].Reason)
	}
	if err := c.store.RemoveAllSessions(recipient); err != nil {
		return fmt.Errorf("client: end session: %w", err)
	}
	return nil
}

func (c *Client) sendPayload(ctx context.Context, payload messagePayload, recipients ...string) (*Result, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("client: no recipients")
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("client: marshal payload: %w", err)
	}
	job := dispatch.NewJob(recipients, plaintext)
	return c.dispatcher.Dispatch(ctx, job), nil
}

// UploadAttachment encrypts data with a fresh key and uploads it,
// returning the pointer to embed in a message.
func (c *Client) UploadAttachment(ctx context.Context, data []byte, contentType string) (*AttachmentPointer, error) {
	key, err := attachcrypto.NewKey()
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	blob, digest, err := attachcrypto.Encrypt(data, key)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	id, err := c.service.PutAttachment(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return &AttachmentPointer{
		ID:          id,
		Key:         key,
		Digest:      digest,
		ContentType: contentType,
		Size:        len(data),
	}, nil
}

// Devices lists the known devices of a recipient.
func (c *Client) Devices(recipient string) ([]Device, error) {
	return c.store.Devices(recipient)
}

// ResetIdentity forgets everything known about a recipient: the pinned
// identity key, the device registry, and all sessions. The next send
// starts from a clean fetch.
func (c *Client) ResetIdentity(recipient string) error {
	return c.store.ResetIdentity(recipient)
}

// TrustIdentity pins a new identity key for the recipient, wiping the
// stale device and session state. Used to accept a key change after a
// TrustViolationFailure, typically before replaying its payload.
func (c *Client) TrustIdentity(recipient string, identityKey []byte) error {
	if err := keyutil.ValidatePublicKey(identityKey); err != nil {
		return err
	}
	return c.store.Repin(recipient, identityKey)
}

// SafetyNumber renders the 60-digit numeric fingerprint for the
// conversation with a recipient whose identity key is on record.
func (c *Client) SafetyNumber(recipient string) (string, error) {
	remoteKey, err := c.store.IdentityKey(recipient)
	if err != nil {
		return "", err
	}
	if remoteKey == nil {
		return "", fmt.Errorf("client: no identity on record for %s", recipient)
	}
	fp, err := keyutil.Fingerprint(c.aci, c.identity.PublicKey, recipient, remoteKey)
	if err != nil {
		return "", err
	}
	return keyutil.FormatFingerprint(fp), nil
}

// ConnectWebSocket switches message submission from HTTP to a
// persistent framed WebSocket. Key fetches stay on HTTP.
func (c *Client) ConnectWebSocket(ctx context.Context) error {
	wsURL := fmt.Sprintf("%s/v1/websocket/?login=%s&password=%s",
		c.wsURL,
		url.QueryEscape(fmt.Sprintf("%s.%d", c.aci, c.deviceID)),
		url.QueryEscape(c.password))

	sess, err := pushws.DialSession(ctx, wsURL, c.tlsConfig, pushws.WithLogger(c.logger))
	if err != nil {
		return err
	}
	c.wsSession = sess
	c.dispatcher = dispatch.New(c.store, c.service, c.encryptor, sess, c.logger)
	return nil
}

// Close releases the WebSocket session, if any, and the store.
func (c *Client) Close() error {
	if c.wsSession != nil {
		c.wsSession.Close()
		c.wsSession = nil
	}
	return c.store.Close()
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
