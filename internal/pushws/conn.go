package pushws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn wraps a WebSocket connection with binary protobuf framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
// Optional HTTP headers are added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("pushws: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadFrame reads and decodes the next frame from the connection.
func (c *Conn) ReadFrame(ctx context.Context) (*Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("pushws: read: %w", err)
	}
	return UnmarshalFrame(data)
}

// WriteFrame encodes and sends a frame.
func (c *Conn) WriteFrame(ctx context.Context, f *Frame) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, f.Marshal()); err != nil {
		return fmt.Errorf("pushws: write: %w", err)
	}
	return nil
}

// SendResponse sends a response frame, used to ACK server requests.
func (c *Conn) SendResponse(ctx context.Context, id uint64, status uint32, message string) error {
	return c.WriteFrame(ctx, &Frame{
		Type: FrameResponse,
		Response: &Response{
			ID:      id,
			Status:  status,
			Message: message,
		},
	})
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
