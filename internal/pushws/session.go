package pushws

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gwillem/textsecure-go/internal/dispatch"
	"github.com/gwillem/textsecure-go/internal/pushservice"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultRequestTimeout    = 30 * time.Second
)

// RequestHandler handles a server-initiated request (such as an
// incoming message push). The returned status and message are sent back
// as the ACK.
type RequestHandler func(req *Request) (status uint32, message string)

// Session multiplexes request/response traffic over a single framed
// WebSocket. Responses are routed back to callers by id; server
// requests go to the handler and are ACKed.
type Session struct {
	conn   *Conn
	logger *log.Logger

	handler           RequestHandler
	keepAliveInterval time.Duration
	requestTimeout    time.Duration

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan *Response

	closed atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithHandler sets the handler for server-initiated requests. Without
// one, server requests are ACKed with 200 and dropped.
func WithHandler(fn RequestHandler) SessionOption {
	return func(s *Session) { s.handler = fn }
}

// WithKeepAliveInterval sets the interval between keep-alive requests.
func WithKeepAliveInterval(d time.Duration) SessionOption {
	return func(s *Session) { s.keepAliveInterval = d }
}

// WithLogger sets the session logger.
func WithLogger(logger *log.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// DialSession dials the socket and starts the reader and keep-alive
// loops. The URL carries the credentials as query parameters.
func DialSession(ctx context.Context, url string, tlsConf *tls.Config, opts ...SessionOption) (*Session, error) {
	s := &Session{
		keepAliveInterval: defaultKeepAliveInterval,
		requestTimeout:    defaultRequestTimeout,
		pending:           make(map[uint64]chan *Response),
		done:              make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	conn, err := Dial(ctx, url, tlsConf)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.readLoop(loopCtx)
	go s.keepAliveLoop(loopCtx)

	return s, nil
}

// SendRequest sends a request frame and waits for the matching
// response.
func (s *Session) SendRequest(ctx context.Context, verb, path string, body []byte) (*Response, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("pushws: session closed")
	}

	id := s.nextID.Add(1)
	ch := make(chan *Response, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	frame := &Frame{
		Type: FrameRequest,
		Request: &Request{
			Verb: verb,
			Path: path,
			Body: body,
			ID:   id,
		},
	}
	if err := s.conn.WriteFrame(ctx, frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("pushws: request %s %s timed out", verb, path)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("pushws: session closed")
	}
}

// SubmitBatch submits one recipient's envelope batch over the socket.
// Status handling matches the HTTP path, so conflicts come back as the
// same tagged error types.
func (s *Session) SubmitBatch(ctx context.Context, recipient string, envelopes []dispatch.Envelope) error {
	body, err := pushservice.EncodeBatch(recipient, envelopes)
	if err != nil {
		return err
	}
	resp, err := s.SendRequest(ctx, "PUT", "/v1/messages/"+recipient, body)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return pushservice.BatchStatusError(int(resp.Status), resp.Body)
}

var _ dispatch.Transport = (*Session)(nil)

// Close stops the loops and closes the connection.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	close(s.done)
	return s.conn.Close()
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		frame, err := s.conn.ReadFrame(ctx)
		if err != nil {
			if !s.closed.Load() {
				s.logf("read loop: %v", err)
			}
			return
		}

		switch frame.Type {
		case FrameResponse:
			if frame.Response == nil {
				continue
			}
			s.mu.Lock()
			ch := s.pending[frame.Response.ID]
			s.mu.Unlock()
			if ch != nil {
				ch <- frame.Response
			}
		case FrameRequest:
			if frame.Request == nil {
				continue
			}
			s.handleRequest(ctx, frame.Request)
		default:
			s.logf("dropping frame of type %d", frame.Type)
		}
	}
}

func (s *Session) handleRequest(ctx context.Context, req *Request) {
	status, message := uint32(200), "OK"
	if s.handler != nil {
		status, message = s.handler(req)
	}
	if err := s.conn.SendResponse(ctx, req.ID, status, message); err != nil {
		s.logf("ack %d: %v", req.ID, err)
	}
}

func (s *Session) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := s.SendRequest(ctx, "GET", "/v1/keepalive", nil)
			if err != nil {
				s.logf("keepalive: %v", err)
				continue
			}
			if resp.Status != http.StatusOK {
				s.logf("keepalive: status %d", resp.Status)
			}
		}
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("pushws: "+format, args...)
	}
}
