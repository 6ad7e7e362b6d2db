// Package pushws provides protobuf-framed WebSocket communication with
// the message server. Requests and responses are multiplexed over a
// single connection and correlated by id.
package pushws

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FrameType discriminates the two payloads a frame can carry.
type FrameType int32

const (
	FrameUnknown  FrameType = 0
	FrameRequest  FrameType = 1
	FrameResponse FrameType = 2
)

// Frame is the top-level message exchanged on the socket. Exactly one
// of Request or Response is set, per Type.
type Frame struct {
	Type     FrameType
	Request  *Request
	Response *Response
}

// Request is a server-bound or client-bound HTTP-like request carried
// over the socket.
type Request struct {
	Verb string
	Path string
	Body []byte
	ID   uint64
}

// Response answers a Request with the same ID.
type Response struct {
	ID      uint64
	Status  uint32
	Message string
	Body    []byte
}

// Field numbers from the WebSocketMessage wire schema.
const (
	frameFieldType     = 1
	frameFieldRequest  = 2
	frameFieldResponse = 3

	reqFieldVerb = 1
	reqFieldPath = 2
	reqFieldBody = 3
	reqFieldID   = 4

	respFieldID      = 1
	respFieldStatus  = 2
	respFieldMessage = 3
	respFieldBody    = 4
)

// Marshal encodes the frame into protobuf wire format.
func (f *Frame) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, frameFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	if f.Request != nil {
		b = protowire.AppendTag(b, frameFieldRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Request.marshal())
	}
	if f.Response != nil {
		b = protowire.AppendTag(b, frameFieldResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Response.marshal())
	}
	return b
}

func (r *Request) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, reqFieldVerb, protowire.BytesType)
	b = protowire.AppendString(b, r.Verb)
	b = protowire.AppendTag(b, reqFieldPath, protowire.BytesType)
	b = protowire.AppendString(b, r.Path)
	if r.Body != nil {
		b = protowire.AppendTag(b, reqFieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Body)
	}
	b = protowire.AppendTag(b, reqFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ID)
	return b
}

func (r *Response) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, respFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ID)
	b = protowire.AppendTag(b, respFieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Status))
	if r.Message != "" {
		b = protowire.AppendTag(b, respFieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, r.Message)
	}
	if r.Body != nil {
		b = protowire.AppendTag(b, respFieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Body)
	}
	return b
}

// UnmarshalFrame decodes a frame from protobuf wire format. Unknown
// fields are skipped.
func UnmarshalFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("pushws: bad frame tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == frameFieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad frame type: %w", protowire.ParseError(n))
			}
			f.Type = FrameType(v)
			data = data[n:]
		case num == frameFieldRequest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad request field: %w", protowire.ParseError(n))
			}
			req, err := unmarshalRequest(v)
			if err != nil {
				return nil, err
			}
			f.Request = req
			data = data[n:]
		case num == frameFieldResponse && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad response field: %w", protowire.ParseError(n))
			}
			resp, err := unmarshalResponse(v)
			if err != nil {
				return nil, err
			}
			f.Response = resp
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad frame field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return f, nil
}

func unmarshalRequest(data []byte) (*Request, error) {
	r := &Request{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("pushws: bad request tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == reqFieldVerb && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad verb: %w", protowire.ParseError(n))
			}
			r.Verb = v
			data = data[n:]
		case num == reqFieldPath && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad path: %w", protowire.ParseError(n))
			}
			r.Path = v
			data = data[n:]
		case num == reqFieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad request body: %w", protowire.ParseError(n))
			}
			r.Body = append([]byte(nil), v...)
			data = data[n:]
		case num == reqFieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad request id: %w", protowire.ParseError(n))
			}
			r.ID = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad request field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}

func unmarshalResponse(data []byte) (*Response, error) {
	r := &Response{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("pushws: bad response tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == respFieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad response id: %w", protowire.ParseError(n))
			}
			r.ID = v
			data = data[n:]
		case num == respFieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad status: %w", protowire.ParseError(n))
			}
			r.Status = uint32(v)
			data = data[n:]
		case num == respFieldMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad message: %w", protowire.ParseError(n))
			}
			r.Message = v
			data = data[n:]
		case num == respFieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad response body: %w", protowire.ParseError(n))
			}
			r.Body = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("pushws: bad response field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}
