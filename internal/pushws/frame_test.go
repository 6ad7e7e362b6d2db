package pushws

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Run("request", func(t *testing.T) {
		in := &Frame{
			Type: FrameRequest,
			Request: &Request{
				Verb: "PUT",
				Path: "/v1/messages/alice",
				Body: []byte("payload"),
				ID:   42,
			},
		}
		out, err := UnmarshalFrame(in.Marshal())
		if err != nil {
			t.Fatal(err)
		}
		if out.Type != FrameRequest || out.Request == nil {
			t.Fatalf("got %+v", out)
		}
		req := out.Request
		if req.Verb != "PUT" || req.Path != "/v1/messages/alice" || req.ID != 42 {
			t.Errorf("request = %+v", req)
		}
		if !bytes.Equal(req.Body, []byte("payload")) {
			t.Errorf("body = %q", req.Body)
		}
	})

	t.Run("response", func(t *testing.T) {
		in := &Frame{
			Type: FrameResponse,
			Response: &Response{
				ID:      42,
				Status:  409,
				Message: "Conflict",
				Body:    []byte(`{"missingDevices":[2]}`),
			},
		}
		out, err := UnmarshalFrame(in.Marshal())
		if err != nil {
			t.Fatal(err)
		}
		if out.Type != FrameResponse || out.Response == nil {
			t.Fatalf("got %+v", out)
		}
		resp := out.Response
		if resp.ID != 42 || resp.Status != 409 || resp.Message != "Conflict" {
			t.Errorf("response = %+v", resp)
		}
		if !bytes.Equal(resp.Body, []byte(`{"missingDevices":[2]}`)) {
			t.Errorf("body = %q", resp.Body)
		}
	})

	t.Run("empty body omitted", func(t *testing.T) {
		in := &Frame{Type: FrameRequest, Request: &Request{Verb: "GET", Path: "/v1/keepalive", ID: 7}}
		out, err := UnmarshalFrame(in.Marshal())
		if err != nil {
			t.Fatal(err)
		}
		if out.Request.Body != nil {
			t.Errorf("body = %v, want nil", out.Request.Body)
		}
	})
}

func TestUnmarshalFrameSkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, frameFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(FrameResponse))
	// A field number this schema does not define.
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future extension"))
	b = protowire.AppendTag(b, frameFieldResponse, protowire.BytesType)
	b = protowire.AppendBytes(b, (&Response{ID: 1, Status: 200}).marshal())

	out, err := UnmarshalFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != FrameResponse || out.Response == nil || out.Response.Status != 200 {
		t.Fatalf("got %+v", out)
	}
}

func TestUnmarshalFrameTruncated(t *testing.T) {
	data := (&Frame{Type: FrameRequest, Request: &Request{Verb: "GET", Path: "/", ID: 1}}).Marshal()
	if _, err := UnmarshalFrame(data[:len(data)-3]); err == nil {
		t.Fatal("want error for truncated frame")
	}
}
