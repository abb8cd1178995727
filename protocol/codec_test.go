package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"cim/errs"
)

func TestRequestMarshalBytes(t *testing.T) {
	req := Request{RequestID: 1001, Type: Login}
	assert.Equal(t, []byte{0x08, 0xe9, 0x07, 0x18, 0x01}, req.Marshal())

	frame := EncodeRequest(req)
	assert.Equal(t, []byte{0x05, 0x08, 0xe9, 0x07, 0x18, 0x01}, frame)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []Request{
		{RequestID: 1001, ReqMsg: "token", Type: Login},
		{RequestID: 1001, ReqMsg: PingMessage, Type: Ping},
		{RequestID: 1001, ReqMsg: "1002;;hi", Type: Msg},
		{RequestID: -7, ReqMsg: "0:hello group", Type: Group},
		{ReqMsg: "ünïcode ✓", Type: P2P},
		{Type: Close},
	}
	for _, want := range cases {
		b := want.Marshal()
		got, err := UnmarshalRequest(b)
		require.NoError(t, err, want.String())
		assert.Equal(t, want, got)
		assert.Equal(t, b, got.Marshal(), "re-encoding must be byte identical")

		// the response shape decodes the same bytes
		resp, err := UnmarshalResponse(b)
		require.NoError(t, err)
		assert.Equal(t, want.AsResponse(), resp)
		assert.Equal(t, b, resp.Marshal())
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	a := Response{ResponseID: 42, ResMsg: AckMessage(0, ""), Type: Ack}
	b := Response{ResponseID: 42, ResMsg: "0", Type: Ack}
	assert.Equal(t, EncodeResponse(a), EncodeResponse(b))
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	b := Request{RequestID: 5, ReqMsg: "x", Type: Msg}.Marshal()
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendString(b, "future field")

	got, err := UnmarshalRequest(b)
	require.NoError(t, err)
	assert.Equal(t, Request{RequestID: 5, ReqMsg: "x", Type: Msg}, got)
}

func TestUnmarshalMalformed(t *testing.T) {
	unknownType := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	unknownType = protowire.AppendVarint(unknownType, 99)

	wrongWire := protowire.AppendTag(nil, fieldMsg, protowire.VarintType)
	wrongWire = protowire.AppendVarint(wrongWire, 1)

	truncated := Request{ReqMsg: "hello", Type: Msg}.Marshal()
	truncated = truncated[:4]

	cases := map[string][]byte{
		"empty":        {},
		"unknown type": unknownType,
		"wrong wire":   wrongWire,
		"truncated":    truncated,
		"garbage":      {0xff, 0xff, 0xff},
	}
	for name, b := range cases {
		_, err := UnmarshalRequest(b)
		assert.ErrorIs(t, err, errs.ErrMalformedFrame, name)
	}
}

func TestReaderWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteRequest(Request{RequestID: 1, ReqMsg: "a", Type: Msg}))
	require.NoError(t, w.WriteResponse(Response{ResponseID: 1, ResMsg: "0", Type: Ack}))
	require.NoError(t, w.WriteRequest(Request{RequestID: 1, ReqMsg: "b", Type: Msg}))

	r := NewReader(&buf, 0)
	req, err := r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "a", req.ReqMsg)

	resp, err := r.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, Ack, resp.Type)

	req, err = r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "b", req.ReqMsg)

	_, err = r.ReadRequest()
	assert.Equal(t, io.EOF, err)
}

func TestReaderRejectsOversizedFrame(t *testing.T) {
	frame := AppendFrame(nil, bytes.Repeat([]byte{'x'}, 64))
	r := NewReader(bytes.NewReader(frame), 32)
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, errs.ErrMalformedFrame)

	// the cap is checked before the payload is read
	prefix := varint.ToUvarint(DefaultMaxFrameSize + 1)
	r = NewReader(bytes.NewReader(prefix), 0)
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, errs.ErrMalformedFrame)
}

func TestReaderTruncatedPayload(t *testing.T) {
	frame := EncodeRequest(Request{RequestID: 1, ReqMsg: "hello", Type: Msg})
	r := NewReader(bytes.NewReader(frame[:len(frame)-2]), 0)
	_, err := r.ReadFrame()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}
