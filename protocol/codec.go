package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"

	"cim/errs"
)

const (
	fieldID   protowire.Number = 1
	fieldMsg  protowire.Number = 2
	fieldType protowire.Number = 3
)

// Marshal encodes the request envelope. Fields are written in ascending
// order and zero values are omitted, so equal requests give equal bytes.
func (r Request) Marshal() []byte {
	return appendEnvelope(nil, r.RequestID, r.ReqMsg, r.Type)
}

func (r Response) Marshal() []byte {
	return appendEnvelope(nil, r.ResponseID, r.ResMsg, r.Type)
}

// UnmarshalRequest decodes a request envelope. Any failure, including an
// unknown command code, is reported as errs.ErrMalformedFrame.
func UnmarshalRequest(b []byte) (Request, error) {
	id, msg, typ, err := consumeEnvelope(b)
	if err != nil {
		return Request{}, err
	}
	return Request{RequestID: id, ReqMsg: msg, Type: typ}, nil
}

func UnmarshalResponse(b []byte) (Response, error) {
	id, msg, typ, err := consumeEnvelope(b)
	if err != nil {
		return Response{}, err
	}
	return Response{ResponseID: id, ResMsg: msg, Type: typ}, nil
}

func appendEnvelope(b []byte, id int64, msg string, typ Command) []byte {
	if id != 0 {
		b = protowire.AppendTag(b, fieldID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(id))
	}
	if msg != "" {
		b = protowire.AppendTag(b, fieldMsg, protowire.BytesType)
		b = protowire.AppendString(b, msg)
	}
	if typ != 0 {
		b = protowire.AppendTag(b, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(typ)))
	}
	return b
}

func consumeEnvelope(b []byte) (id int64, msg string, typ Command, err error) {
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, "", 0, malformed(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldID && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, "", 0, malformed(protowire.ParseError(n))
			}
			id = int64(v)
			b = b[n:]
		case num == fieldMsg && wtyp == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, "", 0, malformed(protowire.ParseError(n))
			}
			msg = s
			b = b[n:]
		case num == fieldType && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, "", 0, malformed(protowire.ParseError(n))
			}
			typ = Command(int32(v))
			b = b[n:]
		case num == fieldID || num == fieldMsg || num == fieldType:
			return 0, "", 0, malformed(fmt.Errorf("field %d has wire type %d", num, wtyp))
		default:
			// unknown field, skip it
			n := protowire.ConsumeFieldValue(num, wtyp, b)
			if n < 0 {
				return 0, "", 0, malformed(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !typ.Valid() {
		return 0, "", 0, malformed(fmt.Errorf("unknown command %d", int32(typ)))
	}
	return id, msg, typ, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", errs.ErrMalformedFrame, err)
}

// AppendFrame appends varint32(len(payload)) || payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = append(dst, varint.ToUvarint(uint64(len(payload)))...)
	return append(dst, payload...)
}

// EncodeRequest returns the complete frame for r.
func EncodeRequest(r Request) []byte {
	return AppendFrame(nil, r.Marshal())
}

// EncodeResponse returns the complete frame for r.
func EncodeResponse(r Response) []byte {
	return AppendFrame(nil, r.Marshal())
}

// Reader decodes frames from a stream. It must be used by a single goroutine.
type Reader struct {
	br      *bufio.Reader
	maxSize int
}

func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Reader{br: bufio.NewReader(r), maxSize: maxSize}
}

// ReadFrame returns the next frame payload. io.EOF is returned untouched when
// the stream ends on a frame boundary.
func (r *Reader) ReadFrame() ([]byte, error) {
	size, err := varint.ReadUvarint(r.br)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, varint.ErrOverflow) || errors.Is(err, varint.ErrNotMinimal) {
			return nil, malformed(err)
		}
		return nil, err
	}
	if size > uint64(r.maxSize) {
		return nil, malformed(fmt.Errorf("frame of %d bytes exceeds limit %d", size, r.maxSize))
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func (r *Reader) ReadRequest() (Request, error) {
	b, err := r.ReadFrame()
	if err != nil {
		return Request{}, err
	}
	return UnmarshalRequest(b)
}

func (r *Reader) ReadResponse() (Response, error) {
	b, err := r.ReadFrame()
	if err != nil {
		return Response{}, err
	}
	return UnmarshalResponse(b)
}

// Writer encodes frames onto a stream. Each frame goes out in a single Write.
// Callers serialize access.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteRequest(r Request) error {
	_, err := w.w.Write(EncodeRequest(r))
	return err
}

func (w *Writer) WriteResponse(r Response) error {
	_, err := w.w.Write(EncodeResponse(r))
	return err
}
