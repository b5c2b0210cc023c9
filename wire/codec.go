package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Minimal length-prefixed binary framing shared by the envelope, content and
// protocol codecs. Numbers are big-endian, byte fields carry a uvarint
// length.

type Writer struct {
	buf bytes.Buffer
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) WriteUint8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteBytes(b []byte) {
	var l [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(l[:], uint64(len(b)))
	w.buf.Write(l[:n])
	w.buf.Write(b)
}

func (w *Writer) WriteString(s string) {
	w.WriteBytes([]byte(s))
}

func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

type Reader struct {
	buf *bytes.Reader
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: bytes.NewReader(b)}
}

func (r *Reader) ReadUint8() (uint8, error) {
	v, err := r.buf.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: truncated buffer", ErrMalformedEnvelope)
	}
	return v, nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	var b [4]byte
	n, err := r.buf.Read(b[:])
	if err != nil || n != 4 {
		return 0, fmt.Errorf("%w: truncated buffer", ErrMalformedEnvelope)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	var b [8]byte
	n, err := r.buf.Read(b[:])
	if err != nil || n != 8 {
		return 0, fmt.Errorf("%w: truncated buffer", ErrMalformedEnvelope)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (r *Reader) ReadBytes() ([]byte, error) {
	l, err := binary.ReadUvarint(r.buf)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated length prefix", ErrMalformedEnvelope)
	}
	if l > uint64(r.buf.Len()) {
		return nil, fmt.Errorf("%w: length prefix %d exceeds buffer", ErrMalformedEnvelope, l)
	}
	b := make([]byte, l)
	if _, err := r.buf.Read(b); err != nil && l > 0 {
		return nil, fmt.Errorf("%w: truncated buffer", ErrMalformedEnvelope)
	}
	return b, nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
