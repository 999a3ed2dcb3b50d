package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the only protocol version this daemon speaks.
const Version byte = 0x01

// MaxFrameSize bounds a single message body.
const MaxFrameSize = 16 << 20

// WriteFrame writes the version byte, a big-endian uint32 length, then body.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds maximum: %w", len(body), EINVAL)
	}
	hdr := make([]byte, 5)
	hdr[0] = Version
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(body)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one framed message body. A version mismatch returns
// EPROTONOSUPPORT; an oversized frame or a truncated body returns EINVAL.
// A failed header read returns the reader's error as is (io.EOF on a
// closed stream).
func ReadFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[1:])
	if size > MaxFrameSize {
		return nil, EINVAL
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, EINVAL
	}
	// the body is consumed either way so the stream stays in sync and the
	// connection remains usable after the error response
	if hdr[0] != Version {
		return nil, EPROTONOSUPPORT
	}
	return body, nil
}
