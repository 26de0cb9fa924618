// Package protocol implements the GBXRemote frame format.
//
// GBXRemote is a plain byte stream, so every message is prefixed with its
// length. The receiver reads the fixed 8-byte header first to learn the body
// length, then reads exactly that many bytes.
//
// Frame format (both integers little-endian):
//
//	0         4         8
//	┌─────────┬─────────┬────────────────────┐
//	│ length  │ handle  │   payload ...      │
//	│ uint32  │ uint32  │   length bytes     │
//	└─────────┴─────────┴────────────────────┘
//
// The very first message from the peer is the greeting, which has no handle:
//
//	┌─────────┬────────────────────┐
//	│ length  │ "GBXRemote 2"      │
//	└─────────┴────────────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	// Banner is the only greeting this package speaks.
	Banner = "GBXRemote 2"

	HeaderSize = 8 // 4 (length) + 4 (handle)

	// MaxPayloadSize bounds a single frame. A larger declared length means the
	// stream is out of sync or hostile.
	MaxPayloadSize = 64 << 20
)

// ErrNoFrame is returned by ReadFrame when the read deadline expired before
// any byte of the next frame arrived. The stream is still aligned.
var ErrNoFrame = errors.New("protocol: no frame before deadline")

// TransportError reports a broken or desynchronized stream. It is always
// fatal to the connection it happened on.
type TransportError struct {
	Op  string // "read length", "read handle", "read payload", "write", ...
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Frame is one unit on the wire.
type Frame struct {
	Handle  uint32
	Payload []byte
}

// WriteFrame writes a complete frame (header + payload) to w in one buffer.
// The caller must hold a write lock if several goroutines share w, otherwise
// frames from different calls interleave and corrupt the stream.
func WriteFrame(w io.Writer, handle uint32, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return &TransportError{Op: "write", Err: fmt.Errorf("payload of %d bytes exceeds limit", len(payload))}
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], handle)
	copy(buf[HeaderSize:], payload)

	if err := writeFull(w, buf); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// ReadFrame reads a complete frame from r: length, handle, then exactly
// length payload bytes. A short read anywhere is a TransportError; there is
// no partial-frame recovery.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [HeaderSize]byte

	// Step 1: length. A timeout with nothing read leaves the stream usable.
	n, err := io.ReadFull(r, header[0:4])
	if err != nil {
		if n == 0 && isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
		}
		return nil, &TransportError{Op: "read length", Err: err}
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	if length > MaxPayloadSize {
		return nil, &TransportError{Op: "read length", Err: fmt.Errorf("declared length %d exceeds limit", length)}
	}

	// Step 2: handle
	if _, err := io.ReadFull(r, header[4:8]); err != nil {
		return nil, &TransportError{Op: "read handle", Err: err}
	}

	// Step 3: payload
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &TransportError{Op: "read payload", Err: err}
	}

	return &Frame{
		Handle:  binary.LittleEndian.Uint32(header[4:8]),
		Payload: payload,
	}, nil
}

// ReadGreeting reads the handle-less greeting the peer sends on connect.
func ReadGreeting(r io.Reader) (string, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return "", &TransportError{Op: "read greeting length", Err: err}
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	if length > MaxPayloadSize {
		return "", &TransportError{Op: "read greeting length", Err: fmt.Errorf("declared length %d exceeds limit", length)}
	}
	greeting := make([]byte, length)
	if _, err := io.ReadFull(r, greeting); err != nil {
		return "", &TransportError{Op: "read greeting", Err: err}
	}
	return string(greeting), nil
}

// WriteGreeting writes the greeting as the peer would.
func WriteGreeting(w io.Writer, banner string) error {
	buf := make([]byte, 4+len(banner))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(banner)))
	copy(buf[4:], banner)
	if err := writeFull(w, buf); err != nil {
		return &TransportError{Op: "write greeting", Err: err}
	}
	return nil
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		buf = buf[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
