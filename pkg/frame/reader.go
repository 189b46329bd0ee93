// Package frame recovers packet boundaries from a byte stream using the
// protocol header's length field.
package frame

import (
	"errors"
	"fmt"
	"io"

	"github.com/qretprop/teststand/pkg/protocol"
)

// ErrFraming is wrapped by any error returned due to a malformed length
// field; it is fatal to the connection the Reader is attached to.
var ErrFraming = errors.New("frame: framing violation")

// Reader accumulates bytes from an underlying io.Reader and yields complete,
// raw packet byte-slices using the header's LENGTH field to find
// boundaries. It performs no decoding beyond peeking the length.
type Reader struct {
	r   io.Reader
	buf []byte // unconsumed bytes read so far
}

// NewReader wraps r. MaxPacket (protocol.MaxPacket) bounds how much memory
// a single ReadPacket call may buffer.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadPacket blocks until a complete packet has been read, returning its raw
// bytes (header included). A partial read at EOF returns io.ErrUnexpectedEOF.
// A LENGTH field outside [9, MaxPacket] returns an error wrapping ErrFraming
// and the Reader must not be used again.
func (r *Reader) ReadPacket() ([]byte, error) {
	for len(r.buf) < protocol.HeaderSize {
		if err := r.fill(); err != nil {
			if len(r.buf) > 0 && errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	length := int(r.buf[3])<<8 | int(r.buf[4])
	if length < protocol.HeaderSize || length > protocol.MaxPacket {
		return nil, fmt.Errorf("%w: length %d outside [%d, %d]", ErrFraming, length, protocol.HeaderSize, protocol.MaxPacket)
	}

	for len(r.buf) < length {
		if err := r.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	pkt := make([]byte, length)
	copy(pkt, r.buf[:length])
	r.buf = r.buf[length:]
	return pkt, nil
}

// fill reads at least one more byte into buf, growing it as needed.
func (r *Reader) fill() error {
	chunk := make([]byte, 4096)
	n, err := r.r.Read(chunk)
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
	}
	if n == 0 && err == nil {
		return io.ErrNoProgress
	}
	if err != nil && n == 0 {
		return err
	}
	return nil
}
