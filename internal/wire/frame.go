// Package wire implements the framed socket protocol used by the relay:
// RFC 6455-style text frames with 7/16/64-bit payload length tiers and
// optional 4-byte XOR masking. Only whole text frames are exchanged;
// fragmentation is not supported.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

const (
	OpText  = 0x1
	OpClose = 0x8

	finBit  = 0x80
	maskBit = 0x80
)

// MaxPayloadLen caps the declared payload length of a single frame. The
// 64-bit length tier would otherwise let a peer declare lengths that
// overflow int or exceed the allocator limit.
const MaxPayloadLen = 16 << 20

var (
	// ErrIncompleteFrame reports that the buffer does not yet hold a
	// complete frame for the declared payload length.
	ErrIncompleteFrame = errors.New("wire: incomplete frame")

	// ErrConnectionClosed reports a close control frame; the caller must
	// terminate the session.
	ErrConnectionClosed = errors.New("wire: connection closed by peer")

	// ErrFrameTooLarge reports a declared payload length above
	// MaxPayloadLen; the frame is never allocated.
	ErrFrameTooLarge = errors.New("wire: frame exceeds size limit")
)

// Encode wraps payload in a single unmasked text frame, choosing the
// smallest length encoding that fits.
func Encode(payload []byte) []byte {
	n := len(payload)

	var header []byte
	switch {
	case n < 126:
		header = []byte{finBit | OpText, byte(n)}
	case n < 65536:
		header = []byte{finBit | OpText, 126, byte(n >> 8), byte(n)}
	default:
		header = make([]byte, 10)
		header[0] = finBit | OpText
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	frame := make([]byte, 0, len(header)+n)
	frame = append(frame, header...)
	frame = append(frame, payload...)
	return frame
}

// Decode parses one frame from buf and returns its unmasked payload and
// the number of bytes consumed. It returns ErrConnectionClosed for a close
// frame and ErrIncompleteFrame when buf ends before the declared payload.
func Decode(buf []byte) (payload []byte, consumed int, err error) {
	if len(buf) < 2 {
		return nil, 0, ErrIncompleteFrame
	}

	opcode := buf[0] & 0x0F
	if opcode == OpClose {
		return nil, 0, ErrConnectionClosed
	}

	masked := buf[1]&maskBit != 0
	length := int(buf[1] & 0x7F)
	idx := 2

	switch length {
	case 126:
		if len(buf) < 4 {
			return nil, 0, ErrIncompleteFrame
		}
		length = int(binary.BigEndian.Uint16(buf[2:4]))
		idx = 4
	case 127:
		if len(buf) < 10 {
			return nil, 0, ErrIncompleteFrame
		}
		declared := binary.BigEndian.Uint64(buf[2:10])
		if declared > MaxPayloadLen {
			return nil, 0, ErrFrameTooLarge
		}
		length = int(declared)
		idx = 10
	}

	var mask [4]byte
	if masked {
		if len(buf) < idx+4 {
			return nil, 0, ErrIncompleteFrame
		}
		copy(mask[:], buf[idx:idx+4])
		idx += 4
	}

	if len(buf) < idx+length {
		return nil, 0, ErrIncompleteFrame
	}

	payload = make([]byte, length)
	copy(payload, buf[idx:idx+length])
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}

	return payload, idx + length, nil
}

// Reader reads whole frames from a stream, reassembling frames that arrive
// split across multiple reads.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{br: br}
	}
	return &Reader{br: bufio.NewReader(r)}
}

// ReadFrame blocks until a full frame is available and returns its unmasked
// payload. Close frames yield ErrConnectionClosed.
func (r *Reader) ReadFrame() ([]byte, error) {
	var head [2]byte
	if _, err := io.ReadFull(r.br, head[:]); err != nil {
		return nil, err
	}

	opcode := head[0] & 0x0F
	if opcode == OpClose {
		return nil, ErrConnectionClosed
	}

	masked := head[1]&maskBit != 0
	length := uint64(head[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r.br, ext[:]); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r.br, ext[:]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > MaxPayloadLen {
		return nil, ErrFrameTooLarge
	}

	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(r.br, mask[:]); err != nil {
			return nil, err
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}

	return payload, nil
}
