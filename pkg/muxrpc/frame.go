// Package muxrpc is the built-in framed RPC protocol. Every frame starts
// with a four byte magic and a length, so a single connection can carry any
// number of calls to the named services of a service.Table.
//
// Call and Oneway frames:
//
//	magic[4] | length u32 | type u8 | seq u32 | nameLen u16 | name | payload
//
// Reply and Exception frames:
//
//	magic[4] | length u32 | type u8 | seq u32 | payload
//
// length counts the bytes after the length field. All integers are big endian.
package muxrpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/etwodev/portmux/pkg/errors"
	"github.com/etwodev/portmux/pkg/transport"
)

// Magic opens every frame.
var Magic = [4]byte{0xCA, 0xFE, 0x4D, 0x58}

const (
	// PrefixSize is the magic plus the length field.
	PrefixSize = 8

	// ReplyHeaderSize is the full header of a Reply or Exception frame.
	ReplyHeaderSize = PrefixSize + 1 + 4

	// DefaultMaxFrameSize bounds the length field.
	DefaultMaxFrameSize = 16 << 20

	minCallBody = 1 + 4 + 2
)

// Type is the frame type.
type Type uint8

const (
	Call      Type = 1
	Reply     Type = 2
	Exception Type = 3
	Oneway    Type = 4
)

func (t Type) String() string {
	switch t {
	case Call:
		return "call"
	case Reply:
		return "reply"
	case Exception:
		return "exception"
	case Oneway:
		return "oneway"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Envelope is one decoded frame.
type Envelope struct {
	Type    Type
	Seq     uint32
	Service string
	Payload []byte
}

// Detect reports whether prefix opens a muxrpc frame. Two bytes are enough;
// when more are available all four magic bytes are compared.
func Detect(prefix []byte) bool {
	if len(prefix) < 2 {
		return false
	}
	n := len(prefix)
	if n > len(Magic) {
		n = len(Magic)
	}
	return bytes.Equal(prefix[:n], Magic[:n])
}

// AppendFrame appends the wire form of e to dst.
func AppendFrame(dst []byte, e *Envelope) ([]byte, error) {
	body := 1 + 4 + len(e.Payload)
	named := e.Type == Call || e.Type == Oneway
	if named {
		if len(e.Service) > math.MaxUint16 {
			return dst, fmt.Errorf("AppendFrame: service name of %d bytes: %w", len(e.Service), errors.ErrTooLarge)
		}
		body += 2 + len(e.Service)
	}
	if uint64(body) > math.MaxUint32 {
		return dst, fmt.Errorf("AppendFrame: body of %d bytes: %w", body, errors.ErrTooLarge)
	}

	dst = append(dst, Magic[:]...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(body))
	dst = append(dst, byte(e.Type))
	dst = binary.BigEndian.AppendUint32(dst, e.Seq)
	if named {
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(e.Service)))
		dst = append(dst, e.Service...)
	}
	return append(dst, e.Payload...), nil
}

// parsePrefix validates the magic of hdr and returns the length field.
func parsePrefix(hdr []byte, maxFrame int) (int, error) {
	if !bytes.Equal(hdr[:4], Magic[:]) {
		return 0, fmt.Errorf("parsePrefix: bad magic % x: %w", hdr[:4], errors.ErrFraming)
	}
	length := binary.BigEndian.Uint32(hdr[4:8])
	if maxFrame > 0 && uint64(length) > uint64(maxFrame) {
		return 0, fmt.Errorf("parsePrefix: frame of %d bytes exceeds %d: %w", length, maxFrame, errors.ErrTooLarge)
	}
	if length < 1+4 {
		return 0, fmt.Errorf("parsePrefix: frame of %d bytes: %w", length, errors.ErrFraming)
	}
	return int(length), nil
}

// readBody decodes the part of a frame after the length field from t.
func readBody(t *transport.Transport) (*Envelope, error) {
	var fixed [5]byte
	if _, err := t.ReadAll(fixed[:]); err != nil {
		return nil, fmt.Errorf("readBody: header: %w", errors.ErrFraming)
	}
	e := &Envelope{
		Type: Type(fixed[0]),
		Seq:  binary.BigEndian.Uint32(fixed[1:5]),
	}

	switch e.Type {
	case Call, Oneway:
		var nl [2]byte
		if _, err := t.ReadAll(nl[:]); err != nil {
			return nil, fmt.Errorf("readBody: name length: %w", errors.ErrFraming)
		}
		name := make([]byte, binary.BigEndian.Uint16(nl[:]))
		if _, err := t.ReadAll(name); err != nil {
			return nil, fmt.Errorf("readBody: name: %w", errors.ErrFraming)
		}
		e.Service = string(name)
	case Reply, Exception:
	default:
		return nil, fmt.Errorf("readBody: unknown frame %s: %w", e.Type, errors.ErrFraming)
	}

	if rem := t.Remaining(); rem > 0 {
		e.Payload = make([]byte, rem)
		if _, err := t.ReadAll(e.Payload); err != nil {
			return nil, fmt.Errorf("readBody: payload: %w", errors.ErrFraming)
		}
	}
	return e, nil
}

// ReadFrame reads one complete frame from r.
func ReadFrame(r io.Reader, maxFrame int) (*Envelope, error) {
	var hdr [PrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("ReadFrame: failed to read header: %w", err)
	}
	length, err := parsePrefix(hdr[:], maxFrame)
	if err != nil {
		return nil, fmt.Errorf("ReadFrame: %w", err)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("ReadFrame: failed to read body, expected %d bytes: %w", length, err)
	}

	t := transport.New(nil, bytes.NewBuffer(body))
	defer t.Release()
	return readBody(t)
}
