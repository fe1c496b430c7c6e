package zenoh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// Frame kinds on a link.
const (
	kindHello     byte = 1
	kindDeclare   byte = 2
	kindUndeclare byte = 3
	kindPut       byte = 4
)

// Declaration kinds.
const (
	declPublisher  = "pub"
	declSubscriber = "sub"
)

var errBadPut = errors.New("zenoh: malformed put frame")

// hello opens every link.
type hello struct {
	ZID string `cbor:"zid"`
}

// declaration announces a local publisher or subscriber.
type declaration struct {
	Kind    string `cbor:"kind"`
	ID      uint64 `cbor:"id"`
	KeyExpr string `cbor:"keyexpr"`
}

// undeclaration withdraws a declaration.
type undeclaration struct {
	Kind string `cbor:"kind"`
	ID   uint64 `cbor:"id"`
}

func encodeControl(v any) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode control frame: %w", err)
	}

	return b, nil
}

func decodeControl(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode control frame: %w", err)
	}

	return nil
}

// putHeader returns keylen:uint16 | key, the part of a put frame that
// precedes the payload.
func putHeader(key string) ([]byte, error) {
	if len(key) > math.MaxUint16 {
		return nil, fmt.Errorf("key %d bytes long: %w", len(key), ErrInvalidKeyExpr)
	}

	hdr := make([]byte, 2+len(key))
	binary.BigEndian.PutUint16(hdr, uint16(len(key)))
	copy(hdr[2:], key)

	return hdr, nil
}

func parsePut(body []byte) (string, []byte, error) {
	if len(body) < 2 {
		return "", nil, errBadPut
	}

	n := int(binary.BigEndian.Uint16(body))
	if len(body) < 2+n {
		return "", nil, fmt.Errorf("%w: key length %d exceeds frame", errBadPut, n)
	}

	return string(body[2 : 2+n]), body[2+n:], nil
}
