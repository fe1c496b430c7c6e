package dds

import (
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Endpoint kinds.
const (
	kindWriter = "writer"
	kindReader = "reader"
)

// Data link frame kinds.
const (
	frameIdentify byte = 1
	frameData     byte = 2
)

// announcement is one participant discovery datagram.
type announcement struct {
	GUID      string         `cbor:"guid"`
	Domain    int            `cbor:"domain"`
	LeaseMS   int64          `cbor:"lease"`
	Endpoints []endpointInfo `cbor:"endpoints"`
	Bye       bool           `cbor:"bye,omitempty"`
}

// endpointInfo describes a writer or reader of a participant. Readers
// carry the locator writers connect to.
type endpointInfo struct {
	ID      uint32 `cbor:"id"`
	Kind    string `cbor:"kind"`
	Topic   string `cbor:"topic"`
	Type    string `cbor:"type"`
	Locator string `cbor:"locator,omitempty"`
}

// identify is the first frame a writer sends on a data link.
type identify struct {
	GUID  string `cbor:"guid"`
	ID    uint32 `cbor:"id"`
	Topic string `cbor:"topic"`
	Type  string `cbor:"type"`
}

func marshal(v any) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}

	return b, nil
}

func unmarshal(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}

	return nil
}

// endpointGUID is the full GUID of an endpoint: participant prefix and
// entity id.
func endpointGUID(prefix string, id uint32) string {
	return prefix + "." + strconv.FormatUint(uint64(id), 16)
}
