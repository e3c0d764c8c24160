package feed

import (
	"encoding/json"
	"fmt"

	v1 "murmur/shared/contracts/feed/v1"

	"github.com/fxamacker/cbor/v2"
)

var cborEnc = mustCBOREncMode()

func mustCBOREncMode() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("feed: cbor enc mode: %v", err))
	}
	return em
}

// EncodeChange encodes c as deterministic CBOR for broker transports.
func EncodeChange(c v1.Change) ([]byte, error) {
	return cborEnc.Marshal(c)
}

// DecodeChange decodes and validates a CBOR change.
func DecodeChange(b []byte) (v1.Change, error) {
	var c v1.Change
	if err := cbor.Unmarshal(b, &c); err != nil {
		return v1.Change{}, fmt.Errorf("decode change: %w", err)
	}
	if err := c.Validate(); err != nil {
		return v1.Change{}, fmt.Errorf("decode change: %w", err)
	}
	return c, nil
}

// encodeChangeJSON is used where the transport requires text (pg_notify payloads).
func encodeChangeJSON(c v1.Change) ([]byte, error) {
	return json.Marshal(c)
}

func decodeChangeJSON(b []byte) (v1.Change, error) {
	var c v1.Change
	if err := json.Unmarshal(b, &c); err != nil {
		return v1.Change{}, fmt.Errorf("decode change: %w", err)
	}
	if err := c.Validate(); err != nil {
		return v1.Change{}, fmt.Errorf("decode change: %w", err)
	}
	return c, nil
}
