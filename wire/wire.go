// Package wire carries Agim values across process boundaries. Payloads are
// the runtime's own value encoding; the envelopes around them are
// canonical CBOR so that equal envelopes hash equally.
package wire

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/agim-lang/agim/value"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

var (
	// ErrHashMismatch means a payload does not match its declared hash.
	ErrHashMismatch = errors.New("wire: payload hash mismatch")

	// ErrVersion means a checkpoint was written by an unknown format.
	ErrVersion = errors.New("wire: unsupported checkpoint version")
)

// Envelope is one message between blocks that may live in different
// processes.
type Envelope struct {
	ID      uuid.UUID `cbor:"1,keyasint"`
	From    uint64    `cbor:"2,keyasint"`
	To      uint64    `cbor:"3,keyasint"`
	Payload []byte    `cbor:"4,keyasint"` // value encoding
	Hash    [32]byte  `cbor:"5,keyasint"` // sha256 of Payload
	Sent    int64     `cbor:"6,keyasint"` // unix nanoseconds
}

// NewEnvelope encodes v, which stays with the caller, into an envelope
// addressed from one pid to another.
func NewEnvelope(from, to uint64, v *value.Value) (*Envelope, error) {
	payload, err := value.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	return &Envelope{
		ID:      uuid.New(),
		From:    from,
		To:      to,
		Payload: payload,
		Hash:    sha256.Sum256(payload),
		Sent:    time.Now().UnixNano(),
	}, nil
}

// Verify checks the payload against its hash.
func (e *Envelope) Verify() error {
	if sha256.Sum256(e.Payload) != e.Hash {
		return ErrHashMismatch
	}
	return nil
}

// Value verifies and decodes the payload, allocating from a. A nil
// allocator returns unowned values.
func (e *Envelope) Value(a value.Allocator) (*value.Value, error) {
	if err := e.Verify(); err != nil {
		return nil, err
	}
	v, err := value.Decode(a, e.Payload)
	if err != nil {
		return nil, fmt.Errorf("wire: decode payload of %s: %w", e.ID, err)
	}
	return v, nil
}

// SentAt returns when the envelope was built.
func (e *Envelope) SentAt() time.Time { return time.Unix(0, e.Sent) }

// MarshalEnvelope serializes an Envelope to CBOR bytes.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	return encMode.Marshal(e)
}

// UnmarshalEnvelope deserializes an Envelope from CBOR bytes.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return &e, nil
}

// Equal reports whether two envelopes carry the same message.
func (e *Envelope) Equal(o *Envelope) bool {
	return e.ID == o.ID && e.From == o.From && e.To == o.To &&
		e.Hash == o.Hash && bytes.Equal(e.Payload, o.Payload)
}
