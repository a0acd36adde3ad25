package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/agim-lang/agim/value"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("agim.wire")

// CheckpointVersion is the checkpoint format this package writes.
const CheckpointVersion = 1

// Message is one pending mailbox entry in a checkpoint.
type Message struct {
	Sender  uint64 `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

// Checkpoint snapshots the data of a block: its globals and its pending
// messages. Code is not included; the program is reloaded from Source and
// globals holding functions or closures are left for it to redefine.
type Checkpoint struct {
	ID      uuid.UUID         `cbor:"1,keyasint"`
	Pid     uint64            `cbor:"2,keyasint"`
	Source  string            `cbor:"3,keyasint"`
	Globals map[string][]byte `cbor:"4,keyasint"`
	Mailbox []Message         `cbor:"5,keyasint,omitempty"`
	Taken   int64             `cbor:"6,keyasint"`
	Version uint8             `cbor:"7,keyasint"`
}

// Pending is a message to snapshot or restore. The payload is borrowed by
// Snapshot and owned by the caller after Restore.
type Pending struct {
	Sender  uint64
	Payload *value.Value
}

// Snapshot encodes the globals map and pending messages of block pid. Both
// stay with the caller.
func Snapshot(pid uint64, source string, globals *value.Value, pending []Pending) (*Checkpoint, error) {
	c := &Checkpoint{
		ID:      uuid.New(),
		Pid:     pid,
		Source:  source,
		Globals: map[string][]byte{},
		Taken:   time.Now().UnixNano(),
		Version: CheckpointVersion,
	}
	var err error
	globals.MapEach(func(name string, v *value.Value) {
		if err != nil {
			return
		}
		data, encErr := value.Encode(v)
		switch {
		case encErr == nil:
			c.Globals[name] = data
		case errors.Is(encErr, &value.SerializeError{Kind: value.SerializeUnsupported}):
			log.Debugf("checkpoint of block %d skips global %q: %s", pid, name, encErr)
		default:
			err = fmt.Errorf("wire: encode global %q: %w", name, encErr)
		}
	})
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		data, err := value.Encode(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("wire: encode message from %d: %w", p.Sender, err)
		}
		c.Mailbox = append(c.Mailbox, Message{Sender: p.Sender, Payload: data})
	}
	return c, nil
}

// Restore decodes the checkpoint's globals into a new map and its pending
// messages, allocating from a.
func (c *Checkpoint) Restore(a value.Allocator) (*value.Value, []Pending, error) {
	if c.Version != CheckpointVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrVersion, c.Version)
	}
	globals := value.NewMap(len(c.Globals))
	if a != nil {
		if err := a.Track(globals); err != nil {
			return nil, nil, err
		}
	}
	for name, data := range c.Globals {
		v, err := value.Decode(a, data)
		if err == nil {
			globals, err = value.MapSetString(a, globals, name, v)
		}
		if err != nil {
			globals.Release()
			return nil, nil, fmt.Errorf("wire: restore global %q: %w", name, err)
		}
	}
	pending := make([]Pending, 0, len(c.Mailbox))
	for _, m := range c.Mailbox {
		v, err := value.Decode(a, m.Payload)
		if err != nil {
			globals.Release()
			for _, p := range pending {
				p.Payload.Release()
			}
			return nil, nil, fmt.Errorf("wire: restore message from %d: %w", m.Sender, err)
		}
		pending = append(pending, Pending{Sender: m.Sender, Payload: v})
	}
	return globals, pending, nil
}

// MarshalCheckpoint serializes a Checkpoint to CBOR bytes.
func MarshalCheckpoint(c *Checkpoint) ([]byte, error) {
	return encMode.Marshal(c)
}

// UnmarshalCheckpoint deserializes a Checkpoint from CBOR bytes.
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("wire: unmarshal checkpoint: %w", err)
	}
	return &c, nil
}
