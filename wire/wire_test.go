package wire

import (
	"errors"
	"testing"

	"github.com/agim-lang/agim/heap"
	"github.com/agim-lang/agim/value"
)

func sample() *value.Value {
	m := value.NewMap(2)
	m, _ = value.MapSetString(nil, m, "name", value.NewString("agim"))
	m, _ = value.MapSetString(nil, m, "items", value.NewArrayOf(value.NewInt(1), value.NewInt(2)))
	return m
}

func TestEnvelope_CBORRoundTrip(t *testing.T) {
	v := sample()
	defer v.Release()

	e, err := NewEnvelope(1, 2, v)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	data, err := MarshalEnvelope(e)
	if err != nil {
		t.Fatalf("MarshalEnvelope: %v", err)
	}
	got, err := UnmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if !got.Equal(e) {
		t.Errorf("envelope changed in transit: %+v vs %+v", got, e)
	}
	if got.SentAt().IsZero() {
		t.Error("SentAt is zero")
	}

	h := heap.New(heap.DefaultConfig())
	defer h.Free()
	out, err := got.Value(h)
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	defer out.Release()
	if !value.Equal(out, v) {
		t.Errorf("payload = %s, want %s", out, v)
	}
	if !h.Owns(out) {
		t.Error("decoded payload not owned by the heap")
	}
}

func TestEnvelope_Deterministic(t *testing.T) {
	v := value.NewInt(7)
	e, _ := NewEnvelope(1, 2, v)
	a, _ := MarshalEnvelope(e)
	b, _ := MarshalEnvelope(e)
	if string(a) != string(b) {
		t.Error("canonical encoding differs between calls")
	}
}

func TestEnvelope_Tampered(t *testing.T) {
	e, err := NewEnvelope(1, 2, value.NewString("hello"))
	if err != nil {
		t.Fatal(err)
	}
	e.Payload[len(e.Payload)-1] ^= 0xFF
	if _, err := e.Value(nil); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("Value() = %v, want ErrHashMismatch", err)
	}
}

func TestEnvelope_Unsupported(t *testing.T) {
	fn := value.NewFunction(value.FunctionInfo{Name: "f"})
	_, err := NewEnvelope(1, 2, fn)
	if !errors.Is(err, &value.SerializeError{Kind: value.SerializeUnsupported}) {
		t.Errorf("NewEnvelope(function) = %v, want unsupported", err)
	}
}

func TestUnmarshalEnvelope_Garbage(t *testing.T) {
	if _, err := UnmarshalEnvelope([]byte{0xFF, 0x00}); err == nil {
		t.Error("UnmarshalEnvelope accepted garbage")
	}
}

// ---------------------------------------------------------------------------
// Checkpoints
// ---------------------------------------------------------------------------

func TestCheckpoint_RoundTrip(t *testing.T) {
	g := value.NewMap(4)
	g, _ = value.MapSetString(nil, g, "count", value.NewInt(3))
	g, _ = value.MapSetString(nil, g, "state", sample())
	g, _ = value.MapSetString(nil, g, "f", value.NewFunction(value.FunctionInfo{Name: "f"}))
	defer g.Release()
	msg := value.NewString("pending")
	defer msg.Release()

	c, err := Snapshot(9, "counter.agim", g, []Pending{{Sender: 4, Payload: msg}})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := c.Globals["f"]; ok {
		t.Error("function global was encoded")
	}
	data, err := MarshalCheckpoint(c)
	if err != nil {
		t.Fatalf("MarshalCheckpoint: %v", err)
	}
	back, err := UnmarshalCheckpoint(data)
	if err != nil {
		t.Fatalf("UnmarshalCheckpoint: %v", err)
	}
	if back.ID != c.ID || back.Pid != 9 || back.Source != "counter.agim" {
		t.Errorf("checkpoint header = %+v", back)
	}

	h := heap.New(heap.DefaultConfig())
	defer h.Free()
	globals, pending, err := back.Restore(h)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	defer globals.Release()
	if n, _ := globals.MapLen(); n != 2 {
		t.Errorf("restored %d globals, want 2", n)
	}
	count, _ := globals.MapGetString("count")
	if i, _ := count.AsInt(); i != 3 {
		t.Errorf("count = %d, want 3", i)
	}
	state, _ := globals.MapGetString("state")
	want, _ := g.MapGetString("state")
	if !value.Equal(state, want) {
		t.Errorf("state = %s, want %s", state, want)
	}
	if len(pending) != 1 || pending[0].Sender != 4 {
		t.Fatalf("pending = %+v", pending)
	}
	if s, _ := pending[0].Payload.AsString(); s != "pending" {
		t.Errorf("pending payload = %q", s)
	}
	pending[0].Payload.Release()
}

func TestCheckpoint_Version(t *testing.T) {
	c := &Checkpoint{Version: CheckpointVersion + 1}
	if _, _, err := c.Restore(nil); !errors.Is(err, ErrVersion) {
		t.Errorf("Restore() = %v, want ErrVersion", err)
	}
}

func TestCheckpoint_CorruptGlobal(t *testing.T) {
	c := &Checkpoint{Version: CheckpointVersion, Globals: map[string][]byte{"x": {0xEE}}}
	if _, _, err := c.Restore(nil); err == nil {
		t.Error("Restore accepted a corrupt global")
	}
}
