package value

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Payload tags. Every encoded value starts with one.
const (
	TagNil      byte = 0x00
	TagBool     byte = 0x01
	TagInt      byte = 0x02
	TagFloat    byte = 0x03
	TagString   byte = 0x04
	TagArray    byte = 0x05
	TagMap      byte = 0x06
	TagPid      byte = 0x07
	TagFunction byte = 0x08
	TagBytes    byte = 0x09
	TagResult   byte = 0x0A
	TagOption   byte = 0x0B
	TagStruct   byte = 0x0C
	TagEnum     byte = 0x0D
	TagVector   byte = 0x0E
	TagClosure  byte = 0x0F
)

// MaxDepth bounds container nesting on encode and decode.
const MaxDepth = 512

// SerializeErrorKind classifies codec failures.
type SerializeErrorKind uint8

const (
	SerializeBuffer      SerializeErrorKind = iota + 1 // input ended early
	SerializeUnsupported                               // variant cannot be encoded
	SerializeCorrupt                                   // malformed input
	SerializeVersion                                   // format version not understood
	SerializeOverflow                                  // a length or depth limit was exceeded
)

var serializeKindNames = map[SerializeErrorKind]string{
	SerializeBuffer:      "buffer",
	SerializeUnsupported: "unsupported",
	SerializeCorrupt:     "corrupt",
	SerializeVersion:     "version",
	SerializeOverflow:    "overflow",
}

func (k SerializeErrorKind) String() string {
	if s, ok := serializeKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// SerializeError reports a payload or bytecode codec failure.
type SerializeError struct {
	Kind   SerializeErrorKind
	Detail string
}

func (e *SerializeError) Error() string {
	return fmt.Sprintf("serialize: %s: %s", e.Kind, e.Detail)
}

// Is matches another *SerializeError of the same kind, so callers can test
// errors.Is(err, &SerializeError{Kind: SerializeCorrupt}).
func (e *SerializeError) Is(target error) bool {
	t, ok := target.(*SerializeError)
	return ok && t.Kind == e.Kind
}

// SerializeErrorf builds a *SerializeError.
func SerializeErrorf(kind SerializeErrorKind, format string, args ...any) error {
	return &SerializeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode serializes v. Function, Closure and Vector report
// SerializeUnsupported.
func Encode(v *Value) ([]byte, error) {
	return AppendEncoded(nil, v)
}

// AppendEncoded appends the encoding of v to dst.
func AppendEncoded(dst []byte, v *Value) ([]byte, error) {
	return appendValue(dst, v, 0)
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func appendValue(dst []byte, v *Value, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return dst, SerializeErrorf(SerializeOverflow, "nesting deeper than %d", MaxDepth)
	}
	var err error
	switch v.Kind() {
	case KindNil:
		dst = append(dst, TagNil)
	case KindBool:
		dst = append(dst, TagBool, byte(v.bits))
	case KindInt:
		dst = binary.BigEndian.AppendUint64(append(dst, TagInt), v.bits)
	case KindFloat:
		dst = binary.BigEndian.AppendUint64(append(dst, TagFloat), v.bits)
	case KindPid:
		dst = binary.BigEndian.AppendUint64(append(dst, TagPid), v.bits)
	case KindString:
		s, _ := v.AsString()
		dst = appendString(append(dst, TagString), s)
	case KindBytes:
		b, _ := v.AsBytes()
		dst = binary.BigEndian.AppendUint32(append(dst, TagBytes), uint32(len(b)))
		dst = append(dst, b...)
	case KindArray:
		items := v.array().items
		dst = binary.BigEndian.AppendUint32(append(dst, TagArray), uint32(len(items)))
		for _, item := range items {
			if dst, err = appendValue(dst, item, depth+1); err != nil {
				return dst, err
			}
		}
	case KindMap:
		p := v.hashMap()
		dst = binary.BigEndian.AppendUint32(append(dst, TagMap), uint32(p.count))
		for _, e := range p.sorted() {
			k, _ := e.key.AsString()
			dst = appendString(dst, k)
			if dst, err = appendValue(dst, e.val, depth+1); err != nil {
				return dst, err
			}
		}
	case KindResult, KindOption:
		p := v.ref.(*wrapData)
		tag := TagResult
		if v.kind == KindOption {
			tag = TagOption
		}
		var disc byte
		if p.ok {
			disc = 1
		}
		dst = append(dst, tag, disc)
		if v.kind == KindOption && !p.ok {
			break
		}
		if dst, err = appendValue(dst, p.inner, depth+1); err != nil {
			return dst, err
		}
	case KindStruct:
		p := v.structure()
		dst = appendString(append(dst, TagStruct), p.typeName)
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(p.fields)))
		for _, f := range p.fields {
			dst = appendString(dst, f.Name)
			if dst, err = appendValue(dst, f.Value, depth+1); err != nil {
				return dst, err
			}
		}
	case KindEnum:
		p := v.ref.(*enumData)
		dst = appendString(append(dst, TagEnum), p.typeName)
		dst = appendString(dst, p.variant)
		if p.payload == nil {
			dst = append(dst, 0)
			break
		}
		dst = append(dst, 1)
		if dst, err = appendValue(dst, p.payload, depth+1); err != nil {
			return dst, err
		}
	default:
		return dst, SerializeErrorf(SerializeUnsupported, "%s values cannot be serialized", v.Kind())
	}
	return dst, nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode deserializes a single value occupying all of data. Containers are
// tracked by a; the result is owned by the caller.
func Decode(a Allocator, data []byte) (*Value, error) {
	v, n, err := DecodePrefix(a, data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		v.Release()
		return nil, SerializeErrorf(SerializeCorrupt, "%d trailing bytes", len(data)-n)
	}
	return v, nil
}

// DecodePrefix deserializes one value from the front of data and reports
// how many bytes it used.
func DecodePrefix(a Allocator, data []byte) (*Value, int, error) {
	d := &decoder{a: a, data: data}
	v, err := d.value(0)
	if err != nil {
		return nil, 0, err
	}
	return v, d.pos, nil
}

type decoder struct {
	a    Allocator
	data []byte
	pos  int
}

func (d *decoder) need(n int) error {
	if n < 0 || len(d.data)-d.pos < n {
		return SerializeErrorf(SerializeBuffer, "need %d bytes at offset %d, have %d", n, d.pos, len(d.data)-d.pos)
	}
	return nil
}

func (d *decoder) readByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	x := binary.BigEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return x, nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	x := binary.BigEndian.Uint64(d.data[d.pos:])
	d.pos += 8
	return x, nil
}

func (d *decoder) length() (int, error) {
	n, err := d.u32()
	if err != nil {
		return 0, err
	}
	if n > MaxLength {
		return 0, SerializeErrorf(SerializeOverflow, "length %d exceeds %d", n, MaxLength)
	}
	return int(n), nil
}

// count reads an element count and rejects counts that could not possibly
// fit in the remaining input, each element taking at least size bytes.
func (d *decoder) count(size int) (int, error) {
	n, err := d.length()
	if err != nil {
		return 0, err
	}
	if n > (len(d.data)-d.pos)/size {
		return 0, SerializeErrorf(SerializeBuffer, "count %d exceeds remaining input", n)
	}
	return n, nil
}

func (d *decoder) str() (string, error) {
	n, err := d.length()
	if err != nil {
		return "", err
	}
	if err := d.need(n); err != nil {
		return "", err
	}
	s := string(d.data[d.pos : d.pos+n])
	d.pos += n
	return s, nil
}

func (d *decoder) value(depth int) (*Value, error) {
	if depth > MaxDepth {
		return nil, SerializeErrorf(SerializeOverflow, "nesting deeper than %d", MaxDepth)
	}
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagNil:
		return track(d.a, NewNil())
	case TagBool:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if b > 1 {
			return nil, SerializeErrorf(SerializeCorrupt, "bool byte %#x", b)
		}
		return track(d.a, NewBool(b == 1))
	case TagInt, TagFloat, TagPid:
		x, err := d.u64()
		if err != nil {
			return nil, err
		}
		switch tag {
		case TagInt:
			return track(d.a, NewInt(int64(x)))
		case TagFloat:
			return track(d.a, NewFloat(math.Float64frombits(x)))
		}
		return track(d.a, NewPid(x))
	case TagString:
		s, err := d.str()
		if err != nil {
			return nil, err
		}
		return track(d.a, NewString(s))
	case TagBytes:
		s, err := d.str()
		if err != nil {
			return nil, err
		}
		v := newValue(KindBytes, false)
		v.ref = &bytesData{b: []byte(s)}
		return track(d.a, v)
	case TagArray:
		n, err := d.count(1)
		if err != nil {
			return nil, err
		}
		items := make([]*Value, 0, n)
		for range n {
			item, err := d.value(depth + 1)
			if err != nil {
				releaseAll(items)
				return nil, err
			}
			items = append(items, item)
		}
		return track(d.a, NewArrayOf(items...))
	case TagMap:
		n, err := d.count(5)
		if err != nil {
			return nil, err
		}
		m := NewMap(n)
		for range n {
			k, err := d.str()
			if err != nil {
				m.Release()
				return nil, err
			}
			val, err := d.value(depth + 1)
			if err != nil {
				m.Release()
				return nil, err
			}
			if old, _ := m.hashMap().put(Intern(k), HashString(k), val); old != nil {
				old.Release()
				m.Release()
				return nil, SerializeErrorf(SerializeCorrupt, "duplicate map key %q", k)
			}
		}
		return track(d.a, m)
	case TagResult, TagOption:
		disc, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if disc > 1 {
			return nil, SerializeErrorf(SerializeCorrupt, "discriminant %#x", disc)
		}
		if tag == TagOption && disc == 0 {
			return track(d.a, NewNone())
		}
		inner, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		k := KindResult
		if tag == TagOption {
			k = KindOption
		}
		return track(d.a, newWrap(k, disc == 1, inner))
	case TagStruct:
		name, err := d.str()
		if err != nil {
			return nil, err
		}
		n, err := d.count(5)
		if err != nil {
			return nil, err
		}
		fields := make([]Field, 0, n)
		for range n {
			fname, err := d.str()
			if err == nil {
				var fv *Value
				if fv, err = d.value(depth + 1); err == nil {
					fields = append(fields, Field{Name: fname, Value: fv})
					continue
				}
			}
			for _, f := range fields {
				f.Value.Release()
			}
			return nil, err
		}
		return track(d.a, NewStruct(name, fields))
	case TagEnum:
		typeName, err := d.str()
		if err != nil {
			return nil, err
		}
		variant, err := d.str()
		if err != nil {
			return nil, err
		}
		has, err := d.readByte()
		if err != nil {
			return nil, err
		}
		var payload *Value
		switch has {
		case 0:
		case 1:
			if payload, err = d.value(depth + 1); err != nil {
				return nil, err
			}
		default:
			return nil, SerializeErrorf(SerializeCorrupt, "enum payload flag %#x", has)
		}
		return track(d.a, NewEnum(typeName, variant, payload))
	case TagFunction, TagVector, TagClosure:
		return nil, SerializeErrorf(SerializeUnsupported, "tag %#x cannot be deserialized", tag)
	}
	return nil, SerializeErrorf(SerializeCorrupt, "unknown tag %#x at offset %d", tag, d.pos-1)
}
