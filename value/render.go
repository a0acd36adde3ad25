package value

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// String renders v as text. Top-level strings render raw; strings nested in
// containers are quoted.
func (v *Value) String() string {
	if s, ok := v.AsString(); ok {
		return s
	}
	var b strings.Builder
	render(&b, v)
	return b.String()
}

func render(b *strings.Builder, v *Value) {
	switch v.Kind() {
	case KindNil:
		b.WriteString("nil")
	case KindBool:
		if v.bits != 0 {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case KindInt:
		b.WriteString(strconv.FormatInt(int64(v.bits), 10))
	case KindFloat:
		f, _ := v.AsFloat()
		b.WriteString(formatFloat(f))
	case KindPid:
		b.WriteString("<pid ")
		b.WriteString(strconv.FormatUint(v.bits, 10))
		b.WriteByte('>')
	case KindString:
		s, _ := v.AsString()
		b.WriteString(strconv.Quote(s))
	case KindBytes:
		raw, _ := v.AsBytes()
		b.WriteString("bytes(")
		b.WriteString(hex.EncodeToString(raw))
		b.WriteByte(')')
	case KindVector:
		b.WriteString("vec[")
		for i, x := range v.ref.(*vectorData).xs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(formatFloat(x))
		}
		b.WriteByte(']')
	case KindArray:
		b.WriteByte('[')
		for i, item := range v.array().items {
			if i > 0 {
				b.WriteString(", ")
			}
			render(b, item)
		}
		b.WriteByte(']')
	case KindMap:
		b.WriteByte('{')
		for i, e := range v.hashMap().sorted() {
			if i > 0 {
				b.WriteString(", ")
			}
			render(b, e.key)
			b.WriteString(": ")
			render(b, e.val)
		}
		b.WriteByte('}')
	case KindResult, KindOption:
		p := v.ref.(*wrapData)
		switch {
		case v.kind == KindResult && p.ok:
			b.WriteString("Ok(")
		case v.kind == KindResult:
			b.WriteString("Err(")
		case p.ok:
			b.WriteString("Some(")
		default:
			b.WriteString("None")
			return
		}
		render(b, p.inner)
		b.WriteByte(')')
	case KindStruct:
		p := v.structure()
		b.WriteString(p.typeName)
		b.WriteString(" {")
		for i, f := range p.fields {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte(' ')
			b.WriteString(f.Name)
			b.WriteString(": ")
			render(b, f.Value)
		}
		b.WriteString(" }")
	case KindEnum:
		p := v.ref.(*enumData)
		b.WriteString(p.typeName)
		b.WriteString("::")
		b.WriteString(p.variant)
		if p.payload != nil {
			b.WriteByte('(')
			render(b, p.payload)
			b.WriteByte(')')
		}
	case KindFunction:
		fn, _ := v.Function()
		b.WriteString("<fn ")
		b.WriteString(fn.Name)
		b.WriteByte('>')
	case KindClosure:
		fn, _ := v.Function()
		b.WriteString("<closure ")
		b.WriteString(fn.Name)
		b.WriteByte('>')
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// ---------------------------------------------------------------------------
// JSON
// ---------------------------------------------------------------------------

// JSON renders v as a JSON document. Map keys are emitted in ascending
// order. Non-finite floats become null; Bytes become base64 strings;
// Struct fields keep their declared order.
func JSON(v *Value) string {
	var b strings.Builder
	renderJSON(&b, v)
	return b.String()
}

func jsonString(b *strings.Builder, s string) {
	out, _ := json.Marshal(s)
	b.Write(out)
}

func renderJSON(b *strings.Builder, v *Value) {
	switch v.Kind() {
	case KindNil:
		b.WriteString("null")
	case KindBool, KindInt:
		render(b, v)
	case KindPid:
		b.WriteString(strconv.FormatUint(v.bits, 10))
	case KindFloat:
		f, _ := v.AsFloat()
		if math.IsInf(f, 0) || math.IsNaN(f) {
			b.WriteString("null")
			return
		}
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case KindString:
		s, _ := v.AsString()
		jsonString(b, s)
	case KindBytes:
		raw, _ := v.AsBytes()
		jsonString(b, base64.StdEncoding.EncodeToString(raw))
	case KindVector:
		b.WriteByte('[')
		for i, x := range v.ref.(*vectorData).xs {
			if i > 0 {
				b.WriteByte(',')
			}
			renderJSON(b, NewFloat(x))
		}
		b.WriteByte(']')
	case KindArray:
		b.WriteByte('[')
		for i, item := range v.array().items {
			if i > 0 {
				b.WriteByte(',')
			}
			renderJSON(b, item)
		}
		b.WriteByte(']')
	case KindMap:
		b.WriteByte('{')
		for i, e := range v.hashMap().sorted() {
			if i > 0 {
				b.WriteByte(',')
			}
			s, _ := e.key.AsString()
			jsonString(b, s)
			b.WriteByte(':')
			renderJSON(b, e.val)
		}
		b.WriteByte('}')
	case KindResult:
		p := v.ref.(*wrapData)
		if p.ok {
			b.WriteString(`{"ok":`)
		} else {
			b.WriteString(`{"err":`)
		}
		renderJSON(b, p.inner)
		b.WriteByte('}')
	case KindOption:
		p := v.ref.(*wrapData)
		if !p.ok {
			b.WriteString("null")
			return
		}
		renderJSON(b, p.inner)
	case KindStruct:
		b.WriteByte('{')
		for i, f := range v.structure().fields {
			if i > 0 {
				b.WriteByte(',')
			}
			jsonString(b, f.Name)
			b.WriteByte(':')
			renderJSON(b, f.Value)
		}
		b.WriteByte('}')
	case KindEnum:
		p := v.ref.(*enumData)
		b.WriteString(`{"type":`)
		jsonString(b, p.typeName)
		b.WriteString(`,"variant":`)
		jsonString(b, p.variant)
		if p.payload != nil {
			b.WriteString(`,"payload":`)
			renderJSON(b, p.payload)
		}
		b.WriteByte('}')
	case KindFunction, KindClosure:
		jsonString(b, v.String())
	}
}
