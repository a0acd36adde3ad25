package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a listing of every chunk in the program.
func (b *Bytecode) Disassemble() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("; Agim Bytecode v%d\n", b.Version))
	if b.Source != "" {
		sb.WriteString(fmt.Sprintf("; Source: %s\n", b.Source))
	}
	if len(b.Tools) > 0 {
		sb.WriteString(fmt.Sprintf("; Tools (%d):\n", len(b.Tools)))
		for i, t := range b.Tools {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s/%d %s\n", i, t.Name, t.Arity, t.Description))
		}
	}
	sb.WriteString("\n")
	sb.WriteString(b.Main.DisassembleWithName("main"))
	for i, f := range b.Functions {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("; Function %d: arity %d, %d locals, %d upvalues\n", i, f.Arity, f.Locals, f.Upvalues))
		sb.WriteString(f.Chunk.DisassembleWithName(f.Name))
	}
	return sb.String()
}

// Disassemble returns a listing of the chunk.
func (c *Chunk) Disassemble() string {
	return c.DisassembleWithName("")
}

// DisassembleWithName returns a listing with a name header.
func (c *Chunk) DisassembleWithName(name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; %d bytes, %d instructions", len(c.Code), c.safeInstructionCount()))
	if len(c.Caches) > 0 {
		sb.WriteString(fmt.Sprintf(", %d cache slots", len(c.Caches)))
	}
	sb.WriteString("\n")

	if len(c.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, k := range c.Constants {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, displayConstant(k.String(), 40)))
		}
	}

	sb.WriteString("; Code:\n")
	prevLine := uint32(0)
	for offset := 0; offset < len(c.Code); {
		text, n := c.disassembleInstruction(offset)
		if line := c.Line(offset); line != 0 && line != prevLine {
			sb.WriteString(fmt.Sprintf("%04X  %-36s ; line %d\n", offset, text, line))
			prevLine = line
		} else {
			sb.WriteString(fmt.Sprintf("%04X  %s\n", offset, text))
		}
		if n <= 0 {
			break
		}
		offset += n
	}
	return sb.String()
}

func (c *Chunk) safeInstructionCount() int {
	count := 0
	for offset := 0; offset < len(c.Code); count++ {
		_, n := c.disassembleInstruction(offset)
		if n <= 0 {
			break
		}
		offset += n
	}
	return count
}

func displayConstant(s string, limit int) string {
	if len(s) > limit {
		s = s[:limit-3] + "..."
	}
	s = strings.ReplaceAll(s, "\n", "\\n")
	return strings.ReplaceAll(s, "\t", "\\t")
}

// disassembleInstruction formats the instruction at offset and returns its
// length. Truncated instructions report the remaining length.
func (c *Chunk) disassembleInstruction(offset int) (string, int) {
	op := Opcode(c.Code[offset])
	info := GetOpcodeInfo(op)
	if !op.Valid() {
		return info.Name, 1
	}
	n := c.InstructionLen(offset)
	if offset+n > len(c.Code) {
		return fmt.Sprintf("%s <truncated>", info.Name), len(c.Code) - offset
	}

	switch op {
	case OpConst, OpGetGlobal, OpSetGlobal, OpDefineGlobal, OpStructGet, OpStructSet, OpEnumIs:
		idx := c.readUint16(offset + 1)
		return fmt.Sprintf("%s %d ; %s", info.Name, idx, c.constantText(int(idx))), n

	case OpGetLocal, OpSetLocal, OpGetUpvalue, OpSetUpvalue, OpCall, OpSpawn, OpStructGetIdx:
		return fmt.Sprintf("%s %d", info.Name, c.Code[offset+1]), n

	case OpJump, OpJumpIf, OpJumpUnless:
		delta := int(c.readUint16(offset + 1))
		return fmt.Sprintf("%s %d (-> %04X)", info.Name, delta, offset+3+delta), n

	case OpLoop:
		delta := int(c.readUint16(offset + 1))
		return fmt.Sprintf("%s %d (-> %04X)", info.Name, delta, offset+3-delta), n

	case OpArrayNew, OpMapNew, OpVectorNew:
		return fmt.Sprintf("%s %d", info.Name, c.readUint16(offset+1)), n

	case OpMapGetIC:
		key := c.readUint16(offset + 1)
		slot := c.readUint16(offset + 3)
		return fmt.Sprintf("%s %d %d ; %s", info.Name, key, slot, c.constantText(int(key))), n

	case OpStructNew:
		typ := c.readUint16(offset + 1)
		return fmt.Sprintf("%s %d %d ; %s", info.Name, typ, c.Code[offset+3], c.constantText(int(typ))), n

	case OpEnumNew:
		typ := c.readUint16(offset + 1)
		variant := c.readUint16(offset + 3)
		return fmt.Sprintf("%s %d %d %d ; %s::%s", info.Name, typ, variant, c.Code[offset+5],
			c.constantText(int(typ)), c.constantText(int(variant))), n

	case OpToolCall:
		return fmt.Sprintf("%s %d %d", info.Name, c.readUint16(offset+1), c.Code[offset+3]), n

	case OpHostCall:
		idx := c.readUint16(offset + 1)
		return fmt.Sprintf("%s %d %d ; %s", info.Name, idx, c.Code[offset+3], c.constantText(int(idx))), n

	case OpClosure:
		idx := c.readUint16(offset + 1)
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("%s %d ; %s", info.Name, idx, c.constantText(int(idx))))
		for i := offset + 3; i+1 < offset+n; i += 2 {
			kind := "upvalue"
			if c.Code[i] != 0 {
				kind = "local"
			}
			sb.WriteString(fmt.Sprintf(" [%s %d]", kind, c.Code[i+1]))
		}
		return sb.String(), n
	}
	return info.Name, n
}

func (c *Chunk) constantText(i int) string {
	k := c.Constant(i)
	if k == nil {
		return "<bad constant>"
	}
	if s, ok := k.AsString(); ok {
		return fmt.Sprintf("%q", displayConstant(s, 20))
	}
	return displayConstant(k.String(), 20)
}
