package engine

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"callhound/internal/common"

	"github.com/knightsc/gapstone"
)

// SysV integer argument registers, in call order. Register-starved
// 32-bit binaries pass arguments on the stack, so their calls render
// without recovered arguments.
var argRegOrder = []string{"rdi", "rsi", "rdx", "rcx", "r8", "r9"}

var regCanon = map[uint]string{
	gapstone.X86_REG_RDI: "rdi", gapstone.X86_REG_EDI: "rdi",
	gapstone.X86_REG_RSI: "rsi", gapstone.X86_REG_ESI: "rsi",
	gapstone.X86_REG_RDX: "rdx", gapstone.X86_REG_EDX: "rdx",
	gapstone.X86_REG_RCX: "rcx", gapstone.X86_REG_ECX: "rcx",
	gapstone.X86_REG_R8: "r8", gapstone.X86_REG_R8D: "r8",
	gapstone.X86_REG_R9: "r9", gapstone.X86_REG_R9D: "r9",
	gapstone.X86_REG_RAX: "rax", gapstone.X86_REG_EAX: "rax",
}

// Decompile renders fn as C-like text: call statements with arguments
// recovered from the registers most recently loaded, string literals
// resolved out of the data sections, and the remaining instructions as
// address-tagged comments. It is a listing, not a real decompilation,
// but calls to named functions come out in callable form.
func (p *Project) Decompile(fn common.Function) (string, error) {
	sec, ok := p.sectionFor(fn.Entry)
	if !ok {
		return "", fmt.Errorf("function %s at %#x is outside every mapped section", fn.Name, fn.Entry)
	}

	i := sort.Search(len(p.funcs), func(i int) bool { return p.funcs[i].Entry >= fn.Entry })
	size := fn.Size
	if i < len(p.funcs) && p.funcs[i].Entry == fn.Entry {
		size = p.extent(i)
	}
	if limit := sec.addr + uint64(len(sec.data)) - fn.Entry; size == 0 || size > limit {
		size = limit
	}

	eng, err := gapstone.New(gapstone.CS_ARCH_X86, p.mode)
	if err != nil {
		return "", fmt.Errorf("capstone init: %w", err)
	}
	defer eng.Close()
	if err := eng.SetOption(gapstone.CS_OPT_DETAIL, gapstone.CS_OPT_ON); err != nil {
		return "", fmt.Errorf("capstone detail option: %w", err)
	}

	code := sec.data[fn.Entry-sec.addr : fn.Entry-sec.addr+size]
	insns, err := eng.Disasm(code, fn.Entry, 0)
	if err != nil {
		return "", fmt.Errorf("disassembly of %s failed: %w", fn.Name, err)
	}
	return p.render(fn, insns), nil
}

func (p *Project) render(fn common.Function, insns []gapstone.Instruction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "// %s @ %#x\n", fn.Name, fn.Entry)
	fmt.Fprintf(&b, "long %s(void)\n{\n", fn.Name)

	regs := map[string]string{}
	for _, insn := range insns {
		ops := operands(insn)
		switch {
		case insn.Id == gapstone.X86_INS_CALL:
			var callee string
			if target, ok := callTarget(insn); ok {
				callee = p.nameAt(target)
			} else {
				callee = fmt.Sprintf("(*%s)", insn.OpStr)
			}
			var args []string
			for _, reg := range argRegOrder {
				v, ok := regs[reg]
				if !ok {
					break
				}
				args = append(args, v)
			}
			fmt.Fprintf(&b, "  %s(%s);\n", callee, strings.Join(args, ", "))
			// Integer argument registers are caller-saved.
			regs = map[string]string{}

		case insn.Id == gapstone.X86_INS_RET:
			b.WriteString("  return;\n")

		case insn.Mnemonic == "lea" && len(ops) == 2 && ops[0].Type == gapstone.X86_OP_REG:
			dst, ok := regCanon[ops[0].Reg]
			if !ok {
				break
			}
			if addr, ok := leaTarget(insn, ops[1]); ok {
				regs[dst] = p.literalAt(addr)
			}

		case insn.Mnemonic == "mov" && len(ops) == 2 &&
			ops[0].Type == gapstone.X86_OP_REG && ops[1].Type == gapstone.X86_OP_IMM:
			if dst, ok := regCanon[ops[0].Reg]; ok {
				regs[dst] = p.literalAt(uint64(ops[1].Imm))
			}

		case insn.Mnemonic == "xor" && len(ops) == 2 &&
			ops[0].Type == gapstone.X86_OP_REG && ops[1].Type == gapstone.X86_OP_REG &&
			ops[0].Reg == ops[1].Reg:
			if dst, ok := regCanon[ops[0].Reg]; ok {
				regs[dst] = "0"
			}

		default:
			fmt.Fprintf(&b, "  // %#x: %s %s\n", insn.Address, insn.Mnemonic, insn.OpStr)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func operands(insn gapstone.Instruction) []gapstone.X86Operand {
	if insn.X86 == nil {
		return nil
	}
	return insn.X86.Operands
}

// leaTarget resolves a rip-relative or absolute memory operand to the
// address it denotes.
func leaTarget(insn gapstone.Instruction, op gapstone.X86Operand) (uint64, bool) {
	if op.Type != gapstone.X86_OP_MEM || op.Mem.Index != 0 {
		return 0, false
	}
	if op.Mem.Base == gapstone.X86_REG_RIP {
		return uint64(insn.Address) + uint64(insn.Size) + uint64(op.Mem.Disp), true
	}
	if op.Mem.Base == 0 && op.Mem.Disp > 0 {
		return uint64(op.Mem.Disp), true
	}
	return 0, false
}

// literalAt renders the value loaded from addr: a quoted string when
// addr points at printable NUL-terminated data, the function name when
// it points at a function entry, a hex constant otherwise.
func (p *Project) literalAt(addr uint64) string {
	if s, ok := p.stringAt(addr); ok {
		return strconv.Quote(s)
	}
	if fn, ok := p.FunctionContaining(addr); ok && fn.Entry == addr {
		return fn.Name
	}
	return fmt.Sprintf("%#x", addr)
}

func (p *Project) nameAt(addr uint64) string {
	if fn, ok := p.FunctionContaining(addr); ok {
		if fn.Entry == addr {
			return fn.Name
		}
		return fmt.Sprintf("%s+%#x", fn.Name, addr-fn.Entry)
	}
	return fmt.Sprintf("sub_%x", addr)
}

// stringAt reads a printable NUL-terminated string out of a data
// section, if addr points at one.
func (p *Project) stringAt(addr uint64) (string, bool) {
	sec, ok := p.sectionFor(addr)
	if !ok || sec.exec {
		return "", false
	}
	data := sec.data[addr-sec.addr:]
	end := bytes.IndexByte(data, 0)
	if end <= 0 || end > 256 {
		return "", false
	}
	for _, c := range data[:end] {
		if (c < 0x20 && c != '\n' && c != '\t') || c > 0x7e {
			return "", false
		}
	}
	return string(data[:end]), true
}
