package engine

import (
	"testing"

	"callhound/internal/common"

	"github.com/knightsc/gapstone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testProject builds a project by hand: a text section at 0x1000, a
// rodata section at 0x2000 holding "ls -la\x00", and two functions.
func testProject() *Project {
	rodata := append([]byte("ls -la"), 0)
	p := &Project{
		mode: gapstone.CS_MODE_64,
		sections: []loadedSection{
			{name: ".text", addr: 0x1000, data: make([]byte, 0x100), exec: true},
			{name: ".rodata", addr: 0x2000, data: rodata},
		},
		symFuncs: []common.Function{
			{Name: "system", Entry: 0x1000, Size: 16},
			{Name: "run_command", Entry: 0x1020, Size: 0x40},
		},
		xrefs: map[uint64][]common.Reference{},
	}
	p.funcs = p.symFuncs
	return p
}

func insn(id uint, addr, size uint, mnemonic, opstr string, ops ...gapstone.X86Operand) gapstone.Instruction {
	return gapstone.Instruction{
		InstructionHeader: gapstone.InstructionHeader{
			Id:       id,
			Address:  addr,
			Size:     size,
			Mnemonic: mnemonic,
			OpStr:    opstr,
		},
		X86: &gapstone.X86Instruction{Operands: ops},
	}
}

func regOp(reg uint) gapstone.X86Operand {
	return gapstone.X86Operand{Type: gapstone.X86_OP_REG, Reg: reg}
}

func immOp(imm int64) gapstone.X86Operand {
	return gapstone.X86Operand{Type: gapstone.X86_OP_IMM, Imm: imm}
}

func ripOp(disp int64) gapstone.X86Operand {
	return gapstone.X86Operand{
		Type: gapstone.X86_OP_MEM,
		Mem:  gapstone.X86MemoryOperand{Base: gapstone.X86_REG_RIP, Disp: disp},
	}
}

func TestRender_CallWithStringArgument(t *testing.T) {
	t.Parallel()

	p := testProject()
	fn := common.Function{Name: "run_command", Entry: 0x1020, Size: 0x40}

	// lea rdi, [rip+disp] pointing at "ls -la"; call system; ret.
	// The lea sits at 0x1020 and is 7 bytes, so disp must reach 0x2000.
	insns := []gapstone.Instruction{
		insn(gapstone.X86_INS_LEA, 0x1020, 7, "lea", "rdi, [rip + 0xfd9]",
			regOp(gapstone.X86_REG_RDI), ripOp(0x2000-0x1027)),
		insn(gapstone.X86_INS_CALL, 0x1027, 5, "call", "0x1000", immOp(0x1000)),
		insn(gapstone.X86_INS_RET, 0x102c, 1, "ret", ""),
	}

	text := p.render(fn, insns)
	assert.Contains(t, text, "long run_command(void)")
	assert.Contains(t, text, `  system("ls -la");`)
	assert.Contains(t, text, "  return;")
}

func TestRender_ArgumentsClearAcrossCalls(t *testing.T) {
	t.Parallel()

	p := testProject()
	fn := common.Function{Name: "run_command", Entry: 0x1020}

	insns := []gapstone.Instruction{
		insn(0, 0x1020, 5, "mov", "edi, 7",
			regOp(gapstone.X86_REG_EDI), immOp(7)),
		insn(gapstone.X86_INS_CALL, 0x1025, 5, "call", "0x1000", immOp(0x1000)),
		insn(gapstone.X86_INS_CALL, 0x102a, 5, "call", "0x1000", immOp(0x1000)),
	}

	text := p.render(fn, insns)
	assert.Contains(t, text, "system(0x7);")
	// Second call must not inherit the first call's argument.
	assert.Contains(t, text, "system();")
}

func TestRender_IndirectCallAndUnmodeledInsns(t *testing.T) {
	t.Parallel()

	p := testProject()
	fn := common.Function{Name: "run_command", Entry: 0x1020}

	insns := []gapstone.Instruction{
		insn(0, 0x1020, 3, "cmp", "eax, 5", regOp(gapstone.X86_REG_EAX), immOp(5)),
		insn(gapstone.X86_INS_CALL, 0x1023, 2, "call", "rax", regOp(gapstone.X86_REG_RAX)),
	}

	text := p.render(fn, insns)
	assert.Contains(t, text, "// 0x1020: cmp eax, 5")
	assert.Contains(t, text, "(*rax)();")
}

func TestRender_UnknownCallTargetGetsSubName(t *testing.T) {
	t.Parallel()

	p := testProject()
	fn := common.Function{Name: "run_command", Entry: 0x1020}

	insns := []gapstone.Instruction{
		insn(gapstone.X86_INS_CALL, 0x1020, 5, "call", "0x9000", immOp(0x9000)),
	}

	text := p.render(fn, insns)
	assert.Contains(t, text, "sub_9000();")
}

func TestFunctionContaining(t *testing.T) {
	t.Parallel()

	p := testProject()

	fn, ok := p.FunctionContaining(0x1005)
	require.True(t, ok)
	assert.Equal(t, "system", fn.Name)

	fn, ok = p.FunctionContaining(0x1020)
	require.True(t, ok)
	assert.Equal(t, "run_command", fn.Name)

	// Gap between the two functions.
	_, ok = p.FunctionContaining(0x1015)
	assert.False(t, ok)

	// Before the first function.
	_, ok = p.FunctionContaining(0x500)
	assert.False(t, ok)
}

func TestExtent_ZeroSizeSymbolClampsToNextEntry(t *testing.T) {
	t.Parallel()

	p := testProject()
	p.funcs = []common.Function{
		{Name: "a", Entry: 0x1000, Size: 0},
		{Name: "b", Entry: 0x1030, Size: 8},
	}
	assert.Equal(t, uint64(0x30), p.extent(0))

	// The last zero-size function runs to the end of its section.
	p.funcs = []common.Function{{Name: "a", Entry: 0x10f0, Size: 0}}
	assert.Equal(t, uint64(0x10), p.extent(0))
}

func TestStringAt(t *testing.T) {
	t.Parallel()

	p := testProject()

	s, ok := p.stringAt(0x2000)
	require.True(t, ok)
	assert.Equal(t, "ls -la", s)

	// Executable sections never yield strings.
	_, ok = p.stringAt(0x1000)
	assert.False(t, ok)

	// Unmapped address.
	_, ok = p.stringAt(0x9999)
	assert.False(t, ok)
}

func TestCallTarget(t *testing.T) {
	t.Parallel()

	direct := insn(gapstone.X86_INS_CALL, 0x1000, 5, "call", "0x2000", immOp(0x2000))
	to, ok := callTarget(direct)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000), to)

	indirect := insn(gapstone.X86_INS_CALL, 0x1000, 2, "call", "rax", regOp(gapstone.X86_REG_RAX))
	_, ok = callTarget(indirect)
	assert.False(t, ok)

	jmp := insn(gapstone.X86_INS_JMP, 0x1000, 5, "jmp", "0x2000", immOp(0x2000))
	_, ok = callTarget(jmp)
	assert.False(t, ok)
}

func TestIndirectJumpTarget(t *testing.T) {
	t.Parallel()

	// jmp qword ptr [rip + 0x2fe2] at 0x1030, 6 bytes.
	plt := insn(gapstone.X86_INS_JMP, 0x1030, 6, "jmp", "qword ptr [rip + 0x2fe2]", ripOp(0x2fe2))
	got, ok := indirectJumpTarget(plt)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1030+6+0x2fe2), got)

	direct := insn(gapstone.X86_INS_JMP, 0x1030, 5, "jmp", "0x2000", immOp(0x2000))
	_, ok = indirectJumpTarget(direct)
	assert.False(t, ok)
}

func TestTransaction_CommitPublishesStagedState(t *testing.T) {
	t.Parallel()

	p := testProject()
	tx, err := p.Begin("analyze")
	require.NoError(t, err)

	// A second transaction cannot open while one is in flight.
	_, err = p.Begin("again")
	assert.Error(t, err)

	p.staged = &analysisResult{
		stubs: []common.Function{{Name: "execve", Entry: 0x1080, Size: 16}},
		xrefs: map[uint64][]common.Reference{
			0x1000: {{From: 0x1027, To: 0x1000}},
		},
	}
	require.NoError(t, tx.Commit())

	refs := p.ReferencesTo(0x1000)
	require.Len(t, refs, 1)
	assert.Equal(t, uint64(0x1027), refs[0].From)

	var names []string
	for _, fn := range p.Functions() {
		names = append(names, fn.Name)
	}
	assert.Equal(t, []string{"system", "run_command", "execve"}, names)

	// Double commit is an error.
	assert.Error(t, tx.Commit())
}

func TestTransaction_RollbackDiscardsStagedState(t *testing.T) {
	t.Parallel()

	p := testProject()
	tx, err := p.Begin("analyze")
	require.NoError(t, err)

	p.staged = &analysisResult{
		xrefs: map[uint64][]common.Reference{0x1000: {{From: 0x1, To: 0x1000}}},
	}
	require.NoError(t, tx.Rollback())

	assert.Empty(t, p.ReferencesTo(0x1000))
	assert.Len(t, p.Functions(), 2)

	// The project is usable again after a rollback.
	_, err = p.Begin("retry")
	assert.NoError(t, err)
}
