package engine

import (
	"encoding/binary"
	"fmt"

	"callhound/internal/common"

	"github.com/Binject/debug/elf"
	"github.com/knightsc/gapstone"
)

// AnalyzeAll disassembles every executable section and stages two
// things: an index of direct call cross-references, and pseudo
// functions for the PLT stubs of dynamically linked imports, so that a
// call to system@plt resolves to a function named "system". Nothing
// becomes visible until the enclosing transaction commits.
func (p *Project) AnalyzeAll() error {
	if !p.inTx {
		return fmt.Errorf("analysis of %s requires an open transaction", p.path)
	}

	eng, err := gapstone.New(gapstone.CS_ARCH_X86, p.mode)
	if err != nil {
		return fmt.Errorf("capstone init: %w", err)
	}
	defer eng.Close()
	if err := eng.SetOption(gapstone.CS_OPT_DETAIL, gapstone.CS_OPT_ON); err != nil {
		return fmt.Errorf("capstone detail option: %w", err)
	}

	gotNames := p.pltRelocations()
	staged := &analysisResult{xrefs: map[uint64][]common.Reference{}}
	stubSeen := map[uint64]bool{}

	for i := range p.sections {
		sec := &p.sections[i]
		if !sec.exec {
			continue
		}
		p.disasmSection(&eng, sec, func(insn gapstone.Instruction) {
			if to, ok := callTarget(insn); ok {
				staged.xrefs[to] = append(staged.xrefs[to],
					common.Reference{From: uint64(insn.Address), To: to})
				return
			}
			// A PLT entry is a 16-byte slot whose jump lands in a GOT
			// slot the dynamic linker relocates. The relocation tells
			// us which import the slot belongs to.
			if got, ok := indirectJumpTarget(insn); ok {
				name, ok := gotNames[got]
				if !ok {
					return
				}
				stub := sec.addr + (uint64(insn.Address)-sec.addr)&^uint64(15)
				if stubSeen[stub] {
					return
				}
				stubSeen[stub] = true
				staged.stubs = append(staged.stubs,
					common.Function{Name: name, Entry: stub, Size: 16})
			}
		})
	}

	// A stub shadowed by a real defined function keeps the symbol name.
	staged.stubs = p.dropShadowedStubs(staged.stubs)
	p.staged = staged
	return nil
}

// disasmSection walks a section linearly, resuming one byte further on
// undecodable input. Alignment padding and data islands interleave with
// code, so a decode failure is not fatal.
func (p *Project) disasmSection(eng *gapstone.Engine, sec *loadedSection, visit func(gapstone.Instruction)) {
	cursor := uint64(0)
	for cursor < uint64(len(sec.data)) {
		insns, err := eng.Disasm(sec.data[cursor:], cursor+sec.addr, 0)
		if err != nil || len(insns) == 0 {
			cursor++
			continue
		}
		for _, insn := range insns {
			visit(insn)
		}
		last := insns[len(insns)-1]
		cursor = uint64(last.Address) + uint64(last.Size) - sec.addr
	}
}

// callTarget reports the immediate destination of a direct call.
func callTarget(insn gapstone.Instruction) (uint64, bool) {
	if insn.Id != gapstone.X86_INS_CALL || insn.X86 == nil || len(insn.X86.Operands) == 0 {
		return 0, false
	}
	op := insn.X86.Operands[0]
	if op.Type != gapstone.X86_OP_IMM {
		return 0, false
	}
	return uint64(op.Imm), true
}

// indirectJumpTarget resolves "jmp [rip+disp]" (and the absolute
// 32-bit form) to the memory slot being jumped through.
func indirectJumpTarget(insn gapstone.Instruction) (uint64, bool) {
	if insn.Id != gapstone.X86_INS_JMP || insn.X86 == nil || len(insn.X86.Operands) == 0 {
		return 0, false
	}
	op := insn.X86.Operands[0]
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

// pltRelocations maps GOT slot addresses to the dynamic symbol names
// relocated into them.
func (p *Project) pltRelocations() map[uint64]string {
	got := map[uint64]string{}
	dynsyms, err := p.file.DynamicSymbols()
	if err != nil || len(dynsyms) == 0 {
		return got
	}

	record := func(offset uint64, symIdx int) {
		// Symbols() and DynamicSymbols() omit the leading null symbol.
		if symIdx < 1 || symIdx > len(dynsyms) {
			return
		}
		if name := dynsyms[symIdx-1].Name; name != "" {
			got[offset] = name
		}
	}

	for _, sec := range p.file.Sections {
		switch sec.Type {
		case elf.SHT_RELA:
			data, err := sec.Data()
			if err != nil {
				continue
			}
			for off := 0; off+24 <= len(data); off += 24 {
				offset := binary.LittleEndian.Uint64(data[off:])
				info := binary.LittleEndian.Uint64(data[off+8:])
				record(offset, int(info>>32))
			}
		case elf.SHT_REL:
			data, err := sec.Data()
			if err != nil {
				continue
			}
			for off := 0; off+8 <= len(data); off += 8 {
				offset := binary.LittleEndian.Uint32(data[off:])
				info := binary.LittleEndian.Uint32(data[off+4:])
				record(uint64(offset), int(info>>8))
			}
		}
	}
	return got
}

func (p *Project) dropShadowedStubs(stubs []common.Function) []common.Function {
	if len(stubs) == 0 {
		return stubs
	}
	defined := map[uint64]bool{}
	for _, fn := range p.symFuncs {
		defined[fn.Entry] = true
	}
	kept := stubs[:0]
	for _, stub := range stubs {
		if defined[stub.Entry] {
			continue
		}
		kept = append(kept, stub)
	}
	return kept
}
