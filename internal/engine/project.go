// Package engine implements the analysis side of the scan: it loads an
// ELF binary, enumerates its functions, recovers call cross-references
// by disassembly, and renders functions as C-like text.
package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"callhound/internal/common"

	"github.com/Binject/debug/elf"
	mmap "github.com/edsrzf/mmap-go"
	"github.com/knightsc/gapstone"
)

// ProjectOptions names the analysis project. When Dir is set, every
// committed analysis pass appends a line to <Dir>/<Name>.log.
type ProjectOptions struct {
	Name string
	Dir  string
}

type loadedSection struct {
	name string
	addr uint64
	data []byte
	exec bool
}

// Project is an in-memory analysis session over one ELF file. It
// implements common.Project. Not safe for concurrent use.
type Project struct {
	opts ProjectOptions
	path string

	f    *os.File
	mm   mmap.MMap
	file *elf.File
	mode int // capstone mode, from the ELF class

	sections []loadedSection
	symFuncs []common.Function // from symtab/dynsym, fixed at Open

	// committed analysis state
	funcs []common.Function
	xrefs map[uint64][]common.Reference

	// staged by AnalyzeAll, published by Commit
	staged *analysisResult
	inTx   bool
}

type analysisResult struct {
	stubs []common.Function
	xrefs map[uint64][]common.Reference
}

// Open maps the file at path and prepares an analysis project for it.
// Only x86 and x86-64 ELF binaries are supported; anything else is an
// error the caller logs before moving on to the next file.
func Open(path string, opts ProjectOptions) (*Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to map %s: %w", path, err)
	}
	file, err := elf.NewFile(bytes.NewReader(mm))
	if err != nil {
		mm.Unmap()
		f.Close()
		return nil, fmt.Errorf("unable to parse %s: %w", path, err)
	}

	var mode int
	switch file.Machine {
	case elf.EM_X86_64:
		mode = gapstone.CS_MODE_64
	case elf.EM_386:
		mode = gapstone.CS_MODE_32
	default:
		mm.Unmap()
		f.Close()
		return nil, fmt.Errorf("unsupported machine %s in %s", file.Machine, path)
	}

	p := &Project{
		opts:  opts,
		path:  path,
		f:     f,
		mm:    mm,
		file:  file,
		mode:  mode,
		xrefs: map[uint64][]common.Reference{},
	}
	p.loadSections()
	p.symFuncs = p.symbolFunctions()
	p.funcs = p.symFuncs
	return p, nil
}

func (p *Project) Close() error {
	var first error
	if p.mm != nil {
		first = p.mm.Unmap()
		p.mm = nil
	}
	if p.f != nil {
		if err := p.f.Close(); err != nil && first == nil {
			first = err
		}
		p.f = nil
	}
	return first
}

// loadSections pulls every allocated section with file-backed contents
// into memory, keeping executable and data sections apart only by flag
// so the decompiler can resolve string literals out of the latter.
func (p *Project) loadSections() {
	for _, s := range p.file.Sections {
		if s.Type == elf.SHT_NOBITS || s.Flags&elf.SHF_ALLOC == 0 || s.Addr == 0 {
			continue
		}
		data, err := s.Data()
		if err != nil || len(data) == 0 {
			continue
		}
		p.sections = append(p.sections, loadedSection{
			name: s.Name,
			addr: s.Addr,
			data: data,
			exec: s.Flags&elf.SHF_EXECINSTR != 0,
		})
	}
}

// symbolFunctions collects defined STT_FUNC symbols from both symbol
// tables, deduplicated by entry address and sorted.
func (p *Project) symbolFunctions() []common.Function {
	byEntry := map[uint64]common.Function{}
	collect := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 || sym.Name == "" {
				continue
			}
			if prev, ok := byEntry[sym.Value]; ok && prev.Size >= sym.Size {
				continue
			}
			byEntry[sym.Value] = common.Function{Name: sym.Name, Entry: sym.Value, Size: sym.Size}
		}
	}
	if syms, err := p.file.Symbols(); err == nil {
		collect(syms)
	}
	if syms, err := p.file.DynamicSymbols(); err == nil {
		collect(syms)
	}

	funcs := make([]common.Function, 0, len(byEntry))
	for _, fn := range byEntry {
		funcs = append(funcs, fn)
	}
	sortFunctions(funcs)
	return funcs
}

func sortFunctions(funcs []common.Function) {
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].Entry < funcs[j].Entry })
}

// Begin opens the transactional unit the analysis pass runs in. Only
// one transaction may be open at a time.
func (p *Project) Begin(name string) (common.Transaction, error) {
	if p.inTx {
		return nil, fmt.Errorf("project %s: a transaction is already open", p.opts.Name)
	}
	p.inTx = true
	p.staged = nil
	return &transaction{p: p, name: name}, nil
}

type transaction struct {
	p    *Project
	name string
	done bool
}

func (t *transaction) Commit() error {
	if t.done {
		return fmt.Errorf("transaction %q already closed", t.name)
	}
	t.done = true
	t.p.inTx = false
	if staged := t.p.staged; staged != nil {
		t.p.staged = nil
		merged := append([]common.Function{}, t.p.symFuncs...)
		merged = append(merged, staged.stubs...)
		sortFunctions(merged)
		t.p.funcs = merged
		t.p.xrefs = staged.xrefs
		t.p.logSession()
	}
	return nil
}

func (t *transaction) Rollback() error {
	if t.done {
		return fmt.Errorf("transaction %q already closed", t.name)
	}
	t.done = true
	t.p.inTx = false
	t.p.staged = nil
	return nil
}

// Functions returns the function table as of the last commit.
func (p *Project) Functions() []common.Function {
	out := make([]common.Function, len(p.funcs))
	copy(out, p.funcs)
	return out
}

// ReferencesTo returns every committed call reference to addr.
func (p *Project) ReferencesTo(addr uint64) []common.Reference {
	refs := p.xrefs[addr]
	out := make([]common.Reference, len(refs))
	copy(out, refs)
	return out
}

// FunctionContaining maps an address to the function whose body holds
// it, if any.
func (p *Project) FunctionContaining(addr uint64) (*common.Function, bool) {
	i := sort.Search(len(p.funcs), func(i int) bool { return p.funcs[i].Entry > addr })
	if i == 0 {
		return nil, false
	}
	fn := p.funcs[i-1]
	if addr < fn.Entry+p.extent(i-1) {
		return &fn, true
	}
	return nil, false
}

// extent is the byte length of the i-th function's body. Zero-size
// symbols are clamped to the next function entry, or to the end of the
// section holding them.
func (p *Project) extent(i int) uint64 {
	fn := p.funcs[i]
	sec, ok := p.sectionFor(fn.Entry)
	end := fn.Entry + fn.Size
	if fn.Size == 0 {
		if i+1 < len(p.funcs) {
			end = p.funcs[i+1].Entry
		} else if ok {
			end = sec.addr + uint64(len(sec.data))
		}
	}
	if ok {
		if limit := sec.addr + uint64(len(sec.data)); end > limit {
			end = limit
		}
	}
	if end <= fn.Entry {
		return 0
	}
	return end - fn.Entry
}

func (p *Project) sectionFor(addr uint64) (*loadedSection, bool) {
	for i := range p.sections {
		sec := &p.sections[i]
		if addr >= sec.addr && addr < sec.addr+uint64(len(sec.data)) {
			return sec, true
		}
	}
	return nil, false
}

// logSession records a committed analysis pass in the project storage
// location, when one was configured.
func (p *Project) logSession() {
	if p.opts.Dir == "" {
		return
	}
	if err := os.MkdirAll(p.opts.Dir, 0o755); err != nil {
		return
	}
	name := p.opts.Name
	if name == "" {
		name = "callhound"
	}
	f, err := os.OpenFile(filepath.Join(p.opts.Dir, name+".log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	var nrefs int
	for _, refs := range p.xrefs {
		nrefs += len(refs)
	}
	fmt.Fprintf(f, "%s analyzed %s: %d functions, %d call xrefs\n",
		time.Now().Format(time.RFC3339), p.path, len(p.funcs), nrefs)
}
