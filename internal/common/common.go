package common

// BinaryFormat identifies the container format of an executable file,
// determined by magic-number sniffing rather than file extension.
type BinaryFormat int

const (
	FormatUnknown BinaryFormat = iota
	FormatELF
	FormatPE
	FormatMachO
)

func FormatToString(format BinaryFormat) string {
	if format == FormatELF {
		return "ELF"
	} else if format == FormatPE {
		return "PE"
	} else if format == FormatMachO {
		return "Mach-O"
	}
	return "UNKNOWN"
}

// Function is one defined function inside an analyzed binary. For
// dynamically linked imports the entry is the resolved PLT stub.
type Function struct {
	Name  string
	Entry uint64
	Size  uint64
}

// Reference records that the instruction at From calls the address To.
type Reference struct {
	From uint64
	To   uint64
}

// Transaction brackets one unit of analysis work. Staged results become
// visible on Commit and are discarded on Rollback.
type Transaction interface {
	Commit() error
	Rollback() error
}

// Project is an analysis session over a single binary. Functions,
// ReferencesTo and FunctionContaining reflect the last committed
// analysis pass; before the first Commit only the symbol table is
// visible and no cross-references exist.
type Project interface {
	Begin(name string) (Transaction, error)
	AnalyzeAll() error
	Functions() []Function
	ReferencesTo(addr uint64) []Reference
	FunctionContaining(addr uint64) (*Function, bool)
	Decompile(fn Function) (string, error)
	Close() error
}
