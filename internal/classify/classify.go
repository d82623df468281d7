// Package classify identifies executable file formats by magic-number
// sniffing, confirmed by a real parse of the candidate format.
package classify

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"callhound/internal/common"

	"github.com/Binject/debug/elf"
	"github.com/saferwall/pe"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Mach-O thin and fat magics, both byte orders.
var machoMagics = [][]byte{
	{0xfe, 0xed, 0xfa, 0xce},
	{0xce, 0xfa, 0xed, 0xfe},
	{0xfe, 0xed, 0xfa, 0xcf},
	{0xcf, 0xfa, 0xed, 0xfe},
	{0xca, 0xfe, 0xba, 0xbe},
}

// Detect reports the binary format of the file at path. Extensions are
// never consulted: the magic bytes select a candidate format, and the
// candidate must survive a parse of its header to count. A file whose
// magic matches but whose structure does not parse is Unknown, not an
// error. Errors are reserved for files that cannot be read at all.
func Detect(path string) (common.BinaryFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return common.FormatUnknown, err
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		// Too short to carry any magic we know.
		return common.FormatUnknown, nil
	}

	switch {
	case bytes.Equal(magic, elfMagic):
		if _, err := elf.NewFile(f); err != nil {
			return common.FormatUnknown, nil
		}
		return common.FormatELF, nil
	case magic[0] == 'M' && magic[1] == 'Z':
		if !parsesAsPE(path) {
			return common.FormatUnknown, nil
		}
		return common.FormatPE, nil
	}
	for _, m := range machoMagics {
		if bytes.Equal(magic, m) {
			return common.FormatMachO, nil
		}
	}
	return common.FormatUnknown, nil
}

func parsesAsPE(path string) bool {
	file, err := pe.New(path, &pe.Options{})
	if err != nil {
		return false
	}
	defer file.Close()
	return file.Parse() == nil
}

// Describe returns a one-line human-readable summary of the file's
// format, used by the classify command.
func Describe(path string) (string, error) {
	format, err := Detect(path)
	if err != nil {
		return "", err
	}

	switch format {
	case common.FormatELF:
		ef, err := elf.Open(path)
		if err != nil {
			return common.FormatToString(format), nil
		}
		defer ef.Close()
		return fmt.Sprintf("ELF %s %s, %d sections", ef.Class, ef.Machine, len(ef.Sections)), nil
	case common.FormatPE:
		file, err := pe.New(path, &pe.Options{})
		if err != nil {
			return common.FormatToString(format), nil
		}
		defer file.Close()
		if err := file.Parse(); err != nil {
			return common.FormatToString(format), nil
		}
		return fmt.Sprintf("PE machine %#x, %d sections",
			uint32(file.NtHeader.FileHeader.Machine), len(file.Sections)), nil
	}
	return common.FormatToString(format), nil
}
