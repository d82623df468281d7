package classify

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"callhound/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalELF64 builds the smallest ELF image the parser accepts: a bare
// 64-byte little-endian x86-64 header with no program or section tables.
func minimalELF64() []byte {
	hdr := make([]byte, 64)
	copy(hdr, []byte{0x7f, 'E', 'L', 'F'})
	hdr[4] = 2                                    // ELFCLASS64
	hdr[5] = 1                                    // little endian
	hdr[6] = 1                                    // EV_CURRENT
	binary.LittleEndian.PutUint16(hdr[16:], 2)    // ET_EXEC
	binary.LittleEndian.PutUint16(hdr[18:], 0x3e) // EM_X86_64
	binary.LittleEndian.PutUint32(hdr[20:], 1)    // e_version
	binary.LittleEndian.PutUint16(hdr[52:], 64)   // e_ehsize
	return hdr
}

func writeTemp(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestDetect_ELF(t *testing.T) {
	t.Parallel()

	// Extension must not matter; only the content does.
	path := writeTemp(t, "installer.txt", minimalELF64())
	format, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, common.FormatELF, format)
}

func TestDetect_ELFMagicWithGarbageBody(t *testing.T) {
	t.Parallel()

	// The magic alone is not enough: the header must parse.
	content := append([]byte{0x7f, 'E', 'L', 'F'}, []byte("not actually an elf")...)
	path := writeTemp(t, "fake.elf", content)
	format, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, common.FormatUnknown, format)
}

func TestDetect_MachOMagic(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "tool", []byte{0xcf, 0xfa, 0xed, 0xfe, 0x00, 0x00})
	format, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, common.FormatMachO, format)
}

func TestDetect_MZMagicWithGarbageBody(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "setup.exe", []byte("MZ this is not a portable executable"))
	format, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, common.FormatUnknown, format)
}

func TestDetect_PlainText(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "README", []byte("hello world\n"))
	format, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, common.FormatUnknown, format)
}

func TestDetect_TooShort(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "stub", []byte{0x7f})
	format, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, common.FormatUnknown, format)
}

func TestDetect_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Detect(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestDescribe_ELF(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "bin", minimalELF64())
	desc, err := Describe(path)
	require.NoError(t, err)
	assert.Contains(t, desc, "ELF")
	assert.Contains(t, desc, "EM_X86_64")
}
