package scanner

import (
	"io/fs"
	"log"
	"path/filepath"

	"callhound/internal/common"

	"github.com/gobwas/glob"
)

type compiledPattern struct {
	pattern string
	glob    glob.Glob
}

func compilePatterns(patterns []string) ([]compiledPattern, error) {
	var out []compiledPattern
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, err
		}
		out = append(out, compiledPattern{pattern: pattern, glob: g})
	}
	return out, nil
}

// discoverBinaries walks root and returns the paths the classifier
// recognizes as ELF, in walk order, along with the number of regular
// files visited. Per-file faults are logged and skipped; only a walk
// that cannot proceed at all returns an error.
func discoverBinaries(root string, ignore []string,
	classify func(string) (common.BinaryFormat, error)) ([]string, int, error) {

	patterns, err := compilePatterns(ignore)
	if err != nil {
		return nil, 0, err
	}

	var binaries []string
	var walked int
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Disappearing or unreadable entries never abort the walk.
			log.Printf("[!] %s: %v", path, err)
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path != root && matchesAny(rel, patterns) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if matchesAny(rel, patterns) {
			return nil
		}
		walked++

		format, err := classify(path)
		if err != nil {
			log.Printf("[!] %s: classify: %v", path, err)
			return nil
		}
		switch format {
		case common.FormatELF:
			binaries = append(binaries, path)
		case common.FormatPE, common.FormatMachO:
			log.Printf("[*] %s: %s recognized, analysis is ELF-only, skipping",
				path, common.FormatToString(format))
		}
		return nil
	})
	if err != nil {
		return nil, walked, err
	}
	return binaries, walked, nil
}

func matchesAny(rel string, patterns []compiledPattern) bool {
	for _, p := range patterns {
		if p.glob.Match(rel) {
			return true
		}
	}
	return false
}
