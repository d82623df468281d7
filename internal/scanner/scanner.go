// Package scanner orchestrates a whole-directory analysis pass: walk,
// classify, analyze, extract call sites, persist findings.
package scanner

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"callhound/internal/callscan"
	"callhound/internal/common"
	"callhound/internal/report"
)

// ArtifactWriter persists one finding and returns where it was stored.
type ArtifactWriter interface {
	Write(f report.Finding) (string, error)
}

// Options configures one scan.
type Options struct {
	Root        string
	Targets     []string // function names to hunt for
	ProjectName string
	Ignore      []string // glob patterns, matched against slashed paths relative to Root
	Verbose     bool
}

// Stats is the accumulated outcome of one scan. Counters travel in the
// return value; the scanner keeps no ambient state between runs.
type Stats struct {
	FilesWalked         int
	BinariesFound       int
	FunctionsDecompiled int
	CallSitesFound      int
	ArtifactsWritten    int
	Errors              int
}

// Scanner wires the collaborators of a scan together. Classify and
// Open are injected so tests can supply fakes and the CLI can supply
// the real classifier and engine.
type Scanner struct {
	Classify func(path string) (common.BinaryFormat, error)
	Open     func(path string) (common.Project, error)
	Writer   ArtifactWriter
	Progress ProgressReporter
}

// Run executes the scan described by opts. Faults in a single file are
// logged and counted, never fatal; the returned error is reserved for
// faults that invalidate the whole pass (bad options, unreadable root,
// cancellation).
func (s *Scanner) Run(ctx context.Context, opts Options) (*Stats, error) {
	if len(opts.Targets) == 0 {
		return nil, fmt.Errorf("at least one target function name is required")
	}
	progress := s.Progress
	if progress == nil {
		progress = &NoOpProgressReporter{}
	}

	stats := &Stats{}
	progress.OnDiscoveryStart(opts.Root)
	binaries, walked, err := discoverBinaries(opts.Root, opts.Ignore, s.Classify)
	if err != nil {
		return nil, err
	}
	stats.FilesWalked = walked
	stats.BinariesFound = len(binaries)
	progress.OnDiscoveryComplete(len(binaries))

	for _, path := range binaries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		progress.OnBinaryStart(path)
		if err := s.scanBinary(path, opts, stats); err != nil {
			log.Printf("[!] %s: %v", path, err)
			stats.Errors++
		}
		progress.OnBinaryDone(path)
	}
	return stats, nil
}

// scanBinary runs the per-file pipeline: open a project, analyze inside
// a transaction, then chase references to each target through the
// decompiler and the call-site extractor.
func (s *Scanner) scanBinary(path string, opts Options, stats *Stats) error {
	proj, err := s.Open(path)
	if err != nil {
		return fmt.Errorf("open project: %w", err)
	}
	defer proj.Close()

	tx, err := proj.Begin("analyze " + filepath.Base(path))
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := proj.AnalyzeAll(); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("[!] %s: rollback: %v", path, rbErr)
		}
		return fmt.Errorf("analysis: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	funcs := proj.Functions()
	for _, target := range opts.Targets {
		anchor, ok := findFunction(funcs, target)
		if !ok {
			if opts.Verbose {
				log.Printf("[*] %s: no function named %q", path, target)
			}
			continue
		}

		refs := proj.ReferencesTo(anchor.Entry)
		if opts.Verbose {
			log.Printf("[*] %s: %d reference(s) to %s", path, len(refs), anchor.Name)
		}

		seen := map[uint64]bool{}
		for _, ref := range refs {
			caller, ok := proj.FunctionContaining(ref.From)
			if !ok {
				if opts.Verbose {
					log.Printf("[*]   xref at %#x is outside every function", ref.From)
				}
				continue
			}
			if opts.Verbose {
				log.Printf("[*]   xref %#x -> %s from %s", ref.From, anchor.Name, caller.Name)
			}
			if seen[caller.Entry] {
				continue
			}
			seen[caller.Entry] = true

			s.processCaller(path, proj, *caller, anchor.Name, opts, stats)
		}
	}
	return nil
}

func (s *Scanner) processCaller(path string, proj common.Project, caller common.Function,
	anchor string, opts Options, stats *Stats) {

	text, err := proj.Decompile(caller)
	if err != nil {
		log.Printf("[!] %s: decompile %s: %v", path, caller.Name, err)
		stats.Errors++
		return
	}
	stats.FunctionsDecompiled++

	calls, err := callscan.Extract(text, opts.Targets)
	if err != nil {
		log.Printf("[!] %s: %v", path, err)
		stats.Errors++
		return
	}
	if len(calls) == 0 {
		return
	}
	stats.CallSitesFound += len(calls)

	if opts.Verbose {
		for _, c := range calls {
			log.Printf("[+]   %s calls %s(%s)", caller.Name, c.Name, preview(c.Args))
		}
	}

	artifact, err := s.Writer.Write(report.Finding{
		Origin:     path,
		Function:   caller.Name,
		Anchor:     anchor,
		Matched:    callscan.UniqueNames(calls),
		Decompiled: text,
	})
	if err != nil {
		log.Printf("[!] %s: artifact for %s: %v", path, caller.Name, err)
		stats.Errors++
		return
	}
	stats.ArtifactsWritten++
	if opts.Verbose {
		log.Printf("[+]   wrote %s", artifact)
	}
}

// findFunction matches a target name against the function table,
// case-insensitively and ignoring symbol version suffixes such as
// "system@GLIBC_2.2.5".
func findFunction(funcs []common.Function, target string) (common.Function, bool) {
	for _, fn := range funcs {
		name := fn.Name
		if at := strings.IndexByte(name, '@'); at > 0 {
			name = name[:at]
		}
		if strings.EqualFold(name, target) {
			return fn, true
		}
	}
	return common.Function{}, false
}

// preview flattens argument text for one-line verbose output.
func preview(args string) string {
	flat := strings.Join(strings.Fields(args), " ")
	if len(flat) > 60 {
		flat = flat[:57] + "..."
	}
	return flat
}
