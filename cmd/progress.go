package cmd

import (
	"fmt"
	"time"

	"callhound/internal/scanner"

	"github.com/schollz/progressbar/v3"
)

// cliProgress renders scan progress as a terminal bar.
type cliProgress struct {
	bar *progressbar.ProgressBar
}

// newProgressReporter picks the reporter for the scan. The bar and the
// verbose per-xref log lines fight over the terminal, so verbose runs
// get the silent reporter.
func newProgressReporter(verbose bool) scanner.ProgressReporter {
	if verbose {
		return &scanner.NoOpProgressReporter{}
	}
	return &cliProgress{}
}

func (c *cliProgress) OnDiscoveryStart(root string) {
	fmt.Printf("[*] Discovering binaries under %s\n", root)
}

func (c *cliProgress) OnDiscoveryComplete(binaries int) {
	if binaries == 0 {
		return
	}
	c.bar = progressbar.NewOptions(binaries,
		progressbar.OptionSetDescription("Analyzing binaries"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)
}

func (c *cliProgress) OnBinaryStart(path string) {}

func (c *cliProgress) OnBinaryDone(path string) {
	if c.bar != nil {
		c.bar.Add(1)
	}
}
