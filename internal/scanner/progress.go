package scanner

// ProgressReporter receives scan lifecycle events. The scanner is
// single-threaded, so implementations never see concurrent calls.
type ProgressReporter interface {
	OnDiscoveryStart(root string)
	OnDiscoveryComplete(binaries int)
	OnBinaryStart(path string)
	OnBinaryDone(path string)
}

// NoOpProgressReporter ignores all events.
type NoOpProgressReporter struct{}

func (NoOpProgressReporter) OnDiscoveryStart(string) {}
func (NoOpProgressReporter) OnDiscoveryComplete(int) {}
func (NoOpProgressReporter) OnBinaryStart(string)    {}
func (NoOpProgressReporter) OnBinaryDone(string)     {}
