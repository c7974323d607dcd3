// Package progress renders a running chunk's pipeline events to a
// terminal: a live spinner while a stage is in flight, a colored
// checkmark/failure symbol once it settles. Generalized from the teacher's
// terminal-capability detection to drive output for SpecSequencer/
// ChunkPipeline events instead of CLI command stages.
package progress

// TerminalCapabilities describes what the current stdout can render.
type TerminalCapabilities struct {
	IsTTY           bool
	SupportsColor   bool
	SupportsUnicode bool
	Width           int
}

// ProgressSymbols is the symbol set selected for the detected capabilities.
type ProgressSymbols struct {
	Checkmark  string
	Failure    string
	SpinnerSet int // index into github.com/briandowns/spinner.CharSets
}
