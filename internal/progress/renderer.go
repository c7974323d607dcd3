package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"

	"github.com/ariel-frischer/specforge/internal/model"
	"github.com/ariel-frischer/specforge/internal/sequencer"
)

// Renderer drives a single terminal spinner across a spec's whole run,
// relabeling it per chunk and printing a colored pass/fail line each time a
// chunk settles. Safe to feed from Sequencer.Run's sink directly.
type Renderer struct {
	out     io.Writer
	caps    TerminalCapabilities
	symbols ProgressSymbols

	mu sync.Mutex
	s  *spinner.Spinner
}

// NewRenderer builds a Renderer writing to out, auto-detecting terminal
// capabilities. If out is not a TTY the spinner is suppressed and only the
// settled lines are printed.
func NewRenderer(out io.Writer) *Renderer {
	caps := DetectTerminalCapabilities()
	symbols := SelectSymbols(caps)

	r := &Renderer{out: out, caps: caps, symbols: symbols}
	if caps.IsTTY {
		r.s = spinner.New(spinner.CharSets[symbols.SpinnerSet], 100*time.Millisecond, spinner.WithWriter(out))
	}
	return r
}

// Sink adapts the renderer into a sequencer.Sink.
func (r *Renderer) Sink() sequencer.Sink {
	return r.handle
}

func (r *Renderer) handle(ev sequencer.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case sequencer.EventChunkStart:
		r.startSpinner(fmt.Sprintf("chunk %s running", ev.ChunkID))
	case sequencer.EventChunkComplete:
		r.settle(ev.ChunkID, ev.Outcome != nil && ev.Outcome.ChunkStatus == model.ChunkCompleted)
	case sequencer.EventChunkSkipped:
		r.settle(ev.ChunkID, false)
	case sequencer.EventFinalReviewStart:
		r.startSpinner("final review running")
	case sequencer.EventFinalReviewPass:
		r.stopSpinner()
		fmt.Fprintf(r.out, "%s final review\n", r.symbols.Checkmark)
	case sequencer.EventSpecComplete:
		r.stopSpinner()
		r.printSpecSummary(ev)
	}
}

func (r *Renderer) startSpinner(suffix string) {
	if r.s == nil {
		fmt.Fprintln(r.out, suffix)
		return
	}
	r.s.Suffix = " " + suffix
	if !r.s.Active() {
		r.s.Start()
	}
}

func (r *Renderer) stopSpinner() {
	if r.s != nil && r.s.Active() {
		r.s.Stop()
	}
}

func (r *Renderer) settle(chunkID string, ok bool) {
	r.stopSpinner()
	symbol := r.symbols.Failure
	c := color.New(color.FgRed)
	if ok {
		symbol = r.symbols.Checkmark
		c = color.New(color.FgGreen)
	}
	if r.caps.SupportsColor {
		c.Fprintf(r.out, "%s chunk %s\n", symbol, chunkID)
		return
	}
	fmt.Fprintf(r.out, "%s chunk %s\n", symbol, chunkID)
}

func (r *Renderer) printSpecSummary(ev sequencer.Event) {
	if ev.Stats == nil {
		return
	}
	fmt.Fprintf(r.out, "spec %s: %d completed, %d skipped, %d failed, %d commits\n",
		ev.SpecID, ev.Stats.ChunksCompleted, ev.Stats.ChunksSkipped, ev.Stats.ChunksFailed, ev.Stats.CommitCount)
}
