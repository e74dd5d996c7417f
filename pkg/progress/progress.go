// Package progress implements the engine's progress-reporting collaborator
// (engine.Progress / engine.ProgressHandle): a println sink plus a
// determinate progress bar, kept deliberately thin since rendering it to a
// real terminal is out of core scope.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/mashin-run/mashin/pkg/engine"
)

// Terminal is an engine.Progress implementation that prints lines and
// renders a single-line, carriage-return-redrawn progress bar to an
// io.Writer (normally os.Stdout).
type Terminal struct {
	out io.Writer
	mu  sync.Mutex
}

// NewTerminal creates a Terminal progress reporter writing to out.
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

// Println writes msg followed by a newline. It does not end an
// in-progress bar line first.
func (t *Terminal) Println(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, msg)
}

// ProgressBar starts a new bar tracking total units of work.
func (t *Terminal) ProgressBar(total int) engine.ProgressHandle {
	return &terminalBar{t: t, total: total}
}

type terminalBar struct {
	t       *Terminal
	total   int
	current int
	mu      sync.Mutex
}

// Increment advances the bar by one unit and redraws it in place.
func (b *terminalBar) Increment() {
	b.mu.Lock()
	b.current++
	current, total := b.current, b.total
	b.mu.Unlock()

	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	if total <= 0 {
		fmt.Fprintf(b.t.out, "\r[%d]", current)
		return
	}
	width := 30
	filled := width * current / total
	if filled > width {
		filled = width
	}
	bar := make([]byte, width)
	for i := range bar {
		if i < filled {
			bar[i] = '='
		} else {
			bar[i] = ' '
		}
	}
	fmt.Fprintf(b.t.out, "\r[%s] %d/%d", bar, current, total)
}

// Finish completes the bar, moving the cursor to a fresh line.
func (b *terminalBar) Finish() {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	fmt.Fprintln(b.t.out)
}

// Discard is a no-op Progress implementation for tests and non-interactive
// runs (e.g. CI, `--quiet`).
type Discard struct{}

// NewDiscard creates a Progress implementation that reports nothing.
func NewDiscard() Discard { return Discard{} }

// Println discards msg.
func (Discard) Println(msg string) {}

// ProgressBar returns a handle whose Increment/Finish are no-ops.
func (Discard) ProgressBar(total int) engine.ProgressHandle { return discardBar{} }

type discardBar struct{}

func (discardBar) Increment() {}
func (discardBar) Finish()    {}
