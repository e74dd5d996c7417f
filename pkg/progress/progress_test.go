package progress

import (
	"bytes"
	"strings"
	"testing"
)

func TestTerminalPrintln(t *testing.T) {
	var buf bytes.Buffer
	p := NewTerminal(&buf)
	p.Println("hello")
	p.Println("world")

	out := buf.String()
	if !strings.Contains(out, "hello\n") || !strings.Contains(out, "world\n") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestTerminalProgressBarIncrementAndFinish(t *testing.T) {
	var buf bytes.Buffer
	p := NewTerminal(&buf)
	bar := p.ProgressBar(4)

	for i := 0; i < 4; i++ {
		bar.Increment()
	}
	bar.Finish()

	out := buf.String()
	if !strings.Contains(out, "4/4") {
		t.Fatalf("expected final tick to report 4/4, got %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatal("expected Finish to end with a newline")
	}
}

func TestTerminalProgressBarZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	p := NewTerminal(&buf)
	bar := p.ProgressBar(0)
	bar.Increment()
	bar.Finish()

	if !strings.Contains(buf.String(), "[1]") {
		t.Fatalf("expected indeterminate tick format, got %q", buf.String())
	}
}

func TestDiscardIsSilent(t *testing.T) {
	d := NewDiscard()
	d.Println("should not panic")
	bar := d.ProgressBar(10)
	bar.Increment()
	bar.Finish()
}
