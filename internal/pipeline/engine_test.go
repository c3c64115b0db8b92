package pipeline

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/EdinburghNLP/material-edinmt/internal/marian"
)

// stubDecoder runs an in-process line transformer behind the Decoder
// interface, with an optional per-line delay to exercise feeder/drainer
// interleaving.
type stubDecoder struct {
	stdin   io.WriteCloser
	stdout  io.Reader
	waitErr error
}

func newStubDecoder(transform func(string) string, delay time.Duration) *stubDecoder {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		sc := bufio.NewScanner(inR)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for sc.Scan() {
			if delay > 0 {
				time.Sleep(delay)
			}
			fmt.Fprintln(outW, transform(sc.Text()))
		}
		outW.Close()
	}()
	return &stubDecoder{stdin: inW, stdout: outR}
}

func (d *stubDecoder) Stdin() io.WriteCloser { return d.stdin }
func (d *stubDecoder) Stdout() io.Reader     { return d.stdout }
func (d *stubDecoder) Wait() error           { return d.waitErr }

func identity(s string) string { return s }

func reverseTokens(s string) string {
	tokens := strings.Fields(s)
	for i, j := 0, len(tokens)-1; i < j; i, j = i+1, j-1 {
		tokens[i], tokens[j] = tokens[j], tokens[i]
	}
	return strings.Join(tokens, " ")
}

func outputLines(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	out := strings.TrimSuffix(buf.String(), "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func TestRunPlainOneBest(t *testing.T) {
	// three lines, one blank; the stub reverses tokens, and the blank
	// line's output is forced back to empty
	in := "hello world\n\nlast line\n"
	var out bytes.Buffer

	err := Run(newStubDecoder(reverseTokens, 0), strings.NewReader(in), &out, Options{
		Format: FormatText,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	want := []string{"world hello", "", "line last"}
	if len(got) != len(want) {
		t.Fatalf("got %d lines %q, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunEmptyLineSuppressesGarbage(t *testing.T) {
	garbage := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "HALLUCINATED OUTPUT"
		}
		return s
	}
	in := "text\n\n"
	var out bytes.Buffer

	err := Run(newStubDecoder(garbage, 0), strings.NewReader(in), &out, Options{
		Format: FormatText,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2", len(got))
	}
	if got[1] != "" {
		t.Errorf("empty unit = %q, want suppressed", got[1])
	}
}

func TestRunLongLineSplitRoundTrip(t *testing.T) {
	tokens := make([]string, 250)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("w%d", i)
	}
	in := strings.Join(tokens, " ") + "\n"
	var out bytes.Buffer

	err := Run(newStubDecoder(identity, 0), strings.NewReader(in), &out, Options{
		MaxTokens: 200,
		Format:    FormatText,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := outputLines(t, &out)
	if len(lines) != 1 {
		t.Fatalf("got %d output lines, want 1", len(lines))
	}
	got := strings.Fields(lines[0])
	if len(got) != 250 {
		t.Errorf("rejoined token count = %d, want 250", len(got))
	}
	if got[0] != "w0" || got[249] != "w249" {
		t.Errorf("token order broken: first %q last %q", got[0], got[249])
	}
}

func TestRunBatchOrderingUnderSlowDecoder(t *testing.T) {
	const n = 10
	var in strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&in, "sentence %d\n", i)
	}
	var out bytes.Buffer

	err := Run(newStubDecoder(identity, 2*time.Millisecond), strings.NewReader(in.String()), &out, Options{
		BatchSize: 3,
		Format:    FormatMarian,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := outputLines(t, &out)
	if len(lines) != n {
		t.Fatalf("got %d lines, want %d", len(lines), n)
	}
	for i, line := range lines {
		want := fmt.Sprintf("%d ||| sentence %d", i, i)
		if line != want {
			t.Errorf("line %d = %q, want %q", i, line, want)
		}
	}
}

func TestRunGlobalIDsAcrossBatches(t *testing.T) {
	in := "a\nb\nc\nd\ne\n"
	var out bytes.Buffer

	err := Run(newStubDecoder(identity, 0), strings.NewReader(in), &out, Options{
		BatchSize: 2,
		Format:    FormatMarian,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := outputLines(t, &out)
	for i, want := range []string{"0 ||| a", "1 ||| b", "2 ||| c", "3 ||| d", "4 ||| e"} {
		if lines[i] != want {
			t.Errorf("line %d = %q, want %q", i, lines[i], want)
		}
	}
}

func TestRunPropagatesDecoderExit(t *testing.T) {
	d := newStubDecoder(identity, 0)
	d.waitErr = &ExitError{Code: 42}
	var out bytes.Buffer

	err := Run(d, strings.NewReader("text\n"), &out, Options{Format: FormatText})
	xerr, ok := err.(*ExitError)
	if !ok {
		t.Fatalf("Run error = %v, want *ExitError", err)
	}
	if xerr.Code != 42 {
		t.Errorf("Code = %d, want 42", xerr.Code)
	}
}

func TestRunSurfacesParseErrorMidStream(t *testing.T) {
	// the stub answers every line with a malformed 2-field record, so
	// the drainer fails on the first batch while the feeder still has
	// thousands of batches queued behind the decoder's pipes; Run must
	// stop the feeder and return the parse error instead of hanging
	malformed := func(s string) string { return "0 ||| " + s }
	d := newStubDecoder(malformed, 0)

	var in bytes.Buffer
	for i := 0; i < 5000; i++ {
		in.WriteString("ein satz\n")
	}

	done := make(chan error, 1)
	go func() {
		var out bytes.Buffer
		done <- Run(d, &in, &out, Options{Format: FormatText})
	}()

	select {
	case err := <-done:
		var perr *marian.ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("Run error = %v, want *marian.ParseError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run still blocked after the drainer hit a parse error")
	}
}

func TestRunProcessorHooks(t *testing.T) {
	in := "guten tag\n"
	var out bytes.Buffer

	err := Run(newStubDecoder(identity, 0), strings.NewReader(in), &out, Options{
		Processor: tagProcessor{},
		Format:    FormatText,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := outputLines(t, &out)
	if lines[0] != "guten tag" {
		t.Errorf("line = %q, want tag stripped by postprocess", lines[0])
	}
}

// tagProcessor prepends a language tag per physical line and strips it
// again on the way out.
type tagProcessor struct{}

func (tagProcessor) Preprocess(s string) string           { return s }
func (tagProcessor) PreprocessBeforeWrap(s string) string { return s }
func (tagProcessor) PreprocessAfterWrap(s string) string  { return "<2de> " + s }
func (tagProcessor) Postprocess(s string) string {
	return strings.TrimSpace(strings.TrimPrefix(s, "<2de>"))
}
