package textproc

import (
	"reflect"
	"strings"
	"testing"
)

func TestNewUnknownName(t *testing.T) {
	_, err := New("nope", "de", "en")
	if err == nil {
		t.Fatal("New(nope) = nil error, want failure")
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("error = %v, want the bad name in it", err)
	}
}

func TestNames(t *testing.T) {
	want := []string{"multilingual", "noop", "query", "subword"}
	if got := Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestMultilingualTagAfterWrap(t *testing.T) {
	p, err := New("multilingual", "kk", "ru")
	if err != nil {
		t.Fatal(err)
	}
	got := p.PreprocessAfterWrap("privet mir")
	if got != "<2ru> privet mir" {
		t.Errorf("PreprocessAfterWrap = %q", got)
	}
	// the tag must not be added before wrapping, or it would be
	// counted against the token budget once per logical line only
	if got := p.PreprocessBeforeWrap("privet mir"); got != "privet mir" {
		t.Errorf("PreprocessBeforeWrap = %q, want pass-through", got)
	}
}

func TestSubwordPostprocess(t *testing.T) {
	p, err := New("subword", "ka", "en")
	if err != nil {
		t.Fatal(err)
	}
	got := p.Postprocess("▁hel lo ▁wor ld")
	if got != "hello world" {
		t.Errorf("Postprocess = %q, want %q", got, "hello world")
	}
}

func TestQueryTabToDelimiter(t *testing.T) {
	p, err := New("query", "kk", "en")
	if err != nil {
		t.Fatal(err)
	}
	got := p.PreprocessBeforeWrap("the sentence\tthe query")
	if got != "the sentence ||| the query" {
		t.Errorf("PreprocessBeforeWrap = %q", got)
	}

	// empty query keeps the delimiter so the decoder sees the field
	got = p.PreprocessBeforeWrap("the sentence\t")
	if got != "the sentence ||| " {
		t.Errorf("empty query: PreprocessBeforeWrap = %q", got)
	}

	// no tab, no change
	got = p.PreprocessBeforeWrap("plain sentence")
	if got != "plain sentence" {
		t.Errorf("no tab: PreprocessBeforeWrap = %q", got)
	}
}

func TestPipelineOrder(t *testing.T) {
	pl, err := NewPipeline([]string{"query", "subword", "multilingual"}, "kk", "en")
	if err != nil {
		t.Fatal(err)
	}

	// preprocessing runs first-to-last
	got := pl.PreprocessBeforeWrap("sent\tquery")
	if got != "sent ||| query" {
		t.Errorf("PreprocessBeforeWrap = %q", got)
	}
	got = pl.PreprocessAfterWrap("sent ||| query")
	if got != "<2en> sent ||| query" {
		t.Errorf("PreprocessAfterWrap = %q", got)
	}

	// postprocessing runs last-to-first, so subword restore still
	// applies after the multilingual stage's no-op
	got = pl.Postprocess("▁hel lo")
	if got != "hello" {
		t.Errorf("Postprocess = %q", got)
	}
}

func TestPipelineUnknownStage(t *testing.T) {
	if _, err := NewPipeline([]string{"subword", "bogus"}, "de", "en"); err == nil {
		t.Fatal("NewPipeline with unknown stage = nil error, want failure")
	}
}
