// Package textproc holds the text pre-/post-processing stages that run
// around the decoder: multilingual target tags, subword join/restore,
// query reformatting. Stages implement the Processor interface and are
// composed into an ordered Pipeline; the supported set is a static
// registration table, not a discovery mechanism.
package textproc

import (
	"fmt"
	"sort"
	"strings"
)

// Processor is the capability interface every stage implements.
// PreprocessBeforeWrap runs on the whole logical line before the token
// budget is measured (so the budget matches what the decoder sees);
// PreprocessAfterWrap runs on each physical line after splitting.
type Processor interface {
	Preprocess(text string) string
	Postprocess(text string) string
	PreprocessBeforeWrap(text string) string
	PreprocessAfterWrap(text string) string
}

// Factory builds a stage for a language direction.
type Factory func(srcLang, tgtLang string) Processor

// processors is the explicit registration table. Additions go here, at
// compile time.
var processors = map[string]Factory{
	"noop":         func(src, tgt string) Processor { return Noop{} },
	"multilingual": func(src, tgt string) Processor { return Multilingual{TgtLang: tgt} },
	"subword":      func(src, tgt string) Processor { return Subword{} },
	"query":        func(src, tgt string) Processor { return Query{} },
}

// New returns the named stage, or an error listing the supported names.
func New(name, srcLang, tgtLang string) (Processor, error) {
	f, ok := processors[name]
	if !ok {
		return nil, fmt.Errorf("unknown text processor %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return f(srcLang, tgtLang), nil
}

// Names returns the registered stage names, sorted.
func Names() []string {
	names := make([]string, 0, len(processors))
	for k := range processors {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NewPipeline builds a pipeline from an ordered list of stage names,
// e.g. "query,subword,multilingual".
func NewPipeline(names []string, srcLang, tgtLang string) (Pipeline, error) {
	pl := make(Pipeline, 0, len(names))
	for _, n := range names {
		p, err := New(strings.TrimSpace(n), srcLang, tgtLang)
		if err != nil {
			return nil, err
		}
		pl = append(pl, p)
	}
	return pl, nil
}

// Pipeline composes stages in order. Preprocessing applies stages
// first-to-last; postprocessing applies them last-to-first, so a
// subword stage wrapped inside a tagging stage is undone first.
type Pipeline []Processor

func (pl Pipeline) Preprocess(text string) string {
	for _, p := range pl {
		text = p.Preprocess(text)
	}
	return text
}

func (pl Pipeline) Postprocess(text string) string {
	for i := len(pl) - 1; i >= 0; i-- {
		text = pl[i].Postprocess(text)
	}
	return text
}

func (pl Pipeline) PreprocessBeforeWrap(text string) string {
	for _, p := range pl {
		text = p.PreprocessBeforeWrap(text)
	}
	return text
}

func (pl Pipeline) PreprocessAfterWrap(text string) string {
	for _, p := range pl {
		text = p.PreprocessAfterWrap(text)
	}
	return text
}

// Noop passes text through unchanged on every capability.
type Noop struct{}

func (Noop) Preprocess(text string) string           { return text }
func (Noop) Postprocess(text string) string          { return text }
func (Noop) PreprocessBeforeWrap(text string) string { return text }
func (Noop) PreprocessAfterWrap(text string) string  { return text }

// Multilingual prepends the target-language tag the decoder was trained
// with, e.g. "<2de> guten tag". The tag goes on every physical line, so
// it is applied after wrapping.
type Multilingual struct {
	TgtLang string
}

func (m Multilingual) tag() string { return "<2" + m.TgtLang + ">" }

func (m Multilingual) Preprocess(text string) string {
	return m.tag() + " " + strings.TrimSpace(text)
}
func (m Multilingual) Postprocess(text string) string          { return text }
func (m Multilingual) PreprocessBeforeWrap(text string) string { return text }
func (m Multilingual) PreprocessAfterWrap(text string) string {
	return m.Preprocess(text)
}

// Subword undoes SentencePiece-style subword segmentation on decoder
// output: concatenate pieces, restore the U+2581 word boundary marker to
// a space. Encoding is done by the external segmentation tooling that
// produced the model's training data, so preprocessing is a pass-through.
type Subword struct{}

const spmSpace = "▁"

func (Subword) Preprocess(text string) string { return text }

func (Subword) Postprocess(text string) string {
	pieces := strings.Fields(text)
	return strings.TrimSpace(strings.ReplaceAll(strings.Join(pieces, ""), spmSpace, " "))
}

func (Subword) PreprocessBeforeWrap(text string) string { return text }
func (Subword) PreprocessAfterWrap(text string) string  { return text }

// Query reformats tab-separated "sentence<TAB>query" input into the
// delimiter the query-guided models expect.
type Query struct{}

const queryDelim = " ||| "

func (Query) Preprocess(text string) string {
	if i := strings.IndexByte(text, '\t'); i >= 0 {
		sentence, query := text[:i], text[i+1:]
		return strings.TrimSpace(sentence) + queryDelim + strings.TrimSpace(query)
	}
	return text
}
func (Query) Postprocess(text string) string { return text }
func (q Query) PreprocessBeforeWrap(text string) string {
	return q.Preprocess(text)
}
func (Query) PreprocessAfterWrap(text string) string { return text }
