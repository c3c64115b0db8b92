// Package marian parses the line-oriented output grammar of the marian
// decoder into structured translation records. Two grammars are
// supported: the plain one (bare translation lines, or n-best 4-tuples
// delimited by " ||| ") and the alternative-token one (per-token
// candidate blocks terminated by blank lines).
package marian

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Delim is the literal field delimiter of the n-best grammar.
const Delim = " ||| "

// Record is one parsed output slot: one physical line's translations.
// ID is the parser's own running counter in arrival order; the id field
// the decoder echoes is informational only and is never used for
// ordering. Translation holds nBest entries (one in bare mode).
// NBestWords is set only by the alternative-token grammar: per rank, per
// token position, a candidate→score map.
type Record struct {
	ID          int
	Translation []string
	NBestWords  [][]map[string]string
}

// ParseError reports a line the grammar cannot account for. Offset is
// the byte offset of the start of the offending line.
type ParseError struct {
	Line   int
	Offset int64
	Reason string
	Text   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("marian output line %d (byte %d): %s: %q", e.Line, e.Offset, e.Reason, e.Text)
}

// Parser consumes decoder output incrementally. One Parser is meant to
// drain a whole decoder session: successive Parse calls continue where
// the previous batch stopped. If MTOut is set, every raw line is teed to
// it before parsing.
type Parser struct {
	sc     *bufio.Scanner
	MTOut  io.Writer
	lineNo int
	offset int64
}

func NewParser(r io.Reader) *Parser {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Parser{sc: sc}
}

// scan advances to the next line, maintaining position bookkeeping.
func (p *Parser) scan() bool {
	if !p.sc.Scan() {
		return false
	}
	p.lineNo++
	p.offset += int64(len(p.sc.Bytes())) + 1
	if p.MTOut != nil {
		p.MTOut.Write(append(p.sc.Bytes(), '\n'))
	}
	return true
}

func (p *Parser) errorf(text, format string, args ...any) *ParseError {
	return &ParseError{
		Line:   p.lineNo,
		Offset: p.offset - int64(len(text)) - 1,
		Reason: fmt.Sprintf(format, args...),
		Text:   text,
	}
}

// Parse reads the plain grammar. A line containing " ||| " is an n-best
// tuple "id ||| translation ||| F0 ||| score"; nBest consecutive tuples
// close one slot. Any other line is a single-best translation and closes
// its own slot. Parsing stops after nItems slots (nItems <= 0 reads to
// end of stream). Slots already closed are returned alongside any error.
func (p *Parser) Parse(nItems, nBest int) ([]Record, error) {
	if nBest < 1 {
		nBest = 1
	}
	var out []Record
	var nbest []string
	count := 0
	for p.scan() {
		line := p.sc.Text()
		if strings.Contains(line, Delim) {
			parts := strings.Split(line, Delim)
			if len(parts) != 4 {
				return out, p.errorf(line, "expected 4 %q-delimited fields, got %d", Delim, len(parts))
			}
			nbest = append(nbest, parts[1])
			if len(nbest) == nBest {
				out = append(out, Record{ID: count, Translation: nbest})
				nbest = nil
				count++
			}
		} else {
			out = append(out, Record{ID: count, Translation: []string{line}})
			count++
		}
		if nItems > 0 && count == nItems {
			break
		}
	}
	if err := p.sc.Err(); err != nil {
		return out, fmt.Errorf("reading marian output: %w", err)
	}
	return out, nil
}

// ParseNBestWords reads the alternative-token grammar. Each block is an
// optional n-best header (a 4-field " ||| " line, consumed as a section
// marker only), one line per output token of the form
// "token ||| cand1 score1 cand2 score2 ...", and a terminating blank
// line. nBest consecutive blocks close one slot. The </s> token is kept
// in the alternatives but excluded from the joined translation. A second
// consecutive blank line is decoder padding and is skipped, never an
// empty slot. A block still open at end of stream is flushed as a
// completed slot.
func (p *Parser) ParseNBestWords(nItems, nBest int) ([]Record, error) {
	if nBest < 1 {
		nBest = 1
	}
	var (
		out         []Record
		tokens      []string
		nbestw      []map[string]string
		translation []string
		nbestWords  [][]map[string]string
		count       int
		parsing     bool
	)

	closeBlock := func() {
		translation = append(translation, strings.TrimSpace(strings.Join(tokens, " ")))
		nbestWords = append(nbestWords, nbestw)
		tokens = nil
		nbestw = []map[string]string{}
		parsing = false
	}
	closeSlot := func() {
		out = append(out, Record{ID: count, Translation: translation, NBestWords: nbestWords})
		translation = nil
		nbestWords = nil
		count++
	}

	nbestw = []map[string]string{}
	for p.scan() {
		line := strings.TrimSpace(p.sc.Text())

		switch {
		case line != "":
			parsing = true
			if parts := strings.Split(line, Delim); len(parts) == 4 {
				continue // n-best header, section marker only
			}
			tok, rest, found := strings.Cut(line, "|||")
			if !found {
				return out, p.errorf(line, "token line without ||| delimiter")
			}
			pairs := strings.Fields(rest)
			if len(pairs)%2 != 0 {
				return out, p.errorf(line, "odd candidate/score list (%d fields)", len(pairs))
			}
			cands := make(map[string]string, len(pairs)/2)
			for i := 0; i < len(pairs); i += 2 {
				cands[pairs[i]] = pairs[i+1]
			}
			nbestw = append(nbestw, cands)
			if strings.TrimSpace(tok) != "</s>" {
				tokens = append(tokens, strings.TrimSpace(tok))
			}

		case parsing:
			closeBlock()
			if len(translation) == nBest {
				closeSlot()
			}

		default:
			// second consecutive blank line: skip
		}

		if nItems > 0 && count == nItems {
			break
		}
	}
	if err := p.sc.Err(); err != nil {
		return out, fmt.Errorf("reading marian output: %w", err)
	}

	// stream may end mid-block with no trailing sentinel
	if parsing {
		closeBlock()
		closeSlot()
	}
	return out, nil
}
