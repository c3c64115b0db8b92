package pipeline

import (
	"fmt"
	"strings"

	"github.com/EdinburghNLP/material-edinmt/internal/marian"
	"github.com/EdinburghNLP/material-edinmt/internal/retag"
)

// UnwrapOptions controls collation of parsed decoder output back into
// logical units.
type UnwrapOptions struct {
	// Postprocess, if set, is applied to each joined translation
	// (subword restore, detokenization, ...).
	Postprocess func(string) string
	// Empties marks logical ids whose output is force-blanked. Decoders
	// can hallucinate on empty input, so whatever the parser produced
	// for those units is discarded.
	Empties map[int]bool
	// Tagged maps logical ids to their extracted placeholder tags,
	// reinserted after postprocessing.
	Tagged map[int][]retag.Tag
	// NBest is the number of ranked translations per physical line.
	NBest int
	// Expand emits one Item per n-best rank instead of one Item with a
	// rank list.
	Expand bool
}

// Unwrap regroups parsed records into logical units using trueIDs: the
// i-th record belongs to logical unit trueIDs[i], and within a unit the
// records keep their send order, which recovers the physical-line
// sequence of a long line that was split. For each n-best rank the piece
// texts are joined rank-to-rank (rank 0 of piece 0 with rank 0 of piece
// 1) so splitting and n-best compose correctly.
func Unwrap(records []marian.Record, trueIDs []int, opts UnwrapOptions) ([]Item, error) {
	if len(records) > len(trueIDs) {
		return nil, fmt.Errorf("unwrap: %d records but only %d true ids", len(records), len(trueIDs))
	}
	nBest := opts.NBest
	if nBest < 1 {
		nBest = 1
	}

	type group struct {
		translations [][]string              // per piece, per rank
		nbestWords   [][][]map[string]string // per piece, per rank, per token
		hasWords     bool
	}
	order := make([]int, 0, len(records))
	groups := make(map[int]*group)

	for i, rec := range records {
		id := trueIDs[i]
		g, ok := groups[id]
		if !ok {
			g = &group{}
			groups[id] = g
			order = append(order, id)
		}
		g.translations = append(g.translations, rec.Translation)
		if rec.NBestWords != nil {
			g.nbestWords = append(g.nbestWords, rec.NBestWords)
			g.hasWords = true
		}
	}

	var final []Item
	for _, id := range order {
		g := groups[id]

		var translations []string
		var nbestWords [][]map[string]string

		if opts.Empties[id] {
			translations = make([]string, nBest)
			if g.hasWords {
				nbestWords = make([][]map[string]string, nBest)
				for r := range nbestWords {
					nbestWords[r] = []map[string]string{}
				}
			}
		} else {
			// transpose piece-major into rank-major
			ranks := minRanks(g.translations)
			for r := 0; r < ranks; r++ {
				parts := make([]string, 0, len(g.translations))
				for _, piece := range g.translations {
					parts = append(parts, strings.TrimSpace(piece[r]))
				}
				joined := strings.TrimSpace(strings.Join(parts, " "))
				if opts.Postprocess != nil {
					joined = strings.TrimSpace(opts.Postprocess(joined))
				}
				if tags, ok := opts.Tagged[id]; ok {
					joined = retag.Reinsert(joined, tags)
				}
				translations = append(translations, joined)
			}
			if g.hasWords {
				wranks := minWordRanks(g.nbestWords)
				for r := 0; r < wranks; r++ {
					var joined []map[string]string
					for _, piece := range g.nbestWords {
						joined = append(joined, piece[r]...)
					}
					nbestWords = append(nbestWords, joined)
				}
			}
		}

		if opts.Expand {
			for r := range translations {
				it := Item{ID: id, Translation: translations[r]}
				if g.hasWords && r < len(nbestWords) {
					it.NBestWords = nbestWords[r]
				}
				final = append(final, it)
			}
		} else {
			it := Item{ID: id, Translation: translations}
			if g.hasWords {
				it.NBestWords = nbestWords
			}
			final = append(final, it)
		}
	}
	return final, nil
}

func minRanks(pieces [][]string) int {
	if len(pieces) == 0 {
		return 0
	}
	n := len(pieces[0])
	for _, p := range pieces[1:] {
		if len(p) < n {
			n = len(p)
		}
	}
	return n
}

func minWordRanks(pieces [][][]map[string]string) int {
	if len(pieces) == 0 {
		return 0
	}
	n := len(pieces[0])
	for _, p := range pieces[1:] {
		if len(p) < n {
			n = len(p)
		}
	}
	return n
}
