package pipeline

import (
	"reflect"
	"strings"
	"testing"

	"github.com/EdinburghNLP/material-edinmt/internal/marian"
	"github.com/EdinburghNLP/material-edinmt/internal/retag"
)

func TestUnwrapJoinsSplitPieces(t *testing.T) {
	recs := []marian.Record{
		{ID: 0, Translation: []string{"first piece"}},
		{ID: 1, Translation: []string{"second piece"}},
		{ID: 2, Translation: []string{"own line"}},
	}
	items, err := Unwrap(recs, []int{0, 0, 1}, UnwrapOptions{NBest: 1, Expand: true})
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Translation != "first piece second piece" {
		t.Errorf("item 0 = %q", items[0].Translation)
	}
	if items[1].Translation != "own line" {
		t.Errorf("item 1 = %q", items[1].Translation)
	}
}

func TestUnwrapRankIntegrityUnderSplitting(t *testing.T) {
	// two pieces of one logical line, two ranks each: rank r of the
	// result is rank r of piece0 joined with rank r of piece1, never a
	// mix of ranks
	recs := []marian.Record{
		{ID: 0, Translation: []string{"p0r0", "p0r1"}},
		{ID: 1, Translation: []string{"p1r0", "p1r1"}},
	}
	items, err := Unwrap(recs, []int{0, 0}, UnwrapOptions{NBest: 2})
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	want := []string{"p0r0 p1r0", "p0r1 p1r1"}
	if !reflect.DeepEqual(items[0].Translation, want) {
		t.Errorf("translation = %v, want %v", items[0].Translation, want)
	}
}

func TestUnwrapExpandEmitsPerRankItems(t *testing.T) {
	recs := []marian.Record{
		{ID: 0, Translation: []string{"X", "Y"}},
	}
	items, err := Unwrap(recs, []int{0}, UnwrapOptions{NBest: 2, Expand: true})
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	for i, want := range []string{"X", "Y"} {
		if items[i].ID != 0 || items[i].Translation != want {
			t.Errorf("item %d = %+v, want id 0 translation %q", i, items[i], want)
		}
	}
}

func TestUnwrapBlanksEmptyUnits(t *testing.T) {
	// the decoder hallucinated on an originally empty line
	recs := []marian.Record{
		{ID: 0, Translation: []string{"real text"}},
		{ID: 1, Translation: []string{"hallucinated garbage"}},
	}
	items, err := Unwrap(recs, []int{0, 1}, UnwrapOptions{
		NBest:   1,
		Empties: map[int]bool{1: true},
		Expand:  true,
	})
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if items[1].Translation != "" {
		t.Errorf("empty unit = %q, want forced blank", items[1].Translation)
	}
}

func TestUnwrapBlanksEmptyAlternatives(t *testing.T) {
	recs := []marian.Record{
		{ID: 0, Translation: []string{"junk"}, NBestWords: [][]map[string]string{
			{{"junk": "-1.0"}},
		}},
	}
	items, err := Unwrap(recs, []int{0}, UnwrapOptions{
		NBest:   1,
		Empties: map[int]bool{0: true},
		Expand:  true,
	})
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if items[0].Translation != "" {
		t.Errorf("translation = %q, want blank", items[0].Translation)
	}
	words, ok := items[0].NBestWords.([]map[string]string)
	if !ok || len(words) != 0 {
		t.Errorf("alternatives = %#v, want present but empty", items[0].NBestWords)
	}
}

func TestUnwrapPostprocessAndTags(t *testing.T) {
	_, tags := retag.Extract("besuche https://example.com bitte")
	recs := []marian.Record{
		{ID: 0, Translation: []string{"▁visit [URL0] ▁ple ase"}},
	}
	post := func(s string) string {
		pieces := strings.Fields(s)
		return strings.TrimSpace(strings.ReplaceAll(strings.Join(pieces, ""), "▁", " "))
	}
	items, err := Unwrap(recs, []int{0}, UnwrapOptions{
		NBest:       1,
		Postprocess: post,
		Tagged:      map[int][]retag.Tag{0: tags},
		Expand:      true,
	})
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	got := items[0].Translation.(string)
	if !strings.Contains(got, "https://example.com") {
		t.Errorf("translation = %q, want the url reinserted", got)
	}
	if strings.Contains(got, "▁") {
		t.Errorf("translation = %q, want subword restored", got)
	}
}

func TestUnwrapTooManyRecords(t *testing.T) {
	recs := []marian.Record{
		{ID: 0, Translation: []string{"a"}},
		{ID: 1, Translation: []string{"b"}},
	}
	if _, err := Unwrap(recs, []int{0}, UnwrapOptions{NBest: 1}); err == nil {
		t.Fatal("Unwrap with excess records = nil error, want failure")
	}
}

func TestUnwrapAlternativesJoinAcrossPieces(t *testing.T) {
	recs := []marian.Record{
		{ID: 0, Translation: []string{"tok0"}, NBestWords: [][]map[string]string{
			{{"tok0": "-1.0"}},
		}},
		{ID: 1, Translation: []string{"tok1"}, NBestWords: [][]map[string]string{
			{{"tok1": "-2.0"}},
		}},
	}
	items, err := Unwrap(recs, []int{0, 0}, UnwrapOptions{NBest: 1, Expand: true})
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	words := items[0].NBestWords.([]map[string]string)
	if len(words) != 2 {
		t.Fatalf("got %d token positions, want 2", len(words))
	}
	if words[0]["tok0"] != "-1.0" || words[1]["tok1"] != "-2.0" {
		t.Errorf("alternatives = %v", words)
	}
}
