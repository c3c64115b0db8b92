// Package pipeline is the core of the translation service: the
// unwrapper/collator that reassembles decoder output into logical units,
// and the transport engine that feeds and drains the decoder process.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Output formats.
const (
	FormatJSON   = "json"
	FormatMarian = "marian"
	FormatText   = "text"
)

// Formats lists the supported output formats.
var Formats = []string{FormatJSON, FormatMarian, FormatText}

// ValidFormat reports whether name is a supported output format.
func ValidFormat(name string) bool {
	for _, f := range Formats {
		if f == name {
			return true
		}
	}
	return false
}

// Item is one collated output record, ready for formatting. ID is the
// logical unit's index in the source stream. Translation is a string
// when n-best ranks were expanded into their own items, otherwise a
// []string of length nBest. NBestWords carries per-token alternatives
// when the alternative-token decoder was used.
type Item struct {
	ID          int    `json:"id"`
	Translation any    `json:"translation"`
	NBestWords  any    `json:"nbest_words,omitempty"`
	Warning     string `json:"warning,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Format renders the item in the named output format. The marian and
// text formats require an expanded (scalar) translation.
func (it Item) Format(format string) (string, error) {
	switch format {
	case FormatJSON:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(it); err != nil {
			return "", err
		}
		return strings.TrimSuffix(buf.String(), "\n"), nil
	case FormatMarian:
		s, err := it.scalar()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d ||| %s", it.ID, strings.TrimSpace(s)), nil
	case FormatText:
		s, err := it.scalar()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q (supported: %s)", format, strings.Join(Formats, ", "))
	}
}

func (it Item) scalar() (string, error) {
	s, ok := it.Translation.(string)
	if !ok {
		return "", fmt.Errorf("format requires expanded n-best output, have %T", it.Translation)
	}
	return s, nil
}
