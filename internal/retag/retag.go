// Package retag protects substrings the decoder would mangle (markup
// tags, URLs, emails, social handles) by substituting placeholder tokens
// before translation and splicing the original text back in afterward.
// The placeholders are plain bracketed tokens that subword segmentation
// leaves alone.
package retag

import (
	"fmt"
	"regexp"
	"strings"
)

// Tag is one extracted substring and the placeholder that replaced it.
type Tag struct {
	Placeholder string `json:"placeholder"`
	Original    string `json:"original"`
}

// Pattern classes, applied in this order. Replacement happens in place as
// each class runs, so for overlapping matches the first class wins.
var classes = []struct {
	re    *regexp.Regexp
	templ string
}{
	{regexp.MustCompile(`\s*<(?:[A-Za-z]+|/)[^<]*?>\s*`), " [TAG%d] "},
	{regexp.MustCompile(`(?i)\b(?:[a-z][\w+.-]*://|www\.)[^\s()<>]+`), " [URL%d] "},
	{regexp.MustCompile("(?i)[a-z0-9!#$%&'*+/=?^_`{|}~-]+(?:\\.[a-z0-9!#$%&'*+/=?^_`{|}~-]+)*@(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\\.)+[a-z](?:[a-z0-9-]*[a-z0-9])?"), " [EML%d] "},
	{regexp.MustCompile(`@\S+`), " [HANDLE%d] "},
}

// Extract replaces protected substrings in text with placeholder tokens
// and returns the cleaned text together with the ordered replacement
// list. Each class keeps its own occurrence counter ([URL0], [URL1], ...).
func Extract(text string) (string, []Tag) {
	var tags []Tag
	for _, c := range classes {
		matches := c.re.FindAllString(text, -1)
		for i, m := range matches {
			placeholder := fmt.Sprintf(c.templ, i)
			text = strings.Replace(text, m, placeholder, 1)
			tags = append(tags, Tag{Placeholder: placeholder, Original: m})
		}
	}
	return text, tags
}

// Reinsert restores the extracted substrings. Placeholders are looked up
// in extraction order, not in their order of appearance in text; if the
// decoder dropped a placeholder, the original is appended to the end so
// protected content is never lost.
func Reinsert(text string, tags []Tag) string {
	for _, t := range tags {
		placeholder := strings.TrimSpace(t.Placeholder)
		original := strings.TrimSpace(t.Original)
		if strings.Contains(text, placeholder) {
			text = strings.Replace(text, placeholder, original, 1)
		} else {
			text = text + " " + original
		}
	}
	return text
}
