package textproc

import "strings"

// Wrap splits one logical line into physical lines of at most maxTokens
// whitespace tokens each, returning the newline-joined result and the
// number of physical lines produced. before runs on the whole line prior
// to token counting (so the budget matches the decoder's view of the
// text); after runs on each physical line independently.
//
// An empty line still counts as one physical line: every logical unit
// occupies at least one decoder slot. Wrap does no I/O and is idempotent
// over its own output under the same budget.
func Wrap(text string, maxTokens int, before, after func(string) string) (string, int) {
	if before != nil {
		text = before(text)
	}

	tokens := strings.Fields(text)
	if maxTokens <= 0 || len(tokens) <= maxTokens {
		if after != nil {
			text = after(text)
		}
		text = strings.TrimSpace(text)
		return text, strings.Count(text, "\n") + 1
	}

	var b strings.Builder
	for start := 0; start < len(tokens); start += maxTokens {
		end := start + maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		line := strings.Join(tokens[start:end], " ")
		if after != nil {
			line = after(line)
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.TrimSpace(line))
	}
	out := strings.TrimSpace(b.String())
	return out, strings.Count(out, "\n") + 1
}
