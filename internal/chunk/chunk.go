// Package chunk splits extracted content into model-sized pieces. Token
// counts are approximated from byte length; splits land on paragraph or
// sentence boundaries and chunks never overlap.
package chunk

import (
	"fmt"
	"strings"
	"unicode"

	"distillo/internal/config"
)

// bytesPerToken is the usual English prose ratio. It overestimates tokens
// for dense unicode text, which errs on the safe side.
const bytesPerToken = 4

// ApproxTokens estimates the token count of s.
func ApproxTokens(s string) int {
	return (len(s) + bytesPerToken - 1) / bytesPerToken
}

// Chunk is one piece of the document in reading order.
type Chunk struct {
	Index  int
	Total  int
	Text   string
	Tokens int
}

// Header labels the chunk for the prompt so the model knows it sees a part.
func (c Chunk) Header() string {
	if c.Total <= 1 {
		return ""
	}
	return fmt.Sprintf("[Part %d of %d]", c.Index+1, c.Total)
}

// Plan is the routing decision for one document.
type Plan struct {
	Chunks []Chunk
	// LongContext means the document was too large to chunk within the
	// configured budget and goes to the long-context model whole.
	LongContext bool
}

// Split plans the document. Small documents pass through as one chunk;
// oversized ones either split within the chunk budget or route whole to
// the long-context model. Chunking stops at MaxChunks times the cap or at
// the primary model's context window, whichever is smaller.
func Split(content string, mc config.ModelConfig) Plan {
	content = strings.TrimSpace(content)
	total := ApproxTokens(content)

	budget := mc.ChunkCapTokens
	if budget <= 0 {
		budget = 24000
	}
	maxChunks := mc.MaxChunks
	if maxChunks <= 0 {
		maxChunks = 8
	}
	longLimit := budget * maxChunks
	if mc.ContextTokens > 0 && mc.ContextTokens < longLimit {
		longLimit = mc.ContextTokens
	}

	if total <= budget {
		return Plan{Chunks: []Chunk{{Index: 0, Total: 1, Text: content, Tokens: total}}}
	}
	if total > longLimit {
		return Plan{
			Chunks:      []Chunk{{Index: 0, Total: 1, Text: content, Tokens: total}},
			LongContext: true,
		}
	}

	pieces := splitToFit(content, budget*bytesPerToken)
	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{Index: i, Total: len(pieces), Text: p, Tokens: ApproxTokens(p)}
	}
	return Plan{Chunks: chunks}
}

// splitToFit packs paragraphs into pieces of at most maxBytes. Paragraphs
// larger than the budget fall back to sentence packing.
func splitToFit(content string, maxBytes int) []string {
	var pieces []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			pieces = append(pieces, s)
		}
		cur.Reset()
	}

	appendUnit := func(unit string) {
		if cur.Len() > 0 && cur.Len()+len(unit)+2 > maxBytes {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(unit)
	}

	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= maxBytes {
			appendUnit(para)
			continue
		}
		for _, sent := range splitSentences(para) {
			if len(sent) <= maxBytes {
				appendUnit(sent)
				continue
			}
			for _, part := range splitWords(sent, maxBytes) {
				appendUnit(part)
			}
		}
	}
	flush()
	return pieces
}

// splitSentences cuts after terminal punctuation followed by whitespace.
func splitSentences(s string) []string {
	var out []string
	start := 0
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?', '…':
			if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
				continue
			}
			sent := strings.TrimSpace(string(runes[start : i+1]))
			if sent != "" {
				out = append(out, sent)
			}
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}

// splitWords is the last resort for a single run-on sentence: cut at word
// boundaries, never inside a word.
func splitWords(s string, maxBytes int) []string {
	words := strings.Fields(s)
	var out []string
	var cur strings.Builder
	for _, w := range words {
		if cur.Len() > 0 && cur.Len()+len(w)+1 > maxBytes {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
