package llm

import "strings"

const sentenceEnders = "。！？!?."

// sentenceCollector turns token-sized deltas into whole sentences.
type sentenceCollector struct {
	pending strings.Builder
}

func (c *sentenceCollector) Consume(delta string) []string {
	if delta == "" {
		return nil
	}
	c.pending.WriteString(delta)
	text := c.pending.String()

	var out []string
	start := 0
	for i, r := range text {
		if !strings.ContainsRune(sentenceEnders, r) {
			continue
		}
		end := i + len(string(r))
		// A '.' between digits ("3.5") does not end a sentence. When the
		// period is the last rune we cannot know yet, so wait for more input.
		if r == '.' && (end == len(text) || isDigitAfterDigit(text, i, end)) {
			continue
		}
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
	}
	c.pending.Reset()
	c.pending.WriteString(text[start:])
	return out
}

// Finalize flushes whatever remains after the stream ends.
func (c *sentenceCollector) Finalize() []string {
	rest := strings.TrimSpace(c.pending.String())
	c.pending.Reset()
	if rest == "" {
		return nil
	}
	return []string{rest}
}

func isDigitAfterDigit(text string, dot, next int) bool {
	if dot == 0 || next >= len(text) {
		return false
	}
	return isDigit(text[dot-1]) && isDigit(text[next])
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// SplitSentences splits a complete answer on sentence-ending punctuation,
// keeping the punctuation with its sentence.
func SplitSentences(text string) []string {
	var c sentenceCollector
	out := c.Consume(text)
	return append(out, c.Finalize()...)
}
