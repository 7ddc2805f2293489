package llm

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
	fence      = "```"
)

// StripThinkBlocks removes <think>...</think> reasoning blocks. An unclosed
// block runs to the end of the text.
func StripThinkBlocks(s string) string {
	var b strings.Builder
	for {
		before, rest, found := strings.Cut(s, thinkOpen)
		b.WriteString(before)
		if !found {
			break
		}
		_, after, closed := strings.Cut(rest, thinkClose)
		if !closed {
			break
		}
		s = after
	}
	return strings.TrimSpace(b.String())
}

// StripFences returns the body of the first markdown code fence in s, after
// removing reasoning blocks. Prose around the fence is dropped; text without
// a fence comes back trimmed. An unterminated fence runs to the end.
func StripFences(s string) string {
	s = StripThinkBlocks(s)
	_, rest, found := strings.Cut(s, fence)
	if !found {
		return s
	}
	// Skip the info string ("json", "xml", ...).
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		rest = strings.TrimLeft(rest, "abcdefghijklmnopqrstuvwxyz")
	}
	body, _, _ := strings.Cut(rest, fence)
	return strings.TrimSpace(body)
}
