package planparse

import (
	"regexp"
	"strings"
)

var (
	whitespaceRe       = regexp.MustCompile(`\s+`)
	bareKeyRe          = regexp.MustCompile(`([{,])\s*([a-zA-Z0-9_]+)\s*:`)
	trailingCommaRe    = regexp.MustCompile(`,\s*([\]}])`)
	singleValueEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// RepairJSON rewrites loosely-formed model output into strict JSON. The steps
// run in a fixed order and each assumes the shape left by the previous one:
//
//  1. strip // line and /* */ block comments
//  2. remove newlines
//  3. collapse whitespace runs, trim
//  4. wrap in [ ] unless the text already starts with [
//  5. quote bare object keys
//  6. turn "key": 'value' into "key": "value", escaping \ and " (\' is an apostrophe)
//  7. turn the remaining single-quoted strings into double-quoted ones
//  8. drop trailing commas before ] or }
//
// Steps 1, 5, 7 and 8 only touch text outside string literals, so URLs,
// apostrophes and colons inside descriptions survive.
//
// Expectations:
//   - Output of already-valid JSON equals the input modulo whitespace
//   - RepairJSON(RepairJSON(s)) == RepairJSON(s) for valid JSON
//   - Does not balance brackets: a missing ] stays missing
func RepairJSON(s string) string {
	s = stripComments(s)
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
	if !strings.HasPrefix(s, "[") {
		s = "[" + s + "]"
	}
	s = mapCode(s, func(code string) string { return bareKeyRe.ReplaceAllString(code, `$1"$2":`) })
	s = requoteKeyedValues(s)
	s = requoteSingles(s)
	s = mapCode(s, func(code string) string { return trailingCommaRe.ReplaceAllString(code, "$1") })
	return s
}

// segment is a run of text that is either code or one string literal
// (quote is the delimiter, 0 for code).
type segment struct {
	text   string
	quote  byte
	closed bool // literal ended with its closing quote
}

// split cuts s into code and string-literal segments. Both ' and " open a
// literal; the other quote is plain text inside it. Backslash escapes are
// honoured. An unterminated literal runs to the end of s.
func split(s string) []segment {
	var segs []segment
	var cur strings.Builder
	var quote byte
	flush := func(closed bool) {
		if cur.Len() > 0 {
			segs = append(segs, segment{text: cur.String(), quote: quote, closed: closed})
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote == 0 && (c == '"' || c == '\''):
			flush(false)
			quote = c
			cur.WriteByte(c)
		case quote != 0 && c == '\\' && i+1 < len(s):
			cur.WriteByte(c)
			cur.WriteByte(s[i+1])
			i++
		case quote != 0 && c == quote:
			cur.WriteByte(c)
			flush(true)
			quote = 0
		default:
			cur.WriteByte(c)
		}
	}
	flush(false)
	return segs
}

// mapCode applies fn to every code segment and leaves literals untouched.
func mapCode(s string, fn func(string) string) string {
	var sb strings.Builder
	for _, seg := range split(s) {
		if seg.quote == 0 {
			sb.WriteString(fn(seg.text))
		} else {
			sb.WriteString(seg.text)
		}
	}
	return sb.String()
}

// stripComments removes // … end-of-line and /* … */ comments outside string
// literals. The newline ending a line comment is kept.
func stripComments(s string) string {
	var sb strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			sb.WriteByte(c)
			if c == '\\' && i+1 < len(s) {
				sb.WriteByte(s[i+1])
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '"' || c == '\'':
			quote = c
			sb.WriteByte(c)
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				sb.WriteByte('\n')
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				i = len(s)
			} else {
				i += 2 + end + 1
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// requoteKeyedValues rewrites a single-quoted literal that directly follows a
// "key": as a double-quoted one. \' inside it is an apostrophe; any other
// backslash and every " are escaped.
func requoteKeyedValues(s string) string {
	segs := split(s)
	var sb strings.Builder
	for i, seg := range segs {
		if seg.quote != '\'' || i < 2 || segs[i-2].quote != '"' || !segs[i-2].closed ||
			strings.TrimSpace(segs[i-1].text) != ":" {
			sb.WriteString(seg.text)
			continue
		}
		body := seg.text[1:]
		if seg.closed {
			body = body[:len(body)-1]
		}
		body = strings.ReplaceAll(body, `\'`, `'`)
		sb.WriteString(`"` + singleValueEscaper.Replace(body) + `"`)
	}
	return sb.String()
}

// requoteSingles rewrites every single-quoted literal as a double-quoted one:
// embedded " are escaped and \' becomes a bare apostrophe.
func requoteSingles(s string) string {
	var sb strings.Builder
	for _, seg := range split(s) {
		if seg.quote != '\'' {
			sb.WriteString(seg.text)
			continue
		}
		body := seg.text[1:]
		if seg.closed {
			body = body[:len(body)-1]
		}
		body = strings.ReplaceAll(body, `\'`, `'`)
		var b strings.Builder
		for i := 0; i < len(body); i++ {
			c := body[i]
			if c == '\\' && i+1 < len(body) {
				b.WriteByte(c)
				b.WriteByte(body[i+1])
				i++
				continue
			}
			if c == '"' {
				b.WriteString(`\"`)
				continue
			}
			b.WriteByte(c)
		}
		sb.WriteString(`"` + b.String() + `"`)
	}
	return sb.String()
}
