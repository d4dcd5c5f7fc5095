package entity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var refPattern = regexp.MustCompile(`&(?:[A-Za-z][A-Za-z0-9]*|#[0-9]{1,7}|#[xX][0-9A-Fa-f]{1,6});`)

// decodePasses bounds the fixed-point loop. Double-encoded input such as
// "&amp;le;" resolves in two passes; three covers every form seen in OCR
// output.
const decodePasses = 3

// Decode replaces every known named reference and every valid numeric
// reference with its codepoint. Unknown names and malformed numeric forms are
// left untouched. Decoding runs to a fixed point so that double-encoded
// references fully resolve and the operation is idempotent.
func (t *Table) Decode(s string) string {
	for i := 0; i < decodePasses; i++ {
		out := t.decodeOnce(s)
		if out == s {
			return out
		}
		s = out
	}
	return s
}

func (t *Table) decodeOnce(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}
	return refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		body := ref[1 : len(ref)-1]
		if body[0] != '#' {
			if r, ok := t.byName[body]; ok {
				return string(r)
			}
			return ref
		}
		var (
			n   uint64
			err error
		)
		if body[1] == 'x' || body[1] == 'X' {
			n, err = strconv.ParseUint(body[2:], 16, 32)
		} else {
			n, err = strconv.ParseUint(body[1:], 10, 32)
		}
		if err != nil {
			return ref
		}
		r := rune(n)
		if !utf8.ValidRune(r) || r == 0 {
			return ref
		}
		return string(r)
	})
}

// Encode renders a codepoint as an entity reference. When preferNamed is set
// and the table carries a name for the rune the named form is used, otherwise
// the hexadecimal numeric form.
func (t *Table) Encode(r rune, preferNamed bool) string {
	if preferNamed {
		if name, ok := t.byRune[r]; ok {
			return "&" + name + ";"
		}
	}
	return fmt.Sprintf("&#x%04X;", r)
}

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// EscapeText escapes the five XML reserved characters. Callers must pass
// decoded text; escaping already escaped input double-encodes it.
func EscapeText(s string) string {
	return escaper.Replace(s)
}

// NormalizeDocument rewrites the text content of a markup document so that
// every entity reference is resolved to its codepoint and the XML reserved
// characters are escaped exactly once. Tags pass through verbatim; only
// character data between them is touched.
func (t *Table) NormalizeDocument(doc string) string {
	var b strings.Builder
	b.Grow(len(doc))
	for len(doc) > 0 {
		open := strings.IndexByte(doc, '<')
		if open < 0 {
			b.WriteString(EscapeText(t.Decode(doc)))
			break
		}
		if open > 0 {
			b.WriteString(EscapeText(t.Decode(doc[:open])))
			doc = doc[open:]
		}
		close := strings.IndexByte(doc, '>')
		if close < 0 {
			// Unterminated tag, pass the remainder through untouched.
			b.WriteString(doc)
			break
		}
		b.WriteString(doc[:close+1])
		doc = doc[close+1:]
	}
	return b.String()
}
