// Package classify inspects raw formula strings for the structural damage
// patterns OCR engines introduce into LaTeX, and detects what kind of markup
// an input string carries in the first place.
package classify

import (
	"regexp"
	"strings"
	"unicode"
)

// Anomaly identifies one class of structural damage.
type Anomaly string

const (
	// UnbalancedBraces means opening and closing braces do not pair up.
	UnbalancedBraces Anomaly = "unbalanced-braces"
	// DoubleSubscript means two subscript markers apply to the same base,
	// as in "x_{a}_{b}", "x__2", or the nested "x_{a_{b}}".
	DoubleSubscript Anomaly = "double-subscript"
	// LetterRun means a run of single letters each carrying a single-char
	// subscript, the signature of a multi-letter identifier shredded by
	// per-glyph recognition.
	LetterRun Anomaly = "letter-run"
	// BrokenCommand means a control sequence was split into a one-letter
	// command with trailing subscripted letters, as in "\f_{r}a_{c}".
	BrokenCommand Anomaly = "broken-command"
	// StrayCharacter means the input carries control characters,
	// replacement characters, or other bytes that never appear in valid
	// LaTeX.
	StrayCharacter Anomaly = "stray-character"
	// DanglingScript means a subscript or superscript marker has no
	// argument, as in a trailing "_" or an empty "^{}".
	DanglingScript Anomaly = "dangling-script"
)

// Report is the outcome of classification.
type Report struct {
	Anomalies []Anomaly
	Clean     bool
}

// Has reports whether the given anomaly was detected.
func (r Report) Has(a Anomaly) bool {
	for _, got := range r.Anomalies {
		if got == a {
			return true
		}
	}
	return false
}

var (
	letterRunPattern = regexp.MustCompile(`(^|[^\\A-Za-z])((?:[A-Za-z]_\{[A-Za-z0-9]\}\s*){3,})`)
	brokenCmdPattern = regexp.MustCompile(`\\[A-Za-z]_\{[A-Za-z]\}`)
	spacedCmdPattern = regexp.MustCompile(`\\ (?:[A-Za-z] ){2,}[A-Za-z]`)
	doubleSubPattern = regexp.MustCompile(`(_\{[^{}]*\}\s*_)|(__)|(\^\{[^{}]*\}\s*\^)|(\^\^)|(_\{[A-Za-z0-9]_\{)`)
	danglingPattern  = regexp.MustCompile(`([_^]\s*$)|([_^]\s*\})|([_^]\{\s*\})`)
)

// Classify scans latex for damage patterns. It is pure: classifying the same
// string twice yields the same report.
func Classify(latex string) Report {
	var got []Anomaly
	add := func(a Anomaly) {
		for _, have := range got {
			if have == a {
				return
			}
		}
		got = append(got, a)
	}

	if braceDelta(latex) != 0 {
		add(UnbalancedBraces)
	}
	if brokenCmdPattern.MatchString(latex) || spacedCmdPattern.MatchString(latex) {
		add(BrokenCommand)
	}
	if letterRunPattern.MatchString(latex) {
		add(LetterRun)
	}
	if doubleSubPattern.MatchString(latex) {
		add(DoubleSubscript)
	}
	if danglingPattern.MatchString(latex) {
		add(DanglingScript)
	}
	if hasStray(latex) {
		add(StrayCharacter)
	}
	return Report{Anomalies: got, Clean: len(got) == 0}
}

func braceDelta(s string) int {
	depth := 0
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == '{':
			depth++
		case r == '}':
			depth--
		}
	}
	return depth
}

func hasStray(s string) bool {
	for _, r := range s {
		if r == '�' {
			return true
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}

// Kind describes what markup an input string carries.
type Kind int

const (
	KindEmpty Kind = iota
	KindLaTeX
	KindMathML
	KindPlain
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindLaTeX:
		return "latex"
	case KindMathML:
		return "mathml"
	case KindPlain:
		return "plain"
	}
	return "unknown"
}

var latexHint = regexp.MustCompile(`\\[A-Za-z]+|[_^{}$]|\\\\|\\[(\[]`)

// DetectKind decides whether input is empty, already MathML, LaTeX, or plain
// text. MathML detection wins over LaTeX so that pasted documents are routed
// straight to validation rather than re-converted.
func DetectKind(input string) Kind {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return KindEmpty
	}
	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "<math") {
		return KindMathML
	}
	if latexHint.MatchString(trimmed) {
		return KindLaTeX
	}
	return KindPlain
}
