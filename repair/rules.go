// Package repair applies deterministic rewrite rules to OCR-damaged LaTeX.
// The rule set is ordered and run to a fixed point by Engine; every rule is
// pure and idempotent on its own output.
package repair

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Rule names as they appear in repair logs.
const (
	RuleCollapseLetterRun = "collapse-letter-run"
	RuleReassembleCommand = "reassemble-command"
	RuleStripNoise        = "strip-noise"
	RuleDropSpacing       = "drop-spacing"
	RuleBalanceBrackets   = "balance-brackets"
)

// commandLexicon lists control words a shredded sequence may reassemble to.
// Reassembly never invents a command: a candidate not in the lexicon is left
// as it stands.
var commandLexicon = map[string]bool{
	"frac": true, "left": true, "right": true, "sum": true, "int": true,
	"prod": true, "lim": true, "sqrt": true, "cdot": true, "times": true,
	"sin": true, "cos": true, "tan": true, "cot": true, "sec": true,
	"csc": true, "log": true, "ln": true, "exp": true, "max": true,
	"min": true, "sup": true, "inf": true, "det": true, "gcd": true,
	"mathbb": true, "mathbf": true, "mathrm": true, "mathcal": true,
	"mathit": true, "mathsf": true, "text": true, "forall": true,
	"exists": true, "neq": true, "leq": true, "geq": true, "le": true,
	"ge": true, "ne": true, "infty": true, "partial": true, "nabla": true,
	"bigcup": true, "bigcap": true, "cup": true, "cap": true, "subset": true,
	"subseteq": true, "in": true, "notin": true, "begin": true, "end": true,
	"alpha": true, "beta": true, "gamma": true, "delta": true,
	"epsilon": true, "theta": true, "lambda": true, "sigma": true,
	"omega": true, "pi": true, "mu": true, "nu": true, "phi": true,
	"psi": true, "rho": true, "tau": true, "xi": true, "eta": true,
	"zeta": true, "chi": true, "kappa": true, "iota": true, "to": true,
	"mapsto": true, "over": true, "binom": true, "vec": true, "hat": true,
	"bar": true, "dot": true, "ddot": true, "tilde": true, "pm": true,
	"mp": true, "div": true, "equiv": true, "approx": true, "sim": true,
	"propto": true, "angle": true, "perp": true, "parallel": true,
	"emptyset": true, "setminus": true, "oplus": true, "otimes": true,
	"Rightarrow": true, "Leftarrow": true, "rightarrow": true,
	"leftarrow": true, "quad": true, "qquad": true,
}

var (
	letterRunRe  = regexp.MustCompile(`(^|[^\\A-Za-z])((?:[A-Za-z]_\{[A-Za-z]\}\s*){3,})`)
	runPairRe    = regexp.MustCompile(`([A-Za-z])_\{([A-Za-z])\}`)
	shredCmdRe   = regexp.MustCompile(`\\[A-Za-z](?:\s*_\{[A-Za-z]\}[A-Za-z]?)+`)
	spacedCmdRe  = regexp.MustCompile(`\\ ((?:[A-Za-z] ){2,}[A-Za-z])`)
	envArgRe     = regexp.MustCompile(`\\(begin|end)\s+(array|matrix|pmatrix|bmatrix|vmatrix|cases|aligned|align|gathered)\b`)
	mathbVariant = regexp.MustCompile(`\\m\s*_\{a\}\s*t\s*_\{h\}\s*b\s*_\{[fs]\}`)
)

// collapseLetterRun rebuilds multi-letter identifiers that per-glyph OCR
// shredded into subscripted single letters. "m_{a}t_{h}r_{m}" interleaves to
// "mathrm"; a trailing "rm" is an upright-style remnant, so the result is
// "\mathrm{math}". Runs whose interleaved word has no vowel are left alone,
// they are more likely genuine indexed variables.
func collapseLetterRun(s string) string {
	return letterRunRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := letterRunRe.FindStringSubmatch(m)
		prefix, run := sub[1], sub[2]
		word := interleaveRun(run)
		if !hasVowel(word) {
			return m
		}
		switch {
		case strings.HasSuffix(word, "rm") && len(word) > 4:
			return prefix + `\mathrm{` + strings.TrimSuffix(word, "rm") + `}`
		case commandLexicon[word]:
			return prefix + `\` + word
		default:
			return prefix + `\mathrm{` + word + `}`
		}
	})
}

func interleaveRun(run string) string {
	var b strings.Builder
	for _, pair := range runPairRe.FindAllStringSubmatch(run, -1) {
		b.WriteString(pair[1])
		b.WriteString(pair[2])
	}
	return b.String()
}

func hasVowel(word string) bool {
	return strings.ContainsAny(strings.ToLower(word), "aeiou")
}

// reassembleCommand restores control sequences whose letters were scattered
// into subscripts ("\f_{r}a_{c}" to "\frac") or spaced apart ("\ f r a c").
// Only lexicon words are restored.
func reassembleCommand(s string) string {
	s = mathbVariant.ReplaceAllString(s, `\mathbf`)
	s = shredCmdRe.ReplaceAllStringFunc(s, func(m string) string {
		word := gatherLetters(m)
		if commandLexicon[word] {
			return `\` + word
		}
		return m
	})
	s = spacedCmdRe.ReplaceAllStringFunc(s, func(m string) string {
		word := strings.ReplaceAll(spacedCmdRe.FindStringSubmatch(m)[1], " ", "")
		if commandLexicon[word] {
			return `\` + word
		}
		return m
	})
	return envArgRe.ReplaceAllString(s, `\$1{$2}`)
}

func gatherLetters(shred string) string {
	var b strings.Builder
	for _, r := range shred {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// stripNoise removes bytes valid LaTeX never carries and folds stray
// diacritics OCR attaches to plain letters. Decomposition is canonical (NFD)
// so letterlike math symbols such as "ℝ" survive untouched.
func stripNoise(s string) string {
	s = foldDigraphs(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\ufffd', r == '\u200b', r == '\u200c', r == '\u200d', r == '\ufeff':
			// dropped
		case unicode.IsControl(r) && r != '\n' && r != '\t':
			// dropped
		case r > 127 && unicode.Is(unicode.Latin, r):
			b.WriteString(foldDiacritics(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func foldDiacritics(r rune) string {
	decomposed := norm.NFD.String(string(r))
	var b strings.Builder
	for _, d := range decomposed {
		if !unicode.Is(unicode.Mn, d) {
			b.WriteRune(d)
		}
	}
	if b.Len() == 0 {
		return string(r)
	}
	return b.String()
}

var digraphs = []struct{ from, to string }{
	{"<=", `\le `},
	{">=", `\ge `},
	{"!=", `\neq `},
	{"==", "="},
}

// foldDigraphs rewrites ASCII operator digraphs OCR emits for relational
// symbols. The trailing space keeps the command from fusing with a following
// letter.
func foldDigraphs(s string) string {
	for _, d := range digraphs {
		s = strings.ReplaceAll(s, d.from, d.to)
	}
	return s
}

var (
	spacingRe   = regexp.MustCompile(`\\[!,:;]|\\qquad\b|\\quad\b|\\hspace\*?\{[^{}]*\}`)
	emptyWrapRe = regexp.MustCompile(`\\(?:mathrm|text|mathbf|mathit)\{\s*~?\s*\}`)
	multiSpace  = regexp.MustCompile(`[ \t]{2,}`)
)

// dropSpacing removes spacing commands and empty style wrappers, both common
// OCR debris, and collapses runs of blanks they leave behind.
func dropSpacing(s string) string {
	s = spacingRe.ReplaceAllString(s, " ")
	s = emptyWrapRe.ReplaceAllString(s, "")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

var (
	doubleLeftRe  = regexp.MustCompile(`\\left\s*\\left\b`)
	doubleRightRe = regexp.MustCompile(`\\right\s*\\right\b`)
)

// balanceBrackets closes up to two missing braces or square brackets at the
// end of the input and drops up to two surplus brace closers. Larger
// imbalances are left for the truncation guard to reject. Doubled \left and
// \right from line-merge OCR errors collapse to one.
func balanceBrackets(s string) string {
	s = doubleLeftRe.ReplaceAllString(s, `\left`)
	s = doubleRightRe.ReplaceAllString(s, `\right`)
	if d := delimDelta(s, '[', ']'); d > 0 && d <= 2 {
		s += strings.Repeat("]", d)
	}
	delta := braceDelta(s)
	switch {
	case delta > 0 && delta <= 2:
		s += strings.Repeat("}", delta)
	case delta < 0 && delta >= -2:
		for delta < 0 {
			trimmed := strings.TrimRight(s, " ")
			if !strings.HasSuffix(trimmed, "}") || strings.HasSuffix(trimmed, `\}`) {
				break
			}
			s = trimmed[:len(trimmed)-1]
			delta++
		}
	}
	return s
}

func braceDelta(s string) int {
	return delimDelta(s, '{', '}')
}

func delimDelta(s string, open, close rune) int {
	depth := 0
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == open:
			depth++
		case r == close:
			depth--
		}
	}
	return depth
}
