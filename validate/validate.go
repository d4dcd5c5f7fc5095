// Package validate applies zero-tolerance checks to produced MathML. A
// document with any critical violation is rejected outright; non-critical
// violations are mechanical and can be fixed by AutoCorrect.
package validate

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/texmend/texmend/entity"
	"github.com/texmend/texmend/observability"
)

// Namespace is the only acceptable MathML namespace.
const Namespace = "http://www.w3.org/1998/Math/MathML"

// ViolationKind identifies one rule of the zero-tolerance policy.
type ViolationKind string

const (
	// LaTeXInTextNode: a text node still carries LaTeX commands, so the
	// conversion silently gave up partway.
	LaTeXInTextNode ViolationKind = "latex-in-text-node"
	// EnvironmentInTextNode: an unconverted \begin/\end environment.
	EnvironmentInTextNode ViolationKind = "environment-in-text-node"
	// ForeignArtifact: debris from another runtime leaked into the
	// document, for example a printed object reference.
	ForeignArtifact ViolationKind = "foreign-artifact"
	// SpelledOperator: an operator name rendered as a run of single-letter
	// identifiers, such as m,i,n instead of one operator token.
	SpelledOperator ViolationKind = "spelled-operator"
	// OperatorAsIdentifier: an operator character tagged <mi>.
	OperatorAsIdentifier ViolationKind = "operator-as-identifier"
	// MalformedXML: the document does not parse.
	MalformedXML ViolationKind = "malformed-xml"
	// MissingNamespace: the math root lacks the MathML namespace.
	MissingNamespace ViolationKind = "missing-namespace"
	// EmptyToken: a token element with no content.
	EmptyToken ViolationKind = "empty-token"
)

// criticalKinds are the violations no correction pass may repair.
var criticalKinds = map[ViolationKind]bool{
	LaTeXInTextNode:       true,
	EnvironmentInTextNode: true,
	ForeignArtifact:       true,
	SpelledOperator:       true,
	OperatorAsIdentifier:  true,
	MalformedXML:          true,
}

// Violation is one detected rule breach.
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	Critical bool          `json:"critical"`
	Location string        `json:"location"`
}

// Report is the outcome of validation.
type Report struct {
	Violations []Violation
}

// Valid reports whether the document passed with no violations at all.
func (r Report) Valid() bool { return len(r.Violations) == 0 }

// Critical reports whether any violation is beyond automatic correction.
func (r Report) Critical() bool {
	for _, v := range r.Violations {
		if v.Critical {
			return true
		}
	}
	return false
}

// Has reports whether a violation of the given kind was recorded.
func (r Report) Has(kind ViolationKind) bool {
	for _, v := range r.Violations {
		if v.Kind == kind {
			return true
		}
	}
	return false
}

// Validator checks MathML documents. Safe for concurrent use.
type Validator struct {
	entities map[string]string
	log      observability.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger attaches a logger.
func WithLogger(log observability.Logger) Option {
	return func(v *Validator) {
		if log != nil {
			v.log = log
		}
	}
}

// WithEntityTable substitutes the entity table consulted while parsing.
func WithEntityTable(t *entity.Table) Option {
	return func(v *Validator) {
		if t != nil {
			v.entities = entityMap(t)
		}
	}
}

// New builds a Validator with the default entity table.
func New(opts ...Option) *Validator {
	v := &Validator{
		entities: entityMap(entity.DefaultTable()),
		log:      observability.NopLogger{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// entityMap flattens a table into the form xml.Decoder consumes, so named
// references in incoming documents parse instead of failing as unknown.
func entityMap(t *entity.Table) map[string]string {
	m := make(map[string]string, 256)
	for r := rune(0x20); r <= 0x2FFF; r++ {
		if ref, ok := t.Lookup(r); ok {
			m[ref.Name] = string(ref.Rune)
		}
	}
	return m
}

var (
	latexCmdRe = regexp.MustCompile(`\\[A-Za-z]{2,}`)
	envRe      = regexp.MustCompile(`\\(begin|end)\s*\{`)
)

// foreignMarkers are substrings that only ever come from another runtime's
// error path leaking into the document.
var foreignMarkers = []string{
	"object at 0x",
	"[object Object]",
	"<bound method",
	"data-error",
	"NaNundefined",
}

// operatorChars are characters that must be tagged <mo>.
var operatorChars = map[rune]bool{
	'=': true, '+': true, '-': true, '*': true, '/': true,
	'<': true, '>': true, '|': true, ',': true, ';': true, ':': true,
	'≤': true, '≥': true, '≠': true, '≈': true, '≡': true, '∝': true,
	'∈': true, '∉': true, '∪': true, '∩': true, '⊂': true, '⊆': true,
	'→': true, '⇒': true, '±': true, '×': true, '÷': true,
}

// spelledWords are operator and command names that must never appear as a
// run of single-letter identifiers.
var spelledWords = map[string]bool{
	"min": true, "max": true, "lim": true, "log": true, "exp": true,
	"sin": true, "cos": true, "tan": true, "sum": true, "int": true,
	"left": true, "right": true, "frac": true, "sqrt": true,
	"mathrm": true, "mathbb": true, "mathbf": true, "begin": true,
	"end": true, "prod": true,
}

// Validate runs every check against the document.
func (v *Validator) Validate(mathml string) Report {
	var report Report
	add := func(kind ViolationKind, location string) {
		report.Violations = append(report.Violations, Violation{
			Kind:     kind,
			Critical: criticalKinds[kind],
			Location: location,
		})
	}

	for _, marker := range foreignMarkers {
		if strings.Contains(mathml, marker) {
			add(ForeignArtifact, marker)
		}
	}

	dec := xml.NewDecoder(strings.NewReader(mathml))
	dec.Entity = v.entities
	dec.Strict = true

	var (
		stack      []string
		sawMath    bool
		namespaced bool
		tokenText  = map[int]*strings.Builder{}
		letterRun  []rune
	)
	flushRun := func() {
		word := strings.ToLower(string(letterRun))
		letterRun = letterRun[:0]
		if len(word) < 2 {
			return
		}
		if spelledWords[word] {
			add(SpelledOperator, word)
			return
		}
		// A spelled operator may sit inside a longer identifier run, as
		// in l,i,m,x for "lim x".
		for n := 3; n <= 6 && n <= len(word); n++ {
			for i := 0; i+n <= len(word); i++ {
				if spelledWords[word[i:i+n]] {
					add(SpelledOperator, word[i:i+n])
					return
				}
			}
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			add(MalformedXML, err.Error())
			v.log.Debug("document does not parse", observability.Error("err", err))
			return report
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			if name == "math" {
				sawMath = true
				for _, a := range t.Attr {
					if a.Name.Local == "xmlns" && a.Value == Namespace {
						namespaced = true
					}
				}
				if t.Name.Space == Namespace {
					namespaced = true
				}
			}
			stack = append(stack, name)
			if isToken(name) {
				tokenText[len(stack)] = &strings.Builder{}
			}
		case xml.CharData:
			if b, ok := tokenText[len(stack)]; ok {
				b.Write([]byte(t))
				break
			}
			// Character data directly under a structural element is held
			// to the same rules as token text.
			text := strings.TrimSpace(string(t))
			if text == "" {
				break
			}
			if envRe.MatchString(text) {
				add(EnvironmentInTextNode, text)
			} else if latexCmdRe.MatchString(text) {
				add(LaTeXInTextNode, text)
			}
		case xml.EndElement:
			name := t.Name.Local
			if b, ok := tokenText[len(stack)]; ok {
				v.checkToken(name, b.String(), add, &letterRun, flushRun)
				delete(tokenText, len(stack))
			} else if isToken(name) {
				add(EmptyToken, name)
			}
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	flushRun()
	if !sawMath {
		add(MalformedXML, "no math root element")
		return report
	}
	if !namespaced {
		add(MissingNamespace, "math")
	}
	return report
}

func isToken(name string) bool {
	switch name {
	case "mi", "mo", "mn", "mtext", "ms":
		return true
	}
	return false
}

func (v *Validator) checkToken(name, raw string, add func(ViolationKind, string), letterRun *[]rune, flushRun func()) {
	text := strings.TrimSpace(raw)
	if text == "" {
		add(EmptyToken, name)
		flushRun()
		return
	}
	if envRe.MatchString(text) {
		add(EnvironmentInTextNode, text)
	} else if latexCmdRe.MatchString(text) {
		add(LaTeXInTextNode, text)
	}
	runes := []rune(text)
	switch name {
	case "mi":
		if len(runes) == 1 && operatorChars[runes[0]] {
			add(OperatorAsIdentifier, text)
		}
		if len(runes) == 1 && isAsciiLetter(runes[0]) {
			*letterRun = append(*letterRun, runes[0])
			return
		}
	}
	flushRun()
}

func isAsciiLetter(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'
}

// AutoCorrect fixes the non-critical violations in place: it stamps the
// namespace on the root and removes empty token elements. The corrected
// document should be re-validated; correction never touches critical
// findings.
func (v *Validator) AutoCorrect(mathml string) string {
	out := dropEmptyTokenElements(mathml)
	return ensureNamespace(out)
}

var emptyTokenRe = regexp.MustCompile(`<(mi|mo|mn|mtext|ms)(\s[^<>]*)?>\s*</(mi|mo|mn|mtext|ms)>|<(mi|mo|mn|mtext|ms)(\s[^<>]*)?/>`)

func dropEmptyTokenElements(mathml string) string {
	for {
		next := emptyTokenRe.ReplaceAllString(mathml, "")
		if next == mathml {
			return mathml
		}
		mathml = next
	}
}

var mathOpenRe = regexp.MustCompile(`<math(\s[^>]*)?>`)

func ensureNamespace(mathml string) string {
	loc := mathOpenRe.FindStringIndex(mathml)
	if loc == nil {
		return mathml
	}
	open := mathml[loc[0]:loc[1]]
	if strings.Contains(open, "xmlns=") {
		return mathml
	}
	fixed := fmt.Sprintf(`<math xmlns=%q%s`, Namespace, open[len("<math"):])
	return mathml[:loc[0]] + fixed + mathml[loc[1]:]
}
