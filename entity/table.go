package entity

import (
	"fmt"
	"sync"
)

// Reference is a single entity table entry. Hex and Decimal are the numeric
// character reference forms for the same codepoint.
type Reference struct {
	Name    string
	Rune    rune
	Hex     string
	Decimal string
}

// Table holds the bidirectional entity mapping. Zero value is not usable;
// construct with NewTable or use DefaultTable.
type Table struct {
	byName map[string]rune
	byRune map[rune]string
}

// entries lists the named references the table knows about. Where several
// names share a codepoint the first listed name is the canonical one used
// when encoding.
var entries = []struct {
	name string
	r    rune
}{
	// XML reserved characters.
	{"amp", '&'},
	{"lt", '<'},
	{"gt", '>'},
	{"quot", '"'},
	{"apos", '\''},

	// Greek lowercase.
	{"alpha", 'α'},
	{"beta", 'β'},
	{"gamma", 'γ'},
	{"delta", 'δ'},
	{"epsilon", 'ε'},
	{"zeta", 'ζ'},
	{"eta", 'η'},
	{"theta", 'θ'},
	{"iota", 'ι'},
	{"kappa", 'κ'},
	{"lambda", 'λ'},
	{"mu", 'μ'},
	{"nu", 'ν'},
	{"xi", 'ξ'},
	{"pi", 'π'},
	{"rho", 'ρ'},
	{"sigma", 'σ'},
	{"sigmaf", 'ς'},
	{"tau", 'τ'},
	{"upsilon", 'υ'},
	{"phi", 'φ'},
	{"chi", 'χ'},
	{"psi", 'ψ'},
	{"omega", 'ω'},
	{"thetasym", 'ϑ'},
	{"piv", 'ϖ'},

	// Greek uppercase.
	{"Gamma", 'Γ'},
	{"Delta", 'Δ'},
	{"Theta", 'Θ'},
	{"Lambda", 'Λ'},
	{"Xi", 'Ξ'},
	{"Pi", 'Π'},
	{"Sigma", 'Σ'},
	{"Upsilon", 'Υ'},
	{"Phi", 'Φ'},
	{"Psi", 'Ψ'},
	{"Omega", 'Ω'},

	// Operators.
	{"sum", '∑'},
	{"prod", '∏'},
	{"int", '∫'},
	{"radic", '√'},
	{"part", '∂'},
	{"nabla", '∇'},
	{"infin", '∞'},
	{"plusmn", '±'},
	{"mp", '∓'},
	{"times", '×'},
	{"divide", '÷'},
	{"sdot", '⋅'},
	{"middot", '·'},
	{"lowast", '∗'},
	{"oplus", '⊕'},
	{"ominus", '⊖'},
	{"otimes", '⊗'},
	{"compfn", '∘'},
	{"coprod", '∐'},

	// Relations.
	{"le", '≤'},
	{"ge", '≥'},
	{"ne", '≠'},
	{"asymp", '≈'},
	{"equiv", '≡'},
	{"prop", '∝'},
	{"sim", '∼'},
	{"cong", '≅'},
	{"ll", '≪'},
	{"gg", '≫'},
	{"prec", '≺'},
	{"succ", '≻'},

	// Arrows.
	{"larr", '←'},
	{"rarr", '→'},
	{"uarr", '↑'},
	{"darr", '↓'},
	{"harr", '↔'},
	{"lArr", '⇐'},
	{"rArr", '⇒'},
	{"uArr", '⇑'},
	{"dArr", '⇓'},
	{"hArr", '⇔'},
	{"mapsto", '↦'},

	// Set theory and logic.
	{"isin", '∈'},
	{"notin", '∉'},
	{"ni", '∋'},
	{"cup", '∪'},
	{"cap", '∩'},
	{"sub", '⊂'},
	{"sup", '⊃'},
	{"sube", '⊆'},
	{"supe", '⊇'},
	{"nsub", '⊄'},
	{"empty", '∅'},
	{"forall", '∀'},
	{"exist", '∃'},
	{"not", '¬'},
	{"and", '∧'},
	{"or", '∨'},
	{"there4", '∴'},
	{"because", '∵'},

	// Geometry and misc.
	{"ang", '∠'},
	{"perp", '⊥'},
	{"mid", '∣'},
	{"par", '∥'},
	{"deg", '°'},
	{"prime", '′'},
	{"Prime", '″'},
	{"hellip", '…'},
	{"ctdot", '⋯'},
	{"vellip", '⋮'},
	{"lceil", '⌈'},
	{"rceil", '⌉'},
	{"lfloor", '⌊'},
	{"rfloor", '⌋'},
	{"lang", '⟨'},
	{"rang", '⟩'},
	{"minus", '−'},
	{"nbsp", ' '},
	{"thinsp", ' '},

	// Letterlike symbols.
	{"Copf", 'ℂ'},
	{"Hopf", 'ℍ'},
	{"Nopf", 'ℕ'},
	{"Popf", 'ℙ'},
	{"Qopf", 'ℚ'},
	{"Ropf", 'ℝ'},
	{"Zopf", 'ℤ'},
	{"real", 'ℜ'},
	{"image", 'ℑ'},
	{"weierp", '℘'},
	{"alefsym", 'ℵ'},
	{"planck", 'ℏ'},
	{"ell", 'ℓ'},
	{"aleph", 'ℵ'},

	// Invisible operators used by MathML emitters.
	{"af", '⁡'},
	{"it", '⁢'},
	{"ic", '⁣'},
	{"ApplyFunction", '⁡'},
	{"InvisibleTimes", '⁢'},
	{"InvisibleComma", '⁣'},
}

// NewTable builds a fresh entity table.
func NewTable() *Table {
	t := &Table{
		byName: make(map[string]rune, len(entries)),
		byRune: make(map[rune]string, len(entries)),
	}
	for _, e := range entries {
		t.byName[e.name] = e.r
		if _, ok := t.byRune[e.r]; !ok {
			t.byRune[e.r] = e.name
		}
	}
	return t
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// DefaultTable returns the shared built-in table.
func DefaultTable() *Table {
	defaultOnce.Do(func() { defaultTable = NewTable() })
	return defaultTable
}

// Len reports the number of distinct named references.
func (t *Table) Len() int { return len(t.byName) }

// Lookup resolves a codepoint to its full reference entry. The second return
// is false when the table has no named form for the rune; Hex and Decimal are
// still populated in that case.
func (t *Table) Lookup(r rune) (Reference, bool) {
	ref := Reference{
		Rune:    r,
		Hex:     fmt.Sprintf("&#x%04X;", r),
		Decimal: fmt.Sprintf("&#%d;", r),
	}
	name, ok := t.byRune[r]
	if ok {
		ref.Name = name
	}
	return ref, ok
}

// Resolve maps a named reference (without the surrounding "&" and ";") to its
// codepoint.
func (t *Table) Resolve(name string) (rune, bool) {
	r, ok := t.byName[name]
	return r, ok
}
