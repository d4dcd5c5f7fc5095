package classify

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClassifyClean(t *testing.T) {
	clean := []string{
		`\frac{a}{b}`,
		`x^{2} + y^{2} = z^{2}`,
		`\sum_{i=1}^{n} a_{i}`,
		`\mathbb{R}`,
		`e^{i\pi} + 1 = 0`,
	}
	for _, latex := range clean {
		report := Classify(latex)
		if !report.Clean {
			t.Fatalf("Classify(%q) flagged %v, want clean", latex, report.Anomalies)
		}
	}
}

func TestClassifyAnomalies(t *testing.T) {
	cases := []struct {
		latex string
		want  Anomaly
	}{
		{`\frac{a}{b`, UnbalancedBraces},
		{`x_{a}_{b}`, DoubleSubscript},
		{`x__2`, DoubleSubscript},
		{`x_{a_{b}}`, DoubleSubscript},
		{`m_{a}t_{h}r_{m}`, LetterRun},
		{`\f_{r}a_{c}`, BrokenCommand},
		{`\ f r a c`, BrokenCommand},
		{"x \x00 y", StrayCharacter},
		{"x � y", StrayCharacter},
		{`x_`, DanglingScript},
		{`x^{}`, DanglingScript},
		{`{x_}`, DanglingScript},
	}
	for _, tc := range cases {
		report := Classify(tc.latex)
		if !report.Has(tc.want) {
			t.Fatalf("Classify(%q) = %v, want %s", tc.latex, report.Anomalies, tc.want)
		}
		if report.Clean {
			t.Fatalf("Classify(%q) reported clean with anomalies", tc.latex)
		}
	}
}

func TestClassifyLetterRunNeedsRun(t *testing.T) {
	// Two subscripted letters are legitimate indexed variables, not a run.
	report := Classify(`a_{i}b_{j}`)
	if report.Has(LetterRun) {
		t.Fatalf("two pairs misclassified as letter run")
	}
	// A shredded command is rule territory for BrokenCommand, not LetterRun.
	report = Classify(`\f_{r}a_{c}`)
	if report.Has(LetterRun) {
		t.Fatalf("command shred misclassified as letter run")
	}
}

func TestClassifyDeterministic(t *testing.T) {
	latex := `m_{a}t_{h}r_{m}(x) + \f_{r}a_{c}{1}{2`
	first := Classify(latex)
	second := Classify(latex)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("classification not deterministic (-first +second):\n%s", diff)
	}
	want := Report{Anomalies: []Anomaly{UnbalancedBraces, BrokenCommand, LetterRun}}
	if diff := cmp.Diff(want, first); diff != "" {
		t.Fatalf("unexpected report (-want +got):\n%s", diff)
	}
}

func TestEscapedBracesBalanced(t *testing.T) {
	if report := Classify(`\{ x \}`); report.Has(UnbalancedBraces) {
		t.Fatalf("escaped braces counted toward balance")
	}
	if report := Classify(`\{ x }`); !report.Has(UnbalancedBraces) {
		t.Fatalf("escaped open with real close not flagged")
	}
}

func TestDetectKind(t *testing.T) {
	cases := []struct {
		input string
		want  Kind
	}{
		{"", KindEmpty},
		{"   \n\t ", KindEmpty},
		{`<math xmlns="http://www.w3.org/1998/Math/MathML"><mi>x</mi></math>`, KindMathML},
		{`<MATH><mi>x</mi></MATH>`, KindMathML},
		{`\frac{a}{b}`, KindLaTeX},
		{`x^2`, KindLaTeX},
		{`a_{i}`, KindLaTeX},
		{`$x$`, KindLaTeX},
		{`hello world`, KindPlain},
		{`2 + 2 = 4`, KindPlain},
	}
	for _, tc := range cases {
		if got := DetectKind(tc.input); got != tc.want {
			t.Fatalf("DetectKind(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}
}
