package repair

import (
	"strings"
	"testing"
)

func TestCheckTruncationRejects(t *testing.T) {
	cases := []struct {
		latex string
		kind  string
	}{
		{`x + \q`, TruncTrailingCommand},
		{`a \le`, TruncTrailingCommand},
		{`x = \`, TruncTrailingCommand},
		{`\mathbb{R}_`, TruncDanglingScript},
		{`x^`, TruncDanglingScript},
		{`x_{ab`, TruncDanglingScript},
		{`x^{2`, TruncDanglingScript},
		{`\frac{{`, TruncTrailingOpen},
		{`{{{x`, TruncBraceImbalance},
	}
	for _, tc := range cases {
		err := CheckTruncation(tc.latex)
		if err == nil {
			t.Fatalf("CheckTruncation(%q) = nil, want %s", tc.latex, tc.kind)
		}
		if err.Kind != tc.kind {
			t.Fatalf("CheckTruncation(%q) kind = %s, want %s", tc.latex, err.Kind, tc.kind)
		}
		if err.Suggestion == "" {
			t.Fatalf("CheckTruncation(%q) has no suggestion", tc.latex)
		}
		if !strings.Contains(err.Error(), err.Kind) {
			t.Fatalf("error string omits kind: %q", err.Error())
		}
	}
}

func TestCheckTruncationAccepts(t *testing.T) {
	cases := []string{
		``,
		`x + y`,
		`\frac{a}{b}`,
		`\sum_{i=1}^{n} a_{i}`,
		`a \le b`,
		`x \\`,
		`\mathbb{R}`,
		`\alpha`,
	}
	for _, latex := range cases {
		if err := CheckTruncation(latex); err != nil {
			t.Fatalf("CheckTruncation(%q) = %v, want nil", latex, err)
		}
	}
}
