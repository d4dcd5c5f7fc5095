package repair

import (
	"fmt"
	"regexp"
	"strings"
)

// Truncation kinds.
const (
	TruncTrailingCommand = "trailing-command"
	TruncDanglingScript  = "dangling-script"
	TruncBraceImbalance  = "brace-imbalance"
	TruncTrailingOpen    = "trailing-open"
)

// TruncationError marks an input whose tail was cut off mid-expression.
// Truncated input is never convertible: the cut point can hide arbitrary
// structure, so callers must reject rather than guess.
type TruncationError struct {
	Kind       string
	Fragment   string
	Suggestion string
}

func (e *TruncationError) Error() string {
	return fmt.Sprintf("truncated input (%s): %q", e.Kind, e.Fragment)
}

var (
	trailingCmdRe    = regexp.MustCompile(`\\[A-Za-z]{1,2}$`)
	trailingScriptRe = regexp.MustCompile(`[_^]\s*$`)
	openScriptRe     = regexp.MustCompile(`[_^]\s*\{[^{}]*$`)
)

// CheckTruncation returns a non-nil error when latex ends mid-expression.
// Inputs that pass may still fail conversion; inputs that fail here must not
// be converted at all.
func CheckTruncation(latex string) *TruncationError {
	s := strings.TrimSpace(latex)
	if s == "" {
		return nil
	}
	if strings.HasSuffix(s, `\`) && !strings.HasSuffix(s, `\\`) {
		return &TruncationError{
			Kind:       TruncTrailingCommand,
			Fragment:   tail(s),
			Suggestion: "the expression ends in a bare backslash; recapture the source line",
		}
	}
	// Even complete short commands like "\le" are rejected here: a formula
	// never ends in a bare relation, so the right operand was cut.
	if m := trailingCmdRe.FindString(s); m != "" {
		return &TruncationError{
			Kind:       TruncTrailingCommand,
			Fragment:   m,
			Suggestion: fmt.Sprintf("the trailing command %q looks cut off; the operand after it is missing", m),
		}
	}
	if m := trailingScriptRe.FindString(s); m != "" {
		return &TruncationError{
			Kind:       TruncDanglingScript,
			Fragment:   tail(s),
			Suggestion: "a subscript or superscript marker has no argument; the script was cut off",
		}
	}
	if m := openScriptRe.FindString(s); m != "" {
		return &TruncationError{
			Kind:       TruncDanglingScript,
			Fragment:   m,
			Suggestion: "a script group opens but never closes; the tail of the expression is missing",
		}
	}
	if strings.HasSuffix(s, "{{") {
		return &TruncationError{
			Kind:       TruncTrailingOpen,
			Fragment:   tail(s),
			Suggestion: "the expression ends opening nested groups with no content",
		}
	}
	if delta := braceDelta(s); delta > 2 || delta < -2 {
		return &TruncationError{
			Kind:       TruncBraceImbalance,
			Fragment:   tail(s),
			Suggestion: fmt.Sprintf("brace imbalance of %d is beyond repair; the capture is incomplete", delta),
		}
	}
	return nil
}

func tail(s string) string {
	const n = 16
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
