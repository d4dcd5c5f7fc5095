package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/texmend/texmend/cache"
	"github.com/texmend/texmend/semantic"
)

const goodML = `<math xmlns="http://www.w3.org/1998/Math/MathML" display="block"><mi>x</mi></math>`
const leakyML = `<math xmlns="http://www.w3.org/1998/Math/MathML"><mtext>\frac{a}{b}</mtext></math>`

type fakeConverter struct {
	displayCalls  atomic.Int64
	fallbackCalls atomic.Int64
	display       func(latex string) (string, error)
	fallback      func(latex string) (string, error)
}

func (f *fakeConverter) ConvertDisplay(_ context.Context, latex string) (string, error) {
	f.displayCalls.Add(1)
	if f.display == nil {
		return goodML, nil
	}
	return f.display(latex)
}

func (f *fakeConverter) ConvertFallback(_ context.Context, latex string) (string, error) {
	f.fallbackCalls.Add(1)
	if f.fallback == nil {
		return goodML, nil
	}
	return f.fallback(latex)
}

type fakeRepairer struct {
	res semantic.Result
	err error
	req *semantic.Request
}

func (f *fakeRepairer) Repair(_ context.Context, req semantic.Request) (semantic.Result, error) {
	f.req = &req
	return f.res, f.err
}

func TestProcessCleanInput(t *testing.T) {
	conv := &fakeConverter{}
	p := New(WithConverter(conv))
	out := p.Process(context.Background(), RawFormula{Input: `x^{2}+1`})
	if out.Status != StatusOK {
		t.Fatalf("status = %s, log = %+v", out.Status, out.Log)
	}
	if out.MathML != goodML {
		t.Fatalf("mathml = %s", out.MathML)
	}
	if out.LaTeX != `x^{2}+1` || out.LaTeXRaw != `x^{2}+1` {
		t.Fatalf("latex fields: %q / %q", out.LaTeX, out.LaTeXRaw)
	}
	if out.ID == "" {
		t.Fatalf("no id assigned")
	}
}

func TestProcessStripsDelimiters(t *testing.T) {
	conv := &fakeConverter{}
	p := New(WithConverter(conv))
	out := p.Process(context.Background(), RawFormula{Input: `$x^{2}+1$`})
	if out.Status != StatusOK {
		t.Fatalf("status = %s", out.Status)
	}
	if out.LaTeX != `x^{2}+1` {
		t.Fatalf("delimiters kept: %q", out.LaTeX)
	}
}

func TestProcessRepairsLetterRun(t *testing.T) {
	conv := &fakeConverter{}
	p := New(WithConverter(conv))
	out := p.Process(context.Background(), RawFormula{Input: `m_{a}t_{h}r_{m}(x)`})
	if out.Status != StatusFixed {
		t.Fatalf("status = %s", out.Status)
	}
	if out.LaTeX != `\mathrm{math}(x)` {
		t.Fatalf("latex = %q", out.LaTeX)
	}
	if len(out.Log) == 0 || out.Log[0].Stage != "repair" {
		t.Fatalf("repair log missing: %+v", out.Log)
	}
}

func TestProcessRejectsTruncated(t *testing.T) {
	conv := &fakeConverter{}
	p := New(WithConverter(conv))
	for _, input := range []string{`x + \q`, `a \le`, `\mathbb{R}_`} {
		out := p.Process(context.Background(), RawFormula{Input: input})
		if out.Status != StatusFailed {
			t.Fatalf("Process(%q) status = %s", input, out.Status)
		}
		if out.Suggestion == "" {
			t.Fatalf("Process(%q) has no suggestion", input)
		}
	}
	if n := conv.displayCalls.Load(); n != 0 {
		t.Fatalf("converter called %d times for truncated input", n)
	}
}

func TestProcessEmptyInput(t *testing.T) {
	p := New(WithConverter(&fakeConverter{}))
	for _, input := range []string{"", "   \n"} {
		out := p.Process(context.Background(), RawFormula{Input: input})
		if out.Status != StatusFailed {
			t.Fatalf("Process(%q) status = %s", input, out.Status)
		}
	}
}

func TestProcessSemanticRepairAccepted(t *testing.T) {
	conv := &fakeConverter{}
	rep := &fakeRepairer{res: semantic.Result{LaTeX: `x_{a,b}`}}
	p := New(WithConverter(conv), WithSemanticRepairer(rep))
	out := p.Process(context.Background(), RawFormula{Input: `x_{a}_{b}`})
	if out.Status != StatusFixed {
		t.Fatalf("status = %s", out.Status)
	}
	if out.LaTeX != `x_{a,b}` {
		t.Fatalf("proposal not adopted: %q", out.LaTeX)
	}
	if rep.req == nil {
		t.Fatalf("collaborator not consulted")
	}
	if len(rep.req.Anomalies) == 0 {
		t.Fatalf("anomalies not forwarded: %+v", rep.req)
	}
}

func TestProcessSemanticRepairFallsBack(t *testing.T) {
	conv := &fakeConverter{}
	rep := &fakeRepairer{err: errors.New("collaborator down")}
	p := New(WithConverter(conv), WithSemanticRepairer(rep))
	out := p.Process(context.Background(), RawFormula{Input: `x_{a}_{b}`})
	if out.Status != StatusFixed {
		t.Fatalf("status = %s, log %+v", out.Status, out.Log)
	}
	if out.LaTeX != `x_{a}_{b}` {
		t.Fatalf("deterministic result not kept: %q", out.LaTeX)
	}
	found := false
	for _, e := range out.Log {
		if e.Stage == "semantic" && strings.Contains(e.Note, "fallback") {
			found = true
		}
	}
	if !found {
		t.Fatalf("fallback not logged: %+v", out.Log)
	}
}

func TestProcessSemanticProposalGuarded(t *testing.T) {
	// A truncated proposal is rejected even though the collaborator
	// answered within contract.
	conv := &fakeConverter{}
	rep := &fakeRepairer{res: semantic.Result{LaTeX: `x + \le`}}
	p := New(WithConverter(conv), WithSemanticRepairer(rep))
	out := p.Process(context.Background(), RawFormula{Input: `x_{a}_{b}`})
	if out.LaTeX != `x_{a}_{b}` {
		t.Fatalf("truncated proposal adopted: %q", out.LaTeX)
	}
}

func TestProcessRecoveryPass(t *testing.T) {
	conv := &fakeConverter{
		display: func(string) (string, error) { return leakyML, nil },
	}
	p := New(WithConverter(conv))
	out := p.Process(context.Background(), RawFormula{Input: `x+1`})
	if out.Status != StatusFixed {
		t.Fatalf("status = %s, log %+v", out.Status, out.Log)
	}
	if out.MathML != goodML {
		t.Fatalf("recovery output not used: %s", out.MathML)
	}
	if conv.fallbackCalls.Load() != 1 {
		t.Fatalf("fallback called %d times", conv.fallbackCalls.Load())
	}
}

func TestProcessFailsWhenRecoveryFails(t *testing.T) {
	conv := &fakeConverter{
		display:  func(string) (string, error) { return leakyML, nil },
		fallback: func(string) (string, error) { return leakyML, nil },
	}
	p := New(WithConverter(conv))
	out := p.Process(context.Background(), RawFormula{Input: `x+1`})
	if out.Status != StatusFailed {
		t.Fatalf("status = %s", out.Status)
	}
	if out.MathML != "" {
		t.Fatalf("failed outcome carries mathml: %s", out.MathML)
	}
	if out.LaTeXRaw != `x+1` {
		t.Fatalf("raw input lost: %q", out.LaTeXRaw)
	}
}

func TestProcessPanicFailSafe(t *testing.T) {
	conv := &fakeConverter{
		display: func(string) (string, error) { panic("renderer exploded") },
	}
	p := New(WithConverter(conv))
	out := p.Process(context.Background(), RawFormula{Input: `x+1`})
	if out.Status != StatusFailed {
		t.Fatalf("panic escaped as status %s", out.Status)
	}
	if out.MathML != "" {
		t.Fatalf("failed outcome carries mathml")
	}
}

func TestProcessMathMLInput(t *testing.T) {
	p := New(WithConverter(&fakeConverter{}))

	out := p.Process(context.Background(), RawFormula{Input: goodML})
	if out.Status != StatusOK {
		t.Fatalf("valid mathml: status = %s, log %+v", out.Status, out.Log)
	}

	out = p.Process(context.Background(), RawFormula{Input: `<math><mi>x</mi></math>`})
	if out.Status != StatusFixed {
		t.Fatalf("correctable mathml: status = %s", out.Status)
	}
	if !strings.Contains(out.MathML, "http://www.w3.org/1998/Math/MathML") {
		t.Fatalf("namespace not stamped: %s", out.MathML)
	}

	out = p.Process(context.Background(), RawFormula{Input: leakyML})
	if out.Status != StatusFailed {
		t.Fatalf("leaky mathml accepted: %s", out.Status)
	}

	raw := `<math xmlns="http://www.w3.org/1998/Math/MathML"><mrow>\frac{1}{2}</mrow></math>`
	out = p.Process(context.Background(), RawFormula{Input: raw})
	if out.Status != StatusFailed {
		t.Fatalf("latex inside mrow accepted: %s", out.Status)
	}
}

func TestProcessEndToEndFraction(t *testing.T) {
	p := New()
	out := p.Process(context.Background(), RawFormula{Input: `\frac{a}{b} + \alpha`})
	if out.Status != StatusOK {
		t.Fatalf("status = %s, log %+v", out.Status, out.Log)
	}
	if !strings.Contains(out.MathML, "<mfrac") {
		t.Fatalf("fraction not structured: %s", out.MathML)
	}
	if !strings.Contains(out.MathML, "α") {
		t.Fatalf("alpha not rendered: %s", out.MathML)
	}
}

func TestProcessEndToEndDoubleStruck(t *testing.T) {
	p := New()
	out := p.Process(context.Background(), RawFormula{Input: `\mathbb{R}_{+}^{K}`})
	if out.Status != StatusOK {
		t.Fatalf("status = %s, log %+v", out.Status, out.Log)
	}
	if !strings.Contains(out.MathML, `mathvariant="double-struck"`) {
		t.Fatalf("double-struck variant missing: %s", out.MathML)
	}
}

func TestProcessCacheReplay(t *testing.T) {
	conv := &fakeConverter{}
	p := New(WithConverter(conv), WithCache(cache.NewMemory()))

	first := p.Process(context.Background(), RawFormula{Input: `x^{2}+1`})
	if first.Status != StatusOK {
		t.Fatalf("first run: %s", first.Status)
	}
	second := p.Process(context.Background(), RawFormula{Input: `x^{2}+1`})
	if second.Status != StatusOK {
		t.Fatalf("second run: %s", second.Status)
	}
	if conv.displayCalls.Load() != 1 {
		t.Fatalf("converter called %d times despite cache", conv.displayCalls.Load())
	}
	replayed := false
	for _, e := range second.Log {
		if e.Stage == "cache" {
			replayed = true
		}
	}
	if !replayed {
		t.Fatalf("cache replay not logged: %+v", second.Log)
	}
	if second.MathML != first.MathML {
		t.Fatalf("cached outcome differs")
	}
}

func TestProcessCacheKeyIsNormalized(t *testing.T) {
	conv := &fakeConverter{}
	p := New(WithConverter(conv), WithCache(cache.NewMemory()))
	p.Process(context.Background(), RawFormula{Input: `x^{2}+1`})
	out := p.Process(context.Background(), RawFormula{Input: "  x^{2}+1  "})
	if conv.displayCalls.Load() != 1 {
		t.Fatalf("whitespace variant missed the cache")
	}
	if out.LaTeXRaw != "  x^{2}+1  " {
		t.Fatalf("raw input overwritten by cache: %q", out.LaTeXRaw)
	}
}

func TestProcessBatch(t *testing.T) {
	conv := &fakeConverter{}
	p := New(WithConverter(conv), WithBatchLimit(4))
	inputs := []RawFormula{
		{ID: "a", Input: `x+1`},
		{ID: "b", Input: ``},
		{ID: "c", Input: `m_{a}t_{h}r_{m}(x)`},
		{ID: "d", Input: `a \le`},
	}
	outs := p.ProcessBatch(context.Background(), inputs)
	if len(outs) != 4 {
		t.Fatalf("got %d outcomes", len(outs))
	}
	wantStatus := []Status{StatusOK, StatusFailed, StatusFixed, StatusFailed}
	for i, want := range wantStatus {
		if outs[i].ID != inputs[i].ID {
			t.Fatalf("outcome %d has id %q", i, outs[i].ID)
		}
		if outs[i].Status != want {
			t.Fatalf("outcome %q status = %s, want %s", outs[i].ID, outs[i].Status, want)
		}
	}
}

func TestOutcomeJSONShape(t *testing.T) {
	p := New(WithConverter(&fakeConverter{}))
	out := p.Process(context.Background(), RawFormula{Input: `m_{a}t_{h}r_{m}(x)`})
	if out.Status != StatusFixed {
		t.Fatalf("status = %s", out.Status)
	}
	if out.LaTeXRaw != `m_{a}t_{h}r_{m}(x)` {
		t.Fatalf("latexRaw = %q", out.LaTeXRaw)
	}
	if out.Suggestion != "" {
		t.Fatalf("unexpected suggestion on success: %q", out.Suggestion)
	}
}
