// Package pipeline orchestrates the full path from raw OCR output to
// validated MathML: classification, deterministic repair, optional semantic
// repair, truncation guarding, conversion, and zero-tolerance validation.
// The pipeline is fail-safe: no input, however damaged, escapes as anything
// other than an explicit failed outcome.
package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/texmend/texmend/cache"
	"github.com/texmend/texmend/classify"
	"github.com/texmend/texmend/convert"
	"github.com/texmend/texmend/observability"
	"github.com/texmend/texmend/repair"
	"github.com/texmend/texmend/semantic"
	"github.com/texmend/texmend/validate"
)

// Status is the terminal state of one formula.
type Status string

const (
	// StatusOK: the input converted and validated without modification.
	StatusOK Status = "ok"
	// StatusFixed: the input needed repair, correction, or a recovery
	// conversion, and the result validated.
	StatusFixed Status = "fixed"
	// StatusFailed: no valid MathML could be produced.
	StatusFailed Status = "failed"
)

// RawFormula is one unit of work. A zero ID is assigned on intake. Region
// and Confidence are OCR provenance, carried for diagnostics only.
type RawFormula struct {
	ID         string  `json:"id,omitempty"`
	Input      string  `json:"input"`
	Region     string  `json:"region,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// LogEntry records one pipeline event for the outcome's audit trail.
type LogEntry struct {
	Stage  string `json:"stage"`
	Rule   string `json:"rule,omitempty"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Outcome is the pipeline's result for one formula.
type Outcome struct {
	ID         string     `json:"id,omitempty"`
	Status     Status     `json:"status"`
	LaTeX      string     `json:"latex,omitempty"`
	MathML     string     `json:"mathml,omitempty"`
	LaTeXRaw   string     `json:"latexRaw"`
	Suggestion string     `json:"suggestion,omitempty"`
	Log        []LogEntry `json:"log,omitempty"`
}

// LaTeXConverter renders LaTeX to MathML. ConvertFallback is the plainer
// recovery renderer used after a critical validation failure.
type LaTeXConverter interface {
	ConvertDisplay(ctx context.Context, latex string) (string, error)
	ConvertFallback(ctx context.Context, latex string) (string, error)
}

// Pipeline wires the stages together. Safe for concurrent use.
type Pipeline struct {
	engine     *repair.Engine
	converter  LaTeXConverter
	repairer   semantic.Repairer
	validator  *validate.Validator
	store      cache.Store
	log        observability.Logger
	tracer     observability.Tracer
	group      singleflight.Group
	batchLimit int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConverter substitutes the LaTeX renderer.
func WithConverter(c LaTeXConverter) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.converter = c
		}
	}
}

// WithSemanticRepairer sets the collaborator used for formulas the
// deterministic rules leave dirty.
func WithSemanticRepairer(r semantic.Repairer) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.repairer = r
		}
	}
}

// WithCache attaches an outcome store.
func WithCache(s cache.Store) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithRepairEngine substitutes the rule engine.
func WithRepairEngine(e *repair.Engine) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.engine = e
		}
	}
}

// WithValidator substitutes the validator.
func WithValidator(v *validate.Validator) Option {
	return func(p *Pipeline) {
		if v != nil {
			p.validator = v
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log observability.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// WithTracer attaches a tracer.
func WithTracer(t observability.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithBatchLimit caps concurrent formulas in ProcessBatch. Default 8.
func WithBatchLimit(n int) Option {
	return func(p *Pipeline) {
		if n >= 1 {
			p.batchLimit = n
		}
	}
}

// New builds a pipeline. With no options it repairs deterministically, has
// no collaborator and no cache, and converts with the built-in renderer.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:     repair.NewEngine(),
		converter:  convert.New(),
		repairer:   semantic.NopRepairer{},
		validator:  validate.New(),
		log:        observability.NopLogger{},
		tracer:     observability.NopTracer(),
		batchLimit: 8,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process takes one raw formula to a terminal outcome. It never panics and
// never returns an error: every abnormal path ends in a failed outcome.
func (p *Pipeline) Process(ctx context.Context, raw RawFormula) (outcome Outcome) {
	if raw.ID == "" {
		raw.ID = uuid.NewString()
	}
	outcome = Outcome{ID: raw.ID, LaTeXRaw: raw.Input}

	// Fail-safe boundary: a panic anywhere below becomes a failed
	// outcome for this formula only.
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline panic",
				observability.String("id", raw.ID),
				observability.String("panic", fmt.Sprint(r)),
			)
			outcome.Status = StatusFailed
			outcome.MathML = ""
			outcome.Suggestion = "internal error while processing this formula"
			outcome.Log = append(outcome.Log, LogEntry{Stage: "pipeline", Note: "panic recovered"})
		}
	}()

	ctx, span := p.tracer.StartSpan(ctx, observability.MetricPipelineTime)
	defer span.Finish()
	span.SetTag("id", raw.ID)
	if raw.Region != "" {
		span.SetTag("region", raw.Region)
	}
	p.log.Debug("formula accepted",
		observability.String("id", raw.ID),
		observability.Float64("confidence", raw.Confidence),
	)

	kind := classify.DetectKind(raw.Input)
	switch kind {
	case classify.KindEmpty:
		outcome.Status = StatusFailed
		outcome.Suggestion = "the input is empty"
		return outcome
	case classify.KindMathML:
		return p.processMathML(raw, outcome)
	}

	latex := stripDelimiters(raw.Input)
	repaired, changes := p.engine.Repair(latex)
	for _, c := range changes {
		outcome.Log = append(outcome.Log, LogEntry{Stage: "repair", Rule: c.Rule, Before: c.Before, After: c.After})
	}

	report := classify.Classify(repaired)
	if !report.Clean {
		repaired = p.repairSemantically(ctx, repaired, report, &outcome)
	}

	if terr := repair.CheckTruncation(repaired); terr != nil {
		outcome.Status = StatusFailed
		outcome.LaTeX = repaired
		outcome.Suggestion = terr.Suggestion
		outcome.Log = append(outcome.Log, LogEntry{Stage: "truncation", Note: terr.Error()})
		return outcome
	}
	outcome.LaTeX = repaired

	key := fingerprint(repaired)
	if cached, ok := p.fromCache(ctx, key, raw); ok {
		return cached
	}

	mathml, recovered, err := p.convertValidated(ctx, key, repaired)
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Suggestion = suggestionFor(err)
		outcome.Log = append(outcome.Log, LogEntry{Stage: "convert", Note: err.Error()})
		return outcome
	}
	outcome.MathML = mathml
	if recovered {
		outcome.Log = append(outcome.Log, LogEntry{Stage: "convert", Note: "recovery conversion used"})
	}

	if len(outcome.Log) == 0 && repaired == latex {
		outcome.Status = StatusOK
	} else {
		outcome.Status = StatusFixed
	}
	p.toCache(ctx, key, outcome)
	return outcome
}

// processMathML routes already-MathML input straight to validation.
func (p *Pipeline) processMathML(raw RawFormula, outcome Outcome) Outcome {
	corrected := p.validator.AutoCorrect(strings.TrimSpace(raw.Input))
	report := p.validator.Validate(corrected)
	if report.Critical() {
		outcome.Status = StatusFailed
		outcome.Suggestion = "the supplied MathML carries unconvertible content"
		for _, v := range report.Violations {
			outcome.Log = append(outcome.Log, LogEntry{Stage: "validate", Note: string(v.Kind), After: v.Location})
		}
		return outcome
	}
	outcome.MathML = corrected
	if corrected == strings.TrimSpace(raw.Input) && report.Valid() {
		outcome.Status = StatusOK
	} else {
		outcome.Status = StatusFixed
		outcome.Log = append(outcome.Log, LogEntry{Stage: "validate", Note: "auto-corrected supplied mathml"})
	}
	return outcome
}

// repairSemantically consults the collaborator and returns its proposal when
// it honors the contract and survives the truncation guard; otherwise the
// deterministic result stands.
func (p *Pipeline) repairSemantically(ctx context.Context, latex string, report classify.Report, outcome *Outcome) string {
	req := semantic.Request{RawLaTeX: latex}
	for _, a := range report.Anomalies {
		req.Anomalies = append(req.Anomalies, string(a))
	}
	if terr := repair.CheckTruncation(latex); terr != nil {
		req.TruncationWarning = terr.Suggestion
	}

	ctx, span := p.tracer.StartSpan(ctx, observability.MetricCollaboratorTime)
	defer span.Finish()

	res, err := p.repairer.Repair(ctx, req)
	if err != nil {
		span.SetError(err)
		p.log.Warn("semantic repair unavailable, keeping deterministic result",
			observability.Error("err", err))
		outcome.Log = append(outcome.Log, LogEntry{Stage: "semantic", Note: "fallback: " + err.Error()})
		return latex
	}
	if terr := repair.CheckTruncation(res.LaTeX); terr != nil {
		outcome.Log = append(outcome.Log, LogEntry{Stage: "semantic", Note: "proposal rejected: " + terr.Error()})
		return latex
	}
	outcome.Log = append(outcome.Log, LogEntry{Stage: "semantic", Before: latex, After: res.LaTeX})
	return res.LaTeX
}

type conversionResult struct {
	mathml    string
	recovered bool
}

// convertValidated converts and validates, with at most one recovery pass.
// Concurrent calls for the same fingerprint share a single conversion.
func (p *Pipeline) convertValidated(ctx context.Context, key, latex string) (string, bool, error) {
	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		mathml, err := p.converter.ConvertDisplay(ctx, latex)
		if err == nil {
			corrected := p.validator.AutoCorrect(mathml)
			if report := p.validator.Validate(corrected); !report.Critical() {
				return conversionResult{mathml: corrected}, nil
			}
			err = fmt.Errorf("validation rejected the converted document")
		}

		// One recovery pass with the plainer renderer.
		mathml, rerr := p.converter.ConvertFallback(ctx, latex)
		if rerr != nil {
			return nil, fmt.Errorf("convert failed (%v) and recovery failed: %w", err, rerr)
		}
		corrected := p.validator.AutoCorrect(mathml)
		if report := p.validator.Validate(corrected); report.Critical() {
			return nil, fmt.Errorf("recovery conversion still invalid after %v", err)
		}
		return conversionResult{mathml: corrected, recovered: true}, nil
	})
	if err != nil {
		return "", false, err
	}
	res := v.(conversionResult)
	return res.mathml, res.recovered, nil
}

func (p *Pipeline) fromCache(ctx context.Context, key string, raw RawFormula) (Outcome, bool) {
	if p.store == nil {
		return Outcome{}, false
	}
	data, ok, err := p.store.Get(ctx, key)
	if err != nil {
		p.log.Warn("cache lookup failed", observability.Error("err", err))
		return Outcome{}, false
	}
	if !ok {
		return Outcome{}, false
	}
	var cached Outcome
	if err := json.Unmarshal(data, &cached); err != nil {
		p.log.Warn("cache entry corrupt", observability.Error("err", err))
		return Outcome{}, false
	}
	cached.ID = raw.ID
	cached.LaTeXRaw = raw.Input
	cached.Log = append(cached.Log, LogEntry{Stage: "cache", Note: "outcome replayed from cache"})
	p.log.Debug("cache hit", observability.String("key", key))
	return cached, true
}

func (p *Pipeline) toCache(ctx context.Context, key string, outcome Outcome) {
	if p.store == nil || outcome.Status == StatusFailed {
		return
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return
	}
	if err := p.store.Put(ctx, key, data); err != nil {
		p.log.Warn("cache store failed", observability.Error("err", err))
	}
}

// ProcessBatch runs formulas concurrently and returns outcomes in input
// order. Cancellation of ctx fails the formulas not yet finished.
func (p *Pipeline) ProcessBatch(ctx context.Context, formulas []RawFormula) []Outcome {
	outcomes := make([]Outcome, len(formulas))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.batchLimit)
	for i, raw := range formulas {
		g.Go(func() error {
			outcomes[i] = p.Process(ctx, raw)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// fingerprint keys the cache and singleflight group by normalized content.
func fingerprint(latex string) string {
	sum := blake2b.Sum256([]byte(strings.Join(strings.Fields(latex), " ")))
	return hex.EncodeToString(sum[:])
}

var delimiterPairs = [][2]string{
	{"$$", "$$"},
	{`\[`, `\]`},
	{`\(`, `\)`},
	{"$", "$"},
}

// stripDelimiters removes one layer of math-mode delimiters; the converter
// adds its own.
func stripDelimiters(s string) string {
	s = strings.TrimSpace(s)
	for _, pair := range delimiterPairs {
		if strings.HasPrefix(s, pair[0]) && strings.HasSuffix(s, pair[1]) && len(s) >= len(pair[0])+len(pair[1]) {
			return strings.TrimSpace(s[len(pair[0]) : len(s)-len(pair[1])])
		}
	}
	return s
}

func suggestionFor(err error) string {
	switch {
	case strings.Contains(err.Error(), "context"):
		return "processing timed out; retry with a longer deadline"
	default:
		return "the formula could not be converted to valid MathML; recapture the source"
	}
}
