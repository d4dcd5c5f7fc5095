// Package semantic calls an external repair collaborator for formulas the
// deterministic rules could not clean. The collaborator is untrusted: its
// response is held to a strict single-object JSON contract and anything
// resembling program code is rejected outright. Collaborator output is data,
// never something to execute.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/texmend/texmend/observability"
)

// Request is the payload sent to the collaborator.
type Request struct {
	RawLaTeX          string   `json:"rawLatex"`
	Anomalies         []string `json:"detectedAnomalies,omitempty"`
	TruncationWarning string   `json:"truncationWarning,omitempty"`
}

// Result is the only response shape the contract allows.
type Result struct {
	LaTeX string `json:"latex"`
}

// Repairer proposes a semantically repaired LaTeX string.
type Repairer interface {
	Repair(ctx context.Context, req Request) (Result, error)
}

// ErrContractViolation marks a collaborator response that broke the JSON
// contract. Callers must fall back to their deterministic result.
var ErrContractViolation = errors.New("semantic: collaborator response violates contract")

// ErrUnavailable is returned by NopRepairer.
var ErrUnavailable = errors.New("semantic: no collaborator configured")

// NopRepairer is the stand-in used when no collaborator endpoint is set.
type NopRepairer struct{}

func (NopRepairer) Repair(context.Context, Request) (Result, error) {
	return Result{}, ErrUnavailable
}

var codeLineRe = regexp.MustCompile(`(?m)^\s*(def |import |from \w+ import|class |function |return |print\(|console\.log|#include|package |var |const )`)

// codeLike reports whether a proposed repair looks like program code rather
// than LaTeX. OCR collaborators occasionally answer with a script that would
// compute the formula; that output must never reach the converter.
func codeLike(s string) bool {
	if strings.Contains(s, "```") {
		return true
	}
	if codeLineRe.MatchString(s) {
		return true
	}
	if strings.Contains(s, ":=") || strings.Contains(s, "=>") {
		return true
	}
	return false
}

// ParseResponse decodes a collaborator response under the strict contract: a
// single JSON object with exactly the key "latex" holding a non-empty,
// non-code string. Everything else is ErrContractViolation.
func ParseResponse(raw []byte) (Result, error) {
	if bytes.Contains(raw, []byte("```")) {
		return Result{}, fmt.Errorf("%w: fenced block in response", ErrContractViolation)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var res Result
	if err := dec.Decode(&res); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrContractViolation, err)
	}
	if dec.More() {
		return Result{}, fmt.Errorf("%w: trailing data after object", ErrContractViolation)
	}
	res.LaTeX = strings.TrimSpace(res.LaTeX)
	if res.LaTeX == "" {
		return Result{}, fmt.Errorf("%w: empty latex", ErrContractViolation)
	}
	if codeLike(res.LaTeX) {
		return Result{}, fmt.Errorf("%w: response resembles program code", ErrContractViolation)
	}
	return res, nil
}

// HTTPRepairer talks to a collaborator over HTTP. The endpoint receives the
// Request as JSON and must answer with the contract object.
type HTTPRepairer struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	log      observability.Logger
}

// HTTPOption configures an HTTPRepairer.
type HTTPOption func(*HTTPRepairer)

// WithTimeout bounds a single repair call. The default is 20 seconds; values
// outside [10s, 30s] are clamped into that window.
func WithTimeout(d time.Duration) HTTPOption {
	return func(r *HTTPRepairer) {
		switch {
		case d < 10*time.Second:
			r.timeout = 10 * time.Second
		case d > 30*time.Second:
			r.timeout = 30 * time.Second
		default:
			r.timeout = d
		}
	}
}

// WithHTTPClient substitutes the transport, mainly for tests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(r *HTTPRepairer) {
		if c != nil {
			r.client = c
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log observability.Logger) HTTPOption {
	return func(r *HTTPRepairer) {
		if log != nil {
			r.log = log
		}
	}
}

// NewHTTPRepairer builds a repairer for the given endpoint URL.
func NewHTTPRepairer(endpoint string, opts ...HTTPOption) *HTTPRepairer {
	r := &HTTPRepairer{
		endpoint: endpoint,
		client:   http.DefaultClient,
		timeout:  20 * time.Second,
		log:      observability.NopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const maxResponseBytes = 1 << 20

// Repair sends the request and parses the response under the contract. The
// call is bounded by the configured timeout on top of any caller deadline.
func (r *HTTPRepairer) Repair(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("semantic: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("semantic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("semantic: call collaborator: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("semantic: read response: %w", err)
	}
	r.log.Debug("collaborator answered",
		observability.Int("status", resp.StatusCode),
		observability.Float64("seconds", time.Since(start).Seconds()),
	)
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("semantic: collaborator returned status %d", resp.StatusCode)
	}
	return ParseResponse(raw)
}
