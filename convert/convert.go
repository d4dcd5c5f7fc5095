// Package convert turns repaired LaTeX into namespaced MathML. The actual
// typesetting is delegated to a markdown pipeline with a math extension; the
// package's own work is extracting the math element from the rendered
// document and normalizing it into the shape the validator demands.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	treeblood "github.com/wyatt915/goldmark-treeblood"
	"github.com/yuin/goldmark"
	"golang.org/x/net/html"

	"github.com/texmend/texmend/entity"
	"github.com/texmend/texmend/observability"
)

// MathMLNamespace is the required namespace of every produced document.
const MathMLNamespace = "http://www.w3.org/1998/Math/MathML"

// ErrNoMath means the renderer produced no math element, which happens when
// the input is not parseable as LaTeX at all.
var ErrNoMath = errors.New("convert: renderer produced no math element")

// ErrArtifacts means the produced document still carries raw LaTeX, so the
// renderer gave up partway through the input.
var ErrArtifacts = errors.New("convert: raw latex leaked into output")

// Converter renders LaTeX to MathML. Safe for concurrent use.
type Converter struct {
	md       goldmark.Markdown
	entities *entity.Table
	log      observability.Logger
}

// Option configures a Converter.
type Option func(*Converter)

// WithEntityTable substitutes the entity table used for normalization.
func WithEntityTable(t *entity.Table) Option {
	return func(c *Converter) {
		if t != nil {
			c.entities = t
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log observability.Logger) Option {
	return func(c *Converter) {
		if log != nil {
			c.log = log
		}
	}
}

// New builds a Converter.
func New(opts ...Option) *Converter {
	c := &Converter{
		md:       goldmark.New(goldmark.WithExtensions(treeblood.MathML())),
		entities: entity.DefaultTable(),
		log:      observability.NopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConvertDisplay renders latex as display math: a block-level, namespaced
// math element with normalized entities, retagged operators, and
// double-struck promotion applied.
func (c *Converter) ConvertDisplay(ctx context.Context, latex string) (string, error) {
	return c.convert(ctx, latex)
}

var fallbackStyleRe = regexp.MustCompile(`\\(?:mathbb|mathbf|mathcal|mathrm|mathit|mathsf|text)\{([^{}]*)\}`)

// ConvertFallback is the recovery-pass renderer. It strips style wrappers
// and fence commands that most often trip the renderer, then converts the
// residue. The output is plainer than ConvertDisplay's but structurally
// sound, which is the whole point of the recovery pass.
func (c *Converter) ConvertFallback(ctx context.Context, latex string) (string, error) {
	plain := fallbackStyleRe.ReplaceAllString(latex, "$1")
	plain = strings.ReplaceAll(plain, `\left`, "")
	plain = strings.ReplaceAll(plain, `\right`, "")
	plain = strings.TrimSpace(plain)
	if plain == "" {
		return "", ErrNoMath
	}
	return c.convert(ctx, plain)
}

func (c *Converter) convert(ctx context.Context, latex string) (out string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// The renderer is a black box over untrusted input; a panic inside it
	// must surface as a conversion error, not take the pipeline down.
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("renderer panicked", observability.String("panic", fmt.Sprint(r)))
			out, err = "", fmt.Errorf("convert: renderer panic: %v", r)
		}
	}()

	var buf bytes.Buffer
	if err := c.md.Convert([]byte("$$"+latex+"$$"), &buf); err != nil {
		return "", fmt.Errorf("convert: render: %w", err)
	}
	node, err := extractMath(buf.Bytes())
	if err != nil {
		return "", err
	}
	c.postprocess(node, latex)
	if leaked := findArtifact(node); leaked != "" {
		c.log.Warn("latex leaked into mathml", observability.String("fragment", leaked))
		return "", fmt.Errorf("%w: %q", ErrArtifacts, leaked)
	}
	var rendered bytes.Buffer
	if err := html.Render(&rendered, node); err != nil {
		return "", fmt.Errorf("convert: serialize: %w", err)
	}
	return rendered.String(), nil
}

// extractMath parses the rendered HTML and returns the first math element.
func extractMath(doc []byte) (*html.Node, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("convert: parse rendered output: %w", err)
	}
	node := findElement(root, "math")
	if node == nil {
		return nil, ErrNoMath
	}
	detach(node)
	return node, nil
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, name); found != nil {
			return found
		}
	}
	return nil
}

func detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}
