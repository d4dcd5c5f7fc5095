package convert

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// operatorRunes are characters that belong in <mo>, never in <mi>. Renderers
// fed damaged input sometimes emit them as identifiers.
var operatorRunes = map[rune]bool{
	'=': true, '+': true, '-': true, '*': true, '/': true,
	'<': true, '>': true, '|': true, ',': true, ';': true, ':': true,
	'≤': true, '≥': true, '≠': true, '≈': true, '≡': true, '∝': true,
	'∈': true, '∉': true, '∪': true, '∩': true, '⊂': true, '⊆': true,
	'→': true, '⇒': true, '±': true, '×': true, '÷': true,
	'−': true, '∑': true, '∏': true, '∫': true,
}

// doubleStruckUpper maps the double-struck capitals to their base letters.
// The map is explicit because the Mathematical Alphanumeric block has gaps
// where the Letterlike Symbols block already carried a codepoint.
var doubleStruckUpper = map[rune]rune{
	'𝔸': 'A', '𝔹': 'B', 'ℂ': 'C', '𝔻': 'D', '𝔼': 'E', '𝔽': 'F',
	'𝔾': 'G', 'ℍ': 'H', '𝕀': 'I', '𝕁': 'J', '𝕂': 'K', '𝕃': 'L',
	'𝕄': 'M', 'ℕ': 'N', '𝕆': 'O', 'ℙ': 'P', 'ℚ': 'Q', 'ℝ': 'R',
	'𝕊': 'S', '𝕋': 'T', '𝕌': 'U', '𝕍': 'V', '𝕎': 'W', '𝕏': 'X',
	'𝕐': 'Y', 'ℤ': 'Z',
}

func doubleStruckBase(r rune) (rune, bool) {
	if base, ok := doubleStruckUpper[r]; ok {
		return base, true
	}
	if r >= '𝕒' && r <= '𝕫' {
		return 'a' + (r - '𝕒'), true
	}
	return 0, false
}

var mathbbArgRe = regexp.MustCompile(`\\mathbb\{([^{}]*)\}`)

// promotedLetters returns the letters that may be promoted to double-struck:
// those appearing inside \mathbb groups in the source and nowhere outside
// them. A letter used both ways stays plain, promotion must never change the
// meaning of an ordinary variable.
func promotedLetters(latex string) map[rune]bool {
	inside := map[rune]bool{}
	for _, m := range mathbbArgRe.FindAllStringSubmatch(latex, -1) {
		for _, r := range m[1] {
			if r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' {
				inside[r] = true
			}
		}
	}
	if len(inside) == 0 {
		return inside
	}
	rest := mathbbArgRe.ReplaceAllString(latex, "")
	rest = regexp.MustCompile(`\\[A-Za-z]+`).ReplaceAllString(rest, " ")
	for _, r := range rest {
		if inside[r] {
			delete(inside, r)
		}
	}
	return inside
}

func (c *Converter) postprocess(math *html.Node, latex string) {
	dropAnnotations(math)
	promote := promotedLetters(latex)
	walk(math, func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			n.Data = c.entities.Decode(n.Data)
		case html.ElementNode:
			n.Attr = stripPresentation(n.Attr)
			c.fixToken(n, promote)
		}
	})
	dropEmptyTokens(math)
	setAttr(math, "xmlns", MathMLNamespace)
	setAttr(math, "display", "block")
}

func (c *Converter) fixToken(n *html.Node, promote map[rune]bool) {
	if n.Data != "mi" {
		return
	}
	text := strings.TrimSpace(textContent(n))
	runes := []rune(text)
	if len(runes) != 1 {
		return
	}
	r := runes[0]
	if base, ok := doubleStruckBase(r); ok {
		setText(n, string(base))
		setAttr(n, "mathvariant", "double-struck")
		return
	}
	if operatorRunes[r] {
		n.Data = "mo"
		return
	}
	if promote[r] {
		setAttr(n, "mathvariant", "double-struck")
	}
}

// dropAnnotations removes annotation subtrees and unwraps the semantics
// element they sat in. The renderer echoes the source LaTeX verbatim into an
// annotation, which is not presentation content and would read as a leak to
// every downstream check.
func dropAnnotations(n *html.Node) {
	child := n.FirstChild
	for child != nil {
		next := child.NextSibling
		if child.Type == html.ElementNode && (child.Data == "annotation" || child.Data == "annotation-xml") {
			n.RemoveChild(child)
		} else {
			dropAnnotations(child)
			if child.Type == html.ElementNode && child.Data == "semantics" {
				unwrap(n, child)
			}
		}
		child = next
	}
}

// unwrap lifts n's children into parent in n's place.
func unwrap(parent, n *html.Node) {
	for n.FirstChild != nil {
		c := n.FirstChild
		n.RemoveChild(c)
		parent.InsertBefore(c, n)
	}
	parent.RemoveChild(n)
}

// stripPresentation drops styling attributes the renderer adds for browsers
// and the alttext source echo. The emitted document carries structure only.
func stripPresentation(attrs []html.Attribute) []html.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if a.Key == "class" || a.Key == "style" || a.Key == "alttext" {
			continue
		}
		out = append(out, a)
	}
	return out
}

var tokenElements = map[string]bool{"mi": true, "mo": true, "mn": true, "mtext": true, "ms": true}

// dropEmptyTokens removes token elements with no content. They render as
// nothing but trip zero-tolerance validation downstream.
func dropEmptyTokens(n *html.Node) {
	child := n.FirstChild
	for child != nil {
		next := child.NextSibling
		dropEmptyTokens(child)
		if child.Type == html.ElementNode && tokenElements[child.Data] &&
			strings.TrimSpace(textContent(child)) == "" {
			n.RemoveChild(child)
		}
		child = next
	}
}

var leakRe = regexp.MustCompile(`\\[A-Za-z]{2,}|\\begin\{|\\end\{`)

// findArtifact reports the first raw LaTeX fragment left in any text node,
// or "" when the tree is clean.
func findArtifact(math *html.Node) string {
	var leaked string
	walk(math, func(n *html.Node) {
		if leaked != "" || n.Type != html.TextNode {
			return
		}
		if m := leakRe.FindString(n.Data); m != "" {
			leaked = strings.TrimSpace(n.Data)
		}
	})
	return leaked
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walk(child, fn)
	}
}

func textContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	})
	return b.String()
}

func setText(n *html.Node, text string) {
	for n.FirstChild != nil {
		n.RemoveChild(n.FirstChild)
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
