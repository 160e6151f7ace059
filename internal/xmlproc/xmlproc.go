// Package xmlproc wraps xmlquery behind the pipeline's XML contract:
// namespace-aware parsing with secure defaults, XPath 1.0 evaluation
// against a document or sub-node, relative path resolution and canonical
// serialization.
package xmlproc

import (
	"bytes"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/integrahub/docflow/internal/dferr"
)

// Options controls the security posture of the parser.
type Options struct {
	EnableExternalDTD    bool // permit DOCTYPE declarations
	EntityExpansionLimit int  // max entity declarations when DTD is permitted
}

// Processor parses and queries XML documents. It is safe for concurrent
// use; each parsed Document is not and belongs to a single worker.
type Processor struct {
	opts Options
}

// New builds a processor with the given security options.
func New(opts Options) *Processor {
	if opts.EntityExpansionLimit <= 0 {
		opts.EntityExpansionLimit = 64
	}
	return &Processor{opts: opts}
}

// Document is one parsed XML tree plus the namespace bindings declared
// anywhere in it. XPath evaluation binds every declared prefix.
type Document struct {
	node     *xmlquery.Node
	ns       map[string]string
	compiled map[string]*xpath.Expr
}

// Parse turns raw bytes into a Document. Malformed input, empty input and
// (by default) any DOCTYPE or entity declaration are rejected with a
// ParseError.
func (p *Processor) Parse(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, dferr.New(dferr.KindParse, "empty document")
	}
	if err := p.checkEntities(data); err != nil {
		return nil, err
	}
	node, err := xmlquery.ParseWithOptions(bytes.NewReader(data), xmlquery.ParserOptions{
		Decoder: &xmlquery.DecoderOptions{Strict: true},
	})
	if err != nil {
		return nil, dferr.Wrap(dferr.KindParse, err, "malformed XML")
	}
	doc := &Document{
		node:     node,
		ns:       map[string]string{},
		compiled: map[string]*xpath.Expr{},
	}
	collectNamespaces(node, doc.ns)
	if doc.Root() == nil {
		return nil, dferr.New(dferr.KindParse, "document has no root element")
	}
	return doc, nil
}

// checkEntities enforces the secure parsing defaults: DOCTYPE is rejected
// outright unless external DTDs are enabled, and even then the number of
// entity declarations is capped.
func (p *Processor) checkEntities(data []byte) error {
	if !p.opts.EnableExternalDTD {
		if bytes.Contains(data, []byte("<!DOCTYPE")) || bytes.Contains(data, []byte("<!ENTITY")) {
			return dferr.New(dferr.KindParse, "DTD and entity declarations are not allowed")
		}
		return nil
	}
	if n := bytes.Count(data, []byte("<!ENTITY")); n > p.opts.EntityExpansionLimit {
		return dferr.New(dferr.KindParse, "entity declarations exceed limit of %d", p.opts.EntityExpansionLimit)
	}
	return nil
}

// collectNamespaces walks the tree recording every xmlns declaration.
// The first binding of a prefix wins, matching ancestor-scope resolution
// for documents that declare all namespaces near the root.
func collectNamespaces(n *xmlquery.Node, ns map[string]string) {
	for ; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			for _, a := range n.Attr {
				switch {
				case a.Name.Space == "xmlns":
					if _, ok := ns[a.Name.Local]; !ok {
						ns[a.Name.Local] = a.Value
					}
				case a.Name.Space == "" && a.Name.Local == "xmlns":
					if _, ok := ns[""]; !ok {
						ns[""] = a.Value
					}
				}
			}
		}
		collectNamespaces(n.FirstChild, ns)
	}
}

// Root returns the document's root element.
func (d *Document) Root() *xmlquery.Node {
	for n := d.node.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}

// Node returns the underlying document node, usable as an XPath context.
func (d *Document) Node() *xmlquery.Node { return d.node }

// Namespaces returns the prefix to URI bindings declared in the document.
func (d *Document) Namespaces() map[string]string { return d.ns }

func (d *Document) compile(expr string) (*xpath.Expr, error) {
	if e, ok := d.compiled[expr]; ok {
		return e, nil
	}
	// Only prefixed bindings participate in compilation: XPath 1.0 has no
	// default-namespace axis, unprefixed steps always match no-namespace names.
	bound := map[string]string{}
	for prefix, uri := range d.ns {
		if prefix != "" {
			bound[prefix] = uri
		}
	}
	e, err := xpath.CompileWithNS(expr, bound)
	if err != nil {
		return nil, dferr.Wrap(dferr.KindConfiguration, err, "invalid XPath %q", expr)
	}
	d.compiled[expr] = e
	return e, nil
}

// EvalString evaluates expr against ctx (a document or element node) and
// returns the text of the first match. The boolean is false when nothing
// matched; a missing value is never the empty string.
func (d *Document) EvalString(ctx *xmlquery.Node, expr string) (string, bool, error) {
	nodes, err := d.EvalNodes(ctx, expr)
	if err != nil {
		return "", false, err
	}
	if len(nodes) == 0 {
		return "", false, nil
	}
	return nodes[0].InnerText(), true, nil
}

// EvalNodes evaluates expr against ctx and returns matches in document order.
func (d *Document) EvalNodes(ctx *xmlquery.Node, expr string) ([]*xmlquery.Node, error) {
	if ctx == nil {
		ctx = d.node
	}
	e, err := d.compile(expr)
	if err != nil {
		return nil, err
	}
	return xmlquery.QuerySelectorAll(ctx, e), nil
}

// Serialize renders the document back to bytes, preserving element names,
// attributes, text content and namespace declarations in document order.
func (d *Document) Serialize() []byte {
	return []byte(d.node.OutputXML(false))
}

// RelativePath rewrites child so it can be evaluated against a node
// selected by parent. When child does not extend parent, the last path
// segment is used as a best-effort relative step.
func RelativePath(child, parent string) string {
	p := strings.TrimSuffix(strings.TrimSpace(parent), "/")
	c := strings.TrimSpace(child)
	if c == p {
		return "."
	}
	if p != "" && strings.HasPrefix(c, p+"/") {
		return strings.TrimPrefix(c, p+"/")
	}
	if i := strings.LastIndex(c, "/"); i >= 0 {
		return c[i+1:]
	}
	return c
}

// ParentPath strips the last location step from expr. The empty string
// means expr had no parent step to strip.
func ParentPath(expr string) string {
	e := strings.TrimSuffix(strings.TrimSpace(expr), "/")
	i := strings.LastIndex(e, "/")
	if i < 0 {
		return ""
	}
	parent := strings.TrimSuffix(e[:i], "/")
	if parent == "" || parent == "/" {
		return ""
	}
	return parent
}

// ValidXPath reports whether expr compiles as XPath 1.0. Used when
// sanity-checking mapping rules before a document is ever processed.
func ValidXPath(expr string) bool {
	_, err := xpath.Compile(expr)
	return err == nil
}
