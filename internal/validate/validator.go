// Package validate layers the three inbound document checks: structural
// well-formedness, interface compatibility and schema conformance. Checks
// run in order and the first failure wins; the full schema pass is never
// reached for a document whose root does not match its interface.
package validate

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/antchfx/xmlquery"

	"github.com/integrahub/docflow/internal/dferr"
	"github.com/integrahub/docflow/internal/model"
	"github.com/integrahub/docflow/internal/xmlproc"
)

// FlexibleSuffix on an interface root_element switches that interface to
// structural-only validation: no XSD is consulted.
const FlexibleSuffix = ":FLEXIBLE"

// Options carries the validator's security and lookup settings.
type Options struct {
	SchemaBasePath       string
	DefaultSchemaPath    string
	EnableExternalSchema bool
}

// Validator applies the layered checks. Safe for concurrent use; the only
// mutable state is the per-call error buffer behind a mutex and the schema
// cache.
type Validator struct {
	opts    Options
	schemas *schemaCache

	mu      sync.Mutex
	lastErr string
}

// New builds a validator.
func New(opts Options) *Validator {
	return &Validator{opts: opts, schemas: newSchemaCache()}
}

// LastError returns the human-readable reason of the most recent failure.
func (v *Validator) LastError() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}

func (v *Validator) fail(kind dferr.Kind, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	v.mu.Lock()
	v.lastErr = msg
	v.mu.Unlock()
	return dferr.New(kind, "%s", msg)
}

// Validate runs all applicable layers for doc against iface.
func (v *Validator) Validate(doc *xmlproc.Document, iface *model.Interface) error {
	if err := v.Structural(doc); err != nil {
		return err
	}
	if err := v.Compatible(doc, iface); err != nil {
		return err
	}
	if strings.HasSuffix(iface.RootElement, FlexibleSuffix) {
		slog.Debug("flexible interface, skipping schema validation",
			"interface", iface.Name, "root", iface.RootElement)
		return nil
	}
	return v.Schema(doc, iface)
}

// Structural verifies the document has a root element and that every
// namespace prefix in use is declared by the element itself or an ancestor.
// A declared-but-unused namespace is fine; an undeclared prefix is not.
func (v *Validator) Structural(doc *xmlproc.Document) error {
	root := doc.Root()
	if root == nil {
		return v.fail(dferr.KindValidation, "document has no root element")
	}
	if path, prefix := findUndeclaredPrefix(root, map[string]bool{"xml": true, "xmlns": true}); prefix != "" {
		return v.fail(dferr.KindValidation, "undeclared namespace prefix %q at %s", prefix, path)
	}
	return nil
}

// findUndeclaredPrefix walks the element tree maintaining the set of
// prefixes in scope. Returns the path and prefix of the first violation.
func findUndeclaredPrefix(n *xmlquery.Node, scope map[string]bool) (string, string) {
	// Declarations on this element enter scope before its own name is checked.
	added := []string{}
	for _, a := range n.Attr {
		if a.Name.Space == "xmlns" {
			if !scope[a.Name.Local] {
				scope[a.Name.Local] = true
				added = append(added, a.Name.Local)
			}
		}
	}
	if n.Prefix != "" && !scope[n.Prefix] {
		return elementPath(n), n.Prefix
	}
	for _, a := range n.Attr {
		if a.Name.Space != "" && a.Name.Space != "xmlns" && !scope[a.Name.Space] {
			return elementPath(n) + "/@" + a.Name.Space + ":" + a.Name.Local, a.Name.Space
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode {
			continue
		}
		if path, prefix := findUndeclaredPrefix(c, scope); prefix != "" {
			// Out-of-scope declarations removed before reporting upward.
			for _, p := range added {
				delete(scope, p)
			}
			return path, prefix
		}
	}
	for _, p := range added {
		delete(scope, p)
	}
	return "", ""
}

func elementPath(n *xmlquery.Node) string {
	if n == nil {
		return ""
	}
	parts := []string{}
	for ; n != nil && n.Type == xmlquery.ElementNode; n = n.Parent {
		parts = append([]string{n.Data}, parts...)
	}
	return "/" + strings.Join(parts, "/")
}

// Compatible compares the document root against the interface definition.
// The root local-name must equal root_element (minus any :FLEXIBLE suffix)
// and the root namespace URI must equal the interface namespace.
func (v *Validator) Compatible(doc *xmlproc.Document, iface *model.Interface) error {
	root := doc.Root()
	want := strings.TrimSuffix(iface.RootElement, FlexibleSuffix)
	if root.Data != want {
		return v.fail(dferr.KindValidation,
			"root element %q does not match interface %s (expects %q)", root.Data, iface.Name, want)
	}
	if iface.Namespace != "" && root.NamespaceURI != iface.Namespace {
		return v.fail(dferr.KindValidation,
			"root namespace %q does not match interface %s (expects %q)",
			root.NamespaceURI, iface.Name, iface.Namespace)
	}
	return nil
}

// Schema validates the document against the XSD referenced by the
// interface. Missing schema files are configuration errors, not
// validation errors.
func (v *Validator) Schema(doc *xmlproc.Document, iface *model.Interface) error {
	path := iface.SchemaPath
	if path == "" {
		path = v.opts.DefaultSchemaPath
	}
	if path == "" {
		return v.fail(dferr.KindConfiguration, "interface %s has no schema path", iface.Name)
	}
	if !v.opts.EnableExternalSchema && isRemote(path) {
		return v.fail(dferr.KindConfiguration, "remote schema %q rejected, external schema fetching is disabled", path)
	}
	schema, err := v.schemas.load(v.opts.SchemaBasePath, path)
	if err != nil {
		return v.fail(dferr.KindConfiguration, "cannot load schema %s: %v", path, err)
	}
	if err := schema.validate(doc); err != nil {
		return v.fail(dferr.KindValidation, "%v", err)
	}
	return nil
}

func isRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}
