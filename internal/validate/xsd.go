package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/antchfx/xmlquery"

	"github.com/integrahub/docflow/internal/xmlproc"
)

// schema is the structural subset of an XSD the validator enforces:
// declared element names, required children and occurrence bounds.
// Simple-type facets and attribute declarations are not checked.
type schema struct {
	path     string
	roots    map[string]bool
	elements map[string]*elementDecl
}

type elementDecl struct {
	name     string
	children []childDecl
}

type childDecl struct {
	name string
	min  int
	max  int // -1 for unbounded
}

type schemaCache struct {
	mu      sync.Mutex
	loaded  map[string]*schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{loaded: map[string]*schema{}}
}

func (c *schemaCache) load(basePath, path string) (*schema, error) {
	full := path
	if basePath != "" && !filepath.IsAbs(path) && !isRemote(path) {
		full = filepath.Join(basePath, path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.loaded[full]; ok {
		return s, nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	s, err := parseSchema(full, data)
	if err != nil {
		return nil, err
	}
	c.loaded[full] = s
	return s, nil
}

// parseSchema reads the xs:element declarations of an XSD. Both inline
// complex types and top-level named complex types are resolved.
func parseSchema(path string, data []byte) (*schema, error) {
	doc, err := xmlquery.Parse(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("malformed XSD: %w", err)
	}
	s := &schema{path: path, roots: map[string]bool{}, elements: map[string]*elementDecl{}}

	// Named complex types indexed for ref resolution.
	namedTypes := map[string]*xmlquery.Node{}
	for _, ct := range queryLocal(doc, "complexType") {
		if name := attr(ct, "name"); name != "" && ct.Parent != nil && localName(ct.Parent) == "schema" {
			namedTypes[name] = ct
		}
	}

	for _, el := range queryLocal(doc, "element") {
		name := attr(el, "name")
		if name == "" {
			continue
		}
		if el.Parent != nil && localName(el.Parent) == "schema" {
			s.roots[name] = true
		}
		decl := &elementDecl{name: name}
		ct := childLocal(el, "complexType")
		if ct == nil {
			if tn := strings.TrimSpace(attr(el, "type")); tn != "" {
				ct = namedTypes[stripPrefix(tn)]
			}
		}
		if ct != nil {
			for _, seq := range []string{"sequence", "all", "choice"} {
				group := childLocal(ct, seq)
				if group == nil {
					continue
				}
				for c := group.FirstChild; c != nil; c = c.NextSibling {
					if c.Type != xmlquery.ElementNode || localName(c) != "element" {
						continue
					}
					cname := attr(c, "name")
					if cname == "" {
						cname = stripPrefix(attr(c, "ref"))
					}
					if cname == "" {
						continue
					}
					min, max := occurs(c)
					if seq == "choice" {
						min = 0
					}
					decl.children = append(decl.children, childDecl{name: cname, min: min, max: max})
				}
			}
		}
		// Inner declarations shadow nothing: first definition of a name wins.
		if _, ok := s.elements[name]; !ok {
			s.elements[name] = decl
		}
	}
	if len(s.elements) == 0 {
		return nil, fmt.Errorf("schema %s declares no elements", path)
	}
	return s, nil
}

// validate walks the document top-down checking each element with a
// declared content model: required children present, occurrence ceilings
// respected, no undeclared children.
func (s *schema) validate(doc *xmlproc.Document) error {
	root := doc.Root()
	if len(s.roots) > 0 && !s.roots[root.Data] {
		return fmt.Errorf("element %q is not a declared root of schema %s", root.Data, filepath.Base(s.path))
	}
	return s.validateElement(root)
}

func (s *schema) validateElement(n *xmlquery.Node) error {
	decl, ok := s.elements[n.Data]
	if ok && len(decl.children) > 0 {
		counts := map[string]int{}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != xmlquery.ElementNode {
				continue
			}
			counts[c.Data]++
		}
		declared := map[string]bool{}
		for _, child := range decl.children {
			declared[child.name] = true
			got := counts[child.name]
			if got < child.min {
				return fmt.Errorf("element %s requires child %s (%d found, %d required)",
					elementPath(n), child.name, got, child.min)
			}
			if child.max >= 0 && got > child.max {
				return fmt.Errorf("element %s allows at most %d %s children, found %d",
					elementPath(n), child.max, child.name, got)
			}
		}
		for name := range counts {
			if !declared[name] {
				return fmt.Errorf("element %s has undeclared child %s", elementPath(n), name)
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode {
			continue
		}
		if err := s.validateElement(c); err != nil {
			return err
		}
	}
	return nil
}

func occurs(el *xmlquery.Node) (int, int) {
	min, max := 1, 1
	if v := attr(el, "minOccurs"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			min = n
		}
	}
	if v := attr(el, "maxOccurs"); v != "" {
		if v == "unbounded" {
			max = -1
		} else if n, err := strconv.Atoi(v); err == nil {
			max = n
		}
	}
	return min, max
}

func attr(n *xmlquery.Node, name string) string {
	for _, a := range n.Attr {
		if a.Name.Local == name && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}

func localName(n *xmlquery.Node) string { return n.Data }

func stripPrefix(s string) string {
	if i := strings.Index(s, ":"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func childLocal(n *xmlquery.Node, local string) *xmlquery.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && localName(c) == local {
			return c
		}
	}
	return nil
}

func queryLocal(doc *xmlquery.Node, local string) []*xmlquery.Node {
	nodes, err := xmlquery.QueryAll(doc, "//*[local-name()='"+local+"']")
	if err != nil {
		return nil
	}
	return nodes
}
