package strategy

import (
	"log/slog"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/integrahub/docflow/internal/dferr"
	"github.com/integrahub/docflow/internal/model"
	"github.com/integrahub/docflow/internal/transform"
	"github.com/integrahub/docflow/internal/xmlproc"
)

// partitionRules splits active rules by target level, preserving the
// store's priority order.
func partitionRules(rules []model.MappingRule) (header, line []model.MappingRule) {
	for _, r := range rules {
		switch r.TargetLevel {
		case model.LevelLine:
			line = append(line, r)
		default:
			header = append(header, r)
		}
	}
	return header, line
}

// applyRule extracts one rule's value, falls back to the default, runs the
// transformation chain, coerces to the descriptor type and assigns.
//
// An invalid XPath, or a declared data_type that contradicts the column,
// always aborts: the rule set is broken configuration no matter which
// document arrives. A missing or uncoercible value aborts only when the
// rule is required; optional failures are logged and skipped.
func applyRule[E any](doc *xmlproc.Document, ctxNode *xmlquery.Node, rule model.MappingRule, expr string, fields map[string]FieldDesc[E], e *E) error {
	desc, ok := fields[strings.ToLower(strings.TrimSpace(rule.TargetField))]
	if !ok {
		if rule.Required {
			return dferr.Field(dferr.KindConfiguration, rule.TargetField,
				"mapping rule %d targets unknown field", rule.ID)
		}
		slog.Warn("skipping rule with unknown target field",
			"rule_id", rule.ID, "target_field", rule.TargetField)
		return nil
	}

	// Unknown declared types degrade to STRING and are not held against
	// the rule; a recognized type must agree with the column.
	if rule.DataType != "" {
		if dt := transform.ParseTargetType(rule.DataType); dt != transform.TypeString && dt != desc.Type {
			return dferr.Field(dferr.KindConfiguration, rule.TargetField,
				"rule %d declares data_type %s but the column coerces to %s", rule.ID, dt, desc.Type)
		}
	}

	raw, found, err := doc.EvalString(ctxNode, expr)
	if err != nil {
		return err // invalid XPath, already a ConfigurationError
	}
	if !found || strings.TrimSpace(raw) == "" {
		raw = rule.DefaultValue
	}

	v, err := transform.Convert(raw, rule.Transformation, desc.Type)
	if err != nil {
		if rule.Required {
			return dferr.Field(dferr.KindOf(err), rule.SourceField,
				"rule %d: %v", rule.ID, err)
		}
		slog.Warn("skipping optional rule, transformation failed",
			"rule_id", rule.ID, "source_field", rule.SourceField, "error", err)
		return nil
	}
	if v == nil {
		if rule.Required {
			return dferr.Field(dferr.KindValidation, rule.SourceField,
				"missing required field")
		}
		return nil
	}
	if err := desc.Assign(e, v); err != nil {
		return dferr.Field(dferr.KindOf(err), rule.SourceField, "rule %d: %v", rule.ID, err)
	}
	return nil
}

// applyHeaderRules maps header-level rules onto e against the whole document.
func applyHeaderRules[E any](doc *xmlproc.Document, rules []model.MappingRule, fields map[string]FieldDesc[E], e *E) error {
	for _, r := range rules {
		if err := applyRule(doc, nil, r, r.SourceField, fields, e); err != nil {
			return err
		}
	}
	return nil
}

// lineContext is where the repeating line elements were found and the
// absolute path prefix that line rule XPaths are rewritten against.
type lineContext struct {
	nodes  []*xmlquery.Node
	parent string
}

// resolveLineNodes locates the repeating line element. Resolution order:
//
//  1. the common parent path of the line rules' source fields,
//  2. the strategy's default expression,
//  3. the largest group of same-named sibling elements in the document.
func resolveLineNodes(doc *xmlproc.Document, lineRules []model.MappingRule, defaultExpr string) (lineContext, error) {
	if parent := commonParent(lineRules); parent != "" {
		nodes, err := doc.EvalNodes(nil, parent)
		if err != nil {
			return lineContext{}, err
		}
		if len(nodes) > 0 {
			return lineContext{nodes: nodes, parent: parent}, nil
		}
	}
	if defaultExpr != "" {
		nodes, err := doc.EvalNodes(nil, defaultExpr)
		if err != nil {
			return lineContext{}, err
		}
		if len(nodes) > 0 {
			return lineContext{nodes: nodes, parent: defaultExpr}, nil
		}
	}
	return lineContext{nodes: largestSiblingGroup(doc.Root())}, nil
}

// commonParent returns the shared parent path of every line rule, or ""
// when the rules disagree or name no parent at all.
func commonParent(rules []model.MappingRule) string {
	parent := ""
	for _, r := range rules {
		p := xmlproc.ParentPath(r.SourceField)
		if p == "" {
			return ""
		}
		if parent == "" {
			parent = p
			continue
		}
		if p != parent {
			return ""
		}
	}
	return parent
}

// largestSiblingGroup finds the biggest run of same-named element siblings
// anywhere under root. Ties keep the group seen first in document order.
// Groups of one are not lines.
func largestSiblingGroup(root *xmlquery.Node) []*xmlquery.Node {
	var best []*xmlquery.Node
	var walk func(n *xmlquery.Node)
	walk = func(n *xmlquery.Node) {
		var names []string
		groups := map[string][]*xmlquery.Node{}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != xmlquery.ElementNode {
				continue
			}
			if _, seen := groups[c.Data]; !seen {
				names = append(names, c.Data)
			}
			groups[c.Data] = append(groups[c.Data], c)
		}
		for _, name := range names {
			if g := groups[name]; len(g) >= 2 && len(g) > len(best) {
				best = g
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == xmlquery.ElementNode {
				walk(c)
			}
		}
	}
	if root != nil {
		walk(root)
	}
	return best
}

// buildLines materializes one entity per discovered line node. Rule XPaths
// are rewritten relative to the line parent so each rule reads from its own
// node. seed prefills identity fields including the 1-based line number.
func buildLines[E any](doc *xmlproc.Document, lc lineContext, rules []model.MappingRule, fields map[string]FieldDesc[E], seed func(lineNo int) E) ([]E, error) {
	if len(lc.nodes) == 0 {
		return nil, nil
	}
	lines := make([]E, 0, len(lc.nodes))
	for i, node := range lc.nodes {
		e := seed(i + 1)
		for _, r := range rules {
			expr := xmlproc.RelativePath(r.SourceField, lc.parent)
			if err := applyRule(doc, node, r, expr, fields, &e); err != nil {
				return nil, dferr.Wrap(dferr.KindOf(err), err, "line %d", i+1)
			}
		}
		lines = append(lines, e)
	}
	return lines, nil
}
