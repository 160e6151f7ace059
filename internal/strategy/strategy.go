// Package strategy turns validated documents into persisted header and
// line entities, one strategy per document type. Strategies are plain
// values registered in a factory keyed by uppercased type; field mapping
// is driven by explicit per-entity descriptor tables instead of runtime
// reflection, so nullability and type rules stay visible in code.
package strategy

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/integrahub/docflow/internal/model"
	"github.com/integrahub/docflow/internal/persist"
	"github.com/integrahub/docflow/internal/store"
	"github.com/integrahub/docflow/internal/xmlproc"
)

// Result reports what a strategy committed.
type Result struct {
	HeaderID    uint64
	BusinessKey string
	LineCount   int
}

// Context carries everything one Process call needs. Persist is bound to
// the orchestrator's transaction; Rules reads through its own breaker.
type Context struct {
	Doc     *xmlproc.Document
	Iface   *model.Interface
	Client  *model.Client
	Persist *persist.Services
	Rules   *store.RuleStore
}

// Strategy processes one document type end to end: header rules, line
// discovery, line rules, batched persistence.
type Strategy interface {
	DocumentType() string
	RootElement() string
	Priority() int
	CanHandle(docType string) bool
	Process(ctx context.Context, pc *Context) (*Result, error)
}

// Factory resolves strategies by document type. Unknown types fall back
// to the configured default so a misconfigured interface still lands in a
// deterministic handler.
type Factory struct {
	mu          sync.RWMutex
	strategies  map[string]Strategy
	defaultType string
}

// NewFactory builds an empty factory defaulting to ASN.
func NewFactory() *Factory {
	return &Factory{strategies: map[string]Strategy{}, defaultType: "ASN"}
}

// Register adds a strategy under its uppercased document type.
func (f *Factory) Register(s Strategy) {
	f.mu.Lock()
	f.strategies[strings.ToUpper(s.DocumentType())] = s
	f.mu.Unlock()
}

// SetDefault overrides the fallback type.
func (f *Factory) SetDefault(docType string) {
	f.mu.Lock()
	f.defaultType = strings.ToUpper(docType)
	f.mu.Unlock()
}

// ForType returns the strategy for docType, or the default strategy when
// the type is unknown.
func (f *Factory) ForType(docType string) Strategy {
	key := strings.ToUpper(strings.TrimSpace(docType))
	f.mu.RLock()
	defer f.mu.RUnlock()
	if s, ok := f.strategies[key]; ok {
		return s
	}
	if s, ok := f.strategies[f.defaultType]; ok {
		slog.Warn("no strategy for document type, using default",
			"type", docType, "default", f.defaultType)
		return s
	}
	return nil
}

// Registered lists the known strategies ordered by priority then type,
// for startup logging and the ops surface.
func (f *Factory) Registered() []Strategy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Strategy, 0, len(f.strategies))
	for _, s := range f.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].DocumentType() < out[j].DocumentType()
	})
	return out
}
