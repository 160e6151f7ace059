package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/integrahub/docflow/internal/breaker"
	"github.com/integrahub/docflow/internal/dferr"
	"github.com/integrahub/docflow/internal/model"
	"github.com/integrahub/docflow/internal/xmlproc"
)

// ruleCacheTTL bounds staleness after out-of-process admin writes. Stale
// reads inside the window are acceptable; documents processed against an
// old rule set still satisfy that rule set's invariants.
const ruleCacheTTL = 60 * time.Second

// RuleStore reads active mapping rules. Results are ordered by priority
// ascending then id, and cached read-mostly with a bounded TTL.
type RuleStore struct {
	db *gorm.DB
	br *breaker.Breaker

	mu    sync.Mutex
	cache map[string]ruleCacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type ruleCacheEntry struct {
	rules  []model.MappingRule
	loaded time.Time
}

// NewRuleStore builds a rule store over db guarded by br.
func NewRuleStore(db *gorm.DB, br *breaker.Breaker) *RuleStore {
	return &RuleStore{
		db:    db,
		br:    br,
		cache: map[string]ruleCacheEntry{},
		ttl:   ruleCacheTTL,
		now:   time.Now,
	}
}

// ActiveByInterface returns every active rule of an interface.
func (s *RuleStore) ActiveByInterface(ctx context.Context, interfaceID uint64) ([]model.MappingRule, error) {
	key := fmt.Sprintf("iface:%d", interfaceID)
	return s.cached(ctx, key, func(ctx context.Context) ([]model.MappingRule, error) {
		var rules []model.MappingRule
		err := s.db.WithContext(ctx).
			Where("interface_id = ? AND is_active = ?", interfaceID, true).
			Order("priority asc, id asc").
			Find(&rules).Error
		return rules, err
	})
}

// ByClientInterfaceTable narrows active rules to one target table.
func (s *RuleStore) ByClientInterfaceTable(ctx context.Context, clientID, interfaceID uint64, table string) ([]model.MappingRule, error) {
	key := fmt.Sprintf("cit:%d:%d:%s", clientID, interfaceID, table)
	return s.cached(ctx, key, func(ctx context.Context) ([]model.MappingRule, error) {
		var rules []model.MappingRule
		err := s.db.WithContext(ctx).
			Where("client_id = ? AND interface_id = ? AND table_name = ? AND is_active = ?",
				clientID, interfaceID, table, true).
			Order("priority asc, id asc").
			Find(&rules).Error
		return rules, err
	})
}

// Invalidate drops the cache, for tests and manual refresh.
func (s *RuleStore) Invalidate() {
	s.mu.Lock()
	s.cache = map[string]ruleCacheEntry{}
	s.mu.Unlock()
}

func (s *RuleStore) cached(ctx context.Context, key string, load func(context.Context) ([]model.MappingRule, error)) ([]model.MappingRule, error) {
	s.mu.Lock()
	if e, ok := s.cache[key]; ok && s.now().Sub(e.loaded) < s.ttl {
		rules := e.rules
		s.mu.Unlock()
		return rules, nil
	}
	s.mu.Unlock()

	rules, err := breaker.Do(ctx, s.br, load, nil)
	if err != nil {
		if dferr.Is(err, dferr.KindCircuitOpen) || dferr.Is(err, dferr.KindTimeout) {
			return nil, err
		}
		return nil, dferr.Wrap(dferr.KindPersistence, err, "load mapping rules")
	}

	// A source_field that does not compile breaks every document on the
	// interface; surface it at load instead of per document.
	for _, r := range rules {
		if !xmlproc.ValidXPath(r.SourceField) {
			return nil, dferr.New(dferr.KindConfiguration,
				"mapping rule %d: source_field %q does not compile as XPath", r.ID, r.SourceField)
		}
	}

	s.mu.Lock()
	s.cache[key] = ruleCacheEntry{rules: rules, loaded: s.now()}
	s.mu.Unlock()
	return rules, nil
}

// InterfaceStore resolves interface and client context for the pipeline.
type InterfaceStore struct {
	db *gorm.DB
	br *breaker.Breaker
}

// NewInterfaceStore builds an interface store over db guarded by br.
func NewInterfaceStore(db *gorm.DB, br *breaker.Breaker) *InterfaceStore {
	return &InterfaceStore{db: db, br: br}
}

// ByID loads one interface. A missing interface is a configuration error:
// the sender was authenticated against something that no longer exists.
func (s *InterfaceStore) ByID(ctx context.Context, id uint64) (*model.Interface, error) {
	return breaker.Do(ctx, s.br, func(ctx context.Context) (*model.Interface, error) {
		var iface model.Interface
		err := s.db.WithContext(ctx).First(&iface, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, dferr.New(dferr.KindConfiguration, "interface %d not found", id)
		}
		if err != nil {
			return nil, dferr.Wrap(dferr.KindPersistence, err, "load interface %d", id)
		}
		return &iface, nil
	}, nil)
}

// ClientByID loads one client.
func (s *InterfaceStore) ClientByID(ctx context.Context, id uint64) (*model.Client, error) {
	return breaker.Do(ctx, s.br, func(ctx context.Context) (*model.Client, error) {
		var client model.Client
		err := s.db.WithContext(ctx).First(&client, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, dferr.New(dferr.KindConfiguration, "client %d not found", id)
		}
		if err != nil {
			return nil, dferr.Wrap(dferr.KindPersistence, err, "load client %d", id)
		}
		return &client, nil
	}, nil)
}
