package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/integrahub/docflow/internal/breaker"
	"github.com/integrahub/docflow/internal/dferr"
	"github.com/integrahub/docflow/internal/model"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

func testBreaker() *breaker.Breaker {
	return breaker.New("repository", breaker.Config{
		FailureRateThreshold: 50,
		SlidingWindowSize:    10,
		MinCalls:             5,
		WaitInOpen:           time.Minute,
		HalfOpenCalls:        1,
		CallTimeout:          5 * time.Second,
	})
}

func seedRules(t *testing.T, db *gorm.DB) {
	t.Helper()
	rules := []model.MappingRule{
		{ClientID: 1, InterfaceID: 1, TargetField: "b", SourceField: "//B", Priority: 2, IsActive: true},
		{ClientID: 1, InterfaceID: 1, TargetField: "a", SourceField: "//A", Priority: 1, IsActive: true},
		{ClientID: 1, InterfaceID: 1, TargetField: "off", SourceField: "//X", Priority: 0, IsActive: false},
		{ClientID: 1, InterfaceID: 2, TargetField: "other", SourceField: "//Y", Priority: 1, IsActive: true},
	}
	require.NoError(t, db.Create(&rules).Error)
}

func TestActiveByInterfaceFiltersAndOrders(t *testing.T) {
	db := testDB(t)
	seedRules(t, db)
	s := NewRuleStore(db, testBreaker())

	rules, err := s.ActiveByInterface(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rules, 2, "inactive rules and other interfaces are excluded")
	assert.Equal(t, "a", rules[0].TargetField, "priority ascending")
	assert.Equal(t, "b", rules[1].TargetField)
}

func TestRuleCacheWithinTTL(t *testing.T) {
	db := testDB(t)
	seedRules(t, db)
	s := NewRuleStore(db, testBreaker())

	now := time.Now()
	s.now = func() time.Time { return now }

	first, err := s.ActiveByInterface(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, first, 2)

	// A new rule does not appear until the TTL elapses.
	require.NoError(t, db.Create(&model.MappingRule{
		ClientID: 1, InterfaceID: 1, TargetField: "c", SourceField: "//C", Priority: 3, IsActive: true,
	}).Error)

	cached, err := s.ActiveByInterface(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, cached, 2)

	now = now.Add(ruleCacheTTL + time.Second)
	fresh, err := s.ActiveByInterface(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, fresh, 3)
}

func TestInvalidateDropsCache(t *testing.T) {
	db := testDB(t)
	seedRules(t, db)
	s := NewRuleStore(db, testBreaker())

	_, err := s.ActiveByInterface(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, db.Create(&model.MappingRule{
		ClientID: 1, InterfaceID: 1, TargetField: "c", SourceField: "//C", Priority: 3, IsActive: true,
	}).Error)
	s.Invalidate()

	fresh, err := s.ActiveByInterface(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, fresh, 3)
}

func TestRuleLoadThroughOpenBreaker(t *testing.T) {
	db := testDB(t)
	seedRules(t, db)
	b := breaker.New("repository", breaker.Config{
		FailureRateThreshold: 50, SlidingWindowSize: 10, MinCalls: 2,
		WaitInOpen: time.Minute, HalfOpenCalls: 1, CallTimeout: 5 * time.Second,
	})
	for i := 0; i < 2; i++ {
		_ = b.Run(context.Background(), func(context.Context) error { return assert.AnError }, nil)
	}
	require.Equal(t, breaker.StateOpen, b.State())

	s := NewRuleStore(db, b)
	_, err := s.ActiveByInterface(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, dferr.KindCircuitOpen, dferr.KindOf(err))
}

func TestUncompilableSourceFieldFailsLoad(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.Create(&model.MappingRule{
		ClientID: 1, InterfaceID: 1, TargetField: "a", SourceField: "//A[", IsActive: true,
	}).Error)

	s := NewRuleStore(db, testBreaker())
	_, err := s.ActiveByInterface(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, dferr.KindConfiguration, dferr.KindOf(err))
}

func TestByClientInterfaceTable(t *testing.T) {
	db := testDB(t)
	rules := []model.MappingRule{
		{ClientID: 1, InterfaceID: 1, TableName_: "asn_headers", TargetField: "asn_number", SourceField: "//N", IsActive: true},
		{ClientID: 1, InterfaceID: 1, TableName_: "asn_lines", TargetField: "item_code", SourceField: "//I", IsActive: true},
	}
	require.NoError(t, db.Create(&rules).Error)

	s := NewRuleStore(db, testBreaker())
	got, err := s.ByClientInterfaceTable(context.Background(), 1, 1, "asn_headers")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "asn_number", got[0].TargetField)
}

func TestInterfaceStoreMissingIsConfigurationError(t *testing.T) {
	db := testDB(t)
	s := NewInterfaceStore(db, testBreaker())

	_, err := s.ByID(context.Background(), 42)
	require.Error(t, err)
	assert.Equal(t, dferr.KindConfiguration, dferr.KindOf(err))

	_, err = s.ClientByID(context.Background(), 42)
	require.Error(t, err)
	assert.Equal(t, dferr.KindConfiguration, dferr.KindOf(err))
}

func TestInterfaceStoreRoundTrip(t *testing.T) {
	db := testDB(t)
	client := &model.Client{Code: "ACME"}
	require.NoError(t, db.Create(client).Error)
	iface := &model.Interface{ClientID: client.ID, Name: "asn-inbound", Type: "ASN", RootElement: "ASN", Active: true}
	require.NoError(t, db.Create(iface).Error)

	s := NewInterfaceStore(db, testBreaker())
	got, err := s.ByID(context.Background(), iface.ID)
	require.NoError(t, err)
	assert.Equal(t, "asn-inbound", got.Name)

	c, err := s.ClientByID(context.Background(), client.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACME", c.Code)
}
