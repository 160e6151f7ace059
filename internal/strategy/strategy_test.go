package strategy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/integrahub/docflow/internal/breaker"
	"github.com/integrahub/docflow/internal/dferr"
	"github.com/integrahub/docflow/internal/model"
	"github.com/integrahub/docflow/internal/persist"
	"github.com/integrahub/docflow/internal/store"
	"github.com/integrahub/docflow/internal/xmlproc"
)

const asnSample = `<?xml version="1.0"?>
<ASN>
  <HEADER>
    <ASN_NUMBER>ASN-2024-001</ASN_NUMBER>
    <SUPPLIER>ACME</SUPPLIER>
    <SHIP_DATE>2024-03-15</SHIP_DATE>
  </HEADER>
  <LINES>
    <ASN_LINE>
      <ITEM_CODE>SKU-1</ITEM_CODE>
      <QTY>10.500</QTY>
    </ASN_LINE>
    <ASN_LINE>
      <ITEM_CODE>SKU-2</ITEM_CODE>
      <QTY>3</QTY>
    </ASN_LINE>
  </LINES>
</ASN>`

type fixture struct {
	db    *gorm.DB
	iface *model.Interface
	pc    *Context
}

func newFixture(t *testing.T, xml string, rules []model.MappingRule) *fixture {
	t.Helper()
	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "strategy.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	client := &model.Client{Code: "ACME", Name: "Acme Corp", Status: model.ClientActive}
	require.NoError(t, db.Create(client).Error)
	iface := &model.Interface{
		ClientID: client.ID, Name: "asn-inbound", Type: "ASN",
		RootElement: "ASN", Active: true, Priority: "HIGH",
	}
	require.NoError(t, db.Create(iface).Error)
	for i := range rules {
		rules[i].ClientID = client.ID
		rules[i].InterfaceID = iface.ID
		rules[i].IsActive = true
	}
	if len(rules) > 0 {
		require.NoError(t, db.Create(&rules).Error)
	}

	doc, err := xmlproc.New(xmlproc.Options{}).Parse([]byte(xml))
	require.NoError(t, err)

	br := breaker.New("repository", breaker.Config{
		FailureRateThreshold: 50, SlidingWindowSize: 10, MinCalls: 5,
		WaitInOpen: time.Minute, HalfOpenCalls: 1, CallTimeout: 5 * time.Second,
	})
	return &fixture{
		db:    db,
		iface: iface,
		pc: &Context{
			Doc:     doc,
			Iface:   iface,
			Client:  client,
			Persist: persist.New(db, br, nil),
			Rules:   store.NewRuleStore(db, br),
		},
	}
}

func asnRules() []model.MappingRule {
	return []model.MappingRule{
		{SourceField: "//ASN/HEADER/ASN_NUMBER", TargetField: "asn_number", TargetLevel: model.LevelHeader, Required: true, Priority: 1},
		{SourceField: "//ASN/HEADER/SUPPLIER", TargetField: "supplier_code", TargetLevel: model.LevelHeader, Priority: 2},
		{SourceField: "//ASN/HEADER/SHIP_DATE", TargetField: "shipment_date", TargetLevel: model.LevelHeader, Transformation: "trim", Priority: 3},
		{SourceField: "//ASN/LINES/ASN_LINE/ITEM_CODE", TargetField: "item_code", TargetLevel: model.LevelLine, Required: true, Priority: 1},
		{SourceField: "//ASN/LINES/ASN_LINE/QTY", TargetField: "quantity", TargetLevel: model.LevelLine, Priority: 2},
	}
}

func TestASNProcess(t *testing.T) {
	f := newFixture(t, asnSample, asnRules())

	res, err := NewASN().Process(context.Background(), f.pc)
	require.NoError(t, err)
	assert.Equal(t, "ASN-2024-001", res.BusinessKey)
	assert.Equal(t, 2, res.LineCount)

	var h model.ASNHeader
	require.NoError(t, f.db.First(&h, "id = ?", res.HeaderID).Error)
	assert.Equal(t, "ACME", h.SupplierCode)
	require.NotNil(t, h.ShipmentDate)
	assert.Equal(t, "2024-03-15", h.ShipmentDate.Format("2006-01-02"))
	assert.EqualValues(t, 2, h.TotalLines)

	var lines []model.ASNLine
	require.NoError(t, f.db.Order("line_number").Find(&lines, "header_id = ?", res.HeaderID).Error)
	require.Len(t, lines, 2)
	assert.Equal(t, "SKU-1", lines[0].ItemCode)
	assert.True(t, lines[0].Quantity.Equal(decimal.RequireFromString("10.5")), "got %s", lines[0].Quantity)
	assert.Equal(t, "SKU-2", lines[1].ItemCode)
	assert.EqualValues(t, 1, lines[0].LineNumber)
	assert.EqualValues(t, 2, lines[1].LineNumber)
}

func TestMissingRequiredHeaderField(t *testing.T) {
	rules := asnRules()
	rules[0].SourceField = "//ASN/HEADER/NOT_THERE"
	f := newFixture(t, asnSample, rules)

	_, err := NewASN().Process(context.Background(), f.pc)
	require.Error(t, err)
	assert.Equal(t, dferr.KindValidation, dferr.KindOf(err))
}

func TestRequiredLineFailureRollsBackDocument(t *testing.T) {
	rules := asnRules()
	rules[3].SourceField = "//ASN/LINES/ASN_LINE/MISSING_CODE"
	f := newFixture(t, asnSample, rules)

	// Processed the way the pipeline runs it: one transaction per document.
	err := f.db.Transaction(func(tx *gorm.DB) error {
		pc := *f.pc
		pc.Persist = f.pc.Persist.WithTx(tx)
		_, err := NewASN().Process(context.Background(), &pc)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, dferr.KindValidation, dferr.KindOf(err))

	var headers, lines int64
	require.NoError(t, f.db.Model(&model.ASNHeader{}).Count(&headers).Error)
	require.NoError(t, f.db.Model(&model.ASNLine{}).Count(&lines).Error)
	assert.Zero(t, headers, "header must not survive a required line failure")
	assert.Zero(t, lines)
}

func TestOptionalFailuresAreSkipped(t *testing.T) {
	rules := asnRules()
	rules = append(rules,
		model.MappingRule{SourceField: "//ASN/HEADER/SUPPLIER", TargetField: "no_such_column", TargetLevel: model.LevelHeader, Priority: 9},
		model.MappingRule{SourceField: "//ASN/LINES/ASN_LINE/QTY", TargetField: "expiry_date", TargetLevel: model.LevelLine, Priority: 9},
	)
	f := newFixture(t, asnSample, rules)

	res, err := NewASN().Process(context.Background(), f.pc)
	require.NoError(t, err, "optional unknown column and uncoercible date must not abort")
	assert.Equal(t, 2, res.LineCount)
}

func TestDeclaredDataTypeMismatchIsConfigurationError(t *testing.T) {
	rules := asnRules()
	rules[1].DataType = "Integer" // supplier_code is a string column
	f := newFixture(t, asnSample, rules)

	_, err := NewASN().Process(context.Background(), f.pc)
	require.Error(t, err)
	assert.Equal(t, dferr.KindConfiguration, dferr.KindOf(err))
}

func TestDeclaredDataTypesAreCheckedLeniently(t *testing.T) {
	rules := asnRules()
	rules[4].DataType = "BigDecimal" // quantity column, agrees
	rules[1].DataType = "VARCHAR"    // unrecognized, degrades to STRING
	f := newFixture(t, asnSample, rules)

	res, err := NewASN().Process(context.Background(), f.pc)
	require.NoError(t, err)
	assert.Equal(t, 2, res.LineCount)
}

func TestNoHeaderRulesIsConfigurationError(t *testing.T) {
	f := newFixture(t, asnSample, []model.MappingRule{
		{SourceField: "//ASN/LINES/ASN_LINE/ITEM_CODE", TargetField: "item_code", TargetLevel: model.LevelLine},
	})
	_, err := NewASN().Process(context.Background(), f.pc)
	require.Error(t, err)
	assert.Equal(t, dferr.KindConfiguration, dferr.KindOf(err))
}

const orderSample = `<Order>
  <OrderNumber>PO-77</OrderNumber>
  <Customer>CUST-9</Customer>
  <OrderLine><Sku>A</Sku><Qty>2</Qty><Price>10.00</Price></OrderLine>
  <OrderLine><Sku>B</Sku><Qty>1</Qty><Price>5.50</Price></OrderLine>
</Order>`

func TestOrderDerivesTotals(t *testing.T) {
	f := newFixture(t, orderSample, []model.MappingRule{
		{SourceField: "//Order/OrderNumber", TargetField: "order_number", TargetLevel: model.LevelHeader, Required: true},
		{SourceField: "//Order/Customer", TargetField: "customer_code", TargetLevel: model.LevelHeader},
		{SourceField: "//Order/OrderLine/Sku", TargetField: "item_code", TargetLevel: model.LevelLine, Required: true},
		{SourceField: "//Order/OrderLine/Qty", TargetField: "quantity", TargetLevel: model.LevelLine},
		{SourceField: "//Order/OrderLine/Price", TargetField: "unit_price", TargetLevel: model.LevelLine},
	})

	res, err := NewOrder().Process(context.Background(), f.pc)
	require.NoError(t, err)
	assert.Equal(t, "PO-77", res.BusinessKey)

	var h model.OrderHeader
	require.NoError(t, f.db.First(&h, "id = ?", res.HeaderID).Error)
	assert.EqualValues(t, 2, h.TotalLines)
	assert.True(t, h.TotalAmount.Equal(decimal.RequireFromString("25.5")), "got %s", h.TotalAmount)
}

func TestDefaultValueApplied(t *testing.T) {
	rules := asnRules()
	rules[1].SourceField = "//ASN/HEADER/NOT_THERE"
	rules[1].DefaultValue = "UNKNOWN-SUPPLIER"
	f := newFixture(t, asnSample, rules)

	res, err := NewASN().Process(context.Background(), f.pc)
	require.NoError(t, err)

	var h model.ASNHeader
	require.NoError(t, f.db.First(&h, "id = ?", res.HeaderID).Error)
	assert.Equal(t, "UNKNOWN-SUPPLIER", h.SupplierCode)
}

func TestFactoryFallsBackToDefault(t *testing.T) {
	f := NewFactory()
	f.Register(NewASN())
	f.Register(NewOrder())

	assert.Equal(t, "ORDER", f.ForType("order").DocumentType())
	assert.Equal(t, "ASN", f.ForType("INVOICE").DocumentType(), "unknown types go to the default")
	assert.Equal(t, "ASN", f.ForType("").DocumentType())
}

func TestCommonParent(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{"agreeing rules", []string{"//A/L/X", "//A/L/Y"}, "//A/L"},
		{"disagreeing rules", []string{"//A/L/X", "//A/M/Y"}, ""},
		{"bare step has no parent", []string{"X"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := make([]model.MappingRule, len(tt.paths))
			for i, p := range tt.paths {
				rules[i] = model.MappingRule{SourceField: p}
			}
			assert.Equal(t, tt.want, commonParent(rules))
		})
	}
}

func TestLineAutoDetection(t *testing.T) {
	// Single-step source fields give no common parent and the default
	// expression matches nothing, so the largest sibling group wins.
	const xml = `<Shipment>
	  <Ref>R1</Ref>
	  <Item><Code>A</Code></Item>
	  <Item><Code>B</Code></Item>
	  <Item><Code>C</Code></Item>
	</Shipment>`
	doc, err := xmlproc.New(xmlproc.Options{}).Parse([]byte(xml))
	require.NoError(t, err)

	lc, err := resolveLineNodes(doc, []model.MappingRule{{SourceField: "Code"}}, "//ASN_LINE")
	require.NoError(t, err)
	require.Len(t, lc.nodes, 3)

	lines, err := buildLines(doc, lc, []model.MappingRule{
		{SourceField: "Code", TargetField: "item_code", TargetLevel: model.LevelLine},
	}, asnLineFields, func(n int) model.ASNLine {
		return model.ASNLine{HeaderID: 1, ClientID: 1, LineNumber: int64(n)}
	})
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{lines[0].ItemCode, lines[1].ItemCode, lines[2].ItemCode})
}
