package pipeline

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
	"github.com/integrahub/docflow/internal/persist"
	"github.com/integrahub/docflow/internal/store"
	"github.com/integrahub/docflow/internal/strategy"
	"github.com/integrahub/docflow/internal/validate"
	"github.com/integrahub/docflow/internal/xmlproc"
)

const asnSample = `<?xml version="1.0"?>
<ASN>
  <HEADER>
    <ASN_NUMBER>ASN-2024-001</ASN_NUMBER>
    <SUPPLIER>ACME</SUPPLIER>
  </HEADER>
  <LINES>
    <ASN_LINE><ITEM_CODE>SKU-1</ITEM_CODE><QTY>10</QTY></ASN_LINE>
    <ASN_LINE><ITEM_CODE>SKU-2</ITEM_CODE><QTY>3</QTY></ASN_LINE>
  </LINES>
</ASN>`

func healthyBreaker(name string) *breaker.Breaker {
	return breaker.New(name, breaker.Config{
		FailureRateThreshold: 50, SlidingWindowSize: 10, MinCalls: 5,
		WaitInOpen: time.Minute, HalfOpenCalls: 1, CallTimeout: 5 * time.Second,
	})
}

func trippedBreaker(t *testing.T) *breaker.Breaker {
	t.Helper()
	b := breaker.New("repository", breaker.Config{
		FailureRateThreshold: 50, SlidingWindowSize: 10, MinCalls: 2,
		WaitInOpen: time.Minute, HalfOpenCalls: 1, CallTimeout: 5 * time.Second,
	})
	for i := 0; i < 2; i++ {
		_ = b.Run(context.Background(), func(context.Context) error { return assert.AnError }, nil)
	}
	require.Equal(t, breaker.StateOpen, b.State())
	return b
}

type fixture struct {
	db     *gorm.DB
	client *model.Client
	iface  *model.Interface
	p      *Pipeline
}

// newFixture seeds one ASN interface with working rules. repoBr guards the
// entity services; the ledger and lookups run on their own healthy breaker
// so outcomes can still be recorded when persistence is down.
func newFixture(t *testing.T, repoBr *breaker.Breaker) *fixture {
	t.Helper()
	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	client := &model.Client{Code: "ACME", Name: "Acme Corp", Status: model.ClientActive}
	require.NoError(t, db.Create(client).Error)
	iface := &model.Interface{
		ClientID: client.ID, Name: "asn-inbound", Type: "ASN",
		RootElement: "ASN:FLEXIBLE", Active: true, Priority: "HIGH",
	}
	require.NoError(t, db.Create(iface).Error)
	rules := []model.MappingRule{
		{ClientID: client.ID, InterfaceID: iface.ID, SourceField: "//ASN/HEADER/ASN_NUMBER",
			TargetField: "asn_number", TargetLevel: model.LevelHeader, Required: true, IsActive: true},
		{ClientID: client.ID, InterfaceID: iface.ID, SourceField: "//ASN/LINES/ASN_LINE/ITEM_CODE",
			TargetField: "item_code", TargetLevel: model.LevelLine, Required: true, IsActive: true},
		{ClientID: client.ID, InterfaceID: iface.ID, SourceField: "//ASN/LINES/ASN_LINE/QTY",
			TargetField: "quantity", TargetLevel: model.LevelLine, IsActive: true},
	}
	require.NoError(t, db.Create(&rules).Error)

	if repoBr == nil {
		repoBr = healthyBreaker("repository")
	}
	infraBr := healthyBreaker("infra")

	factory := strategy.NewFactory()
	factory.Register(strategy.NewASN())
	factory.Register(strategy.NewOrder())

	p := New(Deps{
		DB:         db,
		XML:        xmlproc.New(xmlproc.Options{}),
		Validator:  validate.New(validate.Options{}),
		Factory:    factory,
		Interfaces: store.NewInterfaceStore(db, infraBr),
		Rules:      store.NewRuleStore(db, infraBr),
		Persist:    persist.New(db, repoBr, nil),
		Ledger:     persist.NewLedger(db, infraBr),
		Archive:    nil,
	})
	return &fixture{db: db, client: client, iface: iface, p: p}
}

func (f *fixture) envelope(fileName string) model.Envelope {
	return model.Envelope{
		FileBytes:   []byte(asnSample),
		FileName:    fileName,
		ClientID:    f.client.ID,
		InterfaceID: f.iface.ID,
		Priority:    model.PriorityHigh,
		EnqueuedAt:  time.Now(),
	}
}

func TestProcessSuccess(t *testing.T) {
	f := newFixture(t, nil)
	var seen []Outcome
	f.p.Subscribe(func(o Outcome) { seen = append(seen, o) })

	out := f.p.Process(context.Background(), f.envelope("asn1.xml"))

	assert.Equal(t, Ack, out.Disposition)
	assert.Equal(t, model.StatusSuccess, out.Status)
	assert.Equal(t, 2, out.LineCount)
	require.Len(t, seen, 1)

	var pf model.ProcessedFile
	require.NoError(t, f.db.First(&pf, "id = ?", out.LedgerID).Error)
	assert.Equal(t, model.StatusSuccess, pf.Status)
	assert.Contains(t, pf.Content, "ASN-2024-001", "ledger keeps the canonical serialized form")

	var headers, lines int64
	require.NoError(t, f.db.Model(&model.ASNHeader{}).Count(&headers).Error)
	require.NoError(t, f.db.Model(&model.ASNLine{}).Count(&lines).Error)
	assert.EqualValues(t, 1, headers)
	assert.EqualValues(t, 2, lines)
}

func TestRequiredFieldFailureRollsBackAndRecordsError(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.db.Model(&model.MappingRule{}).
		Where("target_field = ?", "item_code").
		Update("source_field", "//ASN/LINES/ASN_LINE/MISSING").Error)

	out := f.p.Process(context.Background(), f.envelope("asn2.xml"))

	assert.Equal(t, Ack, out.Disposition, "validation failures are terminal")
	assert.Equal(t, model.StatusError, out.Status)
	assert.Equal(t, dferr.KindValidation, out.Kind)

	var pf model.ProcessedFile
	require.NoError(t, f.db.First(&pf, "id = ?", out.LedgerID).Error)
	assert.Equal(t, model.StatusError, pf.Status)
	assert.Contains(t, pf.ErrorMessage, "ValidationError:")

	var headers, lines int64
	require.NoError(t, f.db.Model(&model.ASNHeader{}).Count(&headers).Error)
	require.NoError(t, f.db.Model(&model.ASNLine{}).Count(&lines).Error)
	assert.Zero(t, headers, "the document transaction must roll back entirely")
	assert.Zero(t, lines)
}

func TestWrongRootElementIsValidationError(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.db.Model(f.iface).Update("root_element", "Order:FLEXIBLE").Error)

	out := f.p.Process(context.Background(), f.envelope("asn3.xml"))

	assert.Equal(t, Ack, out.Disposition)
	assert.Equal(t, dferr.KindValidation, out.Kind)
	assert.ErrorContains(t, out.Err, "root element")
}

func TestMalformedXMLIsParseError(t *testing.T) {
	f := newFixture(t, nil)
	env := f.envelope("broken.xml")
	env.FileBytes = []byte("<ASN><HEADER></ASN>")

	out := f.p.Process(context.Background(), env)

	assert.Equal(t, Ack, out.Disposition)
	assert.Equal(t, dferr.KindParse, out.Kind)
	assert.Equal(t, model.StatusError, out.Status)
}

func TestMissingInterfaceIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	env := f.envelope("orphan.xml")
	env.InterfaceID = 9999

	out := f.p.Process(context.Background(), env)

	assert.Equal(t, Ack, out.Disposition)
	assert.Equal(t, dferr.KindConfiguration, out.Kind)
	assert.Equal(t, model.StatusError, out.Status)
	assert.NotZero(t, out.LedgerID, "a ledger row is still created for the orphan")
}

func TestOpenRepositoryBreakerRecordsCircuitOpen(t *testing.T) {
	f := newFixture(t, trippedBreaker(t))

	out := f.p.Process(context.Background(), f.envelope("asn4.xml"))

	assert.Equal(t, Ack, out.Disposition)
	assert.Equal(t, dferr.KindCircuitOpen, out.Kind)

	var pf model.ProcessedFile
	require.NoError(t, f.db.First(&pf, "id = ?", out.LedgerID).Error)
	assert.Equal(t, model.StatusError, pf.Status)
	assert.Contains(t, pf.ErrorMessage, "CircuitOpen")

	var headers int64
	require.NoError(t, f.db.Model(&model.ASNHeader{}).Count(&headers).Error)
	assert.Zero(t, headers, "nothing may be persisted while the breaker is open")
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	env := f.envelope("asn5.xml")

	first := f.p.Process(context.Background(), env)
	require.Equal(t, model.StatusSuccess, first.Status)

	second := f.p.Process(context.Background(), env)
	assert.Equal(t, Ack, second.Disposition)
	assert.Equal(t, model.StatusSuccess, second.Status)
	assert.Equal(t, first.LedgerID, second.LedgerID)

	var ledgerRows, headers int64
	require.NoError(t, f.db.Model(&model.ProcessedFile{}).Count(&ledgerRows).Error)
	require.NoError(t, f.db.Model(&model.ASNHeader{}).Count(&headers).Error)
	assert.EqualValues(t, 1, ledgerRows)
	assert.EqualValues(t, 1, headers)
}

type fakeArchive struct {
	calls int
	last  string
}

func (a *fakeArchive) Archive(_ context.Context, clientCode, ifaceName, fileName string, _ []byte) (string, error) {
	a.calls++
	a.last = clientCode + "/" + ifaceName + "/" + fileName
	return a.last, nil
}

func TestSuccessfulDocumentIsArchived(t *testing.T) {
	f := newFixture(t, nil)
	arch := &fakeArchive{}
	f.p.archive = arch

	out := f.p.Process(context.Background(), f.envelope("asn6.xml"))
	require.Equal(t, model.StatusSuccess, out.Status)
	assert.Equal(t, 1, arch.calls)
	assert.Equal(t, "ACME/asn-inbound/asn6.xml", arch.last)
}

func TestProcessAsyncDelivers(t *testing.T) {
	f := newFixture(t, nil)

	select {
	case out := <-f.p.ProcessAsync(context.Background(), f.envelope("asn7.xml")):
		assert.Equal(t, model.StatusSuccess, out.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("no outcome delivered")
	}
}
