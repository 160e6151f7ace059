package strategy

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/integrahub/docflow/internal/dferr"
	"github.com/integrahub/docflow/internal/model"
)

// asnHeaderFields is the mappable surface of an ASN header. Identity
// columns (id, client_id, interface_id) are deliberately absent; they are
// seeded from the envelope, never from document content.
var asnHeaderFields = map[string]FieldDesc[model.ASNHeader]{
	"asn_number":     stringField(func(h *model.ASNHeader, s string) { h.ASNNumber = s }),
	"status":         stringField(func(h *model.ASNHeader, s string) { h.Status = s }),
	"supplier_code":  stringField(func(h *model.ASNHeader, s string) { h.SupplierCode = s }),
	"warehouse_code": stringField(func(h *model.ASNHeader, s string) { h.WarehouseCode = s }),
	"carrier_name":   stringField(func(h *model.ASNHeader, s string) { h.CarrierName = s }),
	"shipment_date":  dateField(func(h *model.ASNHeader, t *time.Time) { h.ShipmentDate = t }),
	"delivery_date":  dateField(func(h *model.ASNHeader, t *time.Time) { h.DeliveryDate = t }),
	"total_lines":    longField(func(h *model.ASNHeader, n int64) { h.TotalLines = n }),
}

var asnLineFields = map[string]FieldDesc[model.ASNLine]{
	"line_number":     longField(func(l *model.ASNLine, n int64) { l.LineNumber = n }),
	"item_code":       stringField(func(l *model.ASNLine, s string) { l.ItemCode = s }),
	"item_desc":       stringField(func(l *model.ASNLine, s string) { l.ItemDesc = s }),
	"quantity":        decimalField(func(l *model.ASNLine, d decimal.Decimal) { l.Quantity = d }),
	"unit_of_measure": stringField(func(l *model.ASNLine, s string) { l.UnitOfMeasure = s }),
	"lot_number":      stringField(func(l *model.ASNLine, s string) { l.LotNumber = s }),
	"expiry_date":     dateField(func(l *model.ASNLine, t *time.Time) { l.ExpiryDate = t }),
}

// ASN processes advance shipment notices. It is also the factory default,
// so documents of an unknown type land here.
type ASN struct{}

func NewASN() *ASN { return &ASN{} }

func (*ASN) DocumentType() string { return "ASN" }
func (*ASN) RootElement() string  { return "ASN" }
func (*ASN) Priority() int        { return 10 }

func (*ASN) CanHandle(docType string) bool {
	return strings.EqualFold(strings.TrimSpace(docType), "ASN")
}

func (a *ASN) Process(ctx context.Context, pc *Context) (*Result, error) {
	rules, err := pc.Rules.ActiveByInterface(ctx, pc.Iface.ID)
	if err != nil {
		return nil, err
	}
	headerRules, lineRules := partitionRules(rules)
	if len(headerRules) == 0 {
		return nil, dferr.New(dferr.KindConfiguration,
			"interface %d has no active header mapping rules", pc.Iface.ID)
	}

	h := &model.ASNHeader{
		ClientID:    pc.Client.ID,
		InterfaceID: pc.Iface.ID,
		Status:      "RECEIVED",
	}
	if err := applyHeaderRules(pc.Doc, headerRules, asnHeaderFields, h); err != nil {
		return nil, err
	}
	created, err := pc.Persist.CreateASNHeader(ctx, h)
	if err != nil {
		return nil, err
	}

	var lineCount int
	if len(lineRules) > 0 {
		lc, err := resolveLineNodes(pc.Doc, lineRules, "//ASN_LINE")
		if err != nil {
			return nil, err
		}
		lines, err := buildLines(pc.Doc, lc, lineRules, asnLineFields, func(n int) model.ASNLine {
			return model.ASNLine{HeaderID: created.ID, ClientID: created.ClientID, LineNumber: int64(n)}
		})
		if err != nil {
			return nil, err
		}
		if len(lines) > 0 {
			if err := pc.Persist.CreateASNLines(ctx, lines); err != nil {
				return nil, err
			}
			if err := pc.Persist.SetASNHeaderTotalLines(ctx, created.ID, int64(len(lines))); err != nil {
				return nil, err
			}
			lineCount = len(lines)
		}
	}

	return &Result{HeaderID: created.ID, BusinessKey: created.ASNNumber, LineCount: lineCount}, nil
}
