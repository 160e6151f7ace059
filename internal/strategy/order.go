package strategy

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/integrahub/docflow/internal/dferr"
	"github.com/integrahub/docflow/internal/model"
)

var orderHeaderFields = map[string]FieldDesc[model.OrderHeader]{
	"order_number":  stringField(func(h *model.OrderHeader, s string) { h.OrderNumber = s }),
	"status":        stringField(func(h *model.OrderHeader, s string) { h.Status = s }),
	"customer_code": stringField(func(h *model.OrderHeader, s string) { h.CustomerCode = s }),
	"currency":      stringField(func(h *model.OrderHeader, s string) { h.Currency = s }),
	"order_date":    dateField(func(h *model.OrderHeader, t *time.Time) { h.OrderDate = t }),
	"total_amount":  decimalField(func(h *model.OrderHeader, d decimal.Decimal) { h.TotalAmount = d }),
	"total_lines":   longField(func(h *model.OrderHeader, n int64) { h.TotalLines = n }),
}

var orderLineFields = map[string]FieldDesc[model.OrderLine]{
	"line_number": longField(func(l *model.OrderLine, n int64) { l.LineNumber = n }),
	"item_code":   stringField(func(l *model.OrderLine, s string) { l.ItemCode = s }),
	"description": stringField(func(l *model.OrderLine, s string) { l.Description = s }),
	"quantity":    decimalField(func(l *model.OrderLine, d decimal.Decimal) { l.Quantity = d }),
	"unit_price":  decimalField(func(l *model.OrderLine, d decimal.Decimal) { l.UnitPrice = d }),
}

// Order processes purchase orders. Unlike ASN it derives the order total
// from the persisted lines when the document did not carry one.
type Order struct{}

func NewOrder() *Order { return &Order{} }

func (*Order) DocumentType() string { return "ORDER" }
func (*Order) RootElement() string  { return "Order" }
func (*Order) Priority() int        { return 20 }

func (*Order) CanHandle(docType string) bool {
	return strings.EqualFold(strings.TrimSpace(docType), "ORDER")
}

func (o *Order) Process(ctx context.Context, pc *Context) (*Result, error) {
	rules, err := pc.Rules.ActiveByInterface(ctx, pc.Iface.ID)
	if err != nil {
		return nil, err
	}
	headerRules, lineRules := partitionRules(rules)
	if len(headerRules) == 0 {
		return nil, dferr.New(dferr.KindConfiguration,
			"interface %d has no active header mapping rules", pc.Iface.ID)
	}

	h := &model.OrderHeader{
		ClientID:    pc.Client.ID,
		InterfaceID: pc.Iface.ID,
		Status:      "RECEIVED",
	}
	if err := applyHeaderRules(pc.Doc, headerRules, orderHeaderFields, h); err != nil {
		return nil, err
	}
	created, err := pc.Persist.CreateOrderHeader(ctx, h)
	if err != nil {
		return nil, err
	}

	var lineCount int
	if len(lineRules) > 0 {
		lc, err := resolveLineNodes(pc.Doc, lineRules, "//OrderLine")
		if err != nil {
			return nil, err
		}
		lines, err := buildLines(pc.Doc, lc, lineRules, orderLineFields, func(n int) model.OrderLine {
			return model.OrderLine{HeaderID: created.ID, ClientID: created.ClientID, LineNumber: int64(n)}
		})
		if err != nil {
			return nil, err
		}
		if len(lines) > 0 {
			if err := pc.Persist.CreateOrderLines(ctx, lines); err != nil {
				return nil, err
			}
			total := created.TotalAmount
			if total.IsZero() {
				for _, l := range lines {
					total = total.Add(l.Quantity.Mul(l.UnitPrice))
				}
			}
			if err := pc.Persist.SetOrderHeaderTotals(ctx, created.ID, int64(len(lines)), total); err != nil {
				return nil, err
			}
			lineCount = len(lines)
		}
	}

	return &Result{HeaderID: created.ID, BusinessKey: created.OrderNumber, LineCount: lineCount}, nil
}
