package persist

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/integrahub/docflow/internal/breaker"
	"github.com/integrahub/docflow/internal/dferr"
	"github.com/integrahub/docflow/internal/model"
)

// CreateASNHeader validates and persists an ASN header. When the breaker
// is open the returned header is an unpersisted copy carrying
// StatusBreakerOpen, alongside a CircuitOpen error so callers abort.
func (s *Services) CreateASNHeader(ctx context.Context, h *model.ASNHeader) (*model.ASNHeader, error) {
	if h.ClientID == 0 {
		return nil, dferr.New(dferr.KindValidation, "ASN header has no client")
	}
	if strings.TrimSpace(h.ASNNumber) == "" {
		return nil, dferr.Field(dferr.KindValidation, "asn_number", "ASN header has no business key")
	}
	created, err := breaker.Do(ctx, s.br,
		func(ctx context.Context) (*model.ASNHeader, error) {
			if err := breaker.Retry(ctx, s.retry, func(ctx context.Context) error {
				return s.db.WithContext(ctx).Create(h).Error
			}); err != nil {
				return nil, dferr.Wrap(dferr.KindPersistence, err, "create ASN header %s", h.ASNNumber)
			}
			return h, nil
		},
		func(rejection error) (*model.ASNHeader, error) {
			cp := *h
			cp.Status = StatusBreakerOpen
			return &cp, nil
		},
	)
	if err != nil {
		return nil, err
	}
	if created.Status == StatusBreakerOpen {
		return created, dferr.New(dferr.KindCircuitOpen, "repository unavailable, ASN header %s not persisted", h.ASNNumber)
	}
	return created, nil
}

// CreateOrderHeader is the ORDER counterpart of CreateASNHeader.
func (s *Services) CreateOrderHeader(ctx context.Context, h *model.OrderHeader) (*model.OrderHeader, error) {
	if h.ClientID == 0 {
		return nil, dferr.New(dferr.KindValidation, "order header has no client")
	}
	if strings.TrimSpace(h.OrderNumber) == "" {
		return nil, dferr.Field(dferr.KindValidation, "order_number", "order header has no business key")
	}
	created, err := breaker.Do(ctx, s.br,
		func(ctx context.Context) (*model.OrderHeader, error) {
			if err := breaker.Retry(ctx, s.retry, func(ctx context.Context) error {
				return s.db.WithContext(ctx).Create(h).Error
			}); err != nil {
				return nil, dferr.Wrap(dferr.KindPersistence, err, "create order header %s", h.OrderNumber)
			}
			return h, nil
		},
		func(rejection error) (*model.OrderHeader, error) {
			cp := *h
			cp.Status = StatusBreakerOpen
			return &cp, nil
		},
	)
	if err != nil {
		return nil, err
	}
	if created.Status == StatusBreakerOpen {
		return created, dferr.New(dferr.KindCircuitOpen, "repository unavailable, order header %s not persisted", h.OrderNumber)
	}
	return created, nil
}

// UpdateASNHeaderStatus updates the status column of one ASN header.
func (s *Services) UpdateASNHeaderStatus(ctx context.Context, id uint64, status string) error {
	return s.guarded(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Model(&model.ASNHeader{}).
			Where("id = ?", id).Update("status", status).Error
	})
}

// SetASNHeaderTotalLines records the final line count after line persistence.
func (s *Services) SetASNHeaderTotalLines(ctx context.Context, id uint64, n int64) error {
	return s.guarded(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Model(&model.ASNHeader{}).
			Where("id = ?", id).Update("total_lines", n).Error
	})
}

// SetOrderHeaderTotals records the final line count and order amount.
func (s *Services) SetOrderHeaderTotals(ctx context.Context, id uint64, lines int64, amount decimal.Decimal) error {
	return s.guarded(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Model(&model.OrderHeader{}).
			Where("id = ?", id).
			Updates(map[string]any{"total_lines": lines, "total_amount": amount}).Error
	})
}

// DeleteASNHeader removes a header and its lines. The cascade lives here
// in the service layer, not in database triggers.
func (s *Services) DeleteASNHeader(ctx context.Context, id uint64) error {
	return s.guarded(ctx, func(ctx context.Context) error {
		if err := s.db.WithContext(ctx).
			Where("header_id = ?", id).Delete(&model.ASNLine{}).Error; err != nil {
			return err
		}
		return s.db.WithContext(ctx).Delete(&model.ASNHeader{}, "id = ?", id).Error
	})
}

// DeleteOrderHeader removes an order header and its lines.
func (s *Services) DeleteOrderHeader(ctx context.Context, id uint64) error {
	return s.guarded(ctx, func(ctx context.Context) error {
		if err := s.db.WithContext(ctx).
			Where("header_id = ?", id).Delete(&model.OrderLine{}).Error; err != nil {
			return err
		}
		return s.db.WithContext(ctx).Delete(&model.OrderHeader{}, "id = ?", id).Error
	})
}

// Page describes a paged query in the admin API's paging vocabulary.
type Page struct {
	Page      int
	Size      int
	SortBy    string
	Direction string // asc or desc
}

func (p Page) normalize() Page {
	if p.Size <= 0 {
		p.Size = 50
	}
	if p.Page < 0 {
		p.Page = 0
	}
	if p.SortBy == "" {
		p.SortBy = "id"
	}
	if p.Direction != "desc" {
		p.Direction = "asc"
	}
	return p
}

// ListASNHeaders returns one page of a client's ASN headers.
func (s *Services) ListASNHeaders(ctx context.Context, clientID uint64, page Page) ([]model.ASNHeader, error) {
	page = page.normalize()
	return breaker.Do(ctx, s.br, func(ctx context.Context) ([]model.ASNHeader, error) {
		var out []model.ASNHeader
		err := s.db.WithContext(ctx).
			Where("client_id = ?", clientID).
			Order(page.SortBy + " " + page.Direction).
			Offset(page.Page * page.Size).Limit(page.Size).
			Find(&out).Error
		if err != nil {
			return nil, dferr.Wrap(dferr.KindPersistence, err, "list ASN headers")
		}
		return out, nil
	}, nil)
}
