package persist

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/integrahub/docflow/internal/dferr"
	"github.com/integrahub/docflow/internal/model"
)

// Line is satisfied by every document line entity. Batch validation only
// needs identity and ordering facts, not the item payload.
type Line interface {
	HeaderRef() uint64
	ClientRef() uint64
	LineNo() int64
}

// validateBatch enforces the batch invariants: non-empty, one header, one
// client, no duplicate line numbers.
func validateBatch[T Line](lines []T) error {
	if len(lines) == 0 {
		return dferr.New(dferr.KindValidation, "empty line batch")
	}
	header := lines[0].HeaderRef()
	client := lines[0].ClientRef()
	if header == 0 {
		return dferr.New(dferr.KindValidation, "line batch has no header reference")
	}
	if client == 0 {
		return dferr.New(dferr.KindValidation, "line batch has no client reference")
	}
	seen := make(map[int64]bool, len(lines))
	for i, l := range lines {
		if l.HeaderRef() != header {
			return dferr.New(dferr.KindValidation,
				"line batch mixes headers (%d and %d at index %d)", header, l.HeaderRef(), i)
		}
		if l.ClientRef() != client {
			return dferr.New(dferr.KindValidation,
				"line batch mixes clients (%d and %d at index %d)", client, l.ClientRef(), i)
		}
		if seen[l.LineNo()] {
			return dferr.New(dferr.KindValidation, "duplicate line number %d in batch", l.LineNo())
		}
		seen[l.LineNo()] = true
	}
	return nil
}

// createLines persists a validated batch in chunks of the current adaptive
// batch size. Each chunk runs in its own (possibly nested) transaction, so
// a failing chunk rolls back that chunk only; the caller decides whether
// the enclosing transaction survives.
func createLines[T Line](ctx context.Context, s *Services, lines []T) error {
	if err := validateBatch(lines); err != nil {
		return err
	}
	chunkSize := s.sizer.Current()
	if chunkSize < 1 {
		chunkSize = 1
	}
	start := time.Now()
	for from := 0; from < len(lines); from += chunkSize {
		to := from + chunkSize
		if to > len(lines) {
			to = len(lines)
		}
		chunk := lines[from:to]
		err := s.guarded(ctx, func(ctx context.Context) error {
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				return tx.Create(&chunk).Error
			})
		})
		if err != nil {
			if dferr.KindOf(err) != "" {
				return err
			}
			return dferr.Wrap(dferr.KindPersistence, err,
				"persist line chunk %d..%d of %d", from, to, len(lines))
		}
	}
	s.sizer.ObservePersist(time.Since(start), len(lines))
	return nil
}

// CreateASNLines batch-persists ASN lines.
func (s *Services) CreateASNLines(ctx context.Context, lines []model.ASNLine) error {
	return createLines(ctx, s, lines)
}

// CreateOrderLines batch-persists order lines.
func (s *Services) CreateOrderLines(ctx context.Context, lines []model.OrderLine) error {
	return createLines(ctx, s, lines)
}

// CountASNLines returns the number of lines under a header.
func (s *Services) CountASNLines(ctx context.Context, headerID uint64) (int64, error) {
	var n int64
	err := s.guarded(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Model(&model.ASNLine{}).
			Where("header_id = ?", headerID).Count(&n).Error
	})
	return n, err
}
