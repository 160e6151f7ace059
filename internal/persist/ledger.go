package persist

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/integrahub/docflow/internal/breaker"
	"github.com/integrahub/docflow/internal/dferr"
	"github.com/integrahub/docflow/internal/model"
)

// Ledger maintains the processed-file rows. It is always bound to the base
// database handle: its updates record pipeline outcomes and must commit
// even when the pipeline transaction rolls back.
type Ledger struct {
	db    *gorm.DB
	br    *breaker.Breaker
	retry breaker.RetryPolicy
}

// NewLedger builds the ledger service.
func NewLedger(db *gorm.DB, br *breaker.Breaker) *Ledger {
	return &Ledger{db: db, br: br, retry: breaker.DefaultRetryPolicy()}
}

// FindOrCreate returns the most recent ledger row for (fileName,
// interfaceID), creating one in PROCESSING when none exists. Calling it
// twice with the same key yields the same row identity.
func (l *Ledger) FindOrCreate(ctx context.Context, fileName string, clientID, interfaceID uint64) (*model.ProcessedFile, error) {
	return breaker.Do(ctx, l.br, func(ctx context.Context) (*model.ProcessedFile, error) {
		var pf model.ProcessedFile
		err := l.db.WithContext(ctx).
			Where("file_name = ? AND interface_id = ?", fileName, interfaceID).
			Order("id desc").
			First(&pf).Error
		if err == nil {
			return &pf, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, dferr.Wrap(dferr.KindPersistence, err, "lookup processed file %s", fileName)
		}
		pf = model.ProcessedFile{
			FileName:    fileName,
			ClientID:    clientID,
			InterfaceID: interfaceID,
			Status:      model.StatusProcessing,
			ProcessedAt: time.Now(),
		}
		if err := breaker.Retry(ctx, l.retry, func(ctx context.Context) error {
			return l.db.WithContext(ctx).Create(&pf).Error
		}); err != nil {
			return nil, dferr.Wrap(dferr.KindPersistence, err, "create processed file %s", fileName)
		}
		return &pf, nil
	}, nil)
}

// Update applies atomic field updates to one ledger row. Runs in its own
// implicit transaction on the base handle so outcomes survive a pipeline
// rollback.
func (l *Ledger) Update(ctx context.Context, id uint64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return l.br.Run(ctx, func(ctx context.Context) error {
		return breaker.Retry(ctx, l.retry, func(ctx context.Context) error {
			err := l.db.WithContext(ctx).Model(&model.ProcessedFile{}).
				Where("id = ?", id).Updates(fields).Error
			if err != nil {
				return dferr.Wrap(dferr.KindPersistence, err, "update processed file %d", id)
			}
			return nil
		})
	}, nil)
}

// MarkSuccess finalizes a row as SUCCESS with its canonical content.
func (l *Ledger) MarkSuccess(ctx context.Context, id uint64, content string) error {
	return l.Update(ctx, id, map[string]any{
		"status":        model.StatusSuccess,
		"error_message": "",
		"content":       content,
		"processed_at":  time.Now(),
	})
}

// MarkError finalizes a row as ERROR with a "{kind}: {detail}" message.
func (l *Ledger) MarkError(ctx context.Context, id uint64, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	return l.Update(ctx, id, map[string]any{
		"status":        model.StatusError,
		"error_message": msg,
		"processed_at":  time.Now(),
	})
}

// ByID fetches one ledger row.
func (l *Ledger) ByID(ctx context.Context, id uint64) (*model.ProcessedFile, error) {
	var pf model.ProcessedFile
	err := l.db.WithContext(ctx).First(&pf, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, dferr.New(dferr.KindConfiguration, "processed file %d not found", id)
	}
	if err != nil {
		return nil, dferr.Wrap(dferr.KindPersistence, err, "load processed file %d", id)
	}
	return &pf, nil
}
