// Package persist holds the write-side services of the pipeline: document
// headers, line batches and the processed-file ledger. Every repository
// call runs through the repository circuit breaker with a short transient
// retry inside a single breaker execution. The breaker wraps I/O only;
// transaction boundaries belong to the caller.
package persist

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/integrahub/docflow/internal/breaker"
)

// StatusBreakerOpen is stamped on the unpersisted header copy returned
// when the repository breaker rejects a create.
const StatusBreakerOpen = "ERROR - Circuit breaker open"

// BatchSizer supplies the current line-insert chunk size and accepts
// persist-time observations back. Implemented by batch.Sizer.
type BatchSizer interface {
	Current() int
	ObservePersist(elapsed time.Duration, items int)
}

// fixedSizer is the fallback when no adaptive sizer is wired (tests,
// one-shot tools).
type fixedSizer int

func (f fixedSizer) Current() int                              { return int(f) }
func (f fixedSizer) ObservePersist(time.Duration, int)         {}

// Services bundles the write-side services over one database handle.
type Services struct {
	db    *gorm.DB
	br    *breaker.Breaker
	retry breaker.RetryPolicy
	sizer BatchSizer
}

// New builds the services. sizer may be nil, in which case a fixed chunk
// of 100 is used.
func New(db *gorm.DB, br *breaker.Breaker, sizer BatchSizer) *Services {
	if sizer == nil {
		sizer = fixedSizer(100)
	}
	return &Services{
		db:    db,
		br:    br,
		retry: breaker.DefaultRetryPolicy(),
		sizer: sizer,
	}
}

// WithTx returns a copy of the services bound to tx so that creates join
// the caller's transaction. The ledger deliberately keeps using the base
// handle; its updates must survive a pipeline rollback.
func (s *Services) WithTx(tx *gorm.DB) *Services {
	cp := *s
	cp.db = tx
	return &cp
}

// DB exposes the underlying handle for transaction management.
func (s *Services) DB() *gorm.DB { return s.db }

// guarded runs op through the breaker with the transient retry policy
// applied inside a single breaker execution.
func (s *Services) guarded(ctx context.Context, op func(context.Context) error) error {
	return s.br.Run(ctx, func(ctx context.Context) error {
		return breaker.Retry(ctx, s.retry, op)
	}, nil)
}
