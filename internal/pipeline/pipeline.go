// Package pipeline orchestrates one inbound document end to end: interface
// resolution, ledger registration, parse, validate, strategy execution in a
// single transaction, then the terminal ledger transition. The pipeline
// never panics and never returns an error to the worker loop; every failure
// becomes a classified Outcome the consumer turns into an ack decision.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/integrahub/docflow/internal/dferr"
	"github.com/integrahub/docflow/internal/model"
	"github.com/integrahub/docflow/internal/persist"
	"github.com/integrahub/docflow/internal/store"
	"github.com/integrahub/docflow/internal/strategy"
	"github.com/integrahub/docflow/internal/validate"
	"github.com/integrahub/docflow/internal/xmlproc"
)

// asyncTimeout bounds one ProcessAsync call. On expiry the ledger row stays
// PROCESSING; the redelivered message finds it again via FindOrCreate.
const asyncTimeout = 5 * time.Minute

// Disposition tells the consumer what to do with the delivery.
type Disposition int

const (
	Ack     Disposition = iota // terminal outcome, remove from queue
	Requeue                    // transient failure, redeliver
	Reject                     // unprocessable delivery, dead-letter
)

// Outcome is the result of processing one envelope.
type Outcome struct {
	FileName    string
	LedgerID    uint64
	Status      string // ledger status after processing
	Kind        dferr.Kind
	Err         error
	HeaderID    uint64
	LineCount   int
	Elapsed     time.Duration
	Disposition Disposition
}

// Archiver stores a copy of a successfully processed file.
type Archiver interface {
	Archive(ctx context.Context, clientCode, ifaceName, fileName string, content []byte) (string, error)
}

// Pipeline wires the processing stages together. Safe for concurrent use;
// each worker calls Process with its own envelope.
type Pipeline struct {
	db        *gorm.DB
	xml       *xmlproc.Processor
	validator *validate.Validator
	factory   *strategy.Factory
	ifaces    *store.InterfaceStore
	rules     *store.RuleStore
	persist   *persist.Services
	ledger    *persist.Ledger
	archive   Archiver // optional

	mu    sync.Mutex
	hooks []func(Outcome)
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	DB         *gorm.DB
	XML        *xmlproc.Processor
	Validator  *validate.Validator
	Factory    *strategy.Factory
	Interfaces *store.InterfaceStore
	Rules      *store.RuleStore
	Persist    *persist.Services
	Ledger     *persist.Ledger
	Archive    Archiver
}

func New(d Deps) *Pipeline {
	return &Pipeline{
		db:        d.DB,
		xml:       d.XML,
		validator: d.Validator,
		factory:   d.Factory,
		ifaces:    d.Interfaces,
		rules:     d.Rules,
		persist:   d.Persist,
		ledger:    d.Ledger,
		archive:   d.Archive,
	}
}

// Subscribe registers a hook called with every Outcome, for the ops feed
// and metrics.
func (p *Pipeline) Subscribe(fn func(Outcome)) {
	p.mu.Lock()
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

func (p *Pipeline) notify(o Outcome) Outcome {
	p.mu.Lock()
	hooks := make([]func(Outcome), len(p.hooks))
	copy(hooks, p.hooks)
	p.mu.Unlock()
	for _, fn := range hooks {
		fn(o)
	}
	return o
}

// Process runs one envelope through the pipeline and reports the outcome.
func (p *Pipeline) Process(ctx context.Context, env model.Envelope) Outcome {
	start := time.Now()
	log := slog.With("file", env.FileName, "interface_id", env.InterfaceID)

	iface, err := p.ifaces.ByID(ctx, env.InterfaceID)
	if err == nil && !iface.Active {
		err = dferr.New(dferr.KindConfiguration, "interface %d is inactive", env.InterfaceID)
	}
	if err != nil {
		return p.finish(ctx, log, env, 0, err, start)
	}
	client, err := p.ifaces.ClientByID(ctx, iface.ClientID)
	if err != nil {
		return p.finish(ctx, log, env, 0, err, start)
	}

	pf, err := p.ledger.FindOrCreate(ctx, env.FileName, client.ID, iface.ID)
	if err != nil {
		// No ledger row to record against; hand the delivery back.
		log.Error("ledger unavailable", "error", err)
		return p.notify(Outcome{
			FileName: env.FileName, Kind: dferr.KindOf(err), Err: err,
			Elapsed: time.Since(start), Disposition: Requeue,
		})
	}
	if pf.Status == model.StatusSuccess {
		log.Info("file already processed, acking redelivery", "ledger_id", pf.ID)
		return p.notify(Outcome{
			FileName: env.FileName, LedgerID: pf.ID, Status: model.StatusSuccess,
			Elapsed: time.Since(start), Disposition: Ack,
		})
	}

	doc, err := p.xml.Parse(env.FileBytes)
	if err != nil {
		return p.finish(ctx, log, env, pf.ID, err, start)
	}
	if err := p.validator.Validate(doc, iface); err != nil {
		return p.finish(ctx, log, env, pf.ID, err, start)
	}

	strat := p.factory.ForType(iface.Type)
	if strat == nil {
		return p.finish(ctx, log, env, pf.ID,
			dferr.New(dferr.KindConfiguration, "no strategy registered for type %q", iface.Type), start)
	}

	var res *strategy.Result
	err = p.db.Transaction(func(tx *gorm.DB) error {
		var perr error
		res, perr = strat.Process(ctx, &strategy.Context{
			Doc:     doc,
			Iface:   iface,
			Client:  client,
			Persist: p.persist.WithTx(tx),
			Rules:   p.rules,
		})
		return perr
	})
	if err != nil {
		return p.finish(ctx, log, env, pf.ID, err, start)
	}

	content := doc.Serialize()
	if err := p.ledger.MarkSuccess(ctx, pf.ID, string(content)); err != nil {
		log.Error("failed to record success, requeueing", "ledger_id", pf.ID, "error", err)
		return p.notify(Outcome{
			FileName: env.FileName, LedgerID: pf.ID, Kind: dferr.KindOf(err), Err: err,
			HeaderID: res.HeaderID, LineCount: res.LineCount,
			Elapsed: time.Since(start), Disposition: Requeue,
		})
	}
	if p.archive != nil {
		if path, aerr := p.archive.Archive(ctx, client.Code, iface.Name, env.FileName, content); aerr != nil {
			log.Warn("archive write failed", "error", aerr)
		} else {
			log.Debug("archived processed file", "path", path)
		}
	}

	log.Info("document processed",
		"ledger_id", pf.ID, "header_id", res.HeaderID, "lines", res.LineCount,
		"elapsed", time.Since(start))
	return p.notify(Outcome{
		FileName: env.FileName, LedgerID: pf.ID, Status: model.StatusSuccess,
		HeaderID: res.HeaderID, LineCount: res.LineCount,
		Elapsed: time.Since(start), Disposition: Ack,
	})
}

// finish records a failure on the ledger and classifies the disposition.
// Interrupted work is requeued so the redelivery finishes it; everything
// else is terminal.
func (p *Pipeline) finish(ctx context.Context, log *slog.Logger, env model.Envelope, ledgerID uint64, cause error, start time.Time) Outcome {
	kind := dferr.KindOf(cause)
	if errors.Is(cause, context.Canceled) || kind == dferr.KindInterrupted {
		kind = dferr.KindInterrupted
		cause = dferr.Wrap(kind, cause, "processing interrupted")
	}

	if ledgerID == 0 {
		pf, err := p.ledger.FindOrCreate(context.WithoutCancel(ctx), env.FileName, env.ClientID, env.InterfaceID)
		if err != nil {
			log.Error("cannot record failure, ledger unavailable", "cause", cause, "error", err)
			return p.notify(Outcome{
				FileName: env.FileName, Kind: kind, Err: cause,
				Elapsed: time.Since(start), Disposition: Requeue,
			})
		}
		ledgerID = pf.ID
	}

	// The terminal transition must survive cancellation during shutdown.
	if err := p.ledger.MarkError(context.WithoutCancel(ctx), ledgerID, cause); err != nil {
		log.Error("failed to record error outcome", "cause", cause, "error", err)
		return p.notify(Outcome{
			FileName: env.FileName, LedgerID: ledgerID, Kind: kind, Err: cause,
			Elapsed: time.Since(start), Disposition: Requeue,
		})
	}

	disposition := Ack
	if kind == dferr.KindInterrupted {
		disposition = Requeue
	}
	log.Warn("document failed", "ledger_id", ledgerID, "kind", string(kind), "error", cause)
	return p.notify(Outcome{
		FileName: env.FileName, LedgerID: ledgerID, Status: model.StatusError,
		Kind: kind, Err: cause,
		Elapsed: time.Since(start), Disposition: disposition,
	})
}

// ProcessAsync runs Process on its own goroutine under a hard deadline.
// On timeout the returned outcome reports Timeout with the ledger row left
// in PROCESSING; the in-flight goroutine is cancelled.
func (p *Pipeline) ProcessAsync(ctx context.Context, env model.Envelope) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		cctx, cancel := context.WithTimeout(ctx, asyncTimeout)
		defer cancel()
		done := make(chan Outcome, 1)
		go func() { done <- p.Process(cctx, env) }()
		select {
		case o := <-done:
			out <- o
		case <-cctx.Done():
			out <- p.notify(Outcome{
				FileName: env.FileName, Status: model.StatusProcessing,
				Kind:        dferr.KindTimeout,
				Err:         dferr.New(dferr.KindTimeout, "processing exceeded %s", asyncTimeout),
				Disposition: Requeue,
			})
		}
	}()
	return out
}
