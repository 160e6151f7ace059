// Command ingestd is the document ingestion worker. It consumes XML
// envelopes from the inbound priority queues, runs them through the
// parse/validate/map/persist pipeline and serves the ops endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/integrahub/docflow/internal/batch"
	"github.com/integrahub/docflow/internal/bootstrap"
	"github.com/integrahub/docflow/internal/breaker"
	"github.com/integrahub/docflow/internal/bus"
	"github.com/integrahub/docflow/internal/config"
	"github.com/integrahub/docflow/internal/filestore"
	"github.com/integrahub/docflow/internal/ops"
	"github.com/integrahub/docflow/internal/persist"
	"github.com/integrahub/docflow/internal/pipeline"
	"github.com/integrahub/docflow/internal/store"
	"github.com/integrahub/docflow/internal/strategy"
	"github.com/integrahub/docflow/internal/validate"
	"github.com/integrahub/docflow/internal/xmlproc"
)

const startupAttempts = 10

func main() {
	configPath := flag.String("config", "", "path to YAML configuration (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("ingestd exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestd stopped")
}

func setupLogging(cfg config.Log) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// depthProbe feeds queue depth to the sizer and mirrors it on the gauge.
type depthProbe struct {
	broker  *bus.Broker
	metrics *ops.Metrics
}

func (d depthProbe) QueueDepth(ctx context.Context) (int, error) {
	n, err := d.broker.QueueDepth(ctx)
	if err == nil {
		d.metrics.SetQueueDepth(n)
	}
	return n, err
}

func run(ctx context.Context, cfg *config.Config) error {
	// Ops listener first so /health answers while dependencies come up.
	hub := ops.NewHub()
	metrics := ops.NewMetrics(hub)
	server := ops.NewServer(cfg.Ops.Listen, hub, metrics)
	go hub.Run(ctx)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run(ctx) }()

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := bootstrap.WaitForDatabase(ctx, db, startupAttempts); err != nil {
		return err
	}
	if err := store.Migrate(db); err != nil {
		return err
	}
	server.SetDatabaseReady(true)

	if err := bootstrap.WaitForBroker(ctx, cfg.RabbitMQ.URL, startupAttempts); err != nil {
		return err
	}
	broker, err := bus.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		return err
	}
	defer broker.Close()
	server.SetBrokerReady(true)

	registry := newBreakerRegistry(cfg, metrics, hub)
	repoBr := registry.Get("repository")
	infraBr := registry.Get("default")

	var load batch.LoadSampler
	if cpu, err := batch.NewCPUSampler(); err != nil {
		slog.Warn("CPU sampling unavailable, batch sizing runs on queue depth only", "error", err)
	} else {
		load = cpu
	}
	sizer := batch.New(batch.Config{
		Min:            cfg.Batch.MinSize,
		Max:            cfg.Batch.MaxSize,
		Initial:        cfg.Batch.InitialSize,
		Step:           cfg.Batch.AdjustmentStep,
		DepthThreshold: cfg.Batch.QueueDepthThreshold,
		LoadThreshold:  cfg.Batch.LoadThreshold,
		Interval:       cfg.Batch.Interval,
	}, depthProbe{broker: broker, metrics: metrics}, load)
	sizer.Subscribe(server.BatchSizeHook())
	metrics.SetBatchSize(sizer.Current())
	go sizer.Start(ctx)

	factory := strategy.NewFactory()
	factory.Register(strategy.NewASN())
	factory.Register(strategy.NewOrder())
	for _, s := range factory.Registered() {
		slog.Info("strategy registered", "type", s.DocumentType(), "root", s.RootElement())
	}

	var archive pipeline.Archiver
	st := cfg.ASN.File.Storage
	if fs, err := filestore.New(filestore.Options{
		BasePath:           st.BasePath,
		RetentionDays:      st.RetentionDays,
		MaxFileSize:        st.MaxFileSize,
		AllowedExtensions:  st.AllowedExtensions,
		CompressionEnabled: st.CompressionEnabled,
		CompressionLevel:   st.CompressionLevel,
		CleanupInterval:    st.CleanupInterval,
	}); err != nil {
		slog.Warn("file archive disabled", "error", err)
	} else {
		archive = fs
		go fs.Run(ctx)
	}

	pipe := pipeline.New(pipeline.Deps{
		DB: db,
		XML: xmlproc.New(xmlproc.Options{
			EnableExternalDTD:    cfg.XML.Validation.EnableExternalDtd,
			EntityExpansionLimit: cfg.XML.Validation.EntityExpansionLimit,
		}),
		Validator: validate.New(validate.Options{
			SchemaBasePath:       cfg.XML.Validation.SchemaBasePath,
			DefaultSchemaPath:    cfg.XML.Validation.DefaultSchemaPath,
			EnableExternalSchema: cfg.XML.Validation.EnableExternalSchema,
		}),
		Factory:    factory,
		Interfaces: store.NewInterfaceStore(db, infraBr),
		Rules:      store.NewRuleStore(db, repoBr),
		Persist:    persist.New(db, repoBr, sizer),
		Ledger:     persist.NewLedger(db, infraBr),
		Archive:    archive,
	})
	pipe.Subscribe(server.OutcomeHook())

	consumer := bus.NewConsumer(broker, pipe.Process, bus.ConsumerConfig{
		Workers:       cfg.RabbitMQ.Concurrent.Consumers,
		MaxWorkers:    cfg.RabbitMQ.Max.Concurrent.Consumers,
		Prefetch:      cfg.RabbitMQ.Prefetch.Count,
		PrefetchMin:   cfg.RabbitMQ.Prefetch.Min,
		PrefetchMax:   cfg.RabbitMQ.Prefetch.Max,
		ShutdownGrace: cfg.Shutdown.Grace,
	})
	sizer.Subscribe(consumer.SetPrefetch)

	slog.Info("docflow worker started",
		"driver", cfg.Database.Driver,
		"workers", cfg.RabbitMQ.Concurrent.Consumers,
		"ops", cfg.Ops.Listen)

	if err := consumer.Run(ctx); err != nil {
		return err
	}
	return <-serverErr
}

func newBreakerRegistry(cfg *config.Config, metrics *ops.Metrics, hub *ops.Hub) *breaker.Registry {
	configs := make(map[string]breaker.Config, len(cfg.Breakers))
	for name, b := range cfg.Breakers {
		configs[name] = breaker.Config{
			FailureRateThreshold: b.FailureRateThreshold,
			SlidingWindowSize:    b.SlidingWindowSize,
			MinCalls:             b.MinCalls,
			WaitInOpen:           b.WaitInOpen,
			HalfOpenCalls:        b.HalfOpenCalls,
			CallTimeout:          b.CallTimeout,
		}
	}
	registry := breaker.NewRegistry(configs)
	registry.OnStateChange(func(name string, from, to breaker.State) {
		slog.Warn("circuit breaker state changed",
			"breaker", name, "from", from.String(), "to", to.String())
		metrics.SetBreakerState(name, int(to))
		hub.Broadcast("breaker", map[string]string{
			"name": name, "from": from.String(), "to": to.String(),
		})
	})
	return registry
}
