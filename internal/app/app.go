// Package app wires the adapters selected by configuration into the engine,
// the recovery coordinator, the ingester and the command bus. Entry points
// (cloud functions, the CLI) build one App and call into it.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/blob"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/config"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/dispatch"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/extraction"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/ingest"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/messaging"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/metrics"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/orchestration"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/pdf"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/reconcile"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/recovery"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/registry"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

var (
	// ErrUnknownStage is returned by RunStage for a stage name nobody serves.
	ErrUnknownStage = eris.New("app: unknown stage")
	// ErrBadPayload is returned by RunStage for a payload that does not decode.
	ErrBadPayload = eris.New("app: malformed task payload")
)

// Option overrides an adapter New would otherwise build from configuration.
type Option func(*options)

type options struct {
	extractor extraction.Extractor
	splitter  pdf.Splitter
	recorder  *metrics.Recorder
}

// WithExtractor replaces the Vertex AI extractor.
func WithExtractor(e extraction.Extractor) Option {
	return func(o *options) { o.extractor = e }
}

// WithSplitter replaces the pdfcpu splitter.
func WithSplitter(s pdf.Splitter) Option {
	return func(o *options) { o.splitter = s }
}

// WithMetrics replaces the recorder on the global MeterProvider.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// App is the composition root.
type App struct {
	Config *config.Config
	Keys   keys.Builder

	Store      store.Store
	Units      *uow.Manager
	Bus        *uow.Bus
	Blobs      blob.Store
	Uploads    blob.Opener
	Publisher  messaging.Publisher
	Registry   *registry.Registry
	Reconciler *reconcile.Service
	Engine     *orchestration.Engine
	Recovery   *recovery.Coordinator
	Ingest     *ingest.Ingester

	// Local is set when stages run on the in-process worker pool.
	Local *dispatch.Local

	recoveryTopic string
	closers       []func() error
}

type blobBackend interface {
	blob.Store
	blob.Opener
}

// New builds an App from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{
		Config: cfg,
		Keys:   keys.New(cfg.Namespace.Prefix, cfg.Namespace.Env),
	}
	a.recoveryTopic = a.Keys.Topic(cfg.Messaging.RecoveryTopic)

	if err := a.build(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}
	zap.L().Info("app: initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("blob", cfg.Blob.Driver),
		zap.String("dispatch", cfg.Dispatch.Driver),
		zap.String("messaging", cfg.Messaging.Driver),
	)
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.Config

	if err := a.buildStore(ctx); err != nil {
		return err
	}
	a.Units = uow.NewManager(a.Store)
	a.Bus = uow.NewBus(a.Units)

	backend, err := a.buildBlob(ctx)
	if err != nil {
		return err
	}
	a.Blobs, a.Uploads = backend, backend

	creator, err := a.buildTaskCreator(ctx)
	if err != nil {
		return err
	}
	dispatcher := dispatch.NewDispatcher(creator, a.Keys, dispatch.Config{
		BaseURL:   cfg.Dispatch.BaseURL,
		AuthToken: cfg.Dispatch.AuthToken,
	})

	if err := a.buildPublisher(ctx); err != nil {
		return err
	}

	extractor := o.extractor
	if extractor == nil {
		v, err := extraction.NewVertex(ctx, extraction.VertexConfig{
			ProjectID:         cfg.Project.ID,
			Region:            cfg.Extraction.Region,
			DefaultModel:      cfg.Extraction.Model,
			RequestsPerSecond: cfg.Extraction.RequestsPerSecond,
			Burst:             cfg.Extraction.Burst,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, v.Close)
		extractor = v
	}
	splitter := o.splitter
	if splitter == nil {
		splitter = pdf.NewPdfcpu(cfg.Pipeline.TempDir)
	}
	rec := o.recorder
	if rec == nil {
		if rec, err = metrics.NewGlobal(); err != nil {
			return err
		}
	}

	tenants := orchestration.NewTenantResolver(a.Store, models.TenantConfig{
		ExtractConditions:    cfg.Tenant.ExtractConditions,
		ExtractAllergies:     cfg.Tenant.ExtractAllergies,
		ExtractImmunizations: cfg.Tenant.ExtractImmunizations,
		RetriesEnabled:       cfg.Tenant.RetriesEnabled,
		MaxRetries:           cfg.Retry.MaxRetries,
	})
	a.Registry = registry.New(a.Store, a.Units)
	a.Reconciler = reconcile.NewService(a.Store, a.Units)
	a.Engine = orchestration.New(orchestration.Deps{
		Query:      a.Store,
		Units:      a.Units,
		Registry:   a.Registry,
		Scheduler:  dispatcher,
		Blobs:      a.Blobs,
		Splitter:   splitter,
		Extractor:  extractor,
		Publisher:  a.Publisher,
		Reconciler: a.Reconciler,
		Tenants:    tenants,
		Metrics:    rec,
	}, orchestration.Config{
		OperationType:     cfg.Pipeline.OperationType,
		RecoveryTopic:     a.recoveryTopic,
		UploadConcurrency: cfg.Pipeline.UploadConcurrency,
	})
	a.Recovery = recovery.New(a.Store, a.Units, dispatcher, tenants, rec, recovery.Config{
		DefaultMaxRetries: cfg.Retry.MaxRetries,
	})

	priority, err := models.ParsePriority(cfg.Ingest.Priority)
	if err != nil {
		return eris.Wrap(err, "app: ingest priority")
	}
	a.Ingest = ingest.New(a.Store, a.Units, a.Uploads, a.Blobs, a.Engine, ingest.Config{
		AutoStart: cfg.Ingest.AutoStart,
		Priority:  priority,
	})

	a.registerCommands()
	if a.Local != nil {
		for _, stage := range []dispatch.Stage{dispatch.StageSplit, dispatch.StageClassify, dispatch.StageExtract} {
			a.Local.Handle(stage, func(ctx context.Context, payload []byte) error {
				_, err := a.RunStage(ctx, stage, payload)
				return err
			})
		}
	}
	if mem, ok := a.Publisher.(*messaging.Memory); ok {
		mem.Subscribe(a.recoveryTopic, a.HandleRecoveryMessage)
	}

	if cfg.Store.Driver == "memory" && cfg.Pipeline.DefinitionsFile != "" {
		// An in-memory store starts empty.
		if _, err := os.Stat(cfg.Pipeline.DefinitionsFile); err == nil {
			if _, err := a.SeedDefinitions(ctx, cfg.Pipeline.DefinitionsFile); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *App) buildStore(ctx context.Context) error {
	switch a.Config.Store.Driver {
	case "firestore":
		client, err := store.NewFirestoreClient(ctx, a.Config.Project.ID, a.Config.Store.DatabaseID)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		a.Store = store.NewFirestore(client, a.Keys)
	case "memory":
		a.Store = store.NewMemory()
	default:
		return eris.Errorf("app: unknown store driver %q", a.Config.Store.Driver)
	}
	return nil
}

func (a *App) buildBlob(ctx context.Context) (blobBackend, error) {
	switch a.Config.Blob.Driver {
	case "gcs":
		g, err := blob.NewGCS(ctx, a.Config.Blob.Bucket)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		return g, nil
	case "s3":
		s, err := blob.NewS3(ctx, a.Config.Blob.Bucket, a.Config.Blob.S3Endpoint)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return blob.NewMemory(), nil
	default:
		return nil, eris.Errorf("app: unknown blob driver %q", a.Config.Blob.Driver)
	}
}

func (a *App) buildTaskCreator(ctx context.Context) (dispatch.TaskCreator, error) {
	cfg := a.Config
	switch cfg.Dispatch.Driver {
	case "cloudtasks":
		c, err := dispatch.NewCloudTasks(ctx, cfg.Project.ID, cfg.Project.Location)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c.Close)
		return c, nil
	case "workflows":
		w, err := dispatch.NewWorkflowRelay(ctx, cfg.Project.ID, cfg.Project.Location, cfg.Dispatch.WorkflowID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, w.Close)
		return w, nil
	case "local":
		l, err := dispatch.NewLocal(dispatch.LocalConfig{
			PoolSize:    cfg.Dispatch.PoolSize,
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			Backoff:     cfg.Dispatch.LocalBackoff,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, l.Close)
		a.Local = l
		return l, nil
	default:
		return nil, eris.Errorf("app: unknown dispatch driver %q", cfg.Dispatch.Driver)
	}
}

func (a *App) buildPublisher(ctx context.Context) error {
	switch a.Config.Messaging.Driver {
	case "pubsub":
		p, err := messaging.NewPubSub(ctx, a.Config.Project.ID)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, p.Close)
		a.Publisher = p
	case "kafka":
		k, err := messaging.NewKafka(a.Config.Messaging.KafkaBrokers)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, k.Close)
		a.Publisher = k
	case "memory":
		a.Publisher = messaging.NewMemory()
	default:
		return eris.Errorf("app: unknown messaging driver %q", a.Config.Messaging.Driver)
	}
	return nil
}

// RecoveryTopic is the namespaced topic failed steps are published on.
func (a *App) RecoveryTopic() string {
	return a.recoveryTopic
}

// RunStage decodes a task payload and runs its stage. The error is non-nil
// only for failures the queue should redeliver.
func (a *App) RunStage(ctx context.Context, stage dispatch.Stage, payload []byte) (orchestration.Outcome, error) {
	switch stage {
	case dispatch.StageSplit:
		var t models.SplitDocumentTask
		if err := json.Unmarshal(payload, &t); err != nil {
			return orchestration.Outcome{Stage: stage}, eris.Wrapf(ErrBadPayload, "split task: %v", err)
		}
		return a.Engine.SplitDocument(ctx, t)
	case dispatch.StageClassify:
		var t models.ClassifyPageTask
		if err := json.Unmarshal(payload, &t); err != nil {
			return orchestration.Outcome{Stage: stage}, eris.Wrapf(ErrBadPayload, "classify task: %v", err)
		}
		return a.Engine.ClassifyPage(ctx, t)
	case dispatch.StageExtract:
		var t models.ExtractLabelTask
		if err := json.Unmarshal(payload, &t); err != nil {
			return orchestration.Outcome{Stage: stage}, eris.Wrapf(ErrBadPayload, "extract task: %v", err)
		}
		return a.Engine.ExtractLabel(ctx, t)
	default:
		return orchestration.Outcome{Stage: stage}, eris.Wrapf(ErrUnknownStage, "%q", stage)
	}
}

// HandleRecoveryMessage runs recovery for one recovery-topic message. Recovery
// failures are logged and swallowed so the broker does not redeliver them.
func (a *App) HandleRecoveryMessage(ctx context.Context, msg messaging.Message) error {
	var rm models.RecoveryMessage
	if err := json.Unmarshal(msg.Data, &rm); err != nil {
		zap.L().Error("app: dropping malformed recovery message", zap.Error(err), zap.String("data", string(msg.Data)))
		return nil
	}
	if _, err := a.Recover(ctx, rm.LogID); err != nil {
		zap.L().Error("app: recovery failed", zap.String("logId", rm.LogID), zap.Error(err))
	}
	return nil
}

// ProcessUpload ingests one uploaded object.
func (a *App) ProcessUpload(ctx context.Context, e ingest.GCSEvent) (ingest.Result, error) {
	return a.Ingest.Process(ctx, e)
}

// SeedDefinitions loads a definitions YAML file into the store.
func (a *App) SeedDefinitions(ctx context.Context, path string) (registry.SeedResult, error) {
	defs, err := registry.LoadFile(path)
	if err != nil {
		return registry.SeedResult{}, err
	}
	return a.Registry.Seed(ctx, defs)
}

// Close releases every client New created, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		return eris.Wrap(errors.Join(errs...), "app: close")
	}
	return nil
}
