// Package ingest turns uploaded PDFs into Documents. Uploads land in an
// uploads bucket under uploads/<app>/<tenant>/<patient>/<file>.pdf; each new
// file is hashed, checked against the processed set, copied to the document
// store and optionally started.
package ingest

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/blob"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/pdf"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

// ErrInvalidObjectName is returned for uploads outside the expected layout.
var ErrInvalidObjectName = eris.New("ingest: object name does not match uploads/<app>/<tenant>/<patient>/<file>.pdf")

// GCSEvent is the data of a storage object finalize event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// Scope is who an upload belongs to.
type Scope struct {
	AppID     string
	TenantID  string
	PatientID string
	Filename  string
}

// ParseObjectName extracts the scope from an upload object name.
func ParseObjectName(name string) (Scope, error) {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	if len(parts) != 5 || parts[0] != "uploads" {
		return Scope{}, eris.Wrapf(ErrInvalidObjectName, "%q", name)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return Scope{}, eris.Wrapf(ErrInvalidObjectName, "%q", name)
		}
	}
	if !strings.EqualFold(path.Ext(parts[4]), ".pdf") {
		return Scope{}, eris.Wrapf(ErrInvalidObjectName, "%q is not a pdf", name)
	}
	return Scope{AppID: parts[1], TenantID: parts[2], PatientID: parts[3], Filename: parts[4]}, nil
}

// Starter starts a run for a new document. orchestration.Engine implements it.
type Starter interface {
	StartRun(ctx context.Context, req models.StartOrchestrationRequest) (models.StartOrchestrationResponse, error)
}

// Config holds the ingest settings.
type Config struct {
	AutoStart bool
	Priority  models.Priority
}

// Result describes what Process did with an upload.
type Result struct {
	DocumentID string
	Duplicate  bool
	Ignored    bool
	InstanceID string
}

// Ingester handles upload events.
type Ingester struct {
	query   store.QueryPort
	units   *uow.Manager
	uploads blob.Opener
	docs    blob.Store
	starter Starter
	config  Config

	now   func() time.Time
	newID func() string
}

// New returns an Ingester. uploads opens the bucket named by each event; docs
// is where source PDFs are copied. starter may be nil when AutoStart is off.
func New(query store.QueryPort, units *uow.Manager, uploads blob.Opener, docs blob.Store, starter Starter, cfg Config) *Ingester {
	if cfg.Priority == "" {
		cfg.Priority = models.PriorityNormal
	}
	return &Ingester{
		query:   query,
		units:   units,
		uploads: uploads,
		docs:    docs,
		starter: starter,
		config:  cfg,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Process ingests one uploaded object. Duplicates and objects outside the
// uploads layout are skipped without error.
func (i *Ingester) Process(ctx context.Context, e GCSEvent) (Result, error) {
	log := zap.L().With(zap.String("gcsBucket", e.Bucket), zap.String("gcsObject", e.Name))
	log.Info("ingest: processing new object")

	scope, err := ParseObjectName(e.Name)
	if err != nil {
		log.Warn("ingest: ignoring object", zap.Error(err))
		return Result{Ignored: true}, nil
	}

	data, err := i.uploads.ForBucket(e.Bucket).Get(ctx, e.Name)
	if err != nil {
		return Result{}, eris.Wrapf(err, "ingest: download gs://%s/%s", e.Bucket, e.Name)
	}
	fileHash := pdf.Hash(data)
	log = log.With(zap.String("fileHash", fileHash))

	existing, err := i.query.GetProcessedUpload(ctx, fileHash)
	switch {
	case err == nil:
		log.Info("ingest: duplicate file, skipping", zap.String("existingDocId", existing.DocumentID))
		return Result{DocumentID: existing.DocumentID, Duplicate: true}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, eris.Wrap(err, "ingest: check processed uploads")
	}

	docID := i.newID()
	log = log.With(zap.String("documentId", docID))
	sourceKey := keys.SourceBlob(docID)
	if err := i.docs.Put(ctx, sourceKey, data, "application/pdf"); err != nil {
		return Result{}, eris.Wrapf(err, "ingest: copy source to %s", sourceKey)
	}

	err = i.units.Run(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		now := i.now()
		u.Add(&models.Document{
			ID:               docID,
			AppID:            scope.AppID,
			TenantID:         scope.TenantID,
			PatientID:        scope.PatientID,
			FileHash:         fileHash,
			OriginalFilename: scope.Filename,
			SourceBlobKey:    sourceKey,
			Priority:         i.config.Priority,
			Status:           models.InstanceNotStarted,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		u.Add(&models.ProcessedUpload{
			ID:         fileHash,
			DocumentID: docID,
			ObjectName: e.Name,
			CreatedAt:  now,
		})
		return nil
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		// A concurrent delivery registered the same file first.
		log.Info("ingest: duplicate file registered concurrently, skipping")
		return Result{Duplicate: true}, nil
	}
	if err != nil {
		return Result{}, eris.Wrap(err, "ingest: create document")
	}
	log.Info("ingest: document created", zap.String("patientId", scope.PatientID))

	res := Result{DocumentID: docID}
	if !i.config.AutoStart || i.starter == nil {
		return res, nil
	}
	resp, err := i.starter.StartRun(ctx, models.StartOrchestrationRequest{
		DocumentID: docID,
		Priority:   string(i.config.Priority),
	})
	if err != nil {
		return res, eris.Wrapf(err, "ingest: start run for %s", docID)
	}
	res.InstanceID = resp.InstanceID
	log.Info("ingest: hand-off to orchestration complete", zap.String("instanceId", resp.InstanceID))
	return res, nil
}
