// Package store persists aggregates. It exposes the read-only QueryPort used by
// every component and an atomic Commit used only by the unit of work.
package store

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
)

var (
	ErrNotFound      = eris.New("store: not found")
	ErrAlreadyExists = eris.New("store: already exists")
	// ErrWriteConflict means an aggregate changed since it was read. It is never
	// retried by the store.
	ErrWriteConflict = eris.New("store: write conflict")
)

// ChangeSet is everything one unit of work writes. Updated aggregates carry
// their new version; the stored version must be exactly one lower.
type ChangeSet struct {
	Creates []models.Aggregate
	Updates []models.Aggregate
	Deletes []models.Aggregate
	Events  []models.Event
}

// Empty reports whether the change set writes nothing.
func (c ChangeSet) Empty() bool {
	return len(c.Creates) == 0 && len(c.Updates) == 0 && len(c.Deletes) == 0 && len(c.Events) == 0
}

// Committer applies a ChangeSet atomically.
type Committer interface {
	Commit(ctx context.Context, cs ChangeSet) error
}

// QueryPort is the read side of the store.
type QueryPort interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetOperationDefinition(ctx context.Context, id string) (*models.OperationDefinition, error)
	ListOperationDefinitions(ctx context.Context, operationType string) ([]*models.OperationDefinition, error)
	GetOperationInstance(ctx context.Context, id string) (*models.OperationInstance, error)
	GetPageOperation(ctx context.Context, id string) (*models.PageOperation, error)
	ListPageOperations(ctx context.Context, instanceID string) ([]*models.PageOperation, error)
	GetOperationInstanceLog(ctx context.Context, id string) (*models.OperationInstanceLog, error)
	ListOperationInstanceLogs(ctx context.Context, instanceID string) ([]*models.OperationInstanceLog, error)
	GetEntityRetryConfig(ctx context.Context, entityID, entityType string) (*models.EntityRetryConfig, error)
	GetTenantConfig(ctx context.Context, appID, tenantID string) (*models.TenantConfig, error)
	ListExtractedMedications(ctx context.Context, instanceID string) ([]*models.ExtractedMedication, error)
	ListClinicalFacts(ctx context.Context, instanceID string) ([]*models.ClinicalFact, error)
	GetMedicationProfile(ctx context.Context, patientID string) (*models.MedicationProfile, error)
	GetProcessedUpload(ctx context.Context, fileHash string) (*models.ProcessedUpload, error)
}

// Store is a QueryPort that can also commit.
type Store interface {
	QueryPort
	Committer
}

// Decoder fills dst with one stored record.
type Decoder func(dst any) error

// Reader is the primitive a backend implements so that Queries can serve the
// whole QueryPort on top of it.
type Reader interface {
	Get(ctx context.Context, kind models.Kind, id string, dst any) error
	// Find returns every record of kind whose string field equals value.
	Find(ctx context.Context, kind models.Kind, field, value string) ([]Decoder, error)
}

// Queries implements QueryPort over a Reader.
type Queries struct {
	r Reader
}

func get[T any](ctx context.Context, r Reader, kind models.Kind, id string) (*T, error) {
	v := new(T)
	if err := r.Get(ctx, kind, id, v); err != nil {
		return nil, err
	}
	return v, nil
}

func findAll[T any](ctx context.Context, r Reader, kind models.Kind, field, value string) ([]*T, error) {
	decs, err := r.Find(ctx, kind, field, value)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(decs))
	for _, dec := range decs {
		v := new(T)
		if err := dec(v); err != nil {
			return nil, eris.Wrapf(err, "store: decode %s", kind)
		}
		out = append(out, v)
	}
	return out, nil
}

func (q Queries) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return get[models.Document](ctx, q.r, models.KindDocument, id)
}

func (q Queries) GetOperationDefinition(ctx context.Context, id string) (*models.OperationDefinition, error) {
	return get[models.OperationDefinition](ctx, q.r, models.KindOperationDefinition, id)
}

// ListOperationDefinitions returns the definitions of a type, newest revision first.
func (q Queries) ListOperationDefinitions(ctx context.Context, operationType string) ([]*models.OperationDefinition, error) {
	defs, err := findAll[models.OperationDefinition](ctx, q.r, models.KindOperationDefinition, "operationType", operationType)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Revision != defs[j].Revision {
			return defs[i].Revision > defs[j].Revision
		}
		return defs[i].ID < defs[j].ID
	})
	return defs, nil
}

func (q Queries) GetOperationInstance(ctx context.Context, id string) (*models.OperationInstance, error) {
	return get[models.OperationInstance](ctx, q.r, models.KindOperationInstance, id)
}

func (q Queries) GetPageOperation(ctx context.Context, id string) (*models.PageOperation, error) {
	return get[models.PageOperation](ctx, q.r, models.KindPageOperation, id)
}

// ListPageOperations returns every page operation of an instance ordered by
// page number then extraction type.
func (q Queries) ListPageOperations(ctx context.Context, instanceID string) ([]*models.PageOperation, error) {
	ops, err := findAll[models.PageOperation](ctx, q.r, models.KindPageOperation, "instanceId", instanceID)
	if err != nil {
		return nil, err
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].PageNumber != ops[j].PageNumber {
			return ops[i].PageNumber < ops[j].PageNumber
		}
		return ops[i].ExtractionType < ops[j].ExtractionType
	})
	return ops, nil
}

func (q Queries) GetOperationInstanceLog(ctx context.Context, id string) (*models.OperationInstanceLog, error) {
	return get[models.OperationInstanceLog](ctx, q.r, models.KindOperationInstanceLog, id)
}

func (q Queries) ListOperationInstanceLogs(ctx context.Context, instanceID string) ([]*models.OperationInstanceLog, error) {
	logs, err := findAll[models.OperationInstanceLog](ctx, q.r, models.KindOperationInstanceLog, "instanceId", instanceID)
	if err != nil {
		return nil, err
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.Before(logs[j].CreatedAt) })
	return logs, nil
}

func (q Queries) GetEntityRetryConfig(ctx context.Context, entityID, entityType string) (*models.EntityRetryConfig, error) {
	return get[models.EntityRetryConfig](ctx, q.r, models.KindEntityRetryConfig, keys.RetryConfigID(entityID, entityType))
}

func (q Queries) GetTenantConfig(ctx context.Context, appID, tenantID string) (*models.TenantConfig, error) {
	return get[models.TenantConfig](ctx, q.r, models.KindTenantConfig, keys.TenantConfigID(appID, tenantID))
}

func (q Queries) ListExtractedMedications(ctx context.Context, instanceID string) ([]*models.ExtractedMedication, error) {
	meds, err := findAll[models.ExtractedMedication](ctx, q.r, models.KindExtractedMedication, "instanceId", instanceID)
	if err != nil {
		return nil, err
	}
	sort.Slice(meds, func(i, j int) bool { return meds[i].ID < meds[j].ID })
	return meds, nil
}

func (q Queries) ListClinicalFacts(ctx context.Context, instanceID string) ([]*models.ClinicalFact, error) {
	facts, err := findAll[models.ClinicalFact](ctx, q.r, models.KindClinicalFact, "instanceId", instanceID)
	if err != nil {
		return nil, err
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].ID < facts[j].ID })
	return facts, nil
}

func (q Queries) GetMedicationProfile(ctx context.Context, patientID string) (*models.MedicationProfile, error) {
	return get[models.MedicationProfile](ctx, q.r, models.KindMedicationProfile, patientID)
}

func (q Queries) GetProcessedUpload(ctx context.Context, fileHash string) (*models.ProcessedUpload, error) {
	return get[models.ProcessedUpload](ctx, q.r, models.KindProcessedUpload, fileHash)
}
