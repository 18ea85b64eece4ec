package models

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
)

// ErrInvalidTransition is returned when a status change would break the
// PageOperation or OperationInstance state machine.
var ErrInvalidTransition = eris.New("invalid status transition")

// StepID names a single step of an operation definition.
type StepID string

const (
	StepSplit                  StepID = "split"
	StepCreatePage             StepID = "create_page"
	StepTextExtraction         StepID = "text_extraction"
	StepClassification         StepID = "classification"
	StepMedicationExtraction   StepID = "medication_extraction"
	StepConditionExtraction    StepID = "condition_extraction"
	StepAllergyExtraction      StepID = "allergy_extraction"
	StepImmunizationExtraction StepID = "immunization_extraction"
	StepCatalogMatching        StepID = "catalog_matching"
	StepNormalization          StepID = "normalization"
	StepOCR                    StepID = "ocr"
	StepJoin                   StepID = "join"
)

// ExtractionType is the third component of a PageOperation identity.
type ExtractionType string

const (
	ExtractionClassification ExtractionType = "classification"
	ExtractionMedications    ExtractionType = "medications"
	ExtractionConditions     ExtractionType = "conditions"
	ExtractionAllergies      ExtractionType = "allergies"
	ExtractionImmunizations  ExtractionType = "immunizations"
)

// StepConfig is the prompt and model used for one step.
type StepConfig struct {
	Prompt string `firestore:"prompt" json:"prompt" yaml:"prompt"`
	Model  string `firestore:"model" json:"model" yaml:"model"`
}

// OperationDefinition is a versioned step configuration for an operation type.
type OperationDefinition struct {
	Root `yaml:"-"`

	ID            string                `firestore:"id" json:"id" yaml:"id"`
	OperationType string                `firestore:"operationType" json:"operationType" yaml:"operation_type"`
	Revision      int                   `firestore:"revision" json:"revision" yaml:"revision"`
	Steps         map[string]StepConfig `firestore:"steps" json:"steps" yaml:"steps"`
	Disabled      bool                  `firestore:"disabled" json:"disabled" yaml:"disabled"`
}

func (d *OperationDefinition) Kind() Kind          { return KindOperationDefinition }
func (d *OperationDefinition) AggregateID() string { return d.ID }

// Step returns the configuration of a step.
func (d *OperationDefinition) Step(id StepID) (StepConfig, bool) {
	c, ok := d.Steps[string(id)]
	return c, ok
}

// OperationInstance is one execution run of a pipeline for a document.
type OperationInstance struct {
	Root

	ID            string         `firestore:"id" json:"id"`
	DocumentID    string         `firestore:"documentId" json:"documentId"`
	DefinitionID  string         `firestore:"definitionId" json:"definitionId"`
	OperationType string         `firestore:"operationType" json:"operationType"`
	Status        InstanceStatus `firestore:"status" json:"status"`
	Priority      Priority       `firestore:"priority" json:"priority"`
	Error         string         `firestore:"error,omitempty" json:"error,omitempty"`
	CreatedAt     time.Time      `firestore:"createdAt" json:"createdAt"`
	UpdatedAt     time.Time      `firestore:"updatedAt" json:"updatedAt"`
	CompletedAt   *time.Time     `firestore:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// NewOperationInstance returns a NOT_STARTED instance.
func NewOperationInstance(id string, doc *Document, def *OperationDefinition, priority Priority, now time.Time) *OperationInstance {
	inst := &OperationInstance{
		ID:            id,
		DocumentID:    doc.ID,
		DefinitionID:  def.ID,
		OperationType: def.OperationType,
		Status:        InstanceNotStarted,
		Priority:      priority,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inst.record(KindOperationInstance, id, "OperationInstanceCreated", map[string]any{
		"documentId":   doc.ID,
		"definitionId": def.ID,
		"priority":     string(priority),
	})
	return inst
}

func (i *OperationInstance) Kind() Kind          { return KindOperationInstance }
func (i *OperationInstance) AggregateID() string { return i.ID }

// Start moves NOT_STARTED to IN_PROGRESS.
func (i *OperationInstance) Start(now time.Time) error {
	if i.Status != InstanceNotStarted {
		return eris.Wrapf(ErrInvalidTransition, "instance %s: %s -> %s", i.ID, i.Status, InstanceInProgress)
	}
	i.setStatus(InstanceInProgress, "", now)
	return nil
}

// Reopen returns a completed or running instance to IN_PROGRESS so that a
// recovered page can rejoin it. Failed instances stay failed.
func (i *OperationInstance) Reopen(now time.Time) error {
	if i.Status == InstanceFailed {
		return eris.Wrapf(ErrInvalidTransition, "instance %s: %s -> %s", i.ID, i.Status, InstanceInProgress)
	}
	if i.Status == InstanceInProgress {
		return nil
	}
	i.CompletedAt = nil
	i.setStatus(InstanceInProgress, "", now)
	return nil
}

// Complete marks the instance COMPLETED. Completing twice is a no-op.
func (i *OperationInstance) Complete(now time.Time) error {
	switch i.Status {
	case InstanceCompleted:
		return nil
	case InstanceInProgress:
		i.CompletedAt = &now
		i.setStatus(InstanceCompleted, "", now)
		return nil
	default:
		return eris.Wrapf(ErrInvalidTransition, "instance %s: %s -> %s", i.ID, i.Status, InstanceCompleted)
	}
}

// Fail marks the instance FAILED with a reason. Failing twice is a no-op.
func (i *OperationInstance) Fail(reason string, now time.Time) {
	if i.Status == InstanceFailed {
		return
	}
	i.setStatus(InstanceFailed, reason, now)
}

func (i *OperationInstance) setStatus(s InstanceStatus, reason string, now time.Time) {
	from := i.Status
	i.Status = s
	i.Error = reason
	i.UpdatedAt = now
	payload := map[string]any{"from": string(from), "to": string(s)}
	if reason != "" {
		payload["error"] = reason
	}
	i.record(KindOperationInstance, i.ID, "OperationInstanceStatusChanged", payload)
}

// PageOperation is the idempotency boundary of the pipeline: one record per
// (page, instance, extraction type).
type PageOperation struct {
	Root

	ID             string              `firestore:"id" json:"id"`
	InstanceID     string              `firestore:"instanceId" json:"instanceId"`
	DocumentID     string              `firestore:"documentId" json:"documentId"`
	PageID         string              `firestore:"pageId" json:"pageId"`
	PageNumber     int                 `firestore:"pageNumber" json:"pageNumber"`
	ExtractionType ExtractionType      `firestore:"extractionType" json:"extractionType"`
	Status         PageOperationStatus `firestore:"status" json:"status"`
	Attempts       int                 `firestore:"attempts" json:"attempts"`
	// PageType is the classification result, set on classification operations.
	PageType  string    `firestore:"pageType,omitempty" json:"pageType,omitempty"`
	Error     string    `firestore:"error,omitempty" json:"error,omitempty"`
	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt" json:"updatedAt"`
}

// NewPageOperation returns a QUEUED page operation whose ID is derived from its identity.
func NewPageOperation(instanceID, documentID string, page Page, t ExtractionType, now time.Time) *PageOperation {
	op := &PageOperation{
		ID:             keys.PageOperationID(instanceID, page.ID, string(t)),
		InstanceID:     instanceID,
		DocumentID:     documentID,
		PageID:         page.ID,
		PageNumber:     page.Number,
		ExtractionType: t,
		Status:         PageOpQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	op.record(KindPageOperation, op.ID, "PageOperationQueued", map[string]any{
		"instanceId":     instanceID,
		"pageNumber":     page.Number,
		"extractionType": string(t),
	})
	return op
}

func (p *PageOperation) Kind() Kind          { return KindPageOperation }
func (p *PageOperation) AggregateID() string { return p.ID }

// Claimable reports whether an agent may start work on this page operation.
func (p *PageOperation) Claimable() bool {
	return p.Status == PageOpQueued
}

// Claim moves QUEUED to IN_PROGRESS.
func (p *PageOperation) Claim(now time.Time) error {
	if p.Status != PageOpQueued {
		return eris.Wrapf(ErrInvalidTransition, "page operation %s: %s -> %s", p.ID, p.Status, PageOpInProgress)
	}
	p.Attempts++
	p.transition(PageOpInProgress, "", now)
	return nil
}

// Complete moves IN_PROGRESS to COMPLETED.
func (p *PageOperation) Complete(now time.Time) error {
	if p.Status != PageOpInProgress {
		return eris.Wrapf(ErrInvalidTransition, "page operation %s: %s -> %s", p.ID, p.Status, PageOpCompleted)
	}
	p.transition(PageOpCompleted, "", now)
	return nil
}

// Fail moves IN_PROGRESS to FAILED.
func (p *PageOperation) Fail(reason string, now time.Time) error {
	if p.Status != PageOpInProgress {
		return eris.Wrapf(ErrInvalidTransition, "page operation %s: %s -> %s", p.ID, p.Status, PageOpFailed)
	}
	p.transition(PageOpFailed, reason, now)
	return nil
}

// Requeue re-opens a FAILED page operation for a recovery attempt.
func (p *PageOperation) Requeue(now time.Time) error {
	if p.Status != PageOpFailed {
		return eris.Wrapf(ErrInvalidTransition, "page operation %s: %s -> %s", p.ID, p.Status, PageOpQueued)
	}
	p.transition(PageOpQueued, "", now)
	return nil
}

func (p *PageOperation) transition(s PageOperationStatus, reason string, now time.Time) {
	from := p.Status
	p.Status = s
	p.Error = reason
	p.UpdatedAt = now
	payload := map[string]any{"from": string(from), "to": string(s), "attempts": p.Attempts}
	if reason != "" {
		payload["error"] = reason
	}
	p.record(KindPageOperation, p.ID, "PageOperationStatusChanged", payload)
}
