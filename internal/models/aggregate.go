package models

import (
	"time"

	"github.com/google/uuid"
)

// Kind names the collection an aggregate is persisted in.
type Kind string

const (
	KindDocument             Kind = "documents"
	KindOperationDefinition  Kind = "operation_definitions"
	KindOperationInstance    Kind = "operation_instances"
	KindPageOperation        Kind = "page_operations"
	KindOperationInstanceLog Kind = "operation_instance_logs"
	KindEntityRetryConfig    Kind = "entity_retry_configs"
	KindTenantConfig         Kind = "tenant_configs"
	KindExtractedMedication  Kind = "extracted_medications"
	KindClinicalFact         Kind = "clinical_facts"
	KindMedicationProfile    Kind = "medication_profiles"
	KindProcessedUpload      Kind = "processed_uploads"
	KindEvent                Kind = "events"
)

// Aggregate is a persisted entity tracked by a unit of work.
type Aggregate interface {
	Kind() Kind
	AggregateID() string
	CurrentVersion() int64
	SetVersion(v int64)
	PendingEvents() []Event
	ClearEvents()
}

// Root holds the optimistic-concurrency version and the not yet persisted
// domain events of an aggregate. Embed it by value.
type Root struct {
	Version int64 `firestore:"version" json:"version"`

	events []Event
}

func (r *Root) CurrentVersion() int64 { return r.Version }

func (r *Root) SetVersion(v int64) { r.Version = v }

func (r *Root) PendingEvents() []Event { return r.events }

func (r *Root) ClearEvents() { r.events = nil }

func (r *Root) record(kind Kind, id, eventType string, payload map[string]any) {
	r.events = append(r.events, Event{
		ID:            uuid.NewString(),
		AggregateKind: kind,
		AggregateID:   id,
		Type:          eventType,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
	})
}

// Event is an immutable domain event, stored in the global event log and in the
// owning aggregate's history.
type Event struct {
	ID            string         `firestore:"id" json:"id"`
	AggregateKind Kind           `firestore:"aggregateKind" json:"aggregateKind"`
	AggregateID   string         `firestore:"aggregateId" json:"aggregateId"`
	Type          string         `firestore:"type" json:"type"`
	Payload       map[string]any `firestore:"payload,omitempty" json:"payload,omitempty"`
	OccurredAt    time.Time      `firestore:"occurredAt" json:"occurredAt"`
}
