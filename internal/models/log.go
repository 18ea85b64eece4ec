package models

import (
	"time"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
)

// RetryEntityTypeInstanceLog is the retry_entity_type used for step logs.
const RetryEntityTypeInstanceLog = "DocumentOperationInstanceLog"

// OperationInstanceLog is an append-only audit row for one step attempt.
type OperationInstanceLog struct {
	Root

	ID             string            `firestore:"id" json:"id"`
	InstanceID     string            `firestore:"instanceId" json:"instanceId"`
	DocumentID     string            `firestore:"documentId" json:"documentId"`
	StepID         StepID            `firestore:"stepId" json:"stepId"`
	Status         LogStatus         `firestore:"status" json:"status"`
	PageID         string            `firestore:"pageId,omitempty" json:"pageId,omitempty"`
	PageNumber     int               `firestore:"pageNumber" json:"pageNumber"`
	ExtractionType ExtractionType    `firestore:"extractionType,omitempty" json:"extractionType,omitempty"`
	Error          string            `firestore:"error,omitempty" json:"error,omitempty"`
	Context        map[string]string `firestore:"context,omitempty" json:"context,omitempty"`
	Permanent      bool              `firestore:"permanent" json:"permanent"`
	CreatedAt      time.Time         `firestore:"createdAt" json:"createdAt"`
}

func (l *OperationInstanceLog) Kind() Kind          { return KindOperationInstanceLog }
func (l *OperationInstanceLog) AggregateID() string { return l.ID }

// UniqueIdentifier is the retry key shared by every attempt of the same step on
// the same page and label.
func (l *OperationInstanceLog) UniqueIdentifier() string {
	return keys.LogIdentity(l.InstanceID, string(l.StepID), l.PageNumber, string(l.ExtractionType))
}

// EntityRetryConfig counts recovery attempts for one retry entity.
type EntityRetryConfig struct {
	Root

	ID              string    `firestore:"id" json:"id"`
	RetryEntityID   string    `firestore:"retryEntityId" json:"retryEntityId"`
	RetryEntityType string    `firestore:"retryEntityType" json:"retryEntityType"`
	RetryCount      int       `firestore:"retryCount" json:"retryCount"`
	UpdatedAt       time.Time `firestore:"updatedAt" json:"updatedAt"`
}

// NewEntityRetryConfig returns a zero-count config for an entity.
func NewEntityRetryConfig(entityID, entityType string, now time.Time) *EntityRetryConfig {
	return &EntityRetryConfig{
		ID:              keys.RetryConfigID(entityID, entityType),
		RetryEntityID:   entityID,
		RetryEntityType: entityType,
		UpdatedAt:       now,
	}
}

func (c *EntityRetryConfig) Kind() Kind          { return KindEntityRetryConfig }
func (c *EntityRetryConfig) AggregateID() string { return c.ID }

// Exhausted reports whether another retry would exceed maxRetries.
func (c *EntityRetryConfig) Exhausted(maxRetries int) bool {
	return c.RetryCount >= maxRetries
}

// Increment records one more dispatched retry.
func (c *EntityRetryConfig) Increment(now time.Time) {
	c.RetryCount++
	c.UpdatedAt = now
	c.record(KindEntityRetryConfig, c.ID, "RetryCountIncremented", map[string]any{"retryCount": c.RetryCount})
}

// TenantConfig holds the per app/tenant switches of the pipeline.
type TenantConfig struct {
	Root

	ID                   string `firestore:"id" json:"id"`
	AppID                string `firestore:"appId" json:"appId"`
	TenantID             string `firestore:"tenantId" json:"tenantId"`
	ExtractConditions    bool   `firestore:"extractConditions" json:"extractConditions"`
	ExtractAllergies     bool   `firestore:"extractAllergies" json:"extractAllergies"`
	ExtractImmunizations bool   `firestore:"extractImmunizations" json:"extractImmunizations"`
	RetriesEnabled       bool   `firestore:"retriesEnabled" json:"retriesEnabled"`
	MaxRetries           int    `firestore:"maxRetries" json:"maxRetries"`
}

// Tenant config keys referenced by label variants.
const (
	ConfigExtractConditions    = "extract_conditions"
	ConfigExtractAllergies     = "extract_allergies"
	ConfigExtractImmunizations = "extract_immunizations"
)

func (t *TenantConfig) Kind() Kind          { return KindTenantConfig }
func (t *TenantConfig) AggregateID() string { return t.ID }

// Enabled looks up a boolean switch by its config key. An empty key is always enabled.
func (t *TenantConfig) Enabled(key string) bool {
	switch key {
	case "":
		return true
	case ConfigExtractConditions:
		return t.ExtractConditions
	case ConfigExtractAllergies:
		return t.ExtractAllergies
	case ConfigExtractImmunizations:
		return t.ExtractImmunizations
	default:
		return false
	}
}

// ProcessedUpload marks an uploaded file hash as already ingested.
type ProcessedUpload struct {
	Root

	ID         string    `firestore:"id" json:"id"`
	DocumentID string    `firestore:"documentId" json:"documentId"`
	ObjectName string    `firestore:"objectName" json:"objectName"`
	CreatedAt  time.Time `firestore:"createdAt" json:"createdAt"`
}

func (p *ProcessedUpload) Kind() Kind          { return KindProcessedUpload }
func (p *ProcessedUpload) AggregateID() string { return p.ID }
