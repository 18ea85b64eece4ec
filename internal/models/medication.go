package models

import (
	"strconv"
	"time"
)

// Origin is where a medication fact came from.
type Origin string

const (
	OriginExtracted   Origin = "extracted"
	OriginImported    Origin = "imported"
	OriginUserEntered Origin = "user_entered"
)

// Precedence orders origins for display fields; the higher value wins.
func (o Origin) Precedence() int {
	switch o {
	case OriginUserEntered:
		return 3
	case OriginImported:
		return 2
	case OriginExtracted:
		return 1
	default:
		return 0
	}
}

// CatalogMatchStatus tells whether a reconciled medication is tied to an external catalog entry.
type CatalogMatchStatus string

const (
	CatalogMatched  CatalogMatchStatus = "matched"
	CatalogUnlisted CatalogMatchStatus = "unlisted"
)

// ExtractedMedicationReference links a reconciled medication back to the page it was read from.
type ExtractedMedicationReference struct {
	DocumentID string `firestore:"documentId" json:"documentId"`
	PageNumber int    `firestore:"pageNumber" json:"pageNumber"`
	InstanceID string `firestore:"instanceId" json:"instanceId"`
}

// MedicationFields are the display fields subject to origin precedence.
type MedicationFields struct {
	Name         string `firestore:"name" json:"name"`
	Dosage       string `firestore:"dosage,omitempty" json:"dosage,omitempty"`
	Route        string `firestore:"route,omitempty" json:"route,omitempty"`
	Frequency    string `firestore:"frequency,omitempty" json:"frequency,omitempty"`
	Form         string `firestore:"form,omitempty" json:"form,omitempty"`
	Instructions string `firestore:"instructions,omitempty" json:"instructions,omitempty"`
	StartDate    string `firestore:"startDate,omitempty" json:"startDate,omitempty"`
	EndDate      string `firestore:"endDate,omitempty" json:"endDate,omitempty"`
}

// MedicationFact is one origin's statement about a medication.
type MedicationFact struct {
	MedicationFields

	ID        string `firestore:"id" json:"id"`
	Origin    Origin `firestore:"origin" json:"origin"`
	CatalogID int64  `firestore:"catalogId,omitempty" json:"catalogId,omitempty"`
	// Reference is set for extracted facts.
	Reference *ExtractedMedicationReference `firestore:"reference,omitempty" json:"reference,omitempty"`
	// Deleted is honoured for user_entered facts only.
	Deleted bool `firestore:"deleted,omitempty" json:"deleted,omitempty"`
}

// IdentityKey is the key a fact reconciles under: the catalog id when present,
// otherwise the fact's own id so unlisted medications stay distinct.
func (f MedicationFact) IdentityKey() string {
	if f.CatalogID != 0 {
		return "catalog:" + strconv.FormatInt(f.CatalogID, 10)
	}
	return "unlisted:" + f.ID
}

// ExtractedMedication is a medication fact persisted by the extraction agent for
// one page and consumed by the join.
type ExtractedMedication struct {
	Root
	MedicationFact

	InstanceID string    `firestore:"instanceId" json:"instanceId"`
	PageID     string    `firestore:"pageId" json:"pageId"`
	PatientID  string    `firestore:"patientId" json:"patientId"`
	CreatedAt  time.Time `firestore:"createdAt" json:"createdAt"`
}

func (e *ExtractedMedication) Kind() Kind          { return KindExtractedMedication }
func (e *ExtractedMedication) AggregateID() string { return e.ID }

// ReconciledMedication is the merged view of one medication across origins.
type ReconciledMedication struct {
	MedicationFields

	IdentityKey string `firestore:"identityKey" json:"identityKey"`
	// Origin is the highest-precedence origin that has contributed.
	Origin Origin `firestore:"origin" json:"origin"`
	// FieldOrigins records which origin set each display field, keyed by json name.
	FieldOrigins       map[string]Origin              `firestore:"fieldOrigins,omitempty" json:"fieldOrigins,omitempty"`
	CatalogID          int64                          `firestore:"catalogId,omitempty" json:"catalogId,omitempty"`
	CatalogMatchStatus CatalogMatchStatus             `firestore:"catalogMatchStatus" json:"catalogMatchStatus"`
	References         []ExtractedMedicationReference `firestore:"extractedMedicationReference" json:"extractedMedicationReference"`
	Deleted            bool                           `firestore:"deleted" json:"deleted"`
}

// HasReference reports whether ref is already linked.
func (m *ReconciledMedication) HasReference(ref ExtractedMedicationReference) bool {
	for _, r := range m.References {
		if r == ref {
			return true
		}
	}
	return false
}

// MedicationProfile is the single reconciled medication list of a patient.
type MedicationProfile struct {
	Root

	ID          string                 `firestore:"id" json:"id"`
	PatientID   string                 `firestore:"patientId" json:"patientId"`
	Medications []ReconciledMedication `firestore:"medications" json:"medications"`
	UpdatedAt   time.Time              `firestore:"updatedAt" json:"updatedAt"`
}

// NewMedicationProfile returns an empty profile for a patient.
func NewMedicationProfile(patientID string) *MedicationProfile {
	return &MedicationProfile{ID: patientID, PatientID: patientID}
}

func (p *MedicationProfile) Kind() Kind          { return KindMedicationProfile }
func (p *MedicationProfile) AggregateID() string { return p.ID }

// Find returns the medication with an identity key.
func (p *MedicationProfile) Find(identityKey string) (*ReconciledMedication, bool) {
	for i := range p.Medications {
		if p.Medications[i].IdentityKey == identityKey {
			return &p.Medications[i], true
		}
	}
	return nil, false
}

// Resolved returns the medications that are not soft-deleted.
func (p *MedicationProfile) Resolved() []ReconciledMedication {
	out := make([]ReconciledMedication, 0, len(p.Medications))
	for _, m := range p.Medications {
		if !m.Deleted {
			out = append(out, m)
		}
	}
	return out
}

// MarkReconciled records that the profile was merged.
func (p *MedicationProfile) MarkReconciled(source string, now time.Time) {
	p.UpdatedAt = now
	p.record(KindMedicationProfile, p.ID, "MedicationProfileReconciled", map[string]any{
		"source":      source,
		"medications": len(p.Medications),
	})
}

// ClinicalFact is a condition, allergy or immunization read from a page.
type ClinicalFact struct {
	Root

	ID         string         `firestore:"id" json:"id"`
	InstanceID string         `firestore:"instanceId" json:"instanceId"`
	DocumentID string         `firestore:"documentId" json:"documentId"`
	PageID     string         `firestore:"pageId" json:"pageId"`
	PageNumber int            `firestore:"pageNumber" json:"pageNumber"`
	PatientID  string         `firestore:"patientId" json:"patientId"`
	Label      ExtractionType `firestore:"label" json:"label"`
	Name       string         `firestore:"name" json:"name"`
	Code       string         `firestore:"code,omitempty" json:"code,omitempty"`
	Status     string         `firestore:"status,omitempty" json:"status,omitempty"`
	Detail     string         `firestore:"detail,omitempty" json:"detail,omitempty"`
	Date       string         `firestore:"date,omitempty" json:"date,omitempty"`
	CreatedAt  time.Time      `firestore:"createdAt" json:"createdAt"`
}

func (c *ClinicalFact) Kind() Kind          { return KindClinicalFact }
func (c *ClinicalFact) AggregateID() string { return c.ID }
