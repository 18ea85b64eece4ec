package models

import (
	"sort"
	"time"
)

// OperationTypeMedicationExtraction is the pipeline that splits, classifies and
// extracts clinical facts from a document and reconciles its medications.
const OperationTypeMedicationExtraction = "medication_extraction"

// Document represents an uploaded clinical PDF in Firestore. Pages are appended
// by the split stage; statuses are only mutated by the orchestration engine.
type Document struct {
	Root

	ID               string    `firestore:"id" json:"id"`
	AppID            string    `firestore:"appId" json:"appId"`
	TenantID         string    `firestore:"tenantId" json:"tenantId"`
	PatientID        string    `firestore:"patientId" json:"patientId"`
	FileHash         string    `firestore:"fileHash,omitempty" json:"fileHash,omitempty"`
	OriginalFilename string    `firestore:"originalFilename,omitempty" json:"originalFilename,omitempty"`
	SourceBlobKey    string    `firestore:"sourceBlobKey" json:"sourceBlobKey"`
	Priority         Priority  `firestore:"priority" json:"priority"`
	Pages            []Page    `firestore:"pages" json:"pages"`
	CreatedAt        time.Time `firestore:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time `firestore:"updatedAt" json:"updatedAt"`

	// Status is the most important of OperationStatuses.
	Status            InstanceStatus            `firestore:"status" json:"status"`
	OperationStatuses map[string]InstanceStatus `firestore:"operationStatuses" json:"operationStatuses"`
	ActiveInstances   map[string]string         `firestore:"activeInstances" json:"activeInstances"`
	ErrorDetails      string                    `firestore:"errorDetails,omitempty" json:"errorDetails,omitempty"`
}

// Page is a single split page of a Document.
type Page struct {
	ID        string    `firestore:"id" json:"id"`
	Number    int       `firestore:"number" json:"number"`
	BlobKey   string    `firestore:"blobKey" json:"blobKey"`
	PageType  string    `firestore:"pageType,omitempty" json:"pageType,omitempty"`
	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
}

func (d *Document) Kind() Kind          { return KindDocument }
func (d *Document) AggregateID() string { return d.ID }

// AppendPages adds pages in page-number order, ignoring numbers already present.
func (d *Document) AppendPages(pages ...Page) {
	for _, p := range pages {
		if _, ok := d.PageByNumber(p.Number); ok {
			continue
		}
		d.Pages = append(d.Pages, p)
	}
	sort.Slice(d.Pages, func(i, j int) bool { return d.Pages[i].Number < d.Pages[j].Number })
	d.record(KindDocument, d.ID, "DocumentPagesAppended", map[string]any{"pageCount": len(d.Pages)})
}

// PageByID returns the page with the given id.
func (d *Document) PageByID(id string) (Page, bool) {
	for _, p := range d.Pages {
		if p.ID == id {
			return p, true
		}
	}
	return Page{}, false
}

// PageByNumber returns the page with the given 1-based number.
func (d *Document) PageByNumber(n int) (Page, bool) {
	for _, p := range d.Pages {
		if p.Number == n {
			return p, true
		}
	}
	return Page{}, false
}

// SetPageType records the classification of a page.
func (d *Document) SetPageType(pageID, pageType string) {
	for i := range d.Pages {
		if d.Pages[i].ID == pageID {
			d.Pages[i].PageType = pageType
		}
	}
}

// ActiveInstance returns the active instance id for an operation type.
func (d *Document) ActiveInstance(operationType string) string {
	return d.ActiveInstances[operationType]
}

// Activate points the document at a new instance for an operation type.
func (d *Document) Activate(operationType, instanceID string, now time.Time) {
	if d.ActiveInstances == nil {
		d.ActiveInstances = map[string]string{}
	}
	d.ActiveInstances[operationType] = instanceID
	d.SetOperationStatus(operationType, InstanceInProgress, now)
}

// SetOperationStatus updates the snapshot for one operation type and re-resolves
// the document status. It reports whether anything changed.
func (d *Document) SetOperationStatus(operationType string, status InstanceStatus, now time.Time) bool {
	if d.OperationStatuses == nil {
		d.OperationStatuses = map[string]InstanceStatus{}
	}
	if d.OperationStatuses[operationType] == status {
		return false
	}
	d.OperationStatuses[operationType] = status
	statuses := make([]InstanceStatus, 0, len(d.OperationStatuses))
	for _, s := range d.OperationStatuses {
		statuses = append(statuses, s)
	}
	d.Status = MostImportantStatus(statuses...)
	d.UpdatedAt = now
	d.record(KindDocument, d.ID, "DocumentOperationStatusChanged", map[string]any{
		"operationType":  operationType,
		"status":         string(status),
		"documentStatus": string(d.Status),
	})
	return true
}
