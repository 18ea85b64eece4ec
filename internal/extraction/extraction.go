// Package extraction is the port to the model that reads clinical pages.
package extraction

import (
	"context"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
)

// PageInput is one single-page PDF with the step configuration to apply.
type PageInput struct {
	DocumentID string
	PageNumber int
	PDF        []byte
	Prompt     string
	Model      string
}

// Classification is the page type assigned to a page.
type Classification struct {
	PageType   string  `json:"pageType"`
	Confidence float64 `json:"confidence"`
}

// Fact is a condition, allergy or immunization as returned by the model.
type Fact struct {
	Name   string `json:"name"`
	Code   string `json:"code,omitempty"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
	Date   string `json:"date,omitempty"`
}

// LabelResult is what one labelled extraction found on a page. Only the
// medications label fills Medications; the other labels fill Facts.
type LabelResult struct {
	Medications []models.MedicationFact `json:"medications,omitempty"`
	Facts       []Fact                  `json:"facts,omitempty"`
}

// Extractor is the extraction port.
type Extractor interface {
	ClassifyPage(ctx context.Context, in PageInput) (Classification, error)
	ExtractLabel(ctx context.Context, label models.ExtractionType, in PageInput) (LabelResult, error)
}
