// Package reconcile merges medication facts from extraction, imports and user
// edits into one profile per patient.
//
// Facts describing the same medication share an identity key: the catalog id
// when the fact has one, otherwise the fact's own id. On a collision the origin
// with the higher precedence (user_entered > imported > extracted) owns each
// display field it sets, while every extracted back-reference is kept. The
// winner is tracked per field, so the result does not depend on the order in
// which batches arrive.
package reconcile

import (
	"maps"
	"reflect"
	"slices"
	"sort"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
)

// Reconcile returns a copy of profile with the facts merged in. The input
// profile is not modified and may be nil. Applying the same facts twice gives
// the same result.
func Reconcile(profile *models.MedicationProfile, extracted, userEntered, imported []models.MedicationFact) *models.MedicationProfile {
	out := clone(profile)

	batch := make([]models.MedicationFact, 0, len(extracted)+len(imported)+len(userEntered))
	batch = append(batch, withOrigin(extracted, models.OriginExtracted)...)
	batch = append(batch, withOrigin(imported, models.OriginImported)...)
	batch = append(batch, withOrigin(userEntered, models.OriginUserEntered)...)
	// Lowest precedence first so that within one batch the stronger origin is applied last.
	sort.SliceStable(batch, func(i, j int) bool {
		pi, pj := batch[i].Origin.Precedence(), batch[j].Origin.Precedence()
		if pi != pj {
			return pi < pj
		}
		return batch[i].ID < batch[j].ID
	})

	for _, f := range batch {
		merge(out, f)
	}
	return out
}

// Changed reports whether reconciling produced a different medication list.
func Changed(before, after *models.MedicationProfile) bool {
	if len(before.Medications) == 0 && len(after.Medications) == 0 {
		return false
	}
	return !reflect.DeepEqual(before.Medications, after.Medications)
}

func merge(p *models.MedicationProfile, f models.MedicationFact) {
	key := f.IdentityKey()
	m, ok := p.Find(key)
	if !ok {
		p.Medications = append(p.Medications, newReconciled(f, key))
		return
	}

	applyFields(m, f)
	if f.Origin.Precedence() >= m.Origin.Precedence() {
		m.Origin = f.Origin
	}
	if f.Origin == models.OriginUserEntered {
		m.Deleted = f.Deleted
	}
	if f.Reference != nil && !m.HasReference(*f.Reference) {
		m.References = append(m.References, *f.Reference)
	}
}

func newReconciled(f models.MedicationFact, key string) models.ReconciledMedication {
	m := models.ReconciledMedication{
		IdentityKey:        key,
		Origin:             f.Origin,
		CatalogID:          f.CatalogID,
		CatalogMatchStatus: models.CatalogUnlisted,
		References:         []models.ExtractedMedicationReference{},
		Deleted:            f.Origin == models.OriginUserEntered && f.Deleted,
	}
	applyFields(&m, f)
	if f.CatalogID != 0 {
		m.CatalogMatchStatus = models.CatalogMatched
	}
	if f.Reference != nil {
		m.References = append(m.References, *f.Reference)
	}
	return m
}

// applyFields copies each non-empty field of f whose origin ranks at least as
// high as the origin that set the current value.
func applyFields(m *models.ReconciledMedication, f models.MedicationFact) {
	for _, df := range displayFields {
		v := *df.ptr(&f.MedicationFields)
		if v == "" {
			continue
		}
		cur := df.ptr(&m.MedicationFields)
		if *cur != "" && f.Origin.Precedence() < fieldOrigin(m, df.name).Precedence() {
			continue
		}
		*cur = v
		if m.FieldOrigins == nil {
			m.FieldOrigins = map[string]models.Origin{}
		}
		m.FieldOrigins[df.name] = f.Origin
	}
}

// fieldOrigin falls back to the record origin for profiles written before
// field origins were tracked.
func fieldOrigin(m *models.ReconciledMedication, name string) models.Origin {
	if o, ok := m.FieldOrigins[name]; ok {
		return o
	}
	return m.Origin
}

var displayFields = []struct {
	name string
	ptr  func(*models.MedicationFields) *string
}{
	{"name", func(f *models.MedicationFields) *string { return &f.Name }},
	{"dosage", func(f *models.MedicationFields) *string { return &f.Dosage }},
	{"route", func(f *models.MedicationFields) *string { return &f.Route }},
	{"frequency", func(f *models.MedicationFields) *string { return &f.Frequency }},
	{"form", func(f *models.MedicationFields) *string { return &f.Form }},
	{"instructions", func(f *models.MedicationFields) *string { return &f.Instructions }},
	{"startDate", func(f *models.MedicationFields) *string { return &f.StartDate }},
	{"endDate", func(f *models.MedicationFields) *string { return &f.EndDate }},
}

func withOrigin(facts []models.MedicationFact, o models.Origin) []models.MedicationFact {
	out := make([]models.MedicationFact, len(facts))
	for i, f := range facts {
		f.Origin = o
		out[i] = f
	}
	return out
}

func clone(p *models.MedicationProfile) *models.MedicationProfile {
	if p == nil {
		return models.NewMedicationProfile("")
	}
	out := *p
	out.Medications = slices.Clone(p.Medications)
	for i := range out.Medications {
		out.Medications[i].References = slices.Clone(out.Medications[i].References)
		out.Medications[i].FieldOrigins = maps.Clone(out.Medications[i].FieldOrigins)
	}
	return &out
}
