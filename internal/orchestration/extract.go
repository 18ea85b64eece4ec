package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/dispatch"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/extraction"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

// label describes one labelled extraction: which step configures it and which
// tenant switch enables it. An empty ConfigKey is always enabled.
type label struct {
	Label     models.ExtractionType
	StepID    models.StepID
	ConfigKey string
}

var labels = []label{
	{Label: models.ExtractionMedications, StepID: models.StepMedicationExtraction},
	{Label: models.ExtractionConditions, StepID: models.StepConditionExtraction, ConfigKey: models.ConfigExtractConditions},
	{Label: models.ExtractionAllergies, StepID: models.StepAllergyExtraction, ConfigKey: models.ConfigExtractAllergies},
	{Label: models.ExtractionImmunizations, StepID: models.StepImmunizationExtraction, ConfigKey: models.ConfigExtractImmunizations},
}

func labelFor(t models.ExtractionType) (label, bool) {
	for _, l := range labels {
		if l.Label == t {
			return l, true
		}
	}
	return label{}, false
}

func enabledLabels(tenant *models.TenantConfig) []label {
	var out []label
	for _, l := range labels {
		if tenant.Enabled(l.ConfigKey) {
			out = append(out, l)
		}
	}
	return out
}

func (e *Engine) extractLabel(ctx context.Context, t models.ExtractLabelTask) (Outcome, error) {
	o := Outcome{Stage: dispatch.StageExtract, DocumentID: t.DocumentID, InstanceID: t.InstanceID, PageNumber: t.PageNumber, Label: t.Label}

	variant, ok := labelFor(t.Label)
	if !ok {
		return o.with(ResultSkipped, "unknown label"), nil
	}
	op, err := e.Query.GetPageOperation(ctx, keys.PageOperationID(t.InstanceID, t.PageID, string(t.Label)))
	if errors.Is(err, store.ErrNotFound) {
		return o.with(ResultSkipped, "no page operation for label"), nil
	}
	if err != nil {
		return o, eris.Wrap(err, "orchestration: load label operation")
	}

	inst, doc, err := e.loadRun(ctx, t.InstanceID, t.DocumentID)
	if err != nil {
		return o, err
	}
	if !op.Claimable() {
		return e.skipClaimed(ctx, o, inst, op)
	}
	if inst.Status == models.InstanceFailed {
		return o.with(ResultSkipped, "instance failed"), nil
	}
	claimed, err := e.claim(ctx, op)
	if err != nil {
		return o, err
	}
	if !claimed {
		return o.with(ResultSkipped, "claimed by another delivery"), nil
	}

	cfg, err := e.stepConfig(ctx, inst, variant.StepID)
	if err != nil {
		if errors.Is(err, ErrPermanent) {
			return e.failInstance(ctx, o, inst, variant.StepID, err)
		}
		return e.failStep(ctx, o, inst, op, variant.StepID, err)
	}
	page, ok := doc.PageByID(op.PageID)
	if !ok {
		return e.failInstance(ctx, o, inst, variant.StepID, eris.Wrapf(ErrPermanent, "page %s is not part of document %s", op.PageID, doc.ID))
	}
	data, err := e.Blobs.Get(ctx, page.BlobKey)
	if err != nil {
		return e.failStep(ctx, o, inst, op, models.StepOCR, eris.Wrapf(err, "download page %d", page.Number))
	}

	res, err := e.Extractor.ExtractLabel(ctx, variant.Label, extraction.PageInput{
		DocumentID: doc.ID,
		PageNumber: page.Number,
		PDF:        data,
		Prompt:     cfg.Prompt,
		Model:      cfg.Model,
	})
	if err != nil {
		return e.failStep(ctx, o, inst, op, variant.StepID, err)
	}

	var found int
	err = e.Units.Run(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		now := e.now()
		if err := op.Complete(now); err != nil {
			return err
		}
		u.Update(op)
		found = e.persistFacts(u, inst, doc, page, variant.Label, res, now)
		done := e.newLog(inst, op, variant.StepID, models.LogCompleted)
		done.Context["found"] = fmt.Sprint(found)
		u.Add(done)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrWriteConflict) || errors.Is(err, store.ErrAlreadyExists) || errors.Is(err, models.ErrInvalidTransition) {
			return e.failStep(ctx, o, inst, op, variant.StepID, err)
		}
		return o, eris.Wrap(err, "orchestration: commit extraction")
	}

	o = o.with(ResultCompleted, fmt.Sprintf("%d facts", found))
	return e.joinAfter(ctx, o, inst.ID)
}

// persistFacts registers what the extractor found on a page. IDs derive from
// (instance, page, index) so a second write of the same page collides.
func (e *Engine) persistFacts(u *uow.UnitOfWork, inst *models.OperationInstance, doc *models.Document, page models.Page, l models.ExtractionType, res extraction.LabelResult, now time.Time) int {
	if l == models.ExtractionMedications {
		for i, f := range res.Medications {
			id := keys.ExtractedMedicationID(inst.ID, page.ID, i+1)
			f.ID = id
			f.Origin = models.OriginExtracted
			f.Deleted = false
			f.Reference = &models.ExtractedMedicationReference{
				DocumentID: doc.ID,
				PageNumber: page.Number,
				InstanceID: inst.ID,
			}
			u.Add(&models.ExtractedMedication{
				MedicationFact: f,
				InstanceID:     inst.ID,
				PageID:         page.ID,
				PatientID:      doc.PatientID,
				CreatedAt:      now,
			})
		}
		return len(res.Medications)
	}
	for i, f := range res.Facts {
		u.Add(&models.ClinicalFact{
			ID:         keys.ClinicalFactID(inst.ID, page.ID, string(l), i+1),
			InstanceID: inst.ID,
			DocumentID: doc.ID,
			PageID:     page.ID,
			PageNumber: page.Number,
			PatientID:  doc.PatientID,
			Label:      l,
			Name:       f.Name,
			Code:       f.Code,
			Status:     f.Status,
			Detail:     f.Detail,
			Date:       f.Date,
			CreatedAt:  now,
		})
	}
	return len(res.Facts)
}
