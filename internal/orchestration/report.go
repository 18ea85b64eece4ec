package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
)

const pageSeparator = "\n\n---\n\n"

// writeReport stores a markdown summary of what the instance extracted, one
// section per page in page order. Failures are logged; the run is already complete.
func (e *Engine) writeReport(ctx context.Context, doc *models.Document, inst *models.OperationInstance, ops []*models.PageOperation) {
	log := zap.L().With(zap.String("documentId", doc.ID), zap.String("instanceId", inst.ID))

	meds, err := e.Query.ListExtractedMedications(ctx, inst.ID)
	if err != nil {
		log.Error("orchestration: report skipped, could not list medications", zap.Error(err))
		return
	}
	facts, err := e.Query.ListClinicalFacts(ctx, inst.ID)
	if err != nil {
		log.Error("orchestration: report skipped, could not list clinical facts", zap.Error(err))
		return
	}

	body := renderReport(doc, inst, ops, meds, facts)
	key := keys.ReportBlob(doc.ID, inst.ID)
	if err := e.Blobs.Put(ctx, key, []byte(body), "text/markdown"); err != nil {
		log.Error("orchestration: failed to write report", zap.String("key", key), zap.Error(err))
		return
	}
	log.Info("orchestration: report written", zap.String("key", key))
}

func renderReport(doc *models.Document, inst *models.OperationInstance, ops []*models.PageOperation, meds []*models.ExtractedMedication, facts []*models.ClinicalFact) string {
	medsByPage := map[string][]*models.ExtractedMedication{}
	for _, m := range meds {
		medsByPage[m.PageID] = append(medsByPage[m.PageID], m)
	}
	factsByPage := map[string][]*models.ClinicalFact{}
	for _, f := range facts {
		factsByPage[f.PageID] = append(factsByPage[f.PageID], f)
	}
	opsByPage := map[string][]*models.PageOperation{}
	for _, op := range ops {
		opsByPage[op.PageID] = append(opsByPage[op.PageID], op)
	}

	pages := append([]models.Page(nil), doc.Pages...)
	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })

	sections := make([]string, 0, len(pages)+1)
	var head strings.Builder
	fmt.Fprintf(&head, "# Extraction report\n\n")
	fmt.Fprintf(&head, "- Document: %s\n", doc.ID)
	if doc.OriginalFilename != "" {
		fmt.Fprintf(&head, "- File: %s\n", doc.OriginalFilename)
	}
	fmt.Fprintf(&head, "- Instance: %s (%s)\n", inst.ID, inst.DefinitionID)
	fmt.Fprintf(&head, "- Pages: %d", len(pages))
	sections = append(sections, head.String())

	for _, p := range pages {
		var b strings.Builder
		pageType := p.PageType
		if pageType == "" {
			pageType = "unclassified"
		}
		fmt.Fprintf(&b, "## Page %d (%s)\n", p.Number, pageType)

		for _, op := range opsByPage[p.ID] {
			if op.Status == models.PageOpFailed {
				fmt.Fprintf(&b, "\n> %s failed: %s\n", op.ExtractionType, op.Error)
			}
		}
		if list := medsByPage[p.ID]; len(list) > 0 {
			sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
			b.WriteString("\n### Medications\n")
			for _, m := range list {
				fmt.Fprintf(&b, "- %s\n", joinNonEmpty(m.Name, m.Dosage, m.Route, m.Frequency))
			}
		}
		byLabel := map[models.ExtractionType][]*models.ClinicalFact{}
		for _, f := range factsByPage[p.ID] {
			byLabel[f.Label] = append(byLabel[f.Label], f)
		}
		for _, l := range labels {
			list := byLabel[l.Label]
			if len(list) == 0 {
				continue
			}
			sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
			fmt.Fprintf(&b, "\n### %s\n", titleCase(string(l.Label)))
			for _, f := range list {
				fmt.Fprintf(&b, "- %s\n", joinNonEmpty(f.Name, f.Code, f.Status, f.Detail, f.Date))
			}
		}
		sections = append(sections, strings.TrimRight(b.String(), "\n"))
	}
	return strings.Join(sections, pageSeparator) + "\n"
}

func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
