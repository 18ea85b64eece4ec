package orchestration

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
)

// DocumentStatus is the read model behind status queries.
type DocumentStatus struct {
	DocumentID        string                                                       `json:"documentId"`
	Status            models.InstanceStatus                                        `json:"status"`
	OperationStatuses map[string]models.InstanceStatus                             `json:"operationStatuses"`
	Pages             int                                                          `json:"pages"`
	Instance          *models.OperationInstance                                    `json:"instance,omitempty"`
	PageOperations    map[models.ExtractionType]map[models.PageOperationStatus]int `json:"pageOperations,omitempty"`
	FailedLogs        []*models.OperationInstanceLog                               `json:"failedLogs,omitempty"`
}

// Status summarizes a document and its active instance.
func (e *Engine) Status(ctx context.Context, documentID string) (*DocumentStatus, error) {
	doc, err := e.Query.GetDocument(ctx, documentID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestration: load document %s", documentID)
	}
	out := &DocumentStatus{
		DocumentID:        doc.ID,
		Status:            models.MostImportantStatus(statusValues(doc.OperationStatuses)...),
		OperationStatuses: doc.OperationStatuses,
		Pages:             len(doc.Pages),
	}
	activeID := doc.ActiveInstance(e.config.OperationType)
	if activeID == "" {
		return out, nil
	}
	if out.Instance, err = e.Query.GetOperationInstance(ctx, activeID); err != nil {
		return nil, eris.Wrapf(err, "orchestration: load instance %s", activeID)
	}

	ops, err := e.Query.ListPageOperations(ctx, activeID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestration: list page operations of %s", activeID)
	}
	out.PageOperations = map[models.ExtractionType]map[models.PageOperationStatus]int{}
	for _, op := range ops {
		if out.PageOperations[op.ExtractionType] == nil {
			out.PageOperations[op.ExtractionType] = map[models.PageOperationStatus]int{}
		}
		out.PageOperations[op.ExtractionType][op.Status]++
	}

	logs, err := e.Query.ListOperationInstanceLogs(ctx, activeID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestration: list logs of %s", activeID)
	}
	for _, l := range logs {
		if l.Status == models.LogFailed {
			out.FailedLogs = append(out.FailedLogs, l)
		}
	}
	return out, nil
}

func statusValues(m map[string]models.InstanceStatus) []models.InstanceStatus {
	out := make([]models.InstanceStatus, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}
