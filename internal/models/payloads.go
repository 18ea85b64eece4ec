package models

// These structs define the JSON payloads exchanged between the task queues,
// the recovery topic and the orchestrator functions.

// StartOrchestrationRequest is the input of the start-orchestration function.
type StartOrchestrationRequest struct {
	DocumentID       string `json:"documentId"`
	Priority         string `json:"priority,omitempty"`
	ForceNewInstance bool   `json:"forceNewInstance,omitempty"`
}

func (StartOrchestrationRequest) CommandName() string { return "StartOrchestration" }

// StartOrchestrationResponse is returned once the instance is persisted.
type StartOrchestrationResponse struct {
	InstanceID string         `json:"instanceId"`
	Status     InstanceStatus `json:"status"`
	Existing   bool           `json:"existing"`
}

// SplitDocumentTask is the payload of the split stage.
type SplitDocumentTask struct {
	DocumentID string   `json:"documentId"`
	InstanceID string   `json:"instanceId"`
	Priority   Priority `json:"priority"`
}

// ClassifyPageTask is the payload of the classification stage for one page.
type ClassifyPageTask struct {
	DocumentID string   `json:"documentId"`
	InstanceID string   `json:"instanceId"`
	PageID     string   `json:"pageId"`
	PageNumber int      `json:"pageNumber"`
	Priority   Priority `json:"priority"`
}

// ExtractLabelTask is the payload of the labelled extraction stage for one page.
type ExtractLabelTask struct {
	DocumentID string         `json:"documentId"`
	InstanceID string         `json:"instanceId"`
	PageID     string         `json:"pageId"`
	PageNumber int            `json:"pageNumber"`
	Label      ExtractionType `json:"label"`
	Priority   Priority       `json:"priority"`
}

// RecoveryMessage is published on the recovery topic when a step fails.
type RecoveryMessage struct {
	LogID      string `json:"logId"`
	InstanceID string `json:"instanceId"`
	DocumentID string `json:"documentId"`
	StepID     StepID `json:"stepId"`
}

// ReconcileMedicationsRequest is the input of the reconcile-medications function.
type ReconcileMedicationsRequest struct {
	PatientID string           `json:"patientId"`
	Facts     []MedicationFact `json:"facts"`
}

func (ReconcileMedicationsRequest) CommandName() string { return "ReconcileMedications" }

// RecoverRequest is the input of the recover function.
type RecoverRequest struct {
	LogID string `json:"logId"`
}

func (RecoverRequest) CommandName() string { return "Recover" }

// RecoverResponse reports what a recovery request did.
type RecoverResponse struct {
	Result string `json:"result"`
	Detail string `json:"detail,omitempty"`
}

// StageResponse is returned by every stage handler.
type StageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
