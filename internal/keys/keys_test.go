package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilder_Collection(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		env    string
		kind   string
		want   string
	}{
		{"full", "docflow", "prod", "page_operations", "docflow_prod_page_operations"},
		{"no env", "docflow", "", "documents", "docflow_documents"},
		{"empty namespace", "", "", "documents", "documents"},
		{"normalizes case and symbols", "DocFlow", "Stage 2", "Medication Profiles", "docflow_stage_2_medication_profiles"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.prefix, tt.env).Collection(tt.kind))
		})
	}
}

func TestBuilder_Queue(t *testing.T) {
	b := New("docflow", "prod")
	assert.Equal(t, "docflow-prod-classification-high", b.Queue("classification", "high"))
	assert.Equal(t, "docflow-prod-extraction-low", b.Queue("extraction", "low"))
	assert.Equal(t, "docflow-prod-extraction-normal", b.Queue("Extraction", "NORMAL"))

	underscored := New("doc_flow", "qa_1")
	assert.Equal(t, "doc-flow-qa-1-classification-normal", underscored.Queue("classification", "normal"))
}

func TestBuilder_Topic(t *testing.T) {
	assert.Equal(t, "docflow-dev-operation-recovery", New("docflow", "dev").Topic("operation_recovery"))
}

func TestBuilder_Deterministic(t *testing.T) {
	a := New("docflow", "prod")
	b := New("docflow", "prod")
	assert.Equal(t, a.Collection("documents"), b.Collection("documents"))
	assert.Equal(t, a.Queue("extraction", "high"), b.Queue("extraction", "high"))
}

func TestIDs(t *testing.T) {
	assert.Equal(t, "inst-1_page-1_medications", PageOperationID("inst-1", "page-1", "medications"))
	assert.Equal(t, "inst-1:classification:3", LogIdentity("inst-1", "classification", 3, ""))
	assert.Equal(t, "inst-1:medication_extraction:3:medications", LogIdentity("inst-1", "medication_extraction", 3, "medications"))
	assert.Equal(t, "documentoperationinstancelog_inst-1:split:0", RetryConfigID("inst-1:split:0", "DocumentOperationInstanceLog"))
	assert.Equal(t, "inst-1_page-2_med_004", ExtractedMedicationID("inst-1", "page-2", 4))
	assert.Equal(t, "inst-1_page-2_allergies_000", ClinicalFactID("inst-1", "page-2", "allergies", 0))
	assert.Equal(t, "app-a_tenant-b", TenantConfigID("App A", "tenant_b"))
}

func TestBlobKeys(t *testing.T) {
	assert.Equal(t, "documents/doc-1/source.pdf", SourceBlob("doc-1"))
	assert.Equal(t, "documents/doc-1/pages/00012.pdf", PageBlob("doc-1", 12))
	assert.Equal(t, "reports/doc-1/inst-1.md", ReportBlob("doc-1", "inst-1"))
}
