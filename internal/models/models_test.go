package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMostImportantStatus(t *testing.T) {
	tests := []struct {
		name string
		in   []InstanceStatus
		want InstanceStatus
	}{
		{"empty", nil, InstanceNotStarted},
		{"all completed", []InstanceStatus{InstanceCompleted, InstanceCompleted}, InstanceCompleted},
		{"failed wins", []InstanceStatus{InstanceCompleted, InstanceFailed, InstanceInProgress}, InstanceFailed},
		{"in progress over not started", []InstanceStatus{InstanceNotStarted, InstanceInProgress}, InstanceInProgress},
		{"not started over completed", []InstanceStatus{InstanceCompleted, InstanceNotStarted}, InstanceNotStarted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MostImportantStatus(tt.in...))
		})
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestPageOperation_Transitions(t *testing.T) {
	op := NewPageOperation("inst1", "doc1", Page{ID: "p1", Number: 1}, ExtractionClassification, now)
	assert.Equal(t, "inst1_p1_classification", op.ID)
	assert.True(t, op.Claimable())

	require.NoError(t, op.Claim(now))
	assert.Equal(t, PageOpInProgress, op.Status)
	assert.Equal(t, 1, op.Attempts)
	assert.False(t, op.Claimable())

	err := op.Claim(now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, op.Fail("model timeout", now))
	assert.Equal(t, PageOpFailed, op.Status)
	assert.Equal(t, "model timeout", op.Error)
	assert.False(t, op.Claimable(), "failed operations are only reopened by recovery")

	require.NoError(t, op.Requeue(now))
	assert.Equal(t, PageOpQueued, op.Status)
	assert.Empty(t, op.Error)

	require.NoError(t, op.Claim(now))
	require.NoError(t, op.Complete(now))
	assert.Equal(t, 2, op.Attempts)
	assert.True(t, op.Status.Terminal())

	assert.ErrorIs(t, op.Requeue(now), ErrInvalidTransition)
	assert.ErrorIs(t, op.Complete(now), ErrInvalidTransition)
	assert.Len(t, op.PendingEvents(), 6)
}

func TestOperationInstance_Lifecycle(t *testing.T) {
	doc := &Document{ID: "doc1"}
	def := &OperationDefinition{ID: "def1", OperationType: OperationTypeMedicationExtraction}
	inst := NewOperationInstance("inst1", doc, def, PriorityHigh, now)
	assert.Equal(t, InstanceNotStarted, inst.Status)

	assert.ErrorIs(t, inst.Complete(now), ErrInvalidTransition)
	require.NoError(t, inst.Start(now))
	assert.ErrorIs(t, inst.Start(now), ErrInvalidTransition)

	require.NoError(t, inst.Complete(now))
	require.NotNil(t, inst.CompletedAt)
	require.NoError(t, inst.Complete(now), "completing twice is a no-op")

	require.NoError(t, inst.Reopen(now))
	assert.Equal(t, InstanceInProgress, inst.Status)
	assert.Nil(t, inst.CompletedAt)

	inst.Fail("no pages", now)
	assert.Equal(t, InstanceFailed, inst.Status)
	assert.Equal(t, "no pages", inst.Error)
	assert.ErrorIs(t, inst.Reopen(now), ErrInvalidTransition)
}

func TestDocument_AppendPagesAndStatus(t *testing.T) {
	doc := &Document{ID: "doc1"}
	doc.AppendPages(Page{ID: "b", Number: 2}, Page{ID: "a", Number: 1})
	doc.AppendPages(Page{ID: "dup", Number: 2})
	require.Len(t, doc.Pages, 2)
	assert.Equal(t, "a", doc.Pages[0].ID)
	assert.Equal(t, "b", doc.Pages[1].ID)

	doc.SetPageType("a", "medication_list")
	p, ok := doc.PageByID("a")
	require.True(t, ok)
	assert.Equal(t, "medication_list", p.PageType)

	doc.Activate(OperationTypeMedicationExtraction, "inst1", now)
	assert.Equal(t, "inst1", doc.ActiveInstance(OperationTypeMedicationExtraction))
	assert.Equal(t, InstanceInProgress, doc.Status)

	assert.True(t, doc.SetOperationStatus("summarization", InstanceCompleted, now))
	assert.Equal(t, InstanceInProgress, doc.Status)
	assert.False(t, doc.SetOperationStatus("summarization", InstanceCompleted, now))

	doc.SetOperationStatus(OperationTypeMedicationExtraction, InstanceCompleted, now)
	assert.Equal(t, InstanceCompleted, doc.Status)
}

func TestMedicationFact_IdentityKey(t *testing.T) {
	assert.Equal(t, "catalog:12345", MedicationFact{ID: "f1", CatalogID: 12345}.IdentityKey())
	assert.Equal(t, "unlisted:f1", MedicationFact{ID: "f1"}.IdentityKey())
	assert.NotEqual(t, MedicationFact{ID: "f1"}.IdentityKey(), MedicationFact{ID: "f2"}.IdentityKey())
}

func TestOriginPrecedence(t *testing.T) {
	assert.Greater(t, OriginUserEntered.Precedence(), OriginImported.Precedence())
	assert.Greater(t, OriginImported.Precedence(), OriginExtracted.Precedence())
	assert.Zero(t, Origin("scanned").Precedence())
}

func TestMedicationProfile_Resolved(t *testing.T) {
	p := NewMedicationProfile("pat1")
	p.Medications = []ReconciledMedication{
		{IdentityKey: "catalog:1"},
		{IdentityKey: "catalog:2", Deleted: true},
	}
	resolved := p.Resolved()
	require.Len(t, resolved, 1)
	assert.Equal(t, "catalog:1", resolved[0].IdentityKey)

	_, ok := p.Find("catalog:2")
	assert.True(t, ok, "deleted records are retained")
}

func TestEntityRetryConfig(t *testing.T) {
	c := NewEntityRetryConfig("inst1:classification:3", RetryEntityTypeInstanceLog, now)
	assert.Equal(t, "documentoperationinstancelog_inst1:classification:3", c.ID)
	assert.False(t, c.Exhausted(1))
	c.Increment(now)
	assert.True(t, c.Exhausted(1))
	assert.False(t, c.Exhausted(2))
}

func TestTenantConfig_Enabled(t *testing.T) {
	cfg := &TenantConfig{ExtractConditions: true}
	assert.True(t, cfg.Enabled(""))
	assert.True(t, cfg.Enabled(ConfigExtractConditions))
	assert.False(t, cfg.Enabled(ConfigExtractAllergies))
	assert.False(t, cfg.Enabled("unknown"))
}

func TestOperationInstanceLog_UniqueIdentifier(t *testing.T) {
	l := &OperationInstanceLog{InstanceID: "inst1", StepID: StepMedicationExtraction, PageNumber: 2, ExtractionType: ExtractionMedications}
	assert.Equal(t, "inst1:medication_extraction:2:medications", l.UniqueIdentifier())

	l2 := &OperationInstanceLog{InstanceID: "inst1", StepID: StepSplit}
	assert.Equal(t, "inst1:split:0", l2.UniqueIdentifier())
}
