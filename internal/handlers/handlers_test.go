package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/app"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/dispatch"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/ingest"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/messaging"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/orchestration"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/reconcile"
)

type mockBackend struct{ mock.Mock }

func (m *mockBackend) RunStage(ctx context.Context, stage dispatch.Stage, payload []byte) (orchestration.Outcome, error) {
	args := m.Called(ctx, stage, payload)
	return args.Get(0).(orchestration.Outcome), args.Error(1)
}

func (m *mockBackend) StartOrchestration(ctx context.Context, req models.StartOrchestrationRequest) (models.StartOrchestrationResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.StartOrchestrationResponse), args.Error(1)
}

func (m *mockBackend) Recover(ctx context.Context, logID string) (models.RecoverResponse, error) {
	args := m.Called(ctx, logID)
	return args.Get(0).(models.RecoverResponse), args.Error(1)
}

func (m *mockBackend) ReconcileMedications(ctx context.Context, req models.ReconcileMedicationsRequest) (*models.MedicationProfile, error) {
	args := m.Called(ctx, req)
	profile, _ := args.Get(0).(*models.MedicationProfile)
	return profile, args.Error(1)
}

func (m *mockBackend) HandleRecoveryMessage(ctx context.Context, msg messaging.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockBackend) ProcessUpload(ctx context.Context, e ingest.GCSEvent) (ingest.Result, error) {
	args := m.Called(ctx, e)
	return args.Get(0).(ingest.Result), args.Error(1)
}

func newHandlers(b Backend) *Handlers {
	return New(func(context.Context) (Backend, error) { return b, nil })
}

func post(handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	return rec
}

func TestStage(t *testing.T) {
	payload := `{"documentId":"d","instanceId":"i","pageId":"p","pageNumber":1,"label":"medications"}`
	tests := []struct {
		name       string
		outcome    orchestration.Outcome
		err        error
		wantStatus int
		wantBody   models.StageResponse
	}{
		{
			name:       "completed",
			outcome:    orchestration.Outcome{Result: orchestration.ResultCompleted, Detail: "2 medications"},
			wantStatus: http.StatusOK,
			wantBody:   models.StageResponse{Status: "completed", Message: "2 medications"},
		},
		{
			name:       "step failure is acknowledged",
			outcome:    orchestration.Outcome{Result: orchestration.ResultStepFailed, Detail: "logged as log1"},
			wantStatus: http.StatusOK,
			wantBody:   models.StageResponse{Status: "step_failed", Message: "logged as log1"},
		},
		{
			name:       "infrastructure error is redelivered",
			err:        eris.New("firestore unavailable"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   models.StageResponse{Status: "error", Message: "firestore unavailable"},
		},
		{
			name:       "malformed payload",
			err:        eris.Wrap(app.ErrBadPayload, "extract task"),
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &mockBackend{}
			b.On("RunStage", mock.Anything, dispatch.StageExtract, []byte(payload)).Return(tt.outcome, tt.err)

			rec := post(newHandlers(b).Stage(dispatch.StageExtract), payload)
			assert.Equal(t, tt.wantStatus, rec.Code)
			var got models.StageResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			if tt.wantBody.Status != "" {
				assert.Equal(t, tt.wantBody, got)
			}
			b.AssertExpectations(t)
		})
	}
}

func TestStartOrchestration(t *testing.T) {
	b := &mockBackend{}
	b.On("StartOrchestration", mock.Anything, models.StartOrchestrationRequest{DocumentID: "doc1", Priority: "high"}).
		Return(models.StartOrchestrationResponse{InstanceID: "inst1", Status: models.InstanceInProgress}, nil)
	b.On("StartOrchestration", mock.Anything, models.StartOrchestrationRequest{}).
		Return(models.StartOrchestrationResponse{}, eris.Wrap(orchestration.ErrPermanent, "documentId is required"))
	h := newHandlers(b)

	rec := post(h.StartOrchestration, `{"documentId":"doc1","priority":"high"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.StartOrchestrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "inst1", resp.InstanceID)

	assert.Equal(t, http.StatusBadRequest, post(h.StartOrchestration, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h.StartOrchestration, `not json`).Code)
}

func TestRecover(t *testing.T) {
	b := &mockBackend{}
	b.On("Recover", mock.Anything, "log1").Return(models.RecoverResponse{Result: "dispatched"}, nil)
	b.On("Recover", mock.Anything, "log2").Return(models.RecoverResponse{}, eris.New("dispatch failed"))
	h := newHandlers(b)

	rec := post(h.Recover, `{"logId":"log1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dispatched"`)

	assert.Equal(t, http.StatusInternalServerError, post(h.Recover, `{"logId":"log2"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h.Recover, `{}`).Code)
}

func TestReconcileMedications(t *testing.T) {
	b := &mockBackend{}
	b.On("ReconcileMedications", mock.Anything, mock.MatchedBy(func(r models.ReconcileMedicationsRequest) bool {
		return r.PatientID == "p1"
	})).Return(&models.MedicationProfile{ID: "p1", PatientID: "p1"}, nil)
	b.On("ReconcileMedications", mock.Anything, mock.MatchedBy(func(r models.ReconcileMedicationsRequest) bool {
		return r.PatientID == ""
	})).Return(nil, eris.Wrap(reconcile.ErrInvalidFact, "patient id is required"))
	h := newHandlers(b)

	rec := post(h.ReconcileMedications, `{"patientId":"p1","facts":[{"id":"f1","origin":"user_entered","name":"Aspirin"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"p1"`)

	assert.Equal(t, http.StatusBadRequest, post(h.ReconcileMedications, `{"facts":[]}`).Code)
}

func TestInitializationFailure(t *testing.T) {
	calls := 0
	h := New(func(context.Context) (Backend, error) {
		calls++
		return nil, eris.New("no credentials")
	})
	assert.Equal(t, http.StatusInternalServerError, post(h.Stage(dispatch.StageSplit), `{}`).Code)
	assert.Equal(t, http.StatusInternalServerError, post(h.Recover, `{"logId":"x"}`).Code)
	assert.Equal(t, 1, calls)
}

func pubsubEvent(t *testing.T, data []byte) cloudevents.Event {
	t.Helper()
	e := cloudevents.NewEvent()
	e.SetID("evt-1")
	e.SetSource("//pubsub.googleapis.com/projects/p/topics/docflow-test-recovery")
	e.SetType("google.cloud.pubsub.topic.v1.messagePublished")
	body := map[string]any{
		"message":      map[string]any{"data": data, "orderingKey": "inst1", "messageId": "m1"},
		"subscription": "projects/p/subscriptions/recovery",
	}
	require.NoError(t, e.SetData(cloudevents.ApplicationJSON, body))
	return e
}

func TestRecoveryEvent(t *testing.T) {
	data := []byte(`{"logId":"log1","instanceId":"inst1"}`)
	b := &mockBackend{}
	b.On("HandleRecoveryMessage", mock.Anything, messaging.Message{Data: data, OrderingKey: "inst1"}).Return(nil)

	require.NoError(t, newHandlers(b).RecoveryEvent(context.Background(), pubsubEvent(t, data)))
	b.AssertExpectations(t)
}

func TestRecoveryEventDropsUndecodableData(t *testing.T) {
	b := &mockBackend{}
	e := cloudevents.NewEvent()
	e.SetID("evt-2")
	e.SetSource("test")
	e.SetType("google.cloud.pubsub.topic.v1.messagePublished")
	require.NoError(t, e.SetData(cloudevents.TextPlain, []byte("garbage")))

	assert.NoError(t, newHandlers(b).RecoveryEvent(context.Background(), e))
	b.AssertNotCalled(t, "HandleRecoveryMessage", mock.Anything, mock.Anything)
}

func TestUploadEvent(t *testing.T) {
	b := &mockBackend{}
	b.On("ProcessUpload", mock.Anything, ingest.GCSEvent{Bucket: "incoming", Name: "uploads/a/t/p/f.pdf"}).
		Return(ingest.Result{DocumentID: "doc1"}, nil)

	e := cloudevents.NewEvent()
	e.SetID("evt-3")
	e.SetSource("//storage.googleapis.com/projects/_/buckets/incoming")
	e.SetType("google.cloud.storage.object.v1.finalized")
	require.NoError(t, e.SetData(cloudevents.ApplicationJSON, map[string]string{"bucket": "incoming", "name": "uploads/a/t/p/f.pdf"}))

	require.NoError(t, newHandlers(b).UploadEvent(context.Background(), e))
	b.AssertExpectations(t)
}
