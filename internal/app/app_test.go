package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/config"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/dispatch"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/extraction"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/ingest"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/metrics"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/orchestration"
)

const definitionsYAML = `
definitions:
  - id: medext-v1
    operation_type: medication_extraction
    revision: 1
    steps:
      classification:
        prompt: Classify the page.
        model: gemini-test
      medication_extraction:
        prompt: List every medication.
        model: gemini-test
`

type pagesSplitter int

func (n pagesSplitter) Split(_ context.Context, _ []byte) ([][]byte, error) {
	out := make([][]byte, int(n))
	for i := range out {
		out[i] = []byte{byte('1' + i)}
	}
	return out, nil
}

// scriptedExtractor finds one medication on every page. Pages listed in
// failOnce fail their first medication extraction.
type scriptedExtractor struct {
	mu       sync.Mutex
	failOnce map[int]bool
	calls    map[int]int
}

func (s *scriptedExtractor) ClassifyPage(_ context.Context, _ extraction.PageInput) (extraction.Classification, error) {
	return extraction.Classification{PageType: "medication_list"}, nil
}

func (s *scriptedExtractor) ExtractLabel(_ context.Context, label models.ExtractionType, in extraction.PageInput) (extraction.LabelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[int]int{}
	}
	s.calls[in.PageNumber]++
	if label != models.ExtractionMedications {
		return extraction.LabelResult{}, nil
	}
	if s.failOnce[in.PageNumber] && s.calls[in.PageNumber] == 1 {
		return extraction.LabelResult{}, eris.New("model timed out")
	}
	return extraction.LabelResult{Medications: []models.MedicationFact{{
		MedicationFields: models.MedicationFields{Name: "Lisinopril", Dosage: "10 mg"},
		CatalogID:        777,
	}}}, nil
}

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "definitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(definitionsYAML), 0o644))
	return &config.Config{
		Namespace: config.NamespaceConfig{Prefix: "docflow", Env: "test"},
		Store:     config.StoreConfig{Driver: "memory"},
		Blob:      config.BlobConfig{Driver: "memory"},
		Dispatch:  config.DispatchConfig{Driver: "local", PoolSize: 4, MaxAttempts: 2, LocalBackoff: time.Millisecond},
		Messaging: config.MessagingConfig{Driver: "memory", RecoveryTopic: "recovery"},
		Retry:     config.RetryConfig{MaxRetries: 3},
		Tenant:    config.TenantDefaults{RetriesEnabled: true},
		Ingest:    config.IngestConfig{AutoStart: true, Priority: "normal"},
		Pipeline: config.PipelineConfig{
			OperationType:     models.OperationTypeMedicationExtraction,
			UploadConcurrency: 2,
			DefinitionsFile:   path,
		},
	}
}

func newLocalApp(t *testing.T, cfg *config.Config, pages int, ext extraction.Extractor) (*App, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	rec, err := metrics.New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	a, err := New(context.Background(), cfg, WithExtractor(ext), WithSplitter(pagesSplitter(pages)), WithMetrics(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, reader
}

func upload(t *testing.T, a *App, name string) ingest.Result {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.Uploads.ForBucket("incoming").Put(ctx, name, []byte("%PDF-1.7 "+name), "application/pdf"))
	res, err := a.Ingest.Process(ctx, ingest.GCSEvent{Bucket: "incoming", Name: name})
	require.NoError(t, err)
	require.NotEmpty(t, res.InstanceID)
	return res
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	cfg := localConfig(t)
	cfg.Messaging.Driver = "carrier-pigeon"
	_, err := New(context.Background(), cfg, WithExtractor(&scriptedExtractor{}), WithSplitter(pagesSplitter(1)))
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestNew_SeedsDefinitionsIntoMemoryStore(t *testing.T) {
	a, _ := newLocalApp(t, localConfig(t), 1, &scriptedExtractor{})
	def, err := a.Registry.Resolve(context.Background(), models.OperationTypeMedicationExtraction)
	require.NoError(t, err)
	assert.Equal(t, "medext-v1", def.ID)
}

func TestUploadRunsToCompletionOnLocalPool(t *testing.T) {
	a, _ := newLocalApp(t, localConfig(t), 2, &scriptedExtractor{})
	ctx := context.Background()

	res := upload(t, a, "uploads/app/tenant/patient1/meds.pdf")
	a.Local.Wait()
	assert.Zero(t, a.Local.Failed())

	status, err := a.Engine.Status(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, status.Status)
	assert.Equal(t, 2, status.Pages)

	profile, err := a.Store.GetMedicationProfile(ctx, "patient1")
	require.NoError(t, err)
	require.Len(t, profile.Medications, 1)
	assert.Len(t, profile.Medications[0].References, 2)
}

func TestStepFailureIsRecoveredThroughTopic(t *testing.T) {
	ext := &scriptedExtractor{failOnce: map[int]bool{2: true}}
	a, _ := newLocalApp(t, localConfig(t), 2, ext)
	ctx := context.Background()

	res := upload(t, a, "uploads/app/tenant/patient2/meds.pdf")
	a.Local.Wait()

	inst, err := a.Store.GetOperationInstance(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, inst.Status)

	counter, err := a.Store.GetEntityRetryConfig(ctx, res.InstanceID+":medication_extraction:2:medications", models.RetryEntityTypeInstanceLog)
	require.NoError(t, err)
	assert.Equal(t, 1, counter.RetryCount)

	profile, err := a.Store.GetMedicationProfile(ctx, "patient2")
	require.NoError(t, err)
	require.Len(t, profile.Medications, 1)
	assert.Len(t, profile.Medications[0].References, 2)
}

func TestStartOrchestrationAfterCompletionStartsNewRun(t *testing.T) {
	a, _ := newLocalApp(t, localConfig(t), 1, &scriptedExtractor{})
	ctx := context.Background()
	res := upload(t, a, "uploads/app/tenant/patient3/meds.pdf")
	a.Local.Wait()

	again, err := a.StartOrchestration(ctx, models.StartOrchestrationRequest{DocumentID: res.DocumentID, Priority: "high"})
	require.NoError(t, err)
	assert.NotEqual(t, res.InstanceID, again.InstanceID)
	assert.False(t, again.Existing)
	a.Local.Wait()

	status, err := a.Engine.Status(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, again.InstanceID, status.Instance.ID)
	assert.Equal(t, models.InstanceCompleted, status.Status)

	_, err = a.StartOrchestration(ctx, models.StartOrchestrationRequest{})
	assert.ErrorIs(t, err, orchestration.ErrPermanent)
}

func TestReconcileMedicationsThroughBus(t *testing.T) {
	a, _ := newLocalApp(t, localConfig(t), 1, &scriptedExtractor{})
	ctx := context.Background()

	profile, err := a.ReconcileMedications(ctx, models.ReconcileMedicationsRequest{
		PatientID: "patient4",
		Facts: []models.MedicationFact{
			{ID: "u1", Origin: models.OriginUserEntered, CatalogID: 42, MedicationFields: models.MedicationFields{Name: "Aspirin", Dosage: "81 mg"}},
			{ID: "i1", Origin: models.OriginImported, CatalogID: 42, MedicationFields: models.MedicationFields{Name: "ASA", Route: "oral"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, profile.Medications, 1)
	assert.Equal(t, "Aspirin", profile.Medications[0].Name)
	assert.Equal(t, "oral", profile.Medications[0].Route)

	stored, err := a.Store.GetMedicationProfile(ctx, "patient4")
	require.NoError(t, err)
	assert.Equal(t, profile.Medications, stored.Medications)
}

func TestRecoverRequiresLogID(t *testing.T) {
	a, _ := newLocalApp(t, localConfig(t), 1, &scriptedExtractor{})
	_, err := a.Recover(context.Background(), "")
	assert.Error(t, err)
}

func TestRunStage(t *testing.T) {
	a, _ := newLocalApp(t, localConfig(t), 1, &scriptedExtractor{})
	ctx := context.Background()

	_, err := a.RunStage(ctx, dispatch.StageClassify, []byte("{not json"))
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = a.RunStage(ctx, dispatch.Stage("Translate"), []byte("{}"))
	assert.ErrorIs(t, err, ErrUnknownStage)

	out, err := a.RunStage(ctx, dispatch.StageExtract, []byte(`{"documentId":"nope","instanceId":"missing","pageNumber":1,"label":"medications"}`))
	require.NoError(t, err)
	assert.Equal(t, orchestration.ResultSkipped, out.Result)
}
