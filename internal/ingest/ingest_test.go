package ingest

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/blob"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/pdf"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

type mockStarter struct{ mock.Mock }

func (m *mockStarter) StartRun(ctx context.Context, req models.StartOrchestrationRequest) (models.StartOrchestrationResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.StartOrchestrationResponse), args.Error(1)
}

const objectName = "uploads/app1/tenant1/patient9/discharge.pdf"

func setup(t *testing.T, starter Starter, cfg Config) (*Ingester, *store.Memory, *blob.Memory, *blob.Memory) {
	t.Helper()
	mem := store.NewMemory()
	uploads := blob.NewMemory()
	docs := blob.NewMemory()
	require.NoError(t, uploads.ForBucket("incoming").Put(context.Background(), objectName, []byte("%PDF-1.7 body"), "application/pdf"))
	ing := New(mem, uow.NewManager(mem), uploads, docs, starter, cfg)
	ids := []string{"doc-a", "doc-b"}
	ing.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	return ing, mem, uploads, docs
}

func TestParseObjectName(t *testing.T) {
	tests := []struct {
		name    string
		want    Scope
		wantErr bool
	}{
		{name: objectName, want: Scope{AppID: "app1", TenantID: "tenant1", PatientID: "patient9", Filename: "discharge.pdf"}},
		{name: "uploads/a/b/c/SCAN.PDF", want: Scope{AppID: "a", TenantID: "b", PatientID: "c", Filename: "SCAN.PDF"}},
		{name: "uploads/a/b/discharge.pdf", wantErr: true},
		{name: "other/a/b/c/d.pdf", wantErr: true},
		{name: "uploads/a/b/c/notes.txt", wantErr: true},
		{name: "uploads/a//c/d.pdf", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseObjectName(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidObjectName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProcess_CreatesDocumentAndStarts(t *testing.T) {
	starter := &mockStarter{}
	starter.On("StartRun", mock.Anything, models.StartOrchestrationRequest{DocumentID: "doc-a", Priority: "high"}).
		Return(models.StartOrchestrationResponse{InstanceID: "inst-1", Status: models.InstanceInProgress}, nil)
	ing, mem, _, docs := setup(t, starter, Config{AutoStart: true, Priority: models.PriorityHigh})
	ctx := context.Background()

	res, err := ing.Process(ctx, GCSEvent{Bucket: "incoming", Name: objectName})
	require.NoError(t, err)
	assert.Equal(t, Result{DocumentID: "doc-a", InstanceID: "inst-1"}, res)

	doc, err := mem.GetDocument(ctx, "doc-a")
	require.NoError(t, err)
	assert.Equal(t, "app1", doc.AppID)
	assert.Equal(t, "tenant1", doc.TenantID)
	assert.Equal(t, "patient9", doc.PatientID)
	assert.Equal(t, "discharge.pdf", doc.OriginalFilename)
	assert.Equal(t, pdf.Hash([]byte("%PDF-1.7 body")), doc.FileHash)
	assert.Equal(t, models.InstanceNotStarted, doc.Status)

	source, err := docs.Get(ctx, keys.SourceBlob("doc-a"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 body", string(source))

	processed, err := mem.GetProcessedUpload(ctx, doc.FileHash)
	require.NoError(t, err)
	assert.Equal(t, "doc-a", processed.DocumentID)
	starter.AssertExpectations(t)
}

func TestProcess_SkipsDuplicates(t *testing.T) {
	ing, mem, uploads, _ := setup(t, nil, Config{})
	ctx := context.Background()

	first, err := ing.Process(ctx, GCSEvent{Bucket: "incoming", Name: objectName})
	require.NoError(t, err)

	// Same bytes under another name.
	copyName := "uploads/app1/tenant1/patient9/copy.pdf"
	require.NoError(t, uploads.ForBucket("incoming").Put(ctx, copyName, []byte("%PDF-1.7 body"), "application/pdf"))
	second, err := ing.Process(ctx, GCSEvent{Bucket: "incoming", Name: copyName})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, 1, mem.Count(models.KindDocument))
}

func TestProcess_IgnoresOtherObjects(t *testing.T) {
	ing, mem, _, _ := setup(t, nil, Config{})
	res, err := ing.Process(context.Background(), GCSEvent{Bucket: "incoming", Name: "tmp/readme.txt"})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Zero(t, mem.Count(models.KindDocument))
}

func TestProcess_MissingObject(t *testing.T) {
	ing, _, _, _ := setup(t, nil, Config{})
	_, err := ing.Process(context.Background(), GCSEvent{Bucket: "incoming", Name: "uploads/a/b/c/gone.pdf"})
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestProcess_StartFailureKeepsDocument(t *testing.T) {
	starter := &mockStarter{}
	starter.On("StartRun", mock.Anything, mock.Anything).Return(models.StartOrchestrationResponse{}, eris.New("store down"))
	ing, mem, _, _ := setup(t, starter, Config{AutoStart: true})

	res, err := ing.Process(context.Background(), GCSEvent{Bucket: "incoming", Name: objectName})
	require.Error(t, err)
	assert.Equal(t, "doc-a", res.DocumentID)
	assert.Equal(t, 1, mem.Count(models.KindDocument))
}
