package blob

import (
	"context"
	"net/http"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestMemory_PutIsCreateOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "documents/doc1/source.pdf", []byte("first"), "application/pdf"))
	require.NoError(t, m.Put(ctx, "documents/doc1/source.pdf", []byte("second"), "application/pdf"))

	got, err := m.Get(ctx, "documents/doc1/source.pdf")
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ForBucketIsolates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	uploads := m.ForBucket("uploads")
	require.NoError(t, uploads.Put(ctx, "a.pdf", []byte("x"), ""))
	assert.Same(t, uploads, m.ForBucket("uploads"))

	_, err := m.Get(ctx, "a.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, m.Keys())
}

func TestPreconditionFailed(t *testing.T) {
	assert.True(t, preconditionFailed(&googleapi.Error{Code: http.StatusPreconditionFailed}))
	assert.True(t, preconditionFailed(eris.Wrap(&googleapi.Error{Code: http.StatusPreconditionFailed}, "close")))
	assert.False(t, preconditionFailed(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, preconditionFailed(eris.New("boom")))
}
