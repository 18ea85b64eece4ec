package uow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pageOp(instanceID, pageID string) *models.PageOperation {
	return models.NewPageOperation(instanceID, "doc1", models.Page{ID: pageID, Number: 1}, models.ExtractionClassification, now)
}

func TestRun_CommitsCreatesAndEvents(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st)
	ctx := context.Background()

	op := pageOp("inst1", "p1")
	err := m.Run(ctx, func(ctx context.Context, u *UnitOfWork) error {
		u.Add(op)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), op.CurrentVersion())
	assert.Empty(t, op.PendingEvents())
	assert.Equal(t, 1, st.Commits())

	stored, err := st.GetPageOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Len(t, st.Events(), 1)
	assert.Len(t, st.History(models.KindPageOperation, op.ID), 1)
}

func TestRun_NoChangesSkipsStore(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st)

	hookRan := false
	err := m.Run(context.Background(), func(ctx context.Context, u *UnitOfWork) error {
		u.AfterCommit(func(context.Context) error { hookRan = true; return nil })
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, st.Commits())
	assert.True(t, hookRan)
}

func TestRun_ErrorRollsBack(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st)
	boom := errors.New("boom")

	hookRan := false
	err := m.Run(context.Background(), func(ctx context.Context, u *UnitOfWork) error {
		u.Add(pageOp("inst1", "p1"))
		u.AfterCommit(func(context.Context) error { hookRan = true; return nil })
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, st.Commits())
	assert.Zero(t, st.Count(models.KindPageOperation))
	assert.False(t, hookRan)
}

func TestRun_WriteConflictIsAtomic(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st)
	ctx := context.Background()

	op := pageOp("inst1", "p1")
	require.NoError(t, m.Run(ctx, func(ctx context.Context, u *UnitOfWork) error { u.Add(op); return nil }))

	stale, err := st.GetPageOperation(ctx, op.ID)
	require.NoError(t, err)
	fresh, err := st.GetPageOperation(ctx, op.ID)
	require.NoError(t, err)

	require.NoError(t, m.Run(ctx, func(ctx context.Context, u *UnitOfWork) error {
		require.NoError(t, fresh.Claim(now))
		u.Update(fresh)
		return nil
	}))

	other := pageOp("inst1", "p2")
	err = m.Run(ctx, func(ctx context.Context, u *UnitOfWork) error {
		require.NoError(t, stale.Claim(now))
		u.Update(stale)
		u.Add(other)
		return nil
	})
	assert.ErrorIs(t, err, store.ErrWriteConflict)
	assert.Equal(t, int64(1), stale.CurrentVersion(), "version restored after a failed commit")
	assert.NotEmpty(t, other.PendingEvents())

	_, err = st.GetPageOperation(ctx, other.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing from the failed unit is visible")
}

func TestRun_DuplicateCreate(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st)
	ctx := context.Background()

	require.NoError(t, m.Run(ctx, func(ctx context.Context, u *UnitOfWork) error { u.Add(pageOp("inst1", "p1")); return nil }))
	err := m.Run(ctx, func(ctx context.Context, u *UnitOfWork) error { u.Add(pageOp("inst1", "p1")); return nil })
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestRun_NestedJoinsOuter(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st)

	err := m.Run(context.Background(), func(ctx context.Context, outer *UnitOfWork) error {
		outer.Add(pageOp("inst1", "p1"))
		return m.Run(ctx, func(ctx context.Context, inner *UnitOfWork) error {
			assert.Same(t, outer, inner)
			inner.Add(pageOp("inst1", "p2"))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Commits())
	assert.Equal(t, 2, st.Count(models.KindPageOperation))
}

func TestRun_AfterCommitErrorsAreReturned(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st)
	dispatchErr := errors.New("queue unavailable")

	var order []string
	err := m.Run(context.Background(), func(ctx context.Context, u *UnitOfWork) error {
		u.Add(pageOp("inst1", "p1"))
		u.AfterCommit(func(context.Context) error { order = append(order, "a"); return dispatchErr })
		u.AfterCommit(func(context.Context) error { order = append(order, "b"); return nil })
		return nil
	})
	assert.ErrorIs(t, err, dispatchErr)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, st.Count(models.KindPageOperation), "data committed before hooks ran")
}

func TestRun_AddThenRemoveWritesNothing(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st)

	err := m.Run(context.Background(), func(ctx context.Context, u *UnitOfWork) error {
		op := pageOp("inst1", "p1")
		u.Add(op)
		u.Remove(op)
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, st.Commits())
}

type startCmd struct{ id string }

func (startCmd) CommandName() string { return "start" }

func TestBus(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st)
	bus := NewBus(m)
	ctx := context.Background()

	bus.Register("start", func(ctx context.Context, cmd Command) (any, error) {
		c := cmd.(startCmd)
		for _, page := range []string{"p1", "p2"} {
			if err := m.Run(ctx, func(ctx context.Context, u *UnitOfWork) error {
				u.Add(pageOp(c.id, page))
				return nil
			}); err != nil {
				return nil, err
			}
		}
		return c.id, nil
	})

	out, err := bus.Handle(ctx, startCmd{id: "inst1"})
	require.NoError(t, err)
	assert.Equal(t, "inst1", out)
	assert.Equal(t, 2, st.Commits())

	out, err = bus.HandleWithExplicitTransaction(ctx, startCmd{id: "inst2"})
	require.NoError(t, err)
	assert.Equal(t, "inst2", out)
	assert.Equal(t, 3, st.Commits(), "explicit transaction commits once")

	_, err = bus.HandleWithExplicitTransaction(ctx, startCmd{id: "inst2"})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
	assert.Equal(t, 4, st.Count(models.KindPageOperation))
}

type unknownCmd struct{}

func (unknownCmd) CommandName() string { return "unknown" }

func TestBus_NoHandler(t *testing.T) {
	bus := NewBus(NewManager(store.NewMemory()))
	_, err := bus.Handle(context.Background(), unknownCmd{})
	assert.ErrorIs(t, err, ErrNoHandler)
}
