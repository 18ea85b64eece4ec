// Package uow implements the unit of work that every state change goes through.
//
// A UnitOfWork collects new, dirty and removed aggregates while a function runs
// and commits them, together with their pending domain events, in one atomic
// store call when the function returns without error. Side effects that must
// only happen after the data is durable (task dispatch, publishing) are
// registered with AfterCommit.
package uow

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
)

type state int

const (
	stateNew state = iota
	stateDirty
	stateRemoved
	stateDropped
)

type entry struct {
	agg   models.Aggregate
	state state
}

// UnitOfWork tracks the aggregates changed inside one Run.
type UnitOfWork struct {
	order   []string
	entries map[string]*entry
	hooks   []func(ctx context.Context) error
}

func newUnit() *UnitOfWork {
	return &UnitOfWork{entries: map[string]*entry{}}
}

func key(a models.Aggregate) string {
	return string(a.Kind()) + "/" + a.AggregateID()
}

func (u *UnitOfWork) track(a models.Aggregate, s state) {
	k := key(a)
	e, ok := u.entries[k]
	if !ok {
		u.entries[k] = &entry{agg: a, state: s}
		u.order = append(u.order, k)
		return
	}
	e.agg = a
	switch {
	case s == stateRemoved && e.state == stateNew:
		e.state = stateDropped
	case s == stateRemoved:
		e.state = stateRemoved
	case e.state == stateDropped:
		e.state = stateNew
	}
}

// Add registers a new aggregate. Its commit fails with store.ErrAlreadyExists
// if the ID is taken.
func (u *UnitOfWork) Add(a models.Aggregate) { u.track(a, stateNew) }

// Update registers an aggregate loaded from the store and modified.
func (u *UnitOfWork) Update(a models.Aggregate) { u.track(a, stateDirty) }

// Remove registers an aggregate for deletion.
func (u *UnitOfWork) Remove(a models.Aggregate) { u.track(a, stateRemoved) }

// AfterCommit registers fn to run once the unit has committed. Hooks run in
// registration order and do not run if the unit rolls back.
func (u *UnitOfWork) AfterCommit(fn func(ctx context.Context) error) {
	u.hooks = append(u.hooks, fn)
}

func (u *UnitOfWork) changeSet() store.ChangeSet {
	var cs store.ChangeSet
	for _, k := range u.order {
		e := u.entries[k]
		switch e.state {
		case stateNew:
			cs.Creates = append(cs.Creates, e.agg)
		case stateDirty:
			cs.Updates = append(cs.Updates, e.agg)
		case stateRemoved:
			cs.Deletes = append(cs.Deletes, e.agg)
		default:
			continue
		}
		cs.Events = append(cs.Events, e.agg.PendingEvents()...)
	}
	return cs
}

type ctxKey struct{}

// FromContext returns the unit of work carried by ctx.
func FromContext(ctx context.Context) (*UnitOfWork, bool) {
	u, ok := ctx.Value(ctxKey{}).(*UnitOfWork)
	return u, ok
}

// Manager opens units of work against a store.
type Manager struct {
	store store.Committer
}

// NewManager returns a Manager committing to c.
func NewManager(c store.Committer) *Manager {
	return &Manager{store: c}
}

// Run executes fn inside a unit of work and commits it if fn succeeds. When ctx
// already carries a unit of work, fn joins it and the outermost Run commits.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, u *UnitOfWork) error) error {
	if u, ok := FromContext(ctx); ok {
		return fn(ctx, u)
	}

	u := newUnit()
	inner := context.WithValue(ctx, ctxKey{}, u)
	if err := fn(inner, u); err != nil {
		return err
	}
	if err := m.commit(ctx, u); err != nil {
		return err
	}

	var hookErrs []error
	for _, hook := range u.hooks {
		if err := hook(ctx); err != nil {
			hookErrs = append(hookErrs, err)
		}
	}
	if len(hookErrs) > 0 {
		return eris.Wrap(errors.Join(hookErrs...), "uow: after commit")
	}
	return nil
}

func (m *Manager) commit(ctx context.Context, u *UnitOfWork) error {
	cs := u.changeSet()
	if cs.Empty() {
		return nil
	}

	previous := make(map[models.Aggregate]int64, len(cs.Creates)+len(cs.Updates))
	for _, group := range [][]models.Aggregate{cs.Creates, cs.Updates} {
		for _, a := range group {
			previous[a] = a.CurrentVersion()
			a.SetVersion(a.CurrentVersion() + 1)
		}
	}

	if err := m.store.Commit(ctx, cs); err != nil {
		for a, v := range previous {
			a.SetVersion(v)
		}
		zap.L().Debug("uow: commit rolled back",
			zap.Int("creates", len(cs.Creates)),
			zap.Int("updates", len(cs.Updates)),
			zap.Int("deletes", len(cs.Deletes)),
			zap.Error(err),
		)
		return err
	}

	for _, group := range [][]models.Aggregate{cs.Creates, cs.Updates, cs.Deletes} {
		for _, a := range group {
			a.ClearEvents()
		}
	}
	return nil
}
