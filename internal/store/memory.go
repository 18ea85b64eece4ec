package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
)

// Memory is an in-process Store with the same commit semantics as Firestore.
// Records are held as JSON so callers never share pointers with the store.
type Memory struct {
	Queries

	mu      sync.RWMutex
	docs    map[models.Kind]map[string][]byte
	events  []models.Event
	history map[string][]models.Event
	commits int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	m := &Memory{
		docs:    map[models.Kind]map[string][]byte{},
		history: map[string][]models.Event{},
	}
	m.Queries = Queries{r: m}
	return m
}

func (m *Memory) Get(_ context.Context, kind models.Kind, id string, dst any) error {
	m.mu.RLock()
	raw, ok := m.docs[kind][id]
	m.mu.RUnlock()
	if !ok {
		return eris.Wrapf(ErrNotFound, "%s/%s", kind, id)
	}
	return json.Unmarshal(raw, dst)
}

func (m *Memory) Find(_ context.Context, kind models.Kind, field, value string) ([]Decoder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Decoder
	for id, raw := range m.docs[kind] {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, eris.Wrapf(err, "store: decode %s/%s", kind, id)
		}
		if s, ok := fields[field].(string); !ok || s != value {
			continue
		}
		b := raw
		out = append(out, func(dst any) error { return json.Unmarshal(b, dst) })
	}
	return out, nil
}

// Seed writes aggregates as they are, bypassing version checks.
func (m *Memory) Seed(aggs ...models.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range aggs {
		raw, err := json.Marshal(a)
		if err != nil {
			return eris.Wrapf(err, "store: encode %s/%s", a.Kind(), a.AggregateID())
		}
		m.bucket(a.Kind())[a.AggregateID()] = raw
	}
	return nil
}

// Commit validates the whole change set before applying any of it.
func (m *Memory) Commit(_ context.Context, cs ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range cs.Creates {
		if _, ok := m.docs[a.Kind()][a.AggregateID()]; ok {
			return eris.Wrapf(ErrAlreadyExists, "%s/%s", a.Kind(), a.AggregateID())
		}
	}
	for _, a := range cs.Updates {
		if err := m.checkVersion(a, a.CurrentVersion()-1); err != nil {
			return err
		}
	}
	for _, a := range cs.Deletes {
		if err := m.checkVersion(a, a.CurrentVersion()); err != nil {
			return err
		}
	}

	encoded := make(map[models.Aggregate][]byte, len(cs.Creates)+len(cs.Updates))
	for _, group := range [][]models.Aggregate{cs.Creates, cs.Updates} {
		for _, a := range group {
			raw, err := json.Marshal(a)
			if err != nil {
				return eris.Wrapf(err, "store: encode %s/%s", a.Kind(), a.AggregateID())
			}
			encoded[a] = raw
		}
	}

	for a, raw := range encoded {
		m.bucket(a.Kind())[a.AggregateID()] = raw
	}
	for _, a := range cs.Deletes {
		delete(m.docs[a.Kind()], a.AggregateID())
	}
	for _, e := range cs.Events {
		m.events = append(m.events, e)
		key := historyKey(e.AggregateKind, e.AggregateID)
		m.history[key] = append(m.history[key], e)
	}
	m.commits++
	return nil
}

// Commits returns how many change sets were applied.
func (m *Memory) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

// Events returns the global event log.
func (m *Memory) Events() []models.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Event(nil), m.events...)
}

// History returns the events recorded against one aggregate.
func (m *Memory) History(kind models.Kind, id string) []models.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Event(nil), m.history[historyKey(kind, id)]...)
}

// Count returns the number of stored records of a kind.
func (m *Memory) Count(kind models.Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[kind])
}

func (m *Memory) checkVersion(a models.Aggregate, want int64) error {
	raw, ok := m.docs[a.Kind()][a.AggregateID()]
	if !ok {
		return eris.Wrapf(ErrWriteConflict, "%s/%s no longer exists", a.Kind(), a.AggregateID())
	}
	var stored struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return eris.Wrapf(err, "store: decode %s/%s", a.Kind(), a.AggregateID())
	}
	if stored.Version != want {
		return eris.Wrapf(ErrWriteConflict, "%s/%s at version %d, expected %d", a.Kind(), a.AggregateID(), stored.Version, want)
	}
	return nil
}

func (m *Memory) bucket(kind models.Kind) map[string][]byte {
	b, ok := m.docs[kind]
	if !ok {
		b = map[string][]byte{}
		m.docs[kind] = b
	}
	return b
}

func historyKey(kind models.Kind, id string) string {
	return string(kind) + "/" + id
}
