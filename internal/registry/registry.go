// Package registry resolves which OperationDefinition drives a run and seeds
// definitions from YAML files.
package registry

import (
	"context"
	"errors"
	"os"
	"reflect"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

// ErrNoDefinition means no enabled definition exists for an operation type.
var ErrNoDefinition = eris.New("registry: no enabled operation definition")

// Registry reads definitions through the query port.
type Registry struct {
	query store.QueryPort
	units *uow.Manager
}

// New returns a Registry.
func New(query store.QueryPort, units *uow.Manager) *Registry {
	return &Registry{query: query, units: units}
}

// Resolve returns the highest-revision definition of operationType that is not disabled.
func (r *Registry) Resolve(ctx context.Context, operationType string) (*models.OperationDefinition, error) {
	defs, err := r.query.ListOperationDefinitions(ctx, operationType)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: list definitions for %s", operationType)
	}
	for _, d := range defs {
		if !d.Disabled {
			return d, nil
		}
	}
	return nil, eris.Wrapf(ErrNoDefinition, "operation type %q", operationType)
}

// File is the YAML layout of a definitions seed file.
type File struct {
	Definitions []*models.OperationDefinition `yaml:"definitions"`
}

// LoadFile parses and validates a definitions seed file.
func LoadFile(path string) ([]*models.OperationDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read %s", path)
	}
	return Parse(raw)
}

// Parse decodes definitions from YAML.
func Parse(raw []byte) ([]*models.OperationDefinition, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrap(err, "registry: parse definitions")
	}
	seen := map[string]bool{}
	for i, d := range f.Definitions {
		switch {
		case d.ID == "":
			return nil, eris.Errorf("registry: definition %d has no id", i)
		case d.OperationType == "":
			return nil, eris.Errorf("registry: definition %s has no operation_type", d.ID)
		case len(d.Steps) == 0:
			return nil, eris.Errorf("registry: definition %s has no steps", d.ID)
		case seen[d.ID]:
			return nil, eris.Errorf("registry: definition %s declared twice", d.ID)
		}
		seen[d.ID] = true
	}
	return f.Definitions, nil
}

// SeedResult counts what Seed wrote.
type SeedResult struct {
	Created   int
	Updated   int
	Unchanged int
}

// Seed creates missing definitions and overwrites changed ones in one unit of work.
func (r *Registry) Seed(ctx context.Context, defs []*models.OperationDefinition) (SeedResult, error) {
	var res SeedResult
	err := r.units.Run(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		res = SeedResult{}
		for _, d := range defs {
			existing, err := r.query.GetOperationDefinition(ctx, d.ID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				u.Add(d)
				res.Created++
			case err != nil:
				return eris.Wrapf(err, "registry: load definition %s", d.ID)
			case sameDefinition(existing, d):
				res.Unchanged++
			default:
				existing.OperationType = d.OperationType
				existing.Revision = d.Revision
				existing.Steps = d.Steps
				existing.Disabled = d.Disabled
				u.Update(existing)
				res.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, err
	}
	zap.L().Info("registry: definitions seeded",
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged),
	)
	return res, nil
}

func sameDefinition(a, b *models.OperationDefinition) bool {
	return a.OperationType == b.OperationType &&
		a.Revision == b.Revision &&
		a.Disabled == b.Disabled &&
		reflect.DeepEqual(a.Steps, b.Steps)
}
