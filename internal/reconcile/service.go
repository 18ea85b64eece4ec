package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

// ErrInvalidFact is returned for facts that cannot be reconciled.
var ErrInvalidFact = eris.New("reconcile: invalid medication fact")

// Service loads, reconciles and stores medication profiles.
type Service struct {
	query store.QueryPort
	units *uow.Manager
	now   func() time.Time
}

// NewService returns a Service.
func NewService(query store.QueryPort, units *uow.Manager) *Service {
	return &Service{query: query, units: units, now: func() time.Time { return time.Now().UTC() }}
}

// ReconcileMedications merges facts into the patient's profile in one unit of
// work. When ctx already carries a unit of work the merge joins it. The profile
// is only written when its medication list changed.
func (s *Service) ReconcileMedications(ctx context.Context, patientID string, facts []models.MedicationFact) (*models.MedicationProfile, error) {
	if patientID == "" {
		return nil, eris.Wrap(ErrInvalidFact, "patient id is required")
	}
	extracted, userEntered, imported, err := splitByOrigin(facts)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("patientId", patientID))

	var result *models.MedicationProfile
	err = s.units.Run(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		current, isNew, err := s.load(ctx, patientID)
		if err != nil {
			return err
		}
		updated := Reconcile(current, extracted, userEntered, imported)
		result = updated
		if !Changed(current, updated) {
			return nil
		}
		updated.MarkReconciled(source(extracted, userEntered, imported), s.now())
		if isNew {
			u.Add(updated)
		} else {
			u.Update(updated)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: patient %s", patientID)
	}
	log.Info("reconcile: profile reconciled",
		zap.Int("facts", len(facts)),
		zap.Int("medications", len(result.Medications)),
		zap.Int("resolved", len(result.Resolved())),
	)
	return result, nil
}

func (s *Service) load(ctx context.Context, patientID string) (*models.MedicationProfile, bool, error) {
	p, err := s.query.GetMedicationProfile(ctx, patientID)
	if errors.Is(err, store.ErrNotFound) {
		return models.NewMedicationProfile(patientID), true, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "reconcile: load profile")
	}
	return p, false, nil
}

func splitByOrigin(facts []models.MedicationFact) (extracted, userEntered, imported []models.MedicationFact, err error) {
	for i, f := range facts {
		if f.CatalogID == 0 && f.ID == "" {
			return nil, nil, nil, eris.Wrapf(ErrInvalidFact, "fact %d has neither a catalog id nor an id", i)
		}
		switch f.Origin {
		case models.OriginExtracted:
			extracted = append(extracted, f)
		case models.OriginUserEntered:
			userEntered = append(userEntered, f)
		case models.OriginImported:
			imported = append(imported, f)
		default:
			return nil, nil, nil, eris.Wrapf(ErrInvalidFact, "fact %d has unknown origin %q", i, f.Origin)
		}
	}
	return extracted, userEntered, imported, nil
}

func source(extracted, userEntered, imported []models.MedicationFact) string {
	switch {
	case len(userEntered) > 0:
		return string(models.OriginUserEntered)
	case len(imported) > 0:
		return string(models.OriginImported)
	default:
		return string(models.OriginExtracted)
	}
}
