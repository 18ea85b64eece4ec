package orchestration

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
)

// TenantResolver returns the stored configuration of an app/tenant, or the
// configured defaults when none is stored.
type TenantResolver struct {
	query    store.QueryPort
	defaults models.TenantConfig
}

func NewTenantResolver(query store.QueryPort, defaults models.TenantConfig) *TenantResolver {
	return &TenantResolver{query: query, defaults: defaults}
}

func (r *TenantResolver) Resolve(ctx context.Context, appID, tenantID string) (*models.TenantConfig, error) {
	cfg, err := r.query.GetTenantConfig(ctx, appID, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		d := r.defaults
		d.ID = keys.TenantConfigID(appID, tenantID)
		d.AppID = appID
		d.TenantID = tenantID
		return &d, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "orchestration: load tenant config %s/%s", appID, tenantID)
	}
	return cfg, nil
}
