package di

import (
	"context"
	"errors"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/modules/fleet"
)

// billingGate adapts the fleet repository to domain.TenantStatusChecker.
// Suspended and destroy-scheduled tenants are never auto-charged.
type billingGate struct {
	repo *fleet.Repository
}

func (g *billingGate) CanCharge(_ context.Context, tenant string) (bool, error) {
	inst, err := g.repo.GetInstanceByTenant(tenant)
	if errors.Is(err, domain.ErrNotFound) {
		// A tenant without an instance has nothing suspended against it.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return inst.BillingState == domain.BillingActive, nil
}
