package metering

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// Aggregator rolls meter events up into per-(tenant, capability, provider)
// usage summaries over fixed time windows. Windows are half-open
// [ws, ws+W): an event at the window start belongs to the window, an event
// at the window end belongs to the next one. The current window is never
// aggregated.
type Aggregator struct {
	repo   *Repository
	window time.Duration
	log    zerolog.Logger
}

// NewAggregator creates an aggregator with the given window size.
func NewAggregator(repo *Repository, window time.Duration, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		repo:   repo,
		window: window,
		log:    log.With().Str("component", "meter_aggregator").Logger(),
	}
}

type summaryKey struct {
	tenant     string
	capability string
	provider   string
}

// Aggregate processes every elapsed, unprocessed window up to now. Windows
// with no events receive a sentinel row so re-runs can tell processed-empty
// apart from never-processed. Re-running is a no-op for processed windows.
func (a *Aggregator) Aggregate(now time.Time) error {
	w := a.window.Milliseconds()
	currentWindowStart := floorToWindow(now.UnixMilli(), a.window)

	start, ok, err := a.repo.LastAggregatedWindowEnd()
	if err != nil {
		return err
	}
	if !ok {
		earliest, hasEvents, err := a.repo.EarliestEventTimestamp()
		if err != nil {
			return err
		}
		if !hasEvents {
			return nil
		}
		start = floorToWindow(earliest, a.window)
	}

	windows := 0
	for ws := start; ws+w <= currentWindowStart; ws += w {
		if err := a.aggregateWindow(ws, ws+w); err != nil {
			return fmt.Errorf("failed to aggregate window starting %d: %w", ws, err)
		}
		windows++
	}

	if windows > 0 {
		a.log.Debug().Int("windows", windows).Msg("Aggregation pass complete")
	}
	return nil
}

func (a *Aggregator) aggregateWindow(ws, we int64) error {
	events, err := a.repo.EventsBetween(ws, we)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		// Sentinel: this window was processed and found empty
		return a.repo.InsertSummary(domain.UsageSummary{
			WindowStart: ws,
			WindowEnd:   we,
			Tenant:      SentinelTenant,
			Capability:  SentinelTenant,
			Provider:    SentinelTenant,
		})
	}

	groups := make(map[summaryKey]*domain.UsageSummary)
	order := make([]summaryKey, 0)
	for _, e := range events {
		key := summaryKey{tenant: e.Tenant, capability: e.Capability, provider: e.Provider}
		s, exists := groups[key]
		if !exists {
			s = &domain.UsageSummary{
				WindowStart: ws,
				WindowEnd:   we,
				Tenant:      e.Tenant,
				Capability:  e.Capability,
				Provider:    e.Provider,
			}
			groups[key] = s
			order = append(order, key)
		}
		s.EventCount++
		s.TotalCost += e.Cost
		s.TotalCharge += e.Charge
		s.TotalDuration += e.DurationMS
		s.TotalUsageUnits += e.UsageUnits
	}

	for _, key := range order {
		if err := a.repo.InsertSummary(*groups[key]); err != nil {
			return err
		}
	}
	return nil
}

// GetTenantTotal returns a tenant's rolled-up usage since the given time.
func (a *Aggregator) GetTenantTotal(tenant string, since time.Time) (*TenantTotal, error) {
	return a.repo.GetTenantTotal(tenant, since.UnixMilli())
}

// QuerySummaries returns a tenant's summaries within the optional bounds.
func (a *Aggregator) QuerySummaries(tenant string, since, until *time.Time) ([]domain.UsageSummary, error) {
	var filter SummaryFilter
	if since != nil {
		ms := since.UnixMilli()
		filter.Since = &ms
	}
	if until != nil {
		ms := until.UnixMilli()
		filter.Until = &ms
	}
	return a.repo.QuerySummaries(tenant, filter)
}
