package recovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/modules/channel"
	"github.com/wardenhq/warden/internal/modules/fleet"
)

const (
	// MaxEventAge caps how long an event may hold waiting tenants.
	MaxEventAge = 24 * time.Hour
	// MaxItemRetries caps placement attempts per waiting tenant.
	MaxItemRetries = 5

	ReasonNoCapacity = "no_capacity"
	ReasonMaxRetries = "max_retries_exceeded"
)

// Manager orchestrates dead-node recovery.
type Manager struct {
	repo      *Repository
	fleetRepo *fleet.Repository
	registry  fleet.NodeRegistry
	placer    fleet.Placer
	sender    fleet.CommandSender
	router    domain.Router
	notifier  domain.AdminNotifier
	bus       *events.Bus
	log       zerolog.Logger
}

// NewManager creates the recovery manager.
func NewManager(repo *Repository, fleetRepo *fleet.Repository, reg fleet.NodeRegistry,
	placer fleet.Placer, sender fleet.CommandSender, router domain.Router,
	notifier domain.AdminNotifier, bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		repo:      repo,
		fleetRepo: fleetRepo,
		registry:  reg,
		placer:    placer,
		sender:    sender,
		router:    router,
		notifier:  notifier,
		bus:       bus,
		log:       log.With().Str("service", "recovery").Logger(),
	}
}

// Wire subscribes the manager to the bus: unhealthy nodes start a recovery
// run, fresh registrations wake the waiting list.
func (m *Manager) Wire() {
	m.bus.Subscribe(events.NodeUnhealthy, func(e events.Event) {
		nodeID, _ := e.Data["node_id"].(string)
		go func() {
			if _, err := m.TriggerRecovery(context.Background(), nodeID, domain.TriggerHeartbeatTimeout); err != nil {
				m.log.Error().Err(err).Str("node", nodeID).Msg("Recovery trigger failed")
			}
		}()
	})
	m.bus.Subscribe(events.NodeRegistered, func(e events.Event) {
		go m.CheckAndRetryWaiting(context.Background(), time.Now())
	})
}

// TriggerRecovery runs one recovery pass over every tenant bound to the
// dead node. Tenants that fit somewhere are re-imported immediately; the
// rest join the waiting list. The event closes completed when nothing
// waits, else stays partial for the retry loop.
func (m *Manager) TriggerRecovery(ctx context.Context, nodeID string, trigger domain.RecoveryTrigger) (*domain.RecoveryEvent, error) {
	if err := m.registry.SetStatus(nodeID, domain.NodeRecovering); err != nil {
		return nil, err
	}

	instances, err := m.fleetRepo.ListInstancesByNode(nodeID)
	if err != nil {
		return nil, err
	}

	event, err := m.repo.CreateEvent(nodeID, trigger, len(instances))
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("event", event.ID).Str("node", nodeID).Str("trigger", string(trigger)).
		Int("tenants", len(instances)).Msg("Recovery started")
	m.bus.Publish(events.RecoveryStarted, "recovery", map[string]any{
		"event_id": event.ID,
		"node_id":  nodeID,
		"tenants":  len(instances),
	})

	var recovered, failed, waiting int
	report := make([]map[string]any, 0, len(instances))

	for _, inst := range instances {
		item := domain.RecoveryItem{
			RecoveryEventID: event.ID,
			Tenant:          inst.TenantID,
			InstanceID:      inst.ID,
			SourceNode:      nodeID,
			Status:          domain.ItemPending,
			StartedAt:       time.Now(),
		}
		created, err := m.repo.CreateItem(item)
		if err != nil {
			return nil, err
		}

		outcome := m.placeTenant(ctx, event.ID, created, &inst, domain.ItemRecovered)
		switch outcome.status {
		case domain.ItemRecovered:
			recovered++
		case domain.ItemWaiting:
			waiting++
		default:
			failed++
		}
		report = append(report, map[string]any{
			"tenant": inst.TenantID,
			"status": string(outcome.status),
			"target": outcome.target,
			"reason": outcome.reason,
		})
	}

	status := domain.RecoveryCompleted
	var completedAt *time.Time
	if waiting > 0 {
		status = domain.RecoveryPartial
	} else {
		now := time.Now()
		completedAt = &now
	}

	reportJSON, _ := json.Marshal(report)
	if err := m.repo.FinalizeEvent(event.ID, status, recovered, failed, waiting, string(reportJSON), completedAt); err != nil {
		return nil, err
	}

	if err := m.registry.SetStatus(nodeID, domain.NodeOffline); err != nil {
		m.log.Error().Err(err).Str("node", nodeID).Msg("Failed to mark dead node offline")
	}

	m.notify(ctx, "recovery_report", map[string]any{
		"event_id":  event.ID,
		"node_id":   nodeID,
		"status":    string(status),
		"recovered": recovered,
		"failed":    failed,
		"waiting":   waiting,
		"tenants":   report,
	})
	m.bus.Publish(events.RecoveryFinished, "recovery", map[string]any{
		"event_id": event.ID,
		"status":   string(status),
	})
	m.log.Info().Str("event", event.ID).Str("status", string(status)).
		Int("recovered", recovered).Int("failed", failed).Int("waiting", waiting).Msg("Recovery pass finished")

	return m.repo.GetEvent(event.ID)
}

type placementOutcome struct {
	status domain.RecoveryItemStatus
	target string
	reason string
}

// placeTenant tries to land one tenant on a live node. successStatus is
// ItemRecovered on the first pass and ItemRetried on retry cycles.
func (m *Manager) placeTenant(ctx context.Context, eventID string, item *domain.RecoveryItem,
	inst *domain.BotInstance, successStatus domain.RecoveryItemStatus) placementOutcome {

	target := m.placer.FindPlacementExcluding([]string{item.SourceNode}, inst.EstimatedMB)
	if target == nil {
		if err := m.repo.SetItemOutcome(item.ID, domain.ItemWaiting, ReasonNoCapacity, "", nil); err != nil {
			m.log.Error().Err(err).Str("item", item.ID).Msg("Failed to mark item waiting")
		}
		return placementOutcome{status: domain.ItemWaiting, reason: ReasonNoCapacity}
	}

	if err := m.pushImport(ctx, target.ID, inst); err != nil {
		now := time.Now()
		if setErr := m.repo.SetItemOutcome(item.ID, domain.ItemFailed, err.Error(), target.ID, &now); setErr != nil {
			m.log.Error().Err(setErr).Str("item", item.ID).Msg("Failed to mark item failed")
		}
		m.log.Error().Err(err).Str("tenant", inst.TenantID).Str("target", target.ID).Msg("Recovery import failed")
		return placementOutcome{status: domain.ItemFailed, target: target.ID, reason: err.Error()}
	}

	if err := m.router.ReassignTenant(ctx, inst.ID, target.ID); err != nil {
		m.log.Error().Err(err).Str("instance", inst.ID).Msg("Failed to reassign routing after recovery")
	}
	if err := m.registry.AddNodeCapacity(target.ID, inst.EstimatedMB); err != nil {
		m.log.Error().Err(err).Str("node", target.ID).Msg("Failed to reserve capacity after recovery")
	}
	if err := m.fleetRepo.SetInstanceNode(inst.ID, target.ID); err != nil {
		m.log.Error().Err(err).Str("instance", inst.ID).Msg("Failed to persist node binding after recovery")
	}

	now := time.Now()
	if err := m.repo.SetItemOutcome(item.ID, successStatus, "", target.ID, &now); err != nil {
		m.log.Error().Err(err).Str("item", item.ID).Msg("Failed to mark item recovered")
	}

	m.bus.Publish(events.TenantRecovered, "recovery", map[string]any{
		"event_id":  eventID,
		"tenant_id": inst.TenantID,
		"target":    target.ID,
	})
	return placementOutcome{status: successStatus, target: target.ID}
}

// pushImport rebuilds the tenant's container on the target from its profile
// and the shared backup archive. A missing profile degrades to the default
// image with an empty env.
func (m *Manager) pushImport(ctx context.Context, targetNode string, inst *domain.BotInstance) error {
	image := fleet.DefaultImage
	env := map[string]string{}
	profile, err := m.fleetRepo.GetProfile(inst.ID)
	if err != nil {
		return err
	}
	if profile != nil {
		image = profile.Image
		env = profile.Env
	} else {
		m.log.Warn().Str("instance", inst.ID).Msg("No profile on record, recovering with default image")
	}

	_, err = m.sender.SendCommand(ctx, targetNode, channel.CommandBotImport, map[string]any{
		"name":  domain.ContainerName(inst.TenantID),
		"image": image,
		"env":   env,
	})
	return err
}

// CheckAndRetryWaiting walks every open event and retries its waiting
// tenants. Re-entry is safe: only waiting items are candidates and each
// transition is single-step.
func (m *Manager) CheckAndRetryWaiting(ctx context.Context, now time.Time) {
	open, err := m.repo.ListOpenEvents()
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to list open recovery events")
		return
	}

	for _, event := range open {
		if err := m.retryEvent(ctx, event, now); err != nil {
			m.log.Error().Err(err).Str("event", event.ID).Msg("Retry cycle failed")
		}
	}
}

func (m *Manager) retryEvent(ctx context.Context, event domain.RecoveryEvent, now time.Time) error {
	waiting, err := m.repo.ListWaitingItems(event.ID)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		return m.closeIfSettled(event.ID, nil)
	}

	// Time cap: everything still waiting past the age limit fails
	if now.Sub(event.StartedAt) > MaxEventAge {
		for _, item := range waiting {
			if err := m.repo.SetItemOutcome(item.ID, domain.ItemFailed, ReasonMaxRetries, "", &now); err != nil {
				return err
			}
		}
		m.log.Warn().Str("event", event.ID).Int("expired", len(waiting)).Msg("Recovery event aged out")
		m.notify(ctx, "waiting_tenants_expired", map[string]any{
			"event_id": event.ID,
			"count":    len(waiting),
			"reason":   ReasonMaxRetries,
		})
		return m.closeIfSettled(event.ID, &now)
	}

	expired := 0
	for _, item := range waiting {
		if item.RetryCount >= MaxItemRetries {
			if err := m.repo.SetItemOutcome(item.ID, domain.ItemFailed, ReasonMaxRetries, "", &now); err != nil {
				return err
			}
			expired++
			continue
		}

		inst, err := m.fleetRepo.GetInstance(item.InstanceID)
		if err != nil {
			if setErr := m.repo.SetItemOutcome(item.ID, domain.ItemFailed, "instance missing", "", &now); setErr != nil {
				return setErr
			}
			continue
		}

		outcome := m.placeTenant(ctx, event.ID, &item, inst, domain.ItemRetried)
		if outcome.status == domain.ItemWaiting {
			if err := m.repo.IncrementItemRetry(item.ID); err != nil {
				return err
			}
		}
	}

	if expired > 0 {
		m.notify(ctx, "waiting_tenants_expired", map[string]any{
			"event_id": event.ID,
			"count":    expired,
			"reason":   ReasonMaxRetries,
		})
	}
	return m.closeIfSettled(event.ID, &now)
}

// closeIfSettled recounts an event's items and transitions it to completed
// when no waiting remain.
func (m *Manager) closeIfSettled(eventID string, now *time.Time) error {
	counts, err := m.repo.CountItemsByStatus(eventID)
	if err != nil {
		return err
	}
	recovered := counts[domain.ItemRecovered] + counts[domain.ItemRetried]
	failed := counts[domain.ItemFailed]
	waiting := counts[domain.ItemWaiting] + counts[domain.ItemPending]

	event, err := m.repo.GetEvent(eventID)
	if err != nil {
		return err
	}

	status := event.Status
	completedAt := event.CompletedAt
	if waiting == 0 {
		status = domain.RecoveryCompleted
		if completedAt == nil {
			ts := time.Now()
			if now != nil {
				ts = *now
			}
			completedAt = &ts
		}
	}
	return m.repo.FinalizeEvent(eventID, status, recovered, failed, waiting, event.ReportJSON, completedAt)
}

func (m *Manager) notify(ctx context.Context, emailType string, payload map[string]any) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyAdmin(ctx, emailType, payload); err != nil {
		m.log.Error().Err(err).Str("email_type", emailType).Msg("Failed to notify admin")
	}
}
