// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/backup"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/modules/audit"
	"github.com/wardenhq/warden/internal/modules/channel"
	"github.com/wardenhq/warden/internal/modules/fleet"
	"github.com/wardenhq/warden/internal/modules/ledger"
	"github.com/wardenhq/warden/internal/modules/metering"
	"github.com/wardenhq/warden/internal/modules/notify"
	"github.com/wardenhq/warden/internal/modules/payments"
	"github.com/wardenhq/warden/internal/modules/placement"
	"github.com/wardenhq/warden/internal/modules/recovery"
	"github.com/wardenhq/warden/internal/modules/registry"
	"github.com/wardenhq/warden/internal/modules/topup"
	"github.com/wardenhq/warden/internal/modules/vault"
	"github.com/wardenhq/warden/internal/scheduler"
)

// Container holds every wired subsystem. Built once in Wire and passed to
// the server and main.
type Container struct {
	Log zerolog.Logger
	Cfg *config.Config

	// Databases
	FleetDB    *database.DB
	LedgerDB   *database.DB
	MeteringDB *database.DB
	OpsDB      *database.DB

	// Infrastructure
	Bus       *events.Bus
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics

	// Billing
	Ledger    *ledger.Ledger
	TopupRepo *topup.Repository
	Topup     *topup.Controller
	Processor domain.PaymentProcessor
	Payments  *payments.Service
	Vault     *vault.Vault

	// Metering
	MeterRepo  *metering.Repository
	Emitter    *metering.Emitter
	Aggregator *metering.Aggregator

	// Notifications
	NotifyQueue   *notify.Queue
	Dispatcher    *notify.Dispatcher
	AdminNotifier *notify.AdminNotifier

	// Fleet
	Registry  *registry.Registry
	Sweeper   *registry.Sweeper
	Placement *placement.Engine
	Conns     *channel.ConnectionRegistry
	Channel   *channel.Service
	FleetRepo    *fleet.Repository
	Migration    *fleet.Engine
	Recovery     *recovery.Manager
	RecoveryRepo *recovery.Repository
	Router       domain.Router

	// Ops
	Audit       *audit.Log
	BackupStore domain.BackupStore
	Snapshots   *backup.SnapshotService
}

// Close releases long-lived resources in reverse dependency order.
func (c *Container) Close() {
	if c.Emitter != nil {
		if err := c.Emitter.Close(); err != nil {
			c.Log.Error().Err(err).Msg("Failed to close meter emitter")
		}
	}
	for _, db := range []*database.DB{c.OpsDB, c.MeteringDB, c.LedgerDB, c.FleetDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			c.Log.Error().Err(err).Str("database", db.Name()).Msg("Failed to close database")
		}
	}
}
