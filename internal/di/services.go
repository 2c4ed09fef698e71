package di

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/backup"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/database"
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
	"github.com/wardenhq/warden/internal/modules/proxy"
	"github.com/wardenhq/warden/internal/modules/recovery"
	"github.com/wardenhq/warden/internal/modules/registry"
	"github.com/wardenhq/warden/internal/modules/topup"
	"github.com/wardenhq/warden/internal/modules/vault"
)

// InitializeServices builds every service on top of the opened databases.
func InitializeServices(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Bus = events.NewBus(log)

	// Billing core
	c.Ledger = ledger.New(c.LedgerDB.Conn(), log)

	// Metering
	c.MeterRepo = metering.NewRepository(c.MeteringDB.Conn(), log)
	emitter, err := metering.NewEmitter(c.MeterRepo, metering.EmitterConfig{
		WALPath:       cfg.WALPath,
		DLQPath:       cfg.DLQPath,
		BatchSize:     cfg.MeterBatchSize,
		FlushInterval: cfg.MeterFlushInterval,
		MaxRetries:    cfg.MeterMaxRetries,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize meter emitter: %w", err)
	}
	c.Emitter = emitter
	c.Aggregator = metering.NewAggregator(c.MeterRepo, cfg.MeterWindowSize, log)

	// Notifications
	c.NotifyQueue = notify.NewQueue(c.OpsDB.Conn(), log)
	var sender notify.Sender
	if cfg.NotifyWebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.NotifyWebhookURL, log)
	} else {
		sender = notify.NewLogSender(log)
	}
	c.Dispatcher = notify.NewDispatcher(c.NotifyQueue, sender, cfg.NotifyInterval, log)
	c.AdminNotifier = notify.NewAdminNotifier(c.NotifyQueue, cfg.AdminEmail, log)

	// Fleet
	reg, err := registry.New(c.FleetDB.Conn(), c.Bus, cfg.HeartbeatTimeout, log)
	if err != nil {
		return fmt.Errorf("failed to initialize node registry: %w", err)
	}
	c.Registry = reg
	c.Sweeper = registry.NewSweeper(reg, cfg.SweepInterval, log)
	c.Placement = placement.NewEngine(reg, log)
	c.Conns = channel.NewConnectionRegistry()
	c.Channel = channel.NewService(reg, c.Conns, cfg.CommandTimeout, log)
	c.FleetRepo = fleet.NewRepository(c.FleetDB.Conn(), log)
	c.Router = proxy.NewClient(cfg.ProxyAdminURL, log)
	c.Migration = fleet.NewEngine(c.FleetRepo, reg, c.Placement, c.Channel, c.Router, c.AdminNotifier, c.Bus, log)

	c.RecoveryRepo = recovery.NewRepository(c.OpsDB.Conn(), log)
	c.Recovery = recovery.NewManager(c.RecoveryRepo, c.FleetRepo, reg, c.Placement, c.Channel,
		c.Router, c.AdminNotifier, c.Bus, log)
	c.Recovery.Wire()

	// Payments and auto-top-up
	c.Processor = payments.NewStripeProcessor(cfg.StripeSecretKey, cfg.WebhookSecret, log)
	c.Payments = payments.NewService(c.Processor, c.Ledger, log)
	c.TopupRepo = topup.NewRepository(c.LedgerDB.Conn(), log)
	c.Topup = topup.NewController(c.TopupRepo, c.Ledger, c.Processor,
		&billingGate{repo: c.FleetRepo}, c.AdminNotifier, c.Bus, log)

	// Vault
	vaultKey := cfg.VaultKey
	if vaultKey == "" {
		if !cfg.DevMode {
			return fmt.Errorf("VAULT_KEY is required outside dev mode")
		}
		vaultKey = "warden-dev-master-key"
		log.Warn().Msg("VAULT_KEY not set, using dev-only master key")
	}
	v, err := vault.New(c.OpsDB.Conn(), vaultKey, log)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}
	c.Vault = v

	// Audit
	c.Audit = audit.NewLog(c.OpsDB.Conn(), log)

	// Backup store: S3-compatible when configured, local directory in dev.
	if cfg.S3Bucket != "" {
		client, err := backup.NewS3Client(context.Background(), backup.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize backup store: %w", err)
		}
		c.BackupStore = backup.NewS3Store(client, cfg.S3Bucket, log)
	} else {
		store, err := backup.NewLocalStore(filepath.Join(cfg.DataDir, "backups"), log)
		if err != nil {
			return fmt.Errorf("failed to initialize local backup store: %w", err)
		}
		c.BackupStore = store
		log.Warn().Msg("No S3 bucket configured, backups go to the local data directory")
	}
	c.Snapshots = backup.NewSnapshotService(c.BackupStore, map[string]*database.DB{
		"fleet":    c.FleetDB,
		"ledger":   c.LedgerDB,
		"metering": c.MeteringDB,
		"ops":      c.OpsDB,
	}, cfg.DataDir, log)

	// Metrics
	c.Metrics = metrics.New(c.Registry, c.NotifyQueue, c.Emitter, log)
	c.Metrics.Wire(c.Bus)

	log.Info().Msg("Services initialized")
	return nil
}
