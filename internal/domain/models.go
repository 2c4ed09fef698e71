// Package domain holds the shared data model of the control plane.
// It is pure: no database, transport or logging dependencies.
package domain

import (
	"regexp"
	"time"
)

// NodeStatus is the lifecycle state of a worker node.
type NodeStatus string

const (
	NodeActive     NodeStatus = "active"
	NodeDraining   NodeStatus = "draining"
	NodeOffline    NodeStatus = "offline"
	NodeUnhealthy  NodeStatus = "unhealthy"
	NodeRecovering NodeStatus = "recovering"
)

// Node is a worker host advertising container capacity.
type Node struct {
	ID              string     `json:"id"`
	Host            string     `json:"host"`
	Status          NodeStatus `json:"status"`
	CapacityMB      int64      `json:"capacity_mb"`
	UsedMB          int64      `json:"used_mb"`
	AgentVersion    string     `json:"agent_version,omitempty"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	RegisteredAt    time.Time  `json:"registered_at"`
}

// AvailableMB returns the free slot on the node.
func (n *Node) AvailableMB() int64 {
	return n.CapacityMB - n.UsedMB
}

// BillingState is the billing lifecycle of a bot instance.
type BillingState string

const (
	BillingActive           BillingState = "active"
	BillingSuspended        BillingState = "suspended"
	BillingScheduledDestroy BillingState = "scheduled_destroy"
)

// BotInstance binds a tenant to a node. NodeID is empty while the tenant is
// unassigned or waiting for capacity.
type BotInstance struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	Name         string       `json:"name"`
	NodeID       string       `json:"node_id,omitempty"`
	BillingState BillingState `json:"billing_state"`
	DestroyAfter *time.Time   `json:"destroy_after,omitempty"`
	EstimatedMB  int64        `json:"estimated_mb"`
	CreatedAt    time.Time    `json:"created_at"`
}

// BotProfile is the desired configuration for an instance. Env is stored as
// JSON at rest; corrupt JSON falls back to an empty env during recovery.
type BotProfile struct {
	InstanceID     string            `json:"instance_id"`
	Image          string            `json:"image"`
	Env            map[string]string `json:"env"`
	RestartPolicy  string            `json:"restart_policy"`
	UpdatePolicy   string            `json:"update_policy"`
	ReleaseChannel string            `json:"release_channel"`
}

// TransactionType classifies a credit ledger movement.
type TransactionType string

const (
	TxPurchase          TransactionType = "purchase"
	TxPromo             TransactionType = "promo"
	TxSignupGrant       TransactionType = "signup_grant"
	TxAutoTopupUsage    TransactionType = "auto_topup_usage"
	TxAutoTopupSchedule TransactionType = "auto_topup_schedule"
	TxRefund            TransactionType = "refund"
	TxCorrection        TransactionType = "correction"
	TxBotRuntime        TransactionType = "bot_runtime"
	TxAdapterUsage      TransactionType = "adapter_usage"
	TxDividend          TransactionType = "dividend"
)

// CreditTransaction is one row of the append-only money ledger. Amounts are
// signed integers in credit minor units. BalanceAfter is the running total
// for the tenant after this row.
type CreditTransaction struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	Amount           int64           `json:"amount"`
	BalanceAfter     int64           `json:"balance_after"`
	Type             TransactionType `json:"type"`
	Description      string          `json:"description,omitempty"`
	ReferenceID      string          `json:"reference_id,omitempty"`
	FundingSource    string          `json:"funding_source,omitempty"`
	AttributedUserID string          `json:"attributed_user_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// AutoTopupSettings holds the per-tenant recharge configuration for both
// usage-triggered and schedule-triggered modes.
type AutoTopupSettings struct {
	TenantID                    string     `json:"tenant_id"`
	UsageEnabled                bool       `json:"usage_enabled"`
	UsageThreshold              int64      `json:"usage_threshold"`
	UsageTopupAmount            int64      `json:"usage_topup_amount"`
	UsageConsecutiveFailures    int        `json:"usage_consecutive_failures"`
	UsageChargeInFlight         bool       `json:"usage_charge_in_flight"`
	ScheduleEnabled             bool       `json:"schedule_enabled"`
	ScheduleAmount              int64      `json:"schedule_amount"`
	ScheduleIntervalHours       int        `json:"schedule_interval_hours"`
	ScheduleNextAt              *time.Time `json:"schedule_next_at,omitempty"`
	ScheduleConsecutiveFailures int        `json:"schedule_consecutive_failures"`
}

// MeterEvent is one usage record produced by a worker adapter call to an
// external AI provider. Cost and Charge are credit minor units.
type MeterEvent struct {
	ID         string            `json:"id"`
	Tenant     string            `json:"tenant"`
	Capability string            `json:"capability"`
	Provider   string            `json:"provider"`
	Cost       int64             `json:"cost"`
	Charge     int64             `json:"charge"`
	Timestamp  int64             `json:"timestamp"` // unix millis
	SessionID  string            `json:"session_id,omitempty"`
	DurationMS int64             `json:"duration_ms,omitempty"`
	UsageUnits float64           `json:"usage_units,omitempty"`
	UnitType   string            `json:"unit_type,omitempty"`
	Tier       string            `json:"tier,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// UsageSummary is one aggregation row, keyed by
// (tenant, capability, provider, window_start).
type UsageSummary struct {
	WindowStart     int64   `json:"window_start"` // unix millis
	WindowEnd       int64   `json:"window_end"`
	Tenant          string  `json:"tenant"`
	Capability      string  `json:"capability"`
	Provider        string  `json:"provider"`
	EventCount      int64   `json:"event_count"`
	TotalCost       int64   `json:"total_cost"`
	TotalCharge     int64   `json:"total_charge"`
	TotalDuration   int64   `json:"total_duration"`
	TotalUsageUnits float64 `json:"total_usage_units"`
}

// RecoveryStatus is the state of a recovery event.
type RecoveryStatus string

const (
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoveryPartial    RecoveryStatus = "partial"
	RecoveryCompleted  RecoveryStatus = "completed"
)

// RecoveryTrigger names what started a recovery run.
type RecoveryTrigger string

const (
	TriggerHeartbeatTimeout RecoveryTrigger = "heartbeat_timeout"
	TriggerManual           RecoveryTrigger = "manual"
)

// RecoveryEvent is a single dead-node recovery run.
type RecoveryEvent struct {
	ID               string          `json:"id"`
	NodeID           string          `json:"node_id"`
	Trigger          RecoveryTrigger `json:"trigger"`
	Status           RecoveryStatus  `json:"status"`
	TenantsTotal     int             `json:"tenants_total"`
	TenantsRecovered int             `json:"tenants_recovered"`
	TenantsFailed    int             `json:"tenants_failed"`
	TenantsWaiting   int             `json:"tenants_waiting"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	ReportJSON       string          `json:"report_json,omitempty"`
}

// RecoveryItemStatus is the state of one tenant inside a recovery event.
type RecoveryItemStatus string

const (
	ItemPending   RecoveryItemStatus = "pending"
	ItemRecovered RecoveryItemStatus = "recovered"
	ItemWaiting   RecoveryItemStatus = "waiting"
	ItemRetried   RecoveryItemStatus = "retried"
	ItemFailed    RecoveryItemStatus = "failed"
)

// RecoveryItem tracks one tenant within a recovery event. TargetNode is
// empty until the tenant is placed. The source node reference is non-owning:
// the node row may vanish without affecting recovery bookkeeping.
type RecoveryItem struct {
	ID              string             `json:"id"`
	RecoveryEventID string             `json:"recovery_event_id"`
	Tenant          string             `json:"tenant"`
	InstanceID      string             `json:"instance_id"`
	SourceNode      string             `json:"source_node"`
	TargetNode      string             `json:"target_node,omitempty"`
	Status          RecoveryItemStatus `json:"status"`
	Reason          string             `json:"reason,omitempty"`
	RetryCount      int                `json:"retry_count"`
	StartedAt       time.Time          `json:"started_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

// NotificationStatus is the state of a queued notification.
type NotificationStatus string

const (
	NotifyPending    NotificationStatus = "pending"
	NotifySent       NotificationStatus = "sent"
	NotifyFailed     NotificationStatus = "failed"
	NotifyDeadLetter NotificationStatus = "dead_letter"
)

// NotificationQueueEntry is one outbound notification with retry bookkeeping.
type NotificationQueueEntry struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenant_id"`
	EmailType      string             `json:"email_type"`
	RecipientEmail string             `json:"recipient_email"`
	Payload        string             `json:"payload"`
	Status         NotificationStatus `json:"status"`
	Attempts       int                `json:"attempts"`
	MaxAttempts    int                `json:"max_attempts"`
	LastAttemptAt  *time.Time         `json:"last_attempt_at,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	RetryAfter     *time.Time         `json:"retry_after,omitempty"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidTenantID reports whether the tenant id is well-formed.
func ValidTenantID(id string) bool {
	return id != "" && tenantIDPattern.MatchString(id)
}

// ContainerName returns the worker-side container name for a tenant.
func ContainerName(tenantID string) string {
	return "tenant_" + tenantID
}

// ArchiveName returns the backup archive filename for a tenant.
func ArchiveName(tenantID string) string {
	return "tenant_" + tenantID + ".tar.gz"
}
