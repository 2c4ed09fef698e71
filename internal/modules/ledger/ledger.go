// Package ledger implements the append-only credit ledger. Every money
// movement is one row; balances are derived state reconstructible by
// replaying a tenant's rows. The ledger never retries and never partially
// writes; retry policy belongs to its callers.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// HistoryLimit is the hard cap on rows returned by History.
const HistoryLimit = 250

// shardCount sizes the per-tenant write lock table. Writes for the same
// tenant always hash to the same shard, which keeps balance_after a true
// running total under concurrency.
const shardCount = 64

// Ledger handles credit transaction persistence and balance accounting.
type Ledger struct {
	db     *sql.DB // ledger.db - credit_transactions, credit_balances
	shards [shardCount]sync.Mutex
	log    zerolog.Logger
}

// New creates a new credit ledger backed by ledger.db.
func New(db *sql.DB, log zerolog.Logger) *Ledger {
	return &Ledger{
		db:  db,
		log: log.With().Str("repo", "ledger").Logger(),
	}
}

// WriteParams carries the optional attributes of a ledger write.
type WriteParams struct {
	Description      string
	ReferenceID      string
	FundingSource    string
	AttributedUserID string
	AllowNegative    bool // debit only
}

func (l *Ledger) lockTenant(tenant string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenant))
	return &l.shards[h.Sum32()%shardCount]
}

// Credit appends a positive movement for the tenant and returns the row.
// Fails with domain.ErrInvalidInput when amount is not positive and with
// domain.ErrDuplicateReference when the reference id was already used.
func (l *Ledger) Credit(tenant string, amount int64, txType domain.TransactionType, params WriteParams) (*domain.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d: %w", amount, domain.ErrInvalidInput)
	}
	return l.write(tenant, amount, txType, params)
}

// Debit appends a negative movement for the tenant. Without AllowNegative it
// fails with domain.ErrInsufficientBalance when the balance cannot cover the
// amount; with AllowNegative the balance may go below zero and the row still
// records amount = -requested.
func (l *Ledger) Debit(tenant string, amount int64, txType domain.TransactionType, params WriteParams) (*domain.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d: %w", amount, domain.ErrInvalidInput)
	}
	return l.write(tenant, -amount, txType, params)
}

// write is the single append path. It serializes per tenant, reads the prior
// balance, inserts the row with balance_after = prior + signed amount, and
// updates the derived balance cache in the same transaction.
func (l *Ledger) write(tenant string, signedAmount int64, txType domain.TransactionType, params WriteParams) (*domain.CreditTransaction, error) {
	if !domain.ValidTenantID(tenant) {
		return nil, fmt.Errorf("invalid tenant id %q: %w", tenant, domain.ErrInvalidInput)
	}

	mu := l.lockTenant(tenant)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	var prior int64
	err = tx.QueryRow(
		`SELECT balance_after FROM credit_transactions WHERE tenant_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		tenant,
	).Scan(&prior)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read prior balance: %w", err)
	}

	if signedAmount < 0 && !params.AllowNegative && prior+signedAmount < 0 {
		return nil, fmt.Errorf("balance %d cannot cover debit of %d: %w", prior, -signedAmount, domain.ErrInsufficientBalance)
	}

	now := time.Now()
	row := &domain.CreditTransaction{
		ID:               uuid.NewString(),
		TenantID:         tenant,
		Amount:           signedAmount,
		BalanceAfter:     prior + signedAmount,
		Type:             txType,
		Description:      params.Description,
		ReferenceID:      params.ReferenceID,
		FundingSource:    params.FundingSource,
		AttributedUserID: params.AttributedUserID,
		CreatedAt:        now,
	}

	var refID any
	if row.ReferenceID != "" {
		refID = row.ReferenceID
	}

	_, err = tx.Exec(
		`INSERT INTO credit_transactions
		 (id, tenant_id, amount, balance_after, type, description, reference_id, funding_source, attributed_user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.TenantID, row.Amount, row.BalanceAfter, string(row.Type),
		row.Description, refID, row.FundingSource, row.AttributedUserID, now.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("reference id %q already recorded: %w", row.ReferenceID, domain.ErrDuplicateReference)
		}
		return nil, fmt.Errorf("failed to insert credit transaction: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO credit_balances (tenant_id, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		tenant, row.BalanceAfter, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance cache: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ledger transaction: %w", err)
	}

	l.log.Debug().
		Str("tenant", tenant).
		Int64("amount", signedAmount).
		Int64("balance_after", row.BalanceAfter).
		Str("type", string(txType)).
		Msg("Ledger row appended")

	return row, nil
}

// Balance returns the tenant's current balance from the derived cache,
// falling back to the latest transaction row when the cache has no entry.
func (l *Ledger) Balance(tenant string) (int64, error) {
	var balance int64
	err := l.db.QueryRow(`SELECT balance FROM credit_balances WHERE tenant_id = ?`, tenant).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		err = l.db.QueryRow(
			`SELECT balance_after FROM credit_transactions WHERE tenant_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
			tenant,
		).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// HistoryFilter narrows History results.
type HistoryFilter struct {
	Type   domain.TransactionType
	Limit  int
	Offset int
}

// History returns the tenant's transactions newest-first. Limit is clamped
// to HistoryLimit.
func (l *Ledger) History(tenant string, filter HistoryFilter) ([]domain.CreditTransaction, error) {
	limit := filter.Limit
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}

	query := `SELECT id, tenant_id, amount, balance_after, type, description,
	                 COALESCE(reference_id, ''), funding_source, attributed_user_id, created_at
	          FROM credit_transactions WHERE tenant_id = ?`
	args := []any{tenant}

	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}

	query += " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var result []domain.CreditTransaction
	for rows.Next() {
		var t domain.CreditTransaction
		var txType string
		var createdMS int64
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Amount, &t.BalanceAfter, &txType,
			&t.Description, &t.ReferenceID, &t.FundingSource, &t.AttributedUserID, &createdMS); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		t.Type = domain.TransactionType(txType)
		t.CreatedAt = time.UnixMilli(createdMS)
		result = append(result, t)
	}
	return result, rows.Err()
}

// HasReferenceID reports whether a reference id was ever recorded, across
// all tenants.
func (l *Ledger) HasReferenceID(ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	var one int
	err := l.db.QueryRow(`SELECT 1 FROM credit_transactions WHERE reference_id = ? LIMIT 1`, ref).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check reference id: %w", err)
	}
	return true, nil
}

// TenantBalance pairs a tenant with its current balance.
type TenantBalance struct {
	TenantID string `json:"tenant_id"`
	Balance  int64  `json:"balance"`
}

// TenantsWithBalance returns every tenant known to the balance cache.
func (l *Ledger) TenantsWithBalance() ([]TenantBalance, error) {
	rows, err := l.db.Query(`SELECT tenant_id, balance FROM credit_balances ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var result []TenantBalance
	for rows.Next() {
		var tb TenantBalance
		if err := rows.Scan(&tb.TenantID, &tb.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance row: %w", err)
		}
		result = append(result, tb)
	}
	return result, rows.Err()
}

// RebuildBalance replays a tenant's transactions into the balance cache.
// Used by operational tooling to verify the derived cache against the
// source of truth.
func (l *Ledger) RebuildBalance(tenant string) (int64, error) {
	var total sql.NullInt64
	err := l.db.QueryRow(`SELECT SUM(amount) FROM credit_transactions WHERE tenant_id = ?`, tenant).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to replay transactions: %w", err)
	}
	balance := total.Int64
	_, err = l.db.Exec(
		`INSERT INTO credit_balances (tenant_id, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		tenant, balance, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to write rebuilt balance: %w", err)
	}
	return balance, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
