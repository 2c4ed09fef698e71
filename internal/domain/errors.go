package domain

import "errors"

// Domain error taxonomy. Handlers map these to transport status codes at the
// outermost layer; everything below surfaces them verbatim.
var (
	// ErrInvalidInput covers malformed amounts, invalid subdomains and
	// tenant ids that fail validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientBalance is returned by a ledger debit when the tenant
	// balance would drop below zero without allow-negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotFound covers missing instances, nodes, tenants and snapshots.
	ErrNotFound = errors.New("not found")

	// ErrNoCapacity is returned when placement cannot find a target node.
	ErrNoCapacity = errors.New("no capacity available")

	// ErrNodeNotConnected is returned when a command is issued to a node
	// without an open command channel.
	ErrNodeNotConnected = errors.New("node not connected")

	// ErrNotSupported is returned when the payment processor lacks a
	// requested capability (e.g. a billing portal).
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidSignature is returned when a webhook body does not match
	// its signature header.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidUpstream is returned when a proxy route upstream fails
	// SSRF validation.
	ErrInvalidUpstream = errors.New("invalid upstream")

	// ErrDuplicateReference is returned when a ledger write reuses a
	// reference id. This is the idempotency primitive for webhook ingestion.
	ErrDuplicateReference = errors.New("duplicate reference id")

	// ErrCommandTimeout is returned when a node command exceeds its
	// per-call timeout. The channel never retries; retry policy lives with
	// the caller.
	ErrCommandTimeout = errors.New("command timed out")
)
