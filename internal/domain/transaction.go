/**
 * @description
 * Transaction domain model: one durable record per (claim, member) charge
 * attempt. The row is written in `pending` state before the gateway is called
 * so a crash mid-call still leaves an auditable trail, then moved to a
 * terminal or interim state once the gateway answers.
 *
 * @notes
 * - Amounts are stored as int64 in the currency's smallest unit to avoid
 *   floating-point drift with financial data.
 * - GatewayReferenceID, once set, is immutable; it is the join key the
 *   webhook reconciler uses to locate the attempt later.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction statuses. Transitions are forward-only.
const (
	TxStatusPending        = "pending"
	TxStatusSucceeded      = "succeeded"
	TxStatusFailed         = "failed"
	TxStatusRequiresAction = "requires_action"
	TxStatusDisputed       = "disputed"
)

// Failure/skip reasons recorded on transactions and surfaced in run results.
const (
	ReasonNoPaymentMethod  = "no_payment_method"
	ReasonAlreadySettled   = "already_settled"
	ReasonLedgerWriteError = "ledger_write_error"
	ReasonNotFinalized     = "attempt_not_finalized"
)

// Transaction maps to the `transactions` table.
type Transaction struct {
	ID                 uuid.UUID `json:"id"`
	ClaimID            uuid.UUID `json:"claim_id"`
	MemberID           uuid.UUID `json:"member_id"`
	DependentsAtCharge int       `json:"dependents_at_charge_time"`
	AmountMinorUnits   int64     `json:"amount_minor_units"`
	Currency           string    `json:"currency"`
	Status             string    `json:"status"`
	GatewayReferenceID *string   `json:"gateway_reference_id,omitempty"`
	FailureReason      *string   `json:"failure_reason,omitempty"`
	DisputeReason      *string   `json:"dispute_reason,omitempty"`
	AttemptCount       int       `json:"attempt_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// CanTransition reports whether a transaction status change is allowed by the
// forward-only state machine:
//
//	pending -> succeeded | failed | requires_action
//	requires_action -> succeeded | failed
//	succeeded -> disputed
//
// Anything else (notably any move back toward pending, or resurrecting a
// failed charge) is rejected.
func CanTransition(from, to string) bool {
	switch from {
	case TxStatusPending:
		return to == TxStatusSucceeded || to == TxStatusFailed || to == TxStatusRequiresAction
	case TxStatusRequiresAction:
		return to == TxStatusSucceeded || to == TxStatusFailed
	case TxStatusSucceeded:
		return to == TxStatusDisputed
	default:
		return false
	}
}

// AuditEntry is one append-only record of a reconciliation mutation.
type AuditEntry struct {
	ID                 uuid.UUID  `json:"id"`
	TransactionID      *uuid.UUID `json:"transaction_id,omitempty"`
	GatewayEventID     string     `json:"gateway_event_id"`
	EventKind          string     `json:"event_kind"`
	GatewayReferenceID string     `json:"gateway_reference_id,omitempty"`
	Detail             string     `json:"detail,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}
