/**
 * @description
 * This file defines the `Repository` interface: the contract for all data
 * access the collections service needs. The interface decouples the charge
 * orchestrator and webhook reconciler from the PostgreSQL implementation and
 * is what the unit tests stub out.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/umoja/collections-service/internal/domain"
)

// CounterDeltas are atomic increments applied to a claim's aggregate
// counters. Deltas are applied in SQL (counter = counter + delta), never as a
// read-modify-write from application memory, so the orchestrator and the
// reconciler cannot lose each other's updates.
type CounterDeltas struct {
	Attempted        int
	Success          int
	Failed           int
	AmountMinorUnits int64
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Member ledger (read-only, plus instrument linkage updates applied on
	// behalf of the gateway reconciler).
	ListActiveMembers(ctx context.Context) ([]domain.Member, error)
	UpdateMemberInstrument(ctx context.Context, gatewayCustomerRef string, instrumentRef *string, active bool) error

	// Claims
	BeginClaimRun(ctx context.Context, claimID uuid.UUID, note, currency string) (*domain.Claim, error)
	GetClaimByID(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error)
	MarkClaimFailed(ctx context.Context, claimID uuid.UUID) error
	ApplyClaimCounterDeltas(ctx context.Context, claimID uuid.UUID, deltas CounterDeltas) (*domain.Claim, error)

	// Transactions
	UpsertPendingTransaction(ctx context.Context, tx *domain.Transaction) error
	RecordTransactionOutcome(ctx context.Context, txID uuid.UUID, status string, gatewayRef, failureReason *string) error
	TransitionTransactionStatus(ctx context.Context, txID uuid.UUID, from []string, to string, failureReason, disputeReason *string) (bool, error)
	FindTransactionByGatewayRef(ctx context.Context, gatewayRef string) (*domain.Transaction, error)
	ListTransactionsByClaim(ctx context.Context, claimID uuid.UUID) ([]domain.Transaction, error)
	ListUnretriableMemberIDs(ctx context.Context, claimID uuid.UUID) (map[uuid.UUID]string, error)

	// Audit log
	AppendAuditEntry(ctx context.Context, entry domain.AuditEntry) error

	// Crash-recovery sweep
	ExpireStalePendingTransactions(ctx context.Context, olderThan time.Duration) (int64, error)
	ListFinalizableClaimIDs(ctx context.Context, quietFor time.Duration) ([]uuid.UUID, error)
	RecomputeClaimAggregates(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error)
}
