/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. All claim counter
 * mutations are expressed as atomic SQL increments and all transaction status
 * changes are conditional UPDATEs guarded by the current status, so the
 * forward-only state machine is enforced at the storage layer even when the
 * orchestrator and the webhook reconciler write concurrently.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/umoja/collections-service/internal/domain"
)

var (
	ErrMemberNotFound          = errors.New("member not found")
	ErrClaimNotFound           = errors.New("claim not found")
	ErrClaimAlreadyProcessing  = errors.New("claim charge run already in progress")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrTransactionNotRetriable = errors.New("transaction is not in a retriable state")
	ErrStaleTransition         = errors.New("stale transaction status transition")
)

// claimStatusCase derives the claim status from post-increment counter
// values. Mirrors domain.ResolveClaimStatus; kept in SQL so status and
// counters move in one statement.
const claimStatusCase = `CASE
		WHEN total_success + $3 + total_failed + $4 < total_members_attempted + $2 THEN 'processing'
		WHEN total_failed + $4 > 0 AND total_success + $3 = 0 THEN 'failed'
		WHEN total_failed + $4 > 0 THEN 'partial'
		ELSE 'completed'
	END`

// PostgresRepository is the concrete Repository backed by a pgx pool.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ListActiveMembers loads the charge population: every member currently
// flagged active. The orchestrator treats the returned slice as a snapshot;
// activations or deactivations after this query do not join the run.
func (r *PostgresRepository) ListActiveMembers(ctx context.Context) ([]domain.Member, error) {
	query := `
		SELECT id, full_name, email, active, dependent_count, gateway_customer_ref, payment_instrument_ref, joined_at
		FROM members
		WHERE active = TRUE
		ORDER BY joined_at
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.ID, &m.FullName, &m.Email, &m.Active, &m.DependentCount, &m.GatewayCustomerRef, &m.PaymentInstrumentRef, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// UpdateMemberInstrument updates a member's payment instrument linkage and
// derived active flag. Members are looked up by their gateway customer
// reference because that is all the gateway's instrument events carry.
func (r *PostgresRepository) UpdateMemberInstrument(ctx context.Context, gatewayCustomerRef string, instrumentRef *string, active bool) error {
	query := `UPDATE members SET payment_instrument_ref = $2, active = $3, updated_at = NOW() WHERE gateway_customer_ref = $1`
	result, err := r.db.Exec(ctx, query, gatewayCustomerRef, instrumentRef, active)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// BeginClaimRun creates the claim in processing state with zeroed counters,
// or moves an existing non-processing claim back into processing for a retry
// run (keeping its accumulated counters). A claim already in processing
// cannot be claimed again: the conflict update is guarded by status.
func (r *PostgresRepository) BeginClaimRun(ctx context.Context, claimID uuid.UUID, note, currency string) (*domain.Claim, error) {
	query := `
		INSERT INTO claims (id, status, note, total_members_attempted, total_success, total_failed, total_amount_expected, currency, created_at, updated_at)
		VALUES ($1, 'processing', $2, 0, 0, 0, 0, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = 'processing',
		    note = CASE WHEN EXCLUDED.note <> '' THEN EXCLUDED.note ELSE claims.note END,
		    updated_at = NOW()
		WHERE claims.status <> 'processing'
		RETURNING id, status, note, total_members_attempted, total_success, total_failed, total_amount_expected, currency, created_at, updated_at
	`
	claim, err := scanClaim(r.db.QueryRow(ctx, query, claimID, note, currency))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimAlreadyProcessing
		}
		return nil, err
	}
	return claim, nil
}

// GetClaimByID retrieves one claim with its aggregate counters.
func (r *PostgresRepository) GetClaimByID(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error) {
	query := `
		SELECT id, status, note, total_members_attempted, total_success, total_failed, total_amount_expected, currency, created_at, updated_at
		FROM claims WHERE id = $1
	`
	claim, err := scanClaim(r.db.QueryRow(ctx, query, claimID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return claim, nil
}

// MarkClaimFailed aborts a run that could not even enumerate its members.
func (r *PostgresRepository) MarkClaimFailed(ctx context.Context, claimID uuid.UUID) error {
	query := `UPDATE claims SET status = 'failed', updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, claimID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrClaimNotFound
	}
	return nil
}

// ApplyClaimCounterDeltas atomically adds the deltas to the claim's counters
// and recomputes the status from the resulting values in the same statement.
func (r *PostgresRepository) ApplyClaimCounterDeltas(ctx context.Context, claimID uuid.UUID, deltas CounterDeltas) (*domain.Claim, error) {
	query := `
		UPDATE claims SET
			total_members_attempted = total_members_attempted + $2,
			total_success = total_success + $3,
			total_failed = total_failed + $4,
			total_amount_expected = total_amount_expected + $5,
			status = ` + claimStatusCase + `,
			updated_at = NOW()
		WHERE id = $1
		RETURNING id, status, note, total_members_attempted, total_success, total_failed, total_amount_expected, currency, created_at, updated_at
	`
	claim, err := scanClaim(r.db.QueryRow(ctx, query, claimID, deltas.Attempted, deltas.Success, deltas.Failed, deltas.AmountMinorUnits))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return claim, nil
}

// UpsertPendingTransaction writes the pre-attempt pending record for a
// (claim, member) pair. A first dispatch inserts the row; a retry re-arms an
// existing failed row, bumping attempt_count and clearing the old failure
// reason and gateway reference while keeping the originally computed amount
// immutable. The reference must be cleared so a late webhook for the
// superseded attempt no longer matches this row; the next outcome write sets
// the fresh reference. Any other existing status means the member is not
// retriable for this claim.
func (r *PostgresRepository) UpsertPendingTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, claim_id, member_id, dependents_at_charge_time, amount_minor_units, currency, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 1, NOW(), NOW())
		ON CONFLICT (claim_id, member_id) DO UPDATE
		SET status = 'pending',
		    failure_reason = NULL,
		    gateway_reference_id = NULL,
		    attempt_count = transactions.attempt_count + 1,
		    updated_at = NOW()
		WHERE transactions.status = 'failed'
		RETURNING id, dependents_at_charge_time, amount_minor_units, attempt_count
	`
	err := r.db.QueryRow(ctx, query, tx.ID, tx.ClaimID, tx.MemberID, tx.DependentsAtCharge, tx.AmountMinorUnits, tx.Currency).
		Scan(&tx.ID, &tx.DependentsAtCharge, &tx.AmountMinorUnits, &tx.AttemptCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTransactionNotRetriable
		}
		return err
	}
	tx.Status = domain.TxStatusPending
	return nil
}

// RecordTransactionOutcome moves a pending transaction to the status the
// gateway reported. The gateway reference is write-once: COALESCE keeps an
// already-set reference.
func (r *PostgresRepository) RecordTransactionOutcome(ctx context.Context, txID uuid.UUID, status string, gatewayRef, failureReason *string) error {
	query := `
		UPDATE transactions
		SET status = $2,
		    gateway_reference_id = COALESCE(gateway_reference_id, $3),
		    failure_reason = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, txID, status, gatewayRef, failureReason)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// TransitionTransactionStatus applies a guarded status change: the update
// only lands when the row's current status is one of `from`. Returns whether
// the transition was applied, so callers can distinguish idempotent
// redeliveries from real state changes.
func (r *PostgresRepository) TransitionTransactionStatus(ctx context.Context, txID uuid.UUID, from []string, to string, failureReason, disputeReason *string) (bool, error) {
	query := `
		UPDATE transactions
		SET status = $2,
		    failure_reason = COALESCE($3, failure_reason),
		    dispute_reason = COALESCE($4, dispute_reason),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)
	`
	result, err := r.db.Exec(ctx, query, txID, to, failureReason, disputeReason, from)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// FindTransactionByGatewayRef locates the attempt a webhook refers to.
func (r *PostgresRepository) FindTransactionByGatewayRef(ctx context.Context, gatewayRef string) (*domain.Transaction, error) {
	query := `
		SELECT id, claim_id, member_id, dependents_at_charge_time, amount_minor_units, currency, status,
		       gateway_reference_id, failure_reason, dispute_reason, attempt_count, created_at, updated_at
		FROM transactions WHERE gateway_reference_id = $1
	`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, gatewayRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// ListTransactionsByClaim returns every attempt record of one charge run.
func (r *PostgresRepository) ListTransactionsByClaim(ctx context.Context, claimID uuid.UUID) ([]domain.Transaction, error) {
	query := `
		SELECT id, claim_id, member_id, dependents_at_charge_time, amount_minor_units, currency, status,
		       gateway_reference_id, failure_reason, dispute_reason, attempt_count, created_at, updated_at
		FROM transactions
		WHERE claim_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(
			&tx.ID, &tx.ClaimID, &tx.MemberID, &tx.DependentsAtCharge, &tx.AmountMinorUnits, &tx.Currency,
			&tx.Status, &tx.GatewayReferenceID, &tx.FailureReason, &tx.DisputeReason, &tx.AttemptCount,
			&tx.CreatedAt, &tx.UpdatedAt,
		); err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// ListUnretriableMemberIDs returns, for one claim, the members whose existing
// transaction must not be re-dispatched (anything except failed), keyed to
// their current status. The orchestrator skips these on a repeat run instead
// of charging an already-settled member twice.
func (r *PostgresRepository) ListUnretriableMemberIDs(ctx context.Context, claimID uuid.UUID) (map[uuid.UUID]string, error) {
	query := `
		SELECT member_id, status FROM transactions
		WHERE claim_id = $1 AND status IN ('succeeded', 'pending', 'requires_action', 'disputed')
	`
	rows, err := r.db.Query(ctx, query, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settled := make(map[uuid.UUID]string)
	for rows.Next() {
		var memberID uuid.UUID
		var status string
		if err := rows.Scan(&memberID, &status); err != nil {
			return nil, err
		}
		settled[memberID] = status
	}
	return settled, rows.Err()
}

// AppendAuditEntry writes one append-only reconciliation audit record.
func (r *PostgresRepository) AppendAuditEntry(ctx context.Context, entry domain.AuditEntry) error {
	query := `
		INSERT INTO audit_log (id, transaction_id, gateway_event_id, event_kind, gateway_reference_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err := r.db.Exec(ctx, query, entry.ID, entry.TransactionID, entry.GatewayEventID, entry.EventKind, entry.GatewayReferenceID, entry.Detail)
	return err
}

// ExpireStalePendingTransactions fails pending attempts that have not been
// finalized within the grace window. These are crash leftovers: the run that
// dispatched them died before recording an outcome, and the idempotency key
// guarantees a later retry cannot double-charge the member.
func (r *PostgresRepository) ExpireStalePendingTransactions(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE transactions
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE status = 'pending' AND updated_at < NOW() - ($1 * INTERVAL '1 second')
	`
	result, err := r.db.Exec(ctx, query, int64(olderThan.Seconds()), domain.ReasonNotFinalized)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// ListFinalizableClaimIDs returns processing claims that have gone quiet (no
// writes within the window) and carry no live pending attempt, i.e. runs that
// crashed after their attempts resolved but before the aggregate write.
func (r *PostgresRepository) ListFinalizableClaimIDs(ctx context.Context, quietFor time.Duration) ([]uuid.UUID, error) {
	query := `
		SELECT c.id FROM claims c
		WHERE c.status = 'processing'
		  AND c.updated_at < NOW() - ($1 * INTERVAL '1 second')
		  AND NOT EXISTS (SELECT 1 FROM transactions t WHERE t.claim_id = c.id AND t.status = 'pending')
	`
	rows, err := r.db.Query(ctx, query, int64(quietFor.Seconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecomputeClaimAggregates rebuilds a claim's counters from its transaction
// rows and resolves the status, all in one statement. Disputed counts as
// success: a dispute is a post-hoc event on an already-succeeded charge.
func (r *PostgresRepository) RecomputeClaimAggregates(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error) {
	query := `
		UPDATE claims c SET
			total_members_attempted = agg.attempted,
			total_success = agg.success,
			total_failed = agg.failed,
			total_amount_expected = agg.amount,
			status = CASE
				WHEN agg.success + agg.failed < agg.attempted THEN 'processing'
				WHEN agg.failed > 0 AND agg.success = 0 THEN 'failed'
				WHEN agg.failed > 0 THEN 'partial'
				ELSE 'completed'
			END,
			updated_at = NOW()
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status IN ('succeeded', 'failed', 'requires_action', 'disputed')) AS attempted,
				COUNT(*) FILTER (WHERE status IN ('succeeded', 'disputed')) AS success,
				COUNT(*) FILTER (WHERE status = 'failed') AS failed,
				COALESCE(SUM(amount_minor_units) FILTER (WHERE status IN ('succeeded', 'failed', 'requires_action', 'disputed')), 0) AS amount
			FROM transactions WHERE claim_id = $1
		) agg
		WHERE c.id = $1
		RETURNING c.id, c.status, c.note, c.total_members_attempted, c.total_success, c.total_failed, c.total_amount_expected, c.currency, c.created_at, c.updated_at
	`
	claim, err := scanClaim(r.db.QueryRow(ctx, query, claimID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return claim, nil
}

func scanClaim(row pgx.Row) (*domain.Claim, error) {
	var c domain.Claim
	err := row.Scan(
		&c.ID, &c.Status, &c.Note, &c.TotalMembersAttempted, &c.TotalSuccess, &c.TotalFailed,
		&c.TotalAmountExpected, &c.Currency, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID, &tx.ClaimID, &tx.MemberID, &tx.DependentsAtCharge, &tx.AmountMinorUnits, &tx.Currency,
		&tx.Status, &tx.GatewayReferenceID, &tx.FailureReason, &tx.DisputeReason, &tx.AttemptCount,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
