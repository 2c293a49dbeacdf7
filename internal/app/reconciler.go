/**
 * @description
 * This file contains the webhook reconciler: the business logic that applies
 * asynchronous payment gateway events to the transaction ledger and rolls the
 * deltas up into claim aggregates.
 *
 * Key features:
 * - At-least-once safety: a redelivered event is detected by comparing the
 *   transaction's current status and applied exactly once.
 * - Forward-only transitions: any event that would move a transaction
 *   backward is rejected and logged, never applied.
 * - Counter bookkeeping: a transaction resolved straight from pending (a run
 *   that died before tallying) also adds itself to the attempted counters.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Downstream event fan-out.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/umoja/collections-service/internal/domain"
	"github.com/umoja/collections-service/internal/store"
	"github.com/umoja/collections-service/pkg/rabbitmq"
)

// Reconciler applies verified gateway events to the ledger.
type Reconciler struct {
	repo      store.Repository
	publisher rabbitmq.Publisher
}

// NewReconciler creates a new reconciler instance. publisher may be nil.
func NewReconciler(repo store.Repository, publisher rabbitmq.Publisher) *Reconciler {
	return &Reconciler{repo: repo, publisher: publisher}
}

// HandleGatewayEvent dispatches one verified, parsed gateway event.
//
// A nil return means the event was fully absorbed (applied, already applied,
// or deliberately ignored); a non-nil return means a transient processing
// failure the gateway should redeliver for.
func (r *Reconciler) HandleGatewayEvent(ctx context.Context, event *domain.GatewayEvent) error {
	switch event.Kind {
	case domain.EventChargeSucceeded:
		return r.handleChargeOutcome(ctx, event, domain.TxStatusSucceeded)
	case domain.EventChargeFailed:
		return r.handleChargeOutcome(ctx, event, domain.TxStatusFailed)
	case domain.EventChargeActionRequired:
		return r.handleActionRequired(ctx, event)
	case domain.EventInstrumentAttached:
		return r.handleInstrument(ctx, event, true)
	case domain.EventInstrumentDetached:
		return r.handleInstrument(ctx, event, false)
	case domain.EventDisputeOpened:
		return r.handleDispute(ctx, event)
	default:
		log.Printf("level=info component=reconciler event_id=%s event_type=%s msg=\"unhandled event type; acknowledging\"", event.ID, event.Kind)
		return nil
	}
}

// handleChargeOutcome resolves a charge to its terminal succeeded or failed
// state.
func (r *Reconciler) handleChargeOutcome(ctx context.Context, event *domain.GatewayEvent, to string) error {
	tx, err := r.repo.FindTransactionByGatewayRef(ctx, event.Charge.GatewayReferenceID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=reconciler event_id=%s reference=%s msg=\"no transaction for gateway reference; ignoring\"", event.ID, event.Charge.GatewayReferenceID)
			return nil
		}
		return fmt.Errorf("failed to look up transaction for reference %s: %w", event.Charge.GatewayReferenceID, err)
	}

	if tx.Status == to {
		// Redelivery of an already-applied event.
		return nil
	}
	if !domain.CanTransition(tx.Status, to) {
		log.Printf("level=warn component=reconciler event_id=%s transaction_id=%s from=%s to=%s msg=\"rejected backward status transition\"", event.ID, tx.ID, tx.Status, to)
		return nil
	}

	var failureReason *string
	if to == domain.TxStatusFailed && event.Charge.Message != "" {
		msg := event.Charge.Message
		failureReason = &msg
	}

	applied, err := r.repo.TransitionTransactionStatus(ctx, tx.ID, []string{tx.Status}, to, failureReason, nil)
	if err != nil {
		return fmt.Errorf("failed to transition transaction %s to %s: %w", tx.ID, to, err)
	}
	if !applied {
		// A concurrent delivery won the race; its delta already landed.
		return nil
	}

	deltas := store.CounterDeltas{}
	if to == domain.TxStatusSucceeded {
		deltas.Success = 1
	} else {
		deltas.Failed = 1
	}
	if tx.Status == domain.TxStatusPending {
		if tx.AttemptCount > 1 {
			// A re-dispatch whose run died before tallying. The run that
			// failed the first attempt already counted it, so reverse that
			// failure instead of counting the attempt again.
			deltas.Failed--
		} else {
			// The dispatching run never tallied this attempt; count it now.
			deltas.Attempted = 1
			deltas.AmountMinorUnits = tx.AmountMinorUnits
		}
	}

	claim, err := r.repo.ApplyClaimCounterDeltas(ctx, tx.ClaimID, deltas)
	if err != nil {
		return fmt.Errorf("failed to apply counter deltas for claim %s: %w", tx.ClaimID, err)
	}

	r.appendAudit(ctx, tx, event, tx.Status, to)
	r.publishReconciled(ctx, routingChargeReconciled, tx, claim.Status, to)
	log.Printf("level=info component=reconciler event_id=%s transaction_id=%s claim_id=%s from=%s to=%s claim_status=%s msg=\"charge reconciled\"", event.ID, tx.ID, tx.ClaimID, tx.Status, to, claim.Status)
	return nil
}

// handleActionRequired parks a pending charge in the deferred state. It moves
// no claim counters: the attempt is still unresolved.
func (r *Reconciler) handleActionRequired(ctx context.Context, event *domain.GatewayEvent) error {
	tx, err := r.repo.FindTransactionByGatewayRef(ctx, event.Charge.GatewayReferenceID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=reconciler event_id=%s reference=%s msg=\"no transaction for gateway reference; ignoring\"", event.ID, event.Charge.GatewayReferenceID)
			return nil
		}
		return fmt.Errorf("failed to look up transaction for reference %s: %w", event.Charge.GatewayReferenceID, err)
	}

	if tx.Status == domain.TxStatusRequiresAction {
		return nil
	}
	if !domain.CanTransition(tx.Status, domain.TxStatusRequiresAction) {
		log.Printf("level=warn component=reconciler event_id=%s transaction_id=%s from=%s msg=\"rejected backward status transition to requires_action\"", event.ID, tx.ID, tx.Status)
		return nil
	}

	applied, err := r.repo.TransitionTransactionStatus(ctx, tx.ID, []string{domain.TxStatusPending}, domain.TxStatusRequiresAction, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to transition transaction %s to requires_action: %w", tx.ID, err)
	}
	if applied {
		r.appendAudit(ctx, tx, event, tx.Status, domain.TxStatusRequiresAction)
	}
	return nil
}

// handleInstrument mirrors the member's gateway billing state. attached=true
// stores the new instrument reference; attached=false clears it, which also
// drops the member out of future charge runs.
func (r *Reconciler) handleInstrument(ctx context.Context, event *domain.GatewayEvent, attached bool) error {
	var instrumentRef *string
	if attached {
		ref := event.Instrument.InstrumentRef
		if ref == "" {
			log.Printf("level=warn component=reconciler event_id=%s msg=\"attach event without instrument reference; ignoring\"", event.ID)
			return nil
		}
		instrumentRef = &ref
	}

	err := r.repo.UpdateMemberInstrument(ctx, event.Instrument.GatewayCustomerRef, instrumentRef, attached)
	if err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			log.Printf("level=warn component=reconciler event_id=%s customer_ref=%s msg=\"no member for gateway customer; ignoring\"", event.ID, event.Instrument.GatewayCustomerRef)
			return nil
		}
		return fmt.Errorf("failed to update instrument for customer %s: %w", event.Instrument.GatewayCustomerRef, err)
	}
	log.Printf("level=info component=reconciler event_id=%s customer_ref=%s attached=%t msg=\"member payment instrument updated\"", event.ID, event.Instrument.GatewayCustomerRef, attached)
	return nil
}

// handleDispute marks a previously succeeded charge as disputed. The claim's
// success counters are left alone: a disputed contribution was collected and
// its clawback is an accounting concern, not a collection failure.
func (r *Reconciler) handleDispute(ctx context.Context, event *domain.GatewayEvent) error {
	tx, err := r.repo.FindTransactionByGatewayRef(ctx, event.Dispute.GatewayReferenceID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=reconciler event_id=%s reference=%s msg=\"no transaction for disputed reference; ignoring\"", event.ID, event.Dispute.GatewayReferenceID)
			return nil
		}
		return fmt.Errorf("failed to look up transaction for reference %s: %w", event.Dispute.GatewayReferenceID, err)
	}

	if tx.Status == domain.TxStatusDisputed {
		return nil
	}
	if !domain.CanTransition(tx.Status, domain.TxStatusDisputed) {
		log.Printf("level=warn component=reconciler event_id=%s transaction_id=%s from=%s msg=\"dispute event for non-succeeded transaction; ignoring\"", event.ID, tx.ID, tx.Status)
		return nil
	}

	var disputeReason *string
	if event.Dispute.Reason != "" {
		reason := event.Dispute.Reason
		disputeReason = &reason
	}

	applied, err := r.repo.TransitionTransactionStatus(ctx, tx.ID, []string{domain.TxStatusSucceeded}, domain.TxStatusDisputed, nil, disputeReason)
	if err != nil {
		return fmt.Errorf("failed to mark transaction %s disputed: %w", tx.ID, err)
	}
	if !applied {
		return nil
	}

	r.appendAudit(ctx, tx, event, tx.Status, domain.TxStatusDisputed)
	r.publishReconciled(ctx, routingDisputeOpened, tx, "", domain.TxStatusDisputed)
	log.Printf("level=info component=reconciler event_id=%s transaction_id=%s claim_id=%s msg=\"charge disputed\"", event.ID, tx.ID, tx.ClaimID)
	return nil
}

func (r *Reconciler) appendAudit(ctx context.Context, tx *domain.Transaction, event *domain.GatewayEvent, from, to string) {
	txID := tx.ID
	entry := domain.AuditEntry{
		ID:             uuid.New(),
		TransactionID:  &txID,
		GatewayEventID: event.ID,
		EventKind:      event.Kind,
		Detail:         fmt.Sprintf("status %s -> %s", from, to),
	}
	if tx.GatewayReferenceID != nil {
		entry.GatewayReferenceID = *tx.GatewayReferenceID
	}
	if err := r.repo.AppendAuditEntry(ctx, entry); err != nil {
		log.Printf("level=error component=reconciler event_id=%s transaction_id=%s msg=\"audit entry write failed\" err=%v", event.ID, tx.ID, err)
	}
}

type chargeReconciledEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	ClaimID       uuid.UUID `json:"claim_id"`
	MemberID      uuid.UUID `json:"member_id"`
	Status        string    `json:"status"`
	ClaimStatus   string    `json:"claim_status,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (r *Reconciler) publishReconciled(ctx context.Context, routingKey string, tx *domain.Transaction, claimStatus, status string) {
	if r.publisher == nil {
		return
	}
	event := chargeReconciledEvent{
		TransactionID: tx.ID,
		ClaimID:       tx.ClaimID,
		MemberID:      tx.MemberID,
		Status:        status,
		ClaimStatus:   claimStatus,
		Timestamp:     time.Now().UTC(),
	}
	if err := r.publisher.Publish(ctx, EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=reconciler transaction_id=%s msg=\"event publish failed\" err=%v", tx.ID, err)
	}
}
