/**
 * @description
 * This file contains the charge orchestrator: the core business logic that,
 * given an approved claim, computes every active member's obligation, drives
 * bounded-concurrency charge attempts against the payment gateway, and
 * records the outcome of each attempt in the transaction ledger.
 *
 * Key features:
 * - Snapshot semantics: the active-member set is loaded once per run.
 * - Bounded concurrency: attempts run concurrently within fixed-size batches,
 *   batches run strictly sequentially as the backpressure valve.
 * - Per-member isolation: one member's failure never aborts the run; every
 *   failure becomes a recorded data outcome.
 * - Deterministic idempotency keys derived from (claimID, memberID), so a
 *   retried dispatch can never double-charge a member.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/paygate, pkg/rabbitmq: External service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/umoja/collections-service/internal/domain"
	"github.com/umoja/collections-service/internal/store"
	"github.com/umoja/collections-service/pkg/paygate"
	"github.com/umoja/collections-service/pkg/rabbitmq"
)

const (
	// EventsExchange is the durable topic exchange all collections events go to.
	EventsExchange = "collections.events"

	routingRunCompleted     = "collections.run.completed"
	routingChargeReconciled = "collections.charge.reconciled"
	routingDisputeOpened    = "collections.dispute.opened"

	// DefaultChargeBatchSize bounds concurrent outbound gateway calls.
	DefaultChargeBatchSize = 10
)

// GatewayClient is the contract the orchestrator needs from the payment
// gateway adapter.
type GatewayClient interface {
	CreateCharge(ctx context.Context, req paygate.ChargeRequest) (*paygate.ChargeResult, error)
}

// RunLocker guards at-most-one in-flight orchestration per claim id across
// service instances. The lock is advisory: the database-level processing
// guard in BeginClaimRun is the authority.
type RunLocker interface {
	Acquire(ctx context.Context, claimID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, claimID string)
}

// Service provides the core business logic for charge runs.
type Service struct {
	repo      store.Repository
	gateway   GatewayClient
	publisher rabbitmq.Publisher
	locker    RunLocker

	baseRateMinorUnits int64
	currency           string
	batchSize          int
	lockTTL            time.Duration
}

// NewService creates a new charge orchestrator instance. publisher and locker
// may be nil; the corresponding behavior degrades gracefully.
func NewService(repo store.Repository, gateway GatewayClient, publisher rabbitmq.Publisher, baseRateMinorUnits int64, currency string, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = DefaultChargeBatchSize
	}
	return &Service{
		repo:               repo,
		gateway:            gateway,
		publisher:          publisher,
		baseRateMinorUnits: baseRateMinorUnits,
		currency:           currency,
		batchSize:          batchSize,
		lockTTL:            15 * time.Minute,
	}
}

// SetRunLocker installs the distributed claim-run lock.
func (s *Service) SetRunLocker(locker RunLocker, ttl time.Duration) {
	s.locker = locker
	if ttl > 0 {
		s.lockTTL = ttl
	}
}

// ChargeIdempotencyKey derives the gateway idempotency key for one logical
// charge. It depends only on (claimID, memberID): re-dispatching the same
// member for the same claim reuses the key and the gateway deduplicates.
func ChargeIdempotencyKey(claimID, memberID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", claimID, memberID)
}

// memberOutcome pairs a bucket name with one member's result entry. retried
// marks a re-dispatch of a previously failed attempt, whose first run already
// tallied it into the claim counters.
type memberOutcome struct {
	bucket  string
	retried bool
	outcome domain.ChargeOutcome
}

const (
	bucketSucceeded      = "succeeded"
	bucketFailed         = "failed"
	bucketRequiresAction = "requires_action"
	bucketSkipped        = "skipped"
)

// RunCharge executes one community-wide charge run for a claim.
//
// A repeat invocation for an existing claim id skips members whose charge is
// already settled (succeeded, pending, requires_action, or disputed) and only
// re-dispatches members whose prior attempt failed.
func (s *Service) RunCharge(ctx context.Context, input domain.ChargeRunInput) (*domain.ChargeRunResult, error) {
	claimID := uuid.New()
	if input.ClaimID != nil {
		claimID = *input.ClaimID
	}

	if s.locker != nil {
		acquired, err := s.locker.Acquire(ctx, claimID.String(), s.lockTTL)
		if err != nil {
			log.Printf("level=warn component=orchestrator claim_id=%s msg=\"run lock unavailable; relying on database guard\" err=%v", claimID, err)
		} else if !acquired {
			return nil, fmt.Errorf("claim %s: %w", claimID, store.ErrClaimAlreadyProcessing)
		} else {
			defer s.locker.Release(context.Background(), claimID.String())
		}
	}

	claim, err := s.repo.BeginClaimRun(ctx, claimID, input.Note, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim run: %w", err)
	}
	log.Printf("level=info component=orchestrator claim_id=%s msg=\"charge run started\"", claim.ID)

	settled, err := s.repo.ListUnretriableMemberIDs(ctx, claim.ID)
	if err != nil {
		s.abortRun(ctx, claim.ID)
		return nil, fmt.Errorf("failed to load settled transactions for claim %s: %w", claim.ID, err)
	}

	// Snapshot of the billable population. Membership changes after this
	// point do not join or leave the run.
	members, err := s.repo.ListActiveMembers(ctx)
	if err != nil {
		s.abortRun(ctx, claim.ID)
		return nil, fmt.Errorf("failed to enumerate active members: %w", err)
	}

	outcomes := make([]memberOutcome, len(members))
	for start := 0; start < len(members); start += s.batchSize {
		end := start + s.batchSize
		if end > len(members) {
			end = len(members)
		}

		// Attempts within a batch run concurrently; batch N+1 does not start
		// until every attempt of batch N has resolved.
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i] = s.chargeMember(ctx, claim, members[i], settled)
			}(i)
		}
		wg.Wait()
	}

	result := s.buildResult(claim, members, outcomes)

	updated, err := s.repo.ApplyClaimCounterDeltas(ctx, claim.ID, counterDeltas(outcomes))
	if err != nil {
		// The attempts are all durably recorded; the finalizer sweep will
		// rebuild the aggregate. Surface the breakdown to the admin anyway.
		log.Printf("level=error component=orchestrator claim_id=%s msg=\"aggregate counter write failed; finalizer sweep will repair\" err=%v", claim.ID, err)
		result.ClaimStatus = domain.ClaimStatusProcessing
	} else {
		result.ClaimStatus = updated.Status
	}

	s.publishRunCompleted(ctx, result)
	log.Printf("level=info component=orchestrator claim_id=%s status=%s attempted=%d succeeded=%d failed=%d requires_action=%d skipped=%d",
		claim.ID, result.ClaimStatus, result.MembersAttempted, result.TotalSucceeded, result.TotalFailed, result.TotalRequiresAction, result.TotalSkipped)

	return result, nil
}

// chargeMember processes one member end to end. It never returns an error:
// every failure mode is converted into a bucketed outcome so the rest of the
// run proceeds.
func (s *Service) chargeMember(ctx context.Context, claim *domain.Claim, member domain.Member, settled map[uuid.UUID]string) memberOutcome {
	outcome := domain.ChargeOutcome{
		MemberID:       member.ID,
		Name:           member.FullName,
		Email:          member.Email,
		DependentCount: member.DependentCount,
	}

	if priorStatus, ok := settled[member.ID]; ok {
		log.Printf("level=info component=orchestrator claim_id=%s member_id=%s prior_status=%s msg=\"member already settled for this claim; skipping\"", claim.ID, member.ID, priorStatus)
		outcome.Reason = domain.ReasonAlreadySettled
		return memberOutcome{bucket: bucketSkipped, outcome: outcome}
	}

	if !member.Chargeable() {
		outcome.Reason = domain.ReasonNoPaymentMethod
		return memberOutcome{bucket: bucketSkipped, outcome: outcome}
	}

	tx := &domain.Transaction{
		ID:                 uuid.New(),
		ClaimID:            claim.ID,
		MemberID:           member.ID,
		DependentsAtCharge: member.DependentCount,
		AmountMinorUnits:   member.ObligationMinorUnits(s.baseRateMinorUnits),
		Currency:           claim.Currency,
	}
	outcome.AmountMinorUnits = tx.AmountMinorUnits

	// The pending record lands before the gateway call: a crash mid-call
	// still leaves an auditable trail instead of silence.
	if err := s.repo.UpsertPendingTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrTransactionNotRetriable) {
			outcome.Reason = domain.ReasonAlreadySettled
			return memberOutcome{bucket: bucketSkipped, outcome: outcome}
		}
		log.Printf("level=error component=orchestrator claim_id=%s member_id=%s msg=\"pending transaction write failed\" err=%v", claim.ID, member.ID, err)
		outcome.Reason = domain.ReasonLedgerWriteError
		return memberOutcome{bucket: bucketFailed, outcome: outcome}
	}
	// A retried row keeps its originally computed amount.
	outcome.AmountMinorUnits = tx.AmountMinorUnits
	outcome.DependentCount = tx.DependentsAtCharge
	retried := tx.AttemptCount > 1

	result, err := s.gateway.CreateCharge(ctx, paygate.ChargeRequest{
		AmountMinorUnits: tx.AmountMinorUnits,
		Currency:         tx.Currency,
		CustomerRef:      member.GatewayCustomerRef,
		InstrumentRef:    *member.PaymentInstrumentRef,
		Description:      fmt.Sprintf("Mutual-aid contribution for claim %s", claim.ID),
		IdempotencyKey:   ChargeIdempotencyKey(claim.ID, member.ID),
	})
	if err != nil {
		var apiErr *paygate.APIError
		if errors.As(err, &apiErr) && apiErr.AuthenticationRequired() {
			// Synchronous authentication-required rejection: a deferred
			// outcome, not a failure.
			s.recordOutcome(ctx, claim.ID, tx.ID, domain.TxStatusRequiresAction, nil, nil)
			outcome.Reason = apiErr.Message
			return memberOutcome{bucket: bucketRequiresAction, retried: retried, outcome: outcome}
		}
		reason := err.Error()
		s.recordOutcome(ctx, claim.ID, tx.ID, domain.TxStatusFailed, nil, &reason)
		outcome.Reason = reason
		return memberOutcome{bucket: bucketFailed, retried: retried, outcome: outcome}
	}

	gatewayRef := result.GatewayReferenceID
	var refPtr *string
	if gatewayRef != "" {
		refPtr = &gatewayRef
	}

	switch result.Status {
	case paygate.ChargeStatusSucceeded:
		s.recordOutcome(ctx, claim.ID, tx.ID, domain.TxStatusSucceeded, refPtr, nil)
		outcome.GatewayReferenceID = refPtr
		return memberOutcome{bucket: bucketSucceeded, retried: retried, outcome: outcome}

	case paygate.ChargeStatusRequiresAction:
		s.recordOutcome(ctx, claim.ID, tx.ID, domain.TxStatusRequiresAction, refPtr, nil)
		outcome.GatewayReferenceID = refPtr
		outcome.Reason = result.Message
		return memberOutcome{bucket: bucketRequiresAction, retried: retried, outcome: outcome}

	default:
		reason := result.Message
		if reason == "" {
			reason = fmt.Sprintf("gateway reported status %q", result.Status)
		}
		s.recordOutcome(ctx, claim.ID, tx.ID, domain.TxStatusFailed, refPtr, &reason)
		outcome.GatewayReferenceID = refPtr
		outcome.Reason = reason
		return memberOutcome{bucket: bucketFailed, retried: retried, outcome: outcome}
	}
}

// recordOutcome persists the post-gateway transaction state. A write failure
// here is logged but does not change the reported bucket: the gateway's
// answer stands and the finalizer sweep reconciles the ledger later.
func (s *Service) recordOutcome(ctx context.Context, claimID, txID uuid.UUID, status string, gatewayRef, failureReason *string) {
	if err := s.repo.RecordTransactionOutcome(ctx, txID, status, gatewayRef, failureReason); err != nil {
		log.Printf("level=error component=orchestrator claim_id=%s transaction_id=%s status=%s msg=\"outcome write failed\" err=%v", claimID, txID, status, err)
	}
}

// counterDeltas converts one run's outcomes into atomic claim counter
// increments. A first attempt adds itself to the attempted count and the
// expected amount. A re-dispatch of a previously failed attempt was already
// tallied by the run that failed it, so only the net movement is applied: a
// reversal of the old failure plus the new outcome, never a second attempted
// count or amount.
func counterDeltas(outcomes []memberOutcome) store.CounterDeltas {
	var d store.CounterDeltas
	for _, o := range outcomes {
		if o.bucket == bucketSkipped {
			continue
		}

		if o.retried {
			switch o.bucket {
			case bucketSucceeded:
				d.Success++
				d.Failed--
			case bucketRequiresAction:
				// Unresolved again: reverse the old failure and wait.
				d.Failed--
			}
			// A repeat failure leaves the prior tally in place.
			continue
		}

		d.Attempted++
		d.AmountMinorUnits += o.outcome.AmountMinorUnits
		switch o.bucket {
		case bucketSucceeded:
			d.Success++
		case bucketFailed:
			d.Failed++
		}
	}
	return d
}

func (s *Service) buildResult(claim *domain.Claim, members []domain.Member, outcomes []memberOutcome) *domain.ChargeRunResult {
	result := &domain.ChargeRunResult{
		ClaimID:           claim.ID,
		Currency:          claim.Currency,
		Succeeded:         []domain.ChargeOutcome{},
		Failed:            []domain.ChargeOutcome{},
		RequiresAction:    []domain.ChargeOutcome{},
		Skipped:           []domain.ChargeOutcome{},
		MembersConsidered: len(members),
	}

	for _, o := range outcomes {
		switch o.bucket {
		case bucketSucceeded:
			result.Succeeded = append(result.Succeeded, o.outcome)
			result.TotalAmountExpected += o.outcome.AmountMinorUnits
		case bucketFailed:
			result.Failed = append(result.Failed, o.outcome)
			result.TotalAmountExpected += o.outcome.AmountMinorUnits
		case bucketRequiresAction:
			result.RequiresAction = append(result.RequiresAction, o.outcome)
			result.TotalAmountExpected += o.outcome.AmountMinorUnits
		case bucketSkipped:
			result.Skipped = append(result.Skipped, o.outcome)
		}
	}

	result.TotalSucceeded = len(result.Succeeded)
	result.TotalFailed = len(result.Failed)
	result.TotalRequiresAction = len(result.RequiresAction)
	result.TotalSkipped = len(result.Skipped)
	result.MembersAttempted = result.TotalSucceeded + result.TotalFailed + result.TotalRequiresAction
	return result
}

func (s *Service) abortRun(ctx context.Context, claimID uuid.UUID) {
	if err := s.repo.MarkClaimFailed(ctx, claimID); err != nil {
		log.Printf("level=error component=orchestrator claim_id=%s msg=\"failed to mark aborted claim\" err=%v", claimID, err)
	}
}

type runCompletedEvent struct {
	ClaimID             uuid.UUID `json:"claim_id"`
	Status              string    `json:"status"`
	MembersAttempted    int       `json:"members_attempted"`
	TotalSucceeded      int       `json:"total_succeeded"`
	TotalFailed         int       `json:"total_failed"`
	TotalRequiresAction int       `json:"total_requires_action"`
	TotalSkipped        int       `json:"total_skipped"`
	TotalAmountExpected int64     `json:"total_amount_expected"`
	Currency            string    `json:"currency"`
	Timestamp           time.Time `json:"timestamp"`
}

func (s *Service) publishRunCompleted(ctx context.Context, result *domain.ChargeRunResult) {
	if s.publisher == nil {
		return
	}
	event := runCompletedEvent{
		ClaimID:             result.ClaimID,
		Status:              result.ClaimStatus,
		MembersAttempted:    result.MembersAttempted,
		TotalSucceeded:      result.TotalSucceeded,
		TotalFailed:         result.TotalFailed,
		TotalRequiresAction: result.TotalRequiresAction,
		TotalSkipped:        result.TotalSkipped,
		TotalAmountExpected: result.TotalAmountExpected,
		Currency:            result.Currency,
		Timestamp:           time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, EventsExchange, routingRunCompleted, event); err != nil {
		log.Printf("level=warn component=orchestrator claim_id=%s msg=\"run completed event publish failed\" err=%v", result.ClaimID, err)
	}
}

// GetClaim returns one claim with its aggregate counters.
func (s *Service) GetClaim(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error) {
	return s.repo.GetClaimByID(ctx, claimID)
}

// ListClaimTransactions returns every per-member attempt record for a claim,
// the view reconciliation reports are built from.
func (s *Service) ListClaimTransactions(ctx context.Context, claimID uuid.UUID) ([]domain.Transaction, error) {
	if _, err := s.repo.GetClaimByID(ctx, claimID); err != nil {
		return nil, err
	}
	return s.repo.ListTransactionsByClaim(ctx, claimID)
}
