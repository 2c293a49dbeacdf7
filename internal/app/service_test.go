package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/umoja/collections-service/internal/domain"
	"github.com/umoja/collections-service/internal/store"
	"github.com/umoja/collections-service/pkg/paygate"
)

// claimTotals mirrors one claim row's accumulated counters, so the stub can
// reproduce the atomic increment semantics of the real repository.
type claimTotals struct {
	attempted int
	success   int
	failed    int
	amount    int64
}

type chargeRunRepoStub struct {
	store.Repository

	mu sync.Mutex

	members       []domain.Member
	membersErr    error
	settled       map[uuid.UUID]string
	settledErr    error
	beginErr      error
	upsertErrFor  map[uuid.UUID]error
	deltasErr     error
	claimCurrency string

	markFailedCalled bool
	pendingWrites    []domain.Transaction
	failedRows       map[string]domain.Transaction
	outcomes         map[uuid.UUID]string
	appliedDeltas    *store.CounterDeltas
	totals           map[uuid.UUID]*claimTotals
}

func newChargeRunRepoStub(members []domain.Member) *chargeRunRepoStub {
	return &chargeRunRepoStub{
		members:       members,
		settled:       map[uuid.UUID]string{},
		upsertErrFor:  map[uuid.UUID]error{},
		failedRows:    map[string]domain.Transaction{},
		outcomes:      map[uuid.UUID]string{},
		totals:        map[uuid.UUID]*claimTotals{},
		claimCurrency: "usd",
	}
}

func rowKey(claimID, memberID uuid.UUID) string {
	return claimID.String() + ":" + memberID.String()
}

func (s *chargeRunRepoStub) ListActiveMembers(ctx context.Context) ([]domain.Member, error) {
	if s.membersErr != nil {
		return nil, s.membersErr
	}
	return s.members, nil
}

func (s *chargeRunRepoStub) BeginClaimRun(ctx context.Context, claimID uuid.UUID, note, currency string) (*domain.Claim, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &domain.Claim{ID: claimID, Status: domain.ClaimStatusProcessing, Note: note, Currency: currency}, nil
}

func (s *chargeRunRepoStub) ListUnretriableMemberIDs(ctx context.Context, claimID uuid.UUID) (map[uuid.UUID]string, error) {
	if s.settledErr != nil {
		return nil, s.settledErr
	}
	return s.settled, nil
}

func (s *chargeRunRepoStub) MarkClaimFailed(ctx context.Context, claimID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markFailedCalled = true
	return nil
}

// UpsertPendingTransaction mirrors the repository's re-arm semantics: a first
// dispatch inserts a fresh row; a member whose prior attempt failed gets that
// row back in pending state with its original amount, a bumped attempt count,
// and the old gateway reference cleared.
func (s *chargeRunRepoStub) UpsertPendingTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.upsertErrFor[tx.MemberID]; ok {
		return err
	}
	if prior, ok := s.failedRows[rowKey(tx.ClaimID, tx.MemberID)]; ok {
		tx.ID = prior.ID
		tx.DependentsAtCharge = prior.DependentsAtCharge
		tx.AmountMinorUnits = prior.AmountMinorUnits
		tx.AttemptCount = prior.AttemptCount + 1
		tx.GatewayReferenceID = nil
		delete(s.failedRows, rowKey(tx.ClaimID, tx.MemberID))
	} else {
		tx.AttemptCount = 1
	}
	tx.Status = domain.TxStatusPending
	s.pendingWrites = append(s.pendingWrites, *tx)
	return nil
}

func (s *chargeRunRepoStub) RecordTransactionOutcome(ctx context.Context, txID uuid.UUID, status string, gatewayRef, failureReason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[txID] = status
	if status == domain.TxStatusFailed {
		for _, row := range s.pendingWrites {
			if row.ID == txID {
				row.Status = domain.TxStatusFailed
				row.GatewayReferenceID = gatewayRef
				s.failedRows[rowKey(row.ClaimID, row.MemberID)] = row
				break
			}
		}
	}
	return nil
}

func (s *chargeRunRepoStub) ApplyClaimCounterDeltas(ctx context.Context, claimID uuid.UUID, deltas store.CounterDeltas) (*domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deltasErr != nil {
		return nil, s.deltasErr
	}
	s.appliedDeltas = &deltas
	t, ok := s.totals[claimID]
	if !ok {
		t = &claimTotals{}
		s.totals[claimID] = t
	}
	t.attempted += deltas.Attempted
	t.success += deltas.Success
	t.failed += deltas.Failed
	t.amount += deltas.AmountMinorUnits
	return &domain.Claim{
		ID:                    claimID,
		Status:                domain.ResolveClaimStatus(t.attempted, t.success, t.failed),
		TotalMembersAttempted: t.attempted,
		TotalSuccess:          t.success,
		TotalFailed:           t.failed,
		TotalAmountExpected:   t.amount,
		Currency:              s.claimCurrency,
	}, nil
}

type gatewayStub struct {
	mu       sync.Mutex
	calls    []paygate.ChargeRequest
	response func(req paygate.ChargeRequest) (*paygate.ChargeResult, error)
}

func (g *gatewayStub) CreateCharge(ctx context.Context, req paygate.ChargeRequest) (*paygate.ChargeResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if g.response != nil {
		return g.response(req)
	}
	return &paygate.ChargeResult{Status: paygate.ChargeStatusSucceeded, GatewayReferenceID: "ref_" + req.CustomerRef}, nil
}

func (g *gatewayStub) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type publisherStub struct {
	mu        sync.Mutex
	published []string
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, routingKey)
	return nil
}

func (p *publisherStub) Close() {}

func instrumentRef(ref string) *string {
	return &ref
}

func testMember(name string, dependents int) domain.Member {
	return domain.Member{
		ID:                   uuid.New(),
		FullName:             name,
		Email:                name + "@example.com",
		Active:               true,
		DependentCount:       dependents,
		GatewayCustomerRef:   "cus_" + name,
		PaymentInstrumentRef: instrumentRef("pi_" + name),
	}
}

func TestRunCharge_AllMembersSucceed(t *testing.T) {
	members := []domain.Member{
		testMember("amina", 0),
		testMember("bakari", 2),
		testMember("chiku", 1),
	}
	repo := newChargeRunRepoStub(members)
	gateway := &gatewayStub{}
	publisher := &publisherStub{}
	service := NewService(repo, gateway, publisher, 800, "usd", 10)

	result, err := service.RunCharge(context.Background(), domain.ChargeRunInput{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if result.ClaimStatus != domain.ClaimStatusCompleted {
		t.Fatalf("expected completed claim, got %s", result.ClaimStatus)
	}
	if result.TotalSucceeded != 3 || result.TotalFailed != 0 || result.TotalRequiresAction != 0 || result.TotalSkipped != 0 {
		t.Fatalf("unexpected bucket totals: %+v", result)
	}
	if result.MembersAttempted != 3 || result.MembersConsidered != 3 {
		t.Fatalf("expected 3 attempted of 3 considered, got %d of %d", result.MembersAttempted, result.MembersConsidered)
	}

	// 800 + 800*3 + 800*2
	if result.TotalAmountExpected != 800+2400+1600 {
		t.Fatalf("unexpected total amount expected: %d", result.TotalAmountExpected)
	}
	if gateway.callCount() != 3 {
		t.Fatalf("expected 3 gateway calls, got %d", gateway.callCount())
	}
	if repo.appliedDeltas == nil || repo.appliedDeltas.Attempted != 3 || repo.appliedDeltas.Success != 3 {
		t.Fatalf("unexpected counter deltas: %+v", repo.appliedDeltas)
	}
	if len(publisher.published) != 1 || publisher.published[0] != "collections.run.completed" {
		t.Fatalf("expected one run completed event, got %v", publisher.published)
	}
}

func TestRunCharge_MixedOutcomesYieldPartialClaim(t *testing.T) {
	good := testMember("amina", 0)
	declined := testMember("bakari", 0)
	members := []domain.Member{good, declined}
	repo := newChargeRunRepoStub(members)
	gateway := &gatewayStub{
		response: func(req paygate.ChargeRequest) (*paygate.ChargeResult, error) {
			if req.CustomerRef == declined.GatewayCustomerRef {
				return &paygate.ChargeResult{Status: paygate.ChargeStatusFailed, GatewayReferenceID: "ref_declined", Message: "card_declined"}, nil
			}
			return &paygate.ChargeResult{Status: paygate.ChargeStatusSucceeded, GatewayReferenceID: "ref_good"}, nil
		},
	}
	service := NewService(repo, gateway, nil, 800, "usd", 10)

	result, err := service.RunCharge(context.Background(), domain.ChargeRunInput{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if result.ClaimStatus != domain.ClaimStatusPartial {
		t.Fatalf("expected partial claim, got %s", result.ClaimStatus)
	}
	if result.TotalSucceeded != 1 || result.TotalFailed != 1 {
		t.Fatalf("unexpected totals: %+v", result)
	}
	if len(result.Failed) != 1 || result.Failed[0].Reason != "card_declined" {
		t.Fatalf("expected declined member with card_declined reason, got %+v", result.Failed)
	}
	// Both attempts count toward the expected amount regardless of outcome.
	if result.TotalAmountExpected != 1600 {
		t.Fatalf("unexpected total amount expected: %d", result.TotalAmountExpected)
	}
}

func TestRunCharge_EveryChargeFailsYieldsFailedClaim(t *testing.T) {
	members := []domain.Member{testMember("amina", 0), testMember("bakari", 0)}
	repo := newChargeRunRepoStub(members)
	gateway := &gatewayStub{
		response: func(req paygate.ChargeRequest) (*paygate.ChargeResult, error) {
			return &paygate.ChargeResult{Status: paygate.ChargeStatusFailed, Message: "insufficient_funds"}, nil
		},
	}
	service := NewService(repo, gateway, nil, 800, "usd", 10)

	result, err := service.RunCharge(context.Background(), domain.ChargeRunInput{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.ClaimStatus != domain.ClaimStatusFailed {
		t.Fatalf("expected failed claim, got %s", result.ClaimStatus)
	}
	if result.TotalFailed != 2 || result.TotalSucceeded != 0 {
		t.Fatalf("unexpected totals: %+v", result)
	}
}

func TestRunCharge_MemberWithoutInstrumentIsSkippedNotAttempted(t *testing.T) {
	chargeable := testMember("amina", 0)
	noInstrument := testMember("bakari", 1)
	noInstrument.PaymentInstrumentRef = nil
	members := []domain.Member{chargeable, noInstrument}
	repo := newChargeRunRepoStub(members)
	gateway := &gatewayStub{}
	service := NewService(repo, gateway, nil, 800, "usd", 10)

	result, err := service.RunCharge(context.Background(), domain.ChargeRunInput{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if result.TotalSkipped != 1 {
		t.Fatalf("expected one skipped member, got %d", result.TotalSkipped)
	}
	if result.Skipped[0].Reason != domain.ReasonNoPaymentMethod {
		t.Fatalf("expected no_payment_method reason, got %q", result.Skipped[0].Reason)
	}
	if result.MembersAttempted != 1 || result.MembersConsidered != 2 {
		t.Fatalf("expected 1 attempted of 2 considered, got %d of %d", result.MembersAttempted, result.MembersConsidered)
	}
	// Skipped members contribute nothing to the expected amount and the
	// remaining member completes the claim on their own.
	if result.TotalAmountExpected != 800 {
		t.Fatalf("unexpected total amount expected: %d", result.TotalAmountExpected)
	}
	if result.ClaimStatus != domain.ClaimStatusCompleted {
		t.Fatalf("expected completed claim, got %s", result.ClaimStatus)
	}
	if gateway.callCount() != 1 {
		t.Fatalf("expected 1 gateway call, got %d", gateway.callCount())
	}
}

func TestRunCharge_AuthenticationRequiredKeepsClaimProcessing(t *testing.T) {
	deferred := testMember("amina", 0)
	settledOK := testMember("bakari", 0)
	members := []domain.Member{deferred, settledOK}
	repo := newChargeRunRepoStub(members)
	gateway := &gatewayStub{
		response: func(req paygate.ChargeRequest) (*paygate.ChargeResult, error) {
			if req.CustomerRef == deferred.GatewayCustomerRef {
				return nil, &paygate.APIError{StatusCode: 402, Code: paygate.CodeAuthenticationRequired, Message: "authentication required"}
			}
			return &paygate.ChargeResult{Status: paygate.ChargeStatusSucceeded, GatewayReferenceID: "ref_ok"}, nil
		},
	}
	service := NewService(repo, gateway, nil, 800, "usd", 10)

	result, err := service.RunCharge(context.Background(), domain.ChargeRunInput{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if result.TotalRequiresAction != 1 {
		t.Fatalf("expected one deferred member, got %d", result.TotalRequiresAction)
	}
	// One of two attempts is unresolved, so the claim must stay open.
	if result.ClaimStatus != domain.ClaimStatusProcessing {
		t.Fatalf("expected processing claim, got %s", result.ClaimStatus)
	}
	if repo.appliedDeltas.Attempted != 2 || repo.appliedDeltas.Success != 1 || repo.appliedDeltas.Failed != 0 {
		t.Fatalf("unexpected counter deltas: %+v", repo.appliedDeltas)
	}
}

func TestRunCharge_LedgerWriteFailureIsRecordedNotCharged(t *testing.T) {
	broken := testMember("amina", 0)
	fine := testMember("bakari", 0)
	repo := newChargeRunRepoStub([]domain.Member{broken, fine})
	repo.upsertErrFor[broken.ID] = errors.New("connection reset")
	gateway := &gatewayStub{}
	service := NewService(repo, gateway, nil, 800, "usd", 10)

	result, err := service.RunCharge(context.Background(), domain.ChargeRunInput{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if len(result.Failed) != 1 || result.Failed[0].Reason != domain.ReasonLedgerWriteError {
		t.Fatalf("expected ledger_write_error failure, got %+v", result.Failed)
	}
	// The gateway must never be called without a durable pending record.
	if gateway.callCount() != 1 {
		t.Fatalf("expected 1 gateway call, got %d", gateway.callCount())
	}
	if result.ClaimStatus != domain.ClaimStatusPartial {
		t.Fatalf("expected partial claim, got %s", result.ClaimStatus)
	}
}

func TestRunCharge_MemberEnumerationFailureAbortsRun(t *testing.T) {
	repo := newChargeRunRepoStub(nil)
	repo.membersErr = errors.New("database unavailable")
	gateway := &gatewayStub{}
	service := NewService(repo, gateway, nil, 800, "usd", 10)

	_, err := service.RunCharge(context.Background(), domain.ChargeRunInput{})
	if err == nil {
		t.Fatal("expected error when member enumeration fails")
	}
	if !repo.markFailedCalled {
		t.Fatal("expected claim to be marked failed on aborted run")
	}
	if gateway.callCount() != 0 {
		t.Fatalf("expected no gateway calls, got %d", gateway.callCount())
	}
}

func TestRunCharge_RetryRunSkipsSettledMembers(t *testing.T) {
	settledMember := testMember("amina", 0)
	failedMember := testMember("bakari", 0)
	claimID := uuid.New()
	repo := newChargeRunRepoStub([]domain.Member{settledMember, failedMember})
	repo.settled[settledMember.ID] = domain.TxStatusSucceeded
	gateway := &gatewayStub{}
	service := NewService(repo, gateway, nil, 800, "usd", 10)

	result, err := service.RunCharge(context.Background(), domain.ChargeRunInput{ClaimID: &claimID})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if result.ClaimID != claimID {
		t.Fatalf("expected run to reuse claim id %s, got %s", claimID, result.ClaimID)
	}
	if result.TotalSkipped != 1 || result.Skipped[0].Reason != domain.ReasonAlreadySettled {
		t.Fatalf("expected settled member to be skipped, got %+v", result.Skipped)
	}
	if gateway.callCount() != 1 {
		t.Fatalf("expected 1 gateway call for the retried member, got %d", gateway.callCount())
	}
}

func TestRunCharge_RetryAfterFailureDoesNotDoubleCountClaim(t *testing.T) {
	member := testMember("amina", 1)
	claimID := uuid.New()
	repo := newChargeRunRepoStub([]domain.Member{member})
	decline := true
	gateway := &gatewayStub{
		response: func(req paygate.ChargeRequest) (*paygate.ChargeResult, error) {
			if decline {
				return &paygate.ChargeResult{Status: paygate.ChargeStatusFailed, GatewayReferenceID: "ref_first", Message: "card_declined"}, nil
			}
			return &paygate.ChargeResult{Status: paygate.ChargeStatusSucceeded, GatewayReferenceID: "ref_retry"}, nil
		},
	}
	service := NewService(repo, gateway, nil, 800, "usd", 10)

	first, err := service.RunCharge(context.Background(), domain.ChargeRunInput{ClaimID: &claimID})
	if err != nil {
		t.Fatalf("expected nil error on first run, got %v", err)
	}
	if first.ClaimStatus != domain.ClaimStatusFailed {
		t.Fatalf("expected failed claim after first run, got %s", first.ClaimStatus)
	}

	decline = false
	second, err := service.RunCharge(context.Background(), domain.ChargeRunInput{ClaimID: &claimID})
	if err != nil {
		t.Fatalf("expected nil error on retry run, got %v", err)
	}

	// One member, one obligation: the retry must settle the claim at exactly
	// one attempt, one success, zero failures, and a single amount.
	if second.ClaimStatus != domain.ClaimStatusCompleted {
		t.Fatalf("expected completed claim after retry, got %s", second.ClaimStatus)
	}
	totals := repo.totals[claimID]
	if totals.attempted != 1 || totals.success != 1 || totals.failed != 0 || totals.amount != 1600 {
		t.Fatalf("unexpected claim totals after retry: %+v", totals)
	}
	if repo.appliedDeltas.Attempted != 0 || repo.appliedDeltas.Success != 1 || repo.appliedDeltas.Failed != -1 || repo.appliedDeltas.AmountMinorUnits != 0 {
		t.Fatalf("expected retry deltas to reverse the prior failure only, got %+v", repo.appliedDeltas)
	}

	rearmed := repo.pendingWrites[len(repo.pendingWrites)-1]
	if rearmed.AttemptCount != 2 {
		t.Fatalf("expected re-armed row with attempt count 2, got %d", rearmed.AttemptCount)
	}
	if rearmed.AmountMinorUnits != 1600 {
		t.Fatalf("expected re-armed row to keep its original amount, got %d", rearmed.AmountMinorUnits)
	}
	if rearmed.GatewayReferenceID != nil {
		t.Fatalf("expected re-armed row to drop the superseded gateway reference, got %v", *rearmed.GatewayReferenceID)
	}
}

func TestRunCharge_RetryDeferredOutcomeReversesPriorFailure(t *testing.T) {
	member := testMember("amina", 0)
	claimID := uuid.New()
	repo := newChargeRunRepoStub([]domain.Member{member})
	decline := true
	gateway := &gatewayStub{
		response: func(req paygate.ChargeRequest) (*paygate.ChargeResult, error) {
			if decline {
				return &paygate.ChargeResult{Status: paygate.ChargeStatusFailed, Message: "card_declined"}, nil
			}
			return &paygate.ChargeResult{Status: paygate.ChargeStatusRequiresAction, GatewayReferenceID: "ref_3ds"}, nil
		},
	}
	service := NewService(repo, gateway, nil, 800, "usd", 10)

	if _, err := service.RunCharge(context.Background(), domain.ChargeRunInput{ClaimID: &claimID}); err != nil {
		t.Fatalf("expected nil error on first run, got %v", err)
	}

	decline = false
	second, err := service.RunCharge(context.Background(), domain.ChargeRunInput{ClaimID: &claimID})
	if err != nil {
		t.Fatalf("expected nil error on retry run, got %v", err)
	}

	// The attempt is unresolved again: the prior failure is reversed and the
	// claim reopens until the webhook settles it.
	if second.ClaimStatus != domain.ClaimStatusProcessing {
		t.Fatalf("expected processing claim while authentication is pending, got %s", second.ClaimStatus)
	}
	totals := repo.totals[claimID]
	if totals.attempted != 1 || totals.success != 0 || totals.failed != 0 || totals.amount != 800 {
		t.Fatalf("unexpected claim totals after deferred retry: %+v", totals)
	}
}

func TestRunCharge_ConcurrentRunsForDifferentClaimsStayIndependent(t *testing.T) {
	members := []domain.Member{
		testMember("amina", 0),
		testMember("bakari", 1),
		testMember("chiku", 2),
	}
	repo := newChargeRunRepoStub(members)
	gateway := &gatewayStub{}
	service := NewService(repo, gateway, nil, 800, "usd", 2)

	claimA, claimB := uuid.New(), uuid.New()
	results := make(map[uuid.UUID]*domain.ChargeRunResult)
	errs := make(map[uuid.UUID]error)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, claimID := range []uuid.UUID{claimA, claimB} {
		wg.Add(1)
		go func(claimID uuid.UUID) {
			defer wg.Done()
			id := claimID
			result, err := service.RunCharge(context.Background(), domain.ChargeRunInput{ClaimID: &id})
			mu.Lock()
			results[claimID] = result
			errs[claimID] = err
			mu.Unlock()
		}(claimID)
	}
	wg.Wait()

	for _, claimID := range []uuid.UUID{claimA, claimB} {
		if errs[claimID] != nil {
			t.Fatalf("expected nil error for claim %s, got %v", claimID, errs[claimID])
		}
		result := results[claimID]
		if result.ClaimID != claimID {
			t.Fatalf("expected result for claim %s, got %s", claimID, result.ClaimID)
		}
		if result.TotalSucceeded != 3 || result.TotalAmountExpected != 4800 {
			t.Fatalf("unexpected result for claim %s: %+v", claimID, result)
		}
		totals := repo.totals[claimID]
		if totals.attempted != 3 || totals.success != 3 || totals.failed != 0 || totals.amount != 4800 {
			t.Fatalf("unexpected counters for claim %s: %+v", claimID, totals)
		}
	}

	// Each claim gets its own transaction per member and its own idempotency
	// keys; nothing bleeds across the two runs.
	perClaim := map[uuid.UUID]map[uuid.UUID]bool{claimA: {}, claimB: {}}
	for _, tx := range repo.pendingWrites {
		perClaim[tx.ClaimID][tx.MemberID] = true
	}
	if len(perClaim[claimA]) != 3 || len(perClaim[claimB]) != 3 {
		t.Fatalf("expected 3 transactions per claim, got %d and %d", len(perClaim[claimA]), len(perClaim[claimB]))
	}
	keys := map[string]bool{}
	gateway.mu.Lock()
	for _, call := range gateway.calls {
		keys[call.IdempotencyKey] = true
	}
	gateway.mu.Unlock()
	if len(keys) != 6 {
		t.Fatalf("expected 6 distinct idempotency keys across the two runs, got %d", len(keys))
	}
}

func TestRunCharge_ClaimAlreadyProcessingSurfacesConflict(t *testing.T) {
	repo := newChargeRunRepoStub(nil)
	repo.beginErr = store.ErrClaimAlreadyProcessing
	service := NewService(repo, &gatewayStub{}, nil, 800, "usd", 10)

	_, err := service.RunCharge(context.Background(), domain.ChargeRunInput{})
	if !errors.Is(err, store.ErrClaimAlreadyProcessing) {
		t.Fatalf("expected ErrClaimAlreadyProcessing, got %v", err)
	}
}

func TestRunCharge_IdempotencyKeyIsDeterministicPerClaimAndMember(t *testing.T) {
	member := testMember("amina", 0)
	claimID := uuid.New()
	repo := newChargeRunRepoStub([]domain.Member{member})
	gateway := &gatewayStub{}
	service := NewService(repo, gateway, nil, 800, "usd", 10)

	if _, err := service.RunCharge(context.Background(), domain.ChargeRunInput{ClaimID: &claimID}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	want := fmt.Sprintf("%s:%s", claimID, member.ID)
	if gateway.calls[0].IdempotencyKey != want {
		t.Fatalf("expected idempotency key %q, got %q", want, gateway.calls[0].IdempotencyKey)
	}
}

func TestRunCharge_BatchesNeverExceedConfiguredConcurrency(t *testing.T) {
	var members []domain.Member
	for i := 0; i < 25; i++ {
		members = append(members, testMember(fmt.Sprintf("member%02d", i), 0))
	}
	repo := newChargeRunRepoStub(members)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	gateway := &gatewayStub{
		response: func(req paygate.ChargeRequest) (*paygate.ChargeResult, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return &paygate.ChargeResult{Status: paygate.ChargeStatusSucceeded, GatewayReferenceID: "ref_" + req.CustomerRef}, nil
		},
	}
	service := NewService(repo, gateway, nil, 800, "usd", 10)

	result, err := service.RunCharge(context.Background(), domain.ChargeRunInput{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.TotalSucceeded != 25 {
		t.Fatalf("expected 25 successes, got %d", result.TotalSucceeded)
	}
	if maxInFlight > 10 {
		t.Fatalf("expected at most 10 concurrent gateway calls, observed %d", maxInFlight)
	}
}

type runLockerStub struct {
	held     bool
	acquired []string
	released []string
}

func (l *runLockerStub) Acquire(ctx context.Context, claimID string, ttl time.Duration) (bool, error) {
	l.acquired = append(l.acquired, claimID)
	return !l.held, nil
}

func (l *runLockerStub) Release(ctx context.Context, claimID string) {
	l.released = append(l.released, claimID)
}

func TestRunCharge_HeldRunLockRejectsBeforeTouchingClaim(t *testing.T) {
	repo := newChargeRunRepoStub(nil)
	locker := &runLockerStub{held: true}
	service := NewService(repo, &gatewayStub{}, nil, 800, "usd", 10)
	service.SetRunLocker(locker, time.Minute)

	_, err := service.RunCharge(context.Background(), domain.ChargeRunInput{})
	if !errors.Is(err, store.ErrClaimAlreadyProcessing) {
		t.Fatalf("expected ErrClaimAlreadyProcessing, got %v", err)
	}
	if len(locker.released) != 0 {
		t.Fatalf("expected no release for a lock that was never held, got %v", locker.released)
	}
}

func TestRunCharge_ReleasesRunLockAfterRun(t *testing.T) {
	repo := newChargeRunRepoStub([]domain.Member{testMember("amina", 0)})
	locker := &runLockerStub{}
	service := NewService(repo, &gatewayStub{}, nil, 800, "usd", 10)
	service.SetRunLocker(locker, time.Minute)

	if _, err := service.RunCharge(context.Background(), domain.ChargeRunInput{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(locker.released) != 1 {
		t.Fatalf("expected lock release after run, got %v", locker.released)
	}
}
