package domain

import "github.com/google/uuid"

// ChargeRunInput is the DTO for starting a charge run. The claim id may be
// pre-assigned by the caller (e.g. to retry failed members of an earlier run);
// when absent one is generated. The member set and the obligation formula are
// never caller-supplied.
type ChargeRunInput struct {
	ClaimID *uuid.UUID `json:"claim_id,omitempty"`
	Note    string     `json:"note,omitempty"`
}

// ChargeOutcome is one member's entry in a run result bucket.
type ChargeOutcome struct {
	MemberID           uuid.UUID `json:"member_id"`
	Name               string    `json:"name"`
	Email              string    `json:"email"`
	AmountMinorUnits   int64     `json:"amount_minor_units"`
	DependentCount     int       `json:"dependent_count"`
	GatewayReferenceID *string   `json:"gateway_reference_id,omitempty"`
	Reason             string    `json:"reason,omitempty"`
}

// ChargeRunResult is the full structured breakdown returned to the admin who
// triggered the run. Partial outcomes are the common case at scale, so the
// result is never collapsed to a bare success/failure flag.
type ChargeRunResult struct {
	ClaimID             uuid.UUID       `json:"claim_id"`
	ClaimStatus         string          `json:"claim_status"`
	Currency            string          `json:"currency"`
	Succeeded           []ChargeOutcome `json:"succeeded"`
	Failed              []ChargeOutcome `json:"failed"`
	RequiresAction      []ChargeOutcome `json:"requires_action"`
	Skipped             []ChargeOutcome `json:"skipped"`
	MembersConsidered   int             `json:"members_considered"`
	MembersAttempted    int             `json:"members_attempted"`
	TotalSucceeded      int             `json:"total_succeeded"`
	TotalFailed         int             `json:"total_failed"`
	TotalRequiresAction int             `json:"total_requires_action"`
	TotalSkipped        int             `json:"total_skipped"`
	TotalAmountExpected int64           `json:"total_amount_expected"`
}
