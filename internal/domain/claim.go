/**
 * @description
 * Claim domain model. One claim represents one funeral/memorial event that
 * triggers a community-wide charge run. Claims are created when a charge run
 * starts and are never deleted; their aggregate counters are mutated only
 * through atomic SQL increments (orchestrator at run completion, reconciler
 * per late-arriving gateway outcome).
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Claim statuses. A claim stays in processing while charge attempts are
// unresolved (pending or awaiting member authentication) and settles into a
// terminal status once every attempted charge has a terminal outcome.
const (
	ClaimStatusProcessing = "processing"
	ClaimStatusCompleted  = "completed"
	ClaimStatusPartial    = "partial"
	ClaimStatusFailed     = "failed"
)

// Claim maps to the `claims` table, one row per charge run.
type Claim struct {
	ID                    uuid.UUID `json:"id"`
	Status                string    `json:"status"`
	Note                  string    `json:"note,omitempty"`
	TotalMembersAttempted int       `json:"total_members_attempted"`
	TotalSuccess          int       `json:"total_success"`
	TotalFailed           int       `json:"total_failed"`
	TotalAmountExpected   int64     `json:"total_amount_expected"` // minor units
	Currency              string    `json:"currency"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ResolveClaimStatus derives the claim status from its aggregate counters.
// Unresolved attempts (success + failed < attempted) keep the claim in
// processing; an empty run completes trivially.
func ResolveClaimStatus(attempted, success, failed int) string {
	switch {
	case success+failed < attempted:
		return ClaimStatusProcessing
	case failed == 0 && success == 0 && attempted == 0:
		return ClaimStatusCompleted
	case failed == 0:
		return ClaimStatusCompleted
	case success == 0:
		return ClaimStatusFailed
	default:
		return ClaimStatusPartial
	}
}
