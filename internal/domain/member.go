/**
 * @description
 * Member domain model. The member ledger is owned by the profile flows of the
 * wider application; the collections service only reads members and, via the
 * gateway reconciler, updates their payment-instrument linkage.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Member is a paying participant of the mutual-aid community.
// A member is active only while a usable payment instrument is on file.
type Member struct {
	ID                   uuid.UUID `json:"id"`
	FullName             string    `json:"full_name"`
	Email                string    `json:"email"`
	Active               bool      `json:"active"`
	DependentCount       int       `json:"dependent_count"`
	GatewayCustomerRef   string    `json:"gateway_customer_ref"`
	PaymentInstrumentRef *string   `json:"payment_instrument_ref,omitempty"`
	JoinedAt             time.Time `json:"joined_at"`
}

// Chargeable reports whether the member can be billed at all.
func (m Member) Chargeable() bool {
	return m.PaymentInstrumentRef != nil && *m.PaymentInstrumentRef != ""
}

// ObligationMinorUnits computes what the member owes for one claim:
// the base rate covers the member plus one additional billable unit per
// dependent. Amounts stay in the currency's smallest unit throughout.
func (m Member) ObligationMinorUnits(baseRateMinorUnits int64) int64 {
	return baseRateMinorUnits * int64(1+m.DependentCount)
}
