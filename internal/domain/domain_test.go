package domain

import (
	"errors"
	"testing"
)

func TestObligationMinorUnits(t *testing.T) {
	cases := []struct {
		name       string
		dependents int
		want       int64
	}{
		{"member alone", 0, 800},
		{"one dependent", 1, 1600},
		{"large household", 6, 5600},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Member{DependentCount: tc.dependents}
			if got := m.ObligationMinorUnits(800); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestChargeable(t *testing.T) {
	ref := "pi_123"
	empty := ""
	if (Member{PaymentInstrumentRef: &ref}).Chargeable() != true {
		t.Fatal("expected member with instrument to be chargeable")
	}
	if (Member{}).Chargeable() {
		t.Fatal("expected member without instrument to not be chargeable")
	}
	if (Member{PaymentInstrumentRef: &empty}).Chargeable() {
		t.Fatal("expected member with empty instrument ref to not be chargeable")
	}
}

func TestResolveClaimStatus(t *testing.T) {
	cases := []struct {
		name                       string
		attempted, success, failed int
		want                       string
	}{
		{"all succeeded", 10, 10, 0, ClaimStatusCompleted},
		{"all failed", 10, 0, 10, ClaimStatusFailed},
		{"mixed", 10, 7, 3, ClaimStatusPartial},
		{"unresolved attempts keep processing", 10, 7, 2, ClaimStatusProcessing},
		{"empty run completes", 0, 0, 0, ClaimStatusCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveClaimStatus(tc.attempted, tc.success, tc.failed); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{TxStatusPending, TxStatusSucceeded},
		{TxStatusPending, TxStatusFailed},
		{TxStatusPending, TxStatusRequiresAction},
		{TxStatusRequiresAction, TxStatusSucceeded},
		{TxStatusRequiresAction, TxStatusFailed},
		{TxStatusSucceeded, TxStatusDisputed},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	forbidden := [][2]string{
		{TxStatusSucceeded, TxStatusFailed},
		{TxStatusSucceeded, TxStatusPending},
		{TxStatusFailed, TxStatusSucceeded},
		{TxStatusFailed, TxStatusPending},
		{TxStatusDisputed, TxStatusSucceeded},
		{TxStatusRequiresAction, TxStatusPending},
		{TxStatusPending, TxStatusDisputed},
	}
	for _, pair := range forbidden {
		if CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}

func TestParseGatewayEvent_ChargeVariant(t *testing.T) {
	raw := []byte(`{"id":"evt_1","type":"charge.succeeded","data":{"reference":"ref_1","message":"ok"}}`)
	event, err := ParseGatewayEvent(raw)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if event.Charge == nil || event.Charge.GatewayReferenceID != "ref_1" {
		t.Fatalf("expected charge variant with ref_1, got %+v", event)
	}
	if event.Instrument != nil || event.Dispute != nil {
		t.Fatal("expected exactly one variant populated")
	}
	if !event.Known() {
		t.Fatal("expected charge.succeeded to be a known kind")
	}
}

func TestParseGatewayEvent_InstrumentVariant(t *testing.T) {
	raw := []byte(`{"id":"evt_2","type":"payment_instrument.attached","data":{"customer_ref":"cus_1","instrument_ref":"pi_1"}}`)
	event, err := ParseGatewayEvent(raw)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if event.Instrument == nil || event.Instrument.InstrumentRef != "pi_1" {
		t.Fatalf("expected instrument variant, got %+v", event)
	}
}

func TestParseGatewayEvent_DisputeVariant(t *testing.T) {
	raw := []byte(`{"id":"evt_3","type":"dispute.opened","data":{"reference":"ref_1","reason":"fraudulent"}}`)
	event, err := ParseGatewayEvent(raw)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if event.Dispute == nil || event.Dispute.Reason != "fraudulent" {
		t.Fatalf("expected dispute variant, got %+v", event)
	}
}

func TestParseGatewayEvent_UnknownKindParsesWithoutVariant(t *testing.T) {
	raw := []byte(`{"id":"evt_4","type":"payout.settled","data":{"anything":true}}`)
	event, err := ParseGatewayEvent(raw)
	if err != nil {
		t.Fatalf("expected unknown kinds to parse, got %v", err)
	}
	if event.Known() {
		t.Fatal("expected payout.settled to be unknown")
	}
	if event.Charge != nil || event.Instrument != nil || event.Dispute != nil {
		t.Fatal("expected no variant populated for unknown kind")
	}
}

func TestParseGatewayEvent_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"missing id", `{"type":"charge.succeeded","data":{"reference":"ref_1"}}`},
		{"missing type", `{"id":"evt_1","data":{"reference":"ref_1"}}`},
		{"charge without reference", `{"id":"evt_1","type":"charge.failed","data":{"message":"declined"}}`},
		{"instrument without customer", `{"id":"evt_1","type":"payment_instrument.attached","data":{"instrument_ref":"pi_1"}}`},
		{"dispute without reference", `{"id":"evt_1","type":"dispute.opened","data":{"reason":"fraudulent"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseGatewayEvent([]byte(tc.raw))
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}
