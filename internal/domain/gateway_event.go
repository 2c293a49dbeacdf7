/**
 * @description
 * Strongly-typed model of the payment gateway's webhook events. The gateway
 * delivers loosely-typed JSON; this file validates it at the boundary into a
 * tagged union with one populated variant per event kind, so downstream code
 * never reaches into optional fields ad hoc.
 */

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Gateway webhook event kinds this service understands. Kinds outside this
// set are acknowledged and ignored for forward compatibility with gateway
// API evolution.
const (
	EventChargeSucceeded      = "charge.succeeded"
	EventChargeFailed         = "charge.failed"
	EventChargeActionRequired = "charge.action_required"
	EventInstrumentAttached   = "payment_instrument.attached"
	EventInstrumentDetached   = "payment_instrument.detached"
	EventDisputeOpened        = "dispute.opened"
)

// ErrMalformedEvent indicates the payload could not be decoded into a known
// event shape.
var ErrMalformedEvent = errors.New("malformed gateway event")

// ChargeEventData carries the payload of charge.* events.
type ChargeEventData struct {
	GatewayReferenceID string `json:"reference"`
	Message            string `json:"message,omitempty"`
}

// InstrumentEventData carries the payload of payment_instrument.* events.
type InstrumentEventData struct {
	GatewayCustomerRef string `json:"customer_ref"`
	InstrumentRef      string `json:"instrument_ref,omitempty"`
}

// DisputeEventData carries the payload of dispute.opened events.
type DisputeEventData struct {
	GatewayReferenceID string `json:"reference"`
	Reason             string `json:"reason,omitempty"`
}

// GatewayEvent is the tagged union: Kind selects exactly one variant pointer.
type GatewayEvent struct {
	ID   string `json:"id"`
	Kind string `json:"type"`

	Charge     *ChargeEventData
	Instrument *InstrumentEventData
	Dispute    *DisputeEventData
}

// Known reports whether the event kind is one this service handles.
func (e *GatewayEvent) Known() bool {
	switch e.Kind {
	case EventChargeSucceeded, EventChargeFailed, EventChargeActionRequired,
		EventInstrumentAttached, EventInstrumentDetached, EventDisputeOpened:
		return true
	}
	return false
}

// ParseGatewayEvent decodes and validates a raw webhook body. Unknown kinds
// parse successfully with no variant populated; the caller decides to ignore
// them. Known kinds with missing required fields are rejected.
func ParseGatewayEvent(raw []byte) (*GatewayEvent, error) {
	var envelope struct {
		ID   string          `json:"id"`
		Kind string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if envelope.ID == "" || envelope.Kind == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	event := &GatewayEvent{ID: envelope.ID, Kind: envelope.Kind}

	switch envelope.Kind {
	case EventChargeSucceeded, EventChargeFailed, EventChargeActionRequired:
		var data ChargeEventData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if data.GatewayReferenceID == "" {
			return nil, fmt.Errorf("%w: charge event missing reference", ErrMalformedEvent)
		}
		event.Charge = &data

	case EventInstrumentAttached, EventInstrumentDetached:
		var data InstrumentEventData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if data.GatewayCustomerRef == "" {
			return nil, fmt.Errorf("%w: instrument event missing customer_ref", ErrMalformedEvent)
		}
		event.Instrument = &data

	case EventDisputeOpened:
		var data DisputeEventData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if data.GatewayReferenceID == "" {
			return nil, fmt.Errorf("%w: dispute event missing reference", ErrMalformedEvent)
		}
		event.Dispute = &data
	}

	return event, nil
}
