package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/collatix/creditcore/libs/kafka"
)

const (
	EventCreated            = "instrument.created"
	EventExtended           = "instrument.extended"
	EventCollateralModified = "instrument.collateral_modified"
	EventRedeemed           = "instrument.redeemed"
	EventCanceled           = "instrument.canceled"
	EventLiquidated         = "instrument.liquidated"
	EventMarkedUnhealthy    = "instrument.marked_unhealthy"
)

const eventVersion = 1

// InstrumentEvent is the lifecycle record published to Kafka after an
// engine operation commits.
type InstrumentEvent struct {
	kafka.Envelope
	InstrumentID     uint64          `json:"instrument_id"`
	Creator          string          `json:"creator"`
	Beneficiary      string          `json:"beneficiary"`
	CollateralAsset  string          `json:"collateral_asset"`
	CreditedAsset    string          `json:"credited_asset"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	CreditedAmount   decimal.Decimal `json:"credited_amount"`
	Status           Status          `json:"status"`
	Unhealthy        bool            `json:"unhealthy"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// publish emits a lifecycle event. State is already committed by the time
// this runs; a publish failure is logged and counted, never propagated.
func (e *Engine) publish(ctx context.Context, eventType string, in *Instrument) {
	if e.publisher == nil {
		return
	}
	envelope, err := kafka.NewEnvelope(eventType, eventVersion, "")
	if err != nil {
		e.logger.Error("building event envelope", "event_type", eventType, "error", err)
		return
	}
	envelope.EventID = kafka.DeterministicEventID(
		eventType,
		strconv.FormatUint(in.ID, 10),
		in.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)

	event := InstrumentEvent{
		Envelope:         envelope,
		InstrumentID:     in.ID,
		Creator:          in.Creator.String(),
		Beneficiary:      in.Beneficiary.String(),
		CollateralAsset:  in.CollateralAsset,
		CreditedAsset:    in.CreditedAsset,
		CollateralAmount: in.CollateralAmount,
		CreditedAmount:   in.CreditedAmount,
		Status:           in.Status,
		Unhealthy:        in.Unhealthy,
		ExpiresAt:        in.ExpiresAt,
	}

	_, _, err = e.publisher.PublishJSON(ctx, e.topic, strconv.FormatUint(in.ID, 10), event)
	e.metrics.observePublish(eventType, err)
	if err != nil {
		e.logger.Error("publishing lifecycle event",
			"event_type", eventType, "instrument_id", in.ID, "error", err)
	}
}
