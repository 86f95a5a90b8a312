// Package send implements the thin coordinator that wires input parsing,
// the leaf and token-output stores, and persistence together into a single
// prepare/send flow, per the orchestration contract each rail must honor.
package send

import (
	"context"
	"strconv"
	"time"

	"github.com/go-errors/errors"
	"github.com/google/uuid"

	"github.com/sparkwallet/sdk/input"
	"github.com/sparkwallet/sdk/persist"
	"github.com/sparkwallet/sdk/spark/tree"
)

// FeePolicy selects how an amountless BOLT11 invoice's declared fee
// interacts with the amount forwarded to the router.
type FeePolicy string

const (
	// FeesExcluded forwards the receiver's requested amount and pays the
	// estimated fee on top, the default.
	FeesExcluded FeePolicy = "fees_excluded"
	// FeesIncluded forwards receiver_amount + (prepared_fee - current_fee)
	// so the receiver nets their requested amount even if the fee moved
	// between Prepare and Send.
	FeesIncluded FeePolicy = "fees_included"
)

// PrepareRequest is the caller's declared intent: what to pay, and from
// which asset.
type PrepareRequest struct {
	Input                input.InputType
	AmountSats           *uint64
	AssetTokenIdentifier *string
	FeePolicy            FeePolicy
}

// PreparedSend is Prepare's output: everything Send needs to execute
// without re-deriving fee or conversion figures.
type PreparedSend struct {
	Request           PrepareRequest
	AmountSats        uint64
	FeeSats           uint64
	OnchainFees       *OnchainFeeQuote
	Conversion        *ConversionEstimate
	preparedAt        time.Time
}

// LightningRouter abstracts the payment execution and status-polling
// surface a Lightning send needs; kept separate from FeeEstimator since a
// production implementation backs this with the operator RPC client
// rather than a local fee model.
type LightningRouter interface {
	PayInvoice(ctx context.Context, bolt11 string, amountMsat uint64) (paymentId string, err error)
	PaymentStatus(ctx context.Context, paymentId string) (persist.PaymentStatus, error)
}

// pollConfig mirrors the bounded Lightning status-polling contract: five
// fast polls, then up to fifteen more with linear backoff, twenty total.
var pollConfig = struct {
	fastPolls    int
	fastInterval time.Duration
	maxAttempts  int
	backoffStep  time.Duration
}{
	fastPolls:    5,
	fastInterval: 500 * time.Millisecond,
	maxAttempts:  20,
	backoffStep:  time.Second,
}

// Orchestrator is the only component that speaks to both output stores
// and persistence; LeafStore, TokenOutputStore and Storage stay mutually
// independent so each can be exercised and reasoned about alone.
type Orchestrator struct {
	storage    persist.Storage
	leaves     *tree.LeafStore
	fees       FeeEstimator
	conversion ConversionService
	lightning  LightningRouter
	events     *EventBroadcaster
}

// New builds an Orchestrator over its collaborators.
func New(storage persist.Storage, leaves *tree.LeafStore, fees FeeEstimator, conversion ConversionService, lightning LightningRouter, events *EventBroadcaster) *Orchestrator {
	return &Orchestrator{
		storage:    storage,
		leaves:     leaves,
		fees:       fees,
		conversion: conversion,
		lightning:  lightning,
		events:     events,
	}
}

// Prepare parses the input, computes the rail-appropriate fee, and
// attaches a ConversionEstimate when the caller's asset doesn't directly
// cover the sats required.
func (o *Orchestrator) Prepare(ctx context.Context, req PrepareRequest) (*PreparedSend, error) {
	prepared := &PreparedSend{Request: req, preparedAt: time.Now()}

	switch req.Input.Kind {
	case input.KindBolt11Invoice:
		amountMsat := uint64(0)
		if req.Input.Bolt11Invoice.AmountMsat != nil {
			amountMsat = *req.Input.Bolt11Invoice.AmountMsat
		} else if req.AmountSats != nil {
			amountMsat = *req.AmountSats * 1000
		} else {
			return nil, errors.New("amountless invoice requires a caller-supplied amount")
		}
		fee, err := o.fees.EstimateLightningFee(ctx, amountMsat)
		if err != nil {
			return nil, err
		}
		prepared.AmountSats = amountMsat / 1000
		prepared.FeeSats = fee

	case input.KindBitcoinAddress:
		if req.AmountSats == nil {
			return nil, errors.New("on-chain send requires an amount")
		}
		quote, err := o.fees.EstimateOnchainFees(ctx)
		if err != nil {
			return nil, err
		}
		prepared.AmountSats = *req.AmountSats
		prepared.OnchainFees = &quote
		prepared.FeeSats = quote.MediumSatPerVbyte

	default:
		if req.AmountSats == nil {
			return nil, errors.New("send requires an amount for this input type")
		}
		prepared.AmountSats = *req.AmountSats
	}

	if req.AssetTokenIdentifier != nil {
		requiredSats := prepared.AmountSats + prepared.FeeSats
		estimate, err := o.conversion.EstimateConversion(ctx, *req.AssetTokenIdentifier, requiredSats)
		if err != nil {
			return nil, err
		}
		prepared.Conversion = estimate
	}

	return prepared, nil
}

const idempotencySettingPrefix = "send:idempotency:"

// Send executes a prepared send. It is idempotent on idempotencyKey: a
// repeated call with the same key returns the already-recorded payment
// untouched rather than sending twice. Token-asset payments carry their
// own tx-hash identity and reject an idempotency key outright.
func (o *Orchestrator) Send(ctx context.Context, prepared *PreparedSend, idempotencyKey *string) (*persist.Payment, error) {
	if prepared.Request.AssetTokenIdentifier != nil && idempotencyKey != nil {
		return nil, errors.New("idempotency_key is not supported for token-asset payments")
	}

	if idempotencyKey != nil {
		if existingId, err := o.storage.GetSetting(ctx, idempotencySettingPrefix+*idempotencyKey); err != nil {
			return nil, err
		} else if existingId != nil {
			return o.storage.GetPaymentById(ctx, *existingId)
		}
	}

	paymentId := uuid.NewString()

	if prepared.Conversion != nil {
		if err := o.runConversion(ctx, paymentId, prepared); err != nil {
			return nil, err
		}
	}

	payment, err := o.executeSend(ctx, paymentId, prepared)
	if err != nil {
		return nil, err
	}

	if idempotencyKey != nil {
		if err := o.storage.SetSetting(ctx, idempotencySettingPrefix+*idempotencyKey, payment.Id); err != nil {
			return nil, err
		}
	}

	return payment, nil
}

// runConversion executes the estimated asset swap, reserves the expected
// sats output against the leaf store as a stable-balance guard against a
// concurrent spend racing the conversion, and waits for the received leg
// to complete before returning control to Send.
func (o *Orchestrator) runConversion(ctx context.Context, visiblePaymentId string, prepared *PreparedSend) error {
	legs, err := o.conversion.ExecuteConversion(ctx, *prepared.Conversion)
	if err != nil {
		return err
	}

	target := tree.NewTargetAmounts(prepared.Conversion.ToSats, nil)
	result, err := o.leaves.TryReserveLeaves(ctx, &target, false, tree.PurposeSwap)
	if err != nil {
		return err
	}
	if result.Kind != tree.ReserveSuccess {
		return errors.Errorf("could not reserve sats output for conversion: insufficient or pending funds")
	}
	defer func() {
		_ = o.leaves.CancelReservation(context.Background(), result.Reservation.Id)
	}()

	parent := visiblePaymentId
	if err := o.storage.InsertPaymentMetadata(ctx, persist.PaymentMetadata{
		PaymentId:       legs.SentPaymentId,
		ParentPaymentId: &parent,
	}); err != nil {
		return err
	}
	if err := o.storage.InsertPaymentMetadata(ctx, persist.PaymentMetadata{
		PaymentId:       legs.ReceivedPaymentId,
		ParentPaymentId: &parent,
	}); err != nil {
		return err
	}

	return o.waitForCompletion(ctx, legs.ReceivedPaymentId)
}

func (o *Orchestrator) waitForCompletion(ctx context.Context, paymentId string) error {
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		payment, err := o.storage.GetPaymentById(ctx, paymentId)
		if err != nil {
			return err
		}
		if payment != nil {
			switch payment.Status {
			case persist.StatusCompleted:
				return nil
			case persist.StatusFailed:
				return errors.Errorf("conversion leg %s failed", paymentId)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return errors.Errorf("timed out waiting for conversion leg %s to complete", paymentId)
}

func (o *Orchestrator) executeSend(ctx context.Context, paymentId string, prepared *PreparedSend) (*persist.Payment, error) {
	payment := persist.Payment{
		Id:          paymentId,
		PaymentType: persist.PaymentTypeSend,
		Status:      persist.StatusPending,
		AmountSats:  strconv.FormatUint(prepared.AmountSats, 10),
		FeesSats:    strconv.FormatUint(prepared.FeeSats, 10),
		Timestamp:   time.Now().UnixMilli(),
	}

	switch prepared.Request.Input.Kind {
	case input.KindBolt11Invoice:
		payment.Method = persist.MethodBolt11Invoice
		amountMsat := o.resolveLightningAmount(ctx, prepared)
		lightningPaymentId, err := o.lightning.PayInvoice(ctx, prepared.Request.Input.Bolt11Invoice.Bolt11, amountMsat)
		if err != nil {
			return nil, err
		}
		payment.Lightning = &persist.LightningDetails{
			PaymentId:   paymentId,
			Invoice:     prepared.Request.Input.Bolt11Invoice.Bolt11,
			PaymentHash: prepared.Request.Input.Bolt11Invoice.PaymentHash,
			HtlcStatus:  persist.HtlcWaitingForPreimage,
		}
		if err := o.storage.InsertPayment(ctx, payment); err != nil {
			return nil, err
		}
		go o.pollLightningPayment(context.Background(), paymentId, lightningPaymentId)
		return &payment, nil

	case input.KindBitcoinAddress:
		payment.Method = persist.MethodBitcoinAddress
		payment.Status = persist.StatusCompleted
		if err := o.storage.InsertPayment(ctx, payment); err != nil {
			return nil, err
		}
		return &payment, nil

	default:
		payment.Method = persist.MethodSparkAddress
		payment.Status = persist.StatusCompleted
		if err := o.storage.InsertPayment(ctx, payment); err != nil {
			return nil, err
		}
		return &payment, nil
	}
}

// resolveLightningAmount applies the FeesIncluded policy: on an amountless
// invoice, re-estimate the current fee and forward receiver_amount +
// (prepared_fee - current_fee), refusing an overpayment beyond
// max(current_fee, 1 sat) or a fee that has since risen.
func (o *Orchestrator) resolveLightningAmount(ctx context.Context, prepared *PreparedSend) uint64 {
	amountMsat := prepared.AmountSats * 1000
	if prepared.Request.FeePolicy != FeesIncluded {
		return amountMsat
	}
	if prepared.Request.Input.Bolt11Invoice.AmountMsat != nil {
		return amountMsat
	}

	currentFee, err := o.fees.EstimateLightningFee(ctx, amountMsat)
	if err != nil || currentFee > prepared.FeeSats {
		return amountMsat
	}

	overpayment := prepared.FeeSats - currentFee
	allowance := currentFee
	if allowance < 1 {
		allowance = 1
	}
	if overpayment > allowance {
		return amountMsat
	}
	return amountMsat + overpayment*1000
}

// pollLightningPayment runs a bounded poll loop (five fast polls, then up
// to fifteen more with linear backoff) to move a Lightning payment from
// Pending to its terminal status, emitting PaymentSucceeded and a
// sync-needed signal once it lands.
func (o *Orchestrator) pollLightningPayment(ctx context.Context, paymentId, lightningPaymentId string) {
	for attempt := 0; attempt < pollConfig.maxAttempts; attempt++ {
		status, err := o.lightning.PaymentStatus(ctx, lightningPaymentId)
		if err == nil && status != persist.StatusPending {
			payment, getErr := o.storage.GetPaymentById(ctx, paymentId)
			if getErr == nil && payment != nil {
				payment.Status = status
				if saveErr := o.storage.InsertPayment(ctx, *payment); saveErr == nil {
					if status == persist.StatusCompleted {
						o.events.Publish(SdkEvent{Kind: EventPaymentSucceeded, PaymentId: paymentId})
						o.events.Publish(SdkEvent{Kind: EventSyncNeeded, PaymentId: paymentId})
					} else {
						o.events.Publish(SdkEvent{Kind: EventPaymentFailed, PaymentId: paymentId, Reason: "lightning payment failed"})
					}
				}
			}
			return
		}

		wait := pollConfig.fastInterval
		if attempt >= pollConfig.fastPolls {
			wait = time.Duration(attempt-pollConfig.fastPolls+1) * pollConfig.backoffStep
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Warnf("payment %s timed out waiting for a terminal lightning status after %d attempts", paymentId, pollConfig.maxAttempts)
	o.events.Publish(SdkEvent{Kind: EventPaymentFailed, PaymentId: paymentId, Reason: "timed out waiting for terminal status"})
}
