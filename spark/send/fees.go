package send

import (
	"context"
	"math/big"
)

// OnchainFeeQuote is the three-tier fee estimate required by Prepare for
// on-chain sends.
type OnchainFeeQuote struct {
	SlowSatPerVbyte   uint64
	MediumSatPerVbyte uint64
	FastSatPerVbyte   uint64
}

// FeeEstimator is the collaborator Prepare consults for rail-specific fee
// figures; production wallets back this with a mempool-fee-rate source and
// a Lightning pathfinding probe, kept behind an interface so orchestration
// logic stays testable without either.
type FeeEstimator interface {
	EstimateOnchainFees(ctx context.Context) (OnchainFeeQuote, error)
	EstimateLightningFee(ctx context.Context, amountMsat uint64) (uint64, error)
}

// ConversionEstimate describes the asset swap Prepare attaches when the
// caller's held asset does not cover the payment's required sats.
type ConversionEstimate struct {
	FromTokenIdentifier string
	FromAmount          *big.Int
	ToSats              uint64
	FeeSats             uint64
}

// ConversionLegs are the two payment ids a conversion produces: the
// visible payment's sent and received legs, each persisted with
// parent_payment_id set to the visible payment.
type ConversionLegs struct {
	SentPaymentId     string
	ReceivedPaymentId string
}

// ConversionService executes the asset swap Prepare estimated.
type ConversionService interface {
	EstimateConversion(ctx context.Context, tokenIdentifier string, requiredSats uint64) (*ConversionEstimate, error)
	ExecuteConversion(ctx context.Context, estimate ConversionEstimate) (*ConversionLegs, error)
}
