// Package token implements the wallet's pool of spendable token outputs,
// mirroring the single-writer processor design of the sibling tree package
// but keyed per token identifier, with token-specific selection and
// consolidation policies.
package token

import (
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// tokenIdentifierHrps maps network name to the bech32m HRP used to encode a
// token_identifier, per the §4.3 HRP family.
var tokenIdentifierHrps = map[string]string{
	"mainnet": "btkn",
	"testnet": "btknt",
	"regtest": "btknrt",
	"signet":  "btkns",
}

// TokenIdentifier is the bech32m-encoded identifier of a token, carrying its
// network in the HRP.
type TokenIdentifier string

// EncodeTokenIdentifier bech32m-encodes raw token identifier bytes for the
// given network name ("mainnet", "testnet", "regtest", "signet").
func EncodeTokenIdentifier(network string, raw []byte) (TokenIdentifier, error) {
	hrp, ok := tokenIdentifierHrps[network]
	if !ok {
		return "", fmt.Errorf("token: unknown network %q", network)
	}
	data, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	encoded, err := bech32.EncodeM(hrp, data)
	if err != nil {
		return "", err
	}
	return TokenIdentifier(encoded), nil
}

// DecodeTokenIdentifier recovers the raw identifier bytes and HRP (network
// family) from a bech32m token identifier string.
func DecodeTokenIdentifier(id TokenIdentifier) (hrp string, raw []byte, err error) {
	hrp, data, err := bech32.DecodeNoLimit(string(id))
	if err != nil {
		return "", nil, err
	}
	raw, err = bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", nil, err
	}
	return hrp, raw, nil
}

// OutputId identifies a single token output, analogous to a UTXO outpoint.
type OutputId string

// TokenOutputStatus is the lifecycle state of a token output.
type TokenOutputStatus string

const (
	StatusAvailable      TokenOutputStatus = "available"
	StatusTransferLocked TokenOutputStatus = "transfer_locked"
	StatusFrozen         TokenOutputStatus = "frozen"
)

// TokenOutput is a single spendable token leaf: one output of a token
// transaction, with its revocation/withdrawal terms and prev-tx linkage.
type TokenOutput struct {
	Id                            OutputId
	OwnerPublicKey                *btcec.PublicKey
	RevocationCommitment          []byte
	WithdrawBondSats              uint64
	WithdrawRelativeBlockLocktime uint64
	TokenPublicKey                *btcec.PublicKey
	TokenIdentifier               TokenIdentifier
	TokenAmount                   *big.Int // u128 in the wire format, arbitrary precision here
	PrevTxHash                    []byte
	PrevTxVout                    uint32
	Status                        TokenOutputStatus
}

// GetTokenOutputsFilter selects which token's outputs to return.
type GetTokenOutputsFilter struct {
	Identifier      *TokenIdentifier
	IssuerPublicKey *btcec.PublicKey
}

// ByIdentifier builds a filter matching a single token identifier.
func ByIdentifier(id TokenIdentifier) GetTokenOutputsFilter {
	return GetTokenOutputsFilter{Identifier: &id}
}

// ByIssuerPublicKey builds a filter matching every token minted by pk.
func ByIssuerPublicKey(pk *btcec.PublicKey) GetTokenOutputsFilter {
	return GetTokenOutputsFilter{IssuerPublicKey: pk}
}

// SelectionStrategy governs which outputs a reservation prefers when more
// than one subset satisfies the target.
type SelectionStrategy int

const (
	// SmallestFirst consolidates dust by spending the smallest outputs
	// first. The default, matching the leaf store's deterministic pick.
	SmallestFirst SelectionStrategy = iota
	// LargestFirst minimizes the number of inputs consumed per reservation.
	LargestFirst
)

// ReservationTarget is the caller's request for how much/how many outputs
// to reserve.
type ReservationTarget struct {
	MinTotalValue *big.Int
	MaxOutputCount *int
}

// NewMinTotalValueTarget reserves outputs summing to at least value.
func NewMinTotalValueTarget(value *big.Int) ReservationTarget {
	return ReservationTarget{MinTotalValue: value}
}

// NewMaxOutputCountTarget reserves up to n outputs (n must be >= 1).
func NewMaxOutputCountTarget(n int) (ReservationTarget, error) {
	if n < 1 {
		return ReservationTarget{}, fmt.Errorf("token: MaxOutputCount must be >= 1, got %d", n)
	}
	return ReservationTarget{MaxOutputCount: &n}, nil
}

// ReservationPurpose mirrors the tree package's distinction between value
// that leaves the user-visible balance (Payment) and internal restructuring
// (Swap).
type ReservationPurpose string

const (
	PurposePayment ReservationPurpose = "payment"
	PurposeSwap    ReservationPurpose = "swap"
)

// ReservationId is the opaque identifier of a held token reservation.
type ReservationId string

// Reservation is the public view of a held reservation.
type Reservation struct {
	Outputs []TokenOutput
	Id      ReservationId
}

// Sum returns the total reserved amount.
func (r Reservation) Sum() *big.Int {
	total := new(big.Int)
	for _, o := range r.Outputs {
		total.Add(total, o.TokenAmount)
	}
	return total
}

// ReserveResultKind discriminates the ReserveResult sum type.
type ReserveResultKind int

const (
	ReserveSuccess ReserveResultKind = iota
	ReserveInsufficientFunds
	ReserveWaitForPending
)

// ReserveResult is the outcome of TryReserveOutputs.
type ReserveResult struct {
	Kind ReserveResultKind

	Reservation Reservation

	Needed    *big.Int
	Available *big.Int
	Pending   *big.Int
}

// Outputs is the categorized view of a single token's output pool returned
// by GetTokenOutputs.
type Outputs struct {
	Available          []TokenOutput
	NotAvailable        []TokenOutput
	ReservedForPayment  []TokenOutput
	ReservedForSwap     []TokenOutput
}

func sumAmounts(outputs []TokenOutput) *big.Int {
	total := new(big.Int)
	for _, o := range outputs {
		total.Add(total, o.TokenAmount)
	}
	return total
}

// AvailableBalance is the sum of outputs currently free to reserve.
func (o Outputs) AvailableBalance() *big.Int { return sumAmounts(o.Available) }

// PaymentReservedBalance is value held by Payment-purpose reservations,
// excluded from the user-visible balance.
func (o Outputs) PaymentReservedBalance() *big.Int { return sumAmounts(o.ReservedForPayment) }

// SwapReservedBalance is value held by Swap-purpose reservations, included
// in the user-visible balance.
func (o Outputs) SwapReservedBalance() *big.Int { return sumAmounts(o.ReservedForSwap) }

// Balance is the user-visible spendable total: available + swap-reserved,
// excluding payment-reserved value. There is no missing-from-operators pool
// for tokens, unlike the tree store.
func (o Outputs) Balance() *big.Int {
	return new(big.Int).Add(o.AvailableBalance(), o.SwapReservedBalance())
}

// ServiceErrorKind enumerates the store's failure modes.
type ServiceErrorKind string

const (
	ErrKindGeneric             ServiceErrorKind = "generic"
	ErrKindInsufficientFunds   ServiceErrorKind = "insufficient_funds"
	ErrKindNonReservableOutputs ServiceErrorKind = "non_reservable_outputs"
	ErrKindResourceBusy        ServiceErrorKind = "resource_busy"
	ErrKindProcessorShutdown   ServiceErrorKind = "processor_shutdown"
	ErrKindInvalidTarget       ServiceErrorKind = "invalid_target"
)

// ServiceError is the error type returned by every TokenOutputStore
// operation.
type ServiceError struct {
	Kind          ServiceErrorKind
	Message       string
	MaxConcurrent int
	Timeout       time.Duration
}

func (e *ServiceError) Error() string {
	switch e.Kind {
	case ErrKindResourceBusy:
		return fmt.Sprintf("resource busy: %d concurrent reservations already in flight, timed out after %s", e.MaxConcurrent, e.Timeout)
	case ErrKindProcessorShutdown:
		return "token output store processor has shut down"
	case ErrKindInsufficientFunds:
		return "insufficient token funds"
	case ErrKindNonReservableOutputs:
		return "token outputs are not reservable"
	case ErrKindInvalidTarget:
		return e.Message
	default:
		return e.Message
	}
}

func errGeneric(format string, args ...interface{}) *ServiceError {
	return &ServiceError{Kind: ErrKindGeneric, Message: fmt.Sprintf(format, args...)}
}

var errNonReservableOutputs = &ServiceError{Kind: ErrKindNonReservableOutputs}
var errInsufficientFunds = &ServiceError{Kind: ErrKindInsufficientFunds}
var errProcessorShutdown = &ServiceError{Kind: ErrKindProcessorShutdown}

func errResourceBusy(maxConcurrent int, timeout time.Duration) *ServiceError {
	return &ServiceError{Kind: ErrKindResourceBusy, MaxConcurrent: maxConcurrent, Timeout: timeout}
}
