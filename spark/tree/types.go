// Package tree implements the wallet's pool of spendable Spark leaves: an
// in-memory store that serves atomic reservations against the leaf set and
// bounds reservation concurrency, mirroring the single-writer processor
// pattern used elsewhere in this codebase for serializing state mutation
// without fine-grained locking.
package tree

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
)

// TreeNodeId identifies a single leaf within the Spark tree, analogous to a
// UTXO outpoint.
type TreeNodeId string

// TreeNodeStatus is the lifecycle state of a leaf as reported by the Spark
// operators.
type TreeNodeStatus string

const (
	StatusAvailable      TreeNodeStatus = "available"
	StatusTransferLocked TreeNodeStatus = "transfer_locked"
	StatusFrozen         TreeNodeStatus = "frozen"
	StatusSplitLocked    TreeNodeStatus = "split_locked"
)

// SigningKeyshare is the FROST-style threshold keyshare securing a leaf's
// signing key.
type SigningKeyshare struct {
	PublicKey       *btcec.PublicKey
	OwnerIdentifiers []string
	Threshold        uint32
}

// TreeNode is a single spendable leaf: one output of a Spark tree node
// transaction, plus the refund transactions that let its owner unilaterally
// exit.
type TreeNode struct {
	Id                     TreeNodeId
	TreeId                 string
	Value                  uint64 // sats
	ParentNodeId           *TreeNodeId
	NodeTx                 *wire.MsgTx
	RefundTx               *wire.MsgTx
	DirectTx               *wire.MsgTx
	DirectRefundTx         *wire.MsgTx
	DirectFromCpfpRefundTx *wire.MsgTx
	Vout                   uint32
	VerifyingPublicKey     *btcec.PublicKey
	OwnerIdentityPublicKey *btcec.PublicKey
	SigningKeyshare        SigningKeyshare
	Status                 TreeNodeStatus
}

// ReservationPurpose distinguishes a reservation that removes value from the
// user-visible balance (Payment) from one that merely restructures leaves
// the wallet still owns (Swap).
type ReservationPurpose string

const (
	PurposePayment ReservationPurpose = "payment"
	PurposeSwap    ReservationPurpose = "swap"
)

// LeavesReservationId is the opaque identifier of a reservation: a random
// (version 4) UUID string, so ids carry no creation-time ordering.
type LeavesReservationId string

// LeavesReservation is the public view of a held reservation: the leaves it
// froze and the id a caller uses to cancel, finalize, or update it.
type LeavesReservation struct {
	Leaves []TreeNode
	Id     LeavesReservationId
}

// Sum returns the total value, in sats, of the reserved leaves.
func (r LeavesReservation) Sum() uint64 {
	var total uint64
	for _, l := range r.Leaves {
		total += l.Value
	}
	return total
}

// TargetAmounts is the caller's request for how much to reserve: an amount
// plus an optional, separately-selected fee contribution.
type TargetAmounts struct {
	AmountSats uint64
	FeeSats    *uint64
}

// NewTargetAmounts builds a TargetAmounts from an amount and optional fee.
func NewTargetAmounts(amountSats uint64, feeSats *uint64) TargetAmounts {
	return TargetAmounts{AmountSats: amountSats, FeeSats: feeSats}
}

// TotalSats is the combined amount the reservation must cover.
func (t TargetAmounts) TotalSats() uint64 {
	total := t.AmountSats
	if t.FeeSats != nil {
		total += *t.FeeSats
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

// ReserveResult is the outcome of TryReserveLeaves. Exactly one field is
// meaningful, selected by Kind.
type ReserveResult struct {
	Kind ReserveResultKind

	// valid when Kind == ReserveSuccess
	Reservation LeavesReservation

	// valid when Kind == ReserveWaitForPending
	Needed    uint64
	Available uint64
	Pending   uint64
}

// Leaves is the full, categorized view of the store's state returned by
// GetLeaves.
type Leaves struct {
	Available                     []TreeNode
	NotAvailable                   []TreeNode
	AvailableMissingFromOperators []TreeNode
	ReservedForPayment             []TreeNode
	ReservedForSwap                []TreeNode
}

func sumValues(leaves []TreeNode) uint64 {
	var total uint64
	for _, l := range leaves {
		total += l.Value
	}
	return total
}

// AvailableBalance is the sum of leaves currently free to reserve.
func (l Leaves) AvailableBalance() uint64 { return sumValues(l.Available) }

// PaymentReservedBalance is value held by Payment-purpose reservations,
// excluded from the user-visible balance.
func (l Leaves) PaymentReservedBalance() uint64 { return sumValues(l.ReservedForPayment) }

// SwapReservedBalance is value held by Swap-purpose reservations, included
// in the user-visible balance since it never left the wallet's ownership.
func (l Leaves) SwapReservedBalance() uint64 { return sumValues(l.ReservedForSwap) }

// MissingOperatorsBalance is value the operators report missing data for;
// it is tracked separately and never counts toward payable funds.
func (l Leaves) MissingOperatorsBalance() uint64 { return sumValues(l.AvailableMissingFromOperators) }

// Balance is the user-visible spendable total: available + swap-reserved +
// missing-from-operators, explicitly excluding payment-reserved value.
func (l Leaves) Balance() uint64 {
	return l.AvailableBalance() + l.SwapReservedBalance() + l.MissingOperatorsBalance()
}

// ServiceErrorKind enumerates the store's failure modes.
type ServiceErrorKind string

const (
	ErrKindGeneric             ServiceErrorKind = "generic"
	ErrKindInsufficientFunds   ServiceErrorKind = "insufficient_funds"
	ErrKindNonReservableLeaves ServiceErrorKind = "non_reservable_leaves"
	ErrKindResourceBusy        ServiceErrorKind = "resource_busy"
	ErrKindProcessorShutdown   ServiceErrorKind = "processor_shutdown"
)

// ServiceError is the error type returned by every LeafStore operation.
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
		return "leaf store processor has shut down"
	case ErrKindInsufficientFunds:
		return "insufficient funds"
	case ErrKindNonReservableLeaves:
		return "leaves are not reservable"
	default:
		return e.Message
	}
}

func errGeneric(format string, args ...interface{}) *ServiceError {
	return &ServiceError{Kind: ErrKindGeneric, Message: fmt.Sprintf(format, args...)}
}

var errNonReservableLeaves = &ServiceError{Kind: ErrKindNonReservableLeaves}
var errInsufficientFunds = &ServiceError{Kind: ErrKindInsufficientFunds}
var errProcessorShutdown = &ServiceError{Kind: ErrKindProcessorShutdown}

func errResourceBusy(maxConcurrent int, timeout time.Duration) *ServiceError {
	return &ServiceError{Kind: ErrKindResourceBusy, MaxConcurrent: maxConcurrent, Timeout: timeout}
}
