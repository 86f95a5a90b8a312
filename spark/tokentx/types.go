// Package tokentx computes the canonical hash over a token transaction
// used for signing and operator coordination.
package tokentx

import "math/big"

// TxType distinguishes a token transaction's operation, with discriminants
// matching the wire enum (unspecified is reserved at zero).
type TxType uint32

const (
	TxCreate   TxType = 1
	TxMint     TxType = 2
	TxTransfer TxType = 3
)

// NetworkMainnet is the wire discriminant for the mainnet network,
// confirmed against the reference implementation's published test vectors
// (see hash_test.go's literal-vector tests).
const NetworkMainnet uint32 = 1

// HashVersion selects between the v1 and v2 canonical hash algorithms; v2
// additionally binds invoice attachments into the hash.
type HashVersion uint32

const (
	HashV1 HashVersion = 1
	HashV2 HashVersion = 2
)

// CreateInput is the type-specific payload for a token-creation transaction.
type CreateInput struct {
	IssuerPublicKey          []byte
	TokenName                string
	TokenTicker              string
	Decimals                 uint32
	MaxSupply                []byte // u128 big-endian
	IsFreezable              bool
	CreationEntityPublicKey  []byte // included only in the final (non-partial) hash
}

// MintInput is the type-specific payload for a mint transaction.
type MintInput struct {
	IssuerPublicKey []byte
	TokenIdentifier []byte // 32 bytes; zeroed if absent
}

// OutputToSpend references a prior transaction's output being consumed by
// a transfer.
type OutputToSpend struct {
	PrevTokenTransactionHash []byte
	PrevTokenTransactionVout uint32
}

// TransferInput is the type-specific payload for a transfer transaction.
type TransferInput struct {
	OutputsToSpend []OutputToSpend
}

// Output is one output of a token transaction. Id, RevocationCommitment,
// WithdrawBondSats and WithdrawRelativeBlockLocktime are omitted from the
// hash when partial is true.
type Output struct {
	Id                            *string
	OwnerPublicKey                []byte
	RevocationCommitment          []byte
	WithdrawBondSats              *uint64
	WithdrawRelativeBlockLocktime *uint64
	TokenPublicKey                []byte // 33 bytes; zeroed if absent
	TokenIdentifier               []byte
	TokenAmount                   *big.Int // encoded as u128 big-endian
}

// Attachment binds a raw Spark-invoice string to the 16-byte invoice id
// used only to order attachments before hashing; the hash itself covers
// the raw string, not the id.
type Attachment struct {
	Id         [16]byte
	RawInvoice string
}

// Transaction is the hash input: every field the v1/v2 algorithms consume.
type Transaction struct {
	Version     HashVersion
	Network     uint32
	CreatedAt   uint64 // client_created_timestamp, unix millis
	ExpiryTime  *uint64 // unix seconds; omitted entirely when partial

	Create   *CreateInput
	Mint     *MintInput
	Transfer *TransferInput

	Outputs []Output

	OperatorPublicKeys [][]byte // sorted lexicographically before hashing

	Attachments []Attachment // v2 only
}
