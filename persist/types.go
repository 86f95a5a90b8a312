// Package persist defines the storage contract shared by every Spark
// wallet backend: payment history, metadata, unclaimed deposits, LNURL
// receive context, generic settings, and the bidirectional sync journal
// that reconciles local mutations against a remote ledger.
package persist

// PaymentType distinguishes the rail a payment moved over.
type PaymentType string

const (
	PaymentTypeSend    PaymentType = "send"
	PaymentTypeReceive PaymentType = "receive"
)

// PaymentStatus is the lifecycle state of a payment row.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
)

// PaymentMethod names the rail used to move a payment, mirroring the
// parser's InputType family for on-chain/Lightning/Spark/token transfers.
type PaymentMethod string

const (
	MethodBitcoinAddress PaymentMethod = "bitcoin_address"
	MethodBolt11Invoice  PaymentMethod = "bolt11_invoice"
	MethodBolt12Offer    PaymentMethod = "bolt12_offer"
	MethodSparkAddress   PaymentMethod = "spark_address"
	MethodToken          PaymentMethod = "token"
)

// Payment is a single row on the payments cluster, joined with its
// per-rail detail and metadata at read time.
type Payment struct {
	Id            string
	PaymentType   PaymentType
	Status        PaymentStatus
	AmountSats    string // decimal string; amounts are u128-range for tokens
	FeesSats      string
	Timestamp     int64 // unix millis
	Method        PaymentMethod
	WithdrawTxId  *string
	DepositTxId   *string
	Spark         *bool

	Metadata    *PaymentMetadata
	Lightning   *LightningDetails
	Token       *TokenDetails
	SparkDetail *SparkDetails
}

// LnurlPayInfo records the LNURL-pay endpoint metadata associated with a
// payment, for display and receipt purposes.
type LnurlPayInfo struct {
	Callback    string
	Description string
	CommentAllowed int
}

// LnurlWithdrawInfo records the LNURL-withdraw endpoint metadata.
type LnurlWithdrawInfo struct {
	Callback string
	K1       string
}

// ConversionStatus is the lifecycle of an asset conversion leg pair.
type ConversionStatus string

const (
	ConversionPending     ConversionStatus = "pending"
	ConversionCompleted   ConversionStatus = "completed"
	ConversionRefundNeeded ConversionStatus = "refund_needed"
	ConversionFailed       ConversionStatus = "failed"
)

// ConversionInfo links a visible payment to its sent/received conversion
// legs, stored as child rows with parent_payment_id set to the visible id.
type ConversionInfo struct {
	Id               string
	SentPaymentId    string
	ReceivedPaymentId string
	Status           ConversionStatus
}

// PaymentMetadata is the mutable side-channel attached to a payment id:
// everything that arrives independently of (and sometimes before) the
// payment row itself. Every field is optional and merged with COALESCE
// semantics by InsertPaymentMetadata — a None field never clears an
// existing value.
type PaymentMetadata struct {
	PaymentId         string
	ParentPaymentId   *string
	LnurlPayInfo      *LnurlPayInfo
	LnurlWithdrawInfo *LnurlWithdrawInfo
	LnurlDescription  *string
	ConversionInfo    *ConversionInfo
}

// HtlcStatus is the lifecycle of a Lightning HTLC leg within a payment.
type HtlcStatus string

const (
	HtlcWaitingForPreimage HtlcStatus = "waiting_for_preimage"
	HtlcPreimageShared     HtlcStatus = "preimage_shared"
	HtlcReturned           HtlcStatus = "returned"
)

// LightningDetails is the per-rail detail row for a Lightning payment.
type LightningDetails struct {
	PaymentId  string
	Invoice    string
	PaymentHash string
	Preimage   *string
	HtlcStatus HtlcStatus
}

// TokenTxType distinguishes a token transaction's operation.
type TokenTxType string

const (
	TokenTxCreate   TokenTxType = "create"
	TokenTxMint     TokenTxType = "mint"
	TokenTxTransfer TokenTxType = "transfer"
)

// TokenDetails is the per-rail detail row for a token payment.
type TokenDetails struct {
	PaymentId       string
	TxHash          string
	TxType          TokenTxType
	TokenIdentifier string
}

// SparkDetails is the per-rail detail row for a native Spark transfer.
type SparkDetails struct {
	PaymentId  string
	HtlcStatus *HtlcStatus
}

// AssetFilter selects payments by the asset they moved.
type AssetFilter struct {
	Bitcoin bool
	Token   bool
	// TokenIdentifier, if non-nil and Token is set, narrows to that token.
	TokenIdentifier *string
}

// BitcoinAsset builds a filter matching Bitcoin-denominated payments.
func BitcoinAsset() AssetFilter { return AssetFilter{Bitcoin: true} }

// TokenAsset builds a filter matching token payments, optionally a single
// token identifier.
func TokenAsset(tokenIdentifier *string) AssetFilter {
	return AssetFilter{Token: true, TokenIdentifier: tokenIdentifier}
}

// PaymentDetailsFilter is one ORed clause of per-rail detail predicates;
// within a clause every set field is ANDed.
type PaymentDetailsFilter struct {
	Spark *SparkDetailsFilter
	Token *TokenDetailsFilter
}

// SparkDetailsFilter narrows by native-Spark-transfer detail fields.
type SparkDetailsFilter struct {
	HtlcStatus             []HtlcStatus
	ConversionRefundNeeded *bool
}

// TokenDetailsFilter narrows by token-transfer detail fields.
type TokenDetailsFilter struct {
	TxHash                 *string
	TxType                 *TokenTxType
	ConversionRefundNeeded *bool
}

// ListPaymentsRequest is the query form accepted by ListPayments.
type ListPaymentsRequest struct {
	TypeFilter           map[PaymentType]bool
	StatusFilter         map[PaymentStatus]bool
	FromTimestamp        *int64
	ToTimestamp          *int64
	AssetFilter          *AssetFilter
	PaymentDetailsFilter []PaymentDetailsFilter
	Offset               int
	Limit                int
	SortAscending        bool
}

// DepositInfo is an unclaimed on-chain deposit awaiting a Spark claim.
type DepositInfo struct {
	TxId        string
	Vout        uint32
	AmountSats  uint64
	ClaimError  *string
	RefundTx    *string
	RefundTxId  *string
}

// UpdateDepositPayload is the sum type accepted by UpdateDeposit.
type UpdateDepositPayload struct {
	ClaimError *string
	Refund     *DepositRefund
}

// DepositRefund carries both refund columns, set together.
type DepositRefund struct {
	RefundTxId string
	RefundTx   string
}

// LnurlReceiveMetadata records the nostr zap context for an LNURL-pay
// receive, keyed by the Lightning payment hash.
type LnurlReceiveMetadata struct {
	PaymentHash     string
	NostrZapRequest *string
	NostrZapReceipt *string
	SenderComment   *string
}

// RecordId identifies a single synced record by its logical type and id.
type RecordId struct {
	RecordType    string
	DataId        string
	SchemaVersion int
}

// Record is a fully-versioned synced row: either side's last-known
// committed state.
type Record struct {
	RecordId
	Data     []byte
	Revision uint64
}

// UnversionedRecordChange is a local mutation not yet assigned a queue
// position.
type UnversionedRecordChange struct {
	RecordId
	UpdatedFields []byte
}

// RecordChange is an UnversionedRecordChange after being queued, carrying
// its monotonic local revision.
type RecordChange struct {
	UnversionedRecordChange
	LocalRevision uint64
}

// OutgoingChange pairs a queued local mutation with the last-known
// committed parent state, if any.
type OutgoingChange struct {
	Change RecordChange
	Parent *Record
}

// IncomingChange pairs a freshly-received remote record with the
// previously-known local state, if any.
type IncomingChange struct {
	NewState Record
	OldState *Record
}
