package input

// Network mirrors the five Bitcoin-family networks the parser recognizes,
// in the contractual first-match-wins order from §4.1: Bitcoin > Regtest >
// Signet > Testnet > Testnet4.
type Network string

const (
	NetworkBitcoin  Network = "bitcoin"
	NetworkRegtest  Network = "regtest"
	NetworkSignet   Network = "signet"
	NetworkTestnet  Network = "testnet"
	NetworkTestnet4 Network = "testnet4"
)

// PaymentRequestSource records how an InputType was ultimately reached, so
// that a BIP-353-resolved or lightning-address-resolved payment method can
// still report the original address the user pasted.
type PaymentRequestSource struct {
	Bip21URI        *string
	Bip353Address   *string
	LightningAddr   *string
}

// InputTypeKind discriminates the InputType sum type.
type InputTypeKind string

const (
	KindBitcoinAddress        InputTypeKind = "bitcoin_address"
	KindBip21                 InputTypeKind = "bip21"
	KindBolt11Invoice         InputTypeKind = "bolt11_invoice"
	KindBolt12Offer           InputTypeKind = "bolt12_offer"
	KindBolt12InvoiceRequest  InputTypeKind = "bolt12_invoice_request"
	KindLnurlPay              InputTypeKind = "lnurl_pay"
	KindLnurlWithdraw         InputTypeKind = "lnurl_withdraw"
	KindLnurlAuth             InputTypeKind = "lnurl_auth"
	KindLightningAddress      InputTypeKind = "lightning_address"
	KindSparkAddress          InputTypeKind = "spark_address"
	KindSilentPaymentAddress  InputTypeKind = "silent_payment_address"
)

// InputType is the classifier's output. Exactly one of the pointer fields
// matching Kind is populated; the others are nil. A plain sum type (tagged
// union via interface) was considered, but a single struct with a Kind tag
// keeps the COALESCE-free read path simple for callers switching on Kind,
// matching how the rest of this codebase favors flat structs over deep
// interface hierarchies for wire-adjacent data (see zpay32's Invoice).
type InputType struct {
	Kind InputTypeKind

	BitcoinAddress       *BitcoinAddressDetails
	Bip21                *Bip21Details
	Bolt11Invoice        *Bolt11InvoiceDetails
	Bolt12Offer          *Bolt12OfferDetails
	Bolt12InvoiceRequest *Bolt12InvoiceRequestDetails
	LnurlPay             *LnurlPayRequestDetails
	LnurlWithdraw        *LnurlWithdrawRequestDetails
	LnurlAuth            *LnurlAuthRequestDetails
	LightningAddress     *LightningAddressDetails
	SparkAddress         *SparkAddressDetails
	SilentPaymentAddress *SilentPaymentAddressDetails
}

// BitcoinAddressDetails is a classified on-chain address.
type BitcoinAddressDetails struct {
	Address string
	Network Network
	Source  PaymentRequestSource
}

// SilentPaymentAddressDetails is a bech32 "sp1..." silent-payment address.
type SilentPaymentAddressDetails struct {
	Address string
	Source  PaymentRequestSource
}

// SparkAddressDetails is a decoded Spark wallet address/invoice. The decoded
// payload is left opaque here (bytes) since the Spark address format's
// cryptographic internals are out of this SDK's scope (spec §1 Non-goals);
// higher layers interpret it via the Spark operator RPC client.
type SparkAddressDetails struct {
	Address        string
	DecodedAddress []byte
	Source         PaymentRequestSource
}

// Bip21Extra is a BIP-21 query parameter this parser doesn't interpret
// itself but preserves verbatim (original case) for the caller.
type Bip21Extra struct {
	Key   string
	Value string
}

// Bip21Details is the result of parsing a "bitcoin:" URI.
type Bip21Details struct {
	URI            string
	AmountSat      *uint64
	Label          *string
	Message        *string
	AssetID        *string
	PaymentMethods []InputType
	Extras         []Bip21Extra
}

// Bolt11InvoiceDetails is a decoded BOLT11 Lightning invoice.
type Bolt11InvoiceDetails struct {
	Bolt11             string
	PaymentHash        string
	AmountMsat         *uint64
	Description        *string
	DescriptionHash    *string
	PayeePubkey        string
	Expiry             uint64 // seconds from Timestamp
	Timestamp          uint64 // seconds since epoch
	MinFinalCltvExpiry uint64
	Source             PaymentRequestSource
}

// Bolt12OfferDetails is a parsed (not fully decoded) BOLT12 offer. Exact
// BOLT12 decoding rules are delegated to a compliant decoder per spec §1;
// this SDK recognizes the "lno1" prefix and carries the raw payload.
type Bolt12OfferDetails struct {
	Offer  string
	Source PaymentRequestSource
}

// Bolt12InvoiceRequestDetails mirrors Bolt12OfferDetails for invoice
// requests ("lnr1" prefix).
type Bolt12InvoiceRequestDetails struct {
	InvoiceRequest string
	Source         PaymentRequestSource
}

// LightningAddressDetails is a resolved "user@domain" lightning address.
type LightningAddressDetails struct {
	Address    string
	PayRequest LnurlPayRequestDetails
}

// LnurlPayRequestDetails is the decoded "payRequest" LNURL response.
type LnurlPayRequestDetails struct {
	Callback       string
	MinSendable    uint64
	MaxSendable    uint64
	Metadata       string
	CommentAllowed uint16
	Domain         string
	URL            string
	Address        *string
}

// LnurlWithdrawRequestDetails is the decoded "withdrawRequest" response.
type LnurlWithdrawRequestDetails struct {
	Callback           string
	K1                 string
	DefaultDescription string
	MinWithdrawable    uint64
	MaxWithdrawable    uint64
}

// LnurlAuthRequestDetails is the decoded "login" auth request.
type LnurlAuthRequestDetails struct {
	K1     string
	Action *string
	Domain string
	URL    string
}
