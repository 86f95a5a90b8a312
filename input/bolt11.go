package input

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// BOLT11 tagged-field type bytes, carried over from the teacher's
// zpay32/invoice.go field-type constants.
const (
	fieldTypeP = 1  // payment hash
	fieldTypeD = 13 // short description
	fieldTypeN = 19 // payee pubkey
	fieldTypeH = 23 // description hash
	fieldTypeX = 6  // expiry (seconds)
	fieldTypeC = 24 // min_final_cltv_expiry
)

const defaultInvoiceExpiry = 3600 // seconds, per BOLT11 default

// decodeBolt11 performs the subset of BOLT11 decoding the SDK needs to
// classify and display an invoice: amount, payment hash, description,
// payee pubkey, timestamp, expiry, min_final_cltv_expiry. Exact BOLT11
// decoding rules (signature recovery, all tagged-field edge cases) are
// delegated to a compliant decoder per spec §1 Non-goals; this is a
// best-effort reader, not a validator - it does not verify the invoice
// signature.
func decodeBolt11(invoice string) (*Bolt11InvoiceDetails, error) {
	hrp, data, err := bech32.DecodeNoLimit(invoice)
	if err != nil {
		return nil, err
	}
	hrp = strings.ToLower(hrp)
	if !strings.HasPrefix(hrp, "ln") {
		return nil, fmt.Errorf("not a BOLT11 invoice: bad hrp %q", hrp)
	}

	amountMsat, err := parseBolt11HrpAmount(hrp)
	if err != nil {
		return nil, err
	}

	// Last 104 5-bit groups are the signature + recovery id; strip them
	// before decoding the timestamp + tagged fields.
	const sigBase32Len = 104
	if len(data) < sigBase32Len+7 {
		return nil, fmt.Errorf("invoice data too short")
	}
	body := data[:len(data)-sigBase32Len]

	// First 7 groups (35 bits) are the timestamp.
	timestampBits := body[:7]
	body = body[7:]
	timestamp := bitsToUint64(timestampBits)

	details := &Bolt11InvoiceDetails{
		Bolt11:    invoice,
		Timestamp: timestamp,
		Expiry:    defaultInvoiceExpiry,
	}
	if amountMsat != nil {
		details.AmountMsat = amountMsat
	}

	for len(body) > 0 {
		if len(body) < 3 {
			break
		}
		fieldType := body[0]
		dataLen := int(body[1])<<5 | int(body[2])
		body = body[3:]
		if len(body) < dataLen {
			break
		}
		fieldData := body[:dataLen]
		body = body[dataLen:]

		switch fieldType {
		case fieldTypeP:
			b, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err == nil && len(b) >= 32 {
				details.PaymentHash = hex.EncodeToString(b[:32])
			}
		case fieldTypeD:
			b, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err == nil {
				s := string(b)
				details.Description = &s
			}
		case fieldTypeH:
			b, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err == nil && len(b) >= 32 {
				s := hex.EncodeToString(b[:32])
				details.DescriptionHash = &s
			}
		case fieldTypeN:
			b, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err == nil && len(b) >= 33 {
				if _, err := btcec.ParsePubKey(b[:33]); err == nil {
					details.PayeePubkey = hex.EncodeToString(b[:33])
				}
			}
		case fieldTypeX:
			details.Expiry = bitsToUint64(fieldData)
		case fieldTypeC:
			details.MinFinalCltvExpiry = bitsToUint64(fieldData)
		}
	}

	if details.PaymentHash == "" {
		return nil, fmt.Errorf("invoice missing payment hash field")
	}

	return details, nil
}

// bitsToUint64 packs a slice of 5-bit groups (as produced by bech32
// decoding) into a big-endian integer, the same convention BOLT11 uses for
// its timestamp/expiry/cltv tagged-field payloads.
func bitsToUint64(bits []byte) uint64 {
	var v uint64
	for _, b := range bits {
		v = v<<5 | uint64(b&0x1f)
	}
	return v
}

// bolt11Multipliers maps the optional amount multiplier suffix to the
// divisor of 1 BTC it represents, per BOLT11 ("m"illi, "u"micro, "n"ano,
// "p"ico).
var bolt11Multipliers = map[byte]uint64{
	'm': 1_000,
	'u': 1_000_000,
	'n': 1_000_000_000,
	'p': 1_000_000_000_000,
}

const msatPerBtc = 100_000_000_000

// parseBolt11HrpAmount extracts the amount-in-millisatoshi encoded in the
// invoice's HRP (e.g. "lnbc2500u"), or nil if the invoice is amountless.
func parseBolt11HrpAmount(hrp string) (*uint64, error) {
	if !strings.HasPrefix(hrp, "ln") {
		return nil, fmt.Errorf("not a bolt11 hrp: %q", hrp)
	}
	// The currency prefix ("bc", "tb", "bcrt", "tbs", ...) is a run of
	// letters right after "ln"; the amount (if any) starts at the first
	// digit after that.
	i := 2
	for i < len(hrp) && (hrp[i] < '0' || hrp[i] > '9') {
		i++
	}
	rest := hrp[i:]
	if rest == "" {
		return nil, nil
	}
	var numEnd int
	for numEnd < len(rest) && rest[numEnd] >= '0' && rest[numEnd] <= '9' {
		numEnd++
	}
	if numEnd == 0 {
		return nil, nil
	}
	amount, err := strconv.ParseUint(rest[:numEnd], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid amount in invoice hrp: %w", err)
	}
	if numEnd == len(rest) {
		// No multiplier: amount is whole BTC.
		v := amount * msatPerBtc
		return &v, nil
	}
	mult, ok := bolt11Multipliers[rest[numEnd]]
	if !ok {
		return nil, fmt.Errorf("invalid amount multiplier %q in invoice hrp", rest[numEnd])
	}
	v := amount * msatPerBtc / mult
	return &v, nil
}

// parseBolt11 attempts to decode input as a BOLT11 invoice.
func parseBolt11(input string, source PaymentRequestSource) *Bolt11InvoiceDetails {
	details, err := decodeBolt11(input)
	if err != nil {
		return nil
	}
	details.Source = source
	return details
}
