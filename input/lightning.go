package input

import "strings"

const (
	bolt12OfferPrefix          = "lno1"
	bolt12InvoiceRequestPrefix = "lnr1"
	lightningUriPrefix         = "lightning:"
)

// stripLightningPrefix removes an optional case-insensitive "lightning:"
// URI-scheme prefix, per §4.1 step 4, before BOLT11/BOLT12/LNURL decoding
// is attempted. Payment strings are frequently shared as
// "lightning:lnbc1..." links rather than bare bech32, and none of the
// downstream decoders recognize the scheme prefix themselves.
func stripLightningPrefix(input string) string {
	if len(input) >= len(lightningUriPrefix) && strings.EqualFold(input[:len(lightningUriPrefix)], lightningUriPrefix) {
		return input[len(lightningUriPrefix):]
	}
	return input
}

// parseLightningPaymentMethod implements the BIP-21 "lightning=" param
// fallthrough: a bolt11 invoice, a bolt12 offer, or a bolt12 invoice
// request, in that order, since all three share the "ln"-prefixed
// bech32-ish alphabet and are disambiguated by HRP.
func parseLightningPaymentMethod(value string, source PaymentRequestSource) *InputType {
	if details := parseBolt11(value, source); details != nil {
		return &InputType{Kind: KindBolt11Invoice, Bolt11Invoice: details}
	}
	if offer := parseBolt12Offer(value, source); offer != nil {
		return &InputType{Kind: KindBolt12Offer, Bolt12Offer: offer}
	}
	if req := parseBolt12InvoiceRequest(value, source); req != nil {
		return &InputType{Kind: KindBolt12InvoiceRequest, Bolt12InvoiceRequest: req}
	}
	return nil
}

// parseBolt12Offer recognizes the "lno1" bech32-alphabet prefix. Full BOLT12
// TLV decoding is delegated to a compliant decoder per spec §1 Non-goals;
// this SDK only classifies the offer and carries its raw encoding.
func parseBolt12Offer(input string, source PaymentRequestSource) *Bolt12OfferDetails {
	if !strings.HasPrefix(strings.ToLower(input), bolt12OfferPrefix) {
		return nil
	}
	return &Bolt12OfferDetails{Offer: input, Source: source}
}

// parseBolt12InvoiceRequest mirrors parseBolt12Offer for the "lnr1" prefix.
func parseBolt12InvoiceRequest(input string, source PaymentRequestSource) *Bolt12InvoiceRequestDetails {
	if !strings.HasPrefix(strings.ToLower(input), bolt12InvoiceRequestPrefix) {
		return nil
	}
	return &Bolt12InvoiceRequestDetails{InvoiceRequest: input, Source: source}
}
