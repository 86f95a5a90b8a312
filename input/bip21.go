package input

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

var errInvalidAmountSyntax = errors.New("invalid amount syntax")

const bip21Prefix = "bitcoin:"

func hasBip21Prefix(input string) bool {
	return len(input) >= len(bip21Prefix) && strings.EqualFold(input[:len(bip21Prefix)], bip21Prefix)
}

// parseBip21 parses a "bitcoin:<address>?<k=v>&..." URI per §4.1. It returns
// (nil, nil) if input doesn't carry the bitcoin: prefix at all, distinct
// from a *ParseError for a prefixed-but-malformed URI.
func parseBip21(input string, source PaymentRequestSource) (*Bip21Details, *ParseError) {
	if !hasBip21Prefix(input) {
		return nil, nil
	}
	uri := input
	rest := input[len(bip21Prefix):]

	var address, params string
	if pos := strings.IndexByte(rest, '?'); pos >= 0 {
		address, params = rest[:pos], rest[pos+1:]
	} else {
		address = rest
	}

	details := &Bip21Details{URI: uri}

	if address != "" {
		addr, ok := parseBitcoinAddressForNetwork(address)
		if !ok {
			return nil, errInvalidAddress()
		}
		addr.Source = source
		details.PaymentMethods = append(details.PaymentMethods, InputType{
			Kind:           KindBitcoinAddress,
			BitcoinAddress: addr,
		})
	}

	if params != "" {
		for _, param := range strings.Split(params, "&") {
			pos := strings.IndexByte(param, '=')
			if pos < 0 {
				return nil, errMissingEquals()
			}
			originalKey := param[:pos]
			lowerKey := strings.ToLower(originalKey)
			value := param[pos+1:]
			key, isRequired := lowerKey, false
			if stripped, ok := strings.CutPrefix(lowerKey, "req-"); ok {
				key, isRequired = stripped, true
			}
			if perr := applyBip21Param(source, details, originalKey, value, key, isRequired); perr != nil {
				return nil, perr
			}
		}
	}

	if len(details.PaymentMethods) == 0 {
		return nil, errNoPaymentMethods()
	}
	return details, nil
}

func applyBip21Param(
	source PaymentRequestSource, b *Bip21Details,
	originalKey, value, key string, isRequired bool,
) *ParseError {
	switch key {
	case "amount":
		if b.AmountSat != nil {
			return errMultipleParams(key)
		}
		sats, err := parseBtcAmountToSat(value)
		if err != nil {
			return errInvalidAmount()
		}
		b.AmountSat = &sats

	case "assetid":
		if b.AssetID != nil {
			return errMultipleParams(key)
		}
		v := value
		b.AssetID = &v

	case "bc":
		// Recognized but ignored, per spec.

	case "label":
		if b.Label != nil {
			return errMultipleParams(key)
		}
		decoded, err := url.PathUnescape(value)
		if err != nil {
			return errInvalidParameter("label")
		}
		b.Label = &decoded

	case "message":
		if b.Message != nil {
			return errMultipleParams(key)
		}
		decoded, err := url.PathUnescape(value)
		if err != nil {
			return errInvalidParameter("message")
		}
		b.Message = &decoded

	case "lightning":
		pm := parseLightningPaymentMethod(stripLightningPrefix(value), source)
		if pm == nil {
			return errInvalidParameter("lightning")
		}
		b.PaymentMethods = append(b.PaymentMethods, *pm)

	case "lno":
		offer := parseBolt12Offer(value, source)
		if offer == nil {
			return errInvalidParameter("lno")
		}
		b.PaymentMethods = append(b.PaymentMethods, InputType{Kind: KindBolt12Offer, Bolt12Offer: offer})

	case "sp":
		sp := parseSilentPaymentAddress(value, source)
		if sp == nil {
			return errInvalidParameter("sp")
		}
		b.PaymentMethods = append(b.PaymentMethods, InputType{Kind: KindSilentPaymentAddress, SilentPaymentAddress: sp})

	case "spark":
		sparkType := parseSparkAddress(value, source)
		if sparkType == nil {
			return errInvalidParameter("spark")
		}
		b.PaymentMethods = append(b.PaymentMethods, *sparkType)

	default:
		if isRequired {
			return errUnknownRequiredParameter(key)
		}
		b.Extras = append(b.Extras, Bip21Extra{Key: originalKey, Value: value})
	}
	return nil
}

// parseBtcAmountToSat converts a BTC-denominated decimal string to a
// satoshi count, banker-safe per the §8 round-trip vectors: (999,
// "0.00000999"), (1000, "0.00001000"), (59810, "0.0005981").
func parseBtcAmountToSat(value string) (uint64, error) {
	neg := strings.HasPrefix(value, "-")
	if neg {
		return 0, errInvalidAmountSyntax
	}
	whole, frac, hasFrac := strings.Cut(value, ".")
	if whole == "" {
		whole = "0"
	}
	wholeSat, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	sats := wholeSat * 100_000_000
	if !hasFrac {
		return sats, nil
	}
	if len(frac) > 8 {
		// Reject sub-satoshi precision rather than silently truncate.
		for _, c := range frac[8:] {
			if c != '0' {
				return 0, errInvalidAmountSyntax
			}
		}
		frac = frac[:8]
	}
	for len(frac) < 8 {
		frac += "0"
	}
	fracSat, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0, err
	}
	return sats + fracSat, nil
}
