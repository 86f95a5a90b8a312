package input

import "fmt"

// ParseError is returned by InputParser.Parse. It wraps the more specific
// Bip21Error/LnurlError kinds so callers can switch on a single error type
// at the top-level API boundary while still reaching the detailed cause via
// errors.As/Unwrap.
type ParseError struct {
	// Kind classifies the failure for callers that just want a coarse
	// switch (EmptyInput, InvalidInput, Bip21, Lnurl).
	Kind string
	// Cause is the underlying Bip21Error/LnurlError, if any.
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	}
	return e.Kind
}

func (e *ParseError) Unwrap() error { return e.Cause }

const (
	KindEmptyInput   = "empty_input"
	KindInvalidInput = "invalid_input"
	KindBip21Error   = "bip21_error"
	KindLnurlError   = "lnurl_error"
)

// ErrEmptyInput is returned when the trimmed input is the empty string.
var ErrEmptyInput = &ParseError{Kind: KindEmptyInput}

// ErrInvalidInput is returned when no classifier matched the input.
var ErrInvalidInput = &ParseError{Kind: KindInvalidInput}

func wrapBip21(err error) *ParseError {
	return &ParseError{Kind: KindBip21Error, Cause: err}
}

func wrapLnurl(err error) *ParseError {
	return &ParseError{Kind: KindLnurlError, Cause: err}
}

// Bip21Error enumerates the ways a "bitcoin:" URI can fail to parse. The
// variant names are part of the tested contract in §8 of the spec (e.g.
// MultipleParams("label"), UnknownRequiredParameter).
type Bip21Error struct {
	Variant string // InvalidAddress, MissingEquals, MultipleParams, UnknownRequiredParameter, InvalidParameter, InvalidAmount, NoPaymentMethods
	Key     string
}

func (e *Bip21Error) Error() string {
	switch e.Variant {
	case "MultipleParams":
		return fmt.Sprintf("parameter %q given more than once", e.Key)
	case "UnknownRequiredParameter":
		return fmt.Sprintf("unknown required parameter %q", e.Key)
	case "InvalidParameter":
		return fmt.Sprintf("invalid value for parameter %q", e.Key)
	case "InvalidAddress":
		return "invalid bitcoin address"
	case "InvalidAmount":
		return "invalid amount"
	case "MissingEquals":
		return "parameter is missing '='"
	case "NoPaymentMethods":
		return "no payment methods found in BIP-21 URI"
	default:
		return e.Variant
	}
}

func errMultipleParams(key string) *ParseError {
	return wrapBip21(&Bip21Error{Variant: "MultipleParams", Key: key})
}

func errUnknownRequiredParameter(key string) *ParseError {
	return wrapBip21(&Bip21Error{Variant: "UnknownRequiredParameter", Key: key})
}

func errInvalidParameter(key string) *ParseError {
	return wrapBip21(&Bip21Error{Variant: "InvalidParameter", Key: key})
}

func errInvalidAddress() *ParseError {
	return wrapBip21(&Bip21Error{Variant: "InvalidAddress"})
}

func errInvalidAmount() *ParseError {
	return wrapBip21(&Bip21Error{Variant: "InvalidAmount"})
}

func errMissingEquals() *ParseError {
	return wrapBip21(&Bip21Error{Variant: "MissingEquals"})
}

func errNoPaymentMethods() *ParseError {
	return wrapBip21(&Bip21Error{Variant: "NoPaymentMethods"})
}

// LnurlError enumerates failures specific to LNURL resolution.
type LnurlError struct {
	Variant string // HttpSchemeWithoutOnionDomain, HttpsSchemeWithOnionDomain, UnknownScheme, MissingDomain, EndpointError, General, Transport
	Reason  string
}

func (e *LnurlError) Error() string {
	switch e.Variant {
	case "EndpointError":
		return fmt.Sprintf("lnurl endpoint returned an error: %s", e.Reason)
	case "HttpSchemeWithoutOnionDomain":
		return "http scheme used for a non-onion domain"
	case "HttpsSchemeWithOnionDomain":
		return "https scheme used for an onion domain"
	case "UnknownScheme":
		return "unknown lnurl scheme"
	case "MissingDomain":
		return "lnurl url has no domain"
	case "Transport":
		return fmt.Sprintf("lnurl transport error: %s", e.Reason)
	default:
		if e.Reason != "" {
			return fmt.Sprintf("%s: %s", e.Variant, e.Reason)
		}
		return e.Variant
	}
}

func errLnurl(variant, reason string) *ParseError {
	return wrapLnurl(&LnurlError{Variant: variant, Reason: reason})
}
