package input

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const lnurlHrp = "lnurl"

var lnurlSchemePrefixes = []string{"lnurlp", "lnurlw", "keyauth"}

// parseLnurl implements §4.1 step 4's LNURL fallback and §4.1's "LNURL
// decoding" rules: accept a bech32 "lnurl" string or a direct
// lnurlp/lnurlw/keyauth/http(s) URL, normalize the scheme (enforcing
// http-only-for-.onion / https-never-for-.onion), then resolve it.
func (p *InputParser) parseLnurl(ctx context.Context, input string, source PaymentRequestSource) (*InputType, *ParseError) {
	candidate := input
	if hrp, data, err := bech32.DecodeNoLimit(input); err == nil {
		if strings.ToLower(hrp) != lnurlHrp {
			return nil, nil
		}
		decoded, convErr := bech32.ConvertBits(data, 5, 8, false)
		if convErr != nil {
			return nil, nil
		}
		candidate = string(decoded)
	}

	for _, pref := range lnurlSchemePrefixes {
		simple, authority := pref+":", pref+"://"
		if strings.HasPrefix(candidate, simple) && !strings.HasPrefix(candidate, authority) {
			candidate = authority + candidate[len(simple):]
		}
	}

	parsed, err := url.Parse(candidate)
	if err != nil {
		return nil, nil
	}
	host := parsed.Hostname()
	if host == "" {
		return nil, nil
	}

	resolvedURL := *parsed
	switch {
	case parsed.Scheme == "http":
		if !hasExtension(host, "onion") {
			return nil, errLnurl("HttpSchemeWithoutOnionDomain", "")
		}
	case parsed.Scheme == "https":
		if hasExtension(host, "onion") {
			return nil, errLnurl("HttpsSchemeWithOnionDomain", "")
		}
	case contains(lnurlSchemePrefixes, parsed.Scheme):
		newScheme := "https"
		if hasExtension(host, "onion") {
			newScheme = "http"
		}
		rewritten, rerr := url.Parse(newScheme + candidate[len(parsed.Scheme):])
		if rerr != nil {
			return nil, errLnurl("General", "failed to rewrite lnurl scheme")
		}
		resolvedURL = *rewritten
	default:
		return nil, errLnurl("UnknownScheme", "")
	}

	inputType, rerr := p.resolveLnurl(ctx, resolvedURL.String(), source)
	if rerr != nil {
		return nil, rerr
	}
	return inputType, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// lnurlJSONResponse is the union of the three LNURL JSON response shapes,
// dispatched on "tag".
type lnurlJSONResponse struct {
	Tag    string `json:"tag"`
	Status string `json:"status"`
	Reason string `json:"reason"`

	// payRequest
	Callback       string `json:"callback"`
	MinSendable    uint64 `json:"minSendable"`
	MaxSendable    uint64 `json:"maxSendable"`
	Metadata       string `json:"metadata"`
	CommentAllowed uint16 `json:"commentAllowed"`

	// withdrawRequest
	K1                 string `json:"k1"`
	DefaultDescription string `json:"defaultDescription"`
	MinWithdrawable    uint64 `json:"minWithdrawable"`
	MaxWithdrawable    uint64 `json:"maxWithdrawable"`
}

// resolveLnurl performs the actual GET (unless the query string already
// signals local "login" validation) and dispatches on the JSON "tag".
func (p *InputParser) resolveLnurl(ctx context.Context, rawURL string, _ PaymentRequestSource) (*InputType, *ParseError) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errLnurl("General", "invalid lnurl url")
	}

	if strings.Contains(parsed.RawQuery, "tag=login") {
		auth, aerr := validateLnurlAuthRequest(parsed)
		if aerr != nil {
			return nil, aerr
		}
		return &InputType{Kind: KindLnurlAuth, LnurlAuth: auth}, nil
	}

	status, body, herr := p.restClient.Get(ctx, rawURL)
	if herr != nil {
		return nil, errLnurl("Transport", herr.Error())
	}
	if status < 200 || status >= 300 {
		return nil, errLnurl("Transport", fmt.Sprintf("http status %d", status))
	}

	var resp lnurlJSONResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errLnurl("General", "invalid lnurl json response")
	}

	domain := parsed.Hostname()
	if domain == "" {
		return nil, errLnurl("MissingDomain", "")
	}

	switch resp.Tag {
	case "payRequest":
		return &InputType{
			Kind: KindLnurlPay,
			LnurlPay: &LnurlPayRequestDetails{
				Callback:       resp.Callback,
				MinSendable:    resp.MinSendable,
				MaxSendable:    resp.MaxSendable,
				Metadata:       resp.Metadata,
				CommentAllowed: resp.CommentAllowed,
				Domain:         domain,
				URL:            rawURL,
			},
		}, nil
	case "withdrawRequest":
		return &InputType{
			Kind: KindLnurlWithdraw,
			LnurlWithdraw: &LnurlWithdrawRequestDetails{
				Callback:           resp.Callback,
				K1:                 resp.K1,
				DefaultDescription: resp.DefaultDescription,
				MinWithdrawable:    resp.MinWithdrawable,
				MaxWithdrawable:    resp.MaxWithdrawable,
			},
		}, nil
	case "login":
		return &InputType{
			Kind: KindLnurlAuth,
			LnurlAuth: &LnurlAuthRequestDetails{
				K1:     resp.K1,
				Domain: domain,
				URL:    rawURL,
			},
		}, nil
	default:
		if resp.Status == "ERROR" {
			return nil, errLnurl("EndpointError", resp.Reason)
		}
		return nil, errLnurl("General", fmt.Sprintf("unrecognized lnurl tag %q", resp.Tag))
	}
}

// validateLnurlAuthRequest performs local-only validation of a "login" tag
// URL without making an HTTP request: it requires a k1 query parameter
// (32-byte hex challenge).
func validateLnurlAuthRequest(u *url.URL) (*LnurlAuthRequestDetails, *ParseError) {
	q := u.Query()
	k1 := q.Get("k1")
	if _, err := hex.DecodeString(k1); len(k1) != 64 || err != nil {
		return nil, errLnurl("General", "missing or malformed k1 parameter")
	}
	var action *string
	if a := q.Get("action"); a != "" {
		action = &a
	}
	return &LnurlAuthRequestDetails{
		K1:     k1,
		Action: action,
		Domain: u.Hostname(),
		URL:    u.String(),
	}, nil
}
