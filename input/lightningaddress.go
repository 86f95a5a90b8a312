package input

import (
	"context"
	"fmt"
	"strings"
)

func hasExtension(input, extension string) bool {
	return strings.HasSuffix(input, "."+extension)
}

// parseLightningAddress implements §4.1 step 2. Resolution failures (DNS,
// HTTP, non-pay response) are non-fatal: they return nil so the classifier
// falls through, per the parser's remote-recovery policy (§7).
func (p *InputParser) parseLightningAddress(ctx context.Context, input string) *LightningAddressDetails {
	if !strings.Contains(input, "@") {
		return nil
	}
	stripped := strings.TrimPrefix(input, "₿")
	user, domain, ok := strings.Cut(stripped, "@")
	if !ok {
		return nil
	}
	user, domain = strings.ToLower(user), strings.ToLower(domain)

	for _, c := range user {
		if !(isAlphaNumeric(c) || c == '-' || c == '_' || c == '.') {
			return nil
		}
	}

	scheme := "https://"
	if hasExtension(domain, "onion") {
		scheme = "http://"
	}
	url := fmt.Sprintf("%s%s/.well-known/lnurlp/%s", scheme, domain, user)

	inputType, err := p.resolveLnurl(ctx, url, PaymentRequestSource{})
	if err != nil || inputType == nil || inputType.Kind != KindLnurlPay {
		return nil
	}

	address := fmt.Sprintf("%s@%s", user, domain)
	payReq := *inputType.LnurlPay
	payReq.Address = &address
	return &LightningAddressDetails{Address: address, PayRequest: payReq}
}

func isAlphaNumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z')
}
