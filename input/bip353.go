package input

import (
	"context"
	"fmt"
	"strings"
)

const bip353UserBitcoinPaymentPrefix = "user._bitcoin-payment"

// parseBip353 implements §4.1 step 1: strip an optional leading ₿, split on
// '@', validate RFC 1035 label lengths, query a TXT record, and parse the
// single "bitcoin:"-prefixed record found as a BIP-21 URI. DNS failures are
// non-fatal: they return (nil, nil) so the caller falls through to the next
// classifier, per spec §7's remote-resolution recovery policy.
func (p *InputParser) parseBip353(ctx context.Context, input string) (*Bip21Details, *ParseError) {
	stripped := strings.TrimPrefix(input, "₿")
	localPart, domain, ok := strings.Cut(stripped, "@")
	if !ok {
		return nil, nil
	}
	if len(localPart) > 63 || len(domain) > 63 {
		return nil, nil
	}

	dnsName := fmt.Sprintf("%s.%s.%s", localPart, bip353UserBitcoinPaymentPrefix, domain)
	records, err := p.dnsResolver.TxtLookup(ctx, dnsName)
	if err != nil {
		log.Debugf("no BIP-353 TXT records found for %s: %v", dnsName, err)
		return nil, nil
	}

	bip21, ok := extractBip353Record(records)
	if !ok {
		return nil, nil
	}

	src := PaymentRequestSource{Bip21URI: &bip21, Bip353Address: &input}
	return parseBip21(bip21, src)
}

// extractBip353Record keeps the single TXT record starting with
// "bitcoin:", ignoring unrelated records but erroring (via the bool return)
// when more than one such record is present, per §4.1/§9.
func extractBip353Record(records []string) (string, bool) {
	var found string
	count := 0
	for _, r := range records {
		if hasBip21Prefix(r) {
			found = r
			count++
		}
	}
	if count != 1 {
		return "", false
	}
	return found, true
}
