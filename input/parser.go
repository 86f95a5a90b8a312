package input

import (
	"context"
	"regexp"
	"strings"
)

// ExternalParser is an embedder-configured fallback classifier, consulted
// before the built-in chain when its InputRegex matches, per §4.1's
// "external parser hook" extension point. ParserURL receives the raw input
// appended as a query parameter and must return an InputType-shaped JSON
// document that this package re-marshals through the normal response path;
// simplest contract is a payRequest-shaped body, so it's dispatched through
// the same LNURL response decoder as other remote responses.
type ExternalParser struct {
	ProviderID string
	InputRegex string
	ParserURL  string

	compiled *regexp.Regexp
}

// InputParser is the stateful entry point for classifying arbitrary
// user-pasted payment strings into a typed InputType, per §4.1. It is safe
// for concurrent use; its state is read-only after construction.
type InputParser struct {
	dnsResolver DnsResolver
	restClient  RestClient
	externals   []ExternalParser
}

// Option configures an InputParser at construction time.
type Option func(*InputParser)

// WithDnsResolver overrides the default DNS resolver (e.g. to route BIP-353
// TXT lookups over a platform-specific transport).
func WithDnsResolver(r DnsResolver) Option {
	return func(p *InputParser) { p.dnsResolver = r }
}

// WithRestClient overrides the default REST client used for LNURL and
// lightning-address resolution.
func WithRestClient(c RestClient) Option {
	return func(p *InputParser) { p.restClient = c }
}

// WithExternalParsers registers additional classifiers consulted, in order,
// before the built-in chain, whenever InputRegex matches the trimmed input.
func WithExternalParsers(parsers ...ExternalParser) Option {
	return func(p *InputParser) {
		for _, ep := range parsers {
			if re, err := regexp.Compile(ep.InputRegex); err == nil {
				ep.compiled = re
				p.externals = append(p.externals, ep)
			} else {
				log.Warnf("external parser %s has invalid input_regex %q, ignoring: %v", ep.ProviderID, ep.InputRegex, err)
			}
		}
	}
}

// NewInputParser builds an InputParser with sensible defaults: a public DNS
// resolver and a rate-limited HTTP client. Embedders that need platform-
// specific transports should override via WithDnsResolver/WithRestClient.
func NewInputParser(opts ...Option) *InputParser {
	p := &InputParser{
		dnsResolver: NewDefaultDnsResolver(),
		restClient:  NewDefaultRestClient(5),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse classifies input per the §4.1 chain:
//  1. trim whitespace; empty -> ErrEmptyInput
//  2. any registered external parser whose regex matches
//  3. contains '@' -> try BIP-353, then lightning address
//  4. "bitcoin:" prefix -> BIP-21
//  5. strip an optional case-insensitive "lightning:" prefix, then try
//     BOLT11, BOLT12 offer, BOLT12 invoice request, LNURL (bech32 or
//     direct URL)
//  6. Spark address, then plain Bitcoin address / silent payment address
//
// Each step that returns (nil, nil) falls through to the next; a non-nil
// *ParseError stops the chain and is returned immediately.
func (p *InputParser) Parse(ctx context.Context, input string) (*InputType, *ParseError) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, ErrEmptyInput
	}

	for _, ep := range p.externals {
		if ep.compiled != nil && ep.compiled.MatchString(trimmed) {
			if inputType, perr := p.resolveExternalParser(ctx, ep, trimmed); inputType != nil || perr != nil {
				return inputType, perr
			}
		}
	}

	if strings.Contains(trimmed, "@") {
		if bip21, perr := p.parseBip353(ctx, trimmed); perr != nil {
			return nil, perr
		} else if bip21 != nil {
			return &InputType{Kind: KindBip21, Bip21: bip21}, nil
		}
		if addr := p.parseLightningAddress(ctx, trimmed); addr != nil {
			return &InputType{Kind: KindLightningAddress, LightningAddress: addr}, nil
		}
	}

	source := PaymentRequestSource{}
	if hasBip21Prefix(trimmed) {
		bip21, perr := parseBip21(trimmed, source)
		if perr != nil {
			return nil, perr
		}
		if bip21 != nil {
			return &InputType{Kind: KindBip21, Bip21: bip21}, nil
		}
	}

	lightningInput := stripLightningPrefix(trimmed)

	if pm := parseLightningPaymentMethod(lightningInput, source); pm != nil {
		return pm, nil
	}

	if inputType, perr := p.parseLnurl(ctx, lightningInput, source); perr != nil {
		return nil, perr
	} else if inputType != nil {
		return inputType, nil
	}

	if sparkType := parseSparkAddress(trimmed, source); sparkType != nil {
		return sparkType, nil
	}

	if bitcoinType := parseBitcoin(trimmed, source); bitcoinType != nil {
		return bitcoinType, nil
	}

	return nil, ErrInvalidInput
}

// resolveExternalParser fetches the embedder's ParserURL with the trimmed
// input appended as a query parameter and decodes the response through the
// same LNURL-shaped JSON dispatch the built-in chain uses, so a third-party
// provider can return any of the payRequest/withdrawRequest/login shapes.
func (p *InputParser) resolveExternalParser(ctx context.Context, ep ExternalParser, input string) (*InputType, *ParseError) {
	sep := "?"
	if strings.Contains(ep.ParserURL, "?") {
		sep = "&"
	}
	url := ep.ParserURL + sep + "input=" + input
	return p.resolveLnurl(ctx, url, PaymentRequestSource{})
}
