package input

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/time/rate"
)

// DnsResolver performs the single remote side-trip BIP-353 needs: a TXT
// lookup. Kept as an interface so tests can substitute a fake and so
// embedders can route lookups over a platform-specific transport (spec §6:
// "platform-specific... DNS transports" are a boundary collaborator).
type DnsResolver interface {
	TxtLookup(ctx context.Context, name string) ([]string, error)
}

// RestClient performs the HTTP side-trips LNURL/lightning-address/external-
// parser resolution need.
type RestClient interface {
	Get(ctx context.Context, url string) (statusCode int, body []byte, err error)
}

// defaultDnsResolver resolves TXT records via a plain recursive DNS query
// over UDP/TCP, in the style of a stub resolver. Grounded on the teacher's
// use of github.com/miekg/dns for gossip-related DNS seed lookups.
type defaultDnsResolver struct {
	client  *dns.Client
	servers []string
}

// NewDefaultDnsResolver builds a resolver that queries the given
// nameservers (host:port form); if none are given it falls back to a
// well-known public resolver, since the SDK itself recognizes no
// environment variables (spec §6) and so can't read /etc/resolv.conf
// portably across embedders.
func NewDefaultDnsResolver(servers ...string) DnsResolver {
	if len(servers) == 0 {
		servers = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	return &defaultDnsResolver{
		client:  &dns.Client{Timeout: 5 * time.Second},
		servers: servers,
	}
}

func (r *defaultDnsResolver) TxtLookup(ctx context.Context, name string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dns query for %s failed with rcode %d", name, resp.Rcode)
			continue
		}
		var records []string
		for _, rr := range resp.Answer {
			if txt, ok := rr.(*dns.TXT); ok {
				records = append(records, strings.Join(txt.Txt, ""))
			}
		}
		return records, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no dns servers configured")
	}
	return nil, lastErr
}

// defaultRestClient is a minimal HTTP GET client for LNURL/lightning-address
// resolution. Callers resolving ".onion" hosts are expected to inject a
// RestClient backed by a SOCKS/Tor dialer instead; this SDK only specifies
// the contract, matching spec §1's "platform-specific HTTP... transports"
// non-goal.
type defaultRestClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewDefaultRestClient returns an HTTP client rate-limited to requestsPerSec
// to avoid hammering third-party LNURL/lightning-address/external-parser
// endpoints when a wallet is retried aggressively by its caller.
func NewDefaultRestClient(requestsPerSec float64) RestClient {
	if requestsPerSec <= 0 {
		requestsPerSec = 5
	}
	return &defaultRestClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSec), 1),
	}
}

func (c *defaultRestClient) Get(ctx context.Context, url string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
