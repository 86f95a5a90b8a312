package input_test

import (
	"context"
	"testing"

	"github.com/sparkwallet/sdk/input"
	"github.com/stretchr/testify/require"
)

type stubDnsResolver struct {
	records map[string][]string
}

func (s *stubDnsResolver) TxtLookup(_ context.Context, name string) ([]string, error) {
	return s.records[name], nil
}

type stubRestClient struct {
	responses map[string]string
}

func (s *stubRestClient) Get(_ context.Context, url string) (int, []byte, error) {
	for prefix, body := range s.responses {
		if len(url) >= len(prefix) && url[:len(prefix)] == prefix {
			return 200, []byte(body), nil
		}
	}
	return 404, nil, nil
}

func newTestParser() *input.InputParser {
	return input.NewInputParser(
		input.WithDnsResolver(&stubDnsResolver{records: map[string][]string{}}),
		input.WithRestClient(&stubRestClient{responses: map[string]string{}}),
	)
}

func TestParseEmptyInput(t *testing.T) {
	p := newTestParser()
	_, err := p.Parse(context.Background(), "   ")
	require.ErrorIs(t, err, input.ErrEmptyInput)
}

func TestParseBitcoinAddress(t *testing.T) {
	p := newTestParser()
	result, err := p.Parse(context.Background(), "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4")
	require.Nil(t, err)
	require.NotNil(t, result)
	require.Equal(t, input.KindBitcoinAddress, result.Kind)
	require.Equal(t, input.NetworkBitcoin, result.BitcoinAddress.Network)
}

func TestParseBip21WithAmount(t *testing.T) {
	p := newTestParser()
	result, err := p.Parse(
		context.Background(),
		"bitcoin:bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4?amount=0.00001000&label=test",
	)
	require.Nil(t, err)
	require.NotNil(t, result)
	require.Equal(t, input.KindBip21, result.Kind)
	require.NotNil(t, result.Bip21.AmountSat)
	require.Equal(t, uint64(1000), *result.Bip21.AmountSat)
	require.Equal(t, "test", *result.Bip21.Label)
}

func TestParseBip21LabelUsesRfc3986PercentDecoding(t *testing.T) {
	p := newTestParser()
	result, err := p.Parse(
		context.Background(),
		"bitcoin:bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4?label=a+b%20c",
	)
	require.Nil(t, err)
	require.NotNil(t, result)
	require.Equal(t, input.KindBip21, result.Kind)
	// RFC-3986 percent-decoding only unescapes %XX; unlike form decoding it
	// must leave a literal '+' untouched rather than turning it into a space.
	require.Equal(t, "a+b c", *result.Bip21.Label)
}

func TestParseBip21UnknownRequiredParameter(t *testing.T) {
	p := newTestParser()
	_, err := p.Parse(
		context.Background(),
		"bitcoin:bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4?req-somefeature=1",
	)
	require.NotNil(t, err)
	require.Equal(t, input.KindBip21Error, err.Kind)
}

func TestParseBip21MissingEquals(t *testing.T) {
	p := newTestParser()
	_, err := p.Parse(
		context.Background(),
		"bitcoin:bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4?label",
	)
	require.NotNil(t, err)
	require.Equal(t, input.KindBip21Error, err.Kind)
}

func TestParseBolt12Offer(t *testing.T) {
	p := newTestParser()
	result, err := p.Parse(context.Background(), "lno1qcp4256ypqpq86q2pucnq42ngssx2an9wfujqerp0y2pqun4wd68jtn4aqxyc")
	require.Nil(t, err)
	require.NotNil(t, result)
	require.Equal(t, input.KindBolt12Offer, result.Kind)
}

func TestParseInvalidInput(t *testing.T) {
	p := newTestParser()
	_, err := p.Parse(context.Background(), "not a valid payment string at all")
	require.ErrorIs(t, err, input.ErrInvalidInput)
}

func TestParseLightningAddress(t *testing.T) {
	p := input.NewInputParser(
		input.WithDnsResolver(&stubDnsResolver{}),
		input.WithRestClient(&stubRestClient{responses: map[string]string{
			"https://example.com/.well-known/lnurlp/alice": `{
				"tag": "payRequest",
				"callback": "https://example.com/lnurlp/alice/callback",
				"minSendable": 1000,
				"maxSendable": 100000000,
				"metadata": "[[\"text/plain\",\"pay alice\"]]"
			}`,
		}}),
	)
	result, err := p.Parse(context.Background(), "alice@example.com")
	require.Nil(t, err)
	require.NotNil(t, result)
	require.Equal(t, input.KindLightningAddress, result.Kind)
	require.Equal(t, "alice@example.com", result.LightningAddress.Address)
	require.Equal(t, uint64(1000), result.LightningAddress.PayRequest.MinSendable)
}

func TestParseBip353(t *testing.T) {
	p := input.NewInputParser(
		input.WithDnsResolver(&stubDnsResolver{records: map[string][]string{
			"bob.user._bitcoin-payment.example.com": {
				"bitcoin:bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4?amount=0.0005981",
			},
		}}),
		input.WithRestClient(&stubRestClient{}),
	)
	result, err := p.Parse(context.Background(), "₿bob@example.com")
	require.Nil(t, err)
	require.NotNil(t, result)
	require.Equal(t, input.KindBip21, result.Kind)
	require.Equal(t, uint64(59810), *result.Bip21.AmountSat)
}

func TestParseLightningPrefixedBolt12Offer(t *testing.T) {
	p := newTestParser()
	result, err := p.Parse(context.Background(), "lightning:lno1qcp4256ypqpq86q2pucnq42ngssx2an9wfujqerp0y2pqun4wd68jtn4aqxyc")
	require.Nil(t, err)
	require.NotNil(t, result)
	require.Equal(t, input.KindBolt12Offer, result.Kind)
}

func TestParseLightningPrefixIsCaseInsensitive(t *testing.T) {
	p := newTestParser()
	result, err := p.Parse(context.Background(), "LIGHTNING:lno1qcp4256ypqpq86q2pucnq42ngssx2an9wfujqerp0y2pqun4wd68jtn4aqxyc")
	require.Nil(t, err)
	require.NotNil(t, result)
	require.Equal(t, input.KindBolt12Offer, result.Kind)
}

func TestParseLightningPrefixedLnurl(t *testing.T) {
	p := input.NewInputParser(
		input.WithDnsResolver(&stubDnsResolver{}),
		input.WithRestClient(&stubRestClient{responses: map[string]string{
			"https://example.com/lnurlp/bob": `{
				"tag": "payRequest",
				"callback": "https://example.com/lnurlp/bob/callback",
				"minSendable": 1000,
				"maxSendable": 100000000,
				"metadata": "[[\"text/plain\",\"pay bob\"]]"
			}`,
		}}),
	)
	result, err := p.Parse(context.Background(), "lightning:lnurlp://example.com/lnurlp/bob")
	require.Nil(t, err)
	require.NotNil(t, result)
	require.Equal(t, input.KindLnurlPay, result.Kind)
}

func TestParseGarbageFallsThroughEveryClassifier(t *testing.T) {
	p := newTestParser()
	_, err := p.Parse(context.Background(), "bc1pinvalidaddressxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx")
	require.NotNil(t, err)
	require.Equal(t, input.KindInvalidInput, err.Kind)
}
