package input

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
)

// networkParams lists the five recognized networks in the exact first-match
// order mandated by §4.1 / §9 of the spec: Bitcoin > Regtest > Signet >
// Testnet > Testnet4. This order is a contract, not an implementation
// detail - tested by §8's BIP-21 scenarios.
var networkParams = []struct {
	network Network
	params  *chaincfg.Params
}{
	{NetworkBitcoin, &chaincfg.MainNetParams},
	{NetworkRegtest, &chaincfg.RegressionNetParams},
	{NetworkSignet, &chaincfg.SigNetParams},
	{NetworkTestnet, &chaincfg.TestNet3Params},
	{NetworkTestnet4, testnet4Params()},
}

// testnet4Params approximates BIP-94 testnet4 by reusing testnet3's address
// version bytes; the two networks share address encoding, only genesis and
// consensus rules differ (irrelevant to address classification here).
func testnet4Params() *chaincfg.Params {
	p := chaincfg.TestNet3Params
	p.Net = 0x283f161c
	return &p
}

// parseBitcoinAddress validates input against every recognized network in
// contract order and returns the first match.
func parseBitcoinAddress(input string, source PaymentRequestSource) *BitcoinAddressDetails {
	if input == "" {
		return nil
	}
	for _, np := range networkParams {
		addr, err := btcutil.DecodeAddress(input, np.params)
		if err != nil {
			continue
		}
		if !addr.IsForNet(np.params) {
			continue
		}
		return &BitcoinAddressDetails{
			Address: addr.EncodeAddress(),
			Network: np.network,
			Source:  source,
		}
	}
	return nil
}

// parseBitcoinAddressForNetwork is used by BIP-21 parsing, which needs to
// fail outright (Bip21Error::InvalidAddress) rather than silently return
// nil when the address parses for no recognized network.
func parseBitcoinAddressForNetwork(input string) (*BitcoinAddressDetails, bool) {
	addr := parseBitcoinAddress(input, PaymentRequestSource{})
	return addr, addr != nil
}

const silentPaymentHrp = "sp"

// parseSilentPaymentAddress recognizes a bech32 string with HRP "sp",
// silently (no error) if the HRP doesn't match - callers use this to decide
// whether to keep trying other classifiers.
func parseSilentPaymentAddress(input string, source PaymentRequestSource) *SilentPaymentAddressDetails {
	hrp, _, err := bech32.DecodeNoLimit(input)
	if err != nil {
		return nil
	}
	if strings.ToLower(hrp) != silentPaymentHrp {
		return nil
	}
	return &SilentPaymentAddressDetails{Address: input, Source: source}
}

func parseBitcoin(input string, source PaymentRequestSource) *InputType {
	if hrp, _, err := bech32.DecodeNoLimit(input); err == nil && strings.ToLower(hrp) == silentPaymentHrp {
		if sp := parseSilentPaymentAddress(input, source); sp != nil {
			return &InputType{Kind: KindSilentPaymentAddress, SilentPaymentAddress: sp}
		}
		return nil
	}

	if addr := parseBitcoinAddress(input, source); addr != nil {
		return &InputType{Kind: KindBitcoinAddress, BitcoinAddress: addr}
	}
	return nil
}
