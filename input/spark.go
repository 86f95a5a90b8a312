package input

import "github.com/btcsuite/btcd/btcutil/bech32"

// Spark address HRPs, one per network, mirroring the token-identifier HRP
// family from §4.3 (btkn/btknt/btknrt/btkns). The spec leaves the exact HRP
// unspecified (an implementation detail of the Spark address format, out of
// this SDK's cryptographic scope per §1); this is the Open Question
// resolution recorded in DESIGN.md.
var sparkAddressHrps = map[string]bool{
	"sprk":   true, // mainnet
	"sprkt":  true, // testnet
	"sprkrt": true, // regtest
	"sprks":  true, // signet
}

// parseSparkAddress decodes a bech32m Spark address/invoice. The decoded
// payload bytes are opaque here; their structure (owner pubkey, optional
// token identifier, optional invoice fields) is interpreted by the Spark
// operator RPC client, out of scope for this SDK (§1).
func parseSparkAddress(input string, source PaymentRequestSource) *InputType {
	hrp, data, err := bech32.DecodeNoLimit(input)
	if err != nil {
		return nil
	}
	if !sparkAddressHrps[hrp] {
		return nil
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil
	}
	return &InputType{
		Kind: KindSparkAddress,
		SparkAddress: &SparkAddressDetails{
			Address:        input,
			DecodedAddress: decoded,
			Source:         source,
		},
	}
}
