// Package sdk is the root package of the Spark wallet SDK. It wires the
// input parser, the leaf and token-output reservation stores, the payment
// persistence layer, and the send/receive orchestrator into a single
// high-level API. Each subsystem also works as a standalone package:
//
//   - github.com/sparkwallet/sdk/input          input classification (BIP-21,
//     BOLT11/12, LNURL, BIP-353, lightning addresses, Spark/Bitcoin addresses)
//   - github.com/sparkwallet/sdk/spark/tree     leaf (UTXO-like) reservation store
//   - github.com/sparkwallet/sdk/spark/token    token output reservation store
//   - github.com/sparkwallet/sdk/persist        payment/deposit/sync persistence
//   - github.com/sparkwallet/sdk/spark/tokentx  canonical token transaction hash
//   - github.com/sparkwallet/sdk/spark/send     send/receive orchestration
package sdk
