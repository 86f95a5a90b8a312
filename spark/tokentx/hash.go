package tokentx

import (
	"encoding/binary"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/go-errors/errors"
)

var zeroPubKey33 = make([]byte, 33)
var zeroTokenIdentifier32 = make([]byte, 32)

// Hash computes the canonical hash over tx for tx.Version, covering the
// fields named in compute_common_hash_components plus, for v2, the sorted
// invoice attachments. partial selects the pre-signature variant used
// during transaction construction (creation entity key, output ids,
// revocation commitment, bond, locktime and expiry are all omitted).
func Hash(tx Transaction, partial bool) ([]byte, error) {
	components, err := commonComponents(tx, partial)
	if err != nil {
		return nil, err
	}

	switch tx.Version {
	case HashV1:
		return sha256Concat(components), nil
	case HashV2:
		components, err = appendAttachments(components, tx.Attachments)
		if err != nil {
			return nil, err
		}
		return sha256Concat(components), nil
	default:
		return nil, errors.Errorf("unsupported token transaction hash version %d", tx.Version)
	}
}

func sha256Concat(components [][]byte) []byte {
	size := 0
	for _, c := range components {
		size += len(c)
	}
	buf := make([]byte, 0, size)
	for _, c := range components {
		buf = append(buf, c...)
	}
	return chainhash.HashB(buf)
}

func hashOf(b []byte) []byte {
	return chainhash.HashB(b)
}

func beU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func beU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func boolByte(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func commonComponents(tx Transaction, partial bool) ([][]byte, error) {
	var components [][]byte

	components = append(components, hashOf(beU32(uint32(tx.Version))))

	typeComponents, err := typeSpecificComponents(tx, partial)
	if err != nil {
		return nil, err
	}
	components = append(components, typeComponents...)

	components = append(components, hashOf(beU32(uint32(len(tx.Outputs)))))
	for _, output := range tx.Outputs {
		outputHash, err := hashOutput(output, partial)
		if err != nil {
			return nil, err
		}
		components = append(components, outputHash)
	}

	operatorKeys := make([][]byte, len(tx.OperatorPublicKeys))
	copy(operatorKeys, tx.OperatorPublicKeys)
	sort.Slice(operatorKeys, func(i, j int) bool {
		return lexLess(operatorKeys[i], operatorKeys[j])
	})
	components = append(components, hashOf(beU32(uint32(len(operatorKeys)))))
	for _, pubkey := range operatorKeys {
		components = append(components, hashOf(pubkey))
	}

	components = append(components, hashOf(beU32(tx.Network)))
	components = append(components, hashOf(beU64(tx.CreatedAt)))

	if !partial {
		var expiry uint64
		if tx.ExpiryTime != nil {
			expiry = *tx.ExpiryTime
		}
		components = append(components, hashOf(beU64(expiry)))
	}

	return components, nil
}

func typeSpecificComponents(tx Transaction, partial bool) ([][]byte, error) {
	switch {
	case tx.Create != nil:
		return createComponents(tx.Create, partial)
	case tx.Mint != nil:
		return mintComponents(tx.Mint)
	case tx.Transfer != nil:
		return transferComponents(tx.Transfer)
	default:
		return nil, errors.New("token transaction requires exactly one of create, mint or transfer input")
	}
}

func createComponents(in *CreateInput, partial bool) ([][]byte, error) {
	components := [][]byte{
		hashOf(beU32(uint32(TxCreate))),
		hashOf(in.IssuerPublicKey),
		hashOf([]byte(in.TokenName)),
		hashOf([]byte(in.TokenTicker)),
		hashOf(beU32(in.Decimals)),
		hashOf(in.MaxSupply),
		hashOf(boolByte(in.IsFreezable)),
	}

	var entityKey []byte
	if !partial {
		entityKey = in.CreationEntityPublicKey
	}
	components = append(components, hashOf(entityKey))
	return components, nil
}

func mintComponents(in *MintInput) ([][]byte, error) {
	tokenIdentifier := in.TokenIdentifier
	if tokenIdentifier == nil {
		tokenIdentifier = zeroTokenIdentifier32
	}
	return [][]byte{
		hashOf(beU32(uint32(TxMint))),
		hashOf(in.IssuerPublicKey),
		hashOf(tokenIdentifier),
	}, nil
}

func transferComponents(in *TransferInput) ([][]byte, error) {
	components := [][]byte{
		hashOf(beU32(uint32(TxTransfer))),
		hashOf(beU32(uint32(len(in.OutputsToSpend)))),
	}
	for _, spend := range in.OutputsToSpend {
		buf := append(append([]byte{}, spend.PrevTokenTransactionHash...), beU32(spend.PrevTokenTransactionVout)...)
		components = append(components, hashOf(buf))
	}
	return components, nil
}

func hashOutput(output Output, partial bool) ([]byte, error) {
	var buf []byte

	if !partial && output.Id != nil {
		buf = append(buf, []byte(*output.Id)...)
	}
	buf = append(buf, output.OwnerPublicKey...)

	if !partial {
		if output.RevocationCommitment == nil {
			return nil, errors.New("revocation commitment is required for a final-hash output")
		}
		buf = append(buf, output.RevocationCommitment...)

		if output.WithdrawBondSats == nil {
			return nil, errors.New("withdraw bond sats is required for a final-hash output")
		}
		buf = append(buf, beU64(*output.WithdrawBondSats)...)

		if output.WithdrawRelativeBlockLocktime == nil {
			return nil, errors.New("withdraw relative block locktime is required for a final-hash output")
		}
		buf = append(buf, beU64(*output.WithdrawRelativeBlockLocktime)...)
	}

	tokenPublicKey := output.TokenPublicKey
	if tokenPublicKey == nil {
		tokenPublicKey = zeroPubKey33
	}
	buf = append(buf, tokenPublicKey...)

	if output.TokenIdentifier == nil {
		return nil, errors.New("token identifier is required")
	}
	buf = append(buf, output.TokenIdentifier...)

	if output.TokenAmount == nil {
		return nil, errors.New("token amount is required")
	}
	amount := make([]byte, 16)
	output.TokenAmount.FillBytes(amount)
	buf = append(buf, amount...)

	return hashOf(buf), nil
}

func appendAttachments(components [][]byte, attachments []Attachment) ([][]byte, error) {
	components = append(components, hashOf(beU32(uint32(len(attachments)))))

	sorted := make([]Attachment, len(attachments))
	copy(sorted, attachments)
	sort.Slice(sorted, func(i, j int) bool {
		return lexLess(sorted[i].Id[:], sorted[j].Id[:])
	})

	for _, a := range sorted {
		components = append(components, hashOf([]byte(a.RawInvoice)))
	}
	return components, nil
}

func lexLess(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
