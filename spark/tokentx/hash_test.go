package tokentx_test

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sparkwallet/sdk/spark/tokentx"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// referenceTransferTx reproduces create_test_token_transaction's fixture
// from the reference implementation's test suite bit-for-bit, so its
// hash can be asserted against the reference's own published vectors.
func referenceTransferTx(t *testing.T, version tokentx.HashVersion) tokentx.Transaction {
	t.Helper()
	bond1, locktime1 := uint64(500), uint64(50)
	bond2, locktime2 := uint64(300), uint64(30)
	id1, id2 := "660e8400-e29b-41d4-a716-446655440001", "660e8400-e29b-41d4-a716-446655440002"
	expiry := uint64(2103123456)

	tokenIdentifier := mustHex(t, "1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef")

	tx := tokentx.Transaction{
		Version:    version,
		Network:    tokentx.NetworkMainnet,
		CreatedAt:  1703123456123, // seconds=1703123456, nanos=123000000 -> ms
		ExpiryTime: &expiry,       // expiry_time.seconds=2103123456 (nanos dropped)
		Transfer: &tokentx.TransferInput{
			OutputsToSpend: []tokentx.OutputToSpend{
				{
					PrevTokenTransactionHash: mustHex(t, "1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"),
					PrevTokenTransactionVout: 0,
				},
				{
					PrevTokenTransactionHash: mustHex(t, "abcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890"),
					PrevTokenTransactionVout: 1,
				},
			},
		},
		Outputs: []tokentx.Output{
			{
				Id:                            &id1,
				OwnerPublicKey:                mustHex(t, "02c0434d9e47f3c86235477c7b1ae6ae5d3442d49b1943c2b752a68e2a47e247c9"),
				RevocationCommitment:          mustHex(t, "03d0434d9e47f3c86235477c7b1ae6ae5d3442d49b1943c2b752a68e2a47e247ca"),
				WithdrawBondSats:              &bond1,
				WithdrawRelativeBlockLocktime: &locktime1,
				TokenPublicKey:                mustHex(t, "02e0434d9e47f3c86235477c7b1ae6ae5d3442d49b1943c2b752a68e2a47e247cb"),
				TokenIdentifier:               tokenIdentifier,
				TokenAmount:                   big.NewInt(50),
			},
			{
				Id:                            &id2,
				OwnerPublicKey:                mustHex(t, "02f0434d9e47f3c86235477c7b1ae6ae5d3442d49b1943c2b752a68e2a47e247cc"),
				RevocationCommitment:          mustHex(t, "03e0434d9e47f3c86235477c7b1ae6ae5d3442d49b1943c2b752a68e2a47e247cb"),
				WithdrawBondSats:              &bond2,
				WithdrawRelativeBlockLocktime: &locktime2,
				TokenPublicKey:                mustHex(t, "02f0434d9e47f3c86235477c7b1ae6ae5d3442d49b1943c2b752a68e2a47e247cc"),
				TokenIdentifier:               tokenIdentifier,
				TokenAmount:                   big.NewInt(100),
			},
		},
		OperatorPublicKeys: [][]byte{
			mustHex(t, "02e0434d9e47f3c86235477c7b1ae6ae5d3442d49b1943c2b752a68e2a47e247cb"),
			mustHex(t, "02f0434d9e47f3c86235477c7b1ae6ae5d3442d49b1943c2b752a68e2a47e247cc"),
		},
	}

	if version == tokentx.HashV2 {
		tx.Attachments = []tokentx.Attachment{
			{RawInvoice: "sparkrt1pgss8cf4gru7ece2ryn8ym3vm3yz8leeend2589m7svq2mgv0xncfyx8zgvssqgjzqqe5p0mj9v8j69ygjsh67m8t2jjyqcgaqr35sx0qparn2k6s24kgnzh3v2mqapzryhgfy27ye9c58mlz2lggmenf8tae4323jgv7s2ldglsu990t8fugefeqk4rzstc98rly7yt0gmnq95dwk2"},
			{RawInvoice: "sparkrt1pgss8cf4gru7ece2ryn8ym3vm3yz8leeend2589m7svq2mgv0xncfyx8zg7qsqgjzqqe5p0arydhhu5utuc4zzm732h35fs2yzsc3gs6v8hzpgnaaax0kgcn7r7gq53lnxq0gqnuscptu60nvu02yyszq05p5syke4wzv7gn76gt3r30c90qt8u5nfec4vl60nrxphjgzqm4hgze4xrxejmu2vqlj8sxp4mzux2dlq7fpq9akl0tufcpqd25tcpljc407uexx26"},
		}
	}

	return tx
}

// TestHashMatchesReferenceVectors ports create_test_token_transaction and
// its four published hash assertions from the reference implementation's
// test suite bit-for-bit (reference attachment IDs already sort into their
// given order, so attachment ordering doesn't need to be re-derived here).
func TestHashMatchesReferenceVectors(t *testing.T) {
	cases := []struct {
		name    string
		version tokentx.HashVersion
		partial bool
		want    string
	}{
		{"v1 non-partial", tokentx.HashV1, false, "0b7b506a33722689744cdad140c8c02702a9ad779869637a5631281f6fbbe0eb"},
		{"v1 partial", tokentx.HashV1, true, "2fb877692e90822551c7cfd522139a4119f2395c6c96677e41f5a1c68c872af0"},
		{"v2 non-partial", tokentx.HashV2, false, "34d11f87a2621b5598ee874d2965b6e6aa2610d368d435a790343363cd6f292d"},
		{"v2 partial", tokentx.HashV2, true, "cd2ad2481353728dc82c7d80565fb5e66e67a5d98deb338740786a052177ffbe"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := referenceTransferTx(t, tc.version)
			got, err := tokentx.Hash(tx, tc.partial)
			require.NoError(t, err)
			require.Equal(t, mustHex(t, tc.want), got)
		})
	}
}

func testOutput(id string, amount int64) tokentx.Output {
	bondSats := uint64(500)
	locktime := uint64(50)
	return tokentx.Output{
		Id:                            &id,
		OwnerPublicKey:                []byte{0x02, 0xc0, 0x43},
		RevocationCommitment:          []byte{0x03, 0xd0, 0x43},
		WithdrawBondSats:              &bondSats,
		WithdrawRelativeBlockLocktime: &locktime,
		TokenPublicKey:                []byte{0x02, 0xe0, 0x43},
		TokenIdentifier:               []byte{0x12, 0x34, 0x56, 0x78},
		TokenAmount:                   big.NewInt(amount),
	}
}

func testTransferTx(version tokentx.HashVersion) tokentx.Transaction {
	return tokentx.Transaction{
		Version:   version,
		Network:   0,
		CreatedAt: 1703123456123,
		ExpiryTime: func() *uint64 {
			v := uint64(2103123456)
			return &v
		}(),
		Transfer: &tokentx.TransferInput{
			OutputsToSpend: []tokentx.OutputToSpend{
				{PrevTokenTransactionHash: []byte{0x12, 0x34}, PrevTokenTransactionVout: 0},
				{PrevTokenTransactionHash: []byte{0xab, 0xcd}, PrevTokenTransactionVout: 1},
			},
		},
		Outputs: []tokentx.Output{
			testOutput("out-1", 50),
			testOutput("out-2", 100),
		},
		OperatorPublicKeys: [][]byte{
			{0x02, 0xf0, 0x43},
			{0x02, 0xe0, 0x43},
		},
	}
}

func TestHashDiffersBetweenPartialAndFinal(t *testing.T) {
	tx := testTransferTx(tokentx.HashV1)

	partialHash, err := tokentx.Hash(tx, true)
	require.NoError(t, err)
	finalHash, err := tokentx.Hash(tx, false)
	require.NoError(t, err)

	require.Len(t, partialHash, 32)
	require.Len(t, finalHash, 32)
	require.NotEqual(t, partialHash, finalHash)
}

func TestHashIsDeterministic(t *testing.T) {
	tx := testTransferTx(tokentx.HashV1)

	h1, err := tokentx.Hash(tx, false)
	require.NoError(t, err)
	h2, err := tokentx.Hash(tx, false)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestOperatorPublicKeyOrderDoesNotAffectHash(t *testing.T) {
	tx1 := testTransferTx(tokentx.HashV1)
	tx2 := testTransferTx(tokentx.HashV1)
	tx2.OperatorPublicKeys = [][]byte{tx1.OperatorPublicKeys[1], tx1.OperatorPublicKeys[0]}

	h1, err := tokentx.Hash(tx1, false)
	require.NoError(t, err)
	h2, err := tokentx.Hash(tx2, false)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestV1AndV2HashesDiffer(t *testing.T) {
	tx1 := testTransferTx(tokentx.HashV1)
	tx2 := testTransferTx(tokentx.HashV2)

	h1, err := tokentx.Hash(tx1, false)
	require.NoError(t, err)
	h2, err := tokentx.Hash(tx2, false)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestV2AttachmentOrderDoesNotAffectHash(t *testing.T) {
	tx1 := testTransferTx(tokentx.HashV2)
	tx1.Attachments = []tokentx.Attachment{
		{Id: [16]byte{1}, RawInvoice: "invoice-a"},
		{Id: [16]byte{2}, RawInvoice: "invoice-b"},
	}
	tx2 := tx1
	tx2.Attachments = []tokentx.Attachment{
		{Id: [16]byte{2}, RawInvoice: "invoice-b"},
		{Id: [16]byte{1}, RawInvoice: "invoice-a"},
	}

	h1, err := tokentx.Hash(tx1, false)
	require.NoError(t, err)
	h2, err := tokentx.Hash(tx2, false)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestV2WithAndWithoutAttachmentsDiffer(t *testing.T) {
	tx1 := testTransferTx(tokentx.HashV2)
	tx2 := testTransferTx(tokentx.HashV2)
	tx2.Attachments = []tokentx.Attachment{{Id: [16]byte{1}, RawInvoice: "invoice-a"}}

	h1, err := tokentx.Hash(tx1, false)
	require.NoError(t, err)
	h2, err := tokentx.Hash(tx2, false)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestFinalHashRequiresRevocationCommitment(t *testing.T) {
	tx := testTransferTx(tokentx.HashV1)
	tx.Outputs[0].RevocationCommitment = nil

	_, err := tokentx.Hash(tx, false)
	require.Error(t, err)

	// The same transaction hashes fine in partial mode, which omits the
	// revocation commitment entirely.
	_, err = tokentx.Hash(tx, true)
	require.NoError(t, err)
}

func TestMissingInputKindErrors(t *testing.T) {
	tx := testTransferTx(tokentx.HashV1)
	tx.Transfer = nil

	_, err := tokentx.Hash(tx, false)
	require.Error(t, err)
}

func TestMintZeroesMissingTokenIdentifier(t *testing.T) {
	tx := tokentx.Transaction{
		Version:   tokentx.HashV1,
		Network:   0,
		CreatedAt: 1000,
		Mint: &tokentx.MintInput{
			IssuerPublicKey: []byte{0x02, 0x01},
		},
		Outputs: []tokentx.Output{testOutput("out-1", 10)},
	}
	h, err := tokentx.Hash(tx, true)
	require.NoError(t, err)
	require.Len(t, h, 32)
}

func TestCreateOmitsEntityKeyWhenPartial(t *testing.T) {
	tx := tokentx.Transaction{
		Version:   tokentx.HashV1,
		Network:   0,
		CreatedAt: 1000,
		Create: &tokentx.CreateInput{
			IssuerPublicKey:         []byte{0x02, 0x01},
			TokenName:               "Example Token",
			TokenTicker:             "EXT",
			Decimals:                8,
			MaxSupply:               make([]byte, 16),
			IsFreezable:             true,
			CreationEntityPublicKey: []byte{0x03, 0x09},
		},
		Outputs: []tokentx.Output{testOutput("out-1", 10)},
	}

	partial, err := tokentx.Hash(tx, true)
	require.NoError(t, err)

	tx.Create.CreationEntityPublicKey = nil
	partialWithoutKey, err := tokentx.Hash(tx, true)
	require.NoError(t, err)

	require.Equal(t, partial, partialWithoutKey)
}
