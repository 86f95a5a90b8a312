package token_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/sparkwallet/sdk/spark/token"
)

var testIssuerKey = mustParsePubKey("02e6642fd69bd211f93f7f1f36ca51a26a5290eb2dd1b0d8279a87bb0d480c8443")

func mustParsePubKey(hexStr string) *btcec.PublicKey {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		panic(err)
	}
	pk, err := btcec.ParsePubKey(b)
	if err != nil {
		panic(err)
	}
	return pk
}

const testToken = token.TokenIdentifier("btkntest1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq")

func testOutput(id string, amount int64) token.TokenOutput {
	return token.TokenOutput{
		Id:              token.OutputId(id),
		OwnerPublicKey:  testIssuerKey,
		TokenPublicKey:  testIssuerKey,
		TokenIdentifier: testToken,
		TokenAmount:     big.NewInt(amount),
		Status:          token.StatusAvailable,
	}
}

func findOutput(outputs []token.TokenOutput, id string) (token.TokenOutput, bool) {
	for _, o := range outputs {
		if string(o.Id) == id {
			return o, true
		}
	}
	return token.TokenOutput{}, false
}

func minValueTarget(v int64) token.ReservationTarget {
	return token.NewMinTotalValueTarget(big.NewInt(v))
}

func reserveOrFail(t *testing.T, s *token.TokenOutputStore, tokenId token.TokenIdentifier, target token.ReservationTarget, strategy token.SelectionStrategy, purpose token.ReservationPurpose) token.Reservation {
	t.Helper()
	result, err := s.TryReserveOutputs(context.Background(), tokenId, target, strategy, purpose)
	require.NoError(t, err)
	require.Equal(t, token.ReserveSuccess, result.Kind)
	return result.Reservation
}

func TestTokenIdentifierRoundTrip(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	for network, hrp := range map[string]string{"mainnet": "btkn", "testnet": "btknt", "regtest": "btknrt", "signet": "btkns"} {
		id, err := token.EncodeTokenIdentifier(network, raw)
		require.NoError(t, err)

		decodedHrp, decodedRaw, err := token.DecodeTokenIdentifier(id)
		require.NoError(t, err)
		require.Equal(t, hrp, decodedHrp)
		require.Equal(t, raw, decodedRaw)
	}
}

func TestEncodeTokenIdentifierUnknownNetwork(t *testing.T) {
	_, err := token.EncodeTokenIdentifier("nonsense", []byte{1})
	require.Error(t, err)
}

func TestNewMaxOutputCountTargetRejectsZero(t *testing.T) {
	_, err := token.NewMaxOutputCountTarget(0)
	require.Error(t, err)
}

func TestAddOutputsAndGet(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddOutputs(ctx, testToken, []token.TokenOutput{testOutput("o1", 100), testOutput("o2", 200)}))

	outputs, err := s.GetTokenOutputs(ctx, token.ByIdentifier(testToken))
	require.NoError(t, err)
	require.Len(t, outputs.Available, 2)
	require.Equal(t, big.NewInt(300), outputs.AvailableBalance())
}

func TestTryReserveOutputsMinTotalValueSmallestFirst(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddOutputs(ctx, testToken, []token.TokenOutput{
		testOutput("small", 10), testOutput("mid", 50), testOutput("big", 500),
	}))

	reservation := reserveOrFail(t, s, testToken, minValueTarget(40), token.SmallestFirst, token.PurposePayment)
	// Smallest-first: 10 (small) insufficient alone, next is 50 (mid) -> 10+50=60 >= 40
	require.Equal(t, big.NewInt(60), reservation.Sum())
	_, hasSmall := findOutput(reservation.Outputs, "small")
	_, hasMid := findOutput(reservation.Outputs, "mid")
	require.True(t, hasSmall)
	require.True(t, hasMid)
}

func TestTryReserveOutputsLargestFirstMinimizesInputCount(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddOutputs(ctx, testToken, []token.TokenOutput{
		testOutput("small", 10), testOutput("mid", 50), testOutput("big", 500),
	}))

	reservation := reserveOrFail(t, s, testToken, minValueTarget(40), token.LargestFirst, token.PurposePayment)
	require.Len(t, reservation.Outputs, 1)
	_, hasBig := findOutput(reservation.Outputs, "big")
	require.True(t, hasBig)
}

func TestTryReserveOutputsMaxOutputCount(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddOutputs(ctx, testToken, []token.TokenOutput{
		testOutput("o1", 10), testOutput("o2", 20), testOutput("o3", 30),
	}))

	target, err := token.NewMaxOutputCountTarget(2)
	require.NoError(t, err)
	reservation := reserveOrFail(t, s, testToken, target, token.SmallestFirst, token.PurposePayment)
	require.Len(t, reservation.Outputs, 2)
}

func TestTryReserveOutputsInsufficientFunds(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddOutputs(ctx, testToken, []token.TokenOutput{testOutput("o1", 10)}))

	result, err := s.TryReserveOutputs(ctx, testToken, minValueTarget(500), token.SmallestFirst, token.PurposePayment)
	require.NoError(t, err)
	require.Equal(t, token.ReserveInsufficientFunds, result.Kind)
}

func TestCancelReservationRestoresOutputs(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddOutputs(ctx, testToken, []token.TokenOutput{testOutput("o1", 100)}))
	reservation := reserveOrFail(t, s, testToken, minValueTarget(100), token.SmallestFirst, token.PurposePayment)

	require.NoError(t, s.CancelReservation(ctx, reservation.Id))

	outputs, err := s.GetTokenOutputs(ctx, token.ByIdentifier(testToken))
	require.NoError(t, err)
	require.Len(t, outputs.Available, 1)
	require.Empty(t, outputs.ReservedForPayment)
}

func TestFinalizeReservationSpendsAndAddsChange(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddOutputs(ctx, testToken, []token.TokenOutput{testOutput("o1", 100)}))
	reservation := reserveOrFail(t, s, testToken, minValueTarget(100), token.SmallestFirst, token.PurposePayment)

	require.NoError(t, s.FinalizeReservation(ctx, reservation.Id, testToken, []token.TokenOutput{testOutput("change1", 10)}))

	outputs, err := s.GetTokenOutputs(ctx, token.ByIdentifier(testToken))
	require.NoError(t, err)
	require.Len(t, outputs.Available, 1)
	change, ok := findOutput(outputs.Available, "change1")
	require.True(t, ok)
	require.Equal(t, big.NewInt(10), change.TokenAmount)
}

func TestPaymentReservationExcludedFromBalance(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddOutputs(ctx, testToken, []token.TokenOutput{testOutput("o1", 100)}))
	reserveOrFail(t, s, testToken, minValueTarget(100), token.SmallestFirst, token.PurposePayment)

	outputs, err := s.GetTokenOutputs(ctx, token.ByIdentifier(testToken))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(0), outputs.Balance())
}

func TestSwapReservationIncludedInBalance(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddOutputs(ctx, testToken, []token.TokenOutput{testOutput("o1", 100)}))
	reserveOrFail(t, s, testToken, minValueTarget(100), token.SmallestFirst, token.PurposeSwap)

	outputs, err := s.GetTokenOutputs(ctx, token.ByIdentifier(testToken))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), outputs.Balance())
}

func TestSetTokensOutputsDropsReservedOutputsNotInRefresh(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddOutputs(ctx, testToken, []token.TokenOutput{testOutput("o1", 100), testOutput("o2", 200)}))
	reservation := reserveOrFail(t, s, testToken, minValueTarget(300), token.SmallestFirst, token.PurposePayment)
	require.Len(t, reservation.Outputs, 2)

	// Refresh drops o1 from the pool entirely (e.g. it was double-spent
	// elsewhere); o2 still appears.
	require.NoError(t, s.SetTokensOutputs(ctx, map[token.TokenIdentifier][]token.TokenOutput{
		testToken: {testOutput("o2", 200), testOutput("o3", 50)},
	}))

	outputs, err := s.GetTokenOutputs(ctx, token.ByIdentifier(testToken))
	require.NoError(t, err)
	require.Len(t, outputs.ReservedForPayment, 1)
	_, has2 := findOutput(outputs.ReservedForPayment, "o2")
	require.True(t, has2)
	require.Len(t, outputs.Available, 1)
	_, has3 := findOutput(outputs.Available, "o3")
	require.True(t, has3)
}

func TestSetTokensOutputsRemovesReservationEmptiedByReconciliation(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddOutputs(ctx, testToken, []token.TokenOutput{testOutput("o1", 100)}))
	reservation := reserveOrFail(t, s, testToken, minValueTarget(100), token.SmallestFirst, token.PurposePayment)

	// Refresh drops o1 entirely: the reservation becomes empty and must be
	// removed (unlike the tree store, which preserves it for in-flight
	// swaps).
	require.NoError(t, s.SetTokensOutputs(ctx, map[token.TokenIdentifier][]token.TokenOutput{
		testToken: {testOutput("o2", 200)},
	}))

	outputs, err := s.GetTokenOutputs(ctx, token.ByIdentifier(testToken))
	require.NoError(t, err)
	require.Empty(t, outputs.ReservedForPayment)

	// The reservation id is now stale; cancelling it is a harmless no-op.
	require.NoError(t, s.CancelReservation(ctx, reservation.Id))
}

func TestOptimizeTokenOutputsConsolidatesAboveThreshold(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	var outputs []token.TokenOutput
	for i := 0; i < 5; i++ {
		outputs = append(outputs, testOutput(fmt.Sprintf("o%d", i), int64(10+i)))
	}
	require.NoError(t, s.AddOutputs(ctx, testToken, outputs))

	reservations, err := s.OptimizeTokenOutputs(ctx, &testToken, 2)
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	require.Len(t, reservations[0].Outputs, 5)
}

func TestOptimizeTokenOutputsSkipsTokensBelowThreshold(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddOutputs(ctx, testToken, []token.TokenOutput{testOutput("o1", 10), testOutput("o2", 20)}))

	reservations, err := s.OptimizeTokenOutputs(ctx, &testToken, 5)
	require.NoError(t, err)
	require.Empty(t, reservations)
}

func TestOptimizeTokenOutputsRejectsThresholdBelowTwo(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	_, err := s.OptimizeTokenOutputs(context.Background(), &testToken, 1)
	require.Error(t, err)
}

func TestOptimizeTokenOutputsCapsInputCount(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ctx := context.Background()
	var outputs []token.TokenOutput
	for i := 0; i < 600; i++ {
		outputs = append(outputs, testOutput(fmt.Sprintf("o%d", i), 1))
	}
	require.NoError(t, s.AddOutputs(ctx, testToken, outputs))

	reservations, err := s.OptimizeTokenOutputs(ctx, &testToken, 2)
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	require.LessOrEqual(t, len(reservations[0].Outputs), token.MaxConsolidationInputs)
}

func TestBalanceChangeNotificationPerToken(t *testing.T) {
	s := token.NewTokenOutputStore()
	defer s.Stop()

	ch, cancel := s.SubscribeBalanceChanges(testToken)
	defer cancel()

	require.NoError(t, s.AddOutputs(context.Background(), testToken, []token.TokenOutput{testOutput("o1", 100)}))

	select {
	case balance := <-ch:
		require.Equal(t, big.NewInt(100), balance)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for balance notification")
	}
}

func TestTryReserveOutputsResourceBusyOnTimeout(t *testing.T) {
	s := token.NewTokenOutputStore(
		token.WithMaxConcurrentReservations(1),
		token.WithReservationTimeout(50*time.Millisecond),
	)
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddOutputs(ctx, testToken, []token.TokenOutput{testOutput("o1", 10), testOutput("o2", 20)}))

	_, err := s.TryReserveOutputs(ctx, testToken, minValueTarget(10), token.SmallestFirst, token.PurposePayment)
	require.NoError(t, err)

	_, err = s.TryReserveOutputs(ctx, testToken, minValueTarget(20), token.SmallestFirst, token.PurposePayment)
	require.Error(t, err)
	svcErr, ok := err.(*token.ServiceError)
	require.True(t, ok)
	require.Equal(t, token.ErrKindResourceBusy, svcErr.Kind)
}
