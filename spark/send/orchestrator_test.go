package send_test

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sparkwallet/sdk/input"
	"github.com/sparkwallet/sdk/persist"
	"github.com/sparkwallet/sdk/persist/sqlite"
	"github.com/sparkwallet/sdk/spark/send"
	"github.com/sparkwallet/sdk/spark/tree"
)

type fakeFees struct{}

func (fakeFees) EstimateOnchainFees(ctx context.Context) (send.OnchainFeeQuote, error) {
	return send.OnchainFeeQuote{SlowSatPerVbyte: 1, MediumSatPerVbyte: 2, FastSatPerVbyte: 4}, nil
}

func (fakeFees) EstimateLightningFee(ctx context.Context, amountMsat uint64) (uint64, error) {
	return 10, nil
}

// fakeConversion immediately settles both conversion legs against storage,
// as a real implementation's operator round-trip eventually would.
type fakeConversion struct {
	storage persist.Storage
}

func (f *fakeConversion) EstimateConversion(ctx context.Context, tokenIdentifier string, requiredSats uint64) (*send.ConversionEstimate, error) {
	return &send.ConversionEstimate{
		FromTokenIdentifier: tokenIdentifier,
		FromAmount:          big.NewInt(1000),
		ToSats:              requiredSats,
		FeeSats:             1,
	}, nil
}

func (f *fakeConversion) ExecuteConversion(ctx context.Context, estimate send.ConversionEstimate) (*send.ConversionLegs, error) {
	sentId := uuid.NewString()
	receivedId := uuid.NewString()

	if err := f.storage.InsertPayment(ctx, persist.Payment{
		Id:          sentId,
		PaymentType: persist.PaymentTypeSend,
		Status:      persist.StatusCompleted,
		AmountSats:  "0",
		FeesSats:    "0",
		Timestamp:   1,
		Method:      persist.MethodToken,
	}); err != nil {
		return nil, err
	}
	if err := f.storage.InsertPayment(ctx, persist.Payment{
		Id:          receivedId,
		PaymentType: persist.PaymentTypeReceive,
		Status:      persist.StatusCompleted,
		AmountSats:  "1000",
		FeesSats:    "0",
		Timestamp:   1,
		Method:      persist.MethodSparkAddress,
	}); err != nil {
		return nil, err
	}

	return &send.ConversionLegs{SentPaymentId: sentId, ReceivedPaymentId: receivedId}, nil
}

type fakeRouter struct{}

func (fakeRouter) PayInvoice(ctx context.Context, bolt11 string, amountMsat uint64) (string, error) {
	return "lightning-payment-id", nil
}

func (fakeRouter) PaymentStatus(ctx context.Context, paymentId string) (persist.PaymentStatus, error) {
	return persist.StatusCompleted, nil
}

func openTestOrchestrator(t *testing.T) (*send.Orchestrator, persist.Storage, *tree.LeafStore) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "wallet.sqlite")
	storage, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	leaves := tree.NewLeafStore()
	t.Cleanup(leaves.Stop)
	require.NoError(t, leaves.AddLeaves(context.Background(), []tree.TreeNode{
		{Id: "leaf-1", TreeId: "tree", Value: 5000, Status: tree.StatusAvailable},
	}))

	orchestrator := send.New(storage, leaves, fakeFees{}, &fakeConversion{storage: storage}, fakeRouter{}, send.NewEventBroadcaster())
	return orchestrator, storage, leaves
}

// A token-asset payment that requires a sats conversion produces two child
// payment rows, both carrying the visible payment's id as their
// parent_payment_id, and ListPayments hides them from the top-level view
// while GetPaymentsByParentIds still surfaces them.
func TestSendWithConversionTagsLegsWithParentPaymentId(t *testing.T) {
	orchestrator, storage, _ := openTestOrchestrator(t)
	ctx := context.Background()

	tokenId := "token-abc"
	amount := uint64(1000)
	prepared, err := orchestrator.Prepare(ctx, send.PrepareRequest{
		Input:                input.InputType{Kind: input.KindSparkAddress, SparkAddress: &input.SparkAddressDetails{Address: "sprk1..."}},
		AmountSats:           &amount,
		AssetTokenIdentifier: &tokenId,
	})
	require.NoError(t, err)
	require.NotNil(t, prepared.Conversion)

	payment, err := orchestrator.Send(ctx, prepared, nil)
	require.NoError(t, err)
	require.Equal(t, persist.StatusCompleted, payment.Status)

	visible, err := storage.ListPayments(ctx, persist.ListPaymentsRequest{Limit: 10})
	require.NoError(t, err)
	require.Len(t, visible, 1) // conversion legs stay hidden; only the visible payment itself shows
	require.Equal(t, payment.Id, visible[0].Id)

	byParent, err := storage.GetPaymentsByParentIds(ctx, []string{payment.Id})
	require.NoError(t, err)
	require.Len(t, byParent[payment.Id], 2)
}

// Sending twice with the same idempotency key returns the original payment
// rather than sending again.
func TestSendIsIdempotentOnRepeatedKey(t *testing.T) {
	orchestrator, _, _ := openTestOrchestrator(t)
	ctx := context.Background()

	amount := uint64(500)
	prepared, err := orchestrator.Prepare(ctx, send.PrepareRequest{
		Input:      input.InputType{Kind: input.KindSparkAddress, SparkAddress: &input.SparkAddressDetails{Address: "sprk1..."}},
		AmountSats: &amount,
	})
	require.NoError(t, err)

	key := "idem-key-1"
	first, err := orchestrator.Send(ctx, prepared, &key)
	require.NoError(t, err)

	second, err := orchestrator.Send(ctx, prepared, &key)
	require.NoError(t, err)
	require.Equal(t, first.Id, second.Id)
}

// A token-asset payment rejects an idempotency key outright.
func TestSendRejectsIdempotencyKeyForTokenAssetPayments(t *testing.T) {
	orchestrator, _, _ := openTestOrchestrator(t)
	ctx := context.Background()

	tokenId := "token-abc"
	amount := uint64(500)
	prepared, err := orchestrator.Prepare(ctx, send.PrepareRequest{
		Input:                input.InputType{Kind: input.KindSparkAddress, SparkAddress: &input.SparkAddressDetails{Address: "sprk1..."}},
		AmountSats:           &amount,
		AssetTokenIdentifier: &tokenId,
	})
	require.NoError(t, err)

	key := "idem-key-2"
	_, err = orchestrator.Send(ctx, prepared, &key)
	require.Error(t, err)
}

// A Lightning send returns immediately with a Pending payment; the
// background poll loop then moves it to its terminal status once the
// router reports one.
func TestLightningSendStartsPendingThenSettles(t *testing.T) {
	orchestrator, storage, _ := openTestOrchestrator(t)
	ctx := context.Background()

	amountMsat := uint64(21000)
	prepared, err := orchestrator.Prepare(ctx, send.PrepareRequest{
		Input: input.InputType{
			Kind: input.KindBolt11Invoice,
			Bolt11Invoice: &input.Bolt11InvoiceDetails{
				Bolt11:      "lnbc1...",
				PaymentHash: "deadbeef",
				AmountMsat:  &amountMsat,
			},
		},
	})
	require.NoError(t, err)

	payment, err := orchestrator.Send(ctx, prepared, nil)
	require.NoError(t, err)
	require.Equal(t, persist.StatusPending, payment.Status)

	require.Eventually(t, func() bool {
		current, err := storage.GetPaymentById(ctx, payment.Id)
		return err == nil && current != nil && current.Status == persist.StatusCompleted
	}, 2*time.Second, 50*time.Millisecond)
}
