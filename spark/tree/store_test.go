package tree_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/sparkwallet/sdk/spark/tree"
)

var testPubKey = mustParsePubKey("02e6642fd69bd211f93f7f1f36ca51a26a5290eb2dd1b0d8279a87bb0d480c8443")

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

func testNode(id string, value uint64) tree.TreeNode {
	return tree.TreeNode{
		Id:                     tree.TreeNodeId(id),
		TreeId:                 "test_tree",
		Value:                  value,
		VerifyingPublicKey:     testPubKey,
		OwnerIdentityPublicKey: testPubKey,
		SigningKeyshare: tree.SigningKeyshare{
			PublicKey:        testPubKey,
			OwnerIdentifiers: []string{"1"},
			Threshold:        2,
		},
		Status: tree.StatusAvailable,
	}
}

func findNode(leaves []tree.TreeNode, id string) (tree.TreeNode, bool) {
	for _, l := range leaves {
		if string(l.Id) == id {
			return l, true
		}
	}
	return tree.TreeNode{}, false
}

func reserveOrFail(t *testing.T, s *tree.LeafStore, target *tree.TargetAmounts, exactOnly bool, purpose tree.ReservationPurpose) tree.LeavesReservation {
	t.Helper()
	result, err := s.TryReserveLeaves(context.Background(), target, exactOnly, purpose)
	require.NoError(t, err)
	require.Equal(t, tree.ReserveSuccess, result.Kind)
	return result.Reservation
}

func amountTarget(amount uint64) *tree.TargetAmounts {
	t := tree.NewTargetAmounts(amount, nil)
	return &t
}

func TestNewStoreHasNoLeaves(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	leaves, err := s.GetLeaves(context.Background())
	require.NoError(t, err)
	require.Empty(t, leaves.Available)
}

func TestAddLeaves(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100), testNode("node2", 200)}))

	leaves, err := s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves.Available, 2)

	n1, ok := findNode(leaves.Available, "node1")
	require.True(t, ok)
	require.Equal(t, uint64(100), n1.Value)

	n2, ok := findNode(leaves.Available, "node2")
	require.True(t, ok)
	require.Equal(t, uint64(200), n2.Value)
}

func TestAddLeavesDuplicateIdsOverwrite(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100)}))
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 200)}))

	leaves, err := s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves.Available, 1)
	require.Equal(t, uint64(200), leaves.Available[0].Value)
}

func TestSetLeavesReplacesPool(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100)}))
	require.NoError(t, s.SetLeaves(ctx, []tree.TreeNode{testNode("node2", 200), testNode("node3", 300)}, nil))

	leaves, err := s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves.Available, 2)
	_, has2 := findNode(leaves.Available, "node2")
	_, has3 := findNode(leaves.Available, "node3")
	_, has1 := findNode(leaves.Available, "node1")
	require.True(t, has2)
	require.True(t, has3)
	require.False(t, has1)
}

func TestReserveLeavesExact(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100), testNode("node2", 200)}))

	reservation := reserveOrFail(t, s, amountTarget(100), true, tree.PurposePayment)
	require.Equal(t, uint64(100), reservation.Sum())
}

func TestReserveLeavesExactNonPrefixSubset(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{
		testNode("node1", 2), testNode("node2", 3), testNode("node3", 7),
	}))

	// Ascending-sum-then-check would accumulate 2, 3, 7 -> 12 and never
	// reach exactly 9, even though {2, 7} does. An exact reservation at 9
	// must select that 2-leaf subset rather than falling back to an
	// over-reservation of all three leaves.
	reservation := reserveOrFail(t, s, amountTarget(9), true, tree.PurposePayment)
	require.Equal(t, uint64(9), reservation.Sum())
	require.Len(t, reservation.Leaves, 2)
}

func TestCancelReservationRestoresLeaves(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100)}))
	reservation := reserveOrFail(t, s, amountTarget(100), true, tree.PurposePayment)

	require.NoError(t, s.CancelReservation(ctx, reservation.Id))

	leaves, err := s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves.Available, 1)
	require.Empty(t, leaves.ReservedForPayment)
}

func TestCancelReservationNonexistentIsNoop(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	require.NoError(t, s.CancelReservation(context.Background(), tree.LeavesReservationId("does-not-exist")))
}

func TestFinalizeReservationSpendsLeavesAndAddsChange(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100)}))
	reservation := reserveOrFail(t, s, amountTarget(100), true, tree.PurposePayment)

	require.NoError(t, s.FinalizeReservation(ctx, reservation.Id, []tree.TreeNode{testNode("change1", 10)}))

	leaves, err := s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves.Available, 1)
	change, ok := findNode(leaves.Available, "change1")
	require.True(t, ok)
	require.Equal(t, uint64(10), change.Value)
}

func TestFinalizeReservationNonexistentStillAddsChange(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.FinalizeReservation(ctx, tree.LeavesReservationId("does-not-exist"), []tree.TreeNode{testNode("node1", 10)}))

	leaves, err := s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves.Available, 1)
}

func TestMultipleReservationsDoNotOverlap(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100), testNode("node2", 200), testNode("node3", 300)}))

	r1 := reserveOrFail(t, s, amountTarget(100), true, tree.PurposePayment)
	r2 := reserveOrFail(t, s, amountTarget(200), true, tree.PurposePayment)

	require.NotEqual(t, r1.Id, r2.Id)

	leaves, err := s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves.Available, 1)
	_, has3 := findNode(leaves.Available, "node3")
	require.True(t, has3)
}

func TestReservationIdsAreUnique(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	seen := make(map[tree.LeavesReservationId]bool)
	for i := 0; i < 10; i++ {
		id := tree.TreeNodeId(fmt.Sprintf("node%d", i))
		require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode(string(id), 100)}))
		r := reserveOrFail(t, s, amountTarget(100), true, tree.PurposePayment)
		require.False(t, seen[r.Id])
		seen[r.Id] = true
	}
}

func TestReserveLeavesEmptyTargetFails(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100)}))

	result, err := s.TryReserveLeaves(ctx, amountTarget(0), true, tree.PurposePayment)
	require.NoError(t, err)
	require.Equal(t, tree.ReserveInsufficientFunds, result.Kind)
}

func TestSwapReservationIncludedInBalance(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100)}))
	reserveOrFail(t, s, amountTarget(100), true, tree.PurposeSwap)

	leaves, err := s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), leaves.Balance())
	require.Equal(t, uint64(100), leaves.SwapReservedBalance())
}

func TestPaymentReservationExcludedFromBalance(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100)}))
	reserveOrFail(t, s, amountTarget(100), true, tree.PurposePayment)

	leaves, err := s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), leaves.Balance())
	require.Equal(t, uint64(100), leaves.PaymentReservedBalance())
}

func TestTryReserveSuccess(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100), testNode("node2", 200)}))

	result, err := s.TryReserveLeaves(ctx, amountTarget(100), true, tree.PurposePayment)
	require.NoError(t, err)
	require.Equal(t, tree.ReserveSuccess, result.Kind)
	require.Equal(t, uint64(100), result.Reservation.Sum())
}

func TestTryReserveInsufficientFunds(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100)}))

	result, err := s.TryReserveLeaves(ctx, amountTarget(500), false, tree.PurposePayment)
	require.NoError(t, err)
	require.Equal(t, tree.ReserveInsufficientFunds, result.Kind)
}

func TestTryReserveWaitForPending(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 1000)}))

	r1, err := s.TryReserveLeaves(ctx, amountTarget(100), false, tree.PurposePayment)
	require.NoError(t, err)
	require.Equal(t, tree.ReserveSuccess, r1.Kind)

	r2, err := s.TryReserveLeaves(ctx, amountTarget(300), false, tree.PurposePayment)
	require.NoError(t, err)
	require.Equal(t, tree.ReserveWaitForPending, r2.Kind)
	require.Equal(t, uint64(300), r2.Needed)
	require.Equal(t, uint64(0), r2.Available)
	require.Equal(t, uint64(900), r2.Pending)
}

func TestTryReserveFailImmediatelyWhenInsufficient(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100)}))

	r1, err := s.TryReserveLeaves(ctx, amountTarget(50), false, tree.PurposePayment)
	require.NoError(t, err)
	require.Equal(t, tree.ReserveSuccess, r1.Kind)

	r2, err := s.TryReserveLeaves(ctx, amountTarget(500), false, tree.PurposePayment)
	require.NoError(t, err)
	require.Equal(t, tree.ReserveInsufficientFunds, r2.Kind)
}

func TestBalanceChangeNotification(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ch, cancel := s.SubscribeBalanceChanges()
	defer cancel()

	require.NoError(t, s.AddLeaves(context.Background(), []tree.TreeNode{testNode("node1", 100)}))

	select {
	case balance := <-ch:
		require.Equal(t, uint64(100), balance)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for balance notification")
	}
}

func TestPendingClearedOnCancel(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 1000)}))

	r1, err := s.TryReserveLeaves(ctx, amountTarget(100), false, tree.PurposePayment)
	require.NoError(t, err)
	require.Equal(t, tree.ReserveSuccess, r1.Kind)

	require.NoError(t, s.CancelReservation(ctx, r1.Reservation.Id))

	r2, err := s.TryReserveLeaves(ctx, amountTarget(300), false, tree.PurposePayment)
	require.NoError(t, err)
	require.Equal(t, tree.ReserveSuccess, r2.Kind)
}

func TestSpentLeavesNotRestoredBySetLeaves(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100), testNode("node2", 200)}))

	reservation := reserveOrFail(t, s, amountTarget(100), true, tree.PurposePayment)
	require.NoError(t, s.FinalizeReservation(ctx, reservation.Id, nil))

	leaves, err := s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves.Available, 1)
	_, has1 := findNode(leaves.Available, "node1")
	require.False(t, has1)

	// A stale refresh still carrying the spent leaf must not resurrect it.
	require.NoError(t, s.SetLeaves(ctx, []tree.TreeNode{
		testNode("node1", 100),
		testNode("node2", 200),
		testNode("node3", 300),
	}, nil))

	leaves, err = s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves.Available, 2)
	_, has1 = findNode(leaves.Available, "node1")
	require.False(t, has1, "spent leaf node1 should not be restored by SetLeaves")
}

func TestSpentIdsCleanedUpWhenNoLongerInRefresh(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100)}))

	reservation := reserveOrFail(t, s, amountTarget(100), true, tree.PurposePayment)
	require.NoError(t, s.FinalizeReservation(ctx, reservation.Id, nil))

	// First stale refresh still includes the spent leaf: filtered out.
	require.NoError(t, s.SetLeaves(ctx, []tree.TreeNode{testNode("node1", 100)}, nil))
	leaves, err := s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Empty(t, leaves.Available)

	// Operators catch up: node1 no longer appears, so its spent marker clears.
	require.NoError(t, s.SetLeaves(ctx, []tree.TreeNode{testNode("node2", 200)}, nil))
	leaves, err = s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves.Available, 1)

	// A fresh node1 (cleared from spent ids) is now accepted.
	require.NoError(t, s.SetLeaves(ctx, []tree.TreeNode{testNode("node1", 150), testNode("node2", 200)}, nil))
	leaves, err = s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves.Available, 2)
	n1, ok := findNode(leaves.Available, "node1")
	require.True(t, ok)
	require.Equal(t, uint64(150), n1.Value)
}

func TestSetLeavesPreservesReservationsForInFlightSwaps(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100), testNode("node2", 200)}))

	reservation := reserveOrFail(t, s, amountTarget(300), false, tree.PurposePayment)

	// Refresh with data that no longer includes the reserved leaves.
	require.NoError(t, s.SetLeaves(ctx, []tree.TreeNode{testNode("node3", 300)}, nil))

	leaves, err := s.GetLeaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves.ReservedForPayment, 2)
	_, has1 := findNode(leaves.ReservedForPayment, "node1")
	_, has2 := findNode(leaves.ReservedForPayment, "node2")
	require.True(t, has1)
	require.True(t, has2)

	_ = reservation
}

func TestUpdateReservationReplacesLeavesAndForcesNotification(t *testing.T) {
	s := tree.NewLeafStore()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100), testNode("node2", 200)}))

	reservation := reserveOrFail(t, s, amountTarget(300), false, tree.PurposeSwap)

	ch, cancel := s.SubscribeBalanceChanges()
	defer cancel()
	// Drain the buffered current-balance value so the next receive reflects
	// the update, not a stale snapshot from before the subscription.
	select {
	case <-ch:
	default:
	}

	updated, err := s.UpdateReservation(ctx, reservation.Id, []tree.TreeNode{testNode("swapped1", 300)}, []tree.TreeNode{testNode("change1", 5)})
	require.NoError(t, err)
	require.Equal(t, reservation.Id, updated.Id)
	require.Len(t, updated.Leaves, 1)

	leaves, err := s.GetLeaves(ctx)
	require.NoError(t, err)
	_, hasChange := findNode(leaves.Available, "change1")
	require.True(t, hasChange)
	_, hasSwapped := findNode(leaves.ReservedForSwap, "swapped1")
	require.True(t, hasSwapped)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a forced balance notification after UpdateReservation")
	}
}

func TestTryReserveLeavesResourceBusyOnTimeout(t *testing.T) {
	s := tree.NewLeafStore(
		tree.WithMaxConcurrentReservations(1),
		tree.WithReservationTimeout(50*time.Millisecond),
	)
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.AddLeaves(ctx, []tree.TreeNode{testNode("node1", 100), testNode("node2", 200)}))

	_, err := s.TryReserveLeaves(ctx, amountTarget(100), true, tree.PurposePayment)
	require.NoError(t, err)

	_, err = s.TryReserveLeaves(ctx, amountTarget(200), true, tree.PurposePayment)
	require.Error(t, err)
	svcErr, ok := err.(*tree.ServiceError)
	require.True(t, ok)
	require.Equal(t, tree.ErrKindResourceBusy, svcErr.Kind)
}

func TestOperationsAfterStopReturnProcessorShutdown(t *testing.T) {
	s := tree.NewLeafStore()
	s.Stop()

	_, err := s.GetLeaves(context.Background())
	require.Error(t, err)
	svcErr, ok := err.(*tree.ServiceError)
	require.True(t, ok)
	require.Equal(t, tree.ErrKindProcessorShutdown, svcErr.Kind)
}
