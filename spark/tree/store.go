package tree

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sparkwallet/sdk/metrics"
)

// DefaultMaxConcurrentReservations bounds how many reservations may be held
// at once before TryReserveLeaves blocks waiting for a permit.
const DefaultMaxConcurrentReservations = 30

// DefaultReservationTimeout is how long TryReserveLeaves waits for a permit
// before giving up with ResourceBusy.
const DefaultReservationTimeout = 60 * time.Second

// reservationEntry is the processor-internal record of a held reservation.
// The permit is released implicitly: cancelReservation and
// finalizeReservation both call permit.Release after removing the entry.
type reservationEntry struct {
	leaves             []TreeNode
	purpose            ReservationPurpose
	pendingChangeAmount uint64
}

type leavesState struct {
	leaves                 map[TreeNodeId]TreeNode
	missingOperatorsLeaves map[TreeNodeId]TreeNode
	reservations           map[LeavesReservationId]*reservationEntry
	spentLeafIds           map[TreeNodeId]bool
}

func newLeavesState() *leavesState {
	return &leavesState{
		leaves:                 make(map[TreeNodeId]TreeNode),
		missingOperatorsLeaves: make(map[TreeNodeId]TreeNode),
		reservations:           make(map[LeavesReservationId]*reservationEntry),
		spentLeafIds:           make(map[TreeNodeId]bool),
	}
}

func (s *leavesState) availableBalance() uint64 {
	var total uint64
	for _, l := range s.leaves {
		if l.Status == StatusAvailable {
			total += l.Value
		}
	}
	return total
}

func (s *leavesState) pendingBalance() uint64 {
	var total uint64
	for _, r := range s.reservations {
		total += r.pendingChangeAmount
	}
	return total
}

// storeCommand is the sum type of requests sent to the processor goroutine,
// each carrying its own reply channel, in the style of this codebase's
// other single-writer command loops.
type storeCommand struct {
	kind commandKind

	addLeaves []TreeNode

	setLeaves                []TreeNode
	setMissingOperatorsLeaves []TreeNode

	targetAmounts *TargetAmounts
	exactOnly     bool
	purpose       ReservationPurpose
	permit        *semaphore.Weighted

	reservationId LeavesReservationId
	newLeaves     []TreeNode

	reservedLeaves []TreeNode
	changeLeaves   []TreeNode

	replyErr         chan error
	replyLeaves      chan leavesReply
	replyReserve     chan reserveReply
	replyReservation chan reservationReply
}

type commandKind int

const (
	cmdAddLeaves commandKind = iota
	cmdGetLeaves
	cmdSetLeaves
	cmdTryReserveLeaves
	cmdCancelReservation
	cmdFinalizeReservation
	cmdUpdateReservation
)

type leavesReply struct {
	leaves Leaves
	err    error
}

type reserveReply struct {
	result ReserveResult
	err    error
}

type reservationReply struct {
	reservation LeavesReservation
	err         error
}

// LeafStore maintains the wallet's pool of spendable Spark leaves. A single
// background processor goroutine owns all mutable state; every public
// method sends a command over a bounded channel and awaits a dedicated
// reply channel, eliminating the need for fine-grained locking and making
// every transition linearizable.
type LeafStore struct {
	commandCh chan storeCommand
	quit      chan struct{}

	balance *BalanceWatcher

	sem                  *semaphore.Weighted
	maxConcurrent        int
	reservationTimeout   time.Duration
}

// Option configures a LeafStore at construction time.
type Option func(*LeafStore)

// WithMaxConcurrentReservations overrides DefaultMaxConcurrentReservations.
func WithMaxConcurrentReservations(n int) Option {
	return func(s *LeafStore) { s.maxConcurrent = n }
}

// WithReservationTimeout overrides DefaultReservationTimeout.
func WithReservationTimeout(d time.Duration) Option {
	return func(s *LeafStore) { s.reservationTimeout = d }
}

// NewLeafStore constructs a LeafStore and starts its processor goroutine.
// The processor runs until Stop is called; dropping a LeafStore without
// calling Stop leaks the goroutine, so callers that don't control the
// store's lifetime with a context should defer Stop explicitly.
func NewLeafStore(opts ...Option) *LeafStore {
	s := &LeafStore{
		commandCh:          make(chan storeCommand, 1024),
		quit:               make(chan struct{}),
		balance:            newBalanceWatcher(),
		maxConcurrent:      DefaultMaxConcurrentReservations,
		reservationTimeout: DefaultReservationTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.maxConcurrent))

	go s.run()
	return s
}

// Stop closes the quit channel, ending the processor loop. No further
// calls may be made on the store once Stop returns.
func (s *LeafStore) Stop() {
	close(s.quit)
}

func (s *LeafStore) run() {
	state := newLeavesState()

	for {
		select {
		case <-s.quit:
			return
		case cmd := <-s.commandCh:
			balanceBefore := state.availableBalance()
			pendingBefore := state.pendingBalance()
			forceNotify := false

			switch cmd.kind {
			case cmdAddLeaves:
				processAddLeaves(state, cmd.addLeaves)
				cmd.replyErr <- nil

			case cmdGetLeaves:
				cmd.replyLeaves <- leavesReply{leaves: processGetLeaves(state)}

			case cmdSetLeaves:
				processSetLeaves(state, cmd.setLeaves, cmd.setMissingOperatorsLeaves)
				cmd.replyErr <- nil

			case cmdTryReserveLeaves:
				result, err := processTryReserveLeaves(
					state, cmd.targetAmounts, cmd.exactOnly, cmd.purpose, cmd.permit,
				)
				recordReserveOutcome(result, err)
				cmd.replyReserve <- reserveReply{result: result, err: err}

			case cmdCancelReservation:
				processCancelReservation(state, cmd.reservationId, s.sem)
				cmd.replyErr <- nil

			case cmdFinalizeReservation:
				processFinalizeReservation(state, cmd.reservationId, cmd.newLeaves, s.sem)
				cmd.replyErr <- nil

			case cmdUpdateReservation:
				reservation, err := processUpdateReservation(
					state, cmd.reservationId, cmd.reservedLeaves, cmd.changeLeaves,
				)
				if err == nil {
					forceNotify = true
				}
				cmd.replyReservation <- reservationReply{reservation: reservation, err: err}
			}

			metrics.SetActive(metrics.StoreLeaves, len(state.reservations))

			balanceAfter := state.availableBalance()
			pendingAfter := state.pendingBalance()
			if balanceAfter != balanceBefore || pendingAfter != pendingBefore || forceNotify {
				log.Tracef("balance notification: available %d->%d, pending %d->%d, force=%v",
					balanceBefore, balanceAfter, pendingBefore, pendingAfter, forceNotify)
				s.balance.notify(balanceAfter)
			}
		}
	}
}

func recordReserveOutcome(result ReserveResult, err error) {
	if err != nil {
		if svcErr, ok := err.(*ServiceError); ok && svcErr.Kind == ErrKindNonReservableLeaves {
			metrics.RecordAttempt(metrics.StoreLeaves, metrics.OutcomeNonReservable)
		}
		return
	}
	switch result.Kind {
	case ReserveSuccess:
		metrics.RecordAttempt(metrics.StoreLeaves, metrics.OutcomeSuccess)
	case ReserveInsufficientFunds:
		metrics.RecordAttempt(metrics.StoreLeaves, metrics.OutcomeInsufficientFunds)
	case ReserveWaitForPending:
		metrics.RecordAttempt(metrics.StoreLeaves, metrics.OutcomeWaitForPending)
	}
}

func processAddLeaves(state *leavesState, leaves []TreeNode) {
	for _, l := range leaves {
		state.leaves[l.Id] = l
	}
}

func processGetLeaves(state *leavesState) Leaves {
	var reservedForPayment, reservedForSwap []TreeNode
	for _, entry := range state.reservations {
		switch entry.purpose {
		case PurposePayment:
			reservedForPayment = append(reservedForPayment, entry.leaves...)
		case PurposeSwap:
			reservedForSwap = append(reservedForSwap, entry.leaves...)
		}
	}

	var available, notAvailable []TreeNode
	for _, l := range state.leaves {
		if l.Status == StatusAvailable {
			available = append(available, l)
		} else {
			notAvailable = append(notAvailable, l)
		}
	}

	var missingAvailable []TreeNode
	for _, l := range state.missingOperatorsLeaves {
		if l.Status == StatusAvailable {
			missingAvailable = append(missingAvailable, l)
		}
	}

	return Leaves{
		Available:                     available,
		NotAvailable:                  notAvailable,
		AvailableMissingFromOperators: missingAvailable,
		ReservedForPayment:            reservedForPayment,
		ReservedForSwap:               reservedForSwap,
	}
}

func processSetLeaves(state *leavesState, fresh, missing []TreeNode) {
	refreshedIds := make(map[TreeNodeId]bool, len(fresh)+len(missing))
	for _, l := range fresh {
		refreshedIds[l.Id] = true
	}
	for _, l := range missing {
		refreshedIds[l.Id] = true
	}

	for id := range state.spentLeafIds {
		if !refreshedIds[id] {
			delete(state.spentLeafIds, id)
		}
	}

	newLeaves := make(map[TreeNodeId]TreeNode, len(fresh))
	for _, l := range fresh {
		if !state.spentLeafIds[l.Id] {
			newLeaves[l.Id] = l
		}
	}
	newMissing := make(map[TreeNodeId]TreeNode, len(missing))
	for _, l := range missing {
		if !state.spentLeafIds[l.Id] {
			newMissing[l.Id] = l
		}
	}
	state.leaves = newLeaves
	state.missingOperatorsLeaves = newMissing

	// Reservations are never removed here: a refresh may race an
	// in-flight swap whose outputs have already left the operator view.
	for _, entry := range state.reservations {
		for i, l := range entry.leaves {
			if fresh, ok := state.leaves[l.Id]; ok {
				entry.leaves[i] = fresh
				delete(state.leaves, l.Id)
			} else if fresh, ok := state.missingOperatorsLeaves[l.Id]; ok {
				entry.leaves[i] = fresh
				delete(state.missingOperatorsLeaves, l.Id)
			}
		}
	}
}

func processTryReserveLeaves(
	state *leavesState, targetAmounts *TargetAmounts, exactOnly bool,
	purpose ReservationPurpose, permit *semaphore.Weighted,
) (ReserveResult, error) {
	var target uint64
	if targetAmounts != nil {
		target = targetAmounts.TotalSats()
	}
	available := state.availableBalance()
	pending := state.pendingBalance()

	var candidates []TreeNode
	for _, l := range state.leaves {
		if l.Status == StatusAvailable {
			candidates = append(candidates, l)
		}
	}

	if exact, ok := selectExact(candidates, target); ok {
		id, err := reserveInternal(state, exact, purpose, 0)
		if err != nil {
			permit.Release(1)
			return ReserveResult{}, err
		}
		return ReserveResult{Kind: ReserveSuccess, Reservation: LeavesReservation{Leaves: exact, Id: id}}, nil
	}

	if !exactOnly {
		if minimum, ok := selectMinimum(candidates, target); ok {
			reservedAmount := sumValues(minimum)
			var pendingChange uint64
			if reservedAmount > target && target > 0 {
				pendingChange = reservedAmount - target
			}
			id, err := reserveInternal(state, minimum, purpose, pendingChange)
			if err != nil {
				permit.Release(1)
				return ReserveResult{}, err
			}
			return ReserveResult{Kind: ReserveSuccess, Reservation: LeavesReservation{Leaves: minimum, Id: id}}, nil
		}
	}

	permit.Release(1)
	if available+pending >= target {
		return ReserveResult{Kind: ReserveWaitForPending, Needed: target, Available: available, Pending: pending}, nil
	}
	return ReserveResult{Kind: ReserveInsufficientFunds}, nil
}

func reserveInternal(
	state *leavesState, leaves []TreeNode, purpose ReservationPurpose, pendingChangeAmount uint64,
) (LeavesReservationId, error) {
	if len(leaves) == 0 {
		return "", errNonReservableLeaves
	}
	for _, l := range leaves {
		if _, ok := state.leaves[l.Id]; !ok {
			return "", errNonReservableLeaves
		}
	}

	id := LeavesReservationId(uuid.NewString())
	state.reservations[id] = &reservationEntry{
		leaves:              leaves,
		purpose:             purpose,
		pendingChangeAmount: pendingChangeAmount,
	}
	for _, l := range leaves {
		delete(state.leaves, l.Id)
	}
	log.Tracef("new leaves reservation %s: %d leaves", id, len(leaves))
	return id, nil
}

func processCancelReservation(state *leavesState, id LeavesReservationId, sem *semaphore.Weighted) {
	entry, ok := state.reservations[id]
	if !ok {
		return
	}
	delete(state.reservations, id)
	for _, l := range entry.leaves {
		state.leaves[l.Id] = l
	}
	sem.Release(1)
	log.Tracef("canceled leaves reservation: %s", id)
}

func processFinalizeReservation(
	state *leavesState, id LeavesReservationId, newLeaves []TreeNode, sem *semaphore.Weighted,
) {
	entry, ok := state.reservations[id]
	if !ok {
		log.Warnf("tried to finalize a non-existing reservation: %s", id)
	} else {
		delete(state.reservations, id)
		for _, l := range entry.leaves {
			state.spentLeafIds[l.Id] = true
		}
		sem.Release(1)
	}

	for _, l := range newLeaves {
		state.leaves[l.Id] = l
	}
	log.Tracef("finalized leaves reservation: %s", id)
}

func processUpdateReservation(
	state *leavesState, id LeavesReservationId, reservedLeaves, changeLeaves []TreeNode,
) (LeavesReservation, error) {
	oldEntry, ok := state.reservations[id]
	if !ok {
		return LeavesReservation{}, errGeneric("reservation %s not found", id)
	}
	purpose := oldEntry.purpose
	delete(state.reservations, id)

	for _, l := range changeLeaves {
		state.leaves[l.Id] = l
	}

	reserved := make([]TreeNode, len(reservedLeaves))
	copy(reserved, reservedLeaves)
	state.reservations[id] = &reservationEntry{
		leaves:              reserved,
		purpose:             purpose,
		pendingChangeAmount: 0,
	}

	log.Tracef("updated reservation %s: reserved %d leaves, added %d change leaves",
		id, len(reserved), len(changeLeaves))
	return LeavesReservation{Leaves: reserved, Id: id}, nil
}

// AddLeaves merges the given leaves into the pool by id.
func (s *LeafStore) AddLeaves(ctx context.Context, leaves []TreeNode) error {
	reply := make(chan error, 1)
	cmd := storeCommand{kind: cmdAddLeaves, addLeaves: leaves, replyErr: reply}
	if err := s.send(ctx, cmd); err != nil {
		return err
	}
	return s.awaitErr(ctx, reply)
}

// GetLeaves returns a categorized snapshot of the current leaf pool.
func (s *LeafStore) GetLeaves(ctx context.Context) (Leaves, error) {
	reply := make(chan leavesReply, 1)
	cmd := storeCommand{kind: cmdGetLeaves, replyLeaves: reply}
	if err := s.send(ctx, cmd); err != nil {
		return Leaves{}, err
	}
	select {
	case r := <-reply:
		return r.leaves, r.err
	case <-ctx.Done():
		return Leaves{}, ctx.Err()
	case <-s.quit:
		return Leaves{}, errProcessorShutdown
	}
}

// SetLeaves replaces the pool's view with freshly-fetched data from a
// background refresh, preserving in-flight reservations and filtering out
// leaves already finalized as spent.
func (s *LeafStore) SetLeaves(ctx context.Context, fresh, missingOperators []TreeNode) error {
	reply := make(chan error, 1)
	cmd := storeCommand{
		kind:                      cmdSetLeaves,
		setLeaves:                 fresh,
		setMissingOperatorsLeaves: missingOperators,
		replyErr:                  reply,
	}
	if err := s.send(ctx, cmd); err != nil {
		return err
	}
	return s.awaitErr(ctx, reply)
}

// TryReserveLeaves attempts to reserve leaves covering targetAmounts (or any
// amount, if nil). It first acquires a semaphore permit bounding concurrent
// reservations, waiting up to the configured reservation timeout; on
// timeout it returns ResourceBusy. The permit is stored for the lifetime of
// a successful reservation and released by CancelReservation or
// FinalizeReservation; on any non-success outcome it is released
// immediately.
func (s *LeafStore) TryReserveLeaves(
	ctx context.Context, targetAmounts *TargetAmounts, exactOnly bool, purpose ReservationPurpose,
) (ReserveResult, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.reservationTimeout)
	defer cancel()

	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		metrics.RecordAttempt(metrics.StoreLeaves, metrics.OutcomeResourceBusy)
		return ReserveResult{}, errResourceBusy(s.maxConcurrent, s.reservationTimeout)
	}

	reply := make(chan reserveReply, 1)
	cmd := storeCommand{
		kind:          cmdTryReserveLeaves,
		targetAmounts: targetAmounts,
		exactOnly:     exactOnly,
		purpose:       purpose,
		permit:        s.sem,
		replyReserve:  reply,
	}
	if err := s.send(ctx, cmd); err != nil {
		s.sem.Release(1)
		return ReserveResult{}, err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return ReserveResult{}, ctx.Err()
	case <-s.quit:
		return ReserveResult{}, errProcessorShutdown
	}
}

// CancelReservation returns the reservation's leaves to the pool and
// releases its permit.
func (s *LeafStore) CancelReservation(ctx context.Context, id LeavesReservationId) error {
	reply := make(chan error, 1)
	cmd := storeCommand{kind: cmdCancelReservation, reservationId: id, replyErr: reply}
	if err := s.send(ctx, cmd); err != nil {
		return err
	}
	return s.awaitErr(ctx, reply)
}

// FinalizeReservation consumes the reservation's leaves (marking them
// spent) and adds newLeaves, if any, to the pool as change.
func (s *LeafStore) FinalizeReservation(ctx context.Context, id LeavesReservationId, newLeaves []TreeNode) error {
	reply := make(chan error, 1)
	cmd := storeCommand{kind: cmdFinalizeReservation, reservationId: id, newLeaves: newLeaves, replyErr: reply}
	if err := s.send(ctx, cmd); err != nil {
		return err
	}
	return s.awaitErr(ctx, reply)
}

// UpdateReservation atomically replaces a reservation's leaves with
// reservedLeaves (keeping the same id and permit), deposits changeLeaves
// into the pool, and clears the reservation's pending-change amount. This
// is the post-swap fixup.
func (s *LeafStore) UpdateReservation(
	ctx context.Context, id LeavesReservationId, reservedLeaves, changeLeaves []TreeNode,
) (LeavesReservation, error) {
	reply := make(chan reservationReply, 1)
	cmd := storeCommand{
		kind:             cmdUpdateReservation,
		reservationId:    id,
		reservedLeaves:   reservedLeaves,
		changeLeaves:      changeLeaves,
		replyReservation: reply,
	}
	if err := s.send(ctx, cmd); err != nil {
		return LeavesReservation{}, err
	}
	select {
	case r := <-reply:
		return r.reservation, r.err
	case <-ctx.Done():
		return LeavesReservation{}, ctx.Err()
	case <-s.quit:
		return LeavesReservation{}, errProcessorShutdown
	}
}

// SubscribeBalanceChanges returns a channel that receives the current
// available balance whenever it changes, plus a cancel function the caller
// must invoke when done listening.
func (s *LeafStore) SubscribeBalanceChanges() (<-chan uint64, func()) {
	return s.balance.Subscribe()
}

func (s *LeafStore) send(ctx context.Context, cmd storeCommand) error {
	select {
	case s.commandCh <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return errProcessorShutdown
	}
}

func (s *LeafStore) awaitErr(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return errProcessorShutdown
	}
}
