package token

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sparkwallet/sdk/metrics"
)

// DefaultMaxConcurrentReservations mirrors the tree store's default.
const DefaultMaxConcurrentReservations = 30

// DefaultReservationTimeout mirrors the tree store's default.
const DefaultReservationTimeout = 60 * time.Second

// MaxConsolidationInputs is the hard per-transaction input cap enforced by
// optimize_token_outputs.
const MaxConsolidationInputs = 500

type reservationEntry struct {
	tokenId TokenIdentifier
	outputs map[OutputId]TokenOutput
	purpose ReservationPurpose
}

func (e *reservationEntry) slice() []TokenOutput {
	out := make([]TokenOutput, 0, len(e.outputs))
	for _, o := range e.outputs {
		out = append(out, o)
	}
	return out
}

type tokenState struct {
	outputs map[OutputId]TokenOutput
}

func newTokenState() *tokenState {
	return &tokenState{outputs: make(map[OutputId]TokenOutput)}
}

func (s *tokenState) availableBalance() *big.Int {
	total := new(big.Int)
	for _, o := range s.outputs {
		if o.Status == StatusAvailable {
			total.Add(total, o.TokenAmount)
		}
	}
	return total
}

// storeState is the full processor-owned state: one tokenState per token
// plus a global reservation index, since reservation ids are unique across
// every token.
type storeState struct {
	tokens       map[TokenIdentifier]*tokenState
	reservations map[ReservationId]*reservationEntry
}

func newStoreState() *storeState {
	return &storeState{
		tokens:       make(map[TokenIdentifier]*tokenState),
		reservations: make(map[ReservationId]*reservationEntry),
	}
}

func (s *storeState) stateFor(id TokenIdentifier) *tokenState {
	st, ok := s.tokens[id]
	if !ok {
		st = newTokenState()
		s.tokens[id] = st
	}
	return st
}

type commandKind int

const (
	cmdAddOutputs commandKind = iota
	cmdGetOutputs
	cmdSetTokensOutputs
	cmdTryReserveOutputs
	cmdCancelReservation
	cmdFinalizeReservation
	cmdOptimize
)

type storeCommand struct {
	kind commandKind

	tokenId TokenIdentifier
	outputs []TokenOutput

	perTokenOutputs map[TokenIdentifier][]TokenOutput

	filter   GetTokenOutputsFilter
	target   ReservationTarget
	strategy SelectionStrategy
	purpose  ReservationPurpose
	permit   *semaphore.Weighted

	reservationId ReservationId
	newOutputs    []TokenOutput

	optimizeTokenId *TokenIdentifier
	minOutputsThreshold int

	replyErr       chan error
	replyOutputs   chan outputsReply
	replyReserve   chan reserveReply
	replyOptimize  chan optimizeReply
}

type outputsReply struct {
	outputs Outputs
	err     error
}

type reserveReply struct {
	result ReserveResult
	err    error
}

type optimizeReply struct {
	reservations []Reservation
	err          error
}

// TokenOutputStore maintains the wallet's pools of spendable token outputs,
// one pool per token identifier, with the same single-writer processor
// design as the sibling tree package's LeafStore.
type TokenOutputStore struct {
	commandCh chan storeCommand
	quit      chan struct{}

	balance *BalanceWatcher

	sem                *semaphore.Weighted
	maxConcurrent      int
	reservationTimeout time.Duration
}

// Option configures a TokenOutputStore at construction time.
type Option func(*TokenOutputStore)

// WithMaxConcurrentReservations overrides DefaultMaxConcurrentReservations.
func WithMaxConcurrentReservations(n int) Option {
	return func(s *TokenOutputStore) { s.maxConcurrent = n }
}

// WithReservationTimeout overrides DefaultReservationTimeout.
func WithReservationTimeout(d time.Duration) Option {
	return func(s *TokenOutputStore) { s.reservationTimeout = d }
}

// NewTokenOutputStore constructs a TokenOutputStore and starts its
// processor goroutine, which runs until Stop is called.
func NewTokenOutputStore(opts ...Option) *TokenOutputStore {
	s := &TokenOutputStore{
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

// Stop closes the quit channel, ending the processor loop.
func (s *TokenOutputStore) Stop() {
	close(s.quit)
}

func (s *TokenOutputStore) run() {
	state := newStoreState()

	for {
		select {
		case <-s.quit:
			return
		case cmd := <-s.commandCh:
			var balancesBefore map[TokenIdentifier]*big.Int
			affected := affectedTokens(state, cmd)
			balancesBefore = snapshotBalances(state, affected)

			switch cmd.kind {
			case cmdAddOutputs:
				processAddOutputs(state, cmd.tokenId, cmd.outputs)
				cmd.replyErr <- nil

			case cmdGetOutputs:
				outputs, err := processGetOutputs(state, cmd.filter)
				cmd.replyOutputs <- outputsReply{outputs: outputs, err: err}

			case cmdSetTokensOutputs:
				processSetTokensOutputs(state, cmd.perTokenOutputs, s.sem)
				cmd.replyErr <- nil

			case cmdTryReserveOutputs:
				result, err := processTryReserveOutputs(state, cmd.tokenId, cmd.target, cmd.strategy, cmd.purpose, cmd.permit)
				recordReserveOutcome(result, err)
				cmd.replyReserve <- reserveReply{result: result, err: err}

			case cmdCancelReservation:
				processCancelReservation(state, cmd.reservationId, s.sem)
				cmd.replyErr <- nil

			case cmdFinalizeReservation:
				processFinalizeReservation(state, cmd.reservationId, cmd.tokenId, cmd.newOutputs, s.sem)
				cmd.replyErr <- nil

			case cmdOptimize:
				reservations, err := processOptimize(state, cmd.optimizeTokenId, cmd.minOutputsThreshold, s.sem)
				cmd.replyOptimize <- optimizeReply{reservations: reservations, err: err}
			}

			metrics.SetActive(metrics.StoreOutputs, len(state.reservations))

			for _, tokenId := range affected {
				before := balancesBefore[tokenId]
				after := state.stateFor(tokenId).availableBalance()
				if before == nil || before.Cmp(after) != 0 {
					s.balance.notify(tokenId, after)
				}
			}
		}
	}
}

func affectedTokens(state *storeState, cmd storeCommand) []TokenIdentifier {
	switch cmd.kind {
	case cmdAddOutputs, cmdTryReserveOutputs:
		return []TokenIdentifier{cmd.tokenId}
	case cmdFinalizeReservation:
		if entry, ok := state.reservations[cmd.reservationId]; ok {
			return []TokenIdentifier{entry.tokenId}
		}
		return []TokenIdentifier{cmd.tokenId}
	case cmdCancelReservation:
		if entry, ok := state.reservations[cmd.reservationId]; ok {
			return []TokenIdentifier{entry.tokenId}
		}
		return nil
	case cmdSetTokensOutputs:
		ids := make([]TokenIdentifier, 0, len(cmd.perTokenOutputs))
		for id := range cmd.perTokenOutputs {
			ids = append(ids, id)
		}
		return ids
	case cmdOptimize:
		if cmd.optimizeTokenId != nil {
			return []TokenIdentifier{*cmd.optimizeTokenId}
		}
		ids := make([]TokenIdentifier, 0, len(state.tokens))
		for id := range state.tokens {
			ids = append(ids, id)
		}
		return ids
	default:
		return nil
	}
}

func snapshotBalances(state *storeState, tokens []TokenIdentifier) map[TokenIdentifier]*big.Int {
	snap := make(map[TokenIdentifier]*big.Int, len(tokens))
	for _, id := range tokens {
		snap[id] = state.stateFor(id).availableBalance()
	}
	return snap
}

func processAddOutputs(state *storeState, tokenId TokenIdentifier, outputs []TokenOutput) {
	st := state.stateFor(tokenId)
	for _, o := range outputs {
		st.outputs[o.Id] = o
	}
}

func processGetOutputs(state *storeState, filter GetTokenOutputsFilter) (Outputs, error) {
	var result Outputs

	matches := func(tokenId TokenIdentifier, o TokenOutput) bool {
		if filter.Identifier != nil {
			return tokenId == *filter.Identifier
		}
		if filter.IssuerPublicKey != nil {
			return o.TokenPublicKey != nil && o.TokenPublicKey.IsEqual(filter.IssuerPublicKey)
		}
		return true
	}

	for tokenId, st := range state.tokens {
		for _, o := range st.outputs {
			if !matches(tokenId, o) {
				continue
			}
			if o.Status == StatusAvailable {
				result.Available = append(result.Available, o)
			} else {
				result.NotAvailable = append(result.NotAvailable, o)
			}
		}
	}
	for _, entry := range state.reservations {
		if filter.Identifier != nil && entry.tokenId != *filter.Identifier {
			continue
		}
		if filter.IssuerPublicKey != nil {
			continue // reservations don't carry issuer filtering context cheaply; omitted from this view
		}
		switch entry.purpose {
		case PurposePayment:
			result.ReservedForPayment = append(result.ReservedForPayment, entry.slice()...)
		case PurposeSwap:
			result.ReservedForSwap = append(result.ReservedForSwap, entry.slice()...)
		}
	}

	return result, nil
}

func recordReserveOutcome(result ReserveResult, err error) {
	if err != nil {
		if svcErr, ok := err.(*ServiceError); ok && svcErr.Kind == ErrKindNonReservableOutputs {
			metrics.RecordAttempt(metrics.StoreOutputs, metrics.OutcomeNonReservable)
		}
		return
	}
	switch result.Kind {
	case ReserveSuccess:
		metrics.RecordAttempt(metrics.StoreOutputs, metrics.OutcomeSuccess)
	case ReserveInsufficientFunds:
		metrics.RecordAttempt(metrics.StoreOutputs, metrics.OutcomeInsufficientFunds)
	case ReserveWaitForPending:
		metrics.RecordAttempt(metrics.StoreOutputs, metrics.OutcomeWaitForPending)
	}
}

// processSetTokensOutputs replaces each named token's pool with fresh data
// and reconciles every reservation against it: a reserved output absent
// from the refresh is dropped, and a reservation left with no outputs is
// removed entirely, releasing its concurrency permit back to sem. This
// differs from the tree store, which never drops a reservation on refresh.
func processSetTokensOutputs(state *storeState, perToken map[TokenIdentifier][]TokenOutput, sem *semaphore.Weighted) {
	for tokenId, outputs := range perToken {
		st := state.stateFor(tokenId)
		fresh := make(map[OutputId]TokenOutput, len(outputs))
		for _, o := range outputs {
			fresh[o.Id] = o
		}
		st.outputs = fresh
	}

	for id, entry := range state.reservations {
		if _, ok := perToken[entry.tokenId]; !ok {
			continue
		}
		st := state.tokens[entry.tokenId]
		for outId := range entry.outputs {
			if fresh, ok := st.outputs[outId]; ok {
				entry.outputs[outId] = fresh
				delete(st.outputs, outId)
			} else {
				delete(entry.outputs, outId)
			}
		}
		if len(entry.outputs) == 0 {
			delete(state.reservations, id)
			sem.Release(1)
		}
	}
}

func processTryReserveOutputs(
	state *storeState, tokenId TokenIdentifier, target ReservationTarget, strategy SelectionStrategy,
	purpose ReservationPurpose, permit *semaphore.Weighted,
) (ReserveResult, error) {
	st := state.stateFor(tokenId)

	var candidates []TokenOutput
	for _, o := range st.outputs {
		if o.Status == StatusAvailable {
			candidates = append(candidates, o)
		}
	}

	selected, ok := selectForTarget(candidates, target, strategy)
	if !ok {
		permit.Release(1)
		available := st.availableBalance()
		needed := target.MinTotalValue
		if needed == nil {
			needed = big.NewInt(0)
		}
		if available.Cmp(needed) >= 0 {
			return ReserveResult{Kind: ReserveWaitForPending, Needed: needed, Available: available, Pending: big.NewInt(0)}, nil
		}
		return ReserveResult{Kind: ReserveInsufficientFunds}, nil
	}

	id, err := reserveInternal(state, tokenId, selected, purpose)
	if err != nil {
		permit.Release(1)
		return ReserveResult{}, err
	}
	return ReserveResult{Kind: ReserveSuccess, Reservation: Reservation{Outputs: selected, Id: id}}, nil
}

func reserveInternal(state *storeState, tokenId TokenIdentifier, outputs []TokenOutput, purpose ReservationPurpose) (ReservationId, error) {
	if len(outputs) == 0 {
		return "", errNonReservableOutputs
	}
	st := state.stateFor(tokenId)
	for _, o := range outputs {
		if _, ok := st.outputs[o.Id]; !ok {
			return "", errNonReservableOutputs
		}
	}

	id := ReservationId(uuid.NewString())
	entryMap := make(map[OutputId]TokenOutput, len(outputs))
	for _, o := range outputs {
		entryMap[o.Id] = o
		delete(st.outputs, o.Id)
	}
	state.reservations[id] = &reservationEntry{tokenId: tokenId, outputs: entryMap, purpose: purpose}
	log.Tracef("new token reservation %s: %d outputs of %s", id, len(outputs), tokenId)
	return id, nil
}

func processCancelReservation(state *storeState, id ReservationId, sem *semaphore.Weighted) {
	entry, ok := state.reservations[id]
	if !ok {
		return
	}
	delete(state.reservations, id)
	st := state.stateFor(entry.tokenId)
	for outId, o := range entry.outputs {
		st.outputs[outId] = o
	}
	sem.Release(1)
	log.Tracef("canceled token reservation: %s", id)
}

func processFinalizeReservation(state *storeState, id ReservationId, fallbackTokenId TokenIdentifier, newOutputs []TokenOutput, sem *semaphore.Weighted) {
	tokenId := fallbackTokenId
	entry, ok := state.reservations[id]
	if !ok {
		log.Warnf("tried to finalize a non-existing token reservation: %s", id)
	} else {
		tokenId = entry.tokenId
		delete(state.reservations, id)
		sem.Release(1)
	}

	if len(newOutputs) > 0 {
		st := state.stateFor(tokenId)
		for _, o := range newOutputs {
			st.outputs[o.Id] = o
		}
	}
	log.Tracef("finalized token reservation: %s", id)
}

// processOptimize consolidates, for each eligible token, every available
// output (up to MaxConsolidationInputs) into a single reservation destined
// for a self-payment, when the token has more than minOutputsThreshold
// available outputs. It returns one Reservation per token it acted on; the
// caller is responsible for building and broadcasting the consolidating
// transaction and then finalizing each reservation.
func processOptimize(state *storeState, only *TokenIdentifier, minOutputsThreshold int, sem *semaphore.Weighted) ([]Reservation, error) {
	if minOutputsThreshold < 2 {
		return nil, &ServiceError{Kind: ErrKindInvalidTarget, Message: "min_outputs_threshold must be >= 2"}
	}

	var targets []TokenIdentifier
	if only != nil {
		targets = []TokenIdentifier{*only}
	} else {
		for id := range state.tokens {
			targets = append(targets, id)
		}
	}

	var reservations []Reservation
	for _, tokenId := range targets {
		st := state.tokens[tokenId]
		if st == nil {
			continue
		}
		var available []TokenOutput
		for _, o := range st.outputs {
			if o.Status == StatusAvailable {
				available = append(available, o)
			}
		}
		if len(available) <= minOutputsThreshold {
			continue
		}

		sorted := sortedByAmount(available, true)
		if len(sorted) > MaxConsolidationInputs {
			sorted = sorted[:MaxConsolidationInputs]
		}

		if !sem.TryAcquire(1) {
			continue
		}
		id, err := reserveInternal(state, tokenId, sorted, PurposePayment)
		if err != nil {
			sem.Release(1)
			continue
		}
		reservations = append(reservations, Reservation{Outputs: sorted, Id: id})
	}
	return reservations, nil
}

// AddOutputs merges the given outputs for tokenId into the pool by id.
func (s *TokenOutputStore) AddOutputs(ctx context.Context, tokenId TokenIdentifier, outputs []TokenOutput) error {
	reply := make(chan error, 1)
	cmd := storeCommand{kind: cmdAddOutputs, tokenId: tokenId, outputs: outputs, replyErr: reply}
	if err := s.send(ctx, cmd); err != nil {
		return err
	}
	return s.awaitErr(ctx, reply)
}

// GetTokenOutputs returns a categorized view of outputs matching filter.
func (s *TokenOutputStore) GetTokenOutputs(ctx context.Context, filter GetTokenOutputsFilter) (Outputs, error) {
	reply := make(chan outputsReply, 1)
	cmd := storeCommand{kind: cmdGetOutputs, filter: filter, replyOutputs: reply}
	if err := s.send(ctx, cmd); err != nil {
		return Outputs{}, err
	}
	select {
	case r := <-reply:
		return r.outputs, r.err
	case <-ctx.Done():
		return Outputs{}, ctx.Err()
	case <-s.quit:
		return Outputs{}, errProcessorShutdown
	}
}

// SetTokensOutputs replaces the pool for every named token with fresh data
// from a background refresh, reconciling reservations against it.
func (s *TokenOutputStore) SetTokensOutputs(ctx context.Context, perToken map[TokenIdentifier][]TokenOutput) error {
	reply := make(chan error, 1)
	cmd := storeCommand{kind: cmdSetTokensOutputs, perTokenOutputs: perToken, replyErr: reply}
	if err := s.send(ctx, cmd); err != nil {
		return err
	}
	return s.awaitErr(ctx, reply)
}

// TryReserveOutputs attempts to reserve outputs of tokenId satisfying
// target, using strategy to break ties among equally-valid subsets. Like
// the tree store, it bounds concurrent reservations with a
// semaphore-guarded permit acquired with the configured timeout.
func (s *TokenOutputStore) TryReserveOutputs(
	ctx context.Context, tokenId TokenIdentifier, target ReservationTarget, strategy SelectionStrategy, purpose ReservationPurpose,
) (ReserveResult, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.reservationTimeout)
	defer cancel()

	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		metrics.RecordAttempt(metrics.StoreOutputs, metrics.OutcomeResourceBusy)
		return ReserveResult{}, errResourceBusy(s.maxConcurrent, s.reservationTimeout)
	}

	reply := make(chan reserveReply, 1)
	cmd := storeCommand{
		kind:         cmdTryReserveOutputs,
		tokenId:      tokenId,
		target:       target,
		strategy:     strategy,
		purpose:      purpose,
		permit:       s.sem,
		replyReserve: reply,
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

// CancelReservation returns the reservation's outputs to their token's pool
// and releases its permit.
func (s *TokenOutputStore) CancelReservation(ctx context.Context, id ReservationId) error {
	reply := make(chan error, 1)
	cmd := storeCommand{kind: cmdCancelReservation, reservationId: id, replyErr: reply}
	if err := s.send(ctx, cmd); err != nil {
		return err
	}
	return s.awaitErr(ctx, reply)
}

// FinalizeReservation consumes the reservation's outputs and adds
// newOutputs, if any, to tokenId's pool as change. tokenId is used only as
// a fallback if the reservation has already been reconciled away.
func (s *TokenOutputStore) FinalizeReservation(ctx context.Context, id ReservationId, tokenId TokenIdentifier, newOutputs []TokenOutput) error {
	reply := make(chan error, 1)
	cmd := storeCommand{kind: cmdFinalizeReservation, reservationId: id, tokenId: tokenId, newOutputs: newOutputs, replyErr: reply}
	if err := s.send(ctx, cmd); err != nil {
		return err
	}
	return s.awaitErr(ctx, reply)
}

// OptimizeTokenOutputs reserves, for consolidation, every eligible token's
// available outputs (or only tokenId's, if non-nil) whose count exceeds
// minOutputsThreshold (which must be >= 2), capped at
// MaxConsolidationInputs per token. The caller builds and broadcasts one
// self-payment transaction per returned Reservation, then calls
// FinalizeReservation with the resulting change output.
func (s *TokenOutputStore) OptimizeTokenOutputs(ctx context.Context, tokenId *TokenIdentifier, minOutputsThreshold int) ([]Reservation, error) {
	reply := make(chan optimizeReply, 1)
	cmd := storeCommand{kind: cmdOptimize, optimizeTokenId: tokenId, minOutputsThreshold: minOutputsThreshold, replyOptimize: reply}
	if err := s.send(ctx, cmd); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.reservations, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.quit:
		return nil, errProcessorShutdown
	}
}

// SubscribeBalanceChanges returns a channel receiving tokenId's current
// available balance whenever it changes, plus a cancel function.
func (s *TokenOutputStore) SubscribeBalanceChanges(tokenId TokenIdentifier) (<-chan *big.Int, func()) {
	return s.balance.Subscribe(tokenId)
}

func (s *TokenOutputStore) send(ctx context.Context, cmd storeCommand) error {
	select {
	case s.commandCh <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return errProcessorShutdown
	}
}

func (s *TokenOutputStore) awaitErr(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return errProcessorShutdown
	}
}
