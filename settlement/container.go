// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package settlement drives one party through an atomic XBT settlement.
//
// A Container is a single state machine parameterised by Role. The
// Deliverer funds a per-settlement 1-of-2 address with the pay-in; the
// Receiver spends it to itself with the pay-out once the pay-in is on
// chain. All container state is owned by one goroutine; API calls, chain
// observations, signer results and timer ticks are marshaled onto it.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/btcsuite/btcsettle/internal/ntfnqueue"
	"github.com/btcsuite/btcsettle/internal/validity"
	"github.com/btcsuite/btcsettle/internal/zero"
	"github.com/btcsuite/btcsettle/journal"
	"github.com/btcsuite/btcsettle/monitor"
	"github.com/btcsuite/btcsettle/reservation"
	"github.com/btcsuite/btcsettle/settleaddr"
	"github.com/btcsuite/btcsettle/signer"
	"github.com/btcsuite/btcsettle/txbuilder"
	"github.com/btcsuite/btcsettle/verify"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/looplab/fsm"
)

const (
	// DefaultPhaseTimeout is how long each phase waits for progress.
	DefaultPhaseTimeout = 30 * time.Second

	// DefaultTickInterval is the timer resolution.
	DefaultTickInterval = time.Second
)

var (
	// ErrNotAcceptable is returned by Accept while IsAcceptable is false.
	ErrNotAcceptable = errors.New("settlement is not acceptable")

	// ErrZeroRequestID is returned when the signer accepted a request
	// without assigning it an id. It is not retried.
	ErrZeroRequestID = errors.New("signer returned no request id")

	// ErrContainerClosed is returned once the container goroutine exited.
	ErrContainerClosed = errors.New("settlement container closed")

	// ErrProtocolViolation wraps counterparty data that breaks the
	// settlement protocol.
	ErrProtocolViolation = errors.New("counterparty protocol violation")

	// ErrTimeout is the cancel reason of an expired phase timer.
	ErrTimeout = errors.New("settlement phase timed out")

	// ErrUnverifiedCounterparty is returned when the counterparty auth
	// address is not verified.
	ErrUnverifiedCounterparty = errors.New("counterparty auth address " +
		"not verified")

	// ErrCancelled is the cancel reason of Cancel.
	ErrCancelled = errors.New("settlement cancelled")

	// ErrCounterpartyCancelled is the cancel reason of
	// OnCounterpartyCancel.
	ErrCounterpartyCancelled = errors.New("counterparty cancelled")

	// ErrPayinRevoked is the failure reason when the settlement output
	// was spent by the seller key.
	ErrPayinRevoked = errors.New("pay-in revoked")

	// ErrInvalidState is returned for calls the current state does not
	// allow.
	ErrInvalidState = errors.New("invalid settlement state")
)

// Relay carries settlement messages to the counterparty. Implementations
// must not call back into the sending container synchronously.
type Relay interface {
	// SendPayin hands the unsigned pay-in PSBT to the Receiver.
	SendPayin(ctx context.Context, settlementID string, payin []byte) error

	// SendCancel tells the counterparty the settlement was abandoned.
	SendCancel(ctx context.Context, settlementID, reason string) error
}

// AddressVerifier checks a counterparty auth address. authaddr.Manager
// implements it.
type AddressVerifier interface {
	Verify(ctx context.Context, addr btcutil.Address) (bool, error)
}

// Journal records state transitions. journal.Store implements it.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) (uuid.UUID, error)
}

// Config configures a Container.
type Config struct {
	SettlementID string
	Role         Role
	Trade        Trade

	// WalletID is the Deliverer's funding wallet, known to both the
	// chain provider and the signer.
	WalletID string

	// ChangeAddress receives the Deliverer's pay-in change.
	ChangeAddress btcutil.Address

	// AuthWalletID is the signer wallet holding OwnAuthKey. It signs the
	// pay-out and revokes, so it must allow automatic signing on the
	// Deliverer side.
	AuthWalletID string
	OwnAuthKey   *btcec.PublicKey

	CounterpartyAuthKey  *btcec.PublicKey
	CounterpartyAuthAddr btcutil.Address

	// RecvAddress receives the pay-out on the Receiver side and revoked
	// funds on the Deliverer side.
	RecvAddress btcutil.Address

	// FeePerByte is the fee rate in sat/vB. Zero means the chain's
	// estimate for FeeTarget blocks.
	FeePerByte btcutil.Amount
	FeeTarget  uint32

	ChainParams *chaincfg.Params

	Chain        chain.Interface
	Signer       signer.Container
	Relay        Relay
	Verifier     AddressVerifier
	Reservations *reservation.Registry

	// Engine is optional; one is created over Chain when nil.
	Engine *verify.Engine

	// Journal is optional.
	Journal Journal

	// Confirmations is the pay-out depth that completes the settlement.
	// Zero means monitor.DefaultConfirmations.
	Confirmations int32

	// PhaseTimeout restarts on every phase change. Zero means
	// DefaultPhaseTimeout.
	PhaseTimeout time.Duration

	// TickInterval is the period of Ticker. Zero means
	// DefaultTickInterval.
	TickInterval time.Duration

	// Ticker drives the phase timer. Nil means a ticker with
	// TickInterval.
	Ticker ticker.Ticker
}

type (
	apiCall struct {
		fn    func() error
		reply chan error
	}

	payinMsg           struct{ monitor.Payin }
	payoutMsg          struct{ monitor.Payout }
	payoutConfirmedMsg struct{ monitor.Payout }
)

// Container runs one settlement. Every container must eventually be
// cancelled or run to a terminal state; Done is closed once it has
// released everything it held.
type Container struct {
	cfg           Config
	amount        btcutil.Amount
	addr          *settleaddr.Address
	reservationID string

	fsm     *fsm.FSM
	flag    *validity.Flag
	monitor *monitor.Monitor
	engine  *verify.Engine

	inbox   *ntfnqueue.Queue[interface{}]
	events  *ntfnqueue.Queue[Event]
	signSub *signer.Subscription

	acceptable atomic.Bool

	// The fields below are owned by the run goroutine.
	walletInfo           *signer.WalletInfo
	counterpartyVerified bool
	amountValid          bool
	cancelled            bool
	active               bool

	payinReq  *txbuilder.SignRequest
	payoutReq *txbuilder.SignRequest
	payinHash chainhash.Hash
	output    *wtxmgr.Credit

	pendingSign uint32
	revokeID    uint32

	ownSignedPayin  *wire.MsgTx
	ownSignedPayout *wire.MsgTx
	payoutBroadcast bool

	observed   map[chainhash.Hash]struct{}
	payinSeen  bool
	payoutSeen bool

	remaining    time.Duration
	timerRunning bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates cfg, derives the settlement address and starts the
// container goroutine in StateCreated.
func New(cfg Config) (*Container, error) {
	switch {
	case cfg.SettlementID == "":
		return nil, errors.New("missing settlement id")

	case cfg.Chain == nil || cfg.Signer == nil || cfg.Relay == nil ||
		cfg.Verifier == nil || cfg.Reservations == nil:

		return nil, errors.New("missing settlement collaborator")

	case cfg.AuthWalletID == "" || cfg.OwnAuthKey == nil ||
		cfg.CounterpartyAuthKey == nil ||
		cfg.CounterpartyAuthAddr == nil || cfg.RecvAddress == nil:

		return nil, errors.New("incomplete settlement parties")

	case cfg.Role == RoleDeliverer &&
		(cfg.WalletID == "" || cfg.ChangeAddress == nil):

		return nil, errors.New("deliverer needs a funding wallet " +
			"and change address")

	case cfg.Role != RoleDeliverer && cfg.Role != RoleReceiver:
		return nil, fmt.Errorf("unknown role %v", cfg.Role)
	}

	amount, err := cfg.Trade.Amount()
	if err != nil {
		return nil, err
	}

	if cfg.ChainParams == nil {
		cfg.ChainParams = &chaincfg.MainNetParams
	}
	if cfg.FeeTarget == 0 {
		cfg.FeeTarget = txbuilder.DefaultFeeTarget
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultPhaseTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(cfg.TickInterval)
	}
	if cfg.Engine == nil {
		cfg.Engine = verify.NewEngine(verify.Config{Chain: cfg.Chain})
	}

	buyKey, sellKey := cfg.CounterpartyAuthKey, cfg.OwnAuthKey
	if cfg.Role == RoleReceiver {
		buyKey, sellKey = sellKey, buyKey
	}
	addr, err := settleaddr.New(
		cfg.SettlementID, buyKey, sellKey, cfg.ChainParams,
	)
	if err != nil {
		return nil, fmt.Errorf("settlement address: %w", err)
	}

	initPrometheusMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Container{
		cfg:           cfg,
		amount:        amount,
		addr:          addr,
		reservationID: cfg.SettlementID + "/" + cfg.Role.String(),
		fsm:           newFSM(),
		flag:          validity.NewFlag(),
		engine:        cfg.Engine,
		monitor: monitor.New(monitor.Config{
			Chain:         cfg.Chain,
			Engine:        cfg.Engine,
			Address:       addr,
			Confirmations: cfg.Confirmations,
		}),
		inbox:    ntfnqueue.New[interface{}](),
		events:   ntfnqueue.New[Event](),
		signSub:  cfg.Signer.Subscribe(),
		observed: make(map[chainhash.Hash]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.inbox.Start()
	c.events.Start()

	log.Debugf("Created %v settlement %s: %v to %v", cfg.Role,
		cfg.SettlementID, amount, addr)

	go c.run()

	return c, nil
}

// ID returns the settlement id.
func (c *Container) ID() string {
	return c.cfg.SettlementID
}

// Role returns the container's side.
func (c *Container) Role() Role {
	return c.cfg.Role
}

// Amount returns the XBT amount settled.
func (c *Container) Amount() btcutil.Amount {
	return c.amount
}

// Address returns the settlement address.
func (c *Container) Address() *settleaddr.Address {
	return c.addr
}

// State returns the current state.
func (c *Container) State() State {
	return State(c.fsm.Current())
}

// Events returns the event stream. It is closed after the last event once
// the container is done.
func (c *Container) Events() <-chan Event {
	return c.events.ChanOut()
}

// Done is closed when the container goroutine has exited.
func (c *Container) Done() <-chan struct{} {
	return c.done
}

// IsAcceptable reports whether Accept may be called: the amount and the
// counterparty are verified, the signing wallet is resolved, the sign
// request is built and nothing is cancelled or already being signed.
func (c *Container) IsAcceptable() bool {
	return c.acceptable.Load()
}

// Activate starts the settlement. It verifies the counterparty, resolves
// the signing wallet, starts watching the settlement address and, for the
// Deliverer, builds the pay-in and sends it to the counterparty.
func (c *Container) Activate(ctx context.Context) error {
	return c.call(ctx, func() error {
		return c.activate(ctx)
	})
}

// Accept sends the pay-in (Deliverer) or pay-out (Receiver) for signing.
// password is wiped before Accept returns. The outcome arrives
// asynchronously; a failed signature yields Error and Retry events.
func (c *Container) Accept(ctx context.Context, password []byte) error {
	defer zero.Bytes(password)

	return c.call(ctx, func() error {
		return c.accept(ctx, password)
	})
}

// Cancel abandons the settlement. It is a no-op on a finished container.
func (c *Container) Cancel(ctx context.Context) error {
	err := c.call(ctx, func() error {
		c.abort(ErrCancelled)
		return nil
	})
	if errors.Is(err, ErrContainerClosed) {
		return nil
	}

	return err
}

// OnCounterpartyCancel handles a cancel message from the counterparty.
func (c *Container) OnCounterpartyCancel(ctx context.Context,
	reason string) error {

	err := c.call(ctx, func() error {
		c.abort(fmt.Errorf("%w: %s", ErrCounterpartyCancelled, reason))
		return nil
	})
	if errors.Is(err, ErrContainerClosed) {
		return nil
	}

	return err
}

// OnCounterpartyPayin hands the Receiver the Deliverer's unsigned pay-in.
// A pay-in that breaks the protocol fails the settlement.
func (c *Container) OnCounterpartyPayin(ctx context.Context,
	payin []byte) error {

	return c.call(ctx, func() error {
		return c.counterpartyPayin(ctx, payin)
	})
}

func (c *Container) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !c.inbox.Enqueue(apiCall{fn: fn, reply: reply}) {
		return ErrContainerClosed
	}

	select {
	case err := <-reply:
		return err

	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrContainerClosed
		}

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Container) run() {
	defer c.shutdown()

	results := c.signSub.Notifications()
	for !c.finished() {
		select {
		case msg, ok := <-c.inbox.ChanOut():
			if !ok {
				return
			}
			c.handle(msg)

		case res, ok := <-results:
			if !ok {
				log.Warnf("Settlement %s: signer results "+
					"closed", c.cfg.SettlementID)
				results = nil
				continue
			}
			c.onSignResult(res)

		case <-c.cfg.Ticker.Ticks():
			c.onTick()
		}

		c.acceptable.Store(c.isAcceptable())
	}
}

// finished reports whether the goroutine may exit: the state is terminal
// and no revoke is in flight.
func (c *Container) finished() bool {
	return c.State().Terminal() && c.revokeID == 0
}

func (c *Container) handle(msg interface{}) {
	switch m := msg.(type) {
	case apiCall:
		err := m.fn()
		c.acceptable.Store(c.isAcceptable())
		m.reply <- err

	case payinMsg:
		c.onPayin(m.Payin)

	case payoutMsg:
		c.onPayout(m.Payout)

	case payoutConfirmedMsg:
		c.onPayoutConfirmed(m.Payout)
	}
}

func (c *Container) shutdown() {
	c.deactivate()
	c.cfg.Ticker.Stop()
	c.signSub.Cancel()
	c.cancel()
	c.inbox.Stop()
	c.acceptable.Store(false)
	c.events.Close()
	close(c.done)

	log.Debugf("Settlement %s (%v) done in state %v", c.cfg.SettlementID,
		c.cfg.Role, c.State())
}

func (c *Container) activate(ctx context.Context) error {
	if c.State() != StateCreated {
		return fmt.Errorf("%w: activate in %v", ErrInvalidState,
			c.State())
	}

	c.transition(evActivate, "", nil)
	c.active = true
	prometheusActive.WithLabelValues(c.cfg.Role.String()).Inc()
	c.startTimer()

	c.emit(Info{Text: fmt.Sprintf("Settling %v through %v", c.amount,
		c.addr)})

	steps := []func(context.Context) error{
		c.verifyCounterparty,
		c.resolveWallet,
		c.startMonitor,
	}
	if c.cfg.Role == RoleDeliverer {
		steps = append(steps, c.preparePayin)
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			c.fail(err)
			return err
		}
	}

	if c.cfg.Role == RoleReceiver {
		c.emit(Info{Text: "Waiting for the counterparty pay-in"})
	}
	c.checkReady()

	return nil
}

func (c *Container) verifyCounterparty(ctx context.Context) error {
	addr := c.cfg.CounterpartyAuthAddr

	ok, err := c.cfg.Verifier.Verify(ctx, addr)
	c.emit(GenAddressVerified{Verified: ok && err == nil})
	switch {
	case err != nil:
		return fmt.Errorf("verify %v: %w", addr, err)

	case !ok:
		return fmt.Errorf("%w: %v", ErrUnverifiedCounterparty, addr)
	}

	c.counterpartyVerified = true

	return nil
}

// resolveWallet fetches the signing wallet's protection metadata and
// announces the settlement address to the signer.
func (c *Container) resolveWallet(ctx context.Context) error {
	walletID := c.cfg.AuthWalletID
	if c.cfg.Role == RoleDeliverer {
		walletID = c.cfg.WalletID
	}

	info, err := c.cfg.Signer.GetInfo(ctx, walletID)
	if err != nil {
		return fmt.Errorf("wallet info of %s: %w", walletID, err)
	}

	err = c.cfg.Signer.SyncAddresses(ctx, []signer.AddressPair{{
		WalletID: c.cfg.AuthWalletID,
		Address:  c.addr.Address(),
	}})
	if err != nil {
		return fmt.Errorf("sync settlement address: %w", err)
	}

	c.walletInfo = info

	return nil
}

func (c *Container) startMonitor(ctx context.Context) error {
	h := c.flag.Handle()
	post := func(msg interface{}) {
		h.Run(func() {
			c.inbox.Enqueue(msg)
		})
	}

	return c.monitor.Start(ctx,
		func(p monitor.Payin) { post(payinMsg{p}) },
		func(p monitor.Payout) { post(payoutMsg{p}) },
		func(p monitor.Payout) { post(payoutConfirmedMsg{p}) },
	)
}

func (c *Container) feeRate(ctx context.Context) (btcutil.Amount, error) {
	if c.cfg.FeePerByte > 0 {
		return c.cfg.FeePerByte, nil
	}

	rate, err := c.cfg.Chain.EstimateFee(ctx, c.cfg.FeeTarget)
	if err != nil {
		return 0, fmt.Errorf("fee estimate: %w", err)
	}

	return rate, nil
}

// signRequest returns the request Accept signs and its kind.
func (c *Container) signRequest() (*txbuilder.SignRequest, string) {
	if c.cfg.Role == RoleDeliverer {
		return c.payinReq, "payin"
	}

	return c.payoutReq, "payout"
}

func (c *Container) ready() bool {
	req, _ := c.signRequest()

	return c.amountValid && c.counterpartyVerified &&
		c.walletInfo != nil && !c.cancelled && req != nil
}

func (c *Container) isAcceptable() bool {
	return c.State() == StateAwaitingSignature && c.ready() &&
		c.pendingSign == 0
}

func (c *Container) checkReady() {
	if c.State() != StateActivating || !c.ready() {
		return
	}

	c.transition(evReady, "", nil)
	c.startTimer()
	c.emit(ReadyToAccept{})
}

func (c *Container) accept(ctx context.Context, password []byte) error {
	if !c.isAcceptable() {
		return ErrNotAcceptable
	}

	req, kind := c.signRequest()
	autoSign := !c.walletInfo.Encrypted()

	id, err := c.cfg.Signer.SignPartialTXRequest(
		ctx, req, autoSign, password,
	)
	switch {
	case err != nil:
		c.countSign(kind, "error")
		c.emit(Error{Err: err})
		c.emit(Retry{Err: err})

		return err

	case id == 0:
		c.countSign(kind, "error")
		c.fail(ErrZeroRequestID)

		return ErrZeroRequestID
	}

	c.pendingSign = id
	c.emit(Info{Text: fmt.Sprintf("Sent %s %v for signing "+
		"(request %d)", kind, req.Tx().TxHash(), id)})

	return nil
}

// onSignResult dispatches a signer result by request id. Results of other
// containers sharing the signer are ignored.
func (c *Container) onSignResult(res signer.SignResult) {
	switch {
	case res.RequestID == 0:

	case res.RequestID == c.pendingSign:
		c.pendingSign = 0
		if c.State().Terminal() {
			log.Debugf("Settlement %s: discarding result of "+
				"request %d", c.cfg.SettlementID, res.RequestID)
			return
		}
		c.onSigned(res)

	case res.RequestID == c.revokeID:
		c.revokeID = 0
		c.onRevokeSigned(res)

	default:
		log.Tracef("Settlement %s: ignoring sign result %d",
			c.cfg.SettlementID, res.RequestID)
	}
}

func (c *Container) onSigned(res signer.SignResult) {
	_, kind := c.signRequest()

	if err := res.Err(); err != nil {
		c.countSign(kind, "error")
		c.emit(Error{Err: err})
		c.emit(Retry{Err: err})
		return
	}
	c.countSign(kind, "ok")

	if c.cfg.Role == RoleDeliverer {
		c.payinSigned(res.SignedTx)
	} else {
		c.payoutSigned(res.SignedTx)
	}
}

func (c *Container) onPayin(p monitor.Payin) {
	if c.State().Terminal() {
		return
	}

	c.observed[p.Hash] = struct{}{}
	if c.payinHash != p.Hash {
		log.Debugf("Settlement %s: unexpected pay-in %v",
			c.cfg.SettlementID, p.Hash)
		return
	}

	if !c.payinSeen {
		c.payinSeen = true
		c.emit(Info{Text: fmt.Sprintf("Pay-in %v seen with %d "+
			"confirmation(s)", p.Hash, p.Confirmations)})
	}

	if c.ownSignedPayout != nil && !c.payoutBroadcast {
		c.broadcastPayout()
	}
}

func (c *Container) onPayout(p monitor.Payout) {
	if c.State().Terminal() {
		return
	}
	c.payoutSeen = true

	switch p.Signer {
	case verify.SignedByBuyer:
		if c.State() == StateAwaitingCounterparty {
			c.transition(evBroadcast, "pay-out seen", &p.Hash)
			c.startTimer()
		}
		c.emit(Info{Text: fmt.Sprintf("Pay-out %v seen with %d "+
			"confirmation(s)", p.Hash, p.Confirmations)})

	case verify.SignedBySeller:
		c.fail(fmt.Errorf("%w: settlement output spent by %v",
			ErrPayinRevoked, p.Hash))

	default:
		c.fail(fmt.Errorf("pay-out %v has no known signer: %w",
			p.Hash, p.SignerErr))
	}
}

func (c *Container) onPayoutConfirmed(p monitor.Payout) {
	if c.State().Terminal() || p.Signer != verify.SignedByBuyer {
		return
	}
	if c.State() == StateAwaitingCounterparty {
		c.transition(evBroadcast, "pay-out seen", &p.Hash)
	}

	c.deactivate()
	c.transition(evComplete, "pay-out confirmed", &p.Hash)
	c.emit(SettlementAccepted{PayoutHash: p.Hash})
}

func (c *Container) startTimer() {
	c.remaining = c.cfg.PhaseTimeout
	if !c.timerRunning {
		c.cfg.Ticker.Resume()
		c.timerRunning = true
	}
	c.emit(TimerStarted{Duration: c.remaining})
}

func (c *Container) stopTimer() {
	if c.timerRunning {
		c.cfg.Ticker.Pause()
		c.timerRunning = false
	}
}

func (c *Container) onTick() {
	if !c.timerRunning || c.State().Terminal() {
		return
	}

	c.remaining -= c.cfg.TickInterval
	if c.remaining > 0 {
		c.emit(TimerTick{Remaining: c.remaining})
		return
	}

	c.remaining = 0
	c.stopTimer()
	c.emit(TimerExpired{})

	state := c.State()
	prometheusTimeouts.WithLabelValues(
		c.cfg.Role.String(), string(state),
	).Inc()

	// Once the pay-out is out only its confirmation is pending and there
	// is nothing left to cancel.
	if state == StateAwaitingBroadcastConfirmation {
		c.emit(Info{Text: "Pay-out is still waiting for " +
			"confirmations"})
		return
	}

	err := fmt.Errorf("%w in state %v", ErrTimeout, state)
	c.emit(Error{Err: err})
	c.abort(err)
}

// abort cancels the settlement for reason.
func (c *Container) abort(reason error) {
	if c.State().Terminal() {
		return
	}

	c.cancelled = true
	c.secure()
	c.deactivate()
	c.transition(evCancel, reason.Error(), nil)
	c.emit(SettlementCancelled{Reason: reason})

	if !errors.Is(reason, ErrCounterpartyCancelled) {
		c.notifyCounterparty(reason)
	}
}

// fail ends the settlement in StateFailed.
func (c *Container) fail(err error) {
	if c.State().Terminal() {
		return
	}

	log.Errorf("Settlement %s (%v) failed: %v", c.cfg.SettlementID,
		c.cfg.Role, err)

	c.emit(Error{Err: err})
	c.secure()
	c.deactivate()
	c.transition(evFail, err.Error(), nil)
	c.notifyCounterparty(err)
}

// secure makes sure no signed transaction of this party can still move the
// settlement funds once the settlement is abandoned.
func (c *Container) secure() {
	switch c.cfg.Role {
	case RoleDeliverer:
		if c.ownSignedPayin != nil && !c.payoutSeen {
			c.revoke()
		}

	case RoleReceiver:
		if c.ownSignedPayout != nil && !c.payoutBroadcast {
			c.ownSignedPayout = nil
			c.emit(Info{Text: "Discarded the unbroadcast pay-out"})
		}
	}
}

// deactivate releases everything the container holds. It runs on every
// exit edge and is safe to repeat.
func (c *Container) deactivate() {
	c.stopTimer()
	c.flag.Invalidate()
	c.monitor.Stop()

	if c.cfg.Reservations.Unreserve(c.reservationID) {
		log.Debugf("Settlement %s: released reservation %s",
			c.cfg.SettlementID, c.reservationID)
	}

	if c.active {
		c.active = false
		prometheusActive.WithLabelValues(c.cfg.Role.String()).Dec()
	}
}

func (c *Container) notifyCounterparty(reason error) {
	err := c.cfg.Relay.SendCancel(
		c.ctx, c.cfg.SettlementID, reason.Error(),
	)
	if err != nil {
		log.Warnf("Settlement %s: unable to notify counterparty: %v",
			c.cfg.SettlementID, err)
	}
}

func (c *Container) transition(event, detail string, txHash *chainhash.Hash) {
	from := c.State()

	err := c.fsm.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		log.Errorf("Settlement %s: %s in state %v: %v",
			c.cfg.SettlementID, event, from, err)
		return
	}
	to := c.State()

	log.Infof("Settlement %s (%v): %v -> %v", c.cfg.SettlementID,
		c.cfg.Role, from, to)

	role := c.cfg.Role.String()
	prometheusTransitions.WithLabelValues(role, event).Inc()
	if to.Terminal() {
		prometheusOutcomes.WithLabelValues(role, string(to)).Inc()
	}

	c.emit(StateChanged{From: from, To: to})
	c.record(event, detail, txHash)
}

func (c *Container) record(event, detail string, txHash *chainhash.Hash) {
	if c.cfg.Journal == nil {
		return
	}

	e := journal.Entry{
		SettlementID: c.cfg.SettlementID,
		Role:         c.cfg.Role.String(),
		State:        string(c.State()),
		Event:        event,
		Detail:       detail,
	}
	if txHash != nil {
		e.TxHash = txHash.String()
	}

	if _, err := c.cfg.Journal.Record(c.ctx, e); err != nil {
		log.Warnf("Settlement %s: journal: %v", c.cfg.SettlementID,
			err)
	}
}

func (c *Container) emit(e Event) {
	log.Tracef("Settlement %s: %s %+v", c.cfg.SettlementID, e.Name(), e)
	c.events.Enqueue(e)
}

func (c *Container) countSign(kind, result string) {
	prometheusSignReqs.WithLabelValues(
		c.cfg.Role.String(), kind, result,
	).Inc()
}
