// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package monitor watches a settlement address on chain. It reports the
// pay-in funding the address, the pay-out spending it, who signed the
// pay-out and how deep both are buried.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/btcsuite/btcsettle/internal/validity"
	"github.com/btcsuite/btcsettle/settleaddr"
	"github.com/btcsuite/btcsettle/verify"
	"github.com/looplab/fsm"
)

// DefaultConfirmations is the depth at which a pay-out is final.
const DefaultConfirmations = 6

var (
	// ErrAlreadyStarted is returned by Start on a monitor that was
	// started before.
	ErrAlreadyStarted = errors.New("monitor already started")

	// ErrNoCallback is returned when Start is missing a callback.
	ErrNoCallback = errors.New("missing monitor callback")

	// ErrStopped is returned by a Start that Stop overtook.
	ErrStopped = errors.New("monitor stopped")
)

// State is a monitor state.
type State string

const (
	StateIdle              State = "Idle"
	StateWatchingForPayin  State = "WatchingForPayin"
	StatePayinSeen         State = "PayinSeen"
	StateWatchingForPayout State = "WatchingForPayout"
	StatePayoutSeen        State = "PayoutSeen"
	StatePayoutConfirmed   State = "PayoutConfirmed"
)

const (
	evStart           = "start"
	evPayin           = "payin"
	evPayinConfirmed  = "payinConfirmed"
	evPayout          = "payout"
	evPayoutConfirmed = "payoutConfirmed"
	evStop            = "stop"
)

func newFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{
				Name: evStart,
				Src:  []string{string(StateIdle)},
				Dst:  string(StateWatchingForPayin),
			},
			{
				Name: evPayin,
				Src:  []string{string(StateWatchingForPayin)},
				Dst:  string(StatePayinSeen),
			},
			{
				Name: evPayinConfirmed,
				Src:  []string{string(StatePayinSeen)},
				Dst:  string(StateWatchingForPayout),
			},
			{
				Name: evPayout,
				Src: []string{
					string(StateWatchingForPayin),
					string(StatePayinSeen),
					string(StateWatchingForPayout),
				},
				Dst: string(StatePayoutSeen),
			},
			{
				Name: evPayoutConfirmed,
				Src:  []string{string(StatePayoutSeen)},
				Dst:  string(StatePayoutConfirmed),
			},
			{
				Name: evStop,
				Src: []string{
					string(StateWatchingForPayin),
					string(StatePayinSeen),
					string(StateWatchingForPayout),
					string(StatePayoutSeen),
					string(StatePayoutConfirmed),
				},
				Dst: string(StateIdle),
			},
		},
		fsm.Callbacks{},
	)
}

// Payin describes a transaction funding the settlement address.
type Payin struct {
	Tx   *wire.MsgTx
	Hash chainhash.Hash

	// Outputs are the indexes of the outputs paying the address.
	Outputs []uint32
	Value   btcutil.Amount

	Confirmations int32
}

// Payout describes a transaction spending the settlement address.
type Payout struct {
	Tx   *wire.MsgTx
	Hash chainhash.Hash

	// Signer is SignerUndefined when SignerErr is set.
	Signer    verify.PayoutSigner
	SignerErr error

	Confirmations int32
}

// Callbacks passed to Start. They run on the monitor's goroutine and must
// not call Stop.
type (
	PayinFunc  func(Payin)
	PayoutFunc func(Payout)
)

// Config configures a Monitor.
type Config struct {
	Chain   chain.Interface
	Engine  *verify.Engine
	Address *settleaddr.Address

	// Confirmations is the pay-out depth reported as final. Zero means
	// DefaultConfirmations.
	Confirmations int32
}

type tracked struct {
	tx     *wire.MsgTx
	height int32 // zero while unmined
	confs  int32
	payout bool

	signer    verify.PayoutSigner
	signerErr error
	final     bool
}

// Monitor watches one settlement address for the lifetime of a trade.
type Monitor struct {
	cfg Config
	fsm *fsm.FSM

	flag *validity.Flag

	mtx     sync.Mutex
	started bool
	stopped bool
	regID   string
	sub     *chain.Subscription
	txs     map[chainhash.Hash]*tracked

	onPayin           PayinFunc
	onPayout          PayoutFunc
	onPayoutConfirmed PayoutFunc

	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates an idle monitor.
func New(cfg Config) *Monitor {
	if cfg.Confirmations <= 0 {
		cfg.Confirmations = DefaultConfirmations
	}

	return &Monitor{
		cfg:  cfg,
		fsm:  newFSM(),
		flag: validity.NewFlag(),
		txs:  make(map[chainhash.Hash]*tracked),
		quit: make(chan struct{}),
	}
}

// ConfirmationsThreshold returns the pay-out depth reported through
// onPayoutConfirmed.
func (m *Monitor) ConfirmationsThreshold() int32 {
	return m.cfg.Confirmations
}

// State returns the current state.
func (m *Monitor) State() State {
	return State(m.fsm.Current())
}

// Address returns the watched settlement address.
func (m *Monitor) Address() *settleaddr.Address {
	return m.cfg.Address
}

// Start registers the settlement address with the chain provider and
// begins delivering callbacks. onPayin and onPayout fire when a
// transaction is first seen and again whenever its confirmation count
// grows; onPayoutConfirmed fires once when the pay-out reaches the
// threshold.
func (m *Monitor) Start(ctx context.Context, onPayin PayinFunc,
	onPayout, onPayoutConfirmed PayoutFunc) error {

	if onPayin == nil || onPayout == nil || onPayoutConfirmed == nil {
		return ErrNoCallback
	}

	m.mtx.Lock()
	if m.started {
		m.mtx.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.onPayin = onPayin
	m.onPayout = onPayout
	m.onPayoutConfirmed = onPayoutConfirmed
	m.mtx.Unlock()

	addr := m.cfg.Address
	walletID := addr.WalletID()

	// Subscribe first so nothing between the history scan and the
	// registration is missed.
	sub := m.cfg.Chain.Subscribe()
	regID, err := m.cfg.Chain.RegisterWallet(
		ctx, walletID, []btcutil.Address{addr.Address()},
	)
	if err != nil {
		sub.Cancel()
		return fmt.Errorf("register %s: %w", walletID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	// A Stop that ran during registration had nothing to release.
	m.mtx.Lock()
	if m.stopped {
		m.mtx.Unlock()

		cancel()
		sub.Cancel()
		m.cfg.Chain.UnregisterWallet(regID)

		return ErrStopped
	}
	m.regID = regID
	m.sub = sub
	m.cancel = cancel
	m.wg.Add(1)
	m.mtx.Unlock()

	m.fire(evStart)

	history, err := m.cfg.Chain.TxHistory(ctx, walletID)
	if err != nil {
		log.Warnf("Settlement %s: history unavailable: %v",
			addr.SettlementID, err)
	}

	log.Infof("Watching settlement address %v of %s (reg %s)",
		addr, addr.SettlementID, regID)

	go m.run(runCtx, m.flag.Handle(), history)

	return nil
}

// Stop unregisters from the chain provider and stops callbacks. No
// callback runs after Stop returns. It is safe to call more than once and
// on a monitor that was never started.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		m.mtx.Lock()
		m.started = true
		m.stopped = true
		cancel, sub, regID := m.cancel, m.sub, m.regID
		m.mtx.Unlock()

		if cancel != nil {
			cancel()
		}
		m.flag.Invalidate()
		close(m.quit)
		if sub != nil {
			sub.Cancel()
		}
		m.wg.Wait()

		if regID != "" {
			m.cfg.Chain.UnregisterWallet(regID)
		}
		m.fire(evStop)

		log.Debugf("Stopped monitor of settlement %s",
			m.cfg.Address.SettlementID)
	})
}

func (m *Monitor) fire(event string) {
	err := m.fsm.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		log.Tracef("Settlement %s: %s in state %s: %v",
			m.cfg.Address.SettlementID, event, m.fsm.Current(), err)
	}
}

func (m *Monitor) run(ctx context.Context, h validity.Handle,
	history []*chain.TxEntry) {

	defer m.wg.Done()

	best, _, err := m.cfg.Chain.BestBlock(ctx)
	if err != nil {
		log.Warnf("Settlement %s: best block: %v",
			m.cfg.Address.SettlementID, err)
	}
	for _, entry := range history {
		height := int32(0)
		if entry.Block != nil {
			height = entry.Block.Height
		}
		m.observe(ctx, h, entry.Tx, height, best)
	}

	for {
		select {
		case n, ok := <-m.sub.Notifications():
			if !ok {
				return
			}

			switch n := n.(type) {
			case chain.RelevantTx:
				if !n.HasRegistration(m.regID) {
					continue
				}
				height := int32(0)
				if n.Block != nil {
					height = n.Block.Height
					if height > best {
						best = height
					}
				}
				m.observe(ctx, h, &n.TxRecord.MsgTx, height, best)

			case chain.BlockConnected:
				best = n.Height
				m.blockConnected(h, best)
			}

		case <-m.quit:
			return
		}
	}
}

// observe classifies a transaction touching the address and records it.
func (m *Monitor) observe(ctx context.Context, h validity.Handle,
	tx *wire.MsgTx, height, best int32) {

	hash := tx.TxHash()
	t, ok := m.txs[hash]
	if !ok {
		t = m.classify(ctx, tx)
		if t == nil {
			return
		}
		m.txs[hash] = t
	}
	if height > 0 && t.height == 0 {
		t.height = height
	}

	m.report(h, hash, t, best, !ok)
}

func (m *Monitor) classify(ctx context.Context, tx *wire.MsgTx) *tracked {
	addr := m.cfg.Address

	if _, _, err := verify.FindSettlementInput(tx, addr); err == nil {
		signer, err := m.cfg.Engine.PayoutSigner(ctx, tx, addr)

		log.Infof("Settlement %s: pay-out %v signed by %v",
			addr.SettlementID, tx.TxHash(), signer)

		return &tracked{
			tx:        tx,
			payout:    true,
			signer:    signer,
			signerErr: err,
		}
	}

	for _, out := range tx.TxOut {
		if string(out.PkScript) == string(addr.PkScript) {
			log.Infof("Settlement %s: pay-in %v",
				addr.SettlementID, tx.TxHash())

			return &tracked{tx: tx}
		}
	}

	return nil
}

func (m *Monitor) blockConnected(h validity.Handle, best int32) {
	for hash, t := range m.txs {
		m.report(h, hash, t, best, false)
	}
}

// report delivers callbacks for t when it is new or deeper than last
// reported. Confirmation counts never decrease.
func (m *Monitor) report(h validity.Handle, hash chainhash.Hash, t *tracked,
	best int32, isNew bool) {

	confs := int32(0)
	if t.height > 0 && best >= t.height {
		confs = best - t.height + 1
	}
	if confs <= t.confs && !isNew {
		return
	}
	if confs > t.confs {
		t.confs = confs
	}

	if !t.payout {
		m.fire(evPayin)
		if t.confs > 0 {
			m.fire(evPayinConfirmed)
		}

		ev := Payin{
			Tx:            t.tx,
			Hash:          hash,
			Confirmations: t.confs,
		}
		for i, out := range t.tx.TxOut {
			if string(out.PkScript) ==
				string(m.cfg.Address.PkScript) {

				ev.Outputs = append(ev.Outputs, uint32(i))
				ev.Value += btcutil.Amount(out.Value)
			}
		}
		h.Run(func() { m.onPayin(ev) })

		return
	}

	m.fire(evPayout)

	ev := Payout{
		Tx:            t.tx,
		Hash:          hash,
		Signer:        t.signer,
		SignerErr:     t.signerErr,
		Confirmations: t.confs,
	}
	h.Run(func() { m.onPayout(ev) })

	if t.final || t.confs < m.cfg.Confirmations {
		return
	}
	t.final = true
	m.fire(evPayoutConfirmed)

	log.Infof("Settlement %s: pay-out %v final at %d confirmations",
		m.cfg.Address.SettlementID, hash, t.confs)

	h.Run(func() { m.onPayoutConfirmed(ev) })
}
