// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txbuilder turns a wallet's spendable outputs, a recipient list and
// a fee policy into consistent unsigned transactions ready for a signer.
package txbuilder

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/btcsuite/btcsettle/reservation"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultMaxFeeRate is the default ceiling for fee rates, in sat/vB.
	DefaultMaxFeeRate btcutil.Amount = 1000

	// DefaultFeeTarget is the confirmation target used by
	// EstimateFeeRate.
	DefaultFeeTarget = 2
)

// placeholderChangeScript stands in for the change output while its address
// is not yet known.
var placeholderChangeScript = append(
	[]byte{txscript.OP_0, txscript.OP_DATA_20}, make([]byte, 20)...,
)

// Config holds the builder's collaborators and policy flags.
type Config struct {
	// Chain provides spendable outputs and fee estimates.
	Chain chain.Interface

	// Reservations filters out outputs held by other settlements.
	Reservations *reservation.Registry

	// ChainParams is the network addresses are decoded for.
	ChainParams *chaincfg.Params

	// ConfirmedOnly excludes unconfirmed outputs.
	ConfirmedOnly bool

	// SegWitOnly excludes outputs that are not native witness programs.
	SegWitOnly bool

	// MaxFeeRate caps the fee rate in sat/vB. Zero means
	// DefaultMaxFeeRate.
	MaxFeeRate btcutil.Amount
}

// Recipient is one pending output.
type Recipient struct {
	ID      uint32
	Address btcutil.Address
	Amount  btcutil.Amount
	IsMax   bool
}

// Ready reports whether the recipient resolves to a concrete output.
func (r *Recipient) Ready() bool {
	if r.Address == nil {
		return false
	}

	return r.IsMax || r.Amount > 0
}

func (r *Recipient) txOut(amount btcutil.Amount) (*wire.TxOut, error) {
	pkScript, err := txscript.PayToAddrScript(r.Address)
	if err != nil {
		return nil, err
	}

	return wire.NewTxOut(int64(amount), pkScript), nil
}

// Summary describes the transaction the builder would currently produce.
// When Initialized is false the other fields are zero.
type Summary struct {
	Initialized      bool
	AvailableBalance btcutil.Amount
	BalanceToSpend   btcutil.Amount
	TotalFee         btcutil.Amount
	FeePerByte       btcutil.Amount
	TxVirtSize       int
	HasChange        bool
	SelectedBalance  btcutil.Amount
	UsedTransactions int
	OutputsCount     int
	IsAutoSelected   bool
}

// buildResult is a fully computed transaction layout.
type buildResult struct {
	summary     Summary
	tx          *wire.MsgTx
	inputs      []Input
	changeIndex int
}

// Builder computes transaction summaries and sign requests for one wallet.
// Every mutation recomputes the summary unless updates are disabled.
type Builder struct {
	cfg Config

	mtx sync.Mutex

	walletID string
	listing  []wtxmgr.Credit

	recipients map[uint32]*Recipient
	nextID     uint32

	feePerByte btcutil.Amount
	totalFee   btcutil.Amount

	// manual holds the manually selected outpoints. None means automatic
	// selection.
	manual fn.Option[[]wire.OutPoint]

	updatesDisabled int
	dirty           bool

	summary Summary
	lastErr error

	sizer sizeFunc
}

// New creates a builder.
func New(cfg Config) *Builder {
	if cfg.MaxFeeRate == 0 {
		cfg.MaxFeeRate = DefaultMaxFeeRate
	}
	if cfg.ChainParams == nil {
		cfg.ChainParams = &chaincfg.MainNetParams
	}

	return &Builder{
		cfg:        cfg,
		recipients: make(map[uint32]*Recipient),
		nextID:     1,
		manual:     fn.None[[]wire.OutPoint](),
		sizer:      estimateVirtualSize,
	}
}

// SetWallet switches the spendable output source and reloads its outputs.
// Cached state and any manual selection are dropped.
func (b *Builder) SetWallet(ctx context.Context, walletID string) error {
	listing, err := b.loadOutputs(ctx, walletID)

	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.walletID = walletID
	b.listing = nil
	b.manual = fn.None[[]wire.OutPoint]()
	b.summary = Summary{}

	if err != nil {
		b.lastErr = err
		return err
	}

	b.listing = listing
	b.changedLocked()

	return nil
}

// Reload refreshes the spendable outputs of the current wallet.
func (b *Builder) Reload(ctx context.Context) error {
	b.mtx.Lock()
	walletID := b.walletID
	b.mtx.Unlock()

	if walletID == "" {
		return ErrNoWallet
	}

	listing, err := b.loadOutputs(ctx, walletID)
	if err != nil {
		return err
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.walletID != walletID {
		return nil
	}
	b.listing = listing
	b.changedLocked()

	return nil
}

func (b *Builder) loadOutputs(ctx context.Context,
	walletID string) ([]wtxmgr.Credit, error) {

	if b.cfg.Chain == nil {
		return nil, ErrNoWallet
	}

	listing, err := b.cfg.Chain.SpendableOutputs(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("unable to load spendable outputs "+
			"of %s: %w", walletID, err)
	}

	if !b.cfg.ConfirmedOnly {
		zc, err := b.cfg.Chain.SpendableZC(ctx, walletID)
		if err != nil {
			return nil, fmt.Errorf("unable to load unconfirmed "+
				"outputs of %s: %w", walletID, err)
		}
		listing = append(listing, zc...)
	}

	return listing, nil
}

// EstimateFeeRate sets the fee rate from the chain's estimate for the given
// confirmation target.
func (b *Builder) EstimateFeeRate(ctx context.Context, blocks uint32) error {
	rate, err := b.cfg.Chain.EstimateFee(ctx, blocks)
	if err != nil {
		return err
	}

	return b.SetFeePerByte(rate)
}

// SpendableInputs returns the current wallet's outputs that pass the policy
// flags and are not reserved. The listing is re-filtered on every call.
func (b *Builder) SpendableInputs() []Input {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return b.eligibleLocked()
}

func (b *Builder) eligibleLocked() []Input {
	listing := b.listing
	if b.cfg.Reservations != nil {
		listing = b.cfg.Reservations.Filter(b.walletID, listing)
	}

	var eligible []Input
	for _, in := range Decorate(listing) {
		if b.cfg.SegWitOnly && !in.Kind.IsSegWit() {
			continue
		}
		if b.cfg.ConfirmedOnly && in.Height < 0 {
			continue
		}
		eligible = append(eligible, in)
	}

	return eligible
}

// RegisterRecipient adds an empty recipient and returns its id.
func (b *Builder) RegisterRecipient() uint32 {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	id := b.nextID
	b.nextID++
	b.recipients[id] = &Recipient{ID: id}

	b.changedLocked()

	return id
}

// UpdateRecipient sets a recipient's address and fixed amount.
func (b *Builder) UpdateRecipient(id uint32, amount btcutil.Amount,
	addr btcutil.Address) error {

	if amount < 0 {
		return ErrInvalidAmount
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	r, ok := b.recipients[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRecipient, id)
	}
	r.Address = addr
	r.Amount = amount
	r.IsMax = false

	b.changedLocked()

	return nil
}

// UpdateRecipientMax makes a recipient receive everything left after the
// other recipients and the fee.
func (b *Builder) UpdateRecipientMax(id uint32, addr btcutil.Address) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	r, ok := b.recipients[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRecipient, id)
	}
	r.Address = addr
	r.Amount = 0
	r.IsMax = true

	b.changedLocked()

	return nil
}

// RemoveRecipient drops a recipient.
func (b *Builder) RemoveRecipient(id uint32) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if _, ok := b.recipients[id]; !ok {
		return
	}
	delete(b.recipients, id)

	b.changedLocked()
}

// Recipients returns the recipients ordered by id.
func (b *Builder) Recipients() []Recipient {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	recipients := make([]Recipient, 0, len(b.recipients))
	for _, r := range b.sortedRecipientsLocked() {
		recipients = append(recipients, *r)
	}

	return recipients
}

// RecipientsReady reports whether there is at least one recipient and all
// of them are ready.
func (b *Builder) RecipientsReady() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return b.recipientsReadyLocked()
}

func (b *Builder) recipientsReadyLocked() bool {
	if len(b.recipients) == 0 {
		return false
	}
	for _, r := range b.recipients {
		if !r.Ready() {
			return false
		}
	}

	return true
}

func (b *Builder) sortedRecipientsLocked() []*Recipient {
	recipients := make([]*Recipient, 0, len(b.recipients))
	for _, r := range b.recipients {
		recipients = append(recipients, r)
	}
	sort.Slice(recipients, func(i, j int) bool {
		return recipients[i].ID < recipients[j].ID
	})

	return recipients
}

// SetFeePerByte sets the fee rate in sat/vB and clears any total fee.
func (b *Builder) SetFeePerByte(rate btcutil.Amount) error {
	if rate < 0 {
		return ErrInvalidAmount
	}
	if rate > b.cfg.MaxFeeRate {
		return fmt.Errorf("%w: %d sat/vB > %d sat/vB",
			ErrFeeRateTooLarge, rate, b.cfg.MaxFeeRate)
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.feePerByte = rate
	b.totalFee = 0

	b.changedLocked()

	return nil
}

// SetTotalFee sets an absolute fee and clears any fee rate.
func (b *Builder) SetTotalFee(fee btcutil.Amount) error {
	if fee < 0 {
		return ErrInvalidAmount
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.totalFee = fee
	b.feePerByte = 0

	b.changedLocked()

	return nil
}

// SelectInputs switches to manual selection of the given outpoints.
func (b *Builder) SelectInputs(ops []wire.OutPoint) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.manual = fn.Some(append([]wire.OutPoint(nil), ops...))

	b.changedLocked()
}

// UseAutoSelection switches back to automatic coin selection.
func (b *Builder) UseAutoSelection() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.manual = fn.None[[]wire.OutPoint]()

	b.changedLocked()
}

// DisableUpdates suspends recomputation during bulk edits. Calls nest.
func (b *Builder) DisableUpdates() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.updatesDisabled++
}

// EnableUpdates ends a DisableUpdates section and recomputes once if
// anything changed meanwhile.
func (b *Builder) EnableUpdates() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.updatesDisabled == 0 {
		return
	}
	b.updatesDisabled--

	if b.updatesDisabled == 0 && b.dirty {
		b.recomputeLocked()
	}
}

// Summary returns the current summary and the error of the last
// recomputation, if it failed.
func (b *Builder) Summary() (Summary, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return b.summary, b.lastErr
}

// SelectedInputs returns the inputs of the current summary.
func (b *Builder) SelectedInputs() []wtxmgr.Credit {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	res, err := b.buildLocked(placeholderChangeScript)
	if err != nil {
		return nil
	}

	return credits(res.inputs)
}

func (b *Builder) changedLocked() {
	b.dirty = true
	if b.updatesDisabled > 0 {
		return
	}

	b.recomputeLocked()
}

// recomputeLocked rebuilds the summary from scratch. A failure leaves the
// summary uninitialized.
func (b *Builder) recomputeLocked() {
	b.dirty = false

	res, err := b.buildLocked(placeholderChangeScript)
	if err != nil {
		b.summary = Summary{}
		b.lastErr = err

		log.Debugf("Summary of wallet %s not available: %v",
			b.walletID, err)

		return
	}

	b.summary = res.summary
	b.lastErr = nil

	log.Tracef("Summary of wallet %s: %v", b.walletID,
		newLogClosure(func() string {
			return spewSummary(&res.summary)
		}))
}

// buildLocked computes the transaction the current state describes, using
// changeScript for any change output.
func (b *Builder) buildLocked(changeScript []byte) (*buildResult, error) {
	if b.walletID == "" {
		return nil, ErrNoWallet
	}
	if !b.recipientsReadyLocked() {
		return nil, ErrRecipientsNotReady
	}
	if b.feePerByte == 0 && b.totalFee == 0 {
		return nil, ErrMissingFeeRate
	}

	eligible := b.eligibleLocked()
	available := sumInputs(eligible)

	candidates := eligible
	autoSelected := b.manual.IsNone()
	if !autoSelected {
		var err error
		candidates, err = b.manualInputsLocked(eligible)
		if err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoInputs
	}

	var (
		fixed    []*wire.TxOut
		maxRecip *Recipient
	)
	for _, r := range b.sortedRecipientsLocked() {
		if r.IsMax {
			if maxRecip != nil {
				return nil, ErrMultipleMaxRecipients
			}
			maxRecip = r
			continue
		}

		out, err := r.txOut(r.Amount)
		if err != nil {
			return nil, err
		}
		if err := txrules.CheckOutput(
			out, txrules.DefaultRelayFeePerKb,
		); err != nil {
			return nil, fmt.Errorf("recipient %d: %w", r.ID, err)
		}
		fixed = append(fixed, out)
	}

	var (
		res *buildResult
		err error
	)
	switch {
	case maxRecip != nil:
		res, err = b.buildMaxLocked(candidates, fixed, maxRecip)

	case b.totalFee > 0:
		res, err = b.buildTotalFeeLocked(
			candidates, fixed, changeScript, autoSelected,
		)

	default:
		res, err = b.buildFeeRateLocked(
			candidates, fixed, changeScript, autoSelected,
		)
	}
	if err != nil {
		return nil, err
	}

	res.summary.Initialized = true
	res.summary.AvailableBalance = available
	res.summary.IsAutoSelected = autoSelected
	res.summary.UsedTransactions = len(res.inputs)
	res.summary.SelectedBalance = sumInputs(res.inputs)
	res.summary.OutputsCount = len(res.tx.TxOut)
	res.summary.HasChange = res.changeIndex >= 0

	if res.summary.BalanceToSpend+res.summary.TotalFee >
		res.summary.AvailableBalance {

		return nil, ErrInsufficientFunds
	}

	return res, nil
}

func (b *Builder) manualInputsLocked(eligible []Input) ([]Input, error) {
	byOutPoint := make(map[wire.OutPoint]Input, len(eligible))
	for _, in := range eligible {
		byOutPoint[in.OutPoint] = in
	}

	ops := b.manual.UnwrapOr(nil)
	selected := make([]Input, 0, len(ops))
	for _, op := range ops {
		in, ok := byOutPoint[op]
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnknownInput, op)
		}
		selected = append(selected, in)
	}

	return selected, nil
}

// buildMaxLocked spends every candidate, paying the fixed outputs and
// giving the remainder to the max recipient. There is never change.
func (b *Builder) buildMaxLocked(candidates []Input, fixed []*wire.TxOut,
	maxRecip *Recipient) (*buildResult, error) {

	maxOut, err := maxRecip.txOut(0)
	if err != nil {
		return nil, err
	}
	outputs := append(append([]*wire.TxOut(nil), fixed...), maxOut)

	vsize, err := guardedSize(b.sizer, candidates, outputs, 0)
	if err != nil {
		return nil, err
	}

	fee := b.totalFee
	feeRate := b.feePerByte
	if fee == 0 {
		fee = feeForVSize(feeRate, vsize)
	} else {
		feeRate = fee / btcutil.Amount(vsize)
	}

	total := sumInputs(candidates)
	fixedTotal := txauthor.SumOutputValues(fixed)
	remaining := total - fixedTotal - fee
	maxOut.Value = int64(remaining)
	if remaining <= 0 || txrules.IsDustOutput(
		maxOut, txrules.DefaultRelayFeePerKb,
	) {
		return nil, fmt.Errorf("%w: %v available, %v fixed, %v fee",
			ErrInsufficientFunds, total, fixedTotal, fee)
	}

	return &buildResult{
		summary: Summary{
			BalanceToSpend: fixedTotal + remaining,
			TotalFee:       fee,
			FeePerByte:     feeRate,
			TxVirtSize:     vsize,
		},
		tx:          newTx(candidates, outputs),
		inputs:      candidates,
		changeIndex: -1,
	}, nil
}

// buildFeeRateLocked delegates selection to txauthor, then measures the
// resulting transaction.
func (b *Builder) buildFeeRateLocked(candidates []Input, fixed []*wire.TxOut,
	changeScript []byte, autoSelected bool) (*buildResult, error) {

	source := constantInputSource(candidates)
	if autoSelected {
		source = makeInputSource(candidates)
	}

	changeSource := &txauthor.ChangeSource{
		NewScript: func() ([]byte, error) {
			return changeScript, nil
		},
		ScriptSize: len(changeScript),
	}

	outputs := append([]*wire.TxOut(nil), fixed...)
	authored, err := txauthor.NewUnsignedTransaction(
		outputs, b.feePerByte*1000, source, changeSource,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}

	inputs := matchInputs(candidates, authored.Tx.TxIn)

	vsize, err := guardedSize(b.sizer, inputs, authored.Tx.TxOut, 0)
	if err != nil {
		return nil, err
	}

	spend := txauthor.SumOutputValues(fixed)
	outTotal := txauthor.SumOutputValues(authored.Tx.TxOut)

	return &buildResult{
		summary: Summary{
			BalanceToSpend: spend,
			TotalFee:       authored.TotalInput - outTotal,
			FeePerByte:     b.feePerByte,
			TxVirtSize:     vsize,
		},
		tx:          authored.Tx,
		inputs:      inputs,
		changeIndex: authored.ChangeIndex,
	}, nil
}

// buildTotalFeeLocked selects inputs covering the outputs plus a fixed fee.
func (b *Builder) buildTotalFeeLocked(candidates []Input,
	fixed []*wire.TxOut, changeScript []byte,
	autoSelected bool) (*buildResult, error) {

	spend := txauthor.SumOutputValues(fixed)
	feeFor := func([]Input, bool) btcutil.Amount {
		return b.totalFee
	}
	isDust := func(change btcutil.Amount) bool {
		return isDustChange(change, changeScript)
	}

	var (
		selected []Input
		fee      btcutil.Amount
		change   btcutil.Amount
	)
	if autoSelected {
		var err error
		selected, fee, change, err = selectCoins(
			candidates, spend, feeFor, isDust,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: need %v plus fee %v",
				err, spend, b.totalFee)
		}
	} else {
		selected = candidates
		total := sumInputs(selected)
		if total < spend+b.totalFee {
			return nil, fmt.Errorf("%w: selected %v, need %v",
				ErrInsufficientFunds, total, spend+b.totalFee)
		}
		fee = b.totalFee
		change = total - spend - fee
		if isDust(change) {
			fee += change
			change = 0
		}
	}

	outputs := append([]*wire.TxOut(nil), fixed...)
	changeIndex := -1
	if change > 0 {
		changeIndex = len(outputs)
		outputs = append(outputs, wire.NewTxOut(
			int64(change), changeScript,
		))
	}

	vsize, err := guardedSize(b.sizer, selected, outputs, 0)
	if err != nil {
		return nil, err
	}

	return &buildResult{
		summary: Summary{
			BalanceToSpend: spend,
			TotalFee:       fee,
			FeePerByte:     fee / btcutil.Amount(vsize),
			TxVirtSize:     vsize,
		},
		tx:          newTx(selected, outputs),
		inputs:      selected,
		changeIndex: changeIndex,
	}, nil
}

// matchInputs maps transaction inputs back to their decorated outputs.
func matchInputs(candidates []Input, txIns []*wire.TxIn) []Input {
	byOutPoint := make(map[wire.OutPoint]Input, len(candidates))
	for _, in := range candidates {
		byOutPoint[in.OutPoint] = in
	}

	inputs := make([]Input, 0, len(txIns))
	for _, txIn := range txIns {
		inputs = append(inputs, byOutPoint[txIn.PreviousOutPoint])
	}

	return inputs
}

func newTx(inputs []Input, outputs []*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range inputs {
		tx.AddTxIn(wire.NewTxIn(&in.OutPoint, nil, nil))
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	return tx
}
