// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// rbfSequence signals replaceability.
const rbfSequence = wire.MaxTxInSequenceNum - 2

// SignRequest is an unsigned or partially signed transaction awaiting a
// signer. Inputs lists the outputs this party contributes; inputs carried
// over from a prior partial transaction are not included.
type SignRequest struct {
	WalletID string

	// SettlementID, if set, lets the signer apply settlement specific
	// policy.
	SettlementID string

	Packet *psbt.Packet

	Inputs []wtxmgr.Credit

	// WitnessScript is set when the inputs spend a witness script hash
	// output.
	WitnessScript []byte

	ChangeAddress btcutil.Address
	ChangeIndex   int

	TotalFee btcutil.Amount

	// PrevStates holds the serialized partial transactions this request
	// was appended to.
	PrevStates [][]byte
}

// Tx returns the unsigned transaction.
func (r *SignRequest) Tx() *wire.MsgTx {
	return r.Packet.UnsignedTx
}

// Valid checks that the request has inputs and outputs and that the fee
// matches the packet's values.
func (r *SignRequest) Valid() error {
	if r.Packet == nil || r.Packet.UnsignedTx == nil {
		return errors.New("sign request has no transaction")
	}
	if len(r.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(r.Packet.UnsignedTx.TxOut) == 0 {
		return ErrRecipientsNotReady
	}

	var in btcutil.Amount
	for i, pIn := range r.Packet.Inputs {
		if pIn.WitnessUtxo == nil {
			return fmt.Errorf("input %d has no previous output", i)
		}
		in += btcutil.Amount(pIn.WitnessUtxo.Value)
	}
	out := txauthor.SumOutputValues(r.Packet.UnsignedTx.TxOut)
	if in-out != r.TotalFee && len(r.PrevStates) == 0 {
		return fmt.Errorf("fee %v does not match inputs %v minus "+
			"outputs %v", r.TotalFee, in, out)
	}

	return nil
}

// Serialize encodes the request's packet.
func (r *SignRequest) Serialize() ([]byte, error) {
	var b bytes.Buffer
	if err := r.Packet.Serialize(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// CreateUnsignedTransaction turns the current state into a sign request.
// changeAddr is required when the transaction has change.
func (b *Builder) CreateUnsignedTransaction(isRBF bool,
	changeAddr btcutil.Address) (*SignRequest, error) {

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if !b.recipientsReadyLocked() {
		return nil, ErrRecipientsNotReady
	}

	changeScript := placeholderChangeScript
	if changeAddr != nil {
		var err error
		changeScript, err = txscript.PayToAddrScript(changeAddr)
		if err != nil {
			return nil, err
		}
	}

	res, err := b.buildLocked(changeScript)
	if err != nil {
		return nil, err
	}
	if len(res.inputs) == 0 {
		return nil, ErrNoInputs
	}
	if res.changeIndex >= 0 && changeAddr == nil {
		return nil, ErrNoChangeAddress
	}

	if res.changeIndex >= 0 {
		authored := &txauthor.AuthoredTx{
			Tx:          res.tx,
			ChangeIndex: res.changeIndex,
		}
		authored.RandomizeChangePosition()
		res.changeIndex = authored.ChangeIndex
	}

	setSequence(res.tx, 0, isRBF)

	packet, err := newPacket(res.tx, res.inputs, nil)
	if err != nil {
		return nil, err
	}

	req := &SignRequest{
		WalletID:      b.walletID,
		Packet:        packet,
		Inputs:        credits(res.inputs),
		ChangeAddress: changeAddr,
		ChangeIndex:   res.changeIndex,
		TotalFee:      res.summary.TotalFee,
	}

	log.Debugf("Created unsigned tx %v for wallet %s: %d input(s), "+
		"fee %v", res.tx.TxHash(), b.walletID, len(res.inputs),
		req.TotalFee)

	return req, nil
}

// CreatePartialTXRequest builds this party's half of a jointly funded
// transaction. It selects from utxos enough value to cover spendValue plus
// the fee its own inputs and outputs add at feePerByte, pays recipients and
// any change to changeAddr, and appends all of it to prior when given.
// spendValue must be at least the recipients' total. Any excess funds
// outputs of prior that its inputs leave unfunded and may not exceed that
// shortfall.
func (b *Builder) CreatePartialTXRequest(spendValue, feePerByte btcutil.Amount,
	recipients []*wire.TxOut, prior *psbt.Packet, utxos []wtxmgr.Credit,
	changeAddr btcutil.Address) (*SignRequest, error) {

	if feePerByte <= 0 {
		return nil, ErrMissingFeeRate
	}
	if feePerByte > b.cfg.MaxFeeRate {
		return nil, fmt.Errorf("%w: %d sat/vB", ErrFeeRateTooLarge,
			feePerByte)
	}
	recipientsTotal := txauthor.SumOutputValues(recipients)
	if spendValue < recipientsTotal {
		return nil, fmt.Errorf("%w: spend value %v below recipients "+
			"total", ErrInvalidAmount, spendValue)
	}
	for i, out := range recipients {
		err := txrules.CheckOutput(out, txrules.DefaultRelayFeePerKb)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i, err)
		}
	}
	if changeAddr == nil {
		return nil, ErrNoChangeAddress
	}
	changeScript, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return nil, err
	}

	b.mtx.Lock()
	walletID := b.walletID
	b.mtx.Unlock()

	if b.cfg.Reservations != nil {
		utxos = b.cfg.Reservations.Filter(walletID, utxos)
	}
	var candidates []Input
	for _, in := range Decorate(utxos) {
		if b.cfg.SegWitOnly && !in.Kind.IsSegWit() {
			continue
		}
		candidates = append(candidates, in)
	}
	if len(candidates) == 0 {
		return nil, ErrNoInputs
	}

	var (
		priorInputs  []Input
		priorOutputs []*wire.TxOut
		priorSize    int
	)
	if prior != nil {
		priorInputs, err = packetInputs(prior)
		if err != nil {
			return nil, err
		}
		priorOutputs = prior.UnsignedTx.TxOut
		priorSize = b.sizer(priorInputs, priorOutputs, 0)
	}

	// Value beyond the recipients can only go to outputs already in
	// prior. Anything else would silently become fee.
	unfunded := txauthor.SumOutputValues(priorOutputs) -
		sumInputs(priorInputs)
	if excess := spendValue - recipientsTotal; excess > 0 &&
		excess > unfunded {

		return nil, fmt.Errorf("%w: spend value %v exceeds recipients "+
			"total %v by more than the %v prior outputs need",
			ErrInvalidAmount, spendValue, recipientsTotal,
			max(unfunded, 0))
	}

	feeFor := func(selected []Input, withChange bool) btcutil.Amount {
		outputs := append(
			append([]*wire.TxOut(nil), priorOutputs...),
			recipients...,
		)
		changeSize := 0
		if withChange {
			changeSize = len(changeScript)
		}
		inputs := append(append([]Input(nil), priorInputs...),
			selected...)

		return feeForVSize(
			feePerByte, b.sizer(inputs, outputs, changeSize)-priorSize,
		)
	}
	isDust := func(change btcutil.Amount) bool {
		return isDustChange(change, changeScript)
	}

	selected, fee, change, err := selectCoins(
		candidates, spendValue, feeFor, isDust,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: need %v at %d sat/vB from %v",
			err, spendValue, feePerByte, sumInputs(candidates))
	}

	var tx *wire.MsgTx
	if prior != nil {
		tx = prior.UnsignedTx.Copy()
	} else {
		tx = wire.NewMsgTx(wire.TxVersion)
	}
	firstOwn := len(tx.TxIn)
	for _, in := range selected {
		tx.AddTxIn(wire.NewTxIn(&in.OutPoint, nil, nil))
	}
	for _, out := range recipients {
		tx.AddTxOut(out)
	}
	changeIndex := -1
	if change > 0 {
		changeIndex = len(tx.TxOut)
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}
	setSequence(tx, firstOwn, false)

	packet, err := newPacket(tx, selected, prior)
	if err != nil {
		return nil, err
	}

	req := &SignRequest{
		WalletID:      walletID,
		Packet:        packet,
		Inputs:        credits(selected),
		ChangeAddress: changeAddr,
		ChangeIndex:   changeIndex,
		TotalFee:      fee,
	}
	if prior != nil {
		var buf bytes.Buffer
		if err := prior.Serialize(&buf); err != nil {
			return nil, err
		}
		req.PrevStates = [][]byte{buf.Bytes()}
	}

	log.Debugf("Created partial tx request for wallet %s: %d own "+
		"input(s), spend %v, fee %v, change %v", walletID,
		len(selected), spendValue, fee, change)

	return req, nil
}

// CreatePayoutRequest builds a transaction spending a single witness script
// hash output, e.g. a settlement output, to recvAddr. The fee is taken from
// the spent value at feePerByte.
func CreatePayoutRequest(walletID string, prevOut wtxmgr.Credit,
	witnessScript []byte, recvAddr btcutil.Address,
	feePerByte btcutil.Amount) (*SignRequest, error) {

	if feePerByte <= 0 {
		return nil, ErrMissingFeeRate
	}
	if !txscript.IsPayToWitnessScriptHash(prevOut.PkScript) {
		return nil, fmt.Errorf("%w: output %v is not a witness "+
			"script hash", ErrInvalidAmount, prevOut.OutPoint)
	}

	pkScript, err := txscript.PayToAddrScript(recvAddr)
	if err != nil {
		return nil, err
	}

	out := wire.NewTxOut(0, pkScript)
	vsize := EstimateMultisigSpendSize(
		len(witnessScript), []*wire.TxOut{out},
	)
	fee := feeForVSize(feePerByte, vsize)

	out.Value = int64(prevOut.Amount - fee)
	if out.Value <= 0 || txrules.IsDustOutput(
		out, txrules.DefaultRelayFeePerKb,
	) {
		return nil, fmt.Errorf("%w: %v cannot pay fee %v",
			ErrInsufficientFunds, prevOut.Amount, fee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&prevOut.OutPoint, nil, nil))
	tx.AddTxOut(out)

	inputs := []Input{{Credit: prevOut, Kind: KindP2WSH}}
	packet, err := newPacket(tx, inputs, nil)
	if err != nil {
		return nil, err
	}
	packet.Inputs[0].WitnessScript = witnessScript

	return &SignRequest{
		WalletID:      walletID,
		Packet:        packet,
		Inputs:        []wtxmgr.Credit{prevOut},
		WitnessScript: witnessScript,
		ChangeIndex:   -1,
		TotalFee:      fee,
	}, nil
}

// newPacket wraps tx in a PSBT. Inputs from index len(prior inputs) on are
// described by own; earlier inputs and outputs keep the prior packet's data.
func newPacket(tx *wire.MsgTx, own []Input,
	prior *psbt.Packet) (*psbt.Packet, error) {

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}

	offset := 0
	if prior != nil {
		offset = len(prior.Inputs)
		copy(packet.Inputs, prior.Inputs)
		copy(packet.Outputs, prior.Outputs)
	}

	for i, in := range own {
		packet.Inputs[offset+i].WitnessUtxo = wire.NewTxOut(
			int64(in.Amount), in.PkScript,
		)
		packet.Inputs[offset+i].SighashType = txscript.SigHashAll
	}

	return packet, nil
}

// packetInputs decorates the inputs of a partial transaction from their
// witness UTXOs.
func packetInputs(packet *psbt.Packet) ([]Input, error) {
	inputs := make([]Input, 0, len(packet.Inputs))
	for i, pIn := range packet.Inputs {
		if pIn.WitnessUtxo == nil {
			return nil, fmt.Errorf("prior input %d has no witness "+
				"utxo", i)
		}

		inputs = append(inputs, Input{
			Credit: wtxmgr.Credit{
				OutPoint: packet.UnsignedTx.TxIn[i].PreviousOutPoint,
				Amount:   btcutil.Amount(pIn.WitnessUtxo.Value),
				PkScript: pIn.WitnessUtxo.PkScript,
			},
			Kind: ClassifyScript(pIn.WitnessUtxo.PkScript),
		})
	}

	return inputs, nil
}

func setSequence(tx *wire.MsgTx, from int, isRBF bool) {
	seq := uint32(wire.MaxTxInSequenceNum)
	if isRBF {
		seq = rbfSequence
	}
	for _, txIn := range tx.TxIn[from:] {
		txIn.Sequence = seq
	}
}
