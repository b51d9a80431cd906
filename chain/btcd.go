// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/internal/ntfnqueue"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// searchPageSize is the number of transactions requested per
	// searchrawtransactions call.
	searchPageSize = 100

	// DefaultRequestsPerSecond bounds the rate of lookups sent to the
	// node. Backward walks over the chain can otherwise issue thousands
	// of getrawtransaction calls in a burst.
	DefaultRequestsPerSecond = 50
)

// Raw notifications queued by the rpcclient callbacks. They are turned into
// public notifications by the handler goroutine, which is allowed to make
// further RPC calls.
type (
	clientConnected struct{}

	mempoolTx struct {
		tx *wire.MsgTx
	}

	filteredBlock struct {
		block *wtxmgr.BlockMeta
		txns  []*wire.MsgTx
	}
)

// RPCClientConfig defines the config options used when initializing the RPC
// client.
type RPCClientConfig struct {
	// Conn describes the connection configuration parameters for the
	// client.
	Conn *rpcclient.ConnConfig

	// Chain defines the Bitcoin network by its parameters.
	Chain *chaincfg.Params

	// ReconnectAttempts defines the number of retries (each after an
	// increasing backoff) if the connection can not be established.
	ReconnectAttempts int

	// RequestsPerSecond limits lookups sent to the node. Zero selects
	// DefaultRequestsPerSecond.
	RequestsPerSecond float64
}

// validate checks the required config options are set.
func (r *RPCClientConfig) validate() error {
	if r == nil {
		return errors.New("missing rpc config")
	}

	if r.ReconnectAttempts < 0 {
		return errors.New("reconnectAttempts must be positive")
	}

	if r.Chain == nil {
		return errors.New("missing chain params config")
	}

	if r.Conn == nil {
		return errors.New("missing conn config")
	}

	// If disableTLS is false, the remote RPC certificate must be provided
	// in the certs slice.
	if !r.Conn.DisableTLS && r.Conn.Certificates == nil {
		return errors.New("must provide certs when TLS is enabled")
	}

	return nil
}

// RPCClient is a chain data provider backed by a btcd websocket connection.
// The node must run with --txindex and --addrindex so that transactions and
// address histories can be looked up.
type RPCClient struct {
	*rpcclient.Client
	connConfig        *rpcclient.ConnConfig
	chainParams       *chaincfg.Params
	reconnectAttempts int

	limiter  *rate.Limiter
	regs     *Registrations
	notifier *Notifier
	incoming *ntfnqueue.Queue[interface{}]

	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
	quitMtx sync.Mutex
}

// A compile-time check to ensure that RPCClient satisfies the chain.Interface
// interface.
var _ Interface = (*RPCClient)(nil)

// NewRPCClient creates a client for the server described by cfg. The
// connection is not established immediately, but must be done using the
// Start method.
func NewRPCClient(cfg *RPCClientConfig) (*RPCClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Conn.Endpoint = "ws"
	cfg.Conn.DisableAutoReconnect = false
	cfg.Conn.DisableConnectOnNew = true

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	client := &RPCClient{
		connConfig:        cfg.Conn,
		chainParams:       cfg.Chain,
		reconnectAttempts: cfg.ReconnectAttempts,
		limiter:           rate.NewLimiter(rate.Limit(rps), burst),
		regs:              NewRegistrations(),
		notifier:          NewNotifier(),
		incoming:          ntfnqueue.New[interface{}](),
		quit:              make(chan struct{}),
	}

	ntfnCallbacks := &rpcclient.NotificationHandlers{
		OnClientConnected:        client.onClientConnect,
		OnFilteredBlockConnected: client.onFilteredBlockConnected,
		OnRelevantTxAccepted:     client.onRelevantTxAccepted,
	}
	rpcClient, err := rpcclient.New(client.connConfig, ntfnCallbacks)
	if err != nil {
		return nil, err
	}
	client.Client = rpcClient

	return client, nil
}

// Start attempts to establish a client connection with the remote server.
// If successful, the handler goroutine is started to process notifications
// sent by the server.
func (c *RPCClient) Start() error {
	err := c.Connect(c.reconnectAttempts)
	if err != nil {
		return err
	}

	// Verify that the server is running on the expected network.
	net, err := c.GetCurrentNet()
	if err != nil {
		c.Disconnect()
		return err
	}
	if net != c.chainParams.Net {
		c.Disconnect()
		return errors.New("mismatched networks")
	}

	if err := c.NotifyBlocks(); err != nil {
		c.Disconnect()
		return fmt.Errorf("unable to request block notifications: %w",
			err)
	}

	c.quitMtx.Lock()
	c.started = true
	c.quitMtx.Unlock()

	c.incoming.Start()

	c.wg.Add(1)
	go c.handler()

	return nil
}

// Stop disconnects the client and signals the shutdown of all goroutines
// started by Start.
func (c *RPCClient) Stop() {
	c.quitMtx.Lock()
	select {
	case <-c.quit:
	default:
		close(c.quit)
		c.Client.Shutdown()
		c.incoming.Stop()
		c.notifier.Close()
	}
	c.quitMtx.Unlock()
}

// WaitForShutdown blocks until both the client has finished disconnecting
// and all handlers have exited.
func (c *RPCClient) WaitForShutdown() {
	c.Client.WaitForShutdown()
	c.wg.Wait()
}

// Subscribe returns a new notification subscription.
func (c *RPCClient) Subscribe() *Subscription {
	return c.notifier.Subscribe()
}

// BestBlock returns the height and hash of the current chain tip.
func (c *RPCClient) BestBlock(ctx context.Context) (int32, *chainhash.Hash,
	error) {

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	hash, height, err := c.GetBestBlock()
	if err != nil {
		return 0, nil, err
	}

	return height, hash, nil
}

// RegisterWallet watches addrs under walletID. Existing outputs of the
// addresses are loaded so that spends of them are reported as well.
func (c *RPCClient) RegisterWallet(ctx context.Context, walletID string,
	addrs []btcutil.Address) (string, error) {

	regID, err := c.regs.Register(walletID, addrs)
	if err != nil {
		return "", err
	}

	if err := c.LoadTxFilter(false, addrs, nil); err != nil {
		c.regs.Unregister(regID)
		return "", fmt.Errorf("unable to load tx filter: %w", err)
	}

	// Prime the registration with the outputs already paying the
	// addresses.
	history, err := c.TxHistory(ctx, walletID)
	if err != nil {
		c.regs.Unregister(regID)
		return "", err
	}
	var ops []wire.OutPoint
	for _, entry := range history {
		_, newOps := c.regs.Match(entry.Tx)
		ops = append(ops, newOps...)
	}
	if len(ops) > 0 {
		if err := c.LoadTxFilter(false, nil, ops); err != nil {
			c.regs.Unregister(regID)
			return "", fmt.Errorf("unable to load tx filter: %w",
				err)
		}
	}

	log.Debugf("Registered wallet %s as %s with %d addresses",
		walletID, regID, len(addrs))

	return regID, nil
}

// UnregisterWallet stops notifications for a registration. The node side
// filter is only rebuilt on the next reconnect.
func (c *RPCClient) UnregisterWallet(regID string) {
	if c.regs.Unregister(regID) {
		log.Debugf("Unregistered %s", regID)
	}
}

// GetTx looks up a transaction by hash.
func (c *RPCClient) GetTx(ctx context.Context,
	hash chainhash.Hash) (*TxEntry, error) {

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := c.GetRawTransactionVerbose(&hash)
	if err != nil {
		if isTxNotFoundErr(err) {
			return nil, fmt.Errorf("%w: %v", ErrTxNotFound, hash)
		}
		return nil, err
	}

	tx, err := decodeTx(res.Hex)
	if err != nil {
		return nil, err
	}

	block, err := c.blockMeta(ctx, res.BlockHash, res.Confirmations,
		res.Blocktime)
	if err != nil {
		return nil, err
	}

	return NewTxEntry(tx, block), nil
}

// GetTxs looks up a set of transactions concurrently.
func (c *RPCClient) GetTxs(ctx context.Context,
	hashes []chainhash.Hash) ([]*TxEntry, error) {

	entries := make([]*TxEntry, len(hashes))

	g, gctx := errgroup.WithContext(ctx)
	for i := range hashes {
		i := i
		g.Go(func() error {
			entry, err := c.GetTx(gctx, hashes[i])
			if err != nil {
				return err
			}
			entries[i] = entry

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return entries, nil
}

// TxHistory returns every transaction touching the wallet's addresses using
// the node's address index.
func (c *RPCClient) TxHistory(ctx context.Context,
	walletID string) ([]*TxEntry, error) {

	addrs, err := c.regs.WalletAddrs(walletID)
	if err != nil {
		return nil, err
	}

	var (
		history []*TxEntry
		seen    = make(map[chainhash.Hash]struct{})
	)
	for _, addr := range addrs {
		for skip := 0; ; skip += searchPageSize {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}

			results, err := c.SearchRawTransactionsVerbose(
				addr, skip, searchPageSize, false, false, nil,
			)
			if err != nil {
				// The address index reports unused addresses
				// as an error.
				if isTxNotFoundErr(err) {
					break
				}
				return nil, err
			}

			for _, res := range results {
				tx, err := decodeTx(res.Hex)
				if err != nil {
					return nil, err
				}
				hash := tx.TxHash()
				if _, ok := seen[hash]; ok {
					continue
				}
				seen[hash] = struct{}{}

				block, err := c.blockMeta(
					ctx, res.BlockHash, res.Confirmations,
					res.Blocktime,
				)
				if err != nil {
					return nil, err
				}
				history = append(history, NewTxEntry(tx, block))
			}

			if len(results) < searchPageSize {
				break
			}
		}
	}

	return history, nil
}

// SpendableOutputs returns the confirmed unspent outputs of a wallet.
func (c *RPCClient) SpendableOutputs(ctx context.Context,
	walletID string) ([]wtxmgr.Credit, error) {

	confirmed, _, err := c.credits(ctx, walletID)
	return confirmed, err
}

// SpendableZC returns the unconfirmed unspent outputs of a wallet.
func (c *RPCClient) SpendableZC(ctx context.Context,
	walletID string) ([]wtxmgr.Credit, error) {

	_, unconfirmed, err := c.credits(ctx, walletID)
	return unconfirmed, err
}

func (c *RPCClient) credits(ctx context.Context,
	walletID string) ([]wtxmgr.Credit, []wtxmgr.Credit, error) {

	scripts, err := c.regs.WalletScripts(walletID)
	if err != nil {
		return nil, nil, err
	}

	history, err := c.TxHistory(ctx, walletID)
	if err != nil {
		return nil, nil, err
	}

	confirmed, unconfirmed := SpendableCredits(history, scripts)

	return confirmed, unconfirmed, nil
}

// BroadcastZC relays a signed transaction to the network.
func (c *RPCClient) BroadcastZC(ctx context.Context,
	tx *wire.MsgTx) (bool, error) {

	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}

	hash, err := c.SendRawTransaction(tx, false)
	if err != nil {
		return false, err
	}

	log.Infof("Broadcast transaction %v", hash)

	return true, nil
}

// EstimateFee returns a fee rate in sat/vB for the confirmation target. The
// smart fee estimator is preferred, falling back to the legacy estimator for
// btcd backends.
func (c *RPCClient) EstimateFee(ctx context.Context,
	blocks uint32) (btcutil.Amount, error) {

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	mode := btcjson.EstimateModeConservative
	res, err := c.EstimateSmartFee(int64(blocks), &mode)
	if err == nil && res.FeeRate != nil && *res.FeeRate > 0 {
		return btcPerKBToSatPerVByte(*res.FeeRate)
	}

	btcPerKB, err := c.Client.EstimateFee(int64(blocks))
	if err != nil {
		return 0, err
	}
	if btcPerKB <= 0 {
		return 0, fmt.Errorf("%w: target %d", ErrFeeEstimateUnavailable,
			blocks)
	}

	return btcPerKBToSatPerVByte(btcPerKB)
}

// btcPerKBToSatPerVByte converts a node fee rate into sat/vB, never going
// below one satoshi per vbyte.
func btcPerKBToSatPerVByte(btcPerKB float64) (btcutil.Amount, error) {
	perKB, err := btcutil.NewAmount(btcPerKB)
	if err != nil {
		return 0, err
	}

	perVByte := perKB / 1000
	if perVByte < 1 {
		perVByte = 1
	}

	return perVByte, nil
}

// blockMeta turns the verbose block fields of a lookup into a BlockMeta. The
// height is derived from the confirmation count and the current tip.
func (c *RPCClient) blockMeta(ctx context.Context, blockHash string,
	confs uint64, blockTime int64) (*wtxmgr.BlockMeta, error) {

	if blockHash == "" || confs == 0 {
		return nil, nil
	}

	hash, err := chainhash.NewHashFromStr(blockHash)
	if err != nil {
		return nil, err
	}

	bestHeight, _, err := c.BestBlock(ctx)
	if err != nil {
		return nil, err
	}

	return &wtxmgr.BlockMeta{
		Block: wtxmgr.Block{
			Hash:   *hash,
			Height: bestHeight - int32(confs) + 1,
		},
		Time: time.Unix(blockTime, 0),
	}, nil
}

func decodeTx(txHex string) (*wire.MsgTx, error) {
	serialized, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(serialized)); err != nil {
		return nil, err
	}

	return tx, nil
}

// isTxNotFoundErr reports whether err is the node's "no information"
// response.
func isTxNotFoundErr(err error) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) &&
		rpcErr.Code == btcjson.ErrRPCNoTxInfo
}

func (c *RPCClient) onClientConnect() {
	c.incoming.Enqueue(clientConnected{})
}

func (c *RPCClient) onFilteredBlockConnected(height int32,
	header *wire.BlockHeader, txns []*btcutil.Tx) {

	block := &wtxmgr.BlockMeta{
		Block: wtxmgr.Block{
			Hash:   header.BlockHash(),
			Height: height,
		},
		Time: header.Timestamp,
	}

	msgTxns := make([]*wire.MsgTx, 0, len(txns))
	for _, tx := range txns {
		msgTxns = append(msgTxns, tx.MsgTx())
	}

	c.incoming.Enqueue(filteredBlock{block: block, txns: msgTxns})
}

func (c *RPCClient) onRelevantTxAccepted(transaction []byte) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(transaction)); err != nil {
		// Log and drop improper notification.
		log.Errorf("Unable to decode relevant tx: %v", err)
		return
	}

	c.incoming.Enqueue(mempoolTx{tx: tx})
}

// handler turns raw notifications into public ones. It runs outside the
// rpcclient callback goroutine so that it may issue RPC calls, which it does
// to keep the node side filter in sync with newly watched outpoints.
func (c *RPCClient) handler() {
	defer c.wg.Done()

	for {
		select {
		case n, ok := <-c.incoming.ChanOut():
			if !ok {
				return
			}
			c.dispatch(n)

		case <-c.quit:
			return
		}
	}
}

func (c *RPCClient) dispatch(n interface{}) {
	switch n := n.(type) {
	case clientConnected:
		addrs, ops := c.regs.Watched()
		if len(addrs) == 0 && len(ops) == 0 {
			return
		}
		if err := c.LoadTxFilter(true, addrs, ops); err != nil {
			log.Errorf("Unable to reload tx filter: %v", err)
		}

	case mempoolTx:
		c.relevant(n.tx, nil)

	case filteredBlock:
		for _, tx := range n.txns {
			c.relevant(tx, n.block)
		}
		c.notifier.Notify(BlockConnected(*n.block))
	}
}

func (c *RPCClient) relevant(tx *wire.MsgTx, block *wtxmgr.BlockMeta) {
	regIDs, newOps := c.regs.Match(tx)
	if len(newOps) > 0 {
		if err := c.LoadTxFilter(false, nil, newOps); err != nil {
			log.Errorf("Unable to extend tx filter: %v", err)
		}
	}
	if len(regIDs) == 0 {
		return
	}

	ntfn, err := newRelevantTx(regIDs, tx, block)
	if err != nil {
		log.Errorf("Cannot create transaction record for relevant "+
			"tx: %v", err)
		return
	}
	c.notifier.Notify(ntfn)
}
