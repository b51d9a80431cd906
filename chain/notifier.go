// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import "github.com/btcsuite/btcsettle/internal/ntfnqueue"

// Subscription is one consumer's view of the chain notification stream. It
// delivers BlockConnected and RelevantTx values.
type Subscription = ntfnqueue.Subscription[interface{}]

// Notifier fans chain notifications out to any number of subscriptions.
type Notifier = ntfnqueue.Fanout[interface{}]

// NewNotifier creates a notifier without subscribers.
func NewNotifier() *Notifier {
	return ntfnqueue.NewFanout[interface{}]()
}
