// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcsettle/authaddr"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/btcsuite/btcsettle/internal/cfgutil"
	"github.com/btcsuite/btcsettle/journal"
	"github.com/btcsuite/btcsettle/reservation"
	"github.com/btcsuite/btcsettle/verify"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"
)

var cfg *config

func main() {
	// Work around defer not working after os.Exit.
	if err := settlementdMain(); err != nil {
		os.Exit(1)
	}
}

// settlementdMain is a work-around main function that is required since
// deferred functions (such as log rotator shutdown) are not called with
// calls to os.Exit.  Instead, main runs this function and checks for a
// non-nil error, at which point any defers have already run, and if the
// error is non-nil, the program can be exited with an error exit status.
func settlementdMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s (%s)", version(), cfg.activeNet.Params.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addInterruptHandler(cancel)

	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			log.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			log.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	if cfg.MetricsAddr != "" {
		startMetricsServer(cfg.MetricsAddr)
	}

	if err := os.MkdirAll(cfg.netDataDir, 0700); err != nil {
		log.Errorf("Unable to create data directory: %v", err)
		return err
	}

	registry, closeDB, err := openReservations()
	if err != nil {
		log.Errorf("Unable to open reservations: %v", err)
		return err
	}
	defer closeDB()

	jrnl, err := openJournal(ctx)
	if err != nil {
		log.Errorf("Unable to open settlement journal: %v", err)
		return err
	}
	defer jrnl.Close()

	rpcc, err := startChainClient()
	if err != nil {
		log.Errorf("Unable to connect to btcd: %v", err)
		return err
	}
	defer func() {
		rpcc.Stop()
		rpcc.WaitForShutdown()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweepReservations(gctx, registry)
		return nil
	})

	if len(cfg.authAddrs) > 0 {
		mgr, err := newAuthManager(rpcc)
		if err != nil {
			log.Errorf("Unable to create auth address manager: %v",
				err)
			return err
		}
		for _, addr := range cfg.authAddrs {
			if err := mgr.Add(ctx, addr); err != nil {
				log.Errorf("Unable to watch %v: %v", addr, err)
				return err
			}
		}
		g.Go(func() error {
			return mgr.Run(gctx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("%v", err)
		simulateInterrupt()
	}

	<-interruptHandlersDone
	log.Info("Shutdown complete")

	return nil
}

// startMetricsServer serves the Prometheus registry on addr until
// shutdown.
func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Metrics server listening on %s", addr)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server: %v", err)
		}
	}()

	addInterruptHandler(func() {
		_ = server.Close()
	})
}

// openReservations opens the reservation database of the active network,
// restores persisted reservations and releases those that outlived the
// configured TTL.
func openReservations() (*reservation.Registry, func(), error) {
	dbPath := filepath.Join(cfg.netDataDir, defaultReservationsDBName)
	exists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		return nil, nil, err
	}
	var db walletdb.DB
	if exists {
		db, err = walletdb.Open("bdb", dbPath, true, defaultDBTimeout,
			false)
	} else {
		db, err = walletdb.Create("bdb", dbPath, true, defaultDBTimeout,
			false)
	}
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close reservations: %v", err)
		}
	}

	store, err := reservation.NewStore(db)
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	registry := reservation.NewRegistry(store)
	if _, err := registry.Restore(); err != nil {
		closeDB()
		return nil, nil, err
	}

	released := registry.ReleaseOlderThan(
		time.Now().Add(-cfg.ReservationTTL),
	)
	if len(released) > 0 {
		log.Infof("Released %d stale reservation(s)", len(released))
	}

	return registry, closeDB, nil
}

// sweepReservations periodically releases reservations older than the
// configured TTL until ctx is done.
func sweepReservations(ctx context.Context, registry *reservation.Registry) {
	t := ticker.New(cfg.ReservationTTL / 4)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			cutoff := time.Now().Add(-cfg.ReservationTTL)
			for _, id := range registry.ReleaseOlderThan(cutoff) {
				log.Warnf("Released stale reservation %s", id)
			}

		case <-ctx.Done():
			return
		}
	}
}

// openJournal opens the settlement journal and prunes entries past the
// retention period.
func openJournal(ctx context.Context) (*journal.Store, error) {
	jrnl, err := journal.Open(ctx, cfg.JournalDriver, cfg.JournalDSN)
	if err != nil {
		return nil, err
	}

	if cfg.JournalRetention > 0 {
		cutoff := time.Now().Add(-cfg.JournalRetention)
		n, err := jrnl.Prune(ctx, cutoff)
		if err != nil {
			_ = jrnl.Close()
			return nil, err
		}
		if n > 0 {
			log.Infof("Pruned %d journal entries", n)
		}
	}

	return jrnl, nil
}

// startChainClient connects to the configured btcd instance.
func startChainClient() (*chain.RPCClient, error) {
	var certs []byte
	if !cfg.DisableClientTLS {
		var err error
		certs, err = os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}
	} else {
		log.Info("Client TLS is disabled")
	}

	rpcc, err := chain.NewRPCClient(&chain.RPCClientConfig{
		Conn: &rpcclient.ConnConfig{
			Host:         cfg.RPCConnect,
			User:         cfg.BtcdUsername,
			Pass:         cfg.BtcdPassword,
			Certificates: certs,
			DisableTLS:   cfg.DisableClientTLS,
		},
		Chain:             cfg.activeNet.Params,
		ReconnectAttempts: 3,
		RequestsPerSecond: cfg.RPCRateLimit,
	})
	if err != nil {
		return nil, err
	}
	if err := rpcc.Start(); err != nil {
		return nil, err
	}

	log.Infof("Connected to btcd at %s", cfg.RPCConnect)

	return rpcc, nil
}

// newAuthManager creates the auth address manager that logs every state
// change of the watched addresses.
func newAuthManager(c chain.Interface) (*authaddr.Manager, error) {
	return authaddr.New(authaddr.Config{
		Chain:         c,
		Engine:        verify.NewEngine(verify.Config{Chain: c}),
		ChainParams:   cfg.activeNet.Params,
		Roots:         cfg.authRoots,
		LotSize:       cfg.LotSize.Amount,
		Confirmations: cfg.Confirmations,
		OnChange: func(addr btcutil.Address, from,
			to authaddr.State) {

			log.Infof("Auth address %v: %v -> %v", addr, from, to)
		},
	})
}
