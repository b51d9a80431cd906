// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcsettle/internal/cfgutil"
	"github.com/btcsuite/btcsettle/netparams"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename     = "settlementd.conf"
	defaultLogLevel           = "info"
	defaultLogDirname         = "logs"
	defaultLogFilename        = "settlementd.log"
	defaultMaxLogRolls        = 3
	defaultReservationsDBName = "reservations.db"
	defaultJournalFilename    = "journal.sqlite"
	defaultJournalDriver      = "sqlite"
	defaultJournalRetention   = 90 * 24 * time.Hour
	defaultReservationTTL     = 24 * time.Hour
	defaultConfirmations      = 6
	defaultRPCRateLimit       = 50
	defaultDBTimeout          = 10 * time.Second
)

var (
	btcdDefaultCAFile  = filepath.Join(btcdHomeDir, "rpc.cert")
	btcdHomeDir        = btcutil.AppDataDir("btcd", false)
	defaultAppDataDir  = btcutil.AppDataDir("settlementd", false)
	defaultConfigFile  = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir      = filepath.Join(defaultAppDataDir, defaultLogDirname)
	errMultipleNetwork = errors.New("only one network may be selected")
)

type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	AppDataDir  string `short:"A" long:"appdata" description:"Application data directory for reservations and the journal"`
	TestNet3    bool   `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	TestNet4    bool   `long:"testnet4" description:"Use the test Bitcoin network (version 4)"`
	SimNet      bool   `long:"simnet" description:"Use the simulation test network"`
	RegTest     bool   `long:"regtest" description:"Use the regression test network"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	MaxLogRolls int    `long:"maxlogrolls" description:"Number of rotated log files to keep"`
	Profile     string `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`
	MetricsAddr string `long:"metricsaddr" description:"Serve Prometheus metrics on this address (empty disables)"`

	// RPC client options
	RPCConnect       string  `short:"c" long:"rpcconnect" description:"Hostname/IP and port of btcd RPC server to connect to (default localhost:8334, testnet: localhost:18334, simnet: localhost:18556)"`
	CAFile           string  `long:"cafile" description:"File containing root certificates to authenticate a TLS connections with btcd"`
	DisableClientTLS bool    `long:"noclienttls" description:"Disable TLS for the RPC client -- NOTE: This is only allowed if the RPC client is connecting to localhost"`
	BtcdUsername     string  `long:"btcdusername" description:"Username for btcd authentication"`
	BtcdPassword     string  `long:"btcdpassword" default-mask:"-" description:"Password for btcd authentication"`
	RPCRateLimit     float64 `long:"rpcratelimit" description:"Maximum lookups per second sent to btcd"`

	// Auth address verification
	AuthRoots     []string            `long:"authroot" description:"Authority address verification originates from (may be repeated)"`
	AuthAddrs     []string            `long:"authaddr" description:"Auth address to watch (may be repeated)"`
	LotSize       *cfgutil.AmountFlag `long:"lotsize" description:"Lot size auth payments must be a multiple of (0 disables)"`
	Confirmations int32               `long:"confirmations" description:"Confirmations before an auth address counts as verified"`

	// Persistence
	ReservationTTL   time.Duration `long:"reservationttl" description:"Release reservations older than this at startup and while running"`
	JournalDriver    string        `long:"journaldriver" description:"Settlement journal database driver {sqlite, pgx}"`
	JournalDSN       string        `long:"journaldsn" description:"Settlement journal data source name (default: sqlite file in the network directory)"`
	JournalRetention time.Duration `long:"journalretention" description:"Prune journal entries older than this at startup"`

	activeNet  *netparams.Params
	authRoots  []btcutil.Address
	authAddrs  []btcutil.Address
	netDataDir string
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultAppDataDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") &&
		!strings.Contains(debugLevel, "=") {

		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// selectNetwork picks the active network from the network flags. Multiple
// networks can't be selected simultaneously.
func selectNetwork(cfg *config) (*netparams.Params, error) {
	active := &netparams.MainNetParams
	numNets := 0
	for _, n := range []struct {
		set    bool
		params *netparams.Params
	}{
		{cfg.TestNet3, &netparams.TestNet3Params},
		{cfg.TestNet4, &netparams.TestNet4Params},
		{cfg.SimNet, &netparams.SimNetParams},
		{cfg.RegTest, &netparams.RegressionNetParams},
	} {
		if n.set {
			active = n.params
			numNets++
		}
	}
	if numNets > 1 {
		return nil, errMultipleNetwork
	}

	return active, nil
}

// decodeAddresses decodes addresses for the given network.
func decodeAddresses(addrs []string,
	params *chaincfg.Params) ([]btcutil.Address, error) {

	decoded := make([]btcutil.Address, 0, len(addrs))
	for _, s := range addrs {
		addr, err := btcutil.DecodeAddress(s, params)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s, err)
		}
		if !addr.IsForNet(params) {
			return nil, fmt.Errorf("address %q is not for %s", s,
				params.Name)
		}
		decoded = append(decoded, addr)
	}

	return decoded, nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in settlementd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		DebugLevel:       defaultLogLevel,
		ConfigFile:       defaultConfigFile,
		AppDataDir:       defaultAppDataDir,
		LogDir:           defaultLogDir,
		MaxLogRolls:      defaultMaxLogRolls,
		RPCRateLimit:     defaultRPCRateLimit,
		LotSize:          cfgutil.NewAmountFlag(0),
		Confirmations:    defaultConfirmations,
		ReservationTTL:   defaultReservationTTL,
		JournalDriver:    defaultJournalDriver,
		JournalRetention: defaultJournalRetention,
	}

	// A config file in the current directory takes precedence.
	exists, err := cfgutil.FileExists(defaultConfigFilename)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if exists {
		cfg.ConfigFile = defaultConfigFilename
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err = preParser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	if cfg.ReservationTTL <= 0 {
		err := fmt.Errorf("--reservationttl must be positive")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	cfg.activeNet, err = selectNetwork(&cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.AppDataDir = cleanAndExpandPath(cfg.AppDataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.activeNet.Params.Name)
	cfg.netDataDir = filepath.Join(cfg.AppDataDir,
		cfg.activeNet.Params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogRolls)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	setLogLevels(defaultLogLevel)

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	if cfg.RPCConnect == "" {
		cfg.RPCConnect = "localhost"
	}
	cfg.RPCConnect, err = cfgutil.NormalizeAddress(cfg.RPCConnect,
		cfg.activeNet.RPCClientPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid rpcconnect network address: "+
			"%v\n", err)
		return nil, nil, err
	}

	if cfg.DisableClientTLS {
		host, _, _ := net.SplitHostPort(cfg.RPCConnect)
		if host != "localhost" && host != "127.0.0.1" &&
			host != "::1" {

			err := fmt.Errorf("disabling client TLS is only " +
				"allowed when connecting to localhost")
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	} else if cfg.CAFile == "" {
		cfg.CAFile = btcdDefaultCAFile
	} else {
		cfg.CAFile = cleanAndExpandPath(cfg.CAFile)
	}

	cfg.authRoots, err = decodeAddresses(cfg.AuthRoots,
		cfg.activeNet.Params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	cfg.authAddrs, err = decodeAddresses(cfg.AuthAddrs,
		cfg.activeNet.Params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if len(cfg.authAddrs) > 0 && len(cfg.authRoots) == 0 {
		err := fmt.Errorf("--authaddr requires at least one --authroot")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.JournalDSN == "" {
		if cfg.JournalDriver != defaultJournalDriver {
			err := fmt.Errorf("--journaldsn is required for the "+
				"%s driver", cfg.JournalDriver)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		cfg.JournalDSN = filepath.Join(cfg.netDataDir,
			defaultJournalFilename)
	}

	return &cfg, remainingArgs, nil
}
