package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/blockberries/forkberry/chaindb"
	"github.com/blockberries/forkberry/engine"
	"github.com/blockberries/forkberry/mempool"
	"github.com/blockberries/forkberry/pow"
	"github.com/blockberries/forkberry/validator"
	"github.com/blockberries/forkberry/wal"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// tickInterval is how often the node checks the slot schedule
const tickInterval = 500 * time.Millisecond

func main() {
	cfg, err := loadConfig()
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fdLog.Criticalf("Shutting down: %v", err)
		logOutput.Close()
		os.Exit(1)
	}
	logOutput.Close()
}

func run(cfg *config) error {
	initLoggers()

	logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
	err := logOutput.initLogRotator(logFile, cfg.MaxLogFileSize,
		cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	if err := parseAndSetDebugLevels(cfg.DebugLevel, loggers); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}

	bc, err := chaindb.Open(cfg.dbConfig())
	if err != nil {
		return fmt.Errorf("unable to open chain: %w", err)
	}
	defer bc.Close()

	clk := clock.NewDefaultClock()

	genesisTime, err := resolveGenesisTime(bc, cfg.GenesisTime, clk)
	if err != nil {
		return err
	}
	genesis := validator.NewGenesisBlock(genesisTime)
	if err := validator.Bootstrap(bc, genesis); err != nil {
		return fmt.Errorf("unable to bootstrap chain: %w", err)
	}
	fdLog.Infof("Chain genesis %s at %d", genesis.Hash(), genesisTime)

	powModule, err := pow.New(cfg.powConfig())
	if err != nil {
		return err
	}

	journal, err := wal.NewFileWAL(cfg.journalDir())
	if err != nil {
		return fmt.Errorf("unable to open journal: %w", err)
	}

	engCfg := cfg.engineConfig(genesisTime)
	engCfg.Registerer = prometheus.DefaultRegisterer

	eng, err := engine.NewEngine(
		engCfg, bc, validator.New(powModule, nil), powModule,
		mempool.NewPool(cfg.mempoolConfig()), journal, clk,
	)
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return err
	}
	defer func() {
		if err := eng.Stop(); err != nil {
			fdLog.Errorf("Unable to stop engine: %v", err)
		}
	}()
	eng.SetParticipating(cfg.Devnet)

	if cfg.PrometheusListen != "" {
		srv := startPrometheus(cfg.PrometheusListen)
		defer srv.Close()
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	n := newNode(eng, clk, ticker.New(tickInterval), cfg.Devnet,
		cfg.minerConfig(), cfg.minerAddress)

	fdLog.Infof("Node running (devnet=%v, testing=%v)", cfg.Devnet,
		cfg.TestingMode)
	n.run(ctx)

	fdLog.Infof("Shutdown complete")
	return nil
}

// resolveGenesisTime picks the configured genesis time, the stored one or,
// for a new chain, the current time.
func resolveGenesisTime(bc *chaindb.Blockchain, configured uint64,
	clk clock.Clock) (uint64, error) {

	if configured != 0 {
		return configured, nil
	}

	empty, err := bc.IsEmpty()
	if err != nil {
		return 0, err
	}
	if empty {
		return uint64(clk.Now().Unix()), nil
	}

	h, err := chaindb.BlockHashByHeight(bc, 0)
	if err != nil {
		return 0, err
	}
	genesis, err := bc.BlockByHash(h)
	if err != nil {
		return 0, err
	}
	return genesis.Header.Timestamp, nil
}

func startPrometheus(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		fdLog.Infof("Prometheus metrics on %s", addr)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fdLog.Errorf("Prometheus server failed: %v", err)
		}
	}()
	return srv
}
