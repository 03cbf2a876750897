package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/thy3368/ethnode/internal/chain"
	"github.com/thy3368/ethnode/internal/config"
	"github.com/thy3368/ethnode/internal/execution"
	"github.com/thy3368/ethnode/internal/genesis"
	"github.com/thy3368/ethnode/internal/metrics"
	"github.com/thy3368/ethnode/internal/miner"
	"github.com/thy3368/ethnode/internal/rpc"
	"github.com/thy3368/ethnode/internal/signer"
	"github.com/thy3368/ethnode/internal/txpool"
)

var version = "dev"

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to the YAML config file",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "data directory for the chain and state databases (empty keeps them in memory)",
	}
	genesisFlag = &cli.StringFlag{
		Name:  "genesis",
		Usage: "path to a genesis JSON file",
	}
	engineFlag = &cli.StringFlag{
		Name:  "engine",
		Usage: "execution engine (evm, static)",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "log level (trace, debug, info, warn, error, crit)",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log.format",
		Usage: "log format (terminal, json)",
	}
)

func main() {
	app := &cli.App{
		Name:    "ethnode",
		Usage:   "single-node EIP-1559 chain with a transaction pool and block producer",
		Version: version,
		Flags:   []cli.Flag{configFlag, dataDirFlag, genesisFlag, engineFlag, logLevelFlag, logFormatFlag},
		Action:  run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Fatal:", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path := c.String(configFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if c.IsSet(dataDirFlag.Name) {
		cfg.Execution.Store.DataDir = c.String(dataDirFlag.Name)
	}
	if c.IsSet(genesisFlag.Name) {
		cfg.Node.GenesisPath = c.String(genesisFlag.Name)
	}
	if c.IsSet(engineFlag.Name) {
		cfg.Execution.Engine = c.String(engineFlag.Name)
	}
	if c.IsSet(logLevelFlag.Name) {
		cfg.Logging.Level = c.String(logLevelFlag.Name)
	}
	if c.IsSet(logFormatFlag.Name) {
		cfg.Logging.Format = c.String(logFormatFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) {
	// Validate already rejected unknown names.
	lvl, _ := config.ParseLevel(cfg.Level)
	var handler slog.Handler
	switch cfg.Format {
	case config.FormatJSON:
		handler = log.JSONHandlerWithLevel(os.Stderr, lvl)
	default:
		handler = log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)
	}
	log.SetDefault(log.NewLogger(handler))
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)

	logger := log.New("module", "main")
	logger.Info("ethnode starting", "version", version, "chainID", cfg.Node.ChainID, "engine", cfg.Execution.Engine)

	gen := genesis.Default(cfg.Node.ChainID)
	if cfg.Node.GenesisPath != "" {
		if gen, err = genesis.Load(cfg.Node.GenesisPath); err != nil {
			return fmt.Errorf("load genesis: %w", err)
		}
	}

	store, err := execution.NewStateStore(cfg.Execution.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	db, err := execution.NewChainDB(store.DiskDB(), execution.DefaultBlockCacheSize)
	if err != nil {
		return err
	}

	bc, err := chain.New(chain.Config{
		FeeRecipient: cfg.FeeRecipient(),
		Fees:         cfg.Fees,
		ChainID:      cfg.Node.ChainID,
	}, gen, store, db)
	if err != nil {
		return fmt.Errorf("open chain: %w", err)
	}
	head := bc.CurrentHeader()
	logger.Info("Chain ready", "number", head.Number, "hash", head.Hash().Hex(), "baseFee", head.BaseFee)

	chainID := new(big.Int).SetUint64(cfg.Node.ChainID)
	pool := txpool.New(cfg.TxPool)
	validator := txpool.NewValidator(chainID)
	recoverer := signer.NewChainRecoverer(chainID)

	var executor miner.Executor
	switch cfg.Execution.Engine {
	case config.EngineStatic:
		executor = execution.StaticExecutor{}
	default:
		executor = execution.NewEVMExecutor(bc.ChainConfig(), store, db)
	}

	assembler := miner.NewAssembler(cfg.AssemblyConfig(), cfg.Fees, pool, executor, miner.TrieHasher{})
	switch cfg.Miner.GasTarget {
	case config.GasTargetStatic:
		assembler.SetGasTarget(miner.StaticGasTarget(cfg.Miner.GasCeil))
	case config.GasTargetAdaptive:
		assembler.SetGasTarget(miner.NewAdaptiveGasTarget(cfg.Miner.Adaptive))
	}
	producer := miner.NewProducer(cfg.Node.BlockTime, assembler, bc, pool)

	handler := rpc.NewHandler(cfg.Node.ChainID, pool, bc, recoverer, validator, cfg.Fees)
	ws := rpc.NewWSSubscriptionManager(handler, cfg.RPC.CORSOrigins)
	handler.SetTxNotifier(ws)
	producer.SetBroadcaster(ws)
	rpcServer := rpc.NewServer(cfg.RPC, handler, ws)

	met := metrics.New()
	pool.SetMetrics(met)
	producer.SetMetrics(met)
	handler.SetMetrics(met)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return rpcServer.Run(ctx) })
	g.Go(func() error {
		producer.Start(ctx)
		return nil
	})
	if cfg.Metrics.Enabled {
		srv := met.NewServer(cfg.Metrics.Addr)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("ethnode is running",
		"http", cfg.RPC.HTTPAddr,
		"ws", cfg.RPC.WSAddr,
		"metrics", cfg.Metrics.Addr,
		"blockTime", cfg.Node.BlockTime,
	)

	err = g.Wait()
	producer.Stop()
	if err != nil {
		logger.Error("ethnode stopped with error", "err", err)
		return err
	}
	logger.Info("ethnode stopped gracefully")
	return nil
}
