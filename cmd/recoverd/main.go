// Command recoverd runs the recovery driver: it ingests every configured
// chain's events, replays rollup blocks against the account tree, and
// serves the exit-service read/write surface the prover and external
// collaborators depend on (spec.md §4.5, §4.8).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/l2exodus/recover-state-server/internal/chainclient"
	"github.com/l2exodus/recover-state-server/internal/chainmeta"
	"github.com/l2exodus/recover-state-server/internal/config"
	"github.com/l2exodus/recover-state-server/internal/contract"
	"github.com/l2exodus/recover-state-server/internal/exitservice"
	"github.com/l2exodus/recover-state-server/internal/jobqueue"
	"github.com/l2exodus/recover-state-server/internal/recovery"
	"github.com/l2exodus/recover-state-server/internal/stateengine"
	"github.com/l2exodus/recover-state-server/internal/store"
	"github.com/l2exodus/recover-state-server/internal/xlog"

	"github.com/go-redis/redis/v7"
)

var logger = xlog.NewModuleLogger(xlog.Recovery)

var (
	envFileFlag = &cli.StringFlag{Name: "env-file", Usage: "path to a .env file of configuration overrides"}
	metricsAddr = &cli.StringFlag{Name: "metrics-addr", Value: ":9100", Usage: "address to serve /metrics on"}
	syncPeriod  = &cli.DurationFlag{Name: "sync-period", Value: 3 * time.Second, Usage: "interval between chain-sync sweeps"}
)

func main() {
	app := &cli.App{
		Name:  "recoverd",
		Usage: "recovery driver and exit-service for the rollup emergency-exit core",
		Flags: []cli.Flag{envFileFlag, metricsAddr, syncPeriod},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logger.Crit("recoverd exited with error", "err", err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trapSignals(cancel)

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	engine := stateengine.NewEngine(stateengine.New(), 0)

	clients := make(map[uint8]chainclient.Client, len(cfg.Chains))
	contractAddrs := make(map[uint8]gethcommon.Address, len(cfg.Chains))
	// caller aliases the two maps above, so inserts made while dialing
	// chains below are visible to it without rebuilding it afterward.
	caller := contract.New(clients, contractAddrs)
	driver := recovery.New(db, engine, caller)

	var chainInfos []exitservice.ChainInfo

	for _, chainCfg := range cfg.Chains {
		client, err := chainclient.Dial(ctx, chainclient.Config{
			ChainID: chainCfg.ChainID, Web3URL: chainCfg.ClientWeb3URL,
			ViewBlockStep: chainCfg.ClientViewBlockStep, RequestRateLimitDelay: chainCfg.ClientRequestRateLimitDelay,
		})
		if err != nil {
			return err
		}
		addr := gethcommon.HexToAddress(chainCfg.ContractAddress)
		clients[chainCfg.ChainID] = client
		contractAddrs[chainCfg.ChainID] = addr

		driver.AddChain(recovery.ChainConfig{
			ChainID: chainCfg.ChainID, ContractAddress: addr,
			ContractDeploymentBlock: chainCfg.ContractDeploymentBlock,
			IsCommitCompressedBlocks: chainCfg.IsCommitCompressedBlocks,
			ViewBlockStep: chainCfg.ClientViewBlockStep,
		}, client)
		chainInfos = append(chainInfos, exitservice.ChainInfo{ChainID: chainCfg.ChainID, ContractAddress: addr})
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		redisClient = redis.NewClient(opts)
	}

	var notifier jobqueue.CompletionNotifier
	if cfg.KafkaURL != "" {
		kn, err := jobqueue.NewKafkaNotifier([]string{cfg.KafkaURL}, "exodus-proof-completions")
		if err != nil {
			return err
		}
		defer kn.Close()
		notifier = kn
	}

	queue := jobqueue.New(db, redisClient, notifier, jobqueue.Config{
		LeaseTTL: cfg.ProverCoreGoneTimeout, BlacklistWindow: 24 * time.Hour, BlacklistThreshold: 5,
		CleanInterval: time.Duration(cfg.CleanIntervalMinutes) * time.Minute,
	})
	go queue.Janitor(ctx, time.Duration(cfg.CleanIntervalMinutes)*time.Minute)

	basket := chainmeta.NewStablecoinBasket(nil) // empty: no token registry is read, so a USD exit enqueues no stablecoin tasks
	svc := exitservice.New(db, driver, queue, basket, chainInfos, nil, caller)
	_ = svc // wired for the (out-of-scope) HTTP façade to embed

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(c.String("metrics-addr"), nil); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Info("recoverd starting", "chains", len(cfg.Chains))
	return driver.RunForever(ctx, c.Duration("sync-period"))
}

func trapSignals(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal, finishing current phase", "signal", sig)
		cancel()
	}()
}
