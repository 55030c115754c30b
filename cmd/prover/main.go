// Command prover runs a pool of SNARK-proving workers against the shared
// exit-proof job queue (spec.md §4.7, C7).
package main

import (
	"context"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/l2exodus/recover-state-server/internal/chainmeta"
	"github.com/l2exodus/recover-state-server/internal/config"
	"github.com/l2exodus/recover-state-server/internal/jobqueue"
	"github.com/l2exodus/recover-state-server/internal/prover"
	"github.com/l2exodus/recover-state-server/internal/store"
	"github.com/l2exodus/recover-state-server/internal/xlog"

	"github.com/go-redis/redis/v7"
)

var logger = xlog.NewModuleLogger(xlog.Prover)

var (
	envFileFlag   = &cli.StringFlag{Name: "env-file", Usage: "path to a .env file of configuration overrides"}
	metricsAddr   = &cli.StringFlag{Name: "metrics-addr", Value: ":9101", Usage: "address to serve /metrics on"}
	concurrency   = &cli.IntFlag{Name: "concurrency", Value: 1, Usage: "number of concurrent proving workers"}
	setupKeyFile  = &cli.StringFlag{Name: "setup-key", Value: "setup.key", Usage: "filename of the SNARK setup key, resolved under RUNTIME_CONFIG_KEY_DIR"}
)

func main() {
	app := &cli.App{
		Name:   "prover",
		Usage:  "SNARK exit-proof worker pool",
		Flags:  []cli.Flag{envFileFlag, metricsAddr, concurrency, setupKeyFile},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logger.Crit("prover exited with error", "err", err)
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
		LeaseTTL: cfg.ProverCoreGoneTimeout,
	})

	basket := byChainStablecoins(cfg)

	setupKey, err := ioutil.ReadFile(filepath.Join(cfg.RuntimeConfigKeyDir, c.String("setup-key")))
	if err != nil {
		return err
	}

	pool := prover.NewPool(queue, db, basket, prover.StubProver{}, setupKey, c.Int("concurrency"))

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(c.String("metrics-addr"), nil); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Info("prover starting", "concurrency", c.Int("concurrency"))
	pool.Run(ctx, c.Int("concurrency"))
	return nil
}

// byChainStablecoins assigns the virtual USD token's stablecoin basket
// uniformly per chain — every configured chain is assumed to host the
// same stablecoin id range (spec.md §4.1 invariant 6).
func byChainStablecoins(cfg *config.Config) *chainmeta.StablecoinBasket {
	byChain := make(map[chainmeta.ChainID][]chainmeta.TokenID, len(cfg.Chains))
	for _, chainCfg := range cfg.Chains {
		var tokens []chainmeta.TokenID
		for id := chainmeta.StablecoinBasketLow; id <= chainmeta.StablecoinBasketHigh; id++ {
			tokens = append(tokens, id)
		}
		byChain[chainmeta.ChainID(chainCfg.ChainID)] = tokens
	}
	return chainmeta.NewStablecoinBasket(byChain)
}

func trapSignals(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal, draining in-flight work", "signal", sig)
		cancel()
	}()
}
