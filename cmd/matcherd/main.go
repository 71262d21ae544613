// Command matcherd is the stateful matcher service: it restores every
// known asset pair's order book from its last snapshot, replays the
// event log to catch up, then serves the HTTP/WebSocket surface and
// consumes new events until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/dexmatcher/matcherd/pkg/api"
	"github.com/dexmatcher/matcherd/pkg/broadcaster"
	"github.com/dexmatcher/matcherd/pkg/chain/chaintest"
	"github.com/dexmatcher/matcherd/pkg/crypto"
	"github.com/dexmatcher/matcherd/pkg/matcher"
	"github.com/dexmatcher/matcherd/pkg/matching"
	"github.com/dexmatcher/matcherd/pkg/order"
	"github.com/dexmatcher/matcherd/pkg/orderdb"
	"github.com/dexmatcher/matcherd/params"
	"github.com/dexmatcher/matcherd/pkg/queue"
	"github.com/dexmatcher/matcherd/pkg/ratecache"
	"github.com/dexmatcher/matcherd/pkg/registry"
	"github.com/dexmatcher/matcherd/pkg/snapshot"
	"github.com/dexmatcher/matcherd/pkg/storage"
	"github.com/dexmatcher/matcherd/pkg/util"
	"github.com/dexmatcher/matcherd/pkg/validator"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml/json/toml, read by viper)")
	envPath := flag.String("env", "", "path to .env file")
	flag.Parse()

	cfg, err := params.Load(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "matcherd: config: %v\n", err)
		os.Exit(1)
	}

	logger, err := util.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "matcherd: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("prepare data directory failed", zap.Error(err))
		os.Exit(1)
	}

	store, err := storage.Open(cfg.DataDir + "/db")
	if err != nil {
		logger.Error("open storage failed", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	reg := registry.NewAssetPairRegistry(store)
	if err := reg.Load(); err != nil {
		logger.Error("load registry failed", zap.Error(err))
		os.Exit(1)
	}
	seedRegistry(reg, cfg, logger)

	snaps := snapshot.NewStore(store)
	orders := orderdb.New(store)
	rates := ratecache.NewRateCache(store)
	if err := rates.Load(); err != nil {
		logger.Error("load rate cache failed", zap.Error(err))
		os.Exit(1)
	}

	// BlockchainContext is an external collaborator; this deployment mode
	// substitutes the deterministic fake until a real client is wired.
	bc := chaintest.New()

	eventQueue, err := openQueue(cfg, store, logger)
	if err != nil {
		logger.Error("open event queue failed", zap.Error(err))
		os.Exit(3)
	}

	bcastCfg := broadcaster.DefaultConfig()
	bcastCfg.Workers = cfg.BroadcastWorkers
	bcastCfg.QueueSize = cfg.BroadcastQueueSize
	bcastCfg.RetriesPerMin = cfg.BroadcastRetriesPerMin
	bcastCfg.PollInterval = cfg.BroadcastPollInterval
	bcast := broadcaster.New(bcastCfg, bc, logger)

	bcastCtx, bcastCancel := context.WithCancel(context.Background())
	bcast.Start(bcastCtx)

	matcherActor := matcher.New(reg, eventQueue, orders, snaps, store, bc, bcast, cfg.SnapshotsInterval, logger)

	verifier := order.NewVerifier(crypto.NewOrderSigner(crypto.DefaultDomain()))
	val := validator.New(toValidatorSettings(cfg), reg.Exists)
	val.Aggregation = func(pair order.Pair) (matching.Aggregation, bool) {
		return reg.AggregationAt(pair, ^uint64(0))
	}
	val.Market = func(pair order.Pair) (validator.MarketView, bool) {
		actor, ok := matcherActor.BookFor(pair)
		if !ok {
			return nil, false
		}
		return actor.Book(), true
	}
	val.Balances = placeChecker{matcherActor}

	server := api.NewServer(matcherActor, reg, eventQueue, orders, val, verifier, rates, logger)
	matcherActor.SetNotify(server.PushUpdates)

	startCtx, startCancel := context.WithTimeout(context.Background(), cfg.SnapshotsLoadingTimeout)
	if err := matcherActor.Start(startCtx); err != nil {
		startCancel()
		logger.Error("matcher start failed", zap.Error(err))
		os.Exit(2)
	}
	startCancel()

	if err := matcherActor.WaitUntilReady(cfg.StartEventsProcessingTimeout); err != nil {
		logger.Error("matcher did not become ready in time", zap.Error(err))
		os.Exit(2)
	}
	logger.Info("matcher ready", zap.Int("pairs", reg.Count()))

	go func() {
		if err := server.Start(cfg.HTTPAddr); err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if err := matcherActor.Stop(10 * time.Second); err != nil {
		logger.Warn("matcher stop reported error", zap.Error(err))
	}
	bcastCancel()
	bcast.Stop()
	if err := eventQueue.Close(5 * time.Second); err != nil {
		logger.Warn("queue close reported error", zap.Error(err))
	}
}

// seedRegistry registers every pair named in config.matchingRules that the
// durable registry does not already know about, so a fresh deployment
// boots with its configured pairs without a separate admin step.
func seedRegistry(reg *registry.AssetPairRegistry, cfg params.Config, logger *zap.Logger) {
	for _, p := range cfg.MatchingRules {
		pair := order.Pair{AmountAsset: p.AmountAsset, PriceAsset: p.PriceAsset}
		var rules []registry.MatchingRule
		for _, r := range p.Rules {
			mode := matching.Disabled
			if r.TickMode == "enabled" {
				mode = matching.Enabled
			}
			rules = append(rules, registry.MatchingRule{
				StartOffset: r.StartOffset,
				Aggregation: matching.Aggregation{Mode: mode, Tick: r.Tick},
			})
		}
		if len(rules) == 0 {
			rules = []registry.MatchingRule{{StartOffset: 0, Aggregation: matching.Aggregation{Mode: matching.Disabled}}}
		}
		created, err := reg.RegisterPair(pair, rules[0].Aggregation)
		if err != nil {
			logger.Warn("register configured pair failed", zap.String("pair", pair.String()), zap.Error(err))
			continue
		}
		if created && len(rules) > 1 {
			if err := reg.SetMatchingRules(pair, rules); err != nil {
				logger.Warn("set matching rules failed", zap.String("pair", pair.String()), zap.Error(err))
			}
		}
	}
}

func openQueue(cfg params.Config, store *storage.Store, logger *zap.Logger) (queue.EventQueue, error) {
	switch cfg.EventsQueue.Type {
	case "remote":
		acks := kafka.RequireOne
		switch cfg.EventsQueue.Remote.ProducerAcks {
		case "none":
			acks = kafka.RequireNone
		case "all":
			acks = kafka.RequireAll
		}
		return queue.OpenRemote(queue.RemoteConfig{
			Bootstrap:       cfg.EventsQueue.Remote.Bootstrap,
			Topic:           cfg.EventsQueue.Remote.Topic,
			ClientID:        cfg.EventsQueue.Remote.ClientID,
			GroupID:         cfg.EventsQueue.Remote.GroupID,
			ProducerAcks:    acks,
			ConsumerMaxPoll: cfg.EventsQueue.Remote.ConsumerMaxPoll,
		}, cfg.DataDir+"/queue-state", util.RealClock{})
	default:
		dir := cfg.EventsQueue.Local.Dir
		if dir == "" {
			dir = cfg.DataDir + "/queue"
		}
		return queue.OpenLocal(dir, util.RealClock{})
	}
}

func toValidatorSettings(cfg params.Config) validator.Settings {
	return validator.Settings{
		AllowedVersions:      cfg.AllowedOrderVersionSet(),
		MinFeeRate:           cfg.OrderFee.MinRate,
		MaxOrderAge:          cfg.OrderRestrictions.MaxOrderAge,
		MinExpirationWindow:  cfg.OrderRestrictions.MinExpirationWindow,
		MaxExpirationWindow:  cfg.OrderRestrictions.MaxExpirationWindow,
		MaxPriceDeviation:    cfg.Deviation,
		BlacklistedAssets:    cfg.BlacklistedAssetSet(),
		BlacklistedAddresses: cfg.BlacklistedAddressSet(),
	}
}

// placeChecker adapts MatcherActor's address-actor lookup to the
// validator's narrow BalanceChecker dependency.
type placeChecker struct {
	m *matcher.MatcherActor
}

func (p placeChecker) PlaceCheck(o *order.Order) error {
	return p.m.Get(o.Owner).PlaceCheck(o)
}
