// Package main runs the wallet activity sync service: one websocket
// multiplexer shared by all wallets, one activity stream per wallet, and an
// activity cache feeding durable storage.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"walletsync/internal/cache"
	"walletsync/internal/config"
	"walletsync/internal/domain"
	"walletsync/internal/observability"
	"walletsync/internal/poll"
	"walletsync/internal/socket"
	"walletsync/internal/storage"
	"walletsync/internal/storage/memory"
	"walletsync/internal/storage/migrations"
	pgstore "walletsync/internal/storage/postgres"
	"walletsync/internal/stream"
)

func main() {
	logger := log.New(os.Stdout, "[walletsync] ", log.LstdFlags)

	if err := config.LoadRequiredEnv(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	addresses := config.Addresses()
	if len(addresses) == 0 {
		logger.Fatalf("%s contains no addresses", config.WALLET_ADDRESSES)
	}

	pollingPeriod := mustDuration(logger, config.POLLING_PERIOD)
	forcedPollingPeriod := mustDuration(logger, config.FORCED_POLLING_PERIOD)
	minPollDelay := mustDuration(logger, config.MIN_POLL_DELAY)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, balances, cleanup, err := createStores(ctx, config.Global.String(config.POSTGRES_DSN))
	if err != nil {
		logger.Fatalf("create stores: %v", err)
	}
	defer cleanup()

	if addr := config.Global.String(config.METRICS_ADDR); addr != "" {
		go serveMetrics(logger, addr)
	}

	activityCache := cache.New(stores, nil)
	defer activityCache.Close()

	activityCache.OnChange(func(accountID string, newConfirmed, allPending []*domain.Activity) {
		observability.RecordChangeNotification()
		logger.Printf("%s: %d new confirmed, %d pending", accountID, len(newConfirmed), len(allPending))
	})
	activityCache.OnIncomingTransfer(func(accountID string, a *domain.Activity) {
		observability.RecordIncomingTransfer()
		logger.Printf("%s: incoming transfer %s", accountID, a.ID)
	})

	decoder := socket.NewDecoder()

	wsURL := config.Global.String(config.WS_URL)
	mux := socket.NewMultiplexer(func() socket.Transport {
		return socket.NewTransport(wsURL, nil)
	}, decoder)
	defer mux.Close()

	var fetchOpts []poll.ClientOption
	if key := config.Global.String(config.INDEXER_API_KEY); key != "" {
		fetchOpts = append(fetchOpts, poll.WithAPIKey(key))
	}
	fetcher := poll.NewClient(config.Global.String(config.INDEXER_API_URL), decoder, fetchOpts...)

	gateway := &muxGateway{mux: mux, balances: balances}

	streams := make([]*stream.ActivityStream, 0, len(addresses))
	for _, address := range addresses {
		address := address
		s := stream.NewActivityStream(gateway, fetcher, stream.Options{
			Address:                  address,
			NewestConfirmedTimestamp: newestTimestamp(ctx, stores.States, address),
			Scheduler: stream.SchedulerOptions{
				PollOnStart:         true,
				MinPollDelay:        minPollDelay,
				PollingPeriod:       pollingPeriod,
				ForcedPollingPeriod: forcedPollingPeriod,
			},
		})
		s.OnUpdate(func(newConfirmed, allPending []*domain.Activity, loadedAll bool) {
			observability.RecordActivitiesIngested(address, len(newConfirmed), len(allPending))
			activityCache.Ingest(address, newConfirmed, allPending, true, loadedAll)
		})
		s.OnLoadingChange(func(isLoading bool) {
			if isLoading {
				observability.RecordPollRun()
			} else {
				observability.DefaultMetrics.LastSuccessfulPoll.SetToCurrentTime()
			}
		})
		streams = append(streams, s)
		logger.Printf("syncing %s", address)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("received signal %v, shutting down", sig)

	for _, s := range streams {
		s.Destroy()
	}
	cancel()

	logger.Println("shutdown complete")
}

func mustDuration(logger *log.Logger, name string) time.Duration {
	d, err := config.Duration(name)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	return d
}

// createStores builds the storage stack: postgres when a DSN is configured,
// in-memory otherwise.
func createStores(ctx context.Context, dsn string) (cache.Stores, storage.BalanceStore, func(), error) {
	if dsn == "" {
		stores := cache.Stores{
			Activities: memory.NewActivityStore(),
			Indexes:    memory.NewActivityIndexStore(),
			States:     memory.NewAccountStateStore(),
		}
		return stores, memory.NewBalanceStore(), func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, dsn)
	if err != nil {
		return cache.Stores{}, nil, nil, err
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return cache.Stores{}, nil, nil, err
	}

	stores := cache.Stores{
		Activities: pgstore.NewActivityStore(pool),
		Indexes:    pgstore.NewActivityIndexStore(pool),
		States:     pgstore.NewAccountStateStore(pool),
	}
	return stores, pgstore.NewBalanceStore(pool), pool.Close, nil
}

// newestTimestamp reads the persisted sync position so restarts fetch only
// the missing history slice.
func newestTimestamp(ctx context.Context, states storage.AccountStateStore, address string) int64 {
	state, err := states.Get(ctx, address)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("[walletsync] %s: load sync position: %v", address, err)
		}
		return 0
	}
	return state.NewestConfirmedTimestamp
}

// muxGateway adapts the multiplexer to the stream's gateway contract and
// wires balance updates into the balance store on the way through.
type muxGateway struct {
	mux      *socket.Multiplexer
	balances storage.BalanceStore
}

func (g *muxGateway) WatchWallets(addresses []string, opts socket.WatchOptions) stream.WalletWatcher {
	if opts.OnBalanceUpdate == nil {
		opts.OnBalanceUpdate = g.storeBalance
	}
	if onConnect := opts.OnConnect; onConnect != nil {
		opts.OnConnect = func() {
			observability.RecordSocketConnect()
			onConnect()
		}
	}
	if onDisconnect := opts.OnDisconnect; onDisconnect != nil {
		opts.OnDisconnect = func() {
			observability.RecordSocketDisconnect()
			onDisconnect()
		}
	}
	return g.mux.WatchWallets(addresses, opts)
}

func (g *muxGateway) storeBalance(update socket.BalanceUpdate) {
	observability.RecordBalanceUpdate()
	err := g.balances.Upsert(context.Background(), update.Address, update.TokenAddress, update.Balance)
	if err != nil {
		log.Printf("[walletsync] %s: store balance: %v", update.Address, err)
	}
}

// serveMetrics exposes the Prometheus endpoint. Failures are logged, not
// fatal: metrics are optional.
func serveMetrics(logger *log.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	logger.Printf("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Printf("metrics server: %v", err)
	}
}
