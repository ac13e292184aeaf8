package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/kausnet/settlecore/internal/audit"
	"github.com/kausnet/settlecore/internal/auth"
	"github.com/kausnet/settlecore/internal/distribution"
	"github.com/kausnet/settlecore/internal/gateway"
	"github.com/kausnet/settlecore/internal/ledgerstore"
	"github.com/kausnet/settlecore/internal/settlement"
	"github.com/kausnet/settlecore/pkg/circuit"
	"github.com/kausnet/settlecore/pkg/hashutil"
	"github.com/kausnet/settlecore/pkg/messaging"
	"github.com/kausnet/settlecore/pkg/metrics"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// A broken hash primitive makes the ledger worthless; refuse to start.
	hashutil.MustSelfCheck()

	port := envOr("PORT", "8080")
	dbURL := os.Getenv("DATABASE_URL")
	natsURL := os.Getenv("NATS_URL")
	redisAddr := os.Getenv("REDIS_ADDR")
	etcdEndpoints := os.Getenv("ETCD_ENDPOINTS")
	influxURL := os.Getenv("INFLUX_URL")

	// Durable stores. When the database is entirely unreachable the core
	// comes up in simulated mode over volatile stores: same API shape, no
	// persistence, visibly flagged in every response.
	var db *sql.DB
	simulated := false
	if dbURL != "" {
		db, err = sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatal("failed to open database", zap.Error(err))
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			log.Error("database unreachable, starting in simulated mode", zap.Error(err))
			db = nil
			simulated = true
		}
		cancel()
	} else {
		log.Warn("DATABASE_URL not set, starting in simulated mode")
		simulated = true
	}

	var msg *messaging.Client
	if natsURL != "" {
		msg, err = messaging.NewClient(messaging.Config{
			URL:            natsURL,
			Name:           "settlecore",
			ReconnectWait:  time.Second,
			MaxReconnects:  10,
			ConnectTimeout: 5 * time.Second,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS, events disabled", zap.Error(err))
		}
	}

	var rec *metrics.Recorder
	if influxURL != "" {
		rec = metrics.NewRecorder(metrics.Config{
			URL:    influxURL,
			Token:  os.Getenv("INFLUX_TOKEN"),
			Org:    envOr("INFLUX_ORG", "kausnet"),
			Bucket: envOr("INFLUX_BUCKET", "settlecore"),
		})
		defer rec.Close()
	}

	var etcdClient *clientv3.Client
	if etcdEndpoints != "" {
		etcdClient, err = clientv3.New(clientv3.Config{
			Endpoints:   []string{etcdEndpoints},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Error("failed to connect to etcd, cluster lock disabled", zap.Error(err))
			etcdClient = nil
		} else {
			defer etcdClient.Close()
		}
	}

	// Store wiring: durable where the database is up, volatile otherwise.
	var (
		durableEntries ledgerstore.EntryStore
		balances       ledgerstore.BalanceStore
		txs            ledgerstore.TransactionStore
		dists          ledgerstore.DistributionStore
	)
	if db != nil {
		durableEntries = ledgerstore.NewPostgresEntryStore(db)
		balances = ledgerstore.NewPostgresBalanceStore(db)
		txs = ledgerstore.NewPostgresTransactionStore(db)
		dists = ledgerstore.NewPostgresDistributionStore(db)
	} else {
		balances = ledgerstore.NewMemoryBalanceStore()
		txs = ledgerstore.NewMemoryTransactionStore()
		dists = ledgerstore.NewMemoryDistributionStore()
	}

	entryStore := ledgerstore.NewFallbackEntryStore(
		durableEntries, ledgerstore.NewMemoryEntryStore(), log, msg)
	ledger := audit.NewLedger(entryStore, log, msg)

	settleCfg := settlement.DefaultConfig()
	settleCfg.Simulated = simulated
	if raw := os.Getenv("EXCHANGE_RATE_KRW_PER_KAUS"); raw != "" {
		if rate, err := decimal.NewFromString(raw); err == nil && rate.IsPositive() {
			settleCfg.DefaultRate = rate
		}
	}
	settle := settlement.NewEngine(balances, txs, ledger, msg, rec, log, settleCfg)

	breakers := circuit.NewGroup(circuit.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
		OnStateChange: func(name string, from, to circuit.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	var sources []distribution.SourceShare
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		sources = []distribution.SourceShare{
			{
				Source: distribution.NewRedisRevenueSource("ads", "revenue:ads", rdb, breakers.Get("revenue-ads")),
				Share:  decimal.RequireFromString("0.40"),
			},
			{
				Source: distribution.NewRedisRevenueSource("partner", "revenue:partner", rdb, breakers.Get("revenue-partner")),
				Share:  decimal.RequireFromString("0.35"),
			},
		}
	}

	distCfg := distribution.DefaultConfig()
	if raw := os.Getenv("DISTRIBUTION_TIMEOUT_SECONDS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			distCfg.RunTimeout = time.Duration(n) * time.Second
		}
	}
	dist := distribution.NewEngine(balances, dists, ledger, msg, rec, etcdClient, log, distCfg, sources)

	authSvc := auth.NewService(
		mustEnv(log, "ADMIN_JWT_SECRET"),
		mustEnv(log, "SCHEDULER_SECRET"),
	)

	gw := gateway.New(gateway.Config{
		RateLimitMax:    120,
		RateLimitWindow: time.Minute,
	}, settle, dist, ledger, authSvc, msg, log)

	if msg.IsConnected() {
		if err := gw.StartStream(); err != nil {
			log.Error("failed to start audit stream relay", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      gw.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("settlecore listening",
			zap.String("port", port),
			zap.String("mode", settle.Mode()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}

	if msg != nil {
		_ = msg.Drain()
		msg.Close()
	}
	if db != nil {
		db.Close()
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustEnv(log *zap.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatal("required environment variable not set", zap.String("key", key))
	}
	return v
}
